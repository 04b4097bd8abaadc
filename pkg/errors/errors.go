package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies why a tile operation failed.
type Kind string

const (
	KindNetwork   Kind = "network"
	KindRateLimit Kind = "rate_limit"
	KindNotFound  Kind = "not_found"
	KindClient    Kind = "client_error"
	KindServer    Kind = "server_error"
	KindCanceled  Kind = "canceled"
	KindStorage   Kind = "storage"
	KindLedger    Kind = "ledger"
	KindUnknown   Kind = "unknown"
)

// Error is a failure tied to a single tile.
type Error struct {
	Kind    Kind
	Tile    string
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (HTTP %d): %s", e.Kind, e.Code, e.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Tile == "" {
		return msg
	}
	return "tile " + e.Tile + ": " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindForStatus maps a non-200 HTTP status to an error kind.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindClient
	default:
		return KindUnknown
	}
}

// KindOf extracts the kind from err, falling back to context and unknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var tileErr *Error
	if errors.As(err, &tileErr) {
		return tileErr.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
