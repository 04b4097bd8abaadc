package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindForStatus(t *testing.T) {
	tests := map[int]Kind{
		404: KindNotFound,
		429: KindRateLimit,
		403: KindClient,
		500: KindServer,
		503: KindServer,
		302: KindUnknown,
	}

	for status, want := range tests {
		assert.Equal(t, want, KindForStatus(status), "status %d", status)
	}
}

func TestKindOf(t *testing.T) {
	tileErr := &Error{Kind: KindNotFound, Tile: "3/5/2", Code: 404, Message: "unexpected status"}
	wrapped := fmt.Errorf("fetch: %w", tileErr)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindNotFound))
	assert.Equal(t, KindCanceled, KindOf(fmt.Errorf("get: %w", context.Canceled)))
	assert.Equal(t, KindUnknown, KindOf(fmt.Errorf("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: KindNotFound, Tile: "3/5/2", Code: 404, Message: "unexpected status"}
	assert.Equal(t, "tile 3/5/2: not_found (HTTP 404): unexpected status", err.Error())

	inner := fmt.Errorf("connection reset")
	err = &Error{Kind: KindNetwork, Tile: "1/1/0", Message: "request failed", Err: inner}
	assert.Equal(t, "tile 1/1/0: network: request failed: connection reset", err.Error())
	assert.ErrorIs(t, err, inner)

	err = &Error{Kind: KindLedger, Message: "open ledger for append"}
	assert.Equal(t, "ledger: open ledger for append", err.Error())
}
