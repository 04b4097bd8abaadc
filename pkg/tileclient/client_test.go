package tileclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilegrab/pkg/config"
	tgerrors "tilegrab/pkg/errors"
	"tilegrab/pkg/logger"
	"tilegrab/pkg/tilemath"
)

// mockRoundTripper allows us to intercept HTTP requests
type mockRoundTripper struct {
	handler func(req *http.Request) (*http.Response, error)
}

func (m *mockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.handler(req)
}

func newResponse(statusCode int, body string) *http.Response {
	return &http.Response{
		StatusCode: statusCode,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     make(http.Header),
	}
}

func newMockClient(handler func(req *http.Request) (*http.Response, error)) *Client {
	client := NewClient(config.DefaultConfig().Server, 5*time.Second, logger.NewNopLogger())
	client.httpClient = &http.Client{Transport: &mockRoundTripper{handler: handler}}
	return client
}

func TestURL(t *testing.T) {
	client := NewClient(config.DefaultConfig().Server, time.Second, logger.NewNopLogger())

	tests := []struct {
		key  tilemath.Key
		want string
	}{
		{tilemath.Key{Z: 3, X: 5, Y: 2}, "https://mt2.google.com/vt/lyrs=s&x=5&y=2&z=3"},
		{tilemath.Key{Z: 1, X: 0, Y: 0}, "https://mt1.google.com/vt/lyrs=s&x=0&y=0&z=1"},
		{tilemath.Key{Z: 2, X: 1, Y: 1}, "https://mt0.google.com/vt/lyrs=s&x=1&y=1&z=2"},
		{tilemath.Key{Z: 12, X: 3001, Y: 1700}, "https://mt1.google.com/vt/lyrs=s&x=3001&y=1700&z=12"},
	}

	for _, tt := range tests {
		t.Run(tt.key.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, client.URL(tt.key))
		})
	}
}

func TestURLWithoutMirrorsAndBaseURL(t *testing.T) {
	server := config.DefaultConfig().Server
	server.Mirrors = nil
	server.Host = "tiles.example.org"
	client := NewClient(server, time.Second, nil)
	assert.Equal(t, "https://tiles.example.org/vt/lyrs=s&x=1&y=2&z=3", client.URL(tilemath.Key{Z: 3, X: 1, Y: 2}))

	server.BaseURL = "http://127.0.0.1:9000/"
	client = NewClient(server, time.Second, nil)
	assert.Equal(t, "http://127.0.0.1:9000/vt/lyrs=s&x=1&y=2&z=3", client.URL(tilemath.Key{Z: 3, X: 1, Y: 2}))
}

func TestFetchTileSuccessSendsUserAgent(t *testing.T) {
	gotUA := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA <- r.Header.Get("User-Agent")
		var x, y, z int
		_, err := fmt.Sscanf(r.URL.Path, "/vt/lyrs=s&x=%d&y=%d&z=%d", &x, &y, &z)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, "tile-%d-%d-%d", z, x, y)
	}))
	defer srv.Close()

	server := config.DefaultConfig().Server
	server.BaseURL = srv.URL
	client := NewClient(server, 5*time.Second, logger.NewNopLogger())
	defer client.Close()

	body, err := client.FetchTile(context.Background(), tilemath.Key{Z: 3, X: 5, Y: 2})
	require.NoError(t, err)
	assert.Equal(t, "tile-3-5-2", string(body))
	assert.Equal(t, server.UserAgent, <-gotUA)
}

func TestFetchTileStatusKinds(t *testing.T) {
	tests := []struct {
		status int
		kind   tgerrors.Kind
	}{
		{http.StatusNotFound, tgerrors.KindNotFound},
		{http.StatusTooManyRequests, tgerrors.KindRateLimit},
		{http.StatusForbidden, tgerrors.KindClient},
		{http.StatusBadGateway, tgerrors.KindServer},
		{http.StatusNoContent, tgerrors.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			client := newMockClient(func(req *http.Request) (*http.Response, error) {
				return newResponse(tt.status, "nope"), nil
			})

			body, err := client.FetchTile(context.Background(), tilemath.Key{Z: 2, X: 1, Y: 1})
			require.Error(t, err)
			assert.Nil(t, body)

			var tileErr *tgerrors.Error
			require.True(t, errors.As(err, &tileErr))
			assert.Equal(t, tt.kind, tileErr.Kind)
			assert.Equal(t, tt.status, tileErr.Code)
			assert.Equal(t, "2/1/1", tileErr.Tile)
		})
	}
}

func TestFetchTileNetworkError(t *testing.T) {
	client := newMockClient(func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})

	_, err := client.FetchTile(context.Background(), tilemath.Key{Z: 1, X: 0, Y: 1})
	require.Error(t, err)
	assert.True(t, tgerrors.Is(err, tgerrors.KindNetwork))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestFetchTileCanceled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	server := config.DefaultConfig().Server
	server.BaseURL = srv.URL
	client := NewClient(server, 10*time.Second, logger.NewNopLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.FetchTile(ctx, tilemath.Key{Z: 1, X: 1, Y: 1})
	require.Error(t, err)
	assert.True(t, tgerrors.Is(err, tgerrors.KindCanceled))
}

func TestFetchTileTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	server := config.DefaultConfig().Server
	server.BaseURL = srv.URL
	client := NewClient(server, 50*time.Millisecond, logger.NewNopLogger())

	_, err := client.FetchTile(context.Background(), tilemath.Key{Z: 1, X: 1, Y: 1})
	require.Error(t, err)
	assert.True(t, tgerrors.Is(err, tgerrors.KindNetwork))
}

func TestLogsNon200(t *testing.T) {
	tl := logger.NewTestLogger()
	client := newMockClient(func(req *http.Request) (*http.Response, error) {
		return newResponse(http.StatusNotFound, ""), nil
	})
	client.logger = tl

	_, err := client.FetchTile(context.Background(), tilemath.Key{Z: 1, X: 0, Y: 0})
	require.Error(t, err)
	assert.Len(t, tl.GetMessagesByLevel("WARN"), 1)
}
