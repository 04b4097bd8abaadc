package tileclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tilegrab/pkg/config"
	tgerrors "tilegrab/pkg/errors"
	"tilegrab/pkg/logger"
	"tilegrab/pkg/tilemath"
)

// maxTileBytes guards against a misbehaving server streaming forever.
const maxTileBytes = 32 << 20

// Client fetches tiles from a mirrored tile server
type Client struct {
	httpClient *http.Client
	headers    map[string]string
	server     config.ServerConfig
	logger     logger.Logger
}

// NewClient creates a tile client. timeout bounds each request end to end.
func NewClient(server config.ServerConfig, timeout time.Duration, log logger.Logger) *Client {
	if log == nil {
		log = logger.GetLogger()
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		headers: map[string]string{
			"User-Agent": server.UserAgent,
			"Accept":     "image/avif,image/webp,image/apng,image/*,*/*;q=0.8",
		},
		server: server,
		logger: log,
	}
}

// URL returns the request URL for key
func (c *Client) URL(key tilemath.Key) string {
	path := fmt.Sprintf("/vt/lyrs=%s&x=%d&y=%d&z=%d", c.server.Layer, key.X, key.Y, key.Z)

	if c.server.BaseURL != "" {
		return strings.TrimRight(c.server.BaseURL, "/") + path
	}

	host := c.server.Host
	if mirror := c.Mirror(key); mirror != "" {
		host = mirror + "." + host
	}
	return fmt.Sprintf("%s://%s%s", c.server.Scheme, host, path)
}

// Mirror returns the mirror prefix used for key, or "" without mirrors
func (c *Client) Mirror(key tilemath.Key) string {
	n := len(c.server.Mirrors)
	if n == 0 {
		return ""
	}
	return c.server.Mirrors[(key.X+key.Y+key.Z)%n]
}

// FetchTile downloads the image bytes for key
func (c *Client) FetchTile(ctx context.Context, key tilemath.Key) ([]byte, error) {
	url := c.URL(key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &tgerrors.Error{Kind: tgerrors.KindUnknown, Tile: key.String(), Message: "failed to create request", Err: err}
	}
	for k, v := range c.headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &tgerrors.Error{Kind: tgerrors.KindCanceled, Tile: key.String(), Message: "request canceled", Err: ctx.Err()}
		}
		return nil, &tgerrors.Error{Kind: tgerrors.KindNetwork, Tile: key.String(), Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	logger.LogRequest(c.logger, url, resp.StatusCode, float64(time.Since(start).Microseconds())/1000)

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &tgerrors.Error{
			Kind:    tgerrors.KindForStatus(resp.StatusCode),
			Tile:    key.String(),
			Code:    resp.StatusCode,
			Message: "unexpected status",
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTileBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, &tgerrors.Error{Kind: tgerrors.KindCanceled, Tile: key.String(), Message: "body read canceled", Err: ctx.Err()}
		}
		return nil, &tgerrors.Error{Kind: tgerrors.KindNetwork, Tile: key.String(), Message: "failed to read body", Err: err}
	}
	if len(body) > maxTileBytes {
		return nil, &tgerrors.Error{Kind: tgerrors.KindServer, Tile: key.String(), Message: "tile body too large"}
	}

	return body, nil
}

// Close releases idle connections held by the shared transport
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
