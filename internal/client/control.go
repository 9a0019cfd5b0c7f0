package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/gpuchannel/internal/ipc"
)

// Control is the host-side control API of a GPU process.
type Control interface {
	EstablishChannel(ctx context.Context, req EstablishRequest) (*EstablishResponse, error)
	CloseChannel(ctx context.Context, clientID int32) error
	CreateViewCommandBuffer(ctx context.Context, clientID, surfaceID int32) (ipc.RouteID, error)
	DestroyViewCommandBuffer(ctx context.Context, clientID int32, route ipc.RouteID) error
}

type EstablishRequest struct {
	ClientID              int32 `json:"client_id"`
	Preempts              bool  `json:"preempts"`
	AllowFutureSyncPoints bool  `json:"allow_future_sync_points"`
}

type EstablishResponse struct {
	ChannelID    string `json:"channel_id"`
	WebsocketURL string `json:"websocket_url"`
}

type HTTPControl struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	retryCount int
	retryDelay time.Duration
	logger     *zap.Logger
}

var _ Control = (*HTTPControl)(nil)

func NewHTTPControl(baseURL string, ratePerSec int, timeout, retryDelay time.Duration, retryCount int, logger *zap.Logger) *HTTPControl {
	transport := &http.Transport{
		MaxIdleConns:    100,
		MaxConnsPerHost: 10,
		IdleConnTimeout: 90 * time.Second,
	}

	return &HTTPControl{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec*2),
		retryCount: retryCount,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

func (c *HTTPControl) EstablishChannel(ctx context.Context, req EstablishRequest) (*EstablishResponse, error) {
	var resp EstablishResponse
	if err := c.do(ctx, http.MethodPost, "/channels", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPControl) CloseChannel(ctx context.Context, clientID int32) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/channels/%d", clientID), nil, nil)
}

func (c *HTTPControl) CreateViewCommandBuffer(ctx context.Context, clientID, surfaceID int32) (ipc.RouteID, error) {
	var resp struct {
		RouteID ipc.RouteID `json:"route_id"`
	}
	body := struct {
		SurfaceID int32 `json:"surface_id"`
	}{surfaceID}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/channels/%d/command-buffers", clientID), body, &resp); err != nil {
		return ipc.RouteNone, err
	}
	return resp.RouteID, nil
}

func (c *HTTPControl) DestroyViewCommandBuffer(ctx context.Context, clientID int32, route ipc.RouteID) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/channels/%d/command-buffers/%d", clientID, route), nil, nil)
}

// do sends one request, retrying rate limits and server errors with
// exponential backoff.
func (c *HTTPControl) do(ctx context.Context, method, path string, in, out any) error {
	// Wait for rate limiter
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	url := c.baseURL + path
	c.logger.Debug("requesting", zap.String("method", method), zap.String("url", url))

	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1)) // Exponential backoff
			c.logger.Debug("retrying request", zap.Int("attempt", attempt), zap.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		// Read body before closing for error messages
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if readErr != nil {
			lastErr = readErr
			continue
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, errorMessage(body))
		case resp.StatusCode == http.StatusConflict:
			return fmt.Errorf("%w: %s", ErrConflict, errorMessage(body))
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = ErrRateLimited
			continue
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server error %d: %s", resp.StatusCode, errorMessage(body))
			continue
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, errorMessage(body))
		}

		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		return nil
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
