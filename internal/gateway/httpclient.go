package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/frahmantamala/marketplace-payment/internal"
)

type httpClient struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

func newHTTPClient(timeout time.Duration, logger *slog.Logger) *httpClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &httpClient{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		logger:  logger,
	}
}

// do sends req under the client timeout and decodes a 2xx body into out.
// Transport failures and 5xx answers become ErrGatewayUnreachable so callers
// can tell "try again" apart from a rejected request.
func (c *httpClient) do(ctx context.Context, req *http.Request, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		c.logger.Error("gateway request failed", "url", req.URL.String(), "error", err)
		return internal.ErrGatewayUnreachable.WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return internal.ErrGatewayUnreachable.WithCause(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		c.logger.Warn("gateway returned server error", "url", req.URL.String(), "status_code", resp.StatusCode)
		return internal.ErrGatewayUnreachable.WithCause(fmt.Errorf("gateway status %d", resp.StatusCode))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		c.logger.Warn("gateway rejected request", "url", req.URL.String(), "status_code", resp.StatusCode, "body", string(body))
		return internal.NewExternalError("payment gateway rejected the request", internal.ErrCodeGatewayUnavailable, http.StatusBadGateway).
			WithCause(fmt.Errorf("gateway status %d: %s", resp.StatusCode, string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return internal.NewExternalError("payment gateway returned an unreadable response", internal.ErrCodeGatewayUnavailable, http.StatusBadGateway).WithCause(err)
	}
	return nil
}
