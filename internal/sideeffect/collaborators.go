package sideeffect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/frahmantamala/marketplace-payment/internal"
)

type Notifier interface {
	Notify(ctx context.Context, userID, template string, data map[string]string) error
}

// CreditResult reports the wallet's answer. AlreadyCompleted means an earlier
// request for the same transaction went through.
type CreditResult struct {
	Credited         bool
	AlreadyCompleted bool
}

type Wallet interface {
	CreditSeller(ctx context.Context, transactionID, sellerID string, amount decimal.Decimal, currency string) (CreditResult, error)
}

type Arbitration interface {
	Flag(ctx context.Context, transactionID, reason string) error
}

type collaboratorClient struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

func newCollaboratorClient(name, baseURL string, cfg internal.CollaboratorsConfig, logger *slog.Logger) *collaboratorClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &collaboratorClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("collaborator", name),
	}
}

// post sends a JSON body and returns the status code with the raw response.
func (c *collaboratorClient) post(ctx context.Context, path, idempotencyKey string, body interface{}) (int, []byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return 0, nil, fmt.Errorf("encode %s request: %w", c.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return 0, nil, fmt.Errorf("build %s request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s request failed: %w", c.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read %s response: %w", c.name, err)
	}
	return resp.StatusCode, raw, nil
}

type HTTPNotifier struct {
	*collaboratorClient
}

func NewHTTPNotifier(cfg internal.CollaboratorsConfig, logger *slog.Logger) *HTTPNotifier {
	return &HTTPNotifier{newCollaboratorClient("notification", cfg.NotificationURL, cfg, logger)}
}

func (n *HTTPNotifier) Notify(ctx context.Context, userID, template string, data map[string]string) error {
	if n.baseURL == "" {
		n.logger.Info("notification service not configured, logging instead", "user_id", userID, "template", template)
		return nil
	}

	status, raw, err := n.post(ctx, "/notifications", "", map[string]interface{}{
		"user_id":  userID,
		"template": template,
		"data":     data,
	})
	if err != nil {
		return internal.ErrNotificationFailed.WithCause(err)
	}
	if status >= http.StatusBadRequest {
		return internal.ErrNotificationFailed.WithCause(fmt.Errorf("notification status %d: %s", status, string(raw)))
	}
	return nil
}

type HTTPWallet struct {
	*collaboratorClient
}

func NewHTTPWallet(cfg internal.CollaboratorsConfig, logger *slog.Logger) *HTTPWallet {
	return &HTTPWallet{newCollaboratorClient("wallet", cfg.WalletURL, cfg, logger)}
}

// CreditSeller is keyed on the transaction id so the wallet can refuse a
// second credit; a 409 answer is read as already completed.
func (w *HTTPWallet) CreditSeller(ctx context.Context, transactionID, sellerID string, amount decimal.Decimal, currency string) (CreditResult, error) {
	if w.baseURL == "" {
		w.logger.Warn("wallet service not configured, treating credit as applied",
			"transaction_id", transactionID, "seller_id", sellerID, "amount", amount.StringFixed(2))
		return CreditResult{Credited: true}, nil
	}

	status, raw, err := w.post(ctx, "/credits", "credit:"+transactionID, map[string]interface{}{
		"transaction_id": transactionID,
		"seller_id":      sellerID,
		"amount":         amount.StringFixed(2),
		"currency":       currency,
	})
	if err != nil {
		return CreditResult{}, internal.ErrWalletCreditFailed.WithCause(err)
	}

	switch {
	case status == http.StatusConflict:
		return CreditResult{AlreadyCompleted: true}, nil
	case status >= http.StatusBadRequest:
		return CreditResult{}, internal.ErrWalletCreditFailed.WithCause(fmt.Errorf("wallet status %d: %s", status, string(raw)))
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return CreditResult{}, internal.ErrWalletCreditFailed.WithCause(fmt.Errorf("decode wallet response: %w", err))
	}

	switch body.Status {
	case "credited":
		return CreditResult{Credited: true}, nil
	case "already_completed":
		return CreditResult{AlreadyCompleted: true}, nil
	}
	return CreditResult{}, nil
}

type HTTPArbitration struct {
	*collaboratorClient
}

func NewHTTPArbitration(cfg internal.CollaboratorsConfig, logger *slog.Logger) *HTTPArbitration {
	return &HTTPArbitration{newCollaboratorClient("arbitration", cfg.ArbitrationURL, cfg, logger)}
}

func (a *HTTPArbitration) Flag(ctx context.Context, transactionID, reason string) error {
	if a.baseURL == "" {
		a.logger.Info("arbitration service not configured, logging instead", "transaction_id", transactionID, "reason", reason)
		return nil
	}

	status, raw, err := a.post(ctx, "/cases", "dispute:"+transactionID, map[string]string{
		"transaction_id": transactionID,
		"reason":         reason,
	})
	if err != nil {
		return internal.ErrArbitrationFailed.WithCause(err)
	}
	if status >= http.StatusBadRequest && status != http.StatusConflict {
		return internal.ErrArbitrationFailed.WithCause(fmt.Errorf("arbitration status %d: %s", status, string(raw)))
	}
	return nil
}
