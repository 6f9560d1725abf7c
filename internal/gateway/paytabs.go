package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/frahmantamala/marketplace-payment/internal"
)

type PayTabsAdapter struct {
	baseURL   string
	serverKey string
	profileID string
	http      *httpClient
	logger    *slog.Logger
}

func NewPayTabsAdapter(cfg internal.GatewayConfig, timeout time.Duration, logger *slog.Logger) *PayTabsAdapter {
	baseURL := cfg.APIBaseURL
	if baseURL == "" {
		baseURL = "https://secure.paytabs.com"
	}
	return &PayTabsAdapter{
		baseURL:   strings.TrimRight(baseURL, "/"),
		serverKey: cfg.APIKey,
		profileID: cfg.ProfileID,
		http:      newHTTPClient(timeout, logger),
		logger:    logger,
	}
}

func (p *PayTabsAdapter) ID() string { return PayTabs }

func (p *PayTabsAdapter) SignatureHeader() string { return "Signature" }

func (p *PayTabsAdapter) post(path string, body interface{}) (*http.Request, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, fmt.Errorf("encode paytabs request: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, p.baseURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("build paytabs request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", p.serverKey)
	return req, nil
}

type paytabsResult struct {
	TranRef       string `json:"tran_ref"`
	CartID        string `json:"cart_id"`
	RedirectURL   string `json:"redirect_url"`
	PaymentResult struct {
		ResponseStatus  string `json:"response_status"`
		ResponseMessage string `json:"response_message"`
	} `json:"payment_result"`
}

func (p *PayTabsAdapter) CreateSession(ctx context.Context, req SessionRequest) (SessionHandle, error) {
	body := map[string]interface{}{
		"profile_id":       p.profileID,
		"tran_type":        "sale",
		"tran_class":       "ecom",
		"cart_id":          req.TransactionID,
		"cart_currency":    strings.ToUpper(req.Currency),
		"cart_amount":      json.Number(majorString(req.Amount, req.Currency)),
		"cart_description": req.Description,
		"callback":         req.CallbackURL,
		"return":           req.ReturnURL,
	}

	httpReq, err := p.post("/payment/request", body)
	if err != nil {
		return SessionHandle{}, err
	}

	var result paytabsResult
	if err := p.http.do(ctx, httpReq, &result); err != nil {
		return SessionHandle{}, err
	}

	p.logger.Info("paytabs payment page created", "transaction_id", req.TransactionID, "tran_ref", result.TranRef)

	return SessionHandle{
		GatewayTransactionID: result.TranRef,
		RedirectType:         RedirectURL,
		Payload:              result.RedirectURL,
		NativeStatus:         "P",
	}, nil
}

func (p *PayTabsAdapter) ConfirmSession(ctx context.Context, gatewayTransactionID string) (string, error) {
	return p.PollStatus(ctx, gatewayTransactionID)
}

func (p *PayTabsAdapter) PollStatus(ctx context.Context, gatewayTransactionID string) (string, error) {
	httpReq, err := p.post("/payment/query", map[string]interface{}{
		"profile_id": p.profileID,
		"tran_ref":   gatewayTransactionID,
	})
	if err != nil {
		return "", err
	}

	var result paytabsResult
	if err := p.http.do(ctx, httpReq, &result); err != nil {
		return "", err
	}
	return result.PaymentResult.ResponseStatus, nil
}

// VerifyWebhook checks the hex HMAC-SHA256 of the raw body keyed with the
// profile's server key.
func (p *PayTabsAdapter) VerifyWebhook(payload []byte, signature string) (NativeEvent, error) {
	if !validSignature(p.serverKey, payload, signature) {
		return NativeEvent{}, internal.ErrSignatureInvalid
	}

	var result paytabsResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return NativeEvent{}, internal.NewValidationError("invalid paytabs callback payload", internal.ErrCodeValidationFailed).WithCause(err)
	}

	return NativeEvent{
		Gateway:              PayTabs,
		EventID:              result.TranRef + ":" + result.PaymentResult.ResponseStatus,
		GatewayTransactionID: result.TranRef,
		TransactionID:        result.CartID,
		Status:               result.PaymentResult.ResponseStatus,
	}, nil
}
