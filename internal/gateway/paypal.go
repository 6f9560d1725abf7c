package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/frahmantamala/marketplace-payment/internal"
)

type PayPalAdapter struct {
	baseURL       string
	clientID      string
	clientSecret  string
	webhookSecret string
	http          *httpClient
	logger        *slog.Logger

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

func NewPayPalAdapter(cfg internal.GatewayConfig, timeout time.Duration, logger *slog.Logger) *PayPalAdapter {
	baseURL := cfg.APIBaseURL
	if baseURL == "" {
		baseURL = "https://api-m.paypal.com"
	}
	return &PayPalAdapter{
		baseURL:       strings.TrimRight(baseURL, "/"),
		clientID:      cfg.APIKey,
		clientSecret:  cfg.APISecret,
		webhookSecret: cfg.WebhookSecret,
		http:          newHTTPClient(timeout, logger),
		logger:        logger,
	}
}

func (p *PayPalAdapter) ID() string { return PayPal }

func (p *PayPalAdapter) SignatureHeader() string { return "Paypal-Transmission-Sig" }

func (p *PayPalAdapter) token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.accessToken != "" && time.Now().Before(p.expiresAt) {
		return p.accessToken, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequest(http.MethodPost, p.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build paypal token request: %w", err)
	}
	req.SetBasicAuth(p.clientID, p.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := p.http.do(ctx, req, &resp); err != nil {
		return "", err
	}

	p.accessToken = resp.AccessToken
	// refresh a minute early
	p.expiresAt = time.Now().Add(time.Duration(resp.ExpiresIn)*time.Second - time.Minute)
	return p.accessToken, nil
}

func (p *PayPalAdapter) authorized(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	token, err := p.token(ctx)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode paypal request: %w", err)
		}
	}
	req, err := http.NewRequest(method, p.baseURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("build paypal request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

type paypalOrder struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (p *PayPalAdapter) CreateSession(ctx context.Context, req SessionRequest) (SessionHandle, error) {
	body := map[string]interface{}{
		"intent": "CAPTURE",
		"purchase_units": []map[string]interface{}{
			{
				"reference_id": req.TransactionID,
				"custom_id":    req.TransactionID,
				"description":  req.Description,
				"amount": map[string]string{
					"currency_code": strings.ToUpper(req.Currency),
					"value":         majorString(req.Amount, req.Currency),
				},
			},
		},
		"application_context": map[string]string{
			"return_url": req.ReturnURL,
			"cancel_url": req.CancelURL,
		},
	}

	httpReq, err := p.authorized(ctx, http.MethodPost, "/v2/checkout/orders", body)
	if err != nil {
		return SessionHandle{}, err
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("PayPal-Request-Id", req.IdempotencyKey)
	}

	var order paypalOrder
	if err := p.http.do(ctx, httpReq, &order); err != nil {
		return SessionHandle{}, err
	}

	p.logger.Info("paypal order created", "transaction_id", req.TransactionID, "order_id", order.ID, "status", order.Status)

	return SessionHandle{
		GatewayTransactionID: order.ID,
		RedirectType:         RedirectOrderToken,
		Payload:              order.ID,
		NativeStatus:         order.Status,
	}, nil
}

// ConfirmSession captures an approved order.
func (p *PayPalAdapter) ConfirmSession(ctx context.Context, gatewayTransactionID string) (string, error) {
	httpReq, err := p.authorized(ctx, http.MethodPost, "/v2/checkout/orders/"+url.PathEscape(gatewayTransactionID)+"/capture", nil)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("PayPal-Request-Id", "capture-"+gatewayTransactionID)

	var order paypalOrder
	if err := p.http.do(ctx, httpReq, &order); err != nil {
		return "", err
	}
	return order.Status, nil
}

func (p *PayPalAdapter) PollStatus(ctx context.Context, gatewayTransactionID string) (string, error) {
	httpReq, err := p.authorized(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(gatewayTransactionID), nil)
	if err != nil {
		return "", err
	}

	var order paypalOrder
	if err := p.http.do(ctx, httpReq, &order); err != nil {
		return "", err
	}
	return order.Status, nil
}

type paypalEvent struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID                string `json:"id"`
		Status            string `json:"status"`
		CustomID          string `json:"custom_id"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
		PurchaseUnits []struct {
			CustomID string `json:"custom_id"`
		} `json:"purchase_units"`
	} `json:"resource"`
}

var paypalEventStatus = map[string]string{
	"CHECKOUT.ORDER.APPROVED":   "APPROVED",
	"CHECKOUT.ORDER.COMPLETED":  "COMPLETED",
	"CHECKOUT.ORDER.VOIDED":     "VOIDED",
	"PAYMENT.CAPTURE.COMPLETED": "COMPLETED",
	"PAYMENT.CAPTURE.DENIED":    "DENIED",
	"PAYMENT.CAPTURE.DECLINED":  "DECLINED",
}

func (p *PayPalAdapter) VerifyWebhook(payload []byte, signature string) (NativeEvent, error) {
	if !validSignature(p.webhookSecret, payload, signature) {
		return NativeEvent{}, internal.ErrSignatureInvalid
	}

	var event paypalEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return NativeEvent{}, internal.NewValidationError("invalid paypal event payload", internal.ErrCodeValidationFailed).WithCause(err)
	}

	// capture events reference the capture; the session is the order
	orderID := event.Resource.SupplementaryData.RelatedIDs.OrderID
	if orderID == "" {
		orderID = event.Resource.ID
	}

	transactionID := event.Resource.CustomID
	if transactionID == "" && len(event.Resource.PurchaseUnits) > 0 {
		transactionID = event.Resource.PurchaseUnits[0].CustomID
	}

	status, ok := paypalEventStatus[event.EventType]
	if !ok {
		status = event.Resource.Status
	}

	return NativeEvent{
		Gateway:              PayPal,
		EventID:              event.ID,
		GatewayTransactionID: orderID,
		TransactionID:        transactionID,
		Status:               status,
	}, nil
}
