package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/frahmantamala/marketplace-payment/internal"
)

const stripeSignatureTolerance = 5 * time.Minute

type StripeAdapter struct {
	baseURL       string
	secretKey     string
	webhookSecret string
	http          *httpClient
	logger        *slog.Logger
	now           func() time.Time
}

func NewStripeAdapter(cfg internal.GatewayConfig, timeout time.Duration, logger *slog.Logger) *StripeAdapter {
	baseURL := cfg.APIBaseURL
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	return &StripeAdapter{
		baseURL:       strings.TrimRight(baseURL, "/"),
		secretKey:     cfg.APIKey,
		webhookSecret: cfg.WebhookSecret,
		http:          newHTTPClient(timeout, logger),
		logger:        logger,
		now:           time.Now,
	}
}

func (s *StripeAdapter) ID() string { return Stripe }

func (s *StripeAdapter) SignatureHeader() string { return "Stripe-Signature" }

type stripeIntent struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	ClientSecret     string            `json:"client_secret"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

func (s *StripeAdapter) CreateSession(ctx context.Context, req SessionRequest) (SessionHandle, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(minorUnits(req.Amount, req.Currency), 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("automatic_payment_methods[enabled]", "true")
	form.Set("metadata[transaction_id]", req.TransactionID)
	for k, v := range req.Metadata {
		form.Set(fmt.Sprintf("metadata[%s]", k), v)
	}
	if req.Description != "" {
		form.Set("description", req.Description)
	}

	httpReq, err := http.NewRequest(http.MethodPost, s.baseURL+"/v1/payment_intents", strings.NewReader(form.Encode()))
	if err != nil {
		return SessionHandle{}, fmt.Errorf("build stripe request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Authorization", "Bearer "+s.secretKey)
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	var intent stripeIntent
	if err := s.http.do(ctx, httpReq, &intent); err != nil {
		return SessionHandle{}, err
	}

	s.logger.Info("stripe payment intent created", "transaction_id", req.TransactionID, "intent_id", intent.ID, "status", intent.Status)

	return SessionHandle{
		GatewayTransactionID: intent.ID,
		RedirectType:         RedirectClientSecret,
		Payload:              intent.ClientSecret,
		NativeStatus:         intent.Status,
	}, nil
}

// ConfirmSession reads the intent back; confirmation itself happens in the
// buyer's browser.
func (s *StripeAdapter) ConfirmSession(ctx context.Context, gatewayTransactionID string) (string, error) {
	return s.PollStatus(ctx, gatewayTransactionID)
}

func (s *StripeAdapter) PollStatus(ctx context.Context, gatewayTransactionID string) (string, error) {
	httpReq, err := http.NewRequest(http.MethodGet, s.baseURL+"/v1/payment_intents/"+url.PathEscape(gatewayTransactionID), nil)
	if err != nil {
		return "", fmt.Errorf("build stripe request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.secretKey)

	var intent stripeIntent
	if err := s.http.do(ctx, httpReq, &intent); err != nil {
		return "", err
	}

	return intentStatus(intent, ""), nil
}

// intentStatus normalises requires_payment_method. A fresh intent reports it
// too; only a failed attempt carries last_payment_error or arrives as a
// payment_failed event.
func intentStatus(intent stripeIntent, eventType string) string {
	if eventType == "payment_intent.payment_failed" {
		return "requires_payment_method"
	}
	if intent.Status == "requires_payment_method" && intent.LastPaymentError == nil {
		return "requires_action"
	}
	return intent.Status
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object stripeIntent `json:"object"`
	} `json:"data"`
}

// VerifyWebhook checks a "t=<unix>,v1=<hex>" header against the HMAC of
// "<t>.<payload>".
func (s *StripeAdapter) VerifyWebhook(payload []byte, signature string) (NativeEvent, error) {
	var timestamp string
	var candidates []string
	for _, part := range strings.Split(signature, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			candidates = append(candidates, kv[1])
		}
	}
	if timestamp == "" || len(candidates) == 0 {
		return NativeEvent{}, internal.ErrSignatureInvalid.WithMessage("malformed stripe signature header")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return NativeEvent{}, internal.ErrSignatureInvalid.WithMessage("malformed stripe signature timestamp")
	}
	if age := s.now().Sub(time.Unix(ts, 0)); age > stripeSignatureTolerance || age < -stripeSignatureTolerance {
		return NativeEvent{}, internal.ErrSignatureInvalid.WithMessage("stripe signature timestamp outside tolerance")
	}

	signed := append([]byte(timestamp+"."), payload...)
	verified := false
	for _, c := range candidates {
		if validSignature(s.webhookSecret, signed, c) {
			verified = true
			break
		}
	}
	if !verified {
		return NativeEvent{}, internal.ErrSignatureInvalid
	}

	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return NativeEvent{}, internal.NewValidationError("invalid stripe event payload", internal.ErrCodeValidationFailed).WithCause(err)
	}

	return NativeEvent{
		Gateway:              Stripe,
		EventID:              event.ID,
		GatewayTransactionID: event.Data.Object.ID,
		TransactionID:        event.Data.Object.Metadata["transaction_id"],
		Status:               intentStatus(event.Data.Object, event.Type),
	}, nil
}

// WithClock swaps the clock used for signature tolerance.
func (s *StripeAdapter) WithClock(now func() time.Time) *StripeAdapter {
	s.now = now
	return s
}
