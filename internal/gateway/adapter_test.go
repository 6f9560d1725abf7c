package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/marketplace-payment/internal"
	"github.com/frahmantamala/marketplace-payment/internal/gateway"
)

var _ = Describe("StripeAdapter", func() {
	var (
		server  *httptest.Server
		handler http.HandlerFunc
		adapter *gateway.StripeAdapter
	)

	BeforeEach(func() {
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer GinkgoRecover()
			handler(w, r)
		}))
		adapter = gateway.NewStripeAdapter(internal.GatewayConfig{
			ID:            gateway.Stripe,
			APIBaseURL:    server.URL,
			APIKey:        "sk_test",
			WebhookSecret: "whsec_test",
		}, 2*time.Second, testLogger)
	})

	AfterEach(func() {
		server.Close()
	})

	It("creates a payment intent in minor units", func() {
		var form url.Values
		handler = func(w http.ResponseWriter, r *http.Request) {
			Expect(r.URL.Path).To(Equal("/v1/payment_intents"))
			Expect(r.Header.Get("Authorization")).To(Equal("Bearer sk_test"))
			Expect(r.Header.Get("Idempotency-Key")).To(Equal("idem-1"))
			body, _ := io.ReadAll(r.Body)
			form, _ = url.ParseQuery(string(body))
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"id":"pi_123","client_secret":"pi_123_secret","status":"requires_payment_method"}`)
		}

		handle, err := adapter.CreateSession(context.Background(), gateway.SessionRequest{
			TransactionID:  "tx-1",
			IdempotencyKey: "idem-1",
			Amount:         decimal.RequireFromString("27.29"),
			Currency:       "USD",
		})

		Expect(err).ToNot(HaveOccurred())
		Expect(form.Get("amount")).To(Equal("2729"))
		Expect(form.Get("currency")).To(Equal("usd"))
		Expect(form.Get("metadata[transaction_id]")).To(Equal("tx-1"))
		Expect(handle.GatewayTransactionID).To(Equal("pi_123"))
		Expect(handle.RedirectType).To(Equal(gateway.RedirectClientSecret))
		Expect(handle.Payload).To(Equal("pi_123_secret"))
	})

	It("reports a 5xx as unreachable", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}

		_, err := adapter.CreateSession(context.Background(), gateway.SessionRequest{
			TransactionID: "tx-1",
			Amount:        decimal.NewFromInt(10),
			Currency:      "USD",
		})

		Expect(errors.Is(err, internal.ErrGatewayUnreachable)).To(BeTrue())
	})

	It("does not report a fresh intent as failed", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"id":"pi_123","status":"requires_payment_method"}`)
		}
		status, err := adapter.PollStatus(context.Background(), "pi_123")
		Expect(err).ToNot(HaveOccurred())
		Expect(status).To(Equal("requires_action"))
	})

	It("reports a failed attempt", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"id":"pi_123","status":"requires_payment_method","last_payment_error":{"code":"card_declined"}}`)
		}
		status, err := adapter.PollStatus(context.Background(), "pi_123")
		Expect(err).ToNot(HaveOccurred())
		Expect(status).To(Equal("requires_payment_method"))
	})

	Describe("VerifyWebhook", func() {
		payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_123","status":"succeeded","metadata":{"transaction_id":"tx-1"}}}}`)

		sign := func(ts time.Time, secret string) string {
			t := fmt.Sprintf("%d", ts.Unix())
			return fmt.Sprintf("t=%s,v1=%s", t, gateway.Sign(secret, append([]byte(t+"."), payload...)))
		}

		It("accepts a valid signature", func() {
			event, err := adapter.VerifyWebhook(payload, sign(time.Now(), "whsec_test"))
			Expect(err).ToNot(HaveOccurred())
			Expect(event.GatewayTransactionID).To(Equal("pi_123"))
			Expect(event.TransactionID).To(Equal("tx-1"))
			Expect(event.Status).To(Equal("succeeded"))
		})

		It("rejects a wrong secret", func() {
			_, err := adapter.VerifyWebhook(payload, sign(time.Now(), "other"))
			Expect(errors.Is(err, internal.ErrSignatureInvalid)).To(BeTrue())
		})

		It("rejects a replayed timestamp", func() {
			_, err := adapter.VerifyWebhook(payload, sign(time.Now().Add(-time.Hour), "whsec_test"))
			Expect(errors.Is(err, internal.ErrSignatureInvalid)).To(BeTrue())
		})

		It("maps payment_failed events to requires_payment_method", func() {
			failed := []byte(`{"id":"evt_2","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_123","status":"requires_payment_method"}}}`)
			t := fmt.Sprintf("%d", time.Now().Unix())
			header := fmt.Sprintf("t=%s,v1=%s", t, gateway.Sign("whsec_test", append([]byte(t+"."), failed...)))

			event, err := adapter.VerifyWebhook(failed, header)
			Expect(err).ToNot(HaveOccurred())
			Expect(event.Status).To(Equal("requires_payment_method"))
		})

		It("does not report a freshly created intent as failed", func() {
			created := []byte(`{"id":"evt_3","type":"payment_intent.created","data":{"object":{"id":"pi_123","status":"requires_payment_method"}}}`)
			t := fmt.Sprintf("%d", time.Now().Unix())
			header := fmt.Sprintf("t=%s,v1=%s", t, gateway.Sign("whsec_test", append([]byte(t+"."), created...)))

			event, err := adapter.VerifyWebhook(created, header)
			Expect(err).ToNot(HaveOccurred())
			Expect(event.Status).To(Equal("requires_action"))
		})
	})
})

var _ = Describe("PayPalAdapter", func() {
	var (
		server     *httptest.Server
		tokenCalls int32
		adapter    *gateway.PayPalAdapter
	)

	BeforeEach(func() {
		atomic.StoreInt32(&tokenCalls, 0)
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer GinkgoRecover()
			w.Header().Set("Content-Type", "application/json")
			switch r.URL.Path {
			case "/v1/oauth2/token":
				atomic.AddInt32(&tokenCalls, 1)
				user, pass, _ := r.BasicAuth()
				Expect(user).To(Equal("client"))
				Expect(pass).To(Equal("secret"))
				fmt.Fprint(w, `{"access_token":"A21","expires_in":3600}`)
			case "/v2/checkout/orders":
				Expect(r.Header.Get("Authorization")).To(Equal("Bearer A21"))
				var body map[string]interface{}
				Expect(json.NewDecoder(r.Body).Decode(&body)).To(Succeed())
				units := body["purchase_units"].([]interface{})
				amount := units[0].(map[string]interface{})["amount"].(map[string]interface{})
				Expect(amount["value"]).To(Equal("27.29"))
				fmt.Fprint(w, `{"id":"ORDER-1","status":"CREATED"}`)
			case "/v2/checkout/orders/ORDER-1/capture":
				fmt.Fprint(w, `{"id":"ORDER-1","status":"COMPLETED"}`)
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		}))
		adapter = gateway.NewPayPalAdapter(internal.GatewayConfig{
			ID:            gateway.PayPal,
			APIBaseURL:    server.URL,
			APIKey:        "client",
			APISecret:     "secret",
			WebhookSecret: "hook",
		}, 2*time.Second, testLogger)
	})

	AfterEach(func() {
		server.Close()
	})

	It("creates an order and reuses the access token", func() {
		req := gateway.SessionRequest{TransactionID: "tx-1", Amount: decimal.RequireFromString("27.29"), Currency: "USD"}

		handle, err := adapter.CreateSession(context.Background(), req)
		Expect(err).ToNot(HaveOccurred())
		Expect(handle.RedirectType).To(Equal(gateway.RedirectOrderToken))
		Expect(handle.Payload).To(Equal("ORDER-1"))

		_, err = adapter.CreateSession(context.Background(), req)
		Expect(err).ToNot(HaveOccurred())
		Expect(atomic.LoadInt32(&tokenCalls)).To(Equal(int32(1)))
	})

	It("captures on confirm", func() {
		status, err := adapter.ConfirmSession(context.Background(), "ORDER-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(status).To(Equal("COMPLETED"))
	})

	It("resolves capture webhooks to the order", func() {
		payload := []byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-9","status":"COMPLETED","custom_id":"tx-1","supplementary_data":{"related_ids":{"order_id":"ORDER-1"}}}}`)

		event, err := adapter.VerifyWebhook(payload, gateway.Sign("hook", payload))
		Expect(err).ToNot(HaveOccurred())
		Expect(event.GatewayTransactionID).To(Equal("ORDER-1"))
		Expect(event.TransactionID).To(Equal("tx-1"))
		Expect(event.Status).To(Equal("COMPLETED"))
	})

	It("rejects unsigned webhooks", func() {
		_, err := adapter.VerifyWebhook([]byte(`{}`), "")
		Expect(errors.Is(err, internal.ErrSignatureInvalid)).To(BeTrue())
	})
})

var _ = Describe("PayTabsAdapter", func() {
	var (
		server  *httptest.Server
		adapter *gateway.PayTabsAdapter
	)

	BeforeEach(func() {
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer GinkgoRecover()
			Expect(r.Header.Get("Authorization")).To(Equal("server-key"))
			w.Header().Set("Content-Type", "application/json")
			switch r.URL.Path {
			case "/payment/request":
				fmt.Fprint(w, `{"tran_ref":"TST123","cart_id":"tx-1","redirect_url":"https://pay.example/TST123"}`)
			case "/payment/query":
				fmt.Fprint(w, `{"tran_ref":"TST123","cart_id":"tx-1","payment_result":{"response_status":"A"}}`)
			}
		}))
		adapter = gateway.NewPayTabsAdapter(internal.GatewayConfig{
			ID:         gateway.PayTabs,
			APIBaseURL: server.URL,
			APIKey:     "server-key",
			ProfileID:  "42",
		}, 2*time.Second, testLogger)
	})

	AfterEach(func() {
		server.Close()
	})

	It("returns a redirect url", func() {
		handle, err := adapter.CreateSession(context.Background(), gateway.SessionRequest{
			TransactionID: "tx-1",
			Amount:        decimal.NewFromInt(100),
			Currency:      "AED",
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(handle.RedirectType).To(Equal(gateway.RedirectURL))
		Expect(handle.Payload).To(Equal("https://pay.example/TST123"))
		Expect(handle.GatewayTransactionID).To(Equal("TST123"))
	})

	It("polls the response status", func() {
		status, err := adapter.PollStatus(context.Background(), "TST123")
		Expect(err).ToNot(HaveOccurred())
		Expect(status).To(Equal("A"))
	})

	It("verifies callbacks with the server key", func() {
		payload := []byte(`{"tran_ref":"TST123","cart_id":"tx-1","payment_result":{"response_status":"D"}}`)
		event, err := adapter.VerifyWebhook(payload, gateway.Sign("server-key", payload))
		Expect(err).ToNot(HaveOccurred())
		Expect(event.TransactionID).To(Equal("tx-1"))
		Expect(event.Status).To(Equal("D"))

		_, err = adapter.VerifyWebhook(payload, gateway.Sign("wrong", payload))
		Expect(errors.Is(err, internal.ErrSignatureInvalid)).To(BeTrue())
	})
})

var _ = Describe("Adapters", func() {
	It("builds adapters for known providers only", func() {
		adapters := gateway.NewAdaptersFromConfig([]internal.GatewayConfig{
			{ID: gateway.Stripe},
			{ID: "square"},
		}, time.Second, testLogger)

		_, err := adapters.Get(gateway.Stripe)
		Expect(err).ToNot(HaveOccurred())
		_, err = adapters.Get("square")
		Expect(errors.Is(err, internal.ErrGatewayNotFound)).To(BeTrue())
	})
})
