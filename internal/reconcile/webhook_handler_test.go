package reconcile_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/go-chi/chi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/marketplace-payment/internal"
	"github.com/frahmantamala/marketplace-payment/internal/gateway"
	"github.com/frahmantamala/marketplace-payment/internal/reconcile"
	"github.com/frahmantamala/marketplace-payment/internal/transaction"
	"github.com/frahmantamala/marketplace-payment/internal/transport"
)

const paytabsServerKey = "paytabs-server-key"

var _ = Describe("Webhook Handler", func() {
	var (
		ctx    context.Context
		store  *transaction.Service
		router chi.Router
		now    time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = newStore()
		now = time.Now()

		adapters := gateway.NewAdapters(
			gateway.NewPayTabsAdapter(internal.GatewayConfig{ID: gateway.PayTabs, APIKey: paytabsServerKey}, time.Second, testLogger),
			gateway.NewStripeAdapter(internal.GatewayConfig{ID: gateway.Stripe, WebhookSecret: "whsec_test"}, time.Second, testLogger).
				WithClock(func() time.Time { return now }),
		)
		handler := reconcile.NewWebhookHandler(&transport.BaseHandler{Logger: testLogger}, adapters, reconcile.NewReconciler(store, testLogger))

		router = chi.NewRouter()
		router.Post("/api/v1/webhooks/{gateway}", handler.HandleWebhook)
	})

	deliver := func(gatewayID, header, signature, body string) (*httptest.ResponseRecorder, reconcile.WebhookResponse) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/"+gatewayID, strings.NewReader(body))
		if header != "" {
			req.Header.Set(header, signature)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		var resp reconcile.WebhookResponse
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		return rec, resp
	}

	paytabsBody := func(cartID, tranRef, status string) string {
		return fmt.Sprintf(`{"tran_ref":%q,"cart_id":%q,"payment_result":{"response_status":%q,"response_message":"ok"}}`, tranRef, cartID, status)
	}

	It("reconciles a verified paytabs callback", func() {
		t := createProcessing(ctx, store, escrowCheckout(gateway.PayTabs, "k1"), "TST2024")
		body := paytabsBody(t.ID, "TST2024", "A")

		rec, resp := deliver(gateway.PayTabs, "Signature", gateway.Sign(paytabsServerKey, []byte(body)), body)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(resp.Status).To(Equal("processed"))
		Expect(resp.TransactionStatus).To(Equal(transaction.StatusFundsHeld))
	})

	It("accepts a webhook that beats the session acknowledgement", func() {
		t := createPending(ctx, store, escrowCheckout(gateway.PayTabs, "k1"))
		body := paytabsBody(t.ID, "TST2025", "A")

		rec, resp := deliver(gateway.PayTabs, "Signature", gateway.Sign(paytabsServerKey, []byte(body)), body)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(resp.TransactionStatus).To(Equal(transaction.StatusFundsHeld))

		got, err := store.Get(ctx, t.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.GatewayTransactionID).To(Equal("TST2025"))
	})

	It("rejects a bad signature without touching the transaction", func() {
		t := createProcessing(ctx, store, escrowCheckout(gateway.PayTabs, "k1"), "TST2024")
		body := paytabsBody(t.ID, "TST2024", "A")

		rec, _ := deliver(gateway.PayTabs, "Signature", gateway.Sign("wrong-key", []byte(body)), body)
		Expect(rec.Code).To(Equal(http.StatusUnauthorized))

		got, err := store.Get(ctx, t.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(transaction.StatusPaymentProcessing))
		Expect(got.History).To(HaveLen(2))
	})

	It("rejects a missing signature", func() {
		rec, _ := deliver(gateway.PayTabs, "", "", paytabsBody("x", "y", "A"))
		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
	})

	It("verifies stripe's timestamped signature", func() {
		t := createProcessing(ctx, store, standardCheckout("k1"), "pi_42")
		body := fmt.Sprintf(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_42","status":"succeeded","metadata":{"transaction_id":%q}}}}`, t.ID)
		ts := fmt.Sprintf("%d", now.Unix())
		header := fmt.Sprintf("t=%s,v1=%s", ts, gateway.Sign("whsec_test", []byte(ts+"."+body)))

		rec, resp := deliver(gateway.Stripe, "Stripe-Signature", header, body)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(resp.TransactionStatus).To(Equal(transaction.StatusPaid))
	})

	It("acknowledges events for unknown transactions", func() {
		body := paytabsBody("", "TST-NONE", "A")
		rec, resp := deliver(gateway.PayTabs, "Signature", gateway.Sign(paytabsServerKey, []byte(body)), body)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(resp.Status).To(Equal("ignored"))
	})

	It("answers 404 for an unknown gateway", func() {
		rec, _ := deliver("square", "X-Sig", "abc", "{}")
		Expect(rec.Code).To(Equal(http.StatusNotFound))
	})
})
