package reconcile_test

import (
	"context"
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/marketplace-payment/internal"
	"github.com/frahmantamala/marketplace-payment/internal/fee"
	"github.com/frahmantamala/marketplace-payment/internal/gateway"
	"github.com/frahmantamala/marketplace-payment/internal/reconcile"
	"github.com/frahmantamala/marketplace-payment/internal/transaction"
)

var _ = Describe("Status tables", func() {
	DescribeTable("classify native statuses",
		func(gatewayID, native string, expected reconcile.Outcome) {
			Expect(reconcile.Classify(gatewayID, native)).To(Equal(expected))
		},
		Entry("stripe processing", gateway.Stripe, "processing", reconcile.OutcomeAcknowledged),
		Entry("stripe succeeded", gateway.Stripe, "succeeded", reconcile.OutcomeSucceeded),
		Entry("stripe failed attempt", gateway.Stripe, "requires_payment_method", reconcile.OutcomeFailed),
		Entry("stripe canceled", gateway.Stripe, "canceled", reconcile.OutcomeCancelled),
		Entry("paypal approved", gateway.PayPal, "APPROVED", reconcile.OutcomeAcknowledged),
		Entry("paypal completed", gateway.PayPal, "COMPLETED", reconcile.OutcomeSucceeded),
		Entry("paypal denied", gateway.PayPal, "DENIED", reconcile.OutcomeFailed),
		Entry("paypal voided", gateway.PayPal, "VOIDED", reconcile.OutcomeCancelled),
		Entry("paytabs authorised", gateway.PayTabs, "A", reconcile.OutcomeSucceeded),
		Entry("paytabs declined", gateway.PayTabs, "D", reconcile.OutcomeFailed),
		Entry("paytabs voided", gateway.PayTabs, "V", reconcile.OutcomeCancelled),
		Entry("unknown status", gateway.Stripe, "mystery", reconcile.OutcomeIgnored),
		Entry("unknown gateway", "square", "succeeded", reconcile.OutcomeIgnored),
	)

	It("sends success to the mode's settled status", func() {
		escrow, _ := reconcile.TargetFor(reconcile.OutcomeSucceeded, fee.ModeEscrow)
		standard, _ := reconcile.TargetFor(reconcile.OutcomeSucceeded, fee.ModeStandard)
		Expect(escrow).To(Equal(transaction.StatusFundsHeld))
		Expect(standard).To(Equal(transaction.StatusPaid))

		_, ok := reconcile.TargetFor(reconcile.OutcomeIgnored, fee.ModeEscrow)
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("Reconciler", func() {
	var (
		ctx        context.Context
		store      *transaction.Service
		reconciler *reconcile.Reconciler
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = newStore()
		reconciler = reconcile.NewReconciler(store, testLogger)
	})

	It("walks a standard checkout from pending to paid on success", func() {
		t := createPending(ctx, store, standardCheckout("k1"))
		Expect(t.PlatformFee.StringFixed(2)).To(Equal("1.30"))
		Expect(t.Total.StringFixed(2)).To(Equal("27.29"))

		got, err := reconciler.Apply(ctx, t.ID, reconcile.NativeStatus{Gateway: gateway.Stripe, GatewayTransactionID: "pi_1", Status: "succeeded"})
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(transaction.StatusPaid))
		Expect(got.GatewayTransactionID).To(Equal("pi_1"))
		Expect(statuses(got)).To(Equal([]transaction.Status{
			transaction.StatusPendingPayment,
			transaction.StatusPaymentProcessing,
			transaction.StatusPaid,
		}))
		Expect(got.LastEntry().ActorRole).To(Equal(transaction.RoleGateway))
	})

	It("records a repeated status once", func() {
		t := createProcessing(ctx, store, escrowCheckout(gateway.Stripe, "k1"), "pi_1")

		_, err := reconciler.Reconcile(ctx, t.ID, gateway.Stripe, "succeeded")
		Expect(err).NotTo(HaveOccurred())
		got, err := reconciler.Reconcile(ctx, t.ID, gateway.Stripe, "succeeded")
		Expect(err).NotTo(HaveOccurred())

		held := 0
		for _, s := range statuses(got) {
			if s == transaction.StatusFundsHeld {
				held++
			}
		}
		Expect(held).To(Equal(1))
		Expect(got.History).To(HaveLen(3))
	})

	It("never regresses a transaction", func() {
		t := createProcessing(ctx, store, escrowCheckout(gateway.Stripe, "k1"), "pi_1")
		_, err := reconciler.Reconcile(ctx, t.ID, gateway.Stripe, "succeeded")
		Expect(err).NotTo(HaveOccurred())
		shipped, err := store.Act(ctx, t.ID, transaction.Caller{UserID: "seller-1"}, transaction.StatusShipped,
			transaction.Metadata{TrackingNumber: "1Z999", Carrier: "UPS"})
		Expect(err).NotTo(HaveOccurred())

		got, err := reconciler.Reconcile(ctx, t.ID, gateway.Stripe, "processing")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(transaction.StatusShipped))
		Expect(got.History).To(HaveLen(len(shipped.History)))
	})

	It("ignores a late success after a failure", func() {
		t := createProcessing(ctx, store, escrowCheckout(gateway.Stripe, "k1"), "pi_1")

		failed, err := reconciler.Reconcile(ctx, t.ID, gateway.Stripe, "requires_payment_method")
		Expect(err).NotTo(HaveOccurred())
		Expect(failed.Status).To(Equal(transaction.StatusPaymentFailed))

		got, err := reconciler.Reconcile(ctx, t.ID, gateway.Stripe, "succeeded")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(transaction.StatusPaymentFailed))
	})

	It("cancels on a voided session as the system", func() {
		t := createProcessing(ctx, store, escrowCheckout(gateway.PayPal, "k1"), "ORDER-1")

		got, err := reconciler.Reconcile(ctx, t.ID, gateway.PayPal, "VOIDED")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(transaction.StatusCancelled))
		Expect(got.LastEntry().ActorRole).To(Equal(transaction.RoleSystem))
	})

	It("leaves the transaction alone for an unknown status", func() {
		t := createProcessing(ctx, store, escrowCheckout(gateway.Stripe, "k1"), "pi_1")
		got, err := reconciler.Reconcile(ctx, t.ID, gateway.Stripe, "mystery")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(transaction.StatusPaymentProcessing))
		Expect(got.History).To(HaveLen(2))
	})

	It("rejects a report from a different gateway", func() {
		t := createProcessing(ctx, store, escrowCheckout(gateway.Stripe, "k1"), "pi_1")
		_, err := reconciler.Reconcile(ctx, t.ID, gateway.PayPal, "COMPLETED")
		Expect(errors.Is(err, internal.ErrPreconditionFailed)).To(BeTrue())
	})

	It("settles once when reports race", func() {
		t := createProcessing(ctx, store, escrowCheckout(gateway.Stripe, "k1"), "pi_1")

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				_, err := reconciler.Reconcile(ctx, t.ID, gateway.Stripe, "succeeded")
				Expect(err).NotTo(HaveOccurred())
			}()
		}
		wg.Wait()

		got, err := store.Get(ctx, t.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(transaction.StatusFundsHeld))
		Expect(got.History).To(HaveLen(3))
	})

	Describe("Resolve", func() {
		var t *transaction.Transaction

		BeforeEach(func() {
			t = createProcessing(ctx, store, escrowCheckout(gateway.Stripe, "k1"), "pi_1")
		})

		It("finds a transaction by its own id", func() {
			got, err := reconciler.Resolve(ctx, gateway.Stripe, t.ID, "pi_1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ID).To(Equal(t.ID))
		})

		It("falls back to the gateway reference", func() {
			got, err := reconciler.Resolve(ctx, gateway.Stripe, "", "pi_1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ID).To(Equal(t.ID))

			got, err = reconciler.Resolve(ctx, gateway.Stripe, "not-ours", "pi_1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ID).To(Equal(t.ID))
		})

		It("reports unknown references", func() {
			_, err := reconciler.Resolve(ctx, gateway.Stripe, "", "pi_unknown")
			Expect(errors.Is(err, internal.ErrTransactionNotFound)).To(BeTrue())
		})
	})
})
