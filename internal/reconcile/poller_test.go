package reconcile_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/marketplace-payment/internal/gateway"
	"github.com/frahmantamala/marketplace-payment/internal/reconcile"
	"github.com/frahmantamala/marketplace-payment/internal/transaction"
)

var _ = Describe("Poller", func() {
	var (
		ctx     context.Context
		store   *transaction.Service
		adapter *PollingAdapter
		poller  *reconcile.Poller
		cfg     reconcile.PollerConfig
	)

	start := func() {
		poller = reconcile.NewPoller(store, gateway.NewAdapters(adapter), reconcile.NewReconciler(store, testLogger), cfg, testLogger)
		poller.Start()
	}

	BeforeEach(func() {
		ctx = context.Background()
		store = newStore()
		poller = nil
		adapter = NewPollingAdapter(gateway.Stripe, "processing")
		cfg = reconcile.PollerConfig{Window: 20 * time.Millisecond, MaxAttempts: 3, Timeout: time.Second, Workers: 2, QueueSize: 10}
	})

	AfterEach(func() {
		if poller != nil {
			poller.Shutdown()
		}
	})

	statusOf := func(id string) func() transaction.Status {
		return func() transaction.Status {
			t, err := store.Get(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			return t.Status
		}
	}

	It("reconciles what the gateway reports when no webhook arrives", func() {
		adapter.SetStatus("succeeded")
		start()
		t := createProcessing(ctx, store, escrowCheckout(gateway.Stripe, "k1"), "pi_1")

		poller.Watch(t.ID)
		Eventually(statusOf(t.ID)).Should(Equal(transaction.StatusFundsHeld))
		Eventually(func() bool { return poller.Watching(t.ID) }).Should(BeFalse())
	})

	It("stops after the attempt limit", func() {
		start()
		t := createProcessing(ctx, store, escrowCheckout(gateway.Stripe, "k1"), "pi_1")

		poller.Watch(t.ID)
		Eventually(adapter.Polls).Should(Equal(3))
		Consistently(adapter.Polls, 150*time.Millisecond, 20*time.Millisecond).Should(Equal(3))
		Eventually(func() bool { return poller.Watching(t.ID) }).Should(BeFalse())
		Expect(statusOf(t.ID)()).To(Equal(transaction.StatusPaymentProcessing))
	})

	It("keeps the attempt limit across sweeps", func() {
		start()
		t := createProcessing(ctx, store, escrowCheckout(gateway.Stripe, "k1"), "pi_1")

		poller.Watch(t.ID)
		Eventually(func() bool { return poller.Exhausted(t.ID) }).Should(BeTrue())
		Expect(adapter.Polls()).To(Equal(3))

		for i := 0; i < 4; i++ {
			armed, err := poller.Sweep(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(armed).To(Equal(0))
		}
		Consistently(adapter.Polls, 150*time.Millisecond, 20*time.Millisecond).Should(Equal(3))
		Expect(poller.Watching(t.ID)).To(BeFalse())
	})

	It("forgets a spent transaction once it settles", func() {
		start()
		t := createProcessing(ctx, store, escrowCheckout(gateway.Stripe, "k1"), "pi_1")
		poller.Watch(t.ID)
		Eventually(func() bool { return poller.Exhausted(t.ID) }).Should(BeTrue())

		_, err := store.Transition(ctx, t.ID, transaction.StatusPaymentProcessing, transaction.StatusFundsHeld, transaction.GatewayActor(gateway.Stripe), transaction.Metadata{})
		Expect(err).NotTo(HaveOccurred())

		_, err = poller.Sweep(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(poller.Exhausted(t.ID)).To(BeFalse())
	})

	It("stops polling once a webhook settled the transaction", func() {
		cfg.Window = 50 * time.Millisecond
		start()
		t := createProcessing(ctx, store, escrowCheckout(gateway.Stripe, "k1"), "pi_1")
		poller.Watch(t.ID)

		_, err := store.Transition(ctx, t.ID, transaction.StatusPaymentProcessing, transaction.StatusFundsHeld, transaction.GatewayActor(gateway.Stripe), transaction.Metadata{})
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() bool { return poller.Watching(t.ID) }).Should(BeFalse())
		Expect(adapter.Polls()).To(Equal(0))
	})

	It("re-arms transactions stuck waiting on the gateway", func() {
		cfg.MaxAttempts = 100
		start()
		t := createProcessing(ctx, store, escrowCheckout(gateway.Stripe, "k1"), "pi_1")
		time.Sleep(2 * cfg.Window)

		armed, err := poller.Sweep(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(armed).To(Equal(1))
		Expect(poller.Watching(t.ID)).To(BeTrue())

		armed, err = poller.Sweep(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(armed).To(Equal(0))
	})
})
