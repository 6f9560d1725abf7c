package transaction_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/marketplace-payment/internal"
	"github.com/frahmantamala/marketplace-payment/internal/fee"
	"github.com/frahmantamala/marketplace-payment/internal/transaction"
)

func newDraft(mode fee.PaymentMode, key string) *transaction.Transaction {
	breakdown, err := fee.NewCalculator(fee.DefaultPolicy()).Compute(fee.Input{
		BasePrice:    decimal.NewFromInt(100),
		ShippingCost: decimal.NewFromInt(10),
		Tax:          fee.FixedTax(decimal.RequireFromString("0.72")),
		Gateway: fee.GatewayTerms{
			ID:            "stripe",
			FeePercentage: decimal.RequireFromString("2.9"),
			FixedFee:      decimal.RequireFromString("0.30"),
			Enabled:       true,
		},
		PaidBy:   fee.PayerBuyer,
		Mode:     mode,
		Currency: "USD",
	})
	Expect(err).NotTo(HaveOccurred())

	t := &transaction.Transaction{
		PaymentMode:    mode,
		BuyerID:        "buyer-1",
		SellerID:       "seller-1",
		ProductID:      "product-1",
		Gateway:        "stripe",
		IdempotencyKey: transaction.IdempotencyKey("buyer-1", "product-1", "", key),
	}
	t.ApplyBreakdown(breakdown)
	return t
}

var _ = Describe("Service", func() {
	var (
		ctx       context.Context
		now       time.Time
		repo      *MockRepository
		publisher *RecordingPublisher
		service   *transaction.Service
		gateway   = transaction.GatewayActor("stripe")
		seller    = transaction.Actor{ID: "seller-1", Role: transaction.RoleSeller}
	)

	clock := func() time.Time { return now }

	newService := func() *transaction.Service {
		return transaction.NewService(repo, transaction.NewMachine(time.Hour).WithClock(clock), publisher, testLogger)
	}

	// advance drives a fresh transaction to the given status.
	advance := func(mode fee.PaymentMode, path ...transaction.Status) *transaction.Transaction {
		t, err := service.Create(ctx, newDraft(mode, "k-"+string(mode)))
		Expect(err).NotTo(HaveOccurred())
		for _, target := range path {
			var actor transaction.Actor
			meta := transaction.Metadata{}
			switch target {
			case transaction.StatusPaymentProcessing:
				actor, meta.GatewayTransactionID = gateway, "pi_1"
			case transaction.StatusFundsHeld, transaction.StatusPaid:
				actor = gateway
			case transaction.StatusShipped:
				actor, meta.TrackingNumber, meta.Carrier = seller, "1Z", "UPS"
			}
			t, err = service.Transition(ctx, t.ID, t.Status, target, actor, meta)
			Expect(err).NotTo(HaveOccurred())
		}
		return t
	}

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		repo = NewMockRepository()
		publisher = &RecordingPublisher{}
		service = newService()
	})

	Describe("Create", func() {
		It("starts in pending_payment with one history entry", func() {
			t, err := service.Create(ctx, newDraft(fee.ModeEscrow, "k1"))
			Expect(err).NotTo(HaveOccurred())
			Expect(t.ID).NotTo(BeEmpty())
			Expect(t.HumanID).To(MatchRegexp(`^TXN-20260301-[0-9A-F]{8}$`))
			Expect(t.Status).To(Equal(transaction.StatusPendingPayment))
			Expect(t.History).To(HaveLen(1))
			Expect(t.Version).To(Equal(int64(1)))

			stored, err := service.Get(ctx, t.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Total.StringFixed(2)).To(Equal("124.52"))
		})

		It("refuses a total that does not match its parts", func() {
			draft := newDraft(fee.ModeEscrow, "k1")
			draft.Total = draft.Total.Add(decimal.NewFromInt(1))
			_, err := service.Create(ctx, draft)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Transition", func() {
		It("appends history, bumps the version and publishes", func() {
			t := advance(fee.ModeEscrow, transaction.StatusPaymentProcessing, transaction.StatusFundsHeld)
			Expect(t.Status).To(Equal(transaction.StatusFundsHeld))
			Expect(t.History).To(HaveLen(3))
			Expect(t.Version).To(Equal(int64(3)))

			published := publisher.Events()
			Expect(published).To(HaveLen(2))
			Expect(published[1].From).To(Equal("payment_processing"))
			Expect(published[1].To).To(Equal("funds_held"))
			Expect(published[1].Seq).To(Equal(3))
		})

		It("is a no-op for an identical retry", func() {
			t := advance(fee.ModeStandard, transaction.StatusPaymentProcessing)
			again, err := service.Transition(ctx, t.ID, transaction.StatusPendingPayment, transaction.StatusPaymentProcessing, gateway, transaction.Metadata{GatewayTransactionID: "pi_1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(again.History).To(HaveLen(2))
			Expect(repo.Saves()).To(Equal(1))
			Expect(publisher.Events()).To(HaveLen(1))
		})

		It("reports StaleState when the caller's view is out of date", func() {
			t := advance(fee.ModeStandard, transaction.StatusPaymentProcessing, transaction.StatusPaid)
			_, err := service.Transition(ctx, t.ID, transaction.StatusPaymentProcessing, transaction.StatusPaymentFailed, gateway, transaction.Metadata{})
			Expect(errors.Is(err, internal.ErrStaleState)).To(BeTrue())
		})

		It("reports not found", func() {
			_, err := service.Transition(ctx, "missing", transaction.StatusPendingPayment, transaction.StatusCancelled, transaction.SystemActor("test"), transaction.Metadata{})
			Expect(errors.Is(err, internal.ErrTransactionNotFound)).To(BeTrue())
		})

		It("lets exactly one of two racing writers win", func() {
			t := advance(fee.ModeEscrow, transaction.StatusPaymentProcessing, transaction.StatusFundsHeld, transaction.StatusShipped)
			now = now.Add(2 * time.Hour)

			// separate services share only the store, like two processes
			other := newService()
			var wg sync.WaitGroup
			results := make([]error, 2)
			wg.Add(2)
			go func() {
				defer wg.Done()
				defer GinkgoRecover()
				_, results[0] = service.Transition(ctx, t.ID, transaction.StatusShipped, transaction.StatusDelivered, transaction.Actor{ID: "buyer-1", Role: transaction.RoleBuyer}, transaction.Metadata{})
			}()
			go func() {
				defer wg.Done()
				defer GinkgoRecover()
				_, results[1] = other.Transition(ctx, t.ID, transaction.StatusShipped, transaction.StatusDisputed, transaction.Actor{ID: "seller-1", Role: transaction.RoleSeller}, transaction.Metadata{DisputeReason: "r", DisputeDescription: "d"})
			}()
			wg.Wait()

			failures := 0
			for _, err := range results {
				if err != nil {
					Expect(errors.Is(err, internal.ErrStaleState)).To(BeTrue())
					failures++
				}
			}
			Expect(failures).To(Equal(1))

			stored, err := service.Get(ctx, t.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.History).To(HaveLen(5))
		})
	})

	Describe("Act", func() {
		It("resolves the seller role from the parties", func() {
			t := advance(fee.ModeEscrow, transaction.StatusPaymentProcessing, transaction.StatusFundsHeld)
			shipped, err := service.Act(ctx, t.ID, transaction.Caller{UserID: "seller-1"}, transaction.StatusShipped, transaction.Metadata{TrackingNumber: "1Z", Carrier: "UPS"})
			Expect(err).NotTo(HaveOccurred())
			Expect(shipped.LastEntry().ActorRole).To(Equal(transaction.RoleSeller))
		})

		It("rejects the seller confirming delivery", func() {
			t := advance(fee.ModeEscrow, transaction.StatusPaymentProcessing, transaction.StatusFundsHeld, transaction.StatusShipped)
			_, err := service.Act(ctx, t.ID, transaction.Caller{UserID: "seller-1"}, transaction.StatusDelivered, transaction.Metadata{})
			Expect(errors.Is(err, internal.ErrPreconditionFailed)).To(BeTrue())
		})

		It("rejects the seller repeating the buyer's delivery confirmation", func() {
			t := advance(fee.ModeEscrow, transaction.StatusPaymentProcessing, transaction.StatusFundsHeld, transaction.StatusShipped)
			_, err := service.Act(ctx, t.ID, transaction.Caller{UserID: "buyer-1"}, transaction.StatusDelivered, transaction.Metadata{})
			Expect(err).NotTo(HaveOccurred())

			_, err = service.Act(ctx, t.ID, transaction.Caller{UserID: "seller-1"}, transaction.StatusDelivered, transaction.Metadata{})
			Expect(errors.Is(err, internal.ErrPreconditionFailed)).To(BeTrue())
		})

		It("rejects strangers", func() {
			t := advance(fee.ModeEscrow)
			_, err := service.Act(ctx, t.ID, transaction.Caller{UserID: "mallory"}, transaction.StatusCancelled, transaction.Metadata{})
			Expect(errors.Is(err, internal.ErrUnauthorizedAccess)).To(BeTrue())
		})

		It("lets an admin resolve a dispute", func() {
			t := advance(fee.ModeEscrow, transaction.StatusPaymentProcessing, transaction.StatusFundsHeld)
			_, err := service.Act(ctx, t.ID, transaction.Caller{UserID: "buyer-1"}, transaction.StatusDisputed, transaction.Metadata{DisputeReason: "r", DisputeDescription: "d"})
			Expect(err).NotTo(HaveOccurred())

			refunded, err := service.Act(ctx, t.ID, transaction.Caller{UserID: "admin-1", Admin: true}, transaction.StatusRefunded, transaction.Metadata{Resolution: "refund approved"})
			Expect(err).NotTo(HaveOccurred())
			Expect(refunded.Status).To(Equal(transaction.StatusRefunded))
			Expect(refunded.LastEntry().Note).To(Equal("refund approved"))
		})

		It("lets the buyer abandon checkout", func() {
			t := advance(fee.ModeEscrow)
			cancelled, err := service.Act(ctx, t.ID, transaction.Caller{UserID: "buyer-1"}, transaction.StatusCancelled, transaction.Metadata{})
			Expect(err).NotTo(HaveOccurred())
			Expect(cancelled.Status).To(Equal(transaction.StatusCancelled))
		})
	})

	Describe("AttachSession", func() {
		session := transaction.Session{Type: "client_secret", Payload: "secret_1"}

		It("stores a late session without adding history", func() {
			t := advance(fee.ModeStandard, transaction.StatusPaymentProcessing, transaction.StatusPaid)

			updated, err := service.AttachSession(ctx, t.ID, "pi_1", session)
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Session).To(Equal(&session))
			Expect(updated.Version).To(Equal(t.Version + 1))

			stored, err := service.Get(ctx, t.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Session).To(Equal(&session))
			Expect(stored.Status).To(Equal(transaction.StatusPaid))
			Expect(stored.History).To(HaveLen(3))
			Expect(publisher.Events()).To(HaveLen(2))
		})

		It("leaves a session from another gateway reference alone", func() {
			t := advance(fee.ModeStandard, transaction.StatusPaymentProcessing)

			updated, err := service.AttachSession(ctx, t.ID, "pi_other", session)
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Session).To(BeNil())
			Expect(repo.Saves()).To(Equal(1))
		})
	})

	Describe("Republish", func() {
		It("emits the latest transition again with its original edge", func() {
			t := advance(fee.ModeEscrow, transaction.StatusPaymentProcessing, transaction.StatusFundsHeld, transaction.StatusShipped)
			Expect(publisher.Events()).To(HaveLen(3))

			_, err := service.Republish(ctx, t.ID)
			Expect(err).NotTo(HaveOccurred())

			published := publisher.Events()
			Expect(published).To(HaveLen(4))
			Expect(published[3].From).To(Equal("funds_held"))
			Expect(published[3].To).To(Equal("shipped"))
			Expect(published[3].Seq).To(Equal(published[2].Seq))
			Expect(published[3].ActorID).To(Equal("seller-1"))
			Expect(published[3].ActorRole).To(Equal("seller"))
			Expect(repo.Saves()).To(Equal(3))
		})

		It("refuses a transaction that never moved", func() {
			t := advance(fee.ModeEscrow)
			_, err := service.Republish(ctx, t.ID)
			Expect(errors.Is(err, internal.ErrPreconditionFailed)).To(BeTrue())
			Expect(publisher.Events()).To(BeEmpty())
		})
	})

	Describe("GetForCaller", func() {
		It("hides transactions from non-parties", func() {
			t := advance(fee.ModeEscrow)
			_, err := service.GetForCaller(ctx, t.ID, transaction.Caller{UserID: "mallory"})
			Expect(errors.Is(err, internal.ErrUnauthorizedAccess)).To(BeTrue())

			_, err = service.GetForCaller(ctx, t.ID, transaction.Caller{UserID: "ops", Admin: true})
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("AutoReleaser", func() {
		It("releases due escrow transactions exactly once under concurrent sweeps", func() {
			t := advance(fee.ModeEscrow, transaction.StatusPaymentProcessing, transaction.StatusFundsHeld, transaction.StatusShipped)
			now = now.Add(2 * time.Hour)

			releasers := []*transaction.AutoReleaser{
				transaction.NewAutoReleaser(service, 10, testLogger),
				transaction.NewAutoReleaser(service, 10, testLogger),
				transaction.NewAutoReleaser(newService(), 10, testLogger),
			}
			var wg sync.WaitGroup
			var total atomic.Int32
			for i := 0; i < 9; i++ {
				wg.Add(1)
				go func(r *transaction.AutoReleaser) {
					defer wg.Done()
					defer GinkgoRecover()
					released, err := r.Sweep(ctx)
					Expect(err).NotTo(HaveOccurred())
					total.Add(int32(released))
				}(releasers[i%len(releasers)])
			}
			wg.Wait()
			Expect(total.Load()).To(Equal(int32(1)))

			stored, err := service.Get(ctx, t.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(transaction.StatusDelivered))
			delivered := 0
			for _, h := range stored.History {
				if h.Status == transaction.StatusDelivered {
					delivered++
				}
			}
			Expect(delivered).To(Equal(1))
			Expect(stored.AutoReleaseAt).To(BeNil())
		})

		It("leaves transactions before their deadline alone", func() {
			t := advance(fee.ModeEscrow, transaction.StatusPaymentProcessing, transaction.StatusFundsHeld, transaction.StatusShipped)
			released, err := transaction.NewAutoReleaser(service, 10, testLogger).Sweep(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(released).To(Equal(0))

			stored, _ := service.Get(ctx, t.ID)
			Expect(stored.Status).To(Equal(transaction.StatusShipped))
		})

		It("skips a transaction the buyer already confirmed", func() {
			t := advance(fee.ModeEscrow, transaction.StatusPaymentProcessing, transaction.StatusFundsHeld, transaction.StatusShipped)
			now = now.Add(2 * time.Hour)
			_, err := service.Act(ctx, t.ID, transaction.Caller{UserID: "buyer-1"}, transaction.StatusDelivered, transaction.Metadata{})
			Expect(err).NotTo(HaveOccurred())

			released, err := transaction.NewAutoReleaser(service, 10, testLogger).Release(ctx, t.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(released).To(BeFalse())
		})
	})
})
