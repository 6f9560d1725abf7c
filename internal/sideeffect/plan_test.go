package sideeffect_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/marketplace-payment/internal/fee"
	"github.com/frahmantamala/marketplace-payment/internal/sideeffect"
	"github.com/frahmantamala/marketplace-payment/internal/transaction"
)

type planned struct {
	Kind      sideeffect.Kind
	Recipient string
}

func summarize(effects []sideeffect.Effect) []planned {
	out := make([]planned, 0, len(effects))
	for _, e := range effects {
		out = append(out, planned{e.Kind, e.Recipient})
	}
	return out
}

var _ = Describe("Plan", func() {
	releaseAt := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)

	sample := func(mode fee.PaymentMode) *transaction.Transaction {
		return &transaction.Transaction{
			ID:            "tx-1",
			HumanID:       "TXN-20260302-ABCDEF12",
			PaymentMode:   mode,
			BuyerID:       "buyer-1",
			SellerID:      "seller-1",
			Total:         decimal.RequireFromString("124.52"),
			SellerPayout:  decimal.RequireFromString("90.72"),
			Currency:      "USD",
			Delivery:      &transaction.DeliveryDetails{TrackingNumber: "1Z999", Carrier: "UPS"},
			AutoReleaseAt: &releaseAt,
			Dispute:       &transaction.Dispute{Reason: "damaged"},
		}
	}

	notifySeller := planned{sideeffect.KindNotify, "seller-1"}
	notifyBuyer := planned{sideeffect.KindNotify, "buyer-1"}
	credit := planned{sideeffect.KindWalletCredit, "seller-1"}

	DescribeTable("effects per target status",
		func(mode fee.PaymentMode, from, to transaction.Status, expected []planned) {
			Expect(summarize(sideeffect.Plan(sample(mode), from, to))).To(Equal(expected))
		},
		Entry("escrow funds held", fee.ModeEscrow, transaction.StatusPaymentProcessing, transaction.StatusFundsHeld,
			[]planned{notifySeller, notifyBuyer}),
		Entry("standard paid credits the wallet", fee.ModeStandard, transaction.StatusPaymentProcessing, transaction.StatusPaid,
			[]planned{notifySeller, notifyBuyer, credit}),
		Entry("escrow shipped arms auto-release", fee.ModeEscrow, transaction.StatusFundsHeld, transaction.StatusShipped,
			[]planned{notifyBuyer, {sideeffect.KindAutoReleaseArm, sideeffect.RecipientScheduler}}),
		Entry("standard shipped only notifies", fee.ModeStandard, transaction.StatusPaid, transaction.StatusShipped,
			[]planned{notifyBuyer}),
		Entry("delivered releases funds", fee.ModeEscrow, transaction.StatusShipped, transaction.StatusDelivered,
			[]planned{notifySeller, credit, {sideeffect.KindRatingOpen, "buyer-1"}, {sideeffect.KindRatingOpen, "seller-1"}}),
		Entry("disputed flags arbitration", fee.ModeEscrow, transaction.StatusShipped, transaction.StatusDisputed,
			[]planned{notifyBuyer, notifySeller, {sideeffect.KindArbitrationFlag, sideeffect.RecipientArbitration}}),
		Entry("completion after delivery owes nothing", fee.ModeEscrow, transaction.StatusDelivered, transaction.StatusCompleted,
			[]planned{}),
		Entry("dispute released to seller", fee.ModeEscrow, transaction.StatusDisputed, transaction.StatusCompleted,
			[]planned{credit, notifySeller}),
		Entry("refund", fee.ModeEscrow, transaction.StatusDisputed, transaction.StatusRefunded,
			[]planned{notifyBuyer, notifySeller}),
		Entry("payment failed", fee.ModeEscrow, transaction.StatusPaymentProcessing, transaction.StatusPaymentFailed,
			[]planned{notifyBuyer}),
		Entry("cancelled", fee.ModeEscrow, transaction.StatusPendingPayment, transaction.StatusCancelled,
			[]planned{notifyBuyer}),
		Entry("gateway acknowledgement", fee.ModeEscrow, transaction.StatusPendingPayment, transaction.StatusPaymentProcessing,
			[]planned{}),
	)

	It("carries the payout and finalisation flag on the delivery credit", func() {
		effects := sideeffect.Plan(sample(fee.ModeEscrow), transaction.StatusShipped, transaction.StatusDelivered)
		Expect(effects[1].Payload.Amount).To(Equal("90.72"))
		Expect(effects[1].Payload.Currency).To(Equal("USD"))
		Expect(effects[1].Payload.Finalize).To(BeTrue())
	})

	It("does not finalise a standard credit", func() {
		effects := sideeffect.Plan(sample(fee.ModeStandard), transaction.StatusPaymentProcessing, transaction.StatusPaid)
		Expect(effects[2].Payload.Finalize).To(BeFalse())
	})

	It("schedules the release at the stored deadline", func() {
		effects := sideeffect.Plan(sample(fee.ModeEscrow), transaction.StatusFundsHeld, transaction.StatusShipped)
		Expect(*effects[1].Payload.RunAt).To(BeTemporally("==", releaseAt))
		Expect(effects[0].Payload.Data).To(HaveKeyWithValue("tracking_number", "1Z999"))
	})
})
