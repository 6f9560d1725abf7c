package transaction_test

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/marketplace-payment/internal"
	"github.com/frahmantamala/marketplace-payment/internal/fee"
	"github.com/frahmantamala/marketplace-payment/internal/transaction"
)

var roles = []transaction.Role{
	transaction.RoleBuyer,
	transaction.RoleSeller,
	transaction.RoleAdmin,
	transaction.RoleGateway,
	transaction.RoleSystem,
}

type legalEdge struct {
	from, to transaction.Status
}

// every edge and the roles allowed on it
var legal = map[legalEdge][]transaction.Role{
	{transaction.StatusPendingPayment, transaction.StatusPaymentProcessing}: {transaction.RoleGateway, transaction.RoleSystem},
	{transaction.StatusPaymentProcessing, transaction.StatusFundsHeld}:      {transaction.RoleGateway, transaction.RoleSystem},
	{transaction.StatusPaymentProcessing, transaction.StatusPaid}:           {transaction.RoleGateway, transaction.RoleSystem},
	{transaction.StatusPaymentProcessing, transaction.StatusPaymentFailed}:  {transaction.RoleGateway, transaction.RoleSystem},
	{transaction.StatusPendingPayment, transaction.StatusCancelled}:         {transaction.RoleBuyer, transaction.RoleSystem},
	{transaction.StatusPaymentProcessing, transaction.StatusCancelled}:      {transaction.RoleBuyer, transaction.RoleSystem},
	{transaction.StatusFundsHeld, transaction.StatusShipped}:                {transaction.RoleSeller},
	{transaction.StatusPaid, transaction.StatusShipped}:                     {transaction.RoleSeller},
	{transaction.StatusShipped, transaction.StatusDelivered}:                {transaction.RoleBuyer, transaction.RoleSystem},
	{transaction.StatusShipped, transaction.StatusDisputed}:                 {transaction.RoleBuyer, transaction.RoleSeller},
	{transaction.StatusFundsHeld, transaction.StatusDisputed}:               {transaction.RoleBuyer, transaction.RoleSeller},
	{transaction.StatusDelivered, transaction.StatusCompleted}:              {transaction.RoleSystem},
	{transaction.StatusDisputed, transaction.StatusRefunded}:                {transaction.RoleAdmin, transaction.RoleSystem},
	{transaction.StatusDisputed, transaction.StatusCompleted}:               {transaction.RoleAdmin, transaction.RoleSystem},
}

func roleAllowed(from, to transaction.Status, role transaction.Role) bool {
	for _, r := range legal[legalEdge{from, to}] {
		if r == role {
			return true
		}
	}
	return false
}

// fullMetadata satisfies every edge's requirements.
func fullMetadata() transaction.Metadata {
	return transaction.Metadata{
		GatewayTransactionID: "pi_123",
		TrackingNumber:       "1Z999",
		Carrier:              "UPS",
		DisputeReason:        "not_as_described",
		DisputeDescription:   "wrong colour",
		Resolution:           "refund approved",
		AutoRelease:          true,
		WalletCredited:       true,
	}
}

func txIn(status transaction.Status, mode fee.PaymentMode, now time.Time) *transaction.Transaction {
	t := &transaction.Transaction{
		ID:          "tx-1",
		PaymentMode: mode,
		BuyerID:     "buyer-1",
		SellerID:    "seller-1",
		Status:      status,
		History: []transaction.HistoryEntry{{
			Seq:    1,
			Status: status,
		}},
	}
	if status == transaction.StatusShipped && mode == fee.ModeEscrow {
		past := now.Add(-time.Minute)
		t.AutoReleaseAt = &past
	}
	return t
}

func modeFor(to transaction.Status) fee.PaymentMode {
	if to == transaction.StatusPaid {
		return fee.ModeStandard
	}
	return fee.ModeEscrow
}

var _ = Describe("Machine", func() {
	var (
		now     time.Time
		machine *transaction.Machine
	)

	BeforeEach(func() {
		now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		machine = transaction.NewMachine(7 * 24 * time.Hour).WithClock(func() time.Time { return now })
	})

	It("enforces the transition table for every status pair and role", func() {
		for _, from := range transaction.AllStatuses {
			for _, to := range transaction.AllStatuses {
				if from == to {
					continue
				}
				for _, role := range roles {
					t := txIn(from, modeFor(to), now)
					applied, err := machine.Apply(t, to, transaction.Actor{ID: "actor", Role: role}, fullMetadata())

					_, edgeExists := legal[legalEdge{from, to}]
					switch {
					case !edgeExists:
						Expect(errors.Is(err, internal.ErrInvalidTransition)).To(BeTrue(), "%s -> %s as %s", from, to, role)
						Expect(t.History).To(HaveLen(1))
					case !roleAllowed(from, to, role):
						Expect(errors.Is(err, internal.ErrPreconditionFailed)).To(BeTrue(), "%s -> %s as %s", from, to, role)
						Expect(t.History).To(HaveLen(1))
					default:
						Expect(err).NotTo(HaveOccurred(), "%s -> %s as %s", from, to, role)
						Expect(applied).To(BeTrue())
						Expect(t.Status).To(Equal(to))
						Expect(t.History).To(HaveLen(2))
						Expect(t.LastEntry().Status).To(Equal(to))
					}
				}
			}
		}
	})

	It("treats terminal states as closed", func() {
		for _, s := range []transaction.Status{transaction.StatusCompleted, transaction.StatusCancelled, transaction.StatusRefunded} {
			Expect(transaction.IsTerminal(s)).To(BeTrue())
		}
		Expect(transaction.IsTerminal(transaction.StatusPaymentFailed)).To(BeFalse())
		Expect(transaction.PathTo(transaction.StatusPaymentFailed, transaction.StatusPaid, transaction.RoleSystem)).To(BeNil())
	})

	Describe("preconditions", func() {
		It("requires tracking details to ship", func() {
			t := txIn(transaction.StatusFundsHeld, fee.ModeEscrow, now)
			_, err := machine.Apply(t, transaction.StatusShipped, transaction.Actor{ID: "seller-1", Role: transaction.RoleSeller}, transaction.Metadata{Carrier: "UPS"})
			Expect(errors.Is(err, internal.ErrPreconditionFailed)).To(BeTrue())
			Expect(t.Status).To(Equal(transaction.StatusFundsHeld))
		})

		It("rejects a buyer marking shipped", func() {
			t := txIn(transaction.StatusFundsHeld, fee.ModeEscrow, now)
			_, err := machine.Apply(t, transaction.StatusShipped, transaction.Actor{ID: "buyer-1", Role: transaction.RoleBuyer}, fullMetadata())
			Expect(errors.Is(err, internal.ErrPreconditionFailed)).To(BeTrue())
		})

		It("requires a gateway reference to enter payment_processing", func() {
			t := txIn(transaction.StatusPendingPayment, fee.ModeEscrow, now)
			_, err := machine.Apply(t, transaction.StatusPaymentProcessing, transaction.GatewayActor("stripe"), transaction.Metadata{})
			Expect(errors.Is(err, internal.ErrPreconditionFailed)).To(BeTrue())
		})

		It("refuses to reassign the gateway transaction id", func() {
			t := txIn(transaction.StatusPendingPayment, fee.ModeEscrow, now)
			t.GatewayTransactionID = "pi_original"
			_, err := machine.Apply(t, transaction.StatusPaymentProcessing, transaction.GatewayActor("stripe"), transaction.Metadata{GatewayTransactionID: "pi_other"})
			Expect(errors.Is(err, internal.ErrGatewayTransactionIDSet)).To(BeTrue())
		})

		It("only lets the system auto-release escrow after the deadline", func() {
			t := txIn(transaction.StatusShipped, fee.ModeEscrow, now)
			future := now.Add(time.Hour)
			t.AutoReleaseAt = &future
			_, err := machine.Apply(t, transaction.StatusDelivered, transaction.SystemActor("auto-release"), transaction.Metadata{AutoRelease: true})
			Expect(errors.Is(err, internal.ErrPreconditionFailed)).To(BeTrue())

			standard := txIn(transaction.StatusShipped, fee.ModeStandard, now)
			_, err = machine.Apply(standard, transaction.StatusDelivered, transaction.SystemActor("auto-release"), transaction.Metadata{AutoRelease: true})
			Expect(errors.Is(err, internal.ErrPreconditionFailed)).To(BeTrue())
		})

		It("needs the wallet credited before completing", func() {
			t := txIn(transaction.StatusDelivered, fee.ModeEscrow, now)
			_, err := machine.Apply(t, transaction.StatusCompleted, transaction.SystemActor("dispatcher"), transaction.Metadata{})
			Expect(errors.Is(err, internal.ErrPreconditionFailed)).To(BeTrue())
		})

		It("requires both reason and description to dispute", func() {
			t := txIn(transaction.StatusShipped, fee.ModeEscrow, now)
			_, err := machine.Apply(t, transaction.StatusDisputed, transaction.Actor{ID: "buyer-1", Role: transaction.RoleBuyer}, transaction.Metadata{DisputeReason: "damaged"})
			Expect(errors.Is(err, internal.ErrPreconditionFailed)).To(BeTrue())
		})
	})

	Describe("side data", func() {
		It("arms auto-release when an escrow order ships and clears it on delivery", func() {
			t := txIn(transaction.StatusFundsHeld, fee.ModeEscrow, now)
			_, err := machine.Apply(t, transaction.StatusShipped, transaction.Actor{ID: "seller-1", Role: transaction.RoleSeller}, transaction.Metadata{TrackingNumber: " 1Z999 ", Carrier: "UPS"})
			Expect(err).NotTo(HaveOccurred())
			Expect(t.AutoReleaseAt).NotTo(BeNil())
			Expect(*t.AutoReleaseAt).To(Equal(now.Add(7 * 24 * time.Hour)))
			Expect(t.Delivery.TrackingNumber).To(Equal("1Z999"))
			Expect(*t.Delivery.ShippedAt).To(Equal(now))

			_, err = machine.Apply(t, transaction.StatusDelivered, transaction.Actor{ID: "buyer-1", Role: transaction.RoleBuyer}, transaction.Metadata{})
			Expect(err).NotTo(HaveOccurred())
			Expect(t.AutoReleaseAt).To(BeNil())
		})

		It("does not arm auto-release in standard mode", func() {
			t := txIn(transaction.StatusPaid, fee.ModeStandard, now)
			_, err := machine.Apply(t, transaction.StatusShipped, transaction.Actor{ID: "seller-1", Role: transaction.RoleSeller}, transaction.Metadata{TrackingNumber: "1Z", Carrier: "DHL"})
			Expect(err).NotTo(HaveOccurred())
			Expect(t.AutoReleaseAt).To(BeNil())
		})

		It("records the dispute and clears the deadline", func() {
			t := txIn(transaction.StatusShipped, fee.ModeEscrow, now)
			_, err := machine.Apply(t, transaction.StatusDisputed, transaction.Actor{ID: "buyer-1", Role: transaction.RoleBuyer}, transaction.Metadata{DisputeReason: "damaged", DisputeDescription: "box crushed"})
			Expect(err).NotTo(HaveOccurred())
			Expect(t.Dispute).To(Equal(&transaction.Dispute{Reason: "damaged", Description: "box crushed", RaisedBy: "buyer-1"}))
			Expect(t.AutoReleaseAt).To(BeNil())
		})

		It("stores the gateway reference and session", func() {
			t := txIn(transaction.StatusPendingPayment, fee.ModeEscrow, now)
			_, err := machine.Apply(t, transaction.StatusPaymentProcessing, transaction.GatewayActor("stripe"), transaction.Metadata{
				GatewayTransactionID: "pi_1", SessionType: "client_secret", SessionPayload: "pi_1_secret",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(t.GatewayTransactionID).To(Equal("pi_1"))
			Expect(t.Session).To(Equal(&transaction.Session{Type: "client_secret", Payload: "pi_1_secret"}))
			Expect(t.LastEntry().Timestamp).To(Equal(now))
			Expect(t.UpdatedAt).To(Equal(now))
		})
	})

	Describe("idempotence", func() {
		It("ignores an identical retry", func() {
			t := txIn(transaction.StatusFundsHeld, fee.ModeEscrow, now)
			meta := transaction.Metadata{TrackingNumber: "1Z", Carrier: "UPS"}
			seller := transaction.Actor{ID: "seller-1", Role: transaction.RoleSeller}

			applied, err := machine.Apply(t, transaction.StatusShipped, seller, meta)
			Expect(err).NotTo(HaveOccurred())
			Expect(applied).To(BeTrue())

			applied, err = machine.Apply(t, transaction.StatusShipped, seller, meta)
			Expect(err).NotTo(HaveOccurred())
			Expect(applied).To(BeFalse())
			Expect(t.History).To(HaveLen(2))
		})

		It("rejects a retry with different metadata", func() {
			t := txIn(transaction.StatusFundsHeld, fee.ModeEscrow, now)
			seller := transaction.Actor{ID: "seller-1", Role: transaction.RoleSeller}
			_, err := machine.Apply(t, transaction.StatusShipped, seller, transaction.Metadata{TrackingNumber: "1Z", Carrier: "UPS"})
			Expect(err).NotTo(HaveOccurred())

			_, err = machine.Apply(t, transaction.StatusShipped, seller, transaction.Metadata{TrackingNumber: "2Z", Carrier: "UPS"})
			Expect(errors.Is(err, internal.ErrInvalidTransition)).To(BeTrue())
		})

		It("does not treat another party repeating the request as a retry", func() {
			t := txIn(transaction.StatusFundsHeld, fee.ModeEscrow, now)
			meta := transaction.Metadata{TrackingNumber: "1Z", Carrier: "UPS"}
			_, err := machine.Apply(t, transaction.StatusShipped, transaction.Actor{ID: "seller-1", Role: transaction.RoleSeller}, meta)
			Expect(err).NotTo(HaveOccurred())

			applied, err := machine.Apply(t, transaction.StatusShipped, transaction.Actor{ID: "buyer-1", Role: transaction.RoleBuyer}, meta)
			Expect(errors.Is(err, internal.ErrPreconditionFailed)).To(BeTrue())
			Expect(applied).To(BeFalse())
			Expect(t.History).To(HaveLen(2))
		})
	})

	Describe("PathTo", func() {
		It("finds the shortest gateway path", func() {
			Expect(transaction.PathTo(transaction.StatusPendingPayment, transaction.StatusPaid, transaction.RoleGateway)).
				To(Equal([]transaction.Status{transaction.StatusPaymentProcessing, transaction.StatusPaid}))
		})

		It("respects the role", func() {
			Expect(transaction.PathTo(transaction.StatusPaid, transaction.StatusShipped, transaction.RoleGateway)).To(BeNil())
			Expect(transaction.PathTo(transaction.StatusPaid, transaction.StatusShipped, transaction.RoleSeller)).
				To(Equal([]transaction.Status{transaction.StatusShipped}))
		})
	})

	It("orders statuses for reconciliation", func() {
		Expect(transaction.IsAhead(transaction.StatusPaid, transaction.StatusPaymentProcessing)).To(BeTrue())
		Expect(transaction.IsAhead(transaction.StatusPaymentProcessing, transaction.StatusShipped)).To(BeFalse())
		Expect(transaction.IsAhead(transaction.StatusFundsHeld, transaction.StatusFundsHeld)).To(BeFalse())
	})
})
