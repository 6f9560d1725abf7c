package transaction

import (
	"strings"
	"time"

	"github.com/frahmantamala/marketplace-payment/internal"
	"github.com/frahmantamala/marketplace-payment/internal/fee"
)

type edge struct {
	from Status
	to   Status
}

type check func(t *Transaction, actor Actor, meta Metadata, now time.Time) error

type rule struct {
	roles   []Role
	trigger string
	check   check
}

func (r rule) allows(role Role) bool {
	for _, allowed := range r.roles {
		if allowed == role {
			return true
		}
	}
	return false
}

var (
	gatewayOrSystem = []Role{RoleGateway, RoleSystem}
	buyerOrSystem   = []Role{RoleBuyer, RoleSystem}
	parties         = []Role{RoleBuyer, RoleSeller}
	adminOrSystem   = []Role{RoleAdmin, RoleSystem}
)

var transitions = map[edge]rule{
	{StatusPendingPayment, StatusPaymentProcessing}: {gatewayOrSystem, "gateway acknowledged payment session", requireGatewayReference},
	{StatusPaymentProcessing, StatusFundsHeld}:      {gatewayOrSystem, "payment confirmed, funds held in escrow", requireMode(fee.ModeEscrow)},
	{StatusPaymentProcessing, StatusPaid}:           {gatewayOrSystem, "payment confirmed", requireMode(fee.ModeStandard)},
	{StatusPaymentProcessing, StatusPaymentFailed}:  {gatewayOrSystem, "gateway reported payment failure", nil},
	{StatusPendingPayment, StatusCancelled}:         {buyerOrSystem, "checkout cancelled", nil},
	{StatusPaymentProcessing, StatusCancelled}:      {buyerOrSystem, "checkout cancelled", nil},
	{StatusFundsHeld, StatusShipped}:                {[]Role{RoleSeller}, "seller marked order shipped", requireTracking},
	{StatusPaid, StatusShipped}:                     {[]Role{RoleSeller}, "seller marked order shipped", requireTracking},
	{StatusShipped, StatusDelivered}:                {buyerOrSystem, "delivery confirmed", requireDeliveryConfirmation},
	{StatusShipped, StatusDisputed}:                 {parties, "dispute raised", requireDispute},
	{StatusFundsHeld, StatusDisputed}:               {parties, "dispute raised", requireDispute},
	{StatusDelivered, StatusCompleted}:              {[]Role{RoleSystem}, "seller wallet credited", requireWalletCredited},
	{StatusDisputed, StatusRefunded}:                {adminOrSystem, "dispute resolved in buyer's favour", requireResolution},
	{StatusDisputed, StatusCompleted}:               {adminOrSystem, "dispute resolved in seller's favour", requireResolution},
}

// rank orders statuses along the happy path. Reconciliation never moves a
// transaction to a status of equal or lower rank.
var rank = map[Status]int{
	StatusPendingPayment:    0,
	StatusPaymentProcessing: 1,
	StatusFundsHeld:         2,
	StatusPaid:              2,
	StatusPaymentFailed:     2,
	StatusCancelled:         2,
	StatusShipped:           3,
	StatusDelivered:         4,
	StatusDisputed:          4,
	StatusCompleted:         5,
	StatusRefunded:          5,
}

func precondition(format string, args ...interface{}) error {
	return internal.ErrPreconditionFailed.WithMessage(format, args...)
}

func requireGatewayReference(t *Transaction, _ Actor, meta Metadata, _ time.Time) error {
	ref := strings.TrimSpace(meta.GatewayTransactionID)
	if ref == "" {
		ref = t.GatewayTransactionID
	}
	if ref == "" {
		return precondition("gateway transaction id is required")
	}
	if t.GatewayTransactionID != "" && meta.GatewayTransactionID != "" && t.GatewayTransactionID != meta.GatewayTransactionID {
		return internal.ErrGatewayTransactionIDSet.WithMessage("transaction %s already references gateway transaction %s", t.ID, t.GatewayTransactionID)
	}
	return nil
}

func requireMode(mode fee.PaymentMode) check {
	return func(t *Transaction, _ Actor, _ Metadata, _ time.Time) error {
		if t.PaymentMode != mode {
			return precondition("edge requires %s payment mode, transaction is %s", mode, t.PaymentMode)
		}
		return nil
	}
}

func requireTracking(_ *Transaction, _ Actor, meta Metadata, _ time.Time) error {
	if strings.TrimSpace(meta.TrackingNumber) == "" || strings.TrimSpace(meta.Carrier) == "" {
		return precondition("tracking number and carrier are required to mark an order shipped")
	}
	return nil
}

func requireDeliveryConfirmation(t *Transaction, actor Actor, meta Metadata, now time.Time) error {
	if actor.Role != RoleSystem {
		return nil
	}
	if !meta.AutoRelease {
		return precondition("system delivery confirmation requires the auto-release flag")
	}
	if t.PaymentMode != fee.ModeEscrow {
		return precondition("auto-release applies to escrow transactions only")
	}
	if t.AutoReleaseAt == nil || now.Before(*t.AutoReleaseAt) {
		return precondition("auto-release deadline has not passed")
	}
	return nil
}

func requireDispute(_ *Transaction, _ Actor, meta Metadata, _ time.Time) error {
	if strings.TrimSpace(meta.DisputeReason) == "" || strings.TrimSpace(meta.DisputeDescription) == "" {
		return precondition("dispute reason and description are required")
	}
	return nil
}

func requireWalletCredited(_ *Transaction, _ Actor, meta Metadata, _ time.Time) error {
	if !meta.WalletCredited {
		return precondition("seller wallet must be credited before completion")
	}
	return nil
}

func requireResolution(_ *Transaction, _ Actor, meta Metadata, _ time.Time) error {
	if strings.TrimSpace(meta.Resolution) == "" {
		return precondition("a resolution note is required")
	}
	return nil
}

// Machine applies the transition table to in-memory transactions. It does no
// I/O; Service handles persistence and serialisation.
type Machine struct {
	autoReleaseAfter time.Duration
	now              func() time.Time
}

func NewMachine(autoReleaseAfter time.Duration) *Machine {
	return &Machine{autoReleaseAfter: autoReleaseAfter, now: time.Now}
}

// WithClock swaps the machine's clock.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

func (m *Machine) Now() time.Time {
	return m.now().UTC()
}

func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRefunded
}

// Allowed reports whether role may move a transaction from one status to
// another, ignoring metadata.
func Allowed(from, to Status, role Role) bool {
	r, ok := transitions[edge{from, to}]
	return ok && r.allows(role)
}

// IsAhead reports whether target lies strictly after current.
func IsAhead(target, current Status) bool {
	return rank[target] > rank[current]
}

// mayEnter reports whether any edge into target is open to the role.
func mayEnter(target Status, role Role) bool {
	for e, r := range transitions {
		if e.to == target && r.allows(role) {
			return true
		}
	}
	return false
}

// PathTo returns the shortest sequence of statuses leading from one status to
// another using only edges the role may take. The start status is not
// included; a nil result means no path.
func PathTo(from, to Status, role Role) []Status {
	if from == to {
		return nil
	}

	prev := map[Status]Status{from: from}
	queue := []Status{from}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range AllStatuses {
			if _, seen := prev[next]; seen || !Allowed(current, next, role) {
				continue
			}
			prev[next] = current
			if next == to {
				var path []Status
				for s := to; s != from; s = prev[s] {
					path = append([]Status{s}, path...)
				}
				return path
			}
			queue = append(queue, next)
		}
	}
	return nil
}

// Apply validates and applies one transition. It returns false without error
// when the request is a retry of the transition that produced the current
// status.
func (m *Machine) Apply(t *Transaction, target Status, actor Actor, meta Metadata) (bool, error) {
	if t.IsRetryOf(target, actor, meta) {
		return false, nil
	}
	fingerprint := meta.Fingerprint()

	if IsTerminal(t.Status) {
		return false, internal.ErrInvalidTransition.WithMessage("transaction is %s and accepts no further transitions", t.Status)
	}

	if t.Status == target && !mayEnter(target, actor.Role) {
		return false, precondition("%s may not move a transaction to %s", actor.Role, target)
	}
	r, ok := transitions[edge{t.Status, target}]
	if !ok {
		return false, internal.ErrInvalidTransition.WithMessage("cannot move transaction from %s to %s", t.Status, target)
	}
	if !r.allows(actor.Role) {
		return false, precondition("%s may not move a transaction from %s to %s", actor.Role, t.Status, target)
	}

	now := m.Now()
	if r.check != nil {
		if err := r.check(t, actor, meta, now); err != nil {
			return false, err
		}
	}

	from := t.Status
	if from == StatusShipped {
		t.AutoReleaseAt = nil
	}

	switch target {
	case StatusPaymentProcessing:
		if meta.GatewayTransactionID != "" {
			t.GatewayTransactionID = meta.GatewayTransactionID
		}
		if meta.SessionType != "" {
			t.Session = &Session{Type: meta.SessionType, Payload: meta.SessionPayload}
		}
	case StatusShipped:
		shippedAt := now
		t.Delivery = &DeliveryDetails{
			TrackingNumber:    strings.TrimSpace(meta.TrackingNumber),
			Carrier:           strings.TrimSpace(meta.Carrier),
			ShippedAt:         &shippedAt,
			EstimatedDelivery: meta.EstimatedDelivery,
		}
		if t.PaymentMode == fee.ModeEscrow {
			releaseAt := now.Add(m.autoReleaseAfter)
			t.AutoReleaseAt = &releaseAt
		}
	case StatusDisputed:
		t.Dispute = &Dispute{
			Reason:      strings.TrimSpace(meta.DisputeReason),
			Description: strings.TrimSpace(meta.DisputeDescription),
			RaisedBy:    actor.ID,
		}
	}

	note := meta.Note
	if note == "" {
		note = r.trigger
	}
	if meta.Resolution != "" {
		note = meta.Resolution
	}

	t.Status = target
	t.History = append(t.History, HistoryEntry{
		Seq:         len(t.History) + 1,
		Status:      target,
		Timestamp:   now,
		Note:        note,
		ActorID:     actor.ID,
		ActorRole:   actor.Role,
		Fingerprint: fingerprint,
	})
	t.UpdatedAt = now
	return true, nil
}
