package transaction

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/marketplace-payment/internal/fee"
)

type Status string

const (
	StatusPendingPayment    Status = "pending_payment"
	StatusPaymentProcessing Status = "payment_processing"
	StatusFundsHeld         Status = "funds_held"
	StatusPaid              Status = "paid"
	StatusShipped           Status = "shipped"
	StatusDelivered         Status = "delivered"
	StatusCompleted         Status = "completed"
	StatusPaymentFailed     Status = "payment_failed"
	StatusCancelled         Status = "cancelled"
	StatusDisputed          Status = "disputed"
	StatusRefunded          Status = "refunded"
)

var AllStatuses = []Status{
	StatusPendingPayment,
	StatusPaymentProcessing,
	StatusFundsHeld,
	StatusPaid,
	StatusShipped,
	StatusDelivered,
	StatusCompleted,
	StatusPaymentFailed,
	StatusCancelled,
	StatusDisputed,
	StatusRefunded,
}

type Role string

const (
	RoleBuyer   Role = "buyer"
	RoleSeller  Role = "seller"
	RoleAdmin   Role = "admin"
	RoleGateway Role = "gateway"
	RoleSystem  Role = "system"
)

// Actor is whoever asks for a transition. ID is empty for gateway and system
// actors unless a component name is useful in the history.
type Actor struct {
	ID   string
	Role Role
}

func SystemActor(component string) Actor {
	return Actor{ID: component, Role: RoleSystem}
}

func GatewayActor(gatewayID string) Actor {
	return Actor{ID: gatewayID, Role: RoleGateway}
}

// Metadata carries the edge-specific data a transition needs. Its fingerprint
// identifies a retried request.
type Metadata struct {
	Note                 string     `json:"note,omitempty"`
	GatewayTransactionID string     `json:"gateway_transaction_id,omitempty"`
	GatewayStatus        string     `json:"gateway_status,omitempty"`
	SessionType          string     `json:"session_type,omitempty"`
	SessionPayload       string     `json:"session_payload,omitempty"`
	TrackingNumber       string     `json:"tracking_number,omitempty"`
	Carrier              string     `json:"carrier,omitempty"`
	EstimatedDelivery    *time.Time `json:"estimated_delivery,omitempty"`
	DisputeReason        string     `json:"dispute_reason,omitempty"`
	DisputeDescription   string     `json:"dispute_description,omitempty"`
	Resolution           string     `json:"resolution,omitempty"`
	AutoRelease          bool       `json:"auto_release,omitempty"`
	WalletCredited       bool       `json:"wallet_credited,omitempty"`
}

func (m Metadata) Fingerprint() string {
	if m.EstimatedDelivery != nil {
		t := m.EstimatedDelivery.UTC()
		m.EstimatedDelivery = &t
	}
	raw, _ := json.Marshal(m)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:16])
}

type HistoryEntry struct {
	Seq         int       `json:"seq"`
	Status      Status    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Note        string    `json:"note,omitempty"`
	ActorID     string    `json:"actor_id,omitempty"`
	ActorRole   Role      `json:"actor_role"`
	Fingerprint string    `json:"-"`
}

type DeliveryDetails struct {
	TrackingNumber    string     `json:"tracking_number"`
	Carrier           string     `json:"carrier"`
	ShippedAt         *time.Time `json:"shipped_at,omitempty"`
	EstimatedDelivery *time.Time `json:"estimated_delivery,omitempty"`
}

type Dispute struct {
	Reason      string `json:"reason"`
	Description string `json:"description"`
	RaisedBy    string `json:"raised_by"`
}

// Session is the last redirect handed to the buyer.
type Session struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

type Transaction struct {
	ID                   string
	HumanID              string
	PaymentMode          fee.PaymentMode
	BuyerID              string
	SellerID             string
	ProductID            string
	OfferID              string
	ProductPrice         decimal.Decimal
	ShippingCost         decimal.Decimal
	SalesTax             decimal.Decimal
	PlatformFee          decimal.Decimal
	PlatformFeeRate      decimal.Decimal
	GatewayFee           decimal.Decimal
	GatewayFeePaidBy     fee.Payer
	Total                decimal.Decimal
	SellerPayout         decimal.Decimal
	Currency             string
	ExchangeRate         decimal.Decimal
	Gateway              string
	GatewayTransactionID string
	Status               Status
	History              []HistoryEntry
	Delivery             *DeliveryDetails
	AutoReleaseAt        *time.Time
	Dispute              *Dispute
	IdempotencyKey       string
	Session              *Session
	Version              int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (t *Transaction) LastEntry() *HistoryEntry {
	if len(t.History) == 0 {
		return nil
	}
	return &t.History[len(t.History)-1]
}

// IsRetryOf reports whether the last committed transition is this request
// again: same target, same metadata and the same actor.
func (t *Transaction) IsRetryOf(target Status, actor Actor, meta Metadata) bool {
	last := t.LastEntry()
	if t.Status != target || last == nil {
		return false
	}
	if last.Fingerprint != meta.Fingerprint() || last.ActorRole != actor.Role {
		return false
	}
	return actor.ID == "" || last.ActorID == actor.ID
}

// RoleOf resolves a party's role on this transaction.
func (t *Transaction) RoleOf(userID string) (Role, bool) {
	switch userID {
	case "":
		return "", false
	case t.BuyerID:
		return RoleBuyer, true
	case t.SellerID:
		return RoleSeller, true
	}
	return "", false
}

// ExpectedTotal recomputes the total from the stored components.
func (t *Transaction) ExpectedTotal() decimal.Decimal {
	total := t.ProductPrice.Add(t.PlatformFee).Add(t.ShippingCost).Add(t.SalesTax)
	if t.GatewayFeePaidBy == fee.PayerBuyer {
		total = total.Add(t.GatewayFee)
	}
	return total
}

// NewHumanID returns TXN-YYYYMMDD-XXXXXXXX.
func NewHumanID(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
	return fmt.Sprintf("TXN-%s-%s", now.UTC().Format("20060102"), suffix)
}

// IdempotencyKey scopes a client key to the buyer, product and offer.
func IdempotencyKey(buyerID, productID, offerID, clientKey string) string {
	return strings.Join([]string{buyerID, productID, offerID, clientKey}, ":")
}

// ApplyBreakdown copies computed fees onto the transaction.
func (t *Transaction) ApplyBreakdown(b fee.Breakdown) {
	t.ProductPrice = b.ProductPrice
	t.ShippingCost = b.ShippingCost
	t.SalesTax = b.SalesTax
	t.PlatformFee = b.PlatformFee
	t.PlatformFeeRate = b.PlatformFeeRate
	t.GatewayFee = b.GatewayFee
	t.GatewayFeePaidBy = b.GatewayFeePaidBy
	t.Total = b.Total
	t.SellerPayout = b.SellerPayout
	t.Currency = b.Currency
	t.ExchangeRate = b.ExchangeRate
}
