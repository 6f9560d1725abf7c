package reconcile

import (
	"strings"

	"github.com/frahmantamala/marketplace-payment/internal/fee"
	"github.com/frahmantamala/marketplace-payment/internal/gateway"
	"github.com/frahmantamala/marketplace-payment/internal/transaction"
)

// Outcome is a gateway status translated out of the provider's vocabulary.
type Outcome string

const (
	OutcomeAcknowledged Outcome = "acknowledged"
	OutcomeSucceeded    Outcome = "succeeded"
	OutcomeFailed       Outcome = "failed"
	OutcomeCancelled    Outcome = "cancelled"
	OutcomeIgnored      Outcome = "ignored"
)

var statusTables = map[string]map[string]Outcome{
	gateway.Stripe: {
		"processing":              OutcomeAcknowledged,
		"requires_confirmation":   OutcomeAcknowledged,
		"requires_action":         OutcomeAcknowledged,
		"requires_capture":        OutcomeAcknowledged,
		"succeeded":               OutcomeSucceeded,
		"requires_payment_method": OutcomeFailed,
		"canceled":                OutcomeCancelled,
	},
	gateway.PayPal: {
		"CREATED":               OutcomeAcknowledged,
		"SAVED":                 OutcomeAcknowledged,
		"APPROVED":              OutcomeAcknowledged,
		"PAYER_ACTION_REQUIRED": OutcomeAcknowledged,
		"COMPLETED":             OutcomeSucceeded,
		"DECLINED":              OutcomeFailed,
		"DENIED":                OutcomeFailed,
		"FAILED":                OutcomeFailed,
		"VOIDED":                OutcomeCancelled,
	},
	gateway.PayTabs: {
		"P": OutcomeAcknowledged,
		"H": OutcomeAcknowledged,
		"A": OutcomeSucceeded,
		"D": OutcomeFailed,
		"E": OutcomeFailed,
		"V": OutcomeCancelled,
	},
}

// Classify looks a native status up in the gateway's table. Unknown gateways
// and statuses are ignored.
func Classify(gatewayID, nativeStatus string) Outcome {
	table, ok := statusTables[gatewayID]
	if !ok {
		return OutcomeIgnored
	}
	if outcome, ok := table[strings.TrimSpace(nativeStatus)]; ok {
		return outcome
	}
	return OutcomeIgnored
}

// TargetFor maps an outcome to the status it drives a transaction towards.
// Success lands in funds_held for escrow and paid for standard payments.
func TargetFor(outcome Outcome, mode fee.PaymentMode) (transaction.Status, bool) {
	switch outcome {
	case OutcomeAcknowledged:
		return transaction.StatusPaymentProcessing, true
	case OutcomeSucceeded:
		if mode == fee.ModeStandard {
			return transaction.StatusPaid, true
		}
		return transaction.StatusFundsHeld, true
	case OutcomeFailed:
		return transaction.StatusPaymentFailed, true
	case OutcomeCancelled:
		return transaction.StatusCancelled, true
	}
	return "", false
}
