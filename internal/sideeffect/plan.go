package sideeffect

import (
	"time"

	"github.com/frahmantamala/marketplace-payment/internal/fee"
	"github.com/frahmantamala/marketplace-payment/internal/transaction"
)

// Plan lists the effects owed for the transition of t from one status to
// another. t is the transaction as read after the transition committed.
func Plan(t *transaction.Transaction, from, to transaction.Status) []Effect {
	var effects []Effect

	switch to {
	case transaction.StatusFundsHeld, transaction.StatusPaid:
		effects = append(effects,
			notify(t.SellerID, TemplatePaymentReceived, t, map[string]string{"payout": money(t, t.SellerPayout.StringFixed(2))}),
			notify(t.BuyerID, TemplatePaymentSecured, t, map[string]string{"total": money(t, t.Total.StringFixed(2)), "payment_mode": string(t.PaymentMode)}),
		)
		if to == transaction.StatusPaid {
			effects = append(effects, credit(t, false))
		}

	case transaction.StatusShipped:
		data := map[string]string{}
		if t.Delivery != nil {
			data["tracking_number"] = t.Delivery.TrackingNumber
			data["carrier"] = t.Delivery.Carrier
			if t.Delivery.EstimatedDelivery != nil {
				data["estimated_delivery"] = t.Delivery.EstimatedDelivery.UTC().Format(time.RFC3339)
			}
		}
		effects = append(effects, notify(t.BuyerID, TemplateOrderShipped, t, data))
		if t.PaymentMode == fee.ModeEscrow && t.AutoReleaseAt != nil {
			at := t.AutoReleaseAt.UTC()
			effects = append(effects, Effect{Kind: KindAutoReleaseArm, Recipient: RecipientScheduler, Payload: Payload{RunAt: &at}})
		}

	case transaction.StatusDelivered:
		effects = append(effects,
			notify(t.SellerID, TemplateFundsReleased, t, map[string]string{"payout": money(t, t.SellerPayout.StringFixed(2))}),
			credit(t, true),
			rating(t.BuyerID, transaction.RoleBuyer, t.SellerID),
			rating(t.SellerID, transaction.RoleSeller, t.BuyerID),
		)

	case transaction.StatusDisputed:
		reason := ""
		if t.Dispute != nil {
			reason = t.Dispute.Reason
		}
		effects = append(effects,
			notify(t.BuyerID, TemplateDisputeOpened, t, map[string]string{"reason": reason}),
			notify(t.SellerID, TemplateDisputeOpened, t, map[string]string{"reason": reason}),
			Effect{Kind: KindArbitrationFlag, Recipient: RecipientArbitration, Payload: Payload{Reason: reason}},
		)

	case transaction.StatusCompleted:
		// delivered -> completed is the finalisation of an effect already run
		if from == transaction.StatusDisputed {
			effects = append(effects,
				credit(t, false),
				notify(t.SellerID, TemplateDisputeResolved, t, map[string]string{"outcome": "released"}),
			)
		}

	case transaction.StatusRefunded:
		effects = append(effects,
			notify(t.BuyerID, TemplateRefundIssued, t, map[string]string{"total": money(t, t.Total.StringFixed(2))}),
			notify(t.SellerID, TemplateDisputeResolved, t, map[string]string{"outcome": "refunded"}),
		)

	case transaction.StatusPaymentFailed:
		effects = append(effects, notify(t.BuyerID, TemplatePaymentFailed, t, nil))

	case transaction.StatusCancelled:
		effects = append(effects, notify(t.BuyerID, TemplateOrderCancelled, t, nil))
	}

	return effects
}

func notify(userID, template string, t *transaction.Transaction, data map[string]string) Effect {
	payload := map[string]string{
		"transaction_id":       t.ID,
		"human_transaction_id": t.HumanID,
	}
	for k, v := range data {
		payload[k] = v
	}
	return Effect{Kind: KindNotify, Recipient: userID, Payload: Payload{Template: template, Data: payload}}
}

func credit(t *transaction.Transaction, finalize bool) Effect {
	return Effect{
		Kind:      KindWalletCredit,
		Recipient: t.SellerID,
		Payload: Payload{
			Amount:   t.SellerPayout.StringFixed(2),
			Currency: t.Currency,
			Finalize: finalize,
		},
	}
}

func rating(userID string, role transaction.Role, counterpartID string) Effect {
	return Effect{
		Kind:      KindRatingOpen,
		Recipient: userID,
		Payload:   Payload{Role: string(role), CounterpartID: counterpartID},
	}
}

func money(t *transaction.Transaction, amount string) string {
	return amount + " " + t.Currency
}
