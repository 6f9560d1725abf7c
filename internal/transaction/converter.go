package transaction

import (
	txmodel "github.com/frahmantamala/marketplace-payment/internal/core/datamodel/transaction"
	"github.com/frahmantamala/marketplace-payment/internal/fee"
)

func ToDataModel(t *Transaction) *txmodel.Transaction {
	if t == nil {
		return nil
	}

	row := &txmodel.Transaction{
		ID:                   t.ID,
		HumanID:              t.HumanID,
		PaymentMode:          string(t.PaymentMode),
		BuyerID:              t.BuyerID,
		SellerID:             t.SellerID,
		ProductID:            t.ProductID,
		OfferID:              optional(t.OfferID),
		ProductPrice:         t.ProductPrice,
		ShippingCost:         t.ShippingCost,
		SalesTax:             t.SalesTax,
		PlatformFee:          t.PlatformFee,
		PlatformFeeRate:      t.PlatformFeeRate,
		GatewayFee:           t.GatewayFee,
		GatewayFeePaidBy:     string(t.GatewayFeePaidBy),
		TotalAmount:          t.Total,
		SellerPayout:         t.SellerPayout,
		Currency:             t.Currency,
		ExchangeRate:         t.ExchangeRate,
		PaymentGateway:       t.Gateway,
		GatewayTransactionID: optional(t.GatewayTransactionID),
		Status:               string(t.Status),
		AutoReleaseAt:        t.AutoReleaseAt,
		IdempotencyKey:       t.IdempotencyKey,
		Version:              t.Version,
		CreatedAt:            t.CreatedAt,
		UpdatedAt:            t.UpdatedAt,
	}

	if t.Delivery != nil {
		row.TrackingNumber = optional(t.Delivery.TrackingNumber)
		row.Carrier = optional(t.Delivery.Carrier)
		row.ShippedAt = t.Delivery.ShippedAt
		row.EstimatedDelivery = t.Delivery.EstimatedDelivery
	}
	if t.Dispute != nil {
		row.DisputeReason = optional(t.Dispute.Reason)
		row.DisputeDescription = optional(t.Dispute.Description)
		row.DisputeRaisedBy = optional(t.Dispute.RaisedBy)
	}
	if t.Session != nil {
		row.SessionType = optional(t.Session.Type)
		row.SessionPayload = optional(t.Session.Payload)
	}

	for _, h := range t.History {
		row.History = append(row.History, HistoryToDataModel(t.ID, h))
	}
	return row
}

func HistoryToDataModel(transactionID string, h HistoryEntry) txmodel.StatusHistory {
	return txmodel.StatusHistory{
		TransactionID: transactionID,
		Seq:           h.Seq,
		Status:        string(h.Status),
		Note:          h.Note,
		ActorID:       h.ActorID,
		ActorRole:     string(h.ActorRole),
		Fingerprint:   h.Fingerprint,
		OccurredAt:    h.Timestamp,
	}
}

func FromDataModel(row *txmodel.Transaction) *Transaction {
	if row == nil {
		return nil
	}

	t := &Transaction{
		ID:                   row.ID,
		HumanID:              row.HumanID,
		PaymentMode:          fee.PaymentMode(row.PaymentMode),
		BuyerID:              row.BuyerID,
		SellerID:             row.SellerID,
		ProductID:            row.ProductID,
		OfferID:              value(row.OfferID),
		ProductPrice:         row.ProductPrice,
		ShippingCost:         row.ShippingCost,
		SalesTax:             row.SalesTax,
		PlatformFee:          row.PlatformFee,
		PlatformFeeRate:      row.PlatformFeeRate,
		GatewayFee:           row.GatewayFee,
		GatewayFeePaidBy:     fee.Payer(row.GatewayFeePaidBy),
		Total:                row.TotalAmount,
		SellerPayout:         row.SellerPayout,
		Currency:             row.Currency,
		ExchangeRate:         row.ExchangeRate,
		Gateway:              row.PaymentGateway,
		GatewayTransactionID: value(row.GatewayTransactionID),
		Status:               Status(row.Status),
		AutoReleaseAt:        row.AutoReleaseAt,
		IdempotencyKey:       row.IdempotencyKey,
		Version:              row.Version,
		CreatedAt:            row.CreatedAt,
		UpdatedAt:            row.UpdatedAt,
	}

	if row.TrackingNumber != nil || row.ShippedAt != nil {
		t.Delivery = &DeliveryDetails{
			TrackingNumber:    value(row.TrackingNumber),
			Carrier:           value(row.Carrier),
			ShippedAt:         row.ShippedAt,
			EstimatedDelivery: row.EstimatedDelivery,
		}
	}
	if row.DisputeReason != nil {
		t.Dispute = &Dispute{
			Reason:      value(row.DisputeReason),
			Description: value(row.DisputeDescription),
			RaisedBy:    value(row.DisputeRaisedBy),
		}
	}
	if row.SessionType != nil {
		t.Session = &Session{Type: value(row.SessionType), Payload: value(row.SessionPayload)}
	}

	for _, h := range row.History {
		t.History = append(t.History, HistoryEntry{
			Seq:         h.Seq,
			Status:      Status(h.Status),
			Timestamp:   h.OccurredAt,
			Note:        h.Note,
			ActorID:     h.ActorID,
			ActorRole:   Role(h.ActorRole),
			Fingerprint: h.Fingerprint,
		})
	}
	return t
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func value(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
