package gateway

import (
	"context"
	"strings"

	"github.com/frahmantamala/marketplace-payment/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/marketplace-payment/internal/fee"
)

type CatalogRepository interface {
	List(ctx context.Context) ([]*paymentgateway.PaymentGateway, error)
	Upsert(ctx context.Context, row *paymentgateway.PaymentGateway) error
}

// LoadCatalog prefers persisted rows and falls back to the configured
// descriptors when the table is empty.
func LoadCatalog(ctx context.Context, repo CatalogRepository, fallback []Descriptor) ([]Descriptor, error) {
	rows, err := repo.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return fallback, nil
	}
	out := make([]Descriptor, 0, len(rows))
	for _, row := range rows {
		out = append(out, FromRow(row))
	}
	return out, nil
}

// SeedCatalog writes descriptors to the catalog table.
func SeedCatalog(ctx context.Context, repo CatalogRepository, descriptors []Descriptor) error {
	for _, d := range descriptors {
		if err := repo.Upsert(ctx, ToRow(d)); err != nil {
			return err
		}
	}
	return nil
}

func ToRow(d Descriptor) *paymentgateway.PaymentGateway {
	modes := make([]string, 0, len(d.SupportedModes))
	for _, m := range d.SupportedModes {
		modes = append(modes, string(m))
	}
	return &paymentgateway.PaymentGateway{
		ID:                  d.ID,
		Enabled:             d.Enabled,
		FeePercentage:       d.FeePercentage,
		FixedFee:            d.FixedFee,
		SupportedCurrencies: strings.Join(d.SupportedCurrencies, ","),
		SupportedModes:      strings.Join(modes, ","),
		SettlementDelayDays: d.SettlementDelayDays,
	}
}

func FromRow(row *paymentgateway.PaymentGateway) Descriptor {
	d := Descriptor{
		ID:                  row.ID,
		Enabled:             row.Enabled,
		FeePercentage:       row.FeePercentage,
		FixedFee:            row.FixedFee,
		SettlementDelayDays: row.SettlementDelayDays,
	}
	for _, c := range strings.Split(row.SupportedCurrencies, ",") {
		if c = strings.TrimSpace(c); c != "" {
			d.SupportedCurrencies = append(d.SupportedCurrencies, strings.ToUpper(c))
		}
	}
	for _, m := range strings.Split(row.SupportedModes, ",") {
		if m = strings.TrimSpace(m); m != "" {
			d.SupportedModes = append(d.SupportedModes, fee.PaymentMode(m))
		}
	}
	return d
}
