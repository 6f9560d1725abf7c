package gateway

import (
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/frahmantamala/marketplace-payment/internal"
	"github.com/frahmantamala/marketplace-payment/internal/fee"
)

// Registry is the in-memory gateway catalog. It is safe for concurrent use;
// Replace swaps the whole catalog at once.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
	calculator  *fee.Calculator
}

func NewRegistry(calculator *fee.Calculator, descriptors ...Descriptor) *Registry {
	r := &Registry{calculator: calculator}
	r.Replace(descriptors)
	return r
}

func (r *Registry) Replace(descriptors []Descriptor) {
	m := make(map[string]Descriptor, len(descriptors))
	for _, d := range descriptors {
		m[d.ID] = d
	}
	r.mu.Lock()
	r.descriptors = m
	r.mu.Unlock()
}

func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Get(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[id]
	return d, ok
}

// Default returns the only enabled gateway, if there is exactly one.
func (r *Registry) Default() (Descriptor, bool) {
	var found []Descriptor
	for _, d := range r.List() {
		if d.Enabled {
			found = append(found, d)
		}
	}
	if len(found) != 1 {
		return Descriptor{}, false
	}
	return found[0], true
}

// Select resolves a checkout's gateway choice. An empty id falls back to
// Default; an explicit id is always honoured.
func (r *Registry) Select(id, currency string, amount decimal.Decimal) (Descriptor, error) {
	if !amount.IsPositive() {
		return Descriptor{}, internal.NewValidationFieldError("amount", "amount must be greater than zero", internal.ErrCodeInvalidAmount)
	}

	var d Descriptor
	if id == "" {
		def, ok := r.Default()
		if !ok {
			return Descriptor{}, internal.NewValidationFieldError("gateway", "gateway is required", internal.ErrCodeValidationFailed)
		}
		d = def
	} else {
		found, ok := r.Get(id)
		if !ok {
			return Descriptor{}, internal.ErrGatewayNotFound.WithMessage("payment gateway %s not found", id)
		}
		d = found
	}

	if !d.Enabled {
		return Descriptor{}, internal.ErrGatewayDisabled.WithMessage("payment gateway %s is disabled", d.ID)
	}
	if !d.SupportsCurrency(currency) {
		return Descriptor{}, internal.ErrUnsupportedCurrency.WithMessage("payment gateway %s does not support %s", d.ID, strings.ToUpper(currency))
	}
	return d, nil
}

// Preview computes the fee breakdown a buyer would see for the gateway.
func (r *Registry) Preview(id string, in fee.Input) (fee.Breakdown, error) {
	d, ok := r.Get(id)
	if !ok {
		return fee.Breakdown{}, internal.ErrGatewayNotFound.WithMessage("payment gateway %s not found", id)
	}
	in.Gateway = d.Terms()
	return r.calculator.Compute(in)
}
