// Package provider implements the settlement-provider adapter layer: a
// registry that binds destination currencies to concrete adapters, and a
// shared REST client used by the adapter implementations.
package provider

import (
	"fmt"

	"github.com/xenking/stablepay-offramp/internal/domain/order"
)

// Registry maps destination currencies to settlement providers. The mapping
// is consulted exactly once per payout, at order creation; the chosen
// provider travels on the Order afterwards.
type Registry struct {
	byCurrency map[order.Currency]order.Provider
	byName     map[string]order.Provider
}

var _ order.ProviderSelector = (*Registry)(nil)

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byCurrency: make(map[order.Currency]order.Provider),
		byName:     make(map[string]order.Provider),
	}
}

// Register binds p to the given currencies. A currency may be served by only
// one provider; a duplicate registration panics at wiring time.
func (r *Registry) Register(p order.Provider, currencies ...order.Currency) {
	r.byName[p.Name()] = p
	for _, c := range currencies {
		if existing, ok := r.byCurrency[c]; ok {
			panic(fmt.Sprintf("provider %s already registered for %s, cannot add %s", existing.Name(), c, p.Name()))
		}
		r.byCurrency[c] = p
	}
}

// ForCurrency returns the provider serving the given currency.
func (r *Registry) ForCurrency(c order.Currency) (order.Provider, error) {
	p, ok := r.byCurrency[c]
	if !ok {
		return nil, fmt.Errorf("%w: %s", order.ErrNoProvider, c)
	}
	return p, nil
}

// ByName returns a registered provider by its name, for webhook routing.
func (r *Registry) ByName(name string) (order.Provider, bool) {
	p, ok := r.byName[name]
	return p, ok
}
