package provider

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/stablepay-offramp/internal/domain/order"
)

type namedProvider struct {
	order.Provider

	name string
}

func (p *namedProvider) Name() string { return p.name }

func (p *namedProvider) Quote(_ context.Context, _ string, _ decimal.Decimal, _ order.Currency) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func TestRegistry_ForCurrency(t *testing.T) {
	mobile := &namedProvider{name: "pesabridge"}
	bank := &namedProvider{name: "zenturi"}

	r := NewRegistry()
	r.Register(mobile, order.KES, order.GHS, order.UGX)
	r.Register(bank, order.NGN)

	p, err := r.ForCurrency(order.KES)
	require.NoError(t, err)
	assert.Equal(t, "pesabridge", p.Name())

	p, err = r.ForCurrency(order.NGN)
	require.NoError(t, err)
	assert.Equal(t, "zenturi", p.Name())

	_, err = r.ForCurrency(order.Currency("ZAR"))
	assert.ErrorIs(t, err, order.ErrNoProvider)
}

func TestRegistry_ByName(t *testing.T) {
	mobile := &namedProvider{name: "pesabridge"}
	r := NewRegistry()
	r.Register(mobile, order.KES)

	p, ok := r.ByName("pesabridge")
	require.True(t, ok)
	assert.Equal(t, "pesabridge", p.Name())

	_, ok = r.ByName("unknown")
	assert.False(t, ok)
}

func TestRegistry_DuplicateCurrencyPanics(t *testing.T) {
	r := NewRegistry()
	r.Register(&namedProvider{name: "pesabridge"}, order.KES)

	assert.Panics(t, func() {
		r.Register(&namedProvider{name: "zenturi"}, order.KES)
	})
}
