// Package quote fetches live exchange rates for (source asset, destination
// currency) pairs, falling back to the last good rate and then to static
// estimates when the provider is unreachable. Network failure here is
// retryable with a fallback, never fatal.
package quote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/stablepay-offramp/internal/domain/order"
)

// cachedRate is the last rate successfully fetched for a pair.
type cachedRate struct {
	rate      decimal.Decimal
	fetchedAt time.Time
}

type pairKey struct {
	asset    string
	currency order.Currency
}

// Service resolves exchange rates with layered fallback: live provider quote,
// then cached last-good rate, then a static configured estimate.
type Service struct {
	providers order.ProviderSelector
	static    map[order.Currency]decimal.Decimal
	staleTTL  time.Duration
	lg        *zap.Logger
	now       func() time.Time

	mu    sync.RWMutex
	cache map[pairKey]cachedRate
}

// NewService creates a quote Service. static holds per-currency fallback
// estimates used when no live or cached rate is available; staleTTL is the
// age past which serving a cached rate logs a warning.
func NewService(providers order.ProviderSelector, static map[order.Currency]decimal.Decimal, staleTTL time.Duration, lg *zap.Logger) *Service {
	return &Service{
		providers: providers,
		static:    static,
		staleTTL:  staleTTL,
		lg:        lg,
		now:       time.Now,
		cache:     make(map[pairKey]cachedRate),
	}
}

// Rate returns the unit rate for converting amount of asset into currency.
func (s *Service) Rate(ctx context.Context, asset string, amount decimal.Decimal, currency order.Currency) (decimal.Decimal, error) {
	adapter, err := s.providers.ForCurrency(currency)
	if err != nil {
		return decimal.Zero, fmt.Errorf("select provider for %s: %w", currency, err)
	}

	rate, err := adapter.Quote(ctx, asset, amount, currency)
	if err == nil && rate.IsPositive() {
		s.store(asset, currency, rate)
		return rate, nil
	}

	s.lg.Warn("Live rate fetch failed, using fallback",
		zap.String("asset", asset),
		zap.String("currency", string(currency)),
		zap.Error(err),
	)
	return s.fallback(asset, currency)
}

func (s *Service) store(asset string, currency order.Currency, rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[pairKey{asset: asset, currency: currency}] = cachedRate{rate: rate, fetchedAt: s.now()}
}

func (s *Service) fallback(asset string, currency order.Currency) (decimal.Decimal, error) {
	s.mu.RLock()
	cached, ok := s.cache[pairKey{asset: asset, currency: currency}]
	s.mu.RUnlock()

	if ok {
		if age := s.now().Sub(cached.fetchedAt); age > s.staleTTL {
			s.lg.Warn("Serving stale cached rate",
				zap.String("asset", asset),
				zap.String("currency", string(currency)),
				zap.Duration("age", age),
			)
		}
		return cached.rate, nil
	}

	if est, ok := s.static[currency]; ok {
		s.lg.Warn("Serving static rate estimate",
			zap.String("asset", asset),
			zap.String("currency", string(currency)),
			zap.String("rate", est.String()),
		)
		return est, nil
	}

	return decimal.Zero, fmt.Errorf("no rate available for %s/%s", asset, currency)
}
