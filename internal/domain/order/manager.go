package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CreateRequest holds the input for creating a settlement order.
type CreateRequest struct {
	Asset         string
	Amount        decimal.Decimal
	Currency      Currency
	Recipient     Recipient
	RecipientName string
	ReturnAddress string
}

// Manager creates settlement orders: it validates input locally, fetches a
// quote, calls the provider adapter, normalizes the response and computes the
// total payable amount exactly once.
type Manager struct {
	providers ProviderSelector
	rates     RateSource
	balance   BalanceSource
	orders    Repository
	lg        *zap.Logger
	now       func() time.Time
}

// NewManager creates a Manager with the required dependencies.
func NewManager(
	providers ProviderSelector,
	rates RateSource,
	balance BalanceSource,
	orders Repository,
	lg *zap.Logger,
) *Manager {
	return &Manager{
		providers: providers,
		rates:     rates,
		balance:   balance,
		orders:    orders,
		lg:        lg,
		now:       time.Now,
	}
}

// CreateSettlementOrder validates the request, checks the wallet balance,
// fetches a quote, creates the order with the selected provider and persists
// the normalized result.
//
// Validation and balance failures are returned before any provider call.
// Provider-side shortfall rejections surface as *InsufficientFundsError the
// same way local ones do; every other provider failure surfaces as
// *CreationError with the provider message preserved.
func (m *Manager) CreateSettlementOrder(ctx context.Context, req CreateRequest) (*Order, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrNonPositiveAmount
	}

	adapter, err := m.providers.ForCurrency(req.Currency)
	if err != nil {
		return nil, fmt.Errorf("select provider for %s: %w", req.Currency, err)
	}

	if min := adapter.MinimumAmount(req.Currency); req.Amount.LessThan(min) {
		return nil, &ValidationError{
			Field:  "amount",
			Reason: fmt.Sprintf("%s is below the %s minimum of %s", req.Amount, req.Currency, min),
		}
	}

	if !req.Recipient.Matches(req.Currency) {
		return nil, &ValidationError{
			Field:  "recipient",
			Reason: fmt.Sprintf("%s recipient is not valid for %s payouts", req.Recipient.Kind, req.Currency),
		}
	}

	balance, err := m.balance.Balance(ctx, req.Asset)
	if err != nil {
		return nil, fmt.Errorf("check wallet balance: %w", err)
	}
	if balance.LessThan(req.Amount) {
		return nil, &InsufficientFundsError{
			CurrentBalance: balance,
			RequiredAmount: req.Amount,
			Shortfall:      req.Amount.Sub(balance),
		}
	}

	rate, err := m.rates.Rate(ctx, req.Asset, req.Amount, req.Currency)
	if err != nil {
		return nil, fmt.Errorf("fetch rate: %w", err)
	}

	ord, err := adapter.CreateOrder(ctx, CreateOrderParams{
		Asset:         req.Asset,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Recipient:     req.Recipient,
		RecipientName: req.RecipientName,
		ReturnAddress: req.ReturnAddress,
		Rate:          rate,
	})
	if err != nil {
		// Adapters surface shortfall rejections and creation failures as
		// typed errors already; anything else gets wrapped here.
		var insufficient *InsufficientFundsError
		var creation *CreationError
		if errors.As(err, &insufficient) || errors.As(err, &creation) {
			return nil, err
		}
		return nil, &CreationError{Provider: adapter.Name(), Err: err}
	}

	// Total payable is fixed here and never recomputed downstream; a mismatch
	// between this sum and what the transfer layer pays is a defect.
	ord.Provider = adapter.Name()
	ord.SourceAsset = req.Asset
	ord.Recipient = req.Recipient
	ord.RecipientName = req.RecipientName
	ord.ReturnAddress = req.ReturnAddress
	ord.Rate = rate
	ord.TotalAmount = ord.SourceAmount.
		Add(ord.Fees.SenderFee).
		Add(ord.Fees.TransactionFee).
		Round(AssetPlaces)
	if ord.Status == "" {
		ord.Status = StatusInitiated
	}
	if ord.LocalAmount.IsZero() {
		ord.LocalAmount = ord.SourceAmount.Mul(rate).Round(FiatPlaces)
	}
	ord.CreatedAt = m.now()

	if err := m.orders.Create(ctx, ord); err != nil {
		return nil, fmt.Errorf("persist order %q: %w", ord.ID, err)
	}

	m.lg.Info("Settlement order created",
		zap.String("order_id", ord.ID),
		zap.String("provider", ord.Provider),
		zap.String("currency", string(ord.Currency)),
		zap.String("source_amount", ord.SourceAmount.String()),
		zap.String("total_amount", ord.TotalAmount.String()),
		zap.Time("valid_until", ord.ValidUntil),
	)
	return ord, nil
}
