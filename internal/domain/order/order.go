package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Currency is an ISO-4217 destination fiat currency supported by at least
// one settlement provider.
type Currency string

const (
	KES Currency = "KES"
	NGN Currency = "NGN"
	GHS Currency = "GHS"
	UGX Currency = "UGX"
)

// MobileMoney reports whether payouts in this currency are disbursed through
// mobile-money rails (phone / till / paybill recipients) rather than bank
// transfer.
func (c Currency) MobileMoney() bool {
	switch c {
	case KES, GHS, UGX:
		return true
	default:
		return false
	}
}

// FiatPlaces is the number of decimal places carried by fiat amounts.
const FiatPlaces = 2

// AssetPlaces is the number of decimal places carried by stable-coin amounts.
const AssetPlaces = 6

// RecipientKind discriminates the payout destination variants.
type RecipientKind string

const (
	RecipientPhone   RecipientKind = "phone"
	RecipientTill    RecipientKind = "till"
	RecipientPaybill RecipientKind = "paybill"
	RecipientBank    RecipientKind = "bank_account"
)

// Recipient is the payout destination. Number holds the phone, till, paybill
// business number or bank account number depending on Kind; Account is the
// paybill account reference; BankCode and BankName are set for bank
// destinations only.
type Recipient struct {
	Kind     RecipientKind `json:"kind"`
	Number   string        `json:"number"`
	Account  string        `json:"account,omitempty"`
	BankCode string        `json:"bank_code,omitempty"`
	BankName string        `json:"bank_name,omitempty"`
}

// Matches reports whether the recipient variant is valid for payouts in the
// given currency.
func (r Recipient) Matches(c Currency) bool {
	if c.MobileMoney() {
		return r.Kind == RecipientPhone || r.Kind == RecipientTill || r.Kind == RecipientPaybill
	}
	return r.Kind == RecipientBank
}

// Fees are the provider charges added on top of the quoted source amount.
type Fees struct {
	SenderFee      decimal.Decimal `json:"sender_fee"`
	TransactionFee decimal.Decimal `json:"transaction_fee"`
}

// Order is the unit of work for one fiat payout. The ID is assigned by the
// settlement provider. TotalAmount is computed exactly once at creation time
// and is the precise on-chain amount to transfer; it is never recomputed
// downstream.
type Order struct {
	ID             string
	Provider       string
	SourceAsset    string
	SourceAmount   decimal.Decimal
	LocalAmount    decimal.Decimal
	Currency       Currency
	Recipient      Recipient
	RecipientName  string
	ReceiveAddress string
	ReturnAddress  string
	Fees           Fees
	TotalAmount    decimal.Decimal
	Rate           decimal.Decimal
	ValidUntil     time.Time
	Status         Status
	TransferHash   string
	ReceiptCode    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Expired reports whether the order's payment window has closed.
func (o *Order) Expired(now time.Time) bool {
	return !o.ValidUntil.IsZero() && now.After(o.ValidUntil)
}

// StatusUpdate is one observation of an order's provider-side status, either
// from a poll response or a webhook delivery. ProviderStatus preserves the
// raw native vocabulary for diagnostics; Payload is the raw provider document
// the observation was mapped from.
type StatusUpdate struct {
	OrderID        string
	Status         Status
	ProviderStatus string
	TransferHash   string
	ReceiptCode    string
	Payload        []byte
}

// CreateOrderParams is the provider-facing input for order creation.
type CreateOrderParams struct {
	Asset         string
	Amount        decimal.Decimal
	Currency      Currency
	Recipient     Recipient
	RecipientName string
	ReturnAddress string
	Rate          decimal.Decimal
}

// Provider is the uniform contract over heterogeneous settlement providers.
// Implementations normalize provider-native request and response shapes to
// the canonical types in this package.
type Provider interface {
	// Name identifies the provider; it is stored on every Order it creates.
	Name() string
	// Quote returns the unit exchange rate for converting amount of asset
	// into the destination currency.
	Quote(ctx context.Context, asset string, amount decimal.Decimal, currency Currency) (decimal.Decimal, error)
	// CreateOrder registers a payout order with the provider. There is no
	// server-side idempotency guarantee; callers must not blindly retry on
	// ambiguous failures without a fresh quote.
	CreateOrder(ctx context.Context, p CreateOrderParams) (*Order, error)
	// OrderStatus is read-only and safe to call at arbitrary frequency up to
	// provider rate limits.
	OrderStatus(ctx context.Context, id string) (StatusUpdate, error)
	// MinimumAmount is the static per-currency floor; amounts below it are
	// rejected locally before any network round trip.
	MinimumAmount(currency Currency) decimal.Decimal
}

// ProviderSelector picks the settlement provider for a destination currency.
// Selection happens once at order creation; the chosen provider is carried on
// the Order and never re-derived from currency later.
type ProviderSelector interface {
	ForCurrency(currency Currency) (Provider, error)
}

// RateSource supplies exchange rates with its own fallback behavior; a
// failure here is exceptional, not a transient network error.
type RateSource interface {
	Rate(ctx context.Context, asset string, amount decimal.Decimal, currency Currency) (decimal.Decimal, error)
}

// BalanceSource reports the spendable balance of the paying wallet for an
// asset.
type BalanceSource interface {
	Balance(ctx context.Context, asset string) (decimal.Decimal, error)
}

// Repository defines persistence operations for orders.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	// AdvanceStatus writes the new status only if it outranks the stored one;
	// a regressive write is a no-op. It returns the status actually stored.
	AdvanceStatus(ctx context.Context, id string, status Status) (Status, error)
	// SetTransferHash records the confirmed on-chain transfer.
	SetTransferHash(ctx context.Context, id, hash string) error
	// SetReceiptCode backfills the provider payout reference; allowed on
	// validated and settled rows only.
	SetReceiptCode(ctx context.Context, id, code string) error
	// ListUnsettled returns orders with a confirmed transfer that have not
	// reached a terminal status, for reconciliation resume after restart.
	ListUnsettled(ctx context.Context) ([]Order, error)
}
