// Package zenturi adapts the Zenturi bank-transfer settlement API (NGN
// payouts to bank accounts) to the canonical provider contract. Unlike the
// mobile-money family, Zenturi uses one fixed provider-wide settlement
// address and confirms payouts out-of-band, so reconciliation for its orders
// is poll-driven.
package zenturi

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/stablepay-offramp/internal/domain/order"
	"github.com/xenking/stablepay-offramp/internal/provider"
)

// Name identifies this provider on Orders and webhook routes.
const Name = "zenturi"

// statusMap converts Zenturi's native vocabulary onto the canonical set.
// COMPLETED maps to settled and REVERSED to refunded; anything unmapped is
// processing.
var statusMap = map[string]order.Status{
	"RECEIVED":   order.StatusPending,
	"PROCESSING": order.StatusProcessing,
	"VALIDATED":  order.StatusValidated,
	"COMPLETED":  order.StatusSettled,
	"REVERSED":   order.StatusRefunded,
	"EXPIRED":    order.StatusExpired,
	"FAILED":     order.StatusFailed,
	"CANCELLED":  order.StatusCancelled,
}

var minimums = map[order.Currency]decimal.Decimal{
	order.NGN: decimal.RequireFromString("1.0"),
}

// settleAddrTTL bounds how long the cached provider-wide settlement address
// is trusted before the next order triggers a re-fetch.
const settleAddrTTL = time.Hour

// Adapter implements order.Provider over the Zenturi REST API. The fixed
// settlement address is fetched lazily and cached for settleAddrTTL.
type Adapter struct {
	client *provider.Client
	lg     *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	settleAddr  string
	settleFetch time.Time
}

var _ order.Provider = (*Adapter)(nil)

// New creates a Zenturi adapter.
func New(client *provider.Client, lg *zap.Logger) *Adapter {
	return &Adapter{client: client, lg: lg.Named(Name), now: time.Now}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) MinimumAmount(c order.Currency) decimal.Decimal {
	if min, ok := minimums[c]; ok {
		return min
	}
	return decimal.Zero
}

func (a *Adapter) Quote(ctx context.Context, asset string, amount decimal.Decimal, currency order.Currency) (decimal.Decimal, error) {
	var resp struct {
		Rate decimal.Decimal `json:"rate"`
	}
	path := fmt.Sprintf("rates/%s/%s/%s", asset, amount.String(), currency)
	if err := a.client.Get(ctx, path, &resp); err != nil {
		return decimal.Zero, errors.Wrap(err, "fetch rate")
	}
	return resp.Rate, nil
}

// settlementAddress returns the fixed provider-wide address all transfers
// are paid into. Past the TTL a fresh fetch is attempted; on fetch failure
// the stale address is still served, since the provider rotates it rarely
// and failing the payout outright would be worse.
func (a *Adapter) settlementAddress(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.settleAddr != "" && a.now().Sub(a.settleFetch) < settleAddrTTL {
		return a.settleAddr, nil
	}

	var resp struct {
		Address string `json:"address"`
	}
	if err := a.client.Get(ctx, "settlement-address", &resp); err != nil {
		if a.settleAddr != "" {
			a.lg.Warn("Settlement address refresh failed, serving cached value", zap.Error(err))
			return a.settleAddr, nil
		}
		return "", errors.Wrap(err, "fetch settlement address")
	}
	if resp.Address == "" {
		return "", errors.New("provider returned empty settlement address")
	}
	a.settleAddr = resp.Address
	a.settleFetch = a.now()
	return a.settleAddr, nil
}

type orderDocument struct {
	Reference       string          `json:"reference"`
	Amount          decimal.Decimal `json:"amount"`
	LocalAmount     decimal.Decimal `json:"localAmount"`
	SenderFee       decimal.Decimal `json:"senderFee"`
	TransactionFee  decimal.Decimal `json:"transactionFee"`
	ExpiresAt       time.Time       `json:"expiresAt"`
	Status          string          `json:"status"`
	TransactionHash string          `json:"transactionHash,omitempty"`
	SessionID       string          `json:"sessionId,omitempty"`
}

type createOrderRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	AccountNumber string          `json:"accountNumber"`
	BankCode      string          `json:"bankCode"`
	BankName      string          `json:"bankName"`
	AccountName   string          `json:"accountName"`
	ReturnAddress string          `json:"returnAddress"`
	Rate          decimal.Decimal `json:"rate"`
}

func (a *Adapter) CreateOrder(ctx context.Context, p order.CreateOrderParams) (*order.Order, error) {
	settleAddr, err := a.settlementAddress(ctx)
	if err != nil {
		return nil, &order.CreationError{Provider: Name, Err: err}
	}

	req := createOrderRequest{
		Amount:        p.Amount,
		Currency:      string(p.Currency),
		AccountNumber: p.Recipient.Number,
		BankCode:      p.Recipient.BankCode,
		BankName:      p.Recipient.BankName,
		AccountName:   p.RecipientName,
		ReturnAddress: p.ReturnAddress,
		Rate:          p.Rate,
	}

	var doc orderDocument
	if err := a.client.Post(ctx, "orders", req, &doc); err != nil {
		return nil, a.mapCreateError(err)
	}

	ord := a.normalize(doc, p.Currency)
	ord.ReceiveAddress = settleAddr
	return ord, nil
}

func (a *Adapter) OrderStatus(ctx context.Context, id string) (order.StatusUpdate, error) {
	var doc orderDocument
	if err := a.client.Get(ctx, "orders/"+id, &doc); err != nil {
		return order.StatusUpdate{}, errors.Wrapf(err, "fetch order %s status", id)
	}

	payload, _ := json.Marshal(doc)
	return order.StatusUpdate{
		OrderID:        doc.Reference,
		Status:         a.mapStatus(doc.Status),
		ProviderStatus: doc.Status,
		TransferHash:   doc.TransactionHash,
		ReceiptCode:    doc.SessionID,
		Payload:        payload,
	}, nil
}

// MapStatus converts a native Zenturi status onto the canonical set.
func (a *Adapter) MapStatus(native string) order.Status {
	return a.mapStatus(native)
}

func (a *Adapter) mapStatus(native string) order.Status {
	if s, ok := statusMap[native]; ok {
		return s
	}
	a.lg.Warn("Unmapped provider status, treating as processing", zap.String("status", native))
	return order.StatusProcessing
}

func (a *Adapter) normalize(doc orderDocument, currency order.Currency) *order.Order {
	return &order.Order{
		ID:           doc.Reference,
		SourceAmount: doc.Amount,
		LocalAmount:  doc.LocalAmount,
		Currency:     currency,
		Fees: order.Fees{
			SenderFee:      doc.SenderFee,
			TransactionFee: doc.TransactionFee,
		},
		ValidUntil: doc.ExpiresAt,
		Status:     a.mapStatus(doc.Status),
	}
}

const insufficientBalanceCode = "INSUFFICIENT_BALANCE"

func (a *Adapter) mapCreateError(err error) error {
	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) {
		return &order.CreationError{Provider: Name, Err: err}
	}

	if apiErr.Code == insufficientBalanceCode {
		var detail struct {
			Balance  decimal.Decimal `json:"balance"`
			Required decimal.Decimal `json:"required"`
		}
		if jsonErr := json.Unmarshal(apiErr.Raw, &detail); jsonErr == nil {
			return &order.InsufficientFundsError{
				CurrentBalance: detail.Balance,
				RequiredAmount: detail.Required,
				Shortfall:      detail.Required.Sub(detail.Balance),
			}
		}
	}

	return &order.CreationError{Provider: Name, ProviderMessage: apiErr.Message, Err: err}
}
