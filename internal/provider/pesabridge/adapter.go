// Package pesabridge adapts the Pesabridge mobile-money settlement API
// (KES, GHS, UGX payouts to phone, till and paybill destinations) to the
// canonical provider contract. Pesabridge issues a per-order receive address
// and pushes webhook notifications on settlement.
package pesabridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/stablepay-offramp/internal/domain/order"
	"github.com/xenking/stablepay-offramp/internal/provider"
)

// Name identifies this provider on Orders and webhook routes.
const Name = "pesabridge"

// statusMap converts Pesabridge's native status vocabulary onto the
// canonical set. A native status absent from this map is treated as
// processing (non-terminal), never dropped.
var statusMap = map[string]order.Status{
	"initiated":  order.StatusInitiated,
	"pending":    order.StatusPending,
	"processing": order.StatusProcessing,
	"fulfilling": order.StatusProcessing,
	"validated":  order.StatusValidated,
	"settled":    order.StatusSettled,
	"refunded":   order.StatusRefunded,
	"expired":    order.StatusExpired,
	"cancelled":  order.StatusCancelled,
}

var minimums = map[order.Currency]decimal.Decimal{
	order.KES: decimal.RequireFromString("0.5"),
	order.GHS: decimal.RequireFromString("0.5"),
	order.UGX: decimal.RequireFromString("0.5"),
}

// Adapter implements order.Provider over the Pesabridge REST API.
type Adapter struct {
	client *provider.Client
	lg     *zap.Logger
}

var _ order.Provider = (*Adapter)(nil)

// New creates a Pesabridge adapter.
func New(client *provider.Client, lg *zap.Logger) *Adapter {
	return &Adapter{client: client, lg: lg.Named(Name)}
}

func (a *Adapter) Name() string { return Name }

// MinimumAmount returns the static per-currency order floor.
func (a *Adapter) MinimumAmount(c order.Currency) decimal.Decimal {
	if min, ok := minimums[c]; ok {
		return min
	}
	return decimal.Zero
}

// Quote fetches the live unit rate for the pair.
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

// orderDocument is the Pesabridge order shape shared by the create and
// status endpoints.
type orderDocument struct {
	ID              string          `json:"id"`
	ReceiveAddress  string          `json:"receiveAddress"`
	Amount          decimal.Decimal `json:"amount"`
	LocalAmount     decimal.Decimal `json:"localAmount"`
	SenderFee       decimal.Decimal `json:"senderFee"`
	TransactionFee  decimal.Decimal `json:"transactionFee"`
	ValidUntil      time.Time       `json:"validUntil"`
	Status          string          `json:"status"`
	TransactionHash string          `json:"transactionHash,omitempty"`
	ReceiptCode     string          `json:"receiptCode,omitempty"`
}

type createOrderRequest struct {
	Amount        decimal.Decimal  `json:"amount"`
	Currency      string           `json:"currency"`
	Recipient     recipientPayload `json:"recipient"`
	ReturnAddress string           `json:"returnAddress"`
	Rate          decimal.Decimal  `json:"rate"`
}

type recipientPayload struct {
	Type           string `json:"type"`
	PhoneNumber    string `json:"phoneNumber,omitempty"`
	TillNumber     string `json:"tillNumber,omitempty"`
	PaybillNumber  string `json:"paybillNumber,omitempty"`
	PaybillAccount string `json:"paybillAccount,omitempty"`
	Name           string `json:"name,omitempty"`
}

// CreateOrder registers a payout order. A balance-shortfall rejection is
// surfaced as *order.InsufficientFundsError with the provider's exact
// amounts; other rejections become *order.CreationError.
func (a *Adapter) CreateOrder(ctx context.Context, p order.CreateOrderParams) (*order.Order, error) {
	req := createOrderRequest{
		Amount:        p.Amount,
		Currency:      string(p.Currency),
		Recipient:     toRecipientPayload(p.Recipient, p.RecipientName),
		ReturnAddress: p.ReturnAddress,
		Rate:          p.Rate,
	}

	var doc orderDocument
	if err := a.client.Post(ctx, "orders", req, &doc); err != nil {
		return nil, a.mapCreateError(err)
	}

	return a.normalize(doc, p.Currency), nil
}

// OrderStatus polls the order document and maps its status.
func (a *Adapter) OrderStatus(ctx context.Context, id string) (order.StatusUpdate, error) {
	var doc orderDocument
	if err := a.client.Get(ctx, "orders/"+id, &doc); err != nil {
		return order.StatusUpdate{}, errors.Wrapf(err, "fetch order %s status", id)
	}

	payload, _ := json.Marshal(doc)
	return order.StatusUpdate{
		OrderID:        doc.ID,
		Status:         a.mapStatus(doc.Status),
		ProviderStatus: doc.Status,
		TransferHash:   doc.TransactionHash,
		ReceiptCode:    doc.ReceiptCode,
		Payload:        payload,
	}, nil
}

// MapStatus converts a native Pesabridge status onto the canonical set; it
// is exported for the webhook intake, which maps pushed statuses the same
// way the poll path does.
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
		ID:             doc.ID,
		SourceAmount:   doc.Amount,
		LocalAmount:    doc.LocalAmount,
		Currency:       currency,
		ReceiveAddress: doc.ReceiveAddress,
		Fees: order.Fees{
			SenderFee:      doc.SenderFee,
			TransactionFee: doc.TransactionFee,
		},
		ValidUntil: doc.ValidUntil,
		Status:     a.mapStatus(doc.Status),
	}
}

// insufficientBalanceCode is Pesabridge's rejection code for balance
// shortfalls; the response body carries the exact amounts.
const insufficientBalanceCode = "insufficient_balance"

func (a *Adapter) mapCreateError(err error) error {
	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) {
		return &order.CreationError{Provider: Name, Err: err}
	}

	if apiErr.Code == insufficientBalanceCode {
		var detail struct {
			CurrentBalance decimal.Decimal `json:"currentBalance"`
			RequiredAmount decimal.Decimal `json:"requiredAmount"`
		}
		if jsonErr := json.Unmarshal(apiErr.Raw, &detail); jsonErr == nil {
			return &order.InsufficientFundsError{
				CurrentBalance: detail.CurrentBalance,
				RequiredAmount: detail.RequiredAmount,
				Shortfall:      detail.RequiredAmount.Sub(detail.CurrentBalance),
			}
		}
	}

	return &order.CreationError{Provider: Name, ProviderMessage: apiErr.Message, Err: err}
}

func toRecipientPayload(r order.Recipient, name string) recipientPayload {
	p := recipientPayload{Name: name}
	switch r.Kind {
	case order.RecipientPhone:
		p.Type = "phone"
		p.PhoneNumber = r.Number
	case order.RecipientTill:
		p.Type = "till"
		p.TillNumber = r.Number
	case order.RecipientPaybill:
		p.Type = "paybill"
		p.PaybillNumber = r.Number
		p.PaybillAccount = r.Account
	}
	return p
}
