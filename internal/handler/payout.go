package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/stablepay-offramp/internal/domain/order"
	"github.com/xenking/stablepay-offramp/internal/payout"
)

type recipientPayload struct {
	Kind     string `json:"kind"`
	Number   string `json:"number,omitempty"`
	Account  string `json:"account,omitempty"`
	BankCode string `json:"bankCode,omitempty"`
	BankName string `json:"bankName,omitempty"`
}

type createPayoutRequest struct {
	Asset         string           `json:"asset"`
	Amount        decimal.Decimal  `json:"amount"`
	Currency      string           `json:"currency"`
	Recipient     recipientPayload `json:"recipient"`
	RecipientName string           `json:"recipientName"`
	ReturnAddress string           `json:"returnAddress,omitempty"`
}

type payoutResponse struct {
	OrderID        string          `json:"orderId"`
	Provider       string          `json:"provider"`
	State          string          `json:"state"`
	ReceiveAddress string          `json:"receiveAddress"`
	LocalAmount    decimal.Decimal `json:"localAmount"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	Rate           decimal.Decimal `json:"rate"`
	ValidUntil     time.Time       `json:"validUntil"`
}

// createPayout starts a new settlement flow. The response is 202: the order
// exists and the transfer pipeline is running, but nothing has settled yet.
func (h *Handler) createPayout(w http.ResponseWriter, r *http.Request) {
	var req createPayoutRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	p, err := h.payouts.Start(r.Context(), order.CreateRequest{
		Asset:    req.Asset,
		Amount:   req.Amount,
		Currency: order.Currency(req.Currency),
		Recipient: order.Recipient{
			Kind:     order.RecipientKind(req.Recipient.Kind),
			Number:   req.Recipient.Number,
			Account:  req.Recipient.Account,
			BankCode: req.Recipient.BankCode,
			BankName: req.Recipient.BankName,
		},
		RecipientName: req.RecipientName,
		ReturnAddress: req.ReturnAddress,
	})
	if err != nil {
		mapPayoutError(w, r, err)
		return
	}
	h.track(p)

	ord := p.Order()
	respondJSON(w, http.StatusAccepted, payoutResponse{
		OrderID:        ord.ID,
		Provider:       ord.Provider,
		State:          string(p.State()),
		ReceiveAddress: ord.ReceiveAddress,
		LocalAmount:    ord.LocalAmount,
		TotalAmount:    ord.TotalAmount,
		Rate:           ord.Rate,
		ValidUntil:     ord.ValidUntil,
	})
}

// cancelPayout aborts a live payout. Cancellation is only possible while the
// on-chain transfer is unconfirmed; afterwards the flow must run to an
// outcome.
func (h *Handler) cancelPayout(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["orderID"]

	v, ok := h.live.Load(orderID)
	if !ok {
		respondError(w, http.StatusNotFound, "no live payout for order", map[string]any{"orderId": orderID})
		return
	}
	p := v.(*payout.Payout)
	if err := p.Cancel(); err != nil {
		respondError(w, http.StatusConflict, "transfer already confirmed, payout can no longer be cancelled", nil)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"orderId": orderID, "state": "cancelling"})
}

type settlementStatusResponse struct {
	OrderID      string `json:"orderId"`
	Status       string `json:"status"`
	Ready        bool   `json:"ready"`
	TransferHash string `json:"transferHash,omitempty"`
	ReceiptCode  string `json:"receiptCode,omitempty"`
}

// settlementStatus reports the canonical status of an order. Ready is true
// once the order reached a terminal status.
func (h *Handler) settlementStatus(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["orderID"]

	ord, err := h.orders.Get(r.Context(), orderID)
	if err != nil {
		respondError(w, http.StatusNotFound, "order not found", map[string]any{"orderId": orderID})
		return
	}

	respondJSON(w, http.StatusOK, settlementStatusResponse{
		OrderID:      ord.ID,
		Status:       string(ord.Status),
		Ready:        ord.Status.Terminal(),
		TransferHash: ord.TransferHash,
		ReceiptCode:  ord.ReceiptCode,
	})
}

// mapPayoutError converts domain errors to HTTP error responses.
func mapPayoutError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, order.ErrNonPositiveAmount) {
		respondError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	var validationErr *order.ValidationError
	if errors.As(err, &validationErr) {
		respondError(w, http.StatusBadRequest, validationErr.Error(), map[string]any{
			"field": validationErr.Field,
		})
		return
	}

	if errors.Is(err, order.ErrNoProvider) {
		respondError(w, http.StatusUnprocessableEntity, err.Error(), nil)
		return
	}

	var fundsErr *order.InsufficientFundsError
	if errors.As(err, &fundsErr) {
		respondError(w, http.StatusUnprocessableEntity, fundsErr.Error(), map[string]any{
			"currentBalance": fundsErr.CurrentBalance,
			"requiredAmount": fundsErr.RequiredAmount,
			"shortfall":      fundsErr.Shortfall,
		})
		return
	}

	var creationErr *order.CreationError
	if errors.As(err, &creationErr) {
		respondError(w, http.StatusBadGateway, creationErr.Error(), map[string]any{
			"provider": creationErr.Provider,
		})
		return
	}

	zctx.From(r.Context()).Error("Payout creation failed", zap.Error(err))
	respondError(w, http.StatusInternalServerError, "internal error", nil)
}
