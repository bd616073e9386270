package webhook

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/xenking/stablepay-offramp/internal/domain/order"
)

// envelope is the common delivery shape. Providers differ in which keys
// carry the order reference and payout receipt, so the alternates are read
// side by side and coalesced.
type envelope struct {
	EventID string `json:"eventId"`
	Event   string `json:"event"`
	Data    struct {
		ID              string `json:"id"`
		Reference       string `json:"reference"`
		Status          string `json:"status"`
		TransactionHash string `json:"transactionHash"`
		ReceiptCode     string `json:"receiptCode"`
		SessionID       string `json:"sessionId"`
	} `json:"data"`
}

func (e *envelope) orderID() string {
	if e.Data.ID != "" {
		return e.Data.ID
	}
	return e.Data.Reference
}

func (e *envelope) receipt() string {
	if e.Data.ReceiptCode != "" {
		return e.Data.ReceiptCode
	}
	return e.Data.SessionID
}

// StatusMapper translates a provider-native status string to the canonical
// status. Every provider adapter implements it.
type StatusMapper interface {
	MapStatus(native string) order.Status
}

// MapperDirectory resolves the status mapper for a provider name.
type MapperDirectory interface {
	ByName(name string) (order.Provider, bool)
}

// Deliverer routes a canonical update into a live settlement session.
type Deliverer interface {
	Deliver(ctx context.Context, upd order.StatusUpdate) bool
}

// Record is one journaled delivery.
type Record struct {
	Provider       string
	EventID        string
	Event          string
	OrderID        string
	Status         order.Status
	ProviderStatus string
	Payload        []byte
	Delivered      bool
	ReceivedAt     time.Time
}

// Journal persists a delivery for audit and replay analysis.
type Journal interface {
	Record(ctx context.Context, rec Record) error
}

// Processor runs the full intake pipeline for one delivery: signature
// verification, replay suppression, canonical mapping, journaling and
// dispatch into the matching settlement session.
type Processor struct {
	verifier *Verifier
	guard    *ReplayGuard
	mappers  MapperDirectory
	journal  Journal
	deliver  Deliverer
	lg       *zap.Logger
	now      func() time.Time
}

// NewProcessor creates a Processor. journal may be nil when auditing is
// disabled.
func NewProcessor(
	verifier *Verifier,
	guard *ReplayGuard,
	mappers MapperDirectory,
	journal Journal,
	deliver Deliverer,
	lg *zap.Logger,
) *Processor {
	return &Processor{
		verifier: verifier,
		guard:    guard,
		mappers:  mappers,
		journal:  journal,
		deliver:  deliver,
		lg:       lg.Named("webhook"),
		now:      time.Now,
	}
}

// Process authenticates and dispatches one raw delivery. It reports whether
// a live session consumed the update; verification, replay and parse
// failures are returned as ErrBadSignature, ErrReplay and ErrMalformed so
// the HTTP layer can map them to status codes.
func (p *Processor) Process(ctx context.Context, providerName string, body []byte, signature string) (bool, error) {
	if err := p.verifier.Verify(providerName, body, signature); err != nil {
		return false, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return false, ErrMalformed
	}
	if env.EventID == "" || env.orderID() == "" || env.Data.Status == "" {
		return false, ErrMalformed
	}

	if p.guard.Seen(env.EventID) {
		p.lg.Debug("Duplicate webhook dropped",
			zap.String("provider", providerName),
			zap.String("event_id", env.EventID),
		)
		return false, ErrReplay
	}

	mapper, ok := p.mappers.ByName(providerName)
	if !ok {
		return false, ErrUnknownProvider
	}
	statusMapper, ok := mapper.(StatusMapper)
	if !ok {
		return false, ErrUnknownProvider
	}

	upd := order.StatusUpdate{
		OrderID:        env.orderID(),
		Status:         statusMapper.MapStatus(env.Data.Status),
		ProviderStatus: env.Data.Status,
		TransferHash:   env.Data.TransactionHash,
		ReceiptCode:    env.receipt(),
		Payload:        body,
	}

	delivered := p.deliver.Deliver(ctx, upd)

	if p.journal != nil {
		rec := Record{
			Provider:       providerName,
			EventID:        env.EventID,
			Event:          env.Event,
			OrderID:        upd.OrderID,
			Status:         upd.Status,
			ProviderStatus: upd.ProviderStatus,
			Payload:        body,
			Delivered:      delivered,
			ReceivedAt:     p.now(),
		}
		// Auditing must not fail the delivery; the provider would retry and
		// hit the replay guard.
		if err := p.journal.Record(ctx, rec); err != nil {
			p.lg.Warn("Webhook journal write failed",
				zap.String("provider", providerName),
				zap.String("event_id", env.EventID),
				zap.Error(err),
			)
		}
	}

	p.lg.Info("Webhook processed",
		zap.String("provider", providerName),
		zap.String("event_id", env.EventID),
		zap.String("order_id", upd.OrderID),
		zap.String("status", string(upd.Status)),
		zap.Bool("delivered", delivered),
	)
	return delivered, nil
}
