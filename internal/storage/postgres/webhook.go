package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/stablepay-offramp/internal/domain/order"
	"github.com/xenking/stablepay-offramp/internal/webhook"
)

const recordWebhookSQL = `INSERT INTO webhook_events (
	provider, event_id, event, order_id, status, provider_status,
	payload, delivered, received_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (provider, event_id) DO NOTHING`

const listWebhooksForOrderSQL = `SELECT
	provider, event_id, event, order_id, status, provider_status,
	payload, delivered, received_at
FROM webhook_events WHERE order_id = $1 ORDER BY received_at`

var _ webhook.Journal = (*WebhookRepository)(nil)

// WebhookRepository journals webhook deliveries. The in-memory replay guard
// resets on restart, so the journal's primary key absorbs re-deliveries of
// events processed before the restart.
type WebhookRepository struct {
	pool *pgxpool.Pool
}

// NewWebhookRepository returns a WebhookRepository that uses the given pool.
func NewWebhookRepository(pool *pgxpool.Pool) *WebhookRepository {
	return &WebhookRepository{pool: pool}
}

// Record persists one delivery. Duplicate (provider, event_id) pairs are
// silently ignored.
func (r *WebhookRepository) Record(ctx context.Context, rec webhook.Record) error {
	_, err := r.pool.Exec(ctx, recordWebhookSQL,
		rec.Provider, rec.EventID, rec.Event, rec.OrderID, string(rec.Status),
		rec.ProviderStatus, rec.Payload, rec.Delivered, rec.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("recording webhook %q/%q: %w", rec.Provider, rec.EventID, err)
	}
	return nil
}

// ListForOrder returns every journaled delivery for an order, oldest first.
func (r *WebhookRepository) ListForOrder(ctx context.Context, orderID string) ([]webhook.Record, error) {
	rows, err := r.pool.Query(ctx, listWebhooksForOrderSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing webhooks for order %q: %w", orderID, err)
	}
	defer rows.Close()

	var out []webhook.Record
	for rows.Next() {
		var (
			rec    webhook.Record
			status string
		)
		err := rows.Scan(
			&rec.Provider, &rec.EventID, &rec.Event, &rec.OrderID, &status,
			&rec.ProviderStatus, &rec.Payload, &rec.Delivered, &rec.ReceivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning webhook record: %w", err)
		}
		rec.Status = order.Status(status)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing webhooks for order %q: %w", orderID, err)
	}
	return out, nil
}
