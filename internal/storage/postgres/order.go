package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/stablepay-offramp/internal/domain/order"
)

// statusRank mirrors the canonical status ordering so the monotonic guard
// runs inside the UPDATE itself instead of a read-check-write round trip.
const statusRank = `CASE %s
	WHEN 'initiated' THEN 0
	WHEN 'pending' THEN 1
	WHEN 'processing' THEN 2
	WHEN 'validated' THEN 3
	ELSE 4
END`

const createOrderSQL = `INSERT INTO orders (
	id, provider, source_asset, source_amount, local_amount, currency,
	recipient, recipient_name, receive_address, return_address,
	sender_fee, transaction_fee, total_amount, rate, valid_until, status
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

const getOrderSQL = `SELECT
	id, provider, source_asset, source_amount, local_amount, currency,
	recipient, recipient_name, receive_address, return_address,
	sender_fee, transaction_fee, total_amount, rate, valid_until, status,
	transfer_hash, receipt_code, created_at, updated_at
FROM orders WHERE id = $1`

const listUnsettledSQL = `SELECT
	id, provider, source_asset, source_amount, local_amount, currency,
	recipient, recipient_name, receive_address, return_address,
	sender_fee, transaction_fee, total_amount, rate, valid_until, status,
	transfer_hash, receipt_code, created_at, updated_at
FROM orders
WHERE transfer_hash <> ''
  AND status NOT IN ('settled', 'refunded', 'expired', 'failed', 'cancelled')
ORDER BY created_at`

const setTransferHashSQL = `UPDATE orders
	SET transfer_hash = $2, updated_at = now()
	WHERE id = $1`

const setReceiptCodeSQL = `UPDATE orders
	SET receipt_code = $2, updated_at = now()
	WHERE id = $1 AND status IN ('validated', 'settled')`

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool

	advanceStatusSQL string
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{
		pool: pool,
		advanceStatusSQL: fmt.Sprintf(
			`UPDATE orders SET status = $2, updated_at = now()
			 WHERE id = $1 AND `+statusRank+` < `+statusRank+`
			 RETURNING status`,
			"status", "$2",
		),
	}
}

// Create persists a new order. The recipient is serialized to JSON for
// storage in the JSONB column.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	recipientJSON, err := json.Marshal(o.Recipient)
	if err != nil {
		return fmt.Errorf("marshaling recipient: %w", err)
	}

	_, err = r.pool.Exec(ctx, createOrderSQL,
		o.ID, o.Provider, o.SourceAsset, o.SourceAmount, o.LocalAmount, string(o.Currency),
		recipientJSON, o.RecipientName, o.ReceiveAddress, o.ReturnAddress,
		o.Fees.SenderFee, o.Fees.TransactionFee, o.TotalAmount, o.Rate, o.ValidUntil, string(o.Status),
	)
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}

	return nil
}

// Get loads one order by ID.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, getOrderSQL, id))
	if err != nil {
		return nil, fmt.Errorf("loading order %q: %w", id, err)
	}
	return o, nil
}

// AdvanceStatus writes status only if it outranks the stored one; a
// regressive write is a no-op. Returns the status actually stored.
func (r *OrderRepository) AdvanceStatus(ctx context.Context, id string, status order.Status) (order.Status, error) {
	var stored string
	err := r.pool.QueryRow(ctx, r.advanceStatusSQL, id, string(status)).Scan(&stored)
	if err == nil {
		return order.Status(stored), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("advancing order %q to %q: %w", id, status, err)
	}

	// The guard rejected the write; report what is actually stored.
	err = r.pool.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, id).Scan(&stored)
	if err != nil {
		return "", fmt.Errorf("advancing order %q to %q: %w", id, status, err)
	}
	return order.Status(stored), nil
}

// SetTransferHash records the confirmed on-chain transfer.
func (r *OrderRepository) SetTransferHash(ctx context.Context, id, hash string) error {
	tag, err := r.pool.Exec(ctx, setTransferHashSQL, id, hash)
	if err != nil {
		return fmt.Errorf("setting transfer hash on order %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("setting transfer hash on order %q: %w", id, pgx.ErrNoRows)
	}
	return nil
}

// SetReceiptCode backfills the provider payout reference. The write only
// lands on validated and settled rows; on any other status it is a no-op so
// a stale signal cannot attach a receipt to an unsuccessful order.
func (r *OrderRepository) SetReceiptCode(ctx context.Context, id, code string) error {
	_, err := r.pool.Exec(ctx, setReceiptCodeSQL, id, code)
	if err != nil {
		return fmt.Errorf("setting receipt code on order %q: %w", id, err)
	}
	return nil
}

// ListUnsettled returns orders with a confirmed transfer and no settlement
// outcome yet, oldest first.
func (r *OrderRepository) ListUnsettled(ctx context.Context) ([]order.Order, error) {
	rows, err := r.pool.Query(ctx, listUnsettledSQL)
	if err != nil {
		return nil, fmt.Errorf("listing unsettled orders: %w", err)
	}
	defer rows.Close()

	var out []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning unsettled order: %w", err)
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing unsettled orders: %w", err)
	}
	return out, nil
}

func scanOrder(row pgx.Row) (*order.Order, error) {
	var (
		o             order.Order
		currency      string
		status        string
		recipientJSON []byte
	)
	err := row.Scan(
		&o.ID, &o.Provider, &o.SourceAsset, &o.SourceAmount, &o.LocalAmount, &currency,
		&recipientJSON, &o.RecipientName, &o.ReceiveAddress, &o.ReturnAddress,
		&o.Fees.SenderFee, &o.Fees.TransactionFee, &o.TotalAmount, &o.Rate, &o.ValidUntil, &status,
		&o.TransferHash, &o.ReceiptCode, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(recipientJSON, &o.Recipient); err != nil {
		return nil, fmt.Errorf("unmarshaling recipient: %w", err)
	}
	o.Currency = order.Currency(currency)
	o.Status = order.Status(status)
	return &o, nil
}
