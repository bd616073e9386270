// Command order-export dumps settlement orders to a gzip-compressed CSV for
// finance reconciliation. Rows stream straight from the database cursor into
// the compressor, so exports of any size run in constant memory.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"

	"github.com/xenking/stablepay-offramp/internal/storage/postgres"
)

const exportSQL = `SELECT
	id, provider, currency, status,
	source_asset, source_amount, local_amount, total_amount, rate,
	transfer_hash, receipt_code, created_at, updated_at
FROM orders
WHERE created_at >= $1
ORDER BY created_at`

var header = []string{
	"id", "provider", "currency", "status",
	"source_asset", "source_amount", "local_amount", "total_amount", "rate",
	"transfer_hash", "receipt_code", "created_at", "updated_at",
}

func main() {
	var (
		databaseURL string
		outPath     string
		since       time.Duration
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&outPath, "out", "orders.csv.gz", "output file path")
	flag.DurationVar(&since, "since", 30*24*time.Hour, "export orders created within this window")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, outPath, since); err != nil {
		slog.Error("export failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, databaseURL, outPath string, since time.Duration) error {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := pgzip.NewWriter(out)
	defer gz.Close()
	w := csv.NewWriter(gz)

	if err := w.Write(header); err != nil {
		return err
	}

	rows, err := pool.Query(ctx, exportSQL, time.Now().Add(-since))
	if err != nil {
		return err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var (
			id, provider, currency, status          string
			sourceAsset, transferHash, receiptCode  string
			sourceAmount, localAmount, total, rate  decimal.Decimal
			createdAt, updatedAt                    time.Time
		)
		err := rows.Scan(
			&id, &provider, &currency, &status,
			&sourceAsset, &sourceAmount, &localAmount, &total, &rate,
			&transferHash, &receiptCode, &createdAt, &updatedAt,
		)
		if err != nil {
			return err
		}
		record := []string{
			id, provider, currency, status,
			sourceAsset, sourceAmount.String(), localAmount.String(), total.String(), rate.String(),
			transferHash, receiptCode,
			createdAt.Format(time.RFC3339), updatedAt.Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return err
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}

	slog.Info("export complete", "orders", count, "out", outPath)
	return nil
}
