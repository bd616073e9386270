//go:build integration

package integration

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/stablepay-offramp/internal/domain/order"
	"github.com/xenking/stablepay-offramp/internal/storage/postgres"
	"github.com/xenking/stablepay-offramp/internal/webhook"
)

var pool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "offramp",
				"POSTGRES_PASSWORD": "offramp",
				"POSTGRES_DB":       "offramp",
			},
			WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := container.Terminate(context.Background()); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}

	url := fmt.Sprintf("postgres://offramp:offramp@%s:%s/offramp?sslmode=disable", host, port.Port())
	pool, err = postgres.NewPool(ctx, url)
	if err != nil {
		log.Fatalf("create pool: %v", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	return m.Run()
}

func testOrder(id string) *order.Order {
	return &order.Order{
		ID:             id,
		Provider:       "pesabridge",
		SourceAsset:    "USDC",
		SourceAmount:   decimal.RequireFromString("100"),
		LocalAmount:    decimal.RequireFromString("12900"),
		Currency:       order.KES,
		Recipient:      order.Recipient{Kind: order.RecipientPhone, Number: "254712345678"},
		RecipientName:  "Jane Wanjiku",
		ReceiveAddress: "0xreceive",
		Fees: order.Fees{
			SenderFee:      decimal.RequireFromString("0.3"),
			TransactionFee: decimal.RequireFromString("0.2"),
		},
		TotalAmount: decimal.RequireFromString("100.5"),
		Rate:        decimal.RequireFromString("129"),
		ValidUntil:  time.Now().Add(time.Hour),
		Status:      order.StatusInitiated,
	}
}

func TestOrderRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewOrderRepository(pool)

	require.NoError(t, repo.Create(ctx, testOrder("it-round-trip")))

	got, err := repo.Get(ctx, "it-round-trip")
	require.NoError(t, err)
	assert.Equal(t, "pesabridge", got.Provider)
	assert.Equal(t, order.KES, got.Currency)
	assert.Equal(t, order.RecipientPhone, got.Recipient.Kind)
	assert.Equal(t, "254712345678", got.Recipient.Number)
	assert.True(t, got.TotalAmount.Equal(decimal.RequireFromString("100.5")), got.TotalAmount.String())
	assert.True(t, got.Rate.Equal(decimal.RequireFromString("129")))
	assert.Equal(t, order.StatusInitiated, got.Status)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestAdvanceStatusMonotonic(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewOrderRepository(pool)

	require.NoError(t, repo.Create(ctx, testOrder("it-monotonic")))

	st, err := repo.AdvanceStatus(ctx, "it-monotonic", order.StatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, order.StatusProcessing, st)

	// A regressive write is a no-op and reports the stored status.
	st, err = repo.AdvanceStatus(ctx, "it-monotonic", order.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, order.StatusProcessing, st)

	st, err = repo.AdvanceStatus(ctx, "it-monotonic", order.StatusSettled)
	require.NoError(t, err)
	assert.Equal(t, order.StatusSettled, st)

	// Terminal statuses never change.
	st, err = repo.AdvanceStatus(ctx, "it-monotonic", order.StatusRefunded)
	require.NoError(t, err)
	assert.Equal(t, order.StatusSettled, st)

	_, err = repo.AdvanceStatus(ctx, "it-missing", order.StatusSettled)
	assert.Error(t, err)
}

func TestReceiptCodeOnlyOnSuccessfulOrders(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewOrderRepository(pool)

	require.NoError(t, repo.Create(ctx, testOrder("it-receipt")))

	// Not yet validated: the write must not land.
	require.NoError(t, repo.SetReceiptCode(ctx, "it-receipt", "EARLY"))
	got, err := repo.Get(ctx, "it-receipt")
	require.NoError(t, err)
	assert.Empty(t, got.ReceiptCode)

	_, err = repo.AdvanceStatus(ctx, "it-receipt", order.StatusSettled)
	require.NoError(t, err)
	require.NoError(t, repo.SetReceiptCode(ctx, "it-receipt", "RCT1"))

	got, err = repo.Get(ctx, "it-receipt")
	require.NoError(t, err)
	assert.Equal(t, "RCT1", got.ReceiptCode)
}

func TestListUnsettled(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewOrderRepository(pool)

	// Confirmed transfer, still processing: must be listed.
	stranded := testOrder("it-stranded")
	require.NoError(t, repo.Create(ctx, stranded))
	_, err := repo.AdvanceStatus(ctx, "it-stranded", order.StatusProcessing)
	require.NoError(t, err)
	require.NoError(t, repo.SetTransferHash(ctx, "it-stranded", "0xhash1"))

	// Settled order with a hash: excluded.
	settled := testOrder("it-settled")
	require.NoError(t, repo.Create(ctx, settled))
	require.NoError(t, repo.SetTransferHash(ctx, "it-settled", "0xhash2"))
	_, err = repo.AdvanceStatus(ctx, "it-settled", order.StatusSettled)
	require.NoError(t, err)

	// No transfer yet: excluded.
	require.NoError(t, repo.Create(ctx, testOrder("it-unpaid")))

	orders, err := repo.ListUnsettled(ctx)
	require.NoError(t, err)

	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	assert.Contains(t, ids, "it-stranded")
	assert.NotContains(t, ids, "it-settled")
	assert.NotContains(t, ids, "it-unpaid")
}

func TestWebhookJournalDeduplicates(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewWebhookRepository(pool)

	rec := webhook.Record{
		Provider:       "pesabridge",
		EventID:        "evt-journal-1",
		Event:          "order.status_changed",
		OrderID:        "it-journal",
		Status:         order.StatusSettled,
		ProviderStatus: "settled",
		Payload:        []byte(`{"eventId":"evt-journal-1"}`),
		Delivered:      true,
		ReceivedAt:     time.Now().UTC(),
	}
	require.NoError(t, repo.Record(ctx, rec))

	// Re-delivery after a restart hits the primary key, not an error.
	require.NoError(t, repo.Record(ctx, rec))

	records, err := repo.ListForOrder(ctx, "it-journal")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "evt-journal-1", records[0].EventID)
	assert.Equal(t, order.StatusSettled, records[0].Status)
	assert.True(t, records[0].Delivered)
}
