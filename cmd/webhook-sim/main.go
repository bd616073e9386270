// Command webhook-sim posts a signed webhook delivery to a running server,
// for exercising the intake path against sandbox environments.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/xenking/stablepay-offramp/internal/webhook"
)

func main() {
	var (
		serverURL string
		provider  string
		secret    string
		orderID   string
		status    string
		eventID   string
		receipt   string
		txHash    string
	)

	flag.StringVar(&serverURL, "url", "http://localhost:8080", "server base URL")
	flag.StringVar(&provider, "provider", "pesabridge", "provider name (webhook route)")
	flag.StringVar(&secret, "secret", "", "webhook shared secret (or OFFRAMP_WEBHOOK_SECRET env)")
	flag.StringVar(&orderID, "order", "", "order ID the event refers to")
	flag.StringVar(&status, "status", "settled", "provider-native status to deliver")
	flag.StringVar(&eventID, "event-id", "", "event ID (random when empty; reuse to test replay handling)")
	flag.StringVar(&receipt, "receipt", "", "payout receipt code")
	flag.StringVar(&txHash, "tx-hash", "", "on-chain transfer hash")
	flag.Parse()

	if secret == "" {
		secret = os.Getenv("OFFRAMP_WEBHOOK_SECRET")
	}
	if secret == "" || orderID == "" {
		slog.Error("both --secret (or OFFRAMP_WEBHOOK_SECRET) and --order are required")
		os.Exit(1)
	}
	if eventID == "" {
		eventID = uuid.NewString()
	}

	body, err := json.Marshal(map[string]any{
		"eventId": eventID,
		"event":   "order.status_changed",
		"data": map[string]any{
			"id":              orderID,
			"status":          status,
			"receiptCode":     receipt,
			"transactionHash": txHash,
		},
	})
	if err != nil {
		slog.Error("marshal payload", "error", err)
		os.Exit(1)
	}

	req, err := http.NewRequest(http.MethodPost, serverURL+"/webhooks/"+provider, bytes.NewReader(body))
	if err != nil {
		slog.Error("build request", "error", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.SignatureHeader, webhook.Sign(secret, body))

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		slog.Error("deliver webhook", "error", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	slog.Info("delivered",
		"event_id", eventID,
		"status", resp.StatusCode,
		"response", string(respBody),
	)
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}
