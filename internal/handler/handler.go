// Package handler exposes the payout API over HTTP: payout creation and
// cancellation, settlement status queries and the provider webhook intake.
package handler

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xenking/stablepay-offramp/internal/domain/order"
	"github.com/xenking/stablepay-offramp/internal/payout"
	"github.com/xenking/stablepay-offramp/internal/webhook"
	"github.com/xenking/stablepay-offramp/pkg/health"
	"github.com/xenking/stablepay-offramp/pkg/httpmiddleware"
)

// Handler serves the payout API, delegating business logic to the payout
// orchestrator and webhook processor. Live payouts are tracked in memory so
// cancellation and state queries hit the running flow instead of the store.
type Handler struct {
	payouts  *payout.Orchestrator
	orders   order.Repository
	webhooks *webhook.Processor
	health   *health.Health
	lg       *zap.Logger

	live sync.Map // order ID -> *payout.Payout
}

// NewHandler constructs a Handler with the required dependencies.
func NewHandler(
	payouts *payout.Orchestrator,
	orders order.Repository,
	webhooks *webhook.Processor,
	h *health.Health,
	lg *zap.Logger,
) *Handler {
	return &Handler{
		payouts:  payouts,
		orders:   orders,
		webhooks: webhooks,
		health:   h,
		lg:       lg.Named("handler"),
	}
}

// Router builds the route table. Middleware is applied by the caller.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/payouts", h.createPayout).Methods(http.MethodPost)
	r.HandleFunc("/api/payouts/{orderID}", h.cancelPayout).Methods(http.MethodDelete)
	r.HandleFunc("/api/settlement/{orderID}/status", h.settlementStatus).Methods(http.MethodGet)
	r.HandleFunc("/webhooks/{provider}", h.handleWebhook).Methods(http.MethodPost)

	r.HandleFunc("/livez", h.health.LiveEndpoint).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.health.ReadyEndpoint).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// MakeRouteFinder resolves requests to their route template for per-route
// metrics.
func MakeRouteFinder(router *mux.Router) httpmiddleware.RouteFinder {
	return func(r *http.Request) string {
		var match mux.RouteMatch
		if router.Match(r, &match) && match.Route != nil {
			if tpl, err := match.Route.GetPathTemplate(); err == nil {
				return tpl
			}
		}
		return ""
	}
}

// track remembers a live payout until it reaches a terminal state.
func (h *Handler) track(p *payout.Payout) {
	id := p.Order().ID
	h.live.Store(id, p)
	go func() {
		<-p.Done()
		h.live.Delete(id)
	}()
}

type errorResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, message string, details map[string]any) {
	respondJSON(w, status, errorResponse{Code: status, Message: message, Details: details})
}
