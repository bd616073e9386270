package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/stablepay-offramp/internal/domain/order"
	"github.com/xenking/stablepay-offramp/internal/domain/quote"
	"github.com/xenking/stablepay-offramp/internal/events"
	"github.com/xenking/stablepay-offramp/internal/handler"
	"github.com/xenking/stablepay-offramp/internal/payout"
	"github.com/xenking/stablepay-offramp/internal/provider"
	"github.com/xenking/stablepay-offramp/internal/provider/pesabridge"
	"github.com/xenking/stablepay-offramp/internal/provider/zenturi"
	"github.com/xenking/stablepay-offramp/internal/settlement"
	"github.com/xenking/stablepay-offramp/internal/storage/postgres"
	"github.com/xenking/stablepay-offramp/internal/transfer"
	"github.com/xenking/stablepay-offramp/internal/transfer/erc20"
	"github.com/xenking/stablepay-offramp/internal/webhook"
	"github.com/xenking/stablepay-offramp/pkg/health"
	"github.com/xenking/stablepay-offramp/pkg/httpmiddleware"
)

// staticRates are the last-resort quote estimates used when both the live
// provider quote and the cache are unavailable.
var staticRates = map[order.Currency]decimal.Decimal{
	order.KES: decimal.RequireFromString("129"),
	order.NGN: decimal.RequireFromString("1550"),
	order.GHS: decimal.RequireFromString("15.5"),
	order.UGX: decimal.RequireFromString("3800"),
}

// Run creates all dependencies, starts the HTTP server and the settlement
// recovery worker, and handles graceful shutdown. It is the single wiring
// point for the application.
func Run(ctx context.Context, lg *zap.Logger, _ *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Provider adapters. Each serves the currencies it settles.
	registry := provider.NewRegistry()
	secrets := make(map[string]string)
	if cfg.Pesabridge.BaseURL != "" {
		client, err := provider.NewClient(cfg.Pesabridge.BaseURL, cfg.Pesabridge.APIKey)
		if err != nil {
			return errors.Wrap(err, "pesabridge client")
		}
		registry.Register(pesabridge.New(client, lg), order.KES, order.GHS, order.UGX)
		secrets[pesabridge.Name] = cfg.Pesabridge.WebhookSecret
	}
	if cfg.Zenturi.BaseURL != "" {
		client, err := provider.NewClient(cfg.Zenturi.BaseURL, cfg.Zenturi.APIKey)
		if err != nil {
			return errors.Wrap(err, "zenturi client")
		}
		registry.Register(zenturi.New(client, lg), order.NGN)
		secrets[zenturi.Name] = cfg.Zenturi.WebhookSecret
	}

	// On-chain transfer submitter; it also reports the wallet balance that
	// gates order creation.
	submitter, err := erc20.New(erc20.Config{
		RPCURL:       cfg.Chain.RPCURL,
		PrivateKey:   cfg.Chain.PrivateKey,
		TokenAddress: cfg.Chain.TokenAddress,
		ChainID:      cfg.Chain.ChainID,
		Decimals:     cfg.Chain.TokenDecimals,
	}, lg)
	if err != nil {
		return errors.Wrap(err, "create transfer submitter")
	}

	// Repositories.
	orderRepo := postgres.NewOrderRepository(pool)
	webhookRepo := postgres.NewWebhookRepository(pool)

	// Domain services.
	quotes := quote.NewService(registry, staticRates, cfg.Quotes.StaleTTL, lg)
	manager := order.NewManager(registry, quotes, submitter, orderRepo, lg)
	executor := transfer.NewExecutor(submitter, cfg.Chain.ConfirmWindow, lg)
	reconciler := settlement.NewReconciler(orderRepo, settlement.Policy{
		Backoff: settlement.Backoff{
			FastAttempts: cfg.Settlement.FastAttempts,
			FastInterval: cfg.Settlement.FastInterval,
			Factor:       cfg.Settlement.Factor,
			MaxInterval:  cfg.Settlement.MaxInterval,
		},
		MaxAttempts: cfg.Settlement.MaxAttempts,
		Deadline:    cfg.Settlement.Deadline,
	}, lg)

	var sink payout.EventSink = events.NopSink{}
	if cfg.Kafka.Enabled {
		publisher, err := events.NewPublisher(cfg.Kafka.Broker, cfg.Kafka.Topic, lg)
		if err != nil {
			return errors.Wrap(err, "create event publisher")
		}
		defer publisher.Close()
		sink = publisher
	}

	orchestrator := payout.NewOrchestrator(manager, executor, reconciler, registry, orderRepo, sink, lg)

	processor := webhook.NewProcessor(
		webhook.NewVerifier(secrets),
		webhook.NewReplayGuard(cfg.Webhook.ReplayCapacity, cfg.Webhook.ReplayFPR),
		registry,
		webhookRepo,
		orchestrator,
		lg,
	)

	// HTTP server.
	h := handler.NewHandler(orchestrator, orderRepo, processor, healthSvc, lg)
	router := h.Router()
	routeFinder := handler.MakeRouteFinder(router)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(router,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization", webhook.SignatureHeader},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument(routeFinder),
			httpmiddleware.LogRequests(),
		),
	}

	g, gctx := errgroup.WithContext(ctx)

	// Settlement recovery: re-attach reconciliation to orders stranded by a
	// previous shutdown.
	g.Go(func() error {
		if err := orchestrator.Resume(gctx); err != nil {
			lg.Error("Settlement recovery failed", zap.Error(err))
		}
		return nil
	})

	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})

	return g.Wait()
}
