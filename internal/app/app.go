package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/promotion-engine/internal/cache"
	"github.com/xenking/promotion-engine/internal/domain/analytics"
	"github.com/xenking/promotion-engine/internal/domain/audit"
	"github.com/xenking/promotion-engine/internal/domain/auth"
	"github.com/xenking/promotion-engine/internal/domain/checkout"
	"github.com/xenking/promotion-engine/internal/domain/ledger"
	"github.com/xenking/promotion-engine/internal/domain/promotion"
	"github.com/xenking/promotion-engine/internal/handler"
	"github.com/xenking/promotion-engine/internal/repository"
	"github.com/xenking/promotion-engine/pkg/health"
	"github.com/xenking/promotion-engine/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server and the background
// workers, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m httpmiddleware.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("ledger", cfg.Ledger.Backend),
		zap.Bool("redis", cfg.RedisURL != ""),
	)

	// PostgreSQL pool + migrations.
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMax)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck("postgres", pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Repositories.
	var promotions promotion.Repository = repository.NewPromotionRepository(pool)
	auditRepo := repository.NewAuditRepository(pool)
	analyticsRepo := repository.NewAnalyticsRepository(pool)
	productRepo := repository.NewProductRepository(pool)
	apikeyRepo := repository.NewAPIKeyRepository(pool)

	recorderOpts := []audit.Option{
		audit.WithLogger(lg.Named("audit")),
		audit.WithQueueSize(cfg.Audit.QueueSize),
		audit.WithRetry(cfg.Audit.MaxRetries, cfg.Audit.RetryInitial, cfg.Audit.RetryMax),
	}

	// Optional Redis: promotion code cache and audit dead letter.
	if cfg.RedisURL != "" {
		rdb, err := cache.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return errors.Wrap(err, "connect redis")
		}
		defer func() { _ = rdb.Close() }()

		promotions = cache.NewPromotions(promotions, rdb, cfg.CacheTTL)
		recorderOpts = append(recorderOpts, audit.WithDeadLetter(cache.NewDeadLetter(rdb, cache.DefaultDeadLetterKey)))
		healthSvc.AddReadinessCheck("redis", 2*time.Second, health.PingCheck("redis", cache.Pinger{Client: rdb}))
	}

	var led ledger.Ledger
	switch cfg.Ledger.Backend {
	case LedgerMemory:
		led = ledger.NewMemory(ledger.WithLockWait(cfg.Ledger.LockWait), ledger.WithRetention(cfg.Ledger.Retention))
	default:
		led = repository.NewLedgerRepository(pool, cfg.Ledger.LockWait)
	}

	// Domain services.
	recorder := audit.NewRecorder(auditRepo, recorderOpts...)
	catalog := promotion.NewCatalog(promotions, recorder)
	checkoutSvc, err := checkout.NewService(catalog, led, recorder,
		checkout.WithReservationTTL(cfg.Ledger.ReservationTTL),
		checkout.WithProducts(productRepo),
		checkout.WithTracerProvider(m.TracerProvider()),
		checkout.WithMeterProvider(m.MeterProvider()),
	)
	if err != nil {
		return errors.Wrap(err, "create checkout service")
	}
	aggregator := analytics.NewAggregator(analyticsRepo, analyticsRepo, catalog)

	h := handler.New(handler.Deps{
		Checkout:  checkoutSvc,
		Catalog:   catalog,
		Audit:     recorder,
		Analytics: aggregator,
		Auth:      auth.NewAuthenticator(apikeyRepo, []byte(cfg.APIKeyPepper)),
	})

	limiter := httpmiddleware.NewRateLimiter(httpmiddleware.RateLimitConfig{
		Max:    cfg.RateLimit.Max,
		Window: cfg.RateLimit.Window,
	})

	// Middleware runs inside the chi mux so route patterns are resolved
	// by the time LogRequests reads them.
	r := chi.NewRouter()
	r.Use(
		httpmiddleware.Recovery(),
		httpmiddleware.RequestID(),
		httpmiddleware.InjectLogger(zctx.From(ctx)),
		httpmiddleware.Instrument("promotion-engine", m),
		httpmiddleware.LogRequests(),
		httpmiddleware.CORS(httpmiddleware.CORSConfig{
			Origins:     cfg.CORS.Origins,
			Credentials: cfg.CORS.AllowCredentials,
			MaxAge:      86400,
		}),
		limiter.Middleware(),
	)
	r.Get("/livez", healthSvc.LiveEndpoint)
	r.Get("/readyz", healthSvc.ReadyEndpoint)
	r.Mount("/", h.Router())

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           r,
	}

	// Workers outlive the request context so the audit queue drains after
	// the server stops accepting requests.
	workCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()
	workers := startWorkers(workCtx, lg, cfg, workerSet{
		health:    healthSvc,
		sweeper:   ledger.NewSweeper(led, cfg.Ledger.SweepInterval, lg.Named("sweeper")),
		recorder:  recorder,
		scheduler: newScheduler(aggregator, cfg, lg),
		limiter:   limiter,
	})
	healthSvc.SetReady(true)

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		stopWorkers()
		_ = workers.Wait()
		return errors.Wrap(err, "server")
	}
	<-shutdownDone

	stopWorkers()
	if err := workers.Wait(); err != nil {
		return errors.Wrap(err, "workers")
	}
	lg.Info("Shutdown complete")
	return nil
}

type workerSet struct {
	health    *health.Health
	sweeper   *ledger.Sweeper
	recorder  *audit.Recorder
	scheduler *analytics.Scheduler
	limiter   *httpmiddleware.RateLimiter
}

func startWorkers(ctx context.Context, lg *zap.Logger, cfg *Config, w workerSet) *errgroup.Group {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.health.Run(ctx, 10*time.Second) })
	g.Go(func() error { return w.sweeper.Run(ctx) })
	g.Go(func() error { return w.recorder.Run(ctx) })
	g.Go(func() error { return w.recorder.RunReplay(ctx, cfg.Audit.ReplayInterval) })
	g.Go(func() error { return w.limiter.RunCleanup(ctx) })
	if w.scheduler != nil {
		g.Go(func() error { return w.scheduler.Run(ctx) })
	} else {
		lg.Info("Analytics scheduler disabled")
	}
	return g
}

func newScheduler(agg *analytics.Aggregator, cfg *Config, lg *zap.Logger) *analytics.Scheduler {
	if cfg.Analytics.Interval <= 0 {
		return nil
	}
	return analytics.NewScheduler(agg, cfg.Analytics.Interval, cfg.Analytics.Lookback, cfg.Analytics.Concurrency, lg.Named("analytics"))
}
