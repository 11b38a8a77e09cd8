// Package app wires the coupon engine into an HTTP service.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	"github.com/xenking/carebook/internal/domain/auth"
	"github.com/xenking/carebook/internal/domain/offer"
	"github.com/xenking/carebook/internal/domain/redemption"
	"github.com/xenking/carebook/internal/handler"
	"github.com/xenking/carebook/internal/storage/cached"
	"github.com/xenking/carebook/internal/storage/postgres"
	"github.com/xenking/carebook/pkg/health"
	"github.com/xenking/carebook/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
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

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Offers read through a short-lived snapshot; redemptions always hit the
	// database.
	var catalog offer.Catalog = postgres.NewCatalog(pool)
	if cfg.Offers.CacheTTL > 0 {
		catalog = cached.NewCatalog(catalog, cfg.Offers.CacheTTL, cfg.Offers.FetchTimeout)
	}
	resolver, err := offer.NewResolver(catalog, offer.Options{
		FetchTimeout:  cfg.Offers.FetchTimeout,
		MaxRetries:    cfg.Offers.MaxRetries,
		MeterProvider: m.MeterProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create resolver")
	}
	redeemer, err := redemption.NewRedeemer(postgres.NewLedger(pool), redemption.Options{
		Timeout:        cfg.Redemption.Timeout,
		MeterProvider:  m.MeterProvider(),
		TracerProvider: m.TracerProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create redeemer")
	}

	h := handler.NewHandler(handler.Config{MaxProfessionals: cfg.Offers.MaxProfessionals}, resolver, redeemer)
	authn := auth.NewAuthenticator(postgres.NewAPIKeyRepository(pool), []byte(cfg.APIKeyPepper))

	r := chi.NewRouter()
	r.Use(
		httpmiddleware.InjectLogger(lg),
		httpmiddleware.RequestID(),
		httpmiddleware.Recovery(),
		httpmiddleware.Instrument("carebook-api", m),
		httpmiddleware.LogRequests(),
	)
	r.Get("/livez", healthSvc.LiveEndpoint)
	r.Get("/readyz", healthSvc.ReadyEndpoint)
	r.Route("/api", func(r chi.Router) {
		r.Use(httpmiddleware.APIKey(func(ctx context.Context, key string) error {
			_, err := authn.Authenticate(ctx, key)
			return err
		}))
		r.Post("/offers", h.ResolveOffers)
		r.With(httpmiddleware.RateLimit(ctx, httpmiddleware.RateLimitConfig{
			Max:     cfg.RateLimit.Max,
			Window:  cfg.RateLimit.Window,
			KeyFunc: httpmiddleware.HeaderKey(handler.TenantHeader, handler.UserHeader),
		})).Post("/redemptions", h.Redeem)
	})

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           r,
	}

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
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
