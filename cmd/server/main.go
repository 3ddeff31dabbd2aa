/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the stock ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (environment + optional .env)
  2. Build the logger and telemetry providers
  3. Open the store selected by STORE_DRIVER
  4. Connect the list cache when REDIS_URL is set
  5. Create engine, handler, auth and rate limiter
  6. Start the audit scheduler
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides SQLITE_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the audit scheduler
  4. Flush telemetry, close cache and store
  5. Exit

EXAMPLES:
  # Development on SQLite
  ./server -db="./data/stock.db"

  # Postgres with Redis cache
  STORE_DRIVER=postgres DATABASE_URL=postgres://... REDIS_URL=redis://localhost:6379/0 ./server

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
  - cmd/tokengen: Issues bearer tokens
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/stock-ledger/api"
	"github.com/warp/stock-ledger/auth"
	"github.com/warp/stock-ledger/cache"
	"github.com/warp/stock-ledger/config"
	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/ledger/store"
	"github.com/warp/stock-ledger/store/mongo"
	"github.com/warp/stock-ledger/store/postgres"
	"github.com/warp/stock-ledger/store/sqlite"
	"github.com/warp/stock-ledger/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.SQLitePath, "SQLite database path")
	flag.Parse()
	cfg.Port, cfg.SQLitePath = *port, *dbPath

	log := config.NewLogger(cfg)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped with error")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx := context.Background()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Settings{Endpoint: cfg.OTLPEndpoint, ServiceName: cfg.ServiceName})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			log.Warn().Err(err).Msg("telemetry flush failed")
		}
	}()

	// Initialize store
	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	defer func() {
		if err := st.close(); err != nil {
			log.Warn().Err(err).Msg("store close failed")
		}
	}()
	log.Info().Str("driver", cfg.StoreDriver).Msg("store ready")

	engine := ledger.NewEngine(st.tx, ledger.WithLogger(log.With().Str("component", "ledger").Logger()))

	opts := []api.HandlerOption{api.WithHandlerLogger(log)}
	if st.pinger != nil {
		opts = append(opts, api.WithPinger(st.pinger))
	}
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedis(ctx, cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rc.Close()
		opts = append(opts, api.WithCache(rc))
		log.Info().Dur("ttl", cfg.CacheTTL).Msg("list cache enabled")
	}
	handler := api.NewHandler(engine, opts...)

	if cfg.UsingDevSecret() {
		log.Warn().Msg("JWT_SECRET unset, signing with the development secret")
	}
	authn := auth.NewManager(cfg.JWTSecret, cfg.AllowedEmails)

	auditor := api.NewAuditScheduler(engine, log.With().Str("component", "audit").Logger())
	auditor.CheckInterval = cfg.AuditInterval
	auditor.Enabled = cfg.AuditInterval > 0
	auditor.Start()
	defer auditor.Stop()

	if cfg.DemoScenarios {
		log.Warn().Msg("demo scenario routes enabled")
	}

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{
		Authenticate: authn.Middleware,
		Limiter: api.NewRateLimiter(api.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
		}),
		AllowedOrigins: cfg.CORSOrigins,
		Logger:         log,
		Scenarios:      cfg.DemoScenarios,
		Auditor:        auditor,
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Str("env", cfg.Env).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return err
	case <-quit:
	}

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info().Msg("server stopped")
	return nil
}

// openedStore is the selected backend plus its lifecycle hooks.
type openedStore struct {
	tx     ledger.TxStore
	pinger api.Pinger
	close  func() error
}

func openStore(ctx context.Context, cfg *config.Config) (openedStore, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return openedStore{tx: store.NewMemory(), close: func() error { return nil }}, nil

	case config.DriverSQLite:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return openedStore{}, err
		}
		return openedStore{tx: s, pinger: s, close: s.Close}, nil

	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return openedStore{}, err
		}
		return openedStore{tx: s, pinger: s, close: s.Close}, nil

	case config.DriverMongo:
		s, err := mongo.New(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return openedStore{}, err
		}
		return openedStore{tx: s, pinger: s, close: func() error {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return s.Close(closeCtx)
		}}, nil
	}
	return openedStore{}, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}
