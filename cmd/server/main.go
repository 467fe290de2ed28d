/*
main.go - Application entry point

PURPOSE:
  Starts the concession ledger server: store, event delivery, the
  scheduled expiry sweep, and the admin HTTP API.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, then flags)
  2. Open the configured store (sqlite, postgres or memory)
  3. Connect the event publisher (RabbitMQ, or log-only fallback)
  4. Build the ledger and the HTTP router
  5. Start the expiry scheduler
  6. Serve until SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides SQLITE_PATH)
           Use ":memory:" for an in-memory database

ENVIRONMENT:
  See config/config.go. STORE_DRIVER, DATABASE_URL, SWEEP_SCHEDULE,
  AMQP_URL and LOG_LEVEL are the ones usually set.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for a running sweep)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the publisher and the store

EXAMPLES:
  ./server -db="./data/concessions.db"
  STORE_DRIVER=postgres DATABASE_URL=postgres://... ./server -port=3000
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/concession-ledger/api"
	"github.com/warp/concession-ledger/concession"
	memstore "github.com/warp/concession-ledger/concession/store"
	"github.com/warp/concession-ledger/config"
	"github.com/warp/concession-ledger/events"
	"github.com/warp/concession-ledger/logging"
	"github.com/warp/concession-ledger/store/postgres"
	"github.com/warp/concession-ledger/store/sqlite"
)

// storeHandle is what main needs from any store adapter.
type storeHandle interface {
	concession.Store
	io.Closer
}

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Flags override env
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.SQLitePath, "SQLite database path")
	flag.Parse()
	cfg.Port = *port
	cfg.SQLitePath = *dbPath

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	ctx := context.Background()

	// Initialize store
	store, health, err := openStore(ctx, cfg)
	if err != nil {
		log.WithError(err).WithField("driver", cfg.StoreDriver).Fatal("failed to initialize store")
	}
	defer store.Close()
	log.WithField("driver", cfg.StoreDriver).Info("store ready")

	// Initialize events
	publisher := openPublisher(cfg, log)
	if c, ok := publisher.(io.Closer); ok {
		defer c.Close()
	}

	// Initialize ledger and handler
	ledger := concession.NewLedgerFromStore(store)
	ledger.Log = log
	ledger.Events = publisher

	handler := api.NewHandler(ledger, log)
	handler.Health = health
	router := api.NewRouter(handler, api.RouterOptions{})

	// Scheduled sweep
	scheduler := api.NewExpiryScheduler(ledger, log)
	scheduler.Schedule = cfg.SweepSchedule
	scheduler.Enabled = cfg.SweepEnabled
	scheduler.RunOnStart = true
	if err := scheduler.Start(); err != nil {
		log.WithError(err).Fatal("failed to start expiry scheduler")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Port).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}

	log.Info("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (storeHandle, api.Pinger, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.DriverMemory:
		return memoryStore{memstore.NewMemory()}, nil, nil
	default:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
}

func openPublisher(cfg *config.Config, log *logrus.Logger) concession.Publisher {
	fallback := events.LogPublisher{Log: log}
	if cfg.AMQPURL == "" {
		log.Info("no AMQP_URL configured, ledger events are logged only")
		return fallback
	}

	p, err := events.Dial(cfg.AMQPURL, cfg.EventsExchange, log)
	if err != nil {
		log.WithError(err).Warn("rabbitmq unavailable, using logging fallback")
		return fallback
	}
	log.WithField("exchange", cfg.EventsExchange).Info("rabbitmq publisher connected")
	return p
}

// memoryStore gives the in-memory adapter a no-op Close.
type memoryStore struct {
	*memstore.Memory
}

func (memoryStore) Close() error { return nil }
