package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"conductor/cmd/coordinator/config"
	txndb "conductor/internal/db/txn"
	"conductor/internal/observability"
	"conductor/internal/realtime"
	"conductor/internal/txn"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("coordinator error: %v", err)
	}
}

func run(ctx context.Context) error {
	storeCfg, err := config.LoadStore()
	if err != nil {
		return err
	}
	retryCfg, err := config.LoadRetry()
	if err != nil {
		return err
	}
	obsCfg := config.LoadObservability()

	store, cleanup := buildStore(ctx, storeCfg, log.Printf)
	defer cleanup()

	metrics := observability.NewMetrics()
	hub := realtime.NewHub()
	go hub.Run(ctx)

	registry := txn.NewRegistry()
	if err := registerDemoParticipants(registry); err != nil {
		return err
	}

	opts := []txn.Option{
		txn.WithRetryPolicy(txn.Policy{
			MaxAttempts: retryCfg.MaxAttempts,
			BaseDelay:   retryCfg.BaseDelay,
			MaxDelay:    retryCfg.MaxDelay,
		}),
		txn.WithObserver(observability.MultiObserver(metrics.Observer(), hub.Observer())),
		txn.WithLogf(log.Printf),
	}
	if retryCfg.BreakerMaxFailures > 0 {
		opts = append(opts, txn.WithBreakers(retryCfg.BreakerMaxFailures, retryCfg.BreakerResetTimeout))
	}
	manager := txn.NewManager(store, registry, opts...)

	// Pick up anything a previous instance left unterminated before
	// accepting new work.
	sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
	if err := manager.RecoverAll(sweepCtx); err != nil {
		log.Printf("recovery sweep: %v", err)
	}
	cancel()

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))
	mux.HandleFunc("/events", eventsHandler(hub))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: obsCfg.Addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("coordinator listening on %s (backend=%s)", obsCfg.Addr, storeCfg.Backend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildStore selects the state store backend, falling back to memory
// when a durable backend fails to initialize.
func buildStore(ctx context.Context, cfg config.StoreConfig, logf func(format string, args ...any)) (txn.StateStore, func()) {
	cleanup := func() {}

	switch cfg.Backend {
	case "postgres":
		sqlDB, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logf("postgres open failed, falling back to in-memory store: %v", err)
			break
		}
		setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		store, err := txndb.NewPostgresStoreWithSchema(setupCtx, sqlDB)
		if err != nil {
			logf("postgres init failed, falling back to in-memory store: %v", err)
			_ = sqlDB.Close()
			break
		}
		logf("postgres state store enabled")
		return store, func() {
			if err := sqlDB.Close(); err != nil {
				logf("close postgres: %v", err)
			}
		}
	case "redis":
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logf("redis url invalid, falling back to in-memory store: %v", err)
			break
		}
		client := redis.NewClient(redisOpts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			logf("redis unreachable, falling back to in-memory store: %v", err)
			_ = client.Close()
			break
		}
		logf("redis state store enabled")
		return txndb.NewRedisStore(client), func() {
			if err := client.Close(); err != nil {
				logf("close redis: %v", err)
			}
		}
	}

	return txn.NewMemoryStore(), cleanup
}

// registerDemoParticipants wires the in-memory ledgers used when no
// real participants are plugged in. Nothing in this binary creates
// transactions against them; they exist so the startup recovery sweep
// can resume any durable records left over from a previous run, and
// they double as the reference wiring for registering real
// participants.
func registerDemoParticipants(registry *txn.Registry) error {
	payments := txn.NewLedgerParticipant("payments", txn.Capabilities{Supports2PC: true, SupportsSaga: true})
	payments.Deposit("merchant", 0)
	inventory := txn.NewLedgerParticipant("inventory", txn.Capabilities{Supports2PC: true, SupportsSaga: true})
	rewards := txn.NewLedgerParticipant("rewards", txn.Capabilities{SupportsSaga: true})

	for _, p := range []txn.Participant{payments, inventory, rewards} {
		if err := registry.Register(p); err != nil {
			return err
		}
	}
	return nil
}

func eventsHandler(hub *realtime.Hub) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Register <- conn
	}
}
