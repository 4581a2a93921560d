// Command foodblockd runs a FoodBlock node: the HTTP API, the event stream,
// the agent gate, and federation, backed by Postgres or an embedded SQLite
// file. Configuration comes from the environment, with an optional YAML file
// pointed at by FOODBLOCK_CONFIG; see pkg/config for the full surface.
//
// Without DATABASE_URL the node runs in lite mode on ./foodblock.db, which is
// enough for a single-operator deployment or local development. Federation,
// streaming, and the agent gate all work in lite mode; LISTEN/NOTIFY fan-out
// is replaced by the in-process emitter.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/agent"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/api"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/config"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/events"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/fb"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/federation"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/observability"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/schema"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/store"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/trust"
)

const liteDSN = "file:foodblock.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

func main() {
	if err := run(); err != nil {
		slog.Error("node stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	name := cfg.ServerName
	if name == "" {
		name = "foodblock"
	}

	// Store. A postgres:// DATABASE_URL selects the full backend; anything
	// else, including no URL at all, runs lite mode on SQLite.
	dsn := cfg.DatabaseURL
	usePostgres := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
	driver := "sqlite"
	if usePostgres {
		driver = "postgres"
	} else if dsn == "" {
		dsn = liteDSN
		logger.Info("no DATABASE_URL set, using embedded sqlite", "path", "foodblock.db")
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if !usePostgres {
		// The sqlite driver serializes writers; one connection avoids
		// SQLITE_BUSY under concurrent inserts.
		db.SetMaxOpenConns(1)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}

	var (
		st  store.Store
		lit *store.SQLiteStore
	)
	if usePostgres {
		st = store.NewPostgresStore(db)
	} else {
		lit = store.NewSQLiteStore(db)
		st = lit
	}
	if err := st.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	logger.Info("store ready", "backend", driver)

	// Telemetry. Without an OTLP endpoint the provider is inert and every
	// instrument below becomes a no-op.
	environment := "production"
	if cfg.Test {
		environment = "test"
	}
	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "foodblock",
		ServiceVersion: foodblock.ProtocolVersion,
		Environment:    environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       strings.HasPrefix(cfg.OTLPEndpoint, "localhost:") || strings.HasPrefix(cfg.OTLPEndpoint, "127.0.0.1:"),
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	metrics, err := obs.NewMetrics()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	// Events. Postgres nodes hear about inserts from every writer through
	// LISTEN/NOTIFY; lite mode wires the store's in-process emitter straight
	// into the bus.
	bus := events.NewBus(st, logger)
	bus.SetInstruments(metrics)
	if usePostgres {
		listener := events.NewPGListener(dsn, bus, logger)
		go func() {
			if err := listener.Run(ctx); err != nil {
				logger.Error("pg listener stopped", "error", err)
			}
		}()
	} else {
		lit.OnInsert(bus.Publish)
	}
	hub := events.NewSSEHub(bus, events.DefaultMaxStreamConns, logger)
	hub.SetInstruments(metrics)

	// Agents.
	var vault *agent.Vault
	if cfg.AgentMasterKey != "" {
		vault, err = agent.NewVault(cfg.AgentMasterKey)
		if err != nil {
			return fmt.Errorf("agent vault: %w", err)
		}
	} else {
		logger.Warn("AGENT_MASTER_KEY not set; server-custody enrollment and draft auto-approval are off")
	}
	var counter agent.RateCounter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		counter = agent.NewRedisCounter(redis.NewClient(opts))
		logger.Info("agent rate counting on redis")
	}
	gate := agent.NewGate(st, vault, counter, logger)

	validator, err := schema.NewValidator(st, logger)
	if err != nil {
		return fmt.Errorf("schema validator: %w", err)
	}
	scorer, err := trust.NewScorer(st, logger)
	if err != nil {
		return fmt.Errorf("trust scorer: %w", err)
	}

	// Federation. A configured keypair keeps the node's identity stable
	// across restarts; without one, peers see a new identity every boot.
	var id *federation.Identity
	if cfg.HasFederationKey() {
		id, err = federation.NewIdentity(name, cfg.ServerURL, cfg.FederationPrivateKey)
	} else {
		id, err = federation.EphemeralIdentity(name, cfg.ServerURL)
		if err == nil {
			logger.Warn("no federation keypair configured; using an ephemeral identity")
		}
	}
	if err != nil {
		return fmt.Errorf("federation identity: %w", err)
	}
	fed := federation.NewServer(st, id, logger)
	syncer := federation.NewSyncer(st, id, cfg.SyncInterval, logger)
	syncer.SetInstruments(metrics)

	if err := publishBuiltins(ctx, obs, metrics, st, logger); err != nil {
		return err
	}

	if len(cfg.Peers) > 0 {
		syncer.Bootstrap(ctx, cfg.Peers)
	}
	if !cfg.Test {
		go syncer.Run(ctx)
	}

	rate := api.DefaultRateLimit
	if cfg.Test {
		rate = 0
	}
	srv := api.NewServer(api.Config{
		Store:      st,
		Gate:       gate,
		Validator:  validator,
		Scorer:     scorer,
		Hub:        hub,
		Federation: fed,
		Metrics:    metrics,
		Logger:     logger,
		ServerName: name,
		BasePath:   cfg.BasePath,
		RateLimit:  rate,
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: /stream connections stay open indefinitely.
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	logger.Info("foodblock node listening",
		"addr", httpSrv.Addr,
		"base_path", cfg.BasePath,
		"backend", driver,
		"server", name,
		"peers", len(cfg.Peers),
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	logger.Info("shutting down")
	shutCtx, cancelShut := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShut()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := obs.Shutdown(shutCtx); err != nil {
		logger.Error("observability shutdown", "error", err)
	}
	if err := st.Close(); err != nil {
		logger.Error("store close", "error", err)
	}
	return nil
}

// publishBuiltins seeds the graph with the builtin vocabularies and the
// advisory schemas for the base types. The blocks are content-addressed, so
// republishing on every boot is idempotent: anything already present counts
// as existing, not as a conflict.
func publishBuiltins(ctx context.Context, obs *observability.Provider, metrics *observability.Metrics, st store.Store, logger *slog.Logger) error {
	ctx, span := obs.StartSpan(ctx, "node.publish_builtins")
	defer span.End()

	vocab, err := fb.VocabularyBlocks()
	if err != nil {
		observability.SetSpanError(ctx, err)
		return fmt.Errorf("build vocabulary blocks: %w", err)
	}
	schemas, err := schema.BuiltinBlocks()
	if err != nil {
		observability.SetSpanError(ctx, err)
		return fmt.Errorf("build schema blocks: %w", err)
	}

	blocks := make([]foodblock.SignedBlock, 0, len(vocab)+len(schemas))
	for _, b := range append(vocab, schemas...) {
		blocks = append(blocks, foodblock.SignedBlock{FoodBlock: b})
	}
	res := store.BatchInsert(ctx, st, blocks)
	if res.Failed > 0 {
		for _, item := range res.Items {
			if item.Error != "" {
				logger.Error("builtin block rejected", "hash", item.Hash, "error", item.Error)
			}
		}
		err := fmt.Errorf("%d of %d builtin blocks rejected", res.Failed, len(blocks))
		observability.SetSpanError(ctx, err)
		return err
	}
	metrics.BlocksInserted(ctx, "builtin", int64(res.Inserted))
	observability.AddSpanEvent(ctx, "builtins published",
		attribute.Int("inserted", res.Inserted),
		attribute.Int("existing", res.Exists),
	)
	logger.Info("builtin vocabulary and schemas published",
		"inserted", res.Inserted,
		"existing", res.Exists,
	)
	return nil
}
