package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"wagerchain/audit"
	"wagerchain/config"
	"wagerchain/core/events"
	"wagerchain/core/genesis"
	"wagerchain/core/state"
	"wagerchain/native/wager"
	"wagerchain/observability"
	"wagerchain/observability/logging"
	telemetry "wagerchain/observability/otel"
	"wagerchain/rpc"
	"wagerchain/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	allocationsFlag := flag.String("allocations", "", "Path to a YAML allocations file (overrides config AllocationsFile)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if path := strings.TrimSpace(*allocationsFlag); path != "" {
		cfg.AllocationsFile = path
	}

	level, err := cfg.Log.SlogLevel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	logger, logCloser := logging.Setup(logging.Options{
		Service:    "wagerd",
		Env:        cfg.Log.Environment,
		Level:      level,
		File:       cfg.ResolvePath(cfg.Log.File),
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("wagerd exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			Environment: cfg.Log.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("telemetry shutdown failed", slog.Any("error", err))
			}
		}()
	}

	n, err := newNode(cfg, logger)
	if err != nil {
		return err
	}
	defer n.Close()

	srv := &http.Server{
		Addr:              cfg.RPC.ListenAddress,
		Handler:           n.server.Handler(),
		ReadHeaderTimeout: cfg.RPC.ReadHeaderTimeoutDuration(),
		ReadTimeout:       cfg.RPC.ReadTimeoutDuration(),
		WriteTimeout:      cfg.RPC.WriteTimeoutDuration(),
		IdleTimeout:       cfg.RPC.IdleTimeoutDuration(),
	}
	return n.server.Serve(ctx, srv)
}

// node holds everything wagerd opens so it can be released in order.
type node struct {
	db      storage.Database
	manager *state.Manager
	engine  *wager.Engine
	audit   *audit.Store
	bus     *events.Broadcaster
	server  *rpc.Server
}

func newNode(cfg *config.Config, logger *slog.Logger) (*node, error) {
	db, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}
	n := &node{db: db, manager: state.NewManager(db)}

	if path := strings.TrimSpace(cfg.AllocationsFile); path != "" {
		applied, err := genesis.Apply(n.manager, cfg.ResolvePath(path))
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("apply allocations: %w", err)
		}
		logger.Info("genesis allocations", slog.String("file", path), slog.Bool("applied", applied))
	}

	store, err := openAudit(cfg)
	if err != nil {
		n.Close()
		return nil, err
	}
	if store != nil {
		store.SetLogger(logger)
		n.audit = store
	}

	n.bus = events.NewBroadcaster(cfg.RPC.EventBufferCapacity)
	n.bus.SetDropHook(observability.Events().RecordDropped)

	emitters := events.MultiEmitter{n.bus, observability.Events()}
	if n.audit != nil {
		emitters = append(emitters, n.audit)
	}

	n.engine = wager.NewEngine()
	n.engine.SetBackend(n.manager)
	n.engine.SetEmitter(emitters)
	n.engine.SetLogger(logger)
	n.engine.SetObserver(observability.Wager())
	n.engine.SetRecordDeposit(cfg.RecordDeposit)

	var history rpc.History
	if n.audit != nil {
		history = n.audit
	}
	server, err := rpc.NewServer(rpc.Config{
		MaxBodyBytes:       cfg.RPC.MaxBodyBytes,
		SignatureSkew:      cfg.RPC.SignatureSkew(),
		ReplayCacheSize:    cfg.RPC.ReplayCacheSize,
		RateLimitPerSecond: cfg.RPC.RateLimitPerSecond,
		RateLimitBurst:     cfg.RPC.RateLimitBurst,
		TrustedProxies:     cfg.RPC.TrustedProxies,
		AllowedWSOrigins:   cfg.RPC.AllowedWSOrigins,
		Operator: rpc.OperatorAuthConfig{
			HMACSecret: cfg.Operator.JWTSecret,
			Issuer:     cfg.Operator.Issuer,
			Audience:   cfg.Operator.Audience,
		},
	}, n.engine, n.manager, history, n.bus, logger)
	if err != nil {
		n.Close()
		return nil, err
	}
	n.server = server
	if strings.TrimSpace(cfg.Operator.JWTSecret) == "" {
		logger.Warn("operator secret not configured; ledger_credit is disabled")
	}
	return n, nil
}

// Close releases the audit store and the database.
func (n *node) Close() {
	if n.audit != nil {
		if err := n.audit.Close(); err != nil {
			slog.Default().Warn("close audit store", slog.Any("error", err))
		}
		n.audit = nil
	}
	if n.db != nil {
		n.db.Close()
		n.db = nil
	}
}

func openDatabase(cfg *config.Config) (storage.Database, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return storage.NewMemDB(), nil
	case config.BackendLevelDB:
		db, err := storage.NewLevelDB(cfg.ResolvePath("chaindata"))
		if err != nil {
			return nil, fmt.Errorf("open leveldb: %w", err)
		}
		return db, nil
	case config.BackendBolt:
		path := cfg.ResolvePath("wager.bolt")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		db, err := storage.NewBoltDB(path, nil)
		if err != nil {
			return nil, fmt.Errorf("open bolt: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// openAudit returns nil when auditing is disabled.
func openAudit(cfg *config.Config) (*audit.Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Audit.Driver))
	if driver == "" {
		return nil, nil
	}
	dsn := cfg.Audit.DSN
	if driver == "sqlite" {
		dsn = cfg.ResolvePath(dsn)
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, err
		}
	}
	store, err := audit.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	return store, nil
}
