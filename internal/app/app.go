package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"mendline/internal/agent"
	"mendline/internal/bus"
	"mendline/internal/config"
	"mendline/internal/db"
	"mendline/internal/decider"
	"mendline/internal/engine"
	"mendline/internal/executor"
	"mendline/internal/logging"
	"mendline/internal/metrics"
	"mendline/internal/migrate"
	"mendline/internal/observer"
	"mendline/internal/reasoner"
	"mendline/internal/server"
)

const shutdownTimeout = 10 * time.Second

// Options overrides what the workspace config says.
type Options struct {
	Workspace string
	Addr      string
	BasePath  string
	// Config skips loading .mendline/config.yaml when set.
	Config *config.Config
	Logger *slog.Logger
	// Target replaces the configured remediation target.
	Target executor.Target
}

// App holds every long-lived component of a running instance.
type App struct {
	Config   *config.Config
	DB       *sql.DB
	Bus      *bus.Bus
	Engine   engine.Engine
	Executor *executor.Executor
	Agent    *agent.Agent
	Handler  http.Handler
	Webhooks *server.WebhookDispatcher
	Log      *slog.Logger

	addr   string
	bridge *bus.RedisBridge
}

// OpenStore opens and migrates the workspace database without building the
// agent. One-shot CLI commands use it.
func OpenStore(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (engine.Engine, func() error, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return engine.Engine{}, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	return engine.New(conn, cfg, nil, logger), conn.Close, nil
}

// Build wires the store, the bus, the ORDE pipeline and the HTTP API.
func Build(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load(opts.Workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	}

	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if applied > 0 {
		logger.Info("applied migrations", "count", applied)
	}

	b := bus.New(cfg.Bus.Buffer, logger)
	b.OnDrop(metrics.BusDropped.Inc)
	a := &App{Config: cfg, DB: conn, Bus: b, Log: logger, addr: opts.Addr}
	if strings.TrimSpace(cfg.Bus.RedisURL) != "" {
		bridge, err := bus.NewRedisBridge(cfg.Bus.RedisURL, cfg.Bus.RedisChannel, logger)
		if err != nil {
			conn.Close()
			return nil, err
		}
		a.bridge = bridge
	}

	eng := engine.New(conn, cfg, b, logger)
	target := opts.Target
	if target == nil {
		target = targetFromConfig(cfg)
	}
	x := executor.New(eng, target, executor.OptionsFromConfig(cfg), logger)
	ag := agent.New(agent.Deps{
		Engine:   eng,
		Observer: observer.New(eng, cfg, logger),
		Reasoner: reasoner.FromConfig(cfg, logger),
		Decider:  decider.New(cfg, logger),
		Executor: x,
		Config:   cfg,
		Log:      logger,
	})

	authCfg := server.AuthConfig{
		Mode:          cfg.Auth.Mode,
		JWTSecret:     os.Getenv(cfg.Auth.JWTSecretEnv),
		WebhookSecret: os.Getenv(cfg.Auth.WebhookSecretEnv),
		Permissions:   cfg.Permissions,
		Logger:        logger,
	}
	if authCfg.Mode == server.AuthToken && authCfg.JWTSecret == "" {
		logger.Warn("token auth without a JWT secret; only API keys will authenticate", "env", cfg.Auth.JWTSecretEnv)
	}
	basePath := opts.BasePath
	if basePath == "" {
		basePath = cfg.Server.BasePath
	}
	handler, err := server.New(server.Config{
		Engine:       eng,
		Control:      x,
		Agent:        ag,
		Bus:          b,
		BasePath:     basePath,
		Auth:         authCfg,
		RateLimit:    server.RateLimit{PerSecond: cfg.Server.RatePerSecond, Burst: cfg.Server.RateBurst},
		AllowOrigins: cfg.Server.AllowOrigins,
		Logger:       logger,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if a.addr == "" {
		a.addr = cfg.Server.Addr
	}
	a.Engine = eng
	a.Executor = x
	a.Agent = ag
	a.Handler = handler
	a.Webhooks = server.NewWebhookDispatcher(eng.Ledger, cfg.Webhooks, logger)
	return a, nil
}

func targetFromConfig(cfg *config.Config) executor.Target {
	if cfg.Target.Kind == "http" {
		return executor.NewHTTPTarget(cfg.Target.BaseURL, os.Getenv(cfg.Target.TokenEnv), cfg.Target.Timeout)
	}
	return executor.NewMemoryTarget()
}

// Addr is the listen address the app will serve on.
func (a *App) Addr() string { return a.addr }

// Serve runs the API, the agent loop, the webhook dispatcher and the Redis
// bridge until ctx is cancelled, then drains in-flight work.
func (a *App) Serve(ctx context.Context) error {
	if _, err := a.Executor.ResumeInFlight(ctx); err != nil {
		return fmt.Errorf("resume workflows: %w", err)
	}

	srv := &http.Server{Addr: a.addr, Handler: a.Handler, ReadHeaderTimeout: 10 * time.Second}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Log.Info("serving mendline API", "addr", a.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return a.Agent.Run(gctx) })
	g.Go(func() error {
		a.Webhooks.Run(gctx)
		return nil
	})
	if a.bridge != nil {
		sub := a.Bus.Subscribe()
		g.Go(func() error {
			a.bridge.Run(gctx, sub)
			return nil
		})
	}
	err := g.Wait()
	a.Executor.Close()
	return err
}

// Close releases the database and the Redis client.
func (a *App) Close() error {
	var errs []error
	if a.bridge != nil {
		errs = append(errs, a.bridge.Close())
	}
	errs = append(errs, a.DB.Close())
	return errors.Join(errs...)
}
