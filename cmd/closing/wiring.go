package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/closing/internal/cases"
	"github.com/pitabwire/closing/internal/config"
	"github.com/pitabwire/closing/internal/engine"
	"github.com/pitabwire/closing/internal/observability"
	"github.com/pitabwire/closing/internal/template"
	"github.com/pitabwire/closing/templates"
)

// runtime holds the components shared by the serve and mcp commands.
type runtime struct {
	registry    *template.Registry
	service     *cases.Service
	caseStore   cases.Store
	idempotency cases.IdempotencyStore
	closers     []func()
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// loadConfig reads the file named by the persistent --config flag.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// buildRuntime loads the templates and opens the configured stores.
func buildRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) (*runtime, error) {
	registry, err := buildRegistry(cfg.Templates, logger, metrics)
	if err != nil {
		return nil, err
	}

	rt := &runtime{registry: registry}

	caseStore, closer, err := buildCaseStore(ctx, cfg.Cases.Store, logger)
	if err != nil {
		return nil, err
	}
	rt.caseStore = caseStore
	if closer != nil {
		rt.closers = append(rt.closers, closer)
	}

	opts := []cases.Option{
		cases.WithEngine(engine.New(logger.Named("engine"), metrics)),
		cases.WithEnforceOrder(cfg.Cases.EnforceOrder),
		cases.WithLogger(logger.Named("cases")),
		cases.WithRecorder(metrics),
	}

	idem, closer, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		rt.close()
		return nil, err
	}
	if idem != nil {
		rt.idempotency = idem
		opts = append(opts, cases.WithIdempotencyStore(idem, cfg.Idempotency.Store.DefaultTTL))
	}
	if closer != nil {
		rt.closers = append(rt.closers, closer)
	}

	rt.service = cases.NewService(registry, caseStore, opts...)
	return rt, nil
}

// buildRegistry compiles the built-in templates and every template found in
// the configured directories.
func buildRegistry(cfg config.TemplatesConfig, logger *zap.Logger, metrics *observability.Metrics) (*template.Registry, error) {
	loader, err := template.NewLoader()
	if err != nil {
		return nil, fmt.Errorf("template loader: %w", err)
	}

	var tpls []*template.Template
	if cfg.Builtin {
		builtin, err := loader.LoadFS(templates.FS)
		if err != nil {
			metrics.RecordTemplateLoad("error")
			return nil, fmt.Errorf("built-in templates: %w", err)
		}
		tpls = append(tpls, builtin...)
	}
	if len(cfg.Directories) > 0 {
		loaded, err := loader.LoadAll(cfg.Directories)
		if err != nil {
			metrics.RecordTemplateLoad("error")
			return nil, fmt.Errorf("template directories: %w", err)
		}
		tpls = append(tpls, loaded...)
	}

	for _, t := range tpls {
		metrics.RecordTemplateLoad("ok")
		logger.Info("template loaded",
			zap.String("version", t.Version()),
			zap.String("source", t.Source()),
			zap.String("checksum", t.Checksum()),
			zap.Int("steps", len(t.Steps())),
		)
	}

	registry, err := template.NewRegistry(tpls, cfg.ActiveVersion)
	if err != nil {
		return nil, err
	}
	metrics.SetTemplatesLoaded(len(tpls))
	logger.Info("template registry ready",
		zap.String("active_version", registry.Active().Version()),
		zap.String("checksum", registry.Checksum()),
	)
	return registry, nil
}

// buildCaseStore creates the case store based on config. The returned closer
// is nil for the memory driver.
func buildCaseStore(ctx context.Context, cfg config.CaseStoreConfig, logger *zap.Logger) (cases.Store, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Info("using in-memory case store")
		return cases.NewMemoryStore(), nil, nil
	case config.DriverPostgres:
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("case store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("case store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("case store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("case store: ping: %w", err)
		}
		if cfg.Migrate {
			if err := cases.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("case store: %w", err)
			}
		}

		logger.Info("using postgres case store")
		return cases.NewPgStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported case store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config. It
// returns a nil store when idempotency is disabled.
func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (cases.IdempotencyStore, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Store.Driver {
	case config.DriverMemory, "":
		logger.Info("using in-memory idempotency store")
		return cases.NewMemoryIdempotencyStore(), nil, nil
	case config.DriverRedis:
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("idempotency store: ping: %w", err)
		}

		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return cases.NewRedisIdempotencyStore(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}
