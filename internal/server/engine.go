// Package server assembles the generation engine from configuration. The
// service entrypoint and comfyctl share it.
package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/comfyflow/internal/catalog"
	"github.com/Kocoro-lab/comfyflow/internal/circuitbreaker"
	"github.com/Kocoro-lab/comfyflow/internal/comfy"
	"github.com/Kocoro-lab/comfyflow/internal/complexity"
	"github.com/Kocoro-lab/comfyflow/internal/config"
	"github.com/Kocoro-lab/comfyflow/internal/fallback"
	"github.com/Kocoro-lab/comfyflow/internal/matcher"
	"github.com/Kocoro-lab/comfyflow/internal/patcher"
	"github.com/Kocoro-lab/comfyflow/internal/placeholder"
	"github.com/Kocoro-lab/comfyflow/internal/streaming"
	"github.com/Kocoro-lab/comfyflow/internal/templates"
	"github.com/Kocoro-lab/comfyflow/internal/templating"
)

// catalogLocalCapacity is the number of backend catalogs kept in process.
const catalogLocalCapacity = 8

// Engine holds the wired components.
type Engine struct {
	Config    *config.Config
	Registry  *templates.Registry
	Validator *templates.Validator
	Client    *comfy.Client
	Catalog   *catalog.Service
	Redis     *catalog.RedisCache // nil unless cache.redis_url is set
	Resolver  *matcher.Resolver
	Streams   *streaming.Manager
	History   *fallback.History
	Executor  *fallback.Executor

	logger *zap.Logger
}

// Build wires an engine from cfg. The template directory is loaded eagerly;
// broken files are logged and skipped, a missing directory is an error.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{Config: cfg, logger: logger}

	e.Registry = templates.NewRegistry(cfg.Workflows.Dir, logger.Named("templates"))
	if err := e.Registry.LoadDirectory(); err != nil {
		if !templates.IsLoadError(err) {
			return nil, fmt.Errorf("load workflow templates: %w", err)
		}
		logger.Warn("Some workflow templates failed to load", zap.Error(err))
	}
	e.Validator = templates.NewValidator(templates.DefaultValidatorConfig())

	client, err := comfy.NewClient(comfy.Config{
		BaseURL:     cfg.Backend.BaseURL,
		Timeout:     cfg.Backend.Timeout,
		SubmitRate:  cfg.Backend.SubmitRate,
		SubmitBurst: cfg.Backend.SubmitBurst,
		MaxRetries:  cfg.Backend.MaxRetries,
		FileServer: comfy.FileServer{
			IP:        cfg.FileServer.IP,
			Port:      cfg.FileServer.Port,
			AccessKey: cfg.FileServer.AccessKey,
		},
		Breaker: circuitbreaker.BackendSettings(),
	}, logger.Named("comfy"))
	if err != nil {
		return nil, err
	}
	e.Client = client

	catalogOpts := []catalog.Option{
		catalog.WithTTL(cfg.Cache.CatalogTTL),
		catalog.WithLocalCache(catalog.NewLocalLRU(catalogLocalCapacity)),
		catalog.WithLogger(logger.Named("catalog")),
	}
	if cfg.Cache.RedisURL != "" {
		rc, err := catalog.NewRedisCache(ctx, cfg.Cache.RedisURL, logger.Named("redis"))
		if err != nil {
			// the shared cache is an optimization; run without it
			logger.Warn("Redis catalog cache unavailable", zap.Error(err))
		} else {
			e.Redis = rc
			catalogOpts = append(catalogOpts, catalog.WithSharedCache(rc))
		}
	}
	e.Catalog = catalog.NewService(client, cfg.Backend.BaseURL, catalogOpts...)
	e.Resolver = matcher.NewResolver(e.Catalog, logger.Named("matcher"))

	defaults := cfg.ParamDefaults()
	processor := templating.NewProcessor(
		placeholder.NewResolver(defaults),
		templating.WithCache(templating.NewCache(cfg.Cache.ProcessingCapacity)),
		templating.WithLogger(logger.Named("templating")),
	)

	e.Streams = streaming.NewManager(streaming.DefaultCapacity, logger.Named("streaming"))
	e.History = fallback.NewHistory()
	e.Executor = fallback.NewExecutor(fallback.Config{
		Primary:   cfg.Workflows.Primary,
		Fallbacks: cfg.Workflows.Fallback,
		Defaults:  defaults,
		Thresholds: complexity.Thresholds{
			Template: cfg.Modes.TemplateThreshold,
			Hybrid:   cfg.Modes.HybridThreshold,
		},
	}, e.Registry, client,
		fallback.WithProcessor(processor),
		fallback.WithPatcher(patcher.New(logger.Named("patcher"))),
		fallback.WithValidator(e.Validator),
		fallback.WithResolver(e.Resolver),
		fallback.WithPublisher(e.Streams),
		fallback.WithHistory(e.History),
		fallback.WithLogger(logger.Named("fallback")),
	)
	return e, nil
}

// Watch reloads templates on directory changes until ctx is done. It returns
// the watcher so callers can stop it early.
func (e *Engine) Watch(ctx context.Context) (*templates.Watcher, error) {
	w, err := templates.NewWatcher(e.Registry, e.logger.Named("watcher"))
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		_ = w.Stop()
		return nil, err
	}
	return w, nil
}
