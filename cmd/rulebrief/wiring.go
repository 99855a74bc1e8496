package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"rulebrief/internal/cache"
	"rulebrief/internal/config"
	"rulebrief/internal/enrich"
	rberrors "rulebrief/internal/errors"
	"rulebrief/internal/fusion"
	"rulebrief/internal/normalize"
	"rulebrief/internal/pipeline"
	"rulebrief/internal/publish"
	"rulebrief/internal/render"
	"rulebrief/internal/rulebook"
	"rulebrief/internal/schema"
	"rulebrief/internal/sources"
)

// app holds the components built from the configuration.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     sources.Store
	registry  *rulebook.Registry
	cache     *cache.Cache
	publisher publish.Publisher
	service   *pipeline.Service
}

// newApp builds every component. Callers must Close the result.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store = store

	a.registry = rulebook.NewRegistry(logger)
	n, err := a.registry.LoadDir(cfg.Rulebook.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load rulebook: %w", err)
	}
	logger.Info("rulebook loaded", "dir", cfg.Rulebook.Dir, "procedures", n)

	normCfg, err := normalizerConfig(cfg.Normalize)
	if err != nil {
		return nil, err
	}

	enricher, err := newEnricher(cfg.Enrich)
	if err != nil {
		return nil, err
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithEnricher(enricher),
		pipeline.WithSanitizer(rberrors.NewSanitizer(cfg.Errors.Production)),
		pipeline.WithValidator(schema.NewValidatorWithConfig(schema.ValidatorConfig{
			MaxFuture: cfg.Normalize.MaxFuture,
		})),
	}

	if cfg.Cache.Enabled {
		tier, err := newTier(ctx, cfg.Cache)
		if err != nil {
			return nil, err
		}
		a.cache = cache.New(tier, cache.Config{TTL: cfg.Cache.TTL, Prefix: cfg.Cache.Prefix}, logger)
		opts = append(opts, pipeline.WithCache(a.cache))
	}

	if cfg.Publish.Enabled {
		p, err := publish.NewKafkaPublisher(cfg.Publish.Kafka, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create publisher: %w", err)
		}
		a.publisher = p
	}

	renderer := render.NewRenderer(render.Config{Timeout: cfg.Render.Timeout}, render.WithLogger(logger))
	a.service = pipeline.NewService(
		pipeline.Config{
			Concurrency:      cfg.Pipeline.Concurrency,
			BatchConcurrency: cfg.Pipeline.BatchConcurrency,
		},
		normalize.NewNormalizer(normCfg),
		fusion.NewEngine(fusion.Config{MergeUnkeyedIncidents: cfg.Fusion.MergeUnkeyedIncidents}, logger),
		a.registry,
		renderer,
		opts...,
	)
	return a, nil
}

func newStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (sources.Store, error) {
	switch cfg.Sources.Backend {
	case "s3":
		s, err := sources.NewS3Store(ctx, cfg.Sources.S3, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 source store: %w", err)
		}
		return s, nil
	default:
		return sources.NewDirStore(cfg.Sources.Dir, cfg.Sources.MaxFileSize, logger), nil
	}
}

func newTier(ctx context.Context, cfg config.CacheConfig) (cache.Tier, error) {
	if cfg.Backend != "redis" {
		return cache.NewMemoryTier(), nil
	}
	t, err := cache.NewRedisTier(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return t, nil
}

func newEnricher(cfg config.EnrichConfig) (enrich.Enricher, error) {
	if cfg.CatalogPath == "" {
		return enrich.Noop{}, nil
	}
	catalog, err := enrich.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	return enrich.NewCatalogEnricher(catalog, enrich.CatalogConfig{CacheExpiry: cfg.CacheExpiry}), nil
}

// normalizerConfig converts configured aliases to field keys.
func normalizerConfig(cfg config.NormalizeConfig) (normalize.NormalizerConfig, error) {
	aliases := make(map[string]schema.FieldKey, len(cfg.FieldAliases))
	for label, field := range cfg.FieldAliases {
		k := schema.FieldKey(field)
		if !k.IsKnown() {
			return normalize.NormalizerConfig{}, fmt.Errorf("normalize.field_aliases: unknown field %q for %q", field, label)
		}
		aliases[label] = k
	}
	return normalize.NormalizerConfig{
		FieldAliases:   aliases,
		UnknownMarkers: cfg.UnknownMarkers,
	}, nil
}

// publish sends outcomes when publishing is enabled. Failures are logged.
func (a *app) publish(ctx context.Context, outcomes []schema.Outcome) {
	if a.publisher == nil {
		return
	}
	for _, o := range outcomes {
		if err := a.publisher.Publish(ctx, o); err != nil {
			a.logger.Error("failed to publish outcome", "error", err)
		}
	}
}

// Close releases the cache and publisher.
func (a *app) Close() error {
	var errs []error
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	if a.cache != nil {
		st := a.cache.Stats()
		a.logger.Info("cache stats", "hits", st.Hits, "misses", st.Misses, "fusions", st.Fusions)
		errs = append(errs, a.cache.Close())
	}
	return errors.Join(errs...)
}
