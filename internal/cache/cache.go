// Package cache is a read-through cache of fused canonical records. Entries
// are keyed by rule, incident and the hash of the contributing documents, so
// a changed document set never hits a stale entry. Concurrent requests for
// the same key share one fusion.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"rulebrief/internal/schema"
)

// Key addresses one fused record.
type Key struct {
	RuleID         string
	IncidentNumber string
	SourceHash     string
}

func (k Key) incident() string {
	if k.IncidentNumber == "" {
		return "-"
	}
	return k.IncidentNumber
}

// Config holds configuration for the cache.
type Config struct {
	// TTL bounds how long a record is kept. Zero keeps records until they
	// are invalidated.
	TTL time.Duration `yaml:"ttl"`
	// Prefix namespaces the tier keys.
	Prefix string `yaml:"prefix"`
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		TTL:    24 * time.Hour,
		Prefix: "rulebrief",
	}
}

// Stats are cumulative cache counters.
type Stats struct {
	Hits        int64
	Misses      int64
	Fusions     int64
	Shared      int64
	TierErrors  int64
	Invalidated int64
}

// Cache is safe for concurrent use.
type Cache struct {
	tier   Tier
	config Config
	logger *slog.Logger
	group  singleflight.Group

	hits        atomic.Int64
	misses      atomic.Int64
	fusions     atomic.Int64
	shared      atomic.Int64
	tierErrors  atomic.Int64
	invalidated atomic.Int64
}

// New creates a cache over tier.
func New(tier Tier, cfg Config, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultConfig().Prefix
	}
	return &Cache{
		tier:   tier,
		config: cfg,
		logger: logger,
	}
}

func (c *Cache) recordKey(k Key) string {
	return fmt.Sprintf("%s:record:%s:%s:%s", c.config.Prefix, k.RuleID, k.incident(), k.SourceHash)
}

func (c *Cache) indexKey(ruleID, incident string) string {
	return fmt.Sprintf("%s:index:%s:%s", c.config.Prefix, ruleID, incident)
}

type result struct {
	record *schema.CanonicalRuleRecord
	hit    bool
}

// GetOrFuse returns the cached record for key, or calls fuse and stores its
// result. The returned bool reports a cache hit. Tier failures are logged
// and never fail the request; fuse errors are returned unchanged and not
// cached.
func (c *Cache) GetOrFuse(ctx context.Context, key Key, fuse func() (*schema.CanonicalRuleRecord, error)) (*schema.CanonicalRuleRecord, bool, error) {
	rk := c.recordKey(key)

	v, err, shared := c.group.Do(rk, func() (interface{}, error) {
		if rec, ok := c.load(ctx, rk); ok {
			c.hits.Add(1)
			return result{record: rec, hit: true}, nil
		}
		c.misses.Add(1)

		rec, err := fuse()
		if err != nil {
			return nil, err
		}
		c.fusions.Add(1)
		c.store(ctx, key, rk, rec)
		return result{record: rec}, nil
	})
	if shared {
		c.shared.Add(1)
	}
	if err != nil {
		return nil, false, err
	}
	res := v.(result)
	return res.record, res.hit, nil
}

func (c *Cache) load(ctx context.Context, rk string) (*schema.CanonicalRuleRecord, bool) {
	data, err := c.tier.Get(ctx, rk)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.tierErrors.Add(1)
			c.logger.Warn("cache read failed", "key", rk, "error", err)
		}
		return nil, false
	}

	var rec schema.CanonicalRuleRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		c.tierErrors.Add(1)
		c.logger.Warn("dropping undecodable cache entry", "key", rk, "error", err)
		_ = c.tier.Delete(ctx, rk)
		return nil, false
	}
	return &rec, true
}

// store writes the record and drops entries of the same incident that were
// fused from a different document set.
func (c *Cache) store(ctx context.Context, key Key, rk string, rec *schema.CanonicalRuleRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		c.tierErrors.Add(1)
		c.logger.Warn("cache encode failed", "key", rk, "error", err)
		return
	}

	idx := c.indexKey(key.RuleID, key.incident())
	stale, err := c.tier.SMembers(ctx, idx)
	if err != nil {
		c.tierErrors.Add(1)
		c.logger.Warn("cache index read failed", "key", idx, "error", err)
	}
	var drop []string
	for _, s := range stale {
		if s != rk {
			drop = append(drop, s)
		}
	}
	if len(drop) > 0 {
		if err := c.tier.Delete(ctx, drop...); err == nil {
			_ = c.tier.SRem(ctx, idx, drop...)
			c.invalidated.Add(int64(len(drop)))
			c.logger.Debug("invalidated stale records", "rule_id", key.RuleID, "incident", key.incident(), "count", len(drop))
		}
	}

	if err := c.tier.Set(ctx, rk, data, c.config.TTL); err != nil {
		c.tierErrors.Add(1)
		c.logger.Warn("cache write failed", "key", rk, "error", err)
		return
	}
	if err := c.tier.SAdd(ctx, idx, rk); err != nil {
		c.tierErrors.Add(1)
		c.logger.Warn("cache index write failed", "key", idx, "error", err)
	}
}

// Invalidate drops every cached record of one rule incident.
func (c *Cache) Invalidate(ctx context.Context, ruleID, incidentNumber string) error {
	idx := c.indexKey(ruleID, Key{IncidentNumber: incidentNumber}.incident())
	keys, err := c.tier.SMembers(ctx, idx)
	if err != nil {
		return fmt.Errorf("failed to read cache index: %w", err)
	}
	if err := c.tier.Delete(ctx, append(keys, idx)...); err != nil {
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	c.invalidated.Add(int64(len(keys)))
	return nil
}

// Stats returns the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Fusions:     c.fusions.Load(),
		Shared:      c.shared.Load(),
		TierErrors:  c.tierErrors.Load(),
		Invalidated: c.invalidated.Load(),
	}
}

// Close closes the underlying tier.
func (c *Cache) Close() error {
	return c.tier.Close()
}
