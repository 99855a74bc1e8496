// Package enrich supplies external reference material (MITRE ATT&CK
// techniques, vendor guidance) for a rule. References are opaque strings that
// the renderer appends verbatim.
package enrich

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"rulebrief/internal/schema"
)

// RuleContext describes the rule being reported on.
type RuleContext struct {
	RuleID    string
	AlertName string
	Category  string
}

// Enricher looks up reference material for a rule.
type Enricher interface {
	Enrich(ctx context.Context, rc RuleContext) ([]string, error)
}

// Noop returns no references.
type Noop struct{}

// Enrich implements Enricher.
func (Noop) Enrich(context.Context, RuleContext) ([]string, error) { return nil, nil }

// Catalog is a static reference table keyed by rule and by category.
type Catalog struct {
	Rules      map[string][]string `yaml:"rules"`
	Categories map[string][]string `yaml:"categories"`
	Default    []string            `yaml:"default"`
}

// ParseCatalog parses a catalog from YAML bytes.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	// Accept unpadded rule keys
	rules := make(map[string][]string, len(c.Rules))
	for k, v := range c.Rules {
		id, ok := schema.NormalizeRuleID(k)
		if !ok {
			return nil, fmt.Errorf("invalid rule key %q in catalog", k)
		}
		rules[id] = append(rules[id], v...)
	}
	c.Rules = rules
	return &c, nil
}

// LoadCatalog reads a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// CatalogConfig holds configuration for the catalog enricher.
type CatalogConfig struct {
	CacheExpiry time.Duration
}

// DefaultCatalogConfig returns the default catalog enricher configuration.
func DefaultCatalogConfig() CatalogConfig {
	return CatalogConfig{
		CacheExpiry: 1 * time.Hour,
	}
}

// CatalogEnricher serves references from a Catalog. Per-rule results are
// cached until they expire.
type CatalogEnricher struct {
	catalog *Catalog
	config  CatalogConfig
	now     func() time.Time

	mu          sync.RWMutex
	cache       map[string][]string
	cacheExpiry map[string]time.Time
}

// NewCatalogEnricher creates an enricher over catalog.
func NewCatalogEnricher(catalog *Catalog, cfg CatalogConfig) *CatalogEnricher {
	if catalog == nil {
		catalog = &Catalog{}
	}
	return &CatalogEnricher{
		catalog:     catalog,
		config:      cfg,
		now:         time.Now,
		cache:       make(map[string][]string),
		cacheExpiry: make(map[string]time.Time),
	}
}

// Enrich returns the rule's own references, then its category's, then the
// catalog defaults, without duplicates.
func (e *CatalogEnricher) Enrich(ctx context.Context, rc RuleContext) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	category := rc.Category
	if category == "" {
		category = Categorize(rc.AlertName)
	}
	key := rc.RuleID + "|" + category

	// Check cache first
	e.mu.RLock()
	if cached, ok := e.cache[key]; ok {
		if expiry, exists := e.cacheExpiry[key]; exists && e.now().Before(expiry) {
			e.mu.RUnlock()
			return append([]string(nil), cached...), nil
		}
	}
	e.mu.RUnlock()

	var refs []string
	seen := make(map[string]bool)
	for _, list := range [][]string{e.catalog.Rules[rc.RuleID], e.catalog.Categories[category], e.catalog.Default} {
		for _, ref := range list {
			if ref == "" || seen[ref] {
				continue
			}
			seen[ref] = true
			refs = append(refs, ref)
		}
	}

	// Cache result
	e.mu.Lock()
	e.cache[key] = refs
	e.cacheExpiry[key] = e.now().Add(e.config.CacheExpiry)
	e.mu.Unlock()

	return append([]string(nil), refs...), nil
}

// CleanupCache drops expired cache entries.
func (e *CatalogEnricher) CleanupCache() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	for key, expiry := range e.cacheExpiry {
		if now.After(expiry) {
			delete(e.cache, key)
			delete(e.cacheExpiry, key)
		}
	}
}
