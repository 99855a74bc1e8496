package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rulebrief/internal/schema"
)

func record(rule, incident, engineer, hash string) *schema.CanonicalRuleRecord {
	src := schema.SourceRef{DocumentID: "doc-" + hash, Provenance: "tracker.csv", Order: 1}
	return schema.NewCanonicalRuleRecord(
		schema.RecordKey{RuleID: rule, IncidentNumber: incident},
		[]schema.ResolvedField{
			{Key: schema.FieldRuleID, Value: rule, Confidence: schema.ConfidenceStructured,
				Provenance: schema.FieldProvenance{Contributors: []schema.SourceRef{src}}},
			{Key: schema.FieldEngineer, Value: engineer, Confidence: schema.ConfidenceStructured,
				Provenance: schema.FieldProvenance{Contributors: []schema.SourceRef{src}}},
		},
		[]schema.SourceRef{src},
		hash,
	)
}

func TestCache_GetOrFuse(t *testing.T) {
	c := New(NewMemoryTier(), DefaultConfig(), nil)
	ctx := context.Background()
	key := Key{RuleID: "002", IncidentNumber: "208307", SourceHash: "h1"}

	var calls int
	fuse := func() (*schema.CanonicalRuleRecord, error) {
		calls++
		return record("002", "208307", "Sarvesh", "h1"), nil
	}

	rec, hit, err := c.GetOrFuse(ctx, key, fuse)
	if err != nil {
		t.Fatalf("GetOrFuse() error = %v", err)
	}
	if hit {
		t.Error("first GetOrFuse() reported a hit")
	}

	cached, hit, err := c.GetOrFuse(ctx, key, fuse)
	if err != nil {
		t.Fatalf("GetOrFuse() error = %v", err)
	}
	if !hit {
		t.Error("second GetOrFuse() should hit")
	}
	if calls != 1 {
		t.Errorf("fuse called %d times, want 1", calls)
	}

	a, _ := json.Marshal(rec)
	b, _ := json.Marshal(cached)
	if string(a) != string(b) {
		t.Errorf("cached record differs:\n%s\n%s", a, b)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Fusions != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestCache_SingleFusionPerKey(t *testing.T) {
	c := New(NewMemoryTier(), DefaultConfig(), nil)
	key := Key{RuleID: "014", IncidentNumber: "211000", SourceHash: "h1"}

	var fusions atomic.Int32
	fuse := func() (*schema.CanonicalRuleRecord, error) {
		fusions.Add(1)
		time.Sleep(50 * time.Millisecond)
		return record("014", "211000", "Aman", "h1"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, _, err := c.GetOrFuse(context.Background(), key, fuse)
			if err != nil {
				t.Errorf("GetOrFuse() error = %v", err)
				return
			}
			if rec.Value(schema.FieldEngineer) != "Aman" {
				t.Errorf("engineer = %q, want Aman", rec.Value(schema.FieldEngineer))
			}
		}()
	}
	wg.Wait()

	if n := fusions.Load(); n != 1 {
		t.Errorf("fusion ran %d times, want 1", n)
	}
}

func TestCache_NewSourceHashInvalidates(t *testing.T) {
	tier := NewMemoryTier()
	c := New(tier, DefaultConfig(), nil)
	ctx := context.Background()

	old := Key{RuleID: "002", IncidentNumber: "208307", SourceHash: "h1"}
	if _, _, err := c.GetOrFuse(ctx, old, func() (*schema.CanonicalRuleRecord, error) {
		return record("002", "208307", "Sarvesh", "h1"), nil
	}); err != nil {
		t.Fatalf("GetOrFuse() error = %v", err)
	}

	updated := Key{RuleID: "002", IncidentNumber: "208307", SourceHash: "h2"}
	rec, hit, err := c.GetOrFuse(ctx, updated, func() (*schema.CanonicalRuleRecord, error) {
		return record("002", "208307", "Priya", "h2"), nil
	})
	if err != nil {
		t.Fatalf("GetOrFuse() error = %v", err)
	}
	if hit {
		t.Error("changed source hash must not hit")
	}
	if rec.Value(schema.FieldEngineer) != "Priya" {
		t.Errorf("engineer = %q, want Priya", rec.Value(schema.FieldEngineer))
	}

	if _, err := tier.Get(ctx, c.recordKey(old)); !errors.Is(err, ErrMiss) {
		t.Errorf("stale entry still present, Get() error = %v", err)
	}
	if got := c.Stats().Invalidated; got != 1 {
		t.Errorf("Invalidated = %d, want 1", got)
	}
}

func TestCache_FuseErrorNotCached(t *testing.T) {
	c := New(NewMemoryTier(), DefaultConfig(), nil)
	key := Key{RuleID: "183", SourceHash: "h1"}
	boom := errors.New("conflict")

	if _, _, err := c.GetOrFuse(context.Background(), key, func() (*schema.CanonicalRuleRecord, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("GetOrFuse() error = %v, want %v", err, boom)
	}

	_, hit, err := c.GetOrFuse(context.Background(), key, func() (*schema.CanonicalRuleRecord, error) {
		return record("183", "", "Ravi", "h1"), nil
	})
	if err != nil || hit {
		t.Errorf("GetOrFuse() = hit %v, error %v; want a fresh fusion", hit, err)
	}
}

func TestCache_TierFailureFallsBackToFusion(t *testing.T) {
	tier := NewMemoryTier()
	tier.Close()
	c := New(tier, DefaultConfig(), nil)

	rec, hit, err := c.GetOrFuse(context.Background(), Key{RuleID: "280", SourceHash: "h1"}, func() (*schema.CanonicalRuleRecord, error) {
		return record("280", "", "NOT_FOUND", "h1"), nil
	})
	if err != nil {
		t.Fatalf("GetOrFuse() error = %v", err)
	}
	if hit || rec == nil {
		t.Errorf("GetOrFuse() = %v, hit %v", rec, hit)
	}
	if c.Stats().TierErrors == 0 {
		t.Error("tier errors were not counted")
	}
}

func TestCache_TTL(t *testing.T) {
	tier := NewMemoryTier()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tier.now = func() time.Time { return now }
	c := New(tier, Config{TTL: time.Minute}, nil)
	key := Key{RuleID: "002", SourceHash: "h1"}

	fuse := func() (*schema.CanonicalRuleRecord, error) { return record("002", "", "Sarvesh", "h1"), nil }
	if _, _, err := c.GetOrFuse(context.Background(), key, fuse); err != nil {
		t.Fatalf("GetOrFuse() error = %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, hit, _ := c.GetOrFuse(context.Background(), key, fuse); hit {
		t.Error("expired entry should not hit")
	}
}

func TestCache_Invalidate(t *testing.T) {
	tier := NewMemoryTier()
	c := New(tier, DefaultConfig(), nil)
	ctx := context.Background()
	key := Key{RuleID: "002", IncidentNumber: "208307", SourceHash: "h1"}

	if _, _, err := c.GetOrFuse(ctx, key, func() (*schema.CanonicalRuleRecord, error) {
		return record("002", "208307", "Sarvesh", "h1"), nil
	}); err != nil {
		t.Fatalf("GetOrFuse() error = %v", err)
	}
	if err := c.Invalidate(ctx, "002", "208307"); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if tier.Len() != 0 {
		t.Errorf("tier holds %d values after Invalidate", tier.Len())
	}
}
