// Package fusion merges partial fact records into canonical rule records.
package fusion

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"rulebrief/internal/schema"
)

// Discard reasons recorded in field provenance.
const (
	ReasonLowerConfidence = "lower confidence"
	ReasonOlderSource     = "older source"
	ReasonStatedNotFound  = "source stated not found"
)

// Config holds configuration for the fusion engine.
type Config struct {
	// MergeUnkeyedIncidents folds records without an incident number into
	// the rule's only incident group, when there is exactly one.
	MergeUnkeyedIncidents bool
}

// DefaultConfig returns the default fusion configuration.
func DefaultConfig() Config {
	return Config{
		MergeUnkeyedIncidents: true,
	}
}

// Group is the set of partial records that fuse into one canonical record.
type Group struct {
	Key     schema.RecordKey
	Records []*schema.PartialFactRecord
}

// Sources returns the contributing document references in provenance order.
func (g Group) Sources() []schema.SourceRef {
	refs := make([]schema.SourceRef, 0, len(g.Records))
	for _, r := range g.Records {
		refs = append(refs, r.Source)
	}
	sortRefs(refs)
	return refs
}

// Latest returns the newest contributing source of the group.
func (g Group) Latest() schema.SourceRef {
	var latest schema.SourceRef
	for i, r := range g.Records {
		if i == 0 || r.Source.Newer(latest) {
			latest = r.Source
		}
	}
	return latest
}

// Engine resolves field conflicts between partial records. It holds no
// mutable state and is safe for concurrent use.
type Engine struct {
	config Config
	logger *slog.Logger
}

// NewEngine creates a new fusion engine.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		config: cfg,
		logger: logger,
	}
}

// Group partitions records by (rule, incident). The result is sorted by key.
func (e *Engine) Group(records []*schema.PartialFactRecord) []Group {
	byKey := make(map[schema.RecordKey][]*schema.PartialFactRecord)
	var unkeyed []*schema.PartialFactRecord

	for _, r := range records {
		if r == nil {
			continue
		}
		if r.IncidentNumber == "" {
			unkeyed = append(unkeyed, r)
			continue
		}
		byKey[r.Key()] = append(byKey[r.Key()], r)
	}

	// Count incident groups per rule to place unkeyed records
	incidents := make(map[string][]schema.RecordKey)
	for k := range byKey {
		incidents[k.RuleID] = append(incidents[k.RuleID], k)
	}
	for _, r := range unkeyed {
		keys := incidents[r.RuleID]
		if e.config.MergeUnkeyedIncidents && len(keys) == 1 {
			byKey[keys[0]] = append(byKey[keys[0]], r)
			continue
		}
		k := schema.RecordKey{RuleID: r.RuleID}
		byKey[k] = append(byKey[k], r)
	}

	groups := make([]Group, 0, len(byKey))
	for k, recs := range byKey {
		sortRecords(recs)
		groups = append(groups, Group{Key: k, Records: recs})
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].Key.String() < groups[j].Key.String()
	})
	return groups
}

// Fuse groups the records and fuses every group.
func (e *Engine) Fuse(records []*schema.PartialFactRecord) ([]*schema.CanonicalRuleRecord, error) {
	groups := e.Group(records)
	out := make([]*schema.CanonicalRuleRecord, 0, len(groups))
	for _, g := range groups {
		rec, err := e.FuseKey(g.Key, g.Records)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// FuseKey fuses the records of one key into a canonical record. The result
// does not depend on the order of records.
func (e *Engine) FuseKey(key schema.RecordKey, records []*schema.PartialFactRecord) (*schema.CanonicalRuleRecord, error) {
	recs := make([]*schema.PartialFactRecord, 0, len(records))
	for _, r := range records {
		if r == nil {
			continue
		}
		if r.RuleID != key.RuleID {
			return nil, &ConflictError{Key: key, Field: schema.FieldRuleID, Value: r.RuleID, DocumentID: r.Source.DocumentID}
		}
		if r.IncidentNumber != "" && r.IncidentNumber != key.IncidentNumber {
			return nil, &ConflictError{Key: key, Field: schema.FieldIncidentNumber, Value: r.IncidentNumber, DocumentID: r.Source.DocumentID}
		}
		recs = append(recs, r)
	}
	sortRecords(recs)

	fields := make([]schema.ResolvedField, 0, len(schema.AllFields()))
	for _, k := range schema.AllFields() {
		f := resolveField(k, recs)
		if len(f.Provenance.Discarded) > 0 && !f.IsNotFound() {
			e.logger.Info("fusion conflict recorded",
				"rule_id", key.RuleID,
				"incident", key.IncidentNumber,
				"field", string(k),
				"contributors", len(f.Provenance.Contributors),
				"discarded", len(f.Provenance.Discarded),
			)
		}
		fields = append(fields, f)
	}

	sources := make([]schema.SourceRef, 0, len(recs))
	for _, r := range recs {
		sources = append(sources, r.Source)
	}

	return schema.NewCanonicalRuleRecord(key, fields, sources, SourceHash(sources)), nil
}

// Empty returns the canonical record of a rule with no source documents.
func Empty(key schema.RecordKey) *schema.CanonicalRuleRecord {
	return schema.NewCanonicalRuleRecord(key, nil, nil, SourceHash(nil))
}

// candidate is one stated value for a field.
type candidate struct {
	value string
	conf  schema.Confidence
	src   schema.SourceRef
}

// resolveField applies the precedence policy to one field: a stated value
// beats not-found, higher confidence beats lower, and among disagreeing
// values of equal confidence the newest source wins. Every losing value is
// kept in the provenance.
func resolveField(k schema.FieldKey, recs []*schema.PartialFactRecord) schema.ResolvedField {
	var present []candidate
	var notFound []schema.SourceRef

	for _, r := range recs {
		v, ok := r.Fields[k]
		if !ok {
			continue
		}
		if v.NotFound || v.Value == "" || v.Value == schema.NotFound {
			notFound = append(notFound, r.Source)
			continue
		}
		present = append(present, candidate{value: v.Value, conf: v.Confidence, src: r.Source})
	}

	if len(present) == 0 {
		return schema.ResolvedField{Key: k, Value: schema.NotFound}
	}

	// Highest confidence tier
	best := schema.ConfidenceNone
	for _, c := range present {
		if c.conf > best {
			best = c.conf
		}
	}

	// Newest source in the top tier decides between disagreeing values
	var winner candidate
	first := true
	for _, c := range present {
		if c.conf != best {
			continue
		}
		if first || c.src.Newer(winner.src) {
			winner = c
			first = false
		}
	}
	canon := schema.CanonicalText(winner.value)

	f := schema.ResolvedField{Key: k, Value: winner.value, Confidence: best}
	for _, c := range present {
		switch {
		case schema.CanonicalText(c.value) == canon:
			f.Provenance.Contributors = append(f.Provenance.Contributors, c.src)
		case c.conf < best:
			f.Provenance.Discarded = append(f.Provenance.Discarded, schema.Alternative{
				Value: c.value, Confidence: c.conf, Source: c.src, Reason: ReasonLowerConfidence,
			})
		default:
			f.Provenance.Discarded = append(f.Provenance.Discarded, schema.Alternative{
				Value: c.value, Confidence: c.conf, Source: c.src, Reason: ReasonOlderSource,
			})
		}
	}
	for _, src := range notFound {
		f.Provenance.Discarded = append(f.Provenance.Discarded, schema.Alternative{
			Value: schema.NotFound, Source: src, Reason: ReasonStatedNotFound,
		})
	}

	sortRefs(f.Provenance.Contributors)
	sort.SliceStable(f.Provenance.Discarded, func(i, j int) bool {
		return f.Provenance.Discarded[j].Source.Newer(f.Provenance.Discarded[i].Source)
	})
	return f
}

// SourceHash digests the identity, content and provenance position of
// contributing documents. Order and receive time decide conflicts, so they
// are part of the digest. It is independent of the order of refs.
func SourceHash(refs []schema.SourceRef) string {
	keys := make([]string, 0, len(refs))
	for _, r := range refs {
		keys = append(keys, fmt.Sprintf("%s:%s:%d:%s", r.DocumentID, r.Hash, r.Order, r.ReceivedAt.UTC().Format(time.RFC3339Nano)))
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Trace checks that every resolved value of rec was stated verbatim by one of
// its contributing records.
func Trace(rec *schema.CanonicalRuleRecord, records []*schema.PartialFactRecord) error {
	byDoc := make(map[string]*schema.PartialFactRecord, len(records))
	for _, r := range records {
		byDoc[r.Source.DocumentID] = r
	}
	for _, f := range rec.Fields() {
		if f.IsNotFound() {
			continue
		}
		traced := false
		for _, c := range f.Provenance.Contributors {
			r, ok := byDoc[c.DocumentID]
			if !ok {
				continue
			}
			if v, ok := r.Fields[f.Key]; ok && !v.NotFound && v.Value == f.Value {
				traced = true
				break
			}
		}
		if !traced {
			return fmt.Errorf("field %s value %q does not trace to a contributing record", f.Key, f.Value)
		}
	}
	return nil
}

// sortRefs orders references oldest first.
func sortRefs(refs []schema.SourceRef) {
	sort.SliceStable(refs, func(i, j int) bool {
		return refs[j].Newer(refs[i])
	})
}

// sortRecords orders records oldest first.
func sortRecords(recs []*schema.PartialFactRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[j].Source.Newer(recs[i].Source)
	})
}
