package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FieldKey names one of the fixed set of facts tracked per rule incident.
type FieldKey string

const (
	FieldRuleID         FieldKey = "rule_id"
	FieldIncidentNumber FieldKey = "incident_number"
	FieldAlertName      FieldKey = "alert_name"
	FieldDateTime       FieldKey = "date_time"
	FieldEngineer       FieldKey = "engineer"
	FieldSeverity       FieldKey = "severity"
	FieldStatus         FieldKey = "status"
	FieldClassification FieldKey = "classification"
	FieldInvestigation  FieldKey = "investigation"
	FieldRemediation    FieldKey = "remediation"
	FieldProcedureSteps FieldKey = "procedure_steps"
	FieldQualityAudit   FieldKey = "quality_audit"
	FieldResolutionTime FieldKey = "resolution_time"
	FieldEscalatedTo    FieldKey = "escalated_to"
	FieldVIPUsers       FieldKey = "vip_users"
	FieldDataConnector  FieldKey = "data_connector"
)

var allFields = []FieldKey{
	FieldRuleID,
	FieldIncidentNumber,
	FieldAlertName,
	FieldDateTime,
	FieldEngineer,
	FieldSeverity,
	FieldStatus,
	FieldClassification,
	FieldInvestigation,
	FieldRemediation,
	FieldProcedureSteps,
	FieldQualityAudit,
	FieldResolutionTime,
	FieldEscalatedTo,
	FieldVIPUsers,
	FieldDataConnector,
}

// AllFields returns every known field key in canonical order.
func AllFields() []FieldKey {
	out := make([]FieldKey, len(allFields))
	copy(out, allFields)
	return out
}

// IsKnown reports whether k is one of the fixed field keys.
func (k FieldKey) IsKnown() bool {
	for _, f := range allFields {
		if f == k {
			return true
		}
	}
	return false
}

// IsNarrative reports whether the field holds multi-line prose rather than a
// scalar value.
func (k FieldKey) IsNarrative() bool {
	switch k {
	case FieldInvestigation, FieldRemediation, FieldProcedureSteps:
		return true
	}
	return false
}

// Label returns a human readable name for the field.
func (k FieldKey) Label() string {
	switch k {
	case FieldRuleID:
		return "Rule ID"
	case FieldIncidentNumber:
		return "Incident Number"
	case FieldAlertName:
		return "Alert Name"
	case FieldDateTime:
		return "Date/Time"
	case FieldVIPUsers:
		return "VIP Users"
	}
	words := strings.Split(string(k), "_")
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// Confidence ranks how an extracted value was obtained.
type Confidence int

const (
	ConfidenceNone Confidence = iota
	// ConfidencePattern marks values matched by free-text patterns.
	ConfidencePattern
	// ConfidenceStructured marks values read from key/value, JSON or header markers.
	ConfidenceStructured
)

func (c Confidence) String() string {
	switch c {
	case ConfidencePattern:
		return "pattern"
	case ConfidenceStructured:
		return "structured"
	}
	return "none"
}

// MarshalText implements encoding.TextMarshaler.
func (c Confidence) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Confidence) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pattern":
		*c = ConfidencePattern
	case "structured":
		*c = ConfidenceStructured
	case "none", "":
		*c = ConfidenceNone
	default:
		return fmt.Errorf("unknown confidence %q", b)
	}
	return nil
}

// FieldValue is one extracted fact. NotFound marks a source that explicitly
// states the value is unknown; an absent field is simply missing from the map.
type FieldValue struct {
	Value      string     `json:"value,omitempty"`
	NotFound   bool       `json:"not_found,omitempty"`
	Confidence Confidence `json:"confidence"`
	Source     SourceRef  `json:"source"`
}

// PartialFactRecord is the sparse fact set extracted from a single document.
type PartialFactRecord struct {
	RuleID         string                  `json:"rule_id"`
	IncidentNumber string                  `json:"incident_number,omitempty"`
	Source         SourceRef               `json:"source"`
	Fields         map[FieldKey]FieldValue `json:"fields"`
}

// Get returns the field value and whether the source mentioned it at all.
func (p *PartialFactRecord) Get(k FieldKey) (FieldValue, bool) {
	v, ok := p.Fields[k]
	return v, ok
}

// Key returns the fusion key of the record.
func (p *PartialFactRecord) Key() RecordKey {
	return RecordKey{RuleID: p.RuleID, IncidentNumber: p.IncidentNumber}
}

// RecordKey addresses one canonical record: a rule plus, when known, an incident.
type RecordKey struct {
	RuleID         string `json:"rule_id"`
	IncidentNumber string `json:"incident_number,omitempty"`
}

func (k RecordKey) String() string {
	inc := k.IncidentNumber
	if inc == "" {
		inc = "-"
	}
	return k.RuleID + "#" + inc
}

// Alternative is a candidate value that lost field resolution.
type Alternative struct {
	Value      string     `json:"value"`
	Confidence Confidence `json:"confidence"`
	Source     SourceRef  `json:"source"`
	Reason     string     `json:"reason"`
}

// FieldProvenance records which sources produced a canonical value and which
// conflicting values were set aside.
type FieldProvenance struct {
	Contributors []SourceRef   `json:"contributors,omitempty"`
	Discarded    []Alternative `json:"discarded,omitempty"`
}

// ResolvedField is one field of a canonical record.
type ResolvedField struct {
	Key        FieldKey        `json:"key"`
	Value      string          `json:"value"`
	Confidence Confidence      `json:"confidence"`
	Provenance FieldProvenance `json:"provenance"`
}

// IsNotFound reports whether the field resolved to the NotFound sentinel.
func (f ResolvedField) IsNotFound() bool {
	return f.Value == NotFound
}

func (f ResolvedField) clone() ResolvedField {
	out := f
	out.Provenance.Contributors = append([]SourceRef(nil), f.Provenance.Contributors...)
	out.Provenance.Discarded = append([]Alternative(nil), f.Provenance.Discarded...)
	return out
}

// CanonicalRuleRecord is the fused fact set for one rule incident. It is
// immutable: accessors hand out copies.
type CanonicalRuleRecord struct {
	key        RecordKey
	fields     []ResolvedField
	sources    []SourceRef
	sourceHash string
}

// NewCanonicalRuleRecord builds a record holding exactly one value per known
// field key. Missing keys are filled with NotFound.
func NewCanonicalRuleRecord(key RecordKey, fields []ResolvedField, sources []SourceRef, sourceHash string) *CanonicalRuleRecord {
	byKey := make(map[FieldKey]ResolvedField, len(fields))
	for _, f := range fields {
		byKey[f.Key] = f
	}
	r := &CanonicalRuleRecord{
		key:        key,
		fields:     make([]ResolvedField, 0, len(allFields)),
		sources:    append([]SourceRef(nil), sources...),
		sourceHash: sourceHash,
	}
	for _, k := range allFields {
		f, ok := byKey[k]
		if !ok || f.Value == "" {
			f = ResolvedField{Key: k, Value: NotFound, Provenance: f.Provenance}
		}
		r.fields = append(r.fields, f.clone())
	}
	return r
}

// Key returns the record's rule/incident key.
func (r *CanonicalRuleRecord) Key() RecordKey { return r.key }

// SourceHash returns the digest of every contributing document.
func (r *CanonicalRuleRecord) SourceHash() string { return r.sourceHash }

// Sources returns the documents fused into the record.
func (r *CanonicalRuleRecord) Sources() []SourceRef {
	return append([]SourceRef(nil), r.sources...)
}

// Field returns a copy of the resolved field.
func (r *CanonicalRuleRecord) Field(k FieldKey) ResolvedField {
	for _, f := range r.fields {
		if f.Key == k {
			return f.clone()
		}
	}
	return ResolvedField{Key: k, Value: NotFound}
}

// Value returns the resolved value or NotFound.
func (r *CanonicalRuleRecord) Value(k FieldKey) string {
	return r.Field(k).Value
}

// Fields returns copies of all fields in canonical order.
func (r *CanonicalRuleRecord) Fields() []ResolvedField {
	out := make([]ResolvedField, len(r.fields))
	for i, f := range r.fields {
		out[i] = f.clone()
	}
	return out
}

// ResolvedCount returns how many fields hold a real value.
func (r *CanonicalRuleRecord) ResolvedCount() int {
	n := 0
	for _, f := range r.fields {
		if !f.IsNotFound() {
			n++
		}
	}
	return n
}

// MissingFields lists the fields that resolved to NotFound.
func (r *CanonicalRuleRecord) MissingFields() []FieldKey {
	var out []FieldKey
	for _, f := range r.fields {
		if f.IsNotFound() {
			out = append(out, f.Key)
		}
	}
	return out
}

// Conflicts returns the number of discarded alternatives across all fields.
func (r *CanonicalRuleRecord) Conflicts() int {
	n := 0
	for _, f := range r.fields {
		n += len(f.Provenance.Discarded)
	}
	return n
}

type canonicalJSON struct {
	Key        RecordKey       `json:"key"`
	SourceHash string          `json:"source_hash"`
	Sources    []SourceRef     `json:"sources"`
	Fields     []ResolvedField `json:"fields"`
}

// MarshalJSON implements json.Marshaler.
func (r *CanonicalRuleRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(canonicalJSON{
		Key:        r.key,
		SourceHash: r.sourceHash,
		Sources:    r.sources,
		Fields:     r.fields,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *CanonicalRuleRecord) UnmarshalJSON(b []byte) error {
	var c canonicalJSON
	if err := json.Unmarshal(b, &c); err != nil {
		return err
	}
	*r = *NewCanonicalRuleRecord(c.Key, c.Fields, c.Sources, c.SourceHash)
	return nil
}

// Verify checks that every resolved field traces to at least one of the given
// documents through its contributors.
func (r *CanonicalRuleRecord) Verify(docs []RawSourceDocument) error {
	known := make(map[string]string, len(docs))
	for _, d := range docs {
		known[d.ID] = d.ContentHash()
	}
	for _, f := range r.fields {
		if f.IsNotFound() {
			continue
		}
		if len(f.Provenance.Contributors) == 0 {
			return fmt.Errorf("field %s has no contributing source", f.Key)
		}
		traced := false
		for _, c := range f.Provenance.Contributors {
			if h, ok := known[c.DocumentID]; ok && (c.Hash == "" || c.Hash == h) {
				traced = true
				break
			}
		}
		if !traced {
			return fmt.Errorf("field %s does not trace to any supplied document", f.Key)
		}
	}
	return nil
}
