// Package normalize turns one raw source document into a sparse fact record.
package normalize

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"rulebrief/internal/schema"
)

var (
	// rulePattern is the free-text fallback for rule identifiers.
	rulePattern = regexp.MustCompile(`(?i)\brule\b\s*#?\s*(\d{1,4})\b`)

	// ruleTitlePattern matches "Rule 002 - Name" and "Alert: Rule 002 - Name".
	ruleTitlePattern = regexp.MustCompile(`(?i)^(?:alert\s*:\s*(?:rule\s*)?|rule\s*)#?\s*(\d{1,4})\s*[-–:]\s*(.+)$`)

	leadingNumber  = regexp.MustCompile(`^\s*#?\s*(\d{1,4})\b`)
	headingPattern = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*$`)
	bulletPattern  = regexp.MustCompile(`^(?:[-*•]|\d{1,2}[.)])\s+`)
	fragmentRegex  = regexp.MustCompile(`\{[^{}]*(?:\{[^{}]*\}[^{}]*)*\}`)
	incidentDigits = regexp.MustCompile(`\d{3,}`)
)

// NormalizerConfig holds configuration for the normalizer.
type NormalizerConfig struct {
	FieldAliases   map[string]schema.FieldKey
	UnknownMarkers []string
}

// DefaultNormalizerConfig returns the default normalizer configuration.
func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{
		FieldAliases:   DefaultFieldAliases,
		UnknownMarkers: DefaultUnknownMarkers,
	}
}

// Normalizer extracts partial fact records from raw documents. It holds no
// mutable state and is safe for concurrent use.
type Normalizer struct {
	aliases map[string]schema.FieldKey
	unknown map[string]bool
}

// NewNormalizer creates a new normalizer with the given configuration.
func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	// Merge default aliases with custom ones
	aliases := make(map[string]schema.FieldKey)
	for k, v := range DefaultFieldAliases {
		aliases[k] = v
	}
	for k, v := range cfg.FieldAliases {
		aliases[normalizeLabel(k)] = v
	}

	unknown := make(map[string]bool)
	for _, m := range DefaultUnknownMarkers {
		unknown[m] = true
	}
	for _, m := range cfg.UnknownMarkers {
		unknown[normalizeLabel(m)] = true
	}

	return &Normalizer{
		aliases: aliases,
		unknown: unknown,
	}
}

// Normalize extracts the facts stated by one document. It returns an
// *UnidentifiedRuleError when no rule identifier can be determined.
func (n *Normalizer) Normalize(doc schema.RawSourceDocument) (*schema.PartialFactRecord, error) {
	ex := &extraction{
		n:         n,
		src:       doc.Ref(),
		fields:    make(map[schema.FieldKey]schema.FieldValue),
		ambiguous: make(map[schema.FieldKey]bool),
	}

	content := strings.TrimPrefix(doc.Content, "\ufeff")

	// Whole-document JSON (tracker rows) has no free text to scan
	text := ""
	if obj, ok := decodeObject(content); ok {
		ex.walkJSON(obj)
	} else {
		text = ex.consumeFragments(content)
	}
	prose := ex.scanLines(text)
	ex.scanFreeText(prose)

	for k := range ex.ambiguous {
		delete(ex.fields, k)
	}

	ruleID, conf, ok := ex.resolveRuleID(doc.RuleID, content)
	if !ok {
		return nil, &UnidentifiedRuleError{DocumentID: doc.ID, Provenance: doc.Provenance}
	}
	ex.fields[schema.FieldRuleID] = schema.FieldValue{Value: ruleID, Confidence: conf, Source: ex.src}

	incident := ex.resolveIncident(doc.IncidentNumber)

	return &schema.PartialFactRecord{
		RuleID:         ruleID,
		IncidentNumber: incident,
		Source:         ex.src,
		Fields:         ex.fields,
	}, nil
}

// extraction is the per-document working state of Normalize.
type extraction struct {
	n         *Normalizer
	src       schema.SourceRef
	fields    map[schema.FieldKey]schema.FieldValue
	ambiguous map[schema.FieldKey]bool
	rules     []string
}

// add records a candidate value for key. Within one document a higher
// confidence replaces a lower one, narrative fields accumulate, and two
// disagreeing scalar values at the same confidence make the field ambiguous.
func (e *extraction) add(key schema.FieldKey, raw string, conf schema.Confidence) {
	v := cleanValue(raw)
	if v == "" {
		return
	}
	cur, exists := e.fields[key]

	if e.n.isUnknown(v) {
		if !exists || (cur.NotFound && conf > cur.Confidence) {
			e.fields[key] = schema.FieldValue{NotFound: true, Confidence: conf, Source: e.src}
		}
		return
	}

	next := schema.FieldValue{Value: v, Confidence: conf, Source: e.src}
	switch {
	case !exists || cur.NotFound:
		e.fields[key] = next
	case conf > cur.Confidence:
		e.fields[key] = next
		delete(e.ambiguous, key)
	case conf < cur.Confidence:
	case key.IsNarrative():
		if !strings.Contains(cur.Value, v) {
			cur.Value += "\n" + v
			e.fields[key] = cur
		}
	case schema.CanonicalText(cur.Value) != schema.CanonicalText(v):
		e.ambiguous[key] = true
	}
}

// ruleMarker records a structured rule reference such as "002", "Rule 2" or
// "Rule 002 - Attempt to bypass conditional access".
func (e *extraction) ruleMarker(raw string) {
	v := cleanValue(raw)
	if id, ok := schema.NormalizeRuleID(v); ok {
		e.rules = append(e.rules, id)
		return
	}
	if m := ruleTitlePattern.FindStringSubmatch(v); m != nil {
		n, _ := strconv.Atoi(m[1])
		e.rules = append(e.rules, schema.PadRuleID(n))
		e.add(schema.FieldAlertName, m[2], schema.ConfidenceStructured)
		return
	}
	if m := rulePattern.FindStringSubmatch(v); m != nil {
		n, _ := strconv.Atoi(m[1])
		e.rules = append(e.rules, schema.PadRuleID(n))
		return
	}
	if m := leadingNumber.FindStringSubmatch(v); m != nil {
		n, _ := strconv.Atoi(m[1])
		e.rules = append(e.rules, schema.PadRuleID(n))
	}
}

// walkJSON extracts aliased keys from a decoded object, descending into
// nested objects such as tracker_data.
func (e *extraction) walkJSON(obj map[string]any) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if nested, ok := obj[k].(map[string]any); ok {
			e.walkJSON(nested)
			continue
		}
		label := normalizeLabel(k)
		if ruleLabels[label] {
			e.ruleMarker(jsonString(obj[k]))
			continue
		}
		if key, ok := e.n.aliases[label]; ok {
			e.add(key, jsonString(obj[k]), schema.ConfidenceStructured)
		}
	}
}

// consumeFragments extracts embedded JSON objects from mixed content and
// returns the remaining text.
func (e *extraction) consumeFragments(content string) string {
	return fragmentRegex.ReplaceAllStringFunc(content, func(frag string) string {
		obj, ok := decodeObject(frag)
		if !ok {
			return frag
		}
		e.walkJSON(obj)
		return "\n"
	})
}

// scanLines reads headings and key/value lines. Lines under a narrative
// heading feed that narrative; everything else is returned as prose for
// pattern matching.
func (e *extraction) scanLines(text string) string {
	var prose []string
	var section schema.FieldKey

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if m := headingPattern.FindStringSubmatch(trimmed); m != nil {
			heading := strings.ReplaceAll(m[2], "**", "")
			if t := ruleTitlePattern.FindStringSubmatch(strings.TrimSpace(heading)); t != nil {
				e.ruleMarker(t[0])
			}
			section, _ = sectionField(heading)
			continue
		}

		if e.scanKeyValues(trimmed) {
			continue
		}

		if section != "" {
			e.add(section, trimmed, schema.ConfidenceStructured)
			continue
		}
		prose = append(prose, trimmed)
	}
	return strings.Join(prose, "\n")
}

// scanKeyValues handles "Label: value" lines, including bulleted,
// emphasized and pipe-separated forms. It reports whether any known label
// was found.
func (e *extraction) scanKeyValues(line string) bool {
	line = bulletPattern.ReplaceAllString(line, "")
	matched := false

	for _, seg := range strings.Split(line, " | ") {
		seg = strings.ReplaceAll(seg, "**", "")
		i := strings.Index(seg, ":")
		if i <= 0 {
			continue
		}
		label := normalizeLabel(seg[:i])
		if len(label) > 40 {
			continue
		}
		value := seg[i+1:]

		if ruleLabels[label] {
			e.ruleMarker(value)
			matched = true
			continue
		}
		if key, ok := e.n.aliases[label]; ok {
			e.add(key, value, schema.ConfidenceStructured)
			matched = true
		}
	}
	return matched
}

// resolveRuleID applies the rule identifier precedence: document tag, first
// structured marker, then the free-text pattern.
func (e *extraction) resolveRuleID(tag, content string) (string, schema.Confidence, bool) {
	if id, ok := schema.NormalizeRuleID(tag); ok {
		return id, schema.ConfidenceStructured, true
	}
	if len(e.rules) > 0 {
		return e.rules[0], schema.ConfidenceStructured, true
	}
	if m := rulePattern.FindStringSubmatch(content); m != nil {
		n, _ := strconv.Atoi(m[1])
		return schema.PadRuleID(n), schema.ConfidencePattern, true
	}
	return "", schema.ConfidenceNone, false
}

// resolveIncident returns the incident key of the record, preferring the
// document tag over the extracted field.
func (e *extraction) resolveIncident(tag string) string {
	if tag = strings.TrimSpace(tag); tag != "" {
		if _, ok := e.fields[schema.FieldIncidentNumber]; !ok {
			e.fields[schema.FieldIncidentNumber] = schema.FieldValue{Value: tag, Confidence: schema.ConfidenceStructured, Source: e.src}
		}
		return incidentKey(tag)
	}
	if fv, ok := e.fields[schema.FieldIncidentNumber]; ok && !fv.NotFound {
		return incidentKey(fv.Value)
	}
	return ""
}

// incidentKey reduces an incident value such as "208307.0" or "#208307" to
// its identifying digits.
func incidentKey(v string) string {
	if d := incidentDigits.FindString(v); d != "" {
		return d
	}
	return strings.TrimSpace(v)
}

func (n *Normalizer) isUnknown(v string) bool {
	if strings.EqualFold(strings.TrimSpace(v), schema.NotFound) {
		return true
	}
	l := strings.TrimRight(normalizeLabel(v), ".!")
	if n.unknown[l] {
		return true
	}
	return strings.HasPrefix(l, "not found in provided context")
}

// cleanValue trims whitespace and markdown emphasis around a value.
func cleanValue(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "**")
	s = strings.TrimSuffix(s, "**")
	return strings.TrimSpace(s)
}

func decodeObject(s string) (map[string]any, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}
	return obj, true
}

// jsonString renders a decoded JSON scalar verbatim.
func jsonString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := jsonString(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	}
	return ""
}
