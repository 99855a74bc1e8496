package normalize

import (
	"regexp"

	"rulebrief/internal/schema"
)

// textPattern extracts one field from free text. The first capture group is
// the value.
type textPattern struct {
	field schema.FieldKey
	re    *regexp.Regexp
}

// freeTextPatterns only fill fields that no structured marker supplied.
// Multiple disagreeing matches leave the field absent.
var freeTextPatterns = []textPattern{
	// A role word alone is not enough: "L1 Analyst Guide" names no one.
	{schema.FieldEngineer, regexp.MustCompile(`(?i:\b(?:shift engineer|engineer|analyst))(?:\s+(?i:is|was)\s+|\s*[:\-]\s*)([A-Z][a-z]+(?: [A-Z][a-z]+)?)`)},
	{schema.FieldEngineer, regexp.MustCompile(`(?i:\b(?:handled by|assigned to))\s+([A-Z][a-z]+(?: [A-Z][a-z]+)?)`)},
	{schema.FieldSeverity, regexp.MustCompile(`(?i)\b(critical|high|medium|low)\s+(?:severity|priority)\b`)},
	{schema.FieldSeverity, regexp.MustCompile(`(?i)\b(?:severity|priority)\s+(?:is\s+|was\s+|of\s+)?(critical|high|medium|low)\b`)},
	{schema.FieldStatus, regexp.MustCompile(`(?i)\bstatus\s+(?:is\s+|was\s+)?(open|closed|resolved|in progress|pending)\b`)},
	{schema.FieldClassification, regexp.MustCompile(`(?i)\b((?:benign\s+)?true positive|false positive)\b`)},
	{schema.FieldIncidentNumber, regexp.MustCompile(`(?i)\bincident\s*(?:no\.?|number|id|#)?\s*[:#-]?\s*(\d{4,})\b`)},
	{schema.FieldResolutionTime, regexp.MustCompile(`(?i)\b(?:mttr|resolved in|resolution time)\s*(?:of|was|:)?\s*(\d+\s*(?:mins?|minutes|hours?|hrs?))\b`)},
}

// scanFreeText applies the pattern table to prose lines.
func (e *extraction) scanFreeText(prose string) {
	if prose == "" {
		return
	}
	for _, p := range freeTextPatterns {
		for _, m := range p.re.FindAllStringSubmatch(prose, -1) {
			e.add(p.field, m[1], schema.ConfidencePattern)
		}
	}
}
