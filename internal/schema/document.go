// Package schema defines the data model shared by the normalizer, the fusion
// engine, the rulebook linker and the report renderer.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// NotFound is the sentinel stored in a canonical field that no source resolved.
const NotFound = "NOT_FOUND"

// NotFoundMarker is the literal text rendered for a NotFound field.
const NotFoundMarker = "Not found in provided context"

// DocumentKind describes where a raw document came from.
type DocumentKind string

const (
	KindTracker  DocumentKind = "tracker"
	KindRulebook DocumentKind = "rulebook"
	KindWriteup  DocumentKind = "writeup"
	KindUnknown  DocumentKind = "unknown"
)

// RawSourceDocument is one opaque per-rule input document. It is treated as a
// value: nothing downstream of ingestion modifies it.
type RawSourceDocument struct {
	ID             string       `json:"id" validate:"required,max=512"`
	RuleID         string       `json:"rule_id,omitempty" validate:"omitempty,rule_ref"`
	IncidentNumber string       `json:"incident_number,omitempty" validate:"max=64"`
	Provenance     string       `json:"provenance" validate:"required,max=1024"`
	Kind           DocumentKind `json:"kind,omitempty" validate:"omitempty,oneof=tracker rulebook writeup unknown"`
	Order          int          `json:"order" validate:"min=0"`
	Content        string       `json:"content" validate:"max=4194304"`
	ReceivedAt     time.Time    `json:"received_at"`
}

// ContentHash returns a stable digest of the document's provenance and content.
func (d RawSourceDocument) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(d.Provenance))
	h.Write([]byte{0})
	h.Write([]byte(d.Content))
	return hex.EncodeToString(h.Sum(nil))
}

// Ref returns the provenance reference recorded against extracted facts.
func (d RawSourceDocument) Ref() SourceRef {
	return SourceRef{
		DocumentID: d.ID,
		Provenance: d.Provenance,
		Order:      d.Order,
		ReceivedAt: d.ReceivedAt,
		Hash:       d.ContentHash(),
	}
}

// SourceRef identifies the document a fact was extracted from.
type SourceRef struct {
	DocumentID string    `json:"document_id"`
	Provenance string    `json:"provenance"`
	Order      int       `json:"order"`
	ReceivedAt time.Time `json:"received_at"`
	Hash       string    `json:"hash,omitempty"`
}

// Newer reports whether r comes later than other in provenance order.
// Ties on order fall back to receive time, then document ID, so the result is
// total.
func (r SourceRef) Newer(other SourceRef) bool {
	if r.Order != other.Order {
		return r.Order > other.Order
	}
	if !r.ReceivedAt.Equal(other.ReceivedAt) {
		return r.ReceivedAt.After(other.ReceivedAt)
	}
	return r.DocumentID > other.DocumentID
}

var ruleIDInput = regexp.MustCompile(`(?i)^\s*(?:rule\s*)?(?:id\s*)?#?\s*:?\s*(\d{1,4})\s*$`)

// NormalizeRuleID canonicalizes a rule identifier such as "2", "Rule 2",
// "rule#002" or "0002" to its zero-padded three digit form ("002").
// Identifiers above 999 keep their natural width.
func NormalizeRuleID(s string) (string, bool) {
	m := ruleIDInput.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return "", false
	}
	return PadRuleID(n), true
}

// PadRuleID formats a numeric rule identifier.
func PadRuleID(n int) string {
	s := strconv.Itoa(n)
	if len(s) < 3 {
		s = strings.Repeat("0", 3-len(s)) + s
	}
	return s
}

// CanonicalText folds case and whitespace so that equivalent values compare
// equal.
func CanonicalText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
