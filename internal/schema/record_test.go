package schema

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func testRecord() (*CanonicalRuleRecord, RawSourceDocument) {
	doc := RawSourceDocument{ID: "doc-1", Provenance: "writeups/002.md", Content: "Engineer: Sarvesh"}
	ref := doc.Ref()
	rec := NewCanonicalRuleRecord(
		RecordKey{RuleID: "002", IncidentNumber: "208307"},
		[]ResolvedField{
			{Key: FieldRuleID, Value: "002", Confidence: ConfidenceStructured, Provenance: FieldProvenance{Contributors: []SourceRef{ref}}},
			{Key: FieldEngineer, Value: "Sarvesh", Confidence: ConfidenceStructured, Provenance: FieldProvenance{
				Contributors: []SourceRef{ref},
				Discarded:    []Alternative{{Value: "Ravi", Confidence: ConfidencePattern, Reason: "lower confidence"}},
			}},
		},
		[]SourceRef{ref},
		"abc",
	)
	return rec, doc
}

func TestNewCanonicalRuleRecord_FillsEveryField(t *testing.T) {
	rec, _ := testRecord()

	fields := rec.Fields()
	if len(fields) != len(AllFields()) {
		t.Fatalf("len(Fields()) = %d, want %d", len(fields), len(AllFields()))
	}
	for i, k := range AllFields() {
		if fields[i].Key != k {
			t.Errorf("Fields()[%d].Key = %s, want %s", i, fields[i].Key, k)
		}
	}
	if got := rec.Value(FieldEngineer); got != "Sarvesh" {
		t.Errorf("Value(engineer) = %q, want %q", got, "Sarvesh")
	}
	if got := rec.Value(FieldSeverity); got != NotFound {
		t.Errorf("Value(severity) = %q, want %q", got, NotFound)
	}
	if got := rec.ResolvedCount(); got != 2 {
		t.Errorf("ResolvedCount() = %d, want 2", got)
	}
	if got := rec.Conflicts(); got != 1 {
		t.Errorf("Conflicts() = %d, want 1", got)
	}
	if got := len(rec.MissingFields()); got != len(AllFields())-2 {
		t.Errorf("len(MissingFields()) = %d, want %d", got, len(AllFields())-2)
	}
}

func TestCanonicalRuleRecord_AccessorsReturnCopies(t *testing.T) {
	rec, _ := testRecord()

	f := rec.Field(FieldEngineer)
	f.Value = "Mallory"
	f.Provenance.Discarded[0].Value = "Mallory"

	again := rec.Field(FieldEngineer)
	if again.Value != "Sarvesh" {
		t.Errorf("Field(engineer).Value = %q after caller mutation, want %q", again.Value, "Sarvesh")
	}
	if again.Provenance.Discarded[0].Value != "Ravi" {
		t.Errorf("discarded value = %q after caller mutation, want %q", again.Provenance.Discarded[0].Value, "Ravi")
	}
}

func TestCanonicalRuleRecord_JSONStable(t *testing.T) {
	rec, _ := testRecord()

	first, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var decoded CanonicalRuleRecord
	if err := json.Unmarshal(first, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	second, err := json.Marshal(&decoded)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if diff := cmp.Diff(string(first), string(second)); diff != "" {
		t.Errorf("re-encoded record differs (-first +second):\n%s", diff)
	}
}

func TestCanonicalRuleRecord_Verify(t *testing.T) {
	rec, doc := testRecord()

	if err := rec.Verify([]RawSourceDocument{doc}); err != nil {
		t.Errorf("Verify() error = %v, want nil", err)
	}

	other := RawSourceDocument{ID: "doc-2", Provenance: "other.md", Content: "x"}
	if err := rec.Verify([]RawSourceDocument{other}); err == nil {
		t.Error("Verify() should fail when no contributor is among the documents")
	}

	edited := doc
	edited.Content = "Engineer: Ravi"
	if err := rec.Verify([]RawSourceDocument{edited}); err == nil {
		t.Error("Verify() should fail when the contributing document changed")
	}

	orphan := NewCanonicalRuleRecord(RecordKey{RuleID: "002"}, []ResolvedField{{Key: FieldSeverity, Value: "High"}}, nil, "")
	if err := orphan.Verify([]RawSourceDocument{doc}); err == nil {
		t.Error("Verify() should fail for a value without contributors")
	}
}

func TestRecordKey_String(t *testing.T) {
	tests := []struct {
		key  RecordKey
		want string
	}{
		{RecordKey{RuleID: "002", IncidentNumber: "208307"}, "002#208307"},
		{RecordKey{RuleID: "280"}, "280#-"},
	}
	for _, tt := range tests {
		if got := tt.key.String(); got != tt.want {
			t.Errorf("RecordKey.String() = %q, want %q", got, tt.want)
		}
	}
}

func TestFieldKey_Label(t *testing.T) {
	tests := []struct {
		key  FieldKey
		want string
	}{
		{FieldRuleID, "Rule ID"},
		{FieldQualityAudit, "Quality Audit"},
		{FieldResolutionTime, "Resolution Time"},
		{FieldVIPUsers, "VIP Users"},
	}
	for _, tt := range tests {
		if got := tt.key.Label(); got != tt.want {
			t.Errorf("%s.Label() = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestSourceRef_Newer(t *testing.T) {
	a := SourceRef{DocumentID: "a", Order: 1}
	b := SourceRef{DocumentID: "b", Order: 2}
	c := SourceRef{DocumentID: "c", Order: 2}

	if !b.Newer(a) || a.Newer(b) {
		t.Error("higher order should be newer")
	}
	if !c.Newer(b) || b.Newer(c) {
		t.Error("equal order should fall back to document id")
	}
}

func TestOutcome_Markdown(t *testing.T) {
	report := &RenderedReport{
		ID:     uuid.New(),
		RuleID: "002",
		Sections: []Section{
			{ID: SectionHeader, Title: "Alert: 002 - Bypass", Lines: []string{"**Incident**: 208307"}},
			{ID: SectionDescription, Title: SectionDescription.Title(), Lines: []string{"- **Severity**: High"}},
		},
	}
	md := Outcome{Report: report}.Markdown()
	for _, want := range []string{"# Alert: 002 - Bypass", "## Alert Description & Context", "- **Severity**: High"} {
		if !strings.Contains(md, want) {
			t.Errorf("Markdown() missing %q:\n%s", want, md)
		}
	}

	errReport := &ErrorReport{
		RuleID:    "002",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Cause:     CauseRenderingTimeout,
		Message:   "timed out",
		NextSteps: []string{"Retry"},
	}
	out := Outcome{Error: errReport}
	if !out.Failed() {
		t.Error("Failed() = false, want true")
	}
	md = out.Markdown()
	for _, want := range []string{"rendering-timeout", "2026-01-02T03:04:05Z", "- Retry"} {
		if !strings.Contains(md, want) {
			t.Errorf("Markdown() missing %q:\n%s", want, md)
		}
	}
}
