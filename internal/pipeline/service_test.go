package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"rulebrief/internal/cache"
	"rulebrief/internal/enrich"
	"rulebrief/internal/fusion"
	"rulebrief/internal/normalize"
	"rulebrief/internal/render"
	"rulebrief/internal/rulebook"
	"rulebrief/internal/schema"
)

var fixedTime = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func doc(id string, order int, content string) schema.RawSourceDocument {
	return schema.RawSourceDocument{
		ID:         id,
		Provenance: "sources/" + id,
		Order:      order,
		Content:    content,
		ReceivedAt: fixedTime.Add(-time.Hour),
	}
}

// rule002Docs are three sources for one incident: two name the engineer,
// one does not.
func rule002Docs() []schema.RawSourceDocument {
	return []schema.RawSourceDocument{
		doc("writeup.md", 1, "Rule 002\nIncident Number: 208307\nEngineer: Sarvesh\nSeverity: High"),
		doc("tracker.csv#row2", 2, `{"rule": "Rule 002 - Attempt to bypass conditional access", "incidnet no #": 208307,
			"name of the shift engineer": "Sarvesh", "status": "Closed", "false / true positive": "False Positive"}`),
		doc("notes.txt", 3, "Rule 002\nIncident Number: 208307\nStatus: Closed"),
	}
}

type stubEnricher struct {
	refs []string
	err  error
}

func (s stubEnricher) Enrich(context.Context, enrich.RuleContext) ([]string, error) {
	return s.refs, s.err
}

func testService(t *testing.T, renderOpts []render.Option, opts ...Option) *Service {
	t.Helper()

	reg := rulebook.NewRegistry(nil)
	err := reg.Register(&schema.RulebookProcedure{
		RuleID:             "002",
		Title:              "Attempt to bypass conditional access",
		InvestigationSteps: []schema.Step{{Order: 1, Instruction: "Review the sign-in logs of the user"}},
		RemediationActions: []string{"Reset the user's session tokens"},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	rOpts := append([]render.Option{
		render.WithClock(func() time.Time { return fixedTime }),
		render.WithIDFunc(func() uuid.UUID { return uuid.MustParse("00000000-0000-0000-0000-000000000001") }),
	}, renderOpts...)
	renderer := render.NewRenderer(render.DefaultConfig(), rOpts...)

	base := []Option{
		WithClock(func() time.Time { return fixedTime }),
		WithIDFunc(func() uuid.UUID { return uuid.MustParse("00000000-0000-0000-0000-0000000000ee") }),
	}
	return NewService(DefaultConfig(),
		normalize.NewNormalizer(normalize.DefaultNormalizerConfig()),
		fusion.NewEngine(fusion.DefaultConfig(), nil),
		reg,
		renderer,
		append(base, opts...)...,
	)
}

// checkOutcome enforces that exactly one side of an outcome is set.
func checkOutcome(t *testing.T, out schema.Outcome) {
	t.Helper()
	if (out.Report == nil) == (out.Error == nil) {
		t.Fatalf("outcome must carry exactly one of report or error: %+v", out)
	}
}

func section(t *testing.T, r *schema.RenderedReport, id schema.SectionID) schema.Section {
	t.Helper()
	s, ok := r.Section(id)
	if !ok {
		t.Fatalf("report has no %s section", id)
	}
	return s
}

func hasLine(s schema.Section, want string) bool {
	for _, l := range s.Lines {
		if l == want {
			return true
		}
	}
	return false
}

func TestService_Fuse_AgreeingEngineers(t *testing.T) {
	svc := testService(t, nil)

	recs, err := svc.Fuse(context.Background(), Request{RuleID: "2", Documents: rule002Docs()})
	if err != nil {
		t.Fatalf("Fuse() error = %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("Fuse() returned %d records, want 1", len(recs))
	}
	rec := recs[0]
	if diff := cmp.Diff(schema.RecordKey{RuleID: "002", IncidentNumber: "208307"}, rec.Key()); diff != "" {
		t.Errorf("Key() mismatch (-want +got):\n%s", diff)
	}

	eng := rec.Field(schema.FieldEngineer)
	if eng.Value != "Sarvesh" {
		t.Errorf("engineer = %q, want Sarvesh", eng.Value)
	}
	var ids []string
	for _, c := range eng.Provenance.Contributors {
		ids = append(ids, c.DocumentID)
	}
	if diff := cmp.Diff([]string{"writeup.md", "tracker.csv#row2"}, ids); diff != "" {
		t.Errorf("engineer contributors mismatch (-want +got):\n%s", diff)
	}
	if err := rec.Verify(rule002Docs()); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}

func TestService_Generate_Report(t *testing.T) {
	svc := testService(t, nil, WithEnricher(stubEnricher{refs: []string{"MITRE ATT&CK T1078: https://attack.mitre.org/techniques/T1078/"}}))

	out := svc.Generate(context.Background(), Request{RuleID: "Rule 002", Documents: rule002Docs()})
	checkOutcome(t, out)
	if out.Failed() {
		t.Fatalf("Generate() failed: %+v", out.Error)
	}
	r := out.Report
	if r.RuleID != "002" || r.IncidentNumber != "208307" {
		t.Errorf("report key = %s/%s, want 002/208307", r.RuleID, r.IncidentNumber)
	}

	var got []schema.SectionID
	for _, s := range r.Sections {
		got = append(got, s.ID)
	}
	if diff := cmp.Diff(schema.SectionOrder(), got); diff != "" {
		t.Errorf("section order mismatch (-want +got):\n%s", diff)
	}

	if s := section(t, r, schema.SectionHistory); !hasLine(s, "- **Engineer**: Sarvesh") {
		t.Errorf("history lines = %q", s.Lines)
	}
	if s := section(t, r, schema.SectionInvestigation); !hasLine(s, "1. Review the sign-in logs of the user") {
		t.Errorf("investigation lines = %q", s.Lines)
	}
	ref := section(t, r, schema.SectionReference)
	if !hasLine(ref, "- MITRE ATT&CK T1078: https://attack.mitre.org/techniques/T1078/") {
		t.Errorf("reference lines = %q", ref.Lines)
	}
}

func TestService_Generate_MissingFields(t *testing.T) {
	svc := testService(t, nil)
	docs := []schema.RawSourceDocument{
		doc("rule280.md", 1, "# Alert: Rule 280 - Suspicious mailbox forwarding\n\n• **Severity**: High\n• **Status**: Closed\n"),
	}

	out := svc.Generate(context.Background(), Request{RuleID: "280", Documents: docs})
	checkOutcome(t, out)
	if out.Failed() {
		t.Fatalf("Generate() failed: %+v", out.Error)
	}

	hist := section(t, out.Report, schema.SectionHistory)
	for _, want := range []string{
		"- **Engineer**: " + schema.NotFoundMarker,
		"- **Resolution Time**: " + schema.NotFoundMarker,
	} {
		if !hasLine(hist, want) {
			t.Errorf("history section missing %q, got %q", want, hist.Lines)
		}
	}
	desc := section(t, out.Report, schema.SectionDescription)
	if !hasLine(desc, "- **Severity**: High") {
		t.Errorf("description lines = %q", desc.Lines)
	}
	if out.Report.RuleID != "280" {
		t.Errorf("RuleID = %s, want 280", out.Report.RuleID)
	}
}

func TestService_Generate_UnknownRuleProcedure(t *testing.T) {
	svc := testService(t, nil)
	docs := []schema.RawSourceDocument{doc("n.txt", 1, "Rule 999\nSeverity: Low\nStatus: Open")}

	out := svc.Generate(context.Background(), Request{RuleID: "999", Documents: docs})
	checkOutcome(t, out)
	if out.Failed() {
		t.Fatalf("Generate() failed: %+v", out.Error)
	}
	inv := section(t, out.Report, schema.SectionInvestigation)
	if !inv.NotFound || !hasLine(inv, schema.NotFoundMarker) {
		t.Errorf("investigation section = %+v, want not found", inv)
	}
}

func TestService_Generate_NoDocuments(t *testing.T) {
	svc := testService(t, nil)

	out := svc.Generate(context.Background(), Request{RuleID: "014"})
	checkOutcome(t, out)
	if out.Failed() {
		t.Fatalf("Generate() failed: %+v", out.Error)
	}
	if got := len(out.Report.Sections); got != len(schema.SectionOrder()) {
		t.Errorf("report has %d sections", got)
	}
	if s := section(t, out.Report, schema.SectionHistory); !s.NotFound {
		t.Error("history section should be not found without sources")
	}
}

func TestService_Generate_DocumentTags(t *testing.T) {
	tagged := func(id, ruleID, content string) schema.RawSourceDocument {
		d := doc(id, 1, content)
		d.RuleID = ruleID
		return d
	}

	tests := []struct {
		name         string
		docs         []schema.RawSourceDocument
		wantEngineer string
	}{
		{
			name:         "unpadded tag",
			docs:         []schema.RawSourceDocument{tagged("row.json", "2", "Engineer: Sarvesh\nSeverity: High")},
			wantEngineer: "Sarvesh",
		},
		{
			name:         "spelled out tag",
			docs:         []schema.RawSourceDocument{tagged("row.json", "Rule 2", "Engineer: Priya")},
			wantEngineer: "Priya",
		},
		{
			name: "stated sentinel loses to older value",
			docs: []schema.RawSourceDocument{
				doc("a.md", 2, "Rule 002\nEngineer: NOT_FOUND"),
				doc("b.txt", 1, "Rule 002. The incident was handled by Sarvesh."),
			},
			wantEngineer: "Sarvesh",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := testService(t, nil)
			out := svc.Generate(context.Background(), Request{RuleID: "002", Documents: tt.docs})
			checkOutcome(t, out)
			if out.Failed() {
				t.Fatalf("Generate() failed: %+v", out.Error)
			}
			if out.Report.RuleID != "002" {
				t.Errorf("RuleID = %s, want 002", out.Report.RuleID)
			}
			if hist := section(t, out.Report, schema.SectionHistory); !hasLine(hist, "- **Engineer**: "+tt.wantEngineer) {
				t.Errorf("history lines = %q, want engineer %s", hist.Lines, tt.wantEngineer)
			}
		})
	}
}

func TestService_Generate_IncidentSelection(t *testing.T) {
	svc := testService(t, nil)
	docs := []schema.RawSourceDocument{
		doc("a.txt", 1, "Rule 002\nIncident Number: 208307\nStatus: Closed"),
		doc("b.txt", 2, "Rule 002\nIncident Number: 208400\nStatus: Open"),
	}

	tests := []struct {
		name         string
		incident     string
		wantIncident string
		wantRelated  string
	}{
		{"latest by default", "", "208400", "- Incident 208307: status Closed"},
		{"requested incident", "#208307", "208307", "- Incident 208400: status Open"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := svc.Generate(context.Background(), Request{RuleID: "002", IncidentNumber: tt.incident, Documents: docs})
			checkOutcome(t, out)
			if out.Failed() {
				t.Fatalf("Generate() failed: %+v", out.Error)
			}
			if out.Report.IncidentNumber != tt.wantIncident {
				t.Errorf("IncidentNumber = %s, want %s", out.Report.IncidentNumber, tt.wantIncident)
			}
			hist := section(t, out.Report, schema.SectionHistory)
			found := false
			for _, l := range hist.Lines {
				if strings.HasPrefix(l, tt.wantRelated) {
					found = true
				}
			}
			if !found {
				t.Errorf("history lines = %q, want a line starting %q", hist.Lines, tt.wantRelated)
			}
		})
	}
}

func TestService_Generate_Failures(t *testing.T) {
	panicking := render.WithProse(render.ProseFunc(func(context.Context, []schema.Section, render.Constraints) (string, error) {
		panic("nil map write in prose helper")
	}))

	tests := []struct {
		name       string
		renderOpts []render.Option
		req        Request
		wantCause  schema.Cause
		wantRule   string
	}{
		{
			name:      "invalid rule identifier",
			req:       Request{RuleID: "bypass", Documents: rule002Docs()},
			wantCause: schema.CauseIngestion,
			wantRule:  "bypass",
		},
		{
			name:      "no attributable documents",
			req:       Request{RuleID: "002", Documents: []schema.RawSourceDocument{doc("x", 1, "Engineer: Sarvesh")}},
			wantCause: schema.CauseIngestion,
			wantRule:  "002",
		},
		{
			name:      "invalid documents only",
			req:       Request{RuleID: "002", Documents: []schema.RawSourceDocument{{Content: "Rule 002"}}},
			wantCause: schema.CauseIngestion,
			wantRule:  "002",
		},
		{
			name:      "documents for another rule",
			req:       Request{RuleID: "002", Documents: []schema.RawSourceDocument{doc("y", 1, "Rule 280\nSeverity: High")}},
			wantCause: schema.CauseFusionConflict,
			wantRule:  "002",
		},
		{
			name:      "unknown incident",
			req:       Request{RuleID: "002", IncidentNumber: "999999", Documents: rule002Docs()},
			wantCause: schema.CauseIngestion,
			wantRule:  "002",
		},
		{
			name:       "report skeleton panics",
			renderOpts: []render.Option{render.WithIDFunc(func() uuid.UUID { panic("entropy exhausted") })},
			req:        Request{RuleID: "002", Documents: rule002Docs()},
			wantCause:  schema.CauseRendering,
			wantRule:   "002",
		},
		{
			name:       "prose generator panics",
			renderOpts: []render.Option{panicking},
			req:        Request{RuleID: "002", Documents: rule002Docs()},
			wantCause:  schema.CauseRendering,
			wantRule:   "002",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := testService(t, tt.renderOpts)
			out := svc.Generate(context.Background(), tt.req)
			checkOutcome(t, out)
			if !out.Failed() {
				t.Fatal("Generate() should fail")
			}
			e := out.Error
			if e.Cause != tt.wantCause {
				t.Errorf("Cause = %s, want %s (message %q)", e.Cause, tt.wantCause, e.Message)
			}
			if e.RuleID != tt.wantRule {
				t.Errorf("RuleID = %q, want %q", e.RuleID, tt.wantRule)
			}
			if !e.Timestamp.Equal(fixedTime) || e.Timestamp.Location() != time.UTC {
				t.Errorf("Timestamp = %v, want %v UTC", e.Timestamp, fixedTime)
			}
			if len(e.NextSteps) == 0 || e.Message == "" {
				t.Errorf("error report incomplete: %+v", e)
			}
			if strings.Contains(e.Message, "goroutine") || strings.Contains(e.Message, ".go:") {
				t.Errorf("Message leaks a stack trace: %q", e.Message)
			}
		})
	}
}

func TestService_Generate_RenderingTimeout(t *testing.T) {
	hang := render.ProseFunc(func(ctx context.Context, _ []schema.Section, _ render.Constraints) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	reg := rulebook.NewRegistry(nil)
	renderer := render.NewRenderer(render.Config{Timeout: 20 * time.Millisecond}, render.WithProse(hang))
	svc := NewService(DefaultConfig(),
		normalize.NewNormalizer(normalize.DefaultNormalizerConfig()),
		fusion.NewEngine(fusion.DefaultConfig(), nil),
		reg, renderer,
	)

	out := svc.Generate(context.Background(), Request{RuleID: "002", Documents: rule002Docs()})
	checkOutcome(t, out)
	if !out.Failed() || out.Error.Cause != schema.CauseRenderingTimeout {
		t.Fatalf("Generate() = %+v, want rendering-timeout", out)
	}
}

func TestService_Generate_Cancelled(t *testing.T) {
	svc := testService(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := svc.Generate(ctx, Request{RuleID: "002", Documents: rule002Docs()})
	checkOutcome(t, out)
	if !out.Failed() || out.Error.Cause != schema.CauseUnknown {
		t.Fatalf("Generate() = %+v, want unknown cause", out)
	}
}

func TestService_Generate_EnrichmentFailureDegrades(t *testing.T) {
	svc := testService(t, nil, WithEnricher(stubEnricher{err: errors.New("lookup unavailable")}))

	out := svc.Generate(context.Background(), Request{RuleID: "002", Documents: rule002Docs()})
	checkOutcome(t, out)
	if out.Failed() {
		t.Fatalf("Generate() failed: %+v", out.Error)
	}
	if ref := section(t, out.Report, schema.SectionReference); !ref.NotFound {
		t.Errorf("reference section = %+v, want not found", ref)
	}
}

func TestService_Generate_SharedCache(t *testing.T) {
	c := cache.New(cache.NewMemoryTier(), cache.DefaultConfig(), nil)
	svc := testService(t, nil, WithCache(c))
	req := Request{RuleID: "002", Documents: rule002Docs()}

	var wg sync.WaitGroup
	outcomes := make([]schema.Outcome, 8)
	for i := range outcomes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = svc.Generate(context.Background(), req)
		}()
	}
	wg.Wait()

	for i, out := range outcomes {
		checkOutcome(t, out)
		if out.Failed() {
			t.Fatalf("request %d failed: %+v", i, out.Error)
		}
		if out.Report.SourceHash != outcomes[0].Report.SourceHash {
			t.Errorf("request %d source hash differs", i)
		}
	}
	if st := c.Stats(); st.Fusions != 1 {
		t.Errorf("Fusions = %d, want 1 for one key", st.Fusions)
	}

	// An edited source changes the key and forces a new fusion
	docs := rule002Docs()
	docs[2].Content += "\nQuality Audit: Pass"
	out := svc.Generate(context.Background(), Request{RuleID: "002", Documents: docs})
	checkOutcome(t, out)
	if out.Failed() {
		t.Fatalf("Generate() failed: %+v", out.Error)
	}
	if st := c.Stats(); st.Fusions != 2 {
		t.Errorf("Fusions = %d, want 2 after a source edit", st.Fusions)
	}
}

func TestService_Generate_ReorderedSources(t *testing.T) {
	c := cache.New(cache.NewMemoryTier(), cache.DefaultConfig(), nil)
	svc := testService(t, nil, WithCache(c))

	tests := []struct {
		name         string
		orders       [2]int
		wantEngineer string
		wantFusions  int64
	}{
		{"newer source names Priya", [2]int{1, 2}, "Priya", 1},
		{"order swapped", [2]int{2, 1}, "Sarvesh", 2},
		{"same order again", [2]int{2, 1}, "Sarvesh", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs := []schema.RawSourceDocument{
				doc("a.md", tt.orders[0], "Rule 002\nIncident Number: 208307\nEngineer: Sarvesh"),
				doc("b.md", tt.orders[1], "Rule 002\nIncident Number: 208307\nEngineer: Priya"),
			}
			out := svc.Generate(context.Background(), Request{RuleID: "002", Documents: docs})
			checkOutcome(t, out)
			if out.Failed() {
				t.Fatalf("Generate() failed: %+v", out.Error)
			}
			if hist := section(t, out.Report, schema.SectionHistory); !hasLine(hist, "- **Engineer**: "+tt.wantEngineer) {
				t.Errorf("history lines = %q, want engineer %s", hist.Lines, tt.wantEngineer)
			}
			if st := c.Stats(); st.Fusions != tt.wantFusions {
				t.Errorf("Fusions = %d, want %d", st.Fusions, tt.wantFusions)
			}
		})
	}
}

func TestService_GenerateBatch(t *testing.T) {
	svc := testService(t, nil)
	reqs := []Request{
		{RuleID: "002", Documents: rule002Docs()},
		{RuleID: "nope"},
		{RuleID: "014"},
	}

	outs := svc.GenerateBatch(context.Background(), reqs)
	if len(outs) != len(reqs) {
		t.Fatalf("GenerateBatch() returned %d outcomes, want %d", len(outs), len(reqs))
	}
	for _, out := range outs {
		checkOutcome(t, out)
	}
	if outs[0].Failed() || !outs[1].Failed() || outs[2].Failed() {
		t.Errorf("unexpected outcome pattern: %v %v %v", outs[0].Failed(), outs[1].Failed(), outs[2].Failed())
	}
	if outs[2].Report.RuleID != "014" {
		t.Errorf("outcome order not preserved: %s", outs[2].Report.RuleID)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want schema.Cause
	}{
		{"timeout", render.ErrRenderingTimeout, schema.CauseRenderingTimeout},
		{"deadline", context.DeadlineExceeded, schema.CauseRenderingTimeout},
		{"render fault", &render.FaultError{Stage: "guard", Err: errors.New("banned section")}, schema.CauseRendering},
		{"conflict", &fusion.ConflictError{Field: schema.FieldRuleID}, schema.CauseFusionConflict},
		{"no matching records", ErrNoMatchingRecords, schema.CauseFusionConflict},
		{"ingestion", &IngestionError{RuleID: "002", Reason: "x"}, schema.CauseIngestion},
		{"cancelled", context.Canceled, schema.CauseUnknown},
		{"panic", ErrInternal, schema.CauseUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestNextSteps(t *testing.T) {
	steps := NextSteps(schema.CauseIngestion, "002")
	if len(steps) != 3 {
		t.Fatalf("NextSteps() = %v", steps)
	}
	if !strings.Contains(steps[0], "rule 002") {
		t.Errorf("first step = %q, want the rule named", steps[0])
	}
	if !strings.Contains(steps[len(steps)-1], "Escalate") {
		t.Errorf("last step = %q, want escalation", steps[len(steps)-1])
	}
}
