package schema

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SectionID identifies one fixed report section.
type SectionID string

const (
	SectionHeader        SectionID = "header"
	SectionDescription   SectionID = "description"
	SectionInvestigation SectionID = "investigation"
	SectionHistory       SectionID = "history"
	SectionRemediation   SectionID = "remediation"
	SectionReference     SectionID = "reference"
	SectionCompleteness  SectionID = "completeness"
)

var sectionOrder = []SectionID{
	SectionHeader,
	SectionDescription,
	SectionInvestigation,
	SectionHistory,
	SectionRemediation,
	SectionReference,
	SectionCompleteness,
}

// SectionOrder returns the fixed order of report sections.
func SectionOrder() []SectionID {
	return append([]SectionID(nil), sectionOrder...)
}

// Title returns the heading text of a section. The header section title is
// built per report from the rule and alert name.
func (s SectionID) Title() string {
	switch s {
	case SectionDescription:
		return "Alert Description & Context"
	case SectionInvestigation:
		return "Step-by-Step Investigation Procedure"
	case SectionHistory:
		return "Historical/Tracker Context"
	case SectionRemediation:
		return "Remediation & Escalation"
	case SectionReference:
		return "Technical Reference"
	case SectionCompleteness:
		return "Report Completeness"
	}
	return "Alert"
}

// Section is one rendered report section.
type Section struct {
	ID       SectionID  `json:"id"`
	Title    string     `json:"title"`
	Lines    []string   `json:"lines"`
	NotFound bool       `json:"not_found,omitempty"`
	Fields   []FieldKey `json:"fields,omitempty"`
}

// Markdown renders the section with its heading.
func (s Section) Markdown() string {
	var b strings.Builder
	if s.ID == SectionHeader {
		b.WriteString("# ")
	} else {
		b.WriteString("## ")
	}
	b.WriteString(s.Title)
	b.WriteString("\n\n")
	for _, l := range s.Lines {
		b.WriteString(l)
		b.WriteString("\n")
	}
	return b.String()
}

// RenderedReport is the final L1 analyst report.
type RenderedReport struct {
	ID             uuid.UUID `json:"id"`
	RuleID         string    `json:"rule_id"`
	IncidentNumber string    `json:"incident_number,omitempty"`
	Sections       []Section `json:"sections"`
	Prose          string    `json:"prose,omitempty"`
	References     []string  `json:"references,omitempty"`
	SourceHash     string    `json:"source_hash"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// Section returns the section with the given id.
func (r *RenderedReport) Section(id SectionID) (Section, bool) {
	for _, s := range r.Sections {
		if s.ID == id {
			return s, true
		}
	}
	return Section{}, false
}

// Markdown renders the report. When validated prose is attached it replaces
// the body sections; the completeness footer is always the skeleton's.
func (r *RenderedReport) Markdown() string {
	var b strings.Builder
	if r.Prose != "" {
		b.WriteString(strings.TrimSpace(r.Prose))
		b.WriteString("\n\n")
		if s, ok := r.Section(SectionCompleteness); ok {
			b.WriteString(s.Markdown())
		}
		return b.String()
	}
	for i, s := range r.Sections {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(s.Markdown())
	}
	return b.String()
}

// Cause classifies why a request failed.
type Cause string

const (
	CauseIngestion        Cause = "ingestion"
	CauseFusionConflict   Cause = "fusion-conflict-unresolvable"
	CauseRendering        Cause = "rendering"
	CauseRenderingTimeout Cause = "rendering-timeout"
	CauseUnknown          Cause = "unknown"
)

// ErrorReport is the structured failure returned instead of a report.
type ErrorReport struct {
	ID        uuid.UUID `json:"id" validate:"required"`
	RuleID    string    `json:"rule_id"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Cause     Cause     `json:"cause" validate:"required,oneof=ingestion fusion-conflict-unresolvable rendering rendering-timeout unknown"`
	Message   string    `json:"message" validate:"required"`
	NextSteps []string  `json:"next_steps" validate:"min=1"`
}

// Markdown renders the error report for an operator.
func (e *ErrorReport) Markdown() string {
	var b strings.Builder
	rule := e.RuleID
	if rule == "" {
		rule = "unknown"
	}
	b.WriteString("# Error: report for rule " + rule + " could not be generated\n\n")
	b.WriteString("- **Rule ID**: " + rule + "\n")
	b.WriteString("- **Time (UTC)**: " + e.Timestamp.UTC().Format(time.RFC3339) + "\n")
	b.WriteString("- **Cause**: " + string(e.Cause) + "\n")
	b.WriteString("- **Details**: " + e.Message + "\n\n")
	b.WriteString("## Next Steps\n\n")
	for _, s := range e.NextSteps {
		b.WriteString("- " + s + "\n")
	}
	return b.String()
}

// Outcome is the result of one request: exactly one of Report or Error is set.
type Outcome struct {
	Report *RenderedReport `json:"report,omitempty"`
	Error  *ErrorReport    `json:"error,omitempty"`
}

// Failed reports whether the outcome carries an error report.
func (o Outcome) Failed() bool {
	return o.Error != nil
}

// Markdown renders whichever side of the outcome is set.
func (o Outcome) Markdown() string {
	if o.Error != nil {
		return o.Error.Markdown()
	}
	if o.Report != nil {
		return o.Report.Markdown()
	}
	return ""
}
