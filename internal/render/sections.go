package render

import (
	"fmt"
	"strings"

	"rulebrief/internal/schema"
)

// Input is everything the renderer may place in a report.
type Input struct {
	Record     *schema.CanonicalRuleRecord
	Procedure  *schema.RulebookProcedure
	References []string

	// Related holds the other incidents of the same rule.
	Related []*schema.CanonicalRuleRecord
}

func (in Input) procedureMissing() bool {
	return in.Procedure == nil || in.Procedure.Placeholder
}

var (
	descriptionFields = []schema.FieldKey{
		schema.FieldAlertName,
		schema.FieldDateTime,
		schema.FieldSeverity,
		schema.FieldStatus,
		schema.FieldClassification,
		schema.FieldDataConnector,
		schema.FieldVIPUsers,
	}
	historyFields = []schema.FieldKey{
		schema.FieldEngineer,
		schema.FieldResolutionTime,
		schema.FieldQualityAudit,
	}
)

// Skeleton builds the fixed report sections from the input. It is a pure
// function of in.
func Skeleton(in Input) []schema.Section {
	rec := in.Record
	return []schema.Section{
		headerSection(rec),
		descriptionSection(rec, in.Procedure),
		investigationSection(rec, in),
		historySection(rec, in.Related),
		remediationSection(rec, in),
		referenceSection(in.References),
		completenessSection(rec, in),
	}
}

// display renders a canonical value, substituting the not-found marker.
func display(v string) string {
	if v == schema.NotFound || strings.TrimSpace(v) == "" {
		return schema.NotFoundMarker
	}
	return v
}

func fieldLine(rec *schema.CanonicalRuleRecord, k schema.FieldKey) string {
	return fmt.Sprintf("- **%s**: %s", k.Label(), display(rec.Value(k)))
}

func headerSection(rec *schema.CanonicalRuleRecord) schema.Section {
	key := rec.Key()
	incident := key.IncidentNumber
	if incident == "" {
		incident = rec.Value(schema.FieldIncidentNumber)
	}
	return schema.Section{
		ID:    schema.SectionHeader,
		Title: fmt.Sprintf("Alert: %s - %s", key.RuleID, display(rec.Value(schema.FieldAlertName))),
		Lines: []string{
			fmt.Sprintf("**Rule ID**: %s", key.RuleID),
			fmt.Sprintf("**Incident Number**: %s", display(incident)),
		},
		Fields: []schema.FieldKey{schema.FieldRuleID, schema.FieldIncidentNumber, schema.FieldAlertName},
	}
}

func descriptionSection(rec *schema.CanonicalRuleRecord, proc *schema.RulebookProcedure) schema.Section {
	s := schema.Section{
		ID:     schema.SectionDescription,
		Title:  schema.SectionDescription.Title(),
		Fields: append([]schema.FieldKey(nil), descriptionFields...),
	}
	found := false
	for _, k := range descriptionFields {
		s.Lines = append(s.Lines, fieldLine(rec, k))
		found = found || rec.Value(k) != schema.NotFound
	}
	if proc != nil && proc.Description != "" {
		s.Lines = append(s.Lines, "", proc.Description)
		found = true
	}
	s.NotFound = !found
	return s
}

func investigationSection(rec *schema.CanonicalRuleRecord, in Input) schema.Section {
	s := schema.Section{
		ID:     schema.SectionInvestigation,
		Title:  schema.SectionInvestigation.Title(),
		Fields: []schema.FieldKey{schema.FieldProcedureSteps},
	}

	// Rulebook steps take precedence over steps recorded in write-ups
	if !in.procedureMissing() && len(in.Procedure.InvestigationSteps) > 0 {
		for _, st := range in.Procedure.InvestigationSteps {
			line := fmt.Sprintf("%d. %s", st.Order, st.Instruction)
			var extra []string
			if st.Inputs != "" {
				extra = append(extra, "Inputs: "+st.Inputs)
			}
			if st.Duration != "" {
				extra = append(extra, "Duration: "+st.Duration)
			}
			if len(extra) > 0 {
				line += " (" + strings.Join(extra, "; ") + ")"
			}
			s.Lines = append(s.Lines, line)
		}
		return s
	}

	if steps := rec.Value(schema.FieldProcedureSteps); steps != schema.NotFound {
		s.Lines = append(s.Lines, strings.Split(steps, "\n")...)
		return s
	}

	s.Lines = []string{schema.NotFoundMarker}
	s.NotFound = true
	return s
}

func historySection(rec *schema.CanonicalRuleRecord, related []*schema.CanonicalRuleRecord) schema.Section {
	s := schema.Section{
		ID:     schema.SectionHistory,
		Title:  schema.SectionHistory.Title(),
		Fields: append(append([]schema.FieldKey(nil), historyFields...), schema.FieldInvestigation),
	}
	found := false
	for _, k := range historyFields {
		s.Lines = append(s.Lines, fieldLine(rec, k))
		found = found || rec.Value(k) != schema.NotFound
	}

	notes := rec.Value(schema.FieldInvestigation)
	s.Lines = append(s.Lines, "", "**Investigation Notes**:")
	if notes == schema.NotFound {
		s.Lines = append(s.Lines, schema.NotFoundMarker)
	} else {
		s.Lines = append(s.Lines, strings.Split(notes, "\n")...)
		found = true
	}

	if len(related) > 0 {
		s.Lines = append(s.Lines, "", "**Other incidents of this rule**:")
		for _, r := range related {
			inc := r.Key().IncidentNumber
			if inc == "" {
				inc = "unnumbered"
			}
			s.Lines = append(s.Lines, fmt.Sprintf("- Incident %s: status %s, classification %s, resolution time %s",
				inc,
				display(r.Value(schema.FieldStatus)),
				display(r.Value(schema.FieldClassification)),
				display(r.Value(schema.FieldResolutionTime)),
			))
		}
	}

	s.NotFound = !found
	return s
}

func remediationSection(rec *schema.CanonicalRuleRecord, in Input) schema.Section {
	s := schema.Section{
		ID:     schema.SectionRemediation,
		Title:  schema.SectionRemediation.Title(),
		Fields: []schema.FieldKey{schema.FieldRemediation, schema.FieldEscalatedTo},
	}
	found := false

	if !in.procedureMissing() && len(in.Procedure.RemediationActions) > 0 {
		for _, a := range in.Procedure.RemediationActions {
			s.Lines = append(s.Lines, "- "+a)
		}
		found = true
	}

	s.Lines = append(s.Lines, "**Previous Remediation**:")
	if v := rec.Value(schema.FieldRemediation); v != schema.NotFound {
		s.Lines = append(s.Lines, strings.Split(v, "\n")...)
		found = true
	} else {
		s.Lines = append(s.Lines, schema.NotFoundMarker)
	}

	s.Lines = append(s.Lines, fieldLine(rec, schema.FieldEscalatedTo))
	found = found || rec.Value(schema.FieldEscalatedTo) != schema.NotFound
	if !in.procedureMissing() && in.Procedure.Escalation != "" {
		s.Lines = append(s.Lines, "- **Escalation Path**: "+in.Procedure.Escalation)
		found = true
	}

	s.NotFound = !found
	return s
}

func referenceSection(refs []string) schema.Section {
	s := schema.Section{
		ID:    schema.SectionReference,
		Title: schema.SectionReference.Title(),
	}
	for _, r := range refs {
		s.Lines = append(s.Lines, "- "+r)
	}
	if len(s.Lines) == 0 {
		s.Lines = []string{schema.NotFoundMarker}
		s.NotFound = true
	}
	return s
}

func completenessSection(rec *schema.CanonicalRuleRecord, in Input) schema.Section {
	total := len(schema.AllFields())
	missing := rec.MissingFields()
	names := make([]string, 0, len(missing))
	for _, k := range missing {
		names = append(names, string(k))
	}
	missingLine := "none"
	if len(names) > 0 {
		missingLine = strings.Join(names, ", ")
	}
	procedure := "linked"
	if in.procedureMissing() {
		procedure = "not found"
	}

	return schema.Section{
		ID:    schema.SectionCompleteness,
		Title: schema.SectionCompleteness.Title(),
		Lines: []string{
			fmt.Sprintf("- Resolved fields: %d of %d", total-len(missing), total),
			"- Not found: " + missingLine,
			fmt.Sprintf("- Contributing documents: %d", len(rec.Sources())),
			fmt.Sprintf("- Recorded conflicts: %d", rec.Conflicts()),
			"- Rulebook procedure: " + procedure,
		},
	}
}
