package normalize

import (
	"strings"

	"rulebrief/internal/schema"
)

// DefaultFieldAliases maps normalized labels (tracker column headers, JSON
// keys and key/value line labels) to canonical field keys.
var DefaultFieldAliases = map[string]schema.FieldKey{
	// Incident tracker columns, including the sheet's own misspellings
	"incidnet no #":   schema.FieldIncidentNumber,
	"incident no #":   schema.FieldIncidentNumber,
	"incident no":     schema.FieldIncidentNumber,
	"incident no.":    schema.FieldIncidentNumber,
	"incident number": schema.FieldIncidentNumber,
	"incident_number": schema.FieldIncidentNumber,
	"incident id":     schema.FieldIncidentNumber,
	"incident #":      schema.FieldIncidentNumber,
	"incident":        schema.FieldIncidentNumber,

	"alert name":  schema.FieldAlertName,
	"alert_name":  schema.FieldAlertName,
	"alert title": schema.FieldAlertName,
	"rule name":   schema.FieldAlertName,
	"rule_name":   schema.FieldAlertName,

	"date":          schema.FieldDateTime,
	"date/time":     schema.FieldDateTime,
	"date & time":   schema.FieldDateTime,
	"date and time": schema.FieldDateTime,
	"date_time":     schema.FieldDateTime,
	"datetime":      schema.FieldDateTime,
	"reported time": schema.FieldDateTime,

	"name of the shift engineer": schema.FieldEngineer,
	"shift engineer":             schema.FieldEngineer,
	"engineer":                   schema.FieldEngineer,
	"analyst":                    schema.FieldEngineer,
	"assigned to":                schema.FieldEngineer,
	"handled by":                 schema.FieldEngineer,

	"severity": schema.FieldSeverity,
	"priority": schema.FieldSeverity,

	"status":          schema.FieldStatus,
	"incident status": schema.FieldStatus,

	"false / true positive": schema.FieldClassification,
	"false/true positive":   schema.FieldClassification,
	"true / false positive": schema.FieldClassification,
	"true/false positive":   schema.FieldClassification,
	"classification":        schema.FieldClassification,
	"verdict":               schema.FieldClassification,

	"triaging steps":        schema.FieldInvestigation,
	"investigation":         schema.FieldInvestigation,
	"investigation summary": schema.FieldInvestigation,
	"investigation notes":   schema.FieldInvestigation,
	"investigation steps":   schema.FieldInvestigation,

	"resolver comments":  schema.FieldRemediation,
	"remediation":        schema.FieldRemediation,
	"remediation steps":  schema.FieldRemediation,
	"remediation action": schema.FieldRemediation,
	"actions taken":      schema.FieldRemediation,
	"resolution":         schema.FieldRemediation,

	"procedure":       schema.FieldProcedureSteps,
	"procedure steps": schema.FieldProcedureSteps,
	"procedure_steps": schema.FieldProcedureSteps,
	"instructions":    schema.FieldProcedureSteps,

	"quality audit":         schema.FieldQualityAudit,
	"quality_audit":         schema.FieldQualityAudit,
	"quality audit verdict": schema.FieldQualityAudit,
	"qa":                    schema.FieldQualityAudit,

	"mttr (mins)":     schema.FieldResolutionTime,
	"mttr":            schema.FieldResolutionTime,
	"resolution time": schema.FieldResolutionTime,
	"resolution_time": schema.FieldResolutionTime,
	"time to resolve": schema.FieldResolutionTime,

	"escalated to": schema.FieldEscalatedTo,
	"escalated_to": schema.FieldEscalatedTo,
	"escalation":   schema.FieldEscalatedTo,

	"vip users": schema.FieldVIPUsers,
	"vip user":  schema.FieldVIPUsers,
	"vip_users": schema.FieldVIPUsers,

	"data connecter": schema.FieldDataConnector,
	"data connector": schema.FieldDataConnector,
	"data_connector": schema.FieldDataConnector,
}

// ruleLabels are labels whose value names the rule itself.
var ruleLabels = map[string]bool{
	"rule":        true,
	"rule id":     true,
	"rule_id":     true,
	"rule #":      true,
	"rule no":     true,
	"rule number": true,
}

// DefaultUnknownMarkers are values a source uses to state that a fact is
// unknown. They are compared after normalizeLabel.
var DefaultUnknownMarkers = []string{
	"not found in provided context",
	"not found",
	"not_found",
	"not provided",
	"not available",
	"insufficient data",
	"n/a",
	"na",
	"unknown",
	"nan",
	"null",
	"tbd",
	"-",
}

// normalizeLabel lowercases a label, strips markdown emphasis and collapses
// internal whitespace.
func normalizeLabel(s string) string {
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "__", "")
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimRight(s, ":")
	return strings.Join(strings.Fields(s), " ")
}

// sectionField maps a markdown heading to the narrative field its body feeds.
func sectionField(heading string) (schema.FieldKey, bool) {
	h := normalizeLabel(heading)
	switch {
	case strings.Contains(h, "procedure"):
		return schema.FieldProcedureSteps, true
	case strings.Contains(h, "investigation") || strings.Contains(h, "triaging"):
		return schema.FieldInvestigation, true
	case strings.Contains(h, "remediation") || strings.Contains(h, "resolver"):
		return schema.FieldRemediation, true
	}
	return "", false
}
