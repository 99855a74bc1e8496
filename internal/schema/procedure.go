package schema

// Step is one ordered instruction of a rulebook procedure.
type Step struct {
	Order       int    `yaml:"order" json:"order" validate:"min=0"`
	Instruction string `yaml:"instruction" json:"instruction" validate:"required"`
	Inputs      string `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Duration    string `yaml:"duration,omitempty" json:"duration,omitempty"`
}

// RulebookProcedure is the authoritative investigation procedure for a rule.
type RulebookProcedure struct {
	RuleID             string   `yaml:"rule_id" json:"rule_id" validate:"required,rule_id"`
	Title              string   `yaml:"title" json:"title"`
	Description        string   `yaml:"description" json:"description"`
	InvestigationSteps []Step   `yaml:"investigation_steps" json:"investigation_steps" validate:"dive"`
	RemediationActions []string `yaml:"remediation_actions" json:"remediation_actions"`
	Escalation         string   `yaml:"escalation" json:"escalation"`
	Source             string   `yaml:"-" json:"source,omitempty"`

	// Placeholder is set on the stand-in returned for a rule with no entry.
	Placeholder bool `yaml:"-" json:"placeholder,omitempty"`
}

// Clone returns a deep copy.
func (p *RulebookProcedure) Clone() *RulebookProcedure {
	if p == nil {
		return nil
	}
	out := *p
	out.InvestigationSteps = append([]Step(nil), p.InvestigationSteps...)
	out.RemediationActions = append([]string(nil), p.RemediationActions...)
	return &out
}

// PlaceholderProcedure is linked when the rulebook has no entry for a rule.
func PlaceholderProcedure(ruleID string) *RulebookProcedure {
	return &RulebookProcedure{
		RuleID:      ruleID,
		Placeholder: true,
	}
}
