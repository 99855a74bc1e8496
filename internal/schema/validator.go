package schema

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// ruleIDPattern is the canonical form of a rule identifier: three or four
// digits, zero-padded.
var ruleIDPattern = regexp.MustCompile(`^\d{3,4}$`)

// Validator checks raw documents and rulebook procedures before they enter
// the pipeline.
type Validator struct {
	validate  *validator.Validate
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("rule_id", func(fl validator.FieldLevel) bool {
		return ruleIDPattern.MatchString(fl.Field().String())
	})
	// rule_ref accepts any spelling NormalizeRuleID resolves, such as "2" or "Rule 2".
	v.RegisterValidation("rule_ref", func(fl validator.FieldLevel) bool {
		_, ok := NormalizeRuleID(fl.Field().String())
		return ok
	})

	return &Validator{
		validate:  v,
		maxFuture: cfg.MaxFuture,
	}
}

// ValidateDocument validates a raw source document.
func (v *Validator) ValidateDocument(doc *RawSourceDocument) error {
	if err := v.validate.Struct(doc); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if !doc.ReceivedAt.IsZero() && doc.ReceivedAt.After(time.Now().UTC().Add(v.maxFuture)) {
		return fmt.Errorf("received_at in future: %v (max future: %v)", doc.ReceivedAt, v.maxFuture)
	}

	return nil
}

// ValidateProcedure validates a rulebook procedure.
func (v *Validator) ValidateProcedure(p *RulebookProcedure) error {
	if err := v.validate.Struct(p); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if len(p.InvestigationSteps) == 0 && len(p.RemediationActions) == 0 && p.Description == "" {
		return fmt.Errorf("procedure %s has no content", p.RuleID)
	}
	return nil
}

// ValidateErrorReport validates an error report before it is returned.
func (v *Validator) ValidateErrorReport(e *ErrorReport) error {
	if err := v.validate.Struct(e); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ValidRuleID checks if a rule identifier is in canonical form.
func ValidRuleID(id string) bool {
	return ruleIDPattern.MatchString(id)
}
