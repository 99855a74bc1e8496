package pipeline

import (
	"context"
	"errors"
	"fmt"

	"rulebrief/internal/fusion"
	"rulebrief/internal/render"
	"rulebrief/internal/schema"
)

var (
	// ErrIngestion indicates that the request's documents could not be turned
	// into facts for the requested rule.
	ErrIngestion = errors.New("pipeline: ingestion failed")

	// ErrNoMatchingRecords indicates that every identified document belongs
	// to a rule other than the requested one.
	ErrNoMatchingRecords = fmt.Errorf("%w: no record matches the requested rule", fusion.ErrUnresolvableConflict)

	// ErrInternal wraps recovered panics.
	ErrInternal = errors.New("pipeline: internal fault")
)

// IngestionError describes why a request's input was rejected.
type IngestionError struct {
	RuleID string
	Reason string
}

func (e *IngestionError) Error() string {
	if e.RuleID == "" {
		return "ingestion failed: " + e.Reason
	}
	return fmt.Sprintf("ingestion failed for rule %s: %s", e.RuleID, e.Reason)
}

func (e *IngestionError) Unwrap() error {
	return ErrIngestion
}

// Classify maps a pipeline error to the cause reported to the operator.
func Classify(err error) schema.Cause {
	switch {
	case err == nil:
		return schema.CauseUnknown
	case errors.Is(err, render.ErrRenderingTimeout), errors.Is(err, context.DeadlineExceeded):
		return schema.CauseRenderingTimeout
	case errors.Is(err, render.ErrRenderingFault):
		return schema.CauseRendering
	case errors.Is(err, fusion.ErrUnresolvableConflict):
		return schema.CauseFusionConflict
	case errors.Is(err, ErrIngestion):
		return schema.CauseIngestion
	default:
		return schema.CauseUnknown
	}
}

// NextSteps returns the operator guidance for a failure cause.
func NextSteps(cause schema.Cause, ruleID string) []string {
	rule := ruleID
	if rule == "" {
		rule = "the requested rule"
	} else {
		rule = "rule " + rule
	}
	escalate := "Escalate to the SOC lead if the problem persists"

	switch cause {
	case schema.CauseIngestion:
		return []string{
			"Verify that " + rule + " exists and the rule ID is correct",
			"Check that source documents for " + rule + " are available and readable",
			escalate,
		}
	case schema.CauseFusionConflict:
		return []string{
			"Verify that the supplied documents describe " + rule,
			"Correct mislabelled source documents and retry",
			escalate,
		}
	case schema.CauseRendering:
		return []string{
			"Retry the request; the structured report does not depend on the prose layer",
			"Check the prose generator configuration",
			escalate,
		}
	case schema.CauseRenderingTimeout:
		return []string{
			"Retry the request later or raise render.timeout",
			"Check the availability of the prose generator",
			escalate,
		}
	default:
		return []string{
			"Retry the request",
			"Check the service logs for " + rule,
			escalate,
		}
	}
}
