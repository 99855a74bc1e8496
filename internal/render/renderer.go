// Package render maps a canonical rule record and its rulebook procedure to
// the fixed-section L1 analyst report.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"rulebrief/internal/schema"
)

// Constraints are handed to a ProseGenerator with the report skeleton.
type Constraints struct {
	RequiredHeadings []string
	BannedSections   []string
	NotFoundMarker   string
	Instructions     string
}

// ProseGenerator rephrases the report skeleton. It must only reword the
// supplied sections and never introduce new facts.
type ProseGenerator interface {
	Generate(ctx context.Context, sections []schema.Section, c Constraints) (string, error)
}

// ProseFunc adapts a function to ProseGenerator.
type ProseFunc func(ctx context.Context, sections []schema.Section, c Constraints) (string, error)

// Generate implements ProseGenerator.
func (f ProseFunc) Generate(ctx context.Context, sections []schema.Section, c Constraints) (string, error) {
	return f(ctx, sections, c)
}

// Config holds configuration for the renderer.
type Config struct {
	// Timeout bounds prose generation. Zero disables the bound.
	Timeout time.Duration
}

// DefaultConfig returns the default renderer configuration.
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
	}
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithProse sets the prose layer applied after the skeleton is built.
func WithProse(g ProseGenerator) Option {
	return func(r *Renderer) { r.prose = g }
}

// WithClock sets the clock used for report timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Renderer) { r.now = now }
}

// WithIDFunc sets the report ID generator.
func WithIDFunc(f func() uuid.UUID) Option {
	return func(r *Renderer) { r.newID = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Renderer) { r.logger = l }
}

// Renderer builds reports. It is safe for concurrent use.
type Renderer struct {
	config Config
	prose  ProseGenerator
	now    func() time.Time
	newID  func() uuid.UUID
	logger *slog.Logger
}

// NewRenderer creates a new renderer.
func NewRenderer(cfg Config, opts ...Option) *Renderer {
	r := &Renderer{
		config: cfg,
		now:    time.Now,
		newID:  uuid.New,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render builds the report for in. Without a prose layer the result is the
// deterministic skeleton. With one, the prose is bounded by the configured
// timeout and must pass ValidateStructure and CheckProse.
func (r *Renderer) Render(ctx context.Context, in Input) (*schema.RenderedReport, error) {
	if in.Record == nil {
		return nil, &FaultError{Stage: "input", Err: errors.New("no canonical record")}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report, err := r.skeleton(in)
	if err != nil {
		return nil, err
	}
	if r.prose == nil {
		return report, nil
	}

	sections := report.Sections
	key := in.Record.Key()
	text, err := r.generate(ctx, sections)
	if err != nil {
		return nil, err
	}
	if err := ValidateStructure(text); err != nil {
		r.logger.Warn("prose rejected", "rule_id", key.RuleID, "reason", err)
		return nil, &FaultError{Stage: "guard", Err: err}
	}
	if err := CheckProse(text, corpusOf(sections)); err != nil {
		r.logger.Warn("prose rejected", "rule_id", key.RuleID, "reason", err)
		return nil, &FaultError{Stage: "guard", Err: err}
	}
	report.Prose = text
	return report, nil
}

// skeleton assembles the report without prose. A panic while building it is
// returned as a skeleton fault.
func (r *Renderer) skeleton(in Input) (report *schema.RenderedReport, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("report skeleton panicked", "panic", fmt.Sprint(p))
			report, err = nil, &FaultError{Stage: "skeleton", Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	key := in.Record.Key()
	return &schema.RenderedReport{
		ID:             r.newID(),
		RuleID:         key.RuleID,
		IncidentNumber: key.IncidentNumber,
		Sections:       Skeleton(in),
		References:     append([]string(nil), in.References...),
		SourceHash:     in.Record.SourceHash(),
		GeneratedAt:    r.now().UTC(),
	}, nil
}

// generate runs the prose layer in its own goroutine so that a hung or
// panicking generator cannot outlive the request.
func (r *Renderer) generate(ctx context.Context, sections []schema.Section) (string, error) {
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)

	input := make([]schema.Section, len(sections))
	for i, s := range sections {
		s.Lines = append([]string(nil), s.Lines...)
		s.Fields = append([]schema.FieldKey(nil), s.Fields...)
		input[i] = s
	}
	constraints := Constraints{
		RequiredHeadings: RequiredHeadings(),
		BannedSections:   append([]string(nil), BannedSections...),
		NotFoundMarker:   schema.NotFoundMarker,
		Instructions:     "Rephrase only the supplied section content. Do not add facts, identifiers or sections.",
	}

	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- result{err: fmt.Errorf("prose generator panic: %v", p)}
			}
		}()
		text, err := r.prose.Generate(ctx, input, constraints)
		ch <- result{text: text, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) {
				return "", fmt.Errorf("%w: %v", ErrRenderingTimeout, res.err)
			}
			if errors.Is(res.err, context.Canceled) && ctx.Err() != nil {
				return "", res.err
			}
			return "", &FaultError{Stage: "prose", Err: res.err}
		}
		if res.text == "" {
			return "", &FaultError{Stage: "prose", Err: errors.New("empty prose")}
		}
		return res.text, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %v", ErrRenderingTimeout, r.config.Timeout)
		}
		return "", ctx.Err()
	}
}
