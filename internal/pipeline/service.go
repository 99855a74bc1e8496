// Package pipeline runs one report request end to end and guarantees that
// the caller receives either a rendered report or an error report.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"rulebrief/internal/cache"
	"rulebrief/internal/enrich"
	rberrors "rulebrief/internal/errors"
	"rulebrief/internal/fusion"
	"rulebrief/internal/logging"
	"rulebrief/internal/normalize"
	"rulebrief/internal/render"
	"rulebrief/internal/rulebook"
	"rulebrief/internal/schema"
)

// excerptLen bounds document excerpts written to the log.
const excerptLen = 120

var incidentDigits = regexp.MustCompile(`\d{3,}`)

// Request asks for the report of one rule.
type Request struct {
	RuleID string
	// IncidentNumber selects one incident of the rule. When empty the
	// incident with the newest source is reported.
	IncidentNumber string
	Documents      []schema.RawSourceDocument
}

// Config holds pipeline settings.
type Config struct {
	// Concurrency bounds parallel normalization within one request.
	Concurrency int
	// BatchConcurrency bounds parallel requests in GenerateBatch.
	BatchConcurrency int
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:      8,
		BatchConcurrency: 4,
	}
}

// Option configures a Service.
type Option func(*Service)

// WithCache shares fused records across requests.
func WithCache(c *cache.Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithEnricher sets the reference lookup.
func WithEnricher(e enrich.Enricher) Option {
	return func(s *Service) { s.enricher = e }
}

// WithValidator sets the document validator.
func WithValidator(v *schema.Validator) Option {
	return func(s *Service) { s.validator = v }
}

// WithSanitizer sets the error message sanitizer.
func WithSanitizer(san *rberrors.Sanitizer) Option {
	return func(s *Service) { s.sanitizer = san }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock sets the time source for error reports.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDFunc sets the error report ID generator.
func WithIDFunc(f func() uuid.UUID) Option {
	return func(s *Service) { s.newID = f }
}

// Service wires the normalizer, fusion engine, rulebook registry, enricher
// and renderer into a request pipeline. It is safe for concurrent use; the
// cache is the only state shared between requests.
type Service struct {
	config     Config
	normalizer *normalize.Normalizer
	engine     *fusion.Engine
	registry   *rulebook.Registry
	renderer   *render.Renderer
	enricher   enrich.Enricher
	cache      *cache.Cache
	validator  *schema.Validator
	sanitizer  *rberrors.Sanitizer
	logger     *slog.Logger
	now        func() time.Time
	newID      func() uuid.UUID
}

// NewService creates a new pipeline service.
func NewService(cfg Config, n *normalize.Normalizer, e *fusion.Engine, reg *rulebook.Registry, r *render.Renderer, opts ...Option) *Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = DefaultConfig().BatchConcurrency
	}
	s := &Service{
		config:     cfg,
		normalizer: n,
		engine:     e,
		registry:   reg,
		renderer:   r,
		enricher:   enrich.Noop{},
		validator:  schema.NewValidator(),
		sanitizer:  rberrors.NewSanitizer(false),
		logger:     slog.Default(),
		now:        time.Now,
		newID:      uuid.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// request is the per-request state passed between stages.
type request struct {
	ruleID   string
	incident string
	docs     []schema.RawSourceDocument
	logger   *slog.Logger
}

// Generate produces the outcome of one request. It never panics and never
// returns a partially rendered report: exactly one side of the outcome is set.
func (s *Service) Generate(ctx context.Context, req Request) (out schema.Outcome) {
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("%w: %v", ErrInternal, p)
			out = s.failure(strings.TrimSpace(req.RuleID), err)
		}
	}()

	rq, err := s.newRequest(req)
	if err != nil {
		return s.failure(strings.TrimSpace(req.RuleID), err)
	}

	report, err := s.generate(ctx, rq)
	if err != nil {
		return s.failure(rq.ruleID, err)
	}
	rq.logger.Info("report generated",
		"report_id", report.ID,
		"incident", report.IncidentNumber,
		"sources", len(rq.docs),
	)
	return schema.Outcome{Report: report}
}

// GenerateBatch runs requests concurrently and returns their outcomes in
// request order.
func (s *Service) GenerateBatch(ctx context.Context, reqs []Request) []schema.Outcome {
	outcomes := make([]schema.Outcome, len(reqs))

	var g errgroup.Group
	g.SetLimit(s.config.BatchConcurrency)
	for i, req := range reqs {
		g.Go(func() error {
			outcomes[i] = s.Generate(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// Fuse returns the canonical record of every incident of the requested rule
// without rendering.
func (s *Service) Fuse(ctx context.Context, req Request) ([]*schema.CanonicalRuleRecord, error) {
	rq, err := s.newRequest(req)
	if err != nil {
		return nil, err
	}
	if len(rq.docs) == 0 {
		return []*schema.CanonicalRuleRecord{fusion.Empty(schema.RecordKey{RuleID: rq.ruleID})}, nil
	}
	groups, err := s.collect(ctx, rq)
	if err != nil {
		return nil, err
	}
	records := make([]*schema.CanonicalRuleRecord, 0, len(groups))
	for _, g := range groups {
		if rq.incident != "" && g.Key.IncidentNumber != rq.incident {
			continue
		}
		rec, err := s.fuse(ctx, rq, g)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Service) newRequest(req Request) (*request, error) {
	ruleID, ok := schema.NormalizeRuleID(req.RuleID)
	if !ok {
		return nil, &IngestionError{Reason: fmt.Sprintf("invalid rule identifier %q", req.RuleID)}
	}
	return &request{
		ruleID:   ruleID,
		incident: incidentKey(req.IncidentNumber),
		docs:     req.Documents,
		logger:   s.logger.With("rule_id", ruleID),
	}, nil
}

func (s *Service) generate(ctx context.Context, rq *request) (*schema.RenderedReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		primary *schema.CanonicalRuleRecord
		related []*schema.CanonicalRuleRecord
	)
	if len(rq.docs) == 0 {
		rq.logger.Warn("no source documents supplied")
		primary = fusion.Empty(schema.RecordKey{RuleID: rq.ruleID, IncidentNumber: rq.incident})
	} else {
		groups, err := s.collect(ctx, rq)
		if err != nil {
			return nil, err
		}
		idx, err := selectGroup(rq, groups)
		if err != nil {
			return nil, err
		}
		for i, g := range groups {
			rec, err := s.fuse(ctx, rq, g)
			if err != nil {
				return nil, err
			}
			if i == idx {
				primary = rec
			} else {
				related = append(related, rec)
			}
		}
		if err := primary.Verify(rq.docs); err != nil {
			return nil, fmt.Errorf("canonical record failed verification: %w", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	proc := s.link(rq)
	refs := s.enrich(ctx, rq, primary)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.renderer.Render(ctx, render.Input{
		Record:     primary,
		Procedure:  proc,
		References: refs,
		Related:    related,
	})
}

// collect normalizes the request's documents and groups the records of the
// requested rule by incident.
func (s *Service) collect(ctx context.Context, rq *request) ([]fusion.Group, error) {
	records, err := s.normalizeAll(ctx, rq)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, &IngestionError{RuleID: rq.ruleID, Reason: "no source document could be attributed to a rule"}
	}

	var matching []*schema.PartialFactRecord
	for _, r := range records {
		if r.RuleID != rq.ruleID {
			rq.logger.Debug("dropping record for another rule",
				"document_id", r.Source.DocumentID,
				"record_rule_id", r.RuleID,
			)
			continue
		}
		matching = append(matching, r)
	}
	if len(matching) == 0 {
		return nil, fmt.Errorf("%w: %d records identified, none for rule %s", ErrNoMatchingRecords, len(records), rq.ruleID)
	}
	return s.engine.Group(matching), nil
}

// normalizeAll extracts a partial record from every document. Documents that
// fail validation or carry no rule identifier are logged and dropped.
func (s *Service) normalizeAll(ctx context.Context, rq *request) ([]*schema.PartialFactRecord, error) {
	results := make([]*schema.PartialFactRecord, len(rq.docs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for i := range rq.docs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = s.normalizeOne(rq, rq.docs[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	records := make([]*schema.PartialFactRecord, 0, len(results))
	for _, r := range results {
		if r != nil {
			records = append(records, r)
		}
	}
	return records, nil
}

func (s *Service) normalizeOne(rq *request, doc schema.RawSourceDocument) (rec *schema.PartialFactRecord) {
	log := rq.logger.With("document_id", doc.ID, "provenance", doc.Provenance)
	defer func() {
		if p := recover(); p != nil {
			log.Error("document normalization panicked", "panic", fmt.Sprint(p))
			rec = nil
		}
	}()

	if err := s.validator.ValidateDocument(&doc); err != nil {
		log.Warn("dropping invalid document", "error", err)
		return nil
	}
	rec, err := s.normalizer.Normalize(doc)
	if err != nil {
		if errors.Is(err, normalize.ErrUnidentifiedRule) {
			log.Warn("dropping document without rule identifier",
				"excerpt", logging.Excerpt(doc.Content, excerptLen),
			)
		} else {
			log.Warn("dropping document", "error", err)
		}
		return nil
	}
	return rec
}

// selectGroup picks the group to report on: the requested incident, or the
// one with the newest source.
func selectGroup(rq *request, groups []fusion.Group) (int, error) {
	if rq.incident != "" {
		for i, g := range groups {
			if g.Key.IncidentNumber == rq.incident {
				return i, nil
			}
		}
		return -1, &IngestionError{RuleID: rq.ruleID, Reason: fmt.Sprintf("no source document for incident %s", rq.incident)}
	}
	idx := 0
	for i := 1; i < len(groups); i++ {
		if groups[i].Latest().Newer(groups[idx].Latest()) {
			idx = i
		}
	}
	return idx, nil
}

// fuse resolves one group, through the cache when one is configured.
func (s *Service) fuse(ctx context.Context, rq *request, g fusion.Group) (*schema.CanonicalRuleRecord, error) {
	fuse := func() (*schema.CanonicalRuleRecord, error) {
		return s.engine.FuseKey(g.Key, g.Records)
	}
	if s.cache == nil {
		return fuse()
	}

	key := cache.Key{
		RuleID:         g.Key.RuleID,
		IncidentNumber: g.Key.IncidentNumber,
		SourceHash:     fusion.SourceHash(g.Sources()),
	}
	rec, hit, err := s.cache.GetOrFuse(ctx, key, fuse)
	if err != nil {
		return nil, err
	}
	rq.logger.Debug("canonical record resolved", "incident", g.Key.IncidentNumber, "cache_hit", hit)
	return rec, nil
}

// link returns the rule's procedure, or a placeholder for an unknown rule.
func (s *Service) link(rq *request) *schema.RulebookProcedure {
	if s.registry == nil {
		return schema.PlaceholderProcedure(rq.ruleID)
	}
	proc, err := s.registry.Link(rq.ruleID)
	if err != nil {
		if errors.Is(err, rulebook.ErrUnknownRule) {
			rq.logger.Info("no rulebook entry for rule")
		} else {
			rq.logger.Warn("rulebook lookup failed", "error", err)
		}
		if proc == nil {
			proc = schema.PlaceholderProcedure(rq.ruleID)
		}
	}
	return proc
}

// enrich looks up references. Failures leave the reference section empty.
func (s *Service) enrich(ctx context.Context, rq *request, rec *schema.CanonicalRuleRecord) []string {
	alert := rec.Value(schema.FieldAlertName)
	if alert == schema.NotFound {
		alert = ""
	}
	refs, err := s.enricher.Enrich(ctx, enrich.RuleContext{RuleID: rq.ruleID, AlertName: alert})
	if err != nil {
		rq.logger.Warn("reference enrichment failed", "error", err)
		return nil
	}
	return refs
}

// failure converts err into an error report.
func (s *Service) failure(ruleID string, err error) schema.Outcome {
	if id, ok := schema.NormalizeRuleID(ruleID); ok {
		ruleID = id
	}
	cause := Classify(err)
	report := &schema.ErrorReport{
		ID:        s.newID(),
		RuleID:    ruleID,
		Timestamp: s.now().UTC(),
		Cause:     cause,
		Message:   s.sanitizer.Message(err),
		NextSteps: NextSteps(cause, ruleID),
	}
	if report.Message == "" {
		report.Message = string(cause)
	}
	if verr := s.validator.ValidateErrorReport(report); verr != nil {
		s.logger.Error("error report failed validation", "error", verr)
	}

	level := slog.LevelWarn
	if cause == schema.CauseUnknown {
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, "report request failed",
		"rule_id", ruleID,
		"cause", cause,
		"error", err,
	)
	return schema.Outcome{Error: report}
}

// incidentKey reduces a requested incident such as "#208307" to its digits.
func incidentKey(v string) string {
	v = strings.TrimSpace(v)
	if d := incidentDigits.FindString(v); d != "" {
		return d
	}
	return v
}
