// Package main provides the rulebrief CLI: L1 analyst reports fused from
// per-rule SOC source documents.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"rulebrief/internal/config"
	"rulebrief/internal/logging"
	"rulebrief/internal/pipeline"
	"rulebrief/internal/rulebook"
	"rulebrief/internal/schema"
	"rulebrief/internal/sources"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "report":
		os.Exit(runReportCmd(os.Args[2:]))
	case "fuse":
		os.Exit(runFuseCmd(os.Args[2:]))
	case "rulebook":
		os.Exit(runRulebookCmd(os.Args[2:]))
	case "-version", "--version", "-v":
		fmt.Printf("rulebrief %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: rulebrief <command> [flags] [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  report    Generate the L1 report of one or more rules\n")
	fmt.Fprintf(os.Stderr, "  fuse      Print the canonical records of a rule as JSON\n")
	fmt.Fprintf(os.Stderr, "  rulebook  Validate or list rulebook procedures\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	fmt.Fprintf(os.Stderr, "  -version  Show version and exit\n")
}

// setup loads configuration and builds the logger.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runReportCmd(args []string) int {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	incident := fs.String("incident", "", "Incident number to report on (default: newest)")
	format := fs.String("format", "markdown", "Output format: markdown or json")
	outDir := fs.String("out", "", "Write one file per rule into this directory instead of stdout")
	fs.Parse(args)

	ruleIDs := fs.Args()
	if len(ruleIDs) == 0 {
		fmt.Fprintf(os.Stderr, "Error: at least one rule ID is required\n")
		fmt.Fprintf(os.Stderr, "Usage: rulebrief report [-incident N] [-format markdown|json] [-out dir] <rule-id> [<rule-id>...]\n")
		return 1
	}
	if *format != "markdown" && *format != "json" {
		fmt.Fprintf(os.Stderr, "Error: unknown format %q\n", *format)
		return 1
	}

	cfg, logger, err := setup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return 1
	}
	defer a.Close()

	docs, err := a.store.List(ctx)
	if err != nil {
		logger.Error("failed to list source documents", "error", err)
		return 1
	}
	logger.Info("source documents loaded", "backend", cfg.Sources.Backend, "documents", len(docs))

	reqs := make([]pipeline.Request, len(ruleIDs))
	for i, id := range ruleIDs {
		reqs[i] = pipeline.Request{RuleID: id, IncidentNumber: *incident, Documents: docsFor(docs, id)}
	}
	outcomes := a.service.GenerateBatch(ctx, reqs)
	a.publish(ctx, outcomes)

	code := 0
	for i, out := range outcomes {
		if out.Failed() {
			code = 2
		}
		if err := writeOutcome(*outDir, ruleIDs[i], *format, out); err != nil {
			logger.Error("failed to write report", "rule_id", ruleIDs[i], "error", err)
			code = 1
		}
	}
	return code
}

// docsFor narrows the store contents to the documents that may describe
// ruleID. An unparseable ID keeps everything; the pipeline rejects it.
func docsFor(docs []schema.RawSourceDocument, ruleID string) []schema.RawSourceDocument {
	id, ok := schema.NormalizeRuleID(ruleID)
	if !ok {
		return docs
	}
	return sources.ForRule(docs, id)
}

func writeOutcome(dir, ruleID, format string, out schema.Outcome) error {
	var data []byte
	ext := ".md"
	if format == "json" {
		b, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		data = append(b, '\n')
		ext = ".json"
	} else {
		data = []byte(out.Markdown())
	}

	if dir == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := "rule-" + sanitizeName(ruleID)
	if out.Failed() {
		name += "-error"
	}
	return os.WriteFile(filepath.Join(dir, name+ext), data, 0o644)
}

func sanitizeName(s string) string {
	if id, ok := schema.NormalizeRuleID(s); ok {
		return id
	}
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' {
			return r
		}
		return '_'
	}, s)
}

func runFuseCmd(args []string) int {
	fs := flag.NewFlagSet("fuse", flag.ExitOnError)
	incident := fs.String("incident", "", "Only print this incident")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: rulebrief fuse [-incident N] <rule-id>\n")
		return 1
	}
	ruleID := fs.Arg(0)

	cfg, logger, err := setup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return 1
	}
	defer a.Close()

	docs, err := a.store.List(ctx)
	if err != nil {
		logger.Error("failed to list source documents", "error", err)
		return 1
	}

	records, err := a.service.Fuse(ctx, pipeline.Request{RuleID: ruleID, IncidentNumber: *incident, Documents: docsFor(docs, ruleID)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return printJSON(os.Stdout, records)
}

func printJSON(w io.Writer, v any) int {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runRulebookCmd(args []string) int {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: rulebrief rulebook <validate|list> [flags] [paths]\n")
		return 1
	}
	switch args[0] {
	case "validate":
		fs := flag.NewFlagSet("validate", flag.ExitOnError)
		verbose := fs.Bool("verbose", false, "Show procedure details")
		fs.Parse(args[1:])
		if fs.NArg() == 0 {
			fmt.Fprintf(os.Stderr, "Error: at least one path is required\n")
			fmt.Fprintf(os.Stderr, "Usage: rulebrief rulebook validate [--verbose] <path> [<path>...]\n")
			return 1
		}
		return runValidate(fs.Args(), *verbose)
	case "list":
		fs := flag.NewFlagSet("list", flag.ExitOnError)
		fs.Parse(args[1:])
		dir := "data/rulebook"
		if fs.NArg() > 0 {
			dir = fs.Arg(0)
		}
		return runList(dir)
	default:
		fmt.Fprintf(os.Stderr, "Unknown rulebook command: %s\n", args[0])
		return 1
	}
}

func runValidate(paths []string, verbose bool) int {
	validator := schema.NewValidator()
	var totalFiles, validFiles, invalidFiles int

	for _, path := range paths {
		files, err := collectRulebookFiles(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", path, err)
			invalidFiles++
			continue
		}
		for _, f := range files {
			totalFiles++
			if validateFile(validator, f, verbose) {
				validFiles++
			} else {
				invalidFiles++
			}
		}
	}

	fmt.Printf("\nResults: %d files checked, %d valid, %d invalid\n", totalFiles, validFiles, invalidFiles)
	if invalidFiles > 0 {
		return 1
	}
	return 0
}

func validateFile(validator *schema.Validator, path string, verbose bool) bool {
	procs, err := parseRulebookFile(path)
	if err != nil {
		fmt.Printf("  FAIL  %s: %v\n", path, err)
		return false
	}
	for _, p := range procs {
		if err := validator.ValidateProcedure(p); err != nil {
			fmt.Printf("  FAIL  %s: rule %s: %v\n", path, p.RuleID, err)
			return false
		}
	}

	fmt.Printf("  OK    %s (%d procedure(s))\n", path, len(procs))
	if verbose {
		for _, p := range procs {
			fmt.Printf("        - [%s] %s (steps=%d, actions=%d)\n",
				p.RuleID, p.Title, len(p.InvestigationSteps), len(p.RemediationActions))
			if p.Escalation != "" {
				fmt.Printf("          escalation: %s\n", p.Escalation)
			}
		}
	}
	return true
}

func runList(dir string) int {
	reg := rulebook.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := reg.LoadDir(dir); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", dir, err)
		return 1
	}
	for _, id := range reg.RuleIDs() {
		p, err := reg.GetProcedure(id)
		if err != nil {
			continue
		}
		fmt.Printf("%-6s  steps=%-3d  %s\n", p.RuleID, len(p.InvestigationSteps), p.Title)
	}
	return 0
}

func parseRulebookFile(path string) ([]*schema.RulebookProcedure, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		p, err := rulebook.ParseCSV(filepath.Base(path), data)
		if err != nil {
			return nil, err
		}
		return []*schema.RulebookProcedure{p}, nil
	}
	return rulebook.ParseProcedures(data)
}

func collectRulebookFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{root}, nil
	}

	var files []string
	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml", ".csv":
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
