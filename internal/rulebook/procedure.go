// Package rulebook loads static investigation procedures and links them to
// rules.
package rulebook

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"rulebrief/internal/schema"
)

var (
	validator = schema.NewValidator()

	// fileRulePattern extracts the rule number and title from rulebook file
	// names such as "Rule_002_Attempt_to_bypass_CA.csv" or "014-mfa.csv".
	fileRulePattern = regexp.MustCompile(`(?i)^(?:rule[\s_-]*#?)?(\d{1,4})(?:[\s_-]+(.*))?$`)
)

// ParseProcedure parses a procedure from YAML bytes.
func ParseProcedure(data []byte) (*schema.RulebookProcedure, error) {
	var p schema.RulebookProcedure
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse procedure: %w", err)
	}
	if err := canonicalize(&p); err != nil {
		return nil, fmt.Errorf("invalid procedure: %w", err)
	}
	return &p, nil
}

// ParseProcedures parses multiple procedures from YAML bytes.
func ParseProcedures(data []byte) ([]*schema.RulebookProcedure, error) {
	var procs []*schema.RulebookProcedure
	if err := yaml.Unmarshal(data, &procs); err != nil {
		// Try single procedure format
		p, singleErr := ParseProcedure(data)
		if singleErr != nil {
			return nil, fmt.Errorf("failed to parse procedures: %w", err)
		}
		return []*schema.RulebookProcedure{p}, nil
	}

	for i, p := range procs {
		if err := canonicalize(p); err != nil {
			return nil, fmt.Errorf("procedure %d: %w", i, err)
		}
	}
	return procs, nil
}

// ParseCSV parses a rulebook sheet with the columns "sr.no.", "inputs
// required", "input details", "instructions" and "duration". The rule is
// taken from the file name.
func ParseCSV(name string, data []byte) (*schema.RulebookProcedure, error) {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	m := fileRulePattern.FindStringSubmatch(base)
	if m == nil {
		return nil, fmt.Errorf("no rule number in file name %q", name)
	}
	n, _ := strconv.Atoi(m[1])
	p := &schema.RulebookProcedure{
		RuleID: schema.PadRuleID(n),
		Title:  strings.Join(strings.Fields(strings.ReplaceAll(m[2], "_", " ")), " "),
	}

	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.Join(strings.Fields(strings.ToLower(h)), " ")] = i
	}
	col := func(row []string, names ...string) string {
		for _, name := range names {
			if i, ok := cols[name]; ok && i < len(row) {
				return strings.TrimSpace(row[i])
			}
		}
		return ""
	}
	if _, ok := cols["instructions"]; !ok {
		return nil, fmt.Errorf("missing instructions column in %q", name)
	}

	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}
		instruction := col(row, "instructions")
		if instruction == "" {
			continue
		}

		order := len(p.InvestigationSteps) + 1
		if v, err := strconv.ParseFloat(col(row, "sr.no.", "sr.no", "sr no", "s.no", "s.no."), 64); err == nil && v > 0 {
			order = int(v)
		}

		var inputs []string
		for _, v := range []string{col(row, "inputs required"), col(row, "input details")} {
			if v != "" {
				inputs = append(inputs, v)
			}
		}

		p.InvestigationSteps = append(p.InvestigationSteps, schema.Step{
			Order:       order,
			Instruction: instruction,
			Inputs:      strings.Join(inputs, " - "),
			Duration:    col(row, "duration"),
		})
	}

	if err := canonicalize(p); err != nil {
		return nil, fmt.Errorf("invalid procedure: %w", err)
	}
	return p, nil
}

// canonicalize pads the rule identifier, numbers unnumbered steps and
// validates the result.
func canonicalize(p *schema.RulebookProcedure) error {
	if p == nil {
		return fmt.Errorf("empty procedure")
	}
	if id, ok := schema.NormalizeRuleID(p.RuleID); ok {
		p.RuleID = id
	}
	for i := range p.InvestigationSteps {
		if p.InvestigationSteps[i].Order == 0 {
			p.InvestigationSteps[i].Order = i + 1
		}
	}
	return validator.ValidateProcedure(p)
}
