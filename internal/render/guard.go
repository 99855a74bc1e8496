package render

import (
	"fmt"
	"regexp"
	"strings"

	"rulebrief/internal/schema"
)

// BannedSections may not appear as headings in a report.
var BannedSections = []string{
	"Actions Taken & Results",
	"Recommendations & Best Practices",
	"Performance Metrics",
}

var (
	mdHeading = regexp.MustCompile(`(?m)^#{1,6}\s+(.+?)\s*$`)

	// identifierPatterns find tokens that would be facts if invented.
	identifierPatterns = []*regexp.Regexp{
		regexp.MustCompile(`https?://[^\s)\]>"']+`),
		regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
		regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
		regexp.MustCompile(`\bT\d{4}(?:\.\d{3})?\b`),
		regexp.MustCompile(`\b\d{3,}\b`),
	}
)

// RequiredHeadings returns the body headings every report must carry, in
// order.
func RequiredHeadings() []string {
	return []string{
		schema.SectionDescription.Title(),
		schema.SectionInvestigation.Title(),
		schema.SectionHistory.Title(),
		schema.SectionRemediation.Title(),
		schema.SectionReference.Title(),
	}
}

// ValidateStructure checks a markdown report: an alert title heading, every
// required heading in order, no code fences and no banned sections.
func ValidateStructure(text string) error {
	if strings.Contains(text, "```") {
		return fmt.Errorf("report contains a code block")
	}

	var headings []string
	for _, m := range mdHeading.FindAllStringSubmatch(text, -1) {
		headings = append(headings, strings.ToLower(strings.ReplaceAll(m[1], "*", "")))
	}

	for _, h := range headings {
		for _, banned := range BannedSections {
			if strings.Contains(h, strings.ToLower(banned)) {
				return fmt.Errorf("report contains banned section %q", banned)
			}
		}
	}

	if len(headings) == 0 || !strings.HasPrefix(headings[0], "alert") {
		return fmt.Errorf("report must start with an alert heading")
	}

	next := 0
	required := RequiredHeadings()
	for _, h := range headings {
		if next < len(required) && strings.Contains(h, strings.ToLower(required[next])) {
			next++
		}
	}
	if next < len(required) {
		return fmt.Errorf("report is missing heading %q or has it out of order", required[next])
	}
	return nil
}

// CheckProse verifies that every identifier-like token in text (URLs, email
// addresses, IPv4 addresses, ATT&CK technique IDs, numbers of three or more
// digits) also occurs in the allowed corpus.
func CheckProse(text, allowed string) error {
	corpus := strings.ToLower(allowed)
	for _, re := range identifierPatterns {
		for _, tok := range re.FindAllString(text, -1) {
			tok = strings.TrimRight(tok, ".,;:!?")
			if tok == "" {
				continue
			}
			if !strings.Contains(corpus, strings.ToLower(tok)) {
				return fmt.Errorf("prose introduces %q which is not in the source facts", tok)
			}
		}
	}
	return nil
}

// corpusOf returns the text a prose layer may draw identifiers from.
func corpusOf(sections []schema.Section) string {
	var b strings.Builder
	for _, s := range sections {
		b.WriteString(s.Markdown())
		b.WriteString("\n")
	}
	return b.String()
}
