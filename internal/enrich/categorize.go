package enrich

import (
	"strings"
	"unicode"
)

// CategoryGeneral is assigned when no category keyword matches.
const CategoryGeneral = "general"

// Category groups alerts by the kind of activity they detect.
type Category struct {
	Name     string
	Keywords []string
}

// DefaultCategories is the keyword table used by Categorize, in priority
// order.
var DefaultCategories = []Category{
	{Name: "authentication", Keywords: []string{"login", "logon", "authentication", "mfa", "password", "sign-in", "signin", "conditional"}},
	{Name: "network", Keywords: []string{"network", "traffic", "connection", "ip", "dns", "firewall"}},
	{Name: "endpoint", Keywords: []string{"endpoint", "malware", "process", "file", "registry"}},
	{Name: "data_protection", Keywords: []string{"data", "dlp", "exfiltration", "encryption", "forwarding"}},
	{Name: "privilege_escalation", Keywords: []string{"privilege", "escalation", "admin", "sudo"}},
	{Name: "lateral_movement", Keywords: []string{"lateral", "movement", "pivot", "compromise"}},
}

// Categorize picks the category whose keywords occur most often in the given
// texts. Ties go to the earlier category.
func Categorize(texts ...string) string {
	words := make(map[string]int)
	for _, t := range texts {
		for _, w := range strings.FieldsFunc(strings.ToLower(t), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
		}) {
			words[w]++
		}
	}

	best, bestHits := CategoryGeneral, 0
	for _, c := range DefaultCategories {
		hits := 0
		for _, k := range c.Keywords {
			hits += words[k]
		}
		if hits > bestHits {
			best, bestHits = c.Name, hits
		}
	}
	return best
}
