// Package sources loads raw source documents (tracker sheets, write-ups,
// rulebook exports) from a directory or an S3 bucket.
package sources

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"rulebrief/internal/schema"
)

// MinTrackerCells is the fewest non-empty cells a tracker row needs to be
// kept. Sheets carry many near-empty filler rows.
const MinTrackerCells = 5

// Store lists the raw documents known to the system.
type Store interface {
	List(ctx context.Context) ([]schema.RawSourceDocument, error)
}

var fileRulePattern = regexp.MustCompile(`(?i)rule[\s_\-]*(?:id[\s_\-]*)?#?(\d{1,4})(?:\D|$)`)

// supported reports whether name has an extension the stores read.
func supported(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".json", ".md", ".txt", ".csv":
		return true
	}
	return false
}

// kindOf guesses the document kind from its name.
func kindOf(name string) schema.DocumentKind {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "tracker"), strings.HasSuffix(lower, ".csv"):
		return schema.KindTracker
	case strings.Contains(lower, "rulebook"):
		return schema.KindRulebook
	case strings.HasSuffix(lower, ".md"), strings.HasSuffix(lower, ".txt"):
		return schema.KindWriteup
	}
	return schema.KindUnknown
}

// object is one file read from a store before it is split into documents.
type object struct {
	name    string
	data    []byte
	modTime time.Time
}

// documents converts objects into raw documents. Objects are ordered by
// modification time, then name, and every resulting document gets a
// 1-based Order in that sequence.
func documents(objects []object) ([]schema.RawSourceDocument, error) {
	sort.SliceStable(objects, func(i, j int) bool {
		if !objects[i].modTime.Equal(objects[j].modTime) {
			return objects[i].modTime.Before(objects[j].modTime)
		}
		return objects[i].name < objects[j].name
	})

	var docs []schema.RawSourceDocument
	for _, o := range objects {
		if strings.EqualFold(path.Ext(o.name), ".csv") {
			rows, err := SplitTrackerCSV(o.name, o.data, o.modTime)
			if err != nil {
				return nil, err
			}
			docs = append(docs, rows...)
			continue
		}

		doc := schema.RawSourceDocument{
			ID:         o.name,
			Provenance: o.name,
			Kind:       kindOf(o.name),
			Content:    string(o.data),
			ReceivedAt: o.modTime.UTC(),
		}
		if m := fileRulePattern.FindStringSubmatch(path.Base(o.name)); m != nil {
			if id, ok := schema.NormalizeRuleID(m[1]); ok {
				doc.RuleID = id
			}
		}
		docs = append(docs, doc)
	}

	for i := range docs {
		docs[i].Order = i + 1
	}
	return docs, nil
}

// SplitTrackerCSV turns a tracker sheet into one document per row. Each row
// becomes a JSON object keyed by the lower-cased, trimmed column header.
// Rows with fewer than MinTrackerCells non-empty cells are skipped.
func SplitTrackerCSV(name string, data []byte, receivedAt time.Time) ([]schema.RawSourceDocument, error) {
	data = bytes.TrimPrefix(data, []byte("\ufeff"))
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read tracker header in %s: %w", name, err)
	}
	for i, h := range header {
		header[i] = strings.ToLower(strings.TrimSpace(h))
	}

	var docs []schema.RawSourceDocument
	line := 1
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("failed to read tracker row %d in %s: %w", line, name, err)
		}

		row := make(map[string]string, len(header))
		filled := 0
		for i, cell := range record {
			if i >= len(header) || header[i] == "" {
				continue
			}
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			row[header[i]] = cell
			filled++
		}
		if filled < MinTrackerCells {
			continue
		}

		content, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("failed to encode tracker row %d in %s: %w", line, name, err)
		}
		docs = append(docs, schema.RawSourceDocument{
			ID:         fmt.Sprintf("%s#row%d", name, line),
			Provenance: fmt.Sprintf("%s:row %d", name, line),
			Kind:       schema.KindTracker,
			Content:    string(content),
			ReceivedAt: receivedAt.UTC(),
		})
	}
	return docs, nil
}

// ForRule returns the documents that may describe ruleID: those tagged with
// it and those carrying no rule tag at all. The normalizer decides the rule
// of untagged documents.
func ForRule(docs []schema.RawSourceDocument, ruleID string) []schema.RawSourceDocument {
	var out []schema.RawSourceDocument
	for _, d := range docs {
		if d.RuleID == "" {
			out = append(out, d)
			continue
		}
		if id, ok := schema.NormalizeRuleID(d.RuleID); ok && id == ruleID {
			out = append(out, d)
		}
	}
	return out
}
