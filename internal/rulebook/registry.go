package rulebook

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"rulebrief/internal/schema"
)

// Registry holds the rulebook procedures keyed by canonical rule ID. It is
// populated at startup and read concurrently by requests.
type Registry struct {
	procedures map[string]*schema.RulebookProcedure
	logger     *slog.Logger
	mu         sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		procedures: make(map[string]*schema.RulebookProcedure),
		logger:     logger,
	}
}

// Register adds or replaces the procedure of a rule.
func (r *Registry) Register(p *schema.RulebookProcedure) error {
	p = p.Clone()
	if err := canonicalize(p); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.procedures[p.RuleID]; ok {
		r.logger.Warn("replacing rulebook procedure", "rule_id", p.RuleID, "previous", prev.Source, "source", p.Source)
	}
	r.procedures[p.RuleID] = p
	return nil
}

// LoadDir loads every YAML and CSV rulebook file in dir. Files that fail to
// parse are logged and skipped. A missing directory is not an error.
func (r *Registry) LoadDir(dir string) (int, error) {
	if dir == "" {
		return 0, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" && ext != ".csv" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.Error("failed to read rulebook file", "file", entry.Name(), "error", err)
			continue
		}

		var procs []*schema.RulebookProcedure
		if ext == ".csv" {
			p, perr := ParseCSV(entry.Name(), data)
			if perr == nil {
				procs = append(procs, p)
			}
			err = perr
		} else {
			procs, err = ParseProcedures(data)
		}
		if err != nil {
			r.logger.Error("failed to parse rulebook file", "file", entry.Name(), "error", err)
			continue
		}

		for _, p := range procs {
			p.Source = path
			if err := r.Register(p); err != nil {
				r.logger.Error("failed to register procedure", "file", entry.Name(), "rule_id", p.RuleID, "error", err)
				continue
			}
			loaded++
		}
	}

	r.logger.Info("loaded rulebook", "count", loaded, "dir", dir)
	return loaded, nil
}

// GetProcedure returns a copy of the procedure registered for ruleID.
func (r *Registry) GetProcedure(ruleID string) (*schema.RulebookProcedure, error) {
	id, ok := schema.NormalizeRuleID(ruleID)
	if !ok {
		return nil, &UnknownRuleError{RuleID: ruleID}
	}

	r.mu.RLock()
	p, ok := r.procedures[id]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownRuleError{RuleID: id}
	}
	return p.Clone(), nil
}

// Link returns the procedure for ruleID. For an unregistered rule it returns
// a placeholder procedure together with the *UnknownRuleError, so callers can
// render the procedure sections as not found and carry on.
func (r *Registry) Link(ruleID string) (*schema.RulebookProcedure, error) {
	p, err := r.GetProcedure(ruleID)
	if err == nil {
		return p, nil
	}
	var unknown *UnknownRuleError
	if errors.As(err, &unknown) {
		return schema.PlaceholderProcedure(unknown.RuleID), err
	}
	return nil, err
}

// RuleIDs returns the registered rule identifiers in order.
func (r *Registry) RuleIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.procedures))
	for id := range r.procedures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered procedures.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.procedures)
}
