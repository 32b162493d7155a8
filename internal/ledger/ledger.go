// Package ledger is the durable source of truth for supervised work: the
// feature checklist that measures progress and the append-only history of
// agent sessions. Both live as structured text under the project's .foreman
// directory so an operator (or the read-only monitor) can inspect them with
// nothing fancier than cat.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	// ChecklistFile is the feature checklist inside the harness directory.
	ChecklistFile = "feature_list.json"
	// HistoryFile is the append-only session history inside the harness directory.
	HistoryFile = "session_history.jsonl"
)

var (
	// ErrAlreadyInitialized is returned when Initialize is called on a
	// ledger that already holds records. The existing records are left
	// untouched.
	ErrAlreadyInitialized = errors.New("ledger: already initialized")

	// ErrNotInitialized is returned by operations that need a checklist
	// before one exists.
	ErrNotInitialized = errors.New("ledger: not initialized")

	// ErrNotFound is returned when a feature id is unknown.
	ErrNotFound = errors.New("ledger: feature not found")

	// ErrCorrupt is returned when the checklist file is unreadable or its
	// immutable structure changed. This is fatal for the run: the checklist
	// is the only source of truth and is never regenerated.
	ErrCorrupt = errors.New("ledger: checklist corrupt")
)

// Categories a feature may belong to, in the priority order sessions work
// through them. Position in this list plus position in the checklist is
// the complete, never-re-ranked ordering.
var Categories = []string{
	"core",
	"navigation",
	"style",
	"edge",
	"accessibility",
	"performance",
	"integration",
}

// FeatureRecord is one checklist item. Everything except Passes is fixed
// at creation; records are never removed, reordered, or renamed.
type FeatureRecord struct {
	ID          string   `json:"id"`
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Steps       []string `json:"steps"`
	Passes      bool     `json:"passes"`
}

// checklistFile is the on-disk shape. The wrapper object is what we write;
// a bare array is accepted on read for compatibility with checklists the
// initializer agent may produce.
type checklistFile struct {
	Features []FeatureRecord `json:"features"`
}

// Ledger owns the checklist and session history files for one project.
// Sessions never overlap, so a single mutex guarding in-memory state plus
// atomic replace-on-write is all the coordination the files need.
type Ledger struct {
	dir string

	mu       sync.Mutex
	features []FeatureRecord
	loaded   bool
}

// Open binds a ledger to the harness directory and loads the checklist if
// one exists. A missing checklist is not an error: it means the initializer
// session has not run yet.
func Open(dir string) (*Ledger, error) {
	l := &Ledger{dir: dir}
	features, err := readChecklist(l.checklistPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return l, nil
		}
		return nil, err
	}
	if err := validateFeatures(features); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	l.features = features
	l.loaded = true
	return l, nil
}

func (l *Ledger) checklistPath() string { return filepath.Join(l.dir, ChecklistFile) }
func (l *Ledger) historyPath() string   { return filepath.Join(l.dir, HistoryFile) }

// Initialized reports whether the checklist exists.
func (l *Ledger) Initialized() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}

// Initialize creates the checklist in bulk. It runs exactly once per
// project; a second call fails with ErrAlreadyInitialized and leaves the
// first checklist untouched.
func (l *Ledger) Initialize(features []FeatureRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loaded {
		return ErrAlreadyInitialized
	}
	if len(features) == 0 {
		return fmt.Errorf("ledger: checklist must contain at least one feature")
	}
	if err := validateFeatures(features); err != nil {
		return err
	}
	copied := append([]FeatureRecord(nil), features...)
	if err := l.write(copied); err != nil {
		return err
	}
	l.features = copied
	l.loaded = true
	return nil
}

// MarkPassing flips a feature to passing after verification.
func (l *Ledger) MarkPassing(id string) error { return l.setPasses(id, true) }

// MarkFailing flips a feature back to failing when a regression is found.
func (l *Ledger) MarkFailing(id string) error { return l.setPasses(id, false) }

func (l *Ledger) setPasses(id string, passes bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.loaded {
		return ErrNotInitialized
	}
	for i := range l.features {
		if l.features[i].ID == id {
			if l.features[i].Passes == passes {
				return nil
			}
			l.features[i].Passes = passes
			if err := l.write(l.features); err != nil {
				// Roll back the in-memory flip so state matches disk.
				l.features[i].Passes = !passes
				return err
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Features returns a copy of the checklist in checklist order.
func (l *Ledger) Features() []FeatureRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	copied := append([]FeatureRecord(nil), l.features...)
	for i := range copied {
		copied[i].Steps = append([]string(nil), copied[i].Steps...)
	}
	return copied
}

// CompletionRatio returns passing and total counts. Total is fixed after
// initialization; it is the termination oracle for the whole run.
func (l *Ledger) CompletionRatio() (passing, total int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range l.features {
		if f.Passes {
			passing++
		}
	}
	return passing, len(l.features)
}

// Reload re-reads the checklist from disk, picking up `passes` flips made
// by the agent during a session. Any other difference (ids, descriptions,
// steps, count, order) is structural drift and fails with ErrCorrupt.
func (l *Ledger) Reload() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	features, err := readChecklist(l.checklistPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if !l.loaded {
				return nil
			}
			return fmt.Errorf("%w: checklist file disappeared", ErrCorrupt)
		}
		return err
	}
	if !l.loaded {
		// First appearance: the initializer session wrote the checklist
		// directly. Validate and adopt it.
		if err := validateFeatures(features); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		l.features = features
		l.loaded = true
		return nil
	}
	if len(features) != len(l.features) {
		return fmt.Errorf("%w: feature count changed from %d to %d", ErrCorrupt, len(l.features), len(features))
	}
	for i := range features {
		prev, next := l.features[i], features[i]
		if prev.ID != next.ID || prev.Category != next.Category || prev.Description != next.Description {
			return fmt.Errorf("%w: feature %q was structurally edited", ErrCorrupt, prev.ID)
		}
		if len(prev.Steps) != len(next.Steps) {
			return fmt.Errorf("%w: steps of feature %q were edited", ErrCorrupt, prev.ID)
		}
		for j := range prev.Steps {
			if prev.Steps[j] != next.Steps[j] {
				return fmt.Errorf("%w: steps of feature %q were edited", ErrCorrupt, prev.ID)
			}
		}
	}
	l.features = features
	return nil
}

// CategoryStats returns passing/total per category, keyed by category name.
func (l *Ledger) CategoryStats() map[string][2]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	stats := make(map[string][2]int)
	for _, f := range l.features {
		s := stats[f.Category]
		s[1]++
		if f.Passes {
			s[0]++
		}
		stats[f.Category] = s
	}
	return stats
}

func (l *Ledger) write(features []FeatureRecord) error {
	data, err := json.MarshalIndent(checklistFile{Features: features}, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: encode checklist: %w", err)
	}
	return writeFileAtomic(l.checklistPath(), data)
}

func readChecklist(path string) ([]FeatureRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var wrapped checklistFile
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Features != nil {
		return wrapped.Features, nil
	}
	var bare []FeatureRecord
	if err := json.Unmarshal(data, &bare); err == nil && bare != nil {
		return bare, nil
	}
	return nil, fmt.Errorf("%w: %s is not a feature checklist", ErrCorrupt, filepath.Base(path))
}

func validateFeatures(features []FeatureRecord) error {
	known := make(map[string]bool, len(Categories))
	for _, c := range Categories {
		known[c] = true
	}
	seen := make(map[string]bool, len(features))
	for i, f := range features {
		if f.ID == "" {
			return fmt.Errorf("ledger: feature %d has an empty id", i)
		}
		if seen[f.ID] {
			return fmt.Errorf("ledger: duplicate feature id %q", f.ID)
		}
		seen[f.ID] = true
		if !known[f.Category] {
			return fmt.Errorf("ledger: feature %q has unknown category %q", f.ID, f.Category)
		}
		if f.Description == "" {
			return fmt.Errorf("ledger: feature %q has an empty description", f.ID)
		}
	}
	return nil
}

// writeFileAtomic guards against a partial write leaving the only source
// of truth half-written: write to a temp file in the same directory, then
// rename over the target.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("ledger: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("ledger: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ledger: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ledger: replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
