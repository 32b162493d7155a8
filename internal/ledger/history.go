package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Outcome classifies how a session ended.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeError    Outcome = "error"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeMaxTurns Outcome = "max-turns"
)

// SessionRecord is one execution of the external agent. It is created at
// session start, finalized at session end, appended here, and never
// mutated afterward.
type SessionRecord struct {
	SessionIndex     int       `json:"sessionIndex"`
	SessionType      string    `json:"sessionType"` // initializer, coding, or recovery
	StartedAt        time.Time `json:"startedAt"`
	EndedAt          time.Time `json:"endedAt"`
	Outcome          Outcome   `json:"outcome"`
	CommandsProposed int       `json:"commandsProposed"`
	CommandsBlocked  int       `json:"commandsBlocked"`
	FeaturesTouched  []string  `json:"featuresTouched,omitempty"`
	ToolsUsed        []string  `json:"toolsUsed,omitempty"`
	ErrorsDetected   int       `json:"errorsDetected"`
	WarningsDetected int       `json:"warningsDetected"`
	NumTurns         int       `json:"numTurns,omitempty"`
	Recovery         bool      `json:"recovery,omitempty"`
}

// Duration is the wall-clock length of the session.
func (r SessionRecord) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// AppendSession appends one finalized record to the history file. The file
// is JSON lines: one self-contained object per line, append-only, so a
// crashed write can corrupt at most the final line and never the history
// behind it.
func (l *Ledger) AppendSession(rec SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ledger: encode session record: %w", err)
	}
	f, err := os.OpenFile(l.historyPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("ledger: open session history: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("ledger: append session record: %w", err)
	}
	return nil
}

// Sessions reads the full session history, oldest first. Trailing partial
// lines (from a crash mid-append) are skipped rather than failing the read.
func (l *Ledger) Sessions() ([]SessionRecord, error) {
	f, err := os.Open(l.historyPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger: open session history: %w", err)
	}
	defer f.Close()

	var records []SessionRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec SessionRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ledger: read session history: %w", err)
	}
	return records, nil
}
