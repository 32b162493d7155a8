// internal/monitor/snapshot.go
//
// Read-only data loading for the monitor. The monitor must never write
// to the ledger or the logs; the controller is the only writer. Every
// refresh re-reads from disk rather than sharing state with the run.

package monitor

import (
	"github.com/kingrea/The-Foreman/internal/config"
	"github.com/kingrea/The-Foreman/internal/ledger"
	"github.com/kingrea/The-Foreman/internal/logbook"
)

const (
	logTailLines   = 200
	recentSessions = 6
)

// Snapshot is one point-in-time view of a run's progress.
type Snapshot struct {
	Initialized bool
	Passing     int
	Total       int
	Categories  map[string][2]int
	Sessions    []ledger.SessionRecord
	LogPath     string
	LogLines    []string
	Err         error
}

// Ratio returns completion as a fraction, 0 when no checklist exists.
func (s Snapshot) Ratio() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Passing) / float64(s.Total)
}

// Load reads the current checklist, session history, and run-log tail.
// Read failures are carried in the snapshot instead of aborting the
// monitor; the run itself may simply not have started yet.
func Load(cfg *config.Config) Snapshot {
	var snap Snapshot

	led, err := ledger.Open(cfg.ForemanProjectDir)
	if err != nil {
		snap.Err = err
	} else {
		snap.Initialized = led.Initialized()
		snap.Passing, snap.Total = led.CompletionRatio()
		snap.Categories = led.CategoryStats()
		if sessions, err := led.Sessions(); err == nil {
			if len(sessions) > recentSessions {
				sessions = sessions[len(sessions)-recentSessions:]
			}
			snap.Sessions = sessions
		}
	}

	snap.LogPath = logbook.Latest(cfg.LogsDir())
	if snap.LogPath != "" {
		snap.LogLines, _ = logbook.TailFile(snap.LogPath, logTailLines)
	}
	return snap
}
