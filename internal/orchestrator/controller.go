// internal/orchestrator/controller.go
//
// The session loop. The controller runs the external agent session by
// session: the first session bootstraps the feature checklist, later
// sessions work through it, and repeated failures shift the loop into
// recovery prompts before giving up. Sessions are strictly sequential;
// the controller never overlaps two subprocesses on one project.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kingrea/The-Foreman/internal/agent"
	"github.com/kingrea/The-Foreman/internal/config"
	"github.com/kingrea/The-Foreman/internal/ledger"
	"github.com/kingrea/The-Foreman/internal/logbook"
	"github.com/kingrea/The-Foreman/internal/prompts"
)

// State is the controller's position in its lifecycle.
type State string

const (
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateRecovering   State = "recovering"
	StateCompleted    State = "completed"
	StateAborted      State = "aborted"
)

// RunOutcome is the terminal result of a whole run, surfaced to the
// operator as the process exit status.
type RunOutcome string

const (
	RunCompleted            RunOutcome = "completed"
	RunAbortedMaxIterations RunOutcome = "aborted-max-iterations"
	RunAbortedUnrecoverable RunOutcome = "aborted-unrecoverable-error"
	RunInterrupted          RunOutcome = "interrupted"
)

// bootstrapBudget bounds how long init.sh may take per session start.
// The script is expected to background its dev server; one that blocks
// forever is reported as a warning, never a fatal error.
const bootstrapBudget = 2 * time.Minute

// Bridge runs one agent session. Satisfied by *agent.Runner.
type Bridge interface {
	Run(ctx context.Context, s agent.Session) (agent.Result, error)
}

// errorState tracks consecutive non-success sessions. It belongs to the
// controller alone and resets to zero on any successful session.
type errorState struct {
	consecutive int
	lastKind    ledger.Outcome
	recovering  bool
}

// Controller drives the session loop for one project.
type Controller struct {
	cfg    *config.Config
	led    *ledger.Ledger
	bridge Bridge
	log    *logbook.Logbook

	state        State
	errs         errorState
	sessionIndex int
	startedAt    time.Time
}

// New creates a controller. The ledger must already be opened on the
// project's harness directory; it may or may not be initialized yet.
func New(cfg *config.Config, led *ledger.Ledger, bridge Bridge, log *logbook.Logbook) *Controller {
	return &Controller{
		cfg:    cfg,
		led:    led,
		bridge: bridge,
		log:    log,
		state:  StateInitializing,
	}
}

// State reports the controller's current lifecycle state.
func (c *Controller) State() State {
	return c.state
}

// Run executes sessions until the checklist completes, a budget runs
// out, the error streak becomes unrecoverable, or ctx is canceled.
// The returned error carries detail for non-completed outcomes.
func (c *Controller) Run(ctx context.Context) (RunOutcome, error) {
	c.startedAt = time.Now()

	if !c.led.Initialized() {
		c.state = StateInitializing
		c.log.Info("fresh project, first session will build the checklist")
	} else {
		c.state = StateRunning
		passing, total := c.led.CompletionRatio()
		c.log.Info("continuing project: %d/%d features passing", passing, total)
	}

	for {
		if err := ctx.Err(); err != nil {
			return c.abort(RunInterrupted, errors.New("interrupted by operator"))
		}

		if max := c.cfg.Project.MaxSessions; max > 0 && c.sessionIndex >= max {
			return c.abort(RunAbortedMaxIterations,
				fmt.Errorf("session budget of %d exhausted before completion", max))
		}

		c.sessionIndex++
		outcome, err := c.runSession(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return c.abort(RunInterrupted, err)
			}
			return c.abort(RunAbortedUnrecoverable, err)
		}

		if outcome == ledger.OutcomeSuccess {
			c.errs = errorState{}
			c.state = StateRunning
		} else {
			c.errs.consecutive++
			c.errs.lastKind = outcome
			if c.errs.consecutive >= c.cfg.Project.AbortThreshold {
				return c.abort(RunAbortedUnrecoverable,
					fmt.Errorf("%d consecutive failed sessions, last outcome %s",
						c.errs.consecutive, outcome))
			}
			if c.errs.consecutive >= c.cfg.Project.ErrorThreshold {
				if !c.errs.recovering {
					c.log.Warn("%d consecutive failed sessions, switching to recovery prompts",
						c.errs.consecutive)
				}
				c.errs.recovering = true
				c.state = StateRecovering
			}
		}

		if passing, total := c.led.CompletionRatio(); total > 0 && passing == total {
			c.state = StateCompleted
			c.finalSummary(RunCompleted)
			return RunCompleted, nil
		}

		if !sleepCtx(ctx, c.cfg.ContinueDelay) {
			return c.abort(RunInterrupted, errors.New("interrupted by operator"))
		}
	}
}

// runSession executes one full session: bootstrap, prompt selection,
// the agent invocation, ledger reload, and history append. The returned
// error is fatal for the run.
func (c *Controller) runSession(ctx context.Context) (ledger.Outcome, error) {
	sessionType := c.sessionType()
	c.log.Banner("Session %d (%s)", c.sessionIndex, sessionType)

	c.runBootstrap(ctx)

	before := c.passingSet()
	startedAt := time.Now()

	result, runErr := c.bridge.Run(ctx, agent.Session{
		Prompt:        c.buildPrompt(sessionType),
		WorkingDir:    c.cfg.AppDir(),
		Model:         c.cfg.Project.Model,
		MaxTurns:      c.cfg.Project.MaxTurns,
		Timeout:       c.cfg.Project.SessionTimeout.Std(),
		BrowserTools:  c.cfg.Project.BrowserTools,
		MCPConfigPath: c.cfg.MCPConfigPath(),
	})

	// The agent flips passes fields on disk; pick them up, and treat
	// any structural drift in the checklist as corruption.
	reloadErr := c.led.Reload()
	if errors.Is(reloadErr, ledger.ErrCorrupt) {
		return ledger.OutcomeError, fmt.Errorf("checklist unusable: %w", reloadErr)
	}
	if reloadErr != nil {
		c.log.Warn("checklist reload: %v", reloadErr)
	}

	record := ledger.SessionRecord{
		SessionIndex:     c.sessionIndex,
		SessionType:      sessionType,
		StartedAt:        startedAt,
		EndedAt:          time.Now(),
		Outcome:          result.Outcome,
		CommandsProposed: result.CommandsProposed,
		CommandsBlocked:  result.CommandsBlocked,
		FeaturesTouched:  c.touchedSince(before),
		ToolsUsed:        result.ToolsUsed,
		ErrorsDetected:   result.ErrorsDetected,
		WarningsDetected: result.WarningsDetected,
		NumTurns:         result.NumTurns,
		Recovery:         c.errs.recovering,
	}
	if err := c.led.AppendSession(record); err != nil {
		c.log.Warn("history append: %v", err)
	}

	c.logSessionSummary(record, result.Detail)

	if runErr != nil {
		return result.Outcome, runErr
	}

	if sessionType == sessionInitializer {
		if !c.led.Initialized() {
			c.log.Warn("initializer session ended without creating the checklist")
		}
		if _, err := os.Stat(c.cfg.BootstrapPath()); err != nil {
			c.log.Warn("initializer session ended without creating %s", config.BootstrapScript)
		}
	}

	return result.Outcome, nil
}

const (
	sessionInitializer = "initializer"
	sessionCoding      = "coding"
	sessionRecovery    = "recovery"
)

func (c *Controller) sessionType() string {
	switch {
	case !c.led.Initialized():
		return sessionInitializer
	case c.errs.recovering:
		return sessionRecovery
	default:
		return sessionCoding
	}
}

func (c *Controller) buildPrompt(sessionType string) string {
	switch sessionType {
	case sessionInitializer:
		return prompts.Initializer()
	case sessionRecovery:
		return prompts.Recovery(c.errs.consecutive)
	default:
		prompt := prompts.Coding()
		if next, ok := c.nextFeature(); ok {
			prompt += fmt.Sprintf("\n\nSuggested next feature: %s (%s): %s\n",
				next.ID, next.Category, next.Description)
		}
		return prompt
	}
}

// nextFeature picks the first failing feature in category priority
// order, position within a category deciding ties. The ranking is fixed
// at initialization and never recomputed.
func (c *Controller) nextFeature() (ledger.FeatureRecord, bool) {
	features := c.led.Features()
	for _, cat := range ledger.Categories {
		for _, f := range features {
			if f.Category == cat && !f.Passes {
				return f, true
			}
		}
	}
	return ledger.FeatureRecord{}, false
}

// runBootstrap invokes the project's init.sh if present. Failures are
// session-level warnings, never fatal: the agent itself is expected to
// repair a broken bootstrap script.
func (c *Controller) runBootstrap(ctx context.Context) {
	path := c.cfg.BootstrapPath()
	if _, err := os.Stat(path); err != nil {
		return
	}
	runCtx, cancel := context.WithTimeout(ctx, bootstrapBudget)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "./"+config.BootstrapScript)
	cmd.Dir = c.cfg.ProjectDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		c.log.Warn("bootstrap %s: %v: %s", config.BootstrapScript, err, lastLine(out))
		return
	}
	c.log.Info("bootstrap %s ok", config.BootstrapScript)
}

func lastLine(out []byte) string {
	s := strings.TrimRight(string(out), "\r\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return s
}

func (c *Controller) passingSet() map[string]bool {
	set := make(map[string]bool)
	for _, f := range c.led.Features() {
		set[f.ID] = f.Passes
	}
	return set
}

// touchedSince lists feature ids whose passes state changed during the
// session, including records the session created.
func (c *Controller) touchedSince(before map[string]bool) []string {
	var touched []string
	for _, f := range c.led.Features() {
		prev, existed := before[f.ID]
		if !existed {
			if f.Passes {
				touched = append(touched, f.ID)
			}
			continue
		}
		if prev != f.Passes {
			touched = append(touched, f.ID)
		}
	}
	return touched
}

func (c *Controller) logSessionSummary(rec ledger.SessionRecord, detail string) {
	passing, total := c.led.CompletionRatio()
	c.log.Info("session %d ended: outcome=%s duration=%s commands=%d blocked=%d errors=%d",
		rec.SessionIndex, rec.Outcome, rec.Duration().Round(time.Second),
		rec.CommandsProposed, rec.CommandsBlocked, rec.ErrorsDetected)
	if detail != "" && rec.Outcome != ledger.OutcomeSuccess {
		c.log.Warn("session %d: %s", rec.SessionIndex, detail)
	}
	if len(rec.FeaturesTouched) > 0 {
		c.log.Info("features touched: %v", rec.FeaturesTouched)
	}
	if total > 0 {
		c.log.Info("progress: %d/%d features passing (%.1f%%)",
			passing, total, float64(passing)/float64(total)*100)
	} else {
		c.log.Info("progress: checklist not created yet")
	}
}

func (c *Controller) abort(outcome RunOutcome, cause error) (RunOutcome, error) {
	c.state = StateAborted
	if outcome == RunInterrupted {
		c.log.Warn("run interrupted")
	} else {
		c.log.Error("run aborted: %v", cause)
	}
	c.finalSummary(outcome)
	return outcome, cause
}

// finalSummary writes the whole-run report: totals across sessions and
// the per-category completion breakdown.
func (c *Controller) finalSummary(outcome RunOutcome) {
	c.log.Banner("Run %s", outcome)

	sessions, err := c.led.Sessions()
	if err != nil {
		c.log.Warn("history unreadable for summary: %v", err)
	}
	var totalCmds, totalBlocked, totalErrs int
	var totalDur time.Duration
	for _, s := range sessions {
		totalCmds += s.CommandsProposed
		totalBlocked += s.CommandsBlocked
		totalErrs += s.ErrorsDetected
		totalDur += s.Duration()
	}
	c.log.Info("sessions: %d, wall clock %s, agent time %s",
		len(sessions), time.Since(c.startedAt).Round(time.Second), totalDur.Round(time.Second))
	c.log.Info("commands proposed: %d, blocked: %d, error markers: %d",
		totalCmds, totalBlocked, totalErrs)

	passing, total := c.led.CompletionRatio()
	if total == 0 {
		c.log.Info("checklist was never created")
		return
	}
	c.log.Info("features passing: %d/%d", passing, total)
	stats := c.led.CategoryStats()
	for _, cat := range ledger.Categories {
		if counts, ok := stats[cat]; ok {
			c.log.Info("  %-14s %d/%d", cat, counts[0], counts[1])
		}
	}
}

// sleepCtx pauses between sessions; returns false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
