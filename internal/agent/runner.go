// internal/agent/runner.go
//
// The bridge to the external coding-agent CLI. A Runner owns one
// subprocess per session: it launches the agent pinned to the app
// directory, consumes its output stream incrementally, consults the
// command policy for every proposed shell invocation, and enforces the
// session's time, turn, and output budgets.

package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kingrea/The-Foreman/internal/ledger"
	"github.com/kingrea/The-Foreman/internal/logbook"
	"github.com/kingrea/The-Foreman/internal/policy"
)

// ErrLaunch indicates the agent binary could not be started at all.
// This is fatal for the run; the loop never retries a launch failure.
var ErrLaunch = errors.New("agent: launch failed")

// Session describes one bounded invocation of the agent.
type Session struct {
	Prompt     string
	WorkingDir string
	Model      string
	// MaxTurns bounds the agent's internal tool-use loop. 0 means the
	// CLI's own default.
	MaxTurns int
	// Timeout is the wall-clock budget. 0 means unbounded.
	Timeout time.Duration
	// BrowserTools passes the MCP browser-automation config through to
	// the agent when set.
	BrowserTools  bool
	MCPConfigPath string
}

// Result aggregates what happened during one session. Counters feed the
// session history; the events themselves are not persisted.
type Result struct {
	Outcome          ledger.Outcome
	CommandsProposed int
	CommandsBlocked  int
	ToolsUsed        []string
	ErrorsDetected   int
	WarningsDetected int
	NumTurns         int
	// Detail is the terminal result text, or a short explanation of a
	// non-success outcome.
	Detail string
}

// Evaluator decides whether a proposed shell command may run.
type Evaluator func(command string) policy.Decision

// Runner launches agent sessions. Sessions are strictly sequential; a
// Runner never has two subprocesses alive at once.
type Runner struct {
	bin       string
	evaluate  Evaluator
	log       *logbook.Logbook
	maxOutput int64
	grace     time.Duration
}

// NewRunner returns a Runner that launches bin and filters commands
// through evaluate. maxOutput bounds the total bytes a session may
// stream; grace is how long a terminated subprocess gets between the
// polite signal and the forced kill.
func NewRunner(bin string, evaluate Evaluator, log *logbook.Logbook, maxOutput int64, grace time.Duration) *Runner {
	if evaluate == nil {
		evaluate = policy.Evaluate
	}
	return &Runner{
		bin:       bin,
		evaluate:  evaluate,
		log:       log,
		maxOutput: maxOutput,
		grace:     grace,
	}
}

// CheckBinary verifies the agent CLI is installed and runnable. Called
// once at startup so a missing binary fails before any session starts.
func (r *Runner) CheckBinary(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, r.bin, "--version")
	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("%w: %s --version: %v", ErrLaunch, r.bin, err)
	}
	r.log.Info("agent CLI: %s %s", r.bin, strings.TrimSpace(string(out)))
	return nil
}

func buildArgs(s Session) []string {
	args := []string{
		"--model", s.Model,
		"--allow-all-tools",
		"--allow-all-paths",
		"--add-dir", s.WorkingDir,
		"--output-format", "stream-json",
	}
	if s.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(s.MaxTurns))
	}
	if s.BrowserTools && s.MCPConfigPath != "" {
		args = append(args, "--additional-mcp-config", s.MCPConfigPath)
	}
	return append(args, "-p", s.Prompt)
}

// Run executes one session and blocks until the subprocess exits or a
// budget forces termination. A context cancellation from the caller
// (operator interrupt) is returned as the context's error; every other
// condition is folded into the Result's outcome.
func (r *Runner) Run(ctx context.Context, s Session) (Result, error) {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if s.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.bin, buildArgs(s)...)
	cmd.Dir = s.WorkingDir
	// Polite termination first; Wait escalates to SIGKILL after the
	// grace period.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = r.grace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Result{Outcome: ledger.OutcomeError}, fmt.Errorf("agent: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{Outcome: ledger.OutcomeError}, fmt.Errorf("agent: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{Outcome: ledger.OutcomeError}, fmt.Errorf("agent: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Result{Outcome: ledger.OutcomeError}, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	state := &sessionState{
		evaluate: r.evaluate,
		log:      r.log,
		stdin:    stdin,
	}

	// Wait runs alongside the pumps: if the subprocess leaves an orphan
	// holding the pipes open, WaitDelay force-closes them so the pumps
	// cannot block past the grace period.
	pumpsDone := make(chan struct{})
	waitCh := make(chan error, 1)
	go func() {
		// Hold off on Wait until the pumps drain the pipes so a fast
		// exit cannot lose buffered output, but start it on cancellation
		// regardless: if the subprocess leaves an orphan holding the
		// pipes open, WaitDelay force-closes them so the pumps cannot
		// block past the grace period.
		select {
		case <-pumpsDone:
		case <-runCtx.Done():
		}
		waitCh <- cmd.Wait()
	}()

	var pumps errgroup.Group
	pumps.Go(func() error {
		state.pumpStdout(stdout, r.maxOutput, cancel)
		return nil
	})
	pumps.Go(func() error {
		state.pumpStderr(stderr)
		return nil
	})
	_ = pumps.Wait()
	close(pumpsDone)
	stdin.Close()

	waitErr := <-waitCh

	res := state.result()

	switch {
	case state.overBudget:
		res.Outcome = ledger.OutcomeMaxTurns
		res.Detail = fmt.Sprintf("session exceeded output budget of %d bytes", r.maxOutput)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.Outcome = ledger.OutcomeTimeout
		res.Detail = fmt.Sprintf("session exceeded timeout of %s", s.Timeout)
	case ctx.Err() != nil:
		// Operator interrupt; the caller decides what to do with it.
		res.Outcome = ledger.OutcomeError
		return res, ctx.Err()
	case state.resultSeen && state.resultErr:
		res.Outcome = ledger.OutcomeError
	case state.resultSeen && s.MaxTurns > 0 && state.numTurns >= s.MaxTurns:
		res.Outcome = ledger.OutcomeMaxTurns
	case state.resultSeen:
		res.Outcome = ledger.OutcomeSuccess
	case waitErr != nil:
		// Crashed mid-stream; partial counters are still reported.
		res.Outcome = ledger.OutcomeError
		res.Detail = crashDetail(waitErr, state.stderrTail)
	case state.errors > 0:
		res.Outcome = ledger.OutcomeError
		res.Detail = fmt.Sprintf("%d error markers in session output", state.errors)
	default:
		res.Outcome = ledger.OutcomeSuccess
	}
	return res, nil
}

func crashDetail(waitErr error, stderrTail []string) string {
	if len(stderrTail) == 0 {
		return fmt.Sprintf("agent exited abnormally: %v", waitErr)
	}
	return fmt.Sprintf("agent exited abnormally: %v: %s", waitErr, strings.Join(stderrTail, " / "))
}

// sessionState accumulates counters across the stdout and stderr pumps.
type sessionState struct {
	evaluate Evaluator
	log      *logbook.Logbook

	mu         sync.Mutex
	stdin      io.Writer
	proposed   int
	blocked    int
	errors     int
	warnings   int
	numTurns   int
	resultSeen bool
	resultErr  bool
	detail     string
	toolsSeen  map[string]bool
	toolsUsed  []string
	stderrTail []string
	overBudget bool
}

func (st *sessionState) result() Result {
	st.mu.Lock()
	defer st.mu.Unlock()
	return Result{
		CommandsProposed: st.proposed,
		CommandsBlocked:  st.blocked,
		ToolsUsed:        append([]string(nil), st.toolsUsed...),
		ErrorsDetected:   st.errors,
		WarningsDetected: st.warnings,
		NumTurns:         st.numTurns,
		Detail:           st.detail,
	}
}

// pumpStdout consumes the subprocess output line by line until EOF or
// the output budget is exhausted. Recognized events update counters;
// Bash tool uses are filtered through the policy synchronously, with
// the decision written back to the subprocess stdin.
func (st *sessionState) pumpStdout(r io.Reader, maxOutput int64, cancel context.CancelFunc) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	var consumed int64
	for scanner.Scan() {
		line := scanner.Text()
		consumed += int64(len(line)) + 1
		if maxOutput > 0 && consumed > maxOutput {
			st.mu.Lock()
			st.overBudget = true
			st.mu.Unlock()
			cancel()
			break
		}
		for _, ev := range parseLine(line) {
			st.handleEvent(ev)
		}
	}
	if err := scanner.Err(); err != nil {
		// Malformed stream; keep going with what we have.
		st.log.Warn("agent output stream: %v", err)
	}
	// Drain anything past a budget cutoff so the pipe does not block
	// the dying subprocess.
	_, _ = io.Copy(io.Discard, r)
}

func (st *sessionState) pumpStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		st.log.Warn("[stderr] %s", line)
		st.mu.Lock()
		st.stderrTail = append(st.stderrTail, line)
		if len(st.stderrTail) > 5 {
			st.stderrTail = st.stderrTail[1:]
		}
		st.mu.Unlock()
	}
}

func (st *sessionState) handleEvent(ev Event) {
	switch ev.Kind {
	case EventInit:
		st.log.Info("agent session ready")

	case EventText:
		st.log.Agent("%s", ev.Text)

	case EventToolUse:
		st.mu.Lock()
		if st.toolsSeen == nil {
			st.toolsSeen = make(map[string]bool)
		}
		if ev.ToolName != "" && !st.toolsSeen[ev.ToolName] {
			st.toolsSeen[ev.ToolName] = true
			st.toolsUsed = append(st.toolsUsed, ev.ToolName)
		}
		st.mu.Unlock()
		if ev.ToolName == "Bash" && ev.Command != "" {
			st.filterCommand(ev)
		} else {
			st.log.Info("tool: %s", ev.ToolName)
		}

	case EventResult:
		st.mu.Lock()
		st.resultSeen = true
		st.resultErr = ev.IsError
		st.numTurns = ev.NumTurns
		st.detail = ev.Text
		st.mu.Unlock()

	case EventError:
		st.mu.Lock()
		st.errors++
		st.mu.Unlock()
		st.log.Error("%s", ev.Text)

	case EventWarning:
		st.mu.Lock()
		st.warnings++
		st.mu.Unlock()
		st.log.Warn("%s", ev.Text)
	}
}

// filterCommand runs one proposed shell command through the policy and
// reports the decision back to the subprocess.
func (st *sessionState) filterCommand(ev Event) {
	decision := st.evaluate(ev.Command)

	st.mu.Lock()
	st.proposed++
	if !decision.Allowed() {
		st.blocked++
	}
	st.mu.Unlock()

	reply := permissionReply{
		Type:      "permission",
		ToolUseID: ev.ToolUseID,
		Decision:  "allow",
	}
	if decision.Allowed() {
		st.log.Info("bash: %s", ev.Command)
	} else {
		reply.Decision = "deny"
		reply.Reason = decision.Reason
		st.log.Block("blocked: %s (%s)", ev.Command, decision.Reason)
	}
	st.writeReply(reply)
}

func (st *sessionState) writeReply(reply permissionReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	// The subprocess may have closed stdin already; a failed write is
	// not actionable here.
	_, _ = st.stdin.Write(append(data, '\n'))
}
