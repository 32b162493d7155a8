package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kingrea/The-Foreman/internal/agent"
	"github.com/kingrea/The-Foreman/internal/config"
	"github.com/kingrea/The-Foreman/internal/ledger"
	"github.com/kingrea/The-Foreman/internal/logbook"
)

// fakeBridge scripts session outcomes per call and records the prompts
// it was invoked with.
type fakeBridge struct {
	calls   int
	prompts []string
	run     func(call int, s agent.Session) (agent.Result, error)
}

func (f *fakeBridge) Run(_ context.Context, s agent.Session) (agent.Result, error) {
	f.calls++
	f.prompts = append(f.prompts, s.Prompt)
	return f.run(f.calls, s)
}

// style-001 deliberately sits before core-001 in the file so priority
// order is observable over file order.
func sampleChecklist() []ledger.FeatureRecord {
	return []ledger.FeatureRecord{
		{ID: "style-001", Category: "style", Description: "dark theme", Steps: []string{"toggle theme"}},
		{ID: "core-001", Category: "core", Description: "create a note", Steps: []string{"open", "click new"}},
	}
}

type harness struct {
	cfg    *config.Config
	led    *ledger.Ledger
	bridge *fakeBridge
	ctrl   *Controller
}

func newHarness(t *testing.T, initialized bool, run func(call int, s agent.Session) (agent.Result, error)) *harness {
	t.Helper()
	projectDir := t.TempDir()
	if err := config.InitForemanDir(projectDir); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.NewConfig(projectDir)
	if err != nil {
		t.Fatal(err)
	}
	cfg.ContinueDelay = 0

	led, err := ledger.Open(cfg.ForemanProjectDir)
	if err != nil {
		t.Fatal(err)
	}
	if initialized {
		if err := led.Initialize(sampleChecklist()); err != nil {
			t.Fatal(err)
		}
	}

	log, err := logbook.New(cfg.LogsDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close() })

	bridge := &fakeBridge{run: run}
	return &harness{
		cfg:    cfg,
		led:    led,
		bridge: bridge,
		ctrl:   New(cfg, led, bridge, log),
	}
}

func success() (agent.Result, error) {
	return agent.Result{Outcome: ledger.OutcomeSuccess}, nil
}

func TestCompletionStopsTheLoop(t *testing.T) {
	var h *harness
	h = newHarness(t, true, func(call int, _ agent.Session) (agent.Result, error) {
		for _, f := range h.led.Features() {
			if err := h.led.MarkPassing(f.ID); err != nil {
				t.Fatal(err)
			}
		}
		return success()
	})

	outcome, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome != RunCompleted {
		t.Fatalf("outcome = %s, want completed", outcome)
	}
	if h.bridge.calls != 1 {
		t.Fatalf("bridge called %d times after completion, want 1", h.bridge.calls)
	}
	if h.ctrl.State() != StateCompleted {
		t.Fatalf("state = %s, want completed", h.ctrl.State())
	}
}

func TestConsecutiveTimeoutsEnterRecovery(t *testing.T) {
	var h *harness
	h = newHarness(t, true, func(call int, _ agent.Session) (agent.Result, error) {
		if call <= 3 {
			return agent.Result{Outcome: ledger.OutcomeTimeout}, nil
		}
		for _, f := range h.led.Features() {
			if err := h.led.MarkPassing(f.ID); err != nil {
				t.Fatal(err)
			}
		}
		return success()
	})

	outcome, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome != RunCompleted {
		t.Fatalf("outcome = %s, want completed", outcome)
	}
	if h.bridge.calls != 4 {
		t.Fatalf("bridge calls = %d, want 4", h.bridge.calls)
	}
	// Session 4 runs after three failures, so it must carry the
	// recovery instructions; sessions 1-3 must not.
	if strings.Contains(h.bridge.prompts[2], "RECOVERY MODE") {
		t.Fatal("recovery prompt appeared before the threshold")
	}
	if !strings.Contains(h.bridge.prompts[3], "RECOVERY MODE") {
		t.Fatal("session after three timeouts did not use the recovery prompt")
	}
}

func TestSuccessResetsErrorStreak(t *testing.T) {
	var h *harness
	h = newHarness(t, true, func(call int, _ agent.Session) (agent.Result, error) {
		// Alternate two failures and a success, then finish. The streak
		// never reaches three, so recovery must never engage.
		switch {
		case call == 3 || call == 6:
			return success()
		case call > 6:
			for _, f := range h.led.Features() {
				if err := h.led.MarkPassing(f.ID); err != nil {
					t.Fatal(err)
				}
			}
			return success()
		default:
			return agent.Result{Outcome: ledger.OutcomeError}, nil
		}
	})

	outcome, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome != RunCompleted {
		t.Fatalf("outcome = %s, want completed", outcome)
	}
	for i, prompt := range h.bridge.prompts {
		if strings.Contains(prompt, "RECOVERY MODE") {
			t.Fatalf("session %d used a recovery prompt despite resets", i+1)
		}
	}
}

func TestAbortAfterUnrecoverableStreak(t *testing.T) {
	h := newHarness(t, true, func(int, agent.Session) (agent.Result, error) {
		return agent.Result{Outcome: ledger.OutcomeError}, nil
	})
	h.cfg.Project.AbortThreshold = 5

	outcome, err := h.ctrl.Run(context.Background())
	if outcome != RunAbortedUnrecoverable {
		t.Fatalf("outcome = %s, want aborted-unrecoverable-error", outcome)
	}
	if err == nil {
		t.Fatal("abort must carry a cause")
	}
	if h.bridge.calls != 5 {
		t.Fatalf("bridge calls = %d, want 5", h.bridge.calls)
	}
	if h.ctrl.State() != StateAborted {
		t.Fatalf("state = %s, want aborted", h.ctrl.State())
	}
}

func TestLaunchFailureAbortsWithoutRetry(t *testing.T) {
	h := newHarness(t, true, func(int, agent.Session) (agent.Result, error) {
		return agent.Result{Outcome: ledger.OutcomeError}, fmt.Errorf("%w: copilot not found", agent.ErrLaunch)
	})

	outcome, err := h.ctrl.Run(context.Background())
	if outcome != RunAbortedUnrecoverable {
		t.Fatalf("outcome = %s, want aborted-unrecoverable-error", outcome)
	}
	if !errors.Is(err, agent.ErrLaunch) {
		t.Fatalf("err = %v, want launch failure", err)
	}
	if h.bridge.calls != 1 {
		t.Fatalf("bridge calls = %d, want exactly 1", h.bridge.calls)
	}
}

func TestMaxSessionsAborts(t *testing.T) {
	h := newHarness(t, true, func(int, agent.Session) (agent.Result, error) {
		return success()
	})
	h.cfg.Project.MaxSessions = 2

	outcome, _ := h.ctrl.Run(context.Background())
	if outcome != RunAbortedMaxIterations {
		t.Fatalf("outcome = %s, want aborted-max-iterations", outcome)
	}
	if h.bridge.calls != 2 {
		t.Fatalf("bridge calls = %d, want 2", h.bridge.calls)
	}
}

func TestInitializerSessionBootstrapsChecklist(t *testing.T) {
	var h *harness
	h = newHarness(t, false, func(call int, _ agent.Session) (agent.Result, error) {
		if call == 1 {
			// The agent creates the checklist on disk; the controller
			// picks it up on reload.
			path := filepath.Join(h.cfg.ForemanProjectDir, ledger.ChecklistFile)
			body := `[{"id":"core-001","category":"core","description":"create a note","steps":["open"],"passes":false}]`
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				t.Fatal(err)
			}
			return success()
		}
		if err := h.led.MarkPassing("core-001"); err != nil {
			t.Fatal(err)
		}
		return success()
	})

	outcome, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome != RunCompleted {
		t.Fatalf("outcome = %s, want completed", outcome)
	}
	if !strings.Contains(h.bridge.prompts[0], "First Session") {
		t.Fatal("first session did not use the initializer prompt")
	}
	if strings.Contains(h.bridge.prompts[1], "First Session") {
		t.Fatal("initializer prompt reused after the checklist exists")
	}

	sessions, err := h.led.Sessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("history has %d sessions, want 2", len(sessions))
	}
	if sessions[0].SessionType != "initializer" || sessions[1].SessionType != "coding" {
		t.Fatalf("session types = %s, %s", sessions[0].SessionType, sessions[1].SessionType)
	}
}

func TestStructuralChecklistEditIsFatal(t *testing.T) {
	var h *harness
	h = newHarness(t, true, func(call int, _ agent.Session) (agent.Result, error) {
		// Simulate the agent rewriting a description, which the ledger
		// must treat as corruption.
		path := filepath.Join(h.cfg.ForemanProjectDir, ledger.ChecklistFile)
		body := `[{"id":"core-001","category":"core","description":"REWRITTEN","steps":["open","click new"],"passes":true},` +
			`{"id":"style-001","category":"style","description":"dark theme","steps":["toggle theme"],"passes":false}]`
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		return success()
	})

	outcome, err := h.ctrl.Run(context.Background())
	if outcome != RunAbortedUnrecoverable {
		t.Fatalf("outcome = %s, want aborted-unrecoverable-error", outcome)
	}
	if !errors.Is(err, ledger.ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
	if h.bridge.calls != 1 {
		t.Fatalf("bridge calls = %d, want 1 (no session after corruption)", h.bridge.calls)
	}
}

func TestOperatorInterrupt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, true, func(int, agent.Session) (agent.Result, error) {
		cancel()
		return agent.Result{Outcome: ledger.OutcomeError}, ctx.Err()
	})

	outcome, err := h.ctrl.Run(ctx)
	if outcome != RunInterrupted {
		t.Fatalf("outcome = %s, want interrupted", outcome)
	}
	if err == nil {
		t.Fatal("interrupt must carry a cause")
	}
}

func TestCodingPromptSuggestsPriorityFeature(t *testing.T) {
	var h *harness
	h = newHarness(t, true, func(call int, _ agent.Session) (agent.Result, error) {
		for _, f := range h.led.Features() {
			if err := h.led.MarkPassing(f.ID); err != nil {
				t.Fatal(err)
			}
		}
		return success()
	})
	if _, err := h.ctrl.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(h.bridge.prompts[0], "core-001") {
		t.Fatalf("prompt did not suggest the core feature:\n%s", h.bridge.prompts[0])
	}
}
