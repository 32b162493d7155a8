package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kingrea/The-Foreman/internal/ledger"
	"github.com/kingrea/The-Foreman/internal/logbook"
)

// fakeAgent writes a shell script that stands in for the agent CLI and
// returns its path.
func fakeAgent(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testRunner(t *testing.T, bin string) *Runner {
	t.Helper()
	log, err := logbook.New(t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close() })
	return NewRunner(bin, nil, log, 1<<20, 200*time.Millisecond)
}

func TestRunCountsAndFiltersCommands(t *testing.T) {
	replies := filepath.Join(t.TempDir(), "replies.txt")
	bin := fakeAgent(t, `
echo '{"type":"system","subtype":"init"}'
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"npm install"}}]}}'
read -r reply1
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t2","name":"Bash","input":{"command":"rm -rf node_modules"}}]}}'
read -r reply2
printf '%s\n%s\n' "$reply1" "$reply2" > `+replies+`
echo '{"type":"result","subtype":"success","result":"all done","num_turns":7}'
`)
	r := testRunner(t, bin)
	res, err := r.Run(context.Background(), Session{
		Prompt:     "continue",
		WorkingDir: t.TempDir(),
		Model:      "claude-sonnet-4.5",
		MaxTurns:   100,
		Timeout:    10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != ledger.OutcomeSuccess {
		t.Fatalf("outcome = %s, want success (%s)", res.Outcome, res.Detail)
	}
	if res.CommandsProposed != 2 || res.CommandsBlocked != 1 {
		t.Fatalf("proposed/blocked = %d/%d, want 2/1", res.CommandsProposed, res.CommandsBlocked)
	}
	if res.NumTurns != 7 {
		t.Fatalf("num_turns = %d, want 7", res.NumTurns)
	}
	if len(res.ToolsUsed) != 1 || res.ToolsUsed[0] != "Bash" {
		t.Fatalf("tools used = %v", res.ToolsUsed)
	}

	data, err := os.ReadFile(replies)
	if err != nil {
		t.Fatalf("fake agent saw no replies: %v", err)
	}
	got := string(data)
	if !containsAll(got, `"tool_use_id":"t1"`, `"decision":"allow"`) {
		t.Fatalf("allowed command got no allow reply: %q", got)
	}
	if !containsAll(got, `"tool_use_id":"t2"`, `"decision":"deny"`, `"reason"`) {
		t.Fatalf("blocked command got no deny reply: %q", got)
	}
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		found := false
		for i := 0; i+len(p) <= len(s); i++ {
			if s[i:i+len(p)] == p {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func TestRunTimeout(t *testing.T) {
	bin := fakeAgent(t, `
echo '{"type":"system","subtype":"init"}'
sleep 30
`)
	r := testRunner(t, bin)
	start := time.Now()
	res, err := r.Run(context.Background(), Session{
		Prompt:     "continue",
		WorkingDir: t.TempDir(),
		Model:      "claude-sonnet-4.5",
		Timeout:    300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != ledger.OutcomeTimeout {
		t.Fatalf("outcome = %s, want timeout", res.Outcome)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("termination took %s, grace escalation did not fire", elapsed)
	}
}

func TestRunErrorResult(t *testing.T) {
	bin := fakeAgent(t, `
echo '{"type":"result","subtype":"error","is_error":true,"result":"model refused"}'
`)
	r := testRunner(t, bin)
	res, err := r.Run(context.Background(), Session{
		Prompt: "continue", WorkingDir: t.TempDir(), Model: "m", Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != ledger.OutcomeError || res.Detail != "model refused" {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunMaxTurnsFromResult(t *testing.T) {
	bin := fakeAgent(t, `
echo '{"type":"result","subtype":"success","result":"ran out","num_turns":50}'
`)
	r := testRunner(t, bin)
	res, err := r.Run(context.Background(), Session{
		Prompt: "continue", WorkingDir: t.TempDir(), Model: "m", MaxTurns: 50, Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != ledger.OutcomeMaxTurns {
		t.Fatalf("outcome = %s, want max-turns", res.Outcome)
	}
}

func TestRunCrashMidStream(t *testing.T) {
	bin := fakeAgent(t, `
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Read","input":{}}]}}'
echo "fatal: out of credits" >&2
exit 3
`)
	r := testRunner(t, bin)
	res, err := r.Run(context.Background(), Session{
		Prompt: "continue", WorkingDir: t.TempDir(), Model: "m", Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != ledger.OutcomeError {
		t.Fatalf("outcome = %s, want error", res.Outcome)
	}
	// Partial counters survive the crash.
	if len(res.ToolsUsed) != 1 || res.ToolsUsed[0] != "Read" {
		t.Fatalf("tools used = %v", res.ToolsUsed)
	}
}

func TestRunOutputBudget(t *testing.T) {
	bin := fakeAgent(t, `
i=0
while [ $i -lt 10000 ]; do
  echo '{"type":"assistant","message":{"content":[{"type":"text","text":"spinning on the same broken test over and over"}]}}'
  i=$((i+1))
done
`)
	log, err := logbook.New(t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()
	r := NewRunner(bin, nil, log, 8*1024, 200*time.Millisecond)
	res, err := r.Run(context.Background(), Session{
		Prompt: "continue", WorkingDir: t.TempDir(), Model: "m", Timeout: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != ledger.OutcomeMaxTurns {
		t.Fatalf("outcome = %s (%s), want max-turns", res.Outcome, res.Detail)
	}
}

func TestRunLaunchFailure(t *testing.T) {
	r := testRunner(t, filepath.Join(t.TempDir(), "no-such-binary"))
	_, err := r.Run(context.Background(), Session{
		Prompt: "go", WorkingDir: t.TempDir(), Model: "m", Timeout: time.Second,
	})
	if !errors.Is(err, ErrLaunch) {
		t.Fatalf("err = %v, want ErrLaunch", err)
	}
}

func TestRunErrorMarkersWithoutResult(t *testing.T) {
	bin := fakeAgent(t, `
echo 'Error: cannot find module express'
echo 'Error: listen EADDRINUSE'
`)
	r := testRunner(t, bin)
	res, err := r.Run(context.Background(), Session{
		Prompt: "continue", WorkingDir: t.TempDir(), Model: "m", Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != ledger.OutcomeError || res.ErrorsDetected != 2 {
		t.Fatalf("result = %+v, want error with 2 markers", res)
	}
}
