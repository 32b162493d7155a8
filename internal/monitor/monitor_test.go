package monitor

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/The-Foreman/internal/config"
	"github.com/kingrea/The-Foreman/internal/ledger"
	"github.com/kingrea/The-Foreman/internal/logbook"
)

func testProject(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	if err := config.InitForemanDir(dir); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.NewConfig(dir)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func seedLedger(t *testing.T, cfg *config.Config) *ledger.Ledger {
	t.Helper()
	led, err := ledger.Open(cfg.ForemanProjectDir)
	if err != nil {
		t.Fatal(err)
	}
	features := []ledger.FeatureRecord{
		{ID: "core-001", Category: "core", Description: "create a note", Steps: []string{"open"}},
		{ID: "core-002", Category: "core", Description: "delete a note", Steps: []string{"open"}},
		{ID: "edge-001", Category: "edge", Description: "empty title", Steps: []string{"submit"}},
	}
	if err := led.Initialize(features); err != nil {
		t.Fatal(err)
	}
	if err := led.MarkPassing("core-001"); err != nil {
		t.Fatal(err)
	}
	return led
}

func TestLoadSnapshotFreshProject(t *testing.T) {
	cfg := testProject(t)
	snap := Load(cfg)
	if snap.Err != nil {
		t.Fatalf("snapshot error on fresh project: %v", snap.Err)
	}
	if snap.Initialized || snap.Total != 0 {
		t.Fatalf("fresh project snapshot = %+v", snap)
	}
}

func TestLoadSnapshotReadsEverything(t *testing.T) {
	cfg := testProject(t)
	led := seedLedger(t, cfg)

	if err := led.AppendSession(ledger.SessionRecord{
		SessionIndex: 1,
		SessionType:  "coding",
		StartedAt:    time.Now().Add(-time.Minute),
		EndedAt:      time.Now(),
		Outcome:      ledger.OutcomeSuccess,
	}); err != nil {
		t.Fatal(err)
	}

	log, err := logbook.New(cfg.LogsDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	log.Info("session 1 ended")
	log.Close()

	snap := Load(cfg)
	if !snap.Initialized {
		t.Fatal("snapshot missed the checklist")
	}
	if snap.Passing != 1 || snap.Total != 3 {
		t.Fatalf("ratio = %d/%d, want 1/3", snap.Passing, snap.Total)
	}
	if counts := snap.Categories["core"]; counts != [2]int{1, 2} {
		t.Fatalf("core counts = %v, want [1 2]", counts)
	}
	if len(snap.Sessions) != 1 || snap.Sessions[0].SessionType != "coding" {
		t.Fatalf("sessions = %+v", snap.Sessions)
	}
	if snap.LogPath == "" || len(snap.LogLines) == 0 {
		t.Fatalf("log tail missing: path=%q lines=%d", snap.LogPath, len(snap.LogLines))
	}
}

func TestSnapshotRatio(t *testing.T) {
	if r := (Snapshot{}).Ratio(); r != 0 {
		t.Fatalf("empty ratio = %f", r)
	}
	if r := (Snapshot{Passing: 3, Total: 4}).Ratio(); r != 0.75 {
		t.Fatalf("ratio = %f, want 0.75", r)
	}
}

func TestViewRendersProgress(t *testing.T) {
	cfg := testProject(t)
	seedLedger(t, cfg)

	m, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	var model tea.Model = m
	model, _ = model.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	model, _ = model.Update(refreshMsg(Load(cfg)))

	view := model.View()
	if !strings.Contains(view, "1/3") {
		t.Fatalf("view missing completion ratio:\n%s", view)
	}
	if !strings.Contains(view, "core") || !strings.Contains(view, "edge") {
		t.Fatalf("view missing category breakdown:\n%s", view)
	}
}

func TestQuitKeys(t *testing.T) {
	cfg := testProject(t)
	m, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("q did not produce a command")
	}
	if msg := cmd(); msg != tea.Quit() {
		t.Fatalf("q produced %T, want quit", msg)
	}
}
