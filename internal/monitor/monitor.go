// internal/monitor/monitor.go
//
// A read-only dashboard for a running (or finished) foreman project.
// Built on bubbletea's Elm-style model/update/view loop: file-system
// events and a slow ticker both funnel into a refresh message that
// reloads the snapshot from disk.

package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"

	"github.com/kingrea/The-Foreman/internal/config"
	"github.com/kingrea/The-Foreman/internal/ledger"
)

// refreshInterval is the fallback poll; fsnotify events usually arrive
// well before it fires.
const refreshInterval = 3 * time.Second

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57")).
			Padding(0, 1)
	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	blockStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("171"))
)

type (
	refreshMsg Snapshot
	tickMsg    time.Time
	fsEventMsg struct{}
)

// Model is the monitor's bubbletea model.
type Model struct {
	cfg     *config.Config
	bar     progress.Model
	logView viewport.Model
	snap    Snapshot
	watcher *fsnotify.Watcher
	events  chan struct{}
	width   int
	height  int
	ready   bool
}

// New builds the monitor for a project and starts watching its harness
// directory. Call Close when the program exits.
func New(cfg *config.Config) (*Model, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("monitor: watcher: %w", err)
	}
	// Both may legitimately not exist yet; the ticker covers the gap
	// until the first session creates them.
	_ = watcher.Add(cfg.ForemanProjectDir)
	_ = watcher.Add(cfg.LogsDir())

	m := &Model{
		cfg:     cfg,
		bar:     progress.New(progress.WithDefaultGradient()),
		watcher: watcher,
		events:  make(chan struct{}, 1),
	}
	go m.forwardEvents()
	return m, nil
}

// Close releases the file watcher.
func (m *Model) Close() error {
	return m.watcher.Close()
}

// forwardEvents coalesces raw fsnotify events into at most one pending
// refresh signal.
func (m *Model) forwardEvents() {
	for {
		select {
		case _, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			select {
			case m.events <- struct{}{}:
			default:
			}
		case _, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (m *Model) refreshCmd() tea.Cmd {
	return func() tea.Msg {
		return refreshMsg(Load(m.cfg))
	}
}

func (m *Model) waitEventCmd() tea.Cmd {
	return func() tea.Msg {
		<-m.events
		return fsEventMsg{}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Init starts the refresh loop.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.refreshCmd(), m.waitEventCmd(), tickCmd())
}

// Update handles messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.logView, cmd = m.logView.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.bar.Width = msg.Width - 24
		logHeight := msg.Height - m.headerHeight()
		if logHeight < 3 {
			logHeight = 3
		}
		if !m.ready {
			m.logView = viewport.New(msg.Width, logHeight)
			m.ready = true
		} else {
			m.logView.Width = msg.Width
			m.logView.Height = logHeight
		}
		m.setLogContent()
		return m, nil

	case refreshMsg:
		m.snap = Snapshot(msg)
		m.setLogContent()
		return m, nil

	case fsEventMsg:
		return m, tea.Batch(m.refreshCmd(), m.waitEventCmd())

	case tickMsg:
		return m, tea.Batch(m.refreshCmd(), tickCmd())
	}
	return m, nil
}

// headerHeight is the number of lines above the log viewport.
func (m *Model) headerHeight() int {
	return 8 + len(m.snap.Categories) + len(m.snap.Sessions)
}

func (m *Model) setLogContent() {
	if !m.ready {
		return
	}
	atBottom := m.logView.AtBottom()
	m.logView.SetContent(styleLogLines(m.snap.LogLines))
	if atBottom {
		m.logView.GotoBottom()
	}
}

func styleLogLines(lines []string) string {
	styled := make([]string, len(lines))
	for i, line := range lines {
		switch {
		case strings.Contains(line, " ERROR "):
			styled[i] = errStyle.Render(line)
		case strings.Contains(line, " WARN "):
			styled[i] = blockStyle.Render(line)
		case strings.Contains(line, " BLOCK "):
			styled[i] = blockStyle.Render(line)
		default:
			styled[i] = line
		}
	}
	return strings.Join(styled, "\n")
}

// View renders the dashboard.
func (m *Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("foreman monitor"))
	b.WriteString(dimStyle.Render("  " + m.cfg.ProjectDir))
	b.WriteString("\n\n")

	if m.snap.Err != nil {
		b.WriteString(errStyle.Render(fmt.Sprintf("checklist: %v", m.snap.Err)))
		b.WriteString("\n")
	}

	if !m.snap.Initialized {
		b.WriteString(dimStyle.Render("checklist not created yet (initializer session pending)"))
		b.WriteString("\n\n")
	} else {
		b.WriteString(fmt.Sprintf("%s %d/%d\n",
			m.bar.ViewAs(m.snap.Ratio()), m.snap.Passing, m.snap.Total))
		b.WriteString("\n")
		b.WriteString(sectionStyle.Render("Categories"))
		b.WriteString("\n")
		for _, cat := range ledger.Categories {
			counts, ok := m.snap.Categories[cat]
			if !ok {
				continue
			}
			mark := dimStyle
			if counts[0] == counts[1] {
				mark = okStyle
			}
			b.WriteString(mark.Render(fmt.Sprintf("  %-14s %3d/%-3d", cat, counts[0], counts[1])))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(m.snap.Sessions) > 0 {
		b.WriteString(sectionStyle.Render("Recent sessions"))
		b.WriteString("\n")
		for _, s := range m.snap.Sessions {
			style := okStyle
			if s.Outcome != ledger.OutcomeSuccess {
				style = errStyle
			}
			b.WriteString(fmt.Sprintf("  #%-3d %-11s %-9s %6s  cmds %d (blocked %d)\n",
				s.SessionIndex, s.SessionType, style.Render(string(s.Outcome)),
				s.Duration().Round(time.Second), s.CommandsProposed, s.CommandsBlocked))
		}
		b.WriteString("\n")
	}

	b.WriteString(sectionStyle.Render("Log"))
	if m.snap.LogPath != "" {
		b.WriteString(dimStyle.Render("  " + m.snap.LogPath))
	}
	b.WriteString("\n")
	if m.ready {
		b.WriteString(m.logView.View())
	}
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("q: quit  ↑/↓: scroll log"))
	return b.String()
}
