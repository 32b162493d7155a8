// internal/logbook/logbook.go
//
// Every run writes a timestamped log under .foreman/logs/. The monitor
// tails this file, so entries are flushed line by line rather than
// buffered. Entries are also echoed to the console with a little color
// so a run is readable without the monitor attached.

package logbook

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Level represents the severity of a log entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelAgent Level = "AGENT"
	LevelBlock Level = "BLOCK"
)

var consoleColors = map[Level]*color.Color{
	LevelInfo:  color.New(color.FgCyan),
	LevelWarn:  color.New(color.FgYellow),
	LevelError: color.New(color.FgRed, color.Bold),
	LevelAgent: color.New(color.FgWhite),
	LevelBlock: color.New(color.FgMagenta),
}

// Logbook appends timestamped lines to a per-run log file so a run can
// be inspected after the fact, and optionally echoes them to stdout.
type Logbook struct {
	path string
	file *os.File
	echo bool
	mu   sync.Mutex
}

// New creates a fresh run log in logsDir, named run_<timestamp>.log.
// When echo is true every entry is also printed to the console.
func New(logsDir string, echo bool) (*Logbook, error) {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("logbook: ensure log dir: %w", err)
	}
	name := fmt.Sprintf("run_%s.log", time.Now().Format("20060102-150405"))
	path := filepath.Join(logsDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logbook: open log file: %w", err)
	}
	return &Logbook{path: path, file: f, echo: echo}, nil
}

// Open reuses an existing log file, appending to it. The monitor uses
// Latest to find the file instead.
func Open(path string, echo bool) (*Logbook, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logbook: open log file: %w", err)
	}
	return &Logbook{path: path, file: f, echo: echo}, nil
}

// Latest returns the path of the most recent run log in logsDir, or an
// empty string when no run has been logged yet.
func Latest(logsDir string) string {
	entries, err := os.ReadDir(logsDir)
	if err != nil {
		return ""
	}
	var latest string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "run_") || !strings.HasSuffix(name, ".log") {
			continue
		}
		// Timestamped names sort chronologically.
		if name > latest {
			latest = name
		}
	}
	if latest == "" {
		return ""
	}
	return filepath.Join(logsDir, latest)
}

// Path returns the file backing this logbook.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Close releases the file handle.
func (l *Logbook) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Append writes a single entry to the log file and, when echo is on,
// to the console.
func (l *Logbook) Append(level Level, message string) {
	if l == nil || l.file == nil {
		return
	}
	message = strings.TrimSpace(message)
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.file, "%s %-5s %s\n",
		time.Now().UTC().Format(time.RFC3339),
		string(level),
		message,
	)
	if l.echo {
		c := consoleColors[level]
		if c == nil {
			fmt.Println(message)
		} else {
			c.Println(message)
		}
	}
}

// Banner writes a visually separated section header, used at session
// boundaries so long runs stay navigable.
func (l *Logbook) Banner(format string, args ...any) {
	title := fmt.Sprintf(format, args...)
	rule := strings.Repeat("=", 60)
	l.Append(LevelInfo, rule)
	l.Append(LevelInfo, title)
	l.Append(LevelInfo, rule)
}

// Info appends an informational entry.
func (l *Logbook) Info(format string, args ...any) {
	l.Append(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn appends a warning entry.
func (l *Logbook) Warn(format string, args ...any) {
	l.Append(LevelWarn, fmt.Sprintf(format, args...))
}

// Error appends an error entry.
func (l *Logbook) Error(format string, args ...any) {
	l.Append(LevelError, fmt.Sprintf(format, args...))
}

// Agent appends a line of agent output.
func (l *Logbook) Agent(format string, args ...any) {
	l.Append(LevelAgent, fmt.Sprintf(format, args...))
}

// Block records a command the policy refused.
func (l *Logbook) Block(format string, args ...any) {
	l.Append(LevelBlock, fmt.Sprintf(format, args...))
}

// Tail returns up to maxLines of the most recent entries along with the
// total number of lines in the file.
func (l *Logbook) Tail(maxLines int) ([]string, int) {
	if l == nil || maxLines <= 0 {
		return nil, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return TailFile(l.path, maxLines)
}

// TailFile reads the last maxLines lines of an arbitrary log file. The
// monitor uses this directly since it never holds a Logbook of its own.
func TailFile(path string, maxLines int) ([]string, int) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	total := len(lines)
	if total == 0 {
		return nil, 0
	}
	if total > maxLines {
		lines = lines[total-maxLines:]
	}
	return lines, total
}
