// internal/prompts/prompts.go
//
// Bundled prompt templates for the three session types. Templates are
// embedded so the binary is self-contained; the application spec is the
// only prompt input that comes from the user.

package prompts

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

//go:embed templates/*.md
var templates embed.FS

func mustLoad(name string) string {
	data, err := templates.ReadFile(path.Join("templates", name+".md"))
	if err != nil {
		panic(fmt.Sprintf("prompts: missing embedded template %s: %v", name, err))
	}
	return string(data)
}

var (
	initializerPrompt = mustLoad("initializer")
	codingPrompt      = mustLoad("coding")
)

// Initializer returns the prompt for the first session, which bootstraps
// the feature checklist from the application spec.
func Initializer() string {
	return initializerPrompt
}

// Coding returns the prompt for a regular working session.
func Coding() string {
	return codingPrompt
}

const recoveryHeader = `RECOVERY MODE: the previous %d sessions ended with errors.

PRIORITY: fix the blocking issues before continuing with new features.

1. Review the most recent changes for broken code.
2. Run the existing tests to identify what is failing.
3. Fix the most critical issue first.
4. Only then return to the checklist.

`

// Recovery wraps the coding prompt with instructions to stabilize the
// project first. consecutive is the number of failed sessions so far.
func Recovery(consecutive int) string {
	return fmt.Sprintf(recoveryHeader, consecutive) + codingPrompt
}

// CopySpec places the application spec at destPath for the agent to
// read. An existing copy is left alone so a continued run keeps the
// spec its checklist was generated from.
func CopySpec(specPath, destPath string) error {
	if _, err := os.Stat(destPath); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("prompts: stat %s: %w", destPath, err)
	}
	data, err := os.ReadFile(specPath)
	if err != nil {
		return fmt.Errorf("prompts: read spec %s: %w", specPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("prompts: ensure spec dir: %w", err)
	}
	if err := os.WriteFile(destPath, data, 0o644); err != nil {
		return fmt.Errorf("prompts: write spec copy: %w", err)
	}
	return nil
}
