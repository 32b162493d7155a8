// internal/agent/mcp.go

package agent

import (
	"encoding/json"
	"fmt"
	"os"
)

// mcpServers is the browser-automation tool configuration handed to the
// agent CLI when browser tools are enabled.
var mcpServers = map[string]any{
	"playwright": map[string]any{
		"command": "npx",
		"args":    []string{"@playwright/mcp@latest"},
	},
}

// WriteMCPConfig writes the MCP server configuration to path. The file
// lives in the harness directory, not app/, so the app stays deployable.
func WriteMCPConfig(path string) error {
	data, err := json.MarshalIndent(map[string]any{"mcpServers": mcpServers}, "", "  ")
	if err != nil {
		return fmt.Errorf("agent: marshal mcp config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("agent: write mcp config: %w", err)
	}
	return nil
}
