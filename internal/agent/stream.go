// internal/agent/stream.go
//
// Parsing for the agent CLI's line-oriented output. The CLI speaks
// stream-json: one JSON object per line with a top-level "type". Agent
// builds sometimes fall back to plain text with [Tool: Name] markers,
// so unparseable lines are scanned for those instead of being dropped.

package agent

import (
	"encoding/json"
	"regexp"
	"strings"
)

// EventKind classifies a single recognized event in the output stream.
type EventKind string

const (
	// EventInit is the subprocess announcing a ready session.
	EventInit EventKind = "init"
	// EventText is narrative assistant output.
	EventText EventKind = "text"
	// EventToolUse is a proposed tool invocation.
	EventToolUse EventKind = "tool_use"
	// EventResult is the terminal success/failure message.
	EventResult EventKind = "result"
	// EventError is an error marker detected in the stream.
	EventError EventKind = "error"
	// EventWarning is a warning marker detected in the stream.
	EventWarning EventKind = "warning"
)

// Event is one recognized occurrence in the subprocess output. Events
// live only for the session that produced them; aggregate counts end up
// in the session history.
type Event struct {
	Kind      EventKind
	Text      string
	ToolName  string
	ToolUseID string
	// Command is the proposed shell invocation, set only for Bash
	// tool-use events.
	Command  string
	IsError  bool
	NumTurns int
}

// Wire format of a stream-json line.
type streamMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Message *struct {
		Content []contentBlock `json:"content"`
	} `json:"message,omitempty"`
	Result   string `json:"result,omitempty"`
	IsError  bool   `json:"is_error,omitempty"`
	NumTurns int    `json:"num_turns,omitempty"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type bashInput struct {
	Command string `json:"command"`
}

// permissionReply is written to the subprocess stdin for every Bash
// tool use, so a denial arrives as an observation the agent can react
// to instead of a silent failure.
type permissionReply struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
}

var (
	toolMarkerRe = regexp.MustCompile(`\[Tool:\s*(\w+)\]`)

	// Error and warning markers that show up in plain narrative text.
	errorMarkerRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^error: (.+)`),
		regexp.MustCompile(`(?i)execution failed: (.+)`),
		regexp.MustCompile(`(?i)\b(?:Type|Syntax|Reference)Error: (.+)`),
		regexp.MustCompile(`ENOENT: no such file or directory`),
		regexp.MustCompile(`(?i)permission denied`),
	}
	warningMarkerRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^warning: (.+)`),
		regexp.MustCompile(`(?i)\bdeprecat(?:ed|ion)\b`),
	}
)

// parseLine turns one line of subprocess output into zero or more
// events. Lines that are neither valid stream-json nor carry any
// recognizable marker yield a single text event, so nothing is lost
// from the run log.
func parseLine(line string) []Event {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil
	}

	if strings.HasPrefix(strings.TrimSpace(line), "{") {
		var msg streamMessage
		if err := json.Unmarshal([]byte(line), &msg); err == nil && msg.Type != "" {
			return parseStreamMessage(msg)
		}
	}

	return parsePlainLine(line)
}

func parseStreamMessage(msg streamMessage) []Event {
	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			return []Event{{Kind: EventInit}}
		}
		return nil

	case "assistant":
		if msg.Message == nil {
			return nil
		}
		var events []Event
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				events = append(events, textEvents(block.Text)...)
			case "tool_use":
				ev := Event{
					Kind:      EventToolUse,
					ToolName:  block.Name,
					ToolUseID: block.ID,
				}
				if block.Name == "Bash" && len(block.Input) > 0 {
					var in bashInput
					if json.Unmarshal(block.Input, &in) == nil {
						ev.Command = in.Command
					}
				}
				events = append(events, ev)
			}
		}
		return events

	case "result":
		return []Event{{
			Kind:     EventResult,
			Text:     msg.Result,
			IsError:  msg.IsError || msg.Subtype == "error",
			NumTurns: msg.NumTurns,
		}}

	default:
		return nil
	}
}

// parsePlainLine handles the non-JSON fallback output format. A Bash
// marker carries the proposed command after it, which must still go
// through the policy filter.
func parsePlainLine(line string) []Event {
	if m := toolMarkerRe.FindStringSubmatchIndex(line); m != nil {
		ev := Event{Kind: EventToolUse, ToolName: line[m[2]:m[3]]}
		if ev.ToolName == "Bash" {
			ev.Command = strings.TrimSpace(line[m[1]:])
		}
		return []Event{ev}
	}
	return textEvents(line)
}

// textEvents emits the text itself plus any error or warning markers
// found inside it.
func textEvents(text string) []Event {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	events := []Event{{Kind: EventText, Text: text}}
	for _, re := range errorMarkerRes {
		if re.MatchString(text) {
			events = append(events, Event{Kind: EventError, Text: text})
			break
		}
	}
	for _, re := range warningMarkerRes {
		if re.MatchString(text) {
			events = append(events, Event{Kind: EventWarning, Text: text})
			break
		}
	}
	return events
}
