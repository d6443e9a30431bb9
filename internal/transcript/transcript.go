// Package transcript renders stream events as human-readable console
// lines.
package transcript

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tevanoff/courier/internal/stream"
)

const maxSummaryLen = 200

// FormatEvent renders one event as a display line. Thinking events and
// empty text render as "" and should be skipped by the caller.
func FormatEvent(evt stream.Event) string {
	switch evt.Kind {
	case stream.KindText:
		return evt.Text

	case stream.KindToolUse:
		verb := toolVerb(evt.ToolName)
		if summary := summarizeInput(evt.ToolInput); summary != "" {
			return fmt.Sprintf("● %s(%s: %s)", verb, evt.ToolName, summary)
		}
		return fmt.Sprintf("● %s(%s)", verb, evt.ToolName)

	case stream.KindError:
		return fmt.Sprintf("✗ %s", evt.Message)

	case stream.KindDone:
		return "✓ done"
	}

	return ""
}

// toolVerb returns a human-readable verb for the tool type
func toolVerb(toolName string) string {
	switch toolName {
	case "Read":
		return "Reading"
	case "Edit":
		return "Editing"
	case "Write":
		return "Writing"
	case "Glob":
		return "Searching"
	case "Grep":
		return "Searching"
	case "Bash":
		return "Running"
	case "Task":
		return "Delegating"
	case "WebFetch":
		return "Fetching"
	case "WebSearch":
		return "Searching"
	case "TodoWrite":
		return "Planning"
	default:
		return "Using"
	}
}

// summaryKeys are the input fields worth showing, in preference order.
var summaryKeys = []string{"file_path", "command", "pattern", "url", "query", "path", "prompt"}

// summarizeInput picks the most descriptive field out of a tool's input.
func summarizeInput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ""
	}

	for _, key := range summaryKeys {
		if v, ok := fields[key].(string); ok && v != "" {
			return truncate(strings.ReplaceAll(v, "\n", " "))
		}
	}
	return ""
}

func truncate(s string) string {
	if len(s) > maxSummaryLen {
		return s[:maxSummaryLen] + "..."
	}
	return s
}
