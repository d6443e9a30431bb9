// Package claude runs prompts through the Claude Code CLI in stream-json
// mode, one subprocess per invocation.
package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/tevanoff/courier/internal/engine"
	"github.com/tevanoff/courier/internal/ndjson"
	"github.com/tevanoff/courier/internal/stream"
)

const eventBuffer = 64

// Engine invokes the Claude Code CLI. Each Start spawns one `claude
// --print` process in the request's working directory and translates its
// stream-json output into stream events.
type Engine struct {
	bin    string
	logger *slog.Logger
}

// New creates an engine using the given CLI binary. An empty bin falls
// back to $CLAUDE_CLI and then "claude".
func New(bin string, logger *slog.Logger) *Engine {
	if bin == "" {
		if env := strings.TrimSpace(os.Getenv("CLAUDE_CLI")); env != "" {
			bin = env
		} else {
			bin = "claude"
		}
	}
	return &Engine{bin: bin, logger: logger}
}

var _ engine.Engine = (*Engine)(nil)

// Start spawns the CLI process and begins translating its output. The
// returned channel follows the engine.Engine contract.
func (e *Engine) Start(ctx context.Context, req engine.Request) (<-chan stream.Event, error) {
	cmd := exec.CommandContext(ctx, e.bin, buildArgs(req)...)
	cmd.Dir = req.WorkingDir
	cmd.Env = append(os.Environ(), "TERM=dumb")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", e.bin, err)
	}

	e.logger.Debug("engine invocation started",
		"bin", e.bin,
		"dir", req.WorkingDir,
		"resume", req.ResumeSessionID,
		"pid", cmd.Process.Pid)

	ch := make(chan stream.Event, eventBuffer)
	go e.consume(ctx, cmd, stdout, &stderr, req, ch)
	return ch, nil
}

// buildArgs assembles the CLI argument list for one invocation.
func buildArgs(req engine.Request) []string {
	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	return append(args, req.Prompt)
}

// consume reads stream-json units from the process until the stream
// resolves. The cancellation contract: ctx is checked at every unit
// boundary; once it fires, the process is killed (via CommandContext) and
// the channel closes without a terminal event.
func (e *Engine) consume(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, stderr *bytes.Buffer, req engine.Request, ch chan<- stream.Event) {
	defer close(ch)

	dec := ndjson.NewDecoder(stdout, e.logger)
	sessionNotified := false
	sawTerminal := false

	for {
		if ctx.Err() != nil {
			cmd.Wait()
			return
		}

		var msg streamMessage
		err := dec.Decode(&msg)
		if err == io.EOF {
			break
		}
		if err != nil {
			// A malformed line is diagnosable but not fatal to the stream.
			e.logger.Warn("skipping unparseable engine output", "error", err)
			continue
		}

		if msg.SessionID != "" && !sessionNotified && req.OnSessionID != nil {
			req.OnSessionID(msg.SessionID)
			sessionNotified = true
		}

		for _, evt := range translate(msg) {
			select {
			case ch <- evt:
			case <-ctx.Done():
				cmd.Wait()
				return
			}
			if evt.Terminal() {
				sawTerminal = true
			}
		}
	}

	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		// Caller-initiated cancel: no terminal event.
		return
	}
	if sawTerminal {
		return
	}

	// The process ended without a result message: surface an engine
	// failure to subscribers.
	msg := "engine exited before completing the response"
	if waitErr != nil {
		msg = fmt.Sprintf("engine failed: %v", waitErr)
	}
	if errText := strings.TrimSpace(stderr.String()); errText != "" {
		msg = fmt.Sprintf("%s: %s", msg, lastLine(errText))
	}
	e.logger.Error("engine invocation failed", "error", msg)
	ch <- stream.ErrorEvent(msg)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}

// streamMessage mirrors the CLI's stream-json output units.
type streamMessage struct {
	Type      string `json:"type"`    // "system", "assistant", "user", "result"
	Subtype   string `json:"subtype"` // "init", "success", "error_during_execution", ...
	SessionID string `json:"session_id,omitempty"`
	Message   struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
	Result  string   `json:"result,omitempty"`
	IsError bool     `json:"is_error,omitempty"`
	Error   string   `json:"error,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

type contentBlock struct {
	Type      string          `json:"type"` // "text", "thinking", "tool_use", "tool_result"
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

// translate converts one stream-json unit into zero or more stream events.
func translate(msg streamMessage) []stream.Event {
	switch msg.Type {
	case "assistant":
		var events []stream.Event
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					events = append(events, stream.TextEvent(block.Text))
				}
			case "thinking":
				if block.Thinking != "" {
					events = append(events, stream.ThinkingEvent(block.Thinking))
				}
			case "tool_use":
				events = append(events, stream.ToolUseEvent(block.Name, block.Input))
			}
		}
		return events

	case "user":
		// User messages in stream-json carry tool results.
		var events []stream.Event
		for _, block := range msg.Message.Content {
			if block.Type == "tool_result" || block.ToolUseID != "" {
				events = append(events, stream.ToolResultEvent(stringifyResult(block.Content)))
			}
		}
		return events

	case "result":
		if isErrorResult(msg) {
			return []stream.Event{stream.ErrorEvent(errorText(msg))}
		}
		return []stream.Event{stream.DoneEvent()}
	}

	return nil
}

func isErrorResult(msg streamMessage) bool {
	return msg.IsError || strings.Contains(msg.Subtype, "error")
}

// errorText picks the most specific error description the result carries.
func errorText(msg streamMessage) string {
	if msg.Result != "" {
		return msg.Result
	}
	if msg.Error != "" {
		return msg.Error
	}
	if len(msg.Errors) > 0 {
		return strings.Join(msg.Errors, "; ")
	}
	return "engine reported an error"
}

// stringifyResult flattens a tool result body, which the CLI emits either
// as a plain string or as an array of content blocks.
func stringifyResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var b strings.Builder
		for _, block := range blocks {
			if block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		return b.String()
	}

	return string(raw)
}
