// Package engine defines the adapter between courier and the external
// AI-assistant CLI. One Start call wraps one streaming command invocation:
// prompt in, ordered stream events out, cancellation via the context.
package engine

import (
	"context"

	"github.com/tevanoff/courier/internal/stream"
)

// Request describes a single engine invocation.
type Request struct {
	// Prompt is the user message to deliver.
	Prompt string

	// WorkingDir is the directory the engine runs in.
	WorkingDir string

	// ResumeSessionID, when set, resumes an existing engine session
	// instead of starting a fresh one.
	ResumeSessionID string

	// AllowedTools are pre-approved tool patterns passed to the engine.
	AllowedTools []string

	// OnSessionID fires once when the engine assigns a session id to this
	// invocation. Callers use it to persist the id before any further
	// events arrive.
	OnSessionID func(sessionID string)
}

// Engine starts one streaming invocation and returns its ordered event
// sequence. The channel closes when the invocation resolves:
//   - success or engine failure ends with exactly one terminal event
//     (done or error) before the close;
//   - cancellation via ctx closes the channel with no terminal event.
//
// Start itself fails only when the invocation cannot begin at all.
type Engine interface {
	Start(ctx context.Context, req Request) (<-chan stream.Event, error)
}
