// Package mock provides a scripted in-process engine for tests.
package mock

import (
	"context"
	"sync"

	"github.com/tevanoff/courier/internal/engine"
	"github.com/tevanoff/courier/internal/stream"
)

// Engine is a test double that replays scripted events. If Handler is
// set it takes over entirely; otherwise each Start assigns SessionID via
// OnSessionID and emits Script followed by a done event.
type Engine struct {
	mu     sync.Mutex
	starts []engine.Request

	SessionID string
	Script    []stream.Event
	StartErr  error
	Handler   func(ctx context.Context, req engine.Request) (<-chan stream.Event, error)
}

func New() *Engine {
	return &Engine{SessionID: "mock-session"}
}

var _ engine.Engine = (*Engine)(nil)

// Starts returns a copy of every request passed to Start.
func (e *Engine) Starts() []engine.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Request(nil), e.starts...)
}

func (e *Engine) Start(ctx context.Context, req engine.Request) (<-chan stream.Event, error) {
	e.mu.Lock()
	e.starts = append(e.starts, req)
	handler := e.Handler
	startErr := e.StartErr
	sessionID := e.SessionID
	script := append([]stream.Event(nil), e.Script...)
	e.mu.Unlock()

	if handler != nil {
		return handler(ctx, req)
	}
	if startErr != nil {
		return nil, startErr
	}

	if sessionID != "" && req.OnSessionID != nil {
		req.OnSessionID(sessionID)
	}

	ch := make(chan stream.Event, len(script)+1)
	go func() {
		defer close(ch)
		for _, evt := range script {
			select {
			case ch <- evt:
			case <-ctx.Done():
				return
			}
			if evt.Terminal() {
				return
			}
		}
		select {
		case ch <- stream.DoneEvent():
		case <-ctx.Done():
		}
	}()
	return ch, nil
}
