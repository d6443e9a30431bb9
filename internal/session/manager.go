// Package session tracks which conversations have an execution in
// flight and fans each execution's events out to listeners.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"log/slog"

	"github.com/tevanoff/courier/internal/engine"
	"github.com/tevanoff/courier/internal/eventlog"
	"github.com/tevanoff/courier/internal/projects"
	"github.com/tevanoff/courier/internal/store"
	"github.com/tevanoff/courier/internal/stream"
)

// ErrConversationNotFound is returned by Dispatch for unknown conversation ids.
var ErrConversationNotFound = errors.New("conversation not found")

// ErrAlreadyRunning is returned by Dispatch when the conversation already
// has an execution in flight. Callers wanting the live stream attach via
// Lookup instead.
var ErrAlreadyRunning = errors.New("conversation already has a running execution")

// execution is one in-flight engine invocation.
type execution struct {
	cancel context.CancelFunc
	mux    *stream.Multiplexer
}

// Manager is the active-execution registry. It enforces at most one
// execution per conversation and owns each execution's lifecycle from
// engine start to terminal event or cancellation.
type Manager struct {
	engine engine.Engine
	store  store.Store
	logger *slog.Logger

	// logDir, when set, enables per-conversation NDJSON event logs.
	logDir string

	// resolver computes transcript locations under the projects root.
	resolver *projects.Resolver

	mu     sync.Mutex
	active map[string]*execution
}

// NewManager creates a registry with no active executions.
func NewManager(eng engine.Engine, st store.Store, logger *slog.Logger) *Manager {
	return &Manager{
		engine:   eng,
		store:    st,
		logger:   logger,
		resolver: projects.NewResolver(""),
		active:   make(map[string]*execution),
	}
}

// SetEventLogDir enables event logging under dir. Call before Dispatch.
func (m *Manager) SetEventLogDir(dir string) {
	m.logDir = dir
}

// SetProjectsDir overrides the default projects root used to locate
// session transcripts. Call before Dispatch.
func (m *Manager) SetProjectsDir(dir string) {
	m.resolver = projects.NewResolver(dir)
}

// Dispatch starts an execution for the conversation with the given
// prompt. It returns the execution's multiplexer; the caller may
// subscribe or wait on it, or ignore it entirely. The execution runs
// detached from ctx, which only bounds the dispatch itself.
//
// At most one execution per conversation: a second Dispatch while one is
// in flight fails with ErrAlreadyRunning.
func (m *Manager) Dispatch(ctx context.Context, conversationID, prompt string) (*stream.Multiplexer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conv, err := m.store.GetConversation(conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
		}
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	// Reserve the registry slot before starting the engine so two
	// concurrent dispatches cannot both spawn a process.
	execCtx, cancel := context.WithCancel(context.Background())
	exec := &execution{cancel: cancel, mux: stream.NewMultiplexer()}

	m.mu.Lock()
	if _, running := m.active[conversationID]; running {
		m.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, conversationID)
	}
	m.active[conversationID] = exec
	m.mu.Unlock()

	req := engine.Request{
		Prompt:          prompt,
		WorkingDir:      conv.Folder,
		ResumeSessionID: conv.SessionID,
		AllowedTools:    conv.AllowedTools,
		OnSessionID: func(sid string) {
			m.recordSessionID(conversationID, conv.Folder, sid)
		},
	}

	events, err := m.engine.Start(execCtx, req)
	if err != nil {
		m.remove(conversationID, exec)
		cancel()
		exec.mux.CloseAbandoned()
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}

	m.logger.Info("execution started",
		"conversation_id", conversationID,
		"folder", conv.Folder,
		"resume", conv.SessionID != "")

	go m.pump(conversationID, exec, events)

	return exec.mux, nil
}

// Lookup returns the multiplexer of the conversation's in-flight
// execution, if one exists.
func (m *Manager) Lookup(conversationID string) (*stream.Multiplexer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.active[conversationID]
	if !ok {
		return nil, false
	}
	return exec.mux, true
}

// Active returns the ids of all conversations with an execution in flight.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

// Cancel stops the conversation's in-flight execution. It reports whether
// there was one to stop, and is safe to call repeatedly.
func (m *Manager) Cancel(conversationID string) bool {
	m.mu.Lock()
	exec, ok := m.active[conversationID]
	if ok {
		delete(m.active, conversationID)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	m.logger.Info("execution cancelled", "conversation_id", conversationID)
	exec.cancel()
	return true
}

// Shutdown cancels every in-flight execution.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	active := m.active
	m.active = make(map[string]*execution)
	m.mu.Unlock()

	for id, exec := range active {
		m.logger.Info("execution cancelled at shutdown", "conversation_id", id)
		exec.cancel()
	}
}

// pump forwards engine events into the multiplexer until the engine
// channel closes, then releases the registry slot. Per the engine
// contract the channel carries a terminal event unless the execution was
// cancelled; in the cancelled case the multiplexer is closed without one.
func (m *Manager) pump(conversationID string, exec *execution, events <-chan stream.Event) {
	log := m.openEventLog(conversationID)

	for evt := range events {
		if log != nil {
			if err := log.WriteEvent(evt); err != nil {
				m.logger.Warn("failed to write event log", "conversation_id", conversationID, "error", err)
				log.Close()
				log = nil
			}
		}
		exec.mux.Publish(evt)
	}

	if log != nil {
		log.Close()
	}

	if _, resolved := exec.mux.Terminal(); !resolved {
		exec.mux.CloseAbandoned()
	}

	m.remove(conversationID, exec)
	exec.cancel()

	m.logger.Info("execution finished", "conversation_id", conversationID)
}

// remove releases the registry slot if it still belongs to exec. Cancel
// may already have released it, or a newer execution may occupy it.
func (m *Manager) remove(conversationID string, exec *execution) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[conversationID] == exec {
		delete(m.active, conversationID)
	}
}

func (m *Manager) recordSessionID(conversationID, folder, sid string) {
	err := m.store.UpdateConversation(conversationID, func(c *store.Conversation) {
		c.AppendSessionID(sid)
	})
	if err != nil {
		m.logger.Error("failed to record session id",
			"conversation_id", conversationID,
			"session_id", sid,
			"error", err)
		return
	}
	m.logger.Debug("session id recorded",
		"conversation_id", conversationID,
		"session_id", sid,
		"transcript", m.resolver.TranscriptPath(folder, sid))
}

func (m *Manager) openEventLog(conversationID string) *eventlog.EventLog {
	if m.logDir == "" {
		return nil
	}
	log, err := eventlog.New(filepath.Join(m.logDir, conversationID+".ndjson"), m.logger)
	if err != nil {
		m.logger.Warn("failed to open event log", "conversation_id", conversationID, "error", err)
		return nil
	}
	return log
}
