// Package queue delivers scheduled messages through the session
// registry on a fixed polling cadence.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/tevanoff/courier/internal/session"
	"github.com/tevanoff/courier/internal/store"
	"github.com/tevanoff/courier/internal/stream"
)

// Config tunes the scheduler's polling loop.
type Config struct {
	// Interval between polling cycles.
	Interval time.Duration
	// BatchSize caps how many due items one cycle processes.
	BatchSize int
	// MaxAttempts is the retry ceiling; an item failing this many times
	// is marked failed and left for the operator.
	MaxAttempts int
}

// DefaultConfig returns the standard polling parameters.
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		BatchSize:   10,
		MaxAttempts: 3,
	}
}

// Scheduler polls the store for due queue items and delivers each one as
// a prompt through the session registry. Items are processed strictly
// one at a time; a cycle runs to completion before the next tick fires.
type Scheduler struct {
	store    store.Store
	sessions *session.Manager
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewScheduler creates a stopped scheduler. Zero config fields fall back
// to their defaults.
func NewScheduler(st store.Store, sessions *session.Manager, cfg Config, logger *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	return &Scheduler{
		store:    st,
		sessions: sessions,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start launches the polling loop: one immediate cycle, then one per
// interval. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stopped = make(chan struct{})

	s.logger.Info("queue scheduler started",
		"interval", s.cfg.Interval,
		"batch_size", s.cfg.BatchSize,
		"max_attempts", s.cfg.MaxAttempts)

	go s.loop(ctx, s.stopped)
}

// Stop halts polling and blocks until the in-flight cycle finishes its
// current item, bookkeeping included. Executions already dispatched are
// not cancelled. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopped := s.stopped
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
	s.logger.Info("queue scheduler stopped")
}

// loop runs cycles until ctx fires. Cycles execute inline, so two can
// never overlap.
func (s *Scheduler) loop(ctx context.Context, stopped chan<- struct{}) {
	defer close(stopped)

	s.runCycle(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// runCycle processes one batch of due items sequentially. Item failures
// are recorded on the item and never abort the cycle.
func (s *Scheduler) runCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	items, err := s.store.DueQueueItems(time.Now().UTC(), s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to list due queue items", "error", err)
		return
	}
	if len(items) == 0 {
		return
	}

	s.logger.Info("processing due queue items", "count", len(items))

	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		s.processItem(ctx, item)
	}
}

// processItem delivers one queue item. The item is marked running for
// the duration; a successful delivery deletes it and a failure
// re-schedules or fails it. Stop does not interrupt a dispatched
// delivery: the terminal is awaited and its state transition applied
// before the loop quiesces. Only a cancelled execution leaves the item
// running, for the operator to inspect.
func (s *Scheduler) processItem(ctx context.Context, item *store.QueueItem) {
	if err := s.store.UpdateQueueItem(item.ID, func(it *store.QueueItem) {
		it.Status = store.StatusRunning
	}); err != nil {
		s.logger.Error("failed to mark queue item running", "item_id", item.ID, "error", err)
		return
	}

	conversationID, err := s.ensureConversation(item)
	if err != nil {
		s.recordFailure(item.ID, err)
		return
	}

	s.logger.Info("delivering queued message",
		"item_id", item.ID,
		"conversation_id", conversationID,
		"attempt", item.RetryCount+1)

	mux, err := s.sessions.Dispatch(ctx, conversationID, item.Message)
	if err != nil {
		if ctx.Err() != nil {
			// Stop raced the dispatch; not the item's fault.
			return
		}
		s.recordFailure(item.ID, err)
		return
	}

	// Waits on the background context on purpose: a stop request must
	// not abandon the delivery's state transition.
	evt, ok, _ := mux.Wait(context.Background())
	if !ok {
		// Execution cancelled out from under us. The item stays
		// `running` so the operator can see it never resolved.
		s.logger.Warn("queued delivery cancelled", "item_id", item.ID)
		return
	}

	if evt.Kind == stream.KindError {
		s.recordFailure(item.ID, fmt.Errorf("engine error: %s", evt.Message))
		return
	}

	if err := s.store.DeleteQueueItem(item.ID); err != nil {
		s.logger.Error("failed to delete delivered queue item", "item_id", item.ID, "error", err)
		return
	}
	s.logger.Info("queued message delivered", "item_id", item.ID, "conversation_id", conversationID)
}

// ensureConversation resolves the item's target conversation, creating
// one from the item's folder and tool set when it has none. The new id
// is written back onto the item so retries reuse the same conversation.
func (s *Scheduler) ensureConversation(item *store.QueueItem) (string, error) {
	if item.ConversationID != "" {
		return item.ConversationID, nil
	}

	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:           uuid.NewString(),
		Folder:       item.Folder,
		AllowedTools: item.AllowedTools,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateConversation(conv); err != nil {
		return "", fmt.Errorf("failed to create conversation for queue item: %w", err)
	}

	if err := s.store.UpdateQueueItem(item.ID, func(it *store.QueueItem) {
		it.ConversationID = conv.ID
	}); err != nil {
		return "", fmt.Errorf("failed to bind conversation to queue item: %w", err)
	}
	item.ConversationID = conv.ID

	s.logger.Info("created conversation for queue item",
		"item_id", item.ID,
		"conversation_id", conv.ID,
		"folder", conv.Folder)
	return conv.ID, nil
}

// recordFailure bumps the item's retry count, then either re-schedules
// it with exponential backoff or, at the ceiling, marks it failed.
func (s *Scheduler) recordFailure(itemID string, cause error) {
	var status store.QueueStatus
	err := s.store.UpdateQueueItem(itemID, func(it *store.QueueItem) {
		it.RetryCount++
		it.LastError = cause.Error()
		if it.RetryCount >= s.cfg.MaxAttempts {
			it.Status = store.StatusFailed
		} else {
			it.Status = store.StatusPending
			it.ScheduledAt = time.Now().UTC().Add(backoff(it.RetryCount))
		}
		status = it.Status
	})
	if err != nil {
		s.logger.Error("failed to record queue item failure", "item_id", itemID, "error", err)
		return
	}

	if status == store.StatusFailed {
		s.logger.Error("queue item failed permanently", "item_id", itemID, "error", cause)
	} else {
		s.logger.Warn("queue item delivery failed, will retry", "item_id", itemID, "error", cause)
	}
}

// backoff returns the delay before the nth retry: 2^n minutes.
func backoff(retries int) time.Duration {
	return time.Duration(1<<uint(retries)) * time.Minute
}
