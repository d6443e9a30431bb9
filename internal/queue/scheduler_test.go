package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tevanoff/courier/internal/engine"
	"github.com/tevanoff/courier/internal/engine/mock"
	"github.com/tevanoff/courier/internal/session"
	"github.com/tevanoff/courier/internal/store"
	"github.com/tevanoff/courier/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastConfig polls quickly so tests converge without real waiting.
func fastConfig() Config {
	return Config{Interval: 10 * time.Millisecond, BatchSize: 10, MaxAttempts: 3}
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *mock.Engine, store.Store, *session.Manager) {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	eng := mock.New()
	sessions := session.NewManager(eng, st, testLogger())
	sched := NewScheduler(st, sessions, cfg, testLogger())
	t.Cleanup(sched.Stop)
	return sched, eng, st, sessions
}

func pendingItem(t *testing.T, st store.Store, id string, mutate func(*store.QueueItem)) *store.QueueItem {
	t.Helper()
	item := &store.QueueItem{
		ID:          id,
		Folder:      "/tmp/project",
		Message:     "do the thing",
		ScheduledAt: time.Now().UTC().Add(-time.Minute),
		Status:      store.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if mutate != nil {
		mutate(item)
	}
	require.NoError(t, st.CreateQueueItem(item))
	return item
}

func TestDeliverySucceedsAndDeletesItem(t *testing.T) {
	sched, eng, st, _ := newTestScheduler(t, fastConfig())
	pendingItem(t, st, "item-1", func(it *store.QueueItem) {
		it.AllowedTools = []string{"Read"}
	})

	sched.Start()

	require.Eventually(t, func() bool {
		_, err := st.GetQueueItem("item-1")
		return errors.Is(err, store.ErrNotFound)
	}, 5*time.Second, 10*time.Millisecond)
	sched.Stop()

	// A conversation was created from the item's folder and tool set.
	convs, err := st.ListConversations()
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "/tmp/project", convs[0].Folder)
	assert.Equal(t, []string{"Read"}, convs[0].AllowedTools)
	assert.Equal(t, "mock-session", convs[0].SessionID)

	starts := eng.Starts()
	require.Len(t, starts, 1)
	assert.Equal(t, "do the thing", starts[0].Prompt)
	assert.Equal(t, "/tmp/project", starts[0].WorkingDir)
	assert.Equal(t, []string{"Read"}, starts[0].AllowedTools)
}

func TestDeliveryTargetsExistingConversation(t *testing.T) {
	sched, eng, st, _ := newTestScheduler(t, fastConfig())
	require.NoError(t, st.CreateConversation(&store.Conversation{
		ID:     "conv-1",
		Folder: "/srv/app",
	}))
	pendingItem(t, st, "item-1", func(it *store.QueueItem) {
		it.ConversationID = "conv-1"
	})

	sched.Start()
	require.Eventually(t, func() bool {
		_, err := st.GetQueueItem("item-1")
		return errors.Is(err, store.ErrNotFound)
	}, 5*time.Second, 10*time.Millisecond)
	sched.Stop()

	// No extra conversation was created.
	convs, err := st.ListConversations()
	require.NoError(t, err)
	require.Len(t, convs, 1)

	starts := eng.Starts()
	require.Len(t, starts, 1)
	assert.Equal(t, "/srv/app", starts[0].WorkingDir)
}

func TestEngineErrorSchedulesRetryWithBackoff(t *testing.T) {
	sched, eng, st, _ := newTestScheduler(t, fastConfig())
	eng.Script = []stream.Event{stream.ErrorEvent("model overloaded")}
	pendingItem(t, st, "item-1", nil)

	before := time.Now().UTC()
	sched.Start()

	require.Eventually(t, func() bool {
		item, err := st.GetQueueItem("item-1")
		return err == nil && item.RetryCount == 1
	}, 5*time.Second, 10*time.Millisecond)
	sched.Stop()

	item, err := st.GetQueueItem("item-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, item.Status)
	assert.Contains(t, item.LastError, "model overloaded")

	// First retry backs off two minutes.
	assert.True(t, item.ScheduledAt.After(before.Add(time.Minute)),
		"scheduled %s, want at least a minute out", item.ScheduledAt)

	// The conversation created for the first attempt is kept for retries.
	assert.NotEmpty(t, item.ConversationID)
}

func TestRetryCeilingMarksItemFailed(t *testing.T) {
	sched, eng, st, _ := newTestScheduler(t, fastConfig())
	eng.Script = []stream.Event{stream.ErrorEvent("still broken")}
	pendingItem(t, st, "item-1", func(it *store.QueueItem) {
		it.RetryCount = 2
	})

	sched.Start()
	require.Eventually(t, func() bool {
		item, err := st.GetQueueItem("item-1")
		return err == nil && item.Status == store.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)
	sched.Stop()

	item, err := st.GetQueueItem("item-1")
	require.NoError(t, err)
	assert.Equal(t, 3, item.RetryCount)
	assert.Contains(t, item.LastError, "still broken")
}

func TestDispatchFailureCountsAsFailure(t *testing.T) {
	sched, eng, st, _ := newTestScheduler(t, fastConfig())
	eng.StartErr = errors.New("engine binary missing")
	pendingItem(t, st, "item-1", nil)

	sched.Start()
	require.Eventually(t, func() bool {
		item, err := st.GetQueueItem("item-1")
		return err == nil && item.RetryCount == 1
	}, 5*time.Second, 10*time.Millisecond)
	sched.Stop()

	item, err := st.GetQueueItem("item-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, item.Status)
	assert.Contains(t, item.LastError, "engine binary missing")
}

func TestDraftAndFutureItemsAreIgnored(t *testing.T) {
	sched, eng, st, _ := newTestScheduler(t, fastConfig())
	pendingItem(t, st, "draft-1", func(it *store.QueueItem) {
		it.Status = store.StatusDraft
	})
	pendingItem(t, st, "future-1", func(it *store.QueueItem) {
		it.ScheduledAt = time.Now().UTC().Add(time.Hour)
	})

	sched.Start()
	time.Sleep(100 * time.Millisecond)
	sched.Stop()

	assert.Empty(t, eng.Starts())
	for _, id := range []string{"draft-1", "future-1"} {
		item, err := st.GetQueueItem(id)
		require.NoError(t, err)
		assert.NotEqual(t, store.StatusRunning, item.Status, "item %s must be untouched", id)
	}
}

func TestBatchLimitLeavesOverflowPending(t *testing.T) {
	cfg := fastConfig()
	cfg.Interval = time.Hour // a single cycle only
	sched, eng, st, _ := newTestScheduler(t, cfg)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 12; i++ {
		pendingItem(t, st, string(rune('a'+i)), func(it *store.QueueItem) {
			it.ScheduledAt = base.Add(time.Duration(i) * time.Second)
		})
	}

	sched.Start()
	require.Eventually(t, func() bool {
		items, err := st.ListQueueItems()
		return err == nil && len(items) == 2
	}, 5*time.Second, 10*time.Millisecond)
	sched.Stop()

	assert.Len(t, eng.Starts(), 10)
}

func TestStopWaitsForInFlightDelivery(t *testing.T) {
	sched, eng, st, _ := newTestScheduler(t, fastConfig())

	release := make(chan struct{})
	eng.Handler = func(ctx context.Context, req engine.Request) (<-chan stream.Event, error) {
		ch := make(chan stream.Event, 1)
		go func() {
			defer close(ch)
			select {
			case <-release:
				ch <- stream.DoneEvent()
			case <-ctx.Done():
			}
		}()
		return ch, nil
	}
	require.NoError(t, st.CreateConversation(&store.Conversation{ID: "conv-1", Folder: "/tmp"}))
	pendingItem(t, st, "item-1", func(it *store.QueueItem) {
		it.ConversationID = "conv-1"
	})

	sched.Start()
	require.Eventually(t, func() bool {
		item, err := st.GetQueueItem("item-1")
		return err == nil && item.Status == store.StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	stopDone := make(chan struct{})
	go func() {
		sched.Stop()
		close(stopDone)
	}()

	// Stop blocks until the delivery in flight resolves.
	select {
	case <-stopDone:
		t.Fatal("Stop returned before the in-flight delivery resolved")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the delivery resolved")
	}

	// The done transition was applied: the item is gone.
	_, err := st.GetQueueItem("item-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelledDeliveryLeftRunning(t *testing.T) {
	sched, eng, st, sessions := newTestScheduler(t, fastConfig())

	eng.Handler = func(ctx context.Context, req engine.Request) (<-chan stream.Event, error) {
		ch := make(chan stream.Event)
		go func() {
			defer close(ch)
			<-ctx.Done()
		}()
		return ch, nil
	}
	require.NoError(t, st.CreateConversation(&store.Conversation{ID: "conv-1", Folder: "/tmp"}))
	pendingItem(t, st, "item-1", func(it *store.QueueItem) {
		it.ConversationID = "conv-1"
	})

	sched.Start()
	require.Eventually(t, func() bool {
		_, running := sessions.Lookup("conv-1")
		return running
	}, 5*time.Second, 10*time.Millisecond)

	require.True(t, sessions.Cancel("conv-1"))
	sched.Stop()

	item, err := st.GetQueueItem("item-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, item.Status,
		"cancelled delivery stays running for the operator")
	assert.Equal(t, 0, item.RetryCount, "cancellation is not a failure")
}

func TestStartAndStopAreIdempotent(t *testing.T) {
	sched, _, _, _ := newTestScheduler(t, fastConfig())

	sched.Start()
	sched.Start()
	sched.Stop()
	sched.Stop()

	// Restartable after a stop.
	sched.Start()
	sched.Stop()
}
