package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(sub *Subscriber) []Event {
	var events []Event
	for evt := range sub.Events() {
		events = append(events, evt)
	}
	return events
}

func TestMultiplexerFanOutOrder(t *testing.T) {
	mux := NewMultiplexer()

	a, err := mux.Subscribe()
	require.NoError(t, err)
	b, err := mux.Subscribe()
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]Event, 2)
	for i, sub := range []*Subscriber{a, b} {
		i, sub := i, sub
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = collect(sub)
		}()
	}

	published := []Event{
		TextEvent("one"),
		ThinkingEvent("hmm"),
		ToolUseEvent("Read", json.RawMessage(`{"file_path":"main.go"}`)),
		ToolResultEvent("package main"),
		DoneEvent(),
	}
	for _, evt := range published {
		mux.Publish(evt)
	}
	wg.Wait()

	for _, got := range results {
		require.Len(t, got, len(published))
		for i := range published {
			assert.Equal(t, published[i].Kind, got[i].Kind)
			assert.Equal(t, published[i].Text, got[i].Text)
		}
	}
}

func TestMultiplexerExactlyOneTerminal(t *testing.T) {
	mux := NewMultiplexer()
	sub, err := mux.Subscribe()
	require.NoError(t, err)

	mux.Publish(DoneEvent())
	mux.Publish(ErrorEvent("late")) // ignored: stream already resolved

	events := collect(sub)
	require.Len(t, events, 1)
	assert.Equal(t, KindDone, events[0].Kind)

	term, ok := mux.Terminal()
	require.True(t, ok)
	assert.Equal(t, KindDone, term.Kind)
}

func TestMultiplexerLateSubscriber(t *testing.T) {
	mux := NewMultiplexer()

	early, err := mux.Subscribe()
	require.NoError(t, err)

	mux.Publish(TextEvent("before"))
	// Drain so the early subscriber is caught up before the late one joins.
	require.Equal(t, "before", (<-early.Events()).Text)

	late, err := mux.Subscribe()
	require.NoError(t, err)

	mux.Publish(TextEvent("after"))
	mux.Publish(DoneEvent())

	lateEvents := collect(late)
	require.Len(t, lateEvents, 2)
	assert.Equal(t, "after", lateEvents[0].Text)
	assert.Equal(t, KindDone, lateEvents[1].Kind)
}

func TestMultiplexerSubscribeAfterEnd(t *testing.T) {
	mux := NewMultiplexer()
	mux.Publish(ErrorEvent("boom"))

	_, err := mux.Subscribe()
	assert.ErrorIs(t, err, ErrStreamEnded)
}

func TestMultiplexerUnsubscribeIdempotent(t *testing.T) {
	mux := NewMultiplexer()
	sub, err := mux.Subscribe()
	require.NoError(t, err)

	mux.Unsubscribe(sub)
	mux.Unsubscribe(sub) // second call is a no-op

	// Publishing after unsubscribe must not block on the detached listener.
	for i := 0; i < subscriberBuffer*2; i++ {
		mux.Publish(TextEvent(fmt.Sprintf("evt-%d", i)))
	}
	mux.Publish(DoneEvent())

	mux.Unsubscribe(sub) // safe after the stream has ended
}

func TestMultiplexerCloseAbandoned(t *testing.T) {
	mux := NewMultiplexer()
	sub, err := mux.Subscribe()
	require.NoError(t, err)

	mux.Publish(TextEvent("partial"))
	mux.CloseAbandoned()

	events := collect(sub)
	require.Len(t, events, 1)
	assert.Equal(t, "partial", events[0].Text)

	_, ok := mux.Terminal()
	assert.False(t, ok, "cancelled stream must not report a terminal event")

	_, err = mux.Subscribe()
	assert.ErrorIs(t, err, ErrStreamEnded)
}

func TestMultiplexerWait(t *testing.T) {
	mux := NewMultiplexer()

	go func() {
		mux.Publish(TextEvent("working"))
		mux.Publish(DoneEvent())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	evt, ok, err := mux.Wait(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindDone, evt.Kind)

	// Wait after resolution returns immediately with the same terminal.
	evt, ok, err = mux.Wait(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindDone, evt.Kind)
}

func TestMultiplexerWaitCancelledStream(t *testing.T) {
	mux := NewMultiplexer()
	go mux.CloseAbandoned()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, ok, err := mux.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMultiplexerWaitContextExpiry(t *testing.T) {
	mux := NewMultiplexer()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, err := mux.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
