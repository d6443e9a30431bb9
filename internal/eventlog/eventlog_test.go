package eventlog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tevanoff/courier/internal/stream"
)

func TestEventLogAppend(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "logs", "conv-1.ndjson")

	log, err := New(path, logger)
	require.NoError(t, err)

	require.NoError(t, log.WriteEvent(stream.TextEvent("hello")))
	require.NoError(t, log.WriteEvent(stream.DoneEvent()))
	require.NoError(t, log.Close())

	// Reopening appends rather than truncating.
	log, err = New(path, logger)
	require.NoError(t, err)
	require.NoError(t, log.WriteEvent(stream.ErrorEvent("boom")))
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"text":"hello"`)
	assert.Contains(t, lines[1], `"kind":"done"`)
	assert.Contains(t, lines[2], `"message":"boom"`)
}
