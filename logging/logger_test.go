package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(buf *bytes.Buffer) *Logger {
	return NewLogger(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		var m map[string]any
		require.NoError(t, dec.Decode(&m))
		out = append(out, m)
	}
	return out
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf).WithCollection("docs").WithShard(3).WithPeer("p1")

	l.LogPropose(context.Background(), 7, 2, 2, nil)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "docs", lines[0]["collection"])
	assert.Equal(t, float64(3), lines[0]["shard"])
	assert.Equal(t, "p1", lines[0]["peer"])
	assert.Equal(t, float64(7), lines[0]["seq"])
	assert.Equal(t, "DEBUG", lines[0]["level"])
}

func TestLogger_ErrorLevels(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)
	ctx := context.Background()
	boom := errors.New("boom")

	l.LogPropose(ctx, 1, 0, 2, boom)
	l.LogSnapshot(ctx, "s1", 0, time.Second, boom)
	l.LogRecovery(ctx, "p2", "wal", 5, boom)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 3)
	assert.Equal(t, "ERROR", lines[0]["level"])
	assert.Equal(t, "boom", lines[0]["error"])
	assert.Equal(t, "ERROR", lines[1]["level"])
	assert.Equal(t, "WARN", lines[2]["level"])
}

func TestNoopLogger(t *testing.T) {
	l := NoopLogger()
	assert.False(t, l.Enabled(context.Background(), slog.LevelError))
	assert.NotNil(t, OrNoop(nil))
	assert.Same(t, l, OrNoop(l))
}
