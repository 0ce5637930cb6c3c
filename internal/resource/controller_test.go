package resource

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_Background(t *testing.T) {
	c := NewController(Config{MaxBackgroundJobs: 2})

	require.NoError(t, c.AcquireBackground(t.Context()))
	require.NoError(t, c.AcquireBackground(t.Context()))
	assert.Equal(t, int64(2), c.ActiveBackground())

	assert.False(t, c.TryAcquireBackground())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.AcquireBackground(ctx), context.DeadlineExceeded)

	c.ReleaseBackground()
	assert.True(t, c.TryAcquireBackground())
	assert.Equal(t, int64(2), c.ActiveBackground())
}

func TestController_DefaultsToOneSlot(t *testing.T) {
	c := NewController(Config{})
	assert.True(t, c.TryAcquireBackground())
	assert.False(t, c.TryAcquireBackground())
}

func TestController_IO(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1000})
	ctx := context.Background()

	require.NoError(t, c.AcquireIO(ctx, 100))
	assert.Equal(t, int64(100), c.IOBytes())

	// Unlimited
	c2 := NewController(Config{})
	require.NoError(t, c2.AcquireIO(ctx, 1_000_000))
	assert.True(t, c2.TryAcquireIO(1_000_000))
}

func TestController_IOLargerThanBurstIsSplit(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})
	require.NoError(t, c.AcquireIO(context.Background(), 1<<20+10))
}

func TestController_NilIsNoop(t *testing.T) {
	var c *Controller
	require.NoError(t, c.AcquireBackground(context.Background()))
	assert.True(t, c.TryAcquireBackground())
	c.ReleaseBackground()
	require.NoError(t, c.AcquireIO(context.Background(), 10))
	assert.True(t, c.TryAcquireIO(10))
	assert.Zero(t, c.ActiveBackground())
}

func TestRateLimitedReaderWriter(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})
	ctx := context.Background()

	var buf bytes.Buffer
	w := NewRateLimitedWriter(ctx, &buf, c)
	_, err := w.Write([]byte("hello world"))
	require.NoError(t, err)

	r := NewRateLimitedReader(ctx, &buf, c)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.Equal(t, int64(22), c.IOBytes())
}
