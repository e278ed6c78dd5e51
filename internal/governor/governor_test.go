package governor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/sandbox/internal/core"
)

func TestRunSuccess(t *testing.T) {
	g := New()
	out := g.Run(context.Background(), time.Second, func(ctx context.Context) (any, error) {
		return 4, nil
	})
	require.NoError(t, out.Err)
	assert.Equal(t, 4, out.Value)
	assert.False(t, out.Wedged)
}

func TestRunError(t *testing.T) {
	g := New()
	boom := errors.New("boom")
	out := g.Run(context.Background(), time.Second, func(ctx context.Context) (any, error) {
		return nil, boom
	})
	assert.ErrorIs(t, out.Err, boom)
	assert.False(t, out.TimedOut())
}

func TestRunTimeoutInterruptible(t *testing.T) {
	g := New(WithGrace(time.Second))
	start := time.Now()
	out := g.Run(context.Background(), 50*time.Millisecond, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.Error(t, out.Err)
	assert.True(t, out.TimedOut())
	assert.ErrorIs(t, out.Err, core.ErrTimeout)
	assert.Equal(t, "Script execution timed out after 50ms", out.Err.Error())
	assert.False(t, out.Wedged)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRunTimeoutWedged(t *testing.T) {
	g := New(WithGrace(20 * time.Millisecond))
	release := make(chan struct{})
	defer close(release)

	out := g.Run(context.Background(), 20*time.Millisecond, func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	})
	assert.True(t, out.TimedOut())
	assert.True(t, out.Wedged)
}

func TestRunRecoversPanic(t *testing.T) {
	g := New()
	out := g.Run(context.Background(), time.Second, func(ctx context.Context) (any, error) {
		panic("kaboom")
	})
	require.Error(t, out.Err)
	assert.ErrorIs(t, out.Err, core.ErrExecution)
	assert.Contains(t, out.Err.Error(), "kaboom")
}

func TestRunParentCancelled(t *testing.T) {
	g := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := g.Run(ctx, time.Second, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.Error(t, out.Err)
	assert.False(t, out.TimedOut())
	assert.Contains(t, out.Err.Error(), "cancelled")
}

func TestDefaultTimeout(t *testing.T) {
	assert.Equal(t, 10*time.Second, New().DefaultTimeout())
	assert.Equal(t, time.Second, New(WithDefaultTimeout(time.Second)).DefaultTimeout())

	g := New(WithDefaultTimeout(30 * time.Millisecond))
	out := g.Run(context.Background(), 0, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.Equal(t, "Script execution timed out after 30ms", out.Err.Error())
}
