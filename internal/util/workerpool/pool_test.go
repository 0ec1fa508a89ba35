package workerpool

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newPool(t *testing.T, workers, queue int) *Pool {
	t.Helper()
	p := New(Config{Name: "test", Workers: workers, QueueSize: queue, Logger: zap.NewNop()})
	t.Cleanup(func() { _ = p.Stop(time.Second) })
	return p
}

func TestPool_RunsTasks(t *testing.T) {
	p := newPool(t, 2, 8)

	var ran int32
	done := make(chan struct{}, 4)
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Submit(Task{
			ID: string(rune('a' + i)),
			Fn: func(ctx context.Context) error {
				atomic.AddInt32(&ran, 1)
				done <- struct{}{}
				return nil
			},
		}))
	}
	for i := 0; i < 4; i++ {
		<-done
	}
	assert.Equal(t, int32(4), atomic.LoadInt32(&ran))
	assert.Eventually(t, func() bool { return p.Stats().Completed == 4 }, time.Second, 5*time.Millisecond)
}

func TestPool_CancelOlderThan(t *testing.T) {
	p := newPool(t, 2, 8)

	started := make(chan struct{})
	result := make(chan error, 1)
	require.NoError(t, p.Submit(Task{
		ID:         "old",
		TopologyID: 3,
		Fn: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			result <- ctx.Err()
			return ctx.Err()
		},
	}))
	<-started

	assert.Equal(t, 0, p.CancelOlderThan(3))
	assert.Equal(t, 1, p.CancelOlderThan(4))

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("task was not cancelled")
	}
	assert.Eventually(t, func() bool { return p.Stats().Cancelled == 1 }, time.Second, 5*time.Millisecond)
}

func TestPool_CancelByID(t *testing.T) {
	p := newPool(t, 1, 4)

	release := make(chan struct{})
	require.NoError(t, p.Submit(Task{ID: "blocker", Fn: func(ctx context.Context) error {
		<-release
		return nil
	}}))

	var ran int32
	require.NoError(t, p.Submit(Task{ID: "queued", Fn: func(ctx context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}}))

	assert.True(t, p.Cancel("queued"))
	assert.False(t, p.Cancel("missing"))
	close(release)

	assert.Eventually(t, func() bool { return p.Stats().Cancelled == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
}

func TestPool_QueueFull(t *testing.T) {
	p := newPool(t, 1, 1)

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	require.NoError(t, p.Submit(Task{ID: "running", Fn: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	require.NoError(t, p.Submit(Task{ID: "queued", Fn: func(ctx context.Context) error { return nil }}))
	err := p.Submit(Task{ID: "overflow", Fn: func(ctx context.Context) error { return nil }})
	assert.Error(t, err)
	assert.Equal(t, uint64(1), p.Stats().Rejected)
}

func TestPool_FailureAndPanicCounted(t *testing.T) {
	p := newPool(t, 1, 4)

	require.NoError(t, p.Submit(Task{ID: "fail", Fn: func(ctx context.Context) error {
		return stderrors.New("boom")
	}}))
	require.NoError(t, p.Submit(Task{ID: "panic", Fn: func(ctx context.Context) error {
		panic("bad")
	}}))

	assert.Eventually(t, func() bool { return p.Stats().Failed == 2 }, time.Second, 5*time.Millisecond)
}

func TestPool_SubmitAfterStop(t *testing.T) {
	p := New(Config{Name: "stopped", Workers: 1, QueueSize: 1})
	require.NoError(t, p.Stop(time.Second))

	err := p.Submit(Task{ID: "late", Fn: func(ctx context.Context) error { return nil }})
	assert.Error(t, err)
	assert.Equal(t, uint64(1), p.Stats().Rejected)
}
