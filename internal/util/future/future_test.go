package future

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/devrev/pairdb/statetransfer/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuture_ResolvesOnce(t *testing.T) {
	f := New[int]()
	assert.False(t, f.IsDone())

	assert.True(t, f.Complete(1))
	assert.False(t, f.Complete(2))
	assert.False(t, f.Fail(stderrors.New("late")))

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestFuture_WaitContextCancelled(t *testing.T) {
	f := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFuture_Cancel(t *testing.T) {
	f := New[int]()
	assert.True(t, f.Cancel("superseded"))

	assert.False(t, f.Complete(1))

	_, err := f.Wait(context.Background())
	assert.True(t, errors.IsCode(err, errors.ErrCodeCancelled))
}
