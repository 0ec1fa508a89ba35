package transfer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/devrev/pairdb/statetransfer/internal/container"
	"github.com/devrev/pairdb/statetransfer/internal/errors"
	"github.com/devrev/pairdb/statetransfer/internal/metrics"
	"github.com/devrev/pairdb/statetransfer/internal/model"
	"github.com/devrev/pairdb/statetransfer/internal/transferlock"
	"github.com/devrev/pairdb/statetransfer/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingClient captures pushes and answers every other RPC with success
type recordingClient struct {
	mu      sync.Mutex
	pushes  []*transport.StatePush
	failAt  int
	block   bool
	started chan struct{}
}

func (c *recordingClient) StartStateTransfer(context.Context, model.Address, *transport.StateRequest) error {
	return nil
}

func (c *recordingClient) CancelStateTransfer(context.Context, model.Address, *transport.StateRequest) error {
	return nil
}

func (c *recordingClient) GetTransactions(context.Context, model.Address, *transport.StateRequest) (*transport.TransactionsReply, error) {
	return &transport.TransactionsReply{}, nil
}

func (c *recordingClient) PushState(ctx context.Context, target model.Address, push *transport.StatePush) error {
	if c.block {
		if c.started != nil {
			close(c.started)
			c.started = nil
		}
		<-ctx.Done()
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushes = append(c.pushes, push)
	if c.failAt > 0 && len(c.pushes) == c.failAt {
		return errors.TransportFailure(string(target), fmt.Errorf("connection reset"))
	}
	return nil
}

func (c *recordingClient) InstallTopology(context.Context, model.Address, *transport.TopologyUpdate) error {
	return nil
}

func (c *recordingClient) ConfirmPhase(context.Context, model.Address, *transport.PhaseConfirm) error {
	return nil
}

func (c *recordingClient) GetStatus(context.Context, model.Address, *transport.StatusRequest) (*transport.NodeStatus, error) {
	return &transport.NodeStatus{}, nil
}

func (c *recordingClient) Pushes() []*transport.StatePush {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*transport.StatePush(nil), c.pushes...)
}

// fakeSource emits a fixed number of entries per segment followed by the
// completion marker
type fakeSource struct {
	entriesPerSegment int
}

func (s *fakeSource) Publish(ctx context.Context, segments []int, emit func(model.Notification) error) error {
	for _, seg := range segments {
		for i := 0; i < s.entriesPerSegment; i++ {
			entry := model.Entry{
				Key:     fmt.Sprintf("seg-%d-key-%d", seg, i),
				Value:   []byte("v"),
				Version: model.Version{Timestamp: 1, Origin: "a"},
			}
			if err := emit(model.Notification{Segment: seg, Entry: &entry}); err != nil {
				return err
			}
		}
		if err := emit(model.Notification{Segment: seg, Complete: true}); err != nil {
			return err
		}
	}
	return nil
}

func rangeSegments(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func newTask(client transport.Client, source DataSource, segments []int, chunkSize int) *OutboundTransferTask {
	return NewOutboundTransferTask(TaskConfig{
		ID:          "task-1",
		Self:        "a",
		Destination: "b",
		TopologyID:  5,
		Segments:    segments,
		ChunkSize:   chunkSize,
		Source:      source,
		Client:      client,
		Logger:      zap.NewNop(),
		Metrics:     metrics.NewTestMetrics(),
	})
}

func TestOutboundTransferTask_BatchesByChunkSize(t *testing.T) {
	client := &recordingClient{}
	task := newTask(client, &fakeSource{entriesPerSegment: 1}, rangeSegments(30), 30)

	require.NoError(t, task.Run(context.Background()))

	pushes := client.Pushes()
	require.Len(t, pushes, 2)

	seen := model.NewSegmentSet()
	for _, push := range pushes {
		assert.Equal(t, model.Address("a"), push.Sender)
		assert.Equal(t, 5, push.TopologyID)
		assert.Len(t, push.Chunks, 15)
		for _, chunk := range push.Chunks {
			assert.False(t, seen.Contains(chunk.Segment), "segment %d sent twice", chunk.Segment)
			seen.Add(chunk.Segment)
			assert.True(t, chunk.IsLastChunk)
			assert.Len(t, chunk.Entries, 1)
		}
	}
	assert.Equal(t, rangeSegments(30), seen.Sorted())
}

func TestOutboundTransferTask_SegmentSplitAcrossBatches(t *testing.T) {
	client := &recordingClient{}
	task := newTask(client, &fakeSource{entriesPerSegment: 4}, []int{7}, 3)

	require.NoError(t, task.Run(context.Background()))

	pushes := client.Pushes()
	require.Len(t, pushes, 2)
	require.Len(t, pushes[0].Chunks, 1)
	assert.Len(t, pushes[0].Chunks[0].Entries, 3)
	assert.False(t, pushes[0].Chunks[0].IsLastChunk)
	require.Len(t, pushes[1].Chunks, 1)
	assert.Len(t, pushes[1].Chunks[0].Entries, 1)
	assert.True(t, pushes[1].Chunks[0].IsLastChunk)
}

func TestOutboundTransferTask_EmptySegmentsStillComplete(t *testing.T) {
	client := &recordingClient{}
	task := newTask(client, &fakeSource{}, []int{1, 2, 3}, 10)

	require.NoError(t, task.Run(context.Background()))

	pushes := client.Pushes()
	require.Len(t, pushes, 1)
	require.Len(t, pushes[0].Chunks, 3)
	for _, chunk := range pushes[0].Chunks {
		assert.Empty(t, chunk.Entries)
		assert.True(t, chunk.IsLastChunk)
	}
}

func TestOutboundTransferTask_FailsWithoutRetry(t *testing.T) {
	client := &recordingClient{failAt: 1}
	task := newTask(client, &fakeSource{entriesPerSegment: 1}, rangeSegments(4), 2)

	err := task.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeTransportFailure))
	assert.Len(t, client.Pushes(), 1)
}

func TestOutboundTransferTask_CancelSegments(t *testing.T) {
	client := &recordingClient{}
	task := newTask(client, &fakeSource{entriesPerSegment: 2}, []int{1, 2, 3}, 100)

	assert.False(t, task.CancelSegments([]int{2}))
	assert.Equal(t, []int{1, 3}, task.Segments())

	require.NoError(t, task.Run(context.Background()))
	pushes := client.Pushes()
	require.Len(t, pushes, 1)
	for _, chunk := range pushes[0].Chunks {
		assert.NotEqual(t, 2, chunk.Segment)
	}

	assert.True(t, task.CancelSegments([]int{1, 3}))
	err := task.Run(context.Background())
	assert.True(t, errors.IsCode(err, errors.ErrCodeCancelled))
}

func TestOutboundTransferTask_CancelWhileRunning(t *testing.T) {
	client := &recordingClient{block: true, started: make(chan struct{})}
	started := client.started
	task := newTask(client, &fakeSource{entriesPerSegment: 1}, []int{1}, 1)

	done := make(chan error, 1)
	go func() { done <- task.Run(context.Background()) }()

	<-started
	task.Cancel()

	select {
	case err := <-done:
		assert.True(t, errors.IsCode(err, errors.ErrCodeCancelled))
	case <-time.After(2 * time.Second):
		t.Fatal("task did not stop after cancel")
	}
}

func newProvider(t *testing.T, client transport.Client, source DataSource) (*StateProvider, *transferlock.StateTransferLock) {
	t.Helper()
	m := metrics.NewTestMetrics()
	lock := transferlock.New(200*time.Millisecond, zap.NewNop(), m)
	provider := NewStateProvider(ProviderConfig{
		Self:        "a",
		NumSegments: 8,
		ChunkSize:   4,
		Workers:     2,
		QueueSize:   8,
	}, source, noTransactions{}, client, lock, zap.NewNop(), m)
	t.Cleanup(func() { _ = provider.Stop(time.Second) })
	return provider, lock
}

type noTransactions struct{}

func (noTransactions) TransactionsForSegments(func(string) int, model.SegmentSet) []model.TransactionInfo {
	return nil
}

func TestStateProvider_StreamsContainerSegments(t *testing.T) {
	data := container.New(8, zap.NewNop())
	for i := 0; i < 20; i++ {
		data.Put(model.Entry{
			Key:     fmt.Sprintf("key-%d", i),
			Value:   []byte("v"),
			Version: model.Version{Timestamp: uint64(i + 1), Origin: "a"},
		})
	}

	client := &recordingClient{}
	provider, lock := newProvider(t, client, data)
	lock.NotifyTopologyInstalled(3)

	segments := rangeSegments(8)
	require.NoError(t, provider.StartOutboundTransfer(context.Background(), &transport.StateRequest{
		Sender:     "b",
		TopologyID: 3,
		Segments:   segments,
	}))

	assert.Eventually(t, func() bool { return provider.ActiveTaskCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	entries := 0
	completed := model.NewSegmentSet()
	for _, push := range client.Pushes() {
		for _, chunk := range push.Chunks {
			entries += len(chunk.Entries)
			if chunk.IsLastChunk {
				completed.Add(chunk.Segment)
			}
		}
	}
	assert.Equal(t, 20, entries)
	assert.Equal(t, segments, completed.Sorted())
}

func TestStateProvider_RejectsStaleRequest(t *testing.T) {
	provider, lock := newProvider(t, &recordingClient{}, &fakeSource{})
	lock.NotifyTopologyInstalled(4)

	err := provider.StartOutboundTransfer(context.Background(), &transport.StateRequest{
		Sender:     "b",
		TopologyID: 3,
		Segments:   []int{1},
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeStaleTopology))
	assert.Equal(t, 0, provider.ActiveTaskCount())
}

func TestStateProvider_RequestAheadTimesOut(t *testing.T) {
	provider, lock := newProvider(t, &recordingClient{}, &fakeSource{})
	lock.NotifyTopologyInstalled(1)

	err := provider.StartOutboundTransfer(context.Background(), &transport.StateRequest{
		Sender:     "b",
		TopologyID: 2,
		Segments:   []int{1},
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeTransferTimeout))
}

func TestStateProvider_CancelsTasksOfLeavers(t *testing.T) {
	client := &recordingClient{block: true, started: make(chan struct{})}
	started := client.started
	provider, lock := newProvider(t, client, &fakeSource{entriesPerSegment: 1})
	lock.NotifyTopologyInstalled(2)

	require.NoError(t, provider.StartOutboundTransfer(context.Background(), &transport.StateRequest{
		Sender:     "b",
		TopologyID: 2,
		Segments:   []int{1},
	}))
	<-started
	require.Len(t, provider.Tasks(), 1)

	ch, err := model.NewConsistentHash(1, []model.Address{"a"}, [][]model.Address{{"a"}})
	require.NoError(t, err)
	topology, err := model.NewCacheTopology(3, 1, model.PhaseNoRebalance, ch, nil, nil)
	require.NoError(t, err)

	provider.OnTopologyUpdate(topology)
	assert.Equal(t, 0, provider.ActiveTaskCount())
}

func TestStateProvider_NewRoundCancelsOlderTransfers(t *testing.T) {
	client := &recordingClient{block: true, started: make(chan struct{})}
	started := client.started
	provider, lock := newProvider(t, client, &fakeSource{entriesPerSegment: 1})
	lock.NotifyTopologyInstalled(2)

	require.NoError(t, provider.StartOutboundTransfer(context.Background(), &transport.StateRequest{
		Sender:     "b",
		TopologyID: 2,
		Segments:   []int{1},
	}))
	<-started

	ch, err := model.NewConsistentHash(1, []model.Address{"a", "b"}, [][]model.Address{{"a", "b"}})
	require.NoError(t, err)
	topology, err := model.NewCacheTopology(3, 1, model.PhaseReadOldWriteAll, ch, ch, nil)
	require.NoError(t, err)

	provider.OnTopologyUpdate(topology)
	assert.Equal(t, 0, provider.ActiveTaskCount(), "b is still a member but its round is over")
	assert.Eventually(t, func() bool { return provider.pool.Stats().Cancelled == 1 }, time.Second, 5*time.Millisecond)
}

func TestStateProvider_CancelOutboundTransfer(t *testing.T) {
	client := &recordingClient{block: true, started: make(chan struct{})}
	started := client.started
	provider, lock := newProvider(t, client, &fakeSource{entriesPerSegment: 1})
	lock.NotifyTopologyInstalled(2)

	require.NoError(t, provider.StartOutboundTransfer(context.Background(), &transport.StateRequest{
		Sender:     "b",
		TopologyID: 2,
		Segments:   []int{1, 2},
	}))
	<-started

	provider.CancelOutboundTransfer("b", 1, []int{1, 2})
	assert.Equal(t, 1, provider.ActiveTaskCount(), "other topology ids are untouched")

	provider.CancelOutboundTransfer("b", 2, []int{1})
	require.Len(t, provider.Tasks(), 1)
	assert.Equal(t, []int{2}, provider.Tasks()[0].Segments)

	provider.CancelOutboundTransfer("b", 2, []int{2})
	assert.Equal(t, 0, provider.ActiveTaskCount())
}
