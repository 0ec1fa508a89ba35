package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/devrev/pairdb/statetransfer/internal/algorithm"
	"github.com/devrev/pairdb/statetransfer/internal/container"
	"github.com/devrev/pairdb/statetransfer/internal/errors"
	"github.com/devrev/pairdb/statetransfer/internal/metrics"
	"github.com/devrev/pairdb/statetransfer/internal/model"
	"github.com/devrev/pairdb/statetransfer/internal/transferlock"
	"github.com/devrev/pairdb/statetransfer/internal/txn"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const numSegments = 8

// topologySource returns the queued topologies one call at a time and keeps
// returning the last one.
type topologySource struct {
	mu    sync.Mutex
	queue []*model.CacheTopology
	next  func() *model.CacheTopology
}

func (s *topologySource) CurrentTopology() *model.CacheTopology {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next != nil {
		return s.next()
	}
	if len(s.queue) == 0 {
		return nil
	}
	topo := s.queue[0]
	if len(s.queue) > 1 {
		s.queue = s.queue[1:]
	}
	return topo
}

type fixture struct {
	cache   *Cache
	source  *topologySource
	store   *container.Container
	txs     *txn.Table
	lock    *transferlock.StateTransferLock
	metrics *metrics.Metrics
	factory *algorithm.HashFactory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	factory, err := algorithm.NewHashFactory(numSegments, 2, 8)
	require.NoError(t, err)

	m := metrics.NewTestMetrics()
	txs, err := txn.NewTable("a", txn.Config{
		OrphanGracePeriod:    time.Minute,
		CompletedTxTimeout:   15 * time.Second,
		CompletedTxCacheSize: 16,
	}, zap.NewNop(), m)
	require.NoError(t, err)

	f := &fixture{
		source:  &topologySource{},
		store:   container.New(numSegments, zap.NewNop()),
		txs:     txs,
		lock:    transferlock.New(time.Second, zap.NewNop(), m),
		metrics: m,
		factory: factory,
	}
	f.cache = New(Config{Self: "a", MaxAttempts: 3}, f.source, f.lock, f.store, txs, zap.NewNop(), m)
	return f
}

func (f *fixture) topology(t *testing.T, id int, members ...model.Address) *model.CacheTopology {
	t.Helper()
	ch, err := f.factory.Create(members)
	require.NoError(t, err)
	topo, err := model.NewCacheTopology(id, 0, model.PhaseNoRebalance, ch, nil, nil)
	require.NoError(t, err)
	f.lock.NotifyTopologyInstalled(id)
	f.lock.NotifyTransactionDataReceived(id)
	return topo
}

func (f *fixture) install(topos ...*model.CacheTopology) {
	f.source.mu.Lock()
	defer f.source.mu.Unlock()
	f.source.queue = topos
}

func TestCache_PutGetRemove(t *testing.T) {
	f := newFixture(t)
	f.install(f.topology(t, 1, "a"))

	v1, err := f.cache.Put("k", []byte("one"))
	require.NoError(t, err)
	v2, err := f.cache.Put("k", []byte("two"))
	require.NoError(t, err)
	assert.True(t, v2.After(v1))
	assert.Equal(t, model.Address("a"), v2.Origin)

	entry, ok, err := f.cache.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("two"), entry.Value)

	_, err = f.cache.Remove("k")
	require.NoError(t, err)
	_, ok, err = f.cache.Get("k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_RejectsKeysOwnedElsewhere(t *testing.T) {
	f := newFixture(t)
	f.install(f.topology(t, 1, "b"))

	_, _, err := f.cache.Get("k")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotOwner))

	_, err = f.cache.Put("k", []byte("v"))
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotOwner))
}

func TestCache_NoTopologyInstalled(t *testing.T) {
	f := newFixture(t)

	_, err := f.cache.Put("k", []byte("v"))
	assert.True(t, errors.IsCode(err, errors.ErrCodeStaleTopology))
	_, err = f.cache.Transact(context.Background(), nil, map[string][]byte{"k": []byte("v")})
	assert.True(t, errors.IsCode(err, errors.ErrCodeStaleTopology))
}

func TestCache_WriteSupersedesTransferredCopy(t *testing.T) {
	f := newFixture(t)
	f.install(f.topology(t, 1, "a"))

	// A copy from a member whose clock runs far ahead
	future := uint64(time.Now().Add(time.Hour).UnixMilli()) << logicalBits
	f.store.Put(model.Entry{Key: "k", Value: []byte("transferred"), Version: model.Version{Timestamp: future, Origin: "b"}})

	version, err := f.cache.Put("k", []byte("local"))
	require.NoError(t, err)
	assert.Greater(t, version.Timestamp, future)

	entry, ok, err := f.cache.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("local"), entry.Value)
}

func TestCache_TransactCommitsAndReleasesLocks(t *testing.T) {
	f := newFixture(t)
	f.install(f.topology(t, 1, "a"))

	_, err := f.cache.Transact(context.Background(), []string{"read-only"}, map[string][]byte{
		"x": []byte("1"),
		"y": []byte("2"),
		"z": nil,
	})
	require.NoError(t, err)

	for _, key := range []string{"x", "y"} {
		_, ok, err := f.cache.Get(key)
		require.NoError(t, err)
		assert.True(t, ok, key)
	}
	_, ok, err := f.cache.Get("z")
	require.NoError(t, err)
	assert.False(t, ok)

	for _, key := range []string{"read-only", "x", "y", "z"} {
		_, held := f.txs.LockOwner(key)
		assert.False(t, held, key)
	}
	assert.Equal(t, 0, f.txs.LocalCount())
}

func TestCache_TransactLockConflict(t *testing.T) {
	f := newFixture(t)
	f.install(f.topology(t, 1, "a"))

	other := f.txs.Begin(1)
	require.NoError(t, f.txs.Lock(other.GTX, []string{"x"}))

	_, err := f.cache.Transact(context.Background(), nil, map[string][]byte{"x": []byte("1"), "y": []byte("2")})
	require.Error(t, err)

	owner, held := f.txs.LockOwner("x")
	assert.True(t, held)
	assert.Equal(t, other.GTX, owner)
	_, held = f.txs.LockOwner("y")
	assert.False(t, held)
}

func TestCache_TransactMigratesToNewTopology(t *testing.T) {
	f := newFixture(t)
	first := f.topology(t, 1, "a")
	second := f.topology(t, 2, "a")
	f.install(first, second)

	_, err := f.cache.Transact(context.Background(), nil, map[string][]byte{"x": []byte("1")})
	require.NoError(t, err)

	_, ok, err := f.cache.Get("x")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.TransactionsMigrated))
}

func TestCache_TransactGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	ch, err := f.factory.Create([]model.Address{"a"})
	require.NoError(t, err)
	f.lock.NotifyTransactionDataReceived(1000)

	id := 0
	f.source.next = func() *model.CacheTopology {
		id++
		topo, err := model.NewCacheTopology(id, 0, model.PhaseNoRebalance, ch, nil, nil)
		require.NoError(t, err)
		return topo
	}

	_, err = f.cache.Transact(context.Background(), nil, map[string][]byte{"x": []byte("1")})
	assert.True(t, errors.IsCode(err, errors.ErrCodeStaleTopology))
	assert.Equal(t, float64(3), testutil.ToFloat64(f.metrics.TransactionRetriesTotal))

	_, held := f.txs.LockOwner("x")
	assert.False(t, held)
	assert.Zero(t, f.store.Size())
}

func TestCache_TransactWaitsForTransactionData(t *testing.T) {
	f := newFixture(t)
	ch, err := f.factory.Create([]model.Address{"a"})
	require.NoError(t, err)
	topo, err := model.NewCacheTopology(1, 0, model.PhaseNoRebalance, ch, nil, nil)
	require.NoError(t, err)
	f.lock.NotifyTopologyInstalled(1)
	f.install(topo)

	done := make(chan error, 1)
	go func() {
		_, err := f.cache.Transact(context.Background(), nil, map[string][]byte{"x": []byte("1")})
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("transaction committed before transaction data arrived: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	f.lock.NotifyTransactionDataReceived(1)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("transaction did not commit")
	}
}

// bareTopology builds a topology owned by a alone without releasing any barrier
func (f *fixture) bareTopology(t *testing.T, id int) *model.CacheTopology {
	t.Helper()
	ch, err := f.factory.Create([]model.Address{"a"})
	require.NoError(t, err)
	topo, err := model.NewCacheTopology(id, 0, model.PhaseNoRebalance, ch, nil, nil)
	require.NoError(t, err)
	return topo
}

func TestCache_TransactLocksAfterTransferredLocks(t *testing.T) {
	f := newFixture(t)
	f.lock.NotifyTopologyInstalled(1)
	f.install(f.bareTopology(t, 1))

	done := make(chan error, 1)
	go func() {
		_, err := f.cache.Transact(context.Background(), nil, map[string][]byte{"k": []byte("local")})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	_, held := f.txs.LockOwner("k")
	assert.False(t, held, "no lock is taken before transaction data arrives")

	migrated := model.GlobalTransaction{Originator: "b", ID: 7}
	f.txs.ApplyTransactions("b", 1, []model.TransactionInfo{{GTX: migrated, TopologyID: 1, LockedKeys: []string{"k"}}})
	f.lock.NotifyTransactionDataReceived(1)

	select {
	case err := <-done:
		assert.True(t, errors.IsCode(err, errors.ErrCodeLockConflict), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("transaction did not finish")
	}

	owner, held := f.txs.LockOwner("k")
	require.True(t, held)
	assert.Equal(t, migrated, owner)
	_, ok := f.store.Lookup("k")
	assert.False(t, ok)
}

func TestCache_TransferredLockFailsMigratedTransaction(t *testing.T) {
	f := newFixture(t)
	f.lock.NotifyTopologyInstalled(1)
	f.lock.NotifyTransactionDataReceived(1)
	f.lock.NotifyTopologyInstalled(2)
	f.install(f.bareTopology(t, 1), f.bareTopology(t, 2))

	done := make(chan error, 1)
	go func() {
		_, err := f.cache.Transact(context.Background(), nil, map[string][]byte{"k": []byte("local")})
		done <- err
	}()

	// The transaction locked k under topology 1 and now waits for the
	// transaction data of topology 2.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.TransactionRetriesTotal) == 1
	}, 2*time.Second, 5*time.Millisecond)
	local, held := f.txs.LockOwner("k")
	require.True(t, held)
	assert.Equal(t, model.Address("a"), local.Originator)

	migrated := model.GlobalTransaction{Originator: "b", ID: 7}
	f.txs.ApplyTransactions("b", 2, []model.TransactionInfo{{GTX: migrated, TopologyID: 1, LockedKeys: []string{"k"}}})
	f.lock.NotifyTransactionDataReceived(2)

	select {
	case err := <-done:
		assert.True(t, errors.IsCode(err, errors.ErrCodeLockConflict), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("transaction did not finish")
	}

	owner, held := f.txs.LockOwner("k")
	require.True(t, held)
	assert.Equal(t, migrated, owner)
	_, ok := f.store.Lookup("k")
	assert.False(t, ok, "the local transaction must not commit over the transferred lock")
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.LockConflictsTotal.WithLabelValues("preempted")))
}

func TestClock_Monotonic(t *testing.T) {
	c := NewClock()
	fixed := time.UnixMilli(1_000)
	c.now = func() time.Time { return fixed }

	first := c.Now()
	second := c.Now()
	assert.Equal(t, uint64(1_000)<<logicalBits, first)
	assert.Equal(t, first+1, second)

	c.Observe(first + 100)
	assert.Equal(t, first+101, c.Now())

	// The wall clock going backwards does not move timestamps back
	c.now = func() time.Time { return time.UnixMilli(500) }
	assert.Equal(t, first+102, c.Now())
}
