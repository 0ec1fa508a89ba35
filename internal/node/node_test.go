package node

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/devrev/pairdb/statetransfer/internal/membership"
	"github.com/devrev/pairdb/statetransfer/internal/metrics"
	"github.com/devrev/pairdb/statetransfer/internal/model"
	"github.com/devrev/pairdb/statetransfer/internal/transport"
	"github.com/devrev/pairdb/statetransfer/internal/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	waitFor = 10 * time.Second
	tick    = 20 * time.Millisecond
)

// testCluster runs members in one process over a LocalNetwork. Views are
// published by the test instead of a gossip layer.
type testCluster struct {
	t           *testing.T
	network     *transport.LocalNetwork
	mu          sync.Mutex
	nodes       map[model.Address]*Node
	dispatchers map[model.Address]*membership.Dispatcher
	viewID      uint64
}

func newTestCluster(t *testing.T) *testCluster {
	return &testCluster{
		t:           t,
		network:     transport.NewLocalNetwork(),
		nodes:       make(map[model.Address]*Node),
		dispatchers: make(map[model.Address]*membership.Dispatcher),
	}
}

func testConfig(self model.Address) Config {
	return Config{
		Self:                 self,
		NumSegments:          16,
		NumOwners:            2,
		VirtualNodes:         8,
		ChunkSize:            10,
		TransferTimeout:      2 * time.Second,
		AckTimeout:           2 * time.Second,
		RPCTimeout:           time.Second,
		RebalancingEnabled:   true,
		MaxRebalanceRestarts: 10,
		OutboundWorkers:      4,
		ApplyWorkers:         2,
		QueueSize:            64,
		Transactions: txn.Config{
			OrphanGracePeriod:    100 * time.Millisecond,
			CompletedTxTimeout:   time.Second,
			CompletedTxCacheSize: 64,
		},
		ReaperInterval:      20 * time.Millisecond,
		TransactionAttempts: 3,
	}
}

func (c *testCluster) start(addr model.Address, mutate func(*Config)) *Node {
	c.t.Helper()
	cfg := testConfig(addr)
	if mutate != nil {
		mutate(&cfg)
	}

	n, err := New(cfg, c.network.Client(addr), zap.NewNop(), metrics.NewTestMetrics())
	require.NoError(c.t, err)
	dispatcher := membership.NewDispatcher(zap.NewNop())

	c.network.Register(addr, n)
	n.Start(dispatcher)

	c.mu.Lock()
	c.nodes[addr] = n
	c.dispatchers[addr] = dispatcher
	c.mu.Unlock()

	c.t.Cleanup(func() { c.stop(addr) })
	return n
}

// stop detaches and stops a member; stopping twice is a no-op
func (c *testCluster) stop(addr model.Address) {
	c.mu.Lock()
	n, ok := c.nodes[addr]
	delete(c.nodes, addr)
	delete(c.dispatchers, addr)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.network.Unregister(addr)
	assert.NoError(c.t, n.Stop(time.Second))
}

// publish installs one new view per group on that group's members
func (c *testCluster) publish(merge bool, groups ...[]model.Address) {
	c.mu.Lock()
	c.viewID++
	id := c.viewID
	c.mu.Unlock()

	for _, group := range groups {
		view := model.View{ID: id, Members: model.SortAddresses(append([]model.Address(nil), group...)), Merge: merge}
		for _, member := range group {
			c.mu.Lock()
			d := c.dispatchers[member]
			c.mu.Unlock()
			if d != nil {
				d.Publish(view)
			}
		}
	}
}

func (c *testCluster) node(addr model.Address) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.nodes[addr]
	require.NotNil(c.t, n, "no member %s", addr)
	return n
}

// awaitStable waits until members agree on a settled topology over exactly
// themselves and returns it.
func (c *testCluster) awaitStable(members ...model.Address) *model.CacheTopology {
	c.t.Helper()
	coordinator := c.node(model.SortAddresses(append([]model.Address(nil), members...))[0])

	var stable *model.CacheTopology
	require.Eventually(c.t, func() bool {
		status, err := coordinator.Coordinator.Status(context.Background())
		if err != nil || !status.IsCoordinator || status.RebalanceInProgress || status.Topology == nil {
			return false
		}
		for _, addr := range members {
			topo := c.node(addr).Topology.CurrentTopology()
			if topo == nil || topo.Phase != model.PhaseNoRebalance || topo.ID != status.Topology.ID {
				return false
			}
			if !model.SameMembers(topo.CurrentCH.Members(), members) {
				return false
			}
			stable = topo
		}
		return true
	}, waitFor, tick)
	return stable
}

// putEverywhere writes key on every member that write-owns it
func (c *testCluster) putEverywhere(key string, members ...model.Address) {
	c.t.Helper()
	written := 0
	for _, addr := range members {
		n := c.node(addr)
		topo := n.Topology.CurrentTopology()
		require.NotNil(c.t, topo)
		if !topo.WriteCH().IsKeyOwner(addr, key) {
			continue
		}
		_, err := n.Cache.Put(key, []byte("value-"+key))
		require.NoError(c.t, err)
		written++
	}
	require.Positive(c.t, written, "no write owner for %s", key)
}

// placed reports whether every owner of each key holds it and, when strict,
// no other member does.
func (c *testCluster) placed(topo *model.CacheTopology, keys []string, strict bool, members ...model.Address) bool {
	for _, key := range keys {
		for _, addr := range members {
			_, held := c.node(addr).Store.Get(key)
			owner := topo.CurrentCH.IsKeyOwner(addr, key)
			if owner && strict && !held {
				return false
			}
			if !owner && held {
				return false
			}
		}
	}
	return true
}

func keys(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s-%d", prefix, i)
	}
	return out
}

func TestNode_JoinMovesOwnedSegments(t *testing.T) {
	c := newTestCluster(t)
	c.start("a", nil)
	c.publish(false, []model.Address{"a"})
	c.awaitStable("a")

	data := keys("key", 200)
	for _, key := range data {
		c.putEverywhere(key, "a")
	}

	c.start("b", nil)
	c.start("c", nil)
	c.publish(false, []model.Address{"a", "b", "c"})
	topo := c.awaitStable("a", "b", "c")

	assert.Eventually(t, func() bool {
		return c.placed(topo, data, true, "a", "b", "c")
	}, waitFor, tick)

	for _, addr := range []model.Address{"b", "c"} {
		owned := 0
		for _, key := range data {
			if topo.CurrentCH.IsKeyOwner(addr, key) {
				owned++
			}
		}
		assert.Positive(t, owned, "%s owns no keys", addr)
	}
}

func TestNode_LeaveKeepsReplicas(t *testing.T) {
	c := newTestCluster(t)
	for _, addr := range []model.Address{"a", "b", "c"} {
		c.start(addr, nil)
	}
	c.publish(false, []model.Address{"a", "b", "c"})
	c.awaitStable("a", "b", "c")

	data := keys("key", 100)
	for _, key := range data {
		c.putEverywhere(key, "a", "b", "c")
	}

	c.stop("c")
	c.publish(false, []model.Address{"a", "b"})
	topo := c.awaitStable("a", "b")

	assert.Eventually(t, func() bool {
		return c.placed(topo, data, true, "a", "b")
	}, waitFor, tick)
	for _, key := range data {
		entry, ok, err := c.node("a").Cache.Get(key)
		require.NoError(t, err)
		require.True(t, ok, key)
		assert.Equal(t, []byte("value-"+key), entry.Value)
	}
}

func TestNode_MergeRebalancesFromLargestPartition(t *testing.T) {
	c := newTestCluster(t)
	for _, addr := range []model.Address{"a", "b", "c", "d"} {
		c.start(addr, nil)
	}
	majority := []model.Address{"a", "b", "c"}
	for _, addr := range majority {
		c.network.Partition(addr, "d")
	}
	c.publish(false, majority, []model.Address{"d"})
	c.awaitStable(majority...)
	c.awaitStable("d")

	abc := keys("abc", 100)
	for _, key := range abc {
		c.putEverywhere(key, majority...)
	}
	lonely := keys("d", 20)
	for _, key := range lonely {
		c.putEverywhere(key, "d")
	}
	before := c.node("a").Topology.CurrentTopologyID()

	c.network.Heal()
	c.publish(true, []model.Address{"a", "b", "c", "d"})
	topo := c.awaitStable("a", "b", "c", "d")
	assert.Greater(t, topo.ID, before)

	all := []model.Address{"a", "b", "c", "d"}
	assert.Eventually(t, func() bool {
		return c.placed(topo, abc, true, all...) && c.placed(topo, lonely, false, all...)
	}, waitFor, tick)
}

func TestNode_OrphanTransactionRolledBack(t *testing.T) {
	c := newTestCluster(t)
	a := c.start("a", nil)
	c.publish(false, []model.Address{"a"})
	topo := c.awaitStable("a")

	locked := keys("locked", 20)
	tx := a.Transactions.Begin(topo.ID)
	require.NoError(t, a.Transactions.Lock(tx.GTX, locked))

	// b gains every segment and rebuilds the locks from a
	b := c.start("b", nil)
	c.publish(false, []model.Address{"a", "b"})
	c.awaitStable("a", "b")

	remote, ok := b.Transactions.Remote(tx.GTX)
	require.True(t, ok, "transaction was not migrated to the new owner")
	assert.True(t, remote.Migrated)
	assert.Len(t, remote.LockedKeys, len(locked))
	for _, key := range locked {
		owner, held := b.Transactions.LockOwner(key)
		require.True(t, held, key)
		assert.Equal(t, tx.GTX, owner)
	}

	c.stop("a")
	c.publish(false, []model.Address{"b"})
	c.awaitStable("b")

	assert.Eventually(t, func() bool {
		_, known := b.Transactions.Remote(tx.GTX)
		return !known && b.Transactions.RemoteCount() == 0
	}, waitFor, tick)
	for _, key := range locked {
		_, held := b.Transactions.LockOwner(key)
		assert.False(t, held, key)
	}
	assert.True(t, b.Transactions.IsCompleted(tx.GTX))
}

func TestNode_MemberMissingAnInstallCatchesUp(t *testing.T) {
	c := newTestCluster(t)
	// Requests to the partitioned member give up well before it is excluded
	quick := func(cfg *Config) {
		cfg.TransferTimeout = 500 * time.Millisecond
		cfg.AckTimeout = 3 * time.Second
	}
	for _, addr := range []model.Address{"a", "b", "c"} {
		c.start(addr, quick)
	}
	c.publish(false, []model.Address{"a", "b", "c"})
	c.awaitStable("a", "b", "c")

	data := keys("key", 50)
	for _, key := range data {
		c.putEverywhere(key, "a", "b", "c")
	}

	// c misses the rebalance that adds d and is excluded for not confirming
	c.network.Partition("a", "c")
	c.start("d", quick)
	c.publish(false, []model.Address{"a", "b", "c", "d"})
	coordinator := c.node("a")
	require.Eventually(t, func() bool {
		status, err := coordinator.Coordinator.Status(context.Background())
		if err != nil {
			return false
		}
		for _, addr := range status.Excluded {
			if addr == "c" {
				return true
			}
		}
		return false
	}, waitFor, tick)
	assert.Equal(t, 1, c.node("c").Topology.CurrentTopologyID())

	c.network.Heal()
	c.publish(false, []model.Address{"a", "b", "c", "d"})
	topo := c.awaitStable("a", "b", "c", "d")
	assert.True(t, topo.CurrentCH.IsMember("c"))

	all := []model.Address{"a", "b", "c", "d"}
	assert.Eventually(t, func() bool {
		return c.placed(topo, data, true, all...)
	}, waitFor, tick)
}

func TestNode_TransactionsTransferredWithSegments(t *testing.T) {
	c := newTestCluster(t)
	a := c.start("a", nil)
	c.publish(false, []model.Address{"a"})
	topo := c.awaitStable("a")

	locked := keys("locked", 40)
	tx := a.Transactions.Begin(topo.ID)
	require.NoError(t, a.Transactions.Lock(tx.GTX, locked))

	b := c.start("b", nil)
	c.publish(false, []model.Address{"a", "b"})
	topo = c.awaitStable("a", "b")

	for _, key := range locked {
		if !topo.CurrentCH.IsKeyOwner("b", key) {
			continue
		}
		owner, held := b.Transactions.LockOwner(key)
		require.True(t, held, key)
		assert.Equal(t, tx.GTX, owner)
	}
}

func TestNode_DisabledRebalancing(t *testing.T) {
	c := newTestCluster(t)
	disabled := func(cfg *Config) { cfg.RebalancingEnabled = false }
	a := c.start("a", disabled)
	c.start("b", disabled)
	c.publish(false, []model.Address{"a"})
	c.awaitStable("a")

	c.publish(false, []model.Address{"a", "b"})
	require.Eventually(t, func() bool {
		topo := c.node("b").Topology.CurrentTopology()
		return topo != nil && topo.IsMember("b") && !topo.CurrentCH.IsMember("b")
	}, waitFor, tick)

	status, err := a.Coordinator.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, status.RebalancingEnabled)
	assert.False(t, status.RebalanceInProgress)

	require.NoError(t, a.Coordinator.SetRebalancingEnabled(context.Background(), true))
	topo := c.awaitStable("a", "b")
	assert.True(t, topo.CurrentCH.IsMember("b"))
}
