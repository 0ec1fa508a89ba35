package cache

import (
	"context"
	"sort"

	"github.com/devrev/pairdb/statetransfer/internal/container"
	"github.com/devrev/pairdb/statetransfer/internal/errors"
	"github.com/devrev/pairdb/statetransfer/internal/metrics"
	"github.com/devrev/pairdb/statetransfer/internal/model"
	"github.com/devrev/pairdb/statetransfer/internal/transferlock"
	"github.com/devrev/pairdb/statetransfer/internal/txn"
	"go.uber.org/zap"
)

// TopologySource returns the installed topology
type TopologySource interface {
	CurrentTopology() *model.CacheTopology
}

// Config holds cache settings
type Config struct {
	Self model.Address
	// MaxAttempts bounds how often a transaction is migrated to a newer
	// topology and retried before the caller sees a stale topology error.
	MaxAttempts int
}

// Cache is the client-facing side of a member. Every operation runs under the
// shared topology lock, so it observes a single topology from start to end.
type Cache struct {
	cfg      Config
	topology TopologySource
	lock     *transferlock.StateTransferLock
	store    *container.Container
	txs      *txn.Table
	clock    *Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// New creates a cache over store
func New(
	cfg Config,
	topology TopologySource,
	lock *transferlock.StateTransferLock,
	store *container.Container,
	txs *txn.Table,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Cache {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Cache{
		cfg:      cfg,
		topology: topology,
		lock:     lock,
		store:    store,
		txs:      txs,
		clock:    NewClock(),
		logger:   logger,
		metrics:  m,
	}
}

func (c *Cache) currentTopology() (*model.CacheTopology, error) {
	topo := c.topology.CurrentTopology()
	if topo == nil {
		return nil, errors.StaleTopology(0, transferlock.NoTopology)
	}
	return topo, nil
}

// Get returns the value of key. It fails unless this member is a read owner
// of the key in the installed topology.
func (c *Cache) Get(key string) (model.Entry, bool, error) {
	c.lock.AcquireSharedTopologyLock()
	defer c.lock.ReleaseSharedTopologyLock()

	topo, err := c.currentTopology()
	if err != nil {
		return model.Entry{}, false, err
	}
	if !topo.ReadCH().IsKeyOwner(c.cfg.Self, key) {
		return model.Entry{}, false, errors.NotOwner(key, addressStrings(topo.ReadOwners(key)))
	}
	entry, ok := c.store.Get(key)
	return entry, ok, nil
}

// Put writes key if this member is a write owner of it. During a rebalance
// write owners include the new owners, so transferred copies arriving later
// are superseded by the newer version.
func (c *Cache) Put(key string, value []byte) (model.Version, error) {
	return c.write(model.Entry{Key: key, Value: value})
}

// Remove deletes key, leaving a tombstone so a late transferred copy cannot
// resurrect it.
func (c *Cache) Remove(key string) (model.Version, error) {
	return c.write(model.Entry{Key: key, Tombstone: true})
}

func (c *Cache) write(entry model.Entry) (model.Version, error) {
	c.lock.AcquireSharedTopologyLock()
	defer c.lock.ReleaseSharedTopologyLock()

	topo, err := c.currentTopology()
	if err != nil {
		return model.Version{}, err
	}
	if !topo.WriteCH().IsKeyOwner(c.cfg.Self, entry.Key) {
		return model.Version{}, errors.NotOwner(entry.Key, addressStrings(topo.WriteOwners(entry.Key)))
	}
	return c.applyLocked(entry), nil
}

// applyLocked stamps entry with a version newer than the stored one and stores it
func (c *Cache) applyLocked(entry model.Entry) model.Version {
	if existing, ok := c.store.Lookup(entry.Key); ok {
		c.clock.Observe(existing.Version.Timestamp)
	}
	entry.Version = model.Version{Timestamp: c.clock.Now(), Origin: c.cfg.Self}
	c.store.Put(entry)
	return entry.Version
}

// Transact locks keys and applies writes atomically with respect to topology
// changes. The transaction begins under the installed topology; if a new
// topology is installed before it commits, it is migrated and retried rather
// than committed against stale ownership. A nil value in writes removes the key.
func (c *Cache) Transact(ctx context.Context, keys []string, writes map[string][]byte) (model.Version, error) {
	keys = lockKeys(keys, writes)

	topo, err := c.currentTopology()
	if err != nil {
		return model.Version{}, err
	}
	tx := c.txs.Begin(topo.ID)
	committed := false
	defer func() {
		if !committed {
			c.txs.Complete(tx.GTX, false)
		}
	}()

	// Backup locks of transactions on segments this member is receiving must be
	// in place before new locks are taken under the topology.
	if err := c.lock.WaitForTransactionData(ctx, tx.TopologyID); err != nil {
		return model.Version{}, err
	}
	if err := c.txs.Lock(tx.GTX, keys); err != nil {
		return model.Version{}, err
	}

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return model.Version{}, err
		}
		if err := c.lock.WaitForTransactionData(ctx, tx.TopologyID); err != nil {
			return model.Version{}, err
		}

		version, err := c.commit(tx, writes)
		if err == nil {
			committed = true
			c.txs.Complete(tx.GTX, true)
			return version, nil
		}
		if !errors.IsCode(err, errors.ErrCodeStaleTopology) {
			return model.Version{}, err
		}

		latest, _ := c.currentTopology()
		if latest == nil {
			return model.Version{}, err
		}
		c.metrics.TransactionRetriesTotal.Inc()
		c.metrics.TransactionsMigrated.Inc()
		c.logger.Debug("Migrating transaction to a newer topology",
			zap.String("gtx", tx.GTX.String()),
			zap.Int("from_topology_id", tx.TopologyID),
			zap.Int("to_topology_id", latest.ID),
			zap.Int("attempt", attempt))
		c.txs.Migrate(tx, latest.ID)
	}

	current, _ := c.currentTopology()
	actual := transferlock.NoTopology
	if current != nil {
		actual = current.ID
	}
	return model.Version{}, errors.StaleTopology(tx.TopologyID, actual)
}

// commit applies writes if the transaction's topology is still installed
func (c *Cache) commit(tx *txn.LocalTransaction, writes map[string][]byte) (model.Version, error) {
	c.lock.AcquireSharedTopologyLock()
	defer c.lock.ReleaseSharedTopologyLock()

	topo, err := c.currentTopology()
	if err != nil {
		return model.Version{}, err
	}
	if topo.ID != tx.TopologyID {
		return model.Version{}, errors.StaleTopology(tx.TopologyID, topo.ID)
	}
	// A lock transferred from a previous owner may have taken over a key
	// while the transaction waited.
	if err := c.txs.CheckLocks(tx.GTX); err != nil {
		return model.Version{}, err
	}

	keys := make([]string, 0, len(writes))
	for key := range writes {
		if !topo.WriteCH().IsKeyOwner(c.cfg.Self, key) {
			return model.Version{}, errors.NotOwner(key, addressStrings(topo.WriteOwners(key)))
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var last model.Version
	for _, key := range keys {
		value := writes[key]
		last = c.applyLocked(model.Entry{Key: key, Value: value, Tombstone: value == nil})
	}
	return last, nil
}

// lockKeys returns the sorted union of keys and the written keys
func lockKeys(keys []string, writes map[string][]byte) []string {
	set := make(map[string]struct{}, len(keys)+len(writes))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	for k := range writes {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func addressStrings(addrs []model.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = string(a)
	}
	return out
}
