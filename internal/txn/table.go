package txn

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/statetransfer/internal/errors"
	"github.com/devrev/pairdb/statetransfer/internal/metrics"
	"github.com/devrev/pairdb/statetransfer/internal/model"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

// LocalTransaction is a transaction originated by this node
type LocalTransaction struct {
	GTX        model.GlobalTransaction
	TopologyID int
	Keys       []string
	CreatedAt  time.Time
}

// RemoteTransaction is a transaction originated elsewhere that holds locks here,
// either directly or as backup locks rebuilt from a previous owner.
type RemoteTransaction struct {
	GTX           model.GlobalTransaction
	TopologyID    int
	LockedKeys    map[string]struct{}
	Modifications []model.Entry
	CreatedAt     time.Time
	// OrphanedAt is set when the originator leaves the view and cleared if it returns.
	OrphanedAt time.Time
	Migrated   bool
}

// Config holds transaction table settings
type Config struct {
	OrphanGracePeriod    time.Duration
	CompletedTxTimeout   time.Duration
	CompletedTxCacheSize int
}

// Table tracks local and remote transactions and the key locks they hold
type Table struct {
	self    model.Address
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	nextID uint64

	mu                sync.Mutex
	local             map[model.GlobalTransaction]*LocalTransaction
	remote            map[model.GlobalTransaction]*RemoteTransaction
	locks             map[string]model.GlobalTransaction
	members           []model.Address
	currentTopologyID int
	minTopologyID     int

	completed *lru.Cache
}

// NewTable creates an empty transaction table
func NewTable(self model.Address, cfg Config, logger *zap.Logger, m *metrics.Metrics) (*Table, error) {
	if cfg.CompletedTxCacheSize <= 0 {
		cfg.CompletedTxCacheSize = 10000
	}
	completed, err := lru.New(cfg.CompletedTxCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create completed transaction cache: %w", err)
	}
	return &Table{
		self:              self,
		cfg:               cfg,
		logger:            logger,
		metrics:           m,
		now:               time.Now,
		local:             make(map[model.GlobalTransaction]*LocalTransaction),
		remote:            make(map[model.GlobalTransaction]*RemoteTransaction),
		locks:             make(map[string]model.GlobalTransaction),
		currentTopologyID: -1,
		minTopologyID:     -1,
		completed:         completed,
	}, nil
}

// Begin starts a local transaction under topologyID
func (t *Table) Begin(topologyID int) *LocalTransaction {
	tx := &LocalTransaction{
		GTX:        model.GlobalTransaction{Originator: t.self, ID: atomic.AddUint64(&t.nextID, 1)},
		TopologyID: topologyID,
		CreatedAt:  t.now(),
	}

	t.mu.Lock()
	t.local[tx.GTX] = tx
	t.recalculateMinTopologyID()
	t.mu.Unlock()
	return tx
}

// Lock acquires key locks for gtx. Either every key is locked or none is.
func (t *Table) Lock(gtx model.GlobalTransaction, keys []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, key := range keys {
		if owner, held := t.locks[key]; held && owner != gtx {
			return errors.LockConflict(key, owner.String())
		}
	}
	for _, key := range keys {
		t.locks[key] = gtx
	}
	if tx, ok := t.local[gtx]; ok {
		tx.Keys = appendUnique(tx.Keys, keys...)
	}
	if tx, ok := t.remote[gtx]; ok {
		for _, key := range keys {
			tx.LockedKeys[key] = struct{}{}
		}
	}
	return nil
}

// CheckLocks fails when gtx no longer holds every key it locked, which
// happens when a lock transferred from a previous owner took the key over.
func (t *Table) CheckLocks(gtx model.GlobalTransaction) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tx, ok := t.local[gtx]
	if !ok {
		return errors.InvalidArgument(fmt.Sprintf("unknown transaction %s", gtx), nil)
	}
	for _, key := range tx.Keys {
		if owner := t.locks[key]; owner != gtx {
			return errors.LockConflict(key, owner.String())
		}
	}
	return nil
}

// Migrate moves a local transaction to a newer topology before it is retried
func (t *Table) Migrate(tx *LocalTransaction, topologyID int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.local[tx.GTX]; ok {
		cur.TopologyID = topologyID
		tx.TopologyID = topologyID
		t.recalculateMinTopologyID()
	}
}

// Complete releases every lock held by gtx and forgets the transaction.
// The transaction is remembered as completed so a late copy cannot recreate it.
func (t *Table) Complete(gtx model.GlobalTransaction, committed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completeLocked(gtx, committed)
}

func (t *Table) completeLocked(gtx model.GlobalTransaction, committed bool) {
	for key, owner := range t.locks {
		if owner == gtx {
			delete(t.locks, key)
		}
	}
	delete(t.local, gtx)
	delete(t.remote, gtx)
	t.completed.Add(gtx, t.now())
	t.metrics.RemoteTransactions.Set(float64(len(t.remote)))
	t.recalculateMinTopologyID()

	t.logger.Debug("Transaction completed",
		zap.String("gtx", gtx.String()),
		zap.Bool("committed", committed))
}

// IsCompleted reports whether gtx completed within the completed-transaction timeout
func (t *Table) IsCompleted(gtx model.GlobalTransaction) bool {
	v, ok := t.completed.Get(gtx)
	if !ok {
		return false
	}
	return t.now().Sub(v.(time.Time)) < t.cfg.CompletedTxTimeout
}

// CreateRemote registers a transaction originated by another member
func (t *Table) CreateRemote(gtx model.GlobalTransaction, topologyID int) (*RemoteTransaction, error) {
	if t.IsCompleted(gtx) {
		return nil, errors.InvalidArgument(fmt.Sprintf("transaction %s already completed", gtx), nil)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getOrCreateRemoteLocked(gtx, topologyID), nil
}

func (t *Table) getOrCreateRemoteLocked(gtx model.GlobalTransaction, topologyID int) *RemoteTransaction {
	tx, ok := t.remote[gtx]
	if !ok {
		tx = &RemoteTransaction{
			GTX:        gtx,
			TopologyID: topologyID,
			LockedKeys: make(map[string]struct{}),
			CreatedAt:  t.now(),
		}
		if !containsAddress(t.members, gtx.Originator) && len(t.members) > 0 {
			tx.OrphanedAt = t.now()
		}
		t.remote[gtx] = tx
		t.metrics.RemoteTransactions.Set(float64(len(t.remote)))
		t.recalculateMinTopologyID()
	}
	return tx
}

// ApplyTransactions installs transactions received from a previous owner of
// the segments this node is about to own, rebuilding their backup locks.
func (t *Table) ApplyTransactions(sender model.Address, topologyID int, infos []model.TransactionInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, info := range infos {
		if t.isCompletedLocked(info.GTX) {
			t.logger.Debug("Ignoring transferred transaction that already completed",
				zap.String("gtx", info.GTX.String()),
				zap.String("sender", string(sender)))
			continue
		}
		if info.GTX.Originator == t.self {
			continue
		}

		tx := t.getOrCreateRemoteLocked(info.GTX, info.TopologyID)
		tx.Migrated = true
		for _, key := range info.LockedKeys {
			tx.LockedKeys[key] = struct{}{}
			t.applyTransferredLockLocked(info.GTX, key, sender)
		}
		tx.Modifications = append(tx.Modifications, info.Modifications...)
		t.metrics.TransactionsMigrated.Inc()
	}

	t.logger.Debug("Applied transferred transactions",
		zap.String("sender", string(sender)),
		zap.Int("topology_id", topologyID),
		zap.Int("count", len(infos)))
}

// applyTransferredLockLocked gives key to a transaction migrated from a
// previous owner. The previous owner locked it first, so a local transaction
// that took the key in the meantime loses it and fails when it commits.
func (t *Table) applyTransferredLockLocked(gtx model.GlobalTransaction, key string, sender model.Address) {
	holder, held := t.locks[key]
	switch {
	case !held || holder == gtx:
		t.locks[key] = gtx
	case t.local[holder] != nil:
		t.locks[key] = gtx
		t.metrics.LockConflictsTotal.WithLabelValues("preempted").Inc()
		t.logger.Warn("Transferred lock took a key over from a local transaction",
			zap.String("gtx", gtx.String()),
			zap.String("sender", string(sender)),
			zap.Error(errors.LockConflict(key, holder.String())))
	default:
		t.metrics.LockConflictsTotal.WithLabelValues("kept").Inc()
		t.logger.Warn("Transferred lock conflicts with another remote transaction, keeping the holder",
			zap.String("gtx", gtx.String()),
			zap.String("sender", string(sender)),
			zap.Error(errors.LockConflict(key, holder.String())))
	}
}

func (t *Table) isCompletedLocked(gtx model.GlobalTransaction) bool {
	v, ok := t.completed.Peek(gtx)
	if !ok {
		return false
	}
	return t.now().Sub(v.(time.Time)) < t.cfg.CompletedTxTimeout
}

// TransactionsForSegments lists transactions holding locks on keys of the given
// segments. Only keys inside the segments are reported.
func (t *Table) TransactionsForSegments(segmentOf func(string) int, segments model.SegmentSet) []model.TransactionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	byTx := make(map[model.GlobalTransaction][]string)
	for key, gtx := range t.locks {
		if segments.Contains(segmentOf(key)) {
			byTx[gtx] = append(byTx[gtx], key)
		}
	}

	out := make([]model.TransactionInfo, 0, len(byTx))
	for gtx, keys := range byTx {
		sort.Strings(keys)
		info := model.TransactionInfo{GTX: gtx, LockedKeys: keys}
		if tx, ok := t.local[gtx]; ok {
			info.TopologyID = tx.TopologyID
		} else if tx, ok := t.remote[gtx]; ok {
			info.TopologyID = tx.TopologyID
			for _, m := range tx.Modifications {
				if segments.Contains(segmentOf(m.Key)) {
					info.Modifications = append(info.Modifications, m)
				}
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GTX.String() < out[j].GTX.String() })
	return out
}

// OnViewChange marks remote transactions whose originator left as orphaned,
// and clears the mark for originators that came back.
func (t *Table) OnViewChange(members []model.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.members = append([]model.Address(nil), members...)
	now := t.now()
	for gtx, tx := range t.remote {
		present := containsAddress(members, gtx.Originator)
		switch {
		case !present && tx.OrphanedAt.IsZero():
			tx.OrphanedAt = now
			err := errors.OrphanTransaction(gtx.String(), string(gtx.Originator))
			t.logger.Warn("Originator left, transaction is orphaned",
				zap.String("gtx", gtx.String()),
				zap.Int("locked_keys", len(tx.LockedKeys)),
				zap.Error(err))
		case present && !tx.OrphanedAt.IsZero():
			tx.OrphanedAt = time.Time{}
		}
	}
}

// CleanupOrphans rolls back orphaned remote transactions whose grace period
// expired and whose originator is still absent.
// Returns the number of transactions removed.
func (t *Table) CleanupOrphans() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	cleaned := 0
	for gtx, tx := range t.remote {
		if tx.OrphanedAt.IsZero() {
			continue
		}
		if containsAddress(t.members, gtx.Originator) {
			continue
		}
		if now.Sub(tx.OrphanedAt) < t.cfg.OrphanGracePeriod {
			continue
		}

		t.logger.Info("Rolling back orphan transaction",
			zap.String("gtx", gtx.String()),
			zap.Duration("orphaned_for", now.Sub(tx.OrphanedAt)),
			zap.Int("locked_keys", len(tx.LockedKeys)))
		t.completeLocked(gtx, false)
		t.metrics.OrphanTransactionsTotal.Inc()
		cleaned++
	}
	return cleaned
}

// OnTopologyUpdate records the installed topology id
func (t *Table) OnTopologyUpdate(topologyID int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.currentTopologyID = topologyID
	t.recalculateMinTopologyID()
}

// MinTopologyID returns the oldest topology id any open transaction started
// under, or the installed topology id when there are none.
func (t *Table) MinTopologyID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.minTopologyID
}

func (t *Table) recalculateMinTopologyID() {
	lowest := t.currentTopologyID
	for _, tx := range t.local {
		if tx.TopologyID < lowest {
			lowest = tx.TopologyID
		}
	}
	for _, tx := range t.remote {
		if tx.TopologyID < lowest {
			lowest = tx.TopologyID
		}
	}
	t.minTopologyID = lowest
}

// LockOwner returns the transaction holding key
func (t *Table) LockOwner(key string) (model.GlobalTransaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	gtx, ok := t.locks[key]
	return gtx, ok
}

// Remote returns a snapshot of a remote transaction
func (t *Table) Remote(gtx model.GlobalTransaction) (RemoteTransaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tx, ok := t.remote[gtx]
	if !ok {
		return RemoteTransaction{}, false
	}
	snapshot := *tx
	snapshot.LockedKeys = make(map[string]struct{}, len(tx.LockedKeys))
	for k := range tx.LockedKeys {
		snapshot.LockedKeys[k] = struct{}{}
	}
	return snapshot, true
}

func (t *Table) RemoteCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.remote)
}

func (t *Table) LocalCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.local)
}

func appendUnique(list []string, keys ...string) []string {
	for _, k := range keys {
		found := false
		for _, existing := range list {
			if existing == k {
				found = true
				break
			}
		}
		if !found {
			list = append(list, k)
		}
	}
	return list
}

func containsAddress(list []model.Address, addr model.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}
