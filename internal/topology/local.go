package topology

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/statetransfer/internal/errors"
	"github.com/devrev/pairdb/statetransfer/internal/metrics"
	"github.com/devrev/pairdb/statetransfer/internal/model"
	"github.com/devrev/pairdb/statetransfer/internal/transferlock"
	"github.com/devrev/pairdb/statetransfer/internal/transport"
	"github.com/devrev/pairdb/statetransfer/internal/util/future"
	"go.uber.org/zap"
)

// StateConsumer receives the segments a topology assigns to this member
type StateConsumer interface {
	OnTopologyUpdate(topology *model.CacheTopology, isRebalance bool) *future.Future[struct{}]
}

// StateProvider serves segments to new owners
type StateProvider interface {
	OnTopologyUpdate(topology *model.CacheTopology)
}

// TransactionTable tracks the topology transactions run under
type TransactionTable interface {
	OnTopologyUpdate(topologyID int)
}

// LocalConfig holds local topology manager settings
type LocalConfig struct {
	Self       model.Address
	RPCTimeout time.Duration
}

// LocalTopologyManager installs the topologies the coordinator broadcasts and
// confirms each rebalance phase once the local work for it is done.
type LocalTopologyManager struct {
	cfg      LocalConfig
	lock     *transferlock.StateTransferLock
	consumer StateConsumer
	provider StateProvider
	txs      TransactionTable
	client   transport.Client
	logger   *zap.Logger
	metrics  *metrics.Metrics

	// mu serializes installs. The installed topology is read without it so
	// that readers holding the shared topology lock never wait on an install.
	mu          sync.Mutex
	topology    atomic.Pointer[model.CacheTopology]
	coordinator atomic.Value
	viewID      atomic.Uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLocalTopologyManager creates a manager with no installed topology
func NewLocalTopologyManager(
	cfg LocalConfig,
	lock *transferlock.StateTransferLock,
	consumer StateConsumer,
	provider StateProvider,
	txs TransactionTable,
	client transport.Client,
	logger *zap.Logger,
	m *metrics.Metrics,
) *LocalTopologyManager {
	return &LocalTopologyManager{
		cfg:      cfg,
		lock:     lock,
		consumer: consumer,
		provider: provider,
		txs:      txs,
		client:   client,
		logger:   logger,
		metrics:  m,
		stopCh:   make(chan struct{}),
	}
}

// HandleTopologyUpdate installs a broadcast topology. Topologies not newer
// than the installed one are ignored. An update whose previous id does not
// match the installed topology is rejected, so topologies are never installed
// out of order.
func (l *LocalTopologyManager) HandleTopologyUpdate(ctx context.Context, update *transport.TopologyUpdate) error {
	topo, err := model.TopologyFromSpec(update.Topology)
	if err != nil {
		return errors.InvalidArgument("invalid topology", err)
	}

	l.mu.Lock()
	current := l.topology.Load()
	if current != nil && topo.ID <= current.ID {
		l.mu.Unlock()
		l.metrics.StaleTopologyMsgs.WithLabelValues("topology").Inc()
		l.logger.Debug("Ignoring topology that is not newer than the installed one",
			zap.Int("topology_id", topo.ID),
			zap.Int("installed_topology_id", current.ID),
			zap.String("sender", string(update.Sender)))
		return nil
	}
	if current != nil && update.PreviousTopologyID != NoTopology &&
		update.PreviousTopologyID != current.ID && current.IsMember(l.cfg.Self) {
		l.mu.Unlock()
		l.metrics.StaleTopologyMsgs.WithLabelValues("gap").Inc()
		l.logger.Warn("Rejecting topology update after a missed topology",
			zap.Int("topology_id", topo.ID),
			zap.Int("previous_topology_id", update.PreviousTopologyID),
			zap.Int("installed_topology_id", current.ID))
		return errors.StaleTopology(update.PreviousTopologyID, current.ID)
	}

	l.lock.AcquireExclusiveTopologyLock()
	l.topology.Store(topo)
	l.coordinator.Store(update.Sender)
	l.viewID.Store(update.ViewID)
	l.txs.OnTopologyUpdate(topo.ID)
	l.provider.OnTopologyUpdate(topo)
	l.lock.ReleaseExclusiveTopologyLock()

	isRebalance := topo.Phase == model.PhaseReadOldWriteAll
	done := l.consumer.OnTopologyUpdate(topo, isRebalance)
	l.lock.NotifyTopologyInstalled(topo.ID)
	l.mu.Unlock()

	l.metrics.TopologyID.Set(float64(topo.ID))
	l.metrics.RebalancePhase.Set(float64(topo.Phase))
	l.logger.Info("Installed topology",
		zap.Int("topology_id", topo.ID),
		zap.Int("rebalance_id", topo.RebalanceID),
		zap.String("phase", topo.Phase.String()),
		zap.Int("members", len(topo.Members)),
		zap.String("coordinator", string(update.Sender)))

	if topo.Phase.IsRebalance() && topo.IsMember(l.cfg.Self) {
		l.wg.Add(1)
		go l.confirmWhenDone(topo, update.Sender, done)
	}
	return nil
}

// confirmWhenDone waits for the local work of the topology's phase and then
// confirms it to the coordinator. Transfers are awaited in the read-old phase
// only; stale data was already evicted when the read-new phase was installed.
func (l *LocalTopologyManager) confirmWhenDone(topo *model.CacheTopology, coordinator model.Address, done *future.Future[struct{}]) {
	defer l.wg.Done()

	if topo.Phase == model.PhaseReadOldWriteAll {
		select {
		case <-done.Done():
		case <-l.stopCh:
			return
		}
		if _, err := done.Wait(context.Background()); err != nil {
			l.logger.Debug("Not confirming topology, its transfers did not complete",
				zap.Int("topology_id", topo.ID),
				zap.Error(err))
			return
		}
	}

	if l.CurrentTopologyID() != topo.ID {
		l.logger.Debug("Not confirming superseded topology", zap.Int("topology_id", topo.ID))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.RPCTimeout)
	defer cancel()
	err := l.client.ConfirmPhase(ctx, coordinator, &transport.PhaseConfirm{
		Sender:      l.cfg.Self,
		TopologyID:  topo.ID,
		RebalanceID: topo.RebalanceID,
		Phase:       topo.Phase,
	})
	if err != nil {
		l.logger.Warn("Failed to confirm phase",
			zap.Int("topology_id", topo.ID),
			zap.String("phase", topo.Phase.String()),
			zap.String("coordinator", string(coordinator)),
			zap.Error(err))
		return
	}
	l.logger.Debug("Confirmed phase",
		zap.Int("topology_id", topo.ID),
		zap.String("phase", topo.Phase.String()))
}

// CurrentTopology returns the installed topology, or nil before the first install
func (l *LocalTopologyManager) CurrentTopology() *model.CacheTopology {
	return l.topology.Load()
}

// CurrentTopologyID returns the installed topology id, or NoTopology
func (l *LocalTopologyManager) CurrentTopologyID() int {
	topo := l.topology.Load()
	if topo == nil {
		return NoTopology
	}
	return topo.ID
}

// Coordinator returns the sender of the last installed topology
func (l *LocalTopologyManager) Coordinator() model.Address {
	addr, _ := l.coordinator.Load().(model.Address)
	return addr
}

// ViewID returns the view the last installed topology was issued for
func (l *LocalTopologyManager) ViewID() uint64 {
	return l.viewID.Load()
}

// Stop abandons pending confirmations
func (l *LocalTopologyManager) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.wg.Wait()
	})
}
