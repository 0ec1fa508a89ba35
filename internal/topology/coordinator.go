package topology

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/statetransfer/internal/algorithm"
	"github.com/devrev/pairdb/statetransfer/internal/errors"
	"github.com/devrev/pairdb/statetransfer/internal/metrics"
	"github.com/devrev/pairdb/statetransfer/internal/model"
	"github.com/devrev/pairdb/statetransfer/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// NoTopology marks the absence of a previously broadcast topology. A member
// receiving an update with this previous id accepts it regardless of what it
// has installed, as long as the update is newer.
const NoTopology = -1

// CoordinatorConfig holds coordinator settings
type CoordinatorConfig struct {
	Self model.Address
	// AckTimeout bounds how long the coordinator waits for phase confirmations
	// before excluding the silent members.
	AckTimeout         time.Duration
	RPCTimeout         time.Duration
	RebalancingEnabled bool
	// MaxRebalanceRestarts bounds how often a rebalance may be superseded
	// before it is abandoned. Zero means unlimited.
	MaxRebalanceRestarts int
}

// CoordinatorStatus is a snapshot of the coordinator for the admin surface
type CoordinatorStatus struct {
	IsCoordinator        bool                `json:"is_coordinator"`
	Coordinator          model.Address       `json:"coordinator"`
	ViewID               uint64              `json:"view_id"`
	Members              []model.Address     `json:"members"`
	Topology             *model.TopologySpec `json:"topology,omitempty"`
	RebalancingEnabled   bool                `json:"rebalancing_enabled"`
	RebalanceInProgress  bool                `json:"rebalance_in_progress"`
	PendingConfirmations []model.Address     `json:"pending_confirmations"`
	Restarts             int                 `json:"restarts"`
	Excluded             []model.Address     `json:"excluded"`
	MovingSegments       int                 `json:"moving_segments"`
}

type broadcast struct {
	update  *transport.TopologyUpdate
	targets []model.Address
}

// Coordinator drives rebalances on the coordinator member. All state changes
// happen on a single event loop; topology broadcasts are sent by a separate
// goroutine in issue order.
type Coordinator struct {
	cfg     CoordinatorConfig
	factory *algorithm.HashFactory
	client  transport.Client
	logger  *zap.Logger
	metrics *metrics.Metrics

	isCoordinator      atomic.Bool
	rebalancingEnabled atomic.Bool

	events     chan func()
	broadcasts chan broadcast
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup

	// Owned by the event loop
	view            model.View
	topology        *model.CacheTopology
	lastBroadcastID int
	rebalanceID     int
	restarts        int
	confirmations   map[model.Address]bool
	excluded        map[model.Address]bool
	ackTimer        *time.Timer
	phaseStarted    time.Time
}

// NewCoordinator creates a coordinator. Start must be called before views are delivered.
func NewCoordinator(
	cfg CoordinatorConfig,
	factory *algorithm.HashFactory,
	client transport.Client,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Coordinator {
	c := &Coordinator{
		cfg:             cfg,
		factory:         factory,
		client:          client,
		logger:          logger,
		metrics:         m,
		events:          make(chan func(), 64),
		broadcasts:      make(chan broadcast, 64),
		stopCh:          make(chan struct{}),
		lastBroadcastID: NoTopology,
		confirmations:   make(map[model.Address]bool),
		excluded:        make(map[model.Address]bool),
	}
	c.rebalancingEnabled.Store(cfg.RebalancingEnabled)
	return c
}

// Start launches the event loop and the broadcaster
func (c *Coordinator) Start() {
	c.wg.Add(2)
	go c.run()
	go c.broadcastLoop()
}

// Stop terminates the event loop and the broadcaster
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
		if c.ackTimer != nil {
			c.ackTimer.Stop()
		}
	})
}

func (c *Coordinator) run() {
	defer c.wg.Done()
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) submit(fn func()) bool {
	select {
	case c.events <- fn:
		return true
	case <-c.stopCh:
		return false
	}
}

func (c *Coordinator) call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !c.submit(func() { result <- fn() }) {
		return errors.Cancelled("coordinator stopped")
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopCh:
		return errors.Cancelled("coordinator stopped")
	}
}

// IsCoordinator reports whether this member coordinates the current view
func (c *Coordinator) IsCoordinator() bool {
	return c.isCoordinator.Load()
}

// RebalancingEnabled reports the administrative rebalancing switch
func (c *Coordinator) RebalancingEnabled() bool {
	return c.rebalancingEnabled.Load()
}

// OnViewChange handles a membership change. It is safe to call from the
// membership dispatcher; the work runs on the event loop.
func (c *Coordinator) OnViewChange(view model.View) {
	c.submit(func() { c.handleView(view) })
}

func (c *Coordinator) handleView(view model.View) {
	if view.ID != 0 && view.ID < c.view.ID {
		c.logger.Debug("Ignoring older view",
			zap.Uint64("view_id", view.ID),
			zap.Uint64("current_view_id", c.view.ID))
		return
	}

	wasCoordinator := c.isCoordinator.Load()
	c.view = view
	c.excluded = make(map[model.Address]bool)
	isCoordinator := view.Coordinator() == c.cfg.Self
	c.isCoordinator.Store(isCoordinator)
	c.metrics.ClusterMembers.Set(float64(len(view.Members)))

	if !isCoordinator {
		if wasCoordinator {
			c.logger.Info("No longer coordinator", zap.String("coordinator", string(view.Coordinator())))
		}
		c.resetState()
		return
	}

	c.logger.Info("Handling view change",
		zap.Uint64("view_id", view.ID),
		zap.String("members", view.String()),
		zap.Bool("merge", view.Merge))

	force := false
	if !wasCoordinator || view.Merge {
		c.recoverClusterStatus(view)
		force = true
	}
	c.updateTopology(force)
}

func (c *Coordinator) resetState() {
	c.stopAckTimer()
	c.topology = nil
	c.lastBroadcastID = NoTopology
	c.confirmations = make(map[model.Address]bool)
	c.restarts = 0
}

// recoverClusterStatus asks every member for its installed topology. The next
// id continues from the highest one reported and the topology shared by the
// most members becomes the base of the next rebalance.
func (c *Coordinator) recoverClusterStatus(view model.View) {
	statuses := make([]*transport.NodeStatus, len(view.Members))
	var g errgroup.Group
	for i, member := range view.Members {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RPCTimeout)
			defer cancel()
			status, err := c.client.GetStatus(ctx, member, &transport.StatusRequest{Sender: c.cfg.Self})
			if err != nil {
				c.logger.Warn("Failed to get member status",
					zap.String("member", string(member)),
					zap.Error(err))
				return nil
			}
			statuses[i] = status
			return nil
		})
	}
	_ = g.Wait()

	maxID := NoTopology
	if c.topology != nil {
		maxID = c.topology.ID
	}
	// Partitions that ran separately may have issued the same id, so a
	// partition is told apart by id and membership.
	type partitionKey struct {
		id      int
		members string
	}
	type partition struct {
		topology *model.CacheTopology
		size     int
	}
	partitions := make(map[partitionKey]*partition)
	enabled := c.rebalancingEnabled.Load()
	for _, status := range statuses {
		if status == nil || status.Topology == nil {
			continue
		}
		topo, err := model.TopologyFromSpec(status.Topology)
		if err != nil {
			c.logger.Warn("Ignoring invalid topology in member status",
				zap.String("member", string(status.Address)),
				zap.Error(err))
			continue
		}
		if topo.ID > maxID {
			maxID = topo.ID
		}
		if !status.RebalancingEnabled {
			enabled = false
		}
		key := partitionKey{id: topo.ID, members: model.View{Members: model.SortAddresses(topo.Members)}.String()}
		p, ok := partitions[key]
		if !ok {
			p = &partition{topology: topo}
			partitions[key] = p
		}
		p.size++
	}

	var best *partition
	var bestKey partitionKey
	for key, p := range partitions {
		switch {
		case best == nil, p.size > best.size:
		case p.size == best.size && key.id > bestKey.id:
		case p.size == best.size && key.id == bestKey.id && key.members < bestKey.members:
		default:
			continue
		}
		best, bestKey = p, key
	}

	c.lastBroadcastID = NoTopology
	c.rebalancingEnabled.Store(enabled)
	if best == nil {
		c.topology = nil
		c.logger.Info("No member has an installed topology, starting fresh")
		return
	}

	base := best.topology
	c.rebalanceID = base.RebalanceID
	recovered, err := model.NewCacheTopology(maxID, base.RebalanceID, base.Phase, base.CurrentCH, base.PendingCH, base.Members)
	if err != nil {
		c.logger.Error("Failed to rebuild recovered topology", zap.Error(err))
		c.topology = nil
		return
	}
	c.topology = recovered

	c.logger.Info("Recovered cluster status",
		zap.Int("max_topology_id", maxID),
		zap.Int("base_topology_id", base.ID),
		zap.Int("partitions", len(partitions)),
		zap.Int("base_partition_size", best.size),
		zap.Bool("rebalancing_enabled", enabled))
}

// activeMembers are the view members that were not excluded for failing to confirm
func (c *Coordinator) activeMembers() []model.Address {
	out := make([]model.Address, 0, len(c.view.Members))
	for _, m := range c.view.Members {
		if !c.excluded[m] {
			out = append(out, m)
		}
	}
	return out
}

// updateTopology computes and issues the next topology after a change of
// membership, exclusion or configuration. With force set, a topology is
// issued even when ownership is unchanged.
func (c *Coordinator) updateTopology(force bool) {
	members := c.activeMembers()
	if len(members) == 0 {
		return
	}

	if c.topology == nil {
		ch, err := c.factory.Create(members)
		if err != nil {
			c.logger.Error("Failed to create initial consistent hash", zap.Error(err))
			return
		}
		c.issue(0, model.PhaseNoRebalance, ch, nil)
		return
	}

	rebalancing := c.topology.Phase.IsRebalance()
	if rebalancing {
		c.restarts++
		c.metrics.RestartsTotal.Inc()
	}

	base, err := c.factory.UpdateMembers(c.restartBase(), members)
	if err != nil {
		c.logger.Error("Failed to prune consistent hash", zap.Error(err))
		return
	}

	if rebalancing {
		if limit := c.cfg.MaxRebalanceRestarts; limit > 0 && c.restarts > limit {
			c.metrics.AbandonedTotal.Inc()
			c.logger.Error("Rebalance restarted too often, abandoning it",
				zap.Int("rebalance_id", c.rebalanceID),
				zap.Int("restarts", c.restarts),
				zap.Int("limit", limit))
			c.restarts = 0
			c.issue(c.rebalanceID, model.PhaseNoRebalance, base, nil)
			return
		}
	}

	if !c.rebalancingEnabled.Load() {
		if rebalancing || force || !base.Equal(c.topology.CurrentCH) || !model.SameMembers(members, c.topology.Members) {
			c.logger.Info("Rebalancing disabled, updating membership only",
				zap.Int("members", len(members)))
			c.issue(c.rebalanceID, model.PhaseNoRebalance, base, nil)
		}
		return
	}

	pending, err := c.factory.Rebalance(base, members)
	if err != nil {
		c.logger.Error("Failed to compute pending consistent hash", zap.Error(err))
		return
	}

	if pending.Equal(base) {
		if rebalancing || force || !base.Equal(c.topology.CurrentCH) || !model.SameMembers(members, c.topology.Members) {
			c.restarts = 0
			c.issue(c.rebalanceID, model.PhaseNoRebalance, base, nil)
		}
		return
	}

	if !rebalancing {
		c.rebalanceID++
		c.restarts = 0
		c.metrics.RebalancesTotal.Inc()
		c.logger.Info("Starting rebalance",
			zap.Int("rebalance_id", c.rebalanceID),
			zap.Int("members", len(members)),
			zap.Int("moving_segments", algorithm.Diff(base, pending).MovedSegments().Len()))
	} else {
		c.logger.Info("Restarting rebalance",
			zap.Int("rebalance_id", c.rebalanceID),
			zap.Int("restarts", c.restarts),
			zap.Int("moving_segments", algorithm.Diff(base, pending).MovedSegments().Len()))
	}
	c.issue(c.rebalanceID, model.PhaseReadOldWriteAll, base, pending)
}

// restartBase is the hash a new rebalance starts from. Once the read-all phase
// began the pending owners hold every segment and old owners may have evicted.
func (c *Coordinator) restartBase() *model.ConsistentHash {
	switch c.topology.Phase {
	case model.PhaseReadAllWriteAll, model.PhaseReadNewWriteAll:
		return c.topology.PendingCH
	default:
		return c.topology.CurrentCH
	}
}

// issue builds the next topology, broadcasts it and arms confirmation tracking
func (c *Coordinator) issue(rebalanceID int, phase model.Phase, current, pending *model.ConsistentHash) {
	id := 1
	if c.topology != nil {
		id = c.topology.ID + 1
	}

	members := c.activeMembers()
	topo, err := model.NewCacheTopology(id, rebalanceID, phase, current, pending, members)
	if err != nil {
		c.logger.Error("Failed to build topology", zap.Int("topology_id", id), zap.Error(err))
		return
	}

	if c.topology != nil && !c.phaseStarted.IsZero() && c.topology.Phase.IsRebalance() {
		c.metrics.PhaseDuration.WithLabelValues(c.topology.Phase.String()).Observe(time.Since(c.phaseStarted).Seconds())
	}
	c.topology = topo
	c.phaseStarted = time.Now()
	c.metrics.TopologyID.Set(float64(topo.ID))
	c.metrics.RebalancePhase.Set(float64(topo.Phase))

	c.stopAckTimer()
	c.confirmations = make(map[model.Address]bool)
	if phase.IsRebalance() {
		for _, m := range topo.Members {
			c.confirmations[m] = true
		}
		topologyID := topo.ID
		c.ackTimer = time.AfterFunc(c.cfg.AckTimeout, func() {
			c.submit(func() { c.handleAckTimeout(topologyID) })
		})
	}

	update := &transport.TopologyUpdate{
		Sender:             c.cfg.Self,
		ViewID:             c.view.ID,
		PreviousTopologyID: c.lastBroadcastID,
		Topology:           topo.Spec(),
	}
	c.lastBroadcastID = topo.ID

	c.logger.Info("Issuing topology",
		zap.Int("topology_id", topo.ID),
		zap.Int("rebalance_id", rebalanceID),
		zap.String("phase", phase.String()),
		zap.Int("members", len(topo.Members)))

	select {
	case c.broadcasts <- broadcast{update: update, targets: append([]model.Address(nil), c.view.Members...)}:
	case <-c.stopCh:
	}
}

func (c *Coordinator) stopAckTimer() {
	if c.ackTimer != nil {
		c.ackTimer.Stop()
		c.ackTimer = nil
	}
}

// ConfirmPhase records a member's confirmation of the current phase. The
// phase advances once every member of the topology confirmed.
func (c *Coordinator) ConfirmPhase(ctx context.Context, confirm *transport.PhaseConfirm) error {
	return c.call(ctx, func() error { return c.handleConfirm(confirm) })
}

func (c *Coordinator) handleConfirm(confirm *transport.PhaseConfirm) error {
	if !c.isCoordinator.Load() {
		return errors.NotCoordinator(string(c.view.Coordinator()))
	}
	if c.topology == nil || confirm.TopologyID != c.topology.ID {
		current := NoTopology
		if c.topology != nil {
			current = c.topology.ID
		}
		c.metrics.StaleTopologyMsgs.WithLabelValues("confirm").Inc()
		c.logger.Debug("Ignoring confirmation for another topology",
			zap.String("sender", string(confirm.Sender)),
			zap.Int("topology_id", confirm.TopologyID),
			zap.Int("current_topology_id", current))
		return errors.StaleTopology(confirm.TopologyID, current)
	}
	if !c.confirmations[confirm.Sender] {
		return nil
	}

	delete(c.confirmations, confirm.Sender)
	c.logger.Debug("Phase confirmed",
		zap.String("sender", string(confirm.Sender)),
		zap.Int("topology_id", confirm.TopologyID),
		zap.String("phase", c.topology.Phase.String()),
		zap.Int("remaining", len(c.confirmations)))

	if len(c.confirmations) == 0 {
		c.advancePhase()
	}
	return nil
}

func (c *Coordinator) advancePhase() {
	topo := c.topology
	switch topo.Phase {
	case model.PhaseReadOldWriteAll, model.PhaseReadAllWriteAll:
		c.issue(topo.RebalanceID, topo.Phase.Next(), topo.CurrentCH, topo.PendingCH)
	case model.PhaseReadNewWriteAll:
		c.restarts = 0
		c.logger.Info("Rebalance finished",
			zap.Int("rebalance_id", topo.RebalanceID),
			zap.Int("topology_id", topo.ID+1))
		c.issue(topo.RebalanceID, model.PhaseNoRebalance, topo.PendingCH, nil)
	}
}

func (c *Coordinator) handleAckTimeout(topologyID int) {
	if c.topology == nil || c.topology.ID != topologyID || len(c.confirmations) == 0 {
		return
	}

	var silent []model.Address
	for m := range c.confirmations {
		if m == c.cfg.Self {
			continue
		}
		silent = append(silent, m)
		c.excluded[m] = true
	}
	sort.Slice(silent, func(i, j int) bool { return silent[i] < silent[j] })
	c.metrics.ConfirmTimeouts.Add(float64(len(c.confirmations)))

	for _, m := range silent {
		err := errors.TransferTimeout(string(m), topologyID, c.cfg.AckTimeout)
		c.logger.Warn("Member did not confirm phase in time, excluding it", zap.Error(err))
	}
	c.updateTopology(true)
}

// SetRebalancingEnabled switches rebalancing on or off. Enabling it starts a
// rebalance when the membership changed while it was off.
func (c *Coordinator) SetRebalancingEnabled(ctx context.Context, enabled bool) error {
	return c.call(ctx, func() error {
		if !c.isCoordinator.Load() {
			return errors.NotCoordinator(string(c.view.Coordinator()))
		}
		previous := c.rebalancingEnabled.Swap(enabled)
		c.logger.Info("Rebalancing switched", zap.Bool("enabled", enabled))
		if enabled && !previous && c.topology != nil && !c.topology.Phase.IsRebalance() {
			c.updateTopology(false)
		}
		return nil
	})
}

// TriggerRebalance starts a rebalance if ownership differs from the balanced
// placement for the current members. It is a no-op while a rebalance runs.
func (c *Coordinator) TriggerRebalance(ctx context.Context) error {
	return c.call(ctx, func() error {
		if !c.isCoordinator.Load() {
			return errors.NotCoordinator(string(c.view.Coordinator()))
		}
		if !c.rebalancingEnabled.Load() {
			return errors.InvalidArgument("rebalancing is disabled", nil)
		}
		if c.topology != nil && c.topology.Phase.IsRebalance() {
			return nil
		}
		c.restarts = 0
		c.updateTopology(false)
		return nil
	})
}

// Status returns a snapshot of the coordinator state
func (c *Coordinator) Status(ctx context.Context) (CoordinatorStatus, error) {
	var status CoordinatorStatus
	err := c.call(ctx, func() error {
		status = CoordinatorStatus{
			IsCoordinator:      c.isCoordinator.Load(),
			Coordinator:        c.view.Coordinator(),
			ViewID:             c.view.ID,
			Members:            append([]model.Address(nil), c.view.Members...),
			RebalancingEnabled: c.rebalancingEnabled.Load(),
			Restarts:           c.restarts,
		}
		if c.topology != nil {
			status.Topology = c.topology.Spec()
			status.RebalanceInProgress = c.topology.Phase.IsRebalance()
			if c.topology.PendingCH != nil {
				status.MovingSegments = algorithm.Diff(c.topology.CurrentCH, c.topology.PendingCH).MovedSegments().Len()
			}
		}
		for m := range c.confirmations {
			status.PendingConfirmations = append(status.PendingConfirmations, m)
		}
		for m := range c.excluded {
			status.Excluded = append(status.Excluded, m)
		}
		status.PendingConfirmations = model.SortAddresses(status.PendingConfirmations)
		status.Excluded = model.SortAddresses(status.Excluded)
		return nil
	})
	return status, err
}

func (c *Coordinator) broadcastLoop() {
	defer c.wg.Done()
	// Last topology id each member acknowledged. Owned by this goroutine.
	installed := make(map[model.Address]int)
	for {
		select {
		case b := <-c.broadcasts:
			c.send(b, installed)
		case <-c.stopCh:
			return
		}
	}
}

// send installs one topology on every target in parallel and waits for all of
// them before the next broadcast goes out. A target that did not acknowledge
// the previous broadcast gets the update without a previous id, so a single
// lost install does not leave it rejecting every later topology.
func (c *Coordinator) send(b broadcast, installed map[model.Address]int) {
	acked := make([]bool, len(b.targets))
	var g errgroup.Group
	for i, target := range b.targets {
		update := b.update
		if last, ok := installed[target]; update.PreviousTopologyID != NoTopology && (!ok || last != update.PreviousTopologyID) {
			resync := *update
			resync.PreviousTopologyID = NoTopology
			update = &resync
			c.logger.Debug("Member missed a topology, sending it without a previous id",
				zap.String("member", string(target)),
				zap.Int("topology_id", update.Topology.ID),
				zap.Int("previous_topology_id", b.update.PreviousTopologyID))
		}
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RPCTimeout)
			defer cancel()
			if err := c.client.InstallTopology(ctx, target, update); err != nil {
				c.logger.Warn("Failed to install topology on member",
					zap.String("member", string(target)),
					zap.Int("topology_id", update.Topology.ID),
					zap.Error(err))
				return fmt.Errorf("install on %s: %w", target, err)
			}
			acked[i] = true
			return nil
		})
	}
	err := g.Wait()
	for i, target := range b.targets {
		if acked[i] {
			installed[target] = b.update.Topology.ID
		} else {
			delete(installed, target)
		}
	}
	if err != nil {
		c.logger.Debug("Topology broadcast incomplete",
			zap.Int("topology_id", b.update.Topology.ID),
			zap.Error(err))
	}
}
