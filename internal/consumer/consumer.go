package consumer

import (
	"context"
	"fmt"
	"sort"
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
	"golang.org/x/sync/errgroup"
)

// Store is the local data container state is applied to
type Store interface {
	Put(entry model.Entry) bool
	RemoveSegments(segments model.SegmentSet) int
}

// TransactionApplier installs transactions received from previous owners
type TransactionApplier interface {
	ApplyTransactions(sender model.Address, topologyID int, infos []model.TransactionInfo)
}

// Config holds state consumer settings
type Config struct {
	Self        model.Address
	NumSegments int
	// Timeout bounds a single inbound transfer. An expired transfer is
	// re-requested from another owner.
	Timeout      time.Duration
	ApplyWorkers int
}

// inboundTransfer is a set of segments requested from one source under one topology
type inboundTransfer struct {
	source     model.Address
	topologyID int
	segments   model.SegmentSet
	timer      *time.Timer
}

type applyScope struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// TransferInfo describes an inbound transfer that has not completed
type TransferInfo struct {
	Source     model.Address `json:"source"`
	TopologyID int           `json:"topology_id"`
	Segments   []int         `json:"segments"`
}

// Status is a snapshot of the consumer for the admin surface
type Status struct {
	TopologyID          int            `json:"topology_id"`
	InProgress          bool           `json:"in_progress"`
	PendingSegments     []int          `json:"pending_segments"`
	TransactionSegments int            `json:"transaction_segments"`
	Transfers           []TransferInfo `json:"transfers"`
}

// StateConsumer requests the segments this node gains during a rebalance and
// applies the chunks previous owners push to it.
type StateConsumer struct {
	cfg     Config
	store   Store
	txs     TransactionApplier
	client  transport.Client
	lock    *transferlock.StateTransferLock
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	topology   *model.CacheTopology
	pending    model.SegmentSet
	transfers  map[int]*inboundTransfer
	txSegments model.SegmentSet
	received   model.SegmentSet
	faulty     map[model.Address]bool
	round      *future.Future[struct{}]
	roundID    int
	roundCtx   context.Context
	cancelRnd  context.CancelFunc
	applying   map[int]*applyScope
	stopped    bool
}

// New creates a consumer with no installed topology
func New(
	cfg Config,
	store Store,
	txs TransactionApplier,
	client transport.Client,
	lock *transferlock.StateTransferLock,
	logger *zap.Logger,
	m *metrics.Metrics,
) *StateConsumer {
	if cfg.ApplyWorkers <= 0 {
		cfg.ApplyWorkers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &StateConsumer{
		cfg:        cfg,
		store:      store,
		txs:        txs,
		client:     client,
		lock:       lock,
		logger:     logger,
		metrics:    m,
		pending:    model.NewSegmentSet(),
		transfers:  make(map[int]*inboundTransfer),
		txSegments: model.NewSegmentSet(),
		received:   model.NewSegmentSet(),
		faulty:     make(map[model.Address]bool),
		round:      future.Completed(struct{}{}),
		roundID:    transferlock.NoTopology,
		roundCtx:   ctx,
		cancelRnd:  cancel,
		applying:   make(map[int]*applyScope),
	}
}

// OnTopologyUpdate installs topology and returns a future that completes when
// every segment this node must receive for it has arrived. It completes
// immediately when nothing is to be received.
func (c *StateConsumer) OnTopologyUpdate(topology *model.CacheTopology, isRebalance bool) *future.Future[struct{}] {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return future.Failed[struct{}](errors.Cancelled("state consumer stopped"))
	}
	if c.topology != nil && topology.ID <= c.topology.ID {
		c.mu.Unlock()
		return future.Failed[struct{}](errors.StaleTopology(topology.ID, c.topology.ID))
	}

	previous := c.topology
	c.topology = topology
	self := c.cfg.Self

	var previousWrite model.SegmentSet
	if previous != nil {
		previousWrite = previous.WriteCH().SegmentsForOwner(self)
	}
	write := topology.WriteCH().SegmentsForOwner(self)
	read := topology.ReadCH().SegmentsForOwner(self)

	c.stopApplyingLocked(topology.ID - 1)

	// Segments writable under the previous topology but not under this one are
	// no longer ours, including those a merged topology assigned elsewhere.
	discard := model.NewSegmentSet()
	if previousWrite != nil {
		discard = previousWrite.Difference(write)
	}
	if topology.Phase == model.PhaseReadNewWriteAll {
		for seg := range topology.UnionCH.SegmentsForOwner(self).Difference(topology.PendingCH.SegmentsForOwner(self)) {
			discard.Add(seg)
		}
	}

	var cancelled []*inboundTransfer
	var added model.SegmentSet
	startRound := isRebalance && topology.Phase == model.PhaseReadOldWriteAll

	if startRound || !topology.Phase.IsRebalance() {
		cancelled = c.resetRoundLocked(topology.ID)
	}

	if startRound {
		if previous != nil && previous.Phase.IsRebalance() {
			c.received = c.received.Intersect(write)
		} else {
			c.received = model.NewSegmentSet()
			c.faulty = make(map[model.Address]bool)
		}
		added = write.Difference(read).Difference(c.received)
		for seg := range added {
			c.pending.Add(seg)
		}
	} else if !topology.Phase.IsRebalance() {
		c.received = model.NewSegmentSet()
		c.faulty = make(map[model.Address]bool)
	}

	round := c.round
	if c.pending.Len() == 0 {
		round.Complete(struct{}{})
	}
	roundCtx := c.roundCtx
	c.mu.Unlock()

	c.cancelTransfers(cancelled)

	if discard.Len() > 0 {
		removed := c.store.RemoveSegments(discard)
		c.logger.Info("Discarded segments no longer owned",
			zap.Int("topology_id", topology.ID),
			zap.Ints("segments", discard.Sorted()),
			zap.Int("entries", removed))
	}

	if added.Len() == 0 {
		c.lock.NotifyTransactionDataReceived(topology.ID)
		return round
	}

	c.logger.Info("Requesting segments",
		zap.Int("topology_id", topology.ID),
		zap.Int("rebalance_id", topology.RebalanceID),
		zap.Ints("segments", added.Sorted()))

	go c.requestSegments(roundCtx, topology, added)
	return round
}

// resetRoundLocked drops every transfer of the previous round, fails its
// future and starts an empty round for topologyID.
func (c *StateConsumer) resetRoundLocked(topologyID int) []*inboundTransfer {
	seen := make(map[*inboundTransfer]bool)
	var cancelled []*inboundTransfer
	for _, tr := range c.transfers {
		if !seen[tr] {
			seen[tr] = true
			cancelled = append(cancelled, tr)
		}
	}

	c.cancelRnd()
	c.round.Fail(errors.StaleTopology(c.roundID, topologyID))

	ctx, cancel := context.WithCancel(context.Background())
	c.roundCtx = ctx
	c.cancelRnd = cancel
	c.round = future.New[struct{}]()
	c.roundID = topologyID
	c.pending = model.NewSegmentSet()
	c.transfers = make(map[int]*inboundTransfer)
	c.txSegments = model.NewSegmentSet()
	return cancelled
}

func (c *StateConsumer) cancelTransfers(transfers []*inboundTransfer) {
	for _, tr := range transfers {
		tr.timer.Stop()
		c.metrics.InboundTransfersInflight.Dec()
		segments := tr.segments.Sorted()
		go func(tr *inboundTransfer) {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
			defer cancel()
			err := c.client.CancelStateTransfer(ctx, tr.source, &transport.StateRequest{
				Sender:     c.cfg.Self,
				TopologyID: tr.topologyID,
				Segments:   segments,
			})
			if err != nil {
				c.logger.Debug("Failed to cancel inbound transfer at source",
					zap.String("source", string(tr.source)),
					zap.Int("topology_id", tr.topologyID),
					zap.Error(err))
			}
		}(tr)
		c.logger.Info("Cancelled inbound transfer",
			zap.String("source", string(tr.source)),
			zap.Int("topology_id", tr.topologyID),
			zap.Ints("segments", segments))
	}
}

// requestSegments fetches transactions and then data for segments, falling
// back to other owners when a source fails.
func (c *StateConsumer) requestSegments(ctx context.Context, topology *model.CacheTopology, segments model.SegmentSet) {
	c.fetchTransactions(ctx, topology, segments)
	if ctx.Err() != nil {
		return
	}
	c.lock.NotifyTransactionDataReceived(topology.ID)
	c.startTransfers(ctx, topology, segments)
}

func (c *StateConsumer) fetchTransactions(ctx context.Context, topology *model.CacheTopology, segments model.SegmentSet) {
	remaining := segments.Clone()

	c.mu.Lock()
	for seg := range remaining {
		c.txSegments.Add(seg)
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.roundID == topology.ID {
			for seg := range segments {
				c.txSegments.Remove(seg)
			}
		}
		c.mu.Unlock()
	}()

	// A source that fails to list transactions may still serve data, so its
	// failure only counts for this stage.
	failed := make(map[model.Address]bool)
	for remaining.Len() > 0 && ctx.Err() == nil {
		bySource := c.assignTransactionSources(topology, remaining, failed)
		if len(bySource) == 0 {
			return
		}
		for source, segs := range bySource {
			reply, err := c.client.GetTransactions(ctx, source, &transport.StateRequest{
				Sender:     c.cfg.Self,
				TopologyID: topology.ID,
				Segments:   segs.Sorted(),
			})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				failed[source] = true
				c.reportSourceFailure(source, "transactions", err)
				continue
			}
			c.txs.ApplyTransactions(source, topology.ID, reply.Transactions)
			for seg := range segs {
				remaining.Remove(seg)
			}
		}
	}
}

func (c *StateConsumer) startTransfers(ctx context.Context, topology *model.CacheTopology, segments model.SegmentSet) {
	remaining := segments.Clone()

	for remaining.Len() > 0 && ctx.Err() == nil {
		bySource := c.assignSources(topology, remaining)
		if len(bySource) == 0 {
			return
		}
		for source, segs := range bySource {
			tr := &inboundTransfer{
				source:     source,
				topologyID: topology.ID,
				segments:   segs.Clone(),
			}
			if !c.register(tr) {
				return
			}

			err := c.client.StartStateTransfer(ctx, source, &transport.StateRequest{
				Sender:     c.cfg.Self,
				TopologyID: topology.ID,
				Segments:   segs.Sorted(),
			})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.unregister(tr)
				c.markFaulty(source, "state", err)
				continue
			}
			for seg := range segs {
				remaining.Remove(seg)
			}
		}
	}
}

// assignTransactionSources picks a source for the transactions of every
// pending segment. Segments no source is left for are dropped from segments
// and stay pending, so their data is still requested.
func (c *StateConsumer) assignTransactionSources(topology *model.CacheTopology, segments model.SegmentSet, failed map[model.Address]bool) map[model.Address]model.SegmentSet {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.roundID != topology.ID {
		return nil
	}

	readCH := topology.ReadCH()
	bySource := make(map[model.Address]model.SegmentSet)
	for _, seg := range segments.Sorted() {
		if !c.pending.Contains(seg) {
			segments.Remove(seg)
			continue
		}
		source := c.pickSourceLocked(readCH.OwnersForSegment(seg), failed)
		if source == "" {
			c.logger.Warn("No live owner to fetch transactions from, requesting data without them",
				zap.Int("segment", seg),
				zap.Int("topology_id", topology.ID))
			c.metrics.TransferFailuresTotal.WithLabelValues("inbound", "no_transaction_source").Inc()
			segments.Remove(seg)
			continue
		}
		addSegment(bySource, source, seg)
	}
	return bySource
}

// assignSources picks a source for the data of every pending segment, walking
// the read owners from the last towards the primary and skipping self and
// faulty members. Segments without a live source are given up and their data
// is skipped.
func (c *StateConsumer) assignSources(topology *model.CacheTopology, segments model.SegmentSet) map[model.Address]model.SegmentSet {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.roundID != topology.ID {
		return nil
	}

	readCH := topology.ReadCH()
	bySource := make(map[model.Address]model.SegmentSet)
	for _, seg := range segments.Sorted() {
		if !c.pending.Contains(seg) {
			segments.Remove(seg)
			continue
		}
		source := c.pickSourceLocked(readCH.OwnersForSegment(seg), c.faulty)
		if source == "" {
			c.logger.Error("No live owner to transfer segment from, skipping its data",
				zap.Int("segment", seg),
				zap.Int("topology_id", topology.ID))
			c.metrics.TransferFailuresTotal.WithLabelValues("inbound", "no_source").Inc()
			segments.Remove(seg)
			c.segmentDoneLocked(seg)
			continue
		}
		addSegment(bySource, source, seg)
	}
	return bySource
}

func addSegment(bySource map[model.Address]model.SegmentSet, source model.Address, seg int) {
	if bySource[source] == nil {
		bySource[source] = model.NewSegmentSet()
	}
	bySource[source].Add(seg)
}

func (c *StateConsumer) pickSourceLocked(owners []model.Address, skip map[model.Address]bool) model.Address {
	for i := len(owners) - 1; i >= 0; i-- {
		owner := owners[i]
		if owner == c.cfg.Self || skip[owner] {
			continue
		}
		return owner
	}
	return ""
}

func (c *StateConsumer) markFaulty(source model.Address, stage string, err error) {
	c.mu.Lock()
	c.faulty[source] = true
	c.mu.Unlock()
	c.reportSourceFailure(source, stage, err)
}

func (c *StateConsumer) reportSourceFailure(source model.Address, stage string, err error) {
	c.metrics.TransferFailuresTotal.WithLabelValues("inbound", stage).Inc()
	c.logger.Warn("State source failed, retrying from another owner",
		zap.String("source", string(source)),
		zap.String("stage", stage),
		zap.Error(err))
}

func (c *StateConsumer) register(tr *inboundTransfer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.roundID != tr.topologyID || c.stopped {
		return false
	}
	for seg := range tr.segments {
		c.transfers[seg] = tr
	}
	tr.timer = time.AfterFunc(c.cfg.Timeout, func() { c.onTransferTimeout(tr) })
	c.metrics.InboundTransfersInflight.Inc()
	return true
}

func (c *StateConsumer) unregister(tr *inboundTransfer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tr.timer.Stop()
	removed := false
	for seg := range tr.segments {
		if c.transfers[seg] == tr {
			delete(c.transfers, seg)
			removed = true
		}
	}
	if removed {
		c.metrics.InboundTransfersInflight.Dec()
	}
}

// onTransferTimeout re-requests the unfinished segments of an expired transfer
// from another owner.
func (c *StateConsumer) onTransferTimeout(tr *inboundTransfer) {
	c.mu.Lock()
	if c.roundID != tr.topologyID || c.stopped {
		c.mu.Unlock()
		return
	}
	retry := model.NewSegmentSet()
	for seg := range tr.segments {
		if c.transfers[seg] == tr {
			delete(c.transfers, seg)
			retry.Add(seg)
		}
	}
	topology := c.topology
	ctx := c.roundCtx
	c.mu.Unlock()

	if retry.Len() == 0 {
		return
	}
	timeoutErr := errors.TransferTimeout(string(tr.source), tr.topologyID, c.cfg.Timeout)
	c.markFaulty(tr.source, "timeout", timeoutErr)
	c.cancelTransfers([]*inboundTransfer{{source: tr.source, topologyID: tr.topologyID, segments: retry, timer: tr.timer}})

	if topology != nil && topology.ID == tr.topologyID {
		go c.startTransfers(ctx, topology, retry)
	}
}

// ApplyState applies pushed chunks. Chunks tagged with a topology older than
// the installed one are ignored. Chunks for segments this node does not write
// are discarded. The returned future resolves once the chunks are applied.
func (c *StateConsumer) ApplyState(ctx context.Context, sender model.Address, topologyID int, chunks []model.StateChunk) *future.Future[struct{}] {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return future.Failed[struct{}](errors.Cancelled("state consumer stopped"))
	}
	if c.topology == nil || topologyID < c.topology.ID {
		installed := transferlock.NoTopology
		if c.topology != nil {
			installed = c.topology.ID
		}
		c.mu.Unlock()
		c.metrics.StaleTopologyMsgs.WithLabelValues("state").Inc()
		c.logger.Warn("Ignoring state from an older topology",
			zap.String("sender", string(sender)),
			zap.Int("topology_id", topologyID),
			zap.Int("installed_topology_id", installed))
		return future.Completed(struct{}{})
	}
	writeCH := c.topology.WriteCH()
	scope := c.applyScopeLocked(topologyID)
	c.mu.Unlock()

	var applied, discarded int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.ApplyWorkers)

	owned := make([]model.StateChunk, 0, len(chunks))
	for _, chunk := range chunks {
		if !writeCH.IsSegmentOwner(c.cfg.Self, chunk.Segment) {
			c.metrics.EntriesDiscardedTotal.WithLabelValues("not_owner").Add(float64(len(chunk.Entries)))
			c.logger.Debug("Discarding state for a segment not owned",
				zap.String("sender", string(sender)),
				zap.Int("segment", chunk.Segment))
			continue
		}
		owned = append(owned, chunk)

		chunk := chunk
		g.Go(func() error {
			for _, entry := range chunk.Entries {
				if scope.ctx.Err() != nil || gctx.Err() != nil {
					return errors.Cancelled(fmt.Sprintf("applying state of topology %d cancelled", topologyID))
				}
				if c.store.Put(entry) {
					atomic.AddInt64(&applied, 1)
				} else {
					atomic.AddInt64(&discarded, 1)
				}
			}
			return nil
		})
	}

	err := g.Wait()
	c.metrics.EntriesAppliedTotal.Add(float64(applied))
	c.metrics.EntriesDiscardedTotal.WithLabelValues("older_version").Add(float64(discarded))
	if err != nil {
		c.logger.Warn("Stopped applying state",
			zap.String("sender", string(sender)),
			zap.Int("topology_id", topologyID),
			zap.Error(err))
		return future.Failed[struct{}](err)
	}
	c.metrics.ChunksAppliedTotal.Add(float64(len(owned)))

	c.mu.Lock()
	for _, chunk := range owned {
		if chunk.IsLastChunk {
			c.segmentReceivedLocked(sender, topologyID, chunk.Segment)
		}
	}
	c.mu.Unlock()

	c.logger.Debug("Applied state",
		zap.String("sender", string(sender)),
		zap.Int("topology_id", topologyID),
		zap.Int("chunks", len(owned)),
		zap.Int64("entries", applied))
	return future.Completed(struct{}{})
}

func (c *StateConsumer) segmentReceivedLocked(sender model.Address, topologyID int, segment int) {
	tr, ok := c.transfers[segment]
	if !ok || tr.source != sender || tr.topologyID != topologyID {
		c.logger.Warn("Received unsolicited segment completion",
			zap.String("sender", string(sender)),
			zap.Int("topology_id", topologyID),
			zap.Int("segment", segment))
		return
	}

	delete(c.transfers, segment)
	tr.segments.Remove(segment)
	if tr.segments.Len() == 0 {
		tr.timer.Stop()
		c.metrics.InboundTransfersInflight.Dec()
	}
	c.received.Add(segment)
	c.metrics.SegmentsReceivedTotal.Inc()
	c.segmentDoneLocked(segment)
}

func (c *StateConsumer) segmentDoneLocked(segment int) {
	c.pending.Remove(segment)
	if c.pending.Len() == 0 {
		if c.round.Complete(struct{}{}) {
			c.logger.Info("Finished receiving state", zap.Int("topology_id", c.roundID))
		}
	}
}

func (c *StateConsumer) applyScopeLocked(topologyID int) *applyScope {
	if scope, ok := c.applying[topologyID]; ok {
		return scope
	}
	ctx, cancel := context.WithCancel(context.Background())
	scope := &applyScope{ctx: ctx, cancel: cancel}
	c.applying[topologyID] = scope
	return scope
}

// StopApplyingState cancels state application for topologyID and older
// topologies. Application for newer topologies is not affected.
func (c *StateConsumer) StopApplyingState(topologyID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopApplyingLocked(topologyID)
}

func (c *StateConsumer) stopApplyingLocked(topologyID int) {
	for id, scope := range c.applying {
		if id <= topologyID {
			scope.cancel()
			delete(c.applying, id)
		}
	}
}

// Stop cancels every inbound transfer and any state being applied
func (c *StateConsumer) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.round.Cancel("state consumer stopped")
	cancelled := c.resetRoundLocked(c.roundID)
	c.round.Cancel("state consumer stopped")
	for id, scope := range c.applying {
		scope.cancel()
		delete(c.applying, id)
	}
	c.mu.Unlock()

	c.cancelTransfers(cancelled)
	c.logger.Info("State consumer stopped")
}

// IsStateTransferInProgress reports whether any requested segment is still missing
func (c *StateConsumer) IsStateTransferInProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Len() > 0
}

// IsStateTransferInProgressForKey reports whether the segment of key is still missing
func (c *StateConsumer) IsStateTransferInProgressForKey(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Contains(model.SegmentOf(key, c.cfg.NumSegments))
}

// InflightRequestCount returns the number of inbound transfers not yet completed
func (c *StateConsumer) InflightRequestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.uniqueTransfersLocked())
}

// InflightTransactionSegmentCount returns the number of segments whose
// transactions are still being fetched
func (c *StateConsumer) InflightTransactionSegmentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txSegments.Len()
}

// Status returns a snapshot of the consumer
func (c *StateConsumer) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := Status{
		TopologyID:          transferlock.NoTopology,
		InProgress:          c.pending.Len() > 0,
		PendingSegments:     c.pending.Sorted(),
		TransactionSegments: c.txSegments.Len(),
	}
	if c.topology != nil {
		status.TopologyID = c.topology.ID
	}
	for _, tr := range c.uniqueTransfersLocked() {
		status.Transfers = append(status.Transfers, TransferInfo{
			Source:     tr.source,
			TopologyID: tr.topologyID,
			Segments:   tr.segments.Sorted(),
		})
	}
	sort.Slice(status.Transfers, func(i, j int) bool {
		return status.Transfers[i].Source < status.Transfers[j].Source
	})
	return status
}

func (c *StateConsumer) uniqueTransfersLocked() []*inboundTransfer {
	seen := make(map[*inboundTransfer]bool)
	var out []*inboundTransfer
	for _, tr := range c.transfers {
		if !seen[tr] {
			seen[tr] = true
			out = append(out, tr)
		}
	}
	return out
}
