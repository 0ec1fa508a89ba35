package transfer

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/statetransfer/internal/errors"
	"github.com/devrev/pairdb/statetransfer/internal/metrics"
	"github.com/devrev/pairdb/statetransfer/internal/model"
	"github.com/devrev/pairdb/statetransfer/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DataSource yields the entries of a set of segments followed by one completion
// marker per segment, even for segments without entries.
type DataSource interface {
	Publish(ctx context.Context, segments []int, emit func(model.Notification) error) error
}

// TaskConfig describes a single outbound transfer
type TaskConfig struct {
	ID          string
	Self        model.Address
	Destination model.Address
	TopologyID  int
	Segments    []int
	ChunkSize   int
	Source      DataSource
	Client      transport.Client
	// Limiter paces pushes. Nil means unlimited.
	Limiter *rate.Limiter
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// OutboundTransferTask streams the entries of the requested segments to one
// destination in batches of at most ChunkSize notifications. Entries and
// completion markers both count towards a batch.
type OutboundTransferTask struct {
	id          string
	self        model.Address
	destination model.Address
	topologyID  int
	chunkSize   int
	source      DataSource
	client      transport.Client
	limiter     *rate.Limiter
	logger      *zap.Logger
	metrics     *metrics.Metrics
	createdAt   time.Time

	mu        sync.Mutex
	requested []int
	remaining model.SegmentSet
	cancelled bool
	cancel    context.CancelFunc

	batchesSent int
	entriesSent int
}

// NewOutboundTransferTask creates a task. It does nothing until Run is called.
func NewOutboundTransferTask(cfg TaskConfig) *OutboundTransferTask {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1
	}
	requested := model.NewSegmentSet(cfg.Segments...).Sorted()
	return &OutboundTransferTask{
		id:          cfg.ID,
		self:        cfg.Self,
		destination: cfg.Destination,
		topologyID:  cfg.TopologyID,
		chunkSize:   cfg.ChunkSize,
		source:      cfg.Source,
		client:      cfg.Client,
		limiter:     cfg.Limiter,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		createdAt:   time.Now(),
		requested:   requested,
		remaining:   model.NewSegmentSet(requested...),
	}
}

func (t *OutboundTransferTask) ID() string                 { return t.id }
func (t *OutboundTransferTask) Destination() model.Address { return t.destination }
func (t *OutboundTransferTask) TopologyID() int            { return t.topologyID }
func (t *OutboundTransferTask) CreatedAt() time.Time       { return t.createdAt }

// Segments returns the segments not yet cancelled
func (t *OutboundTransferTask) Segments() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining.Sorted()
}

// Run streams the segments. It returns nil once every requested segment has
// sent its completion marker, or the first push error. Failed pushes are not
// retried.
func (t *OutboundTransferTask) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return errors.Cancelled(fmt.Sprintf("outbound transfer %s cancelled", t.id))
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()
	defer cancel()

	t.metrics.OutboundTasksActive.Inc()
	defer t.metrics.OutboundTasksActive.Dec()

	t.logger.Debug("Starting outbound transfer",
		zap.String("task_id", t.id),
		zap.String("destination", string(t.destination)),
		zap.Int("topology_id", t.topologyID),
		zap.Ints("segments", t.requested))

	batch := make([]model.Notification, 0, t.chunkSize)
	emit := func(n model.Notification) error {
		if !t.isRequested(n.Segment) {
			return nil
		}
		batch = append(batch, n)
		if len(batch) < t.chunkSize {
			return nil
		}
		err := t.send(ctx, batch)
		batch = batch[:0]
		return err
	}

	err := t.source.Publish(ctx, t.requested, emit)
	if err == nil && len(batch) > 0 {
		err = t.send(ctx, batch)
	}

	if err != nil {
		if t.isCancelled() {
			return errors.Cancelled(fmt.Sprintf("outbound transfer %s cancelled", t.id))
		}
		t.metrics.TransferFailuresTotal.WithLabelValues("outbound", reason(err)).Inc()
		t.logger.Error("Outbound transfer failed",
			zap.String("task_id", t.id),
			zap.String("destination", string(t.destination)),
			zap.Int("topology_id", t.topologyID),
			zap.Error(err))
		return err
	}

	t.logger.Debug("Outbound transfer completed",
		zap.String("task_id", t.id),
		zap.String("destination", string(t.destination)),
		zap.Int("batches", t.batchesSent),
		zap.Int("entries", t.entriesSent))
	return nil
}

// send pushes one batch as a single RPC. Notifications are grouped into one
// chunk per segment, in order of first appearance.
func (t *OutboundTransferTask) send(ctx context.Context, batch []model.Notification) error {
	chunks := make([]model.StateChunk, 0)
	index := make(map[int]int)
	entries := 0

	for _, n := range batch {
		if !t.isRequested(n.Segment) {
			continue
		}
		i, ok := index[n.Segment]
		if !ok {
			i = len(chunks)
			index[n.Segment] = i
			chunks = append(chunks, model.StateChunk{Segment: n.Segment})
		}
		if n.Complete {
			chunks[i].IsLastChunk = true
			continue
		}
		if n.Entry != nil {
			chunks[i].Entries = append(chunks[i].Entries, *n.Entry)
			entries++
		}
	}
	if len(chunks) == 0 {
		return nil
	}

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	push := &transport.StatePush{
		Sender:     t.self,
		TopologyID: t.topologyID,
		Chunks:     chunks,
	}
	if err := t.client.PushState(ctx, t.destination, push); err != nil {
		return err
	}

	t.batchesSent++
	t.entriesSent += entries
	t.metrics.BatchesSentTotal.Inc()
	t.metrics.ChunksSentTotal.Add(float64(len(chunks)))
	t.metrics.EntriesSentTotal.Add(float64(entries))

	t.logger.Debug("Sent state batch",
		zap.String("task_id", t.id),
		zap.String("destination", string(t.destination)),
		zap.Int("chunks", len(chunks)),
		zap.Int("entries", entries))
	return nil
}

// CancelSegments stops sending the given segments. Returns true when no
// segment is left, in which case the whole task is cancelled.
func (t *OutboundTransferTask) CancelSegments(segments []int) bool {
	t.mu.Lock()
	for _, s := range segments {
		t.remaining.Remove(s)
	}
	empty := t.remaining.Len() == 0
	t.mu.Unlock()

	if empty {
		t.Cancel()
	}
	return empty
}

// Cancel stops the task. Batches already pushed are not rolled back.
func (t *OutboundTransferTask) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancelled {
		return
	}
	t.cancelled = true
	if t.cancel != nil {
		t.cancel()
	}
	t.logger.Debug("Cancelled outbound transfer",
		zap.String("task_id", t.id),
		zap.String("destination", string(t.destination)),
		zap.Int("topology_id", t.topologyID))
}

func (t *OutboundTransferTask) isRequested(segment int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining.Contains(segment)
}

func (t *OutboundTransferTask) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func reason(err error) string {
	switch errors.GetCode(err) {
	case errors.ErrCodeTransferTimeout:
		return "timeout"
	case errors.ErrCodeStaleTopology:
		return "stale_topology"
	case errors.ErrCodeTransportFailure:
		return "transport"
	case errors.ErrCodeCancelled:
		return "cancelled"
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "other"
}
