package transfer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdb/statetransfer/internal/errors"
	"github.com/devrev/pairdb/statetransfer/internal/metrics"
	"github.com/devrev/pairdb/statetransfer/internal/model"
	"github.com/devrev/pairdb/statetransfer/internal/transferlock"
	"github.com/devrev/pairdb/statetransfer/internal/transport"
	"github.com/devrev/pairdb/statetransfer/internal/util/workerpool"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TransactionSource lists the transactions holding locks in a set of segments
type TransactionSource interface {
	TransactionsForSegments(segmentOf func(string) int, segments model.SegmentSet) []model.TransactionInfo
}

// ProviderConfig holds state provider settings
type ProviderConfig struct {
	Self        model.Address
	NumSegments int
	ChunkSize   int
	// ChunksPerSecond limits pushes per task. Zero means unlimited.
	ChunksPerSecond float64
	Workers         int
	QueueSize       int
}

// TaskInfo describes a running outbound transfer
type TaskInfo struct {
	ID          string        `json:"id"`
	Destination model.Address `json:"destination"`
	TopologyID  int           `json:"topology_id"`
	Segments    []int         `json:"segments"`
	Started     time.Time     `json:"started"`
}

// StateProvider serves state requests from new owners. It runs one
// OutboundTransferTask per request on a bounded worker pool.
type StateProvider struct {
	cfg     ProviderConfig
	source  DataSource
	txs     TransactionSource
	client  transport.Client
	lock    *transferlock.StateTransferLock
	pool    *workerpool.Pool
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu            sync.Mutex
	byDestination map[model.Address][]*OutboundTransferTask
}

// NewStateProvider creates a provider and starts its worker pool
func NewStateProvider(
	cfg ProviderConfig,
	source DataSource,
	txs TransactionSource,
	client transport.Client,
	lock *transferlock.StateTransferLock,
	logger *zap.Logger,
	m *metrics.Metrics,
) *StateProvider {
	return &StateProvider{
		cfg:    cfg,
		source: source,
		txs:    txs,
		client: client,
		lock:   lock,
		pool: workerpool.New(workerpool.Config{
			Name:      "outbound-transfer",
			Workers:   cfg.Workers,
			QueueSize: cfg.QueueSize,
			Logger:    logger,
		}),
		logger:        logger,
		metrics:       m,
		byDestination: make(map[model.Address][]*OutboundTransferTask),
	}
}

// GetTransactions returns the transactions touching the requested segments.
// It waits until the requested topology, or a later one, is installed here.
func (p *StateProvider) GetTransactions(ctx context.Context, req *transport.StateRequest) ([]model.TransactionInfo, error) {
	if !p.lock.TopologyReceived(req.TopologyID) {
		if err := p.lock.WaitForTopology(ctx, req.TopologyID); err != nil && !p.lock.TopologyReceived(req.TopologyID) {
			return nil, err
		}
	}

	segments := model.NewSegmentSet(req.Segments...)
	infos := p.txs.TransactionsForSegments(func(key string) int {
		return model.SegmentOf(key, p.cfg.NumSegments)
	}, segments)

	p.logger.Debug("Serving transactions for segments",
		zap.String("requestor", string(req.Sender)),
		zap.Int("topology_id", req.TopologyID),
		zap.Int("segments", segments.Len()),
		zap.Int("transactions", len(infos)))
	return infos, nil
}

// StartOutboundTransfer starts streaming the requested segments to the sender.
// The request must match the installed topology exactly: a requester ahead of
// us waits, a requester behind us gets a stale topology error.
func (p *StateProvider) StartOutboundTransfer(ctx context.Context, req *transport.StateRequest) error {
	if err := p.lock.WaitForTopology(ctx, req.TopologyID); err != nil {
		return err
	}
	if len(req.Segments) == 0 {
		return errors.InvalidArgument("state request without segments", nil)
	}

	var limiter *rate.Limiter
	if p.cfg.ChunksPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(p.cfg.ChunksPerSecond), 1)
	}

	task := NewOutboundTransferTask(TaskConfig{
		ID:          uuid.NewString(),
		Self:        p.cfg.Self,
		Destination: req.Sender,
		TopologyID:  req.TopologyID,
		Segments:    req.Segments,
		ChunkSize:   p.cfg.ChunkSize,
		Source:      p.source,
		Client:      p.client,
		Limiter:     limiter,
		Logger:      p.logger,
		Metrics:     p.metrics,
	})

	p.mu.Lock()
	p.byDestination[req.Sender] = append(p.byDestination[req.Sender], task)
	p.mu.Unlock()

	err := p.pool.Submit(workerpool.Task{
		ID:         task.ID(),
		TopologyID: task.TopologyID(),
		Fn: func(ctx context.Context) error {
			defer p.remove(task)
			return task.Run(ctx)
		},
	})
	if err != nil {
		p.remove(task)
		return errors.InternalError(fmt.Sprintf("failed to schedule outbound transfer to %s", req.Sender), err)
	}

	p.logger.Info("Started outbound state transfer",
		zap.String("task_id", task.ID()),
		zap.String("destination", string(req.Sender)),
		zap.Int("topology_id", req.TopologyID),
		zap.Int("segments", len(req.Segments)))
	return nil
}

// CancelOutboundTransfer stops sending the given segments to destination for
// topologyID. Tasks left with no segments are cancelled.
func (p *StateProvider) CancelOutboundTransfer(destination model.Address, topologyID int, segments []int) {
	p.mu.Lock()
	tasks := append([]*OutboundTransferTask(nil), p.byDestination[destination]...)
	p.mu.Unlock()

	for _, task := range tasks {
		if task.TopologyID() != topologyID {
			continue
		}
		if task.CancelSegments(segments) {
			p.pool.Cancel(task.ID())
			p.remove(task)
		}
	}

	p.logger.Debug("Cancelled outbound segments",
		zap.String("destination", string(destination)),
		zap.Int("topology_id", topologyID),
		zap.Ints("segments", segments))
}

// OnTopologyUpdate cancels tasks to destinations that are no longer members,
// and every task of an older round once a new rebalance starts or the
// rebalance ends.
func (p *StateProvider) OnTopologyUpdate(topology *model.CacheTopology) {
	members := topology.WriteCH().Members()
	roundOver := topology.Phase == model.PhaseReadOldWriteAll || topology.Phase == model.PhaseNoRebalance

	var cancelled []*OutboundTransferTask
	p.mu.Lock()
	for dest, tasks := range p.byDestination {
		left := !containsAddr(members, dest)
		kept := tasks[:0]
		for _, task := range tasks {
			if left || (roundOver && task.TopologyID() < topology.ID) {
				cancelled = append(cancelled, task)
				continue
			}
			kept = append(kept, task)
		}
		if len(kept) == 0 {
			delete(p.byDestination, dest)
		} else {
			p.byDestination[dest] = kept
		}
	}
	p.mu.Unlock()

	if roundOver {
		if n := p.pool.CancelOlderThan(topology.ID); n > 0 {
			p.logger.Debug("Cancelled pooled transfers of older topologies",
				zap.Int("count", n),
				zap.Int("topology_id", topology.ID))
		}
	}
	for _, task := range cancelled {
		task.Cancel()
		if !roundOver || task.TopologyID() >= topology.ID {
			p.pool.Cancel(task.ID())
		}
		p.logger.Info("Cancelled stale outbound transfer",
			zap.String("task_id", task.ID()),
			zap.String("destination", string(task.Destination())),
			zap.Int("task_topology_id", task.TopologyID()),
			zap.Int("topology_id", topology.ID))
	}
}

// Tasks returns the running outbound transfers ordered by start time
func (p *StateProvider) Tasks() []TaskInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []TaskInfo
	for _, tasks := range p.byDestination {
		for _, task := range tasks {
			out = append(out, TaskInfo{
				ID:          task.ID(),
				Destination: task.Destination(),
				TopologyID:  task.TopologyID(),
				Segments:    task.Segments(),
				Started:     task.CreatedAt(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// ActiveTaskCount returns the number of outbound transfers not yet finished
func (p *StateProvider) ActiveTaskCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, tasks := range p.byDestination {
		n += len(tasks)
	}
	return n
}

// PoolStats returns the statistics of the outbound worker pool
func (p *StateProvider) PoolStats() workerpool.Stats {
	return p.pool.Stats()
}

// Stop cancels every task and stops the worker pool
func (p *StateProvider) Stop(timeout time.Duration) error {
	p.mu.Lock()
	for _, tasks := range p.byDestination {
		for _, task := range tasks {
			task.Cancel()
		}
	}
	p.byDestination = make(map[model.Address][]*OutboundTransferTask)
	p.mu.Unlock()

	return p.pool.Stop(timeout)
}

func (p *StateProvider) remove(task *OutboundTransferTask) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tasks := p.byDestination[task.Destination()]
	for i, t := range tasks {
		if t == task {
			tasks = append(tasks[:i], tasks[i+1:]...)
			break
		}
	}
	if len(tasks) == 0 {
		delete(p.byDestination, task.Destination())
	} else {
		p.byDestination[task.Destination()] = tasks
	}
}

func containsAddr(list []model.Address, addr model.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}
