package transferlock

import (
	"context"
	"sync"
	"time"

	"github.com/devrev/pairdb/statetransfer/internal/errors"
	"github.com/devrev/pairdb/statetransfer/internal/metrics"
	"github.com/devrev/pairdb/statetransfer/internal/util/future"
	"go.uber.org/zap"
)

// NoTopology is the id reported before the first topology is installed
const NoTopology = -1

// StateTransferLock coordinates topology installation with request processing
// and with the arrival of transferred transaction data.
//
// Topology installs take the exclusive side; request processing that must see
// a stable topology for its duration takes the shared side. Go's RWMutex blocks
// new readers once a writer is waiting, so an install is never starved.
type StateTransferLock struct {
	topologyLock sync.RWMutex

	mu               sync.Mutex
	topologyID       int
	txDataTopologyID int
	topologyWaiters  map[*future.Future[int]]int
	txDataWaiters    map[*future.Future[int]]int

	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New creates a lock whose bounded waits expire after timeout
func New(timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *StateTransferLock {
	return &StateTransferLock{
		topologyID:       NoTopology,
		txDataTopologyID: NoTopology,
		topologyWaiters:  make(map[*future.Future[int]]int),
		txDataWaiters:    make(map[*future.Future[int]]int),
		timeout:          timeout,
		logger:           logger,
		metrics:          m,
	}
}

func (l *StateTransferLock) AcquireExclusiveTopologyLock() {
	l.topologyLock.Lock()
}

func (l *StateTransferLock) ReleaseExclusiveTopologyLock() {
	l.topologyLock.Unlock()
}

func (l *StateTransferLock) AcquireSharedTopologyLock() {
	l.topologyLock.RLock()
}

func (l *StateTransferLock) ReleaseSharedTopologyLock() {
	l.topologyLock.RUnlock()
}

// CurrentTopologyID returns the id of the last installed topology
func (l *StateTransferLock) CurrentTopologyID() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.topologyID
}

// NotifyTopologyInstalled records that topologyID is now the active topology.
// Waiters for exactly this id succeed; waiters for an older id fail as stale.
func (l *StateTransferLock) NotifyTopologyInstalled(topologyID int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if topologyID <= l.topologyID {
		return
	}
	l.topologyID = topologyID

	for f, expected := range l.topologyWaiters {
		switch {
		case expected == topologyID:
			f.Complete(topologyID)
			delete(l.topologyWaiters, f)
		case expected < topologyID:
			f.Fail(errors.StaleTopology(expected, topologyID))
			delete(l.topologyWaiters, f)
		}
	}
}

// TopologyFuture resolves when topology expected is the installed one. It
// fails as stale if a newer topology is, or becomes, installed first.
func (l *StateTransferLock) TopologyFuture(expected int) *future.Future[int] {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.topologyID == expected:
		return future.Completed(expected)
	case l.topologyID > expected:
		return future.Failed[int](errors.StaleTopology(expected, l.topologyID))
	}
	f := future.New[int]()
	l.topologyWaiters[f] = expected
	return f
}

// TopologyReceived reports whether topologyID or a later topology has been installed
func (l *StateTransferLock) TopologyReceived(topologyID int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.topologyID >= topologyID
}

// WaitForTopology blocks until topology expected is installed, the lock's
// timeout expires, or ctx ends.
func (l *StateTransferLock) WaitForTopology(ctx context.Context, expected int) error {
	f := l.TopologyFuture(expected)
	err := l.wait(ctx, f)
	if err != nil && !f.IsDone() {
		l.mu.Lock()
		delete(l.topologyWaiters, f)
		l.mu.Unlock()
		l.metrics.BarrierTimeoutsTotal.WithLabelValues("topology").Inc()
		l.logger.Warn("Timed out waiting for topology",
			zap.Int("expected", expected),
			zap.Int("installed", l.CurrentTopologyID()),
			zap.Error(err))
	}
	return err
}

// NotifyTransactionDataReceived records that transaction data for topologyID
// has been applied, releasing waiters for that id and older ones.
func (l *StateTransferLock) NotifyTransactionDataReceived(topologyID int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if topologyID <= l.txDataTopologyID {
		return
	}
	l.txDataTopologyID = topologyID

	for f, expected := range l.txDataWaiters {
		if expected <= topologyID {
			f.Complete(topologyID)
			delete(l.txDataWaiters, f)
		}
	}
}

// TransactionDataFuture resolves once transaction data for expected, or a
// later topology, has been received.
func (l *StateTransferLock) TransactionDataFuture(expected int) *future.Future[int] {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.txDataTopologyID >= expected {
		return future.Completed(l.txDataTopologyID)
	}
	f := future.New[int]()
	l.txDataWaiters[f] = expected
	return f
}

// TransactionDataReceived is the non-blocking form of TransactionDataFuture
func (l *StateTransferLock) TransactionDataReceived(topologyID int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.txDataTopologyID >= topologyID
}

// WaitForTransactionData blocks until transaction data for expected arrives,
// the lock's timeout expires, or ctx ends.
func (l *StateTransferLock) WaitForTransactionData(ctx context.Context, expected int) error {
	f := l.TransactionDataFuture(expected)
	err := l.wait(ctx, f)
	if err != nil && !f.IsDone() {
		l.mu.Lock()
		delete(l.txDataWaiters, f)
		l.mu.Unlock()
		l.metrics.BarrierTimeoutsTotal.WithLabelValues("transaction_data").Inc()
		l.logger.Warn("Timed out waiting for transaction data",
			zap.Int("expected", expected),
			zap.Error(err))
	}
	return err
}

func (l *StateTransferLock) wait(ctx context.Context, f *future.Future[int]) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	_, err := f.Wait(ctx)
	if err == context.DeadlineExceeded {
		return errors.NewTransferError(errors.ErrCodeTransferTimeout, "state transfer lock wait timed out", err).
			WithDetail("timeout", l.timeout.String())
	}
	return err
}
