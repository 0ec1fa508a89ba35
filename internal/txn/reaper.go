package txn

import (
	"sync"
	"time"

	"github.com/devrev/pairdb/statetransfer/internal/model"
	"go.uber.org/zap"
)

// Reaper periodically rolls back orphan transactions
type Reaper struct {
	table    *Table
	interval time.Duration
	logger   *zap.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReaper creates a reaper for table
func NewReaper(table *Table, interval time.Duration, logger *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reaper{
		table:    table,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic scan
func (r *Reaper) Start() {
	r.wg.Add(1)
	go r.loop()
	r.logger.Info("Transaction reaper started", zap.Duration("interval", r.interval))
}

// Stop stops the scan and waits for the loop to exit
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()
	})
}

func (r *Reaper) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.RunOnce()
		case <-r.stopCh:
			return
		}
	}
}

// RunOnce performs a single orphan scan
func (r *Reaper) RunOnce() int {
	cleaned := r.table.CleanupOrphans()
	if cleaned > 0 {
		r.logger.Info("Reaper cleaned orphan transactions", zap.Int("count", cleaned))
	}
	return cleaned
}

// OnViewChange forwards membership changes to the table so that it can mark
// transactions of departed originators.
func (r *Reaper) OnViewChange(view model.View) {
	r.table.OnViewChange(view.Members)
}
