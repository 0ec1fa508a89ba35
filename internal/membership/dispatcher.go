package membership

import (
	"sync"

	"github.com/devrev/pairdb/statetransfer/internal/model"
	"go.uber.org/zap"
)

// Handler is invoked for every view the dispatcher publishes
type Handler func(view model.View)

// Subscription identifies a registered handler
type Subscription struct {
	id uint64
}

type subscriber struct {
	id      uint64
	name    string
	handler Handler
}

// Dispatcher delivers view changes to its subscribers synchronously, in
// registration order. Views are published one at a time; a view older than the
// last published one is dropped.
type Dispatcher struct {
	logger *zap.Logger

	mu          sync.Mutex
	nextID      uint64
	subscribers []subscriber
	current     model.View

	publishMu sync.Mutex
}

// NewDispatcher creates a dispatcher with no subscribers
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{logger: logger}
}

// Subscribe registers handler under name and returns its subscription
func (d *Dispatcher) Subscribe(name string, handler Handler) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.subscribers = append(d.subscribers, subscriber{id: d.nextID, name: name, handler: handler})
	return Subscription{id: d.nextID}
}

// Unsubscribe removes a handler. It reports whether the subscription was registered.
func (d *Dispatcher) Unsubscribe(sub Subscription) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.subscribers {
		if s.id == sub.id {
			d.subscribers = append(d.subscribers[:i:i], d.subscribers[i+1:]...)
			return true
		}
	}
	return false
}

// Publish delivers view to every subscriber and returns once all of them ran
func (d *Dispatcher) Publish(view model.View) {
	d.publishMu.Lock()
	defer d.publishMu.Unlock()

	d.mu.Lock()
	if d.current.ID != 0 && view.ID <= d.current.ID {
		d.mu.Unlock()
		d.logger.Debug("Dropping stale view",
			zap.Uint64("view_id", view.ID),
			zap.Uint64("current_view_id", d.current.ID))
		return
	}
	d.current = view
	subscribers := append([]subscriber(nil), d.subscribers...)
	d.mu.Unlock()

	d.logger.Info("View changed",
		zap.Uint64("view_id", view.ID),
		zap.String("members", view.String()),
		zap.Bool("merge", view.Merge))

	for _, s := range subscribers {
		d.logger.Debug("Delivering view", zap.String("subscriber", s.name), zap.Uint64("view_id", view.ID))
		s.handler(view)
	}
}

// CurrentView returns the last published view
func (d *Dispatcher) CurrentView() model.View {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}
