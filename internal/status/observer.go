package status

import (
	"context"
	"sync"

	"migranthub/internal/events"
	"migranthub/internal/metrics"
	"migranthub/internal/models"
	"migranthub/internal/queue"
	"migranthub/internal/worker"
)

// Snapshot is what the presentation layer renders: the badge, the spinner and the error state.
type Snapshot struct {
	PendingCount   int                       `json:"pending_count"`
	IsSyncing      bool                      `json:"is_syncing"`
	LastSyncError  *string                   `json:"last_sync_error"`
	DeadOperations []*models.QueuedOperation `json:"dead_operations"`
	Online         bool                      `json:"online"`
}

type QueueSource interface {
	PendingCount() int
	DeadOperations() []*models.QueuedOperation
	OnChange(listener func(queue.Change)) func()
}

type EngineSource interface {
	IsSyncing() bool
	LastError() string
	OnChange(listener func()) func()
	Sync(ctx context.Context) (worker.SyncResult, error)
}

type NetworkSource interface {
	IsOnline() bool
	OnChange(listener func(online bool)) func()
}

// Observer projects queue, engine and network state into a Snapshot. It never schedules work;
// Sync only forwards to the engine.
type Observer struct {
	queue   QueueSource
	engine  EngineSource
	network NetworkSource
	bus     *events.EventBus

	mu      sync.Mutex
	current Snapshot
	unsubs  []func()
	closed  bool
}

// NewObserver subscribes to every source and computes the initial snapshot. network may be nil.
func NewObserver(q QueueSource, engine EngineSource, network NetworkSource) *Observer {
	o := &Observer{
		queue:   q,
		engine:  engine,
		network: network,
		bus:     events.NewEventBus(),
	}
	o.current = o.compute()

	o.unsubs = append(o.unsubs,
		q.OnChange(func(queue.Change) { o.recompute() }),
		engine.OnChange(o.recompute),
	)
	if network != nil {
		o.unsubs = append(o.unsubs, network.OnChange(func(bool) { o.recompute() }))
	}
	return o
}

// Snapshot returns the current projection.
func (o *Observer) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Subscribe registers listener for snapshot changes. It is not called for recomputations
// that leave the snapshot unchanged.
func (o *Observer) Subscribe(listener func(Snapshot)) func() {
	return o.bus.Subscribe(events.EventStatusChanged, func(e *events.Event) {
		listener(e.Payload.(Snapshot))
	})
}

// ExportMetrics keeps the queue and connectivity gauges in step with the snapshot.
func (o *Observer) ExportMetrics() func() {
	publish := func(s Snapshot) {
		metrics.SetQueue(s.PendingCount, len(s.DeadOperations))
		metrics.SetOnline(s.Online)
	}
	publish(o.Snapshot())
	return o.Subscribe(publish)
}

// Sync triggers a drain and waits for it, like the UI's sync button.
func (o *Observer) Sync(ctx context.Context) error {
	_, err := o.engine.Sync(ctx)
	return err
}

// Close detaches the observer from its sources.
func (o *Observer) Close() {
	o.mu.Lock()
	unsubs := o.unsubs
	o.unsubs = nil
	o.closed = true
	o.mu.Unlock()

	for _, off := range unsubs {
		off()
	}
}

func (o *Observer) compute() Snapshot {
	s := Snapshot{
		PendingCount:   o.queue.PendingCount(),
		IsSyncing:      o.engine.IsSyncing(),
		DeadOperations: o.queue.DeadOperations(),
	}
	if msg := o.engine.LastError(); msg != "" {
		s.LastSyncError = &msg
	}
	if o.network != nil {
		s.Online = o.network.IsOnline()
	}
	return s
}

// recompute holds o.mu across compute so concurrent notifications cannot store a stale snapshot.
// Sources notify after releasing their own locks.
func (o *Observer) recompute() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	next := o.compute()
	if equal(o.current, next) {
		o.mu.Unlock()
		return
	}
	o.current = next
	o.mu.Unlock()

	o.bus.Emit(events.EventStatusChanged, next)
}

func equal(a, b Snapshot) bool {
	if a.PendingCount != b.PendingCount || a.IsSyncing != b.IsSyncing || a.Online != b.Online {
		return false
	}
	if (a.LastSyncError == nil) != (b.LastSyncError == nil) {
		return false
	}
	if a.LastSyncError != nil && *a.LastSyncError != *b.LastSyncError {
		return false
	}
	if len(a.DeadOperations) != len(b.DeadOperations) {
		return false
	}
	for i := range a.DeadOperations {
		x, y := a.DeadOperations[i], b.DeadOperations[i]
		if x.ID != y.ID || x.EntityID != y.EntityID || !x.UpdatedAt.Equal(y.UpdatedAt) {
			return false
		}
	}
	return true
}
