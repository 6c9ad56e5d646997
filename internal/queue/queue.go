package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"migranthub/internal/database"
	"migranthub/internal/events"
	"migranthub/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNotLoaded         = errors.New("queue not loaded from store")
	ErrNotFound          = errors.New("operation not found")
	ErrInFlight          = errors.New("operation is in flight")
	ErrInvalidOperation  = errors.New("invalid operation")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the durable backing of the queue.
type Store interface {
	Append(ctx context.Context, op *models.QueuedOperation) error
	Update(ctx context.Context, id string, patch models.OperationPatch) error
	Remove(ctx context.Context, id string) error
	List(ctx context.Context) ([]*models.QueuedOperation, error)
	RemapEntity(ctx context.Context, entityType models.EntityType, fromID, toID string) error
}

type ChangeType string

const (
	ChangeLoaded    ChangeType = "loaded"
	ChangeEnqueued  ChangeType = "enqueued"
	ChangeCoalesced ChangeType = "coalesced"
	ChangeInFlight  ChangeType = "in_flight"
	ChangeSucceeded ChangeType = "succeeded"
	ChangeFailed    ChangeType = "failed"
	ChangeDead      ChangeType = "dead"
	ChangeDiscarded ChangeType = "discarded"
	ChangeRetried   ChangeType = "retried"
	ChangeRemapped  ChangeType = "remapped"
	ChangeRebased   ChangeType = "rebased"
)

// Change describes one mutation of the queue's contents.
type Change struct {
	Type      ChangeType
	Operation *models.QueuedOperation
}

type Options struct {
	// Coalesce merges successive unsent updates of the same entity into one operation.
	Coalesce bool
	Clock    func() time.Time
}

// EnqueueRequest describes a new mutation.
type EnqueueRequest struct {
	EntityType  models.EntityType
	EntityID    string
	Kind        models.OpKind
	Payload     json.RawMessage
	BaseVersion int64
}

// Queue is the in-memory mirror of the operation store. Every state change is
// persisted before it becomes visible.
type Queue struct {
	store    Store
	logger   *zerolog.Logger
	bus      *events.EventBus
	coalesce bool
	now      func() time.Time

	mu     sync.Mutex
	loaded bool
	ops    []*models.QueuedOperation
	byID   map[string]*models.QueuedOperation
}

func New(store Store, logger *zerolog.Logger, opts Options) *Queue {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Queue{
		store:    store,
		logger:   logger,
		bus:      events.NewEventBus(),
		coalesce: opts.Coalesce,
		now:      clock,
		byID:     make(map[string]*models.QueuedOperation),
	}
}

// OnChange registers a listener invoked after every change. It returns an unsubscribe function.
func (q *Queue) OnChange(listener func(Change)) func() {
	return q.bus.Subscribe(events.EventQueueChanged, func(e *events.Event) {
		listener(e.Payload.(Change))
	})
}

func (q *Queue) notify(changes ...Change) {
	for _, c := range changes {
		q.bus.Emit(events.EventQueueChanged, c)
	}
}

// durable detaches store writes from caller cancellation so a started write always completes.
func durable(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// Load rehydrates the queue from the store. Operations left in flight by a previous
// process are returned to pending.
func (q *Queue) Load(ctx context.Context) error {
	ops, err := q.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load queue: %w", err)
	}

	q.mu.Lock()
	now := q.now().UTC()
	reset := 0
	for _, op := range ops {
		if op.Status != models.OpInFlight {
			continue
		}
		status := models.OpPending
		patch := models.OperationPatch{Status: &status, UpdatedAt: now}
		if err := q.store.Update(durable(ctx), op.ID, patch); err != nil {
			q.mu.Unlock()
			return fmt.Errorf("failed to reset in-flight operation %s: %w", op.ID, err)
		}
		patch.Apply(op)
		reset++
	}

	q.ops = ops
	q.byID = make(map[string]*models.QueuedOperation, len(ops))
	for _, op := range ops {
		q.byID[op.ID] = op
	}
	q.loaded = true
	q.mu.Unlock()

	q.logger.Info().Int("operations", len(ops)).Int("reset_in_flight", reset).Msg("queue rehydrated")
	q.notify(Change{Type: ChangeLoaded})
	return nil
}

// Loaded reports whether Load has completed.
func (q *Queue) Loaded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loaded
}

// Enqueue persists a new operation and returns its id. When coalescing is enabled
// and the entity's latest operation is an unsent update, the payloads are merged
// and the existing id is returned.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if err := validate(req); err != nil {
		return "", err
	}

	q.mu.Lock()
	if !q.loaded {
		q.mu.Unlock()
		return "", ErrNotLoaded
	}

	if q.coalesce && req.Kind == models.KindUpdate {
		if id, ok, err := q.tryCoalesce(ctx, req); err != nil || ok {
			var changed *models.QueuedOperation
			if ok {
				changed = q.byID[id].Clone()
			}
			q.mu.Unlock()
			if err != nil {
				return "", err
			}
			q.notify(Change{Type: ChangeCoalesced, Operation: changed})
			return id, nil
		}
	}

	id, err := newID()
	if err != nil {
		q.mu.Unlock()
		return "", err
	}

	now := q.now().UTC()
	if n := len(q.ops); n > 0 && !now.After(q.ops[n-1].CreatedAt) {
		now = q.ops[n-1].CreatedAt.Add(time.Nanosecond)
	}

	var payload json.RawMessage
	if len(req.Payload) > 0 {
		payload = append(json.RawMessage(nil), req.Payload...)
	}
	op := &models.QueuedOperation{
		ID:          id,
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		Kind:        req.Kind,
		Payload:     payload,
		BaseVersion: req.BaseVersion,
		Status:      models.OpPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := q.store.Append(durable(ctx), op); err != nil {
		q.mu.Unlock()
		if errors.Is(err, database.ErrStorageFull) {
			return "", err
		}
		return "", fmt.Errorf("failed to persist operation: %w", err)
	}

	q.ops = append(q.ops, op)
	q.byID[op.ID] = op
	clone := op.Clone()
	q.mu.Unlock()

	q.logger.Debug().
		Str("op_id", id).
		Str("entity", op.EntityKey()).
		Str("kind", string(op.Kind)).
		Msg("operation enqueued")
	q.notify(Change{Type: ChangeEnqueued, Operation: clone})
	return id, nil
}

func validate(req EnqueueRequest) error {
	if req.EntityType == "" || req.EntityID == "" {
		return fmt.Errorf("%w: entity type and id are required", ErrInvalidOperation)
	}
	if !req.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, req.Kind)
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidOperation)
	}
	if req.Kind != models.KindDelete && len(req.Payload) == 0 {
		return fmt.Errorf("%w: %s requires a payload", ErrInvalidOperation, req.Kind)
	}
	return nil
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate operation id: %w", err)
	}
	return id.String(), nil
}

// tryCoalesce must be called with q.mu held.
func (q *Queue) tryCoalesce(ctx context.Context, req EnqueueRequest) (string, bool, error) {
	key := string(req.EntityType) + "/" + req.EntityID
	var last *models.QueuedOperation
	for i := len(q.ops) - 1; i >= 0; i-- {
		if q.ops[i].EntityKey() == key {
			last = q.ops[i]
			break
		}
	}
	if last == nil || last.Kind != models.KindUpdate || last.Status != models.OpPending || last.AttemptCount > 0 {
		return "", false, nil
	}

	merged, ok := mergeFields(last.Payload, req.Payload)
	if !ok {
		return "", false, nil
	}

	patch := models.OperationPatch{Payload: merged, UpdatedAt: q.now().UTC()}
	if err := q.store.Update(durable(ctx), last.ID, patch); err != nil {
		return "", false, fmt.Errorf("failed to persist coalesced operation: %w", err)
	}
	patch.Apply(last)
	return last.ID, true, nil
}

// mergeFields overlays the fields of next onto prev. Both must be JSON objects.
func mergeFields(prev, next json.RawMessage) (json.RawMessage, bool) {
	var a, b map[string]json.RawMessage
	if err := json.Unmarshal(prev, &a); err != nil || a == nil {
		return nil, false
	}
	if err := json.Unmarshal(next, &b); err != nil || b == nil {
		return nil, false
	}
	for k, v := range b {
		a[k] = v
	}
	out, err := json.Marshal(a)
	if err != nil {
		return nil, false
	}
	return out, true
}

// NextBatch returns up to maxSize operations eligible for replay now.
func (q *Queue) NextBatch(maxSize int) []*models.QueuedOperation {
	return q.Batch(maxSize, q.now(), nil)
}

// Batch returns up to maxSize eligible operations in creation order. At most one
// operation per entity is returned, and an entity whose oldest unfinished operation
// is in flight, backing off, or listed in exclude contributes nothing, so later
// operations on it can never overtake earlier ones.
func (q *Queue) Batch(maxSize int, now time.Time, exclude map[string]bool) []*models.QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	if maxSize <= 0 {
		return nil
	}

	blocked := make(map[string]bool)
	var batch []*models.QueuedOperation
	for _, op := range q.ops {
		if op.Status == models.OpDead {
			continue
		}
		key := op.EntityKey()
		if blocked[key] {
			continue
		}
		blocked[key] = true

		if exclude[op.ID] || !op.EligibleAt(now) {
			continue
		}
		batch = append(batch, op.Clone())
		if len(batch) == maxSize {
			break
		}
	}
	return batch
}

// transition applies a patch built from the current record, persisting it first.
func (q *Queue) transition(ctx context.Context, id string, build func(op *models.QueuedOperation) (models.OperationPatch, error)) (*models.QueuedOperation, error) {
	op, ok := q.byID[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}

	patch, err := build(op)
	if err != nil {
		return nil, err
	}
	patch.UpdatedAt = q.now().UTC()

	if err := q.store.Update(durable(ctx), id, patch); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			q.drop(id)
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to persist transition of %s: %w", id, err)
	}

	patch.Apply(op)
	return op.Clone(), nil
}

// drop removes id from memory. Caller holds q.mu.
func (q *Queue) drop(id string) {
	delete(q.byID, id)
	for i, op := range q.ops {
		if op.ID == id {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			return
		}
	}
}

func (q *Queue) apply(ctx context.Context, id string, change ChangeType, build func(op *models.QueuedOperation) (models.OperationPatch, error)) (*models.QueuedOperation, error) {
	q.mu.Lock()
	op, err := q.transition(ctx, id, build)
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}
	q.notify(Change{Type: change, Operation: op})
	return op, nil
}

// MarkInFlight claims an eligible operation for replay and counts the attempt.
func (q *Queue) MarkInFlight(ctx context.Context, id string) (*models.QueuedOperation, error) {
	return q.apply(ctx, id, ChangeInFlight, func(op *models.QueuedOperation) (models.OperationPatch, error) {
		if !op.Status.Eligible() {
			return models.OperationPatch{}, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, op.Status)
		}
		status := models.OpInFlight
		attempts := op.AttemptCount + 1
		return models.OperationPatch{Status: &status, AttemptCount: &attempts}, nil
	})
}

// MarkFailed records a transient failure; the operation becomes eligible again at nextEligibleAt.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error, nextEligibleAt time.Time) (*models.QueuedOperation, error) {
	return q.apply(ctx, id, ChangeFailed, func(op *models.QueuedOperation) (models.OperationPatch, error) {
		status := models.OpFailed
		msg := errorText(cause)
		at := nextEligibleAt.UTC()
		return models.OperationPatch{Status: &status, LastError: &msg, NextEligibleAt: &at}, nil
	})
}

// MarkDead parks the operation until the user discards or retries it.
func (q *Queue) MarkDead(ctx context.Context, id string, cause error) (*models.QueuedOperation, error) {
	return q.apply(ctx, id, ChangeDead, func(op *models.QueuedOperation) (models.OperationPatch, error) {
		status := models.OpDead
		msg := errorText(cause)
		var never time.Time
		return models.OperationPatch{Status: &status, LastError: &msg, NextEligibleAt: &never}, nil
	})
}

// Retry returns a dead or failed operation to pending with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, id string) (*models.QueuedOperation, error) {
	return q.apply(ctx, id, ChangeRetried, func(op *models.QueuedOperation) (models.OperationPatch, error) {
		if op.Status != models.OpDead && op.Status != models.OpFailed {
			return models.OperationPatch{}, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, op.Status)
		}
		status := models.OpPending
		attempts := 0
		empty := ""
		var now time.Time
		return models.OperationPatch{Status: &status, AttemptCount: &attempts, LastError: &empty, NextEligibleAt: &now}, nil
	})
}

// MarkSucceeded removes a confirmed operation.
func (q *Queue) MarkSucceeded(ctx context.Context, id string) error {
	return q.remove(ctx, id, ChangeSucceeded, false)
}

// Discard removes an operation without sending it. In-flight operations cannot be discarded.
func (q *Queue) Discard(ctx context.Context, id string) error {
	return q.remove(ctx, id, ChangeDiscarded, true)
}

func (q *Queue) remove(ctx context.Context, id string, change ChangeType, refuseInFlight bool) error {
	q.mu.Lock()
	op, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if refuseInFlight && op.Status == models.OpInFlight {
		q.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrInFlight)
	}
	if err := q.store.Remove(durable(ctx), id); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("failed to remove operation %s: %w", id, err)
	}
	q.drop(id)
	q.mu.Unlock()

	q.notify(Change{Type: change, Operation: op.Clone()})
	return nil
}

// RemapEntity moves every queued operation of an entity from a provisional id to the canonical one.
func (q *Queue) RemapEntity(ctx context.Context, entityType models.EntityType, fromID, toID string) error {
	if fromID == toID {
		return nil
	}

	q.mu.Lock()
	if err := q.store.RemapEntity(durable(ctx), entityType, fromID, toID); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("failed to remap %s/%s: %w", entityType, fromID, err)
	}
	var changes []Change
	now := q.now().UTC()
	for _, op := range q.ops {
		if op.EntityType == entityType && op.EntityID == fromID {
			op.EntityID = toID
			op.UpdatedAt = now
			changes = append(changes, Change{Type: ChangeRemapped, Operation: op.Clone()})
		}
	}
	q.mu.Unlock()

	q.notify(changes...)
	return nil
}

// Rebase moves unsent operations of an entity that were based on fromVersion onto toVersion.
func (q *Queue) Rebase(ctx context.Context, entityType models.EntityType, entityID string, fromVersion, toVersion int64) error {
	q.mu.Lock()
	var changes []Change
	for _, op := range q.ops {
		if op.EntityType != entityType || op.EntityID != entityID || op.BaseVersion != fromVersion || !op.Status.Eligible() {
			continue
		}
		v := toVersion
		patch := models.OperationPatch{BaseVersion: &v, UpdatedAt: q.now().UTC()}
		if err := q.store.Update(durable(ctx), op.ID, patch); err != nil {
			q.mu.Unlock()
			q.notify(changes...)
			return fmt.Errorf("failed to rebase operation %s: %w", op.ID, err)
		}
		patch.Apply(op)
		changes = append(changes, Change{Type: ChangeRebased, Operation: op.Clone()})
	}
	q.mu.Unlock()

	q.notify(changes...)
	return nil
}

// Get returns a copy of the operation with id.
func (q *Queue) Get(id string) (*models.QueuedOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	op, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	return op.Clone(), true
}

// PendingCount counts pending, in-flight and failed operations.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, op := range q.ops {
		if op.Status.Counted() {
			n++
		}
	}
	return n
}

// DeadOperations returns copies of all dead operations in creation order.
func (q *Queue) DeadOperations() []*models.QueuedOperation {
	return q.filter(func(op *models.QueuedOperation) bool { return op.Status == models.OpDead })
}

// Operations returns copies of every operation in creation order.
func (q *Queue) Operations() []*models.QueuedOperation {
	return q.filter(func(*models.QueuedOperation) bool { return true })
}

func (q *Queue) filter(keep func(op *models.QueuedOperation) bool) []*models.QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*models.QueuedOperation, 0, len(q.ops))
	for _, op := range q.ops {
		if keep(op) {
			out = append(out, op.Clone())
		}
	}
	return out
}

// EarliestRetry returns the soonest backoff expiry among failed operations.
func (q *Queue) EarliestRetry() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var earliest time.Time
	found := false
	for _, op := range q.ops {
		if op.Status != models.OpFailed || op.NextEligibleAt == nil {
			continue
		}
		if !found || op.NextEligibleAt.Before(earliest) {
			earliest = *op.NextEligibleAt
			found = true
		}
	}
	return earliest, found
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
