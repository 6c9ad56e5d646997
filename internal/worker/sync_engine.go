package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"migranthub/internal/conflict"
	"migranthub/internal/domain"
	"migranthub/internal/events"
	"migranthub/internal/metrics"
	"migranthub/internal/models"
	"migranthub/internal/queue"
	"migranthub/internal/remote"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	TriggerManual    = "manual"
	TriggerReconnect = "reconnect"
	TriggerInterval  = "interval"
	TriggerBackoff   = "backoff"
	TriggerEnqueue   = "enqueue"
	TriggerStartup   = "startup"
)

// ErrOffline is returned by Sync when the device is offline before anything was attempted.
var ErrOffline = errors.New("offline")

// OperationQueue is the part of the operation queue the engine drives.
type OperationQueue interface {
	Batch(maxSize int, now time.Time, exclude map[string]bool) []*models.QueuedOperation
	MarkInFlight(ctx context.Context, id string) (*models.QueuedOperation, error)
	MarkFailed(ctx context.Context, id string, cause error, nextEligibleAt time.Time) (*models.QueuedOperation, error)
	MarkDead(ctx context.Context, id string, cause error) (*models.QueuedOperation, error)
	MarkSucceeded(ctx context.Context, id string) error
	RemapEntity(ctx context.Context, entityType models.EntityType, fromID, toID string) error
	Rebase(ctx context.Context, entityType models.EntityType, entityID string, fromVersion, toVersion int64) error
	PendingCount() int
	EarliestRetry() (time.Time, bool)
}

// Connectivity reports the debounced network state.
type Connectivity interface {
	IsOnline() bool
	OnChange(listener func(online bool)) func()
}

type EngineConfig struct {
	BatchSize   int
	Interval    time.Duration
	Retry       RetryPolicy
	RemoteRPS   float64
	RemoteBurst int
	Clock       func() time.Time
}

// SyncResult summarises one drain.
type SyncResult struct {
	Trigger        string    `json:"trigger"`
	Attempted      int       `json:"attempted"`
	Succeeded      int       `json:"succeeded"`
	Merged         int       `json:"merged"`
	Retried        int       `json:"retried"`
	Dead           int       `json:"dead"`
	Remaining      int       `json:"remaining"`
	StoppedOffline bool      `json:"stopped_offline"`
	LastError      string    `json:"last_error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSucceeded
	outcomeMerged
	outcomeRetried
	outcomeDead
)

type drain struct {
	done   chan struct{}
	result SyncResult
	err    error
}

// Engine replays queued operations against the remote service.
type Engine struct {
	queue      OperationQueue
	remote     remote.Service
	resolver   *conflict.Resolver
	network    Connectivity
	versions   domain.VersionStore
	deadLetter domain.DeadLetterSink
	bus        *events.EventBus
	limiter    *rate.Limiter
	cfg        EngineConfig
	logger     *zerolog.Logger

	triggers chan string

	mu         sync.Mutex
	current    *drain
	runCtx     context.Context
	lastError  string
	lastResult *SyncResult
}

// NewEngine builds an engine with sane defaults. deadLetter and bus may be nil.
func NewEngine(
	q OperationQueue,
	svc remote.Service,
	resolver *conflict.Resolver,
	network Connectivity,
	versions domain.VersionStore,
	deadLetter domain.DeadLetterSink,
	bus *events.EventBus,
	cfg EngineConfig,
	logger *zerolog.Logger,
) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 8
	}
	if cfg.Retry.InitialDelay == 0 {
		cfg.Retry.InitialDelay = 2 * time.Second
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = time.Minute
	}
	if cfg.Retry.BackoffFactor == 0 {
		cfg.Retry.BackoffFactor = 2
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if resolver == nil {
		resolver = conflict.NewResolver(false)
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	limit := rate.Inf
	if cfg.RemoteRPS > 0 {
		limit = rate.Limit(cfg.RemoteRPS)
	}
	burst := cfg.RemoteBurst
	if burst <= 0 {
		burst = 1
	}

	return &Engine{
		queue:      q,
		remote:     svc,
		resolver:   resolver,
		network:    network,
		versions:   versions,
		deadLetter: deadLetter,
		bus:        bus,
		limiter:    rate.NewLimiter(limit, burst),
		cfg:        cfg,
		logger:     logger,
		triggers:   make(chan string, 1),
	}
}

// IsSyncing reports whether a drain is running.
func (e *Engine) IsSyncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

// LastError is the most recent replay failure, cleared by a clean drain.
func (e *Engine) LastError() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastError
}

// LastResult returns the summary of the previous drain, if any.
func (e *Engine) LastResult() (SyncResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastResult == nil {
		return SyncResult{}, false
	}
	return *e.lastResult, true
}

// OnChange registers listener for drain start and finish.
func (e *Engine) OnChange(listener func()) func() {
	if e.bus == nil {
		return func() {}
	}
	handler := func(*events.Event) { listener() }
	offStarted := e.bus.Subscribe(events.EventSyncStarted, handler)
	offFinished := e.bus.Subscribe(events.EventSyncFinished, handler)
	return func() {
		offStarted()
		offFinished()
	}
}

// Trigger asks the background loop for a drain without waiting for it.
func (e *Engine) Trigger(reason string) {
	select {
	case e.triggers <- reason:
	default:
	}
}

// Sync drains the queue now. Concurrent callers share one drain. Cancelling ctx
// stops the wait, not the drain.
func (e *Engine) Sync(ctx context.Context) (SyncResult, error) {
	return e.sync(ctx, TriggerManual)
}

func (e *Engine) sync(ctx context.Context, trigger string) (SyncResult, error) {
	e.mu.Lock()
	d := e.current
	if d == nil {
		d = &drain{done: make(chan struct{})}
		e.current = d
		base := e.runCtx
		e.mu.Unlock()

		if base == nil {
			base = context.WithoutCancel(ctx)
		}
		metrics.SetSyncing(true)
		metrics.IncDrain(trigger)
		e.emit(events.EventSyncStarted, trigger)
		go e.run(base, d, trigger)
	} else {
		e.mu.Unlock()
	}

	select {
	case <-d.done:
		return d.result, d.err
	case <-ctx.Done():
		return SyncResult{}, ctx.Err()
	}
}

func (e *Engine) run(ctx context.Context, d *drain, trigger string) {
	result, err := e.drain(ctx, trigger)
	result.Remaining = e.queue.PendingCount()
	result.FinishedAt = e.cfg.Clock().UTC()

	e.mu.Lock()
	switch {
	case err != nil && !errors.Is(err, ErrOffline):
		e.lastError = err.Error()
	case result.LastError != "":
		e.lastError = result.LastError
	case result.Attempted > 0:
		e.lastError = ""
	}
	e.lastResult = &result
	e.current = nil
	e.mu.Unlock()

	metrics.SetSyncing(false)
	e.emit(events.EventSyncFinished, result)

	d.result, d.err = result, err
	close(d.done)

	e.logger.Info().
		Str("trigger", trigger).
		Int("attempted", result.Attempted).
		Int("succeeded", result.Succeeded).
		Int("merged", result.Merged).
		Int("retried", result.Retried).
		Int("dead", result.Dead).
		Int("remaining", result.Remaining).
		Bool("stopped_offline", result.StoppedOffline).
		Msg("sync drain finished")
}

func (e *Engine) drain(ctx context.Context, trigger string) (SyncResult, error) {
	result := SyncResult{Trigger: trigger, StartedAt: e.cfg.Clock().UTC()}
	if !e.network.IsOnline() {
		result.StoppedOffline = true
		return result, ErrOffline
	}

	// Operations attempted in this drain are not picked again, so a failing
	// operation waits for its backoff instead of spinning.
	attempted := make(map[string]bool)
	for {
		batch := e.queue.Batch(e.cfg.BatchSize, e.cfg.Clock(), attempted)
		if len(batch) == 0 {
			return result, nil
		}

		for _, op := range batch {
			if !e.network.IsOnline() {
				result.StoppedOffline = true
				return result, nil
			}
			if err := e.limiter.Wait(ctx); err != nil {
				return result, fmt.Errorf("rate limiter: %w", err)
			}

			attempted[op.ID] = true
			res, cause, err := e.process(ctx, op)
			if err != nil {
				result.LastError = err.Error()
				return result, err
			}

			switch res {
			case outcomeSucceeded:
				result.Attempted++
				result.Succeeded++
			case outcomeMerged:
				result.Attempted++
				result.Merged++
			case outcomeRetried:
				result.Attempted++
				result.Retried++
				result.LastError = cause.Error()
			case outcomeDead:
				result.Attempted++
				result.Dead++
				result.LastError = cause.Error()
			}
		}
	}
}

// process replays one operation. cause is the remote failure for retried and dead
// outcomes; err is a local store failure that aborts the drain.
func (e *Engine) process(ctx context.Context, op *models.QueuedOperation) (outcome, error, error) {
	claimed, err := e.queue.MarkInFlight(ctx, op.ID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) || errors.Is(err, queue.ErrInvalidTransition) {
			return outcomeSkipped, nil, nil
		}
		return outcomeSkipped, nil, err
	}

	log := e.logger.With().
		Str("op_id", claimed.ID).
		Str("entity", claimed.EntityKey()).
		Str("kind", string(claimed.Kind)).
		Int("attempt", claimed.AttemptCount).
		Logger()

	decision := conflict.Decision{Action: conflict.Apply}
	if claimed.Kind != models.KindCreate {
		state, err := e.remote.Fetch(ctx, claimed.EntityType, claimed.EntityID, claimed.BaseVersion)
		if err != nil {
			return e.fail(ctx, claimed, err, &log)
		}
		decision = e.resolver.Evaluate(claimed, conflict.RemoteState{
			Exists:        state.Exists,
			Version:       state.Version,
			ChangedFields: state.ChangedFields,
			FieldsKnown:   state.FieldsKnown,
		})
		if decision.Action == conflict.Skip {
			return e.kill(ctx, claimed, &remote.Error{Kind: remote.KindConflict, Message: decision.Reason}, &log)
		}
	}

	req := remote.Request{
		EntityType:     claimed.EntityType,
		EntityID:       claimed.EntityID,
		Payload:        claimed.Payload,
		BaseVersion:    claimed.BaseVersion,
		IdempotencyKey: claimed.ID,
	}
	if decision.Action == conflict.Merge {
		req.Payload = decision.Payload
		req.BaseVersion = decision.BaseVersion
		log.Debug().Str("reason", decision.Reason).Msg("field merge")
	}

	var res remote.Result
	switch claimed.Kind {
	case models.KindCreate:
		res, err = e.remote.Create(ctx, req)
	case models.KindUpdate:
		res, err = e.remote.Update(ctx, req)
	case models.KindDelete:
		err = e.remote.Delete(ctx, req)
	default:
		err = remote.NewError(remote.KindRejected, "unknown operation kind %q", claimed.Kind)
	}
	if err != nil {
		var re *remote.Error
		if claimed.Kind == models.KindCreate && errors.As(err, &re) &&
			re.Kind == remote.KindAlreadyExists && re.CanonicalID != "" {
			if remapErr := e.queue.RemapEntity(ctx, claimed.EntityType, claimed.EntityID, re.CanonicalID); remapErr != nil {
				return outcomeSkipped, nil, remapErr
			}
			claimed.EntityID = re.CanonicalID
		}
		return e.fail(ctx, claimed, err, &log)
	}

	if err := e.confirm(ctx, claimed, req.BaseVersion, res); err != nil {
		return outcomeSkipped, nil, err
	}

	metrics.IncOperation(string(claimed.EntityType), "succeeded")
	log.Debug().Int64("version", res.Version).Msg("operation confirmed")
	if decision.Action == conflict.Merge {
		return outcomeMerged, nil, nil
	}
	return outcomeSucceeded, nil, nil
}

// confirm records the remote acknowledgement and removes the operation last, so a
// crash in between replays it under the same idempotency key. appliedBase is the
// version the write was made against: after a merge it is newer than
// op.BaseVersion, and later operations still based on the old version are left
// alone so they are checked against every remote change since their own base.
func (e *Engine) confirm(ctx context.Context, op *models.QueuedOperation, appliedBase int64, res remote.Result) error {
	entityID := op.EntityID
	if op.Kind == models.KindCreate && res.ID != "" && res.ID != op.EntityID {
		if err := e.queue.RemapEntity(ctx, op.EntityType, op.EntityID, res.ID); err != nil {
			return err
		}
		entityID = res.ID
	}

	switch op.Kind {
	case models.KindDelete:
		if e.versions != nil {
			if err := e.versions.DeleteEntityVersion(ctx, op.EntityType, entityID); err != nil {
				return err
			}
		}
	default:
		if res.Version > 0 {
			if e.versions != nil {
				if err := e.versions.PutEntityVersion(ctx, op.EntityType, entityID, res.Version); err != nil {
					return err
				}
			}
			if err := e.queue.Rebase(ctx, op.EntityType, entityID, appliedBase, res.Version); err != nil {
				return err
			}
		}
	}

	if err := e.queue.MarkSucceeded(ctx, op.ID); err != nil && !errors.Is(err, queue.ErrNotFound) {
		return err
	}
	return nil
}

func (e *Engine) fail(ctx context.Context, op *models.QueuedOperation, cause error, log *zerolog.Logger) (outcome, error, error) {
	if remote.Classify(cause) != remote.KindTransient {
		return e.kill(ctx, op, cause, log)
	}

	if e.cfg.Retry.Exhausted(op.AttemptCount) {
		return e.kill(ctx, op, fmt.Errorf("gave up after %d attempts: %w", op.AttemptCount, cause), log)
	}

	next := e.cfg.Clock().Add(e.cfg.Retry.NextDelay(op.AttemptCount))
	if _, err := e.queue.MarkFailed(ctx, op.ID, cause, next); err != nil {
		return outcomeSkipped, nil, err
	}

	metrics.IncOperation(string(op.EntityType), "retried")
	log.Warn().Err(cause).Time("next_attempt", next).Msg("operation failed, will retry")
	return outcomeRetried, cause, nil
}

func (e *Engine) kill(ctx context.Context, op *models.QueuedOperation, cause error, log *zerolog.Logger) (outcome, error, error) {
	dead, err := e.queue.MarkDead(ctx, op.ID, cause)
	if err != nil {
		return outcomeSkipped, nil, err
	}

	metrics.IncOperation(string(op.EntityType), "dead")
	log.Error().Err(cause).Str("kind", string(remote.Classify(cause))).Msg("operation moved to dead letter")
	e.emit(events.EventOperationDead, dead)

	if e.deadLetter != nil {
		if err := e.deadLetter.PushDead(ctx, dead); err != nil {
			log.Error().Err(err).Msg("dead letter push failed")
		}
	}
	return outcomeDead, cause, nil
}

func (e *Engine) emit(eventType string, payload interface{}) {
	if e.bus != nil {
		e.bus.Emit(eventType, payload)
	}
}

// Start runs the trigger loop until ctx is done: reconnects, the periodic interval
// while work is pending, backoff expiry and explicit Trigger calls.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()

	unsubscribe := e.network.OnChange(func(online bool) {
		if online {
			e.Trigger(TriggerReconnect)
		}
	})
	defer unsubscribe()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	wake := time.NewTimer(time.Hour)
	wake.Stop()
	defer wake.Stop()

	e.Trigger(TriggerStartup)
	e.logger.Info().Dur("interval", e.cfg.Interval).Int("batch_size", e.cfg.BatchSize).Msg("sync engine started")

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("sync engine stopped")
			return nil
		case reason := <-e.triggers:
			e.runTriggered(ctx, reason)
		case <-ticker.C:
			if e.queue.PendingCount() > 0 {
				e.runTriggered(ctx, TriggerInterval)
			}
		case <-wake.C:
			e.runTriggered(ctx, TriggerBackoff)
		}

		if at, ok := e.queue.EarliestRetry(); ok {
			delay := at.Sub(e.cfg.Clock())
			if delay < 0 {
				delay = 0
			}
			wake.Reset(delay + 10*time.Millisecond)
		} else {
			wake.Stop()
		}
	}
}

func (e *Engine) runTriggered(ctx context.Context, reason string) {
	if !e.network.IsOnline() {
		return
	}
	if _, err := e.sync(ctx, reason); err != nil && !errors.Is(err, ErrOffline) && ctx.Err() == nil {
		e.logger.Error().Err(err).Str("trigger", reason).Msg("sync drain failed")
	}
}
