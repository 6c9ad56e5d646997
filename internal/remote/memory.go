package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"migranthub/internal/models"
)

type memoryEntity struct {
	fields  map[string]json.RawMessage
	version int64
	deleted bool
	// changes[v] lists the fields written by the mutation that produced version v.
	changes map[int64][]string
}

// MemoryService is an in-process remote that honours idempotency keys and
// optimistic versions. It backs local demo mode and tests.
type MemoryService struct {
	mu          sync.Mutex
	entities    map[string]*memoryEntity
	idempotency map[string]Result
	provisional map[string]string
	nextID      int
	effects     int
	failures    []error
}

func NewMemoryService() *MemoryService {
	return &MemoryService{
		entities:    make(map[string]*memoryEntity),
		idempotency: make(map[string]Result),
		provisional: make(map[string]string),
	}
}

func memoryKey(entityType models.EntityType, id string) string {
	return string(entityType) + "/" + id
}

// FailNext makes the next calls fail with the given errors, in order.
func (m *MemoryService) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// Seed installs an entity as if another device had written it.
func (m *MemoryService) Seed(entityType models.EntityType, id string, fields map[string]interface{}, version int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &memoryEntity{fields: make(map[string]json.RawMessage), version: version, changes: make(map[int64][]string)}
	for k, v := range fields {
		raw, _ := json.Marshal(v)
		e.fields[k] = raw
	}
	m.entities[memoryKey(entityType, id)] = e
}

// Touch simulates a concurrent remote edit of the named fields.
func (m *MemoryService) Touch(entityType models.EntityType, id string, fields map[string]interface{}) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[memoryKey(entityType, id)]
	if !ok {
		return 0
	}
	e.version++
	var names []string
	for k, v := range fields {
		raw, _ := json.Marshal(v)
		e.fields[k] = raw
		names = append(names, k)
	}
	e.changes[e.version] = names
	return e.version
}

// Remove simulates a remote deletion.
func (m *MemoryService) Remove(entityType models.EntityType, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entities[memoryKey(entityType, id)]; ok {
		e.deleted = true
		e.version++
	}
}

// Entity returns the current fields and version of a live entity.
func (m *MemoryService) Entity(entityType models.EntityType, id string) (map[string]json.RawMessage, int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[memoryKey(entityType, id)]
	if !ok || e.deleted {
		return nil, 0, false
	}
	out := make(map[string]json.RawMessage, len(e.fields))
	for k, v := range e.fields {
		out[k] = v
	}
	return out, e.version, true
}

// Effects counts mutations that changed remote state.
func (m *MemoryService) Effects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effects
}

// popFailure must be called with m.mu held.
func (m *MemoryService) popFailure() error {
	if len(m.failures) == 0 {
		return nil
	}
	err := m.failures[0]
	m.failures = m.failures[1:]
	return err
}

func (m *MemoryService) replay(key string) (Result, bool) {
	if key == "" {
		return Result{}, false
	}
	res, ok := m.idempotency[key]
	return res, ok
}

func (m *MemoryService) remember(key string, res Result) {
	if key != "" {
		m.idempotency[key] = res
	}
}

func (m *MemoryService) Create(_ context.Context, req Request) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.popFailure(); err != nil {
		return Result{}, err
	}
	if res, ok := m.replay(req.IdempotencyKey); ok {
		return res, nil
	}

	fields, err := decodeFields(req.Payload)
	if err != nil {
		return Result{}, err
	}

	provisionalKey := memoryKey(req.EntityType, req.EntityID)
	if existing, ok := m.provisional[provisionalKey]; ok && req.EntityID != "" {
		return Result{}, AlreadyExists(existing)
	}

	m.nextID++
	id := fmt.Sprintf("srv-%d", m.nextID)
	if req.EntityID != "" {
		m.provisional[provisionalKey] = id
	}
	m.entities[memoryKey(req.EntityType, id)] = &memoryEntity{
		fields:  fields,
		version: 1,
		changes: map[int64][]string{1: fieldNames(fields)},
	}
	m.effects++

	res := Result{ID: id, Version: 1}
	m.remember(req.IdempotencyKey, res)
	return res, nil
}

func (m *MemoryService) Update(_ context.Context, req Request) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.popFailure(); err != nil {
		return Result{}, err
	}
	if res, ok := m.replay(req.IdempotencyKey); ok {
		return res, nil
	}

	e, ok := m.entities[memoryKey(req.EntityType, req.EntityID)]
	if !ok || e.deleted {
		return Result{}, &Error{Kind: KindConflict, StatusCode: 404, Message: "entity not found"}
	}
	if e.version != req.BaseVersion {
		return Result{}, &Error{Kind: KindConflict, StatusCode: 409,
			Message: fmt.Sprintf("version mismatch: base %d, current %d", req.BaseVersion, e.version)}
	}

	fields, err := decodeFields(req.Payload)
	if err != nil {
		return Result{}, err
	}
	for k, v := range fields {
		e.fields[k] = v
	}
	e.version++
	e.changes[e.version] = fieldNames(fields)
	m.effects++

	res := Result{ID: req.EntityID, Version: e.version}
	m.remember(req.IdempotencyKey, res)
	return res, nil
}

func (m *MemoryService) Delete(_ context.Context, req Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.popFailure(); err != nil {
		return err
	}
	if _, ok := m.replay(req.IdempotencyKey); ok {
		return nil
	}

	e, ok := m.entities[memoryKey(req.EntityType, req.EntityID)]
	if !ok || e.deleted {
		return &Error{Kind: KindConflict, StatusCode: 404, Message: "entity not found"}
	}
	if e.version != req.BaseVersion {
		return &Error{Kind: KindConflict, StatusCode: 409,
			Message: fmt.Sprintf("version mismatch: base %d, current %d", req.BaseVersion, e.version)}
	}
	e.deleted = true
	e.version++
	m.effects++

	m.remember(req.IdempotencyKey, Result{ID: req.EntityID, Version: e.version})
	return nil
}

func (m *MemoryService) Fetch(_ context.Context, entityType models.EntityType, entityID string, sinceVersion int64) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entities[memoryKey(entityType, entityID)]
	if !ok || e.deleted {
		return State{Exists: false, Deleted: ok}, nil
	}

	changed := make(map[string]struct{})
	for v, names := range e.changes {
		if v <= sinceVersion {
			continue
		}
		for _, n := range names {
			changed[n] = struct{}{}
		}
	}
	names := make([]string, 0, len(changed))
	for n := range changed {
		names = append(names, n)
	}
	sort.Strings(names)

	return State{Exists: true, Version: e.version, ChangedFields: names, FieldsKnown: true}, nil
}

func decodeFields(payload json.RawMessage) (map[string]json.RawMessage, error) {
	fields := make(map[string]json.RawMessage)
	if len(payload) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, NewError(KindRejected, "payload must be a JSON object: %v", err)
	}
	return fields, nil
}

func fieldNames(fields map[string]json.RawMessage) []string {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
