package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"migranthub/internal/domain"
	"migranthub/internal/models"
	"migranthub/internal/queue"
	"migranthub/internal/worker"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ProvisionalPrefix marks client-generated ids of entities the server has not assigned yet.
const ProvisionalPrefix = "local-"

var ErrInvalidMutation = errors.New("invalid mutation")

type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
}

type SyncTrigger interface {
	Trigger(reason string)
}

type OnlineChecker interface {
	IsOnline() bool
}

// Mutation is one write issued by a screen. BaseVersion overrides the stored entity version when set.
type Mutation struct {
	EntityType  models.EntityType `json:"entity_type"`
	EntityID    string            `json:"entity_id"`
	Kind        models.OpKind     `json:"kind"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	BaseVersion *int64            `json:"base_version,omitempty"`
}

// MutationService is the single durable-first entry point for writes.
type MutationService struct {
	queue    Enqueuer
	versions domain.VersionStore
	engine   SyncTrigger
	network  OnlineChecker
	logger   *zerolog.Logger
}

func NewMutationService(q Enqueuer, versions domain.VersionStore, engine SyncTrigger, network OnlineChecker, logger *zerolog.Logger) *MutationService {
	return &MutationService{
		queue:    q,
		versions: versions,
		engine:   engine,
		network:  network,
		logger:   logger,
	}
}

// EnqueueMutation persists m and returns the operation id. It never waits on the network.
// A create without an entity id gets a provisional one; the returned operation carries it.
func (s *MutationService) EnqueueMutation(ctx context.Context, m Mutation) (string, string, error) {
	if m.EntityType == "" {
		return "", "", fmt.Errorf("%w: entity type is required", ErrInvalidMutation)
	}
	if !m.Kind.Valid() {
		return "", "", fmt.Errorf("%w: unknown kind %q", ErrInvalidMutation, m.Kind)
	}

	entityID := m.EntityID
	if entityID == "" {
		if m.Kind != models.KindCreate {
			return "", "", fmt.Errorf("%w: entity id is required for %s", ErrInvalidMutation, m.Kind)
		}
		id, err := uuid.NewRandom()
		if err != nil {
			return "", "", fmt.Errorf("failed to generate provisional id: %w", err)
		}
		entityID = ProvisionalPrefix + id.String()
	}

	base, err := s.baseVersion(ctx, m, entityID)
	if err != nil {
		return "", "", err
	}

	opID, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
		EntityType:  m.EntityType,
		EntityID:    entityID,
		Kind:        m.Kind,
		Payload:     m.Payload,
		BaseVersion: base,
	})
	if err != nil {
		return "", "", err
	}

	s.logger.Info().
		Str("op_id", opID).
		Str("entity_type", string(m.EntityType)).
		Str("entity_id", entityID).
		Str("kind", string(m.Kind)).
		Int64("base_version", base).
		Msg("mutation queued")

	if s.engine != nil && (s.network == nil || s.network.IsOnline()) {
		s.engine.Trigger(worker.TriggerEnqueue)
	}
	return opID, entityID, nil
}

func (s *MutationService) baseVersion(ctx context.Context, m Mutation, entityID string) (int64, error) {
	if m.BaseVersion != nil {
		return *m.BaseVersion, nil
	}
	if m.Kind == models.KindCreate || s.versions == nil {
		return 0, nil
	}
	v, _, err := s.versions.EntityVersion(ctx, m.EntityType, entityID)
	if err != nil {
		return 0, fmt.Errorf("failed to read entity version: %w", err)
	}
	return v, nil
}
