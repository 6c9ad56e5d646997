package remote

import (
	"context"
	"encoding/json"

	"migranthub/internal/models"
)

// Request carries one mutation to the remote service.
type Request struct {
	EntityType models.EntityType
	// EntityID is the provisional client id for creates.
	EntityID    string
	Payload     json.RawMessage
	BaseVersion int64
	// IdempotencyKey is forwarded on every attempt; the queue uses the operation id.
	IdempotencyKey string
}

// Result is the remote's acknowledgement of a mutation.
type Result struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
}

// State is the remote view of an entity used for conflict detection.
type State struct {
	Exists        bool     `json:"-"`
	Version       int64    `json:"version"`
	Deleted       bool     `json:"deleted"`
	ChangedFields []string `json:"changed_fields"`
	FieldsKnown   bool     `json:"fields_known"`
}

// Service is the remote-service adapter drained by the sync engine.
type Service interface {
	Create(ctx context.Context, req Request) (Result, error)
	Update(ctx context.Context, req Request) (Result, error)
	Delete(ctx context.Context, req Request) error
	// Fetch returns the current state of an entity and, when known, the fields
	// changed after sinceVersion.
	Fetch(ctx context.Context, entityType models.EntityType, entityID string, sinceVersion int64) (State, error)
}
