package models

import (
	"encoding/json"
	"time"
)

// EntityType tags the remote resource family an operation targets.
type EntityType string

const (
	EntityProfile           EntityType = "profile"
	EntityChecklistItem     EntityType = "document-checklist-item"
	EntityGeneratedDocument EntityType = "generated-document"
)

// OpKind is the mutation kind of a queued operation.
type OpKind string

const (
	KindCreate OpKind = "create"
	KindUpdate OpKind = "update"
	KindDelete OpKind = "delete"
)

// Valid reports whether k is one of the known kinds.
func (k OpKind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete:
		return true
	}
	return false
}

// OpStatus is the lifecycle state of a queued operation.
type OpStatus string

const (
	OpPending  OpStatus = "pending"
	OpInFlight OpStatus = "in-flight"
	OpFailed   OpStatus = "failed"
	OpDead     OpStatus = "dead"
)

// Counted reports whether operations in this status contribute to the pending badge.
func (s OpStatus) Counted() bool {
	return s == OpPending || s == OpInFlight || s == OpFailed
}

// Eligible reports whether the sync engine may pick up operations in this status.
func (s OpStatus) Eligible() bool {
	return s == OpPending || s == OpFailed
}

// QueuedOperation is a single durable intent to mutate a remote entity.
type QueuedOperation struct {
	ID             string          `json:"id"`
	Seq            int64           `json:"seq"`
	EntityType     EntityType      `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	Kind           OpKind          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	BaseVersion    int64           `json:"base_version"`
	Status         OpStatus        `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	LastError      *string         `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	NextEligibleAt *time.Time      `json:"next_eligible_at,omitempty"`
}

// EntityKey identifies the entity an operation belongs to for per-entity ordering.
func (op *QueuedOperation) EntityKey() string {
	return string(op.EntityType) + "/" + op.EntityID
}

// EligibleAt reports whether op may be replayed at now.
func (op *QueuedOperation) EligibleAt(now time.Time) bool {
	if !op.Status.Eligible() {
		return false
	}
	return op.NextEligibleAt == nil || !op.NextEligibleAt.After(now)
}

// Clone returns a deep copy safe to hand out of the queue.
func (op *QueuedOperation) Clone() *QueuedOperation {
	c := *op
	if op.Payload != nil {
		c.Payload = append(json.RawMessage(nil), op.Payload...)
	}
	if op.LastError != nil {
		msg := *op.LastError
		c.LastError = &msg
	}
	if op.NextEligibleAt != nil {
		at := *op.NextEligibleAt
		c.NextEligibleAt = &at
	}
	return &c
}

// OperationPatch is a partial update of a stored operation. Nil fields are left untouched.
// An empty LastError or a zero NextEligibleAt clears the column.
type OperationPatch struct {
	Status         *OpStatus
	AttemptCount   *int
	LastError      *string
	NextEligibleAt *time.Time
	BaseVersion    *int64
	EntityID       *string
	Payload        json.RawMessage
	UpdatedAt      time.Time
}

// Apply writes the patch onto op the same way the store does.
func (p OperationPatch) Apply(op *QueuedOperation) {
	if p.Status != nil {
		op.Status = *p.Status
	}
	if p.AttemptCount != nil {
		op.AttemptCount = *p.AttemptCount
	}
	if p.LastError != nil {
		if *p.LastError == "" {
			op.LastError = nil
		} else {
			msg := *p.LastError
			op.LastError = &msg
		}
	}
	if p.NextEligibleAt != nil {
		if p.NextEligibleAt.IsZero() {
			op.NextEligibleAt = nil
		} else {
			at := *p.NextEligibleAt
			op.NextEligibleAt = &at
		}
	}
	if p.BaseVersion != nil {
		op.BaseVersion = *p.BaseVersion
	}
	if p.EntityID != nil {
		op.EntityID = *p.EntityID
	}
	if p.Payload != nil {
		op.Payload = append(json.RawMessage(nil), p.Payload...)
	}
	if !p.UpdatedAt.IsZero() {
		op.UpdatedAt = p.UpdatedAt
	}
}

// EntityVersion is the last remote version observed for an entity.
type EntityVersion struct {
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Version    int64      `json:"version"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
