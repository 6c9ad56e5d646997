package conflict

import (
	"encoding/json"
	"fmt"
	"sort"

	"migranthub/internal/models"
)

type Action int

const (
	Apply Action = iota
	Skip
	Merge
)

func (a Action) String() string {
	switch a {
	case Apply:
		return "apply"
	case Skip:
		return "skip"
	case Merge:
		return "merge"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// RemoteState is what the remote service reports about an entity right before replay.
type RemoteState struct {
	Exists  bool
	Version int64
	// ChangedFields lists fields modified remotely after the operation's base version.
	// It is only meaningful when FieldsKnown is set.
	ChangedFields []string
	FieldsKnown   bool
}

// Decision is the verdict for a single operation.
type Decision struct {
	Action Action
	// Payload and BaseVersion are set for Merge: the locally changed fields to send
	// and the remote version to send them against.
	Payload     json.RawMessage
	BaseVersion int64
	Reason      string
}

// Resolver implements field-level last-write-wins for queued operations.
type Resolver struct {
	fieldMerge bool
}

// NewResolver builds a resolver. With fieldMerge disabled every version mismatch is a conflict.
func NewResolver(fieldMerge bool) *Resolver {
	return &Resolver{fieldMerge: fieldMerge}
}

// Evaluate decides whether op may still be replayed given the remote state.
func (r *Resolver) Evaluate(op *models.QueuedOperation, remote RemoteState) Decision {
	if op.Kind == models.KindCreate {
		return Decision{Action: Apply}
	}

	if !remote.Exists {
		return Decision{Action: Skip, Reason: fmt.Sprintf("%s %s was deleted remotely", op.EntityType, op.EntityID)}
	}

	if remote.Version == op.BaseVersion {
		return Decision{Action: Apply}
	}

	conflict := Decision{
		Action: Skip,
		Reason: fmt.Sprintf("%s %s changed remotely: local base version %d, remote version %d",
			op.EntityType, op.EntityID, op.BaseVersion, remote.Version),
	}

	if remote.Version < op.BaseVersion || op.Kind != models.KindUpdate || !r.fieldMerge || !remote.FieldsKnown {
		return conflict
	}

	local, err := payloadFields(op.Payload)
	if err != nil || len(local) == 0 {
		return conflict
	}

	if overlap := intersect(local, remote.ChangedFields); len(overlap) > 0 {
		conflict.Reason = fmt.Sprintf("%s; conflicting fields: %v", conflict.Reason, overlap)
		return conflict
	}

	return Decision{
		Action:      Merge,
		Payload:     op.Payload,
		BaseVersion: remote.Version,
		Reason:      fmt.Sprintf("merged over remote version %d", remote.Version),
	}
}

func payloadFields(payload json.RawMessage) (map[string]struct{}, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(fields))
	for k := range fields {
		out[k] = struct{}{}
	}
	return out, nil
}

func intersect(local map[string]struct{}, remote []string) []string {
	var overlap []string
	for _, f := range remote {
		if _, ok := local[f]; ok {
			overlap = append(overlap, f)
		}
	}
	sort.Strings(overlap)
	return overlap
}
