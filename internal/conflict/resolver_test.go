package conflict

import (
	"encoding/json"
	"testing"

	"migranthub/internal/models"

	"github.com/stretchr/testify/assert"
)

func op(kind models.OpKind, base int64, payload string) *models.QueuedOperation {
	return &models.QueuedOperation{
		ID:          "op-1",
		EntityType:  models.EntityChecklistItem,
		EntityID:    "d1",
		Kind:        kind,
		BaseVersion: base,
		Payload:     json.RawMessage(payload),
	}
}

func TestResolverEvaluate(t *testing.T) {
	merging := NewResolver(true)
	strict := NewResolver(false)

	tests := []struct {
		name     string
		resolver *Resolver
		op       *models.QueuedOperation
		remote   RemoteState
		want     Action
	}{
		{
			name:     "same version applies",
			resolver: merging,
			op:       op(models.KindUpdate, 3, `{"status":"active"}`),
			remote:   RemoteState{Exists: true, Version: 3},
			want:     Apply,
		},
		{
			name:     "create ignores remote state",
			resolver: merging,
			op:       op(models.KindCreate, 0, `{"title":"x"}`),
			remote:   RemoteState{},
			want:     Apply,
		},
		{
			name:     "overlapping remote change is a conflict",
			resolver: merging,
			op:       op(models.KindUpdate, 3, `{"status":"active"}`),
			remote:   RemoteState{Exists: true, Version: 4, ChangedFields: []string{"status"}, FieldsKnown: true},
			want:     Skip,
		},
		{
			name:     "disjoint remote change merges",
			resolver: merging,
			op:       op(models.KindUpdate, 3, `{"status":"active"}`),
			remote:   RemoteState{Exists: true, Version: 4, ChangedFields: []string{"note"}, FieldsKnown: true},
			want:     Merge,
		},
		{
			name:     "unknown remote diff falls back to skip",
			resolver: merging,
			op:       op(models.KindUpdate, 3, `{"status":"active"}`),
			remote:   RemoteState{Exists: true, Version: 4},
			want:     Skip,
		},
		{
			name:     "field merge disabled",
			resolver: strict,
			op:       op(models.KindUpdate, 3, `{"status":"active"}`),
			remote:   RemoteState{Exists: true, Version: 4, ChangedFields: []string{"note"}, FieldsKnown: true},
			want:     Skip,
		},
		{
			name:     "remote deleted under update",
			resolver: merging,
			op:       op(models.KindUpdate, 3, `{"status":"active"}`),
			remote:   RemoteState{Exists: false},
			want:     Skip,
		},
		{
			name:     "remote deleted under delete",
			resolver: merging,
			op:       op(models.KindDelete, 3, ``),
			remote:   RemoteState{Exists: false},
			want:     Skip,
		},
		{
			name:     "newer remote under delete",
			resolver: merging,
			op:       op(models.KindDelete, 3, ``),
			remote:   RemoteState{Exists: true, Version: 5, FieldsKnown: true},
			want:     Skip,
		},
		{
			name:     "non-object payload cannot merge",
			resolver: merging,
			op:       op(models.KindUpdate, 3, `["status"]`),
			remote:   RemoteState{Exists: true, Version: 4, ChangedFields: []string{"note"}, FieldsKnown: true},
			want:     Skip,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.resolver.Evaluate(tt.op, tt.remote)
			assert.Equal(t, tt.want, got.Action, got.Reason)
		})
	}
}

func TestResolverMergeDecision(t *testing.T) {
	r := NewResolver(true)
	got := r.Evaluate(op(models.KindUpdate, 3, `{"status":"active"}`),
		RemoteState{Exists: true, Version: 6, ChangedFields: []string{"note", "owner"}, FieldsKnown: true})

	assert.Equal(t, Merge, got.Action)
	assert.Equal(t, int64(6), got.BaseVersion)
	assert.JSONEq(t, `{"status":"active"}`, string(got.Payload))
}

func TestResolverConflictReasonNamesFields(t *testing.T) {
	r := NewResolver(true)
	got := r.Evaluate(op(models.KindUpdate, 3, `{"status":"active","note":"x"}`),
		RemoteState{Exists: true, Version: 4, ChangedFields: []string{"status", "note"}, FieldsKnown: true})

	assert.Equal(t, Skip, got.Action)
	assert.Contains(t, got.Reason, "[note status]")
	assert.Equal(t, "skip", got.Action.String())
}
