package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"migranthub/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

func setupMockServer(t *testing.T) (*http.ServeMux, *DeadLetterSheet) {
	t.Helper()
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	srv, err := sheets.NewService(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	return mux, newDeadLetterSheet(srv, "dl_tid", "")
}

func deadOp() *models.QueuedOperation {
	msg := "remote rejected (http 422): invalid date"
	at := time.Date(2025, 5, 10, 8, 0, 0, 0, time.UTC)
	return &models.QueuedOperation{
		ID:           "op-1",
		EntityType:   models.EntityChecklistItem,
		EntityID:     "d1",
		Kind:         models.KindUpdate,
		Payload:      json.RawMessage(`{"status":"active"}`),
		BaseVersion:  3,
		Status:       models.OpDead,
		AttemptCount: 1,
		LastError:    &msg,
		CreatedAt:    at,
		UpdatedAt:    at.Add(time.Minute),
	}
}

func TestDeadLetterSheet_PushDead(t *testing.T) {
	mux, s := setupMockServer(t)

	var got sheets.ValueRange
	mux.HandleFunc("/v4/spreadsheets/dl_tid/values/DeadLetters!A:A:append", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "RAW", r.URL.Query().Get("valueInputOption"))
		assert.Equal(t, "INSERT_ROWS", r.URL.Query().Get("insertDataOption"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(sheets.AppendValuesResponse{})
	})

	require.NoError(t, s.PushDead(context.Background(), deadOp()))
	require.Len(t, got.Values, 1)
	row := got.Values[0]
	require.Len(t, row, len(deadLetterHeaders))
	assert.Equal(t, "op-1", row[0])
	assert.Equal(t, "document-checklist-item", row[1])
	assert.Equal(t, "remote rejected (http 422): invalid date", row[6])
	assert.Equal(t, `{"status":"active"}`, row[7])
	assert.Equal(t, "2025-05-10 08:00:00", row[8])
}

func TestDeadLetterSheet_PushDeadError(t *testing.T) {
	mux, s := setupMockServer(t)
	mux.HandleFunc("/v4/spreadsheets/dl_tid/values/DeadLetters!A:A:append", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":403,"message":"denied"}}`, http.StatusForbidden)
	})

	err := s.PushDead(context.Background(), deadOp())
	assert.ErrorContains(t, err, "append dead letter row")
}

func TestDeadLetterSheet_TestConnectionAndHeader(t *testing.T) {
	mux, s := setupMockServer(t)
	mux.HandleFunc("/v4/spreadsheets/dl_tid/values/DeadLetters!A1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			_ = json.NewEncoder(w).Encode(sheets.UpdateValuesResponse{})
			return
		}
		_ = json.NewEncoder(w).Encode(sheets.ValueRange{Values: [][]interface{}{{"Operation ID"}}})
	})

	assert.NoError(t, s.TestConnection(context.Background()))
	assert.NoError(t, s.WriteHeader(context.Background()))
}

func TestRowValues_NoError(t *testing.T) {
	op := deadOp()
	op.LastError = nil
	assert.Equal(t, "", rowValues(op)[6])
	assert.Equal(t, int64(3), rowValues(op)[4])
}

func TestServiceAccountEmail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"client_email":"sync@migranthub.iam.gserviceaccount.com"}`), 0o600))

	email, err := ServiceAccountEmail(path)
	require.NoError(t, err)
	assert.Equal(t, "sync@migranthub.iam.gserviceaccount.com", email)

	_, err = ServiceAccountEmail(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
