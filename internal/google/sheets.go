package google

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"migranthub/internal/models"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const timeLayout = "2006-01-02 15:04:05"

var deadLetterHeaders = []interface{}{
	"Operation ID", "Entity Type", "Entity ID", "Kind", "Base Version",
	"Attempts", "Last Error", "Payload", "Created At", "Updated At",
}

// DeadLetterSheet appends dead operations to a spreadsheet shared with support staff.
type DeadLetterSheet struct {
	service       *sheets.Service
	spreadsheetID string
	appendRange   string
}

func NewDeadLetterSheet(ctx context.Context, credentialsFile, spreadsheetID, appendRange string) (*DeadLetterSheet, error) {
	credentialsJSON, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}

	config, err := google.JWTConfigFromJSON(credentialsJSON, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}

	srv, err := sheets.NewService(ctx, option.WithHTTPClient(config.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Sheets service: %w", err)
	}

	return newDeadLetterSheet(srv, spreadsheetID, appendRange), nil
}

func newDeadLetterSheet(srv *sheets.Service, spreadsheetID, appendRange string) *DeadLetterSheet {
	if appendRange == "" {
		appendRange = "DeadLetters!A:A"
	}
	return &DeadLetterSheet{
		service:       srv,
		spreadsheetID: spreadsheetID,
		appendRange:   appendRange,
	}
}

func (s *DeadLetterSheet) sheetName() string {
	name, _, _ := strings.Cut(s.appendRange, "!")
	return name
}

// TestConnection reads the header cell.
func (s *DeadLetterSheet) TestConnection(ctx context.Context) error {
	_, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName()+"!A1").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}

// WriteHeader overwrites the first row with column titles.
func (s *DeadLetterSheet) WriteHeader(ctx context.Context) error {
	valueRange := &sheets.ValueRange{Values: [][]interface{}{deadLetterHeaders}}
	_, err := s.service.Spreadsheets.Values.Update(s.spreadsheetID, s.sheetName()+"!A1", valueRange).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}

// PushDead implements domain.DeadLetterSink.
func (s *DeadLetterSheet) PushDead(ctx context.Context, op *models.QueuedOperation) error {
	valueRange := &sheets.ValueRange{
		Values: [][]interface{}{rowValues(op)},
	}

	_, err := s.service.Spreadsheets.Values.Append(s.spreadsheetID, s.appendRange, valueRange).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("append dead letter row: %w", err)
	}
	return nil
}

func rowValues(op *models.QueuedOperation) []interface{} {
	lastError := ""
	if op.LastError != nil {
		lastError = *op.LastError
	}
	return []interface{}{
		op.ID,
		string(op.EntityType),
		op.EntityID,
		string(op.Kind),
		op.BaseVersion,
		op.AttemptCount,
		lastError,
		string(op.Payload),
		op.CreatedAt.UTC().Format(timeLayout),
		op.UpdatedAt.UTC().Format(timeLayout),
	}
}

// ServiceAccountEmail returns the address the spreadsheet must be shared with.
func ServiceAccountEmail(credentialsFile string) (string, error) {
	file, err := os.ReadFile(credentialsFile)
	if err != nil {
		return "", err
	}

	var creds struct {
		ClientEmail string `json:"client_email"`
	}

	if err := json.Unmarshal(file, &creds); err != nil {
		return "", err
	}

	return creds.ClientEmail, nil
}
