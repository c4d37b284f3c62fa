package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"cleanhelmet/internal/config"
	apperrors "cleanhelmet/internal/errors"
	"cleanhelmet/internal/store"
)

// SheetsSink appends one row per completed cycle to a spreadsheet.
// Other event types are accepted and ignored.
type SheetsSink struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
}

// NewSheetsSink builds the Sheets client. Extra options override the
// credentials file, which tests use to point at a local server.
func NewSheetsSink(ctx context.Context, cfg config.SheetsConfig, opts ...option.ClientOption) (*SheetsSink, error) {
	if cfg.SpreadsheetID == "" {
		return nil, apperrors.NewConfigError("sheets spreadsheet id is empty", nil)
	}
	if cfg.CredentialsFile != "" {
		opts = append([]option.ClientOption{option.WithCredentialsFile(cfg.CredentialsFile)}, opts...)
	}
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, apperrors.NewConfigError("failed to create sheets service", err)
	}
	return &SheetsSink{service: svc, spreadsheetID: cfg.SpreadsheetID, sheetName: cfg.SheetName}, nil
}

func (s *SheetsSink) Name() string { return "sheets" }

// usageRow mirrors the fields of a cycle usage report.
type usageRow struct {
	SessionID        string        `json:"session_id"`
	DeviceID         string        `json:"device_id"`
	PaymentReference string        `json:"payment_reference"`
	Free             bool          `json:"free"`
	StartedAt        time.Time     `json:"started_at"`
	EndedAt          time.Time     `json:"ended_at"`
	Duration         time.Duration `json:"duration"`
	StepCount        int           `json:"step_count"`
	Steps            []string      `json:"steps"`
	DoorInterrupts   int           `json:"door_interrupts"`
}

func (s *SheetsSink) Deliver(ctx context.Context, item store.SyncItem) error {
	if item.Type != store.SyncItemCycle {
		return nil
	}
	var r usageRow
	if err := json.Unmarshal(item.Payload, &r); err != nil {
		// Retrying cannot fix a malformed payload.
		return nil
	}

	payment := "free"
	if !r.Free {
		payment = r.PaymentReference
	}
	values := [][]interface{}{{
		item.ID,
		r.EndedAt.Format("2006-01-02 15:04:05"),
		r.SessionID,
		r.DeviceID,
		payment,
		int(r.Duration.Seconds()),
		r.StepCount,
		strings.Join(r.Steps, ", "),
		r.DoorInterrupts,
	}}

	_, err := s.service.Spreadsheets.Values.Append(
		s.spreadsheetID,
		fmt.Sprintf("%s!A:I", s.sheetName),
		&sheets.ValueRange{Values: values},
	).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return apperrors.NewNetworkError("sheets append failed", err).WithContext("item_id", item.ID)
	}
	return nil
}
