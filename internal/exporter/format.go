package exporter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cleanhelmet/internal/store"
)

// Format is an export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts "csv" or "xlsx", case-insensitive. Empty means CSV.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "csv":
		return FormatCSV, nil
	case "xlsx":
		return FormatXLSX, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

// ContentType is the MIME type served for the format.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

// Extension is the file suffix without the dot.
func (f Format) Extension() string { return string(f) }

// Columns is the header row shared by every format.
var Columns = []string{"id", "timestamp", "device_id", "type", "payload"}

const timestampLayout = "2006-01-02 15:04:05"

func formatTime(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	return t.In(loc).Format(timestampLayout)
}

// formatPayload renders the payload as compact JSON. Map keys come out sorted.
func formatPayload(p map[string]interface{}) string {
	if len(p) == 0 {
		return ""
	}
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("%v", p)
	}
	return string(b)
}

func activityRow(e store.ActivityEntry, loc *time.Location) []string {
	return []string{
		strconv.FormatUint(uint64(e.ID), 10),
		formatTime(e.Timestamp, loc),
		e.DeviceID,
		string(e.Type),
		formatPayload(e.Payload),
	}
}
