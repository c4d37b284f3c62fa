package exporter

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"cleanhelmet/internal/store"
)

// ActivitySource lists audit entries.
type ActivitySource interface {
	Activity(ctx context.Context, filter store.ActivityFilter) ([]store.ActivityEntry, error)
}

// Exporter renders the activity log.
type Exporter struct {
	source ActivitySource
	loc    *time.Location
}

// New creates an exporter. Timestamps are rendered in loc (UTC when nil).
func New(source ActivitySource, loc *time.Location) *Exporter {
	if loc == nil {
		loc = time.UTC
	}
	return &Exporter{source: source, loc: loc}
}

// Export writes the entries matching filter to w, oldest first, and returns
// how many were written.
func (e *Exporter) Export(ctx context.Context, w io.Writer, format Format, filter store.ActivityFilter) (int, error) {
	entries, err := e.source.Activity(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to list activity: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})

	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, activityRow(entry, e.loc))
	}

	switch format {
	case FormatXLSX:
		return len(rows), writeXLSX(w, Columns, rows)
	case FormatCSV:
		cw, err := NewCSVWriter(w, Columns)
		if err != nil {
			return 0, err
		}
		for _, row := range rows {
			if err := cw.WriteRecord(row); err != nil {
				return cw.Rows(), err
			}
		}
		return cw.Rows(), cw.Close()
	}
	return 0, fmt.Errorf("unsupported export format %q", format)
}

// ArchiveDay writes one CSV with the entries of the calendar day containing
// day (in the exporter's time zone) to dir/activity_YYYY_MM_DD.csv.
func (e *Exporter) ArchiveDay(ctx context.Context, dir string, day time.Time) (string, error) {
	local := day.In(e.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, e.loc)
	end := start.AddDate(0, 0, 1)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("activity_%s.csv", start.Format("2006_01_02")))

	entries, err := e.source.Activity(ctx, store.ActivityFilter{Since: start})
	if err != nil {
		return "", fmt.Errorf("failed to list activity: %w", err)
	}
	dayEntries := entries[:0]
	for _, entry := range entries {
		if entry.Timestamp.Before(end) {
			dayEntries = append(dayEntries, entry)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	_, err = New(staticSource(dayEntries), e.loc).Export(ctx, f, FormatCSV, store.ActivityFilter{})
	if err != nil {
		return "", err
	}
	return path, f.Close()
}

type staticSource []store.ActivityEntry

func (s staticSource) Activity(context.Context, store.ActivityFilter) ([]store.ActivityEntry, error) {
	return append([]store.ActivityEntry(nil), s...), nil
}
