package exporter

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"cleanhelmet/internal/store"
)

type failingSource struct{}

func (failingSource) Activity(context.Context, store.ActivityFilter) ([]store.ActivityEntry, error) {
	return nil, errors.New("disk gone")
}

func sampleEntries() staticSource {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	return staticSource{
		{ID: 2, DeviceID: "CH_B", Type: store.ActivityType("FREE_CYCLE_USED"), Timestamp: base.Add(time.Hour),
			Payload: map[string]interface{}{"total": 1, "available": 0}},
		{ID: 1, DeviceID: "CH_A", Type: store.ActivityType("DEVICE_BLOCKED"), Timestamp: base},
		{ID: 3, DeviceID: "CH_A", Type: store.ActivityType("ADMIN_RESET"), Timestamp: base.Add(13 * time.Hour)},
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatCSV, false},
		{"csv", FormatCSV, false},
		{" XLSX ", FormatXLSX, false},
		{"pdf", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Contains(t, FormatCSV.ContentType(), "text/csv")
	assert.Contains(t, FormatXLSX.ContentType(), "spreadsheetml")
}

func TestExportCSV(t *testing.T) {
	var buf bytes.Buffer
	n, err := New(sampleEntries(), time.UTC).Export(context.Background(), &buf, FormatCSV, store.ActivityFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.True(t, bytes.HasPrefix(buf.Bytes(), utf8BOM))
	records, err := csv.NewReader(bytes.NewReader(buf.Bytes()[len(utf8BOM):])).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)

	assert.Equal(t, Columns, records[0])
	assert.Equal(t, []string{"1", "2026-03-10 12:00:00", "CH_A", "DEVICE_BLOCKED", ""}, records[1])
	assert.Equal(t, `{"available":0,"total":1}`, records[2][4])
	assert.Equal(t, "ADMIN_RESET", records[3][3])
}

func TestExportUsesLocation(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	var buf bytes.Buffer
	_, err := New(sampleEntries()[1:2], loc).Export(context.Background(), &buf, FormatCSV, store.ActivityFilter{})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "2026-03-10 09:00:00")
}

func TestExportXLSX(t *testing.T) {
	var buf bytes.Buffer
	n, err := New(sampleEntries(), time.UTC).Export(context.Background(), &buf, FormatXLSX, store.ActivityFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{activitySheet}, f.GetSheetList())
	rows, err := f.GetRows(activitySheet)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, Columns, rows[0])
	assert.Equal(t, "CH_A", rows[1][2])
	assert.Equal(t, "FREE_CYCLE_USED", rows[2][3])
}

func TestExportErrors(t *testing.T) {
	var buf bytes.Buffer
	_, err := New(failingSource{}, nil).Export(context.Background(), &buf, FormatCSV, store.ActivityFilter{})
	assert.Error(t, err)

	_, err = New(sampleEntries(), nil).Export(context.Background(), &buf, Format("pdf"), store.ActivityFilter{})
	assert.Error(t, err)
}

func TestArchiveDay(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")
	day := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)

	path, err := New(sampleEntries(), time.UTC).ArchiveDay(context.Background(), dir, day)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "activity_2026_03_10.csv"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	records, err := csv.NewReader(bytes.NewReader(data[len(utf8BOM):])).ReadAll()
	require.NoError(t, err)
	// the ADMIN_RESET entry falls on the next day
	assert.Len(t, records, 3)
}

func TestCSVWriterCountsRows(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewCSVWriter(&buf, nil)
	require.NoError(t, err)
	require.NoError(t, w.WriteRecord([]string{"a", "b"}))
	require.NoError(t, w.WriteRecord([]string{"c", "d"}))
	require.NoError(t, w.Close())

	assert.Equal(t, 2, w.Rows())
	assert.Equal(t, "a,b\nc,d\n", string(buf.Bytes()[len(utf8BOM):]))
}
