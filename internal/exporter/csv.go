package exporter

import (
	"encoding/csv"
	"fmt"
	"io"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CSVWriter streams rows to w. The BOM and header are written on creation.
type CSVWriter struct {
	writer *csv.Writer
	rows   int
}

// NewCSVWriter writes the BOM and headers and returns a writer for the rows.
func NewCSVWriter(w io.Writer, headers []string) (*CSVWriter, error) {
	if _, err := w.Write(utf8BOM); err != nil {
		return nil, fmt.Errorf("failed to write BOM: %w", err)
	}
	cw := csv.NewWriter(w)
	if len(headers) > 0 {
		if err := cw.Write(headers); err != nil {
			return nil, fmt.Errorf("failed to write headers: %w", err)
		}
	}
	return &CSVWriter{writer: cw}, nil
}

// WriteRecord writes a single record.
func (c *CSVWriter) WriteRecord(record []string) error {
	if err := c.writer.Write(record); err != nil {
		return fmt.Errorf("failed to write record %d: %w", c.rows, err)
	}
	c.rows++
	return nil
}

// Rows is the number of records written so far, header excluded.
func (c *CSVWriter) Rows() int { return c.rows }

// Close flushes buffered output.
func (c *CSVWriter) Close() error {
	c.writer.Flush()
	return c.writer.Error()
}
