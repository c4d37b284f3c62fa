// Package exporter turns the activity log into files an operator can open.
//
// Two formats are supported: CSV with a UTF-8 BOM so spreadsheet tools detect
// the encoding, and XLSX written with excelize. Both share the same column
// layout (see Columns).
//
// Example usage:
//
//	exp := exporter.New(repo, time.Local)
//	err := exp.Export(ctx, w, exporter.FormatXLSX, store.ActivityFilter{Since: midnight})
//
//	// nightly archive of the previous day
//	path, err := exp.ArchiveDay(ctx, "data/exports", yesterday)
package exporter
