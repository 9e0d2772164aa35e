// Package model defines the records shared by the ingestion and transformation
// pipelines. The types carry no behavior beyond validation helpers so that every
// store implementation and component can depend on them without cycles.
package model

import (
	"path"
	"strings"
	"time"
)

// FileStatus is the lifecycle state of a discovered file.
type FileStatus string

const (
	FilePending    FileStatus = "PENDING"
	FileProcessing FileStatus = "PROCESSING"
	FileSuccess    FileStatus = "SUCCESS"
	FileFailed     FileStatus = "FAILED"
)

// Terminal reports whether no further parse transition is possible without a reprocess.
func (s FileStatus) Terminal() bool {
	return s == FileSuccess || s == FileFailed
}

// Valid reports whether s is a known status.
func (s FileStatus) Valid() bool {
	switch s {
	case FilePending, FileProcessing, FileSuccess, FileFailed:
		return true
	}
	return false
}

// FileFormat identifies how a file is decoded.
type FileFormat string

const (
	FormatCSV   FileFormat = "TABULAR_CSV"
	FormatSheet FileFormat = "TABULAR_SHEET"
)

// FormatForName infers the format from the file extension.
// Returns false for extensions the parser does not handle.
func FormatForName(name string) (FileFormat, bool) {
	switch strings.ToLower(path.Ext(name)) {
	case ".csv":
		return FormatCSV, true
	case ".xlsx", ".xls":
		return FormatSheet, true
	}
	return "", false
}

// FileRecord tracks one physical file through discovery, parsing and relocation.
// FileName is the path relative to the landing area and is unique.
type FileRecord struct {
	FileName            string         `json:"file_name"`
	Tenant              string         `json:"tenant,omitempty"`
	Format              FileFormat     `json:"format"`
	SizeBytes           int64          `json:"size_bytes"`
	Status              FileStatus     `json:"status"`
	DiscoveredAt        time.Time      `json:"discovered_at"`
	ProcessingStartedAt *time.Time     `json:"processing_started_at,omitempty"`
	ProcessedAt         *time.Time     `json:"processed_at,omitempty"`
	MovedAt             *time.Time     `json:"moved_at,omitempty"`
	RetryCount          int            `json:"retry_count"`
	ErrorMessage        string         `json:"error_message,omitempty"`
	ProcessResult       *ProcessResult `json:"process_result,omitempty"`
}

// ProcessResult summarizes one parse of a file.
type ProcessResult struct {
	RowsRead     int      `json:"rows_read"`
	RowsInserted int      `json:"rows_inserted"`
	RowsSkipped  int      `json:"rows_skipped"`
	Warnings     []string `json:"warnings,omitempty"`
	DurationMs   int64    `json:"duration_ms"`
}

// TenantFromPath returns the first segment of a landing-relative file name,
// or "" when the file sits at the landing root.
func TenantFromPath(fileName string) string {
	fileName = strings.TrimPrefix(path.Clean("/"+fileName), "/")
	if i := strings.IndexByte(fileName, '/'); i > 0 {
		return fileName[:i]
	}
	return ""
}

// FileStats counts files per status.
type FileStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Success    int `json:"success"`
	Failed     int `json:"failed"`
	Unmoved    int `json:"unmoved"`
}

// FileFilter narrows file listings. Zero values mean "any".
type FileFilter struct {
	Status []FileStatus
	Tenant string
	Limit  int
	Offset int
}
