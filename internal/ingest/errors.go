package ingest

import "errors"

// Sentinel errors for per-file failures. Each is persisted on the FileRecord.
var (
	ErrEmptyFile         = errors.New("file is empty")
	ErrNoDataRows        = errors.New("file has no data rows")
	ErrFileTooLarge      = errors.New("file too large")
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrLegacySpreadsheet = errors.New("unsupported legacy spreadsheet format")
	ErrFileMissing       = errors.New("file not found in any storage area")
	ErrNoSheets          = errors.New("workbook has no sheets")
)
