// Package core provides the operator-facing services of the pipeline.
//
// # Error Codes Reference
//
// This file defines operator-friendly error messages with codes for support
// reference. Codes are persisted as the prefix of FileRecord error messages and
// returned in API error bodies, so they must stay stable.
//
// Error codes are grouped by category:
//
// # Database Errors (DB001-DB099)
//
//	DB001 - Duplicate key: A record with this key already exists
//	DB002 - Connection refused: Unable to connect to database
//	DB003 - Connection reset: Database connection was interrupted
//	DB004 - Deadlock: Database was busy with conflicting operations
//	DB005 - Timeout: Operation timed out
//	DB006 - Not found: The requested record does not exist
//	DB007 - State conflict: The record is not in the expected state
//
// # File Errors (FILE001-FILE099)
//
//	FILE001 - File too large
//	FILE002 - Empty file
//	FILE003 - Header but no data rows
//	FILE004 - Unsupported file format
//	FILE005 - Legacy .xls spreadsheet
//	FILE006 - File missing from every storage area
//	FILE007 - Malformed CSV or undecodable text
//	FILE008 - Workbook without sheets
//
// # Mapping Errors (MAP001-MAP099)
//
//	MAP001 - No source fields to map
//	MAP002 - Invalid transform expression
//	MAP003 - Invalid manual mapping table
//	MAP004 - Invalid mapping attributes
//
// # Rule Errors (RULE001-RULE099)
//
//	RULE001 - Unknown category or operation
//	RULE002 - Invalid predicate
//	RULE003 - Invalid rule parameters
//	RULE004 - Rule names a column the target schema lacks
//
// # Schema Errors (SCH001-SCH099)
//
//	SCH001 - Invalid target schema or column data type
//
// # Batch Errors (BAT001-BAT099)
//
//	BAT001 - No approved mappings for the target entity
//	BAT002 - Another batch is running for the same source and target
//
// # Job Errors (JOB001-JOB099)
//
//	JOB001 - Unknown job
//	JOB002 - Job already running
//	JOB003 - Too many jobs running
//
// # Request Errors (REQ001-REQ099)
//
//	REQ001 - Request cancelled
//	REQ002 - Request deadline exceeded
//
// # Default Error (ERR000)
//
// Fallback when nothing matches. Check the logs for the technical error.
//
// # Matching
//
// Sentinel errors are matched first with errors.Is, in table order. Then text
// patterns are matched case-insensitively with strings.Contains; the first
// match wins, so specific patterns come before general ones.
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/ingestflow/internal/ingest"
	"github.com/JonMunkholm/ingestflow/internal/mapping"
	"github.com/JonMunkholm/ingestflow/internal/rules"
	"github.com/JonMunkholm/ingestflow/internal/store"
	"github.com/JonMunkholm/ingestflow/internal/transform"
)

// UserMessage provides operator-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"` // What happened
	Action  string `json:"action"`  // What to do about it
	Code    string `json:"code"`    // Error code for support reference
}

type sentinelMessage struct {
	err error
	msg UserMessage
}

// sentinelMessages are checked in order; specific errors come before the
// generic store errors they may wrap.
var sentinelMessages = []sentinelMessage{
	{transform.ErrNoApprovedMappings, UserMessage{
		Message: "The target entity has no approved mappings",
		Action:  "Suggest and approve mappings for the target entity, then rerun the transform",
		Code:    "BAT001",
	}},
	{transform.ErrBatchInProgress, UserMessage{
		Message: "A batch is already running for this source and target",
		Action:  "Wait for the running batch to finish",
		Code:    "BAT002",
	}},
	{ErrUnknownJob, UserMessage{
		Message: "Unknown job",
		Action:  "List the scheduled jobs and use one of their names",
		Code:    "JOB001",
	}},
	{ErrJobRunning, UserMessage{
		Message: "The job is already running",
		Action:  "Wait for the current run to finish",
		Code:    "JOB002",
	}},
	{ErrTooManyJobs, UserMessage{
		Message: "Too many jobs are running",
		Action:  "Please wait a moment and try again",
		Code:    "JOB003",
	}},
	{ingest.ErrFileTooLarge, UserMessage{
		Message: "File exceeds the maximum size limit",
		Action:  "Split the file into smaller files",
		Code:    "FILE001",
	}},
	{ingest.ErrEmptyFile, UserMessage{
		Message: "The file is empty",
		Action:  "Land a file with a header row and data rows",
		Code:    "FILE002",
	}},
	{ingest.ErrNoDataRows, UserMessage{
		Message: "The file has a header but no data rows",
		Action:  "Land a file with data rows",
		Code:    "FILE003",
	}},
	{ingest.ErrUnsupportedFormat, UserMessage{
		Message: "Unsupported file format",
		Action:  "Land .csv or .xlsx files",
		Code:    "FILE004",
	}},
	{ingest.ErrLegacySpreadsheet, UserMessage{
		Message: "Legacy .xls spreadsheets are not supported",
		Action:  "Save the workbook as .xlsx or export it as CSV",
		Code:    "FILE005",
	}},
	{ingest.ErrFileMissing, UserMessage{
		Message: "The file was not found in any storage area",
		Action:  "Land the file again, then reprocess it",
		Code:    "FILE006",
	}},
	{ingest.ErrNoSheets, UserMessage{
		Message: "The workbook has no sheets",
		Action:  "Check the workbook and land it again",
		Code:    "FILE008",
	}},
	{rules.ErrUnknownColumn, UserMessage{
		Message: "The rule names a column the target schema does not declare",
		Action:  "Fix the column name or add the column to the target schema",
		Code:    "RULE004",
	}},
	{mapping.ErrNoSourceFields, UserMessage{
		Message: "No source fields were found to map",
		Action:  "Process a file first or pass the source fields explicitly",
		Code:    "MAP001",
	}},
	{context.Canceled, UserMessage{
		Message: "Request was cancelled",
		Action:  "Please try again",
		Code:    "REQ001",
	}},
	{context.DeadlineExceeded, UserMessage{
		Message: "Request timed out",
		Action:  "Try again later or with a smaller batch",
		Code:    "REQ002",
	}},
	{store.ErrNotFound, UserMessage{
		Message: "The requested record does not exist",
		Action:  "Check the name or id",
		Code:    "DB006",
	}},
	{store.ErrConflict, UserMessage{
		Message: "The record is not in the expected state",
		Action:  "Refresh its status and retry when it is idle",
		Code:    "DB007",
	}},
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns maps technical error text (case-insensitive) to user messages.
var errorPatterns = []errorPattern{
	// =========================================================================
	// Database Errors (DB001-DB005)
	// =========================================================================
	{
		pattern: "duplicate key",
		msg: UserMessage{
			Message: "A record with this key already exists",
			Action:  "Review the data for duplicate key values",
			Code:    "DB001",
		},
	},
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to database",
			Action:  "Please try again in a few moments",
			Code:    "DB002",
		},
	},
	{
		pattern: "connection reset",
		msg: UserMessage{
			Message: "Database connection was interrupted",
			Action:  "Please try again",
			Code:    "DB003",
		},
	},
	{
		pattern: "deadlock",
		msg: UserMessage{
			Message: "Database was busy with conflicting operations",
			Action:  "Please try again",
			Code:    "DB004",
		},
	},
	{
		pattern: "timeout",
		msg: UserMessage{
			Message: "Operation timed out",
			Action:  "Try again later or with a smaller batch",
			Code:    "DB005",
		},
	},

	// =========================================================================
	// File Errors (FILE007)
	// =========================================================================
	{
		pattern: "parse error on line",
		msg: UserMessage{
			Message: "The file is not valid CSV",
			Action:  "Check quoting and delimiters in the file",
			Code:    "FILE007",
		},
	},
	{
		pattern: "decode",
		msg: UserMessage{
			Message: "The file contains text that could not be decoded",
			Action:  "Save the file as UTF-8",
			Code:    "FILE007",
		},
	},

	// =========================================================================
	// Mapping Errors (MAP002-MAP004)
	// =========================================================================
	{
		pattern: "expression",
		msg: UserMessage{
			Message: "Invalid transform expression",
			Action:  "Check the operation names and arguments of the expression",
			Code:    "MAP002",
		},
	},
	{
		pattern: "mapping table",
		msg: UserMessage{
			Message: "The mapping table could not be read",
			Action:  "Provide source_field, target_field and target_entity columns",
			Code:    "MAP003",
		},
	},
	{
		pattern: "mapping:",
		msg: UserMessage{
			Message: "The mapping is incomplete or invalid",
			Action:  "Check source field, target entity, target field and confidence",
			Code:    "MAP004",
		},
	},

	// =========================================================================
	// Rule Errors (RULE001-RULE004)
	// =========================================================================
	{
		pattern: "unknown rule category",
		msg: UserMessage{
			Message: "Unknown rule category",
			Action:  "Use QUALITY, BUSINESS, STANDARDIZATION or DEDUP",
			Code:    "RULE001",
		},
	},
	{
		pattern: "unknown category",
		msg: UserMessage{
			Message: "Unknown rule category",
			Action:  "Use QUALITY, BUSINESS, STANDARDIZATION or DEDUP",
			Code:    "RULE001",
		},
	},
	{
		pattern: "unknown error action",
		msg: UserMessage{
			Message: "Unknown error action",
			Action:  "Use LOG, REJECT or QUARANTINE",
			Code:    "RULE001",
		},
	},
	{
		pattern: "operation",
		msg: UserMessage{
			Message: "Unknown rule operation",
			Action:  "Use one of the supported operations for the rule category",
			Code:    "RULE001",
		},
	},
	{
		pattern: "predicate",
		msg: UserMessage{
			Message: "The rule condition could not be parsed",
			Action:  "Check the condition syntax, e.g. EMAIL IS NOT NULL",
			Code:    "RULE002",
		},
	},
	{
		pattern: "parameters",
		msg: UserMessage{
			Message: "Invalid rule parameters",
			Action:  "Check the parameter names and values for the operation",
			Code:    "RULE003",
		},
	},

	// =========================================================================
	// Schema Errors (SCH001)
	// =========================================================================
	{
		pattern: "unsupported data type",
		msg: UserMessage{
			Message: "Unsupported column data type",
			Action:  "Use TEXT, VARCHAR(n), INTEGER, NUMBER, DATE, TIMESTAMP or BOOLEAN",
			Code:    "SCH001",
		},
	},
	{
		pattern: "target schema",
		msg: UserMessage{
			Message: "The target schema is invalid",
			Action:  "Check the entity name and its columns",
			Code:    "SCH001",
		},
	},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or check the server logs",
	Code:    "ERR000",
}

// MapError converts a technical error to an operator-friendly message.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, sm := range sentinelMessages {
		if errors.Is(err, sm.err) {
			return sm.msg
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// DescribeFileError renders the message persisted on a failed FileRecord: the
// code followed by the technical error, e.g. "FILE002: file is empty".
func DescribeFileError(err error) string {
	if err == nil {
		return ""
	}
	return MapError(err).Code + ": " + err.Error()
}

// IsUserFacing reports whether err matched a known code rather than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError wraps a technical error with its operator-facing message.
type UserError struct {
	Technical error       // Original technical error for logging
	User      UserMessage // Operator-facing message
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err. Returns nil if err is nil.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
