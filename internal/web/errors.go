package web

// errors.go provides unified error response handling for the web layer.
//
// The error flow:
//  1. Handler encounters an error
//  2. Calls s.respondError(w, r, err, fallbackStatus)
//  3. Error is mapped via core.MapError to a code, message and action
//  4. The code picks the HTTP status; unknown errors use the fallback
//  5. Technical error is logged with the request ID; the client gets the
//     mapped message

import (
	"net"
	"net/http"
	"strings"

	"github.com/JonMunkholm/ingestflow/internal/core"
	"github.com/JonMunkholm/ingestflow/internal/logging"
)

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// codeStatus maps error codes to HTTP statuses. Families not listed fall back
// to familyStatus.
var codeStatus = map[string]int{
	"DB001":  http.StatusConflict,
	"DB006":  http.StatusNotFound,
	"DB007":  http.StatusConflict,
	"BAT001": http.StatusUnprocessableEntity,
	"BAT002": http.StatusConflict,
	"JOB001": http.StatusNotFound,
	"JOB002": http.StatusConflict,
	"JOB003": http.StatusServiceUnavailable,
	"REQ001": http.StatusBadRequest,
	"REQ002": http.StatusGatewayTimeout,
}

var familyStatus = map[string]int{
	"DB":   http.StatusServiceUnavailable,
	"FILE": http.StatusUnprocessableEntity,
	"MAP":  http.StatusBadRequest,
	"RULE": http.StatusBadRequest,
	"SCH":  http.StatusBadRequest,
}

// statusForCode returns the HTTP status for an error code. ERR000 and unknown
// codes use fallback.
func statusForCode(code string, fallback int) int {
	if st, ok := codeStatus[code]; ok {
		return st
	}
	family := strings.TrimRight(code, "0123456789")
	if st, ok := familyStatus[family]; ok {
		return st
	}
	return fallback
}

// respondError logs the technical error server-side and returns the mapped
// message. fallback is the status for errors without a known code: 400 for
// handlers whose service call mostly fails on validation, 500 otherwise.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error, fallback int) {
	userMsg := core.MapError(err)
	status := statusForCode(userMsg.Code, fallback)

	logger := logging.FromContext(r.Context())
	level := logger.Warn
	if status >= 500 {
		level = logger.Error
	}
	level("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", userMsg.Code,
	)

	resp := ErrorResponse{
		Error:   userMsg.Message,
		Message: userMsg.Message,
		Action:  userMsg.Action,
		Code:    userMsg.Code,
	}
	// Validation failures are the operator's own input; echo them.
	if userMsg.Code == "ERR000" && status < 500 {
		resp.Error = err.Error()
	}
	writeJSON(w, status, resp)
}

// badRequest rejects malformed input before the service is called.
func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   message,
		Message: "Invalid request",
		Action:  "Check the request parameters and body",
		Code:    "REQ400",
	})
}

// clientIP returns the host part of RemoteAddr.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
