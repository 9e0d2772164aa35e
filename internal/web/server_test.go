package web

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/JonMunkholm/ingestflow/internal/config"
	"github.com/JonMunkholm/ingestflow/internal/core"
	"github.com/JonMunkholm/ingestflow/internal/storage"
	"github.com/JonMunkholm/ingestflow/internal/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	server *Server
	svc    *core.Service
	files  *storage.Local
}

func newTestEnv(t *testing.T, sec config.SecurityConfig) *testEnv {
	t.Helper()
	files, err := storage.NewLocal(t.TempDir(), storage.Dirs{})
	require.NoError(t, err)
	svc, err := core.NewService(core.Deps{
		Store:  memstore.New(),
		Files:  files,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, core.Config{Extensions: []string{"csv"}})
	require.NoError(t, err)

	srv := NewServer(svc, config.ServerConfig{}, sec)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return &testEnv{server: srv, svc: svc, files: files}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.RemoteAddr = "203.0.113.5:40000"
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

// ---- Health ----

func TestHealth(t *testing.T) {
	env := newTestEnv(t, config.SecurityConfig{})
	rec := env.do(t, http.MethodGet, "/healthz", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

// ---- File lifecycle ----

func TestFileLifecycleEndpoints(t *testing.T) {
	env := newTestEnv(t, config.SecurityConfig{})
	require.NoError(t, env.files.Put(context.Background(), storage.Landing, "acme/orders.csv",
		strings.NewReader("ID,AMOUNT\n1,10\n2,20\n")))

	rec := env.do(t, http.MethodPost, "/api/discover", "", "User-Agent", "ops-test")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res core.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "1 listed, 1 registered, 0 ignored", res.Summary)

	rec = env.do(t, http.MethodPost, "/api/process", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Contains(t, res.Summary, "1 succeeded, 0 failed, 2 rows")

	rec = env.do(t, http.MethodGet, "/api/files/acme/orders.csv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"SUCCESS"`)

	rec = env.do(t, http.MethodGet, "/api/files?status=success,failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = env.do(t, http.MethodGet, "/api/files/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":1`)

	// Audit entries carry the rewritten client address and user agent.
	entries, err := env.svc.AuditLog(context.Background(), 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	discover := entries[len(entries)-1]
	assert.Equal(t, "203.0.113.5", discover.IPAddress)
	assert.Equal(t, "ops-test", discover.UserAgent)
	assert.NotEmpty(t, discover.RequestID)
}

func TestRequestValidation(t *testing.T) {
	env := newTestEnv(t, config.SecurityConfig{})

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
		code   string
	}{
		{"unknown status filter", http.MethodGet, "/api/files?status=LOST", "", http.StatusBadRequest, "REQ400"},
		{"reprocess without name", http.MethodPost, "/api/reprocess", `{}`, http.StatusBadRequest, "REQ400"},
		{"reprocess bad json", http.MethodPost, "/api/reprocess", `{"file_name":`, http.StatusBadRequest, "REQ400"},
		{"transform without target", http.MethodPost, "/api/transform", `{}`, http.StatusBadRequest, "REQ400"},
		{"archive bad duration", http.MethodPost, "/api/archive?older_than=soon", "", http.StatusBadRequest, "REQ400"},
		{"missing file", http.MethodGet, "/api/files/nope.csv", "", http.StatusNotFound, "DB006"},
		{"missing schema", http.MethodGet, "/api/schemas/ORDERS", "", http.StatusNotFound, "DB006"},
		{"transform unknown entity", http.MethodPost, "/api/transform", `{"target_entity":"ORDERS"}`, http.StatusNotFound, "DB006"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body)
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
			resp := decodeError(t, rec)
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

// ---- Transform ----

func TestRunTransformWithoutMappings(t *testing.T) {
	env := newTestEnv(t, config.SecurityConfig{})

	rec := env.do(t, http.MethodPut, "/api/schemas",
		`{"entity":"ORDERS","columns":[{"name":"ORDER_ID","data_type":"TEXT"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/transform", `{"target_entity":"orders"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	assert.Equal(t, "BAT001", decodeError(t, rec).Code)
}

// ---- Jobs ----

func TestJobEndpoints(t *testing.T) {
	env := newTestEnv(t, config.SecurityConfig{})

	// No scheduler registered yet.
	rec := env.do(t, http.MethodPost, "/api/jobs/discover/run", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "JOB001", decodeError(t, rec).Code)

	sched := core.NewScheduler(core.NewJobLimiter(2, 0), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, env.svc.RegisterJobs(sched, core.Schedules{}))

	rec = env.do(t, http.MethodPost, "/api/jobs/discover/run", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var st core.JobStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "discover", st.Name)
	assert.Equal(t, 1, st.Runs)

	rec = env.do(t, http.MethodPost, "/api/jobs/DISCOVER/suspend", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Suspended)

	rec = env.do(t, http.MethodPost, "/api/jobs/discover/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.False(t, st.Suspended)

	rec = env.do(t, http.MethodPost, "/api/jobs/reindex/suspend", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"max_concurrent":2`)
}

// ---- Audit log ----

func TestAuditLogExport(t *testing.T) {
	env := newTestEnv(t, config.SecurityConfig{})
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/discover", "").Code)

	rec := env.do(t, http.MethodGet, "/api/audit-log?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"action":"discover"`)

	rec = env.do(t, http.MethodGet, "/api/audit-log/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "audit_log_")

	rows, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "discover", rows[1][2])
}

// ---- Security ----

func TestAPIKeyRequired(t *testing.T) {
	env := newTestEnv(t, config.SecurityConfig{RequireAPIKey: true, APIKeys: []string{"secret"}})

	rec := env.do(t, http.MethodGet, "/api/files", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "AUTH001", decodeError(t, rec).Code)

	rec = env.do(t, http.MethodGet, "/api/files", "", "X-API-Key", "wrong")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "AUTH002", decodeError(t, rec).Code)

	rec = env.do(t, http.MethodGet, "/api/files", "", "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays open.
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "").Code)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, config.SecurityConfig{RateLimitPerMinute: 2})

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "").Code)

	rec := env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "REQ429", decodeError(t, rec).Code)
}

// ---- Error mapping ----

func TestStatusForCode(t *testing.T) {
	tests := []struct {
		code     string
		fallback int
		want     int
	}{
		{"DB006", 500, http.StatusNotFound},
		{"DB001", 500, http.StatusConflict},
		{"DB003", 500, http.StatusServiceUnavailable},
		{"BAT001", 500, http.StatusUnprocessableEntity},
		{"BAT002", 500, http.StatusConflict},
		{"FILE004", 500, http.StatusUnprocessableEntity},
		{"MAP002", 500, http.StatusBadRequest},
		{"RULE001", 500, http.StatusBadRequest},
		{"JOB003", 500, http.StatusServiceUnavailable},
		{"REQ002", 500, http.StatusGatewayTimeout},
		{"ERR000", 400, http.StatusBadRequest},
		{"ERR000", 500, http.StatusInternalServerError},
		{"XYZ123", 500, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, statusForCode(tt.code, tt.fallback))
		})
	}
}

func TestParseDurationParam(t *testing.T) {
	tests := []struct {
		query   string
		want    string
		wantErr bool
	}{
		{"", "0s", false},
		{"older_than=30d", "720h0m0s", false},
		{"older_than=36h", "36h0m0s", false},
		{"older_than=-1h", "", true},
		{"older_than=soon", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/archive?"+tt.query, nil)
			d, err := parseDurationParam(req, "older_than")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.String())
		})
	}
}
