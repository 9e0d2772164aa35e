package client

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/JonMunkholm/ingestflow/internal/config"
	"github.com/JonMunkholm/ingestflow/internal/core"
	"github.com/JonMunkholm/ingestflow/internal/mapping"
	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/JonMunkholm/ingestflow/internal/storage"
	"github.com/JonMunkholm/ingestflow/internal/store/memstore"
	"github.com/JonMunkholm/ingestflow/internal/web"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newServer runs the real API over an in-memory store.
func newServer(t *testing.T, sec config.SecurityConfig) (*httptest.Server, *storage.Local) {
	t.Helper()
	files, err := storage.NewLocal(t.TempDir(), storage.Dirs{})
	require.NoError(t, err)
	svc, err := core.NewService(core.Deps{
		Store:  memstore.New(),
		Files:  files,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, core.Config{Extensions: []string{"csv"}})
	require.NoError(t, err)

	srv := web.NewServer(svc, config.ServerConfig{}, sec)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown(context.Background())
	})
	return ts, files
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:8080", "://x"} {
		_, err := New(raw)
		assert.Error(t, err, raw)
	}
}

func TestClientFileLifecycle(t *testing.T) {
	ts, files := newServer(t, config.SecurityConfig{})
	ctx := context.Background()
	require.NoError(t, files.Put(ctx, storage.Landing, "acme/q1 orders.csv", strings.NewReader("ID,AMOUNT\n1,10\n")))

	c, err := New(ts.URL + "/")
	require.NoError(t, err)

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health["status"])

	res, err := c.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)

	res, err = c.Process(ctx, true)
	require.NoError(t, err)
	assert.Contains(t, res.Summary, "1 succeeded")

	// Spaces and slashes survive the path.
	rec, err := c.File(ctx, "acme/q1 orders.csv")
	require.NoError(t, err)
	assert.Equal(t, model.FileSuccess, rec.Status)

	list, err := c.ListFiles(ctx, FileQuery{Status: []string{"SUCCESS"}})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	stats, err := c.FileStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Success)

	res, err = c.Move(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)

	entries, err := c.AuditLog(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "ingestctl", entries[0].UserAgent)

	var buf bytes.Buffer
	require.NoError(t, c.ExportAuditLog(ctx, &buf))
	assert.True(t, strings.HasPrefix(buf.String(), "ID,"), buf.String())
}

func TestClientAPIErrors(t *testing.T) {
	ts, _ := newServer(t, config.SecurityConfig{})
	ctx := context.Background()
	c, err := New(ts.URL)
	require.NoError(t, err)

	_, err = c.File(ctx, "missing.csv")
	require.Error(t, err)
	assert.True(t, IsCode(err, "DB006"), err.Error())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	_, err = c.RunTransform(ctx, core.TransformRequest{})
	assert.True(t, IsCode(err, "REQ400"))

	_, err = c.RunJob(ctx, "discover")
	assert.True(t, IsCode(err, "JOB001"), "no scheduler attached")
}

func TestClientApproveMapping(t *testing.T) {
	ts, _ := newServer(t, config.SecurityConfig{})
	ctx := context.Background()
	c, err := New(ts.URL)
	require.NoError(t, err)

	_, err = c.ApplyCatalog(ctx, strings.NewReader(`
schemas:
  - entity: customers
    standard_columns: false
    columns:
      - {name: customer_id, data_type: TEXT}
      - {name: email, data_type: TEXT, nullable: true}
`))
	require.NoError(t, err)

	_, err = c.SuggestMappings(ctx, model.StrategyPattern, mapping.SuggestRequest{
		TargetEntity: "customers",
		SourceFields: []string{"Customer ID", "EMAIL"},
		TopN:         1,
	})
	require.NoError(t, err)

	notApproved := false
	pending, err := c.ListMappings(ctx, "customers", &notApproved)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	m, err := c.ApproveMapping(ctx, pending[0].ID)
	require.NoError(t, err)
	assert.True(t, m.Approved)
	assert.Equal(t, pending[0].ID, m.ID)

	pending, err = c.ListMappings(ctx, "customers", &notApproved)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	_, err = c.ApproveMapping(ctx, "00000000-0000-0000-0000-000000000000")
	assert.True(t, IsCode(err, "DB006"), "%v", err)
}

func TestClientAPIKey(t *testing.T) {
	ts, _ := newServer(t, config.SecurityConfig{RequireAPIKey: true, APIKeys: []string{"s3cret"}})
	ctx := context.Background()

	anon, err := New(ts.URL)
	require.NoError(t, err)
	_, err = anon.FileStats(ctx)
	assert.True(t, IsCode(err, "AUTH001"))

	authed, err := New(ts.URL, WithAPIKey("s3cret"), WithUserAgent("ops"))
	require.NoError(t, err)
	_, err = authed.FileStats(ctx)
	assert.NoError(t, err)
}

func TestAPIErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  APIError
		want string
	}{
		{"coded", APIError{Status: 404, Code: "DB006", Err: "not found"}, "DB006 (404): not found"},
		{"message only", APIError{Status: 409, Code: "BAT002", Message: "busy"}, "BAT002 (409): busy"},
		{"bare status", APIError{Status: 502}, "502: Bad Gateway"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestEscapePath(t *testing.T) {
	assert.Equal(t, "acme/q1%20orders.csv", escapePath("/acme/q1 orders.csv"))
	assert.Equal(t, "a%3Fb.csv", escapePath("a?b.csv"))
}
