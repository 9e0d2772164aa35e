// Package client is a small typed client for the operator API, used by
// ingestctl.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JonMunkholm/ingestflow/internal/core"
	"github.com/JonMunkholm/ingestflow/internal/mapping"
	"github.com/JonMunkholm/ingestflow/internal/model"
)

// DefaultTimeout bounds one request. Draining transforms can run long.
const DefaultTimeout = 10 * time.Minute

// APIError is a non-2xx response with the server's error body.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Err     string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action"`
}

func (e *APIError) Error() string {
	msg := e.Err
	if msg == "" {
		msg = e.Message
	}
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code == "" {
		return fmt.Sprintf("%d: %s", e.Status, msg)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, msg)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Client talks to one server.
type Client struct {
	baseURL   string
	apiKey    string
	userAgent string
	http      *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends the operator key as X-API-Key.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithUserAgent sets the User-Agent recorded in the audit log.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// New creates a client for baseURL (e.g. "http://localhost:8080").
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", baseURL)
	}
	c := &Client{
		baseURL:   strings.TrimRight(u.String(), "/"),
		userAgent: "ingestctl",
		http:      &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ---- File lifecycle ----

// Health returns the server health document.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	return out, c.do(ctx, http.MethodGet, "/healthz", nil, nil, "", &out)
}

// FileQuery filters ListFiles.
type FileQuery struct {
	Status []string
	Tenant string
	Limit  int
	Offset int
}

// ListFiles lists file records.
func (c *Client) ListFiles(ctx context.Context, q FileQuery) ([]model.FileRecord, error) {
	v := url.Values{}
	if len(q.Status) > 0 {
		v.Set("status", strings.Join(q.Status, ","))
	}
	setString(v, "tenant", q.Tenant)
	setInt(v, "limit", q.Limit)
	setInt(v, "offset", q.Offset)

	var out struct {
		Files []model.FileRecord `json:"files"`
	}
	return out.Files, c.do(ctx, http.MethodGet, "/api/files", v, nil, "", &out)
}

// File returns one file record.
func (c *Client) File(ctx context.Context, name string) (model.FileRecord, error) {
	var out model.FileRecord
	return out, c.do(ctx, http.MethodGet, "/api/files/"+escapePath(name), nil, nil, "", &out)
}

// FileStats counts file records per status.
func (c *Client) FileStats(ctx context.Context) (model.FileStats, error) {
	var out model.FileStats
	return out, c.do(ctx, http.MethodGet, "/api/files/stats", nil, nil, "", &out)
}

// Discover registers new landing files.
func (c *Client) Discover(ctx context.Context) (core.Result, error) {
	return c.result(ctx, "/api/discover", nil, nil)
}

// Process parses pending files; drain=false claims one batch.
func (c *Client) Process(ctx context.Context, drain bool) (core.Result, error) {
	return c.result(ctx, "/api/process", url.Values{"drain": {strconv.FormatBool(drain)}}, nil)
}

// Move moves processed files out of landing.
func (c *Client) Move(ctx context.Context) (core.Result, error) {
	return c.result(ctx, "/api/move", nil, nil)
}

// Archive archives files older than olderThan ("30d", "72h"). Empty uses the
// server's retention.
func (c *Client) Archive(ctx context.Context, olderThan string) (core.Result, error) {
	v := url.Values{}
	setString(v, "older_than", olderThan)
	return c.result(ctx, "/api/archive", v, nil)
}

// Reprocess queues one file for another parse.
func (c *Client) Reprocess(ctx context.Context, fileName string) (model.FileRecord, error) {
	var out model.FileRecord
	body := map[string]string{"file_name": fileName}
	return out, c.doJSON(ctx, http.MethodPost, "/api/reprocess", nil, body, &out)
}

// ResetStuck returns abandoned PROCESSING files to PENDING.
func (c *Client) ResetStuck(ctx context.Context) (core.Result, error) {
	return c.result(ctx, "/api/reset-stuck", nil, nil)
}

// ---- Mappings and catalog ----

// SuggestMappings runs a suggestion strategy.
func (c *Client) SuggestMappings(ctx context.Context, strategy model.Strategy, req mapping.SuggestRequest) (mapping.SuggestResult, error) {
	body := struct {
		Strategy model.Strategy `json:"strategy,omitempty"`
		mapping.SuggestRequest
	}{strategy, req}
	var out mapping.SuggestResult
	return out, c.doJSON(ctx, http.MethodPost, "/api/mappings/suggest", nil, body, &out)
}

// ImportMappings uploads a manual mapping table as CSV.
func (c *Client) ImportMappings(ctx context.Context, r io.Reader, entity, scope string) (core.Result, error) {
	v := url.Values{}
	setString(v, "entity", entity)
	setString(v, "scope", scope)
	var out core.Result
	return out, c.do(ctx, http.MethodPost, "/api/mappings/import", v, r, "text/csv", &out)
}

// ApproveMappings approves candidates at or above minConfidence.
func (c *Client) ApproveMappings(ctx context.Context, targetEntity string, minConfidence float64) (core.Result, error) {
	body := map[string]any{"target_entity": targetEntity, "min_confidence": minConfidence}
	var out core.Result
	return out, c.doJSON(ctx, http.MethodPost, "/api/mappings/approve", nil, body, &out)
}

// ApproveMapping approves one mapping by id.
func (c *Client) ApproveMapping(ctx context.Context, id string) (model.FieldMapping, error) {
	var out model.FieldMapping
	return out, c.do(ctx, http.MethodPost, "/api/mappings/"+url.PathEscape(id)+"/approve", nil, nil, "", &out)
}

// ListMappings lists mappings of a target entity.
func (c *Client) ListMappings(ctx context.Context, targetEntity string, approved *bool) ([]model.FieldMapping, error) {
	v := url.Values{}
	setString(v, "target", targetEntity)
	if approved != nil {
		v.Set("approved", strconv.FormatBool(*approved))
	}
	var out struct {
		Mappings []model.FieldMapping `json:"mappings"`
	}
	return out.Mappings, c.do(ctx, http.MethodGet, "/api/mappings", v, nil, "", &out)
}

// ApplyCatalog uploads a YAML catalog.
func (c *Client) ApplyCatalog(ctx context.Context, r io.Reader) (core.Result, error) {
	var out core.Result
	return out, c.do(ctx, http.MethodPost, "/api/catalog", nil, r, "application/yaml", &out)
}

// Schemas lists target entities.
func (c *Client) Schemas(ctx context.Context) ([]model.TargetSchema, error) {
	var out []model.TargetSchema
	return out, c.do(ctx, http.MethodGet, "/api/schemas", nil, nil, "", &out)
}

// Rules lists rules, optionally for one target entity.
func (c *Client) Rules(ctx context.Context, targetEntity string) ([]model.TransformationRule, error) {
	v := url.Values{}
	setString(v, "target", targetEntity)
	var out []model.TransformationRule
	return out, c.do(ctx, http.MethodGet, "/api/rules", v, nil, "", &out)
}

// SetRuleActive enables or disables a rule.
func (c *Client) SetRuleActive(ctx context.Context, id string, active bool) error {
	body := map[string]bool{"active": active}
	return c.doJSON(ctx, http.MethodPost, "/api/rules/"+url.PathEscape(id)+"/active", nil, body, nil)
}

// ---- Transform ----

// RunTransform runs one batch, or drains the backlog with AllPending.
func (c *Client) RunTransform(ctx context.Context, req core.TransformRequest) (core.Result, error) {
	var out core.Result
	return out, c.doJSON(ctx, http.MethodPost, "/api/transform", nil, req, &out)
}

// Watermarks lists watermarks with their last batch.
func (c *Client) Watermarks(ctx context.Context) ([]core.WatermarkStatus, error) {
	var out []core.WatermarkStatus
	return out, c.do(ctx, http.MethodGet, "/api/watermarks", nil, nil, "", &out)
}

// Batches lists batches, newest first.
func (c *Client) Batches(ctx context.Context, targetEntity string, limit int) ([]model.Batch, error) {
	v := url.Values{}
	setString(v, "target", targetEntity)
	setInt(v, "limit", limit)
	var out []model.Batch
	return out, c.do(ctx, http.MethodGet, "/api/batches", v, nil, "", &out)
}

// Batch returns one batch with its quality metrics.
func (c *Client) Batch(ctx context.Context, id string) (core.BatchDetail, error) {
	var out core.BatchDetail
	return out, c.do(ctx, http.MethodGet, "/api/batches/"+url.PathEscape(id), nil, nil, "", &out)
}

// Quarantine lists quarantined rows of a target entity.
func (c *Client) Quarantine(ctx context.Context, targetEntity string, limit int) ([]model.QuarantineRecord, error) {
	v := url.Values{}
	setInt(v, "limit", limit)
	var out []model.QuarantineRecord
	return out, c.do(ctx, http.MethodGet, "/api/quarantine/"+url.PathEscape(targetEntity), v, nil, "", &out)
}

// ---- Jobs ----

// JobList is the response of Jobs.
type JobList struct {
	Jobs    []core.JobStatus      `json:"jobs"`
	Limiter core.JobLimiterStatus `json:"limiter"`
}

// Jobs lists scheduled jobs and slot usage.
func (c *Client) Jobs(ctx context.Context) (JobList, error) {
	var out JobList
	return out, c.do(ctx, http.MethodGet, "/api/jobs", nil, nil, "", &out)
}

// RunJob runs a job now and waits for it.
func (c *Client) RunJob(ctx context.Context, name string) (core.JobStatus, error) {
	return c.jobAction(ctx, name, "run")
}

// SuspendJob stops scheduled ticks of a job.
func (c *Client) SuspendJob(ctx context.Context, name string) (core.JobStatus, error) {
	return c.jobAction(ctx, name, "suspend")
}

// ResumeJob re-enables scheduled ticks of a job.
func (c *Client) ResumeJob(ctx context.Context, name string) (core.JobStatus, error) {
	return c.jobAction(ctx, name, "resume")
}

func (c *Client) jobAction(ctx context.Context, name, action string) (core.JobStatus, error) {
	var out core.JobStatus
	return out, c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(name)+"/"+action, nil, nil, "", &out)
}

// ---- Audit log ----

// AuditLog returns the newest audit entries.
func (c *Client) AuditLog(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	v := url.Values{}
	setInt(v, "limit", limit)
	var out struct {
		Entries []model.AuditEntry `json:"entries"`
	}
	return out.Entries, c.do(ctx, http.MethodGet, "/api/audit-log", v, nil, "", &out)
}

// ExportAuditLog streams the audit log CSV into w.
func (c *Client) ExportAuditLog(ctx context.Context, w io.Writer) error {
	resp, err := c.send(ctx, http.MethodGet, "/api/audit-log/export", nil, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return err
}

// ---- Transport ----

func (c *Client) result(ctx context.Context, path string, q url.Values, body any) (core.Result, error) {
	var out core.Result
	return out, c.doJSON(ctx, http.MethodPost, path, q, body, &out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, q url.Values, body, out any) error {
	if body == nil {
		return c.do(ctx, method, path, q, nil, "", out)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.do(ctx, method, path, q, bytes.NewReader(data), "application/json", out)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body io.Reader, contentType string, out any) error {
	resp, err := c.send(ctx, method, path, q, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// send performs the request and turns non-2xx responses into *APIError.
func (c *Client) send(ctx context.Context, method, path string, q url.Values, body io.Reader, contentType string) (*http.Response, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &APIError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, apiErr) != nil {
		apiErr.Err = strings.TrimSpace(string(data))
	}
	return nil, apiErr
}

// escapePath escapes each segment of a file name, keeping the slashes.
func escapePath(name string) string {
	parts := strings.Split(strings.Trim(name, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func setString(v url.Values, key, val string) {
	if val != "" {
		v.Set(key, val)
	}
}

func setInt(v url.Values, key string, val int) {
	if val > 0 {
		v.Set(key, strconv.Itoa(val))
	}
}
