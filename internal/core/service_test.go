package core

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strings"
	"testing"

	"github.com/JonMunkholm/ingestflow/internal/catalog"
	"github.com/JonMunkholm/ingestflow/internal/mapping"
	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/JonMunkholm/ingestflow/internal/storage"
	"github.com/JonMunkholm/ingestflow/internal/store/memstore"
	"github.com/JonMunkholm/ingestflow/internal/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc   *Service
	store *memstore.Store
	files *storage.Local
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	files, err := storage.NewLocal(t.TempDir(), storage.Dirs{})
	require.NoError(t, err)
	ms := memstore.New()
	svc, err := NewService(Deps{Store: ms, Files: files, Logger: quietLogger()}, Config{
		Extensions: []string{"csv", "xlsx"},
		Transform:  transform.Config{BatchSize: 100},
	})
	require.NoError(t, err)
	return &fixture{svc: svc, store: ms, files: files}
}

func (f *fixture) land(t *testing.T, name, data string) {
	t.Helper()
	require.NoError(t, f.files.Put(context.Background(), storage.Landing, name, strings.NewReader(data)))
}

func customersCSV(n int) string {
	var b strings.Builder
	b.WriteString("CUST_ID,E_MAIL,STATE\n")
	for i := 1; i <= n; i++ {
		email := fmt.Sprintf("user%d@example.com", i)
		if i == 4 {
			email = ""
		}
		fmt.Fprintf(&b, "C%03d,%s,CA\n", i, email)
	}
	return b.String()
}

const customersMappings = `source_field,target_field,target_entity
CUST_ID,CUSTOMER_ID,CUSTOMERS
E_MAIL,EMAIL,CUSTOMERS
STATE,STATE,CUSTOMERS
`

func auditActions(t *testing.T, s *Service) []model.AuditAction {
	t.Helper()
	entries, err := s.AuditLog(context.Background(), 0)
	require.NoError(t, err)
	out := make([]model.AuditAction, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

// ---- End to end ----

func TestServicePipeline(t *testing.T) {
	f := newFixture(t)
	ctx := ContextWithIPAddress(context.Background(), "10.0.0.7")
	ctx = ContextWithRequestID(ctx, "req-1")

	f.land(t, "acme/customers_001.csv", customersCSV(10))
	f.land(t, "acme/empty.csv", "")

	res, err := f.svc.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)

	res, err = f.svc.Process(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
	assert.Contains(t, res.Summary, "1 succeeded, 1 failed, 10 rows")

	failed, err := f.svc.File(ctx, "acme/empty.csv")
	require.NoError(t, err)
	assert.Equal(t, model.FileFailed, failed.Status)
	assert.True(t, strings.HasPrefix(failed.ErrorMessage, "FILE002: "), failed.ErrorMessage)

	res, err = f.svc.Move(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)

	stats, err := f.svc.FileStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Success)
	assert.Equal(t, 1, stats.Failed)
	assert.Zero(t, stats.Unmoved)

	_, err = f.svc.SaveSchema(ctx, model.TargetSchema{
		Entity: "customers",
		Columns: []model.Column{
			{Name: "customer_id", DataType: "VARCHAR(10)"},
			{Name: "email", DataType: "TEXT", Nullable: true},
			{Name: "state", DataType: "TEXT", Nullable: true},
		},
	}, true)
	require.NoError(t, err)

	imported, err := f.svc.ImportMappingTable(ctx, strings.NewReader(customersMappings), "", "")
	require.NoError(t, err)
	assert.Equal(t, 3, imported.Inserted)

	_, err = f.svc.SaveRule(ctx, model.TransformationRule{
		ID:           "DQ001",
		Category:     model.CategoryQuality,
		TargetEntity: "customers",
		Logic:        "EMAIL IS NOT NULL",
		ErrorAction:  model.ActionQuarantine,
		Active:       true,
	})
	require.NoError(t, err)

	res, err = f.svc.RunTransform(ctx, TransformRequest{TargetEntity: "customers"})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Count)
	b, ok := res.Details.(model.Batch)
	require.True(t, ok)
	assert.Equal(t, model.BatchSuccess, b.Status)
	assert.Equal(t, 9, b.RecordsInserted)
	assert.Equal(t, 1, b.RecordsQuarantine)

	detail, err := f.svc.Batch(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, detail.Metrics, 1)
	assert.Equal(t, "DQ001", detail.Metrics[0].RuleID)

	wms, err := f.svc.Watermarks(ctx)
	require.NoError(t, err)
	require.Len(t, wms, 1)
	require.NotNil(t, wms[0].LastBatch)
	assert.Equal(t, b.ID, wms[0].LastBatch.ID)

	q, err := f.svc.Quarantine(ctx, "customers", 0)
	require.NoError(t, err)
	assert.Len(t, q, 1)

	rows, err := f.svc.TargetRows(ctx, "customers", 0)
	require.NoError(t, err)
	assert.Len(t, rows, 9)

	res, err = f.svc.RunTransform(ctx, TransformRequest{TargetEntity: "customers", AllPending: true})
	require.NoError(t, err)
	assert.Zero(t, res.Count, "watermark already covers every record")

	entries, err := f.svc.AuditLog(ctx, 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	last := entries[0]
	assert.Equal(t, model.AuditRunTransform, last.Action)
	assert.Equal(t, model.SeverityHigh, last.Severity)
	assert.Equal(t, "CUSTOMERS", last.Target)
	assert.Equal(t, "10.0.0.7", last.IPAddress)
	assert.Equal(t, "req-1", last.RequestID)

	assert.Subset(t, auditActions(t, f.svc), []model.AuditAction{
		model.AuditDiscover, model.AuditProcess, model.AuditMove,
		model.AuditSchemaChange, model.AuditSuggestMappings, model.AuditRuleChange,
	})
}

func TestServiceReprocessFailedFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.land(t, "acme/empty.csv", "")

	_, err := f.svc.Discover(ctx)
	require.NoError(t, err)
	_, err = f.svc.Process(ctx, false)
	require.NoError(t, err)
	_, err = f.svc.Move(ctx)
	require.NoError(t, err)

	f.land(t, "acme/empty.csv", "ID\n1\n")
	rec, err := f.svc.Reprocess(ctx, "acme/empty.csv")
	require.NoError(t, err)
	assert.Equal(t, model.FilePending, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Nil(t, rec.MovedAt)

	res, err := f.svc.Process(ctx, false)
	require.NoError(t, err)
	assert.Contains(t, res.Summary, "1 succeeded")
}

func TestServiceTransformErrorsAreAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RunTransform(ctx, TransformRequest{TargetEntity: "orders"})
	require.Error(t, err)
	assert.Equal(t, "DB006", MapError(err).Code)

	_, err = f.svc.SaveSchema(ctx, model.TargetSchema{
		Entity:  "orders",
		Columns: []model.Column{{Name: "order_id", DataType: "TEXT"}},
	}, false)
	require.NoError(t, err)

	_, err = f.svc.RunTransform(ctx, TransformRequest{TargetEntity: "orders"})
	require.ErrorIs(t, err, transform.ErrNoApprovedMappings)

	entries, err := f.svc.AuditLog(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Error, "BAT001: "), entries[0].Error)
}

func TestServiceTransformOptions(t *testing.T) {
	yes, no := true, false
	tests := []struct {
		name string
		req  TransformRequest
		want transform.BatchRequest
	}{
		{"defaults", TransformRequest{TargetEntity: "x"}, transform.BatchRequest{TargetEntity: "x", Incremental: true}},
		{"skip rules", TransformRequest{TargetEntity: "x", ApplyRules: &no}, transform.BatchRequest{TargetEntity: "x", Incremental: true, SkipRules: true}},
		{"full refresh", TransformRequest{TargetEntity: "x", Incremental: &no, ApplyRules: &yes, BatchSize: 50},
			transform.BatchRequest{TargetEntity: "x", BatchSize: 50}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.req.batch())
		})
	}
}

// ---- Schemas and rules ----

func TestServiceSchemaChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SaveSchema(ctx, model.TargetSchema{
		Entity:  "claims",
		Columns: []model.Column{{Name: "claim_id", DataType: "TEXT"}},
	}, false)
	require.NoError(t, err)

	sch, err := f.svc.AddColumn(ctx, "claims", model.Column{Name: "amount", DataType: "NUMBER(10,2)", Nullable: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"CLAIM_ID", "AMOUNT"}, sch.ColumnNames())
	assert.Equal(t, model.TypeNumber, sch.Columns[1].DataType)

	_, err = f.svc.AddColumn(ctx, "claims", model.Column{Name: "Amount", DataType: "TEXT"})
	assert.ErrorContains(t, err, "duplicate column")

	_, err = f.svc.AddColumn(ctx, "missing", model.Column{Name: "x"})
	assert.Equal(t, "DB006", MapError(err).Code)

	_, err = f.svc.SaveSchema(ctx, model.TargetSchema{Entity: "bad", Columns: []model.Column{{Name: "a", DataType: "BLOB"}}}, false)
	assert.Equal(t, "SCH001", MapError(err).Code)

	require.NoError(t, f.svc.DropSchema(ctx, "claims", true))
	_, err = f.svc.Schema(ctx, "claims")
	assert.Error(t, err)
}

func TestServiceSaveRuleValidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		rule model.TransformationRule
		code string
	}{
		{"bad predicate", model.TransformationRule{ID: "DQ9", Category: model.CategoryQuality, TargetEntity: "c", Logic: "EMAIL IS"}, "RULE002"},
		{"unknown operation", model.TransformationRule{ID: "BL9", Category: model.CategoryBusiness, TargetEntity: "c", TargetField: "x", Logic: "EXPLODE"}, "RULE001"},
		{"no target", model.TransformationRule{ID: "ST9", Category: model.CategoryStandardization, Logic: "TRIM"}, "ERR000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.SaveRule(ctx, tt.rule)
			require.Error(t, err)
			assert.Equal(t, tt.code, MapError(err).Code, err.Error())
		})
	}

	stored, err := f.svc.Rules(ctx, "", false)
	require.NoError(t, err)
	assert.Empty(t, stored)

	_, err = f.svc.SaveSchema(ctx, model.TargetSchema{
		Entity:  "contacts",
		Columns: []model.Column{{Name: "contact_id", DataType: "TEXT"}, {Name: "email", DataType: "TEXT", Nullable: true}},
	}, false)
	require.NoError(t, err)
	for _, r := range []model.TransformationRule{
		{ID: "DQ-TYPO", Category: model.CategoryQuality, TargetEntity: "contacts", Logic: "EMAIL_ADDR IS NOT NULL"},
		{ID: "DD-TYPO", Category: model.CategoryDedup, TargetEntity: "contacts", Logic: "CONTACT_NO"},
	} {
		_, err = f.svc.SaveRule(ctx, r)
		require.Error(t, err, r.ID)
		assert.Equal(t, "RULE004", MapError(err).Code, err.Error())
	}
	_, err = f.svc.SaveRule(ctx, model.TransformationRule{ID: "DQ-OK", Category: model.CategoryQuality, TargetEntity: "contacts", Logic: "EMAIL IS NOT NULL", Active: true})
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteRule(ctx, "DQ-OK"))

	saved, err := f.svc.SaveRule(ctx, model.TransformationRule{Category: model.CategoryStandardization, TargetEntity: "c", TargetField: "email", Logic: "LOWER", Active: true})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID, "id is generated")

	require.NoError(t, f.svc.SetRuleActive(ctx, saved.ID, false))
	active, err := f.svc.Rules(ctx, "C", true)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestServiceApplyCatalog(t *testing.T) {
	f := newFixture(t)
	c, err := catalog.Parse(strings.NewReader(`
tenants:
  - {code: acme, name: Acme, active: true}
schemas:
  - entity: customers
    columns:
      - {name: customer_id, data_type: TEXT}
      - {name: email, data_type: TEXT, nullable: true}
mappings:
  - {source_field: CUST_ID, target_entity: customers, target_field: customer_id}
`))
	require.NoError(t, err)

	res, err := f.svc.ApplyCatalog(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total())

	approved := true
	ms, err := f.svc.MappingList(context.Background(), model.MappingFilter{TargetEntity: "customers", Approved: &approved})
	require.NoError(t, err)
	assert.Len(t, ms, 1)

	assert.Contains(t, auditActions(t, f.svc), model.AuditCatalogApply)
}

func TestServiceSuggestMappings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.SaveSchema(ctx, model.TargetSchema{
		Entity:  "customers",
		Columns: []model.Column{{Name: "customer_id", DataType: "TEXT"}, {Name: "email", DataType: "TEXT"}},
	}, false)
	require.NoError(t, err)

	res, err := f.svc.SuggestMappings(ctx, "pattern", mapping.SuggestRequest{
		TargetEntity: "customers",
		SourceFields: []string{"CUSTOMER_ID", "EMAIL"},
		DryRun:       true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Candidates)
	assert.Zero(t, res.Inserted)
	assert.NotContains(t, auditActions(t, f.svc), model.AuditSuggestMappings, "dry runs are not audited")

	_, err = f.svc.SuggestMappings(ctx, "MANUAL", mapping.SuggestRequest{TargetEntity: "customers"})
	assert.ErrorContains(t, err, "unknown mapping strategy")

	res, err = f.svc.SuggestMappings(ctx, model.StrategySemantic, mapping.SuggestRequest{
		TargetEntity: "customers",
		SourceFields: []string{"CUSTOMER_ID"},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Candidates, "no semantic matcher configured")
}

// ---- Jobs ----

func TestServiceJobControl(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RunJob(ctx, JobDiscover)
	assert.ErrorIs(t, err, ErrUnknownJob, "no scheduler attached")

	sched := NewScheduler(NewJobLimiter(2, 0), quietLogger())
	require.NoError(t, f.svc.RegisterJobs(sched, Schedules{Discover: "@every 1m", Archive: "@daily"}))

	jobs := f.svc.Jobs()
	require.Len(t, jobs, 5)
	assert.Equal(t, JobDiscover, jobs[0].Name)
	assert.Equal(t, "", jobs[1].Schedule, "process is manual-only")

	f.land(t, "acme/a.csv", "ID\n1\n")
	st, err := f.svc.RunJob(ctx, JobDiscover)
	require.NoError(t, err)
	assert.Equal(t, "1 listed, 1 registered, 0 ignored", st.LastSummary)

	st, err = f.svc.RunJob(ctx, JobTransform)
	require.NoError(t, err)
	assert.Equal(t, "no new records", st.LastSummary)

	require.NoError(t, f.svc.SuspendJob(ctx, JobDiscover))
	st, err = sched.Job(JobDiscover)
	require.NoError(t, err)
	assert.True(t, st.Suspended)
	require.NoError(t, f.svc.ResumeJob(ctx, JobDiscover))

	assert.ErrorIs(t, f.svc.SuspendJob(ctx, "reindex"), ErrUnknownJob)

	actions := auditActions(t, f.svc)
	count := 0
	for _, a := range actions {
		if a == model.AuditJobControl {
			count++
		}
	}
	assert.Equal(t, 6, count, "every job control is audited")
	assert.NotContains(t, actions, model.AuditDiscover, "job runs use the unaudited variants")

	assert.Equal(t, 2, f.svc.JobLimiterStatus().MaxConcurrent)
}

func TestExportAuditLog(t *testing.T) {
	f := newFixture(t)
	ctx := ContextWithUserAgent(context.Background(), "ingestctl/1.0")
	_, err := f.svc.Discover(ctx)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, f.svc.ExportAuditLog(ctx, &buf))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Action", records[0][2])
	assert.Equal(t, "discover", records[1][2])
	assert.Equal(t, "ingestctl/1.0", records[1][10])
}
