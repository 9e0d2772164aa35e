package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/JonMunkholm/ingestflow/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

// ---- FileRegistry ----

func TestRegisterAndClaimOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.SetClock(fixedClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))

	n, err := s.RegisterDiscovered(ctx, []model.FileRecord{{FileName: "b.csv"}})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = s.RegisterDiscovered(ctx, []model.FileRecord{{FileName: "a.csv"}, {FileName: "b.csv"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "already registered file must be ignored")

	claimed, err := s.ClaimPending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "b.csv", claimed[0].FileName)
	assert.Equal(t, model.FileProcessing, claimed[0].Status)
	assert.NotNil(t, claimed[0].ProcessingStartedAt)

	claimed, err = s.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "a.csv", claimed[0].FileName)

	claimed, err = s.ClaimPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestCompleteRequiresProcessing(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, _ = s.RegisterDiscovered(ctx, []model.FileRecord{{FileName: "a.csv"}})

	err := s.Complete(ctx, "a.csv", model.ProcessResult{})
	assert.ErrorIs(t, err, store.ErrConflict)

	_, _ = s.ClaimPending(ctx, 1)
	require.NoError(t, s.Complete(ctx, "a.csv", model.ProcessResult{RowsRead: 3, RowsInserted: 3}))

	rec, err := s.Get(ctx, "a.csv")
	require.NoError(t, err)
	assert.Equal(t, model.FileSuccess, rec.Status)
	require.NotNil(t, rec.ProcessResult)
	assert.Equal(t, 3, rec.ProcessResult.RowsInserted)

	assert.ErrorIs(t, s.Complete(ctx, "missing.csv", model.ProcessResult{}), store.ErrNotFound)
}

func TestFailedFileRequeuedOnlyAfterMove(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, _ = s.RegisterDiscovered(ctx, []model.FileRecord{{FileName: "a.csv"}})
	_, _ = s.ClaimPending(ctx, 1)
	require.NoError(t, s.Fail(ctx, "a.csv", "bad header", nil))

	n, err := s.RegisterDiscovered(ctx, []model.FileRecord{{FileName: "a.csv"}})
	require.NoError(t, err)
	assert.Zero(t, n, "unmoved failed file is not re-queued")

	moved, err := s.MarkMoved(ctx, "a.csv", model.FileFailed, time.Now())
	require.NoError(t, err)
	require.True(t, moved)

	n, err = s.RegisterDiscovered(ctx, []model.FileRecord{{FileName: "a.csv"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, _ := s.Get(ctx, "a.csv")
	assert.Equal(t, model.FilePending, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Nil(t, rec.MovedAt)
	assert.Empty(t, rec.ErrorMessage)
}

func TestMarkMovedOnce(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, _ = s.RegisterDiscovered(ctx, []model.FileRecord{{FileName: "a.csv"}})
	_, _ = s.ClaimPending(ctx, 1)
	_ = s.Complete(ctx, "a.csv", model.ProcessResult{})

	ok, err := s.MarkMoved(ctx, "a.csv", model.FileSuccess, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkMoved(ctx, "a.csv", model.FileSuccess, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	unmoved, err := s.ListUnmoved(ctx, model.FileSuccess, 0)
	require.NoError(t, err)
	assert.Empty(t, unmoved)
}

func TestResetForReprocessRefusesProcessing(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, _ = s.RegisterDiscovered(ctx, []model.FileRecord{{FileName: "a.csv"}})
	_, _ = s.ClaimPending(ctx, 1)

	_, err := s.ResetForReprocess(ctx, "a.csv")
	assert.ErrorIs(t, err, store.ErrConflict)

	_ = s.Fail(ctx, "a.csv", "boom", nil)
	rec, err := s.ResetForReprocess(ctx, "a.csv")
	require.NoError(t, err)
	assert.Equal(t, model.FilePending, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
}

func TestResetStuck(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return base })
	_, _ = s.RegisterDiscovered(ctx, []model.FileRecord{{FileName: "a.csv"}})
	_, _ = s.ClaimPending(ctx, 1)

	n, err := s.ResetStuck(ctx, base.Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.ResetStuck(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.FileStats{Total: 1, Pending: 1}, st)
}

// ---- RawStore ----

func TestInsertRawIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	recs := []model.RawRecord{
		{FileName: "a.csv", RowNumber: 2, Fields: model.Fields{{Name: "ID", Value: "1"}}},
		{FileName: "a.csv", RowNumber: 3, Fields: model.Fields{{Name: "ID", Value: "2"}}},
	}
	res, err := s.InsertRaw(ctx, recs)
	require.NoError(t, err)
	assert.Equal(t, store.InsertResult{Inserted: 2}, res)

	res, err = s.InsertRaw(ctx, recs)
	require.NoError(t, err)
	assert.Equal(t, store.InsertResult{Skipped: 2}, res)

	all, err := s.ReadAfter(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Less(t, all[0].Position, all[1].Position)

	rest, err := s.ReadAfter(ctx, all[0].Position, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, 3, rest[0].RowNumber)

	names, err := s.FileFieldNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ID"}, names["a.csv"])
}

// ---- MappingStore ----

func TestInsertMappingsSkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	s := New()
	m := model.FieldMapping{SourceField: "cust_id", TargetEntity: "customers", TargetField: "customer_id", Confidence: 0.9, Strategy: model.StrategyPattern}

	res, err := s.InsertMappings(ctx, []model.FieldMapping{m, m})
	require.NoError(t, err)
	assert.Equal(t, store.InsertResult{Inserted: 1, Skipped: 1}, res)

	list, err := s.ListMappings(ctx, model.MappingFilter{TargetEntity: "CUSTOMERS"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.RawSourceEntity, list[0].SourceEntity)
	assert.Equal(t, "CUSTOMER_ID", list[0].TargetField)

	low := model.FieldMapping{SourceField: "nm", TargetEntity: "customers", TargetField: "name", Confidence: 0.4}
	_, err = s.InsertMappings(ctx, []model.FieldMapping{low})
	require.NoError(t, err)

	n, err := s.ApproveMappings(ctx, "customers", 0.8)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	approved := true
	list, _ = s.ListMappings(ctx, model.MappingFilter{Approved: &approved})
	require.Len(t, list, 1)
	assert.NotNil(t, list[0].ApprovedAt)
}

// ---- RuleStore ----

func TestListRulesOrdered(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, r := range []model.TransformationRule{
		{ID: "d", Category: model.CategoryDedup, TargetEntity: "T", Active: true},
		{ID: "q2", Category: model.CategoryQuality, TargetEntity: "T", Priority: 2, Active: true},
		{ID: "q1", Category: model.CategoryQuality, TargetEntity: "T", Priority: 1, Active: true},
		{ID: "b", Category: model.CategoryBusiness, TargetEntity: "T", Active: false},
	} {
		_, err := s.UpsertRule(ctx, r)
		require.NoError(t, err)
	}

	rules, err := s.ListRules(ctx, "t", true)
	require.NoError(t, err)
	var ids []string
	for _, r := range rules {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"q1", "q2", "d"}, ids)
}

// ---- TransformStore ----

func customersSchema() model.TargetSchema {
	return model.TargetSchema{
		Entity: "CUSTOMERS",
		Columns: []model.Column{
			{Name: "CUSTOMER_ID", DataType: model.TypeText},
			{Name: "NAME", DataType: model.TypeText, Nullable: true},
			{Name: "UPDATED_AT", DataType: model.TypeTimestamp, Nullable: true},
		},
	}
}

func TestCommitBatchUpsertsAndAdvancesWatermark(t *testing.T) {
	ctx := context.Background()
	s := New()
	sch, err := s.SaveSchema(ctx, customersSchema())
	require.NoError(t, err)
	assert.Equal(t, 1, sch.Version)

	res, err := s.CommitBatch(ctx, store.Commit{
		Schema: sch,
		Rows: []model.TargetRow{
			{"CUSTOMER_ID": "C1", "NAME": "Ann"},
			{"CUSTOMER_ID": "C2", "NAME": "Bob"},
			{"CUSTOMER_ID": "C1", "NAME": "Anne"},
		},
		Watermark: model.Watermark{SourceEntity: model.RawSourceEntity, TargetEntity: "CUSTOMERS", LastPosition: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, store.UpsertResult{Inserted: 2, Updated: 1}, res)

	rows, err := s.TargetRows(ctx, "CUSTOMERS", 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Anne", rows[0]["NAME"])

	res, err = s.CommitBatch(ctx, store.Commit{
		Schema:    sch,
		Rows:      []model.TargetRow{{"CUSTOMER_ID": "C2", "NAME": "Robert"}},
		Watermark: model.Watermark{SourceEntity: model.RawSourceEntity, TargetEntity: "CUSTOMERS", LastPosition: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, store.UpsertResult{Updated: 1}, res)

	wm, ok, err := s.GetWatermark(ctx, model.RawSourceEntity, "CUSTOMERS")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), wm.LastPosition, "watermark never moves backward")
}

func TestCommitBatchFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := New()
	sch, _ := s.SaveSchema(ctx, customersSchema())
	s.FailNextCommit(errors.New("disk full"))

	_, err := s.CommitBatch(ctx, store.Commit{
		Schema:     sch,
		Rows:       []model.TargetRow{{"CUSTOMER_ID": "C1"}},
		Quarantine: []model.QuarantineRecord{{TargetEntity: "CUSTOMERS"}},
		Watermark:  model.Watermark{SourceEntity: model.RawSourceEntity, TargetEntity: "CUSTOMERS", LastPosition: 9},
	})
	require.Error(t, err)

	rows, _ := s.TargetRows(ctx, "CUSTOMERS", 0)
	assert.Empty(t, rows)
	q, _ := s.ListQuarantine(ctx, "CUSTOMERS", 0)
	assert.Empty(t, q)
	_, ok, _ := s.GetWatermark(ctx, model.RawSourceEntity, "CUSTOMERS")
	assert.False(t, ok)
}

func TestBatchLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	b := model.Batch{ID: "b1", TargetEntity: "CUSTOMERS", Status: model.BatchRunning}
	require.NoError(t, s.StartBatch(ctx, b))

	b.Status = model.BatchSuccess
	require.NoError(t, s.FinishBatch(ctx, b))

	got, err := s.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchSuccess, got.Status)

	list, err := s.ListBatches(ctx, "customers", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.GetBatch(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
