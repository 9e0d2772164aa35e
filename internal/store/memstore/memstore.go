// Package memstore is an in-memory implementation of store.Store.
//
// It mirrors the transactional guarantees of the PostgreSQL store closely enough to
// exercise the pipeline in tests: claims are atomic under one mutex, raw inserts are
// idempotent on (file_name, row_number) and CommitBatch applies all of its writes or
// none of them.
package memstore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/JonMunkholm/ingestflow/internal/store"
	"github.com/google/uuid"
)

// Store keeps every collection behind a single mutex.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	files map[string]*model.FileRecord

	raw     []model.RawRecord
	rawKeys map[string]struct{}
	nextPos int64

	mappings []model.FieldMapping
	known    map[string]model.KnownMapping
	prompts  map[string]model.PromptTemplate

	rules   map[string]model.TransformationRule
	schemas map[string]model.TargetSchema
	tenants map[string]model.Tenant

	watermarks map[string]model.Watermark
	batches    []model.Batch
	metrics    []model.QualityMetric
	quarantine []model.QuarantineRecord
	targets    map[string][]model.TargetRow

	audit []model.AuditEntry

	commitErr error
}

var _ store.Store = (*Store)(nil)

// New returns an empty store using the wall clock.
func New() *Store {
	return &Store{
		now:        time.Now,
		files:      make(map[string]*model.FileRecord),
		rawKeys:    make(map[string]struct{}),
		known:      make(map[string]model.KnownMapping),
		prompts:    make(map[string]model.PromptTemplate),
		rules:      make(map[string]model.TransformationRule),
		schemas:    make(map[string]model.TargetSchema),
		tenants:    make(map[string]model.Tenant),
		watermarks: make(map[string]model.Watermark),
		targets:    make(map[string][]model.TargetRow),
	}
}

// SetClock replaces the time source. Tests use it to order discoveries.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailNextCommit makes the next CommitBatch return err without writing anything.
func (s *Store) FailNextCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErr = err
}

// ---- FileRegistry ----

func (s *Store) RegisterDiscovered(_ context.Context, files []model.FileRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, f := range files {
		existing, ok := s.files[f.FileName]
		if ok {
			if existing.Status != model.FileFailed || existing.MovedAt == nil {
				continue
			}
			existing.Status = model.FilePending
			existing.SizeBytes = f.SizeBytes
			existing.MovedAt = nil
			existing.ProcessingStartedAt = nil
			existing.ProcessedAt = nil
			existing.ErrorMessage = ""
			existing.ProcessResult = nil
			existing.RetryCount++
			n++
			continue
		}
		rec := f
		rec.Status = model.FilePending
		if rec.DiscoveredAt.IsZero() {
			rec.DiscoveredAt = s.now()
		}
		s.files[f.FileName] = &rec
		n++
	}
	return n, nil
}

func (s *Store) ClaimPending(_ context.Context, n int) ([]model.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*model.FileRecord
	for _, f := range s.files {
		if f.Status == model.FilePending {
			pending = append(pending, f)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].DiscoveredAt.Equal(pending[j].DiscoveredAt) {
			return pending[i].FileName < pending[j].FileName
		}
		return pending[i].DiscoveredAt.Before(pending[j].DiscoveredAt)
	})
	if n > 0 && len(pending) > n {
		pending = pending[:n]
	}

	now := s.now()
	claimed := make([]model.FileRecord, 0, len(pending))
	for _, f := range pending {
		f.Status = model.FileProcessing
		started := now
		f.ProcessingStartedAt = &started
		claimed = append(claimed, *f)
	}
	return claimed, nil
}

func (s *Store) Complete(_ context.Context, fileName string, result model.ProcessResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[fileName]
	if !ok {
		return store.ErrNotFound
	}
	if f.Status != model.FileProcessing {
		return store.ErrConflict
	}
	now := s.now()
	f.Status = model.FileSuccess
	f.ProcessedAt = &now
	f.ErrorMessage = ""
	res := result
	f.ProcessResult = &res
	return nil
}

func (s *Store) Fail(_ context.Context, fileName, message string, result *model.ProcessResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[fileName]
	if !ok {
		return store.ErrNotFound
	}
	if f.Status != model.FileProcessing {
		return store.ErrConflict
	}
	now := s.now()
	f.Status = model.FileFailed
	f.ProcessedAt = &now
	f.ErrorMessage = message
	if result != nil {
		res := *result
		f.ProcessResult = &res
	}
	return nil
}

func (s *Store) ListUnmoved(_ context.Context, status model.FileStatus, limit int) ([]model.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.FileRecord
	for _, f := range s.sortedFiles() {
		if f.Status == status && f.MovedAt == nil {
			out = append(out, *f)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkMoved(_ context.Context, fileName string, status model.FileStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[fileName]
	if !ok {
		return false, store.ErrNotFound
	}
	if f.Status != status || f.MovedAt != nil {
		return false, nil
	}
	t := at
	f.MovedAt = &t
	return true, nil
}

func (s *Store) ResetForReprocess(_ context.Context, fileName string) (model.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[fileName]
	if !ok {
		return model.FileRecord{}, store.ErrNotFound
	}
	if f.Status == model.FileProcessing {
		return model.FileRecord{}, store.ErrConflict
	}
	f.Status = model.FilePending
	f.MovedAt = nil
	f.ProcessingStartedAt = nil
	f.ProcessedAt = nil
	f.ErrorMessage = ""
	f.ProcessResult = nil
	f.RetryCount++
	return *f, nil
}

func (s *Store) ResetStuck(_ context.Context, startedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, f := range s.files {
		if f.Status == model.FileProcessing && f.ProcessingStartedAt != nil && f.ProcessingStartedAt.Before(startedBefore) {
			f.Status = model.FilePending
			f.ProcessingStartedAt = nil
			f.RetryCount++
			n++
		}
	}
	return n, nil
}

func (s *Store) Get(_ context.Context, fileName string) (model.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[fileName]
	if !ok {
		return model.FileRecord{}, store.ErrNotFound
	}
	return *f, nil
}

func (s *Store) List(_ context.Context, filter model.FileFilter) ([]model.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.FileRecord
	for _, f := range s.sortedFiles() {
		if len(filter.Status) > 0 && !containsStatus(filter.Status, f.Status) {
			continue
		}
		if filter.Tenant != "" && f.Tenant != filter.Tenant {
			continue
		}
		out = append(out, *f)
	}
	return page(out, filter.Offset, filter.Limit), nil
}

func (s *Store) Stats(_ context.Context) (model.FileStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st model.FileStats
	for _, f := range s.files {
		st.Total++
		switch f.Status {
		case model.FilePending:
			st.Pending++
		case model.FileProcessing:
			st.Processing++
		case model.FileSuccess:
			st.Success++
		case model.FileFailed:
			st.Failed++
		}
		if f.Status.Terminal() && f.MovedAt == nil {
			st.Unmoved++
		}
	}
	return st, nil
}

// sortedFiles returns records oldest discovery first. Caller holds mu.
func (s *Store) sortedFiles() []*model.FileRecord {
	out := make([]*model.FileRecord, 0, len(s.files))
	for _, f := range s.files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DiscoveredAt.Equal(out[j].DiscoveredAt) {
			return out[i].FileName < out[j].FileName
		}
		return out[i].DiscoveredAt.Before(out[j].DiscoveredAt)
	})
	return out
}

func containsStatus(list []model.FileStatus, s model.FileStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// ---- RawStore ----

func rawKey(file string, row int) string {
	return file + "\x00" + strconv.Itoa(row)
}

func (s *Store) InsertRaw(_ context.Context, records []model.RawRecord) (store.InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res store.InsertResult
	now := s.now()
	for _, r := range records {
		k := rawKey(r.FileName, r.RowNumber)
		if _, dup := s.rawKeys[k]; dup {
			res.Skipped++
			continue
		}
		s.nextPos++
		r.Position = s.nextPos
		if r.IngestedAt.IsZero() {
			r.IngestedAt = now
		}
		s.rawKeys[k] = struct{}{}
		s.raw = append(s.raw, r)
		res.Inserted++
	}
	return res, nil
}

func (s *Store) ReadAfter(_ context.Context, after int64, limit int) ([]model.RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := sort.Search(len(s.raw), func(i int) bool { return s.raw[i].Position > after })
	end := len(s.raw)
	if limit > 0 && i+limit < end {
		end = i + limit
	}
	out := make([]model.RawRecord, end-i)
	copy(out, s.raw[i:end])
	return out, nil
}

func (s *Store) Sample(_ context.Context, filter model.RawFilter) ([]model.RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.RawRecord
	for i := len(s.raw) - 1; i >= 0; i-- {
		r := s.raw[i]
		if filter.FileName != "" && r.FileName != filter.FileName {
			continue
		}
		if filter.Tenant != "" && r.OriginTag != filter.Tenant {
			continue
		}
		out = append(out, r)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CountRaw(_ context.Context, fileName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range s.raw {
		if fileName == "" || r.FileName == fileName {
			n++
		}
	}
	return n, nil
}

func (s *Store) FileFieldNames(_ context.Context) (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]string)
	seen := make(map[string]map[string]bool)
	for _, r := range s.raw {
		if seen[r.FileName] == nil {
			seen[r.FileName] = make(map[string]bool)
		}
		for _, name := range r.Fields.Names() {
			if !seen[r.FileName][name] {
				seen[r.FileName][name] = true
				out[r.FileName] = append(out[r.FileName], name)
			}
		}
	}
	return out, nil
}

// ---- MappingStore ----

func (s *Store) InsertMappings(_ context.Context, mappings []model.FieldMapping) (store.InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[string]bool, len(s.mappings))
	for _, m := range s.mappings {
		existing[m.Key()] = true
	}

	var res store.InsertResult
	now := s.now()
	for _, m := range mappings {
		m.Normalize()
		if err := m.Validate(); err != nil {
			return res, err
		}
		if existing[m.Key()] {
			res.Skipped++
			continue
		}
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		m.CreatedAt = now
		if m.Approved && m.ApprovedAt == nil {
			t := now
			m.ApprovedAt = &t
		}
		existing[m.Key()] = true
		s.mappings = append(s.mappings, m)
		res.Inserted++
	}
	return res, nil
}

func (s *Store) ApproveMapping(_ context.Context, id string) (model.FieldMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.mappings {
		if s.mappings[i].ID == id {
			if !s.mappings[i].Approved {
				now := s.now()
				s.mappings[i].Approved = true
				s.mappings[i].ApprovedAt = &now
			}
			return s.mappings[i], nil
		}
	}
	return model.FieldMapping{}, store.ErrNotFound
}

func (s *Store) ApproveMappings(_ context.Context, targetEntity string, minConfidence float64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	now := s.now()
	for i := range s.mappings {
		m := &s.mappings[i]
		if m.Approved || !strings.EqualFold(m.TargetEntity, targetEntity) || m.Confidence < minConfidence {
			continue
		}
		m.Approved = true
		t := now
		m.ApprovedAt = &t
		n++
	}
	return n, nil
}

func (s *Store) DeleteMapping(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.mappings {
		if s.mappings[i].ID == id {
			s.mappings = append(s.mappings[:i], s.mappings[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) ListMappings(_ context.Context, filter model.MappingFilter) ([]model.FieldMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.FieldMapping
	for _, m := range s.mappings {
		if filter.TargetEntity != "" && !strings.EqualFold(m.TargetEntity, filter.TargetEntity) {
			continue
		}
		if filter.Scope != nil && m.Scope != *filter.Scope {
			continue
		}
		if filter.Strategy != "" && m.Strategy != filter.Strategy {
			continue
		}
		if filter.Approved != nil && m.Approved != *filter.Approved {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) ListKnownMappings(_ context.Context) ([]model.KnownMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.KnownMapping, 0, len(s.known))
	for _, k := range s.known {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

func (s *Store) UpsertKnownMappings(_ context.Context, known []model.KnownMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range known {
		k.Token = strings.ToUpper(strings.TrimSpace(k.Token))
		k.Canonical = strings.ToUpper(strings.TrimSpace(k.Canonical))
		s.known[k.Token] = k
	}
	return nil
}

func (s *Store) GetPromptTemplate(_ context.Context, id string) (model.PromptTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tpl, ok := s.prompts[id]
	if !ok {
		return model.PromptTemplate{}, store.ErrNotFound
	}
	return tpl, nil
}

func (s *Store) ListPromptTemplates(_ context.Context) ([]model.PromptTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.PromptTemplate, 0, len(s.prompts))
	for _, p := range s.prompts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpsertPromptTemplate(_ context.Context, tpl model.PromptTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[tpl.ID] = tpl
	return nil
}

// ---- RuleStore ----

func (s *Store) UpsertRule(_ context.Context, rule model.TransformationRule) (model.TransformationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule.Normalize()
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if err := rule.Validate(); err != nil {
		return model.TransformationRule{}, err
	}
	if prev, ok := s.rules[rule.ID]; ok {
		rule.CreatedAt = prev.CreatedAt
	} else {
		rule.CreatedAt = s.now()
	}
	s.rules[rule.ID] = rule
	return rule, nil
}

func (s *Store) SetRuleActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok {
		return store.ErrNotFound
	}
	r.Active = active
	s.rules[id] = r
	return nil
}

func (s *Store) DeleteRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.rules, id)
	return nil
}

func (s *Store) ListRules(_ context.Context, targetEntity string, activeOnly bool) ([]model.TransformationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.TransformationRule
	for _, r := range s.rules {
		if targetEntity != "" && !strings.EqualFold(r.TargetEntity, targetEntity) {
			continue
		}
		if activeOnly && !r.Active {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category.Rank() != out[j].Category.Rank() {
			return out[i].Category.Rank() < out[j].Category.Rank()
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ---- SchemaStore ----

func (s *Store) GetSchema(_ context.Context, entity string) (model.TargetSchema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sch, ok := s.schemas[strings.ToUpper(entity)]
	if !ok {
		return model.TargetSchema{}, store.ErrNotFound
	}
	return copySchema(sch), nil
}

func (s *Store) ListSchemas(_ context.Context) ([]model.TargetSchema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.TargetSchema, 0, len(s.schemas))
	for _, sch := range s.schemas {
		out = append(out, copySchema(sch))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out, nil
}

func (s *Store) SaveSchema(_ context.Context, schema model.TargetSchema) (model.TargetSchema, error) {
	if err := schema.Normalize(); err != nil {
		return model.TargetSchema{}, err
	}
	if err := schema.Validate(); err != nil {
		return model.TargetSchema{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.schemas[schema.Entity]; ok {
		schema.Version = prev.Version + 1
	} else {
		schema.Version = 1
	}
	schema.UpdatedAt = s.now()
	s.schemas[schema.Entity] = copySchema(schema)
	return schema, nil
}

func (s *Store) DropSchema(_ context.Context, entity string, dropTable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entity = strings.ToUpper(entity)
	if _, ok := s.schemas[entity]; !ok {
		return store.ErrNotFound
	}
	delete(s.schemas, entity)
	if dropTable {
		delete(s.targets, entity)
	}
	return nil
}

func (s *Store) ListTenants(_ context.Context) ([]model.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *Store) UpsertTenant(_ context.Context, tenant model.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.tenants[tenant.Code]; ok {
		tenant.CreatedAt = prev.CreatedAt
	} else {
		tenant.CreatedAt = s.now()
	}
	s.tenants[tenant.Code] = tenant
	return nil
}

func copySchema(sch model.TargetSchema) model.TargetSchema {
	sch.Columns = append([]model.Column(nil), sch.Columns...)
	return sch
}

// ---- TransformStore ----

func wmKey(source, target string) string {
	return strings.ToUpper(source) + "\x00" + strings.ToUpper(target)
}

func (s *Store) GetWatermark(_ context.Context, sourceEntity, targetEntity string) (model.Watermark, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wm, ok := s.watermarks[wmKey(sourceEntity, targetEntity)]
	return wm, ok, nil
}

func (s *Store) ListWatermarks(_ context.Context) ([]model.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Watermark, 0, len(s.watermarks))
	for _, wm := range s.watermarks {
		out = append(out, wm)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TargetEntity != out[j].TargetEntity {
			return out[i].TargetEntity < out[j].TargetEntity
		}
		return out[i].SourceEntity < out[j].SourceEntity
	})
	return out, nil
}

func (s *Store) CommitBatch(_ context.Context, c store.Commit) (store.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.commitErr; err != nil {
		s.commitErr = nil
		return store.UpsertResult{}, err
	}

	entity := c.Schema.Entity
	key := c.Schema.KeyColumn()
	rows, folded := store.CollapseByKey(c.Rows, key)
	res := store.UpsertResult{Updated: folded}

	now := s.now()
	table := s.targets[entity]
	index := make(map[string]int, len(table))
	for i, r := range table {
		if k, ok := store.KeyString(r[key]); ok {
			index[k] = i
		}
	}

	for _, r := range rows {
		row := make(model.TargetRow, len(c.Schema.Columns))
		for _, col := range c.Schema.Columns {
			row[col.Name] = r[col.Name]
		}
		if k, ok := store.KeyString(row[key]); ok {
			if i, hit := index[k]; hit {
				if created, ok := table[i]["CREATED_AT"]; ok {
					row["CREATED_AT"] = created
				}
				if _, ok := c.Schema.Column("UPDATED_AT"); ok {
					row["UPDATED_AT"] = now
				}
				table[i] = row
				res.Updated++
				continue
			}
			index[k] = len(table)
		}
		if _, ok := c.Schema.Column("CREATED_AT"); ok {
			row["CREATED_AT"] = now
		}
		if _, ok := c.Schema.Column("UPDATED_AT"); ok {
			row["UPDATED_AT"] = now
		}
		table = append(table, row)
		res.Inserted++
	}
	s.targets[entity] = table

	for _, q := range c.Quarantine {
		if q.ID == "" {
			q.ID = uuid.NewString()
		}
		if q.QuarantinedAt.IsZero() {
			q.QuarantinedAt = now
		}
		s.quarantine = append(s.quarantine, q)
	}

	k := wmKey(c.Watermark.SourceEntity, c.Watermark.TargetEntity)
	prev := s.watermarks[k]
	wm := c.Watermark
	if wm.LastPosition < prev.LastPosition {
		wm.LastPosition = prev.LastPosition
	}
	wm.UpdatedAt = now
	s.watermarks[k] = wm

	return res, nil
}

func (s *Store) StartBatch(_ context.Context, b model.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
	return nil
}

func (s *Store) FinishBatch(_ context.Context, b model.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.batches {
		if s.batches[i].ID == b.ID {
			s.batches[i] = b
			return nil
		}
	}
	s.batches = append(s.batches, b)
	return nil
}

func (s *Store) GetBatch(_ context.Context, id string) (model.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.batches {
		if b.ID == id {
			return b, nil
		}
	}
	return model.Batch{}, store.ErrNotFound
}

func (s *Store) ListBatches(_ context.Context, targetEntity string, limit int) ([]model.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Batch
	for i := len(s.batches) - 1; i >= 0; i-- {
		b := s.batches[i]
		if targetEntity != "" && !strings.EqualFold(b.TargetEntity, targetEntity) {
			continue
		}
		out = append(out, b)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) RecordMetrics(_ context.Context, metrics []model.QualityMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, m := range metrics {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.RecordedAt.IsZero() {
			m.RecordedAt = now
		}
		s.metrics = append(s.metrics, m)
	}
	return nil
}

func (s *Store) ListMetrics(_ context.Context, batchID string) ([]model.QualityMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.QualityMetric
	for _, m := range s.metrics {
		if batchID == "" || m.BatchID == batchID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) ListQuarantine(_ context.Context, targetEntity string, limit int) ([]model.QuarantineRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.QuarantineRecord
	for _, q := range s.quarantine {
		if targetEntity != "" && !strings.EqualFold(q.TargetEntity, targetEntity) {
			continue
		}
		out = append(out, q)
	}
	return page(out, 0, limit), nil
}

func (s *Store) TargetRows(_ context.Context, entity string, limit int) ([]model.TargetRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.targets[strings.ToUpper(entity)]
	out := make([]model.TargetRow, 0, len(rows))
	for _, r := range rows {
		cp := make(model.TargetRow, len(r))
		for k, v := range r {
			cp[k] = v
		}
		out = append(out, cp)
	}
	return page(out, 0, limit), nil
}

// ---- AuditStore ----

func (s *Store) InsertAudit(_ context.Context, entry model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.audit = append(s.audit, entry)
	return nil
}

func (s *Store) ListAudit(_ context.Context, limit int) ([]model.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		out = append(out, s.audit[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
