package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/JonMunkholm/ingestflow/internal/storage"
	"github.com/JonMunkholm/ingestflow/internal/store"
)

// TenantLister returns the registered tenants.
type TenantLister interface {
	ListTenants(ctx context.Context) ([]model.Tenant, error)
}

// DiscoverResult summarizes one scan of the landing area.
type DiscoverResult struct {
	Listed     int      `json:"listed"`
	Registered int      `json:"registered"`
	Ignored    []string `json:"ignored,omitempty"`
}

// Discoverer registers files found in the landing area as PENDING.
type Discoverer struct {
	files   store.FileRegistry
	tenants TenantLister
	storage storage.Storage
	allowed map[string]bool
	logger  *slog.Logger
}

// NewDiscoverer creates a discoverer accepting the given extensions (without the
// dot). An empty list accepts every extension the parser understands.
func NewDiscoverer(files store.FileRegistry, tenants TenantLister, st storage.Storage, extensions []string, logger *slog.Logger) *Discoverer {
	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			allowed["."+ext] = true
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{files: files, tenants: tenants, storage: st, allowed: allowed, logger: logger}
}

// Discover lists the landing area and registers every acceptable file. Repeated or
// concurrent calls never create duplicate records: the registry ignores names it
// already tracks as PENDING, PROCESSING or SUCCESS.
func (d *Discoverer) Discover(ctx context.Context) (DiscoverResult, error) {
	var res DiscoverResult

	objs, err := d.storage.List(ctx, storage.Landing)
	if err != nil {
		return res, fmt.Errorf("list landing area: %w", err)
	}
	res.Listed = len(objs)
	if len(objs) == 0 {
		return res, nil
	}

	active, err := d.activeTenants(ctx)
	if err != nil {
		return res, err
	}

	candidates := make([]model.FileRecord, 0, len(objs))
	for _, obj := range objs {
		format, ok := model.FormatForName(obj.Name)
		if !ok || (len(d.allowed) > 0 && !d.allowed[strings.ToLower(path.Ext(obj.Name))]) {
			d.logger.Warn("ignoring file with unsupported extension", "file", obj.Name)
			res.Ignored = append(res.Ignored, obj.Name)
			continue
		}
		tenant := model.TenantFromPath(obj.Name)
		if active != nil && !active[strings.ToUpper(tenant)] {
			d.logger.Warn("ignoring file outside an active tenant folder", "file", obj.Name, "tenant", tenant)
			res.Ignored = append(res.Ignored, obj.Name)
			continue
		}
		candidates = append(candidates, model.FileRecord{
			FileName:  obj.Name,
			Tenant:    tenant,
			Format:    format,
			SizeBytes: obj.Size,
		})
	}

	if len(candidates) == 0 {
		return res, nil
	}
	n, err := d.files.RegisterDiscovered(ctx, candidates)
	if err != nil {
		return res, fmt.Errorf("register discovered files: %w", err)
	}
	res.Registered = n
	if n > 0 {
		d.logger.Info("files discovered", "registered", n, "listed", res.Listed)
	}
	return res, nil
}

// activeTenants returns the upper-cased active tenant codes, or nil when no
// tenants are registered and every folder is accepted.
func (d *Discoverer) activeTenants(ctx context.Context) (map[string]bool, error) {
	if d.tenants == nil {
		return nil, nil
	}
	tenants, err := d.tenants.ListTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	if len(tenants) == 0 {
		return nil, nil
	}
	active := make(map[string]bool, len(tenants))
	for _, t := range tenants {
		if t.Active {
			active[strings.ToUpper(t.Code)] = true
		}
	}
	return active, nil
}
