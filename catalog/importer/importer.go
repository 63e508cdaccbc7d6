// Package importer brings catalog items into the registry: from a JSON
// payload, an uploaded bundle or a git ref. Each import is also a task
// body that reports its steps through the job's status.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xraph/jobboard"
	"github.com/xraph/jobboard/catalog"
	"github.com/xraph/jobboard/catalog/bundle"
	"github.com/xraph/jobboard/job"
	"github.com/xraph/jobboard/status"
)

// Task names served by an Importer.
const (
	TaskImport       = "import_catalog_item_task"
	TaskImportBundle = "import_catalog_bundle_task"
	TaskSyncRegistry = "sync_catalog_registry_task"
	TaskGitSync      = "sync_catalog_item_from_git"
	TaskGitSyncAlias = "sync_catalog_item"
)

// Importer writes imported items into a catalog registry.
type Importer struct {
	registry *catalog.Registry
	git      GitRunner
	staging  string
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Importer.
type Option func(*Importer)

// WithGitRunner replaces the git command runner.
func WithGitRunner(g GitRunner) Option {
	return func(i *Importer) { i.git = g }
}

// WithStagingDir sets where uploaded bundles wait for their import job.
func WithStagingDir(dir string) Option {
	return func(i *Importer) { i.staging = dir }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Importer) { i.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Importer) { i.now = now }
}

// New returns an Importer for registry.
func New(registry *catalog.Registry, opts ...Option) *Importer {
	i := &Importer{
		registry: registry,
		git:      ExecGit{},
		staging:  os.TempDir(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Register adds the import, bundle import, git sync and registry sync
// tasks to reg.
func (i *Importer) Register(reg *job.Registry, timeout time.Duration) {
	job.RegisterDefinition(reg, job.NewDefinition(TaskImport, i.ImportJSON,
		job.WithJobType("import_catalog_item"), job.WithTimeout(timeout)))
	job.RegisterDefinition(reg, job.NewDefinition(TaskImportBundle, i.ImportStaged,
		job.WithJobType("bundle_import"), job.WithTimeout(timeout)))
	job.RegisterDefinition(reg, job.NewDefinition(TaskSyncRegistry, i.SyncRegistry,
		job.WithJobType("sync_catalog_registry"), job.WithTimeout(timeout)))
	for _, name := range []string{TaskGitSync, TaskGitSyncAlias} {
		job.RegisterDefinition(reg, job.NewDefinition(name, i.ImportGit,
			job.WithJobType("git_import"), job.WithTimeout(timeout)))
	}
}

func (i *Importer) step(ctx context.Context, pct float64, step string) {
	rep := status.ReporterFrom(ctx)
	if err := rep.Step(ctx, pct, step, ""); err != nil {
		i.logger.Warn("progress report failed",
			slog.String("job_id", rep.JobID()),
			slog.String("step", step),
			slog.String("error", err.Error()),
		)
	}
}

func (i *Importer) timestamp() string {
	return i.now().UTC().Format(time.RFC3339)
}

// ──────────────────────────────────────────────────
// JSON payload
// ──────────────────────────────────────────────────

// ImportRequest is the payload of import_catalog_item_task.
type ImportRequest struct {
	ItemID   string            `json:"item_id"`
	Version  string            `json:"version"`
	Manifest *catalog.Manifest `json:"manifest,omitempty"`
	Schema   map[string]any    `json:"schema"`
	UISchema map[string]any    `json:"ui_schema,omitempty"`
	TaskCode string            `json:"task_code,omitempty"`
	TaskFile string            `json:"task_file,omitempty"`
	Source   string            `json:"source,omitempty"`
}

// Normalize fills in the manifest the way an interactive import expects:
// a default manifest when none is given, and id, version, name and
// entrypoint forced or defaulted from the request.
func (r *ImportRequest) Normalize() {
	if r.Manifest == nil {
		m := catalog.DefaultManifest(r.ItemID, r.Version)
		r.Manifest = &m
	}
	r.Manifest.ID = r.ItemID
	r.Manifest.Version = r.Version
	if r.Manifest.Name == "" {
		r.Manifest.Name = r.ItemID
	}
	if r.Manifest.Entrypoint == "" {
		r.Manifest.Entrypoint = "task:run"
	}
	if r.Source == "" {
		r.Source = "ui_import"
	}
}

// Validate checks the request before it is queued.
func (r *ImportRequest) Validate() error {
	if r.ItemID == "" || r.Version == "" || r.Schema == nil {
		return fmt.Errorf("%w: item_id, version, and schema are required", jobboard.ErrInvalidManifest)
	}
	if r.Manifest != nil {
		if err := catalog.ValidateManifest(*r.Manifest); err != nil {
			return err
		}
	}
	return catalog.ValidateSchema(r.Schema)
}

// ImportResult is returned by ImportJSON.
type ImportResult struct {
	Message    string `json:"message"`
	ItemID     string `json:"item_id"`
	Version    string `json:"version"`
	LocalPath  string `json:"local_path"`
	StorageURI string `json:"storage_uri"`
	ImportedAt string `json:"imported_at"`
}

// ImportJSON writes the request into the local layout, packs and stores
// its bundle, and registers the version.
func (i *Importer) ImportJSON(ctx context.Context, req ImportRequest) (any, error) {
	jobID := status.ReporterFrom(ctx).JobID()

	i.step(ctx, 10, "Validating input data")
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	i.step(ctx, 30, "Preparing local storage directory")
	if err := checkRef(req.ItemID, req.Version); err != nil {
		return nil, err
	}
	dir := filepath.Join(i.registry.LocalRoot(), req.ItemID, req.Version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("jobboard/importer: %w", err)
	}

	i.step(ctx, 50, "Saving files to local storage")
	d := &catalog.Descriptor{
		Manifest: *req.Manifest,
		Schema:   req.Schema,
		UI:       req.UISchema,
		TaskFile: req.TaskFile,
		TaskCode: req.TaskCode,
	}
	meta := map[string]any{
		"version":     req.Version,
		"imported_at": i.timestamp(),
		"source":      req.Source,
		"job_id":      jobID,
	}
	if _, err := catalog.WriteDir(dir, d, meta, true); err != nil {
		return nil, err
	}

	i.step(ctx, 70, "Packing and storing in registry")
	data, err := bundle.Pack(dir)
	if err != nil {
		return nil, fmt.Errorf("jobboard/importer: pack %s: %w", dir, err)
	}
	obj, err := i.registry.Blobs().Put(ctx, req.ItemID, req.Version, data)
	if err != nil {
		return nil, err
	}

	i.step(ctx, 90, "Updating registry")
	d.StorageURI = obj.URI
	d.Source = map[string]any{
		"source":      req.Source,
		"imported_at": i.timestamp(),
		"job_id":      jobID,
		"local_path":  dir,
	}
	if err := i.registry.UpsertVersion(ctx, req.ItemID, req.Version, d); err != nil {
		return nil, err
	}

	i.logger.Info("catalog item imported",
		slog.String("item_id", req.ItemID),
		slog.String("version", req.Version),
		slog.String("source", req.Source),
	)
	return &ImportResult{
		Message:    "Catalog item imported successfully",
		ItemID:     req.ItemID,
		Version:    req.Version,
		LocalPath:  dir,
		StorageURI: obj.URI,
		ImportedAt: i.timestamp(),
	}, nil
}

// ──────────────────────────────────────────────────
// Bundle upload
// ──────────────────────────────────────────────────

// BundleResult is returned by ImportBundle.
type BundleResult struct {
	ItemID     string `json:"item_id"`
	Version    string `json:"version"`
	StorageURI string `json:"storage_uri"`
}

// ImportBundle registers an uploaded .tar.gz bundle. The descriptor is
// read from the archive root or its items/<id>/ directory; item and
// version come from the manifest.
func (i *Importer) ImportBundle(ctx context.Context, filename string, data []byte) (*BundleResult, error) {
	if !hasBundleExt(filename) {
		return nil, fmt.Errorf("%w: expected .tar.gz file, got %q", jobboard.ErrInvalidManifest, filename)
	}
	tmp, err := os.MkdirTemp("", "jobboard-upload-*")
	if err != nil {
		return nil, fmt.Errorf("jobboard/importer: %w", err)
	}
	defer os.RemoveAll(tmp) //nolint:errcheck // temp dir

	if err := bundle.Unpack(data, tmp); err != nil {
		return nil, fmt.Errorf("jobboard/importer: unpack %s: %w", filename, err)
	}
	root, err := catalog.FindDescriptorRoot(tmp)
	if err != nil {
		return nil, err
	}
	d, _, err := catalog.LoadDir(root)
	if err != nil {
		return nil, err
	}
	if err := catalog.ValidateManifest(d.Manifest); err != nil {
		return nil, err
	}
	itemID, version := d.Manifest.ItemID(), d.Manifest.Version
	if err := checkRef(itemID, version); err != nil {
		return nil, err
	}

	obj, err := i.registry.Blobs().Put(ctx, itemID, version, data)
	if err != nil {
		return nil, err
	}
	d.StorageURI = obj.URI
	d.Source = map[string]any{"source": "bundle-upload", "filename": filename}
	if err := i.registry.UpsertVersion(ctx, itemID, version, d); err != nil {
		return nil, err
	}

	i.logger.Info("catalog bundle imported",
		slog.String("item_id", itemID),
		slog.String("version", version),
		slog.String("filename", filename),
	)
	return &BundleResult{ItemID: itemID, Version: version, StorageURI: obj.URI}, nil
}

// StagedBundle is the payload of import_catalog_bundle_task.
type StagedBundle struct {
	Filename string `json:"filename"`
	// Staged is the file name inside the staging directory.
	Staged string `json:"staged"`
}

// Stage writes an uploaded bundle into the staging directory so an
// import job can pick it up.
func (i *Importer) Stage(filename string, data []byte) (StagedBundle, error) {
	if !hasBundleExt(filename) {
		return StagedBundle{}, fmt.Errorf("%w: expected .tar.gz file, got %q", jobboard.ErrInvalidManifest, filename)
	}
	if err := os.MkdirAll(i.staging, 0o755); err != nil {
		return StagedBundle{}, fmt.Errorf("jobboard/importer: staging dir: %w", err)
	}
	f, err := os.CreateTemp(i.staging, "upload-*.tar.gz")
	if err != nil {
		return StagedBundle{}, fmt.Errorf("jobboard/importer: stage %s: %w", filename, err)
	}
	_, werr := f.Write(data)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(f.Name())
		return StagedBundle{}, fmt.Errorf("jobboard/importer: stage %s: %w", filename, werr)
	}
	return StagedBundle{Filename: filepath.Base(filename), Staged: filepath.Base(f.Name())}, nil
}

// ImportStaged imports a bundle placed by Stage and removes the staged
// file.
func (i *Importer) ImportStaged(ctx context.Context, req StagedBundle) (any, error) {
	if req.Staged == "" || !filepath.IsLocal(req.Staged) || strings.ContainsAny(req.Staged, `/\`) {
		return nil, fmt.Errorf("%w: bad staged bundle name %q", jobboard.ErrInvalidManifest, req.Staged)
	}
	path := filepath.Join(i.staging, req.Staged)
	defer os.Remove(path) //nolint:errcheck // staged upload

	i.step(ctx, 10, "Reading uploaded bundle")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("jobboard/importer: staged bundle %q: %w", req.Staged, jobboard.ErrBundleNotFound)
		}
		return nil, fmt.Errorf("jobboard/importer: %w", err)
	}
	i.step(ctx, 50, "Validating bundle")
	res, err := i.ImportBundle(ctx, req.Filename, data)
	if err != nil {
		return nil, err
	}
	i.step(ctx, 90, "Updating registry")
	return res, nil
}

// checkRef rejects ids and versions that are not a single path element.
func checkRef(itemID, version string) error {
	for _, s := range []string{itemID, version} {
		if !filepath.IsLocal(s) || strings.ContainsAny(s, `/\`) {
			return fmt.Errorf("%w: unsafe item id or version %q", jobboard.ErrInvalidManifest, s)
		}
	}
	return nil
}

func hasBundleExt(name string) bool {
	for _, ext := range bundle.Extensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// ──────────────────────────────────────────────────
// Registry sync
// ──────────────────────────────────────────────────

// SyncResult is returned by SyncRegistry.
type SyncResult struct {
	Message     string              `json:"message"`
	SyncReport  *catalog.SyncReport `json:"sync_report"`
	CompletedAt string              `json:"completed_at"`
}

// SyncRegistry makes the registry match the local layout.
func (i *Importer) SyncRegistry(ctx context.Context, _ map[string]any) (any, error) {
	i.step(ctx, 20, "Checking sync status")
	i.step(ctx, 80, "Synchronizing registry with local files")
	rep, err := i.registry.SyncWithLocalFilesystem(ctx)
	if err != nil {
		return nil, err
	}
	return &SyncResult{
		Message:     "Registry sync completed",
		SyncReport:  rep,
		CompletedAt: i.timestamp(),
	}, nil
}
