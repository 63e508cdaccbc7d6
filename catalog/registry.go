// Package catalog is the registry of versioned, schema-described task
// items. The registry is a single JSON document; every read-modify-write
// cycle runs under one process-wide mutex and is persisted with an atomic
// rename. A relational mirror, when configured, is written best effort
// after the document.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/xraph/jobboard"
	"github.com/xraph/jobboard/catalog/bundle"
)

type document struct {
	Items map[string]*itemEntry `json:"items"`
}

type itemEntry struct {
	Versions map[string]*Descriptor `json:"versions"`
}

// Registry is the catalog's source of truth.
type Registry struct {
	mu sync.Mutex

	file    string
	root    string
	workDir string
	blobs   bundle.Store

	mirror        Mirror
	mirrorTimeout time.Duration
	health        mirrorHealth

	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLocalRoot sets the {item}/{version}/ layout directory.
func WithLocalRoot(dir string) Option {
	return func(r *Registry) { r.root = dir }
}

// WithWorkDir sets where bundles are extracted for execution.
func WithWorkDir(dir string) Option {
	return func(r *Registry) { r.workDir = dir }
}

// WithBlobStore sets the bundle store.
func WithBlobStore(s bundle.Store) Option {
	return func(r *Registry) { r.blobs = s }
}

// WithMirror enables best-effort mirroring.
func WithMirror(m Mirror) Option {
	return func(r *Registry) { r.mirror = m }
}

// WithMirrorTimeout bounds one mirror write.
func WithMirrorTimeout(d time.Duration) Option {
	return func(r *Registry) { r.mirrorTimeout = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New returns a registry persisted at file. Without options the local
// layout, work directory and bundle store live next to file.
func New(file string, opts ...Option) *Registry {
	base := filepath.Dir(file)
	r := &Registry{
		file:          file,
		root:          filepath.Join(base, "items"),
		workDir:       filepath.Join(base, "work"),
		mirrorTimeout: 5 * time.Second,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.blobs == nil {
		r.blobs = bundle.NewFSStore(filepath.Join(base, "bundles"))
	}
	return r
}

// Blobs returns the bundle store.
func (r *Registry) Blobs() bundle.Store { return r.blobs }

// LocalRoot returns the local layout directory.
func (r *Registry) LocalRoot() string { return r.root }

// ──────────────────────────────────────────────────
// Persistence
// ──────────────────────────────────────────────────

// load reads the document. Callers hold r.mu.
func (r *Registry) load() (*document, error) {
	doc := &document{Items: make(map[string]*itemEntry)}
	data, err := os.ReadFile(r.file)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobboard/catalog: read registry: %w", err)
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("jobboard/catalog: decode registry: %w", err)
	}
	if doc.Items == nil {
		doc.Items = make(map[string]*itemEntry)
	}
	for id, item := range doc.Items {
		if item == nil || item.Versions == nil {
			doc.Items[id] = &itemEntry{Versions: make(map[string]*Descriptor)}
			continue
		}
		for ver, d := range item.Versions {
			d.ItemID, d.Version = id, ver
		}
	}
	return doc, nil
}

// save persists the document atomically. Callers hold r.mu.
func (r *Registry) save(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("jobboard/catalog: encode registry: %w", err)
	}
	if err := bundle.WriteFileAtomic(r.file, data, 0o644); err != nil {
		return fmt.Errorf("jobboard/catalog: write registry: %w", err)
	}
	return nil
}

func (r *Registry) read() (*document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load()
}

// ──────────────────────────────────────────────────
// Writes
// ──────────────────────────────────────────────────

// UpsertVersion registers d under itemID@version, replacing any previous
// descriptor for that version. The manifest and schema are validated
// first. A mirror failure is logged and recorded in MirrorStatus; it never
// fails the upsert.
func (r *Registry) UpsertVersion(ctx context.Context, itemID, version string, d *Descriptor) error {
	if itemID == "" || version == "" {
		return fmt.Errorf("%w: item id and version are required", jobboard.ErrInvalidManifest)
	}
	if d == nil {
		return fmt.Errorf("%w: descriptor is nil", jobboard.ErrInvalidManifest)
	}
	if err := ValidateManifest(d.Manifest); err != nil {
		return err
	}
	if err := ValidateSchema(d.Schema); err != nil {
		return err
	}

	stored := *d
	stored.ItemID, stored.Version = itemID, version
	stored.Active = true

	if err := r.putLocked(&stored); err != nil {
		return err
	}

	r.logger.Info("catalog version registered",
		slog.String("item_id", itemID),
		slog.String("version", version),
		slog.String("storage_uri", stored.StorageURI),
	)
	r.mirrorUpsert(ctx, &stored)
	return nil
}

// putLocked writes d into the registry file. Mirror work happens after
// the lock is released.
func (r *Registry) putLocked(d *Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return err
	}
	putVersion(doc, d)
	return r.save(doc)
}

func putVersion(doc *document, d *Descriptor) {
	item, ok := doc.Items[d.ItemID]
	if !ok {
		item = &itemEntry{Versions: make(map[string]*Descriptor)}
		doc.Items[d.ItemID] = item
	}
	item.Versions[d.Version] = d
}

// ──────────────────────────────────────────────────
// Reads
// ──────────────────────────────────────────────────

// GetDescriptor returns the descriptor of itemID@version. Unknown items
// and versions wrap jobboard.ErrItemNotFound and ErrVersionNotFound.
func (r *Registry) GetDescriptor(_ context.Context, itemID, version string) (*Descriptor, error) {
	doc, err := r.read()
	if err != nil {
		return nil, err
	}
	item, ok := doc.Items[itemID]
	if !ok {
		return nil, fmt.Errorf("jobboard/catalog: %s: %w", itemID, jobboard.ErrItemNotFound)
	}
	d, ok := item.Versions[version]
	if !ok {
		return nil, fmt.Errorf("jobboard/catalog: %s@%s: %w", itemID, version, jobboard.ErrVersionNotFound)
	}
	return d, nil
}

// ResolveLatest returns the descriptor of the lexicographically greatest
// version string. "1.9.0" sorts after "1.10.0".
func (r *Registry) ResolveLatest(_ context.Context, itemID string) (*Descriptor, error) {
	doc, err := r.read()
	if err != nil {
		return nil, err
	}
	item, ok := doc.Items[itemID]
	if !ok || len(item.Versions) == 0 {
		return nil, fmt.Errorf("jobboard/catalog: %s: %w", itemID, jobboard.ErrItemNotFound)
	}
	latest := latestVersion(item.Versions)
	return item.Versions[latest], nil
}

// Resolve returns GetDescriptor, or ResolveLatest when version is Latest.
func (r *Registry) Resolve(ctx context.Context, itemID, version string) (*Descriptor, error) {
	if version == Latest || version == "" {
		return r.ResolveLatest(ctx, itemID)
	}
	return r.GetDescriptor(ctx, itemID, version)
}

// ListItems returns every item with its sorted versions.
func (r *Registry) ListItems(_ context.Context) ([]ItemSummary, error) {
	doc, err := r.read()
	if err != nil {
		return nil, err
	}
	out := make([]ItemSummary, 0, len(doc.Items))
	for id, item := range doc.Items {
		out = append(out, ItemSummary{
			ID:       id,
			Versions: sortedVersions(item.Versions),
			Latest:   latestVersion(item.Versions),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListVersions returns the sorted versions of itemID, empty when unknown.
func (r *Registry) ListVersions(_ context.Context, itemID string) ([]string, error) {
	doc, err := r.read()
	if err != nil {
		return nil, err
	}
	item, ok := doc.Items[itemID]
	if !ok {
		return []string{}, nil
	}
	return sortedVersions(item.Versions), nil
}

// GetAdditionalSchema returns a schema listed in the version's
// x-schema-map.
func (r *Registry) GetAdditionalSchema(ctx context.Context, itemID, version, name string) (map[string]any, error) {
	d, err := r.Resolve(ctx, itemID, version)
	if err != nil {
		return nil, err
	}
	s, ok := d.AdditionalSchemas[name]
	if !ok {
		return nil, fmt.Errorf("jobboard/catalog: %s schema %q: %w", d.Ref(), name, jobboard.ErrSchemaNotFound)
	}
	return s, nil
}

func sortedVersions[T any](m map[string]T) []string {
	vs := make([]string, 0, len(m))
	for v := range m {
		vs = append(vs, v)
	}
	sort.Strings(vs)
	return vs
}

func latestVersion[T any](m map[string]T) string {
	if len(m) == 0 {
		return ""
	}
	vs := sortedVersions(m)
	return vs[len(vs)-1]
}

func containsVersion(vs []string, v string) bool { return slices.Contains(vs, v) }
