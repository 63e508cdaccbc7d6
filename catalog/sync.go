package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/xraph/jobboard/catalog/bundle"
)

const legacyDefaultVersion = "1.0.0"

// localLayout maps item -> version -> directory for every version
// directory that holds a schema.json. An item directory with the
// descriptor files directly inside (the flat layout) contributes one
// version, taken from its manifest or "unknown".
func localLayout(root string) map[string]map[string]string {
	out := make(map[string]map[string]string)
	items, err := os.ReadDir(root)
	if err != nil {
		return out
	}
	for _, it := range items {
		if !it.IsDir() {
			continue
		}
		itemDir := filepath.Join(root, it.Name())
		entries, err := os.ReadDir(itemDir)
		if err != nil {
			continue
		}
		versions := make(map[string]string)
		hasSubdirs := false
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			hasSubdirs = true
			dir := filepath.Join(itemDir, e.Name())
			if exists(filepath.Join(dir, SchemaFile)) {
				versions[e.Name()] = dir
			}
		}
		if !hasSubdirs && exists(filepath.Join(itemDir, SchemaFile)) {
			versions[flatVersion(itemDir)] = itemDir
		}
		if len(versions) > 0 {
			out[it.Name()] = versions
		}
	}
	return out
}

func flatVersion(dir string) string {
	var m Manifest
	if data, err := os.ReadFile(filepath.Join(dir, ManifestFile)); err == nil {
		if yaml.Unmarshal(data, &m) == nil && m.Version != "" {
			return m.Version
		}
	}
	return "unknown"
}

func sameContent(a, b *Descriptor) bool {
	return sameManifest(a.Manifest, b.Manifest) &&
		reflect.DeepEqual(a.Schema, b.Schema) &&
		reflect.DeepEqual(a.UI, b.UI) &&
		reflect.DeepEqual(a.AdditionalSchemas, b.AdditionalSchemas) &&
		a.TaskCode == b.TaskCode
}

// ──────────────────────────────────────────────────
// Bidirectional
// ──────────────────────────────────────────────────

// SyncWithLocalFilesystem makes the registry match the local layout.
// Local versions are packed, stored as bundles and registered; registry
// versions with no local directory are removed. Versions whose content is
// unchanged are left untouched, so repeated runs report nothing. A local
// version that fails to load is reported and keeps its registry entry.
func (r *Registry) SyncWithLocalFilesystem(ctx context.Context) (*SyncReport, error) {
	rep, changed, removed, err := r.syncWithLocal(ctx)
	if err != nil {
		return nil, err
	}

	for _, d := range changed {
		r.mirrorUpsert(ctx, d)
	}
	for _, rm := range removed {
		attrs := []any{slog.String("item_id", rm.itemID), slog.String("version", rm.version)}
		if rm.version == "" {
			//nolint:errcheck // recorded in mirror status
			r.mirrorWrite(ctx, "delete_item", attrs, func(ctx context.Context, m Mirror) error { return m.DeleteItem(ctx, rm.itemID) })
			continue
		}
		//nolint:errcheck // recorded in mirror status
		r.mirrorWrite(ctx, "delete_version", attrs, func(ctx context.Context, m Mirror) error {
			return m.DeleteVersion(ctx, rm.itemID, rm.version)
		})
	}

	r.logger.Info("catalog synced with local filesystem",
		slog.Int("versions_added", len(rep.VersionsAdded)),
		slog.Int("versions_updated", len(rep.VersionsUpdated)),
		slog.Int("versions_removed", len(rep.VersionsRemoved)),
		slog.Int("errors", len(rep.Errors)),
	)
	return rep, nil
}

type removal struct{ itemID, version string }

func (r *Registry) syncWithLocal(ctx context.Context) (*SyncReport, []*Descriptor, []removal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return nil, nil, nil, err
	}
	now := r.now().UTC()
	rep := &SyncReport{
		SyncTimestamp:   now,
		ItemsAdded:      []string{},
		ItemsRemoved:    []string{},
		VersionsAdded:   []string{},
		VersionsUpdated: []string{},
		VersionsRemoved: []string{},
		Errors:          Errors{},
	}

	local := localLayout(r.root)
	var changed []*Descriptor

	for _, itemID := range sortedVersions(local) {
		for _, version := range sortedVersions(local[itemID]) {
			dir := local[itemID][version]
			d, meta, err := LoadDir(dir)
			if err != nil {
				rep.Errors.addf("error loading %s v%s: %v", itemID, version, err)
				continue
			}
			if err := ValidateManifest(d.Manifest); err != nil {
				rep.Errors.addf("invalid %s v%s: %v", itemID, version, err)
				continue
			}
			if err := ValidateSchema(d.Schema); err != nil {
				rep.Errors.addf("invalid %s v%s: %v", itemID, version, err)
				continue
			}
			d.ItemID, d.Version = itemID, version

			var existing *Descriptor
			item, itemKnown := doc.Items[itemID]
			if itemKnown {
				existing = item.Versions[version]
			}
			if existing != nil && sameContent(existing, d) {
				continue
			}

			data, err := bundle.Pack(dir)
			if err != nil {
				rep.Errors.addf("error packing %s v%s: %v", itemID, version, err)
				continue
			}
			obj, err := r.blobs.Put(ctx, itemID, version, data)
			if err != nil {
				rep.Errors.addf("error storing %s v%s: %v", itemID, version, err)
				continue
			}
			d.StorageURI = obj.URI
			d.Source = map[string]any{"type": "local_sync", "sync_timestamp": now.Format(time.RFC3339)}
			if src, ok := meta["source"].(map[string]any); ok {
				d.Source = src
			}

			if !itemKnown {
				rep.ItemsAdded = append(rep.ItemsAdded, itemID)
			}
			if existing == nil {
				rep.VersionsAdded = append(rep.VersionsAdded, itemID+" v"+version)
			} else {
				rep.VersionsUpdated = append(rep.VersionsUpdated, itemID+" v"+version)
			}
			putVersion(doc, d)
			changed = append(changed, d)
		}
	}

	var removed []removal
	for _, itemID := range sortedVersions(doc.Items) {
		localVersions, ok := local[itemID]
		if !ok {
			delete(doc.Items, itemID)
			rep.ItemsRemoved = append(rep.ItemsRemoved, itemID)
			removed = append(removed, removal{itemID: itemID})
			continue
		}
		item := doc.Items[itemID]
		for _, version := range sortedVersions(item.Versions) {
			if _, ok := localVersions[version]; ok {
				continue
			}
			delete(item.Versions, version)
			rep.VersionsRemoved = append(rep.VersionsRemoved, itemID+" v"+version)
			removed = append(removed, removal{itemID, version})
		}
		if len(item.Versions) == 0 {
			delete(doc.Items, itemID)
			rep.ItemsRemoved = append(rep.ItemsRemoved, itemID)
		}
	}

	if len(changed) > 0 || len(removed) > 0 {
		if err := r.save(doc); err != nil {
			return nil, nil, nil, err
		}
	}

	return rep, changed, removed, nil
}

// ──────────────────────────────────────────────────
// One-directional
// ──────────────────────────────────────────────────

// SyncLocalToRegistry registers local versions the registry lacks.
// Registered versions are never modified.
func (r *Registry) SyncLocalToRegistry(ctx context.Context) (*LocalToRegistryReport, error) {
	rep, added, err := r.syncLocalToRegistry(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range added {
		r.mirrorUpsert(ctx, d)
	}
	return rep, nil
}

func (r *Registry) syncLocalToRegistry(ctx context.Context) (*LocalToRegistryReport, []*Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return nil, nil, err
	}
	rep := &LocalToRegistryReport{Added: []string{}, Errors: Errors{}}
	now := r.now().UTC()

	items, err := os.ReadDir(r.root)
	if err != nil {
		return rep, nil, nil //nolint:nilerr // no local layout yet
	}
	var added []*Descriptor
	for _, it := range items {
		if !it.IsDir() {
			continue
		}
		itemID := it.Name()
		versions, err := os.ReadDir(filepath.Join(r.root, itemID))
		if err != nil {
			rep.Errors.addf("%s - %v", itemID, err)
			continue
		}
		for _, v := range versions {
			if !v.IsDir() {
				continue
			}
			version := v.Name()
			ref := itemID + ":" + version
			if item, ok := doc.Items[itemID]; ok {
				if _, ok := item.Versions[version]; ok {
					continue
				}
			}

			dir := filepath.Join(r.root, itemID, version)
			if !hasDescriptor(dir) {
				rep.Errors.addf("%s - missing required files", ref)
				continue
			}
			d, meta, err := LoadDir(dir)
			if err != nil {
				rep.Errors.addf("%s - %v", ref, err)
				continue
			}
			if err := ValidateManifest(d.Manifest); err != nil {
				rep.Errors.addf("%s - %v", ref, err)
				continue
			}
			if err := ValidateSchema(d.Schema); err != nil {
				rep.Errors.addf("%s - %v", ref, err)
				continue
			}

			d.ItemID, d.Version = itemID, version
			d.Source = map[string]any{"source": "local_sync", "synced_at": now.Format(time.RFC3339)}
			for k, v := range meta {
				d.Source[k] = v
			}
			abs, err := filepath.Abs(dir)
			if err != nil {
				abs = dir
			}
			d.StorageURI = "file://" + filepath.ToSlash(abs)

			putVersion(doc, d)
			added = append(added, d)
			rep.Added = append(rep.Added, ref)
		}
	}
	sort.Strings(rep.Added)

	if len(added) > 0 {
		if err := r.save(doc); err != nil {
			return nil, nil, err
		}
	}
	return rep, added, nil
}

// SyncRegistryToLocal writes the files of every registered version whose
// local directory lacks manifest.yaml or schema.json. Existing files are
// kept.
func (r *Registry) SyncRegistryToLocal(_ context.Context) (*RegistryToLocalReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return nil, err
	}
	rep := &RegistryToLocalReport{Created: []string{}, Errors: Errors{}}
	now := r.now().UTC()

	for _, itemID := range sortedVersions(doc.Items) {
		item := doc.Items[itemID]
		for _, version := range sortedVersions(item.Versions) {
			d := item.Versions[version]
			dir := filepath.Join(r.root, itemID, version)
			if hasDescriptor(dir) {
				continue
			}
			meta := map[string]any{
				"version":                 version,
				"synced_from_registry_at": now.Format(time.RFC3339),
				"source":                  "registry_sync",
			}
			if d.Source != nil {
				meta["original_source"] = d.Source
			}
			if _, err := WriteDir(dir, d, meta, false); err != nil {
				rep.Errors.addf("%s:%s - %v", itemID, version, err)
				continue
			}
			rep.Created = append(rep.Created, itemID+":"+version)
		}
	}
	return rep, nil
}

// ──────────────────────────────────────────────────
// Status and maintenance
// ──────────────────────────────────────────────────

// SyncStatus compares registered versions with the local layout.
func (r *Registry) SyncStatus(_ context.Context) (*SyncStatus, error) {
	r.mu.Lock()
	doc, err := r.load()
	local := localLayout(r.root)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	st := &SyncStatus{
		InSync:             true,
		RegistryOnly:       []ItemVersions{},
		LocalOnly:          []ItemVersions{},
		VersionMismatches:  []VersionMismatch{},
		TotalRegistryItems: len(doc.Items),
		TotalLocalItems:    len(local),
	}

	ids := make(map[string]struct{})
	for id := range doc.Items {
		ids[id] = struct{}{}
	}
	for id := range local {
		ids[id] = struct{}{}
	}

	for _, id := range sortedVersions(ids) {
		item, inRegistry := doc.Items[id]
		localVersions, inLocal := local[id]
		switch {
		case inRegistry && !inLocal:
			st.RegistryOnly = append(st.RegistryOnly, ItemVersions{ItemID: id, Versions: sortedVersions(item.Versions)})
		case inLocal && !inRegistry:
			st.LocalOnly = append(st.LocalOnly, ItemVersions{ItemID: id, Versions: sortedVersions(localVersions)})
		default:
			reg := sortedVersions(item.Versions)
			loc := sortedVersions(localVersions)
			if slices.Equal(reg, loc) {
				continue
			}
			st.VersionMismatches = append(st.VersionMismatches, VersionMismatch{
				ItemID:            id,
				RegistryVersions:  reg,
				LocalVersions:     loc,
				MissingInRegistry: difference(loc, reg),
				MissingLocally:    difference(reg, loc),
			})
		}
	}
	st.InSync = len(st.RegistryOnly) == 0 && len(st.LocalOnly) == 0 && len(st.VersionMismatches) == 0
	return st, nil
}

// MigrateLegacyLayout moves descriptor files kept directly in an item
// directory into {item}/{version}/, taking the version from meta.json
// (default "1.0.0").
func (r *Registry) MigrateLegacyLayout(_ context.Context) ([]Migration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []Migration{}
	items, err := os.ReadDir(r.root)
	if err != nil {
		return out, nil //nolint:nilerr // no local layout yet
	}
	for _, it := range items {
		if !it.IsDir() {
			continue
		}
		itemDir := filepath.Join(r.root, it.Name())
		files := append([]string{}, legacyFiles...)
		if tf := TaskFile(itemDir); tf != "" && !containsVersion(files, tf) {
			files = append(files, tf)
		}

		var present []string
		for _, f := range files {
			fi, err := os.Stat(filepath.Join(itemDir, f))
			if err == nil && fi.Mode().IsRegular() {
				present = append(present, f)
			}
		}
		if len(present) == 0 {
			continue
		}

		version := legacyDefaultVersion
		var meta struct {
			Version string `json:"version"`
		}
		if data, err := os.ReadFile(filepath.Join(itemDir, MetaFile)); err == nil {
			if json.Unmarshal(data, &meta) == nil && meta.Version != "" {
				version = meta.Version
			}
		}

		target := filepath.Join(itemDir, version)
		if err := os.MkdirAll(target, 0o755); err != nil {
			return out, fmt.Errorf("jobboard/catalog: migrate %s: %w", it.Name(), err)
		}
		var moved []string
		for _, f := range present {
			if err := os.Rename(filepath.Join(itemDir, f), filepath.Join(target, f)); err != nil {
				return out, fmt.Errorf("jobboard/catalog: migrate %s/%s: %w", it.Name(), f, err)
			}
			moved = append(moved, f)
		}
		out = append(out, Migration{ItemID: it.Name(), Version: version, MovedFiles: moved, NewPath: target})
		r.logger.Info("migrated flat catalog item",
			slog.String("item_id", it.Name()),
			slog.String("version", version),
			slog.Int("files", len(moved)),
		)
	}
	return out, nil
}

// FullSync migrates the flat layout, then syncs local to registry and
// registry to local.
func (r *Registry) FullSync(ctx context.Context) (*FullSyncReport, error) {
	migrated, err := r.MigrateLegacyLayout(ctx)
	if err != nil {
		return nil, err
	}
	toRegistry, err := r.SyncLocalToRegistry(ctx)
	if err != nil {
		return nil, err
	}
	toLocal, err := r.SyncRegistryToLocal(ctx)
	if err != nil {
		return nil, err
	}
	return &FullSyncReport{Migrated: migrated, LocalToRegistry: toRegistry, RegistryToLocal: toLocal}, nil
}

// ──────────────────────────────────────────────────
// Bundles
// ──────────────────────────────────────────────────

// SyncBundles registers the descriptor found in every stored bundle.
// Bundles are unpacked and read in parallel; registration is serialized
// by UpsertVersion.
func (r *Registry) SyncBundles(ctx context.Context) (*BundleSyncReport, error) {
	names, err := r.blobs.List(ctx)
	if err != nil {
		return nil, err
	}

	type loaded struct {
		desc *Descriptor
		err  error
	}
	results := make([]loaded, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, name := range names {
		g.Go(func() error {
			d, err := r.readBundle(gctx, name)
			results[i] = loaded{desc: d, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rep := &BundleSyncReport{Synced: []string{}, TotalFiles: len(names), Errors: Errors{}}
	for i, res := range results {
		if res.err != nil {
			rep.Errors.addf("%s: %v", names[i], res.err)
			continue
		}
		d := res.desc
		if err := r.UpsertVersion(ctx, d.ItemID, d.Version, d); err != nil {
			rep.Errors.addf("%s: %v", names[i], err)
			continue
		}
		rep.Synced = append(rep.Synced, d.Ref())
	}
	return rep, nil
}

func (r *Registry) readBundle(ctx context.Context, name string) (*Descriptor, error) {
	data, err := r.blobs.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	tmp, err := os.MkdirTemp("", "jobboard-bundle-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp) //nolint:errcheck // temp dir

	if err := bundle.Unpack(data, tmp); err != nil {
		return nil, err
	}
	root, err := FindDescriptorRoot(tmp)
	if err != nil {
		return nil, err
	}
	d, _, err := LoadDir(root)
	if err != nil {
		return nil, err
	}

	keyItem, keyVersion, _ := bundle.ParseKey(name)
	d.ItemID = d.Manifest.ItemID()
	if d.ItemID == "" {
		d.ItemID = keyItem
	}
	d.Version = d.Manifest.Version
	if d.Version == "" {
		d.Version = keyVersion
	}
	if d.ItemID == "" || d.Version == "" {
		return nil, fmt.Errorf("%w: cannot determine item and version", ErrNoDescriptor)
	}
	d.StorageURI = r.blobs.URI(name)
	d.Source = map[string]any{"source": "bundle-sync", "filename": name}
	return d, nil
}

func difference(a, b []string) []string {
	out := []string{}
	for _, v := range a {
		if !containsVersion(b, v) {
			out = append(out, v)
		}
	}
	return out
}
