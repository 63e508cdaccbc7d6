package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/xraph/jobboard"
	"github.com/xraph/jobboard/catalog/bundle"
)

func writeFile(t *testing.T, p, data string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeLocalVersion(t *testing.T, dir, itemID, version string) {
	t.Helper()
	writeFile(t, filepath.Join(dir, ManifestFile),
		"id: "+itemID+"\nname: "+itemID+"\nversion: "+version+"\nentrypoint: task:run\n")
	writeFile(t, filepath.Join(dir, SchemaFile), backupSchema)
	writeFile(t, filepath.Join(dir, "task.py"), "def run(inputs, progress):\n    return {}\n")
}

func TestSyncWithLocalFilesystem(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	ctx := context.Background()
	root := r.LocalRoot()

	writeLocalVersion(t, filepath.Join(root, "a", "1.0.0"), "a", "1.0.0")
	writeLocalVersion(t, filepath.Join(root, "a", "2.0.0"), "a", "2.0.0")
	writeLocalVersion(t, filepath.Join(root, "b", "1.0.0"), "b", "1.0.0")

	rep, err := r.SyncWithLocalFilesystem(ctx)
	if err != nil {
		t.Fatalf("SyncWithLocalFilesystem: %v", err)
	}
	if !reflect.DeepEqual(rep.ItemsAdded, []string{"a", "b"}) || len(rep.VersionsAdded) != 3 {
		t.Errorf("first sync = %+v", rep)
	}

	d, err := r.GetDescriptor(ctx, "a", "2.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if d.TaskFile != "task.py" || d.StorageURI == "" {
		t.Errorf("descriptor = %+v", d)
	}
	if _, err := r.Blobs().Get(ctx, "a", "2.0.0"); err != nil {
		t.Errorf("bundle not stored: %v", err)
	}

	// Idempotent.
	rep, err = r.SyncWithLocalFilesystem(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.VersionsAdded)+len(rep.VersionsUpdated)+len(rep.VersionsRemoved)+len(rep.Errors) != 0 {
		t.Errorf("second sync = %+v", rep)
	}

	// Changed content, removed version, removed item.
	writeFile(t, filepath.Join(root, "a", "1.0.0", "task.py"), "changed\n")
	if err := os.RemoveAll(filepath.Join(root, "a", "2.0.0")); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(filepath.Join(root, "b")); err != nil {
		t.Fatal(err)
	}
	rep, err = r.SyncWithLocalFilesystem(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(rep.VersionsUpdated, []string{"a v1.0.0"}) ||
		!reflect.DeepEqual(rep.VersionsRemoved, []string{"a v2.0.0"}) ||
		!reflect.DeepEqual(rep.ItemsRemoved, []string{"b"}) {
		t.Errorf("third sync = %+v", rep)
	}
	items, _ := r.ListItems(ctx)
	if len(items) != 1 || items[0].Latest != "1.0.0" {
		t.Errorf("items = %+v", items)
	}
}

func TestSyncWithLocalFilesystem_BrokenVersionKept(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	ctx := context.Background()
	dir := filepath.Join(r.LocalRoot(), "a", "1.0.0")

	writeLocalVersion(t, dir, "a", "1.0.0")
	if _, err := r.SyncWithLocalFilesystem(ctx); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, SchemaFile), "{not json")

	rep, err := r.SyncWithLocalFilesystem(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Errors) != 1 || len(rep.VersionsRemoved) != 0 {
		t.Errorf("report = %+v", rep)
	}
	if _, err := r.GetDescriptor(ctx, "a", "1.0.0"); err != nil {
		t.Errorf("registry entry lost: %v", err)
	}
}

func TestSyncWithLocalFilesystem_RejectsInvalidVersion(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	ctx := context.Background()
	root := r.LocalRoot()

	writeLocalVersion(t, filepath.Join(root, "good", "1.0.0"), "good", "1.0.0")
	bad := filepath.Join(root, "bad", "1.0.0")
	writeFile(t, filepath.Join(bad, ManifestFile), "id: bad\nversion: 1.0.0\n")
	writeFile(t, filepath.Join(bad, SchemaFile), `{"type": 12}`)
	writeFile(t, filepath.Join(bad, "task.py"), "def run(inputs, progress):\n    return {}\n")

	rep, err := r.SyncWithLocalFilesystem(ctx)
	if err != nil {
		t.Fatalf("SyncWithLocalFilesystem: %v", err)
	}
	if !reflect.DeepEqual(rep.VersionsAdded, []string{"good v1.0.0"}) || len(rep.Errors) != 1 {
		t.Errorf("sync = %+v", rep)
	}
	if _, err := r.GetDescriptor(ctx, "bad", "1.0.0"); err == nil {
		t.Error("invalid version was registered")
	}

	// Fixing the manifest alone still leaves the schema invalid.
	writeFile(t, filepath.Join(bad, ManifestFile), "id: bad\nversion: 1.0.0\nentrypoint: task:run\n")
	rep, err = r.SyncWithLocalFilesystem(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.VersionsAdded) != 0 || len(rep.Errors) != 1 {
		t.Errorf("resync = %+v", rep)
	}
}

func TestSyncLocalToRegistry(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	ctx := context.Background()
	root := r.LocalRoot()

	writeLocalVersion(t, filepath.Join(root, "a", "1.0.0"), "a", "1.0.0")
	writeFile(t, filepath.Join(root, "a", "1.0.0", MetaFile), `{"owner":"ops"}`)
	writeFile(t, filepath.Join(root, "broken", "1.0.0", SchemaFile), "{}")

	existing := testDescriptor(t, "c", "1.0.0")
	if err := r.UpsertVersion(ctx, "c", "1.0.0", existing); err != nil {
		t.Fatal(err)
	}
	writeLocalVersion(t, filepath.Join(root, "c", "1.0.0"), "c", "1.0.0")

	rep, err := r.SyncLocalToRegistry(ctx)
	if err != nil {
		t.Fatalf("SyncLocalToRegistry: %v", err)
	}
	if !reflect.DeepEqual(rep.Added, []string{"a:1.0.0"}) {
		t.Errorf("added = %v", rep.Added)
	}
	if len(rep.Errors) != 1 {
		t.Errorf("errors = %v", rep.Errors)
	}

	d, err := r.GetDescriptor(ctx, "a", "1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if d.Source["source"] != "local_sync" || d.Source["owner"] != "ops" {
		t.Errorf("source = %v", d.Source)
	}
	c, _ := r.GetDescriptor(ctx, "c", "1.0.0")
	if c.StorageURI != existing.StorageURI {
		t.Errorf("registered version modified: %q", c.StorageURI)
	}
}

func TestSyncRegistryToLocal(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	ctx := context.Background()

	d := testDescriptor(t, "a", "1.0.0")
	d.TaskCode = "print('hi')\n"
	if err := r.UpsertVersion(ctx, "a", "1.0.0", d); err != nil {
		t.Fatal(err)
	}

	rep, err := r.SyncRegistryToLocal(ctx)
	if err != nil {
		t.Fatalf("SyncRegistryToLocal: %v", err)
	}
	if !reflect.DeepEqual(rep.Created, []string{"a:1.0.0"}) {
		t.Errorf("created = %v", rep.Created)
	}

	dir := filepath.Join(r.LocalRoot(), "a", "1.0.0")
	loaded, meta, err := LoadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(loaded.Manifest, d.Manifest) || loaded.TaskCode != d.TaskCode {
		t.Errorf("loaded = %+v", loaded)
	}
	if meta["source"] != "registry_sync" {
		t.Errorf("meta = %v", meta)
	}

	rep, _ = r.SyncRegistryToLocal(ctx)
	if len(rep.Created) != 0 {
		t.Errorf("second run created = %v", rep.Created)
	}
}

func TestSyncStatus(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	ctx := context.Background()
	root := r.LocalRoot()

	st, err := r.SyncStatus(ctx)
	if err != nil || !st.InSync {
		t.Fatalf("empty status = %+v, %v", st, err)
	}

	_ = r.UpsertVersion(ctx, "reg", "1.0.0", testDescriptor(t, "reg", "1.0.0"))
	_ = r.UpsertVersion(ctx, "both", "1.0.0", testDescriptor(t, "both", "1.0.0"))
	writeLocalVersion(t, filepath.Join(root, "both", "2.0.0"), "both", "2.0.0")
	writeLocalVersion(t, filepath.Join(root, "loc", "1.0.0"), "loc", "1.0.0")

	st, err = r.SyncStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.InSync || st.TotalRegistryItems != 2 || st.TotalLocalItems != 2 {
		t.Errorf("status = %+v", st)
	}
	if len(st.RegistryOnly) != 1 || st.RegistryOnly[0].ItemID != "reg" {
		t.Errorf("registry only = %+v", st.RegistryOnly)
	}
	if len(st.LocalOnly) != 1 || st.LocalOnly[0].ItemID != "loc" {
		t.Errorf("local only = %+v", st.LocalOnly)
	}
	want := VersionMismatch{
		ItemID:            "both",
		RegistryVersions:  []string{"1.0.0"},
		LocalVersions:     []string{"2.0.0"},
		MissingInRegistry: []string{"2.0.0"},
		MissingLocally:    []string{"1.0.0"},
	}
	if len(st.VersionMismatches) != 1 || !reflect.DeepEqual(st.VersionMismatches[0], want) {
		t.Errorf("mismatches = %+v", st.VersionMismatches)
	}
}

func TestMigrateLegacyLayout(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	ctx := context.Background()
	itemDir := filepath.Join(r.LocalRoot(), "legacy")

	writeLocalVersion(t, itemDir, "legacy", "3.1.0")
	writeFile(t, filepath.Join(itemDir, MetaFile), `{"version":"3.1.0"}`)
	writeLocalVersion(t, filepath.Join(r.LocalRoot(), "modern", "1.0.0"), "modern", "1.0.0")

	out, err := r.MigrateLegacyLayout(ctx)
	if err != nil {
		t.Fatalf("MigrateLegacyLayout: %v", err)
	}
	if len(out) != 1 || out[0].ItemID != "legacy" || out[0].Version != "3.1.0" {
		t.Fatalf("migrations = %+v", out)
	}
	if !hasDescriptor(filepath.Join(itemDir, "3.1.0")) || !HasTaskFile(filepath.Join(itemDir, "3.1.0")) {
		t.Error("files not moved")
	}
	if exists(filepath.Join(itemDir, SchemaFile)) {
		t.Error("flat schema left behind")
	}

	full, err := r.FullSync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(full.Migrated) != 0 || len(full.LocalToRegistry.Added) != 2 {
		t.Errorf("full sync = %+v", full.LocalToRegistry)
	}
}

func TestSyncBundles(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	ctx := context.Background()

	src := t.TempDir()
	writeLocalVersion(t, src, "packed", "1.2.0")
	data, err := bundle.Pack(src)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Blobs().Put(ctx, "packed", "1.2.0", data); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Blobs().Put(ctx, "junk", "1.0.0", []byte("not a tarball")); err != nil {
		t.Fatal(err)
	}

	rep, err := r.SyncBundles(ctx)
	if err != nil {
		t.Fatalf("SyncBundles: %v", err)
	}
	if rep.TotalFiles != 2 || !reflect.DeepEqual(rep.Synced, []string{"packed@1.2.0"}) || len(rep.Errors) != 1 {
		t.Errorf("report = %+v", rep)
	}
	d, err := r.GetDescriptor(ctx, "packed", "1.2.0")
	if err != nil {
		t.Fatal(err)
	}
	if d.Source["source"] != "bundle-sync" || d.StorageURI != r.Blobs().URI(bundle.Key("packed", "1.2.0")) {
		t.Errorf("descriptor = %+v", d)
	}
}

func TestResolveLocalPath(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	ctx := context.Background()

	local := filepath.Join(r.LocalRoot(), "a", "1.0.0")
	writeLocalVersion(t, local, "a", "1.0.0")
	got, err := r.ResolveLocalPath(ctx, "a", "1.0.0")
	if err != nil || got != local {
		t.Errorf("local = %q, %v", got, err)
	}

	src := t.TempDir()
	writeLocalVersion(t, src, "b", "1.0.0")
	data, err := bundle.Pack(src)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Blobs().Put(ctx, "b", "1.0.0", data); err != nil {
		t.Fatal(err)
	}
	got, err = r.ResolveLocalPath(ctx, "b", "1.0.0")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !HasTaskFile(got) {
		t.Errorf("extracted dir %q has no task file", got)
	}
	again, err := r.ResolveLocalPath(ctx, "b", "1.0.0")
	if err != nil || again != got {
		t.Errorf("second resolve = %q, %v", again, err)
	}

	if _, err := r.ResolveLocalPath(ctx, "missing", "1.0.0"); !errors.Is(err, jobboard.ErrBundleNotFound) {
		t.Errorf("missing = %v", err)
	}
}

func TestLoadDir_AdditionalSchemas(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeLocalVersion(t, dir, "a", "1.0.0")
	raw, _ := json.Marshal(map[string]any{"type": "object", "title": "restore"})
	writeFile(t, filepath.Join(dir, "restore.json"), string(raw))

	d, _, err := LoadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if d.AdditionalSchemas["restore.json"]["title"] != "restore" {
		t.Errorf("additional = %v", d.AdditionalSchemas)
	}
	if _, _, err := LoadDir(t.TempDir()); !errors.Is(err, ErrNoDescriptor) {
		t.Errorf("empty dir = %v", err)
	}
}
