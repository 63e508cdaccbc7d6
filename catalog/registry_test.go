package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/xraph/jobboard"
	"github.com/xraph/jobboard/catalog/bundle"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	dir := t.TempDir()
	base := []Option{
		WithLogger(testLogger()),
		WithLocalRoot(filepath.Join(dir, "items")),
		WithWorkDir(filepath.Join(dir, "work")),
	}
	return New(filepath.Join(dir, "registry.json"), append(base, opts...)...)
}

const backupSchema = `{
  "type": "object",
  "required": ["bucket", "devices"],
  "properties": {
    "bucket": {"type": "string"},
    "devices": {"type": "array", "items": {"type": "string"}}
  },
  "x-schema-map": {"restore": "restore.json"}
}`

func testDescriptor(t *testing.T, itemID, version string) *Descriptor {
	t.Helper()
	var schema map[string]any
	if err := json.Unmarshal([]byte(backupSchema), &schema); err != nil {
		t.Fatal(err)
	}
	return &Descriptor{
		Manifest: Manifest{
			ID:         itemID,
			Name:       itemID,
			Version:    version,
			Entrypoint: "task:run",
			Tags:       []string{"backup"},
		},
		Schema:     schema,
		UI:         map[string]any{"ui:order": []any{"bucket", "devices"}},
		StorageURI: "file:///bundles/" + bundle.Key(itemID, version),
		Source:     map[string]any{"source": "test"},
	}
}

func TestResolveLatest_Lexicographic(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	ctx := context.Background()

	for _, v := range []string{"1.9.0", "1.10.0", "2.0.0"} {
		if err := r.UpsertVersion(ctx, "a", v, testDescriptor(t, "a", v)); err != nil {
			t.Fatalf("UpsertVersion(%s): %v", v, err)
		}
	}
	d, err := r.ResolveLatest(ctx, "a")
	if err != nil {
		t.Fatalf("ResolveLatest: %v", err)
	}
	if d.Version != "2.0.0" {
		t.Errorf("latest = %s, want 2.0.0", d.Version)
	}

	// String order, not semantic order.
	for _, v := range []string{"1.9.0", "1.10.0"} {
		if err := r.UpsertVersion(ctx, "b", v, testDescriptor(t, "b", v)); err != nil {
			t.Fatal(err)
		}
	}
	d, _ = r.ResolveLatest(ctx, "b")
	if d.Version != "1.9.0" {
		t.Errorf("latest = %s, want 1.9.0", d.Version)
	}

	d, err = r.Resolve(ctx, "b", Latest)
	if err != nil || d.Version != "1.9.0" {
		t.Errorf("Resolve(latest) = %v, %v", d, err)
	}

	if _, err := r.ResolveLatest(ctx, "missing"); !errors.Is(err, jobboard.ErrItemNotFound) {
		t.Errorf("ResolveLatest(missing) = %v", err)
	}
}

func TestUpsertThenGet_RoundTrips(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	ctx := context.Background()

	in := testDescriptor(t, "backup-config", "1.0.0")
	in.AdditionalSchemas = map[string]map[string]any{"restore.json": {"type": "object"}}
	if err := r.UpsertVersion(ctx, "backup-config", "1.0.0", in); err != nil {
		t.Fatalf("UpsertVersion: %v", err)
	}

	got, err := r.GetDescriptor(ctx, "backup-config", "1.0.0")
	if err != nil {
		t.Fatalf("GetDescriptor: %v", err)
	}
	if !reflect.DeepEqual(got.Manifest, in.Manifest) {
		t.Errorf("manifest = %+v, want %+v", got.Manifest, in.Manifest)
	}
	if !reflect.DeepEqual(got.Schema, in.Schema) {
		t.Errorf("schema = %v, want %v", got.Schema, in.Schema)
	}
	if !reflect.DeepEqual(got.UI, in.UI) {
		t.Errorf("ui = %v, want %v", got.UI, in.UI)
	}
	if got.StorageURI != in.StorageURI || !got.Active {
		t.Errorf("storage/active = %q %v", got.StorageURI, got.Active)
	}

	extra, err := r.GetAdditionalSchema(ctx, "backup-config", "1.0.0", "restore.json")
	if err != nil || extra["type"] != "object" {
		t.Errorf("GetAdditionalSchema = %v, %v", extra, err)
	}
	if _, err := r.GetAdditionalSchema(ctx, "backup-config", "1.0.0", "nope.json"); !errors.Is(err, jobboard.ErrSchemaNotFound) {
		t.Errorf("missing schema = %v", err)
	}
	if _, err := r.GetDescriptor(ctx, "backup-config", "9.9.9"); !errors.Is(err, jobboard.ErrVersionNotFound) {
		t.Errorf("missing version = %v", err)
	}
}

func TestUpsert_ConcurrentDistinctItems(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("item-%02d", i)
			errs <- r.UpsertVersion(ctx, id, "1.0.0", testDescriptor(t, id, "1.0.0"))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("UpsertVersion: %v", err)
		}
	}

	items, err := r.ListItems(ctx)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(items) != n {
		t.Fatalf("items = %d, want %d", len(items), n)
	}
	for i, it := range items {
		if want := fmt.Sprintf("item-%02d", i); it.ID != want || it.Latest != "1.0.0" {
			t.Errorf("items[%d] = %+v", i, it)
		}
	}
}

func TestUpsert_Validates(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	ctx := context.Background()

	d := testDescriptor(t, "a", "1.0.0")
	d.Manifest.Entrypoint = ""
	if err := r.UpsertVersion(ctx, "a", "1.0.0", d); !errors.Is(err, jobboard.ErrInvalidManifest) {
		t.Errorf("missing entrypoint = %v", err)
	}

	d = testDescriptor(t, "a", "1.0.0")
	d.Schema = map[string]any{"type": 5}
	if err := r.UpsertVersion(ctx, "a", "1.0.0", d); !errors.Is(err, jobboard.ErrInvalidSchema) {
		t.Errorf("invalid schema = %v", err)
	}

	// A manifest naming the item by id alone is accepted.
	d = testDescriptor(t, "a", "1.0.0")
	d.Manifest.Name = ""
	if err := r.UpsertVersion(ctx, "a", "1.0.0", d); err != nil {
		t.Errorf("id-only manifest = %v", err)
	}

	items, _ := r.ListItems(ctx)
	if len(items) != 1 {
		t.Errorf("items = %v", items)
	}
}

func TestListVersions(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	ctx := context.Background()

	for _, v := range []string{"2.0.0", "1.0.0"} {
		_ = r.UpsertVersion(ctx, "a", v, testDescriptor(t, "a", v))
	}
	vs, err := r.ListVersions(ctx, "a")
	if err != nil || !reflect.DeepEqual(vs, []string{"1.0.0", "2.0.0"}) {
		t.Errorf("ListVersions = %v, %v", vs, err)
	}
	vs, err = r.ListVersions(ctx, "missing")
	if err != nil || len(vs) != 0 {
		t.Errorf("ListVersions(missing) = %v, %v", vs, err)
	}
}

// ──────────────────────────────────────────────────
// Delete
// ──────────────────────────────────────────────────

type failingBlobs struct {
	*bundle.FSStore
}

func (failingBlobs) Delete(context.Context, string, string) error {
	return errors.New("permission denied")
}

func TestDeleteItem_SoftFailsOnBundleError(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	blobs := failingBlobs{bundle.NewFSStore(filepath.Join(dir, "bundles"))}
	r := newTestRegistry(t, WithBlobStore(blobs))
	ctx := context.Background()

	for _, v := range []string{"1.0.0", "2.0.0"} {
		if _, err := blobs.Put(ctx, "a", v, []byte("x")); err != nil {
			t.Fatal(err)
		}
		if err := r.UpsertVersion(ctx, "a", v, testDescriptor(t, "a", v)); err != nil {
			t.Fatal(err)
		}
	}

	rep, err := r.DeleteItem(ctx, "a")
	if err != nil {
		t.Fatalf("DeleteItem: %v", err)
	}
	if !rep.Deleted || rep.VersionsDeleted != 2 || len(rep.Errors) != 2 {
		t.Errorf("report = %+v", rep)
	}

	items, _ := r.ListItems(ctx)
	if len(items) != 0 {
		t.Errorf("items after delete = %v", items)
	}
	for _, v := range []string{"1.0.0", "2.0.0"} {
		if _, err := r.GetDescriptor(ctx, "a", v); !errors.Is(err, jobboard.ErrItemNotFound) {
			t.Errorf("GetDescriptor(%s) = %v", v, err)
		}
	}

	if _, err := r.DeleteItem(ctx, "a"); !errors.Is(err, jobboard.ErrItemNotFound) {
		t.Errorf("second DeleteItem = %v", err)
	}
}

func TestDeleteVersion(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	ctx := context.Background()

	for _, v := range []string{"1.0.0", "2.0.0"} {
		if _, err := r.Blobs().Put(ctx, "a", v, []byte("x")); err != nil {
			t.Fatal(err)
		}
		_ = r.UpsertVersion(ctx, "a", v, testDescriptor(t, "a", v))
	}

	rep, err := r.DeleteVersion(ctx, "a", "1.0.0")
	if err != nil {
		t.Fatalf("DeleteVersion: %v", err)
	}
	if rep.ItemRemoved || len(rep.BundlesDeleted) != 1 || len(rep.Errors) != 0 {
		t.Errorf("report = %+v", rep)
	}
	if _, err := r.DeleteVersion(ctx, "a", "1.0.0"); !errors.Is(err, jobboard.ErrVersionNotFound) {
		t.Errorf("repeat delete = %v", err)
	}

	rep, err = r.DeleteVersion(ctx, "a", "2.0.0")
	if err != nil {
		t.Fatalf("DeleteVersion: %v", err)
	}
	if !rep.ItemRemoved {
		t.Error("last version should remove the item")
	}
	if items, _ := r.ListItems(ctx); len(items) != 0 {
		t.Errorf("items = %v", items)
	}
}

// ──────────────────────────────────────────────────
// Mirror
// ──────────────────────────────────────────────────

type fakeMirror struct {
	mu      sync.Mutex
	fail    bool
	upserts []MirrorRecord
	deletes []string
}

func (m *fakeMirror) UpsertVersion(_ context.Context, rec MirrorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("connection refused")
	}
	m.upserts = append(m.upserts, rec)
	return nil
}

func (m *fakeMirror) DeleteVersion(_ context.Context, itemID, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("connection refused")
	}
	m.deletes = append(m.deletes, itemID+"@"+version)
	return nil
}

func (m *fakeMirror) DeleteItem(_ context.Context, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("connection refused")
	}
	m.deletes = append(m.deletes, itemID)
	return nil
}

func (m *fakeMirror) setFail(v bool) {
	m.mu.Lock()
	m.fail = v
	m.mu.Unlock()
}

func TestMirror_BestEffort(t *testing.T) {
	t.Parallel()
	m := &fakeMirror{fail: true}
	r := newTestRegistry(t, WithMirror(m))
	ctx := context.Background()

	if err := r.UpsertVersion(ctx, "a", "1.0.0", testDescriptor(t, "a", "1.0.0")); err != nil {
		t.Fatalf("UpsertVersion with failing mirror: %v", err)
	}
	if _, err := r.GetDescriptor(ctx, "a", "1.0.0"); err != nil {
		t.Fatalf("primary write lost: %v", err)
	}
	st := r.MirrorStatus()
	if !st.Enabled || !st.Stale() || st.LastError == "" || st.LastSyncedAt != nil {
		t.Errorf("status after failure = %+v", st)
	}

	rep, err := r.DeleteItem(ctx, "a")
	if err != nil || len(rep.Errors) != 1 {
		t.Errorf("DeleteItem = %+v, %v", rep, err)
	}

	m.setFail(false)
	if _, err := r.Blobs().Put(ctx, "b", "1.0.0", []byte("bundle")); err != nil {
		t.Fatal(err)
	}
	if err := r.UpsertVersion(ctx, "b", "1.0.0", testDescriptor(t, "b", "1.0.0")); err != nil {
		t.Fatal(err)
	}
	st = r.MirrorStatus()
	if st.Stale() || st.LastSyncedAt == nil || st.TotalFailures != 2 {
		t.Errorf("status after recovery = %+v", st)
	}
	if len(m.upserts) != 1 || m.upserts[0].SizeBytes != 6 || m.upserts[0].Checksum == "" {
		t.Errorf("mirror upserts = %+v", m.upserts)
	}
}

func TestMirrorStatus_Disabled(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	if st := r.MirrorStatus(); st.Enabled || st.Stale() {
		t.Errorf("status = %+v", st)
	}
}

func TestManifest_KeepsUnmodeledKeys(t *testing.T) {
	t.Parallel()
	in := `{"id":"a","version":"1.0.0","entrypoint":"task:run","author":"ops","limits":{"cpu":2}}`
	var m Manifest
	if err := json.Unmarshal([]byte(in), &m); err != nil {
		t.Fatal(err)
	}
	if m.ID != "a" || m.Extra["author"] != "ops" || len(m.Extra) != 2 {
		t.Fatalf("manifest = %+v", m)
	}
	out, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	var got, want map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(in), &want); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip = %s", out)
	}

	r := newTestRegistry(t)
	ctx := context.Background()
	root := r.LocalRoot()
	dir := filepath.Join(root, "a", "1.0.0")
	writeLocalVersion(t, dir, "a", "1.0.0")
	writeFile(t, filepath.Join(dir, ManifestFile),
		"id: a\nversion: 1.0.0\nentrypoint: task:run\nauthor: ops\nretries: 2\n")

	if _, err := r.SyncWithLocalFilesystem(ctx); err != nil {
		t.Fatal(err)
	}
	d, err := r.GetDescriptor(ctx, "a", "1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if d.Manifest.Extra["author"] != "ops" || d.Manifest.Extra["retries"] != float64(2) {
		t.Errorf("extra = %#v", d.Manifest.Extra)
	}
	rep, err := r.SyncWithLocalFilesystem(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.VersionsUpdated) != 0 {
		t.Errorf("resync updated %v", rep.VersionsUpdated)
	}
}

// blockingMirror holds every upsert until release is closed.
type blockingMirror struct {
	fakeMirror
	entered chan struct{}
	release chan struct{}
}

func (m *blockingMirror) UpsertVersion(ctx context.Context, rec MirrorRecord) error {
	m.entered <- struct{}{}
	<-m.release
	return m.fakeMirror.UpsertVersion(ctx, rec)
}

func TestUpsert_MirrorDoesNotBlockReads(t *testing.T) {
	t.Parallel()
	m := &blockingMirror{entered: make(chan struct{}, 1), release: make(chan struct{})}
	r := newTestRegistry(t, WithMirror(m))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- r.UpsertVersion(ctx, "a", "1.0.0", testDescriptor(t, "a", "1.0.0")) }()
	<-m.entered

	read := make(chan error, 1)
	go func() {
		_, err := r.GetDescriptor(ctx, "a", "1.0.0")
		read <- err
	}()
	select {
	case err := <-read:
		if err != nil {
			t.Errorf("GetDescriptor during mirror write: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("registry read blocked behind the mirror write")
	}

	close(m.release)
	if err := <-done; err != nil {
		t.Fatalf("UpsertVersion: %v", err)
	}
}
