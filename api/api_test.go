package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xraph/jobboard"
	"github.com/xraph/jobboard/api"
	"github.com/xraph/jobboard/catalog"
	"github.com/xraph/jobboard/catalog/bundle"
	"github.com/xraph/jobboard/engine"
	"github.com/xraph/jobboard/job"
	"github.com/xraph/jobboard/stream"
	"github.com/xraph/jobboard/tasks"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noSleep(context.Context, time.Duration) error { return nil }

type harness struct {
	eng     *engine.Engine
	handler http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := jobboard.NewConfig(jobboard.WithCatalogDir(t.TempDir()), jobboard.WithConcurrency(2))

	ctx := context.Background()
	eng, err := engine.Build(ctx, cfg, engine.WithLogger(testLogger()), engine.WithSleep(noSleep))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := eng.Check(ctx); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := eng.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	return &harness{eng: eng, handler: api.New(eng).Handler()}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectCode(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d, body = %s", rec.Code, want, rec.Body.String())
	}
}

func (h *harness) waitFinished(t *testing.T, jobID string) *job.Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := h.eng.Status().Get(context.Background(), jobID)
		if err == nil && rec.State.Terminal() {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", jobID)
	return nil
}

func (h *harness) registerGreeter(t *testing.T) {
	t.Helper()
	err := h.eng.Catalog().UpsertVersion(context.Background(), "greeter", "1.0.0", &catalog.Descriptor{
		Manifest: catalog.DefaultManifest("greeter", "1.0.0"),
		Schema: map[string]any{
			"type":       "object",
			"required":   []any{"name"},
			"properties": map[string]any{"name": map[string]any{"type": "string"}},
		},
		AdditionalSchemas: map[string]map[string]any{
			"advanced": {"type": "object"},
		},
	})
	if err != nil {
		t.Fatalf("UpsertVersion: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/health", nil)
	expectCode(t, rec, http.StatusOK)
	if got := decode[api.HealthResponse](t, rec); got.Status != "healthy" {
		t.Errorf("health = %+v", got)
	}
}

func TestSchedules_Empty(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/schedules", nil)
	expectCode(t, rec, http.StatusOK)
	body := decode[map[string][]json.RawMessage](t, rec)
	if items, ok := body["items"]; !ok || len(items) != 0 {
		t.Errorf("body = %+v", body)
	}
}

func TestUnknownRoute(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/nope", nil)
	expectCode(t, rec, http.StatusNotFound)
	if body := decode[api.ErrorBody](t, rec); body.Error.Code != "not_found" {
		t.Errorf("error = %+v", body.Error)
	}
}

func TestCreateJob_DefaultsToExampleLong(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/jobs", api.CreateJobRequest{
		ReportType: "sales_report",
		Parameters: json.RawMessage(`{"region":"US"}`),
		UserID:     "u1",
	})
	expectCode(t, rec, http.StatusOK)
	resp := decode[api.JobResponse](t, rec)
	if resp.JobID == "" {
		t.Fatal("empty job id")
	}

	done := h.waitFinished(t, resp.JobID)
	if done.State != job.StateSucceeded || done.Task != tasks.ExampleLong {
		t.Fatalf("job = %+v, error = %+v", done, done.Error)
	}
	var res tasks.LongResult
	if err := json.Unmarshal(done.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.ReportType != "sales_report" {
		t.Errorf("result = %+v", res)
	}

	got := h.do(t, http.MethodGet, "/jobs/"+resp.JobID, nil)
	expectCode(t, got, http.StatusOK)
	if r := decode[job.Record](t, got); r.ID != resp.JobID || r.State != job.StateSucceeded {
		t.Errorf("detail = %+v", r)
	}
}

func TestCreateJob_Rejects(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	tests := []struct {
		name string
		body any
		code int
	}{
		{"unknown task", api.CreateJobRequest{TaskType: "rm_rf"}, http.StatusBadRequest},
		{"catalog without item", api.CreateJobRequest{ReportType: "catalog", Parameters: json.RawMessage(`{}`)}, http.StatusBadRequest},
		{"catalog unknown item", api.CreateJobRequest{ReportType: "catalog", Parameters: json.RawMessage(`{"item_id":"ghost","version":"1"}`)}, http.StatusNotFound},
		{"not json", "just a string", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectCode(t, h.do(t, http.MethodPost, "/jobs", tt.body), tt.code)
		})
	}

	page := decode[api.JobList](t, h.do(t, http.MethodGet, "/jobs", nil))
	if page.Total != 0 {
		t.Errorf("rejected requests created %d jobs", page.Total)
	}
}

func TestCreateCatalogJob_ValidatesInputsFirst(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.registerGreeter(t)

	rec := h.do(t, http.MethodPost, "/jobs/catalog", map[string]any{
		"item_id": "greeter", "version": "latest", "inputs": map[string]any{"name": 7},
	})
	expectCode(t, rec, http.StatusBadRequest)
	body := decode[api.ErrorBody](t, rec)
	if body.Error.Code != "validation_error" || body.Error.Path == "" {
		t.Errorf("error = %+v", body.Error)
	}
	if page := decode[api.JobList](t, h.do(t, http.MethodGet, "/jobs", nil)); page.Total != 0 {
		t.Errorf("invalid inputs created %d jobs", page.Total)
	}

	rec = h.do(t, http.MethodPost, "/jobs/catalog", map[string]any{
		"item_id": "greeter", "version": "1.0.0", "inputs": map[string]any{"name": "ada"},
	})
	expectCode(t, rec, http.StatusOK)
	id := decode[api.JobResponse](t, rec).JobID
	stored, err := h.eng.Status().Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Type != "catalog_execution" {
		t.Errorf("type = %q", stored.Type)
	}
}

func TestListJobs(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"job-a", "job-b", "job-c"} {
		if _, err := h.eng.Status().Touch(ctx, &job.Record{ID: id, Type: "report", State: job.StateFailed}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := h.eng.Status().Touch(ctx, &job.Record{ID: "job-d", Type: "provision_server", State: job.StateRunning}); err != nil {
		t.Fatal(err)
	}

	page := decode[api.JobList](t, h.do(t, http.MethodGet, "/jobs?page_size=2", nil))
	if page.Total != 4 || len(page.Items) != 2 || page.PageSize != 2 {
		t.Errorf("page = %+v", page)
	}

	page = decode[api.JobList](t, h.do(t, http.MethodGet, "/jobs?state=failed", nil))
	if page.Total != 3 {
		t.Errorf("failed total = %d", page.Total)
	}

	page = decode[api.JobList](t, h.do(t, http.MethodGet, "/jobs?q=PROVISION", nil))
	if page.Total != 1 || len(page.Items) != 1 || page.Items[0].ID != "job-d" {
		t.Errorf("search page = %+v", page)
	}

	for _, q := range []string{"state=bogus", "page=0", "page_size=101", "page=x"} {
		expectCode(t, h.do(t, http.MethodGet, "/jobs?"+q, nil), http.StatusBadRequest)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	expectCode(t, h.do(t, http.MethodGet, "/jobs/missing", nil), http.StatusNotFound)
}

func TestRetryJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.eng.Status().Touch(ctx, &job.Record{
		ID: "job-failed", Task: tasks.ExampleLong, Type: tasks.ExampleLong,
		State: job.StateFailed, Params: json.RawMessage(`{"report_type":"again"}`),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.eng.Status().Touch(ctx, &job.Record{
		ID: "job-running", Task: tasks.ExampleLong, State: job.StateRunning,
	}); err != nil {
		t.Fatal(err)
	}

	expectCode(t, h.do(t, http.MethodPost, "/jobs/job-running/retry", nil), http.StatusConflict)
	expectCode(t, h.do(t, http.MethodPost, "/jobs/job-missing/retry", nil), http.StatusNotFound)

	rec := h.do(t, http.MethodPost, "/jobs/job-failed/retry", nil)
	expectCode(t, rec, http.StatusOK)
	newID := decode[api.JobResponse](t, rec).JobID
	if newID == "" || newID == "job-failed" {
		t.Fatalf("retry id = %q", newID)
	}
	done := h.waitFinished(t, newID)
	if done.State != job.StateSucceeded {
		t.Fatalf("retry = %+v, error = %+v", done, done.Error)
	}
	var res tasks.LongResult
	if err := json.Unmarshal(done.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.ReportType != "again" {
		t.Errorf("retry ran with %+v", res)
	}
}

func TestProvisionServer(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	expectCode(t, h.do(t, http.MethodPost, "/provision/server", map[string]any{}), http.StatusBadRequest)

	rec := h.do(t, http.MethodPost, "/provision/server", api.ProvisionServerRequest{Name: "db-1", Region: "eu-west-1"})
	expectCode(t, rec, http.StatusOK)
	done := h.waitFinished(t, decode[api.JobResponse](t, rec).JobID)
	if done.State != job.StateSucceeded {
		t.Fatalf("state = %s, error = %+v", done.State, done.Error)
	}
	var res tasks.ProvisionResult
	if err := json.Unmarshal(done.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.Region != "eu-west-1" || res.SSHKey != "db-1-key" {
		t.Errorf("result = %+v", res)
	}
}

// ──────────────────────────────────────────────────
// Catalog
// ──────────────────────────────────────────────────

func TestCatalogReads(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.registerGreeter(t)

	items := decode[map[string][]catalog.ItemSummary](t, h.do(t, http.MethodGet, "/catalog", nil))
	if len(items["items"]) != 1 || items["items"][0].ID != "greeter" {
		t.Errorf("items = %+v", items)
	}

	versions := decode[map[string][]string](t, h.do(t, http.MethodGet, "/catalog/greeter/versions", nil))
	if len(versions["versions"]) != 1 || versions["versions"][0] != "1.0.0" {
		t.Errorf("versions = %+v", versions)
	}

	rec := h.do(t, http.MethodGet, "/catalog/greeter/latest/descriptor", nil)
	expectCode(t, rec, http.StatusOK)
	d := decode[api.DescriptorResponse](t, rec)
	if d.Version != "1.0.0" || d.Manifest.ID != "greeter" || d.Schema["type"] != "object" {
		t.Errorf("descriptor = %+v", d)
	}

	expectCode(t, h.do(t, http.MethodGet, "/catalog/greeter/1.0.0/schema/advanced", nil), http.StatusOK)
	expectCode(t, h.do(t, http.MethodGet, "/catalog/greeter/1.0.0/schema/basic", nil), http.StatusNotFound)
	expectCode(t, h.do(t, http.MethodGet, "/catalog/greeter/9.9.9/descriptor", nil), http.StatusNotFound)
	expectCode(t, h.do(t, http.MethodGet, "/catalog/ghost/latest/descriptor", nil), http.StatusNotFound)

	mirror := decode[catalog.MirrorStatus](t, h.do(t, http.MethodGet, "/catalog/mirror/status", nil))
	if mirror.Enabled {
		t.Errorf("mirror = %+v", mirror)
	}
}

func TestCatalogDelete(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.registerGreeter(t)

	expectCode(t, h.do(t, http.MethodDelete, "/catalog/greeter/2.0.0", nil), http.StatusNotFound)
	rec := h.do(t, http.MethodDelete, "/catalog/greeter/1.0.0", nil)
	expectCode(t, rec, http.StatusOK)
	if rep := decode[catalog.DeleteReport](t, rec); !rep.Deleted {
		t.Errorf("report = %+v", rep)
	}
	expectCode(t, h.do(t, http.MethodDelete, "/catalog/greeter", nil), http.StatusNotFound)
}

func TestCatalogImport_Async(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	expectCode(t, h.do(t, http.MethodPost, "/catalog/import", map[string]any{"item_id": "x"}), http.StatusBadRequest)

	rec := h.do(t, http.MethodPost, "/catalog/import", map[string]any{
		"item_id":   "echo",
		"version":   "0.1.0",
		"schema":    map[string]any{"type": "object"},
		"task_code": "def run(inputs):\n    return inputs\n",
		"task_file": "task.py",
	})
	expectCode(t, rec, http.StatusOK)
	queued := decode[api.ImportQueued](t, rec)
	if !queued.Success || queued.Status != string(job.StateQueued) {
		t.Errorf("queued = %+v", queued)
	}
	h.waitFinished(t, queued.JobID)

	st := decode[api.ImportStatus](t, h.do(t, http.MethodGet, "/catalog/import/status/"+queued.JobID, nil))
	if st.Status != job.StateSucceeded || st.Progress != 100 {
		t.Errorf("status = %+v", st)
	}
	if _, err := h.eng.Catalog().GetDescriptor(context.Background(), "echo", "0.1.0"); err != nil {
		t.Errorf("GetDescriptor: %v", err)
	}
}

func TestCatalogBundleImport(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	src := t.TempDir()
	files := map[string]string{
		catalog.ManifestFile: "id: packed\nname: packed\nversion: 3.1.0\nentrypoint: task:run\n",
		catalog.SchemaFile:   `{"type": "object"}`,
		"task.py":            "def run(inputs):\n    return {}\n",
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(src, name), []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	archive, err := bundle.Pack(src)
	if err != nil {
		t.Fatal(err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "packed.tar.gz")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(archive); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/catalog/bundle/import", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	expectCode(t, rec, http.StatusOK)

	done := h.waitFinished(t, decode[api.ImportQueued](t, rec).JobID)
	if done.State != job.StateSucceeded {
		t.Fatalf("state = %s, error = %+v", done.State, done.Error)
	}
	if _, err := h.eng.Catalog().GetDescriptor(context.Background(), "packed", "3.1.0"); err != nil {
		t.Errorf("GetDescriptor: %v", err)
	}
}

func TestCatalogGitImport_Rejects(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/catalog/git/import", map[string]any{
		"repo_url": "https://example.com/catalog.git", "item_id": "a", "version": "1.0.0", "branch": "main",
	})
	expectCode(t, rec, http.StatusConflict)

	expectCode(t, h.do(t, http.MethodPost, "/catalog/git/import", map[string]any{"ref": "a@1"}), http.StatusBadRequest)
	expectCode(t, h.do(t, http.MethodPost, "/catalog/git/webhook", map[string]any{"repo_url": "r"}), http.StatusBadRequest)
}

func TestGithubWebhook_IgnoresBranchPushes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/catalog/git/webhook/github", map[string]any{
		"ref":        "refs/heads/main",
		"repository": map[string]any{"clone_url": "https://example.com/catalog.git"},
	})
	expectCode(t, rec, http.StatusOK)
	if q := decode[api.GitQueued](t, rec); q.Queued != 0 {
		t.Errorf("queued = %+v", q)
	}
}

func TestCatalogSync(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	st := decode[catalog.SyncStatus](t, h.do(t, http.MethodGet, "/catalog/sync/status", nil))
	if !st.InSync {
		t.Errorf("empty catalog out of sync: %+v", st)
	}
	expectCode(t, h.do(t, http.MethodPost, "/catalog/sync", nil), http.StatusOK)
	expectCode(t, h.do(t, http.MethodPost, "/catalog/full-sync", nil), http.StatusOK)

	rec := h.do(t, http.MethodPost, "/catalog/sync/async", nil)
	expectCode(t, rec, http.StatusOK)
	queued := decode[map[string]any](t, rec)
	id, _ := queued["job_id"].(string)
	if done := h.waitFinished(t, id); done.State != job.StateSucceeded {
		t.Errorf("sync job = %+v", done)
	}
	expectCode(t, h.do(t, http.MethodGet, "/catalog/sync/status/"+id, nil), http.StatusOK)
}

// ──────────────────────────────────────────────────
// Live updates
// ──────────────────────────────────────────────────

func TestLiveUpdates(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	srv := httptest.NewServer(h.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/jobs")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close() //nolint:errcheck // test connection

	if _, err := h.eng.Status().Touch(ctx, &job.Record{ID: "job-live", Type: "report", State: job.StateQueued}); err != nil {
		t.Fatal(err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}
	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	evt, err := stream.DecodeEvent(data)
	if err != nil {
		t.Fatal(err)
	}
	if evt.Type != stream.EventUpsert || evt.JobID != "job-live" || evt.State != job.StateQueued {
		t.Errorf("event = %+v", evt)
	}
}

func TestLiveUpdates_BadState(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	expectCode(t, h.do(t, http.MethodGet, "/ws/jobs?state=bogus", nil), http.StatusBadRequest)
}
