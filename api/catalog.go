package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/jobboard/catalog"
	"github.com/xraph/jobboard/catalog/importer"
	"github.com/xraph/jobboard/dispatch"
	"github.com/xraph/jobboard/job"
)

// maxBundleBytes bounds bundle uploads.
const maxBundleBytes = 64 << 20

func (a *API) registerCatalogRoutes(r chi.Router) {
	r.Route("/catalog", func(r chi.Router) {
		r.Get("/", a.listItems)
		r.Get("/mirror/status", a.mirrorStatus)

		// Imports
		r.Post("/import", a.importJSON)
		r.Get("/import/status/{jobID}", a.importStatus)
		r.Post("/bundle/import", a.importBundle)
		r.Post("/bundle/sync", a.syncBundles)
		r.Post("/git/import", a.importGit)
		r.Post("/git/webhook", a.gitWebhook)
		r.Post("/git/webhook/github", a.githubWebhook)

		// Sync
		r.Get("/sync/status", a.syncStatus)
		r.Post("/sync", a.syncRegistry)
		r.Post("/sync/async", a.syncRegistryAsync)
		r.Get("/sync/status/{jobID}", a.getJob)
		r.Post("/migrate-legacy", a.migrateLegacy)
		r.Post("/sync-local-to-registry", a.syncLocalToRegistry)
		r.Post("/sync-registry-to-local", a.syncRegistryToLocal)
		r.Post("/full-sync", a.fullSync)

		// Items
		r.Get("/{itemID}/versions", a.listVersions)
		r.Get("/{itemID}/{version}/descriptor", a.descriptor)
		r.Get("/{itemID}/{version}/schema/{name}", a.additionalSchema)
		r.Delete("/{itemID}", a.deleteItem)
		r.Delete("/{itemID}/{version}", a.deleteVersion)
	})
}

// ──────────────────────────────────────────────────
// Items
// ──────────────────────────────────────────────────

func (a *API) listItems(w http.ResponseWriter, r *http.Request) {
	items, err := a.eng.Catalog().ListItems(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []catalog.ItemSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) listVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := a.eng.Catalog().ListVersions(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if versions == nil {
		versions = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

// DescriptorResponse is returned by the descriptor routes.
type DescriptorResponse struct {
	Version           string                    `json:"version"`
	Manifest          catalog.Manifest          `json:"manifest"`
	Schema            map[string]any            `json:"schema"`
	UI                map[string]any            `json:"ui"`
	AdditionalSchemas map[string]map[string]any `json:"additional_schemas"`
}

func (a *API) descriptor(w http.ResponseWriter, r *http.Request) {
	d, err := a.eng.Catalog().Resolve(r.Context(), chi.URLParam(r, "itemID"), chi.URLParam(r, "version"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	resp := DescriptorResponse{
		Version:           d.Version,
		Manifest:          d.Manifest,
		Schema:            d.Schema,
		UI:                d.UI,
		AdditionalSchemas: d.AdditionalSchemas,
	}
	if resp.UI == nil {
		resp.UI = map[string]any{}
	}
	if resp.AdditionalSchemas == nil {
		resp.AdditionalSchemas = map[string]map[string]any{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) additionalSchema(w http.ResponseWriter, r *http.Request) {
	s, err := a.eng.Catalog().GetAdditionalSchema(r.Context(),
		chi.URLParam(r, "itemID"), chi.URLParam(r, "version"), chi.URLParam(r, "name"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) deleteItem(w http.ResponseWriter, r *http.Request) {
	rep, err := a.eng.Catalog().DeleteItem(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) deleteVersion(w http.ResponseWriter, r *http.Request) {
	rep, err := a.eng.Catalog().DeleteVersion(r.Context(), chi.URLParam(r, "itemID"), chi.URLParam(r, "version"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) mirrorStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.eng.Catalog().MirrorStatus())
}

// ──────────────────────────────────────────────────
// Imports
// ──────────────────────────────────────────────────

// ImportQueued is returned when an import job has been queued.
type ImportQueued struct {
	Success bool   `json:"success"`
	JobID   string `json:"job_id"`
	ItemID  string `json:"item_id,omitempty"`
	Version string `json:"version,omitempty"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (a *API) importJSON(w http.ResponseWriter, r *http.Request) {
	var req importer.ImportRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		a.writeError(w, r, err)
		return
	}
	req.Normalize()

	rec, ok := a.enqueue(w, r, importer.TaskImport, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ImportQueued{
		Success: true,
		JobID:   rec.ID,
		ItemID:  req.ItemID,
		Version: req.Version,
		Message: "Import job queued for " + req.ItemID + " v" + req.Version,
		Status:  string(rec.State),
	})
}

// ImportStatus is the progress view of an import job.
type ImportStatus struct {
	JobID       string          `json:"job_id"`
	Status      job.State       `json:"status"`
	Progress    int             `json:"progress"`
	CurrentStep string          `json:"current_step,omitempty"`
	CreatedAt   *time.Time      `json:"created_at,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *job.ErrorInfo  `json:"error,omitempty"`
}

func (a *API) importStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := a.eng.Status().Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	st := ImportStatus{
		JobID:       rec.ID,
		Status:      rec.State,
		CurrentStep: rec.CurrentStep,
		CreatedAt:   rec.CreatedAt,
		StartedAt:   rec.StartedAt,
		FinishedAt:  rec.FinishedAt,
		Result:      rec.Result,
		Error:       rec.Error,
	}
	if rec.Progress != nil {
		st.Progress = int(*rec.Progress)
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) importBundle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBundleBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		a.writeError(w, r, badRequest("multipart field \"file\" is required: %v", err))
		return
	}
	defer file.Close() //nolint:errcheck // request upload

	data, err := io.ReadAll(file)
	if err != nil {
		a.writeError(w, r, badRequest("read upload: %v", err))
		return
	}
	staged, err := a.eng.Importer().Stage(header.Filename, data)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	rec, ok := a.enqueue(w, r, importer.TaskImportBundle, staged)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ImportQueued{
		Success: true,
		JobID:   rec.ID,
		Message: "Bundle import queued for " + staged.Filename,
		Status:  string(rec.State),
	})
}

func (a *API) syncBundles(w http.ResponseWriter, r *http.Request) {
	rep, err := a.eng.Catalog().SyncBundles(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// GitQueued is returned by the git import routes.
type GitQueued struct {
	Queued  int      `json:"queued"`
	RepoURL string   `json:"repo_url,omitempty"`
	Ref     string   `json:"ref,omitempty"`
	JobID   string   `json:"job_id,omitempty"`
	JobIDs  []string `json:"job_ids,omitempty"`
}

func (a *API) importGit(w http.ResponseWriter, r *http.Request) {
	var req importer.GitRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		a.writeError(w, r, err)
		return
	}
	rec, ok := a.enqueue(w, r, importer.TaskGitSync, req)
	if !ok {
		return
	}
	ref := req.Ref
	if ref == "" {
		ref = req.ItemID + "@" + req.Version + req.Branch
	}
	writeJSON(w, http.StatusOK, GitQueued{Queued: 1, RepoURL: req.RepoURL, Ref: ref, JobID: rec.ID})
}

// GitWebhook is the generic webhook body: one job per "item@version" tag.
type GitWebhook struct {
	RepoURL string   `json:"repo_url"`
	Tags    []string `json:"tags"`
}

func (a *API) gitWebhook(w http.ResponseWriter, r *http.Request) {
	var hook GitWebhook
	if err := decodeJSON(r, &hook); err != nil {
		a.writeError(w, r, err)
		return
	}
	if hook.RepoURL == "" || len(hook.Tags) == 0 {
		a.writeError(w, r, badRequest("repo_url and tags required"))
		return
	}
	reqs := make([]importer.GitRequest, 0, len(hook.Tags))
	for _, tag := range hook.Tags {
		req := importer.GitRequest{RepoURL: hook.RepoURL, Ref: tag}
		if err := req.Validate(); err != nil {
			a.writeError(w, r, err)
			return
		}
		reqs = append(reqs, req)
	}

	resp := GitQueued{RepoURL: hook.RepoURL, JobIDs: []string{}}
	for _, req := range reqs {
		rec, ok := a.enqueue(w, r, importer.TaskGitSyncAlias, req)
		if !ok {
			return
		}
		resp.JobIDs = append(resp.JobIDs, rec.ID)
	}
	resp.Queued = len(resp.JobIDs)
	writeJSON(w, http.StatusOK, resp)
}

// githubPush is the subset of a GitHub push event the webhook reads.
type githubPush struct {
	Ref        string `json:"ref"`
	Repository struct {
		CloneURL string `json:"clone_url"`
		SSHURL   string `json:"ssh_url"`
	} `json:"repository"`
}

// githubWebhook queues an import for tag pushes; other events are ignored.
func (a *API) githubWebhook(w http.ResponseWriter, r *http.Request) {
	var push githubPush
	if err := decodeJSON(r, &push); err != nil {
		a.writeError(w, r, err)
		return
	}
	repoURL := push.Repository.CloneURL
	if repoURL == "" {
		repoURL = push.Repository.SSHURL
	}
	if repoURL == "" {
		a.writeError(w, r, badRequest("missing repository url"))
		return
	}
	tag, ok := strings.CutPrefix(push.Ref, "refs/tags/")
	if !ok {
		writeJSON(w, http.StatusOK, GitQueued{})
		return
	}

	req := importer.GitRequest{RepoURL: repoURL, Ref: tag}
	if err := req.Validate(); err != nil {
		a.writeError(w, r, err)
		return
	}
	rec, ok := a.enqueue(w, r, importer.TaskGitSync, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, GitQueued{Queued: 1, RepoURL: repoURL, Ref: tag, JobID: rec.ID})
}

// enqueue submits task with payload, writing the error response on
// failure.
func (a *API) enqueue(w http.ResponseWriter, r *http.Request, task string, payload any) (*job.Record, bool) {
	params, err := json.Marshal(payload)
	if err != nil {
		a.writeError(w, r, err)
		return nil, false
	}
	rec, _, err := a.eng.Dispatcher().Submit(r.Context(), dispatch.Request{Task: task, Params: params})
	if err != nil {
		a.writeError(w, r, err)
		return nil, false
	}
	return rec, true
}

// ──────────────────────────────────────────────────
// Sync
// ──────────────────────────────────────────────────

func (a *API) syncStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.eng.Catalog().SyncStatus(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) syncRegistry(w http.ResponseWriter, r *http.Request) {
	rep, err := a.eng.Catalog().SyncWithLocalFilesystem(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Registry synced with local filesystem",
		"report":  rep,
	})
}

func (a *API) syncRegistryAsync(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.enqueue(w, r, importer.TaskSyncRegistry, map[string]any{
		"trigger":      "manual",
		"requested_at": a.now().UTC().Format(time.RFC3339),
	})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"job_id":     rec.ID,
		"message":    "Sync job queued",
		"status_url": "/catalog/sync/status/" + rec.ID,
	})
}

func (a *API) migrateLegacy(w http.ResponseWriter, r *http.Request) {
	migrated, err := a.eng.Catalog().MigrateLegacyLayout(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if migrated == nil {
		migrated = []catalog.Migration{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"migrated_items": migrated,
		"total_migrated": len(migrated),
	})
}

func (a *API) syncLocalToRegistry(w http.ResponseWriter, r *http.Request) {
	rep, err := a.eng.Catalog().SyncLocalToRegistry(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"added_to_registry": rep.Added,
		"errors":            rep.Errors,
		"total_added":       len(rep.Added),
		"total_errors":      len(rep.Errors),
	})
}

func (a *API) syncRegistryToLocal(w http.ResponseWriter, r *http.Request) {
	rep, err := a.eng.Catalog().SyncRegistryToLocal(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"created_locally": rep.Created,
		"errors":          rep.Errors,
		"total_created":   len(rep.Created),
		"total_errors":    len(rep.Errors),
	})
}

func (a *API) fullSync(w http.ResponseWriter, r *http.Request) {
	rep, err := a.eng.Catalog().FullSync(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "report": rep})
}
