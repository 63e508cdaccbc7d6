package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/jobboard/catalog"
	"github.com/xraph/jobboard/catalog/runner"
	"github.com/xraph/jobboard/dispatch"
	"github.com/xraph/jobboard/job"
	"github.com/xraph/jobboard/status"
	"github.com/xraph/jobboard/tasks"
)

// reportTypeCatalog marks a POST /jobs body as a catalog execution.
const reportTypeCatalog = "catalog"

func (a *API) registerJobRoutes(r chi.Router) {
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", a.createJob)
		r.Get("/", a.listJobs)
		r.Post("/catalog", a.createCatalogJob)
		r.Get("/{jobID}", a.getJob)
		r.Post("/{jobID}/retry", a.retryJob)
	})
	r.Post("/provision/server", a.provisionServer)
}

// CreateJobRequest is the body of POST /jobs. TaskType names an
// allow-listed task whose parameters are passed through unchanged.
// Without TaskType the job runs example_long_task for ReportType; the
// report type "catalog" runs the catalog item named in Parameters.
type CreateJobRequest struct {
	TaskType   string          `json:"task_type,omitempty"`
	ReportType string          `json:"report_type,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
}

// JobResponse carries the ID of a created job.
type JobResponse struct {
	JobID string `json:"job_id"`
}

// JobList is one page of GET /jobs.
type JobList struct {
	Items    []*job.Record `json:"items"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
	Total    int64         `json:"total"`
}

func (a *API) createJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	if req.ReportType == reportTypeCatalog || req.TaskType == runner.TaskName {
		var p runner.Params
		if len(req.Parameters) > 0 {
			if err := json.Unmarshal(req.Parameters, &p); err != nil {
				a.writeError(w, r, badRequest("invalid catalog parameters: %v", err))
				return
			}
		}
		if p.UserID == "" {
			p.UserID = req.UserID
		}
		a.submitCatalog(w, r, p)
		return
	}

	task := req.TaskType
	params := req.Parameters
	if task == "" {
		task = tasks.ExampleLong
		payload, err := json.Marshal(map[string]any{
			"report_type": req.ReportType,
			"parameters":  req.Parameters,
			"user_id":     req.UserID,
		})
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		params = payload
	}
	a.submit(w, r, dispatch.Request{Task: task, Params: params, UserID: req.UserID})
}

// CatalogJobRequest is the body of POST /jobs/catalog.
type CatalogJobRequest = runner.Params

func (a *API) createCatalogJob(w http.ResponseWriter, r *http.Request) {
	var req CatalogJobRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.submitCatalog(w, r, req)
}

// submitCatalog validates inputs against the item's schema before any
// job state is created, then queues run_catalog_item.
func (a *API) submitCatalog(w http.ResponseWriter, r *http.Request, p runner.Params) {
	if p.ItemID == "" || p.Version == "" {
		a.writeError(w, r, badRequest("item_id and version required for catalog"))
		return
	}
	if p.Inputs == nil {
		p.Inputs = map[string]any{}
	}
	d, err := a.eng.Catalog().Resolve(r.Context(), p.ItemID, p.Version)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := catalog.ValidateInputs(d.Schema, p.Inputs); err != nil {
		a.writeError(w, r, err)
		return
	}
	params, err := json.Marshal(p)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.submit(w, r, dispatch.Request{Task: runner.TaskName, Params: params, UserID: p.UserID})
}

func (a *API) submit(w http.ResponseWriter, r *http.Request, req dispatch.Request) {
	rec, _, err := a.eng.Dispatcher().Submit(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, JobResponse{JobID: rec.ID})
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	q, err := parseListQuery(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	page, err := a.eng.Status().List(r.Context(), q)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	items := page.Jobs
	if items == nil {
		items = []*job.Record{}
	}
	writeJSON(w, http.StatusOK, JobList{Items: items, Page: page.Page, PageSize: page.PageSize, Total: page.Total})
}

// parseListQuery reads state, q (or search), page and page_size.
func parseListQuery(r *http.Request) (status.Query, error) {
	v := r.URL.Query()
	q := status.Query{Page: 1, PageSize: status.DefaultPageSize}

	if s := v.Get("state"); s != "" {
		st, err := job.ParseState(s)
		if err != nil {
			return q, badRequest("invalid state %q", s)
		}
		q.State = st
	}
	q.Search = v.Get("q")
	if q.Search == "" {
		q.Search = v.Get("search")
	}

	var err error
	if q.Page, err = intParam(v.Get("page"), 1, 1, 0); err != nil {
		return q, err
	}
	if q.PageSize, err = intParam(v.Get("page_size"), status.DefaultPageSize, 1, status.MaxPageSize); err != nil {
		return q, err
	}
	return q, nil
}

// intParam parses s, returning def when empty. A zero maximum means
// unbounded.
func intParam(s string, def, minimum, maximum int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, badRequest("invalid integer %q", s)
	}
	if n < minimum || (maximum > 0 && n > maximum) {
		return 0, badRequest("value %d out of range", n)
	}
	return n, nil
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	rec, err := a.eng.Status().Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) retryJob(w http.ResponseWriter, r *http.Request) {
	rec, _, err := a.eng.Dispatcher().Retry(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		var dispErr *dispatch.Error
		if rec != nil && errors.As(err, &dispErr) {
			// The retry job exists but its backend refused it.
			a.logger.Warn("retry not enqueued",
				slog.String("job_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, JobResponse{JobID: rec.ID})
}

// ProvisionServerRequest is the body of POST /provision/server.
type ProvisionServerRequest struct {
	Name         string            `json:"name"`
	InstanceType string            `json:"instance_type,omitempty"`
	Region       string            `json:"region,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	UserID       string            `json:"user_id,omitempty"`
}

func (a *API) provisionServer(w http.ResponseWriter, r *http.Request) {
	var req ProvisionServerRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.Name == "" {
		a.writeError(w, r, badRequest("name is required"))
		return
	}
	params, err := json.Marshal(map[string]any{
		"service_type": "server_provisioning",
		"server_config": tasks.ServerConfig{
			Name:         req.Name,
			InstanceType: req.InstanceType,
			Region:       req.Region,
			Tags:         req.Tags,
		},
		"user_id": req.UserID,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.submit(w, r, dispatch.Request{Task: tasks.ProvisionServer, Params: params, UserID: req.UserID})
}
