// Package api provides the HTTP API handlers and routing for the document
// conversion service.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"docmd/internal/apperrors"
	"docmd/internal/auth"
	"docmd/internal/convert"
	"docmd/internal/health"
	"docmd/internal/observability"
)

// maxRequestBodySize limits JSON request bodies to 1MB to prevent memory
// exhaustion; multipart uploads are bounded separately by maxUploadSize.
const maxRequestBodySize = 1 << 20 // 1 MB

// Handler contains HTTP handlers for the conversion API.
type Handler struct {
	svc           *convert.Service
	metrics       *observability.Metrics
	health        *health.Checker
	readiness     *convert.Readiness
	uploadDir     string
	maxUploadSize int64
}

// NewHandler creates a new API handler.
func NewHandler(svc *convert.Service, metrics *observability.Metrics, healthChecker *health.Checker, readiness *convert.Readiness, uploadDir string, maxUploadSize int64) *Handler {
	return &Handler{
		svc:           svc,
		metrics:       metrics,
		health:        healthChecker,
		readiness:     readiness,
		uploadDir:     uploadDir,
		maxUploadSize: maxUploadSize,
	}
}

// uploadResponse is returned by POST /upload and POST /convert (§6.1).
type uploadResponse struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Message   string    `json:"message"`
}

// Upload handles POST /upload: multipart file + optional name.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize+(1<<20))
	if err := r.ParseMultipartForm(h.maxUploadSize); err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, "upload too large or malformed: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "missing multipart field \"file\": "+err.Error())
		return
	}
	defer file.Close()

	localPath, err := h.stageUpload(file, header.Filename)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to stage upload: "+err.Error())
		return
	}

	req := convert.SubmitRequest{
		OwnerID: auth.OwnerIDFromContext(r.Context()),
		Source:  convert.SourceSpec{Type: "file", Path: localPath},
		Name:    r.FormValue("name"),
	}
	h.submit(w, r, req)
}

// Convert handles POST /convert: JSON {source_type, source, options?}, or a
// multipart body handled the same way as /upload.
func (h *Handler) Convert(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		h.Upload(w, r)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var body struct {
		SourceType string            `json:"source_type"`
		Source     string            `json:"source"`
		Name       string            `json:"name,omitempty"`
		Options    convert.Options   `json:"options,omitempty"`
		Callback   *convert.Callback `json:"callback,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	req := convert.SubmitRequest{
		OwnerID:  auth.OwnerIDFromContext(r.Context()),
		Source:   convert.SourceSpec{Type: body.SourceType, Path: body.Source},
		Name:     body.Name,
		Options:  body.Options,
		Callback: body.Callback,
	}
	h.submit(w, r, req)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, req convert.SubmitRequest) {
	jobID, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, uploadResponse{
		JobID:     jobID,
		Status:    string(convert.StatusQueued),
		CreatedAt: time.Now(),
		Message:   "conversion queued",
	})
}

// stageUpload copies an uploaded file into the shared h.uploadDir under a
// fresh uuid-prefixed name; there is no per-upload or per-mainID
// directory, since the job ID doesn't exist yet when the bytes land on disk.
func (h *Handler) stageUpload(src interface{ Read([]byte) (int, error) }, originalName string) (string, error) {
	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		return "", err
	}
	name := uuid.New().String() + "_" + filepath.Base(originalName)
	dest := filepath.Join(h.uploadDir, name)
	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer out.Close()
	buf := make([]byte, 32*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return "", werr
			}
		}
		if rerr != nil {
			break
		}
	}
	return dest, nil
}

// GetJob handles GET /jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "job ID is required")
		return
	}
	job, err := h.svc.Get(r.Context(), auth.OwnerIDFromContext(r.Context()), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// GetResult handles GET /jobs/{id}/result.
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	ownerID := auth.OwnerIDFromContext(r.Context())

	job, err := h.svc.Get(r.Context(), ownerID, jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if !h.checkResultReady(w, job) {
		return
	}

	result, err := h.svc.Result(r.Context(), ownerID, jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// checkResultReady writes the spec-documented 400/500 response for a job
// whose status isn't terminal-completed, and reports false so the caller
// skips the result lookup. Shared by GetResult and PageResult so both
// endpoints agree on "not ready" semantics for a still-running job.
func (h *Handler) checkResultReady(w http.ResponseWriter, job *convert.Job) bool {
	switch job.Status {
	case convert.StatusFailed:
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": job.Error})
		return false
	case convert.StatusCompleted:
		return true
	default:
		h.writeError(w, http.StatusBadRequest, "job is not yet complete")
		return false
	}
}

// pagesResponse is returned by GET /jobs/{id}/pages.
type pagesResponse struct {
	TotalPages     int             `json:"total_pages"`
	PagesCompleted int             `json:"pages_completed"`
	PagesFailed    int             `json:"pages_failed"`
	Pages          []pageListEntry `json:"pages"`
}

type pageListEntry struct {
	PageNumber int            `json:"page_number"`
	JobID      string         `json:"job_id"`
	Status     convert.Status `json:"status"`
	URL        string         `json:"url"`
}

// ListPages handles GET /jobs/{id}/pages.
func (h *Handler) ListPages(w http.ResponseWriter, r *http.Request) {
	mainID := r.PathValue("id")
	ownerID := auth.OwnerIDFromContext(r.Context())

	main, err := h.svc.Get(r.Context(), ownerID, mainID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	pages, err := h.svc.ListPages(r.Context(), ownerID, mainID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	entries := make([]pageListEntry, 0, len(pages))
	for _, p := range pages {
		entries = append(entries, pageListEntry{
			PageNumber: p.PageNumber,
			JobID:      p.JobID,
			Status:     p.Status,
			URL:        "/jobs/" + mainID + "/pages/" + strconv.Itoa(p.PageNumber) + "/result",
		})
	}

	total := 0
	if main.TotalPages != nil {
		total = *main.TotalPages
	}
	h.writeJSON(w, http.StatusOK, pagesResponse{
		TotalPages:     total,
		PagesCompleted: main.PagesCompleted,
		PagesFailed:    main.PagesFailed,
		Pages:          entries,
	})
}

func pathPageNumber(r *http.Request) (int, error) {
	return strconv.Atoi(r.PathValue("n"))
}

// PageStatus handles GET /jobs/{id}/pages/{n}/status.
func (h *Handler) PageStatus(w http.ResponseWriter, r *http.Request) {
	mainID := r.PathValue("id")
	ownerID := auth.OwnerIDFromContext(r.Context())
	n, err := pathPageNumber(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid page number")
		return
	}
	if _, err := h.svc.Get(r.Context(), ownerID, mainID); err != nil {
		h.handleError(w, r, err)
		return
	}
	page, err := h.svc.PageStatus(r.Context(), ownerID, mainID, n)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

// PageResult handles GET /jobs/{id}/pages/{n}/result.
func (h *Handler) PageResult(w http.ResponseWriter, r *http.Request) {
	mainID := r.PathValue("id")
	ownerID := auth.OwnerIDFromContext(r.Context())
	n, err := pathPageNumber(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid page number")
		return
	}
	page, err := h.svc.PageStatus(r.Context(), ownerID, mainID, n)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if !h.checkResultReady(w, page) {
		return
	}

	result, err := h.svc.PageResult(r.Context(), ownerID, mainID, n)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// retryResponse is returned by POST /jobs/{id}/pages/{n}/retry.
type retryResponse struct {
	NewJobID string `json:"new_job_id"`
}

// RetryPage handles POST /jobs/{id}/pages/{n}/retry.
func (h *Handler) RetryPage(w http.ResponseWriter, r *http.Request) {
	mainID := r.PathValue("id")
	ownerID := auth.OwnerIDFromContext(r.Context())
	n, err := pathPageNumber(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid page number")
		return
	}
	newID, err := h.svc.RetryPage(r.Context(), ownerID, mainID, n)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, retryResponse{NewJobID: newID})
}

// DeleteJob handles DELETE /jobs/{id}.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "job ID is required")
		return
	}
	ownerID := auth.OwnerIDFromContext(r.Context())
	if err := h.svc.Delete(r.Context(), ownerID, jobID); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListJobs handles GET /jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.OwnerIDFromContext(r.Context())
	q := r.URL.Query()

	filter := convert.ListFilter{
		Type:   convert.JobType(q.Get("job_type")),
		Status: convert.Status(q.Get("status")),
	}
	page := convert.Page{
		Number: atoiDefault(q.Get("page"), 1),
		Size:   atoiDefault(q.Get("page_size"), 20),
	}

	resp, err := h.svc.List(r.Context(), ownerID, filter, page)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// healthResponse is returned by GET /health (§6.1).
type healthResponse struct {
	Status  string `json:"status"`
	Store   string `json:"store"`
	Workers string `json:"workers"`
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	storeStatus, workerStatus := "ok", "ok"
	overall := http.StatusOK

	if h.readiness != nil {
		if p, ok := h.readiness.Store.(convert.Pinger); ok {
			if err := p.Ping(r.Context()); err != nil {
				storeStatus = "unreachable"
				overall = http.StatusServiceUnavailable
			}
		}
		if p, ok := h.readiness.Queue.(convert.Pinger); ok {
			if err := p.Ping(r.Context()); err != nil {
				workerStatus = "unreachable"
				overall = http.StatusServiceUnavailable
			}
		}
	}

	status := "healthy"
	if overall != http.StatusOK {
		status = "unhealthy"
	}
	h.writeJSON(w, overall, healthResponse{Status: status, Store: storeStatus, Workers: workerStatus})
}

// Livez handles GET /livez - liveness probe.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError writes an error response in the {error:{message}} shape; the
// body carries no code or details field, only the HTTP status does.
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]any{"error": map[string]string{"message": message}})
}

// handleError maps a service-layer error to its HTTP status via
// apperrors.HTTPStatus and writes it in the standard error envelope.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
