package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/spherical-ai/convertx/cmd/convertx-api/middleware"
	"github.com/spherical-ai/convertx/internal/domain"
	"github.com/spherical-ai/convertx/internal/jobs"
	"github.com/spherical-ai/convertx/internal/observability"
)

// multipartMemory is how much of a multipart body is held in memory before
// file parts spill to disk.
const multipartMemory = 32 << 20

// JobHandler handles conversion jobs.
type JobHandler struct {
	logger         *observability.Logger
	service        *jobs.Service
	maxRequestSize int64
	heartbeat      time.Duration
}

// NewJobHandler creates a new job handler. maxRequestSize bounds a whole
// upload request; zero disables the limit. heartbeat is how often an idle
// event stream re-reads the job and pings the client.
func NewJobHandler(logger *observability.Logger, service *jobs.Service, maxRequestSize int64, heartbeat time.Duration) *JobHandler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &JobHandler{
		logger:         logger,
		service:        service,
		maxRequestSize: maxRequestSize,
		heartbeat:      heartbeat,
	}
}

// CreateJobDTO is the response of POST /conversions.
type CreateJobDTO struct {
	JobID     string           `json:"jobId"`
	Status    domain.JobStatus `json:"status"`
	NumFiles  int              `json:"numFiles"`
	PollURL   string           `json:"pollUrl"`
	EventsURL string           `json:"eventsUrl"`
}

// Create handles POST /conversions. The body is multipart with repeated
// "files" parts, a "target" field and optional "engine" and "options"
// (a JSON object) fields.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	if h.maxRequestSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestSize)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorMessage(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "request body is too large")
			return
		}
		writeErrorMessage(w, http.StatusBadRequest, "BAD_REQUEST", "expected a multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	req := jobs.CreateRequest{
		UserID: middleware.UserFromContext(r.Context()),
		Target: r.FormValue("target"),
		Engine: r.FormValue("engine"),
	}
	if raw := r.FormValue("options"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Options); err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "BAD_REQUEST", "options must be a JSON object")
			return
		}
	}

	headers := r.MultipartForm.File["files"]
	opened := make([]multipart.File, 0, len(headers))
	defer func() {
		for _, f := range opened {
			f.Close()
		}
	}()
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			writeError(w, r, h.logger, domain.IOError("failed to read upload", err))
			return
		}
		opened = append(opened, f)
		req.Files = append(req.Files, jobs.Upload{Name: fh.Filename, Size: fh.Size, Reader: f})
	}

	job, err := h.service.Create(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	base := "/api/v1/jobs/" + job.ID.String()
	w.Header().Set("Location", base)
	writeJSON(w, http.StatusAccepted, CreateJobDTO{
		JobID:     job.ID.String(),
		Status:    job.Status,
		NumFiles:  job.NumFiles,
		PollURL:   base + "/progress",
		EventsURL: base + "/events",
	})
}

// List handles GET /jobs?limit=&offset=.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be an integer")
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "BAD_REQUEST", "offset must be an integer")
		return
	}

	list, err := h.service.List(r.Context(), middleware.UserFromContext(r.Context()), limit, offset)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

// Get handles GET /jobs/{jobId}.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	details, err := h.service.Get(r.Context(), middleware.UserFromContext(r.Context()), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

// Delete handles DELETE /jobs/{jobId}.
func (h *JobHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), middleware.UserFromContext(r.Context()), id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteFile handles DELETE /jobs/{jobId}/files/{fileName}. Deleting the
// last file deletes the job.
func (h *JobHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	err := h.service.DeleteFile(r.Context(), middleware.UserFromContext(r.Context()), id, chi.URLParam(r, "fileName"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Suggest handles GET /formats/{format}/suggest.
func (h *JobHandler) Suggest(w http.ResponseWriter, r *http.Request) {
	s, err := h.service.Suggest(r.Context(), middleware.UserFromContext(r.Context()), chi.URLParam(r, "format"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Progress handles GET /jobs/{jobId}/progress.
func (h *JobHandler) Progress(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	p, err := h.service.Progress(r.Context(), middleware.UserFromContext(r.Context()), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Download handles GET /jobs/{jobId}/files/{fileName}.
func (h *JobHandler) Download(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	out, err := h.service.OpenOutput(r.Context(), middleware.UserFromContext(r.Context()), id, chi.URLParam(r, "fileName"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	defer out.Body.Close()

	w.Header().Set("Content-Type", out.ContentType)
	w.Header().Set("Content-Disposition", attachment(out.Name))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, out.Body); err != nil {
		h.logger.WithContext(r.Context()).Warn().Err(err).Str("file", out.Name).Msg("Download interrupted")
	}
}

// Archive handles GET /jobs/{jobId}/archive.
func (h *JobHandler) Archive(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	userID := middleware.UserFromContext(r.Context())

	// resolve errors before the zip stream starts
	details, err := h.service.Get(r.Context(), userID, id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	converted := 0
	for _, f := range details.Files {
		if f.Status == domain.FileStatusDone {
			converted++
		}
	}
	if converted == 0 {
		writeErrorMessage(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("job %s has no converted files", id))
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", attachment(jobs.ArchiveName(id)))
	if err := h.service.Archive(r.Context(), userID, id, w); err != nil {
		h.logger.WithContext(r.Context()).Error().Err(err).Str("job_id", id.String()).Msg("Archive failed")
	}
}

func attachment(name string) string {
	return mime.FormatMediaType("attachment", map[string]string{"filename": name})
}
