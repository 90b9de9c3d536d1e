package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/airframesio/csv-importer/cmd/chunkstore"
	"github.com/airframesio/csv-importer/cmd/metrics"
	"github.com/airframesio/csv-importer/cmd/supervisor"
	"github.com/airframesio/csv-importer/cmd/upload"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// checksumHeader carries the xxh3 hex digest of a chunk body
const checksumHeader = "X-Chunk-Checksum"

// uploadService is the part of the assembler the API drives
type uploadService interface {
	Init(ctx context.Context, req upload.InitRequest) (*upload.Session, error)
	Get(ctx context.Context, id string) (*upload.Session, error)
	PutChunk(ctx context.Context, id string, index int, r io.Reader, checksum string) (*upload.ChunkReceipt, error)
	Complete(ctx context.Context, id string) (*upload.Assembled, error)
	Cancel(ctx context.Context, id string) error
}

// jobService is the part of the supervisor the API drives
type jobService interface {
	Submit(ctx context.Context, spec supervisor.JobSpec) (string, error)
	Status(ctx context.Context, id string) (supervisor.Job, error)
	Cancel(ctx context.Context, id string) error
}

type presigner interface {
	Presign(bucket, key string, ttl time.Duration) (string, error)
}

type api struct {
	uploads    uploadService
	jobs       jobService
	presign    presigner // nil without object storage
	bucket     string
	presignTTL time.Duration
	metrics    *metrics.Metrics
	hub        *hub
	logger     *slog.Logger
}

// SessionResponse is the upload session as clients see it
type SessionResponse struct {
	*upload.Session
	Received      int   `json:"received"`
	ReceivedBytes int64 `json:"received_bytes"`
	Missing       []int `json:"missing"`
}

// ImportRequest starts a job from an upload or a staged object
type ImportRequest struct {
	UploadID        string   `json:"upload_id,omitempty"`
	Bucket          string   `json:"bucket,omitempty"`
	Key             string   `json:"key,omitempty"`
	Table           string   `json:"table"`
	ConflictColumns []string `json:"conflict_columns,omitempty"`
	ConflictAction  string   `json:"conflict_action,omitempty"`
	HasHeader       *bool    `json:"has_header,omitempty"` // defaults to true
	Compression     string   `json:"compression,omitempty"`
	Delimiter       string   `json:"delimiter,omitempty"`
	EmptyAsNull     bool     `json:"empty_as_null,omitempty"`
}

// JobResponse is a job snapshot plus its completion percentage
type JobResponse struct {
	supervisor.Job
	Percent *float64 `json:"percent,omitempty"`
}

type PresignRequest struct {
	Key string `json:"key"`
}

type PresignResponse struct {
	URL       string    `json:"url"`
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Missing []int  `json:"missing,omitempty"`
}

func (a *api) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
	})
	r.Handle("/metrics", a.metrics.Handler())

	r.Route("/api/uploads", func(r chi.Router) {
		r.Post("/", a.initUpload)
		r.Post("/presign", a.presignUpload)
		r.Get("/{id}", a.getUpload)
		r.Delete("/{id}", a.cancelUpload)
		r.Put("/{id}/chunks/{index}", a.putChunk)
		r.Post("/{id}/complete", a.completeUpload)
	})

	r.Route("/api/imports", func(r chi.Router) {
		r.Post("/", a.startImport)
		r.Get("/{id}", a.getImport)
		r.Delete("/{id}", a.cancelImport)
	})

	if a.hub != nil {
		r.Get("/ws/imports/{id}", a.hub.handleJobWebSocket)
		r.Get("/ws/logs", a.hub.handleLogsWebSocket)
	}
	return r
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug(fmt.Sprintf("%s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, upload.ErrInvalidRequest),
		errors.Is(err, supervisor.ErrInvalidSpec),
		errors.Is(err, chunkstore.ErrChecksumMismatch),
		errors.Is(err, chunkstore.ErrInvalidSession):
		return http.StatusBadRequest
	case errors.Is(err, upload.ErrUnknownSession),
		errors.Is(err, supervisor.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, upload.ErrIncompleteUpload):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}

	var incomplete *upload.IncompleteError
	if errors.As(err, &incomplete) {
		resp.Missing = incomplete.Missing
	}
	if status >= http.StatusInternalServerError {
		a.logger.Error(fmt.Sprintf("❌ %s %s: %v", r.Method, r.URL.Path, err))
	}
	writeJSON(w, status, resp)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", upload.ErrInvalidRequest, err)
	}
	return nil
}

func newSessionResponse(s *upload.Session) SessionResponse {
	missing := s.Missing()
	if missing == nil {
		missing = []int{}
	}
	return SessionResponse{
		Session:       s,
		Received:      len(s.Received),
		ReceivedBytes: s.ReceivedBytes(),
		Missing:       missing,
	}
}

func (a *api) initUpload(w http.ResponseWriter, r *http.Request) {
	var req upload.InitRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	session, err := a.uploads.Init(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newSessionResponse(session))
}

func (a *api) getUpload(w http.ResponseWriter, r *http.Request) {
	session, err := a.uploads.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(session))
}

func (a *api) putChunk(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		a.writeError(w, r, fmt.Errorf("%w: chunk index must be an integer", upload.ErrInvalidRequest))
		return
	}

	checksum := strings.ToLower(strings.TrimSpace(r.Header.Get(checksumHeader)))
	receipt, err := a.uploads.PutChunk(r.Context(), chi.URLParam(r, "id"), index, r.Body, checksum)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (a *api) completeUpload(w http.ResponseWriter, r *http.Request) {
	assembled, err := a.uploads.Complete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assembled)
}

func (a *api) cancelUpload(w http.ResponseWriter, r *http.Request) {
	if err := a.uploads.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) presignUpload(w http.ResponseWriter, r *http.Request) {
	if a.presign == nil || a.bucket == "" {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "object storage is not configured"})
		return
	}

	var req PresignRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	key := strings.TrimLeft(strings.TrimSpace(req.Key), "/")
	if key == "" {
		a.writeError(w, r, fmt.Errorf("%w: key is required", upload.ErrInvalidRequest))
		return
	}

	url, err := a.presign.Presign(a.bucket, key, a.presignTTL)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PresignResponse{
		URL:       url,
		Bucket:    a.bucket,
		Key:       key,
		ExpiresAt: time.Now().Add(a.presignTTL).UTC(),
	})
}

// spec turns an import request into a job spec
func (req *ImportRequest) spec(defaultBucket string) (supervisor.JobSpec, error) {
	if req.UploadID != "" && req.Key != "" {
		return supervisor.JobSpec{}, fmt.Errorf("%w: upload_id and key are mutually exclusive", supervisor.ErrInvalidSpec)
	}

	hasHeader := true
	if req.HasHeader != nil {
		hasHeader = *req.HasHeader
	}
	spec := supervisor.JobSpec{
		Table:           req.Table,
		ConflictColumns: req.ConflictColumns,
		ConflictAction:  req.ConflictAction,
		HasHeader:       hasHeader,
		Delimiter:       req.Delimiter,
		EmptyAsNull:     req.EmptyAsNull,
	}

	switch {
	case req.UploadID != "":
		spec.Source = supervisor.Source{Kind: supervisor.SourceUpload, UploadID: req.UploadID, Compression: req.Compression}
	case req.Key != "":
		bucket := req.Bucket
		if bucket == "" {
			bucket = defaultBucket
		}
		spec.Source = supervisor.Source{Kind: supervisor.SourceObject, Bucket: bucket, Key: req.Key, Compression: req.Compression}
	default:
		return supervisor.JobSpec{}, fmt.Errorf("%w: one of upload_id or key is required", supervisor.ErrInvalidSpec)
	}
	return spec, nil
}

func (a *api) startImport(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	spec, err := req.spec(a.bucket)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	id, err := a.jobs.Submit(r.Context(), spec)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": string(supervisor.StatusQueued)})
}

func newJobResponse(job supervisor.Job) JobResponse {
	job.LocalPath = ""
	resp := JobResponse{Job: job}
	if job.TotalRows != nil && *job.TotalRows > 0 {
		pct := float64(job.ProcessedRows) / float64(*job.TotalRows) * 100
		if pct > 100 {
			pct = 100
		}
		resp.Percent = &pct
	}
	return resp
}

func (a *api) getImport(w http.ResponseWriter, r *http.Request) {
	job, err := a.jobs.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(job))
}

func (a *api) cancelImport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.jobs.Cancel(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "cancelling"})
}
