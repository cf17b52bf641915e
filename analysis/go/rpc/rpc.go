// Package rpc implements the HTTP API: job creation with the cache fast
// path, job snapshots, SSE event streaming, and cancellation.
package rpc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/db"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/fastpath"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/planner"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/resolve"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/types"
	"github.com/elonfeng/dinq-analyze-sub001/go/dlog"
	"github.com/elonfeng/dinq-analyze-sub001/go/httputils"
	"github.com/elonfeng/dinq-analyze-sub001/go/metrics"
)

const (
	// UserIDHeader carries the caller identity, injected by the gateway.
	UserIDHeader = "X-User-ID"

	// IdempotencyKeyHeader binds the request to a single job per caller.
	// The header wins over the body field when both are present.
	IdempotencyKeyHeader = "Idempotency-Key"

	// maxIdempotencyKeyLen bounds the idempotency key.
	maxIdempotencyKeyLen = 128

	// AnonymousUserID is recorded when no identity header is present.
	AnonymousUserID = "anonymous"

	// maxRequestBody bounds the analyze request body.
	maxRequestBody = 1 << 20

	// DefaultSyncTimeout is how long a sync request waits for the job.
	DefaultSyncTimeout = 60 * time.Second

	// MaxSyncTimeout caps the client-requested sync timeout.
	MaxSyncTimeout = 300 * time.Second
)

// JobController is the scheduler surface the API needs.
type JobController interface {
	EnqueueJob(jobID string)
	CancelJob(ctx context.Context, jobID string) (bool, error)
}

// Handlers serves the analysis API.
type Handlers struct {
	d            db.DB
	ctrl         JobController
	fp           *fastpath.FastPath
	resolver     resolve.Resolver
	pollInterval time.Duration
}

// NewHandlers returns the API handlers. fp and resolver may be nil.
func NewHandlers(d db.DB, ctrl JobController, fp *fastpath.FastPath, resolver resolve.Resolver) *Handlers {
	return &Handlers{
		d:            d,
		ctrl:         ctrl,
		fp:           fp,
		resolver:     resolver,
		pollInterval: db.DefaultStreamPollInterval,
	}
}

// Router returns the chi router serving the API.
func (h *Handlers) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(httputils.LoggingRequestResponse)
	r.Get("/healthz", httputils.HealthCheckHandler)
	r.Get("/ready", httputils.HealthCheckHandler)
	r.Handle("/metrics", metrics.Handler())
	r.Route("/analyze", func(r chi.Router) {
		r.Post("/", h.CreateJob)
		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", h.GetJob)
			r.Get("/stream", h.StreamJob)
			r.Post("/cancel", h.CancelJob)
		})
	})
	return r
}

func userID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(UserIDHeader)); id != "" {
		return id
	}
	return AnonymousUserID
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		dlog.Errorf("Failed to encode response: %s", err)
	}
}

// analyzeRequest is the POST /analyze body.
type analyzeRequest struct {
	Source         string                 `json:"source"`
	Input          map[string]interface{} `json:"input"`
	Options        map[string]interface{} `json:"options"`
	Cards          []string               `json:"cards"`
	Mode           string                 `json:"mode"`
	IdempotencyKey string                 `json:"idempotency_key"`
}

// requestHash fingerprints the semantically-relevant request fields for
// idempotency conflict detection.
func requestHash(req *analyzeRequest) string {
	b, err := json.Marshal(map[string]interface{}{
		"source":  req.Source,
		"input":   req.Input,
		"options": req.Options,
		"cards":   req.Cards,
	})
	if err != nil {
		// The fields were just decoded from JSON.
		panic(err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// cardView is the client-visible projection of a Card.
type cardView struct {
	Status     types.CardStatus  `json:"status"`
	Internal   bool              `json:"internal"`
	RetryCount int               `json:"retry_count"`
	Output     *types.CardOutput `json:"output,omitempty"`
}

// jobView is the client-visible projection of a Job and its business cards,
// keyed by card type.
type jobView struct {
	JobId      string              `json:"job_id"`
	Status     types.JobStatus     `json:"status"`
	Source     string              `json:"source"`
	SubjectKey string              `json:"subject_key,omitempty"`
	Created    time.Time           `json:"created"`
	LastSeq    int64               `json:"last_seq"`
	NextAfter  int64               `json:"next_after"`
	Timeout    bool                `json:"timeout,omitempty"`
	Cards      map[string]cardView `json:"cards,omitempty"`
}

func viewOf(job *types.Job, cards []*types.Card) *jobView {
	rv := &jobView{
		JobId:      job.Id,
		Status:     job.Status,
		Source:     job.Source,
		SubjectKey: job.SubjectKey,
		Created:    job.Created,
		LastSeq:    job.LastSeq,
		NextAfter:  job.LastSeq,
	}
	for _, c := range cards {
		if c.Internal || types.IsInternalCardType(c.Type) {
			continue
		}
		if rv.Cards == nil {
			rv.Cards = map[string]cardView{}
		}
		rv.Cards[c.Type] = cardView{
			Status:     c.Status,
			Internal:   false,
			RetryCount: c.RetryCount,
			Output:     c.Output,
		}
	}
	return rv
}

// CreateJob handles POST /analyze.
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req analyzeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		httputils.ReportError(w, err, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !planner.KnownSource(req.Source) {
		httputils.ReportError(w, nil, "Unknown source", http.StatusBadRequest)
		return
	}
	content := resolve.Content(req.Input)
	if content == "" {
		httputils.ReportError(w, nil, "Input content is required", http.StatusBadRequest)
		return
	}
	if req.Options == nil {
		req.Options = map[string]interface{}{}
	}
	if hk := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)); hk != "" {
		req.IdempotencyKey = hk
	}
	if len(req.IdempotencyKey) > maxIdempotencyKeyLen {
		httputils.ReportError(w, nil, "Idempotency key too long", http.StatusBadRequest)
		return
	}

	allowAmbiguous, _ := req.Options["allow_ambiguous"].(bool)
	pf, err := resolve.Preflight(ctx, h.resolver, req.Source, content, allowAmbiguous)
	if err != nil {
		httputils.ReportError(w, err, "Failed to resolve subject", http.StatusInternalServerError)
		return
	}
	if pf.NeedsConfirmation {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"needs_confirmation": true,
			"candidates":         pf.Candidates,
		})
		return
	}

	plan, err := planner.Plan(req.Source, req.Cards)
	if err != nil {
		httputils.ReportError(w, err, "Failed to plan request", http.StatusBadRequest)
		return
	}

	job, created, err := h.d.CreateJobBundle(ctx, &db.CreateJobBundleRequest{
		UserId:         userID(r),
		Source:         req.Source,
		SubjectKey:     pf.SubjectKey,
		Input:          req.Input,
		Options:        req.Options,
		Plan:           plan,
		IdempotencyKey: req.IdempotencyKey,
		RequestHash:    requestHash(&req),
	})
	if err != nil {
		if db.IsIdempotencyConflict(err) {
			httputils.ReportError(w, err, "Idempotency key reused with a different request", http.StatusConflict)
			return
		}
		httputils.ReportError(w, err, "Failed to create job", http.StatusInternalServerError)
		return
	}

	var hit *fastpath.Result
	if created {
		if h.fp != nil {
			_, cards, err := h.d.GetJobWithCards(ctx, job.Id, false)
			if err == nil {
				hit, err = h.fp.TryServe(ctx, job, cards)
			}
			if err != nil {
				dlog.Errorf("Fast path failed for job %s: %s", job.Id, err)
			}
		}
		if hit == nil {
			h.ctrl.EnqueueJob(job.Id)
		}
	}

	if req.Mode == "sync" {
		h.respondSync(w, r, job.Id, req.Options)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	current, err := h.d.GetJob(ctx, job.Id)
	if err != nil || current == nil {
		current = job
	}
	if hit != nil {
		writeJSON(w, code, map[string]interface{}{
			"success":      true,
			"job_id":       current.Id,
			"subject_key":  current.SubjectKey,
			"status":       current.Status,
			"cache_hit":    true,
			"cache_stale":  hit.Stale,
			"cache_source": hit.Source,
			"cards":        hit.Cards,
			"created":      created,
		})
		return
	}
	writeJSON(w, code, map[string]interface{}{
		"success":     true,
		"source":      current.Source,
		"job_id":      current.Id,
		"subject_key": current.SubjectKey,
		"status":      current.Status,
		"created":     created,
	})
}

// respondSync waits for the job to reach a terminal status and returns the
// full snapshot. On timeout the current snapshot is returned as-is.
func (h *Handlers) respondSync(w http.ResponseWriter, r *http.Request, jobID string, options map[string]interface{}) {
	timeout := DefaultSyncTimeout
	if secs, ok := options["sync_timeout_s"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
		if timeout > MaxSyncTimeout {
			timeout = MaxSyncTimeout
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	for ev := range db.StreamEvents(ctx, h.d, jobID, 0, true, h.pollInterval) {
		_ = ev
	}
	job, cards, err := h.d.GetJobWithCards(r.Context(), jobID, true)
	if err != nil || job == nil {
		httputils.ReportError(w, err, "Failed to read job", http.StatusInternalServerError)
		return
	}
	view := viewOf(job, cards)
	view.Timeout = !job.Done()
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, view)
}

// getAuthorizedJob returns the job if it exists and belongs to the caller.
// Foreign and missing jobs are indistinguishable to the client.
func (h *Handlers) getAuthorizedJob(w http.ResponseWriter, r *http.Request) *types.Job {
	jobID := chi.URLParam(r, "id")
	job, err := h.d.GetJob(r.Context(), jobID)
	if err != nil {
		httputils.ReportError(w, err, "Failed to read job", http.StatusInternalServerError)
		return nil
	}
	if job == nil || job.UserId != userID(r) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return nil
	}
	return job
}

// GetJob handles GET /analyze/jobs/{id}.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	job := h.getAuthorizedJob(w, r)
	if job == nil {
		return
	}
	_, cards, err := h.d.GetJobWithCards(r.Context(), job.Id, true)
	if err != nil {
		httputils.ReportError(w, err, "Failed to read job", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, viewOf(job, cards))
}

// StreamJob handles GET /analyze/jobs/{id}/stream: an SSE stream of the
// job's events, resumable via ?after=<seq>.
func (h *Handlers) StreamJob(w http.ResponseWriter, r *http.Request) {
	job := h.getAuthorizedJob(w, r)
	if job == nil {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			http.Error(w, "Invalid after parameter", http.StatusBadRequest)
			return
		}
		after = parsed
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range db.StreamEvents(r.Context(), h.d, job.Id, after, true, h.pollInterval) {
		data, err := json.Marshal(map[string]interface{}{
			"seq":        ev.Seq,
			"event_type": ev.Type,
			"card_id":    ev.CardId,
			"payload":    ev.Payload,
		})
		if err != nil {
			dlog.Errorf("Failed to encode event %d for job %s: %s", ev.Seq, job.Id, err)
			continue
		}
		if _, err := w.Write([]byte("id: " + strconv.FormatInt(ev.Seq, 10) + "\nevent: " + ev.Type + "\ndata: " + string(data) + "\n\n")); err != nil {
			return
		}
		flusher.Flush()
	}
}

// CancelJob handles POST /analyze/jobs/{id}/cancel.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	job := h.getAuthorizedJob(w, r)
	if job == nil {
		return
	}
	cancelled, err := h.ctrl.CancelJob(r.Context(), job.Id)
	if err != nil {
		httputils.ReportError(w, err, "Failed to cancel job", http.StatusInternalServerError)
		return
	}
	current, err := h.d.GetJob(r.Context(), job.Id)
	if err != nil || current == nil {
		current = job
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":    current.Id,
		"status":    current.Status,
		"cancelled": cancelled,
	})
}
