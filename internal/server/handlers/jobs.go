package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/tunedispatch/internal/errors"
	"github.com/3leaps/tunedispatch/pkg/artifact"
	"github.com/3leaps/tunedispatch/pkg/connector"
	"github.com/3leaps/tunedispatch/pkg/jobregistry"
	"github.com/3leaps/tunedispatch/pkg/provider"
	"github.com/3leaps/tunedispatch/pkg/telemetry"
)

// maxRequestBytes caps JSON request bodies. Scripts are sent inline.
const maxRequestBytes = 4 << 20

// SubmitRequest is the body of POST /v1/jobs.
type SubmitRequest struct {
	// Connector names the target; optional when only one is configured.
	Connector    string                  `json:"connector"`
	Job          provider.TrainingConfig `json:"job"`
	Hardware     provider.HardwareSpec   `json:"hardware"`
	Script       string                  `json:"script,omitempty"`
	Command      string                  `json:"command,omitempty"`
	ReadyTimeout string                  `json:"ready_timeout,omitempty"`
}

// SubmitResponse is the body of an accepted submission.
type SubmitResponse struct {
	JobID     string               `json:"job_id"`
	Connector string               `json:"connector"`
	State     jobregistry.JobState `json:"state"`
}

// JobResponse is a job record annotated with its connector.
type JobResponse struct {
	jobregistry.JobRecord
	Connector        string `json:"connector"`
	PendingTelemetry int    `json:"pending_telemetry,omitempty"`
}

// ConnectorInfo describes one configured connector.
type ConnectorInfo struct {
	Name         string                       `json:"name"`
	Kind         provider.ProviderType        `json:"kind"`
	Capabilities []string                     `json:"capabilities"`
	Connected    bool                         `json:"connected"`
	Jobs         map[jobregistry.JobState]int `json:"jobs"`
}

// CancelResponse is the body of POST /v1/jobs/{id}/cancel.
type CancelResponse struct {
	Cancelled bool                 `json:"cancelled"`
	State     jobregistry.JobState `json:"state"`
}

// TelemetryRequest is the body of POST /v1/jobs/{id}/telemetry.
type TelemetryRequest struct {
	Records []telemetry.Record `json:"records"`
}

// JobHandler serves the job API over a set of named connectors.
type JobHandler struct {
	ctx   context.Context
	conns map[string]*connector.Connector
	names []string
	log   *zap.Logger
}

// NewJobHandler creates a handler. Background dispatches run under ctx,
// so cancelling it aborts submissions still in flight.
func NewJobHandler(ctx context.Context, conns map[string]*connector.Connector, log *zap.Logger) *JobHandler {
	if log == nil {
		log = zap.NewNop()
	}
	names := make([]string, 0, len(conns))
	for name := range conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return &JobHandler{ctx: ctx, conns: conns, names: names, log: log}
}

// Routes registers the job API on r.
func (h *JobHandler) Routes(r chi.Router) {
	r.Get("/connectors", h.ListConnectors)
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.Submit)
		r.Get("/", h.List)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Delete("/", h.Delete)
			r.Post("/cancel", h.Cancel)
			r.Get("/logs", h.Logs)
			r.Get("/artifact", h.Artifact)
			r.Post("/publish", h.Publish)
			r.Post("/telemetry", h.Telemetry)
			r.Delete("/telemetry", h.DropTelemetry)
			r.Post("/flush", h.Flush)
		})
	})
}

// ListConnectors handles GET /v1/connectors.
func (h *JobHandler) ListConnectors(w http.ResponseWriter, r *http.Request) {
	out := make([]ConnectorInfo, 0, len(h.names))
	for _, name := range h.names {
		c := h.conns[name]
		out = append(out, ConnectorInfo{
			Name:         name,
			Kind:         c.Kind(),
			Capabilities: c.Capabilities().List(),
			Connected:    c.Connected(),
			Jobs:         c.Stats(),
		})
	}
	apperrors.WriteJSON(w, http.StatusOK, out)
}

// Submit handles POST /v1/jobs. The job is registered synchronously and
// dispatched in the background; the response is 202 with the job id.
func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	name, c, err := h.pick(req.Connector)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	jr := connector.JobRequest{
		Config:        req.Job,
		Hardware:      req.Hardware,
		Script:        []byte(req.Script),
		LaunchCommand: req.Command,
	}
	if req.ReadyTimeout != "" {
		d, err := time.ParseDuration(req.ReadyTimeout)
		if err != nil {
			respondWithError(w, r, apperrors.NewBadRequest("invalid ready_timeout", err))
			return
		}
		jr.ReadyTimeout = d
	}

	jobID, done, err := c.Start(h.ctx, jr)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	go func() {
		if err := <-done; err != nil {
			h.log.Warn("background dispatch failed",
				zap.String("connector", name),
				zap.String("job_id", jobID),
				zap.Error(err))
		}
	}()

	w.Header().Set("Location", "/v1/jobs/"+jobID)
	apperrors.WriteJSON(w, http.StatusAccepted, SubmitResponse{
		JobID:     jobID,
		Connector: name,
		State:     jobregistry.JobStatePending,
	})
}

// List handles GET /v1/jobs. Optional filters: connector, state.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	filterConn := r.URL.Query().Get("connector")
	filterState := jobregistry.JobState(strings.ToUpper(r.URL.Query().Get("state")))
	if filterState != "" && !filterState.IsValid() {
		respondWithError(w, r, apperrors.NewBadRequest(fmt.Sprintf("unknown state %q", filterState), nil))
		return
	}
	if filterConn != "" {
		if _, ok := h.conns[filterConn]; !ok {
			respondWithError(w, r, apperrors.NewNotFound(fmt.Sprintf("connector %q is not configured", filterConn)))
			return
		}
	}

	out := []JobResponse{}
	for _, name := range h.names {
		if filterConn != "" && name != filterConn {
			continue
		}
		for _, rec := range h.conns[name].Jobs() {
			if filterState != "" && rec.State != filterState {
				continue
			}
			out = append(out, JobResponse{JobRecord: rec, Connector: name})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	apperrors.WriteJSON(w, http.StatusOK, out)
}

// Get handles GET /v1/jobs/{id}. The state is refreshed from the provider
// unless cached=true; an unreachable provider yields the cached state.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	name, c, jobID, ok := h.job(w, r)
	if !ok {
		return
	}
	if cached, _ := strconv.ParseBool(r.URL.Query().Get("cached")); !cached {
		if _, err := c.GetJobStatus(r.Context(), jobID); err != nil {
			h.log.Debug("status refresh failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	rec, err := c.Job(jobID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, JobResponse{
		JobRecord:        rec,
		Connector:        name,
		PendingTelemetry: c.PendingTelemetry(jobID),
	})
}

// Cancel handles POST /v1/jobs/{id}/cancel.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	_, c, jobID, ok := h.job(w, r)
	if !ok {
		return
	}
	cancelled, err := c.CancelJob(r.Context(), jobID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	rec, err := c.Job(jobID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, CancelResponse{Cancelled: cancelled, State: rec.State})
}

// Delete handles DELETE /v1/jobs/{id}: release the job's resources and
// forget it.
func (h *JobHandler) Delete(w http.ResponseWriter, r *http.Request) {
	_, c, jobID, ok := h.job(w, r)
	if !ok {
		return
	}
	if err := c.DeleteJob(r.Context(), jobID); err != nil {
		respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Logs handles GET /v1/jobs/{id}/logs. Lines are streamed as text until
// the job ends or the client goes away.
func (h *JobHandler) Logs(w http.ResponseWriter, r *http.Request) {
	_, c, jobID, ok := h.job(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	stream, err := c.StreamLogs(ctx, jobID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	defer func() { _ = stream.Close() }()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for {
		line, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			// Headers are gone; the truncated body is the only signal.
			if ctx.Err() == nil {
				h.log.Warn("log stream ended with error", zap.String("job_id", jobID), zap.Error(err))
			}
			return
		}
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// Artifact handles GET /v1/jobs/{id}/artifact.
func (h *JobHandler) Artifact(w http.ResponseWriter, r *http.Request) {
	_, c, jobID, ok := h.job(w, r)
	if !ok {
		return
	}
	data, err := c.FetchArtifact(r.Context(), jobID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	ctype, name := "application/octet-stream", jobID+".bin"
	if artifact.IsArchive(data) {
		ctype, name = "application/gzip", jobID+".tar.gz"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Publish handles POST /v1/jobs/{id}/publish with body {"name": "..."}.
func (h *JobHandler) Publish(w http.ResponseWriter, r *http.Request) {
	_, c, jobID, ok := h.job(w, r)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	pub, err := c.PublishArtifact(r.Context(), jobID, req.Name)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusCreated, pub)
}

// Telemetry handles POST /v1/jobs/{id}/telemetry. Records are queued and
// uploaded by the batcher; the response reports the queue length.
func (h *JobHandler) Telemetry(w http.ResponseWriter, r *http.Request) {
	_, c, jobID, ok := h.job(w, r)
	if !ok {
		return
	}
	var req TelemetryRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	now := time.Now().UTC()
	for i := range req.Records {
		rec := &req.Records[i]
		if rec.Name == "" {
			respondWithError(w, r, apperrors.NewBadRequest(fmt.Sprintf("records[%d]: name is required", i), nil))
			return
		}
		if rec.Kind == "" {
			rec.Kind = telemetry.KindMetric
		}
		if rec.Timestamp.IsZero() {
			rec.Timestamp = now
		}
	}
	if err := c.LogRecords(jobID, req.Records...); err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusAccepted, map[string]int{
		"accepted": len(req.Records),
		"pending":  c.PendingTelemetry(jobID),
	})
}

// Flush handles POST /v1/jobs/{id}/flush.
func (h *JobHandler) Flush(w http.ResponseWriter, r *http.Request) {
	_, c, jobID, ok := h.job(w, r)
	if !ok {
		return
	}
	if err := c.Flush(r.Context(), jobID); err != nil {
		respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DropTelemetry handles DELETE /v1/jobs/{id}/telemetry.
func (h *JobHandler) DropTelemetry(w http.ResponseWriter, r *http.Request) {
	_, c, jobID, ok := h.job(w, r)
	if !ok {
		return
	}
	n, err := c.DropTelemetry(jobID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, map[string]int{"dropped": n})
}

// FlushAll flushes every job with queued telemetry on every connector.
func (h *JobHandler) FlushAll(ctx context.Context) error {
	var errs []error
	for _, name := range h.names {
		c := h.conns[name]
		for _, rec := range c.Jobs() {
			if c.PendingTelemetry(rec.JobID) == 0 {
				continue
			}
			if err := c.Flush(ctx, rec.JobID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (h *JobHandler) pick(name string) (string, *connector.Connector, error) {
	if name == "" {
		if len(h.names) == 1 {
			return h.names[0], h.conns[h.names[0]], nil
		}
		return "", nil, apperrors.NewBadRequest(fmt.Sprintf("connector is required (one of %s)", strings.Join(h.names, ", ")), nil)
	}
	c, ok := h.conns[name]
	if !ok {
		return "", nil, apperrors.NewNotFound(fmt.Sprintf("connector %q is not configured", name))
	}
	return name, c, nil
}

// job resolves the {jobID} URL parameter to its connector. On failure the
// error response has been written.
func (h *JobHandler) job(w http.ResponseWriter, r *http.Request) (string, *connector.Connector, string, bool) {
	jobID := chi.URLParam(r, "jobID")
	for _, name := range h.names {
		c := h.conns[name]
		if _, err := c.Job(jobID); err == nil {
			return name, c, jobID, true
		}
	}
	respondWithError(w, r, apperrors.NewNotFound(fmt.Sprintf("job %s not found", jobID)))
	return "", nil, "", false
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.NewBadRequest("invalid request body", err)
	}
	return nil
}
