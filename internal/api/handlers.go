package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/clawinfra/fieldsync/internal/outbox"
	"github.com/clawinfra/fieldsync/internal/scheduler"
	"github.com/clawinfra/fieldsync/internal/submit"
	"github.com/clawinfra/fieldsync/internal/syncer"
)

// maxBodyBytes caps submission bodies.
const maxBodyBytes = 1 << 20

// SubmitRequest is the body of POST /api/submit.
type SubmitRequest struct {
	Endpoint string          `json:"endpoint"`
	Method   string          `json:"method,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// Status is the body of GET /api/status.
type Status struct {
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
	// Online is nil when no monitor is attached.
	Online   *bool                `json:"online"`
	Syncing  bool                 `json:"syncing"`
	Runs     int64                `json:"runs"`
	Pending  int                  `json:"pending"`
	LastSync *syncer.Result       `json:"lastSync,omitempty"`
	Jobs     []scheduler.JobState `json:"jobs,omitempty"`
}

// handleStatus returns system status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := s.svc.PendingCount(r.Context())
	if err != nil {
		s.logger.Error("pending count failed", "error", err)
		writeError(w, http.StatusInternalServerError, "outbox unavailable")
		return
	}

	status := Status{
		Version: Version,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Pending: pending,
	}
	if s.opts.Monitor != nil {
		online := s.opts.Monitor.IsOnline()
		status.Online = &online
	}
	if s.opts.Engine != nil {
		status.Syncing = s.opts.Engine.Running()
		status.Runs = s.opts.Engine.Runs()
	}
	if s.opts.Runner != nil {
		if last := s.opts.Runner.LastResult(); last != (syncer.Result{}) {
			status.LastSync = &last
		}
	}
	if s.opts.Scheduler != nil {
		status.Jobs = s.opts.Scheduler.ListJobs()
	}

	writeJSON(w, http.StatusOK, status)
}

// handleSubmit delivers or queues one operation
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	method, err := outbox.ParseMethod(req.Method)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}

	res, err := s.svc.Submit(r.Context(), req.Endpoint, payload, method)
	if err != nil {
		if errors.Is(err, outbox.ErrInvalidEntry) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("submit failed", "endpoint", req.Endpoint, "error", err)
		writeError(w, http.StatusInternalServerError, "could not store submission")
		return
	}

	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// handleListOutbox lists every queued entry, oldest first
func (s *Server) handleListOutbox(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.ListPending(r.Context())
	if err != nil {
		s.logger.Error("list outbox failed", "error", err)
		writeError(w, http.StatusInternalServerError, "outbox unavailable")
		return
	}
	if entries == nil {
		entries = []outbox.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handlePendingCount returns the number of entries awaiting delivery
func (s *Server) handlePendingCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.PendingCount(r.Context())
	if err != nil {
		s.logger.Error("pending count failed", "error", err)
		writeError(w, http.StatusInternalServerError, "outbox unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"pending": n})
}

// handleSync runs a sync pass and reports its counts
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.RetrySync(r.Context()))
}

// handleRetryEntry requeues one failed entry
func (s *Server) handleRetryEntry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.RetryEntry(r.Context(), id); err != nil {
		s.writeEntryError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(outbox.StatusPending)})
}

// handleDiscard removes one entry
func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.Discard(r.Context(), id); err != nil {
		s.writeEntryError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeEntryError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, outbox.ErrNotFound):
		writeError(w, http.StatusNotFound, "entry not found")
	case errors.Is(err, submit.ErrNotRetryable), errors.Is(err, submit.ErrEntryBusy):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("entry operation failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "outbox unavailable")
	}
}

// handleListJobs returns the scheduled maintenance jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Scheduler.ListJobs())
}

// handleGetJob returns one job's schedule and run history
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	st, err := s.opts.Scheduler.GetJob(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleRunJob triggers a job outside its schedule
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.opts.Scheduler.RunNow(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered", "job_id": id})
}
