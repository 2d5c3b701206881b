package command

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/weppcloud/roc/internal/eventlog"
	"github.com/weppcloud/roc/internal/jobq"
	"github.com/weppcloud/roc/internal/token"
)

// handleHealth handles GET /health (no auth).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeContent(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleGetLogLevel handles GET /runs/{runid}/loglevel.
func (s *Server) handleGetLogLevel(w http.ResponseWriter, r *http.Request) {
	runid := chi.URLParam(r, "runid")
	level := s.levels.Get(r.Context(), runid)
	s.writeContent(w, http.StatusOK, map[string]any{
		"runid": runid,
		"level": level.String(),
	})
}

// handleSetLogLevel handles PUT /runs/{runid}/loglevel.
func (s *Server) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	runid := chi.URLParam(r, "runid")

	var req SetLogLevelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.levels.Set(r.Context(), runid, req.Level); err != nil {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("unknown level %q; allowed: %s", req.Level, strings.Join(eventlog.AllowedLevels(), ", ")))
		return
	}
	s.writeContent(w, http.StatusOK, map[string]any{
		"runid": runid,
		"level": strings.ToUpper(strings.TrimSpace(req.Level)),
	})
}

// handleListLocks handles GET /runs/{runid}/locks.
func (s *Server) handleListLocks(w http.ResponseWriter, r *http.Request) {
	runid := chi.URLParam(r, "runid")
	statuses, err := s.locks.Statuses(r.Context(), runid)
	if err != nil {
		s.logger.Error("lock status query failed", "runid", runid, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "lock store unavailable")
		return
	}
	s.writeContent(w, http.StatusOK, map[string]any{
		"runid": runid,
		"locks": statuses,
	})
}

// defaultEventLimit caps GET /runs/{runid}/events responses.
const defaultEventLimit = 200

// handleRunEvents handles GET /runs/{runid}/events. It serves the tail of
// the run's event log file, the authoritative record.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runid := chi.URLParam(r, "runid")

	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := s.tailEvents(runid, limit)
	if err != nil {
		s.logger.Error("event tail failed", "runid", runid, "error", err)
		s.writeError(w, http.StatusInternalServerError, "event log unavailable")
		return
	}
	s.writeContent(w, http.StatusOK, map[string]any{
		"runid":  runid,
		"events": events,
	})
}

func (s *Server) tailEvents(runid string, limit int) ([]eventlog.Event, error) {
	path, err := s.runs.EventsPath(runid)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return []eventlog.Event{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]eventlog.Event, 0, limit)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var ev eventlog.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			continue
		}
		if len(ring) == limit {
			copy(ring, ring[1:])
			ring = ring[:limit-1]
		}
		ring = append(ring, ev)
	}
	return ring, sc.Err()
}

// handleTriggerJob handles POST /runs/{runid}/jobs.
func (s *Server) handleTriggerJob(w http.ResponseWriter, r *http.Request) {
	runid := chi.URLParam(r, "runid")

	var req TriggerJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.FnRef) == "" {
		s.writeError(w, http.StatusBadRequest, "fn_ref is required")
		return
	}

	opts := jobq.EnqueueOptions{
		Queue:     req.Queue,
		DependsOn: req.DependsOn,
		Meta:      jobq.Meta{Runid: runid},
	}
	if req.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	jobID, err := s.jobs.Enqueue(r.Context(), req.FnRef, req.Args, req.Kwargs, opts)
	if err != nil {
		if errors.Is(err, jobq.ErrUnknownJob) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("enqueue failed", "runid", runid, "fn_ref", req.FnRef, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	s.writeContent(w, http.StatusAccepted, map[string]any{
		"job_id": jobID,
		"runid":  runid,
		"fn_ref": req.FnRef,
	})
}

// handleJobInfo handles GET /jobs/{jobID}.
func (s *Server) handleJobInfo(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	info, err := s.jobs.Info(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobq.ErrUnknownJob) {
			s.writeError(w, http.StatusNotFound, "unknown job")
			return
		}
		s.logger.Error("job lookup failed", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	s.writeContent(w, http.StatusOK, info)
}

// handleJobCancel handles POST /jobs/{jobID}/cancel.
func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.jobs.Cancel(r.Context(), jobID); err != nil {
		if errors.Is(err, jobq.ErrUnknownJob) {
			s.writeError(w, http.StatusNotFound, "unknown job")
			return
		}
		s.logger.Error("cancel failed", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	s.writeContent(w, http.StatusOK, map[string]any{"job_id": jobID, "cancel_requested": true})
}

// handleJobsBatch handles POST /jobs/batch. The body may be a list, a
// mapping, or a comma-delimited string of job ids.
func (s *Server) handleJobsBatch(w http.ResponseWriter, r *http.Request) {
	var input any
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	out, err := s.jobs.InfosBatch(r.Context(), input)
	if err != nil {
		s.logger.Error("batch lookup failed", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	s.writeContent(w, http.StatusOK, out)
}

// handleInboxPost handles POST /runs/{runid}/inbox. Delivery is gated on
// the interactive tier.
func (s *Server) handleInboxPost(w http.ResponseWriter, r *http.Request) {
	runid := chi.URLParam(r, "runid")
	claims, _ := claimsFrom(r.Context())
	if claims == nil || claims.Tier != token.TierWojak {
		s.writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req InboxPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Receiver) == "" {
		s.writeError(w, http.StatusBadRequest, "receiver is required")
		return
	}
	sender := req.Sender
	if sender == "" {
		sender = claims.Subject
	}

	id, err := s.inbox.Push(r.Context(), runid, sender, req.Receiver, req.Body)
	if err != nil {
		s.logger.Error("inbox push failed", "runid", runid, "receiver", req.Receiver, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "inbox unavailable")
		return
	}
	s.writeContent(w, http.StatusAccepted, map[string]any{"message_id": id})
}

// handleIssueToken handles POST /tokens.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req IssueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Subject) == "" {
		s.writeError(w, http.StatusBadRequest, "subject is required")
		return
	}

	opts := token.IssueOptions{
		Scopes:      req.Scopes,
		Runs:        req.Runs,
		Audience:    req.Audience,
		Tier:        req.Tier,
		Config:      req.Config,
		ExtraClaims: req.ExtraClaims,
	}
	if req.ExpiresInSeconds > 0 {
		opts.ExpiresIn = time.Duration(req.ExpiresInSeconds) * time.Second
	}

	signed, claims, err := s.tokens.Issue(req.Subject, opts)
	if err != nil {
		s.logger.Error("token issuance failed", "subject", req.Subject, "error", err)
		s.writeError(w, http.StatusInternalServerError, "token issuance failed")
		return
	}
	s.writeContent(w, http.StatusCreated, map[string]any{
		"token":  signed,
		"claims": claims,
	})
}
