package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/windmill-labs/windmill-core/internal/auth"
	"github.com/windmill-labs/windmill-core/internal/models"
	httptrigger "github.com/windmill-labs/windmill-core/internal/trigger/http"
)

// handleWorkspaceRoute dispatches /api/w/<workspace>/jobs/run/<path> (and
// run_wait_result/run_and_stream, both treated as the Sync request type
// here since this process has no SSE layer) plus the resume/cancel
// endpoints under the same workspace prefix (spec §6).
func (s *Server) handleWorkspaceRoute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/w/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		writeJSONError(w, http.StatusNotFound, fmt.Errorf("not found"))
		return
	}
	workspace, sub := parts[0], parts[1]

	switch {
	case strings.HasPrefix(sub, "jobs/run_wait_result/"):
		s.handleRunJob(w, r, workspace, strings.TrimPrefix(sub, "jobs/run_wait_result/"), true)
	case strings.HasPrefix(sub, "jobs/run_and_stream/"):
		s.handleRunJob(w, r, workspace, strings.TrimPrefix(sub, "jobs/run_and_stream/"), true)
	case strings.HasPrefix(sub, "jobs/run/"):
		s.handleRunJob(w, r, workspace, strings.TrimPrefix(sub, "jobs/run/"), false)
	case strings.HasPrefix(sub, "jobs_u/resume/"):
		s.handleResume(w, r, workspace, strings.TrimPrefix(sub, "jobs_u/resume/"))
	case strings.HasPrefix(sub, "jobs_u/cancel/"):
		s.handleCancel(w, r, workspace, strings.TrimPrefix(sub, "jobs_u/cancel/"))
	case strings.HasPrefix(sub, "jobs_u/restart/"):
		s.handleRestart(w, r, workspace, strings.TrimPrefix(sub, "jobs_u/restart/"))
	default:
		writeJSONError(w, http.StatusNotFound, fmt.Errorf("not found"))
	}
}

// handleRunJob implements the webhook run endpoints (spec §6): authenticate,
// authorize against the `jobs:run:scripts:*` scope family, push, and either
// return the job id (Async) or poll to completion (Sync).
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request, workspace, runnablePath string, wait bool) {
	id, ok := s.authenticate(w, r, workspace)
	if !ok {
		return
	}
	if !s.gate.Authorize(id, "jobs:run:scripts:*") {
		writeJSONError(w, http.StatusForbidden, fmt.Errorf("missing scope jobs:run:scripts:*"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	var args models.Args
	if len(body) > 0 {
		if err := json.Unmarshal(body, &args); err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Errorf("invalid args: %w", err))
			return
		}
	}

	job := &models.Job{
		ID:                  uuid.NewString(),
		WorkspaceID:         workspace,
		Kind:                models.JobKindScript,
		RunnablePath:        runnablePath,
		Tag:                 "default",
		PermissionedAs:      id.Username,
		PermissionedAsEmail: id.Email,
		CreatedBy:           id.Username,
		Args:                args,
		VisibleToOwner:      true,
	}
	jobID, err := s.pusher.Push(r.Context(), job)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if !wait {
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `{"job_id":%q}`, jobID)
		return
	}

	completed, err := s.awaitCompletion(r.Context(), jobID)
	if err != nil {
		writeJSONError(w, http.StatusGatewayTimeout, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(completed.Result)
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, workspace string) (*models.Identity, bool) {
	tok := bearerToken(r)
	if tok == "" {
		writeJSONError(w, http.StatusUnauthorized, fmt.Errorf("missing bearer token"))
		return nil, false
	}
	id, err := s.gate.Authenticate(r.Context(), tok, workspace, clientKey(r))
	switch err {
	case nil:
		return id, true
	case auth.ErrBackoff:
		writeJSONError(w, http.StatusTooManyRequests, err)
	default:
		writeJSONError(w, http.StatusUnauthorized, err)
	}
	return nil, false
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func clientKey(r *http.Request) string {
	return r.RemoteAddr
}

// handleResume implements `.../resume/<job_id>/<resume_id>/<signature>`
// (spec §6): the signature is HMAC-SHA256 over (job_id, resume_id,
// approver?, flow_level?) keyed by the workspace's signing secret. There is
// no per-workspace key-management surface in scope, so the process-wide
// Auth.JWTSecret doubles as every workspace's resume-signing key.
//
// A resume_id is consumed at most once (spec §8 "replayed events are
// rejected"). The approver is always parked in the pre-approval queue
// rather than written straight to flow_status: the flow executor's own
// waitForApproval goroutine is the only writer of FlowStatus.Modules[].
// Approvers, draining this queue at the start and end of its wait, so
// resume requests never race that goroutine over the same row. When a wait
// is already live (queue_entries.suspend > 0), this handler additionally
// decrements the counter so a blocked waitForApproval wakes up promptly
// instead of waiting for its next poll tick to notice the drained queue.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request, workspace, rest string) {
	parts := strings.Split(rest, "/")
	if len(parts) < 3 {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("malformed resume path"))
		return
	}
	jobID, resumeID, signature := parts[0], parts[1], parts[2]
	approver := r.URL.Query().Get("approver")
	flowLevel := r.URL.Query().Get("flow_level")

	if !verifyResumeSignature(s.cfg.Auth.JWTSecret, jobID, resumeID, approver, flowLevel, signature) {
		writeJSONError(w, http.StatusForbidden, fmt.Errorf("invalid resume signature"))
		return
	}

	fresh, err := s.flows.ConsumeResume(r.Context(), jobID, resumeID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	if !fresh {
		writeJSONError(w, http.StatusConflict, fmt.Errorf("resume_id %s already consumed", resumeID))
		return
	}

	var stepID *string
	if flowLevel == "" {
		if status, err := s.flows.GetFlowStatus(r.Context(), jobID); err == nil && status != nil {
			if mod := status.CurrentModule(); mod != nil {
				id := mod.ID
				stepID = &id
			}
		}
	}

	if err := s.flows.QueuePreApproval(r.Context(), jobID, stepID, approver, resumeID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}

	if entry, err := s.jobs.GetQueueEntry(r.Context(), jobID); err == nil && entry != nil && entry.Suspend > 0 {
		if err := s.jobs.Suspend(r.Context(), jobID, -1); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"resumed"}`))
}

// handleRestart implements `.../restart/<completed_job_id>/<step_id>` (spec
// §4.5.6 scenario 4): pushes a new JobKindRestartedFlow job that clones the
// source flow's status up to step_id, carrying optional branch/iter query
// params for a restart point nested inside a loop or branch.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request, workspace, rest string) {
	parts := strings.SplitN(strings.TrimSuffix(rest, "/"), "/", 2)
	if len(parts) != 2 {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("malformed restart path"))
		return
	}
	sourceJobID, stepID := parts[0], parts[1]

	id, ok := s.authenticate(w, r, workspace)
	if !ok {
		return
	}
	if !s.gate.Authorize(id, "jobs:run:scripts:*") {
		writeJSONError(w, http.StatusForbidden, fmt.Errorf("missing scope jobs:run:scripts:*"))
		return
	}

	source, err := s.jobs.GetJob(r.Context(), sourceJobID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, fmt.Errorf("source job %s: %w", sourceJobID, err))
		return
	}

	job := &models.Job{
		ID:                  uuid.NewString(),
		WorkspaceID:         workspace,
		Kind:                models.JobKindRestartedFlow,
		RunnablePath:        source.RunnablePath,
		Tag:                 source.Tag,
		PermissionedAs:      id.Username,
		PermissionedAsEmail: id.Email,
		CreatedBy:           id.Username,
		Args:                source.Args,
		VisibleToOwner:      true,
		RestartedFromJobID:  &sourceJobID,
		RestartedFromStepID: &stepID,
	}
	if v := r.URL.Query().Get("branch"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.RestartedFromBranchIndex = &n
		}
	}
	if v := r.URL.Query().Get("iter"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.RestartedFromIterIndex = &n
		}
	}

	jobID, err := s.pusher.Push(r.Context(), job)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = fmt.Fprintf(w, `{"job_id":%q}`, jobID)
}

func verifyResumeSignature(secret, jobID, resumeID, approver, flowLevel, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(jobID))
	mac.Write([]byte(resumeID))
	mac.Write([]byte(approver))
	mac.Write([]byte(flowLevel))
	expected := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, workspace, rest string) {
	jobID := strings.TrimSuffix(rest, "/")
	id, ok := s.authenticate(w, r, workspace)
	if !ok {
		return
	}
	if !s.gate.Authorize(id, "jobs:write") {
		writeJSONError(w, http.StatusForbidden, fmt.Errorf("missing scope jobs:write"))
		return
	}
	reason := r.URL.Query().Get("reason")
	if err := s.jobs.Cancel(r.Context(), jobID, id.Username, reason); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"canceled"}`))
}

func (s *Server) awaitCompletion(ctx context.Context, jobID string) (*models.CompletedJob, error) {
	for {
		completed, err := s.jobs.GetCompleted(ctx, jobID)
		if err == nil && completed != nil {
			return completed, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// handleTriggerRoute implements HTTP-trigger kind routes: `/<workspace>/
// <route_path>` resolving to a runnable via the trigger store, with auth
// dispatched per trigger.Config (spec §6 "HTTP routes", §4.6).
func (s *Server) handleTriggerRoute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/r/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		writeJSONError(w, http.StatusNotFound, fmt.Errorf("not found"))
		return
	}
	workspace, routePath := parts[0], parts[1]

	t, err := s.trigger.GetTrigger(r.Context(), workspace, routePath)
	if err != nil || t == nil || t.Kind != models.TriggerKindHTTP {
		writeJSONError(w, http.StatusNotFound, fmt.Errorf("no such route"))
		return
	}

	result, err := httptrigger.Handle(t, r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, err)
		return
	}
	if result.Challenge != nil {
		w.Header().Set("Content-Type", result.ChallengeContentType)
		_, _ = w.Write(result.Challenge)
		return
	}

	job := &models.Job{
		ID:             uuid.NewString(),
		WorkspaceID:    workspace,
		Kind:           models.JobKindScript,
		RunnablePath:   t.ScriptPath,
		Tag:            "default",
		PermissionedAs: t.Email,
		CreatedBy:      t.EditedBy,
		Args:           result.Args,
		VisibleToOwner: false,
		TriggerKind:    triggerKindPtr(t.Kind),
		Trigger:        &routePath,
	}
	if t.IsFlow {
		job.Kind = models.JobKindFlow
	}
	jobID, err := s.pusher.Push(r.Context(), job)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, `{"job_id":%q}`, jobID)
}

func triggerKindPtr(k models.TriggerKind) *string {
	s := string(k)
	return &s
}
