package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"github.com/vyvo/ci/backend/pkg/auth"
	"github.com/vyvo/ci/backend/pkg/buildstate"
	"github.com/vyvo/ci/backend/pkg/ci"
	"github.com/vyvo/ci/backend/pkg/store"
	"github.com/vyvo/ci/backend/pkg/trace"
)

// LastUpdateHeader carries the runner queue value between polls.
const LastUpdateHeader = "X-CI-Last-Update"

// JobStatusHeader reports the build status after a trace patch.
const JobStatusHeader = "Job-Status"

func (s *Server) handleRegisterRunner(w http.ResponseWriter, r *http.Request) {
	var req registerRunnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid runner payload")
		return
	}
	switch req.RunnerType {
	case "", ci.RunnerInstance, ci.RunnerGroup, ci.RunnerProject:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown runner_type %q", req.RunnerType))
		return
	}
	if req.RunnerType != "" && req.RunnerType != ci.RunnerInstance && len(req.ProjectIDs) == 0 {
		writeError(w, http.StatusBadRequest, "project_ids are required for scoped runners")
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	runner, err := s.svc.Repo.CreateRunner(r.Context(), &ci.Runner{
		Token:       req.Token,
		Description: req.Description,
		RunnerType:  req.RunnerType,
		ProjectIDs:  req.ProjectIDs,
		Tags:        req.Tags,
		Protected:   req.Protected,
		Active:      active,
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		writeError(w, http.StatusConflict, "runner token already registered")
		return
	}
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerRunnerResponse{ID: runner.ID, Token: runner.Token})
}

// authenticateRunner resolves the request's runner token. It writes the error response
// and returns nil when the runner is unknown.
func (s *Server) authenticateRunner(w http.ResponseWriter, r *http.Request) *ci.Runner {
	token, err := auth.ExtractToken(r)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return nil
	}
	runner, err := s.svc.Repo.GetRunnerByToken(r.Context(), token)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusForbidden, "invalid runner token")
		return nil
	}
	if err != nil {
		writeInternal(w, r, err)
		return nil
	}
	if !runner.Active {
		writeError(w, http.StatusForbidden, "runner is paused")
		return nil
	}
	return runner
}

// runnerJob loads the build addressed by {id} and checks it is running on runner.
func (s *Server) runnerJob(w http.ResponseWriter, r *http.Request, runner *ci.Runner) *ci.Build {
	build := s.loadBuild(w, r)
	if build == nil {
		return nil
	}
	if build.RunnerID == nil || *build.RunnerID != runner.ID {
		writeError(w, http.StatusForbidden, "job is assigned to another runner")
		return nil
	}
	if build.Status != ci.StatusRunning {
		w.Header().Set(JobStatusHeader, string(build.Status))
		writeError(w, http.StatusForbidden, "Job is not running")
		return nil
	}
	return build
}

func (s *Server) loadBuild(w http.ResponseWriter, r *http.Request) *ci.Build {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return nil
	}
	build, err := s.svc.Repo.GetBuild(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return nil
	}
	if err != nil {
		writeInternal(w, r, err)
		return nil
	}
	return build
}

func (s *Server) handleJobRequest(w http.ResponseWriter, r *http.Request) {
	runner := s.authenticateRunner(w, r)
	if runner == nil {
		return
	}
	var req jobRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request payload")
			return
		}
	}

	res, err := s.svc.Requests.Request(r.Context(), runner, req.LastUpdate)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	if res.LastUpdate != "" {
		w.Header().Set(LastUpdateHeader, res.LastUpdate)
	}
	if res.Build == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusCreated, newJobPayload(res.Build))
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	runner := s.authenticateRunner(w, r)
	if runner == nil {
		return
	}
	build := s.runnerJob(w, r, runner)
	if build == nil {
		return
	}
	var req updateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid job update payload")
		return
	}

	params := buildstate.Params{
		State:         req.State,
		Checksum:      req.Checksum,
		FailureReason: req.FailureReason,
	}
	if req.Trace != nil {
		data := []byte(*req.Trace)
		params.Trace = &data
	}

	res, err := s.svc.BuildStates.Execute(r.Context(), build, params)
	if errors.Is(err, ci.ErrInvalidTransition) {
		writeError(w, http.StatusForbidden, "Job is not running")
		return
	}
	if err != nil {
		writeInternal(w, r, err)
		return
	}

	body := UpdateJobResponse{Status: strings.ToLower(http.StatusText(res.Status))}
	if res.Status == http.StatusAccepted {
		seconds := int(res.Backoff.Seconds())
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		body.Backoff = seconds
	}
	writeJSON(w, res.Status, body)
}

func (s *Server) handleAppendTrace(w http.ResponseWriter, r *http.Request) {
	runner := s.authenticateRunner(w, r)
	if runner == nil {
		return
	}
	build := s.runnerJob(w, r, runner)
	if build == nil {
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	offset, err := s.svc.Traces.Size(r.Context(), build.ID)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	if header := r.Header.Get("Content-Range"); header != "" {
		start, ok := parseContentRange(header)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid Content-Range")
			return
		}
		offset = start
	}

	size, err := s.svc.Traces.Append(r.Context(), build.ID, offset, data)
	if errors.Is(err, trace.ErrRangeNotSatisfiable) {
		w.Header().Set("Range", fmt.Sprintf("0-%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	w.Header().Set("Range", fmt.Sprintf("0-%d", size))
	w.Header().Set(JobStatusHeader, string(build.Status))
	w.WriteHeader(http.StatusAccepted)
}

// parseContentRange reads the start of "<start>-<end>".
func parseContentRange(header string) (int64, bool) {
	startRaw, endRaw, ok := strings.Cut(strings.TrimSpace(header), "-")
	if !ok {
		return 0, false
	}
	start, err := strconv.ParseInt(startRaw, 10, 64)
	if err != nil || start < 0 {
		return 0, false
	}
	end, err := strconv.ParseInt(endRaw, 10, 64)
	if err != nil || end < start {
		return 0, false
	}
	return start, true
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, s.svc.Cancel.Execute)
}

func (s *Server) handleUnschedule(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, s.svc.Unschedule.Execute)
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, s.svc.Play.Execute)
}

func (s *Server) runAction(w http.ResponseWriter, r *http.Request, execute func(ctx context.Context, id int64) (ci.Response, error)) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	res, err := execute(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, res.HTTPStatus, res)
}
