package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"github.com/vyvo/ci/backend/pkg/ci"
	"github.com/vyvo/ci/backend/pkg/pipelinedef"
	"github.com/vyvo/ci/backend/pkg/store"
)

const maxDefinitionSize = 1 << 20

func (s *Server) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	projectID, err := strconv.ParseInt(query.Get("project_id"), 10, 64)
	if err != nil || projectID <= 0 {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	protected := false
	if raw := query.Get("protected"); raw != "" {
		if protected, err = strconv.ParseBool(raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid protected flag")
			return
		}
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxDefinitionSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	def, err := pipelinedef.Parse(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pipeline, err := s.svc.SubmitPipeline(r.Context(), &ci.Pipeline{
		ProjectID: projectID,
		Ref:       query.Get("ref"),
		Protected: protected,
		Status:    ci.StatusCreated,
	}, def)
	if err != nil {
		writeInternal(w, r, err)
		return
	}

	resp, err := s.pipelineResponse(r, pipeline.ID)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pipeline id")
		return
	}
	resp, err := s.pipelineResponse(r, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "pipeline not found")
		return
	}
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) pipelineResponse(r *http.Request, id int64) (PipelineResponse, error) {
	pipeline, err := s.svc.Repo.GetPipeline(r.Context(), id)
	if err != nil {
		return PipelineResponse{}, err
	}
	builds, err := s.svc.Repo.ListPipelineBuilds(r.Context(), id)
	if err != nil {
		return PipelineResponse{}, err
	}
	return PipelineResponse{Pipeline: pipeline, Builds: builds}, nil
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.Repo.ListQueueEntries(r.Context())
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	if entries == nil {
		entries = []ci.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, queueResponse{Entries: entries, Total: len(entries)})
}
