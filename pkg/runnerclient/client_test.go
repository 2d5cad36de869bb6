package runnerclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStubServer(t *testing.T) *httptest.Server {
	t.Helper()
	var traceSize int64
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v4/runners", func(w http.ResponseWriter, r *http.Request) {
		var req RegisterRunnerRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"docker"}, req.Tags)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(RegisterRunnerResponse{ID: 1, Token: "tok"})
	})
	mux.HandleFunc("POST /api/v4/jobs/request", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token tok" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var req map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("X-CI-Last-Update", "v2")
		if req["last_update"] == "v2" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Job{ID: 42, Name: "rspec"})
	})
	mux.HandleFunc("PUT /api/v4/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "42" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req UpdateJobRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Checksum != "" {
			w.Header().Set("Retry-After", "4")
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("PATCH /api/v4/jobs/{id}/trace", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		if r.Header.Get("Content-Range") != "0-4" && traceSize == 0 {
			w.Header().Set("Range", "0-0")
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		traceSize += int64(len(data))
		w.Header().Set("Range", "0-"+strconv.FormatInt(traceSize, 10))
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientRoundTrip(t *testing.T) {
	srv := newStubServer(t)
	ctx := context.Background()

	reg, err := NewClient(srv.URL, "").RegisterRunner(ctx, RegisterRunnerRequest{Tags: []string{"docker"}})
	require.NoError(t, err)
	assert.Equal(t, "tok", reg.Token)

	c := NewClient(srv.URL+"/", reg.Token)
	job, next, err := c.RequestJob(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.EqualValues(t, 42, job.ID)
	assert.Equal(t, "v2", next)

	job, _, err = c.RequestJob(ctx, next)
	require.NoError(t, err)
	assert.Nil(t, job)

	size, err := c.AppendTrace(ctx, 42, 0, []byte("hello"))
	require.NoError(t, err)
	assert.EqualValues(t, 5, size)

	res, err := c.UpdateJob(ctx, 42, UpdateJobRequest{State: "success", Checksum: "crc32:00000000"})
	require.NoError(t, err)
	assert.True(t, res.Accepted())
	assert.Equal(t, 4*time.Second, res.Backoff)

	res, err = c.UpdateJob(ctx, 42, UpdateJobRequest{State: "success"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	_, err = c.UpdateJob(ctx, 7, UpdateJobRequest{State: "success"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientErrors(t *testing.T) {
	srv := newStubServer(t)
	ctx := context.Background()

	_, _, err := NewClient(srv.URL, "wrong").RequestJob(ctx, "")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = NewClient(srv.URL, "tok").AppendTrace(ctx, 42, 3, []byte("late"))
	var rangeErr *RangeError
	require.True(t, errors.As(err, &rangeErr))
	assert.EqualValues(t, 0, rangeErr.Size)
}
