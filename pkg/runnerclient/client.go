// Package runnerclient talks to the CI server the way a runner does.
package runnerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotFound is returned when the job does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrForbidden is returned when the token is invalid or the job is not running on this runner.
	ErrForbidden = errors.New("forbidden")
)

// RangeError reports the server's trace size after a rejected append.
type RangeError struct {
	Size int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("trace range not satisfiable, server has %d bytes", e.Size)
}

// Client polls for jobs and reports their progress.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client authenticating with token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// RegisterRunnerRequest describes a new runner.
type RegisterRunnerRequest struct {
	Token       string   `json:"token,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tag_list,omitempty"`
	Protected   bool     `json:"protected,omitempty"`
	RunnerType  string   `json:"runner_type,omitempty"`
	ProjectIDs  []int64  `json:"project_ids,omitempty"`
}

// RegisterRunnerResponse carries the issued runner token.
type RegisterRunnerResponse struct {
	ID    int64  `json:"id"`
	Token string `json:"token"`
}

// RegisterRunner creates a runner. It does not need a token.
func (c *Client) RegisterRunner(ctx context.Context, req RegisterRunnerRequest) (RegisterRunnerResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return RegisterRunnerResponse{}, errors.Wrap(err, "marshal register request")
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/v4/runners", bytes.NewReader(body), map[string]string{
		"Content-Type": "application/json",
	})
	if err != nil {
		return RegisterRunnerResponse{}, errors.Wrap(err, "register runner")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return RegisterRunnerResponse{}, failure("register runner", resp)
	}
	var out RegisterRunnerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return RegisterRunnerResponse{}, errors.Wrap(err, "decode register response")
	}
	return out, nil
}

// Job is a build handed to the runner.
type Job struct {
	ID           int64    `json:"id"`
	PipelineID   int64    `json:"pipeline_id"`
	ProjectID    int64    `json:"project_id"`
	Name         string   `json:"name"`
	Stage        string   `json:"stage"`
	Tags         []string `json:"tag_list"`
	AllowFailure bool     `json:"allow_failure"`
}

// RequestJob polls for a job. A nil job means nothing was available; the returned
// value is sent as lastUpdate on the next poll.
func (c *Client) RequestJob(ctx context.Context, lastUpdate string) (*Job, string, error) {
	body, err := json.Marshal(map[string]string{"last_update": lastUpdate})
	if err != nil {
		return nil, "", errors.Wrap(err, "marshal job request")
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/v4/jobs/request", bytes.NewReader(body), map[string]string{
		"Content-Type": "application/json",
	})
	if err != nil {
		return nil, "", errors.Wrap(err, "request job")
	}
	defer resp.Body.Close()

	next := resp.Header.Get("X-CI-Last-Update")
	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, next, nil
	case http.StatusCreated:
		var job Job
		if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
			return nil, "", errors.Wrap(err, "decode job")
		}
		return &job, next, nil
	case http.StatusForbidden:
		return nil, "", ErrForbidden
	default:
		return nil, "", failure("request job", resp)
	}
}

// UpdateJobRequest reports a job's state.
type UpdateJobRequest struct {
	State         string  `json:"state"`
	Trace         *string `json:"trace,omitempty"`
	Checksum      string  `json:"checksum,omitempty"`
	FailureReason string  `json:"failure_reason,omitempty"`
}

// UpdateResult is the server's answer to a state update. Accepted updates must be
// retried after Backoff.
type UpdateResult struct {
	StatusCode int
	Backoff    time.Duration
}

// Accepted reports whether the server is still archiving the trace.
func (r UpdateResult) Accepted() bool { return r.StatusCode == http.StatusAccepted }

func (c *Client) UpdateJob(ctx context.Context, jobID int64, req UpdateJobRequest) (UpdateResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return UpdateResult{}, errors.Wrap(err, "marshal update request")
	}
	resp, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/api/v4/jobs/%d", jobID), bytes.NewReader(body), map[string]string{
		"Content-Type": "application/json",
	})
	if err != nil {
		return UpdateResult{}, errors.Wrap(err, "update job")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return UpdateResult{StatusCode: resp.StatusCode}, nil
	case http.StatusAccepted:
		seconds, err := strconv.Atoi(resp.Header.Get("Retry-After"))
		if err != nil {
			seconds = 1
		}
		return UpdateResult{StatusCode: resp.StatusCode, Backoff: time.Duration(seconds) * time.Second}, nil
	case http.StatusNotFound:
		return UpdateResult{}, ErrNotFound
	case http.StatusForbidden:
		return UpdateResult{}, ErrForbidden
	default:
		return UpdateResult{}, failure("update job", resp)
	}
}

// AppendTrace sends data starting at offset and returns the new trace size.
func (c *Client) AppendTrace(ctx context.Context, jobID, offset int64, data []byte) (int64, error) {
	if len(data) == 0 {
		return offset, nil
	}
	resp, err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/api/v4/jobs/%d/trace", jobID), bytes.NewReader(data), map[string]string{
		"Content-Type":  "text/plain",
		"Content-Range": fmt.Sprintf("%d-%d", offset, offset+int64(len(data))-1),
	})
	if err != nil {
		return 0, errors.Wrap(err, "append trace")
	}
	defer resp.Body.Close()

	size, sizeErr := parseRange(resp.Header.Get("Range"))
	switch resp.StatusCode {
	case http.StatusAccepted:
		if sizeErr != nil {
			return 0, sizeErr
		}
		return size, nil
	case http.StatusRequestedRangeNotSatisfiable:
		if sizeErr != nil {
			return 0, sizeErr
		}
		return 0, &RangeError{Size: size}
	case http.StatusNotFound:
		return 0, ErrNotFound
	case http.StatusForbidden:
		return 0, ErrForbidden
	default:
		return 0, failure("append trace", resp)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.httpClient.Do(req)
}

// parseRange reads the end of "0-<size>".
func parseRange(header string) (int64, error) {
	_, end, ok := strings.Cut(header, "-")
	if !ok {
		return 0, errors.Newf("invalid Range header %q", header)
	}
	size, err := strconv.ParseInt(end, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid Range header %q", header)
	}
	return size, nil
}

func failure(op string, resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return errors.Newf("%s failed with %d: %s", op, resp.StatusCode, strings.TrimSpace(string(payload)))
}
