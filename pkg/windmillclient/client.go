// Package windmillclient is a thin Go client for the windmill-core HTTP
// surface: push, run-and-wait, resume, cancel (spec §6). It mirrors the
// teacher's pkg/models re-export pattern in spirit (a minimal public
// package external callers depend on) rather than duplicating it
// literally, since here the public surface is a client, not a model set.
//
// Built on net/http directly: no REST client library appears anywhere in
// the example pack except github.com/google/go-github, which is scoped to
// GitHub's own API shape and not a general-purpose HTTP client.
package windmillclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client talks to a windmill-core server's push/resume/cancel endpoints.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New builds a Client against baseURL (e.g. "http://localhost:8080"),
// authenticating every request with token as a bearer credential.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// RunAsync pushes runnablePath with args and returns immediately with the
// new job's id (spec §6 "jobs/run/...").
func (c *Client) RunAsync(ctx context.Context, workspace, runnablePath string, args map[string]any) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/w/%s/jobs/run/%s", url.PathEscape(workspace), runnablePath), args)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode run response: %w", err)
	}
	return out.JobID, nil
}

// RunAndWait pushes runnablePath and blocks until the result is available,
// returning the raw result payload (spec §6 "run_wait_result").
func (c *Client) RunAndWait(ctx context.Context, workspace, runnablePath string, args map[string]any) (json.RawMessage, error) {
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/w/%s/jobs/run_wait_result/%s", url.PathEscape(workspace), runnablePath), args)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read run_wait_result body: %w", err)
	}
	return body, nil
}

// Resume submits a signed resume token for a suspended flow step (spec §6
// "resume/<job_id>/<resume_id>/<signature>").
func (c *Client) Resume(ctx context.Context, workspace, jobID, resumeID, signature string) error {
	path := fmt.Sprintf("/api/w/%s/jobs_u/resume/%s/%s/%s", url.PathEscape(workspace), jobID, resumeID, signature)
	resp, err := c.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// Cancel cancels a running or queued job with reason.
func (c *Client) Cancel(ctx context.Context, workspace, jobID, reason string) error {
	path := fmt.Sprintf("/api/w/%s/jobs_u/cancel/%s?reason=%s", url.PathEscape(workspace), jobID, url.QueryEscape(reason))
	resp, err := c.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(body))
	}
	return resp, nil
}
