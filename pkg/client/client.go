// Package client is a Go client for the schedd admin API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loykin/schedd"
)

// Config holds client configuration.
type Config struct {
	BaseURL string        // e.g. http://localhost:8222
	Timeout time.Duration // per-request timeout
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8222",
		Timeout: 10 * time.Second,
	}
}

// Client talks to a running schedd daemon over its admin API.
type Client struct {
	baseURL string
	hc      *http.Client
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		baseURL: cfg.BaseURL,
		hc:      &http.Client{Timeout: cfg.Timeout},
	}
}

type apiError struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var ae apiError
		if json.Unmarshal(data, &ae) == nil && ae.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, ae.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

// Healthy reports whether the daemon answers its health endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil) == nil
}

// --- jobs ---

func (c *Client) AddJob(ctx context.Context, spec schedd.JobSpec) error {
	return c.do(ctx, http.MethodPost, "/api/jobs", spec, nil)
}

func (c *Client) Jobs(ctx context.Context) ([]schedd.JobSpec, error) {
	var out []schedd.JobSpec
	err := c.do(ctx, http.MethodGet, "/api/jobs", nil, &out)
	return out, err
}

func (c *Client) RemoveJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/jobs/"+id, nil, nil)
}

func (c *Client) PauseJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/jobs/"+id+"/pause", nil, nil)
}

func (c *Client) ResumeJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/jobs/"+id+"/resume", nil, nil)
}

// RunJob triggers an immediate run and returns the execution ID.
func (c *Client) RunJob(ctx context.Context, id string) (string, error) {
	var out struct {
		ExecutionID string `json:"execution_id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/jobs/"+id+"/run", nil, &out)
	return out.ExecutionID, err
}

func (c *Client) Executions(ctx context.Context, id string, limit int) ([]schedd.Execution, error) {
	path := "/api/jobs/" + id + "/executions"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	var out []schedd.Execution
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// --- processes ---

func (c *Client) AddProcess(ctx context.Context, spec schedd.ProcessSpec) error {
	return c.do(ctx, http.MethodPost, "/api/processes", spec, nil)
}

func (c *Client) Processes(ctx context.Context) ([]schedd.ProcessStatus, error) {
	var out []schedd.ProcessStatus
	err := c.do(ctx, http.MethodGet, "/api/processes", nil, &out)
	return out, err
}

func (c *Client) ProcessStatus(ctx context.Context, id string) (schedd.ProcessStatus, error) {
	var out schedd.ProcessStatus
	err := c.do(ctx, http.MethodGet, "/api/processes/"+id, nil, &out)
	return out, err
}

func (c *Client) StartProcess(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/processes/"+id+"/start", nil, nil)
}

func (c *Client) StopProcess(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/processes/"+id+"/stop", nil, nil)
}

func (c *Client) RestartProcess(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/processes/"+id+"/restart", nil, nil)
}

func (c *Client) RemoveProcess(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/processes/"+id, nil, nil)
}

// --- workflows ---

func (c *Client) AddWorkflow(ctx context.Context, spec schedd.WorkflowSpec) error {
	return c.do(ctx, http.MethodPost, "/api/workflows", spec, nil)
}

func (c *Client) Workflows(ctx context.Context) ([]schedd.WorkflowSpec, error) {
	var out []schedd.WorkflowSpec
	err := c.do(ctx, http.MethodGet, "/api/workflows", nil, &out)
	return out, err
}

func (c *Client) RunWorkflow(ctx context.Context, id string) (schedd.WorkflowResult, error) {
	var out schedd.WorkflowResult
	err := c.do(ctx, http.MethodPost, "/api/workflows/"+id+"/run", nil, &out)
	return out, err
}

func (c *Client) RemoveWorkflow(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/workflows/"+id, nil, nil)
}
