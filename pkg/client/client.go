// Package client is the HTTP client for the labfleet API, used by the
// CLI and by other services that talk to a running fleet manager.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cuemby/labfleet/pkg/command"
	"github.com/cuemby/labfleet/pkg/query"
	"github.com/cuemby/labfleet/pkg/types"
)

const defaultTimeout = 30 * time.Second

// APIError carries a non-2xx response envelope
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Detail)
}

// Client talks to one fleet manager instance
type Client struct {
	baseURL string
	actor   string
	http    *http.Client
}

// New creates a client for the manager at baseURL. actor is recorded on
// every mutating request; empty falls back to the server default.
func New(baseURL, actor string) *Client {
	return &Client{
		baseURL: baseURL,
		actor:   actor,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// ListWorkers returns the non-terminated workers in a region, optionally
// narrowed to one status
func (c *Client) ListWorkers(ctx context.Context, region, status string) ([]*query.WorkerView, error) {
	q := url.Values{"region": {region}}
	if status != "" {
		q.Set("status", status)
	}
	var out []*query.WorkerView
	if err := c.do(ctx, http.MethodGet, "/api/v1/workers?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetWorker looks a worker up by id or cloud instance id
func (c *Client) GetWorker(ctx context.Context, id string) (*query.WorkerView, error) {
	var out query.WorkerView
	if err := c.do(ctx, http.MethodGet, "/api/v1/workers/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateWorkerRequest names a new worker to provision
type CreateWorkerRequest struct {
	Name         string `json:"name"`
	Region       string `json:"region"`
	InstanceType string `json:"instance_type,omitempty"`
	ImageID      string `json:"image_id,omitempty"`
}

// CreateWorker provisions a fresh worker
func (c *Client) CreateWorker(ctx context.Context, req CreateWorkerRequest) (*types.Worker, error) {
	var out types.Worker
	if err := c.do(ctx, http.MethodPost, "/api/v1/workers", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ImportWorkerRequest locates an existing instance to adopt
type ImportWorkerRequest struct {
	Region     string `json:"region"`
	InstanceID string `json:"instance_id,omitempty"`
	ImageID    string `json:"image_id,omitempty"`
	ImageName  string `json:"image_name,omitempty"`
	Name       string `json:"name,omitempty"`
}

// ImportWorker adopts one existing cloud instance
func (c *Client) ImportWorker(ctx context.Context, req ImportWorkerRequest) (*types.Worker, error) {
	var out types.Worker
	if err := c.do(ctx, http.MethodPost, "/api/v1/workers/import", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BulkImportWorkers imports every matching unregistered instance
func (c *Client) BulkImportWorkers(ctx context.Context, region, imageID, imageName string) (*command.BulkImportResult, error) {
	req := map[string]string{"region": region, "image_id": imageID, "image_name": imageName}
	var out command.BulkImportResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/workers/bulk-import", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartWorker starts a stopped worker
func (c *Client) StartWorker(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/workers/"+url.PathEscape(id)+"/start", struct{}{}, nil)
}

// StopWorker stops a running worker
func (c *Client) StopWorker(ctx context.Context, id, reason string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/workers/"+url.PathEscape(id)+"/stop",
		map[string]string{"reason": reason}, nil)
}

// TerminateWorker terminates the instance and marks the worker terminated
func (c *Client) TerminateWorker(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/workers/"+url.PathEscape(id)+"/terminate", struct{}{}, nil)
}

// DeleteWorker removes the worker record, optionally terminating the
// instance first
func (c *Client) DeleteWorker(ctx context.Context, id string, terminate bool) error {
	path := "/api/v1/workers/" + url.PathEscape(id) + "?terminate=" + strconv.FormatBool(terminate)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// RequestRefresh asks for an on-demand data refresh and returns the
// scheduling decision
func (c *Client) RequestRefresh(ctx context.Context, id string) (*command.RefreshDecision, error) {
	var out command.RefreshDecision
	if err := c.do(ctx, http.MethodPost, "/api/v1/workers/"+url.PathEscape(id)+"/refresh", struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetIdleDetection toggles auto-pause for a worker
func (c *Client) SetIdleDetection(ctx context.Context, id string, enabled bool) error {
	return c.do(ctx, http.MethodPut, "/api/v1/workers/"+url.PathEscape(id)+"/idle-detection",
		map[string]bool{"enabled": enabled}, nil)
}

// ListLabs returns the cached lab records for a worker
func (c *Client) ListLabs(ctx context.Context, workerID string) ([]*types.LabRecord, error) {
	var out []*types.LabRecord
	if err := c.do(ctx, http.MethodGet, "/api/v1/workers/"+url.PathEscape(workerID)+"/labs", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ControlLab applies a start/stop/wipe action to a lab
func (c *Client) ControlLab(ctx context.Context, workerID, labID, action string) error {
	path := fmt.Sprintf("/api/v1/workers/%s/labs/%s/%s",
		url.PathEscape(workerID), url.PathEscape(labID), url.PathEscape(action))
	return c.do(ctx, http.MethodPost, path, struct{}{}, nil)
}

// GetSettings fetches the effective system settings
func (c *Client) GetSettings(ctx context.Context) (*types.SystemSettings, error) {
	var out types.SystemSettings
	if err := c.do(ctx, http.MethodGet, "/api/v1/settings", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateSettings replaces the system settings document
func (c *Client) UpdateSettings(ctx context.Context, settings *types.SystemSettings) error {
	return c.do(ctx, http.MethodPut, "/api/v1/settings", settings, nil)
}

// do performs one request and unmarshals the envelope's data into out
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor != "" {
		req.Header.Set("X-Actor", c.actor)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		StatusCode int             `json:"status_code"`
		Data       json.RawMessage `json:"data"`
		Detail     string          `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Detail: envelope.Detail}
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}
