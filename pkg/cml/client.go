// Package cml is the HTTPS client for the lab service running inside
// each worker appliance. Authentication uses a JWT bearer token obtained
// from the authenticate endpoint; the token is cached and renewed once
// when a request comes back 401.
package cml

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/labfleet/pkg/log"
)

const (
	apiBase        = "/api/v0"
	requestTimeout = 30 * time.Second
)

// ErrUnauthorized is returned when authentication fails even after a
// token renewal
var ErrUnauthorized = errors.New("lab api authentication failed")

// APIError carries a non-2xx HTTP response from the lab service,
// distinguishing it from transport failures
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lab api returned %d: %s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the lab service
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Config holds connection settings for one lab service instance
type Config struct {
	// BaseURL is the https endpoint of the worker, e.g. https://203.0.113.10
	BaseURL   string
	Username  string
	Password  string
	VerifyTLS bool
	Timeout   time.Duration
}

// Client talks to one lab service instance
type Client struct {
	baseURL  string
	username string
	password string
	httpc    *http.Client

	mu    sync.Mutex
	token string
}

// NewClient builds a client for one worker endpoint. TLS verification is
// off unless enabled; appliances ship with self-signed certificates.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = requestTimeout
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		httpc: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: !cfg.VerifyTLS},
			},
		},
	}
}

// SystemInformation is the unauthenticated readiness probe response
type SystemInformation struct {
	Version            string `json:"version"`
	Ready              bool   `json:"ready"`
	OUI                string `json:"oui,omitempty"`
	AllowSSHPubkeyAuth bool   `json:"allow_ssh_pubkey_auth"`
}

// SystemHealth mirrors the system_health response
type SystemHealth struct {
	Valid        bool `json:"valid"`
	IsLicensed   bool `json:"is_licensed"`
	IsEnterprise bool `json:"is_enterprise"`
	Computes     bool `json:"computes"`
	Controller   bool `json:"controller"`
}

// DomInfo carries hypervisor allocation counters for one compute
type DomInfo struct {
	AllocatedCPUs   int   `json:"allocated_cpus"`
	AllocatedMemory int64 `json:"allocated_memory"`
	TotalNodes      int   `json:"total_nodes"`
	RunningNodes    int   `json:"running_nodes"`
}

// ComputeStats is the per-compute block of system_stats
type ComputeStats struct {
	Hostname string `json:"hostname,omitempty"`
	Stats    struct {
		CPU struct {
			Percent float64 `json:"percent"`
		} `json:"cpu"`
		Memory struct {
			Used  int64 `json:"used"`
			Total int64 `json:"total"`
		} `json:"memory"`
		Disk struct {
			Used  int64 `json:"used"`
			Total int64 `json:"total"`
		} `json:"disk"`
		DomInfo DomInfo `json:"dominfo"`
	} `json:"stats"`
}

// SystemStats is the system_stats response
type SystemStats struct {
	Computes map[string]ComputeStats `json:"computes"`
}

// Licensing is the licensing endpoint response
type Licensing struct {
	Registration struct {
		Status string `json:"status"`
	} `json:"registration"`
	Authorization struct {
		Status string `json:"status"`
	} `json:"authorization"`
	ProductLicense string `json:"product_license"`
	Features       []struct {
		Name string `json:"name"`
	} `json:"features"`
	UDI string `json:"udi"`
}

// LabDetails is the per-lab snapshot from GET /labs/{id}
type LabDetails struct {
	ID          string   `json:"id"`
	Title       string   `json:"lab_title"`
	Description string   `json:"lab_description"`
	Notes       string   `json:"lab_notes"`
	State       string   `json:"state"`
	Owner       string   `json:"owner"`
	OwnerName   string   `json:"owner_fullname"`
	NodeCount   int      `json:"node_count"`
	LinkCount   int      `json:"link_count"`
	Groups      []string `json:"groups"`
	Created     string   `json:"created"`
	Modified    string   `json:"modified"`
}

// TelemetryEvent is one entry of the full event history. The endpoint
// has no filtering; callers de-duplicate by id.
type TelemetryEvent struct {
	ID        string         `json:"id"`
	Category  string         `json:"category"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// SystemInfo probes the unauthenticated readiness endpoint
func (c *Client) SystemInfo(ctx context.Context) (*SystemInformation, error) {
	var out SystemInformation
	if err := c.get(ctx, "/system_information", false, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health fetches system_health
func (c *Client) Health(ctx context.Context) (*SystemHealth, error) {
	var out SystemHealth
	if err := c.get(ctx, "/system_health", true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats fetches system_stats
func (c *Client) Stats(ctx context.Context) (*SystemStats, error) {
	var out SystemStats
	if err := c.get(ctx, "/system_stats", true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// License fetches licensing state
func (c *Client) License(ctx context.Context) (*Licensing, error) {
	var out Licensing
	if err := c.get(ctx, "/licensing", true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListLabs returns all lab ids on the worker, including other users' labs
func (c *Client) ListLabs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := c.get(ctx, "/labs?show_all=true", true, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// GetLab fetches details for one lab
func (c *Client) GetLab(ctx context.Context, labID string) (*LabDetails, error) {
	var out LabDetails
	if err := c.get(ctx, "/labs/"+url.PathEscape(labID), true, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		out.ID = labID
	}
	return &out, nil
}

// StartLab starts a lab
func (c *Client) StartLab(ctx context.Context, labID string) error {
	return c.do(ctx, http.MethodPut, "/labs/"+url.PathEscape(labID)+"/start", true, nil, nil)
}

// StopLab stops a lab
func (c *Client) StopLab(ctx context.Context, labID string) error {
	return c.do(ctx, http.MethodPut, "/labs/"+url.PathEscape(labID)+"/stop", true, nil, nil)
}

// WipeLab wipes a stopped lab
func (c *Client) WipeLab(ctx context.Context, labID string) error {
	return c.do(ctx, http.MethodPut, "/labs/"+url.PathEscape(labID)+"/wipe", true, nil, nil)
}

// DeleteLab deletes a lab
func (c *Client) DeleteLab(ctx context.Context, labID string) error {
	return c.do(ctx, http.MethodDelete, "/labs/"+url.PathEscape(labID), true, nil, nil)
}

// DownloadLab fetches the lab topology as YAML text
func (c *Client) DownloadLab(ctx context.Context, labID string) (string, error) {
	body, err := c.raw(ctx, http.MethodGet, "/labs/"+url.PathEscape(labID)+"/download", true, nil)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// ImportLab uploads a YAML topology and returns the new lab id
func (c *Client) ImportLab(ctx context.Context, title, topologyYAML string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	path := "/import?title=" + url.QueryEscape(title)
	if err := c.do(ctx, http.MethodPost, path, true, []byte(topologyYAML), &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// TelemetryEvents returns the full event history
func (c *Client) TelemetryEvents(ctx context.Context) ([]TelemetryEvent, error) {
	var out []TelemetryEvent
	if err := c.get(ctx, "/telemetry/events", true, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, auth bool, out any) error {
	return c.do(ctx, http.MethodGet, path, auth, nil, out)
}

// do performs one API call, renewing the token once on 401
func (c *Client) do(ctx context.Context, method, path string, auth bool, body []byte, out any) error {
	resp, err := c.raw(ctx, method, path, auth, body)
	if err != nil {
		return err
	}
	if out == nil || len(resp) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) raw(ctx context.Context, method, path string, auth bool, body []byte) ([]byte, error) {
	resp, status, err := c.send(ctx, method, path, auth, body)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized && auth {
		// Token expired; renew once and retry
		c.setToken("")
		logger := log.WithComponent("cml")
		logger.Debug().Str("path", path).Msg("Renewing lab api token after 401")
		resp, status, err = c.send(ctx, method, path, auth, body)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return nil, ErrUnauthorized
		}
	}
	if status < 200 || status > 299 {
		return nil, &APIError{StatusCode: status, Body: strings.TrimSpace(string(resp))}
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, method, path string, auth bool, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiBase+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		token, err := c.ensureToken(ctx)
		if err != nil {
			return nil, 0, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("lab api request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read lab api response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// ensureToken returns the cached token, authenticating when empty
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}

	creds, err := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode credentials: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+apiBase+"/authenticate", bytes.NewReader(creds))
	if err != nil {
		return "", fmt.Errorf("failed to build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("lab api auth request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read auth response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	// The endpoint returns the token either as a bare JSON string or as
	// {"token": "..."} depending on version
	var token string
	if err := json.Unmarshal(data, &token); err != nil {
		var obj struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(data, &obj); err != nil || obj.Token == "" {
			return "", fmt.Errorf("failed to decode auth token")
		}
		token = obj.Token
	}
	c.token = token
	return token, nil
}
