package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/labfleet/pkg/config"
	"github.com/cuemby/labfleet/pkg/manager"
	"github.com/cuemby/labfleet/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *manager.Manager) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.DataDir = t.TempDir()

	mgr, err := manager.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Stop() })

	return NewServer(mgr), mgr
}

func doJSON(t *testing.T, h http.Handler, method, path string, body string) (*httptest.ResponseRecorder, types.OperationResult) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var res types.OperationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res), rec.Body.String())
	return rec, res
}

func TestListWorkersEmpty(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec, res := doJSON(t, h, http.MethodGet, "/api/v1/workers?region=us-east-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	workers, ok := res.Data.([]any)
	require.True(t, ok, "data should be a list")
	assert.Empty(t, workers)
}

func TestListWorkersRequiresRegion(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec, res := doJSON(t, h, http.MethodGet, "/api/v1/workers", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "region is required", res.Detail)
}

func TestGetWorkerNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec, res := doJSON(t, h, http.MethodGet, "/api/v1/workers/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.NotEmpty(t, res.Detail)
}

func TestCreateWorkerRejectsBadBody(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec, res := doJSON(t, h, http.MethodPost, "/api/v1/workers", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, res.Detail, "invalid request body")
}

func TestSettingsRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	body := `{
		"worker_provisioning": {"default_region": "eu-west-1", "default_instance_type": "c5.4xlarge"},
		"monitoring": {"fleet_refresh_interval_seconds": 120, "change_threshold_percent": 10},
		"idle_detection": {"idle_threshold_minutes": 30}
	}`
	rec, _ := doJSON(t, h, http.MethodPut, "/api/v1/settings", body)
	require.Equal(t, http.StatusOK, rec.Code)

	_, res := doJSON(t, h, http.MethodGet, "/api/v1/settings", "")
	require.Equal(t, http.StatusOK, res.StatusCode)

	raw, err := json.Marshal(res.Data)
	require.NoError(t, err)
	var settings types.SystemSettings
	require.NoError(t, json.Unmarshal(raw, &settings))
	assert.Equal(t, "eu-west-1", settings.WorkerProvisioning.DefaultRegion)
	assert.Equal(t, 120, settings.Monitoring.FleetRefreshIntervalSeconds)
}

func TestSettingsRejectNegativeThreshold(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec, _ := doJSON(t, h, http.MethodPut, "/api/v1/settings",
		`{"monitoring": {"change_threshold_percent": -1}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamEventsDeliversSSE(t *testing.T) {
	srv, mgr := newTestServer(t)
	require.NoError(t, mgr.Start(context.Background()))

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events?type=worker.paused", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Publish until the stream handler has picked up the subscription
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mgr.Relay().Publish(ctx, &types.Event{
					Type: "worker.paused",
					Data: map[string]any{"worker_id": "w1"},
				})
			case <-ctx.Done():
				return
			}
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event types.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
		assert.Equal(t, "worker.paused", event.Type)
		assert.Equal(t, "w1", event.WorkerID())
		return
	}
	t.Fatalf("no event received: %v", scanner.Err())
}

func TestReadOnlyBlocksWrites(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := ReadOnly(next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/workers", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/workers", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
