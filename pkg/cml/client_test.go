package cml

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.Handler) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(Config{
		BaseURL:  srv.URL,
		Username: "admin",
		Password: "secret",
	})
	return srv, c
}

func authMux(t *testing.T, token string) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0/authenticate", func(w http.ResponseWriter, r *http.Request) {
		var creds map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		if creds["username"] != "admin" || creds["password"] != "secret" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(token)
	})
	return mux
}

func TestSystemInfoNoAuth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0/system_information", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(SystemInformation{Version: "2.7.0", Ready: true})
	})
	_, c := newTestServer(t, mux)

	info, err := c.SystemInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2.7.0", info.Version)
	assert.True(t, info.Ready)
}

func TestAuthenticatedRequestSendsBearer(t *testing.T) {
	mux := authMux(t, "tok-1")
	mux.HandleFunc("/api/v0/system_health", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(SystemHealth{Valid: true, IsLicensed: true})
	})
	_, c := newTestServer(t, mux)

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, h.Valid)
	assert.True(t, h.IsLicensed)
}

func TestTokenRenewedOn401(t *testing.T) {
	var authCalls, apiCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0/authenticate", func(w http.ResponseWriter, r *http.Request) {
		n := authCalls.Add(1)
		if n == 1 {
			_ = json.NewEncoder(w).Encode("stale")
			return
		}
		_ = json.NewEncoder(w).Encode("fresh")
	})
	mux.HandleFunc("/api/v0/licensing", func(w http.ResponseWriter, r *http.Request) {
		apiCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(Licensing{ProductLicense: "CML_Enterprise"})
	})
	_, c := newTestServer(t, mux)

	lic, err := c.License(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "CML_Enterprise", lic.ProductLicense)
	assert.Equal(t, int32(2), authCalls.Load())
	assert.Equal(t, int32(2), apiCalls.Load())
}

func TestAuthFailureAfterRenewal(t *testing.T) {
	mux := authMux(t, "tok")
	mux.HandleFunc("/api/v0/system_health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, c := newTestServer(t, mux)

	_, err := c.Health(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestListLabs(t *testing.T) {
	mux := authMux(t, "tok")
	mux.HandleFunc("/api/v0/labs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("show_all"))
		_ = json.NewEncoder(w).Encode([]string{"lab-1", "lab-2"})
	})
	_, c := newTestServer(t, mux)

	ids, err := c.ListLabs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"lab-1", "lab-2"}, ids)
}

func TestLabControlAndNotFound(t *testing.T) {
	mux := authMux(t, "tok")
	mux.HandleFunc("/api/v0/labs/lab-1/start", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/v0/labs/lab-missing/start", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, c := newTestServer(t, mux)

	require.NoError(t, c.StartLab(context.Background(), "lab-1"))

	err := c.StartLab(context.Background(), "lab-missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestDownloadLabReturnsYAML(t *testing.T) {
	mux := authMux(t, "tok")
	mux.HandleFunc("/api/v0/labs/lab-1/download", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("lab:\n  title: demo\n"))
	})
	_, c := newTestServer(t, mux)

	// Raw YAML body must pass through undecoded
	body, err := c.DownloadLab(context.Background(), "lab-1")
	require.NoError(t, err)
	assert.Contains(t, body, "title: demo")
}

func TestImportLab(t *testing.T) {
	mux := authMux(t, "tok")
	mux.HandleFunc("/api/v0/import", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "demo lab", r.URL.Query().Get("title"))
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "lab-new"})
	})
	_, c := newTestServer(t, mux)

	id, err := c.ImportLab(context.Background(), "demo lab", "lab:\n  title: demo\n")
	require.NoError(t, err)
	assert.Equal(t, "lab-new", id)
}

func TestTelemetryEvents(t *testing.T) {
	mux := authMux(t, "tok")
	mux.HandleFunc("/api/v0/telemetry/events", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]TelemetryEvent{
			{ID: "e1", Category: "lab_state"},
			{ID: "e2", Category: "lab_state"},
		})
	})
	_, c := newTestServer(t, mux)

	events, err := c.TelemetryEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "e1", events[0].ID)
}

func TestObjectTokenShape(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0/authenticate", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "obj-tok"})
	})
	mux.HandleFunc("/api/v0/system_health", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer obj-tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(SystemHealth{Valid: true})
	})
	_, c := newTestServer(t, mux)

	_, err := c.Health(context.Background())
	require.NoError(t, err)
}
