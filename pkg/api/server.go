package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/labfleet/pkg/log"
	"github.com/cuemby/labfleet/pkg/manager"
	"github.com/cuemby/labfleet/pkg/metrics"
	"github.com/cuemby/labfleet/pkg/types"
)

// defaultActor is recorded when a request names no actor
const defaultActor = "api"

// Server exposes the fleet manager over HTTP/JSON
type Server struct {
	manager *manager.Manager
	logger  zerolog.Logger
	http    *http.Server
}

// NewServer creates the API server bound to a running manager
func NewServer(mgr *manager.Manager) *Server {
	s := &Server{
		manager: mgr,
		logger:  log.WithComponent("api"),
	}
	return s
}

// Start begins serving on addr; it blocks until the listener fails or
// Stop is called
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("API listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down
func (s *Server) Stop() {
	if s.http == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.http.Shutdown(ctx)
}

// Handler builds the route table. Exposed so tests can drive the server
// without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/workers", s.listWorkers)
	mux.HandleFunc("POST /api/v1/workers", s.createWorker)
	mux.HandleFunc("POST /api/v1/workers/import", s.importWorker)
	mux.HandleFunc("POST /api/v1/workers/bulk-import", s.bulkImportWorkers)
	mux.HandleFunc("GET /api/v1/workers/{id}", s.getWorker)
	mux.HandleFunc("DELETE /api/v1/workers/{id}", s.deleteWorker)
	mux.HandleFunc("POST /api/v1/workers/{id}/start", s.startWorker)
	mux.HandleFunc("POST /api/v1/workers/{id}/stop", s.stopWorker)
	mux.HandleFunc("POST /api/v1/workers/{id}/terminate", s.terminateWorker)
	mux.HandleFunc("POST /api/v1/workers/{id}/refresh", s.requestRefresh)
	mux.HandleFunc("PUT /api/v1/workers/{id}/idle-detection", s.setIdleDetection)

	mux.HandleFunc("GET /api/v1/workers/{id}/labs", s.listLabs)
	mux.HandleFunc("POST /api/v1/workers/{id}/labs", s.importLab)
	mux.HandleFunc("POST /api/v1/workers/{id}/labs/{labID}/{action}", s.controlLab)
	mux.HandleFunc("DELETE /api/v1/workers/{id}/labs/{labID}", s.deleteLab)
	mux.HandleFunc("GET /api/v1/workers/{id}/labs/{labID}/download", s.downloadLab)

	mux.HandleFunc("GET /api/v1/settings", s.getSettings)
	mux.HandleFunc("PUT /api/v1/settings", s.updateSettings)

	mux.HandleFunc("GET /api/v1/events", s.streamEvents)

	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /health", metrics.HealthHandler())
	mux.HandleFunc("GET /ready", metrics.ReadyHandler())
	mux.HandleFunc("GET /livez", metrics.LivenessHandler())

	return RequestLogger(s.logger)(mux)
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	region := r.URL.Query().Get("region")
	var status *types.WorkerStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := types.WorkerStatus(raw)
		status = &st
	}
	writeResult(w, s.manager.Queries().GetCMLWorkersByRegion(region, status))
}

func (s *Server) getWorker(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.manager.Queries().GetCMLWorkerByID(r.PathValue("id")))
}

func (s *Server) createWorker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string `json:"name"`
		Region       string `json:"region"`
		InstanceType string `json:"instance_type"`
		ImageID      string `json:"image_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	writeResult(w, s.manager.Commands().CreateWorker(r.Context(),
		req.Name, req.Region, req.InstanceType, req.ImageID, actor(r)))
}

func (s *Server) importWorker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Region     string `json:"region"`
		InstanceID string `json:"instance_id"`
		ImageID    string `json:"image_id"`
		ImageName  string `json:"image_name"`
		Name       string `json:"name"`
	}
	if !decode(w, r, &req) {
		return
	}
	writeResult(w, s.manager.Commands().ImportWorker(r.Context(),
		req.Region, req.InstanceID, req.ImageID, req.ImageName, req.Name, actor(r)))
}

func (s *Server) bulkImportWorkers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Region    string `json:"region"`
		ImageID   string `json:"image_id"`
		ImageName string `json:"image_name"`
	}
	if !decode(w, r, &req) {
		return
	}
	writeResult(w, s.manager.Commands().BulkImportWorkers(r.Context(),
		req.Region, req.ImageID, req.ImageName, actor(r)))
}

func (s *Server) startWorker(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.manager.Commands().StartWorker(r.Context(), r.PathValue("id"), actor(r), false))
}

func (s *Server) stopWorker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	// An empty body is a plain manual stop
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "manual"
	}
	writeResult(w, s.manager.Commands().StopWorker(r.Context(), r.PathValue("id"), req.Reason, actor(r), false))
}

func (s *Server) terminateWorker(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.manager.Commands().TerminateWorker(r.Context(), r.PathValue("id"), actor(r)))
}

func (s *Server) deleteWorker(w http.ResponseWriter, r *http.Request) {
	terminate, _ := strconv.ParseBool(r.URL.Query().Get("terminate"))
	writeResult(w, s.manager.Commands().DeleteWorker(r.Context(), r.PathValue("id"), terminate, actor(r)))
}

func (s *Server) requestRefresh(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.manager.Commands().RequestWorkerDataRefresh(r.Context(), r.PathValue("id"), actor(r)))
}

func (s *Server) setIdleDetection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Enabled {
		writeResult(w, s.manager.Commands().EnableIdleDetection(r.Context(), r.PathValue("id")))
		return
	}
	writeResult(w, s.manager.Commands().DisableIdleDetection(r.Context(), r.PathValue("id")))
}

func (s *Server) listLabs(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.manager.Queries().GetWorkerLabs(r.PathValue("id")))
}

func (s *Server) controlLab(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.manager.Commands().ControlLab(r.Context(),
		r.PathValue("id"), r.PathValue("labID"), r.PathValue("action"), actor(r)))
}

func (s *Server) importLab(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title    string `json:"title"`
		Topology string `json:"topology"`
	}
	if !decode(w, r, &req) {
		return
	}
	writeResult(w, s.manager.Commands().ImportLab(r.Context(), r.PathValue("id"), req.Title, req.Topology))
}

func (s *Server) deleteLab(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.manager.Commands().DeleteLab(r.Context(), r.PathValue("id"), r.PathValue("labID")))
}

func (s *Server) downloadLab(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.manager.Commands().DownloadLab(r.Context(), r.PathValue("id"), r.PathValue("labID")))
}

func (s *Server) getSettings(w http.ResponseWriter, _ *http.Request) {
	writeResult(w, s.manager.Queries().GetSystemSettings())
}

func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	var settings types.SystemSettings
	if !decode(w, r, &settings) {
		return
	}
	writeResult(w, s.manager.Commands().UpdateSystemSettings(r.Context(), &settings))
}

// actor resolves who initiated the request
func actor(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return defaultActor
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeResult(w, types.BadRequest(fmt.Sprintf("invalid request body: %v", err)))
		return false
	}
	return true
}

func writeResult(w http.ResponseWriter, res types.OperationResult) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.StatusCode)
	_ = json.NewEncoder(w).Encode(res)
}
