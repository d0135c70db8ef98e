// Package health is the local HTTP surface: liveness, readiness, prometheus
// metrics, and a JSON status page. It sees the agent only through read-only
// snapshot providers.
package health

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/parikshan-ai/edge-agent/internal/queue"
	"github.com/parikshan-ai/edge-agent/internal/stream"
)

// StatusInfo is the static identity part of /status.
type StatusInfo struct {
	AgentID string
	BootID  string
	Version string
}

// Server hosts the surface on one listener.
type Server struct {
	info      StatusInfo
	collector *Collector
	queue     QueueStatsProvider
	streams   StreamStatsProvider
	totalCams func() int

	ready atomic.Bool
	srv   *http.Server
}

// NewServer wires the routes. totalCameras reports the configured camera
// count including disabled ones.
func NewServer(addr string, info StatusInfo, q QueueStatsProvider, s StreamStatsProvider, totalCameras func() int) *Server {
	h := &Server{
		info:      info,
		collector: NewCollector(q, s),
		queue:     q,
		streams:   s,
		totalCams: totalCameras,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(10 * time.Second))

	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
	r.Get("/status", h.handleStatus)
	r.Handle("/metrics", h.collector.Handler())

	h.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return h
}

// Start serves in the background and runs the metrics refresh loop until
// ctx is done.
func (h *Server) Start(ctx context.Context) {
	go h.collector.Start(ctx)
	go func() {
		log.Printf("[Health] Listening on %s", h.srv.Addr)
		if err := h.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[ERROR] Health: server: %v", err)
		}
	}()
}

// Stop drains in-flight requests.
func (h *Server) Stop(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[ERROR] Health: shutdown: %v", err)
	}
}

// MarkReady flips /ready to 200. Called once boot completes.
func (h *Server) MarkReady() {
	h.ready.Store(true)
}

func (h *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	Status  string         `json:"status"`
	Version string         `json:"version"`
	AgentID string         `json:"agentId"`
	BootID  string         `json:"bootId"`
	Queue   queue.Stats    `json:"queue"`
	Cameras camerasSection `json:"cameras"`
}

type camerasSection struct {
	Active  int            `json:"active"`
	Total   int            `json:"total"`
	Streams []stream.Stats `json:"streams"`
}

func (h *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	qs, err := h.queue.GetStats()
	if err != nil {
		log.Printf("[ERROR] Health: queue stats: %v", err)
	}

	status := "running"
	if !h.ready.Load() {
		status = "starting"
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Status:  status,
		Version: h.info.Version,
		AgentID: h.info.AgentID,
		BootID:  h.info.BootID,
		Queue:   qs,
		Cameras: camerasSection{
			Active:  h.streams.ActiveCameraCount(),
			Total:   h.totalCams(),
			Streams: h.streams.StatsSnapshot(),
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
