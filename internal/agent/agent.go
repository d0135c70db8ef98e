// Package agent is the orchestrator: it boots the queue, cloud session,
// health surface and stream supervisor, then runs the periodic drain,
// heartbeat, config refresh and cleanup loops until shutdown.
package agent

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/parikshan-ai/edge-agent/internal/bus"
	"github.com/parikshan-ai/edge-agent/internal/capture"
	"github.com/parikshan-ai/edge-agent/internal/cloud"
	"github.com/parikshan-ai/edge-agent/internal/config"
	"github.com/parikshan-ai/edge-agent/internal/detect"
	"github.com/parikshan-ai/edge-agent/internal/health"
	"github.com/parikshan-ai/edge-agent/internal/queue"
	"github.com/parikshan-ai/edge-agent/internal/stream"
)

const (
	cleanupInterval  = 24 * time.Hour
	cleanupRetention = 7 // days

	dedupKeys   = 10_000
	dedupWindow = 60 * time.Second
)

// eventStore is the durable queue as the orchestrator uses it.
type eventStore interface {
	Enqueue(queue.Event) (int64, error)
	GetPending(int) ([]queue.Event, error)
	MarkProcessed([]int64) error
	MarkFailed([]int64) error
	GetStats() (queue.Stats, error)
	CleanupOld(int) (int64, error)
	Flush() error
}

// cloudAPI is the control-plane session as the orchestrator uses it.
type cloudAPI interface {
	GetConfig(context.Context) (*config.Document, error)
	SubmitEvents(context.Context, []queue.Event) (cloud.SubmitResult, error)
	SendHeartbeat(context.Context, cloud.Metrics) error
}

// Agent ties the modules together. It owns no goroutines itself; loops run
// under the caller's context.
type Agent struct {
	cfg    *config.Config
	store  eventStore
	cloud  cloudAPI
	sup    *stream.Supervisor
	mirror *bus.Publisher
	dedup  *detectionDedup
	bootID string
}

func newAgent(cfg *config.Config, store eventStore, api cloudAPI, mirror *bus.Publisher) *Agent {
	return &Agent{
		cfg:    cfg,
		store:  store,
		cloud:  api,
		mirror: mirror,
		dedup:  newDetectionDedup(dedupKeys, dedupWindow),
		bootID: uuid.NewString(),
	}
}

// Run boots the agent and blocks until ctx is cancelled. Boot is fail-fast:
// a queue or login error aborts startup. A failed initial config fetch is
// tolerated; the agent runs on its local configuration until the refresh
// loop succeeds.
func Run(ctx context.Context, cfg *config.Config, configPath string) error {
	q, err := queue.Open(cfg.QueueDBPath)
	if err != nil {
		return fmt.Errorf("open event queue: %w", err)
	}
	defer q.Close()

	client := cloud.NewClient(cfg.APIURL, cfg.AgentID, cfg.AgentSecret, cfg.SchoolCode)
	if err := client.Login(ctx); err != nil {
		return fmt.Errorf("initial login: %w", err)
	}

	if doc, err := client.GetConfig(ctx); err != nil {
		log.Printf("[Agent] Initial config fetch failed, using local configuration: %v", err)
	} else {
		cfg.UpdateFromCloud(doc)
	}

	mirror, err := bus.Connect(os.Getenv("NATS_URL"), cfg.AgentID)
	if err != nil {
		log.Printf("[Agent] Event mirror disabled: %v", err)
		mirror = nil
	}
	defer mirror.Close()

	a := newAgent(cfg, q, client, mirror)

	backends := detect.Backends{
		Face:   detect.NewONNXFaceBackend(),
		Person: detect.NewONNXPersonBackend(),
	}
	a.sup = stream.NewSupervisor(cfg, capture.DefaultDialer(), backends, a.handleDetection)

	healthSrv := health.NewServer(
		getEnv("HEALTH_ADDR", ":8080"),
		health.StatusInfo{AgentID: cfg.AgentID, BootID: a.bootID, Version: config.Version},
		q, a.sup,
		func() int { cams, _, _ := cfg.Snapshot(); return len(cams) },
	)
	healthSrv.Start(ctx)

	a.sup.Start(ctx)
	healthSrv.MarkReady()

	if configPath != "" {
		go cfg.WatchFile(ctx, configPath)
	}

	go runLoop(ctx, "drain", cfg.EventSyncInterval, a.drainOnce)
	go runLoop(ctx, "heartbeat", cfg.HeartbeatInterval, a.heartbeatOnce)
	go runLoop(ctx, "config refresh", cfg.ConfigRefreshInterval, a.refreshConfigOnce)
	go runLoop(ctx, "cleanup", cleanupInterval, a.cleanupOnce)

	log.Printf("[Agent] Agent %s running (boot %s)", cfg.AgentID, a.bootID)
	<-ctx.Done()

	log.Printf("[Agent] Shutting down")
	a.sup.Stop()
	healthSrv.Stop(context.Background())
	if err := q.Flush(); err != nil {
		log.Printf("[ERROR] Agent: queue flush: %v", err)
	}
	return nil
}

// runLoop invokes fn on every tick, containing panics so a bad cycle never
// kills the loop.
func runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Printf("[ERROR] Agent: %s loop panic: %v", name, r)
					}
				}()
				fn(ctx)
			}()
		}
	}
}

// handleDetection is the supervisor's event callback: dedup, durable
// enqueue, then the best-effort NATS mirror.
func (a *Agent) handleDetection(e stream.Event) {
	if a.dedup.isDuplicate(dedupKey(e)) {
		if a.cfg.DebugEnabled() {
			log.Printf("[DEBUG] Agent: suppressed duplicate %s from camera %d", e.Type, e.CameraID)
		}
		return
	}

	if _, err := a.store.Enqueue(queue.Event{
		Type:      e.Type,
		CameraID:  e.CameraID,
		Timestamp: e.Timestamp.Format(time.RFC3339),
		Data:      e.Data,
	}); err != nil {
		log.Printf("[ERROR] Agent: enqueue event: %v", err)
		return
	}
	a.mirror.Publish(e)
}

// drainOnce pushes one pending batch to the cloud. The accepted prefix is
// marked processed, the remainder failed (bumping retries). A transport or
// server failure leaves the whole batch untouched: the cloud never
// acknowledged it, so it resurfaces on the next drain with its retry budget
// intact.
func (a *Agent) drainOnce(ctx context.Context) {
	events, err := a.store.GetPending(a.cfg.EventBatchSize)
	if err != nil {
		log.Printf("[ERROR] Agent: get pending events: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}

	result, err := a.cloud.SubmitEvents(ctx, events)
	if err != nil {
		log.Printf("[Agent] Submit failed, keeping %d events pending: %v", len(events), err)
		return
	}
	accepted := result.Processed
	if accepted > len(events) {
		accepted = len(events)
	}
	if accepted < 0 {
		accepted = 0
	}

	ids := make([]int64, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}

	if accepted > 0 {
		if err := a.store.MarkProcessed(ids[:accepted]); err != nil {
			log.Printf("[ERROR] Agent: mark processed: %v", err)
		}
	}
	if accepted < len(ids) {
		if err := a.store.MarkFailed(ids[accepted:]); err != nil {
			log.Printf("[ERROR] Agent: mark failed: %v", err)
		}
	}
	log.Printf("[Agent] Drained %d events (%d accepted, %d failed)", len(events), accepted, len(events)-accepted)
}

// heartbeatOnce reports liveness; errors are logged and ignored.
func (a *Agent) heartbeatOnce(ctx context.Context) {
	stats, err := a.store.GetStats()
	if err != nil {
		log.Printf("[ERROR] Agent: queue stats for heartbeat: %v", err)
	}
	hostname, _ := os.Hostname()

	m := cloud.Metrics{
		AgentID:             a.cfg.AgentID,
		Status:              "ONLINE",
		ActiveCameras:       a.sup.ActiveCameraCount(),
		EventsProcessed:     stats.TotalProcessed,
		EventsQueuedOffline: stats.Pending,
		Version:             config.Version,
		Hostname:            hostname,
		IPAddress:           localIP(),
	}
	if err := a.cloud.SendHeartbeat(ctx, m); err != nil {
		log.Printf("[Agent] Heartbeat failed: %v", err)
	}
}

// refreshConfigOnce re-syncs the configuration document and applies the
// camera delta to the supervisor.
func (a *Agent) refreshConfigOnce(ctx context.Context) {
	doc, err := a.cloud.GetConfig(ctx)
	if err != nil || doc == nil {
		log.Printf("[Agent] Config refresh failed, keeping current configuration: %v", err)
		return
	}

	a.cfg.UpdateFromCloud(doc)
	cams, encodings, school := a.cfg.Snapshot()
	a.sup.UpdateConfig(cams, encodings, school)
	log.Printf("[Agent] Configuration refreshed: %d cameras, %d enrollments", len(cams), len(encodings))
}

func (a *Agent) cleanupOnce(ctx context.Context) {
	if _, err := a.store.CleanupOld(cleanupRetention); err != nil {
		log.Printf("[ERROR] Agent: cleanup: %v", err)
	}
}

// localIP discovers the outbound interface address without sending traffic.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "unknown"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "unknown"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
