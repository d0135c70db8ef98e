package health

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parikshan-ai/edge-agent/internal/queue"
	"github.com/parikshan-ai/edge-agent/internal/stream"
)

// QueueStatsProvider exposes the queue's point-in-time summary.
type QueueStatsProvider interface {
	GetStats() (queue.Stats, error)
}

// StreamStatsProvider exposes per-camera counters from the supervisor.
type StreamStatsProvider interface {
	StatsSnapshot() []stream.Stats
	ActiveCameraCount() int
}

// Collector polls the snapshot providers into a private registry. The
// providers are read-only views; the collector holds no reference to the
// agent itself.
type Collector struct {
	registry *prometheus.Registry

	queueStats  QueueStatsProvider
	streamStats StreamStatsProvider

	eventsPending prometheus.Gauge
	eventsFailed  prometheus.Gauge
	eventsTotal   prometheus.Gauge
	camerasActive prometheus.Gauge
	camFrames     *prometheus.GaugeVec
	camDetections *prometheus.GaugeVec
	camErrors     *prometheus.GaugeVec
	camConnected  *prometheus.GaugeVec
}

func NewCollector(queueStats QueueStatsProvider, streamStats StreamStatsProvider) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry:    reg,
		queueStats:  queueStats,
		streamStats: streamStats,
	}

	c.eventsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edge_agent_events_pending",
		Help: "Events waiting for cloud delivery",
	})
	reg.MustRegister(c.eventsPending)

	c.eventsFailed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edge_agent_events_failed",
		Help: "Events that exhausted their retry budget",
	})
	reg.MustRegister(c.eventsFailed)

	c.eventsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edge_agent_events_processed_total",
		Help: "Events delivered to the cloud since first boot",
	})
	reg.MustRegister(c.eventsTotal)

	c.camerasActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edge_agent_cameras_active",
		Help: "Cameras currently streaming",
	})
	reg.MustRegister(c.camerasActive)

	c.camFrames = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edge_agent_camera_frames_processed",
		Help: "Frames pulled from the camera stream",
	}, []string{"camera_id"})
	reg.MustRegister(c.camFrames)

	c.camDetections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edge_agent_camera_detections",
		Help: "Detections emitted for the camera",
	}, []string{"camera_id"})
	reg.MustRegister(c.camDetections)

	c.camErrors = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edge_agent_camera_errors",
		Help: "Capture and detector errors for the camera",
	}, []string{"camera_id"})
	reg.MustRegister(c.camErrors)

	c.camConnected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edge_agent_camera_connected",
		Help: "1 while the camera stream is up",
	}, []string{"camera_id"})
	reg.MustRegister(c.camConnected)

	return c
}

// Start refreshes the gauges every 2 seconds until ctx is done.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) collect() {
	if stats, err := c.queueStats.GetStats(); err == nil {
		c.eventsPending.Set(float64(stats.Pending))
		c.eventsFailed.Set(float64(stats.Failed))
		c.eventsTotal.Set(float64(stats.TotalProcessed))
	}

	c.camerasActive.Set(float64(c.streamStats.ActiveCameraCount()))
	for _, s := range c.streamStats.StatsSnapshot() {
		label := strconv.Itoa(s.CameraID)
		c.camFrames.WithLabelValues(label).Set(float64(s.FramesProcessed))
		c.camDetections.WithLabelValues(label).Set(float64(s.Detections))
		c.camErrors.WithLabelValues(label).Set(float64(s.Errors))
		connected := 0.0
		if s.Connected {
			connected = 1
		}
		c.camConnected.WithLabelValues(label).Set(connected)
	}
}
