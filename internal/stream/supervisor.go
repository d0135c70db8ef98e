// Package stream owns the per-camera capture tasks. Each enabled camera
// gets one long-lived goroutine cycling Disconnected -> Connecting ->
// Streaming with exponential backoff between failed connects. Inference is
// bounded by a shared worker semaphore so dozens of cameras cannot stampede
// the CPU.
package stream

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/parikshan-ai/edge-agent/internal/capture"
	"github.com/parikshan-ai/edge-agent/internal/config"
	"github.com/parikshan-ai/edge-agent/internal/detect"
)

const (
	backoffStart = 5 * time.Second
	backoffMax   = 60 * time.Second
)

// Event is one detection bound for the queue.
type Event struct {
	Type      string
	CameraID  int
	Timestamp time.Time
	Data      json.RawMessage
}

// EventCallback receives every emitted detection. A panicking callback is
// contained; it never kills the stream task.
type EventCallback func(Event)

// Stats is a snapshot of one camera task.
type Stats struct {
	CameraID        int       `json:"cameraId"`
	Name            string    `json:"name"`
	FramesProcessed int64     `json:"framesProcessed"`
	Detections      int64     `json:"detections"`
	Errors          int64     `json:"errors"`
	LastFrameTime   time.Time `json:"lastFrameTime"`
	Connected       bool      `json:"connected"`
}

// Supervisor runs one task per camera and applies configuration changes
// without restarting unaffected streams.
type Supervisor struct {
	cfg      *config.Config
	dial     capture.Dialer
	backends detect.Backends
	callback EventCallback

	sem chan struct{}

	mu     sync.Mutex
	tasks  map[int]*task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSupervisor(cfg *config.Config, dial capture.Dialer, backends detect.Backends, callback EventCallback) *Supervisor {
	_, _, maxWorkers := cfg.Tuning()
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Supervisor{
		cfg:      cfg,
		dial:     dial,
		backends: backends,
		callback: callback,
		sem:      make(chan struct{}, maxWorkers),
		tasks:    make(map[int]*task),
	}
}

// Start spawns a task per camera. Idempotent per camera id; cameras already
// running are left alone.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		s.ctx, s.cancel = context.WithCancel(ctx)
	}

	cams, encodings, school := s.cfg.Snapshot()
	settings := &detectorSettings{encodings: encodings, school: school}
	for _, cam := range cams {
		if !cam.Enabled || cam.RTSPURL == "" {
			continue
		}
		s.startTaskLocked(cam, settings)
	}
	log.Printf("[Stream] Supervisor started with %d cameras", len(s.tasks))
}

// Stop terminates every task and waits for them to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	log.Printf("[Stream] Supervisor stopped")
}

// UpdateConfig applies a synced camera list by set difference on camera id.
// Removed cameras are terminated, new ones spawned, and retained ones get
// their detector settings swapped atomically without a restart. The running
// task rebuilds its detector facade on the next inference candidate.
func (s *Supervisor) UpdateConfig(cameras []config.Camera, encodings []config.FaceEncoding, school config.SchoolConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings := &detectorSettings{encodings: encodings, school: school}

	wanted := make(map[int]config.Camera, len(cameras))
	for _, cam := range cameras {
		if cam.Enabled && cam.RTSPURL != "" {
			wanted[cam.ID] = cam
		}
	}

	for id, t := range s.tasks {
		if _, keep := wanted[id]; !keep {
			log.Printf("[Stream] Removing camera %d (%s)", id, t.camera.Name)
			t.cancel()
			delete(s.tasks, id)
		}
	}

	for id, cam := range wanted {
		if t, ok := s.tasks[id]; ok {
			t.settings.Store(settings)
			continue
		}
		log.Printf("[Stream] Adding camera %d (%s)", id, cam.Name)
		s.startTaskLocked(cam, settings)
	}
}

func (s *Supervisor) startTaskLocked(cam config.Camera, settings *detectorSettings) {
	if _, ok := s.tasks[cam.ID]; ok {
		return
	}
	if s.ctx == nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	taskCtx, taskCancel := context.WithCancel(s.ctx)
	t := newTask(cam, taskCancel)
	t.settings.Store(settings)
	s.tasks[cam.ID] = t

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runTask(taskCtx, t)
	}()
}

// StatsSnapshot copies every task's counters for the health surface.
func (s *Supervisor) StatsSnapshot() []Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stats, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.snapshot())
	}
	return out
}

// ActiveCameraCount reports tasks currently in the Streaming state.
func (s *Supervisor) ActiveCameraCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.connected.Load() {
			n++
		}
	}
	return n
}

// TaskCount reports tasks regardless of connection state.
func (s *Supervisor) TaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// nextDelay doubles the reconnect delay up to the cap.
func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > backoffMax {
		return backoffMax
	}
	return d
}
