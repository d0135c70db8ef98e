package stream

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/parikshan-ai/edge-agent/internal/capture"
	"github.com/parikshan-ai/edge-agent/internal/config"
	"github.com/parikshan-ai/edge-agent/internal/detect"
)

// detectorSettings is the immutable input to detector construction. The
// supervisor swaps the pointer on config sync; the task notices on its next
// inference candidate and rebuilds the facade.
type detectorSettings struct {
	encodings []config.FaceEncoding
	school    config.SchoolConfig
}

type task struct {
	camera   config.Camera
	cancel   context.CancelFunc
	settings atomic.Pointer[detectorSettings]

	framesProcessed atomic.Int64
	detections      atomic.Int64
	errors          atomic.Int64
	lastFrameNano   atomic.Int64
	connected       atomic.Bool
}

func newTask(cam config.Camera, cancel context.CancelFunc) *task {
	return &task{camera: cam, cancel: cancel}
}

func (t *task) snapshot() Stats {
	s := Stats{
		CameraID:        t.camera.ID,
		Name:            t.camera.Name,
		FramesProcessed: t.framesProcessed.Load(),
		Detections:      t.detections.Load(),
		Errors:          t.errors.Load(),
		Connected:       t.connected.Load(),
	}
	if nano := t.lastFrameNano.Load(); nano > 0 {
		s.LastFrameTime = time.Unix(0, nano)
	}
	return s
}

// runTask is the per-camera connect/stream/backoff loop. It exits only when
// ctx is done (shutdown or removal via UpdateConfig).
func (s *Supervisor) runTask(ctx context.Context, t *task) {
	delay := backoffStart
	for ctx.Err() == nil {
		src, err := s.dial(ctx, t.camera.RTSPURL)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			t.errors.Add(1)
			log.Printf("[Stream] Camera %d (%s) connect failed: %v, retrying in %s",
				t.camera.ID, t.camera.Name, err, delay)
			if !sleepCtx(ctx, delay) {
				break
			}
			delay = nextDelay(delay)
			continue
		}

		delay = backoffStart
		t.connected.Store(true)
		log.Printf("[Stream] Camera %d (%s) streaming", t.camera.ID, t.camera.Name)

		s.streamFrames(ctx, t, src)

		t.connected.Store(false)
		src.Close()
	}
	log.Printf("[Stream] Camera %d (%s) terminated", t.camera.ID, t.camera.Name)
}

// streamFrames pulls frames until a read error or cancellation. Only every
// frame_skip-th frame is an inference candidate, and candidates are further
// throttled to one per detection interval.
func (s *Supervisor) streamFrames(ctx context.Context, t *task, src capture.Source) {
	var (
		composite   *detect.Composite
		builtFrom   *detectorSettings
		frameIdx    int
		lastDetTime time.Time
	)

	for {
		frame, err := src.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.errors.Add(1)
				log.Printf("[Stream] Camera %d (%s) read error: %v", t.camera.ID, t.camera.Name, err)
			}
			return
		}

		t.framesProcessed.Add(1)
		t.lastFrameNano.Store(frame.Time.UnixNano())

		frameIdx++
		frameSkip, interval, _ := s.cfg.Tuning()
		if frameSkip > 1 && frameIdx%frameSkip != 0 {
			continue
		}
		if time.Since(lastDetTime) < interval {
			continue
		}
		lastDetTime = time.Now()

		cur := t.settings.Load()
		if composite == nil || cur != builtFrom {
			composite = detect.Build(t.camera.Type, cur.encodings, cur.school, s.backends)
			builtFrom = cur
		}
		if composite.Size() == 0 {
			continue
		}

		start := frame.Time
		dets, errs, ok := s.detectBounded(ctx, composite, frame)
		if !ok {
			return
		}
		t.errors.Add(int64(errs))
		if len(dets) > 0 && s.cfg.DebugEnabled() {
			log.Printf("[DEBUG] Stream: camera %d emitted %d detections", t.camera.ID, len(dets))
		}

		for _, d := range dets {
			t.detections.Add(1)
			s.emit(Event{Type: d.Type, CameraID: t.camera.ID, Timestamp: start, Data: d.Data})
		}
	}
}

// detectBounded runs the composite while holding a worker slot, bounding
// concurrent inference across all cameras. The task suspends here; other
// camera tasks keep streaming.
func (s *Supervisor) detectBounded(ctx context.Context, c *detect.Composite, frame *capture.Frame) ([]detect.Detection, int, bool) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, 0, false
	}
	defer func() { <-s.sem }()

	dets, errs := c.Detect(frame.Image)
	return dets, errs, true
}

func (s *Supervisor) emit(e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ERROR] Stream: event callback panic: %v", r)
		}
	}()
	s.callback(e)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
