// Package capture coordinates camera frame acquisition and processing.
//
// A Coordinator owns a single worker goroutine that serialises camera access:
// one capture is in flight at a time, and requests arriving while the worker
// is busy are coalesced into the next run. Captured frames are decoded,
// rotated upright, cropped to the display aspect ratio, and retained as the
// latest frame. A failed capture keeps the previous frame in place.
package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/echolens/internal/observe"
	"github.com/MrWong99/echolens/pkg/camera"
)

// Defaults for frame processing.
const (
	defaultAspectW     = 3
	defaultAspectH     = 4
	defaultJPEGQuality = 85
)

// Processed is one fully processed frame together with its caption: the last
// final transcript heard before the frame was taken.
type Processed struct {
	// JPEG is the upright, cropped frame, JPEG-encoded.
	JPEG []byte

	// Caption is the transcript text attached to this frame. May be empty.
	Caption string

	// CapturedAt is when the camera delivered the raw frame.
	CapturedAt time.Time
}

// request is one queued capture.
type request struct {
	ctx     context.Context
	caption string
}

// Config holds the Coordinator dependencies and tuning.
type Config struct {
	// Camera delivers raw frames. Required. The coordinator takes ownership:
	// Close releases it.
	Camera camera.Camera

	// AspectW and AspectH define the crop aspect ratio. Default: 3:4.
	AspectW, AspectH int

	// JPEGQuality is the re-encode quality. Default: 85.
	JPEGQuality int

	// Metrics records capture telemetry. May be nil.
	Metrics *observe.Metrics
}

// Coordinator serialises captures onto one worker and retains the latest
// processed frame. All methods are safe for concurrent use.
type Coordinator struct {
	cam     camera.Camera
	aspectW int
	aspectH int
	quality int
	metrics *observe.Metrics

	requests chan request
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once

	mu     sync.Mutex
	latest Processed
	has    bool
	frames chan Processed
}

// NewCoordinator creates a Coordinator and starts its worker.
// The caller must call Close exactly once when done with it.
func NewCoordinator(cfg Config) *Coordinator {
	aw, ah := cfg.AspectW, cfg.AspectH
	if aw <= 0 || ah <= 0 {
		aw, ah = defaultAspectW, defaultAspectH
	}
	q := cfg.JPEGQuality
	if q <= 0 || q > 100 {
		q = defaultJPEGQuality
	}

	c := &Coordinator{
		cam:      cfg.Camera,
		aspectW:  aw,
		aspectH:  ah,
		quality:  q,
		metrics:  cfg.Metrics,
		requests: make(chan request, 1),
		done:     make(chan struct{}),
		frames:   make(chan Processed, 1),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Capture queues one capture with the given caption. When the worker is
// already busy and a request is pending, the new request replaces it — the
// camera never runs more than one capture at a time.
func (c *Coordinator) Capture(ctx context.Context, caption string) {
	req := request{ctx: ctx, caption: caption}
	select {
	case <-c.done:
		return
	case c.requests <- req:
	default:
		// Replace the pending request with the fresher one.
		select {
		case <-c.requests:
		default:
		}
		select {
		case c.requests <- req:
		case <-c.done:
		default:
		}
	}
}

// Latest returns the most recent processed frame, if any.
func (c *Coordinator) Latest() (Processed, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest, c.has
}

// Frames returns a channel carrying processed frames, latest-wins for slow
// consumers. Closed by Close.
func (c *Coordinator) Frames() <-chan Processed {
	return c.frames
}

// Close stops the worker and releases the camera. Safe to call repeatedly.
func (c *Coordinator) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.wg.Wait()
		err = c.cam.Close()
		close(c.frames)
	})
	return err
}

// run is the single capture worker.
func (c *Coordinator) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case req := <-c.requests:
			c.capture(req)
		}
	}
}

// capture runs one full acquire-and-process cycle.
func (c *Coordinator) capture(req request) {
	ctx, span := observe.StartSpan(req.ctx, "capture.frame")
	defer span.End()
	start := time.Now()

	frame, err := c.cam.Capture(ctx)
	if err != nil {
		c.fail(ctx, fmt.Errorf("capture: camera: %w", err))
		return
	}

	jpegBytes, err := process(frame, c.aspectW, c.aspectH, c.quality)
	if err != nil {
		c.fail(ctx, err)
		return
	}

	processed := Processed{
		JPEG:       jpegBytes,
		Caption:    req.caption,
		CapturedAt: start,
	}

	c.mu.Lock()
	c.latest = processed
	c.has = true
	c.mu.Unlock()

	// Latest-wins delivery; never block the worker.
	select {
	case c.frames <- processed:
	default:
		select {
		case <-c.frames:
		default:
		}
		select {
		case c.frames <- processed:
		default:
		}
	}

	if c.metrics != nil {
		c.metrics.RecordCapture(ctx, "ok")
		c.metrics.CaptureDuration.Record(ctx, time.Since(start).Seconds())
	}
	observe.Logger(ctx).Debug("capture: frame processed",
		"bytes", len(processed.JPEG), "caption", processed.Caption,
		"duration", time.Since(start))
}

// fail logs a capture error. The previous frame stays in place; a capture
// failure is never fatal.
func (c *Coordinator) fail(ctx context.Context, err error) {
	if c.metrics != nil {
		c.metrics.RecordCapture(ctx, "error")
	}
	observe.Logger(ctx).Warn("capture: frame dropped", "err", err)
}
