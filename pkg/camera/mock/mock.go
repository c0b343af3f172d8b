// Package mock provides a test double for the camera package.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/echolens/pkg/camera"
)

// Camera is a mock implementation of camera.Camera. Each Capture returns the
// next frame from Frames, cycling when exhausted.
type Camera struct {
	mu sync.Mutex

	// Frames are returned by Capture in order, cycling. When empty, Capture
	// returns a zero Frame.
	Frames []camera.Frame

	// CaptureErr, if non-nil, is returned by Capture. It is consumed once
	// when CaptureErrOnce is set, allowing transient-failure tests.
	CaptureErr error

	// CaptureErrOnce makes CaptureErr apply to the next Capture call only.
	CaptureErrOnce bool

	// CaptureCallCount is the number of Capture calls.
	CaptureCallCount int

	// CloseCallCount is the number of Close calls.
	CloseCallCount int
}

// Capture records the call and returns the next configured frame.
func (c *Camera) Capture(_ context.Context) (camera.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.CaptureCallCount
	c.CaptureCallCount++
	if c.CaptureErr != nil {
		err := c.CaptureErr
		if c.CaptureErrOnce {
			c.CaptureErr = nil
		}
		return camera.Frame{}, err
	}
	if len(c.Frames) == 0 {
		return camera.Frame{}, nil
	}
	return c.Frames[idx%len(c.Frames)], nil
}

// Close records the call and returns nil.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCallCount++
	return nil
}

// CaptureCount returns the number of Capture calls. Thread-safe.
func (c *Camera) CaptureCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CaptureCallCount
}

var _ camera.Camera = (*Camera)(nil)
