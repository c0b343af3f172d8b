// Package camera defines the camera collaborator interface.
//
// A Camera is a thin wrapper over a platform imaging API. Capture is an
// asynchronous platform call from the caller's point of view; decoding,
// rotation, and cropping of the returned frame happen downstream in the
// capture coordinator, never inside the Camera.
package camera

import "context"

// Frame is one captured image as delivered by the platform.
type Frame struct {
	// Bytes is the encoded image data (typically JPEG).
	Bytes []byte

	// Rotation is the clockwise rotation in degrees (0, 90, 180, 270) that
	// must be applied to display the frame upright. Platform sensors report
	// this as capture metadata.
	Rotation int
}

// Camera produces frames on demand.
//
// Implementations must be safe for concurrent use, although the capture
// coordinator serialises calls onto a single worker. Callers must call Close
// exactly once when the camera is no longer needed.
type Camera interface {
	// Capture takes a single frame. It blocks until the platform delivers
	// the image or ctx is cancelled.
	Capture(ctx context.Context) (Frame, error)

	// Close releases the platform capture handle. Calling Close more than
	// once is safe and returns nil.
	Close() error
}
