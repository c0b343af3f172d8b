// Package static implements a camera that serves image files from a
// directory, cycling through them in lexical order. It stands in for a
// hardware camera in development and headless deployments.
package static

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/MrWong99/echolens/pkg/camera"
)

// ErrNoImages is returned by New when the directory contains no usable
// image files.
var ErrNoImages = errors.New("static: no image files in directory")

// Option is a functional option for configuring a Camera.
type Option func(*Camera)

// WithRotation sets the rotation metadata reported with every frame.
// Default: 0.
func WithRotation(degrees int) Option {
	return func(c *Camera) { c.rotation = degrees }
}

// Camera cycles through the image files of a directory. The file list is
// fixed at construction; frames are read lazily on each Capture so large
// directories do not sit in memory.
type Camera struct {
	paths    []string
	rotation int

	mu     sync.Mutex
	next   int
	closed bool
}

// New creates a Camera serving the .jpg, .jpeg, and .png files found in dir,
// in lexical order.
func New(dir string, opts ...Option) (*Camera, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("static: read dir %q: %w", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("static: %q: %w", dir, ErrNoImages)
	}
	sort.Strings(paths)

	c := &Camera{paths: paths}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Capture reads the next image file in the cycle and returns it as a frame.
func (c *Camera) Capture(ctx context.Context) (camera.Frame, error) {
	if err := ctx.Err(); err != nil {
		return camera.Frame{}, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return camera.Frame{}, errors.New("static: camera is closed")
	}
	path := c.paths[c.next]
	c.next = (c.next + 1) % len(c.paths)
	c.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return camera.Frame{}, fmt.Errorf("static: read %q: %w", path, err)
	}
	return camera.Frame{Bytes: data, Rotation: c.rotation}, nil
}

// Close marks the camera closed. Safe to call repeatedly.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

var _ camera.Camera = (*Camera)(nil)
