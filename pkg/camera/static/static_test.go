package static_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/echolens/pkg/camera/static"
)

func writeJPEG(t *testing.T, path string, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

func TestNew_EmptyDirectory(t *testing.T) {
	t.Parallel()
	_, err := static.New(t.TempDir())
	if !errors.Is(err, static.ErrNoImages) {
		t.Fatalf("error = %v, want ErrNoImages", err)
	}
}

func TestNew_MissingDirectory(t *testing.T) {
	t.Parallel()
	if _, err := static.New("/nonexistent/frames"); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestCapture_CyclesInLexicalOrder(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeJPEG(t, filepath.Join(dir, "b.jpg"), color.White)
	writeJPEG(t, filepath.Join(dir, "a.jpg"), color.Black)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip me"), 0o644); err != nil {
		t.Fatal(err)
	}

	cam, err := static.New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cam.Close()

	want := []string{
		readFile(t, filepath.Join(dir, "a.jpg")),
		readFile(t, filepath.Join(dir, "b.jpg")),
		readFile(t, filepath.Join(dir, "a.jpg")),
	}
	for i, w := range want {
		frame, err := cam.Capture(context.Background())
		if err != nil {
			t.Fatalf("Capture %d: %v", i, err)
		}
		if string(frame.Bytes) != w {
			t.Fatalf("Capture %d returned unexpected file contents", i)
		}
	}
}

func TestCapture_ReportsRotation(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeJPEG(t, filepath.Join(dir, "a.jpg"), color.White)

	cam, err := static.New(dir, static.WithRotation(90))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cam.Close()

	frame, err := cam.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if frame.Rotation != 90 {
		t.Errorf("Rotation = %d, want 90", frame.Rotation)
	}
}

func TestCapture_AfterCloseFails(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeJPEG(t, filepath.Join(dir, "a.jpg"), color.White)

	cam, err := static.New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := cam.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := cam.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := cam.Capture(context.Background()); err == nil {
		t.Fatal("expected error capturing after Close")
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %q: %v", path, err)
	}
	return string(data)
}
