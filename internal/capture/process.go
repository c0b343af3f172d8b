package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	_ "image/png" // registered so PNG frames decode too

	"github.com/MrWong99/echolens/pkg/camera"
)

// process decodes a raw frame, applies its rotation metadata, center-crops to
// the target aspect ratio, and re-encodes as JPEG.
func process(frame camera.Frame, aspectW, aspectH, quality int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(frame.Bytes))
	if err != nil {
		return nil, fmt.Errorf("capture: decode frame: %w", err)
	}

	img, err = rotate(img, frame.Rotation)
	if err != nil {
		return nil, err
	}
	img = centerCrop(img, aspectW, aspectH)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("capture: encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// rotate returns img rotated clockwise by the given degrees.
func rotate(img image.Image, degrees int) (image.Image, error) {
	switch ((degrees % 360) + 360) % 360 {
	case 0:
		return img, nil
	case 90:
		return rotate90(img), nil
	case 180:
		return rotate180(img), nil
	case 270:
		return rotate270(img), nil
	default:
		return nil, fmt.Errorf("capture: unsupported rotation %d", degrees)
	}
}

func rotate90(img image.Image) image.Image {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dy(), b.Dx()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(b.Max.Y-1-y, x-b.Min.X, img.At(x, y))
		}
	}
	return out
}

func rotate180(img image.Image) image.Image {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(b.Max.X-1-x, b.Max.Y-1-y, img.At(x, y))
		}
	}
	return out
}

func rotate270(img image.Image) image.Image {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dy(), b.Dx()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(y-b.Min.Y, b.Max.X-1-x, img.At(x, y))
		}
	}
	return out
}

// centerCrop crops img to the largest centered region with the given aspect
// ratio. Degenerate ratios return the image unchanged.
func centerCrop(img image.Image, aspectW, aspectH int) image.Image {
	if aspectW <= 0 || aspectH <= 0 {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return img
	}

	// Compare w/h against aspectW/aspectH without floats.
	targetW, targetH := w, h
	if w*aspectH > h*aspectW {
		// Too wide: shrink width.
		targetW = h * aspectW / aspectH
	} else {
		// Too tall (or exact): shrink height.
		targetH = w * aspectH / aspectW
	}
	if targetW == w && targetH == h {
		return img
	}

	x0 := b.Min.X + (w-targetW)/2
	y0 := b.Min.Y + (h-targetH)/2
	crop := image.Rect(x0, y0, x0+targetW, y0+targetH)

	out := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
	for y := crop.Min.Y; y < crop.Max.Y; y++ {
		for x := crop.Min.X; x < crop.Max.X; x++ {
			out.Set(x-crop.Min.X, y-crop.Min.Y, img.At(x, y))
		}
	}
	return out
}
