package transcode

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/image/bmp"
)

func sampleImage(width, height int) *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			canvas.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return canvas
}

func TestTranscodeConvertsBMPToJPEG(t *testing.T) {
	var source bytes.Buffer
	if err := bmp.Encode(&source, sampleImage(16, 8)); err != nil {
		t.Fatalf("failed to encode bmp: %v", err)
	}

	converted, mediaType, err := New(Config{}).Transcode(context.Background(), source.Bytes(), "image/bmp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mediaType != "image/jpeg" {
		t.Fatalf("expected image/jpeg, got %q", mediaType)
	}
	decoded, err := jpeg.Decode(bytes.NewReader(converted))
	if err != nil {
		t.Fatalf("expected valid jpeg: %v", err)
	}
	if decoded.Bounds().Dx() != 16 || decoded.Bounds().Dy() != 8 {
		t.Fatalf("unexpected bounds %v", decoded.Bounds())
	}
}

func TestTranscodePassesThroughSupportedTypes(t *testing.T) {
	var source bytes.Buffer
	if err := png.Encode(&source, sampleImage(4, 4)); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}

	converted, mediaType, err := New(Config{}).Transcode(context.Background(), source.Bytes(), "application/octet-stream")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mediaType != "image/png" {
		t.Fatalf("expected sniffed image/png, got %q", mediaType)
	}
	if !bytes.Equal(converted, source.Bytes()) {
		t.Fatalf("expected bytes to be returned unchanged")
	}
}

func TestTranscodeShrinksOversizedImages(t *testing.T) {
	var source bytes.Buffer
	if err := bmp.Encode(&source, sampleImage(64, 32)); err != nil {
		t.Fatalf("failed to encode bmp: %v", err)
	}

	converted, _, err := New(Config{MaxDimension: 16}).Transcode(context.Background(), source.Bytes(), "image/bmp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	decoded, err := jpeg.Decode(bytes.NewReader(converted))
	if err != nil {
		t.Fatalf("expected valid jpeg: %v", err)
	}
	if decoded.Bounds().Dx() != 16 || decoded.Bounds().Dy() != 8 {
		t.Fatalf("expected image to fit 16x16, got %v", decoded.Bounds())
	}
}

func TestTranscodeConvertsHEICToJPEG(t *testing.T) {
	source, err := os.ReadFile(filepath.Join("testdata", "portrait.heic"))
	if err != nil {
		t.Fatalf("failed to read fixture: %v", err)
	}

	converted, mediaType, err := New(Config{}).Transcode(context.Background(), source, "image/heic")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mediaType != "image/jpeg" {
		t.Fatalf("expected image/jpeg, got %q", mediaType)
	}
	decoded, err := jpeg.Decode(bytes.NewReader(converted))
	if err != nil {
		t.Fatalf("expected valid jpeg: %v", err)
	}
	if decoded.Bounds().Dx() != 1836 || decoded.Bounds().Dy() != 1918 {
		t.Fatalf("expected portrait 1836x1918, got %v", decoded.Bounds())
	}
}

func TestTranscodeRejectsUnknownFormats(t *testing.T) {
	_, _, err := New(Config{}).Transcode(context.Background(), []byte("definitely not an image"), "image/heic")
	var unsupported *UnsupportedFormatError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected unsupported format error, got %v", err)
	}

	_, _, err = New(Config{}).Transcode(context.Background(), nil, "image/heic")
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected unsupported format error for empty input, got %v", err)
	}
}

func TestTranscodeHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := New(Config{}).Transcode(ctx, []byte{1}, "image/bmp"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}
