// Package transcode converts image attachments the document API cannot
// display into JPEG.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "github.com/gen2brain/heic"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	defaultJPEGQuality  = 85
	defaultMaxDimension = 4096
	mediaTypeJPEG       = "image/jpeg"
)

var passthroughTypes = map[string]struct{}{
	"image/png":  {},
	"image/jpeg": {},
	"image/gif":  {},
	"image/webp": {},
}

// UnsupportedFormatError reports bytes that no decoder can read.
type UnsupportedFormatError struct {
	MediaType string
	Err       error
}

func (e *UnsupportedFormatError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("unsupported media type %s", e.MediaType)
	}
	return fmt.Sprintf("unsupported media type %s: %v", e.MediaType, e.Err)
}

func (e *UnsupportedFormatError) Unwrap() error {
	return e.Err
}

// Config tunes the converter.
type Config struct {
	JPEGQuality  int
	MaxDimension int
	Logger       *zap.Logger
}

// Converter decodes images with EXIF orientation applied and re-encodes
// them as JPEG.
type Converter struct {
	quality      int
	maxDimension int
	logger       *zap.Logger
}

// New constructs a Converter, filling unset options with defaults.
func New(cfg Config) *Converter {
	quality := cfg.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = defaultJPEGQuality
	}
	maxDimension := cfg.MaxDimension
	if maxDimension <= 0 {
		maxDimension = defaultMaxDimension
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Converter{quality: quality, maxDimension: maxDimension, logger: logger}
}

// Transcode returns data converted to a media type the document API
// accepts. Bytes that already are such a type are returned unchanged with
// their sniffed media type.
func (c *Converter) Transcode(ctx context.Context, data []byte, mediaType string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", &UnsupportedFormatError{MediaType: mediaType, Err: errors.New("empty input")}
	}

	detected := sniff(data, mediaType)
	if _, ok := passthroughTypes[detected]; ok {
		return data, detected, nil
	}

	decoded, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, "", &UnsupportedFormatError{MediaType: detected, Err: err}
		}
		return nil, "", fmt.Errorf("decode %s: %w", detected, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	bounds := decoded.Bounds()
	if bounds.Dx() > c.maxDimension || bounds.Dy() > c.maxDimension {
		decoded = imaging.Fit(decoded, c.maxDimension, c.maxDimension, imaging.Lanczos)
	}

	var buffer bytes.Buffer
	if err := imaging.Encode(&buffer, decoded, imaging.JPEG, imaging.JPEGQuality(c.quality)); err != nil {
		return nil, "", fmt.Errorf("encode jpeg: %w", err)
	}
	c.logger.Debug("attachment converted",
		zap.String("from", detected),
		zap.String("to", mediaTypeJPEG),
		zap.Int("input_size", len(data)),
		zap.Int("output_size", buffer.Len()))
	return buffer.Bytes(), mediaTypeJPEG, nil
}

func sniff(data []byte, declared string) string {
	detected := mimetype.Detect(data)
	if detected == nil || detected.Is("application/octet-stream") {
		return strings.ToLower(strings.TrimSpace(declared))
	}
	value := detected.String()
	if index := strings.Index(value, ";"); index >= 0 {
		value = value[:index]
	}
	return value
}
