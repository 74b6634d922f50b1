package reconcile

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/ekuinox/kgd/internal/diary"
	"github.com/ekuinox/kgd/internal/transcode"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	opBuildUnits   = "reconcile.build_units"
	opFetchMedia   = "fetch_attachment"
	fieldAttachmID = "attachment_id"

	defaultPreviewConcurrency = 4
)

var errMissingFetcher = errors.New("attachment fetcher is required")

// Fetcher downloads attachment bytes.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Transcoder converts attachment bytes into a media type the document API
// accepts, preserving visual orientation.
type Transcoder interface {
	Transcode(ctx context.Context, data []byte, mediaType string) ([]byte, string, error)
}

var nativeImageTypes = map[string]struct{}{
	"image/png":  {},
	"image/jpeg": {},
	"image/gif":  {},
	"image/webp": {},
}

var imageExtensions = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".heic": "image/heic",
	".heif": "image/heif",
	".avif": "image/avif",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
}

// LinkPreviewer looks up the metadata shown under a link unit.
type LinkPreviewer interface {
	Preview(ctx context.Context, url string) (diary.LinkPreview, error)
}

// BuilderConfig describes the dependencies of the unit builder.
type BuilderConfig struct {
	Fetcher    Fetcher
	Transcoder Transcoder
	// Links styles bare URLs in message text. Nil keeps standalone URLs as
	// link units and the rest inline.
	Links *LinkRules
	// Previews captions link units split out of message text. Nil leaves
	// them without a caption.
	Previews           LinkPreviewer
	PreviewConcurrency int
	Retry              diary.RetryPolicy
	Logger             *zap.Logger
}

// Builder turns a message into its ordered content units: text segments
// first, then one unit per attachment in original order.
type Builder struct {
	fetcher            Fetcher
	transcoder         Transcoder
	links              *LinkRules
	previews           LinkPreviewer
	previewConcurrency int
	retry              diary.RetryPolicy
	logger             *zap.Logger
}

// NewBuilder validates the configuration and constructs a Builder.
func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if cfg.Transcoder != nil && cfg.Fetcher == nil {
		return nil, errMissingFetcher
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retryPolicy := cfg.Retry
	if retryPolicy.Logger == nil {
		retryPolicy.Logger = logger
	}
	previewConcurrency := cfg.PreviewConcurrency
	if previewConcurrency <= 0 {
		previewConcurrency = defaultPreviewConcurrency
	}
	return &Builder{
		fetcher:            cfg.Fetcher,
		transcoder:         cfg.Transcoder,
		links:              cfg.Links,
		previews:           cfg.Previews,
		previewConcurrency: previewConcurrency,
		retry:              retryPolicy,
		logger:             logger,
	}, nil
}

// Build returns the desired content units for op. Conversion failures
// degrade to link units; only a transient fetch failure that outlives the
// retry budget is returned as an error.
func (b *Builder) Build(ctx context.Context, op Operation) ([]ContentUnit, error) {
	units := SegmentTextWithRules(op.Text, b.links)
	b.captionLinks(ctx, op, units)
	for _, attachment := range op.Attachments {
		unit, err := b.attachmentUnit(ctx, op, attachment)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	return units, nil
}

func (b *Builder) attachmentUnit(ctx context.Context, op Operation, attachment Attachment) (ContentUnit, error) {
	mediaType := attachmentMediaType(attachment)
	if !strings.HasPrefix(mediaType, "image/") {
		return linkFallback(attachment), nil
	}
	if _, native := nativeImageTypes[mediaType]; native {
		return NewImageUnit(ImagePayload{
			AttachmentID: attachment.ID,
			SourceURL:    attachment.URL,
			Filename:     attachment.Filename,
			MediaType:    mediaType,
		}), nil
	}
	if b.transcoder == nil {
		b.logger.Warn("no transcoder configured, using link fallback",
			zap.String(fieldMessageID, op.MessageID.String()),
			zap.String(fieldAttachmID, attachment.ID),
			zap.String("media_type", mediaType))
		return linkFallback(attachment), nil
	}

	var data []byte
	err := b.retry.Do(ctx, opFetchMedia, func(ctx context.Context) error {
		var fetchErr error
		data, fetchErr = b.fetcher.Fetch(ctx, attachment.URL)
		return fetchErr
	})
	if err != nil {
		if diary.IsTransient(err) || isRetriesExhausted(err) {
			return ContentUnit{}, err
		}
		b.logger.Warn("attachment fetch failed, using link fallback",
			zap.String(fieldMessageID, op.MessageID.String()),
			zap.String(fieldAttachmID, attachment.ID),
			zap.Error(err))
		return linkFallback(attachment), nil
	}

	converted, convertedType, err := b.transcoder.Transcode(ctx, data, mediaType)
	if err != nil {
		var unsupported *transcode.UnsupportedFormatError
		reason := "conversion_failed"
		if errors.As(err, &unsupported) {
			reason = "unsupported_format"
		}
		b.logger.Warn("attachment conversion failed, using link fallback",
			zap.String("operation", opBuildUnits),
			zap.String("reason", reason),
			zap.String(fieldMessageID, op.MessageID.String()),
			zap.String(fieldAttachmID, attachment.ID),
			zap.String("media_type", mediaType),
			zap.Error(err))
		return linkFallback(attachment), nil
	}

	return NewImageUnit(ImagePayload{
		AttachmentID: attachment.ID,
		SourceURL:    attachment.URL,
		Filename:     convertedFilename(attachment.Filename, convertedType),
		MediaType:    convertedType,
		Data:         converted,
	}), nil
}

// captionLinks fills the captions of text link units from page previews.
// A failed lookup leaves the caption empty.
func (b *Builder) captionLinks(ctx context.Context, op Operation, units []ContentUnit) {
	if b.previews == nil {
		return
	}
	var group errgroup.Group
	group.SetLimit(b.previewConcurrency)
	for _, unit := range units {
		if unit.Type != diary.BlockTypeLink || unit.Link.Caption != "" {
			continue
		}
		link := unit.Link
		group.Go(func() error {
			preview, err := b.previews.Preview(ctx, link.URL)
			if err != nil {
				b.logger.Debug("link preview unavailable",
					zap.String(fieldMessageID, op.MessageID.String()),
					zap.String("url", link.URL),
					zap.Error(err))
				return nil
			}
			link.Caption = preview.Caption()
			return nil
		})
	}
	_ = group.Wait()
}

func linkFallback(attachment Attachment) ContentUnit {
	return NewLinkUnit(attachment.URL, attachment.Filename)
}

func attachmentMediaType(attachment Attachment) string {
	declared := strings.ToLower(strings.TrimSpace(attachment.ContentType))
	if index := strings.Index(declared, ";"); index >= 0 {
		declared = strings.TrimSpace(declared[:index])
	}
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if mediaType, ok := imageExtensions[strings.ToLower(path.Ext(attachment.Filename))]; ok {
		return mediaType
	}
	return declared
}

func convertedFilename(original, mediaType string) string {
	base := strings.TrimSuffix(original, path.Ext(original))
	if base == "" {
		base = "attachment"
	}
	switch mediaType {
	case "image/png":
		return base + ".png"
	case "image/gif":
		return base + ".gif"
	case "image/webp":
		return base + ".webp"
	default:
		return base + ".jpg"
	}
}

func isRetriesExhausted(err error) bool {
	var exhausted *diary.RetriesExhaustedError
	return errors.As(err, &exhausted)
}
