package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ekuinox/kgd/internal/diary"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const keyPrefix = "attachments"

var (
	errMissingBucket  = errors.New("s3 bucket is required")
	errMissingBaseURL = errors.New("s3 public base url is required")
)

// ObjectPutter is the slice of the S3 client the host needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config describes the bucket converted attachments are written to.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// PublicBaseURL is the prefix under which stored objects are readable.
	PublicBaseURL string
	Clock         func() time.Time
	Logger        *zap.Logger
}

// S3Host stores converted attachments in an S3 compatible bucket and hands
// back their public URL.
type S3Host struct {
	client  ObjectPutter
	bucket  string
	baseURL string
	clock   func() time.Time
	logger  *zap.Logger
}

// NewS3Client builds an S3 client from cfg, honoring a custom endpoint for
// S3 compatible stores.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	options := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		options = append(options, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// NewS3Host validates cfg and constructs an S3Host around client.
func NewS3Host(client ObjectPutter, cfg S3Config) (*S3Host, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errMissingBucket
	}
	if strings.TrimSpace(cfg.PublicBaseURL) == "" {
		return nil, errMissingBaseURL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Host{
		client:  client,
		bucket:  cfg.Bucket,
		baseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		clock:   clock,
		logger:  logger,
	}, nil
}

// Host uploads data under a fresh key and returns its public URL.
func (h *S3Host) Host(ctx context.Context, filename, mediaType string, data []byte) (diary.HostedMedia, error) {
	key := h.objectKey(filename)
	_, err := h.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(h.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(mediaType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return diary.HostedMedia{}, classifyS3Error(ctx, err)
	}
	h.logger.Info("attachment stored", zap.String("bucket", h.bucket), zap.String("key", key))
	return diary.HostedMedia{URL: h.baseURL + "/" + escapeKey(key)}, nil
}

func (h *S3Host) objectKey(filename string) string {
	now := h.clock().UTC()
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "attachment"
	}
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s/%s", keyPrefix, now.Year(), now.Month(), now.Day(), uuid.New(), name)
}

func escapeKey(key string) string {
	segments := strings.Split(key, "/")
	for index, segment := range segments {
		segments[index] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}

type statusCoder interface {
	HTTPStatusCode() int
}

func classifyS3Error(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var coded statusCoder
	if errors.As(err, &coded) {
		status := coded.HTTPStatusCode()
		if status == 429 || status >= 500 {
			return &diary.TransientAPIError{Op: "put_object", Err: err}
		}
		return &diary.PermanentAPIError{Op: "put_object", Status: status, Err: err}
	}
	return &diary.TransientAPIError{Op: "put_object", Err: err}
}
