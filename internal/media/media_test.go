package media

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ekuinox/kgd/internal/diary"
)

func TestFetcherReturnsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "payload")
	}))
	defer server.Close()

	fetcher := NewFetcher(FetcherConfig{HTTPClient: server.Client()})
	data, err := fetcher.Fetch(context.Background(), server.URL+"/a.png")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("unexpected body %q", data)
	}
}

func TestFetcherClassifiesStatus(t *testing.T) {
	testCases := []struct {
		name          string
		status        int
		wantTransient bool
	}{
		{name: "server error", status: http.StatusServiceUnavailable, wantTransient: true},
		{name: "rate limited", status: http.StatusTooManyRequests, wantTransient: true},
		{name: "forbidden", status: http.StatusForbidden},
		{name: "not found", status: http.StatusNotFound},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(testCase.status)
			}))
			defer server.Close()

			_, err := NewFetcher(FetcherConfig{HTTPClient: server.Client()}).Fetch(context.Background(), server.URL)
			if testCase.wantTransient && !diary.IsTransient(err) {
				t.Fatalf("expected transient error, got %v", err)
			}
			if !testCase.wantTransient && !diary.IsPermanent(err) {
				t.Fatalf("expected permanent error, got %v", err)
			}
		})
	}
}

func TestFetcherRejectsOversizedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("x", 32))
	}))
	defer server.Close()

	_, err := NewFetcher(FetcherConfig{HTTPClient: server.Client(), MaxBytes: 16}).Fetch(context.Background(), server.URL)
	if !errors.Is(err, errTooLarge) {
		t.Fatalf("expected size error, got %v", err)
	}
}

type recordingPutter struct {
	input *s3.PutObjectInput
	body  string
	err   error
}

func (p *recordingPutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	p.input = params
	data, _ := io.ReadAll(params.Body)
	p.body = string(data)
	if p.err != nil {
		return nil, p.err
	}
	return &s3.PutObjectOutput{}, nil
}

type statusError struct {
	status int
}

func (e statusError) Error() string       { return "s3 failure" }
func (e statusError) HTTPStatusCode() int { return e.status }

func TestNewS3HostValidatesConfig(t *testing.T) {
	if _, err := NewS3Host(&recordingPutter{}, S3Config{PublicBaseURL: "https://cdn"}); !errors.Is(err, errMissingBucket) {
		t.Fatalf("expected missing bucket error, got %v", err)
	}
	if _, err := NewS3Host(&recordingPutter{}, S3Config{Bucket: "b"}); !errors.Is(err, errMissingBaseURL) {
		t.Fatalf("expected missing base url error, got %v", err)
	}
}

func TestS3HostStoresObjectAndReturnsURL(t *testing.T) {
	putter := &recordingPutter{}
	host, err := NewS3Host(putter, S3Config{
		Bucket:        "diary",
		PublicBaseURL: "https://cdn.example.com/",
		Clock:         func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("failed to build host: %v", err)
	}

	hosted, err := host.Host(context.Background(), "my photo.jpg", "image/jpeg", []byte("jpeg"))
	if err != nil {
		t.Fatalf("host failed: %v", err)
	}
	key := aws.ToString(putter.input.Key)
	if !strings.HasPrefix(key, "attachments/2024/06/01/") || !strings.HasSuffix(key, "/my photo.jpg") {
		t.Fatalf("unexpected key %q", key)
	}
	if aws.ToString(putter.input.Bucket) != "diary" || aws.ToString(putter.input.ContentType) != "image/jpeg" {
		t.Fatalf("unexpected input %+v", putter.input)
	}
	if putter.body != "jpeg" {
		t.Fatalf("unexpected body %q", putter.body)
	}
	if !strings.HasPrefix(hosted.URL, "https://cdn.example.com/attachments/2024/06/01/") ||
		!strings.HasSuffix(hosted.URL, "/my%20photo.jpg") {
		t.Fatalf("unexpected url %q", hosted.URL)
	}
	if hosted.UploadID != "" {
		t.Fatalf("expected no upload id, got %q", hosted.UploadID)
	}
}

func TestS3HostClassifiesErrors(t *testing.T) {
	host, err := NewS3Host(&recordingPutter{err: statusError{status: 503}}, S3Config{Bucket: "b", PublicBaseURL: "https://cdn"})
	if err != nil {
		t.Fatalf("failed to build host: %v", err)
	}
	if _, err := host.Host(context.Background(), "a.jpg", "image/jpeg", []byte("x")); !diary.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}

	host, err = NewS3Host(&recordingPutter{err: statusError{status: 403}}, S3Config{Bucket: "b", PublicBaseURL: "https://cdn"})
	if err != nil {
		t.Fatalf("failed to build host: %v", err)
	}
	if _, err := host.Host(context.Background(), "a.jpg", "image/jpeg", []byte("x")); !diary.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestPreviewFetcherReadsOpenGraphTags(t *testing.T) {
	var userAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, `<html><head>
<title>Fallback title</title>
<meta property="og:title" content="Tom &amp; Jerry">
<meta property="og:description" content="  A   chase  ">
</head><body><meta property="og:title" content="ignored"></body></html>`)
	}))
	defer server.Close()

	preview, err := NewPreviewFetcher(PreviewConfig{HTTPClient: server.Client()}).Preview(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("preview failed: %v", err)
	}
	if preview.Title != "Tom & Jerry" || preview.Description != "A chase" {
		t.Fatalf("unexpected preview %+v", preview)
	}
	if userAgent != previewUserAgent {
		t.Fatalf("unexpected user agent %q", userAgent)
	}
}

func TestPreviewFetcherFallsBackToTitleAndDescription(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<html><head><title>Plain &lt;page&gt;</title>
<meta name="description" content="Described"></head></html>`)
	}))
	defer server.Close()

	preview, err := NewPreviewFetcher(PreviewConfig{HTTPClient: server.Client()}).Preview(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("preview failed: %v", err)
	}
	if preview.Title != "Plain <page>" || preview.Description != "Described" {
		t.Fatalf("unexpected preview %+v", preview)
	}
	if preview.Caption() != "Plain <page>\nDescribed" {
		t.Fatalf("unexpected caption %q", preview.Caption())
	}
}

func TestPreviewFetcherRejectsFailures(t *testing.T) {
	testCases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{name: "not found", handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) }},
		{name: "not html", handler: func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "image/png")
			_, _ = io.WriteString(w, "png")
		}},
		{name: "too slow", handler: func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			server := httptest.NewServer(testCase.handler)
			defer server.Close()

			fetcher := NewPreviewFetcher(PreviewConfig{HTTPClient: server.Client(), Timeout: 50 * time.Millisecond})
			if _, err := fetcher.Preview(context.Background(), server.URL); err == nil {
				t.Fatalf("expected preview error")
			}
		})
	}
}
