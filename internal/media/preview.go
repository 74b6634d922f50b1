package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ekuinox/kgd/internal/diary"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	defaultPreviewTimeout  = 10 * time.Second
	defaultPreviewMaxBytes = 1 << 20
	previewUserAgent       = "kgd-bot/1.0"
)

// PreviewConfig describes how link previews are fetched.
type PreviewConfig struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	// MaxBytes bounds how much of a page is read while looking for metadata.
	MaxBytes int64
	Logger   *zap.Logger
}

// PreviewFetcher reads Open Graph metadata from linked pages.
type PreviewFetcher struct {
	httpClient *http.Client
	timeout    time.Duration
	maxBytes   int64
	logger     *zap.Logger
}

// NewPreviewFetcher constructs a PreviewFetcher with defaults applied.
func NewPreviewFetcher(cfg PreviewConfig) *PreviewFetcher {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultPreviewTimeout
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultPreviewMaxBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PreviewFetcher{httpClient: httpClient, timeout: timeout, maxBytes: maxBytes, logger: logger}
}

// Preview fetches target and returns its og:title and og:description,
// falling back to the title element and the description meta tag.
func (f *PreviewFetcher) Preview(ctx context.Context, target string) (diary.LinkPreview, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return diary.LinkPreview{}, err
	}
	req.Header.Set("User-Agent", previewUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return diary.LinkPreview{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return diary.LinkPreview{}, fmt.Errorf("preview %s: status %d", target, resp.StatusCode)
	}
	if mediaType := resp.Header.Get("Content-Type"); mediaType != "" && !strings.Contains(mediaType, "html") {
		return diary.LinkPreview{}, fmt.Errorf("preview %s: content type %q", target, mediaType)
	}

	preview := parsePreview(io.LimitReader(resp.Body, f.maxBytes))
	f.logger.Debug("link preview fetched",
		zap.String("url", target),
		zap.Bool("has_title", preview.Title != ""))
	return preview, nil
}

func parsePreview(body io.Reader) diary.LinkPreview {
	var (
		ogTitle, ogDescription string
		title, description     string
		inTitle                bool
	)
	tokenizer := html.NewTokenizer(body)
scan:
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			break scan
		case html.StartTagToken, html.SelfClosingTagToken:
			token := tokenizer.Token()
			switch token.DataAtom {
			case atom.Body:
				break scan
			case atom.Title:
				inTitle = title == ""
			case atom.Meta:
				key, content := metaPair(token)
				switch key {
				case "og:title":
					ogTitle = content
				case "og:description":
					ogDescription = content
				case "description":
					description = content
				}
			}
		case html.TextToken:
			if inTitle {
				title += string(tokenizer.Text())
			}
		case html.EndTagToken:
			token := tokenizer.Token()
			switch token.DataAtom {
			case atom.Title:
				inTitle = false
			case atom.Head:
				break scan
			}
		}
	}
	return diary.LinkPreview{
		Title:       firstNonBlank(ogTitle, title),
		Description: firstNonBlank(ogDescription, description),
	}
}

func metaPair(token html.Token) (string, string) {
	var key, content string
	for _, attribute := range token.Attr {
		switch strings.ToLower(attribute.Key) {
		case "property", "name":
			if key == "" {
				key = strings.ToLower(strings.TrimSpace(attribute.Val))
			}
		case "content":
			content = attribute.Val
		}
	}
	return key, content
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if trimmed := strings.Join(strings.Fields(value), " "); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
