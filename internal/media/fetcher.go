package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ekuinox/kgd/internal/diary"
	"go.uber.org/zap"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultMaxBytes     = 25 << 20
)

var errTooLarge = errors.New("attachment exceeds the size limit")

// FetcherConfig describes how attachment bytes are downloaded.
type FetcherConfig struct {
	HTTPClient *http.Client
	// MaxBytes bounds a single download. Larger bodies fail permanently.
	MaxBytes int64
	Logger   *zap.Logger
}

// Fetcher downloads attachment bytes over HTTP.
type Fetcher struct {
	httpClient *http.Client
	maxBytes   int64
	logger     *zap.Logger
}

// NewFetcher constructs a Fetcher with defaults applied.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultFetchTimeout}
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{httpClient: httpClient, maxBytes: maxBytes, logger: logger}
}

// Fetch returns the body at url. Network failures and 5xx/429 responses are
// transient; other non-2xx responses are permanent.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &diary.PermanentAPIError{Op: "fetch_attachment", Err: err}
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &diary.TransientAPIError{Op: "fetch_attachment", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &diary.TransientAPIError{Op: "fetch_attachment", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &diary.PermanentAPIError{Op: "fetch_attachment", Status: resp.StatusCode, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, &diary.TransientAPIError{Op: "fetch_attachment", Err: err}
	}
	if int64(len(data)) > f.maxBytes {
		return nil, &diary.PermanentAPIError{Op: "fetch_attachment", Status: resp.StatusCode, Err: errTooLarge}
	}
	f.logger.Debug("attachment fetched", zap.Int("bytes", len(data)))
	return data, nil
}
