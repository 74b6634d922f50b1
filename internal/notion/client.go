package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ekuinox/kgd/internal/diary"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL       = "https://api.notion.com"
	defaultAPIVersion    = "2022-06-28"
	defaultHTTPTimeout   = 20 * time.Second
	defaultRatePerSecond = 3.0
	defaultMaxRetryAfter = 5 * time.Second
	headerNotionVersion  = "Notion-Version"
	headerRetryAfter     = "Retry-After"
	contentTypeJSON      = "application/json"
)

var (
	errMissingToken      = errors.New("notion token is required")
	errMissingDatabaseID = errors.New("notion database id is required")
	errEmptyResults      = errors.New("notion response carried no results")
)

// Tag is a select or multi-select property value applied to every new page.
type Tag struct {
	Property    string
	Value       string
	MultiSelect bool
}

// Config describes how the client reaches the Notion API.
type Config struct {
	Token         string
	DatabaseID    string
	TitleProperty string
	Tags          []Tag
	BaseURL       string
	APIVersion    string
	// RequestsPerSecond bounds outgoing calls across every goroutine.
	RequestsPerSecond float64
	// MaxRetryAfter caps how long a rate limited call waits before
	// reporting the transient failure to the caller's retry loop.
	MaxRetryAfter time.Duration
	HTTPClient    *http.Client
	Logger        *zap.Logger
}

// Client issues single-attempt Notion API calls and classifies failures
// as diary.TransientAPIError or diary.PermanentAPIError. Retrying is left
// to diary.RetryPolicy.
type Client struct {
	token         string
	databaseID    string
	titleProperty string
	tags          []Tag
	baseURL       string
	apiVersion    string
	maxRetryAfter time.Duration
	httpClient    *http.Client
	limiter       *rate.Limiter
	logger        *zap.Logger
}

// New validates cfg and constructs a Client.
func New(cfg Config) (*Client, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errMissingToken
	}
	databaseID := strings.TrimSpace(cfg.DatabaseID)
	if databaseID == "" {
		return nil, errMissingDatabaseID
	}
	titleProperty := strings.TrimSpace(cfg.TitleProperty)
	if titleProperty == "" {
		titleProperty = "Name"
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	apiVersion := strings.TrimSpace(cfg.APIVersion)
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	perSecond := cfg.RequestsPerSecond
	if perSecond <= 0 {
		perSecond = defaultRatePerSecond
	}
	maxRetryAfter := cfg.MaxRetryAfter
	if maxRetryAfter <= 0 {
		maxRetryAfter = defaultMaxRetryAfter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		token:         token,
		databaseID:    databaseID,
		titleProperty: titleProperty,
		tags:          append([]Tag(nil), cfg.Tags...),
		baseURL:       baseURL,
		apiVersion:    apiVersion,
		maxRetryAfter: maxRetryAfter,
		httpClient:    httpClient,
		limiter:       rate.NewLimiter(rate.Limit(perSecond), 1),
		logger:        logger,
	}, nil
}

// CreatePage adds a page titled title to the configured database.
func (c *Client) CreatePage(ctx context.Context, title string) (diary.Page, error) {
	properties := map[string]any{
		c.titleProperty: map[string]any{"title": []richText{plainText(title)}},
	}
	for _, tag := range c.tags {
		if tag.MultiSelect {
			properties[tag.Property] = map[string]any{"multi_select": []selectOption{{Name: tag.Value}}}
			continue
		}
		properties[tag.Property] = map[string]any{"select": selectOption{Name: tag.Value}}
	}
	body := map[string]any{
		"parent":     map[string]string{"database_id": c.databaseID},
		"properties": properties,
	}

	var created pageObject
	if err := c.do(ctx, "create_page", http.MethodPost, "/v1/pages", body, &created); err != nil {
		return diary.Page{}, err
	}
	return diary.Page{ID: created.ID, URL: created.URL}, nil
}

// FindPageByTitle returns the first live page in the database whose title
// equals title.
func (c *Client) FindPageByTitle(ctx context.Context, title string) (diary.Page, bool, error) {
	body := map[string]any{
		"filter": map[string]any{
			"property": c.titleProperty,
			"title":    map[string]string{"equals": title},
		},
		"page_size": 1,
	}
	var result struct {
		Results []pageObject `json:"results"`
	}
	path := "/v1/databases/" + c.databaseID + "/query"
	if err := c.do(ctx, "find_page", http.MethodPost, path, body, &result); err != nil {
		return diary.Page{}, false, err
	}
	for _, page := range result.Results {
		if page.Archived || page.InTrash {
			continue
		}
		return diary.Page{ID: page.ID, URL: page.URL}, true, nil
	}
	return diary.Page{}, false, nil
}

// ArchivePage moves a page to the trash.
func (c *Client) ArchivePage(ctx context.Context, pageID string) error {
	body := map[string]bool{"archived": true}
	return c.do(ctx, "archive_page", http.MethodPatch, "/v1/pages/"+pageID, body, nil)
}

// AppendBlock inserts content as a child of pageID directly after
// afterBlockID, or at the end of the page when afterBlockID is empty.
func (c *Client) AppendBlock(ctx context.Context, pageID, afterBlockID string, content diary.BlockContent) (string, error) {
	block, err := newBlock(content)
	if err != nil {
		return "", &diary.PermanentAPIError{Op: "append_block", Err: err}
	}
	body := appendRequest{Children: []blockObject{block}, After: afterBlockID}
	var result struct {
		Results []struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	if err := c.do(ctx, "append_block", http.MethodPatch, "/v1/blocks/"+pageID+"/children", body, &result); err != nil {
		return "", err
	}
	if len(result.Results) == 0 {
		return "", &diary.PermanentAPIError{Op: "append_block", Status: http.StatusOK, Err: errEmptyResults}
	}
	return result.Results[0].ID, nil
}

// UpdateBlock rewrites blockID in place. The block type cannot change.
func (c *Client) UpdateBlock(ctx context.Context, blockID string, content diary.BlockContent) error {
	block, err := newBlock(content)
	if err != nil {
		return &diary.PermanentAPIError{Op: "update_block", Err: err}
	}
	return c.do(ctx, "update_block", http.MethodPatch, "/v1/blocks/"+blockID, block.update(), nil)
}

// DeleteBlock archives blockID.
func (c *Client) DeleteBlock(ctx context.Context, blockID string) error {
	return c.do(ctx, "delete_block", http.MethodDelete, "/v1/blocks/"+blockID, nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return &diary.PermanentAPIError{Op: op, Err: err}
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &diary.PermanentAPIError{Op: op, Err: err}
	}
	if payload != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	return c.send(ctx, op, req, out)
}

// send executes req once under the rate limiter and decodes a 2xx body
// into out.
func (c *Client) send(ctx context.Context, op string, req *http.Request, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set(headerNotionVersion, c.apiVersion)

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &diary.TransientAPIError{Op: op, Err: err}
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	c.logger.Debug("notion request finished",
		zap.String("operation", op),
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(started)))
	if readErr != nil {
		return &diary.TransientAPIError{Op: op, Err: readErr}
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(respBody) == 0 {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return &diary.PermanentAPIError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	}

	apiErr := parseAPIError(resp.StatusCode, respBody)
	if isRetryableStatus(resp.StatusCode) {
		if wait := parseRetryAfterSeconds(resp.Header.Get(headerRetryAfter)); wait > 0 {
			if wait > c.maxRetryAfter {
				wait = c.maxRetryAfter
			}
			if err := sleepContext(ctx, wait); err != nil {
				return err
			}
		}
		return &diary.TransientAPIError{Op: op, Err: apiErr}
	}
	return &diary.PermanentAPIError{Op: op, Status: resp.StatusCode, Code: apiErr.Code, Err: apiErr}
}

// APIError is the decoded body of a non-2xx Notion response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("notion: status=%d code=%s message=%s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("notion: status=%d message=%s", e.Status, e.Message)
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status, Message: strings.TrimSpace(string(body))}
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		apiErr.Code = parsed.Code
		if strings.TrimSpace(parsed.Message) != "" {
			apiErr.Message = parsed.Message
		}
	}
	return apiErr
}

// isRetryableStatus covers rate limiting, server errors and Notion's
// conflict_error, which it documents as safe to retry.
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusConflict ||
		(status >= 500 && status <= 599)
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
