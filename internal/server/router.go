package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ekuinox/kgd/internal/auth"
	"github.com/ekuinox/kgd/internal/diary"
	"github.com/ekuinox/kgd/internal/ingest"
	"github.com/ekuinox/kgd/internal/reconcile"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const subjectContextKey = "kgd_subject"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingEventHandler   = errors.New("event handler dependency required")
	errMissingDiaryReader    = errors.New("diary reader dependency required")
	errMissingResyncer       = errors.New("resync dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator checks bearer tokens and returns their subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// EventHandler accepts chat events for asynchronous processing.
type EventHandler interface {
	Handle(ctx context.Context, event ingest.Event) error
}

// DiaryReader exposes the stored entry and block mapping state.
type DiaryReader interface {
	GetEntry(ctx context.Context, threadID diary.ThreadID) (diary.Entry, bool, error)
	GetBlocks(ctx context.Context, messageID diary.MessageID) ([]diary.MessageBlock, error)
	State(messageID diary.MessageID, blocks []diary.MessageBlock) reconcile.MessageState
	Failures() []*reconcile.SyncFailure
	Audit(ctx context.Context) (diary.AuditReport, error)
}

// Resyncer re-drives recorded failures.
type Resyncer interface {
	Resync(ctx context.Context, key string) error
	ResyncAll(ctx context.Context) (int, error)
}

// Dependencies wires the HTTP surface to the sync engine.
type Dependencies struct {
	Tokens   TokenValidator
	Events   EventHandler
	Diary    DiaryReader
	Resyncer Resyncer
	Logger   *zap.Logger
}

// NewHTTPHandler builds the gin router serving health, webhook ingestion
// and diary inspection endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Events == nil {
		return nil, errMissingEventHandler
	}
	if deps.Diary == nil {
		return nil, errMissingDiaryReader
	}
	if deps.Resyncer == nil {
		return nil, errMissingResyncer
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:   deps.Tokens,
		events:   deps.Events,
		diary:    deps.Diary,
		resyncer: deps.Resyncer,
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/events", handler.handleEvent)
	protected.GET("/diary/entries/:thread_id", handler.handleGetEntry)
	protected.GET("/diary/messages/:message_id/blocks", handler.handleGetBlocks)
	protected.GET("/diary/failures", handler.handleListFailures)
	protected.POST("/diary/resync", handler.handleResync)
	protected.POST("/diary/audit", handler.handleAudit)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens   TokenValidator
	events   EventHandler
	diary    DiaryReader
	resyncer Resyncer
	logger   *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleEvent(c *gin.Context) {
	var event ingest.Event
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	// The stream outlives the request; cancellation must not drop the event.
	err := h.events.Handle(context.WithoutCancel(c.Request.Context()), event)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	case errors.Is(err, ingest.ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event", "detail": err.Error()})
	case errors.Is(err, ingest.ErrDispatcherClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting_down"})
	default:
		h.logger.Error("failed to queue event",
			zap.String("kind", string(event.Kind)),
			zap.String("thread_id", event.ThreadID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorPayload("queue_failed", err))
	}
}

type entryResponsePayload struct {
	ThreadID  string    `json:"thread_id"`
	PageID    string    `json:"page_id"`
	PageURL   string    `json:"page_url"`
	Date      string    `json:"date"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *httpHandler) handleGetEntry(c *gin.Context) {
	threadID, err := diary.NewThreadID(c.Param("thread_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_thread_id"})
		return
	}
	entry, found, err := h.diary.GetEntry(c.Request.Context(), threadID)
	if err != nil {
		h.logger.Error("failed to load entry", zap.String("thread_id", threadID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorPayload("lookup_failed", err))
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, entryResponsePayload{
		ThreadID:  entry.ThreadID,
		PageID:    entry.PageID,
		PageURL:   entry.PageURL,
		Date:      entry.Date,
		CreatedAt: entry.CreatedAt,
	})
}

type blockPayload struct {
	BlockID    string `json:"block_id"`
	BlockType  string `json:"block_type"`
	BlockOrder int    `json:"block_order"`
}

type blocksResponsePayload struct {
	MessageID string         `json:"message_id"`
	State     string         `json:"state"`
	Blocks    []blockPayload `json:"blocks"`
}

func (h *httpHandler) handleGetBlocks(c *gin.Context) {
	messageID, err := diary.NewMessageID(c.Param("message_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_message_id"})
		return
	}
	blocks, err := h.diary.GetBlocks(c.Request.Context(), messageID)
	if err != nil {
		h.logger.Error("failed to load blocks", zap.String("message_id", messageID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorPayload("lookup_failed", err))
		return
	}
	response := blocksResponsePayload{
		MessageID: messageID.String(),
		State:     string(h.diary.State(messageID, blocks)),
		Blocks:    make([]blockPayload, 0, len(blocks)),
	}
	for _, block := range blocks {
		response.Blocks = append(response.Blocks, blockPayload{
			BlockID:    block.BlockID,
			BlockType:  string(block.BlockType),
			BlockOrder: block.BlockOrder,
		})
	}
	c.JSON(http.StatusOK, response)
}

type failurePayload struct {
	Key           string    `json:"key"`
	ThreadID      string    `json:"thread_id"`
	MessageID     string    `json:"message_id,omitempty"`
	Operation     string    `json:"operation"`
	Kind          string    `json:"kind"`
	CorrelationID string    `json:"correlation_id"`
	FailedAt      time.Time `json:"failed_at"`
	Error         string    `json:"error"`
}

func (h *httpHandler) handleListFailures(c *gin.Context) {
	failures := h.diary.Failures()
	response := make([]failurePayload, 0, len(failures))
	for _, failure := range failures {
		payload := failurePayload{
			Key:           failure.Operation.Key(),
			ThreadID:      failure.ThreadID.String(),
			MessageID:     failure.MessageID.String(),
			Operation:     string(failure.Operation.Kind),
			Kind:          string(failure.Kind),
			CorrelationID: failure.CorrelationID,
			FailedAt:      failure.FailedAt,
		}
		if failure.Err != nil {
			payload.Error = failure.Err.Error()
		}
		response = append(response, payload)
	}
	c.JSON(http.StatusOK, gin.H{"failures": response})
}

type resyncRequestPayload struct {
	Key string `json:"key"`
	All bool   `json:"all"`
}

func (h *httpHandler) handleResync(c *gin.Context) {
	var request resyncRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	key := strings.TrimSpace(request.Key)
	if request.All == (key != "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key_or_all_required"})
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	if request.All {
		queued, err := h.resyncer.ResyncAll(ctx)
		if err != nil {
			h.logger.Error("resync all failed", zap.Int("queued", queued), zap.Error(err))
			c.JSON(http.StatusInternalServerError, errorPayload("resync_failed", err))
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"queued": queued})
		return
	}

	err := h.resyncer.Resync(ctx, key)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"queued": 1})
	case errors.Is(err, ingest.ErrNoFailure):
		c.JSON(http.StatusNotFound, gin.H{"error": "no_failure"})
	default:
		h.logger.Error("resync failed", zap.String("key", key), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorPayload("resync_failed", err))
	}
}

type auditResponsePayload struct {
	MessagesChecked    int      `json:"messages_checked"`
	Violations         []string `json:"violations"`
	Repaired           int      `json:"repaired"`
	OrphanFingerprints int64    `json:"orphan_fingerprints"`
}

func (h *httpHandler) handleAudit(c *gin.Context) {
	report, err := h.diary.Audit(c.Request.Context())
	if err != nil {
		h.logger.Error("audit failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorPayload("audit_failed", err))
		return
	}
	response := auditResponsePayload{
		MessagesChecked:    report.MessagesChecked,
		Violations:         make([]string, 0, len(report.Violations)),
		Repaired:           report.Repaired,
		OrphanFingerprints: report.OrphanFingerprints,
	}
	for _, violation := range report.Violations {
		response.Violations = append(response.Violations, violation.Error())
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

type codedError interface {
	Code() string
}

func errorPayload(message string, err error) gin.H {
	payload := gin.H{"error": message}
	var coded codedError
	if errors.As(err, &coded) {
		payload["code"] = coded.Code()
	}
	return payload
}
