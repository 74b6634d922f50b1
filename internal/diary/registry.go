package diary

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opRegistryNew  = "diary.registry.new"
	opEnsureEntry  = "diary.ensure_entry"
	opGetEntry     = "diary.get_entry"
	opListEntries  = "diary.list_entries"
	fieldThreadID  = "thread_id"
	fieldPageID    = "page_id"
	fieldMessageID = "message_id"
	queryThreadID  = "thread_id = ?"
)

// PageAPI is the slice of the document API the registry needs.
type PageAPI interface {
	CreatePage(ctx context.Context, title string) (Page, error)
	FindPageByTitle(ctx context.Context, title string) (Page, bool, error)
	ArchivePage(ctx context.Context, pageID string) error
}

// RegistryConfig describes the dependencies of the entry registry.
type RegistryConfig struct {
	Database *gorm.DB
	Pages    PageAPI
	Retry    RetryPolicy
	// AdoptExistingPages reuses a page with the same title instead of creating one.
	AdoptExistingPages bool
	Clock              func() time.Time
	Logger             *zap.Logger
}

// Registry maps forum threads to document pages, one page per thread.
type Registry struct {
	db     *gorm.DB
	pages  PageAPI
	retry  RetryPolicy
	adopt  bool
	clock  func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewRegistry validates the configuration and constructs a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, NewServiceError(opRegistryNew, "missing_database", errMissingDatabase)
	}
	if cfg.Pages == nil {
		return nil, NewServiceError(opRegistryNew, "missing_page_api", errMissingPageAPI)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retryPolicy := cfg.Retry
	if retryPolicy.Logger == nil {
		retryPolicy.Logger = logger
	}
	return &Registry{
		db:     cfg.Database,
		pages:  cfg.Pages,
		retry:  retryPolicy,
		adopt:  cfg.AdoptExistingPages,
		clock:  clock,
		logger: logger,
	}, nil
}

// GetEntry looks up the entry for threadID. It never calls the document
// API or writes rows; found entries are cached in memory.
func (r *Registry) GetEntry(ctx context.Context, threadID ThreadID) (Entry, bool, error) {
	if cached, ok := r.cache.Load(threadID.String()); ok {
		if entry, ok := cached.(Entry); ok {
			return entry, true, nil
		}
	}

	var entry Entry
	err := r.db.WithContext(ctx).Where(queryThreadID, threadID.String()).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		r.logError(opGetEntry, "query_failed", err, zap.String(fieldThreadID, threadID.String()))
		return Entry{}, false, NewServiceError(opGetEntry, "query_failed", err)
	}
	r.cache.Store(threadID.String(), entry)
	return entry, true, nil
}

// EnsureEntry returns the entry for threadID, creating the document page and
// the entry row on first contact. Replaying the call never creates a second
// page: a concurrent writer that loses the insert race adopts the winning
// row and archives the page it created.
func (r *Registry) EnsureEntry(ctx context.Context, threadID ThreadID, title string, date time.Time) (Entry, error) {
	existing, found, err := r.GetEntry(ctx, threadID)
	if err != nil {
		return Entry{}, err
	}
	if found {
		return existing, nil
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = FormatDate(date)
	}

	page, adopted, err := r.resolvePage(ctx, title)
	if err != nil {
		r.logError(opEnsureEntry, "page_create_failed", err, zap.String(fieldThreadID, threadID.String()))
		return Entry{}, NewServiceError(opEnsureEntry, "page_create_failed", err)
	}

	entry := Entry{
		ThreadID:  threadID.String(),
		PageID:    page.ID,
		PageURL:   page.URL,
		Date:      FormatDate(date),
		CreatedAt: r.clock().UTC(),
	}
	insertErr := r.db.WithContext(ctx).Create(&entry).Error
	if insertErr == nil {
		r.cache.Store(threadID.String(), entry)
		r.logger.Info("diary entry created",
			zap.String(fieldThreadID, entry.ThreadID),
			zap.String(fieldPageID, entry.PageID),
			zap.Bool("adopted", adopted))
		return entry, nil
	}
	if !isUniqueViolation(insertErr) {
		r.logError(opEnsureEntry, "insert_failed", insertErr, zap.String(fieldThreadID, threadID.String()))
		return Entry{}, NewServiceError(opEnsureEntry, "insert_failed", insertErr)
	}

	conflict := &ConflictError{Table: Entry{}.TableName(), Key: threadID.String(), Err: insertErr}
	r.logger.Info("diary entry insert lost race, adopting winner",
		zap.String(fieldThreadID, threadID.String()),
		zap.Error(conflict))

	var winner Entry
	if err := r.db.WithContext(ctx).Where(queryThreadID, threadID.String()).Take(&winner).Error; err != nil {
		r.logError(opEnsureEntry, "winner_lookup_failed", err, zap.String(fieldThreadID, threadID.String()))
		return Entry{}, NewServiceError(opEnsureEntry, "winner_lookup_failed", err)
	}
	if !adopted && winner.PageID != page.ID {
		r.archiveOrphan(ctx, threadID, page.ID)
	}
	r.cache.Store(threadID.String(), winner)
	return winner, nil
}

// ListEntries returns the entries recorded for a logical date.
func (r *Registry) ListEntries(ctx context.Context, date time.Time) ([]Entry, error) {
	var entries []Entry
	if err := r.db.WithContext(ctx).
		Where("date = ?", FormatDate(date)).
		Order("created_at ASC").
		Find(&entries).Error; err != nil {
		r.logError(opListEntries, "query_failed", err)
		return nil, NewServiceError(opListEntries, "query_failed", err)
	}
	return entries, nil
}

func (r *Registry) resolvePage(ctx context.Context, title string) (Page, bool, error) {
	if r.adopt {
		var (
			page  Page
			found bool
		)
		err := r.retry.Do(ctx, "find_page", func(ctx context.Context) error {
			var findErr error
			page, found, findErr = r.pages.FindPageByTitle(ctx, title)
			return findErr
		})
		if err != nil {
			return Page{}, false, err
		}
		if found {
			return page, true, nil
		}
	}

	var page Page
	err := r.retry.Do(ctx, "create_page", func(ctx context.Context) error {
		var createErr error
		page, createErr = r.pages.CreatePage(ctx, title)
		return createErr
	})
	return page, false, err
}

func (r *Registry) archiveOrphan(ctx context.Context, threadID ThreadID, pageID string) {
	err := r.retry.Do(ctx, "archive_page", func(ctx context.Context) error {
		return r.pages.ArchivePage(ctx, pageID)
	})
	if err != nil {
		r.logger.Warn("failed to archive orphaned page",
			zap.String(fieldThreadID, threadID.String()),
			zap.String(fieldPageID, pageID),
			zap.Error(err))
		return
	}
	r.logger.Info("archived orphaned page",
		zap.String(fieldThreadID, threadID.String()),
		zap.String(fieldPageID, pageID))
}

func (r *Registry) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("diary registry error", attrs...)
}
