package diary

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:kgd_diary_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func mustThreadID(t *testing.T, value string) ThreadID {
	t.Helper()
	id, err := NewThreadID(value)
	if err != nil {
		t.Fatalf("unexpected thread id error: %v", err)
	}
	return id
}

func mustMessageID(t *testing.T, value string) MessageID {
	t.Helper()
	id, err := NewMessageID(value)
	if err != nil {
		t.Fatalf("unexpected message id error: %v", err)
	}
	return id
}

func mustDate(t *testing.T, value string) time.Time {
	t.Helper()
	date, err := ParseDate(value)
	if err != nil {
		t.Fatalf("unexpected date error: %v", err)
	}
	return date
}

func fastRetry() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		CallTimeout: time.Second,
	}
}

type fakePageAPI struct {
	mu           sync.Mutex
	created      []string
	archived     []string
	existing     map[string]Page
	failCreates  int
	createErr    error
	beforeReturn func(page Page)
}

func (f *fakePageAPI) CreatePage(ctx context.Context, title string) (Page, error) {
	f.mu.Lock()
	if f.failCreates > 0 {
		f.failCreates--
		f.mu.Unlock()
		return Page{}, &TransientAPIError{Op: "create_page", Err: fmt.Errorf("status 503")}
	}
	if f.createErr != nil {
		err := f.createErr
		f.mu.Unlock()
		return Page{}, err
	}
	f.created = append(f.created, title)
	page := Page{
		ID:  fmt.Sprintf("page-%d", len(f.created)),
		URL: fmt.Sprintf("https://www.notion.so/page-%d", len(f.created)),
	}
	hook := f.beforeReturn
	f.mu.Unlock()
	if hook != nil {
		hook(page)
	}
	return page, nil
}

func (f *fakePageAPI) FindPageByTitle(ctx context.Context, title string) (Page, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	page, ok := f.existing[title]
	return page, ok, nil
}

func (f *fakePageAPI) ArchivePage(ctx context.Context, pageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, pageID)
	return nil
}
