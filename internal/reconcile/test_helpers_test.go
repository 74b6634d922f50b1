package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ekuinox/kgd/internal/diary"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var errAttemptFailed = errors.New("status 503")

type fakePages struct {
	mu      sync.Mutex
	created []string
}

func (f *fakePages) CreatePage(ctx context.Context, title string) (diary.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, title)
	id := fmt.Sprintf("P%d", len(f.created))
	return diary.Page{ID: id, URL: "https://www.notion.so/" + id}, nil
}

func (f *fakePages) FindPageByTitle(ctx context.Context, title string) (diary.Page, bool, error) {
	return diary.Page{}, false, nil
}

func (f *fakePages) ArchivePage(ctx context.Context, pageID string) error {
	return nil
}

// fakeDocuments keeps each page as an ordered list of block ids.
type fakeDocuments struct {
	mu        sync.Mutex
	pages     map[string][]string
	contents  map[string]diary.BlockContent
	nextBlock int

	appendCalls int
	updateCalls int
	deleteCalls int

	// failAppend returns an error for the given 1-based append call number.
	failAppend func(call int) error
	failUpdate error
	failDelete func(blockID string) error
}

func newFakeDocuments() *fakeDocuments {
	return &fakeDocuments{
		pages:    make(map[string][]string),
		contents: make(map[string]diary.BlockContent),
	}
}

func (f *fakeDocuments) AppendBlock(ctx context.Context, pageID, afterBlockID string, content diary.BlockContent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendCalls++
	if f.failAppend != nil {
		if err := f.failAppend(f.appendCalls); err != nil {
			return "", err
		}
	}
	f.nextBlock++
	blockID := fmt.Sprintf("B%d", f.nextBlock)
	blocks := f.pages[pageID]
	position := len(blocks)
	if afterBlockID != "" {
		position = -1
		for index, existing := range blocks {
			if existing == afterBlockID {
				position = index + 1
				break
			}
		}
		if position < 0 {
			return "", &diary.PermanentAPIError{Op: "append_block", Status: 400, Err: errors.New("after block not found")}
		}
	}
	blocks = append(blocks, "")
	copy(blocks[position+1:], blocks[position:])
	blocks[position] = blockID
	f.pages[pageID] = blocks
	f.contents[blockID] = content
	return blockID, nil
}

func (f *fakeDocuments) UpdateBlock(ctx context.Context, blockID string, content diary.BlockContent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.failUpdate != nil {
		return f.failUpdate
	}
	if _, ok := f.contents[blockID]; !ok {
		return &diary.PermanentAPIError{Op: "update_block", Status: 404, Err: errors.New("not found")}
	}
	f.contents[blockID] = content
	return nil
}

func (f *fakeDocuments) DeleteBlock(ctx context.Context, blockID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if f.failDelete != nil {
		if err := f.failDelete(blockID); err != nil {
			return err
		}
	}
	if _, ok := f.contents[blockID]; !ok {
		return &diary.PermanentAPIError{Op: "delete_block", Status: 404, Err: errors.New("not found")}
	}
	delete(f.contents, blockID)
	for pageID, blocks := range f.pages {
		for index, existing := range blocks {
			if existing == blockID {
				f.pages[pageID] = append(blocks[:index], blocks[index+1:]...)
				break
			}
		}
	}
	return nil
}

func (f *fakeDocuments) page(pageID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pages[pageID]...)
}

func (f *fakeDocuments) content(blockID string) diary.BlockContent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contents[blockID]
}

func (f *fakeDocuments) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendCalls + f.updateCalls + f.deleteCalls
}

type fakeFetcher struct {
	data map[string][]byte
	err  error
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.data[url]
	if !ok {
		return nil, fmt.Errorf("unexpected fetch of %s", url)
	}
	return data, nil
}

type fakeTranscoder struct {
	err   error
	calls int
}

func (f *fakeTranscoder) Transcode(ctx context.Context, data []byte, mediaType string) ([]byte, string, error) {
	f.calls++
	if f.err != nil {
		return nil, "", f.err
	}
	return append([]byte("jpeg:"), data...), "image/jpeg", nil
}

type fakeMediaHost struct {
	hosted []string
}

func (f *fakeMediaHost) Host(ctx context.Context, filename, mediaType string, data []byte) (diary.HostedMedia, error) {
	f.hosted = append(f.hosted, filename)
	return diary.HostedMedia{UploadID: fmt.Sprintf("upload-%d", len(f.hosted))}, nil
}

type staticIDs struct{}

func (staticIDs) NewID() (string, error) {
	return "correlation-1", nil
}

type harness struct {
	db         *gorm.DB
	registry   *diary.Registry
	mapper     *diary.Mapper
	pages      *fakePages
	documents  *fakeDocuments
	fetcher    *fakeFetcher
	transcoder *fakeTranscoder
	media      *fakeMediaHost
	reconciler *Reconciler
}

func testRetry() diary.RetryPolicy {
	return diary.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		CallTimeout: time.Second,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dsn := fmt.Sprintf("file:kgd_reconcile_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(diary.Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	h := &harness{
		db:         db,
		pages:      &fakePages{},
		documents:  newFakeDocuments(),
		fetcher:    &fakeFetcher{data: map[string][]byte{}},
		transcoder: &fakeTranscoder{},
		media:      &fakeMediaHost{},
	}
	h.registry, err = diary.NewRegistry(diary.RegistryConfig{Database: db, Pages: h.pages, Retry: testRetry()})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	h.mapper, err = diary.NewMapper(diary.MapperConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct mapper: %v", err)
	}
	builder, err := NewBuilder(BuilderConfig{Fetcher: h.fetcher, Transcoder: h.transcoder, Retry: testRetry()})
	if err != nil {
		t.Fatalf("failed to construct builder: %v", err)
	}
	h.reconciler, err = New(Config{
		Registry:   h.registry,
		Mapper:     h.mapper,
		Documents:  h.documents,
		Builder:    builder,
		Media:      h.media,
		Retry:      testRetry(),
		IDProvider: staticIDs{},
		Clock:      func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("failed to construct reconciler: %v", err)
	}
	return h
}

func (h *harness) blocks(t *testing.T, messageID string) []diary.MessageBlock {
	t.Helper()
	blocks, err := h.mapper.GetBlocks(context.Background(), mustMessageID(t, messageID))
	if err != nil {
		t.Fatalf("failed to load blocks: %v", err)
	}
	return blocks
}

func mustThreadID(t *testing.T, value string) diary.ThreadID {
	t.Helper()
	id, err := diary.NewThreadID(value)
	if err != nil {
		t.Fatalf("unexpected thread id error: %v", err)
	}
	return id
}

func mustMessageID(t *testing.T, value string) diary.MessageID {
	t.Helper()
	id, err := diary.NewMessageID(value)
	if err != nil {
		t.Fatalf("unexpected message id error: %v", err)
	}
	return id
}

func messageOp(t *testing.T, kind OperationKind, threadID, messageID, text string, attachments ...Attachment) Operation {
	t.Helper()
	return Operation{
		Kind:        kind,
		ThreadID:    mustThreadID(t, threadID),
		Date:        time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		MessageID:   mustMessageID(t, messageID),
		Text:        text,
		Attachments: attachments,
	}
}

func assertMapping(t *testing.T, blocks []diary.MessageBlock, expected ...string) {
	t.Helper()
	if len(blocks) != len(expected)/2 {
		t.Fatalf("expected %d mapping rows, got %d: %#v", len(expected)/2, len(blocks), blocks)
	}
	for index, block := range blocks {
		if block.BlockOrder != index {
			t.Fatalf("expected block_order %d, got %d", index, block.BlockOrder)
		}
		if block.BlockID != expected[index*2] || string(block.BlockType) != expected[index*2+1] {
			t.Fatalf("expected (%s,%s) at %d, got (%s,%s)", expected[index*2], expected[index*2+1], index, block.BlockID, block.BlockType)
		}
	}
}

func (h *harness) state(t *testing.T, messageID string) MessageState {
	t.Helper()
	return h.reconciler.State(mustMessageID(t, messageID), h.blocks(t, messageID))
}
