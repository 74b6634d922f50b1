package diary

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	maxIdentifierLength = 64
	dateLayout          = "2006-01-02"
)

var (
	// ErrInvalidThreadID indicates that a thread identifier is empty or exceeds storage bounds.
	ErrInvalidThreadID = errors.New("diary: invalid thread id")
	// ErrInvalidMessageID indicates that a message identifier is empty or exceeds storage bounds.
	ErrInvalidMessageID = errors.New("diary: invalid message id")
	// ErrInvalidBlockType indicates an unknown block type.
	ErrInvalidBlockType = errors.New("diary: invalid block type")
	// ErrInvalidDate indicates that a logical date could not be parsed.
	ErrInvalidDate = errors.New("diary: invalid date")
)

// ThreadID represents a validated chat thread identifier.
type ThreadID string

// NewThreadID validates raw input and returns a ThreadID.
func NewThreadID(rawInput string) (ThreadID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidThreadID)
	if err != nil {
		return "", err
	}
	return ThreadID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ThreadID) String() string {
	return string(id)
}

// MessageID represents a validated chat message identifier.
type MessageID string

// NewMessageID validates raw input and returns a MessageID.
func NewMessageID(rawInput string) (MessageID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidMessageID)
	if err != nil {
		return "", err
	}
	return MessageID(trimmed), nil
}

// String returns the underlying string identifier.
func (id MessageID) String() string {
	return string(id)
}

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// BlockType enumerates the document block kinds a message can map to.
type BlockType string

const (
	// BlockTypeText is a paragraph of rich text.
	BlockTypeText BlockType = "text"
	// BlockTypeImage is an image block.
	BlockTypeImage BlockType = "image"
	// BlockTypeLink is a bookmark pointing at a URL.
	BlockTypeLink BlockType = "link"
)

// ParseBlockType validates a stored or supplied block type.
func ParseBlockType(rawInput string) (BlockType, error) {
	switch BlockType(strings.TrimSpace(rawInput)) {
	case BlockTypeText:
		return BlockTypeText, nil
	case BlockTypeImage:
		return BlockTypeImage, nil
	case BlockTypeLink:
		return BlockTypeLink, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidBlockType, rawInput)
	}
}

// FormatDate renders a logical diary date in the stored layout.
func FormatDate(value time.Time) string {
	return value.Format(dateLayout)
}

// ParseDate parses a logical diary date in the stored layout.
func ParseDate(rawInput string) (time.Time, error) {
	parsed, err := time.Parse(dateLayout, strings.TrimSpace(rawInput))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, rawInput)
	}
	return parsed, nil
}

// Entry is the persisted link between a forum thread and its document page.
type Entry struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	ThreadID  string    `gorm:"column:thread_id;size:64;not null;uniqueIndex:idx_diary_entries_thread"`
	PageID    string    `gorm:"column:page_id;size:64;not null"`
	PageURL   string    `gorm:"column:page_url;size:512;not null"`
	Date      string    `gorm:"column:date;size:10;not null;index:idx_diary_entries_date"`
	CreatedAt time.Time `gorm:"column:created_at;not null;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "diary_entries"
}

// MessageBlock maps one content unit of a message to one document block.
type MessageBlock struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	MessageID  string    `gorm:"column:message_id;size:64;not null;index:idx_diary_message_blocks_message"`
	BlockID    string    `gorm:"column:block_id;size:64;not null;uniqueIndex:idx_diary_message_blocks_block"`
	BlockType  BlockType `gorm:"column:block_type;size:16;not null"`
	BlockOrder int       `gorm:"column:block_order;not null;default:0"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (MessageBlock) TableName() string {
	return "diary_message_blocks"
}

// BlockFingerprint remembers the content hash last written to a block.
type BlockFingerprint struct {
	BlockID     string `gorm:"column:block_id;primaryKey;size:64;not null"`
	Fingerprint string `gorm:"column:fingerprint;size:64;not null"`
}

// TableName provides the explicit table binding for GORM.
func (BlockFingerprint) TableName() string {
	return "diary_block_fingerprints"
}

// Models lists every table owned by this package, in migration order.
func Models() []any {
	return []any{&Entry{}, &MessageBlock{}, &BlockFingerprint{}}
}

// BlockRef describes a confirmed document block to record for a message.
type BlockRef struct {
	BlockID     string
	BlockType   BlockType
	Fingerprint string
}

// Page identifies a document page.
type Page struct {
	ID  string
	URL string
}
