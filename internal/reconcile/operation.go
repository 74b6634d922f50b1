package reconcile

import (
	"errors"
	"fmt"
	"time"

	"github.com/ekuinox/kgd/internal/diary"
)

// OperationKind enumerates the sync operations the reconciler accepts.
type OperationKind string

const (
	// OperationThreadCreated ensures the diary entry of a new thread.
	OperationThreadCreated OperationKind = "thread_created"
	// OperationMessageCreated mirrors a new message into the page.
	OperationMessageCreated OperationKind = "message_created"
	// OperationMessageEdited re-diffs an edited message against its blocks.
	OperationMessageEdited OperationKind = "message_edited"
	// OperationMessageDeleted removes every block of a message.
	OperationMessageDeleted OperationKind = "message_deleted"
)

var errInvalidOperation = errors.New("reconcile: invalid operation")

// Attachment describes one file attached to a chat message.
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// Operation is a normalized, message-level sync request.
type Operation struct {
	Kind        OperationKind
	ThreadID    diary.ThreadID
	ThreadTitle string
	Date        time.Time
	MessageID   diary.MessageID
	Text        string
	Attachments []Attachment
}

// Key identifies the subject of the operation for failure tracking.
func (op Operation) Key() string {
	if op.Kind == OperationThreadCreated {
		return "thread:" + op.ThreadID.String()
	}
	return "message:" + op.MessageID.String()
}

// Validate checks that the fields required by the operation kind are set.
func (op Operation) Validate() error {
	if op.ThreadID == "" {
		return fmt.Errorf("%w: missing thread id", errInvalidOperation)
	}
	switch op.Kind {
	case OperationThreadCreated:
		return nil
	case OperationMessageCreated, OperationMessageEdited, OperationMessageDeleted:
		if op.MessageID == "" {
			return fmt.Errorf("%w: missing message id", errInvalidOperation)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", errInvalidOperation, op.Kind)
	}
}
