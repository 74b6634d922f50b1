// Package ingest normalizes chat events into sync operations and feeds them
// to the reconciler, one serialized stream per thread.
package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ekuinox/kgd/internal/diary"
	"github.com/ekuinox/kgd/internal/reconcile"
)

// EventKind enumerates the chat events the ingestor understands.
type EventKind string

const (
	EventThreadCreated  EventKind = "thread_created"
	EventThreadClosed   EventKind = "thread_closed"
	EventMessageCreated EventKind = "message_created"
	EventMessageEdited  EventKind = "message_edited"
	EventMessageDeleted EventKind = "message_deleted"
)

// ErrInvalidEvent indicates an event that cannot be turned into an operation.
var ErrInvalidEvent = errors.New("ingest: invalid event")

// Event is a platform-neutral chat event. Date uses the YYYY-MM-DD layout.
type Event struct {
	Kind        EventKind              `json:"kind"`
	ThreadID    string                 `json:"thread_id"`
	ThreadTitle string                 `json:"thread_title,omitempty"`
	Date        string                 `json:"date,omitempty"`
	MessageID   string                 `json:"message_id,omitempty"`
	Text        string                 `json:"text,omitempty"`
	Attachments []reconcile.Attachment `json:"attachments,omitempty"`
}

// Normalize validates event and converts it into a reconcile operation.
// Thread-closed events carry no operation and are rejected here.
func Normalize(event Event) (reconcile.Operation, error) {
	threadID, err := diary.NewThreadID(event.ThreadID)
	if err != nil {
		return reconcile.Operation{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	var date time.Time
	if strings.TrimSpace(event.Date) != "" {
		date, err = diary.ParseDate(event.Date)
		if err != nil {
			return reconcile.Operation{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
	}

	op := reconcile.Operation{
		ThreadID:    threadID,
		ThreadTitle: strings.TrimSpace(event.ThreadTitle),
		Date:        date,
	}

	switch event.Kind {
	case EventThreadCreated:
		op.Kind = reconcile.OperationThreadCreated
		return op, nil
	case EventMessageCreated:
		op.Kind = reconcile.OperationMessageCreated
	case EventMessageEdited:
		op.Kind = reconcile.OperationMessageEdited
	case EventMessageDeleted:
		op.Kind = reconcile.OperationMessageDeleted
	default:
		return reconcile.Operation{}, fmt.Errorf("%w: unsupported kind %q", ErrInvalidEvent, event.Kind)
	}

	messageID, err := diary.NewMessageID(event.MessageID)
	if err != nil {
		return reconcile.Operation{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	op.MessageID = messageID
	if op.Kind == reconcile.OperationMessageDeleted {
		return op, nil
	}

	op.Text = event.Text
	for _, attachment := range event.Attachments {
		if strings.TrimSpace(attachment.URL) == "" {
			return reconcile.Operation{}, fmt.Errorf("%w: attachment %q has no url", ErrInvalidEvent, attachment.ID)
		}
		if strings.TrimSpace(attachment.ID) == "" {
			attachment.ID = attachment.URL
		}
		op.Attachments = append(op.Attachments, attachment)
	}
	return op, nil
}
