package reconcile

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ekuinox/kgd/internal/diary"
)

// FailureKind classifies why an operation did not complete.
type FailureKind string

const (
	// FailurePermanent marks a document API rejection that retrying cannot fix.
	FailurePermanent FailureKind = "permanent"
	// FailureRetriesExhausted marks a transient failure that outlived the retry budget.
	FailureRetriesExhausted FailureKind = "retries_exhausted"
	// FailureInterrupted marks an operation still queued when its thread stream stopped.
	FailureInterrupted FailureKind = "interrupted"
	// FailureInternal marks a storage or local processing failure.
	FailureInternal FailureKind = "internal"
)

// SyncFailure is the operator-visible record of an operation that must be
// re-driven.
type SyncFailure struct {
	ThreadID      diary.ThreadID
	MessageID     diary.MessageID
	Kind          FailureKind
	Operation     Operation
	CorrelationID string
	FailedAt      time.Time
	Err           error
}

func (f *SyncFailure) Error() string {
	subject := "thread " + f.ThreadID.String()
	if f.MessageID != "" {
		subject = fmt.Sprintf("message %s in thread %s", f.MessageID, f.ThreadID)
	}
	return fmt.Sprintf("%s of %s failed (%s): %v", f.Operation.Kind, subject, f.Kind, f.Err)
}

func (f *SyncFailure) Unwrap() error {
	return f.Err
}

// FailureRegistry keeps the most recent failure per operation subject.
type FailureRegistry struct {
	mu       sync.Mutex
	failures map[string]*SyncFailure
}

// NewFailureRegistry constructs an empty registry.
func NewFailureRegistry() *FailureRegistry {
	return &FailureRegistry{failures: make(map[string]*SyncFailure)}
}

// Record stores failure, replacing any earlier failure for the same subject.
func (r *FailureRegistry) Record(failure *SyncFailure) {
	if failure == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[failure.Operation.Key()] = failure
}

// Clear forgets the failure recorded for key.
func (r *FailureRegistry) Clear(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failures, key)
}

// Take removes and returns the failure recorded for key.
func (r *FailureRegistry) Take(key string) (*SyncFailure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	failure, ok := r.failures[key]
	if ok {
		delete(r.failures, key)
	}
	return failure, ok
}

// TakeAll removes and returns every recorded failure, oldest first.
func (r *FailureRegistry) TakeAll() []*SyncFailure {
	r.mu.Lock()
	failures := make([]*SyncFailure, 0, len(r.failures))
	for key, failure := range r.failures {
		failures = append(failures, failure)
		delete(r.failures, key)
	}
	r.mu.Unlock()
	sortFailures(failures)
	return failures
}

// List returns a snapshot of the recorded failures, oldest first.
func (r *FailureRegistry) List() []*SyncFailure {
	r.mu.Lock()
	failures := make([]*SyncFailure, 0, len(r.failures))
	for _, failure := range r.failures {
		failures = append(failures, failure)
	}
	r.mu.Unlock()
	sortFailures(failures)
	return failures
}

func sortFailures(failures []*SyncFailure) {
	sort.SliceStable(failures, func(i, j int) bool {
		if failures[i].FailedAt.Equal(failures[j].FailedAt) {
			return failures[i].Operation.Key() < failures[j].Operation.Key()
		}
		return failures[i].FailedAt.Before(failures[j].FailedAt)
	})
}
