package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ekuinox/kgd/internal/diary"
	"github.com/ekuinox/kgd/internal/reconcile"
)

type recordingApplier struct {
	mu      sync.Mutex
	applied []string
	gates   map[string]chan struct{}
	started chan string
}

func newRecordingApplier() *recordingApplier {
	return &recordingApplier{gates: make(map[string]chan struct{}), started: make(chan string, 16)}
}

func (a *recordingApplier) gate(messageID string) chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	gate := make(chan struct{})
	a.gates[messageID] = gate
	return gate
}

func (a *recordingApplier) Apply(ctx context.Context, op reconcile.Operation) error {
	a.mu.Lock()
	gate := a.gates[op.MessageID.String()]
	a.mu.Unlock()
	a.started <- op.MessageID.String()
	if gate != nil {
		<-gate
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	a.mu.Lock()
	a.applied = append(a.applied, op.MessageID.String())
	a.mu.Unlock()
	return nil
}

func (a *recordingApplier) snapshot() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.applied...)
}

func newTestDispatcher(t *testing.T, applier Applier) (*Dispatcher, *reconcile.FailureRegistry) {
	t.Helper()
	failures := reconcile.NewFailureRegistry()
	dispatcher, err := NewDispatcher(DispatcherConfig{Applier: applier, Failures: failures, QueueSize: 8})
	if err != nil {
		t.Fatalf("failed to construct dispatcher: %v", err)
	}
	return dispatcher, failures
}

func createOp(threadID, messageID string) reconcile.Operation {
	return reconcile.Operation{
		Kind:      reconcile.OperationMessageCreated,
		ThreadID:  diary.ThreadID(threadID),
		MessageID: diary.MessageID(messageID),
	}
}

func waitStarted(t *testing.T, applier *recordingApplier, expected string) {
	t.Helper()
	select {
	case started := <-applier.started:
		if started != expected {
			t.Fatalf("expected %s to start, got %s", expected, started)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s to start", expected)
	}
}

func TestDispatcherPreservesOrderWithinThread(t *testing.T) {
	applier := newRecordingApplier()
	dispatcher, _ := newTestDispatcher(t, applier)
	defer dispatcher.Close()

	expected := []string{"1", "2", "3", "4", "5"}
	for _, messageID := range expected {
		if err := dispatcher.Submit(context.Background(), createOp("111", messageID)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	for _, messageID := range expected {
		waitStarted(t, applier, messageID)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(applier.snapshot()) < len(expected) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	applied := applier.snapshot()
	if len(applied) != len(expected) {
		t.Fatalf("expected %d applied operations, got %v", len(expected), applied)
	}
	for index := range expected {
		if applied[index] != expected[index] {
			t.Fatalf("expected order %v, got %v", expected, applied)
		}
	}
}

func TestDispatcherRunsThreadsIndependently(t *testing.T) {
	applier := newRecordingApplier()
	blocked := applier.gate("slow")
	dispatcher, _ := newTestDispatcher(t, applier)
	defer dispatcher.Close()

	if err := dispatcher.Submit(context.Background(), createOp("111", "slow")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitStarted(t, applier, "slow")

	if err := dispatcher.Submit(context.Background(), createOp("999", "fast")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitStarted(t, applier, "fast")
	close(blocked)

	if dispatcher.ActiveThreads() != 2 {
		t.Fatalf("expected two active threads, got %d", dispatcher.ActiveThreads())
	}
}

func TestDeactivateFinishesInFlightAndRecordsQueued(t *testing.T) {
	applier := newRecordingApplier()
	release := applier.gate("1")
	dispatcher, failures := newTestDispatcher(t, applier)
	defer dispatcher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	if err := dispatcher.Submit(ctx, createOp("111", "1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitStarted(t, applier, "1")
	for _, messageID := range []string{"2", "3"} {
		if err := dispatcher.Submit(ctx, createOp("111", messageID)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	cancel()

	done := make(chan struct{})
	go func() {
		dispatcher.Deactivate(diary.ThreadID("111"))
		close(done)
	}()
	select {
	case <-done:
		t.Fatalf("expected deactivation to wait for the in-flight operation")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-done

	if applied := applier.snapshot(); len(applied) != 1 || applied[0] != "1" {
		t.Fatalf("expected only the in-flight operation to complete, got %v", applied)
	}
	recorded := failures.List()
	if len(recorded) != 2 {
		t.Fatalf("expected queued operations to be recorded, got %d", len(recorded))
	}
	for _, failure := range recorded {
		if failure.Kind != reconcile.FailureInterrupted || !errors.Is(failure, ErrThreadInactive) {
			t.Fatalf("unexpected failure %#v", failure)
		}
	}
	if dispatcher.ActiveThreads() != 0 {
		t.Fatalf("expected no active threads")
	}
}

func TestResyncRequeuesRecordedFailure(t *testing.T) {
	applier := newRecordingApplier()
	dispatcher, failures := newTestDispatcher(t, applier)
	defer dispatcher.Close()

	op := createOp("111", "222")
	failures.Record(&reconcile.SyncFailure{ThreadID: op.ThreadID, MessageID: op.MessageID, Kind: reconcile.FailurePermanent, Operation: op})

	if err := dispatcher.Resync(context.Background(), "message:999"); !errors.Is(err, ErrNoFailure) {
		t.Fatalf("expected no failure error, got %v", err)
	}
	if err := dispatcher.Resync(context.Background(), op.Key()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitStarted(t, applier, "222")
	if len(failures.List()) != 0 {
		t.Fatalf("expected failure to be taken")
	}
}

func TestResyncAllRequeuesEverything(t *testing.T) {
	applier := newRecordingApplier()
	dispatcher, failures := newTestDispatcher(t, applier)
	defer dispatcher.Close()

	for _, messageID := range []string{"1", "2"} {
		op := createOp("111", messageID)
		failures.Record(&reconcile.SyncFailure{ThreadID: op.ThreadID, MessageID: op.MessageID, Operation: op})
	}
	queued, err := dispatcher.ResyncAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if queued != 2 {
		t.Fatalf("expected 2 queued, got %d", queued)
	}
}

func TestCloseRejectsSubmissions(t *testing.T) {
	applier := newRecordingApplier()
	dispatcher, failures := newTestDispatcher(t, applier)
	dispatcher.Close()

	if err := dispatcher.Submit(context.Background(), createOp("111", "222")); !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if len(failures.List()) != 1 {
		t.Fatalf("expected rejected operation to be recorded")
	}
}

func TestHandleThreadClosedStopsStream(t *testing.T) {
	applier := newRecordingApplier()
	dispatcher, _ := newTestDispatcher(t, applier)
	defer dispatcher.Close()

	if err := dispatcher.Handle(context.Background(), Event{Kind: EventMessageCreated, ThreadID: "111", MessageID: "222", Text: "hi"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitStarted(t, applier, "222")
	if err := dispatcher.Handle(context.Background(), Event{Kind: EventThreadClosed, ThreadID: "111"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dispatcher.ActiveThreads() != 0 {
		t.Fatalf("expected stream to stop")
	}
}

func recordPermanent(failures *reconcile.FailureRegistry, op reconcile.Operation, failedAt time.Time) {
	failures.Record(&reconcile.SyncFailure{
		ThreadID:  op.ThreadID,
		MessageID: op.MessageID,
		Kind:      reconcile.FailurePermanent,
		Operation: op,
		FailedAt:  failedAt,
		Err:       errors.New("validation_error"),
	})
}

func TestResyncAllKeepsFailuresWhenClosed(t *testing.T) {
	applier := newRecordingApplier()
	dispatcher, failures := newTestDispatcher(t, applier)
	dispatcher.Close()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for index, messageID := range []string{"1", "2", "3"} {
		recordPermanent(failures, createOp("111", messageID), base.Add(time.Duration(index)*time.Second))
	}

	queued, err := dispatcher.ResyncAll(context.Background())
	if !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if queued != 0 {
		t.Fatalf("expected nothing queued, got %d", queued)
	}
	recorded := failures.List()
	if len(recorded) != 3 {
		t.Fatalf("expected all three failures to stay recorded, got %d", len(recorded))
	}
	for _, failure := range recorded {
		if failure.Kind != reconcile.FailurePermanent {
			t.Fatalf("expected original failure to be kept, got %#v", failure)
		}
	}
}

func TestResyncKeepsFailureWhenQueueStaysFull(t *testing.T) {
	applier := newRecordingApplier()
	release := applier.gate("1")
	failures := reconcile.NewFailureRegistry()
	dispatcher, err := NewDispatcher(DispatcherConfig{Applier: applier, Failures: failures, QueueSize: 1})
	if err != nil {
		t.Fatalf("failed to construct dispatcher: %v", err)
	}
	defer dispatcher.Close()
	defer close(release)

	if err := dispatcher.Submit(context.Background(), createOp("111", "1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitStarted(t, applier, "1")
	if err := dispatcher.Submit(context.Background(), createOp("111", "2")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	op := createOp("111", "9")
	recordPermanent(failures, op, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := dispatcher.Resync(ctx, op.Key()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	recorded := failures.List()
	if len(recorded) != 1 || recorded[0].Operation.Key() != op.Key() {
		t.Fatalf("expected failure for %s to stay recorded, got %v", op.Key(), recorded)
	}
	if recorded[0].Kind != reconcile.FailurePermanent {
		t.Fatalf("expected original failure to be kept, got %s", recorded[0].Kind)
	}
}

func TestSubmitRecordsOperationWhenContextEnds(t *testing.T) {
	applier := newRecordingApplier()
	release := applier.gate("1")
	failures := reconcile.NewFailureRegistry()
	dispatcher, err := NewDispatcher(DispatcherConfig{Applier: applier, Failures: failures, QueueSize: 1})
	if err != nil {
		t.Fatalf("failed to construct dispatcher: %v", err)
	}
	defer dispatcher.Close()
	defer close(release)

	if err := dispatcher.Submit(context.Background(), createOp("111", "1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitStarted(t, applier, "1")
	if err := dispatcher.Submit(context.Background(), createOp("111", "2")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := dispatcher.Submit(ctx, createOp("111", "3")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	recorded := failures.List()
	if len(recorded) != 1 || recorded[0].Kind != reconcile.FailureInterrupted || recorded[0].MessageID != "3" {
		t.Fatalf("expected rejected operation to be recorded, got %v", recorded)
	}
}
