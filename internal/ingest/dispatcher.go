package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ekuinox/kgd/internal/diary"
	"github.com/ekuinox/kgd/internal/reconcile"
	"go.uber.org/zap"
)

const defaultQueueSize = 64

var (
	// ErrDispatcherClosed is returned for submissions after Close.
	ErrDispatcherClosed = errors.New("ingest: dispatcher closed")
	// ErrThreadInactive is recorded for operations a stopped thread stream never ran.
	ErrThreadInactive = errors.New("ingest: thread stream stopped before the operation ran")
	// ErrNoFailure is returned when a resync names a subject with no recorded failure.
	ErrNoFailure = errors.New("ingest: no recorded failure")

	errMissingApplier  = errors.New("operation applier is required")
	errMissingFailures = errors.New("failure registry is required")
)

// Applier runs one sync operation to completion.
type Applier interface {
	Apply(ctx context.Context, op reconcile.Operation) error
}

// DispatcherConfig describes the dependencies of the dispatcher.
type DispatcherConfig struct {
	Applier   Applier
	Failures  *reconcile.FailureRegistry
	QueueSize int
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Dispatcher owns one worker per active thread. Operations of a thread run
// in submission order; different threads run concurrently.
type Dispatcher struct {
	applier   Applier
	failures  *reconcile.FailureRegistry
	queueSize int
	clock     func() time.Time
	logger    *zap.Logger

	mu      sync.Mutex
	workers map[diary.ThreadID]*threadWorker
	closed  bool
}

type queuedOperation struct {
	ctx context.Context
	op  reconcile.Operation
}

type threadWorker struct {
	threadID diary.ThreadID
	slots    chan struct{}
	signal   chan struct{}
	done     chan struct{}

	mu      sync.Mutex
	pending []queuedOperation
	stopped bool
}

// NewDispatcher validates the configuration and constructs a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Applier == nil {
		return nil, errMissingApplier
	}
	if cfg.Failures == nil {
		return nil, errMissingFailures
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		applier:   cfg.Applier,
		failures:  cfg.Failures,
		queueSize: queueSize,
		clock:     clock,
		logger:    logger,
		workers:   make(map[diary.ThreadID]*threadWorker),
	}, nil
}

// Handle routes a chat event: thread-closed events stop the thread stream,
// everything else is normalized and queued.
func (d *Dispatcher) Handle(ctx context.Context, event Event) error {
	if event.Kind == EventThreadClosed {
		threadID, err := diary.NewThreadID(event.ThreadID)
		if err != nil {
			return errors.Join(ErrInvalidEvent, err)
		}
		d.Deactivate(threadID)
		return nil
	}
	op, err := Normalize(event)
	if err != nil {
		return err
	}
	return d.Submit(ctx, op)
}

// Submit queues op on its thread stream, starting the stream if needed. It
// blocks while the stream's queue is full.
func (d *Dispatcher) Submit(ctx context.Context, op reconcile.Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	worker, err := d.worker(op.ThreadID)
	if err != nil {
		d.recordInterrupted(op, err)
		return err
	}

	select {
	case worker.slots <- struct{}{}:
	case <-worker.done:
		d.recordInterrupted(op, ErrThreadInactive)
		return ErrThreadInactive
	case <-ctx.Done():
		d.recordInterrupted(op, ctx.Err())
		return ctx.Err()
	}

	worker.mu.Lock()
	if worker.stopped {
		worker.mu.Unlock()
		d.recordInterrupted(op, ErrThreadInactive)
		return ErrThreadInactive
	}
	worker.pending = append(worker.pending, queuedOperation{ctx: ctx, op: op})
	worker.mu.Unlock()
	worker.notify()
	return nil
}

// Deactivate lets the in-flight operation of threadID finish, records the
// operations still queued as failures and stops the stream.
func (d *Dispatcher) Deactivate(threadID diary.ThreadID) {
	d.mu.Lock()
	worker := d.workers[threadID]
	delete(d.workers, threadID)
	d.mu.Unlock()
	if worker == nil {
		return
	}
	worker.stop()
	d.logger.Info("thread stream deactivated", zap.String("thread_id", threadID.String()))
}

// Close deactivates every thread stream and rejects later submissions.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	workers := make([]*threadWorker, 0, len(d.workers))
	for threadID, worker := range d.workers {
		workers = append(workers, worker)
		delete(d.workers, threadID)
	}
	d.mu.Unlock()

	var group sync.WaitGroup
	for _, worker := range workers {
		group.Add(1)
		go func(worker *threadWorker) {
			defer group.Done()
			worker.stop()
		}(worker)
	}
	group.Wait()
	d.logger.Info("dispatcher closed", zap.Int("threads", len(workers)))
}

// ActiveThreads reports how many thread streams are running.
func (d *Dispatcher) ActiveThreads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

// Resync re-queues the operation recorded for key. The failure stays
// recorded when it cannot be queued.
func (d *Dispatcher) Resync(ctx context.Context, key string) error {
	failure, ok := d.failures.Take(key)
	if !ok {
		return ErrNoFailure
	}
	d.logger.Info("resync requested",
		zap.String("key", key),
		zap.String("kind", string(failure.Kind)))
	if err := d.Submit(ctx, failure.Operation); err != nil {
		d.restore(failure)
		return err
	}
	return nil
}

// ResyncAll re-queues every recorded failure and returns how many were
// queued. It stops at the first submission error and puts that failure and
// every one not yet queued back in the registry.
func (d *Dispatcher) ResyncAll(ctx context.Context) (int, error) {
	failures := d.failures.TakeAll()
	for index, failure := range failures {
		if err := d.Submit(ctx, failure.Operation); err != nil {
			d.restore(failures[index:]...)
			return index, err
		}
	}
	return len(failures), nil
}

func (d *Dispatcher) restore(failures ...*reconcile.SyncFailure) {
	for _, failure := range failures {
		d.failures.Record(failure)
	}
	d.logger.Warn("resync not queued, failures kept", zap.Int("failures", len(failures)))
}

func (d *Dispatcher) worker(threadID diary.ThreadID) (*threadWorker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDispatcherClosed
	}
	if worker, ok := d.workers[threadID]; ok {
		return worker, nil
	}
	worker := &threadWorker{
		threadID: threadID,
		slots:    make(chan struct{}, d.queueSize),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	d.workers[threadID] = worker
	go d.run(worker)
	return worker, nil
}

func (d *Dispatcher) run(worker *threadWorker) {
	defer close(worker.done)
	for {
		worker.mu.Lock()
		if worker.stopped {
			remaining := worker.pending
			worker.pending = nil
			worker.mu.Unlock()
			for _, queued := range remaining {
				d.recordInterrupted(queued.op, ErrThreadInactive)
			}
			return
		}
		if len(worker.pending) == 0 {
			worker.mu.Unlock()
			<-worker.signal
			continue
		}
		queued := worker.pending[0]
		worker.pending[0] = queuedOperation{}
		worker.pending = worker.pending[1:]
		worker.mu.Unlock()
		<-worker.slots

		ctx := context.WithoutCancel(queued.ctx)
		if err := d.applier.Apply(ctx, queued.op); err != nil {
			d.logger.Debug("operation failed",
				zap.String("thread_id", worker.threadID.String()),
				zap.String("key", queued.op.Key()),
				zap.Error(err))
		}
	}
}

func (d *Dispatcher) recordInterrupted(op reconcile.Operation, err error) {
	d.failures.Record(&reconcile.SyncFailure{
		ThreadID:  op.ThreadID,
		MessageID: op.MessageID,
		Kind:      reconcile.FailureInterrupted,
		Operation: op,
		FailedAt:  d.clock().UTC(),
		Err:       err,
	})
	d.logger.Warn("operation was not run",
		zap.String("thread_id", op.ThreadID.String()),
		zap.String("key", op.Key()),
		zap.Error(err))
}

func (w *threadWorker) notify() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *threadWorker) stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.notify()
	<-w.done
}
