package reconcile

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ekuinox/kgd/internal/diary"
	"go.uber.org/zap"
)

const (
	opReconcilerNew  = "reconcile.new"
	opApply          = "reconcile.apply"
	opAppendBlock    = "append_block"
	opUpdateBlock    = "update_block"
	opDeleteBlock    = "delete_block"
	opHostMedia      = "host_media"
	fieldThreadID    = "thread_id"
	fieldMessageID   = "message_id"
	fieldBlockID     = "block_id"
	fieldPageID      = "page_id"
	fieldCorrelation = "correlation_id"

	defaultMaxTrackedDeletions = 4096
)

var (
	errMissingRegistry  = errors.New("entry registry is required")
	errMissingMapper    = errors.New("block mapper is required")
	errMissingDocuments = errors.New("document api is required")
	errMissingBuilder   = errors.New("unit builder is required")
	errMissingMediaHost = errors.New("media host is required to write converted images")
)

// DocumentAPI is the slice of the document platform the reconciler drives.
// AppendBlock places the new block directly after afterBlockID, or at the
// end of the page when afterBlockID is empty, and returns its id.
type DocumentAPI interface {
	AppendBlock(ctx context.Context, pageID, afterBlockID string, content diary.BlockContent) (string, error)
	UpdateBlock(ctx context.Context, blockID string, content diary.BlockContent) error
	DeleteBlock(ctx context.Context, blockID string) error
}

// MediaHost stores converted attachment bytes so an image block can
// reference them.
type MediaHost interface {
	Host(ctx context.Context, filename, mediaType string, data []byte) (diary.HostedMedia, error)
}

// MessageState is the position of a message in the sync state machine.
type MessageState string

const (
	StateUnsynced    MessageState = "unsynced"
	StateSyncing     MessageState = "syncing"
	StateSynced      MessageState = "synced"
	StateEditPending MessageState = "edit_pending"
	StateDeleted     MessageState = "deleted"
)

// Config describes the dependencies of the reconciler.
type Config struct {
	Registry   *diary.Registry
	Mapper     *diary.Mapper
	Documents  DocumentAPI
	Builder    *Builder
	Media      MediaHost
	Failures   *FailureRegistry
	Retry      diary.RetryPolicy
	IDProvider diary.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger

	// MaxTrackedDeletions caps how many deleted message ids are remembered
	// so late events for them are ignored.
	MaxTrackedDeletions int
}

// Reconciler converts message sync operations into document block calls.
// Callers serialize operations per thread; operations on different threads
// may run concurrently.
type Reconciler struct {
	registry  *diary.Registry
	mapper    *diary.Mapper
	documents DocumentAPI
	builder   *Builder
	media     MediaHost
	failures  *FailureRegistry
	retry     diary.RetryPolicy
	ids       diary.IDProvider
	clock     func() time.Time
	logger    *zap.Logger

	statesMu     sync.Mutex
	pending      map[diary.MessageID]MessageState
	deleted      map[diary.MessageID]struct{}
	deletedOrder []diary.MessageID
	maxDeleted   int
}

// New validates the configuration and constructs a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	switch {
	case cfg.Registry == nil:
		return nil, diary.NewServiceError(opReconcilerNew, "missing_registry", errMissingRegistry)
	case cfg.Mapper == nil:
		return nil, diary.NewServiceError(opReconcilerNew, "missing_mapper", errMissingMapper)
	case cfg.Documents == nil:
		return nil, diary.NewServiceError(opReconcilerNew, "missing_documents", errMissingDocuments)
	case cfg.Builder == nil:
		return nil, diary.NewServiceError(opReconcilerNew, "missing_builder", errMissingBuilder)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	failures := cfg.Failures
	if failures == nil {
		failures = NewFailureRegistry()
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = diary.NewUUIDProvider()
	}
	maxDeleted := cfg.MaxTrackedDeletions
	if maxDeleted <= 0 {
		maxDeleted = defaultMaxTrackedDeletions
	}
	retryPolicy := cfg.Retry
	if retryPolicy.Logger == nil {
		retryPolicy.Logger = logger
	}
	return &Reconciler{
		registry:   cfg.Registry,
		mapper:     cfg.Mapper,
		documents:  cfg.Documents,
		builder:    cfg.Builder,
		media:      cfg.Media,
		failures:   failures,
		retry:      retryPolicy,
		ids:        ids,
		clock:      clock,
		logger:     logger,
		pending:    make(map[diary.MessageID]MessageState),
		deleted:    make(map[diary.MessageID]struct{}),
		maxDeleted: maxDeleted,
	}, nil
}

// Failures exposes the registry of operations awaiting a re-drive.
func (r *Reconciler) Failures() *FailureRegistry {
	return r.failures
}

// State reports the state of a message given its current mapping rows.
// Only in-flight states and recent deletions are held in memory; a message
// with mapping rows is otherwise Synced and one without is Unsynced.
func (r *Reconciler) State(messageID diary.MessageID, blocks []diary.MessageBlock) MessageState {
	r.statesMu.Lock()
	defer r.statesMu.Unlock()
	if _, ok := r.deleted[messageID]; ok {
		return StateDeleted
	}
	if state, ok := r.pending[messageID]; ok {
		return state
	}
	if len(blocks) > 0 {
		return StateSynced
	}
	return StateUnsynced
}

func (r *Reconciler) setState(messageID diary.MessageID, state MessageState) {
	r.statesMu.Lock()
	defer r.statesMu.Unlock()
	switch state {
	case StateSyncing, StateEditPending:
		r.pending[messageID] = state
	case StateDeleted:
		delete(r.pending, messageID)
		if _, ok := r.deleted[messageID]; ok {
			return
		}
		r.deleted[messageID] = struct{}{}
		r.deletedOrder = append(r.deletedOrder, messageID)
		for len(r.deletedOrder) > r.maxDeleted {
			delete(r.deleted, r.deletedOrder[0])
			r.deletedOrder = r.deletedOrder[1:]
		}
	default:
		delete(r.pending, messageID)
	}
}

// Apply runs one operation to completion. A failure is recorded in the
// failure registry and returned as *SyncFailure; the message keeps its
// pre-failure state so a later event or resync re-drives it.
func (r *Reconciler) Apply(ctx context.Context, op Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	correlationID, err := r.ids.NewID()
	if err != nil {
		r.logger.Warn("failed to issue correlation id", zap.Error(err))
	}
	logger := r.logger.With(
		zap.String(fieldCorrelation, correlationID),
		zap.String("kind", string(op.Kind)),
		zap.String(fieldThreadID, op.ThreadID.String()),
	)
	if op.MessageID != "" {
		logger = logger.With(zap.String(fieldMessageID, op.MessageID.String()))
	}

	switch op.Kind {
	case OperationThreadCreated:
		_, err = r.ensureEntry(ctx, op)
	case OperationMessageCreated, OperationMessageEdited:
		err = r.syncMessage(ctx, op, logger)
	case OperationMessageDeleted:
		err = r.deleteMessage(ctx, op, logger)
	}
	if err != nil {
		return r.fail(op, correlationID, err, logger)
	}
	r.failures.Clear(op.Key())
	logger.Debug("operation applied")
	return nil
}

func (r *Reconciler) ensureEntry(ctx context.Context, op Operation) (diary.Entry, error) {
	date := op.Date
	if date.IsZero() {
		date = r.clock()
	}
	return r.registry.EnsureEntry(ctx, op.ThreadID, op.ThreadTitle, date)
}

func (r *Reconciler) syncMessage(ctx context.Context, op Operation, logger *zap.Logger) error {
	existing, err := r.mapper.GetBlocks(ctx, op.MessageID)
	if err != nil {
		return err
	}
	current := r.State(op.MessageID, existing)
	switch current {
	case StateDeleted:
		logger.Info("ignoring event for deleted message")
		return nil
	case StateSynced, StateEditPending:
		r.setState(op.MessageID, StateEditPending)
	default:
		r.setState(op.MessageID, StateSyncing)
	}

	entry, err := r.ensureEntry(ctx, op)
	if err != nil {
		return err
	}
	units, err := r.builder.Build(ctx, op)
	if err != nil {
		return err
	}
	if err := r.reconcileBlocks(ctx, entry.PageID, op.MessageID, existing, units, logger); err != nil {
		return err
	}
	r.setState(op.MessageID, StateSynced)
	logger.Info("message synced", zap.String(fieldPageID, entry.PageID), zap.Int("blocks", len(units)))
	return nil
}

// blockPlan tracks the blocks that currently represent a message while the
// diff is applied. state always mirrors the document, so persisting it after
// any prefix of the calls keeps the mapping exact.
type blockPlan struct {
	state   []diary.BlockRef
	changed int
}

func (p *blockPlan) mark(position int) {
	if p.changed < 0 || position < p.changed {
		p.changed = position
	}
}

func (p *blockPlan) insert(position int, ref diary.BlockRef) {
	p.state = append(p.state, diary.BlockRef{})
	copy(p.state[position+1:], p.state[position:])
	p.state[position] = ref
	p.mark(position)
}

func (p *blockPlan) remove(position int) {
	p.state = append(p.state[:position], p.state[position+1:]...)
	p.mark(position)
}

func (r *Reconciler) reconcileBlocks(ctx context.Context, pageID string, messageID diary.MessageID, existing []diary.MessageBlock, units []ContentUnit, logger *zap.Logger) error {
	blockIDs := make([]string, 0, len(existing))
	for _, row := range existing {
		blockIDs = append(blockIDs, row.BlockID)
	}
	fingerprints, err := r.mapper.Fingerprints(ctx, blockIDs)
	if err != nil {
		return err
	}

	plan := &blockPlan{changed: -1}
	for _, row := range existing {
		plan.state = append(plan.state, diary.BlockRef{
			BlockID:     row.BlockID,
			BlockType:   row.BlockType,
			Fingerprint: fingerprints[row.BlockID],
		})
	}

	applyErr := r.applyUnits(ctx, pageID, plan, units, logger)
	if plan.changed >= 0 {
		if err := r.mapper.ReplaceTail(ctx, messageID, plan.changed, plan.state[plan.changed:]); err != nil {
			logger.Error("document changed but block mapping could not be stored",
				zap.Int("from_order", plan.changed),
				zap.Error(err))
			return errors.Join(applyErr, err)
		}
	}
	return applyErr
}

// applyUnits walks the desired units position by position. Equal units are
// skipped, same-type changes are updated in place, a type change inserts
// the new block after the old one and then deletes the old one, and
// surplus trailing blocks are deleted from the end. A type change whose
// replacement already follows the old block only deletes the old block.
func (r *Reconciler) applyUnits(ctx context.Context, pageID string, plan *blockPlan, units []ContentUnit, logger *zap.Logger) error {
	for position, unit := range units {
		if err := unit.Validate(); err != nil {
			return err
		}
		fingerprint := unit.Fingerprint()

		if position >= len(plan.state) {
			anchor := ""
			if len(plan.state) > 0 {
				anchor = plan.state[len(plan.state)-1].BlockID
			}
			blockID, err := r.appendBlock(ctx, pageID, anchor, unit)
			if err != nil {
				return err
			}
			plan.insert(position, diary.BlockRef{BlockID: blockID, BlockType: unit.Type, Fingerprint: fingerprint})
			continue
		}

		current := plan.state[position]
		if current.BlockType == unit.Type {
			if current.Fingerprint == fingerprint {
				continue
			}
			if err := r.updateBlock(ctx, current.BlockID, unit); err != nil {
				return err
			}
			plan.state[position].Fingerprint = fingerprint
			plan.mark(position)
			continue
		}

		if next := position + 1; next < len(plan.state) &&
			plan.state[next].BlockType == unit.Type && plan.state[next].Fingerprint == fingerprint {
			// An earlier type change appended the replacement but did not
			// get to delete the old block.
			if err := r.deleteBlock(ctx, current.BlockID); err != nil {
				return err
			}
			plan.remove(position)
			continue
		}

		blockID, err := r.appendBlock(ctx, pageID, current.BlockID, unit)
		if err != nil {
			return err
		}
		plan.insert(position+1, diary.BlockRef{BlockID: blockID, BlockType: unit.Type, Fingerprint: fingerprint})
		if err := r.deleteBlock(ctx, current.BlockID); err != nil {
			return err
		}
		plan.remove(position)
		logger.Debug("block type changed",
			zap.Int("position", position),
			zap.String("from", string(current.BlockType)),
			zap.String("to", string(unit.Type)))
	}

	for len(plan.state) > len(units) {
		last := plan.state[len(plan.state)-1]
		if err := r.deleteBlock(ctx, last.BlockID); err != nil {
			return err
		}
		plan.remove(len(plan.state) - 1)
	}
	return nil
}

func (r *Reconciler) deleteMessage(ctx context.Context, op Operation, logger *zap.Logger) error {
	existing, err := r.mapper.GetBlocks(ctx, op.MessageID)
	if err != nil {
		return err
	}
	if r.State(op.MessageID, existing) == StateDeleted {
		return nil
	}

	for index := len(existing) - 1; index >= 0; index-- {
		if err := r.deleteBlock(ctx, existing[index].BlockID); err != nil {
			if index+1 < len(existing) {
				if truncateErr := r.mapper.ReplaceTail(ctx, op.MessageID, index+1, nil); truncateErr != nil {
					return errors.Join(err, truncateErr)
				}
			}
			return err
		}
	}
	if err := r.mapper.RemoveBlocks(ctx, op.MessageID); err != nil {
		return err
	}
	r.setState(op.MessageID, StateDeleted)
	logger.Info("message deleted", zap.Int("blocks", len(existing)))
	return nil
}

func (r *Reconciler) appendBlock(ctx context.Context, pageID, afterBlockID string, unit ContentUnit) (string, error) {
	content, err := r.materialize(ctx, unit)
	if err != nil {
		return "", err
	}
	var blockID string
	err = r.retry.Do(ctx, opAppendBlock, func(ctx context.Context) error {
		var appendErr error
		blockID, appendErr = r.documents.AppendBlock(ctx, pageID, afterBlockID, content)
		return appendErr
	})
	return blockID, err
}

func (r *Reconciler) updateBlock(ctx context.Context, blockID string, unit ContentUnit) error {
	content, err := r.materialize(ctx, unit)
	if err != nil {
		return err
	}
	return r.retry.Do(ctx, opUpdateBlock, func(ctx context.Context) error {
		return r.documents.UpdateBlock(ctx, blockID, content)
	})
}

// deleteBlock treats a block that is already gone as deleted.
func (r *Reconciler) deleteBlock(ctx context.Context, blockID string) error {
	err := r.retry.Do(ctx, opDeleteBlock, func(ctx context.Context) error {
		return r.documents.DeleteBlock(ctx, blockID)
	})
	var permanent *diary.PermanentAPIError
	if errors.As(err, &permanent) && permanent.Status == http.StatusNotFound {
		r.logger.Info("block already removed", zap.String(fieldBlockID, blockID))
		return nil
	}
	return err
}

func (r *Reconciler) materialize(ctx context.Context, unit ContentUnit) (diary.BlockContent, error) {
	switch unit.Type {
	case diary.BlockTypeText:
		return diary.BlockContent{Type: diary.BlockTypeText, Spans: unit.Text.Spans}, nil
	case diary.BlockTypeImage:
		content := diary.BlockContent{Type: diary.BlockTypeImage}
		if unit.Image.Data == nil {
			content.ImageURL = unit.Image.SourceURL
			return content, nil
		}
		if r.media == nil {
			return diary.BlockContent{}, errMissingMediaHost
		}
		var hosted diary.HostedMedia
		err := r.retry.Do(ctx, opHostMedia, func(ctx context.Context) error {
			var hostErr error
			hosted, hostErr = r.media.Host(ctx, unit.Image.Filename, unit.Image.MediaType, unit.Image.Data)
			return hostErr
		})
		if err != nil {
			return diary.BlockContent{}, err
		}
		content.ImageURL = hosted.URL
		content.ImageUploadID = hosted.UploadID
		return content, nil
	case diary.BlockTypeLink:
		return diary.BlockContent{Type: diary.BlockTypeLink, LinkURL: unit.Link.URL, Caption: unit.Link.Caption}, nil
	default:
		return diary.BlockContent{}, unit.Validate()
	}
}

func (r *Reconciler) fail(op Operation, correlationID string, err error, logger *zap.Logger) error {
	failure := &SyncFailure{
		ThreadID:      op.ThreadID,
		MessageID:     op.MessageID,
		Kind:          classifyFailure(err),
		Operation:     op,
		CorrelationID: correlationID,
		FailedAt:      r.clock().UTC(),
		Err:           err,
	}
	r.failures.Record(failure)
	logger.Error("sync operation failed",
		zap.String("operation", opApply),
		zap.String("reason", string(failure.Kind)),
		zap.Error(err))
	return failure
}

func classifyFailure(err error) FailureKind {
	switch {
	case diary.IsPermanent(err):
		return FailurePermanent
	case isRetriesExhausted(err), diary.IsTransient(err):
		return FailureRetriesExhausted
	default:
		return FailureInternal
	}
}
