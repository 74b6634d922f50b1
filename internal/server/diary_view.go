package server

import (
	"context"

	"github.com/ekuinox/kgd/internal/diary"
	"github.com/ekuinox/kgd/internal/reconcile"
)

// DiaryView joins the registry, the mapper and the reconciler into the
// read side the HTTP surface needs.
type DiaryView struct {
	Registry   *diary.Registry
	Mapper     *diary.Mapper
	Reconciler *reconcile.Reconciler
}

func (v DiaryView) GetEntry(ctx context.Context, threadID diary.ThreadID) (diary.Entry, bool, error) {
	return v.Registry.GetEntry(ctx, threadID)
}

func (v DiaryView) GetBlocks(ctx context.Context, messageID diary.MessageID) ([]diary.MessageBlock, error) {
	return v.Mapper.GetBlocks(ctx, messageID)
}

func (v DiaryView) State(messageID diary.MessageID, blocks []diary.MessageBlock) reconcile.MessageState {
	return v.Reconciler.State(messageID, blocks)
}

func (v DiaryView) Failures() []*reconcile.SyncFailure {
	return v.Reconciler.Failures().List()
}

func (v DiaryView) Audit(ctx context.Context) (diary.AuditReport, error) {
	return v.Mapper.Audit(ctx)
}
