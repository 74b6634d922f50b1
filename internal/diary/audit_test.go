package diary

import (
	"context"
	"testing"
)

func TestAuditRepairsGapsAndOrphans(t *testing.T) {
	mapper := newTestMapper(t)
	ctx := context.Background()

	rows := []MessageBlock{
		{MessageID: "222", BlockID: "P1", BlockType: BlockTypeText, BlockOrder: 0},
		{MessageID: "222", BlockID: "B1", BlockType: BlockTypeImage, BlockOrder: 2},
		{MessageID: "222", BlockID: "B2", BlockType: BlockTypeLink, BlockOrder: 5},
		{MessageID: "333", BlockID: "P3", BlockType: BlockTypeText, BlockOrder: 0},
	}
	if err := mapper.db.Create(&rows).Error; err != nil {
		t.Fatalf("failed to seed rows: %v", err)
	}
	if err := mapper.db.Create(&BlockFingerprint{BlockID: "gone", Fingerprint: "fp"}).Error; err != nil {
		t.Fatalf("failed to seed fingerprint: %v", err)
	}

	report, err := mapper.Audit(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.MessagesChecked != 2 {
		t.Fatalf("expected 2 messages checked, got %d", report.MessagesChecked)
	}
	if len(report.Violations) != 1 || report.Violations[0].MessageID != "222" {
		t.Fatalf("expected one violation for message 222, got %#v", report.Violations)
	}
	if report.Repaired != 1 {
		t.Fatalf("expected one repair, got %d", report.Repaired)
	}
	if report.OrphanFingerprints != 1 {
		t.Fatalf("expected one orphan fingerprint removed, got %d", report.OrphanFingerprints)
	}

	blocks, err := mapper.GetBlocks(ctx, mustMessageID(t, "222"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertContiguous(t, blocks, "P1", "B1", "B2")

	second, err := mapper.Audit(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(second.Violations) != 0 {
		t.Fatalf("expected repaired mapping to pass, got %#v", second.Violations)
	}
}
