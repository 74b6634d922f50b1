package diary

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opAudit           = "diary.audit"
	reasonGaps        = "block_order is not contiguous from 0"
	orderAuditListing = "message_id ASC, block_order ASC, id ASC"
)

// AuditReport summarizes one consistency pass over the mapping table.
type AuditReport struct {
	MessagesChecked    int
	Violations         []*ConsistencyError
	Repaired           int
	OrphanFingerprints int64
}

// Audit verifies that every message's block_order values form 0..k-1 and
// renumbers offending messages by their stored sequence. Fingerprints whose
// block no longer has a mapping row are removed.
func (m *Mapper) Audit(ctx context.Context) (AuditReport, error) {
	var rows []MessageBlock
	if err := m.db.WithContext(ctx).Order(orderAuditListing).Find(&rows).Error; err != nil {
		m.logError(opAudit, "query_failed", err)
		return AuditReport{}, NewServiceError(opAudit, "query_failed", err)
	}

	report := AuditReport{}
	for start := 0; start < len(rows); {
		end := start
		for end < len(rows) && rows[end].MessageID == rows[start].MessageID {
			end++
		}
		group := rows[start:end]
		report.MessagesChecked++
		if violation := checkContiguous(group); violation != nil {
			report.Violations = append(report.Violations, violation)
			m.logger.Warn("block mapping inconsistency detected",
				zap.String(fieldMessageID, violation.MessageID),
				zap.Ints("orders", violation.Orders))
			if err := m.renumber(ctx, group); err != nil {
				m.logError(opAudit, "repair_failed", err, zap.String(fieldMessageID, violation.MessageID))
				return report, NewServiceError(opAudit, "repair_failed", err)
			}
			report.Repaired++
		}
		start = end
	}

	orphanQuery := m.db.WithContext(ctx).
		Where("block_id NOT IN (?)", m.db.Model(&MessageBlock{}).Select("block_id")).
		Delete(&BlockFingerprint{})
	if orphanQuery.Error != nil {
		m.logError(opAudit, "orphan_cleanup_failed", orphanQuery.Error)
		return report, NewServiceError(opAudit, "orphan_cleanup_failed", orphanQuery.Error)
	}
	report.OrphanFingerprints = orphanQuery.RowsAffected

	m.logger.Info("block mapping audit finished",
		zap.Int("messages_checked", report.MessagesChecked),
		zap.Int("violations", len(report.Violations)),
		zap.Int("repaired", report.Repaired),
		zap.Int64("orphan_fingerprints", report.OrphanFingerprints))
	return report, nil
}

func checkContiguous(group []MessageBlock) *ConsistencyError {
	orders := make([]int, len(group))
	broken := false
	for index, row := range group {
		orders[index] = row.BlockOrder
		if row.BlockOrder != index {
			broken = true
		}
	}
	if !broken {
		return nil
	}
	return &ConsistencyError{MessageID: group[0].MessageID, Reason: reasonGaps, Orders: orders}
}

// renumber rewrites block_order for rows already sorted by (block_order, id).
func (m *Mapper) renumber(ctx context.Context, group []MessageBlock) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for index, row := range group {
			if row.BlockOrder == index {
				continue
			}
			if err := tx.Model(&MessageBlock{}).
				Where("id = ?", row.ID).
				Update("block_order", index).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// RepairOrdering runs the audit inside a migration: it shares the mapper's
// renumbering but is driven by a raw database handle.
func RepairOrdering(ctx context.Context, db *gorm.DB, logger *zap.Logger) error {
	mapper, err := NewMapper(MapperConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	_, err = mapper.Audit(ctx)
	return err
}
