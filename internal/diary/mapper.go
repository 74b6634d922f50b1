package diary

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opMapperNew       = "diary.mapper.new"
	opGetBlocks       = "diary.get_blocks"
	opReplaceTail     = "diary.replace_tail"
	opRemoveBlocks    = "diary.remove_blocks"
	opFingerprints    = "diary.fingerprints"
	queryMessageID    = "message_id = ?"
	queryMessageTail  = "message_id = ? AND block_order >= ?"
	queryBlockIDIn    = "block_id IN ?"
	orderBlockOrderID = "block_order ASC, id ASC"
)

var errNegativeOrder = errors.New("block order must not be negative")

// MapperConfig describes the dependencies of the block mapper.
type MapperConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Mapper persists the ordered blocks that represent each message. Every
// multi-row write runs in a single transaction so readers never observe a
// partial block list.
type Mapper struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewMapper validates the configuration and constructs a Mapper.
func NewMapper(cfg MapperConfig) (*Mapper, error) {
	if cfg.Database == nil {
		return nil, NewServiceError(opMapperNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mapper{db: cfg.Database, logger: logger}, nil
}

// GetBlocks returns the mapping rows of a message ordered by block_order.
func (m *Mapper) GetBlocks(ctx context.Context, messageID MessageID) ([]MessageBlock, error) {
	var blocks []MessageBlock
	if err := m.db.WithContext(ctx).
		Where(queryMessageID, messageID.String()).
		Order(orderBlockOrderID).
		Find(&blocks).Error; err != nil {
		m.logError(opGetBlocks, "query_failed", err, zap.String(fieldMessageID, messageID.String()))
		return nil, NewServiceError(opGetBlocks, "query_failed", err)
	}
	return blocks, nil
}

// RecordBlocks stores blocks as the complete mapping of a message, numbered
// 0..len(blocks)-1 in input order.
func (m *Mapper) RecordBlocks(ctx context.Context, messageID MessageID, blocks []BlockRef) error {
	return m.ReplaceTail(ctx, messageID, 0, blocks)
}

// ReplaceTail deletes the rows at or after fromOrder and appends blocks in
// their place, numbered contiguously after the surviving prefix.
func (m *Mapper) ReplaceTail(ctx context.Context, messageID MessageID, fromOrder int, blocks []BlockRef) error {
	if fromOrder < 0 {
		return NewServiceError(opReplaceTail, "invalid_order", errNegativeOrder)
	}
	for _, block := range blocks {
		if _, err := ParseBlockType(string(block.BlockType)); err != nil {
			return NewServiceError(opReplaceTail, "invalid_block_type", err)
		}
	}

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prefixCount int64
		if err := tx.Model(&MessageBlock{}).
			Where("message_id = ? AND block_order < ?", messageID.String(), fromOrder).
			Count(&prefixCount).Error; err != nil {
			return err
		}

		if err := deleteRows(tx, queryMessageTail, messageID.String(), fromOrder); err != nil {
			return err
		}
		if len(blocks) == 0 {
			return nil
		}

		start := fromOrder
		if int(prefixCount) < start {
			start = int(prefixCount)
		}
		rows := make([]MessageBlock, 0, len(blocks))
		fingerprints := make([]BlockFingerprint, 0, len(blocks))
		for index, block := range blocks {
			rows = append(rows, MessageBlock{
				MessageID:  messageID.String(),
				BlockID:    block.BlockID,
				BlockType:  block.BlockType,
				BlockOrder: start + index,
			})
			if block.Fingerprint != "" {
				fingerprints = append(fingerprints, BlockFingerprint{
					BlockID:     block.BlockID,
					Fingerprint: block.Fingerprint,
				})
			}
		}
		if err := tx.Create(&rows).Error; err != nil {
			if isUniqueViolation(err) {
				return &ConflictError{Table: MessageBlock{}.TableName(), Key: messageID.String(), Err: err}
			}
			return err
		}
		if len(fingerprints) > 0 {
			if err := tx.Create(&fingerprints).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		m.logError(opReplaceTail, "transaction_failed", err,
			zap.String(fieldMessageID, messageID.String()),
			zap.Int("from_order", fromOrder))
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			return conflict
		}
		return NewServiceError(opReplaceTail, "transaction_failed", err)
	}
	return nil
}

// RemoveBlocks deletes every mapping row of a message.
func (m *Mapper) RemoveBlocks(ctx context.Context, messageID MessageID) error {
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteRows(tx, queryMessageID, messageID.String())
	})
	if err != nil {
		m.logError(opRemoveBlocks, "transaction_failed", err, zap.String(fieldMessageID, messageID.String()))
		return NewServiceError(opRemoveBlocks, "transaction_failed", err)
	}
	return nil
}

// Fingerprints returns the stored content hashes keyed by block id. Blocks
// without a stored hash are absent from the result.
func (m *Mapper) Fingerprints(ctx context.Context, blockIDs []string) (map[string]string, error) {
	result := make(map[string]string, len(blockIDs))
	if len(blockIDs) == 0 {
		return result, nil
	}
	var rows []BlockFingerprint
	if err := m.db.WithContext(ctx).Where(queryBlockIDIn, blockIDs).Find(&rows).Error; err != nil {
		m.logError(opFingerprints, "query_failed", err)
		return nil, NewServiceError(opFingerprints, "query_failed", err)
	}
	for _, row := range rows {
		result[row.BlockID] = row.Fingerprint
	}
	return result, nil
}

// deleteRows removes the mapping rows selected by query together with
// their fingerprints.
func deleteRows(tx *gorm.DB, query string, args ...any) error {
	var blockIDs []string
	if err := tx.Model(&MessageBlock{}).Where(query, args...).Pluck("block_id", &blockIDs).Error; err != nil {
		return err
	}
	if len(blockIDs) == 0 {
		return nil
	}
	if err := tx.Where(queryBlockIDIn, blockIDs).Delete(&BlockFingerprint{}).Error; err != nil {
		return fmt.Errorf("delete fingerprints: %w", err)
	}
	if err := tx.Where(query, args...).Delete(&MessageBlock{}).Error; err != nil {
		return fmt.Errorf("delete mapping rows: %w", err)
	}
	return nil
}

func (m *Mapper) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("diary mapper error", attrs...)
}
