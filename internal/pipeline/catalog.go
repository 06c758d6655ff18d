package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"marketscope/internal/eventschema"
	"marketscope/internal/model"
)

// CatalogSink persists catalog entries with replace-on-key semantics.
type CatalogSink interface {
	InsertCatalogBatch(ctx context.Context, entries []model.CatalogEntry) error
	DeleteCatalogAbove(ctx context.Context, blockNumber uint64) error
}

// CatalogHandler decodes registry listing events and persists one catalog
// entry per occurrence. A decode failure skips that single log; it never
// aborts the batch.
type CatalogHandler struct {
	decoder *eventschema.Decoder
	sink    CatalogSink
	logger  *zap.Logger
	now     func() time.Time
}

func NewCatalogHandler(decoder *eventschema.Decoder, sink CatalogSink, logger *zap.Logger) *CatalogHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogHandler{
		decoder: decoder,
		sink:    sink,
		logger:  logger,
		now:     time.Now,
	}
}

func (h *CatalogHandler) HandleBatch(ctx context.Context, logs []model.LogRecord) error {
	entries := make([]model.CatalogEntry, 0, len(logs))
	updatedAt := uint64(h.now().UnixMilli())

	for _, log := range logs {
		if len(log.Topics) == 0 || !h.decoder.CanDecode(log.Topics[0]) {
			continue
		}

		record, err := h.decoder.Decode(log)
		if err != nil {
			DecodeFailures.Inc()
			h.logger.Warn("skip undecodable log",
				zap.String("tx_hash", log.TxHash),
				zap.Uint64("log_index", log.LogIndex),
				zap.Error(err),
			)
			continue
		}
		RecordsDecoded.Inc()

		entry, err := entryFromRecord(record, updatedAt)
		if err != nil {
			DecodeFailures.Inc()
			h.logger.Warn("skip invalid listing",
				zap.String("tx_hash", log.TxHash),
				zap.Uint64("log_index", log.LogIndex),
				zap.Error(err),
			)
			continue
		}
		entries = append(entries, entry)
	}

	return h.sink.InsertCatalogBatch(ctx, entries)
}

func (h *CatalogHandler) HandleRollback(ctx context.Context, cursor model.RollbackCursor) error {
	h.logger.Warn("retracting catalog rows above safe block", zap.Uint64("safe_block", cursor.SafeBlock))
	return h.sink.DeleteCatalogAbove(ctx, cursor.SafeBlock)
}

func entryFromRecord(record *model.DecodedRecord, updatedAt uint64) (model.CatalogEntry, error) {
	contentID, err := record.String("pieceCid")
	if err != nil {
		return model.CatalogEntry{}, err
	}
	if contentID == "" {
		return model.CatalogEntry{}, fmt.Errorf("empty content identifier")
	}
	name, err := record.String("name")
	if err != nil {
		return model.CatalogEntry{}, err
	}
	description, err := record.String("description")
	if err != nil {
		return model.CatalogEntry{}, err
	}
	fileType, err := record.String("fileType")
	if err != nil {
		return model.CatalogEntry{}, err
	}
	price, err := record.Uint64("price")
	if err != nil {
		return model.CatalogEntry{}, err
	}
	payee, err := record.String("payee")
	if err != nil {
		return model.CatalogEntry{}, err
	}

	return model.CatalogEntry{
		ContentID:     contentID,
		Name:          name,
		Description:   description,
		FileType:      fileType,
		Price:         price,
		PayoutAddress: payee,
		BlockNumber:   record.BlockNumber,
		BlockTime:     record.Timestamp,
		TxHash:        record.TxHash,
		LogIndex:      record.LogIndex,
		UpdatedAt:     updatedAt,
	}, nil
}
