// Package aggregate maintains running liquidation statistics per user,
// liquidator, and asset.
//
// The in-memory accumulators are intentionally not idempotent: replaying an
// event within one run counts it again. Only the table write is idempotent,
// via replace-on-key with the batch's updated_at. Correct totals after a
// restart therefore come from replaying the full history from the configured
// start block, which the store's replace semantics make safe.
package aggregate

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"marketscope/internal/eventschema"
	"marketscope/internal/model"
	"marketscope/internal/pipeline"
)

// StatSink persists stat rows with replace-on-key semantics.
type StatSink interface {
	UpsertUserStats(ctx context.Context, stats []model.UserRiskStat) error
	UpsertLiquidatorStats(ctx context.Context, stats []model.LiquidatorStat) error
	UpsertAssetStats(ctx context.Context, stats []model.AssetStat) error
}

// Engine consumes decoded liquidation events in canonical order and flushes
// every touched accumulator at the end of each batch.
type Engine struct {
	decoder *eventschema.Decoder
	sink    StatSink
	logger  *zap.Logger

	users       Store[*userAccumulator]
	liquidators Store[*liquidatorAccumulator]
	assets      Store[*assetAccumulator]

	touchedUsers       map[string]struct{}
	touchedLiquidators map[string]struct{}
	touchedAssets      map[string]struct{}
	maxTimestamp       uint64
}

func NewEngine(decoder *eventschema.Decoder, sink StatSink, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		decoder:            decoder,
		sink:               sink,
		logger:             logger,
		users:              NewMapStore[*userAccumulator](),
		liquidators:        NewMapStore[*liquidatorAccumulator](),
		assets:             NewMapStore[*assetAccumulator](),
		touchedUsers:       make(map[string]struct{}),
		touchedLiquidators: make(map[string]struct{}),
		touchedAssets:      make(map[string]struct{}),
	}
}

// HandleBatch decodes and applies each log, then flushes the touched
// accumulators. Decode failures skip the single log.
func (e *Engine) HandleBatch(ctx context.Context, logs []model.LogRecord) error {
	for _, log := range logs {
		if len(log.Topics) == 0 || !e.decoder.CanDecode(log.Topics[0]) {
			continue
		}

		record, err := e.decoder.Decode(log)
		if err != nil {
			pipeline.DecodeFailures.Inc()
			e.logger.Warn("skip undecodable log",
				zap.String("tx_hash", log.TxHash),
				zap.Uint64("log_index", log.LogIndex),
				zap.Error(err),
			)
			continue
		}
		pipeline.RecordsDecoded.Inc()

		ev, err := liquidationFromRecord(record)
		if err != nil {
			pipeline.DecodeFailures.Inc()
			e.logger.Warn("skip malformed liquidation",
				zap.String("tx_hash", log.TxHash),
				zap.Uint64("log_index", log.LogIndex),
				zap.Error(err),
			)
			continue
		}
		e.apply(ev)
	}

	return e.flush(ctx)
}

// HandleRollback is a no-op for aggregates: stat rows are keyed by address,
// not block, so retracting a block range means rebuilding from a full replay.
func (e *Engine) HandleRollback(ctx context.Context, cursor model.RollbackCursor) error {
	e.logger.Warn("rollback received; aggregates require a full replay to re-derive",
		zap.Uint64("safe_block", cursor.SafeBlock),
	)
	return nil
}

func (e *Engine) apply(ev liquidationEvent) {
	userKey := strings.ToLower(ev.User)
	user, ok := e.users.Get(userKey)
	if !ok {
		user = newUserAccumulator(ev.User)
		e.users.Put(userKey, user)
	}
	user.apply(ev)
	e.touchedUsers[userKey] = struct{}{}

	liqKey := strings.ToLower(ev.Liquidator)
	liq, ok := e.liquidators.Get(liqKey)
	if !ok {
		liq = newLiquidatorAccumulator(ev.Liquidator)
		e.liquidators.Put(liqKey, liq)
	}
	liq.apply(ev)
	e.touchedLiquidators[liqKey] = struct{}{}

	collKey := strings.ToLower(ev.CollateralAsset)
	coll, ok := e.assets.Get(collKey)
	if !ok {
		coll = newAssetAccumulator(ev.CollateralAsset)
		e.assets.Put(collKey, coll)
	}
	coll.collateralCount++
	e.touchedAssets[collKey] = struct{}{}

	debtKey := strings.ToLower(ev.DebtAsset)
	debt, ok := e.assets.Get(debtKey)
	if !ok {
		debt = newAssetAccumulator(ev.DebtAsset)
		e.assets.Put(debtKey, debt)
	}
	debt.debtCount++
	e.touchedAssets[debtKey] = struct{}{}

	if ev.Timestamp > e.maxTimestamp {
		e.maxTimestamp = ev.Timestamp
	}
}

// flush upserts every accumulator touched since the previous flush, stamped
// with the latest event timestamp observed so far.
func (e *Engine) flush(ctx context.Context) error {
	if len(e.touchedUsers) == 0 && len(e.touchedLiquidators) == 0 && len(e.touchedAssets) == 0 {
		return nil
	}

	userStats := make([]model.UserRiskStat, 0, len(e.touchedUsers))
	for key := range e.touchedUsers {
		if acc, ok := e.users.Get(key); ok {
			userStats = append(userStats, acc.snapshot(e.maxTimestamp))
		}
	}
	liqStats := make([]model.LiquidatorStat, 0, len(e.touchedLiquidators))
	for key := range e.touchedLiquidators {
		if acc, ok := e.liquidators.Get(key); ok {
			liqStats = append(liqStats, acc.snapshot(e.maxTimestamp))
		}
	}
	assetStats := make([]model.AssetStat, 0, len(e.touchedAssets))
	for key := range e.touchedAssets {
		if acc, ok := e.assets.Get(key); ok {
			assetStats = append(assetStats, acc.snapshot(e.maxTimestamp))
		}
	}

	if err := e.sink.UpsertUserStats(ctx, userStats); err != nil {
		return fmt.Errorf("flush user stats: %w", err)
	}
	if err := e.sink.UpsertLiquidatorStats(ctx, liqStats); err != nil {
		return fmt.Errorf("flush liquidator stats: %w", err)
	}
	if err := e.sink.UpsertAssetStats(ctx, assetStats); err != nil {
		return fmt.Errorf("flush asset stats: %w", err)
	}

	e.touchedUsers = make(map[string]struct{})
	e.touchedLiquidators = make(map[string]struct{})
	e.touchedAssets = make(map[string]struct{})

	e.logger.Debug("stats flushed",
		zap.Int("users", len(userStats)),
		zap.Int("liquidators", len(liqStats)),
		zap.Int("assets", len(assetStats)),
		zap.Uint64("updated_at", e.maxTimestamp),
	)
	return nil
}

func liquidationFromRecord(record *model.DecodedRecord) (liquidationEvent, error) {
	user, err := record.String("user")
	if err != nil {
		return liquidationEvent{}, err
	}
	liquidator, err := record.String("liquidator")
	if err != nil {
		return liquidationEvent{}, err
	}
	collateralAsset, err := record.String("collateralAsset")
	if err != nil {
		return liquidationEvent{}, err
	}
	collateralSymbol, err := record.String("collateralSymbol")
	if err != nil {
		return liquidationEvent{}, err
	}
	debtAsset, err := record.String("debtAsset")
	if err != nil {
		return liquidationEvent{}, err
	}
	debtAmount, err := record.BigInt("debtAmount")
	if err != nil {
		return liquidationEvent{}, err
	}
	collateralSeized, err := record.BigInt("collateralSeized")
	if err != nil {
		return liquidationEvent{}, err
	}

	return liquidationEvent{
		User:             user,
		Liquidator:       liquidator,
		CollateralAsset:  collateralAsset,
		CollateralSymbol: collateralSymbol,
		DebtAsset:        debtAsset,
		DebtAmount:       debtAmount,
		CollateralSeized: collateralSeized,
		Timestamp:        record.Timestamp,
	}, nil
}
