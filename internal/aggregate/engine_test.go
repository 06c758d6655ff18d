package aggregate

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"marketscope/internal/model"
)

type captureSink struct {
	users       [][]model.UserRiskStat
	liquidators [][]model.LiquidatorStat
	assets      [][]model.AssetStat
	failUsers   bool
}

func (s *captureSink) UpsertUserStats(_ context.Context, stats []model.UserRiskStat) error {
	if s.failUsers {
		return fmt.Errorf("sink unavailable")
	}
	s.users = append(s.users, stats)
	return nil
}

func (s *captureSink) UpsertLiquidatorStats(_ context.Context, stats []model.LiquidatorStat) error {
	s.liquidators = append(s.liquidators, stats)
	return nil
}

func (s *captureSink) UpsertAssetStats(_ context.Context, stats []model.AssetStat) error {
	s.assets = append(s.assets, stats)
	return nil
}

func TestEngineFlushesTouchedAccumulators(t *testing.T) {
	sink := &captureSink{}
	engine := NewEngine(nil, sink, nil)

	ev := liquidation("0xAAA", "0xLLL", "WETH", 100, 40)
	engine.apply(ev)
	ev.Timestamp = 2000
	engine.apply(ev)

	if err := engine.HandleBatch(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(sink.users) != 1 || len(sink.users[0]) != 1 {
		t.Fatalf("user upserts: got %+v", sink.users)
	}
	user := sink.users[0][0]
	if user.LiquidationCount != 2 {
		t.Fatalf("replay within a run must count again: got %d", user.LiquidationCount)
	}
	if user.TotalDebt.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("total debt: got %s, want 200", user.TotalDebt)
	}
	if user.UpdatedAt != 2000 {
		t.Fatalf("updated_at should carry the max event timestamp: got %d", user.UpdatedAt)
	}

	if len(sink.liquidators) != 1 || len(sink.liquidators[0]) != 1 {
		t.Fatalf("liquidator upserts: got %+v", sink.liquidators)
	}
	// Both sides of the event touch an asset accumulator.
	if len(sink.assets) != 1 || len(sink.assets[0]) != 2 {
		t.Fatalf("asset upserts: got %+v", sink.assets)
	}
}

func TestEngineTouchedSetClearedAfterFlush(t *testing.T) {
	sink := &captureSink{}
	engine := NewEngine(nil, sink, nil)

	engine.apply(liquidation("0xAAA", "0xLLL", "WETH", 1, 1))
	if err := engine.HandleBatch(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := engine.HandleBatch(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(sink.users) != 1 {
		t.Fatalf("untouched batch must not re-flush: got %d flushes", len(sink.users))
	}
}

func TestEngineAddressKeysCaseInsensitive(t *testing.T) {
	sink := &captureSink{}
	engine := NewEngine(nil, sink, nil)

	engine.apply(liquidation("0xABCD", "0xLLL", "WETH", 1, 1))
	engine.apply(liquidation("0xabcd", "0xLLL", "WETH", 1, 1))

	if err := engine.HandleBatch(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.users[0]) != 1 {
		t.Fatalf("mixed-case addresses must share one accumulator: got %d rows", len(sink.users[0]))
	}
	if got := sink.users[0][0].LiquidationCount; got != 2 {
		t.Fatalf("count: got %d, want 2", got)
	}
}

func TestEngineFlushErrorPropagates(t *testing.T) {
	sink := &captureSink{failUsers: true}
	engine := NewEngine(nil, sink, nil)

	engine.apply(liquidation("0xAAA", "0xLLL", "WETH", 1, 1))
	if err := engine.HandleBatch(context.Background(), nil); err == nil {
		t.Fatalf("expected flush error")
	}
}

func TestEngineRollbackIsNoOp(t *testing.T) {
	sink := &captureSink{}
	engine := NewEngine(nil, sink, nil)

	if err := engine.HandleRollback(context.Background(), model.RollbackCursor{SafeBlock: 42}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.users) != 0 {
		t.Fatalf("rollback must not write stat rows")
	}
}

func TestLiquidationFromRecord(t *testing.T) {
	record := &model.DecodedRecord{
		Event:     "Liquidation",
		Timestamp: 777,
		Fields: map[string]any{
			"user":             "0xAAA",
			"liquidator":       "0xLLL",
			"collateralAsset":  "0xCCC",
			"collateralSymbol": "WETH",
			"debtAsset":        "0xDDD",
			"debtAmount":       big.NewInt(100),
			"collateralSeized": big.NewInt(40),
		},
	}

	ev, err := liquidationFromRecord(record)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.User != "0xAAA" || ev.Liquidator != "0xLLL" {
		t.Fatalf("addresses: got %+v", ev)
	}
	if ev.DebtAmount.Int64() != 100 || ev.CollateralSeized.Int64() != 40 {
		t.Fatalf("amounts: got %+v", ev)
	}
	if ev.Timestamp != 777 {
		t.Fatalf("timestamp: got %d, want 777", ev.Timestamp)
	}
}

func TestLiquidationFromRecordMissingField(t *testing.T) {
	record := &model.DecodedRecord{
		Event:  "Liquidation",
		Fields: map[string]any{"user": "0xAAA"},
	}
	if _, err := liquidationFromRecord(record); err == nil {
		t.Fatalf("expected error for missing fields")
	}
}
