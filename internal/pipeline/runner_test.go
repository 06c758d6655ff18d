package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"marketscope/internal/model"
)

type fakeChain struct {
	headFn   func() (uint64, error)
	filterFn func(from, to uint64) ([]types.Log, error)
	hashFn   func(n uint64) (common.Hash, error)
	tsFn     func(n uint64) (uint64, error)
}

func (c *fakeChain) LatestBlockNumber(context.Context) (uint64, error) {
	return c.headFn()
}

func (c *fakeChain) FilterLogs(_ context.Context, from, to uint64, _ []common.Address, _ []common.Hash) ([]types.Log, error) {
	return c.filterFn(from, to)
}

func (c *fakeChain) BlockHash(_ context.Context, n uint64) (common.Hash, error) {
	if c.hashFn != nil {
		return c.hashFn(n)
	}
	return blockHash("a", n), nil
}

func (c *fakeChain) BlockTimestamp(_ context.Context, n uint64) (uint64, error) {
	if c.tsFn != nil {
		return c.tsFn(n)
	}
	return n * 10, nil
}

func blockHash(fork string, n uint64) common.Hash {
	return common.BytesToHash([]byte(fmt.Sprintf("%s-%d", fork, n)))
}

func logAt(block uint64, index uint) types.Log {
	return types.Log{
		BlockNumber: block,
		BlockHash:   blockHash("a", block),
		TxHash:      common.BytesToHash([]byte(fmt.Sprintf("tx-%d-%d", block, index))),
		Index:       index,
		Address:     common.HexToAddress("0x01"),
	}
}

func oneLogPerBlock(from, to uint64) ([]types.Log, error) {
	logs := make([]types.Log, 0, to-from+1)
	// Emitted newest-first on purpose; the runner must restore canonical order.
	for n := to; n >= from && n > 0; n-- {
		logs = append(logs, logAt(n, 0))
	}
	return logs, nil
}

type captureHandler struct {
	batches   [][]model.LogRecord
	rollbacks []model.RollbackCursor
	onBatch   func(batch []model.LogRecord) error
}

func (h *captureHandler) HandleBatch(_ context.Context, logs []model.LogRecord) error {
	if h.onBatch != nil {
		if err := h.onBatch(logs); err != nil {
			return err
		}
	}
	h.batches = append(h.batches, logs)
	return nil
}

func (h *captureHandler) HandleRollback(_ context.Context, cursor model.RollbackCursor) error {
	h.rollbacks = append(h.rollbacks, cursor)
	return nil
}

type memCursor struct {
	last  uint64
	ok    bool
	saves []uint64
}

func (c *memCursor) Load(context.Context) (uint64, bool, error) {
	return c.last, c.ok, nil
}

func (c *memCursor) Save(_ context.Context, lastSafeBlock uint64) error {
	c.last = lastSafeBlock
	c.ok = true
	c.saves = append(c.saves, lastSafeBlock)
	return nil
}

func testConfig() RunConfig {
	return RunConfig{
		FromBlock:    1,
		ToBlock:      10,
		Addresses:    []common.Address{common.HexToAddress("0x01")},
		BatchSize:    4,
		PollInterval: time.Millisecond,
		ReorgDepth:   8,
		MaxRetries:   0,
		RetryBackoff: time.Millisecond,
	}
}

func TestRunnerBackfill(t *testing.T) {
	chain := &fakeChain{filterFn: oneLogPerBlock}
	handler := &captureHandler{}
	cursor := &memCursor{}

	runner := NewRunner(testConfig(), chain, handler, cursor, nil, nil)
	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(handler.batches) != 3 {
		t.Fatalf("batches: got %d, want 3", len(handler.batches))
	}
	if got := len(handler.batches[0]); got != 4 {
		t.Fatalf("first batch size: got %d, want 4", got)
	}
	if got := len(handler.batches[2]); got != 2 {
		t.Fatalf("last batch size: got %d, want 2", got)
	}

	// Canonical order inside each batch even though the chain returned the
	// logs newest-first.
	prev := uint64(0)
	for _, rec := range handler.batches[0] {
		if rec.BlockNumber <= prev {
			t.Fatalf("batch not in canonical order: %d after %d", rec.BlockNumber, prev)
		}
		prev = rec.BlockNumber
	}

	wantSaves := []uint64{4, 8, 10}
	if len(cursor.saves) != len(wantSaves) {
		t.Fatalf("cursor saves: got %v, want %v", cursor.saves, wantSaves)
	}
	for i, want := range wantSaves {
		if cursor.saves[i] != want {
			t.Fatalf("cursor saves: got %v, want %v", cursor.saves, wantSaves)
		}
	}

	if runner.State() != StateStopped {
		t.Fatalf("state: got %s, want stopped", runner.State())
	}
}

func TestRunnerResumesFromCursor(t *testing.T) {
	var firstFrom uint64
	chain := &fakeChain{filterFn: func(from, to uint64) ([]types.Log, error) {
		if firstFrom == 0 {
			firstFrom = from
		}
		return nil, nil
	}}
	handler := &captureHandler{}
	cursor := &memCursor{last: 6, ok: true}

	runner := NewRunner(testConfig(), chain, handler, cursor, nil, nil)
	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if firstFrom != 7 {
		t.Fatalf("resume: first fetch from %d, want 7", firstFrom)
	}
}

func TestRunnerSkipsRemovedLogs(t *testing.T) {
	chain := &fakeChain{filterFn: func(from, to uint64) ([]types.Log, error) {
		removed := logAt(from, 1)
		removed.Removed = true
		return []types.Log{logAt(from, 0), removed}, nil
	}}
	handler := &captureHandler{}

	cfg := testConfig()
	cfg.ToBlock = 4
	runner := NewRunner(cfg, chain, handler, &memCursor{}, nil, nil)
	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, batch := range handler.batches {
		for _, rec := range batch {
			if rec.Removed {
				t.Fatalf("removed log reached the handler: %+v", rec)
			}
		}
	}
}

func TestRunnerRedeliversFailedBatch(t *testing.T) {
	chain := &fakeChain{filterFn: oneLogPerBlock}
	attempts := 0
	handler := &captureHandler{onBatch: func([]model.LogRecord) error {
		attempts++
		if attempts == 1 {
			return fmt.Errorf("sink unavailable")
		}
		return nil
	}}
	cursor := &memCursor{}

	cfg := testConfig()
	cfg.ToBlock = 4
	cfg.MaxRetries = 2
	runner := NewRunner(cfg, chain, handler, cursor, nil, nil)
	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if attempts != 2 {
		t.Fatalf("attempts: got %d, want 2", attempts)
	}
	// The cursor only advances once the redelivered batch sticks.
	if len(cursor.saves) != 1 || cursor.saves[0] != 4 {
		t.Fatalf("cursor saves: got %v, want [4]", cursor.saves)
	}
}

func TestRunnerGivesUpAfterRetries(t *testing.T) {
	chain := &fakeChain{filterFn: func(from, to uint64) ([]types.Log, error) {
		return nil, fmt.Errorf("rpc down")
	}}
	handler := &captureHandler{}

	cfg := testConfig()
	cfg.MaxRetries = 1
	runner := NewRunner(cfg, chain, handler, &memCursor{}, nil, nil)
	err := runner.Run(context.Background())
	if err == nil {
		t.Fatalf("expected error after exhausted retries")
	}
	if IsClean(err) {
		t.Fatalf("retry exhaustion is not a clean exit: %v", err)
	}
}

func TestRunnerFullRollback(t *testing.T) {
	headCalls := 0
	reorged := false
	chain := &fakeChain{}
	chain.headFn = func() (uint64, error) {
		headCalls++
		switch headCalls {
		case 1:
			return 2, nil
		case 2:
			reorged = true
			return 4, nil
		case 3:
			return 4, nil
		default:
			return 0, context.Canceled
		}
	}
	chain.filterFn = oneLogPerBlock
	chain.hashFn = func(n uint64) (common.Hash, error) {
		if reorged {
			return blockHash("b", n), nil
		}
		return blockHash("a", n), nil
	}
	handler := &captureHandler{}
	cursor := &memCursor{}

	cfg := testConfig()
	cfg.ToBlock = 0 // follow mode so the head is re-probed each pass
	cfg.BatchSize = 4
	runner := NewRunner(cfg, chain, handler, cursor, nil, nil)

	err := runner.Run(context.Background())
	if !IsClean(err) {
		t.Fatalf("expected clean exit, got %v", err)
	}

	// No committed block survived the fork, so the pipeline falls back to the
	// block before its configured start.
	if len(handler.rollbacks) != 1 || handler.rollbacks[0].SafeBlock != 0 {
		t.Fatalf("rollbacks: got %+v, want safe block 0", handler.rollbacks)
	}
	if len(handler.batches) != 2 {
		t.Fatalf("batches: got %d, want 2", len(handler.batches))
	}
	// First pass committed 1-2, rollback rewound to 0, second pass replayed
	// 1-4 on the new fork.
	if got := handler.batches[1][0].BlockNumber; got != 1 {
		t.Fatalf("replay must restart from block 1, got %d", got)
	}

	wantSaves := []uint64{2, 0, 4}
	if len(cursor.saves) != len(wantSaves) {
		t.Fatalf("cursor saves: got %v, want %v", cursor.saves, wantSaves)
	}
	for i, want := range wantSaves {
		if cursor.saves[i] != want {
			t.Fatalf("cursor saves: got %v, want %v", cursor.saves, wantSaves)
		}
	}
}

func TestRunnerPartialRollback(t *testing.T) {
	headCalls := 0
	forkedAbove := uint64(0)
	chain := &fakeChain{}
	chain.headFn = func() (uint64, error) {
		headCalls++
		switch headCalls {
		case 1, 2:
			return 4, nil
		case 3:
			forkedAbove = 2
			return 6, nil
		default:
			return 0, context.Canceled
		}
	}
	chain.filterFn = oneLogPerBlock
	chain.hashFn = func(n uint64) (common.Hash, error) {
		if forkedAbove != 0 && n > forkedAbove {
			return blockHash("b", n), nil
		}
		return blockHash("a", n), nil
	}
	handler := &captureHandler{}
	cursor := &memCursor{}

	cfg := testConfig()
	cfg.ToBlock = 0
	cfg.BatchSize = 2
	runner := NewRunner(cfg, chain, handler, cursor, nil, nil)

	err := runner.Run(context.Background())
	if !IsClean(err) {
		t.Fatalf("expected clean exit, got %v", err)
	}

	// Blocks 1-2 are still canonical: the walk-back stops there instead of
	// rewinding to the start.
	if len(handler.rollbacks) != 1 || handler.rollbacks[0].SafeBlock != 2 {
		t.Fatalf("rollbacks: got %+v, want safe block 2", handler.rollbacks)
	}

	wantSaves := []uint64{2, 4, 2}
	if len(cursor.saves) != len(wantSaves) {
		t.Fatalf("cursor saves: got %v, want %v", cursor.saves, wantSaves)
	}
	for i, want := range wantSaves {
		if cursor.saves[i] != want {
			t.Fatalf("cursor saves: got %v, want %v", cursor.saves, wantSaves)
		}
	}
}

func TestRunnerRejectsBadConfig(t *testing.T) {
	chain := &fakeChain{filterFn: oneLogPerBlock}

	cfg := testConfig()
	cfg.BatchSize = 0
	if err := NewRunner(cfg, chain, &captureHandler{}, nil, nil, nil).Run(context.Background()); err == nil {
		t.Fatalf("expected error for zero batch size")
	}

	cfg = testConfig()
	cfg.Addresses = nil
	if err := NewRunner(cfg, chain, &captureHandler{}, nil, nil, nil).Run(context.Background()); err == nil {
		t.Fatalf("expected error for empty address list")
	}

	if err := NewRunner(testConfig(), nil, &captureHandler{}, nil, nil, nil).Run(context.Background()); err == nil {
		t.Fatalf("expected error for nil chain source")
	}
	if err := NewRunner(testConfig(), chain, nil, nil, nil, nil).Run(context.Background()); err == nil {
		t.Fatalf("expected error for nil handler")
	}
}

func TestIsClean(t *testing.T) {
	if !IsClean(nil) {
		t.Fatalf("nil must be clean")
	}
	if !IsClean(fmt.Errorf("get head block: %w", context.Canceled)) {
		t.Fatalf("wrapped cancellation must be clean")
	}
	if IsClean(errors.New("rpc down")) {
		t.Fatalf("failures must not be clean")
	}
}
