package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"marketscope/internal/model"
)

// State is the pipeline lifecycle phase.
type State int32

const (
	StateStarting State = iota
	StateStreaming
	StateRollingBack
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateRollingBack:
		return "rolling_back"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ChainSource is the chain-data collaborator the runner pulls from.
type ChainSource interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
	BlockHash(ctx context.Context, number uint64) (common.Hash, error)
}

// BatchHandler consumes decoded-ready log batches in canonical order and
// rollback notifications. HandleBatch must be idempotent under redelivery.
type BatchHandler interface {
	HandleBatch(ctx context.Context, logs []model.LogRecord) error
	HandleRollback(ctx context.Context, cursor model.RollbackCursor) error
}

// CursorStore persists the last block whose batch was fully persisted.
type CursorStore interface {
	Load(ctx context.Context) (uint64, bool, error)
	Save(ctx context.Context, lastSafeBlock uint64) error
}

// RawSink optionally receives the raw log records of every batch.
type RawSink interface {
	PutLogBatch(logs []model.LogRecord) error
}

// RunConfig holds runtime settings for a pipeline instance.
type RunConfig struct {
	FromBlock    uint64
	ToBlock      uint64 // 0 means follow the head indefinitely
	Addresses    []common.Address
	Topic0       []common.Hash
	BatchSize    uint64
	PollInterval time.Duration
	ReorgDepth   int
	MaxRetries   int
	RetryBackoff time.Duration
}

type blockRef struct {
	Number uint64
	Hash   common.Hash
}

// Runner pulls contiguous block ranges from the chain source, transforms the
// logs, and hands each batch to the handler. A batch is acknowledged (cursor
// advanced) only after the handler persisted it, so a crash in between causes
// redelivery, never loss.
type Runner struct {
	cfg     RunConfig
	chain   ChainSource
	handler BatchHandler
	cursor  CursorStore
	raw     RawSink
	logger  *zap.Logger

	state  atomic.Int32
	recent []blockRef
}

// NewRunner builds a Runner with its dependencies. The raw sink may be nil.
func NewRunner(cfg RunConfig, chain ChainSource, handler BatchHandler, cursor CursorStore, raw RawSink, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ReorgDepth <= 0 {
		cfg.ReorgDepth = 64
	}
	return &Runner{
		cfg:     cfg,
		chain:   chain,
		handler: handler,
		cursor:  cursor,
		raw:     raw,
		logger:  logger,
	}
}

// State returns the current lifecycle phase.
func (r *Runner) State() State {
	return State(r.state.Load())
}

func (r *Runner) setState(s State) {
	r.state.Store(int32(s))
}

// Run executes the ingestion loop until the configured end block is reached,
// the context is canceled, or retries against a collaborator are exhausted.
func (r *Runner) Run(ctx context.Context) error {
	defer r.setState(StateStopped)
	r.setState(StateStarting)

	if r.chain == nil {
		return fmt.Errorf("chain source is nil")
	}
	if r.handler == nil {
		return fmt.Errorf("batch handler is nil")
	}
	if r.cfg.BatchSize == 0 {
		return fmt.Errorf("batch size must be greater than zero")
	}
	if len(r.cfg.Addresses) == 0 {
		return fmt.Errorf("at least one address is required")
	}

	from := r.cfg.FromBlock
	if r.cursor != nil {
		last, ok, err := r.cursor.Load(ctx)
		if err != nil {
			return fmt.Errorf("load cursor: %w", err)
		}
		if ok && last >= from {
			from = last + 1
			r.logger.Info("resume from cursor", zap.Uint64("last_safe", last), zap.Uint64("from", from))
		}
	}

	r.setState(StateStreaming)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		head, err := r.headBlock(ctx)
		if err != nil {
			return fmt.Errorf("get head block: %w", err)
		}

		if from > head {
			if r.cfg.ToBlock != 0 {
				r.logger.Info("backfill complete", zap.Uint64("to", r.cfg.ToBlock))
				return nil
			}
			if err := r.sleep(ctx, r.cfg.PollInterval); err != nil {
				return err
			}
			continue
		}

		if rolledBack, err := r.checkReorg(ctx); err != nil {
			return err
		} else if rolledBack {
			last := r.lastSafe()
			from = last + 1
			continue
		}

		batchTo := from + r.cfg.BatchSize - 1
		if batchTo > head {
			batchTo = head
		}

		if err := r.processBatch(ctx, from, batchTo); err != nil {
			return err
		}
		from = batchTo + 1
	}
}

func (r *Runner) processBatch(ctx context.Context, from, to uint64) error {
	r.logger.Info("fetch logs", zap.Uint64("from", from), zap.Uint64("to", to))

	logs, err := r.filterLogsWithRetry(ctx, from, to)
	if err != nil {
		return fmt.Errorf("filter logs: %w", err)
	}
	logsFetched.Add(float64(len(logs)))

	// Canonical order: ascending block number, ascending log index inside a
	// block. The aggregation engine depends on it.
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	ingestedAt := time.Now().UTC()
	records := make([]model.LogRecord, 0, len(logs))
	for _, log := range logs {
		if log.Removed {
			continue
		}
		ts, err := r.blockTimestampWithRetry(ctx, log.BlockNumber)
		if err != nil {
			return fmt.Errorf("block timestamp %d: %w", log.BlockNumber, err)
		}
		records = append(records, buildLogRecord(log, ts, ingestedAt))
	}

	if r.raw != nil {
		if err := r.raw.PutLogBatch(records); err != nil {
			return fmt.Errorf("store raw logs: %w", err)
		}
	}

	start := time.Now()
	err = withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		// The whole batch is retried as a unit: the handler's sinks replace on
		// key, so redelivery is safe and partial batches never stick.
		if err := r.handler.HandleBatch(ctx, records); err != nil {
			r.logger.Warn("persist batch failed", zap.Error(err), zap.Uint64("from", from), zap.Uint64("to", to))
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist batch %d-%d: %w", from, to, err)
	}
	persistDuration.Observe(time.Since(start).Seconds())
	batchesPersisted.Inc()

	hash, err := r.blockHashWithRetry(ctx, to)
	if err != nil {
		return fmt.Errorf("block hash %d: %w", to, err)
	}
	r.remember(blockRef{Number: to, Hash: hash})

	if r.cursor != nil {
		if err := r.cursor.Save(ctx, to); err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}
	}

	r.logger.Info("batch complete", zap.Int("logs", len(records)), zap.Uint64("from", from), zap.Uint64("to", to))
	return nil
}

// checkReorg probes whether the last committed block is still canonical. On a
// mismatch it walks back to the newest committed block that still matches,
// emits the rollback cursor, and rewinds. Returns true when a rollback
// happened.
func (r *Runner) checkReorg(ctx context.Context) (bool, error) {
	if len(r.recent) == 0 {
		return false, nil
	}

	tip := r.recent[len(r.recent)-1]
	canonical, err := r.blockHashWithRetry(ctx, tip.Number)
	if err != nil {
		return false, fmt.Errorf("reorg probe %d: %w", tip.Number, err)
	}
	if canonical == tip.Hash {
		return false, nil
	}

	r.setState(StateRollingBack)
	defer r.setState(StateStreaming)
	rollbacks.Inc()

	safe := r.walkBack(ctx)
	r.logger.Warn("chain reorganization detected",
		zap.Uint64("mismatch_block", tip.Number),
		zap.Uint64("safe_block", safe),
	)

	cursor := model.RollbackCursor{SafeBlock: safe}
	if err := r.handler.HandleRollback(ctx, cursor); err != nil {
		return false, fmt.Errorf("rollback to %d: %w", safe, err)
	}
	if r.cursor != nil {
		if err := r.cursor.Save(ctx, safe); err != nil {
			return false, fmt.Errorf("save cursor: %w", err)
		}
	}
	return true, nil
}

// walkBack finds the highest committed block whose hash is still canonical and
// truncates the committed history above it. When nothing matches the pipeline
// falls all the way back to its configured start.
func (r *Runner) walkBack(ctx context.Context) uint64 {
	for i := len(r.recent) - 1; i >= 0; i-- {
		ref := r.recent[i]
		canonical, err := r.blockHashWithRetry(ctx, ref.Number)
		if err != nil {
			r.logger.Warn("walk-back probe failed", zap.Uint64("block", ref.Number), zap.Error(err))
			continue
		}
		if canonical == ref.Hash {
			r.recent = r.recent[:i+1]
			return ref.Number
		}
	}

	r.recent = r.recent[:0]
	if r.cfg.FromBlock == 0 {
		return 0
	}
	return r.cfg.FromBlock - 1
}

func (r *Runner) lastSafe() uint64 {
	if len(r.recent) == 0 {
		if r.cfg.FromBlock == 0 {
			return 0
		}
		return r.cfg.FromBlock - 1
	}
	return r.recent[len(r.recent)-1].Number
}

func (r *Runner) remember(ref blockRef) {
	r.recent = append(r.recent, ref)
	if len(r.recent) > r.cfg.ReorgDepth {
		r.recent = r.recent[len(r.recent)-r.cfg.ReorgDepth:]
	}
}

func (r *Runner) headBlock(ctx context.Context) (uint64, error) {
	if r.cfg.ToBlock != 0 {
		return r.cfg.ToBlock, nil
	}
	var head uint64
	err := withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		head, err = r.chain.LatestBlockNumber(ctx)
		return err
	})
	return head, err
}

func (r *Runner) filterLogsWithRetry(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error) {
	var logs []types.Log
	err := withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		logs, err = r.chain.FilterLogs(ctx, fromBlock, toBlock, r.cfg.Addresses, r.cfg.Topic0)
		if err != nil {
			r.logger.Warn("filter logs failed", zap.Error(err), zap.Uint64("from", fromBlock), zap.Uint64("to", toBlock))
		}
		return err
	})
	return logs, err
}

func (r *Runner) blockTimestampWithRetry(ctx context.Context, blockNumber uint64) (uint64, error) {
	var ts uint64
	err := withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		ts, err = r.chain.BlockTimestamp(ctx, blockNumber)
		if err != nil {
			r.logger.Warn("block timestamp fetch failed", zap.Error(err), zap.Uint64("block_number", blockNumber))
		}
		return err
	})
	return ts, err
}

func (r *Runner) blockHashWithRetry(ctx context.Context, blockNumber uint64) (common.Hash, error) {
	var hash common.Hash
	err := withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		hash, err = r.chain.BlockHash(ctx, blockNumber)
		return err
	})
	return hash, err
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsClean reports whether a pipeline exit error is an operator-initiated stop
// rather than a failure.
func IsClean(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}
