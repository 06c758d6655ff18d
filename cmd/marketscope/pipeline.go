package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"marketscope/internal/aggregate"
	"marketscope/internal/chain"
	"marketscope/internal/config"
	"marketscope/internal/eventschema"
	"marketscope/internal/jobs"
	"marketscope/internal/pipeline"
	"marketscope/internal/storage"
	"marketscope/internal/storage/clickhouse"
	"marketscope/internal/storage/cursor"
)

type handlerFactory func(*eventschema.Decoder, *clickhouse.Store, *zap.Logger) pipeline.BatchHandler

func runIndex(cmd *cobra.Command, _ []string) error {
	return runPipeline(cmd, "catalog", eventschema.DatasetListedSchema(),
		func(decoder *eventschema.Decoder, store *clickhouse.Store, logger *zap.Logger) pipeline.BatchHandler {
			return pipeline.NewCatalogHandler(decoder, store, logger)
		})
}

func runAggregate(cmd *cobra.Command, _ []string) error {
	return runPipeline(cmd, "liquidations", eventschema.LiquidationSchema(),
		func(decoder *eventschema.Decoder, store *clickhouse.Store, logger *zap.Logger) pipeline.BatchHandler {
			// One engine per job: accumulators are mutable and must never be
			// shared across concurrently running pipelines.
			return aggregate.NewEngine(decoder, store, logger)
		})
}

// runPipeline wires one pipeline job per configured contract address through
// the job manager. The jobs share only the columnar store; the last one to
// stop closes it.
func runPipeline(cmd *cobra.Command, name string, builtin *eventschema.EventSchema, makeHandler handlerFactory) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadPipeline(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	addresses, err := pipeline.ParseAddresses(cfg.Addresses)
	if err != nil {
		return err
	}
	if len(addresses) == 0 {
		return fmt.Errorf("address list is required")
	}

	schemas := []*eventschema.EventSchema{builtin}
	if cfg.SchemaFile != "" {
		extra, err := eventschema.LoadFile(cfg.SchemaFile)
		if err != nil {
			return err
		}
		schemas = append(schemas, extra...)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	store, err := clickhouse.Open(ctx, clickhouse.Options{
		Addr:     cfg.ClickHouse.Addr,
		Database: cfg.ClickHouse.Database,
		Username: cfg.ClickHouse.Username,
		Password: cfg.ClickHouse.Password,
	}, logger)
	if err != nil {
		return err
	}
	if err := store.EnsureTables(ctx); err != nil {
		store.Close()
		return err
	}

	shared := jobs.NewSharedResource(store.Close)
	manager := jobs.NewManager(shared, logger)

	for _, address := range addresses {
		if err := startAddressJob(ctx, manager, cfg, name, address, schemas, chainClient, store, makeHandler, logger); err != nil {
			_ = manager.StopAll(ctx)
			manager.Wait()
			return err
		}
	}

	logger.Info("pipeline start",
		zap.String("pipeline", name),
		zap.String("rpc", cfg.RPCURL),
		zap.Uint64("from", cfg.FromBlock),
		zap.Uint64("to", cfg.ToBlock),
		zap.Int("addresses", len(addresses)),
		zap.Int("schemas", len(schemas)),
		zap.Uint64("batch_size", cfg.BatchSize),
	)

	manager.Wait()

	for _, err := range manager.Errs() {
		if !pipeline.IsClean(err) {
			return err
		}
	}
	return nil
}

func startAddressJob(
	ctx context.Context,
	manager *jobs.Manager,
	cfg config.Pipeline,
	name string,
	address common.Address,
	schemas []*eventschema.EventSchema,
	chainClient *chain.Client,
	store *clickhouse.Store,
	makeHandler handlerFactory,
	logger *zap.Logger,
) error {
	jobName := fmt.Sprintf("%s-%s", name, strings.ToLower(address.Hex()))

	cursorStore, err := newCursorStore(ctx, cfg, jobName)
	if err != nil {
		return err
	}

	decoder, err := eventschema.NewDecoder(schemas...)
	if err != nil {
		return err
	}

	var raw pipeline.RawSink
	if cfg.RawOut != "" {
		raw = storage.NewJsonlSink(fmt.Sprintf("%s.%s", cfg.RawOut, strings.ToLower(address.Hex())))
	}

	runner := pipeline.NewRunner(pipeline.RunConfig{
		FromBlock:    cfg.FromBlock,
		ToBlock:      cfg.ToBlock,
		Addresses:    []common.Address{address},
		Topic0:       decoder.Topics(),
		BatchSize:    cfg.BatchSize,
		PollInterval: cfg.PollInterval,
		ReorgDepth:   cfg.ReorgDepth,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
	}, chainClient, makeHandler(decoder, store, logger), cursorStore, raw, logger.With(zap.String("job", jobName)))

	_, err = manager.Start(ctx, jobName, runner.Run)
	return err
}

func newCursorStore(ctx context.Context, cfg config.Pipeline, jobName string) (pipeline.CursorStore, error) {
	switch cfg.CursorBackend {
	case "postgres":
		return cursor.NewPostgresStore(ctx, cfg.CursorDSN, fmt.Sprintf("%s-%s", cfg.CursorName, jobName))
	default:
		path := cfg.CursorPath
		if path != "" {
			path = fmt.Sprintf("%s.%s", path, jobName)
		}
		return pipeline.NewFileCursorStore(path), nil
	}
}
