package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "marketscope",
		Short:        "Marketplace event indexer and catalog search",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	indexCmd := &cobra.Command{
		Use:   "index",
		Short: "Index marketplace listing events into the catalog",
		RunE:  runIndex,
	}
	addPipelineFlags(indexCmd)
	root.AddCommand(indexCmd)

	aggregateCmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Aggregate liquidation events into per-entity statistics",
		RunE:  runAggregate,
	}
	addPipelineFlags(aggregateCmd)
	root.AddCommand(aggregateCmd)

	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Find the best catalog match for a free-text query",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSearch,
	}
	searchCmd.Flags().StringSlice("ch-addr", nil, "ClickHouse addresses (comma-separated)")
	searchCmd.Flags().String("ch-database", "default", "ClickHouse database")
	searchCmd.Flags().String("ch-username", "default", "ClickHouse username")
	searchCmd.Flags().String("ch-password", "", "ClickHouse password")
	searchCmd.Flags().String("log-level", "warn", "log level (debug, info, warn, error)")
	root.AddCommand(searchCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the catalog discovery HTTP API",
		RunE:  runServe,
	}
	serveCmd.Flags().String("listen", ":8080", "listen address")
	serveCmd.Flags().StringSlice("ch-addr", nil, "ClickHouse addresses (comma-separated)")
	serveCmd.Flags().String("ch-database", "default", "ClickHouse database")
	serveCmd.Flags().String("ch-username", "default", "ClickHouse username")
	serveCmd.Flags().String("ch-password", "", "ClickHouse password")
	serveCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.AddCommand(serveCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addPipelineFlags(cmd *cobra.Command) {
	cmd.Flags().String("rpc", "", "chain RPC URL")
	cmd.Flags().StringSlice("address", nil, "contract addresses (comma-separated)")
	cmd.Flags().Uint64("from", 0, "start block (inclusive)")
	cmd.Flags().Uint64("to", 0, "end block (inclusive), 0 means follow the head")
	cmd.Flags().Uint64("batch-size", 2000, "blocks per batch")
	cmd.Flags().Duration("poll-interval", 5*time.Second, "head poll interval in follow mode")
	cmd.Flags().Int("reorg-depth", 64, "committed blocks kept for reorg detection")
	cmd.Flags().Int("max-retries", 5, "maximum retry attempts")
	cmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	cmd.Flags().String("schema-file", "", "extra event schemas JSON file")
	cmd.Flags().String("raw-out", "", "optional raw logs JSONL export path")
	cmd.Flags().String("cursor-backend", "file", "cursor backend (file, postgres)")
	cmd.Flags().String("cursor", "./data/cursor.json", "cursor file path (file backend)")
	cmd.Flags().String("cursor-dsn", "", "Postgres DSN (postgres backend)")
	cmd.Flags().String("cursor-name", "marketscope", "cursor name prefix")
	cmd.Flags().StringSlice("ch-addr", nil, "ClickHouse addresses (comma-separated)")
	cmd.Flags().String("ch-database", "default", "ClickHouse database")
	cmd.Flags().String("ch-username", "default", "ClickHouse username")
	cmd.Flags().String("ch-password", "", "ClickHouse password")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
