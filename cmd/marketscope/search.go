package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"marketscope/internal/config"
	"marketscope/internal/search"
	"marketscope/internal/storage/clickhouse"
)

func runSearch(cmd *cobra.Command, args []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadServe(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := context.Background()

	store, err := clickhouse.Open(ctx, clickhouse.Options{
		Addr:     cfg.ClickHouse.Addr,
		Database: cfg.ClickHouse.Database,
		Username: cfg.ClickHouse.Username,
		Password: cfg.ClickHouse.Password,
	}, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.QueryAllCatalog(ctx)
	if err != nil {
		return err
	}

	query := strings.Join(args, " ")
	match, err := search.FindBestMatch(query, entries)
	if err != nil {
		var notFound *search.NotFoundError
		if errors.As(err, &notFound) {
			return printJSON(map[string]any{"found": false, "query": query})
		}
		return err
	}

	return printJSON(map[string]any{"found": true, "query": query, "entry": match})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
