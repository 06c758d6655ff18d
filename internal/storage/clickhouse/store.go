package clickhouse

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"marketscope/internal/model"
)

// Options configures the ClickHouse connection.
type Options struct {
	Addr     []string
	Database string
	Username string
	Password string
}

// Store is the columnar store adapter. All tables use replace-on-key engines,
// so every insert is an idempotent upsert and range deletion handles reorg
// rollback.
type Store struct {
	conn   driver.Conn
	logger *zap.Logger
}

// Open connects and pings the server.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(opts.Addr) == 0 {
		opts.Addr = []string{"localhost:9000"}
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: opts.Addr,
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return &Store{conn: conn, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// EnsureTables creates all tables if absent. Safe to call on every start.
func (s *Store) EnsureTables(ctx context.Context) error {
	for _, ddl := range tableDDL {
		if err := s.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("ensure table: %w", err)
		}
	}
	return nil
}

// InsertCatalogBatch bulk-inserts catalog entries. Empty input is a no-op;
// any failure is surfaced so the caller retries the whole batch.
func (s *Store) InsertCatalogBatch(ctx context.Context, entries []model.CatalogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO catalog_entries")
	if err != nil {
		return fmt.Errorf("prepare catalog batch: %w", err)
	}
	defer func(batch driver.Batch) {
		_ = batch.Abort()
	}(batch)

	for _, e := range entries {
		if err := batch.Append(
			e.ContentID,
			e.Name,
			e.Description,
			e.FileType,
			e.Price,
			e.PayoutAddress,
			e.BlockNumber,
			e.BlockTime,
			e.TxHash,
			e.LogIndex,
			e.UpdatedAt,
		); err != nil {
			return fmt.Errorf("append catalog row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("insert catalog batch: %w", err)
	}
	return nil
}

// DeleteAbove removes every row with block_number greater than the cursor.
// Calling it with no matching rows is a no-op.
func (s *Store) DeleteAbove(ctx context.Context, table string, blockNumber uint64) error {
	if _, ok := deletableTables[table]; !ok {
		return fmt.Errorf("table %q does not support range deletion", table)
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE block_number > ?", table)
	if err := s.conn.Exec(ctx, query, blockNumber); err != nil {
		return fmt.Errorf("delete %s above %d: %w", table, blockNumber, err)
	}
	return nil
}

// DeleteCatalogAbove retracts catalog rows past the rollback cursor.
func (s *Store) DeleteCatalogAbove(ctx context.Context, blockNumber uint64) error {
	return s.DeleteAbove(ctx, CatalogTable, blockNumber)
}

// QueryAllCatalog returns a point-in-time snapshot of the catalog, most
// recent block first. FINAL collapses replaced versions to the newest write.
func (s *Store) QueryAllCatalog(ctx context.Context) ([]model.CatalogEntry, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT content_id, name, description, file_type, price, payout_address,
		       block_number, block_time, tx_hash, log_index, updated_at
		FROM catalog_entries FINAL
		ORDER BY block_number DESC, log_index DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer rows.Close()

	var entries []model.CatalogEntry
	for rows.Next() {
		var e model.CatalogEntry
		if err := rows.Scan(
			&e.ContentID,
			&e.Name,
			&e.Description,
			&e.FileType,
			&e.Price,
			&e.PayoutAddress,
			&e.BlockNumber,
			&e.BlockTime,
			&e.TxHash,
			&e.LogIndex,
			&e.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan catalog row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpsertUserStats replaces the per-user risk rows.
func (s *Store) UpsertUserStats(ctx context.Context, stats []model.UserRiskStat) error {
	if len(stats) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO user_risk_stats")
	if err != nil {
		return fmt.Errorf("prepare user stats batch: %w", err)
	}
	defer func(batch driver.Batch) {
		_ = batch.Abort()
	}(batch)

	for _, st := range stats {
		if err := batch.Append(
			st.UserAddress,
			st.LiquidationCount,
			bigOrZero(st.TotalDebt),
			bigOrZero(st.TotalCollateralLost),
			st.DistinctAssets,
			st.RiskScore,
			st.UpdatedAt,
		); err != nil {
			return fmt.Errorf("append user stat row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("insert user stats: %w", err)
	}
	return nil
}

// UpsertLiquidatorStats replaces the leaderboard rows.
func (s *Store) UpsertLiquidatorStats(ctx context.Context, stats []model.LiquidatorStat) error {
	if len(stats) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO liquidator_stats")
	if err != nil {
		return fmt.Errorf("prepare liquidator stats batch: %w", err)
	}
	defer func(batch driver.Batch) {
		_ = batch.Abort()
	}(batch)

	for _, st := range stats {
		if err := batch.Append(
			st.LiquidatorAddress,
			st.LiquidationCount,
			bigOrZero(st.TotalSeized),
			st.DistinctUsers,
			st.UpdatedAt,
		); err != nil {
			return fmt.Errorf("append liquidator stat row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("insert liquidator stats: %w", err)
	}
	return nil
}

// UpsertAssetStats replaces the per-asset exposure rows.
func (s *Store) UpsertAssetStats(ctx context.Context, stats []model.AssetStat) error {
	if len(stats) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO asset_stats")
	if err != nil {
		return fmt.Errorf("prepare asset stats batch: %w", err)
	}
	defer func(batch driver.Batch) {
		_ = batch.Abort()
	}(batch)

	for _, st := range stats {
		if err := batch.Append(
			st.AssetAddress,
			st.CollateralCount,
			st.DebtCount,
			st.RiskRatio,
			st.UpdatedAt,
		); err != nil {
			return fmt.Errorf("append asset stat row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("insert asset stats: %w", err)
	}
	return nil
}

// TopUserRisk returns the riskiest users, highest score first.
func (s *Store) TopUserRisk(ctx context.Context, limit uint64) ([]model.UserRiskStat, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT user_address, liquidation_count, total_debt, total_collateral_lost,
		       distinct_assets, risk_score, updated_at
		FROM user_risk_stats FINAL
		ORDER BY risk_score DESC, liquidation_count DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query user stats: %w", err)
	}
	defer rows.Close()

	var stats []model.UserRiskStat
	for rows.Next() {
		st := model.UserRiskStat{TotalDebt: new(big.Int), TotalCollateralLost: new(big.Int)}
		if err := rows.Scan(
			&st.UserAddress,
			&st.LiquidationCount,
			st.TotalDebt,
			st.TotalCollateralLost,
			&st.DistinctAssets,
			&st.RiskScore,
			&st.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan user stat row: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// TopLiquidators returns the leaderboard, most active first.
func (s *Store) TopLiquidators(ctx context.Context, limit uint64) ([]model.LiquidatorStat, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT liquidator_address, liquidation_count, total_seized, distinct_users, updated_at
		FROM liquidator_stats FINAL
		ORDER BY liquidation_count DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query liquidator stats: %w", err)
	}
	defer rows.Close()

	var stats []model.LiquidatorStat
	for rows.Next() {
		st := model.LiquidatorStat{TotalSeized: new(big.Int)}
		if err := rows.Scan(
			&st.LiquidatorAddress,
			&st.LiquidationCount,
			st.TotalSeized,
			&st.DistinctUsers,
			&st.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan liquidator stat row: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// AssetExposure returns all per-asset rows, riskiest ratio first.
func (s *Store) AssetExposure(ctx context.Context) ([]model.AssetStat, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT asset_address, collateral_count, debt_count, risk_ratio, updated_at
		FROM asset_stats FINAL
		ORDER BY risk_ratio DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query asset stats: %w", err)
	}
	defer rows.Close()

	var stats []model.AssetStat
	for rows.Next() {
		var st model.AssetStat
		if err := rows.Scan(
			&st.AssetAddress,
			&st.CollateralCount,
			&st.DebtCount,
			&st.RiskRatio,
			&st.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan asset stat row: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
