package clickhouse

// Table names form the on-disk contract read by the dashboard APIs.
const (
	CatalogTable     = "catalog_entries"
	UserStatsTable   = "user_risk_stats"
	LiquidatorTable  = "liquidator_stats"
	AssetStatsTable  = "asset_stats"
)

// ReplacingMergeTree keyed by the row's uniqueness tuple makes every insert a
// replace-on-key upsert: redelivered batches overwrite instead of duplicating.
var tableDDL = []string{
	`CREATE TABLE IF NOT EXISTS catalog_entries (
		content_id String,
		name String,
		description String,
		file_type String,
		price UInt64,
		payout_address String,
		block_number UInt64,
		block_time UInt64,
		tx_hash String,
		log_index UInt64,
		updated_at UInt64
	) ENGINE = ReplacingMergeTree(updated_at)
	ORDER BY (content_id, tx_hash, block_number)`,

	`CREATE TABLE IF NOT EXISTS user_risk_stats (
		user_address String,
		liquidation_count UInt64,
		total_debt UInt256,
		total_collateral_lost UInt256,
		distinct_assets UInt32,
		risk_score UInt8,
		updated_at UInt64
	) ENGINE = ReplacingMergeTree(updated_at)
	ORDER BY user_address`,

	`CREATE TABLE IF NOT EXISTS liquidator_stats (
		liquidator_address String,
		liquidation_count UInt64,
		total_seized UInt256,
		distinct_users UInt32,
		updated_at UInt64
	) ENGINE = ReplacingMergeTree(updated_at)
	ORDER BY liquidator_address`,

	`CREATE TABLE IF NOT EXISTS asset_stats (
		asset_address String,
		collateral_count UInt64,
		debt_count UInt64,
		risk_ratio UInt64,
		updated_at UInt64
	) ENGINE = ReplacingMergeTree(updated_at)
	ORDER BY asset_address`,
}

// deletableTables carry a block_number column, which range deletion needs.
var deletableTables = map[string]struct{}{
	CatalogTable: {},
}
