package model

import "math/big"

// UserRiskStat is the per-user liquidation exposure row. Keyed by user
// address; repeated upserts replace on updated_at.
type UserRiskStat struct {
	UserAddress         string   `json:"user_address"`
	LiquidationCount    uint64   `json:"liquidation_count"`
	TotalDebt           *big.Int `json:"total_debt"`
	TotalCollateralLost *big.Int `json:"total_collateral_lost"`
	DistinctAssets      uint32   `json:"distinct_assets"`
	RiskScore           uint8    `json:"risk_score"`
	UpdatedAt           uint64   `json:"updated_at"`
}

// LiquidatorStat is the per-liquidator leaderboard row.
type LiquidatorStat struct {
	LiquidatorAddress string   `json:"liquidator_address"`
	LiquidationCount  uint64   `json:"liquidation_count"`
	TotalSeized       *big.Int `json:"total_seized"`
	DistinctUsers     uint32   `json:"distinct_users"`
	UpdatedAt         uint64   `json:"updated_at"`
}

// AssetStat tracks how often an asset appears on each side of a liquidation.
type AssetStat struct {
	AssetAddress    string `json:"asset_address"`
	CollateralCount uint64 `json:"collateral_count"`
	DebtCount       uint64 `json:"debt_count"`
	RiskRatio       uint64 `json:"risk_ratio"`
	UpdatedAt       uint64 `json:"updated_at"`
}
