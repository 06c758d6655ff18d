package aggregate

import (
	"math"
	"math/big"

	"marketscope/internal/model"
)

// liquidationEvent is one decoded liquidation in canonical order.
type liquidationEvent struct {
	User             string
	Liquidator       string
	CollateralAsset  string
	CollateralSymbol string
	DebtAsset        string
	DebtAmount       *big.Int
	CollateralSeized *big.Int
	Timestamp        uint64
}

// userAccumulator tracks one borrower's liquidation exposure.
type userAccumulator struct {
	address          string
	count            uint64
	totalDebt        *big.Int
	collateralLost   *big.Int
	collateralAssets map[string]struct{}
}

func newUserAccumulator(address string) *userAccumulator {
	return &userAccumulator{
		address:          address,
		totalDebt:        new(big.Int),
		collateralLost:   new(big.Int),
		collateralAssets: make(map[string]struct{}),
	}
}

func (a *userAccumulator) apply(ev liquidationEvent) {
	a.count++
	a.totalDebt.Add(a.totalDebt, ev.DebtAmount)
	a.collateralLost.Add(a.collateralLost, ev.CollateralSeized)
	if ev.CollateralSymbol != "" {
		a.collateralAssets[ev.CollateralSymbol] = struct{}{}
	}
}

// riskScore is count*20 + distinctAssets*5, capped at 100.
func (a *userAccumulator) riskScore() uint8 {
	score := a.count*20 + uint64(len(a.collateralAssets))*5
	if score > 100 {
		score = 100
	}
	return uint8(score)
}

func (a *userAccumulator) snapshot(updatedAt uint64) model.UserRiskStat {
	return model.UserRiskStat{
		UserAddress:         a.address,
		LiquidationCount:    a.count,
		TotalDebt:           new(big.Int).Set(a.totalDebt),
		TotalCollateralLost: new(big.Int).Set(a.collateralLost),
		DistinctAssets:      uint32(len(a.collateralAssets)),
		RiskScore:           a.riskScore(),
		UpdatedAt:           updatedAt,
	}
}

// liquidatorAccumulator tracks one liquidator's leaderboard row.
type liquidatorAccumulator struct {
	address     string
	count       uint64
	totalSeized *big.Int
	users       map[string]struct{}
}

func newLiquidatorAccumulator(address string) *liquidatorAccumulator {
	return &liquidatorAccumulator{
		address:     address,
		totalSeized: new(big.Int),
		users:       make(map[string]struct{}),
	}
}

func (a *liquidatorAccumulator) apply(ev liquidationEvent) {
	a.count++
	a.totalSeized.Add(a.totalSeized, ev.CollateralSeized)
	a.users[ev.User] = struct{}{}
}

func (a *liquidatorAccumulator) snapshot(updatedAt uint64) model.LiquidatorStat {
	return model.LiquidatorStat{
		LiquidatorAddress: a.address,
		LiquidationCount:  a.count,
		TotalSeized:       new(big.Int).Set(a.totalSeized),
		DistinctUsers:     uint32(len(a.users)),
		UpdatedAt:         updatedAt,
	}
}

// assetAccumulator tracks how often an asset shows up as collateral vs debt.
type assetAccumulator struct {
	address         string
	collateralCount uint64
	debtCount       uint64
}

func newAssetAccumulator(address string) *assetAccumulator {
	return &assetAccumulator{address: address}
}

// riskRatio is round(collateral/debt*100), or collateral*100 when the asset
// was never the debt side.
func (a *assetAccumulator) riskRatio() uint64 {
	if a.debtCount == 0 {
		return a.collateralCount * 100
	}
	return uint64(math.Round(float64(a.collateralCount) / float64(a.debtCount) * 100))
}

func (a *assetAccumulator) snapshot(updatedAt uint64) model.AssetStat {
	return model.AssetStat{
		AssetAddress:    a.address,
		CollateralCount: a.collateralCount,
		DebtCount:       a.debtCount,
		RiskRatio:       a.riskRatio(),
		UpdatedAt:       updatedAt,
	}
}
