package eventschema

// DatasetListed is emitted by the marketplace registry when a dataset upload
// is recorded on chain. Each occurrence becomes one catalog entry.
func DatasetListedSchema() *EventSchema {
	return &EventSchema{
		Name: "DatasetListed",
		Fields: []Field{
			{Name: "payee", Type: TypeAddress, Indexed: true},
			{Name: "pieceCid", Type: TypeString},
			{Name: "name", Type: TypeString},
			{Name: "description", Type: TypeString},
			{Name: "fileType", Type: TypeString},
			{Name: "price", Type: TypeUint256},
		},
	}
}

// Liquidation is emitted by the demo lending pool when a position is
// liquidated. It feeds the per-user, per-liquidator and per-asset aggregates.
func LiquidationSchema() *EventSchema {
	return &EventSchema{
		Name: "Liquidation",
		Fields: []Field{
			{Name: "user", Type: TypeAddress, Indexed: true},
			{Name: "liquidator", Type: TypeAddress, Indexed: true},
			{Name: "collateralAsset", Type: TypeAddress},
			{Name: "collateralSymbol", Type: TypeString},
			{Name: "debtAsset", Type: TypeAddress},
			{Name: "debtAmount", Type: TypeUint256},
			{Name: "collateralSeized", Type: TypeUint256},
		},
	}
}
