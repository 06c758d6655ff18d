package model

// CatalogEntry is one persisted data listing, produced from a registry upload
// event. The uniqueness key is (content_id, tx_hash, block_number); redelivery
// of the same log replaces rather than duplicates the row.
type CatalogEntry struct {
	ContentID     string `json:"content_id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	FileType      string `json:"file_type"`
	Price         uint64 `json:"price"`
	PayoutAddress string `json:"payout_address"`
	BlockNumber   uint64 `json:"block_number"`
	BlockTime     uint64 `json:"block_time"`
	TxHash        string `json:"tx_hash"`
	LogIndex      uint64 `json:"log_index"`
	UpdatedAt     uint64 `json:"updated_at"`
}

// RollbackCursor is the highest block number known safe after a chain
// reorganization. Rows above it must be retracted.
type RollbackCursor struct {
	SafeBlock uint64 `json:"safe_block"`
}
