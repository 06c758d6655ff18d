package model

import "fmt"

// DecodeError records a decode failure for a single log. It identifies the
// failing log by transaction hash and log index so the batch can continue
// without it.
type DecodeError struct {
	BlockNumber uint64 `json:"block_number"`
	TxHash      string `json:"tx_hash"`
	LogIndex    uint64 `json:"log_index"`
	Address     string `json:"address"`
	Topic0      string `json:"topic0"`
	Reason      string `json:"reason"`
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode log %s[%d]: %s", e.TxHash, e.LogIndex, e.Reason)
}

// NewDecodeError wraps a failure with the identifying fields of the log.
func NewDecodeError(log LogRecord, err error) *DecodeError {
	topic0 := ""
	if len(log.Topics) > 0 {
		topic0 = log.Topics[0]
	}
	return &DecodeError{
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		LogIndex:    log.LogIndex,
		Address:     log.Address,
		Topic0:      topic0,
		Reason:      err.Error(),
	}
}
