package model

import (
	"fmt"
	"math/big"
)

// DecodedRecord is a typed projection of a LogRecord under one event schema.
// Field values are keyed by the schema's field names: addresses as 0x-prefixed
// hex strings, integers as *big.Int, the rest as their native Go type.
type DecodedRecord struct {
	Event       string         `json:"event"`
	BlockNumber uint64         `json:"block_number"`
	Timestamp   uint64         `json:"timestamp"`
	TxHash      string         `json:"tx_hash"`
	LogIndex    uint64         `json:"log_index"`
	Address     string         `json:"address"`
	Fields      map[string]any `json:"fields"`
}

func (r *DecodedRecord) String(name string) (string, error) {
	v, ok := r.Fields[name]
	if !ok {
		return "", fmt.Errorf("field %q not present", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q is %T, not string", name, v)
	}
	return s, nil
}

func (r *DecodedRecord) BigInt(name string) (*big.Int, error) {
	v, ok := r.Fields[name]
	if !ok {
		return nil, fmt.Errorf("field %q not present", name)
	}
	n, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("field %q is %T, not *big.Int", name, v)
	}
	return n, nil
}

// Uint64 returns an integer field that must fit in uint64.
func (r *DecodedRecord) Uint64(name string) (uint64, error) {
	n, err := r.BigInt(name)
	if err != nil {
		return 0, err
	}
	if n.Sign() < 0 || !n.IsUint64() {
		return 0, fmt.Errorf("field %q does not fit in uint64: %s", name, n)
	}
	return n.Uint64(), nil
}

func (r *DecodedRecord) Bool(name string) (bool, error) {
	v, ok := r.Fields[name]
	if !ok {
		return false, fmt.Errorf("field %q not present", name)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("field %q is %T, not bool", name, v)
	}
	return b, nil
}
