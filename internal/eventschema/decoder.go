package eventschema

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"marketscope/internal/model"
)

// Decoder turns raw log records into typed records for a set of registered
// schemas. Decoding is total: a well-formed log matching a schema always
// yields a full record, anything else yields a *model.DecodeError.
type Decoder struct {
	byTopic map[common.Hash]*compiledSchema
}

type compiledSchema struct {
	schema     *EventSchema
	topic0     common.Hash
	indexed    abi.Arguments
	nonIndexed abi.Arguments
}

// NewDecoder validates and compiles the given schemas. Duplicate topic0
// registrations are rejected.
func NewDecoder(schemas ...*EventSchema) (*Decoder, error) {
	byTopic := make(map[common.Hash]*compiledSchema, len(schemas))
	for _, s := range schemas {
		if err := s.Validate(); err != nil {
			return nil, err
		}

		args, err := s.arguments()
		if err != nil {
			return nil, err
		}
		topic0, err := s.Topic0()
		if err != nil {
			return nil, err
		}
		if prev, ok := byTopic[topic0]; ok {
			return nil, fmt.Errorf("schemas %s and %s share topic0 %s", prev.schema.Name, s.Name, topic0.Hex())
		}

		indexed := make(abi.Arguments, 0, len(args))
		for _, arg := range args {
			if arg.Indexed {
				indexed = append(indexed, arg)
			}
		}
		byTopic[topic0] = &compiledSchema{
			schema:     s,
			topic0:     topic0,
			indexed:    indexed,
			nonIndexed: args.NonIndexed(),
		}
	}
	return &Decoder{byTopic: byTopic}, nil
}

// Topics returns the topic0 hashes of all registered schemas, for log
// filtering.
func (d *Decoder) Topics() []common.Hash {
	out := make([]common.Hash, 0, len(d.byTopic))
	for topic := range d.byTopic {
		out = append(out, topic)
	}
	return out
}

// CanDecode reports whether any registered schema matches the topic0.
func (d *Decoder) CanDecode(topic0 string) bool {
	data, err := hexutil.Decode(topic0)
	if err != nil || len(data) != 32 {
		return false
	}
	_, ok := d.byTopic[common.BytesToHash(data)]
	return ok
}

// Decode projects a log onto the schema identified by its topic0. All
// failures are reported as *model.DecodeError carrying the tx hash and log
// index.
func (d *Decoder) Decode(log model.LogRecord) (*model.DecodedRecord, error) {
	cs, err := d.match(log)
	if err != nil {
		return nil, model.NewDecodeError(log, err)
	}

	fields := make(map[string]any, len(cs.schema.Fields))

	if err := d.decodeIndexed(cs, log, fields); err != nil {
		return nil, model.NewDecodeError(log, err)
	}
	if err := d.decodeNonIndexed(cs, log, fields); err != nil {
		return nil, model.NewDecodeError(log, err)
	}

	return &model.DecodedRecord{
		Event:       cs.schema.Name,
		BlockNumber: log.BlockNumber,
		Timestamp:   log.Timestamp,
		TxHash:      log.TxHash,
		LogIndex:    log.LogIndex,
		Address:     log.Address,
		Fields:      fields,
	}, nil
}

func (d *Decoder) match(log model.LogRecord) (*compiledSchema, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("missing topic0")
	}
	data, err := hexutil.Decode(log.Topics[0])
	if err != nil {
		return nil, fmt.Errorf("invalid topic0: %w", err)
	}
	if len(data) != 32 {
		return nil, fmt.Errorf("invalid topic0 length: %d", len(data))
	}

	cs, ok := d.byTopic[common.BytesToHash(data)]
	if !ok {
		return nil, fmt.Errorf("unsupported topic0: %s", log.Topics[0])
	}
	if len(log.Topics) != len(cs.indexed)+1 {
		return nil, fmt.Errorf("expected %d topics, got %d", len(cs.indexed)+1, len(log.Topics))
	}
	return cs, nil
}

func (d *Decoder) decodeIndexed(cs *compiledSchema, log model.LogRecord, fields map[string]any) error {
	if len(cs.indexed) == 0 {
		return nil
	}

	topics := make([]common.Hash, 0, len(cs.indexed))
	for _, raw := range log.Topics[1:] {
		data, err := hexutil.Decode(raw)
		if err != nil {
			return fmt.Errorf("invalid topic: %w", err)
		}
		if len(data) != 32 {
			return fmt.Errorf("invalid topic length: %d", len(data))
		}
		topics = append(topics, common.BytesToHash(data))
	}

	parsed := make(map[string]any, len(cs.indexed))
	if err := abi.ParseTopicsIntoMap(parsed, cs.indexed, topics); err != nil {
		return fmt.Errorf("parse topics: %w", err)
	}

	for _, arg := range cs.indexed {
		value, err := normalizeValue(parsed[arg.Name])
		if err != nil {
			return fmt.Errorf("field %q: %w", arg.Name, err)
		}
		fields[arg.Name] = value
	}
	return nil
}

func (d *Decoder) decodeNonIndexed(cs *compiledSchema, log model.LogRecord, fields map[string]any) error {
	if len(cs.nonIndexed) == 0 {
		return nil
	}

	data, err := hexutil.Decode(log.Data)
	if err != nil {
		return fmt.Errorf("invalid data: %w", err)
	}

	values, err := cs.nonIndexed.UnpackValues(data)
	if err != nil {
		return fmt.Errorf("unpack %s: %w", cs.schema.Name, err)
	}
	if len(values) != len(cs.nonIndexed) {
		return fmt.Errorf("unpacked %d values, want %d", len(values), len(cs.nonIndexed))
	}

	for i, arg := range cs.nonIndexed {
		value, err := normalizeValue(values[i])
		if err != nil {
			return fmt.Errorf("field %q: %w", arg.Name, err)
		}
		fields[arg.Name] = value
	}
	return nil
}

// normalizeValue maps go-ethereum decode output onto the stable field
// representation: hex strings for addresses and byte values, *big.Int for all
// integer widths.
func normalizeValue(v any) (any, error) {
	switch typed := v.(type) {
	case common.Address:
		return typed.Hex(), nil
	case common.Hash:
		return typed.Hex(), nil
	case *big.Int:
		return typed, nil
	case uint64:
		return new(big.Int).SetUint64(typed), nil
	case string:
		return strings.ToValidUTF8(typed, "�"), nil
	case bool:
		return typed, nil
	case []byte:
		return hexutil.Encode(typed), nil
	case [32]byte:
		return hexutil.Encode(typed[:]), nil
	case nil:
		return nil, fmt.Errorf("missing value")
	default:
		return nil, fmt.Errorf("unsupported decoded type %T", v)
	}
}
