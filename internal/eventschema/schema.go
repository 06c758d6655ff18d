package eventschema

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// AbiType is the closed set of field types a schema may declare. Unknown tags
// are rejected when the schema is loaded, never at decode time.
type AbiType string

const (
	TypeAddress AbiType = "address"
	TypeUint256 AbiType = "uint256"
	TypeUint64  AbiType = "uint64"
	TypeString  AbiType = "string"
	TypeBool    AbiType = "bool"
	TypeBytes   AbiType = "bytes"
	TypeBytes32 AbiType = "bytes32"
)

var knownTypes = map[AbiType]struct{}{
	TypeAddress: {},
	TypeUint256: {},
	TypeUint64:  {},
	TypeString:  {},
	TypeBool:    {},
	TypeBytes:   {},
	TypeBytes32: {},
}

// dynamicTypes cannot appear as indexed fields: their topic slot holds a hash
// of the value, not the value itself.
var dynamicTypes = map[AbiType]struct{}{
	TypeString: {},
	TypeBytes:  {},
}

// Field is one (name, type, indexed) tuple of an event schema.
type Field struct {
	Name    string  `json:"name"`
	Type    AbiType `json:"type"`
	Indexed bool    `json:"indexed"`
}

// EventSchema describes one on-chain event in declaration order. Topic0Hex
// may be set explicitly for proxy contracts whose signature cannot be derived
// from a verified ABI; otherwise topic0 is keccak256 of the signature.
type EventSchema struct {
	Name      string  `json:"name"`
	Fields    []Field `json:"fields"`
	Topic0Hex string  `json:"topic0,omitempty"`
}

// Signature builds the canonical EventName(type1,type2,...) string from the
// declared field types, ignoring field names.
func (s *EventSchema) Signature() string {
	types := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		types = append(types, string(f.Type))
	}
	return fmt.Sprintf("%s(%s)", s.Name, strings.Join(types, ","))
}

// Topic0 returns the event identifier hash: the explicit override when set,
// otherwise keccak256 of the signature.
func (s *EventSchema) Topic0() (common.Hash, error) {
	if s.Topic0Hex != "" {
		data, err := hexutil.Decode(s.Topic0Hex)
		if err != nil {
			return common.Hash{}, fmt.Errorf("schema %s: invalid topic0: %w", s.Name, err)
		}
		if len(data) != 32 {
			return common.Hash{}, fmt.Errorf("schema %s: topic0 must be 32 bytes, got %d", s.Name, len(data))
		}
		return common.BytesToHash(data), nil
	}
	return crypto.Keccak256Hash([]byte(s.Signature())), nil
}

// Validate rejects malformed schemas before any log is decoded.
func (s *EventSchema) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("schema name is required")
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema %s: at least one field is required", s.Name)
	}

	seen := make(map[string]struct{}, len(s.Fields))
	indexed := 0
	for _, f := range s.Fields {
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("schema %s: field name is required", s.Name)
		}
		if _, ok := seen[f.Name]; ok {
			return fmt.Errorf("schema %s: duplicate field %q", s.Name, f.Name)
		}
		seen[f.Name] = struct{}{}

		if _, ok := knownTypes[f.Type]; !ok {
			return fmt.Errorf("schema %s: field %q has unknown type tag %q", s.Name, f.Name, f.Type)
		}
		if f.Indexed {
			if _, dynamic := dynamicTypes[f.Type]; dynamic {
				return fmt.Errorf("schema %s: field %q: %s cannot be indexed", s.Name, f.Name, f.Type)
			}
			indexed++
		}
	}
	if indexed > 3 {
		return fmt.Errorf("schema %s: at most 3 indexed fields, got %d", s.Name, indexed)
	}

	if _, err := s.Topic0(); err != nil {
		return err
	}
	return nil
}

// LoadFile reads additional event schemas from a JSON file. The file holds an
// array of EventSchema objects; every schema is validated before any is
// returned.
func LoadFile(path string) ([]*EventSchema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}

	var schemas []*EventSchema
	if err := json.Unmarshal(data, &schemas); err != nil {
		return nil, fmt.Errorf("parse schema file: %w", err)
	}

	for _, s := range schemas {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	return schemas, nil
}

// arguments builds the go-ethereum argument list for the schema's fields in
// declaration order.
func (s *EventSchema) arguments() (abi.Arguments, error) {
	args := make(abi.Arguments, 0, len(s.Fields))
	for _, f := range s.Fields {
		typ, err := abi.NewType(string(f.Type), "", nil)
		if err != nil {
			return nil, fmt.Errorf("schema %s: field %q: %w", s.Name, f.Name, err)
		}
		args = append(args, abi.Argument{Name: f.Name, Type: typ, Indexed: f.Indexed})
	}
	return args, nil
}
