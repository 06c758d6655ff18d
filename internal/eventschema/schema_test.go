package eventschema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func TestSignature(t *testing.T) {
	if got := DatasetListedSchema().Signature(); got != "DatasetListed(address,string,string,string,string,uint256)" {
		t.Fatalf("signature: got %q", got)
	}
	if got := LiquidationSchema().Signature(); got != "Liquidation(address,address,address,string,address,uint256,uint256)" {
		t.Fatalf("signature: got %q", got)
	}
}

func TestTopic0FromSignature(t *testing.T) {
	s := DatasetListedSchema()
	got, err := s.Topic0()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := crypto.Keccak256Hash([]byte(s.Signature()))
	if got != want {
		t.Fatalf("topic0: got %s, want %s", got.Hex(), want.Hex())
	}
}

func TestTopic0Override(t *testing.T) {
	override := "0xab00000000000000000000000000000000000000000000000000000000000000"
	s := &EventSchema{
		Name:      "Custom",
		Fields:    []Field{{Name: "x", Type: TypeUint256}},
		Topic0Hex: override,
	}
	got, err := s.Topic0()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Hex() != override {
		t.Fatalf("topic0 override: got %s, want %s", got.Hex(), override)
	}
}

func TestTopic0OverrideWrongLength(t *testing.T) {
	s := &EventSchema{
		Name:      "Custom",
		Fields:    []Field{{Name: "x", Type: TypeUint256}},
		Topic0Hex: "0xabcd",
	}
	if _, err := s.Topic0(); err == nil {
		t.Fatalf("expected error for short topic0")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		schema *EventSchema
	}{
		{"empty name", &EventSchema{Fields: []Field{{Name: "x", Type: TypeBool}}}},
		{"no fields", &EventSchema{Name: "E"}},
		{"blank field name", &EventSchema{Name: "E", Fields: []Field{{Type: TypeBool}}}},
		{"duplicate field", &EventSchema{Name: "E", Fields: []Field{
			{Name: "x", Type: TypeBool},
			{Name: "x", Type: TypeBool},
		}}},
		{"unknown type", &EventSchema{Name: "E", Fields: []Field{{Name: "x", Type: "int128"}}}},
		{"indexed string", &EventSchema{Name: "E", Fields: []Field{{Name: "x", Type: TypeString, Indexed: true}}}},
		{"indexed bytes", &EventSchema{Name: "E", Fields: []Field{{Name: "x", Type: TypeBytes, Indexed: true}}}},
		{"too many indexed", &EventSchema{Name: "E", Fields: []Field{
			{Name: "a", Type: TypeAddress, Indexed: true},
			{Name: "b", Type: TypeAddress, Indexed: true},
			{Name: "c", Type: TypeAddress, Indexed: true},
			{Name: "d", Type: TypeAddress, Indexed: true},
		}}},
	}

	for _, tc := range cases {
		if err := tc.schema.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}

	if err := DatasetListedSchema().Validate(); err != nil {
		t.Fatalf("builtin schema must validate: %v", err)
	}
	if err := LiquidationSchema().Validate(); err != nil {
		t.Fatalf("builtin schema must validate: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schemas.json")
	content := `[
		{
			"name": "Transfer",
			"fields": [
				{"name": "from", "type": "address", "indexed": true},
				{"name": "to", "type": "address", "indexed": true},
				{"name": "value", "type": "uint256"}
			]
		}
	]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	schemas, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(schemas) != 1 || schemas[0].Name != "Transfer" {
		t.Fatalf("loaded schemas: %+v", schemas)
	}
	if got := schemas[0].Signature(); got != "Transfer(address,address,uint256)" {
		t.Fatalf("signature: got %q", got)
	}
}

func TestLoadFileRejectsInvalidSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schemas.json")
	content := `[{"name": "Bad", "fields": [{"name": "x", "type": "float64"}]}]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected error for unknown type tag")
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
