// Copyright 2026 The Inkwell Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestDeterministicMapEncoding(t *testing.T) {
	// Maps with the same contents must encode identically regardless
	// of insertion order. Vector clocks are maps, and snapshot digests
	// depend on this.
	first := map[string]uint64{"alice": 3, "bob": 7, "carol": 1}
	second := map[string]uint64{"carol": 1, "alice": 3, "bob": 7}

	encodedFirst, err := Marshal(first)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	encodedSecond, err := Marshal(second)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(encodedFirst, encodedSecond) {
		t.Errorf("same map contents produced different encodings:\n%x\n%x", encodedFirst, encodedSecond)
	}
}

func TestRoundTripStruct(t *testing.T) {
	type payload struct {
		Name  string            `cbor:"name"`
		Seq   uint64            `cbor:"seq"`
		Clock map[string]uint64 `cbor:"clock,omitempty"`
	}

	original := payload{Name: "doc-1", Seq: 42, Clock: map[string]uint64{"a": 1}}
	encoded, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded payload
	if err := Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Name != original.Name || decoded.Seq != original.Seq {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, original)
	}
	if decoded.Clock["a"] != 1 {
		t.Errorf("clock lost in round trip: %+v", decoded.Clock)
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	type wide struct {
		A string `cbor:"a"`
		B int    `cbor:"b"`
	}
	type narrow struct {
		A string `cbor:"a"`
	}

	encoded, err := Marshal(wide{A: "keep", B: 9})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded narrow
	if err := Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal with unknown field: %v", err)
	}
	if decoded.A != "keep" {
		t.Errorf("A = %q, want %q", decoded.A, "keep")
	}
}

func TestAnyDecodesToStringKeyedMap(t *testing.T) {
	encoded, err := Marshal(map[string]any{"inner": map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded any
	if err := Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	outer, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", decoded)
	}
	if _, ok := outer["inner"].(map[string]any); !ok {
		t.Errorf("inner type = %T, want map[string]any", outer["inner"])
	}
}

func TestDiagnose(t *testing.T) {
	encoded, err := Marshal(map[string]uint64{"seq": 5})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	diag, err := Diagnose(encoded)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if diag == "" {
		t.Error("Diagnose returned empty string")
	}
}
