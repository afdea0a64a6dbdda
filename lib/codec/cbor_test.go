// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestDeterministicEncoding(t *testing.T) {
	record := map[string]any{
		"session": "s1",
		"index":   int64(7),
		"type":    "tool-call",
	}
	first, err := Marshal(record)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	second, err := Marshal(record)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("same record produced different bytes")
	}
}

func TestAnyTargetsDecodeAsStringMaps(t *testing.T) {
	data, err := Marshal(map[string]any{"payload": map[string]any{"stage": "seats"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	payload, ok := decoded["payload"].(map[string]any)
	if !ok {
		t.Fatalf("nested map decoded as %T, want map[string]any", decoded["payload"])
	}
	if payload["stage"] != "seats" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestStreamRoundTrip(t *testing.T) {
	type record struct {
		Index int    `cbor:"index"`
		Type  string `cbor:"type"`
	}

	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for i := 0; i < 3; i++ {
		if err := encoder.Encode(record{Index: i, Type: "join"}); err != nil {
			t.Fatalf("encode %d: %v", i, err)
		}
	}

	decoder := NewDecoder(&buffer)
	for i := 0; i < 3; i++ {
		var got record
		if err := decoder.Decode(&got); err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if got.Index != i || got.Type != "join" {
			t.Fatalf("record %d = %+v", i, got)
		}
	}
}
