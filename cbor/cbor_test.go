// Copyright 2025 OpenCardano Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cbor_test

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/opencardano/ourosync/cbor"
)

func decodeHex(t *testing.T, hexData string) []byte {
	t.Helper()
	data, err := hex.DecodeString(hexData)
	if err != nil {
		t.Fatalf("failed to decode hex: %s", err)
	}
	return data
}

func TestEncode(t *testing.T) {
	testDefs := []struct {
		object      any
		expectedHex string
	}{
		{object: uint64(0), expectedHex: "00"},
		{object: uint64(23), expectedHex: "17"},
		{object: []any{}, expectedHex: "80"},
		{object: []uint64{1, 2}, expectedHex: "820102"},
		{object: []byte{0xde, 0xad, 0xbe, 0xef}, expectedHex: "44deadbeef"},
		{
			// Map keys must come out in deterministic order
			object:      map[uint64]uint64{2: 3, 1: 2},
			expectedHex: "a201020203",
		},
	}
	for _, testDef := range testDefs {
		data, err := cbor.Encode(testDef.object)
		if err != nil {
			t.Fatalf("failed to encode object to CBOR: %s", err)
		}
		dataHex := hex.EncodeToString(data)
		if dataHex != testDef.expectedHex {
			t.Fatalf(
				"object did not encode to expected CBOR\n  got:    %s\n  wanted: %s",
				dataHex,
				testDef.expectedHex,
			)
		}
	}
}

func TestDecodeReturnsBytesRead(t *testing.T) {
	// Two consecutive CBOR items; decode should consume only the first
	data := decodeHex(t, "82010244deadbeef")
	var tmp []uint64
	bytesRead, err := cbor.Decode(data, &tmp)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if bytesRead != 3 {
		t.Fatalf("unexpected bytes read: got %d, wanted 3", bytesRead)
	}
}

func TestDecodeIdFromList(t *testing.T) {
	testDefs := []struct {
		cborHex     string
		expectedId  int
		expectedErr bool
	}{
		{cborHex: "8100", expectedId: 0},
		{cborHex: "8107", expectedId: 7},
		// Id larger than the simple uint range
		{cborHex: "821864f6", expectedId: 100},
		// Empty list
		{cborHex: "80", expectedErr: true},
		// Not a list
		{cborHex: "00", expectedErr: true},
		// First item not numeric
		{cborHex: "816178", expectedErr: true},
	}
	for _, testDef := range testDefs {
		id, err := cbor.DecodeIdFromList(decodeHex(t, testDef.cborHex))
		if testDef.expectedErr {
			if err == nil {
				t.Fatalf("expected error decoding id from %s", testDef.cborHex)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if id != testDef.expectedId {
			t.Fatalf("unexpected id: got %d, wanted %d", id, testDef.expectedId)
		}
	}
}

func TestListLength(t *testing.T) {
	testDefs := []struct {
		cborHex        string
		expectedLength int
		expectedErr    bool
	}{
		{cborHex: "80", expectedLength: 0},
		{cborHex: "83010203", expectedLength: 3},
		// Length larger than the simple uint range
		{
			cborHex:        "9818000000000000000000000000000000000000000000000000",
			expectedLength: 24,
		},
		// Not a list
		{cborHex: "44deadbeef", expectedErr: true},
	}
	for _, testDef := range testDefs {
		length, err := cbor.ListLength(decodeHex(t, testDef.cborHex))
		if testDef.expectedErr {
			if err == nil {
				t.Fatalf("expected error determining length of %s", testDef.cborHex)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if length != testDef.expectedLength {
			t.Fatalf(
				"unexpected length: got %d, wanted %d",
				length,
				testDef.expectedLength,
			)
		}
	}
}

type genericTestObject struct {
	cbor.DecodeStoreCbor
	cbor.StructAsArray
	Foo uint64
	Bar []byte
}

func (g *genericTestObject) UnmarshalCBOR(data []byte) error {
	return errors.New("custom unmarshaler should not be used")
}

func TestUnmarshalCborGeneric(t *testing.T) {
	// [2, h'deadbeef']
	testData := decodeHex(t, "820244deadbeef")
	var obj genericTestObject
	if err := obj.UnmarshalCborGeneric(testData, &obj); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if obj.Foo != 2 {
		t.Fatalf("unexpected Foo value: got %d, wanted 2", obj.Foo)
	}
	if string(obj.Bar) != string(decodeHex(t, "deadbeef")) {
		t.Fatalf("unexpected Bar value: %x", obj.Bar)
	}
	if string(obj.Cbor()) != string(testData) {
		t.Fatalf("original CBOR was not stored")
	}
}
