// Copyright 2024 OpenCardano Software
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

// The common package contains types shared by the protocol packages
package common

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/opencardano/ourosync/cbor"
)

// The Point type represents a point on the blockchain. It consists of a slot
// number and block hash. The zero value represents the chain origin
type Point struct {
	// Tells the CBOR decoder to convert to/from a struct and a CBOR array
	_    struct{} `cbor:",toarray"`
	Slot uint64
	Hash []byte
}

// NewPoint returns a Point object with the specified slot number and block hash
func NewPoint(slot uint64, blockHash []byte) Point {
	return Point{
		Slot: slot,
		Hash: blockHash,
	}
}

// NewPointOrigin returns an "empty" Point object which represents the origin of the blockchain
func NewPointOrigin() Point {
	return Point{}
}

// Origin returns true when the point represents the origin of the blockchain
func (p Point) Origin() bool {
	return p.Slot == 0 && p.Hash == nil
}

// Equal returns true when both points have the same slot and hash
func (p Point) Equal(other Point) bool {
	return p.Slot == other.Slot && bytes.Equal(p.Hash, other.Hash)
}

func (p Point) String() string {
	if p.Origin() {
		return "origin"
	}
	return fmt.Sprintf("(%d, %x)", p.Slot, p.Hash)
}

// UnmarshalCBOR is a helper function for decoding a Point object from CBOR. The object content can vary,
// so we need to do some special handling when decoding. It is not intended to be called directly.
func (p *Point) UnmarshalCBOR(data []byte) error {
	var tmp []any
	if _, err := cbor.Decode(data, &tmp); err != nil {
		return err
	}
	// The origin is encoded as an empty list
	if len(tmp) == 0 {
		p.Slot = 0
		p.Hash = nil
		return nil
	}
	if len(tmp) != 2 {
		return fmt.Errorf("unexpected point length: %d", len(tmp))
	}
	slot, ok := tmp[0].(uint64)
	if !ok {
		return errors.New("point slot was not numeric")
	}
	hash, ok := tmp[1].([]byte)
	if !ok {
		return errors.New("point hash was not a byte string")
	}
	p.Slot = slot
	p.Hash = hash
	return nil
}

// MarshalCBOR is a helper function for encoding a Point object to CBOR. The object content can vary, so we
// need to do some special handling when encoding. It is not intended to be called directly.
func (p *Point) MarshalCBOR() ([]byte, error) {
	var data []any
	if p.Origin() {
		// Return an empty list if values are zero
		data = make([]any, 0)
	} else {
		data = []any{p.Slot, p.Hash}
	}
	return cbor.Encode(data)
}

// Tip represents a Point combined with a block number
type Tip struct {
	cbor.StructAsArray
	Point       Point
	BlockNumber uint64
}
