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

package chainsync

import (
	"errors"
	"fmt"

	"github.com/opencardano/ourosync/cbor"
)

// WrappedBlock represents a block returned via a node-to-client RollForward
// message. The block body is opaque CBOR
type WrappedBlock struct {
	cbor.StructAsArray
	BlockType uint
	BlockCbor cbor.RawMessage
}

// NewWrappedBlock returns a WrappedBlock with the provided block type and
// block CBOR
func NewWrappedBlock(blockType uint, blockCbor []byte) *WrappedBlock {
	return &WrappedBlock{
		BlockType: blockType,
		BlockCbor: cbor.RawMessage(blockCbor),
	}
}

// WrappedHeader represents a block header returned via a node-to-node
// RollForward message. The header bytes are opaque and wrapped in a
// tag 24 byte string
type WrappedHeader struct {
	cbor.DecodeStoreCbor
	cbor.StructAsArray
	Era       uint
	RawHeader cbor.Tag
}

// NewWrappedHeader returns a WrappedHeader with the provided era and header
// CBOR
func NewWrappedHeader(era uint, headerCbor []byte) (*WrappedHeader, error) {
	w := &WrappedHeader{
		Era: era,
		RawHeader: cbor.Tag{
			Number:  cbor.CborTagCbor,
			Content: headerCbor,
		},
	}
	// Generate our own CBOR so that it's available for re-use when re-sending
	cborData, err := cbor.Encode(w)
	if err != nil {
		return nil, fmt.Errorf(
			"%s: error encoding wrapped header: %w",
			ProtocolName,
			err,
		)
	}
	if err := w.UnmarshalCBOR(cborData); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WrappedHeader) UnmarshalCBOR(cborData []byte) error {
	if err := w.UnmarshalCborGeneric(cborData, w); err != nil {
		return err
	}
	if w.RawHeader.Number != cbor.CborTagCbor {
		return fmt.Errorf(
			"unexpected tag number for wrapped header: %d",
			w.RawHeader.Number,
		)
	}
	if _, ok := w.RawHeader.Content.([]byte); !ok {
		return errors.New("unexpected content type for wrapped header")
	}
	return nil
}

// HeaderCbor returns the header bytes carried by the wrapper
func (w *WrappedHeader) HeaderCbor() []byte {
	content, _ := w.RawHeader.Content.([]byte)
	return content
}
