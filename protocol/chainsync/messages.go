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
	"github.com/opencardano/ourosync/protocol"
	"github.com/opencardano/ourosync/protocol/common"
)

// Message types
const (
	MessageTypeRequestNext       uint8 = 0
	MessageTypeAwaitReply        uint8 = 1
	MessageTypeRollForward       uint8 = 2
	MessageTypeRollBackward      uint8 = 3
	MessageTypeFindIntersect     uint8 = 4
	MessageTypeIntersectFound    uint8 = 5
	MessageTypeIntersectNotFound uint8 = 6
	MessageTypeDone              uint8 = 7
)

// NewMsgFromCborNtN parses a node-to-node ChainSync message from CBOR
func NewMsgFromCborNtN(msgType uint, data []byte) (protocol.Message, error) {
	return NewMsgFromCbor(protocol.ProtocolModeNodeToNode, msgType, data)
}

// NewMsgFromCborNtC parses a node-to-client ChainSync message from CBOR
func NewMsgFromCborNtC(msgType uint, data []byte) (protocol.Message, error) {
	return NewMsgFromCbor(protocol.ProtocolModeNodeToClient, msgType, data)
}

// NewMsgFromCbor parses a ChainSync message from CBOR
func NewMsgFromCbor(
	protoMode protocol.ProtocolMode,
	msgType uint,
	data []byte,
) (protocol.Message, error) {
	var ret protocol.Message
	switch msgType {
	case uint(MessageTypeRequestNext):
		ret = &MsgRequestNext{}
	case uint(MessageTypeAwaitReply):
		ret = &MsgAwaitReply{}
	case uint(MessageTypeRollForward):
		if protoMode == protocol.ProtocolModeNodeToNode {
			ret = &MsgRollForwardNtN{}
		} else {
			ret = &MsgRollForwardNtC{}
		}
	case uint(MessageTypeRollBackward):
		ret = &MsgRollBackward{}
	case uint(MessageTypeFindIntersect):
		ret = &MsgFindIntersect{}
	case uint(MessageTypeIntersectFound):
		ret = &MsgIntersectFound{}
	case uint(MessageTypeIntersectNotFound):
		ret = &MsgIntersectNotFound{}
	case uint(MessageTypeDone):
		ret = &MsgDone{}
	default:
		return nil, fmt.Errorf("%s: unknown message type: %d", ProtocolName, msgType)
	}
	if _, err := cbor.Decode(data, ret); err != nil {
		return nil, fmt.Errorf("%s: decode error: %w", ProtocolName, err)
	}
	// Store the raw message CBOR
	ret.SetCbor(data)
	return ret, nil
}

type MsgRequestNext struct {
	protocol.MessageBase
}

func NewMsgRequestNext() *MsgRequestNext {
	m := &MsgRequestNext{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeRequestNext,
		},
	}
	return m
}

type MsgAwaitReply struct {
	protocol.MessageBase
}

func NewMsgAwaitReply() *MsgAwaitReply {
	m := &MsgAwaitReply{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeAwaitReply,
		},
	}
	return m
}

// MsgRollForwardNtC is the node-to-client variant of RollForward, which
// carries a full block wrapped in a tag 24 byte string
type MsgRollForwardNtC struct {
	protocol.MessageBase
	WrappedBlock cbor.Tag
	Tip          Tip
	blockType    uint
	blockCbor    []byte
}

// NewMsgRollForwardNtC returns a MsgRollForwardNtC with the provided block
// type, block CBOR, and tip
func NewMsgRollForwardNtC(
	blockType uint,
	blockCbor []byte,
	tip Tip,
) (*MsgRollForwardNtC, error) {
	wrapped, err := cbor.Encode(NewWrappedBlock(blockType, blockCbor))
	if err != nil {
		return nil, fmt.Errorf("%s: error encoding wrapped block: %w", ProtocolName, err)
	}
	m := &MsgRollForwardNtC{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeRollForward,
		},
		WrappedBlock: cbor.Tag{
			Number:  cbor.CborTagCbor,
			Content: wrapped,
		},
		Tip:       tip,
		blockType: blockType,
		blockCbor: make([]byte, len(blockCbor)),
	}
	copy(m.blockCbor, blockCbor)
	return m, nil
}

func (m *MsgRollForwardNtC) UnmarshalCBOR(data []byte) error {
	// Decode into a temporary struct to avoid recursing into this function
	var tmp struct {
		cbor.StructAsArray
		MessageType  uint8
		WrappedBlock cbor.Tag
		Tip          Tip
	}
	if _, err := cbor.Decode(data, &tmp); err != nil {
		return err
	}
	m.MessageType = tmp.MessageType
	m.WrappedBlock = tmp.WrappedBlock
	m.Tip = tmp.Tip
	// The block is wrapped in a tag 24 byte string of its own CBOR
	if m.WrappedBlock.Number != cbor.CborTagCbor {
		return fmt.Errorf(
			"unexpected tag number for wrapped block: %d",
			m.WrappedBlock.Number,
		)
	}
	content, ok := m.WrappedBlock.Content.([]byte)
	if !ok {
		return errors.New("unexpected content type for wrapped block")
	}
	var wrapped WrappedBlock
	if _, err := cbor.Decode(content, &wrapped); err != nil {
		return fmt.Errorf("error decoding wrapped block: %w", err)
	}
	m.blockType = wrapped.BlockType
	m.blockCbor = []byte(wrapped.BlockCbor)
	return nil
}

// BlockType returns the block type carried by the message
func (m *MsgRollForwardNtC) BlockType() uint {
	return m.blockType
}

// BlockCbor returns the raw block CBOR carried by the message
func (m *MsgRollForwardNtC) BlockCbor() []byte {
	return m.blockCbor
}

// MsgRollForwardNtN is the node-to-node variant of RollForward, which carries
// only the block header
type MsgRollForwardNtN struct {
	protocol.MessageBase
	WrappedHeader WrappedHeader
	Tip           Tip
}

// NewMsgRollForwardNtN returns a MsgRollForwardNtN with the provided era,
// header CBOR, and tip
func NewMsgRollForwardNtN(
	era uint,
	headerCbor []byte,
	tip Tip,
) (*MsgRollForwardNtN, error) {
	wrappedHeader, err := NewWrappedHeader(era, headerCbor)
	if err != nil {
		return nil, err
	}
	m := &MsgRollForwardNtN{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeRollForward,
		},
		WrappedHeader: *wrappedHeader,
		Tip:           tip,
	}
	return m, nil
}

type MsgRollBackward struct {
	protocol.MessageBase
	Point common.Point
	Tip   Tip
}

func NewMsgRollBackward(point common.Point, tip Tip) *MsgRollBackward {
	m := &MsgRollBackward{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeRollBackward,
		},
		Point: point,
		Tip:   tip,
	}
	return m
}

type MsgFindIntersect struct {
	protocol.MessageBase
	Points []common.Point
}

func NewMsgFindIntersect(points []common.Point) *MsgFindIntersect {
	m := &MsgFindIntersect{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeFindIntersect,
		},
		Points: points,
	}
	return m
}

type MsgIntersectFound struct {
	protocol.MessageBase
	Point common.Point
	Tip   Tip
}

func NewMsgIntersectFound(point common.Point, tip Tip) *MsgIntersectFound {
	m := &MsgIntersectFound{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeIntersectFound,
		},
		Point: point,
		Tip:   tip,
	}
	return m
}

type MsgIntersectNotFound struct {
	protocol.MessageBase
	Tip Tip
}

func NewMsgIntersectNotFound(tip Tip) *MsgIntersectNotFound {
	m := &MsgIntersectNotFound{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeIntersectNotFound,
		},
		Tip: tip,
	}
	return m
}

type MsgDone struct {
	protocol.MessageBase
}

func NewMsgDone() *MsgDone {
	m := &MsgDone{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeDone,
		},
	}
	return m
}
