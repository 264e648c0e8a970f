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

package muxer

import (
	"time"
)

const (
	// SegmentProtocolIdResponseFlag is the high bit of the protocol ID, set on
	// segments flowing from the responder side
	SegmentProtocolIdResponseFlag = 0x8000

	// SegmentMaxPayloadLength is the maximum payload per segment. Larger
	// payloads are chunked across multiple segments
	SegmentMaxPayloadLength = 65535
)

// SegmentHeader is the wire header for a segment: a 32-bit timestamp, the
// protocol ID (with the response flag in the high bit), and the payload length
type SegmentHeader struct {
	Timestamp     uint32
	ProtocolId    uint16
	PayloadLength uint16
}

// Segment is a segment header plus its payload
type Segment struct {
	SegmentHeader
	Payload []byte
}

// NewSegment creates a new Segment with the current time as the timestamp
func NewSegment(protocolId uint16, payload []byte, isResponse bool) *Segment {
	header := SegmentHeader{
		Timestamp:  uint32(time.Now().UnixNano() & 0xffffffff),
		ProtocolId: protocolId,
	}
	if isResponse {
		header.ProtocolId = header.ProtocolId + SegmentProtocolIdResponseFlag
	}
	header.PayloadLength = uint16(len(payload)) // #nosec G115
	segment := &Segment{
		SegmentHeader: header,
		Payload:       payload,
	}
	return segment
}

// IsRequest returns true if the segment is from the initiator side
func (s *SegmentHeader) IsRequest() bool {
	return (s.ProtocolId & SegmentProtocolIdResponseFlag) == 0
}

// IsResponse returns true if the segment is from the responder side
func (s *SegmentHeader) IsResponse() bool {
	return (s.ProtocolId & SegmentProtocolIdResponseFlag) > 0
}

// GetProtocolId returns the protocol ID with the response flag cleared
func (s *SegmentHeader) GetProtocolId() uint16 {
	if s.ProtocolId >= SegmentProtocolIdResponseFlag {
		return s.ProtocolId - SegmentProtocolIdResponseFlag
	}
	return s.ProtocolId
}
