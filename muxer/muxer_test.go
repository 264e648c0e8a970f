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
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSegmentHeaderEncoding(t *testing.T) {
	segment := NewSegment(2, []byte{0xde, 0xad, 0xbe, 0xef}, true)
	buf := &bytes.Buffer{}
	err := binary.Write(buf, binary.BigEndian, segment.SegmentHeader)
	assert.NoError(t, err)
	assert.Equal(t, 8, buf.Len(), "segment header should encode to 8 bytes")
	assert.True(t, segment.IsResponse())
	assert.False(t, segment.IsRequest())
	assert.Equal(t, uint16(2), segment.GetProtocolId())
	assert.Equal(t, uint16(4), segment.PayloadLength)
	// Round-trip the header
	var header SegmentHeader
	err = binary.Read(buf, binary.BigEndian, &header)
	assert.NoError(t, err)
	assert.Equal(t, segment.SegmentHeader, header)
}

func TestMuxerSendReceive(t *testing.T) {
	connA, connB := net.Pipe()
	muxerA := New(connA)
	muxerB := New(connB)
	sendChan, _, _ := muxerA.RegisterProtocol(2, ProtocolRoleInitiator, 0)
	_, recvChan, _ := muxerB.RegisterProtocol(2, ProtocolRoleResponder, 0)
	muxerA.Start()
	muxerB.Start()
	testPayload := []byte{0x82, 0x04, 0x80}
	sendChan <- NewSegment(2, testPayload, false)
	select {
	case segment := <-recvChan:
		assert.Equal(t, uint16(2), segment.GetProtocolId())
		assert.True(t, segment.IsRequest())
		assert.Equal(t, testPayload, segment.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for segment")
	}
	muxerA.Stop()
	muxerB.Stop()
	connA.Close()
	connB.Close()
}

func TestMuxerUnknownProtocol(t *testing.T) {
	connA, connB := net.Pipe()
	muxerA := New(connA)
	muxerB := New(connB)
	sendChan, _, _ := muxerA.RegisterProtocol(9, ProtocolRoleInitiator, 0)
	muxerA.Start()
	muxerB.Start()
	sendChan <- NewSegment(9, []byte{0x00}, false)
	select {
	case err, ok := <-muxerB.ErrorChan():
		if !ok {
			t.Fatal("muxer error channel closed without an error")
		}
		assert.ErrorContains(t, err, "unknown protocol ID 9")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for muxer error")
	}
	muxerA.Stop()
	connA.Close()
	connB.Close()
}

func TestMuxerSendPayloadTooLarge(t *testing.T) {
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()
	m := New(connA)
	err := m.Send(
		NewSegment(2, make([]byte, SegmentMaxPayloadLength+1), false),
	)
	assert.ErrorContains(t, err, "payload too large")
}

func TestMuxerCatchAllReceiver(t *testing.T) {
	connA, connB := net.Pipe()
	muxerA := New(connA)
	muxerB := New(connB)
	sendChan, _, _ := muxerA.RegisterProtocol(7, ProtocolRoleInitiator, 0)
	_, recvChan, _ := muxerB.RegisterProtocol(
		ProtocolUnknown,
		ProtocolRoleResponder,
		0,
	)
	muxerA.Start()
	muxerB.Start()
	sendChan <- NewSegment(7, []byte{0x01, 0x02}, false)
	select {
	case segment := <-recvChan:
		assert.Equal(t, uint16(7), segment.GetProtocolId())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for segment")
	}
	muxerA.Stop()
	muxerB.Stop()
	connA.Close()
	connB.Close()
}
