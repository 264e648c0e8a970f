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

// Package muxer multiplexes multiple mini-protocols over a single connection.
// Each registered protocol gets a channel pair for sending and receiving
// segments, and a done channel that closes when the registration goes away
package muxer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// ProtocolUnknown is a magic value used to register a catch-all receiver
const ProtocolUnknown uint16 = 0xabcd

// ProtocolRole identifies which side of a protocol a registration covers
type ProtocolRole uint

const (
	ProtocolRoleNone      ProtocolRole = 0
	ProtocolRoleInitiator ProtocolRole = 1
	ProtocolRoleResponder ProtocolRole = 2
)

const defaultRecvQueueSize = 50

type registeredProtocol struct {
	sendChan chan *Segment
	recvChan chan *Segment
	doneChan chan bool
}

// Muxer wraps a connection and muxes/demuxes segments for registered protocols
type Muxer struct {
	conn          net.Conn
	sendMutex     sync.Mutex
	stateMutex    sync.Mutex
	stopped       bool
	doneChan      chan bool
	errorChan     chan error
	onceStart     sync.Once
	onceStop      sync.Once
	protocolMutex sync.Mutex
	protocols     map[uint16]map[ProtocolRole]*registeredProtocol
}

// New creates a new Muxer for the provided connection. The read loop does not
// run until Start is called, which allows registering protocols first
func New(conn net.Conn) *Muxer {
	m := &Muxer{
		conn:      conn,
		doneChan:  make(chan bool),
		errorChan: make(chan error, 10),
		protocols: make(map[uint16]map[ProtocolRole]*registeredProtocol),
	}
	return m
}

// ErrorChan returns the channel used to report errors. It's closed when the
// muxer shuts down
func (m *Muxer) ErrorChan() chan error {
	return m.errorChan
}

// Start starts the read loop
func (m *Muxer) Start() {
	m.onceStart.Do(func() {
		go m.readLoop()
	})
}

// Stop shuts down the muxer and all registered protocols. It does not close
// the underlying connection
func (m *Muxer) Stop() {
	m.onceStop.Do(func() {
		m.stateMutex.Lock()
		m.stopped = true
		close(m.doneChan)
		// Closing the error channel signals shutdown to the consumer
		close(m.errorChan)
		m.stateMutex.Unlock()
		m.protocolMutex.Lock()
		for _, roles := range m.protocols {
			for _, proto := range roles {
				close(proto.doneChan)
			}
		}
		m.protocols = make(map[uint16]map[ProtocolRole]*registeredProtocol)
		m.protocolMutex.Unlock()
	})
}

func (m *Muxer) sendError(err error) {
	m.stateMutex.Lock()
	if m.stopped {
		m.stateMutex.Unlock()
		return
	}
	m.errorChan <- err
	m.stateMutex.Unlock()
	// Stop the muxer on any error
	m.Stop()
}

// RegisterProtocol registers the given protocol ID and role with the muxer. It
// returns a channel for sending segments, a channel for receiving segments,
// and a channel that closes when the registration is removed
func (m *Muxer) RegisterProtocol(
	protocolId uint16,
	protocolRole ProtocolRole,
	recvQueueSize int,
) (chan *Segment, chan *Segment, chan bool) {
	if recvQueueSize <= 0 {
		recvQueueSize = defaultRecvQueueSize
	}
	proto := &registeredProtocol{
		sendChan: make(chan *Segment, recvQueueSize),
		recvChan: make(chan *Segment, recvQueueSize),
		doneChan: make(chan bool),
	}
	// A registration against a stopped muxer is immediately done
	m.stateMutex.Lock()
	if m.stopped {
		m.stateMutex.Unlock()
		close(proto.doneChan)
		return proto.sendChan, proto.recvChan, proto.doneChan
	}
	m.stateMutex.Unlock()
	m.protocolMutex.Lock()
	if _, ok := m.protocols[protocolId]; !ok {
		m.protocols[protocolId] = make(map[ProtocolRole]*registeredProtocol)
	}
	// Replace any existing registration for the same protocol and role
	if existing, ok := m.protocols[protocolId][protocolRole]; ok {
		close(existing.doneChan)
	}
	m.protocols[protocolId][protocolRole] = proto
	m.protocolMutex.Unlock()
	// Handle outbound segments
	go func() {
		for {
			select {
			case <-m.doneChan:
				return
			case <-proto.doneChan:
				return
			case segment := <-proto.sendChan:
				if err := m.Send(segment); err != nil {
					m.sendError(err)
					return
				}
			}
		}
	}()
	return proto.sendChan, proto.recvChan, proto.doneChan
}

// UnregisterProtocol removes a protocol registration from the muxer. The
// registration's done channel identifies it, so a replacement registration
// for the same protocol and role is left alone
func (m *Muxer) UnregisterProtocol(
	protocolId uint16,
	protocolRole ProtocolRole,
	doneChan chan bool,
) {
	m.protocolMutex.Lock()
	defer m.protocolMutex.Unlock()
	roles, ok := m.protocols[protocolId]
	if !ok {
		return
	}
	if proto, ok := roles[protocolRole]; ok && proto.doneChan == doneChan {
		close(proto.doneChan)
		delete(roles, protocolRole)
	}
	if len(roles) == 0 {
		delete(m.protocols, protocolId)
	}
}

// Send writes a single segment to the connection
func (m *Muxer) Send(segment *Segment) error {
	// We use a mutex to make sure only one protocol can send at a time
	m.sendMutex.Lock()
	defer m.sendMutex.Unlock()
	if len(segment.Payload) > SegmentMaxPayloadLength {
		return fmt.Errorf(
			"segment payload too large: %d > %d",
			len(segment.Payload),
			SegmentMaxPayloadLength,
		)
	}
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.BigEndian, segment.SegmentHeader); err != nil {
		return err
	}
	buf.Write(segment.Payload)
	if _, err := m.conn.Write(buf.Bytes()); err != nil {
		return err
	}
	return nil
}

func (m *Muxer) lookupReceiver(segment *Segment) chan *Segment {
	// Responses are delivered to the initiator-side registration and requests
	// to the responder-side registration
	wantedRole := ProtocolRoleResponder
	if segment.IsResponse() {
		wantedRole = ProtocolRoleInitiator
	}
	m.protocolMutex.Lock()
	defer m.protocolMutex.Unlock()
	roles, ok := m.protocols[segment.GetProtocolId()]
	if !ok {
		// Fall back to the catch-all registration, if any
		roles, ok = m.protocols[ProtocolUnknown]
		if !ok {
			return nil
		}
	}
	if proto, ok := roles[wantedRole]; ok {
		return proto.recvChan
	}
	return nil
}

func (m *Muxer) readLoop() {
	for {
		// Break out of read loop if we're shutting down
		select {
		case <-m.doneChan:
			return
		default:
		}
		header := SegmentHeader{}
		if err := binary.Read(m.conn, binary.BigEndian, &header); err != nil {
			m.sendError(err)
			return
		}
		segment := &Segment{
			SegmentHeader: header,
			Payload:       make([]byte, header.PayloadLength),
		}
		// ReadFull guarantees to read the expected number of bytes or return
		// an error
		if _, err := io.ReadFull(m.conn, segment.Payload); err != nil {
			m.sendError(err)
			return
		}
		recvChan := m.lookupReceiver(segment)
		if recvChan == nil {
			m.sendError(
				fmt.Errorf(
					"received segment for unknown protocol ID %d",
					segment.GetProtocolId(),
				),
			)
			return
		}
		select {
		case <-m.doneChan:
			return
		case recvChan <- segment:
		}
	}
}
