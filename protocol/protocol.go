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

// Package protocol provides the common framework for mini-protocols
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opencardano/ourosync/cbor"
	"github.com/opencardano/ourosync/connection"
	"github.com/opencardano/ourosync/muxer"
)

// DefaultRecvQueueSize is the default capacity of the received-segment queue
const DefaultRecvQueueSize = 50

// ProtocolMode is an enum of the protocol modes
type ProtocolMode uint

const (
	ProtocolModeNone         ProtocolMode = 0
	ProtocolModeNodeToClient ProtocolMode = 1
	ProtocolModeNodeToNode   ProtocolMode = 2
)

// ProtocolRole is an enum of the protocol roles
type ProtocolRole uint

const (
	ProtocolRoleNone   ProtocolRole = 0
	ProtocolRoleClient ProtocolRole = 1
	ProtocolRoleServer ProtocolRole = 2
)

// MessageHandlerFunc represents a function that handles an incoming message
type MessageHandlerFunc func(Message) error

// MessageFromCborFunc represents a function that parses a mini-protocol message
type MessageFromCborFunc func(uint, []byte) (Message, error)

// ProtocolConfig provides the configuration for Protocol
type ProtocolConfig struct {
	Name                string
	ProtocolId          uint16
	ErrorChan           chan error
	Muxer               *muxer.Muxer
	Logger              *slog.Logger
	Mode                ProtocolMode
	Role                ProtocolRole
	MessageHandlerFunc  MessageHandlerFunc
	MessageFromCborFunc MessageFromCborFunc
	StateMap            StateMap
	StateContext        any
	InitialState        State
	RecvQueueSize       int
}

// ProtocolOptions provides common arguments for mini-protocols
type ProtocolOptions struct {
	ConnectionId connection.ConnectionId
	Muxer        *muxer.Muxer
	Logger       *slog.Logger
	ErrorChan    chan error
	Mode         ProtocolMode
}

// Protocol implements the base functionality of a mini-protocol. It owns the
// channel pair registered with the muxer and the current protocol state.
// One instance serves exactly one session
type Protocol struct {
	config        ProtocolConfig
	logger        *slog.Logger
	muxerSendChan chan *muxer.Segment
	muxerRecvChan chan *muxer.Segment
	muxerDoneChan chan bool
	doneChan      chan struct{}
	onceStart     sync.Once
	onceStop      sync.Once
	waitGroup     sync.WaitGroup
	stateMutex    sync.Mutex
	currentState  State
	recvBuffer    *bytes.Buffer
	sendQueueChan chan []byte
	sendBusy      atomic.Bool
}

// New returns a new Protocol object
func New(config ProtocolConfig) *Protocol {
	if config.ErrorChan == nil {
		config.ErrorChan = make(chan error, 10)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	queueSize := config.RecvQueueSize
	if queueSize <= 0 {
		queueSize = DefaultRecvQueueSize
	}
	p := &Protocol{
		config:        config,
		logger:        logger,
		doneChan:      make(chan struct{}),
		recvBuffer:    bytes.NewBuffer(nil),
		sendQueueChan: make(chan []byte, queueSize),
		currentState:  config.InitialState,
	}
	return p
}

// Name returns the protocol name
func (p *Protocol) Name() string {
	return p.config.Name
}

// Mode returns the protocol mode
func (p *Protocol) Mode() ProtocolMode {
	return p.config.Mode
}

// Role returns the protocol role
func (p *Protocol) Role() ProtocolRole {
	return p.config.Role
}

// Logger returns the logger
func (p *Protocol) Logger() *slog.Logger {
	return p.logger
}

// DoneChan returns the channel used to signal protocol shutdown
func (p *Protocol) DoneChan() <-chan struct{} {
	return p.doneChan
}

// CurrentState returns the current protocol state
func (p *Protocol) CurrentState() State {
	p.stateMutex.Lock()
	defer p.stateMutex.Unlock()
	return p.currentState
}

// Start initializes the mini-protocol
func (p *Protocol) Start() {
	p.onceStart.Do(func() {
		p.muxerSendChan, p.muxerRecvChan, p.muxerDoneChan = p.config.Muxer.RegisterProtocol(
			p.config.ProtocolId,
			p.muxerProtocolRole(),
			p.config.RecvQueueSize,
		)
		p.waitGroup.Add(2)
		go p.sendLoop()
		go p.recvLoop()
	})
}

// Stop shuts down the mini-protocol
func (p *Protocol) Stop() {
	p.onceStop.Do(func() {
		p.logger.Debug("stopping protocol",
			"component", "network",
			"protocol", p.config.Name,
		)
		close(p.doneChan)
		go func() {
			p.waitGroup.Wait()
			if p.muxerDoneChan != nil {
				p.config.Muxer.UnregisterProtocol(
					p.config.ProtocolId,
					p.muxerProtocolRole(),
					p.muxerDoneChan,
				)
			}
		}()
	})
}

// IsDone returns true when the protocol has shut down or reached a state in
// which neither side has agency
func (p *Protocol) IsDone() bool {
	select {
	case <-p.doneChan:
		return true
	default:
	}
	p.stateMutex.Lock()
	defer p.stateMutex.Unlock()
	entry, ok := p.config.StateMap[p.currentState]
	return ok && entry.Agency == AgencyNone
}

// SendMessage validates the message against the current protocol state and
// queues it for sending. An illegal message is rejected here, before any
// bytes are written to the wire, and the state is left untouched
func (p *Protocol) SendMessage(msg Message) error {
	p.stateMutex.Lock()
	defer p.stateMutex.Unlock()
	select {
	case <-p.doneChan:
		return ErrProtocolShuttingDown
	default:
	}
	entry, ok := p.config.StateMap[p.currentState]
	if !ok || entry.Agency != p.localAgency() {
		return fmt.Errorf(
			"%s: %w: message type %d from state %s",
			p.config.Name,
			ErrProtocolViolationIllegalSend,
			msg.Type(),
			p.currentState,
		)
	}
	newState, ok := p.config.StateMap.Transition(
		p.currentState,
		msg,
		p.config.StateContext,
	)
	if !ok {
		return fmt.Errorf(
			"%s: %w: message type %d from state %s",
			p.config.Name,
			ErrProtocolViolationIllegalSend,
			msg.Type(),
			p.currentState,
		)
	}
	data := msg.Cbor()
	if data == nil {
		var err error
		data, err = cbor.Encode(msg)
		if err != nil {
			return fmt.Errorf(
				"%s: error encoding message: %w",
				p.config.Name,
				err,
			)
		}
	}
	p.logger.Debug(
		fmt.Sprintf("sending message type %d", msg.Type()),
		"component", "network",
		"protocol", p.config.Name,
		"state", p.currentState.Name,
		"new_state", newState.Name,
	)
	// The state advances as soon as the send is accepted, so a queued message
	// can never be observed in the old state
	p.currentState = newState
	select {
	case <-p.doneChan:
		return ErrProtocolShuttingDown
	case p.sendQueueChan <- data:
	}
	return nil
}

// SendError sends an error to the protocol's error channel
func (p *Protocol) SendError(err error) {
	select {
	case p.config.ErrorChan <- err:
	case <-p.doneChan:
	}
}

// WaitSendQueueDrained waits for queued outbound messages to be handed off to
// the muxer, up to the provided timeout
func (p *Protocol) WaitSendQueueDrained(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if len(p.sendQueueChan) == 0 && !p.sendBusy.Load() &&
			len(p.muxerSendChan) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("timed out waiting for send queue to drain")
		}
		select {
		case <-p.doneChan:
			return ErrProtocolShuttingDown
		case <-time.After(time.Millisecond):
		}
	}
}

func (p *Protocol) muxerProtocolRole() muxer.ProtocolRole {
	if p.config.Role == ProtocolRoleServer {
		return muxer.ProtocolRoleResponder
	}
	return muxer.ProtocolRoleInitiator
}

func (p *Protocol) localAgency() uint {
	if p.config.Role == ProtocolRoleServer {
		return AgencyServer
	}
	return AgencyClient
}

// currentStateTimeout returns the timeout for the current state, or zero if
// the state has no timeout or the local side has agency (timeouts only apply
// while waiting on the peer)
func (p *Protocol) currentStateTimeout() time.Duration {
	p.stateMutex.Lock()
	defer p.stateMutex.Unlock()
	entry, ok := p.config.StateMap[p.currentState]
	if !ok || entry.Agency == p.localAgency() {
		return 0
	}
	return entry.Timeout
}

func (p *Protocol) sendLoop() {
	defer p.waitGroup.Done()
	for {
		select {
		case <-p.doneChan:
			return
		case <-p.muxerDoneChan:
			p.Stop()
			return
		case payload := <-p.sendQueueChan:
			p.sendBusy.Store(true)
			// Split the payload into segments of up to the max payload length
			for len(payload) > 0 {
				chunk := payload
				if len(chunk) > muxer.SegmentMaxPayloadLength {
					chunk = payload[:muxer.SegmentMaxPayloadLength]
				}
				payload = payload[len(chunk):]
				segment := muxer.NewSegment(
					p.config.ProtocolId,
					chunk,
					p.config.Role == ProtocolRoleServer,
				)
				select {
				case <-p.doneChan:
					p.sendBusy.Store(false)
					return
				case <-p.muxerDoneChan:
					p.sendBusy.Store(false)
					p.Stop()
					return
				case p.muxerSendChan <- segment:
				}
			}
			p.sendBusy.Store(false)
		}
	}
}

func (p *Protocol) recvLoop() {
	defer p.waitGroup.Done()
	leftoverData := false
	for {
		if !leftoverData {
			var timeoutChan <-chan time.Time
			var timer *time.Timer
			if timeout := p.currentStateTimeout(); timeout > 0 {
				timer = time.NewTimer(timeout)
				timeoutChan = timer.C
			}
			select {
			case <-p.doneChan:
				if timer != nil {
					timer.Stop()
				}
				return
			case <-p.muxerDoneChan:
				if timer != nil {
					timer.Stop()
				}
				p.Stop()
				return
			case segment := <-p.muxerRecvChan:
				if timer != nil {
					timer.Stop()
				}
				p.recvBuffer.Write(segment.Payload)
			case <-timeoutChan:
				p.SendError(
					fmt.Errorf(
						"%s: timed out waiting on transition from protocol state %s",
						p.config.Name,
						p.CurrentState(),
					),
				)
				p.Stop()
				return
			}
		}
		leftoverData = false
		if p.recvBuffer.Len() == 0 {
			continue
		}
		// Decode the leading CBOR list to determine the message length
		var tmpMsg []cbor.RawMessage
		numBytesRead, err := cbor.Decode(p.recvBuffer.Bytes(), &tmpMsg)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				// We don't have enough data for the full message yet
				continue
			}
			p.SendError(
				fmt.Errorf("%s: %w: %w", p.config.Name, ErrDecode, err),
			)
			p.Stop()
			return
		}
		msgData := bytes.Clone(p.recvBuffer.Next(numBytesRead))
		msgType, err := cbor.DecodeIdFromList(msgData)
		if err != nil {
			p.SendError(
				fmt.Errorf("%s: %w: %w", p.config.Name, ErrDecode, err),
			)
			p.Stop()
			return
		}
		msg, err := p.config.MessageFromCborFunc(uint(msgType), msgData) // #nosec G115
		if err != nil {
			p.SendError(
				fmt.Errorf("%s: %w: %w", p.config.Name, ErrDecode, err),
			)
			p.Stop()
			return
		}
		if err := p.handleMessage(msg); err != nil {
			p.SendError(err)
			p.Stop()
			return
		}
		if p.recvBuffer.Len() > 0 {
			leftoverData = true
		}
	}
}

// handleMessage validates an inbound message against the current state before
// running the configured handler. A message the peer was not allowed to send
// is a protocol violation and tears the session down
func (p *Protocol) handleMessage(msg Message) error {
	p.stateMutex.Lock()
	entry, ok := p.config.StateMap[p.currentState]
	if !ok || entry.Agency == AgencyNone || entry.Agency == p.localAgency() {
		currentState := p.currentState
		p.stateMutex.Unlock()
		return fmt.Errorf(
			"%s: %w: message type %d in state %s",
			p.config.Name,
			ErrProtocolViolationInvalidMessage,
			msg.Type(),
			currentState,
		)
	}
	newState, ok := p.config.StateMap.Transition(
		p.currentState,
		msg,
		p.config.StateContext,
	)
	if !ok {
		currentState := p.currentState
		p.stateMutex.Unlock()
		return fmt.Errorf(
			"%s: %w: message type %d in state %s",
			p.config.Name,
			ErrProtocolViolationInvalidMessage,
			msg.Type(),
			currentState,
		)
	}
	p.logger.Debug(
		fmt.Sprintf("received message type %d", msg.Type()),
		"component", "network",
		"protocol", p.config.Name,
		"state", p.currentState.Name,
		"new_state", newState.Name,
	)
	p.currentState = newState
	p.stateMutex.Unlock()
	if p.config.MessageHandlerFunc == nil {
		return fmt.Errorf(
			"%s: received message type %d but no handler is defined",
			p.config.Name,
			msg.Type(),
		)
	}
	return p.config.MessageHandlerFunc(msg)
}
