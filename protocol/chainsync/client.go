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

package chainsync

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opencardano/ourosync/protocol"
	"github.com/opencardano/ourosync/protocol/common"
)

type clientLifecycleState uint8

const (
	clientStateNew clientLifecycleState = iota
	clientStateStarting
	clientStateRunning
	clientStateStopped
)

// ChainSyncEvent represents a single chain update returned by RequestNext.
// It's either the next header/block or an instruction to roll the local chain
// back to Point. Either way it carries the server's current tip
type ChainSyncEvent struct {
	Tip       Tip
	BlockType uint
	Block     any
	Point     common.Point
	Rollback  bool
}

// Client implements the ChainSync client
type Client struct {
	*protocol.Protocol
	config                *Config
	callbackContext       CallbackContext
	busyMutex             sync.Mutex
	lifecycleMutex        sync.Mutex
	lifecycleState        clientLifecycleState
	startingDone          chan struct{}
	readyForNextBlockChan chan bool
	protoOptions          protocol.ProtocolOptions

	// waitingForCurrentTipChan will process all the requests for the current tip until the channel
	// is empty.
	//
	// want* only processes one request per message reply received from the server. If the message
	// request fails, it is the responsibility of the caller to clear the channel.
	waitingForCurrentTipChan chan chan<- Tip
	wantCurrentTipChan       chan chan<- Tip
	wantNextEventChan        chan chan<- clientEventResult
	wantIntersectFoundChan   chan chan<- clientPointResult
}

type clientPointResult struct {
	tip   Tip
	point common.Point
	error error
}

type clientEventResult struct {
	event *ChainSyncEvent
	error error
}

// NewClient returns a new ChainSync client object
func NewClient(
	protoOptions protocol.ProtocolOptions,
	cfg *Config,
) *Client {
	if cfg == nil {
		tmpCfg := NewConfig()
		cfg = &tmpCfg
	}
	// Apply defaults for zero values to handle Config{} created without NewConfig()
	config := *cfg
	if config.RecvQueueSize == 0 {
		config.RecvQueueSize = DefaultRecvQueueSize
	}
	c := &Client{
		config:         &config,
		protoOptions:   protoOptions,
		lifecycleState: clientStateNew,
	}
	c.callbackContext = CallbackContext{
		Client:       c,
		ConnectionId: protoOptions.ConnectionId,
	}
	c.initProtocol()
	return c
}

func (c *Client) initProtocol() {
	// Use node-to-client protocol ID
	protocolId := ProtocolIdNtC
	msgFromCborFunc := NewMsgFromCborNtC
	if c.protoOptions.Mode == protocol.ProtocolModeNodeToNode {
		// Use node-to-node protocol ID
		protocolId = ProtocolIdNtN
		msgFromCborFunc = NewMsgFromCborNtN
	}

	// Recreate channels
	c.readyForNextBlockChan = make(chan bool, 1)
	c.waitingForCurrentTipChan = make(chan chan<- Tip, 20)
	c.wantCurrentTipChan = make(chan chan<- Tip, 1)
	c.wantNextEventChan = make(chan chan<- clientEventResult, 1)
	c.wantIntersectFoundChan = make(chan chan<- clientPointResult, 1)

	// Update state map with timeouts
	stateMap := StateMap.Copy()
	if entry, ok := stateMap[stateIntersect]; ok {
		entry.Timeout = c.config.IntersectTimeout
		stateMap[stateIntersect] = entry
	}
	// MustReply is deliberately left without a timeout: once the server has
	// announced AwaitReply it's allowed to wait for the next block forever
	if entry, ok := stateMap[stateCanAwait]; ok {
		entry.Timeout = c.config.BlockTimeout
		stateMap[stateCanAwait] = entry
	}
	// Configure underlying Protocol
	protoConfig := protocol.ProtocolConfig{
		Name:                ProtocolName,
		ProtocolId:          protocolId,
		Muxer:               c.protoOptions.Muxer,
		Logger:              c.protoOptions.Logger,
		ErrorChan:           c.protoOptions.ErrorChan,
		Mode:                c.protoOptions.Mode,
		Role:                protocol.ProtocolRoleClient,
		MessageHandlerFunc:  c.messageHandler,
		MessageFromCborFunc: msgFromCborFunc,
		StateMap:            stateMap,
		InitialState:        stateIdle,
		RecvQueueSize:       c.config.RecvQueueSize,
	}
	c.Protocol = protocol.New(protoConfig)
}

// Start starts the client protocol. A stopped client can be started again,
// which begins a fresh session from the initial protocol state
func (c *Client) Start() {
	for {
		c.lifecycleMutex.Lock()

		switch c.lifecycleState {
		case clientStateRunning:
			c.lifecycleMutex.Unlock()
			return

		case clientStateStarting:
			// Another goroutine is already starting. Wait for it to complete.
			ch := c.startingDone
			c.lifecycleMutex.Unlock()
			if ch != nil {
				<-ch
			}
			// Re-check state after the in-flight start completes
			continue

		case clientStateStopped, clientStateNew:
			// We will be the goroutine that performs the start. Save the
			// previous state before transitioning to prevent other goroutines
			// from also starting.
			prevState := c.lifecycleState
			c.lifecycleState = clientStateStarting
			ch := make(chan struct{})
			c.startingDone = ch

			oldProto := c.Protocol
			var oldDone <-chan struct{}
			if prevState == clientStateStopped && oldProto != nil {
				oldDone = oldProto.DoneChan()
			}
			c.lifecycleMutex.Unlock()

			// If we were stopped, ensure the old instance is fully stopped
			// before re-registering with the muxer
			if oldDone != nil {
				oldProto.Stop()
				<-oldDone
			}

			c.lifecycleMutex.Lock()
			// If we were stopped by someone else while waiting, don't continue.
			if c.lifecycleState != clientStateStarting {
				if c.startingDone == ch {
					close(ch)
					c.startingDone = nil
				}
				c.lifecycleMutex.Unlock()
				return
			}

			// Reinitialize protocol when transitioning from stopped->start.
			// This recreates internal channels that may have been closed on
			// Stop() and resets the protocol state for the new session
			if c.Protocol == nil || prevState == clientStateStopped {
				c.initProtocol()
			}

			c.Protocol.Logger().
				Debug("starting client protocol",
					"component", "network",
					"protocol", ProtocolName,
					"connection_id", c.callbackContext.ConnectionId.String(),
				)
			c.Protocol.Start()
			c.lifecycleState = clientStateRunning
			if c.startingDone == ch {
				close(ch)
				c.startingDone = nil
			}
			c.lifecycleMutex.Unlock()
			return

		default:
			// Should not happen; treat as stopped.
			c.lifecycleState = clientStateStopped
			c.lifecycleMutex.Unlock()
			continue
		}
	}
}

// Stop sends a Done message and transitions the client to the Stopped state.
func (c *Client) Stop() error {
	const busyLockTimeout = 5 * time.Second
	deadline := time.Now().Add(busyLockTimeout)
	busyLocked := false
	for {
		if c.busyMutex.TryLock() {
			busyLocked = true
			break
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	c.lifecycleMutex.Lock()
	defer c.lifecycleMutex.Unlock()

	if c.lifecycleState != clientStateRunning {
		if busyLocked {
			c.busyMutex.Unlock()
		}
		return nil
	}

	c.Protocol.Logger().
		Debug("stopping client protocol",
			"component", "network",
			"protocol", ProtocolName,
			"connection_id", c.callbackContext.ConnectionId.String(),
		)

	var sendErr error
	// Check if protocol is already done before sending Done message
	if !c.IsDone() {
		msg := NewMsgDone()
		sendErr = c.SendMessage(msg)
		_ = c.WaitSendQueueDrained(250 * time.Millisecond)
	}
	if busyLocked {
		c.busyMutex.Unlock()
	}

	// Close readyForNextBlockChan to signal syncLoop to exit
	if c.readyForNextBlockChan != nil {
		close(c.readyForNextBlockChan)
		c.readyForNextBlockChan = nil
	}

	// Stop/unregister the underlying protocol instance.
	c.Protocol.Stop()
	c.lifecycleState = clientStateStopped
	// Unblock any goroutine waiting for an in-progress start.
	if c.startingDone != nil {
		close(c.startingDone)
		c.startingDone = nil
	}
	return sendErr
}

// RequestNext requests the next chain update and blocks until the server
// replies. An AwaitReply from the server is absorbed and the call keeps
// waiting for the eventual update
func (c *Client) RequestNext() (*ChainSyncEvent, error) {
	c.busyMutex.Lock()
	defer c.busyMutex.Unlock()
	c.Protocol.Logger().
		Debug("calling RequestNext()",
			"component", "network",
			"protocol", ProtocolName,
			"role", "client",
			"connection_id", c.callbackContext.ConnectionId.String(),
		)
	eventChan, cancelNextEvent := c.wantNextEvent()
	if eventChan == nil {
		return nil, protocol.ErrProtocolShuttingDown
	}
	msg := NewMsgRequestNext()
	if err := c.SendMessage(msg); err != nil {
		cancelNextEvent()
		return nil, err
	}
	select {
	case <-c.DoneChan():
		return nil, protocol.ErrProtocolShuttingDown
	case result := <-eventChan:
		if result.error != nil {
			return nil, result.error
		}
		return result.event, nil
	}
}

// FindIntersect returns the best intersection point between the client's
// candidate points and the server's chain, along with the server's current
// tip. When no intersection exists it returns ErrIntersectNotFound, with the
// tip still populated
func (c *Client) FindIntersect(
	points []common.Point,
) (common.Point, Tip, error) {
	c.busyMutex.Lock()
	defer c.busyMutex.Unlock()
	c.Protocol.Logger().
		Debug(
			fmt.Sprintf("calling FindIntersect(points: %+v)", points),
			"component", "network",
			"protocol", ProtocolName,
			"role", "client",
			"connection_id", c.callbackContext.ConnectionId.String(),
		)
	result := c.requestFindIntersect(points)
	return result.point, result.tip, result.error
}

// GetCurrentTip returns the current chain tip
func (c *Client) GetCurrentTip() (*Tip, error) {
	c.Protocol.Logger().
		Debug("calling GetCurrentTip()",
			"component", "network",
			"protocol", ProtocolName,
			"role", "client",
			"connection_id", c.callbackContext.ConnectionId.String(),
		)
	requestResultChan := make(chan Tip, 1)
	requestErrorChan := make(chan error, 1)

	go func() {
		c.busyMutex.Lock()
		defer c.busyMutex.Unlock()

		currentTipChan, cancelCurrentTip := c.wantCurrentTip()
		if currentTipChan == nil {
			requestErrorChan <- protocol.ErrProtocolShuttingDown
			return
		}
		// An intersect request with no points will never find an
		// intersection, but both replies carry the current tip
		msg := NewMsgFindIntersect([]common.Point{})
		if err := c.SendMessage(msg); err != nil {
			cancelCurrentTip()
			requestErrorChan <- err
			return
		}
		select {
		case <-c.DoneChan():
		case tip := <-currentTipChan:
			requestResultChan <- tip
		}
	}()

	waitingResultChan := make(chan Tip, 1)
	waitingForCurrentTipChan := c.waitingForCurrentTipChan

	for {
		select {
		case <-c.DoneChan():
			return nil, protocol.ErrProtocolShuttingDown
		case waitingForCurrentTipChan <- waitingResultChan:
			// The request is being handled by another request, wait for the result.
			waitingForCurrentTipChan = nil
		case tip := <-waitingResultChan:
			// The result from the other request is ready.
			return &tip, nil
		case tip := <-requestResultChan:
			// If waitingForCurrentTipChan is full, the for loop that empties
			// it might finish before the select statement that writes to it
			// is triggered. For that reason we require requestResultChan here.
			return &tip, nil
		case err := <-requestErrorChan:
			return nil, err
		}
	}
}

// Sync begins a chain-sync operation using the provided intersect point(s). Incoming blocks will be delivered
// via the RollForward callback function specified in the protocol config
func (c *Client) Sync(intersectPoints []common.Point) error {
	c.busyMutex.Lock()
	defer c.busyMutex.Unlock()

	// Use origin if no intersect points were specified
	if len(intersectPoints) == 0 {
		intersectPoints = []common.Point{common.NewPointOrigin()}
	}

	c.Protocol.Logger().
		Debug(
			fmt.Sprintf("calling Sync(intersectPoints: %+v)", intersectPoints),
			"component", "network",
			"protocol", ProtocolName,
			"role", "client",
			"connection_id", c.callbackContext.ConnectionId.String(),
		)

	intersectResultChan, cancel := c.wantIntersectFound()
	if intersectResultChan == nil {
		return protocol.ErrProtocolShuttingDown
	}
	msgFindIntersect := NewMsgFindIntersect(intersectPoints)
	if err := c.SendMessage(msgFindIntersect); err != nil {
		cancel()
		return err
	}
	select {
	case <-c.DoneChan():
		return protocol.ErrProtocolShuttingDown
	case result := <-intersectResultChan:
		if result.error != nil {
			return result.error
		}
	}

	// Send initial RequestNext
	msgRequestNext := NewMsgRequestNext()
	if err := c.SendMessage(msgRequestNext); err != nil {
		return err
	}
	// Start sync loop
	go c.syncLoop()
	return nil
}

func (c *Client) syncLoop() {
	for {
		// Wait for the current block to be processed
		select {
		case ready, ok := <-c.readyForNextBlockChan:
			if !ok {
				// Channel is closed, which means we're shutting down
				return
			} else if !ready {
				// Sync was cancelled
				return
			}
		case <-c.DoneChan():
			// Protocol is shutting down
			return
		}
		c.busyMutex.Lock()
		msg := NewMsgRequestNext()
		if err := c.SendMessage(msg); err != nil {
			c.SendError(err)
			c.busyMutex.Unlock()
			return
		}
		c.busyMutex.Unlock()
	}
}

func (c *Client) sendCurrentTip(tip Tip) {
	// Sends to the requester.
	select {
	case ch := <-c.wantCurrentTipChan:
		ch <- tip
	default:
	}

	// Sends to all passive listeners that are in the queue.
	for {
		select {
		case ch := <-c.waitingForCurrentTipChan:
			ch <- tip
		default:
			return
		}
	}
}

func (c *Client) signalReadyForNextBlock(ready bool) {
	c.lifecycleMutex.Lock()
	defer c.lifecycleMutex.Unlock()
	if c.readyForNextBlockChan != nil {
		select {
		case c.readyForNextBlockChan <- ready:
		case <-c.DoneChan():
		}
	}
}

// wantCurrentTip returns a channel that will receive the current tip, and a function that can be
// used to clear the channel if sending the request message fails.
func (c *Client) wantCurrentTip() (<-chan Tip, func()) {
	ch := make(chan Tip, 1)

	select {
	case <-c.DoneChan():
		return nil, func() {}
	case c.wantCurrentTipChan <- ch:
		return ch, func() {
			select {
			case <-c.wantCurrentTipChan:
			default:
			}
		}
	}
}

// wantNextEvent returns a channel that will receive the next chain update,
// and a function that can be used to clear the channel if sending the request
// message fails.
func (c *Client) wantNextEvent() (<-chan clientEventResult, func()) {
	ch := make(chan clientEventResult, 1)

	select {
	case <-c.DoneChan():
		return nil, func() {}
	case c.wantNextEventChan <- ch:
		return ch, func() {
			select {
			case <-c.wantNextEventChan:
			default:
			}
		}
	}
}

// wantIntersectFound returns a channel that will receive the result of the next intersect request,
// and a function that can be used to clear the channel if sending the request message fails.
func (c *Client) wantIntersectFound() (<-chan clientPointResult, func()) {
	ch := make(chan clientPointResult, 1)

	select {
	case <-c.DoneChan():
		return nil, func() {}
	case c.wantIntersectFoundChan <- ch:
		return ch, func() {
			select {
			case <-c.wantIntersectFoundChan:
			default:
			}
		}
	}
}

func (c *Client) takeWantNextEvent() chan<- clientEventResult {
	select {
	case ch := <-c.wantNextEventChan:
		return ch
	default:
		return nil
	}
}

func (c *Client) requestFindIntersect(
	intersectPoints []common.Point,
) clientPointResult {
	resultChan, cancel := c.wantIntersectFound()
	if resultChan == nil {
		return clientPointResult{error: protocol.ErrProtocolShuttingDown}
	}
	msg := NewMsgFindIntersect(intersectPoints)
	if err := c.SendMessage(msg); err != nil {
		cancel()
		return clientPointResult{error: err}
	}

	select {
	case <-c.DoneChan():
		return clientPointResult{error: protocol.ErrProtocolShuttingDown}
	case result := <-resultChan:
		return result
	}
}

func (c *Client) messageHandler(msg protocol.Message) error {
	var err error
	switch msg.Type() {
	case MessageTypeAwaitReply:
		c.handleAwaitReply()
	case MessageTypeRollForward:
		err = c.handleRollForward(msg)
	case MessageTypeRollBackward:
		err = c.handleRollBackward(msg)
	case MessageTypeIntersectFound:
		c.handleIntersectFound(msg)
	case MessageTypeIntersectNotFound:
		c.handleIntersectNotFound(msg)
	default:
		err = fmt.Errorf(
			"%s: received unexpected message type %d",
			ProtocolName,
			msg.Type(),
		)
	}
	return err
}

func (c *Client) handleAwaitReply() {
	// The server is at its tip and will push the next update when it exists.
	// Whoever is waiting for the reply just keeps waiting
	c.Protocol.Logger().
		Debug("waiting for next reply",
			"component", "network",
			"protocol", ProtocolName,
			"role", "client",
			"connection_id", c.callbackContext.ConnectionId.String(),
		)
}

func (c *Client) handleRollForward(msgGeneric protocol.Message) error {
	c.Protocol.Logger().
		Debug("roll forward",
			"component", "network",
			"protocol", ProtocolName,
			"role", "client",
			"connection_id", c.callbackContext.ConnectionId.String(),
		)
	// Extract the payload for the protocol mode
	var blockType uint
	var payloadCbor []byte
	var tip Tip
	if c.Mode() == protocol.ProtocolModeNodeToNode {
		msg, ok := msgGeneric.(*MsgRollForwardNtN)
		if !ok {
			return errors.New("unexpected message type for RollForward")
		}
		blockType = msg.WrappedHeader.Era
		payloadCbor = msg.WrappedHeader.HeaderCbor()
		tip = msg.Tip
	} else {
		msg, ok := msgGeneric.(*MsgRollForwardNtC)
		if !ok {
			return errors.New("unexpected message type for RollForward")
		}
		blockType = msg.BlockType()
		payloadCbor = msg.BlockCbor()
		tip = msg.Tip
	}
	c.sendCurrentTip(tip)
	eventChan := c.takeWantNextEvent()
	if eventChan == nil && c.config.RollForwardFunc == nil {
		return errors.New(
			"received chain-sync RollForward message but no callback function is defined",
		)
	}
	// Reconstruct the payload when a decoder is configured; deliver the raw
	// bytes otherwise
	var payload any = payloadCbor
	if c.config.BlockDecodeFunc != nil {
		decoded, err := c.config.BlockDecodeFunc(blockType, payloadCbor)
		if err != nil {
			err = fmt.Errorf("failed to decode block: %w", err)
			if eventChan != nil {
				eventChan <- clientEventResult{error: err}
			}
			return err
		}
		payload = decoded
	}
	if eventChan != nil {
		eventChan <- clientEventResult{
			event: &ChainSyncEvent{
				Tip:       tip,
				BlockType: blockType,
				Block:     payload,
			},
		}
		return nil
	}
	// Call the user callback function
	callbackErr := c.config.RollForwardFunc(
		c.callbackContext,
		blockType,
		payload,
		tip,
	)
	if callbackErr != nil {
		if errors.Is(callbackErr, ErrStopSyncProcess) {
			// Signal that we're cancelling the sync
			c.signalReadyForNextBlock(false)
			return nil
		}
		return callbackErr
	}
	// Signal that we're ready for the next block
	c.signalReadyForNextBlock(true)
	return nil
}

func (c *Client) handleRollBackward(msgGeneric protocol.Message) error {
	c.Protocol.Logger().
		Debug("roll backward",
			"component", "network",
			"protocol", ProtocolName,
			"role", "client",
			"connection_id", c.callbackContext.ConnectionId.String(),
		)
	msg, ok := msgGeneric.(*MsgRollBackward)
	if !ok {
		return errors.New("unexpected message type for RollBackward")
	}
	c.sendCurrentTip(msg.Tip)
	if eventChan := c.takeWantNextEvent(); eventChan != nil {
		eventChan <- clientEventResult{
			event: &ChainSyncEvent{
				Tip:      msg.Tip,
				Point:    msg.Point,
				Rollback: true,
			},
		}
		return nil
	}
	if c.config.RollBackwardFunc == nil {
		return errors.New(
			"received chain-sync RollBackward message but no callback function is defined",
		)
	}
	// Call the user callback function
	if callbackErr := c.config.RollBackwardFunc(c.callbackContext, msg.Point, msg.Tip); callbackErr != nil {
		if errors.Is(callbackErr, ErrStopSyncProcess) {
			// Signal that we're cancelling the sync
			c.signalReadyForNextBlock(false)
			return nil
		}
		return callbackErr
	}
	// Signal that we're ready for the next block
	c.signalReadyForNextBlock(true)
	return nil
}

func (c *Client) handleIntersectFound(msgGeneric protocol.Message) {
	c.Protocol.Logger().
		Debug("chain intersect found",
			"component", "network",
			"protocol", ProtocolName,
			"role", "client",
			"connection_id", c.callbackContext.ConnectionId.String(),
		)
	msg, ok := msgGeneric.(*MsgIntersectFound)
	if !ok {
		return
	}
	c.sendCurrentTip(msg.Tip)

	select {
	case ch := <-c.wantIntersectFoundChan:
		ch <- clientPointResult{tip: msg.Tip, point: msg.Point}
	default:
	}
}

func (c *Client) handleIntersectNotFound(msgGeneric protocol.Message) {
	c.Protocol.Logger().
		Debug("chain intersect not found",
			"component", "network",
			"protocol", ProtocolName,
			"role", "client",
			"connection_id", c.callbackContext.ConnectionId.String(),
		)
	msg, ok := msgGeneric.(*MsgIntersectNotFound)
	if !ok {
		return
	}
	c.sendCurrentTip(msg.Tip)

	select {
	case ch := <-c.wantIntersectFoundChan:
		ch <- clientPointResult{tip: msg.Tip, error: ErrIntersectNotFound}
	default:
	}
}
