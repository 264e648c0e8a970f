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

// Package chainsync implements the Ouroboros chain-sync protocol
package chainsync

import (
	"time"

	"github.com/opencardano/ourosync/connection"
	"github.com/opencardano/ourosync/protocol"
	"github.com/opencardano/ourosync/protocol/common"
)

// Protocol identifiers
const (
	ProtocolName         = "chain-sync"
	ProtocolIdNtN        = uint16(2)
	ProtocolIdNtC        = uint16(5)
	DefaultRecvQueueSize = 50
)

var (
	stateIdle      = protocol.NewState(1, "Idle")
	stateCanAwait  = protocol.NewState(2, "CanAwait")
	stateMustReply = protocol.NewState(3, "MustReply")
	stateIntersect = protocol.NewState(4, "Intersect")
	stateDone      = protocol.NewState(5, "Done")
)

// ChainSync protocol state machine. The client holds agency in Idle, the
// server in CanAwait/MustReply/Intersect, and nobody in Done
var StateMap = protocol.StateMap{
	stateIdle: protocol.StateMapEntry{
		Agency: protocol.AgencyClient,
		Transitions: []protocol.StateTransition{
			{
				MsgType:  MessageTypeRequestNext,
				NewState: stateCanAwait,
			},
			{
				MsgType:  MessageTypeFindIntersect,
				NewState: stateIntersect,
			},
			{
				MsgType:  MessageTypeDone,
				NewState: stateDone,
			},
		},
	},
	stateCanAwait: protocol.StateMapEntry{
		Agency: protocol.AgencyServer,
		Transitions: []protocol.StateTransition{
			{
				MsgType:  MessageTypeAwaitReply,
				NewState: stateMustReply,
			},
			{
				MsgType:  MessageTypeRollForward,
				NewState: stateIdle,
			},
			{
				MsgType:  MessageTypeRollBackward,
				NewState: stateIdle,
			},
		},
	},
	stateMustReply: protocol.StateMapEntry{
		Agency: protocol.AgencyServer,
		Transitions: []protocol.StateTransition{
			{
				MsgType:  MessageTypeRollForward,
				NewState: stateIdle,
			},
			{
				MsgType:  MessageTypeRollBackward,
				NewState: stateIdle,
			},
		},
	},
	stateIntersect: protocol.StateMapEntry{
		Agency: protocol.AgencyServer,
		Transitions: []protocol.StateTransition{
			{
				MsgType:  MessageTypeIntersectFound,
				NewState: stateIdle,
			},
			{
				MsgType:  MessageTypeIntersectNotFound,
				NewState: stateIdle,
			},
		},
	},
	stateDone: protocol.StateMapEntry{
		Agency: protocol.AgencyNone,
	},
}

// ChainSync is a wrapper object that holds the client and server instances
type ChainSync struct {
	Client *Client
	Server *Server
}

// Tip is an alias for the common Tip type
type Tip = common.Tip

// Config is used to configure the ChainSync protocol instance
type Config struct {
	RollBackwardFunc  RollBackwardFunc
	RollForwardFunc   RollForwardFunc
	FindIntersectFunc FindIntersectFunc
	RequestNextFunc   RequestNextFunc
	BlockDecodeFunc   BlockDecodeFunc
	IntersectTimeout  time.Duration
	BlockTimeout      time.Duration
	RecvQueueSize     int
}

// Callback context
type CallbackContext struct {
	ConnectionId connection.ConnectionId
	Client       *Client
	Server       *Server
}

// Callback function types
type (
	// RollBackwardFunc is called by the client Sync loop when the server
	// rolls the chain back to the given point
	RollBackwardFunc func(CallbackContext, common.Point, Tip) error
	// RollForwardFunc is called by the client Sync loop with the next
	// header/block. The payload is the decoded object when a BlockDecodeFunc
	// is configured and the raw bytes otherwise
	RollForwardFunc func(CallbackContext, uint, any, Tip) error
	// FindIntersectFunc is called by the server to resolve an intersection
	// request against its chain
	FindIntersectFunc func(CallbackContext, []common.Point) (common.Point, Tip, error)
	// RequestNextFunc is called by the server for each RequestNext from the
	// client
	RequestNextFunc func(CallbackContext) error
	// BlockDecodeFunc reconstructs a header/block payload from its raw bytes
	BlockDecodeFunc func(uint, []byte) (any, error)
)

// New returns a new ChainSync object
func New(protoOptions protocol.ProtocolOptions, cfg *Config) *ChainSync {
	c := &ChainSync{
		Client: NewClient(protoOptions, cfg),
		Server: NewServer(protoOptions, cfg),
	}
	return c
}

// ChainSyncOptionFunc represents a function used to modify the ChainSync protocol config
type ChainSyncOptionFunc func(*Config)

// NewConfig returns a new ChainSync config object with the provided options
func NewConfig(options ...ChainSyncOptionFunc) Config {
	c := Config{
		IntersectTimeout: 5 * time.Second,
		RecvQueueSize:    DefaultRecvQueueSize,
	}
	// Apply provided options functions
	for _, option := range options {
		option(&c)
	}
	return c
}

// WithRollBackwardFunc specifies the RollBackward callback function
func WithRollBackwardFunc(
	rollBackwardFunc RollBackwardFunc,
) ChainSyncOptionFunc {
	return func(c *Config) {
		c.RollBackwardFunc = rollBackwardFunc
	}
}

// WithRollForwardFunc specifies the RollForward callback function
func WithRollForwardFunc(rollForwardFunc RollForwardFunc) ChainSyncOptionFunc {
	return func(c *Config) {
		c.RollForwardFunc = rollForwardFunc
	}
}

// WithFindIntersectFunc specifies the FindIntersect callback function
func WithFindIntersectFunc(
	findIntersectFunc FindIntersectFunc,
) ChainSyncOptionFunc {
	return func(c *Config) {
		c.FindIntersectFunc = findIntersectFunc
	}
}

// WithRequestNextFunc specifies the RequestNext callback function
func WithRequestNextFunc(requestNextFunc RequestNextFunc) ChainSyncOptionFunc {
	return func(c *Config) {
		c.RequestNextFunc = requestNextFunc
	}
}

// WithBlockDecodeFunc specifies the payload decode function used before
// delivering roll-forward events
func WithBlockDecodeFunc(blockDecodeFunc BlockDecodeFunc) ChainSyncOptionFunc {
	return func(c *Config) {
		c.BlockDecodeFunc = blockDecodeFunc
	}
}

// WithIntersectTimeout specifies the timeout for intersect operations. A
// value of zero disables the timeout
func WithIntersectTimeout(timeout time.Duration) ChainSyncOptionFunc {
	return func(c *Config) {
		c.IntersectTimeout = timeout
	}
}

// WithBlockTimeout specifies the timeout for the server to respond in the
// CanAwait state. The default of zero means the client waits indefinitely
func WithBlockTimeout(timeout time.Duration) ChainSyncOptionFunc {
	return func(c *Config) {
		c.BlockTimeout = timeout
	}
}

// WithRecvQueueSize specifies the size of the received-segment queue
func WithRecvQueueSize(size int) ChainSyncOptionFunc {
	return func(c *Config) {
		c.RecvQueueSize = size
	}
}
