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

	"github.com/opencardano/ourosync/protocol"
	"github.com/opencardano/ourosync/protocol/common"
)

// Server implements the ChainSync server
type Server struct {
	*protocol.Protocol
	config          *Config
	callbackContext CallbackContext
	protoOptions    protocol.ProtocolOptions
}

// NewServer returns a new ChainSync server object
func NewServer(
	protoOptions protocol.ProtocolOptions,
	cfg *Config,
) *Server {
	if cfg == nil {
		tmpCfg := NewConfig()
		cfg = &tmpCfg
	}
	s := &Server{
		config:       cfg,
		protoOptions: protoOptions,
	}
	s.callbackContext = CallbackContext{
		Server:       s,
		ConnectionId: protoOptions.ConnectionId,
	}
	s.initProtocol()
	return s
}

func (s *Server) initProtocol() {
	// Use node-to-client protocol ID
	protocolId := ProtocolIdNtC
	msgFromCborFunc := NewMsgFromCborNtC
	if s.protoOptions.Mode == protocol.ProtocolModeNodeToNode {
		// Use node-to-node protocol ID
		protocolId = ProtocolIdNtN
		msgFromCborFunc = NewMsgFromCborNtN
	}
	protoConfig := protocol.ProtocolConfig{
		Name:                ProtocolName,
		ProtocolId:          protocolId,
		Muxer:               s.protoOptions.Muxer,
		Logger:              s.protoOptions.Logger,
		ErrorChan:           s.protoOptions.ErrorChan,
		Mode:                s.protoOptions.Mode,
		Role:                protocol.ProtocolRoleServer,
		MessageHandlerFunc:  s.messageHandler,
		MessageFromCborFunc: msgFromCborFunc,
		StateMap:            StateMap,
		InitialState:        stateIdle,
		RecvQueueSize:       s.config.RecvQueueSize,
	}
	s.Protocol = protocol.New(protoConfig)
}

// Start starts the server protocol
func (s *Server) Start() {
	s.Protocol.Logger().
		Debug("starting server protocol",
			"component", "network",
			"protocol", ProtocolName,
			"connection_id", s.callbackContext.ConnectionId.String(),
		)
	s.Protocol.Start()
}

// RollForward sends a RollForward message with the provided payload and tip.
// It can only be called while the server has agency, i.e. from within the
// RequestNext callback or while a client waits after an AwaitReply
func (s *Server) RollForward(blockType uint, blockData []byte, tip Tip) error {
	s.Protocol.Logger().
		Debug(fmt.Sprintf("calling RollForward(blockType: %d, tip: %+v)", blockType, tip),
			"component", "network",
			"protocol", ProtocolName,
			"role", "server",
			"connection_id", s.callbackContext.ConnectionId.String(),
		)
	if s.protoOptions.Mode == protocol.ProtocolModeNodeToNode {
		msg, err := NewMsgRollForwardNtN(blockType, blockData, tip)
		if err != nil {
			return err
		}
		return s.SendMessage(msg)
	}
	msg, err := NewMsgRollForwardNtC(blockType, blockData, tip)
	if err != nil {
		return err
	}
	return s.SendMessage(msg)
}

// RollBackward sends a RollBackward message with the provided point and tip
func (s *Server) RollBackward(point common.Point, tip Tip) error {
	s.Protocol.Logger().
		Debug(fmt.Sprintf("calling RollBackward(point: %+v, tip: %+v)", point, tip),
			"component", "network",
			"protocol", ProtocolName,
			"role", "server",
			"connection_id", s.callbackContext.ConnectionId.String(),
		)
	msg := NewMsgRollBackward(point, tip)
	return s.SendMessage(msg)
}

// AwaitReply sends an AwaitReply message, which signals to the client that
// the server has no update to deliver yet and will push one when it exists
func (s *Server) AwaitReply() error {
	s.Protocol.Logger().
		Debug("calling AwaitReply()",
			"component", "network",
			"protocol", ProtocolName,
			"role", "server",
			"connection_id", s.callbackContext.ConnectionId.String(),
		)
	msg := NewMsgAwaitReply()
	return s.SendMessage(msg)
}

func (s *Server) messageHandler(msg protocol.Message) error {
	var err error
	switch msg.Type() {
	case MessageTypeRequestNext:
		err = s.handleRequestNext()
	case MessageTypeFindIntersect:
		err = s.handleFindIntersect(msg)
	case MessageTypeDone:
		err = s.handleDone()
	default:
		err = fmt.Errorf(
			"%s: received unexpected message type %d",
			ProtocolName,
			msg.Type(),
		)
	}
	return err
}

func (s *Server) handleRequestNext() error {
	s.Protocol.Logger().
		Debug("request next",
			"component", "network",
			"protocol", ProtocolName,
			"role", "server",
			"connection_id", s.callbackContext.ConnectionId.String(),
		)
	if s.config.RequestNextFunc == nil {
		return errors.New(
			"received chain-sync RequestNext message but no callback function is defined",
		)
	}
	return s.config.RequestNextFunc(s.callbackContext)
}

func (s *Server) handleFindIntersect(msgGeneric protocol.Message) error {
	s.Protocol.Logger().
		Debug("find intersect",
			"component", "network",
			"protocol", ProtocolName,
			"role", "server",
			"connection_id", s.callbackContext.ConnectionId.String(),
		)
	msg, ok := msgGeneric.(*MsgFindIntersect)
	if !ok {
		return errors.New("unexpected message type for FindIntersect")
	}
	if s.config.FindIntersectFunc == nil {
		return errors.New(
			"received chain-sync FindIntersect message but no callback function is defined",
		)
	}
	point, tip, err := s.config.FindIntersectFunc(s.callbackContext, msg.Points)
	if err != nil {
		if errors.Is(err, ErrIntersectNotFound) {
			// The reply still carries the current tip
			return s.SendMessage(NewMsgIntersectNotFound(tip))
		}
		return err
	}
	return s.SendMessage(NewMsgIntersectFound(point, tip))
}

func (s *Server) handleDone() error {
	s.Protocol.Logger().
		Debug("done",
			"component", "network",
			"protocol", ProtocolName,
			"role", "server",
			"connection_id", s.callbackContext.ConnectionId.String(),
		)
	// The session is over. Restart the protocol so that the peer can start a
	// fresh session from the initial state
	s.Protocol.Stop()
	doneChan := s.Protocol.DoneChan()
	go func() {
		<-doneChan
		s.initProtocol()
		s.Protocol.Start()
	}()
	return nil
}
