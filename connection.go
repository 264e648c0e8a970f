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

// Package ourosync implements the Ouroboros chain-sync mini-protocol over a
// multiplexed connection
package ourosync

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/opencardano/ourosync/connection"
	"github.com/opencardano/ourosync/muxer"
	"github.com/opencardano/ourosync/protocol"
	"github.com/opencardano/ourosync/protocol/chainsync"
)

// The Connection type is a wrapper around a regular net.Conn connection that
// runs the chain-sync mini-protocol over a muxed session
type Connection struct {
	id                 connection.ConnectionId
	conn               net.Conn
	server             bool
	useNodeToNodeProto bool
	muxer              *muxer.Muxer
	errorChan          chan error
	protoErrorChan     chan error
	doneChan           chan any
	waitGroup          sync.WaitGroup
	onceClose          sync.Once
	delayMuxerStart    bool
	logger             *slog.Logger
	chainSync          *chainsync.ChainSync
	chainSyncConfig    *chainsync.Config
}

// NewConnection returns a new Connection object with the specified options. If
// a connection is provided, the chain-sync session is started automatically
func NewConnection(options ...ConnectionOptionFunc) (*Connection, error) {
	c := &Connection{
		protoErrorChan: make(chan error, 10),
		doneChan:       make(chan any),
	}
	// Apply provided options functions
	for _, option := range options {
		option(c)
	}
	if c.errorChan == nil {
		c.errorChan = make(chan error, 10)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.conn != nil {
		if err := c.setupConnection(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// New is an alias for NewConnection
func New(options ...ConnectionOptionFunc) (*Connection, error) {
	return NewConnection(options...)
}

// Id returns the connection ID
func (c *Connection) Id() connection.ConnectionId {
	return c.id
}

// Muxer returns the muxer object for the connection
func (c *Connection) Muxer() *muxer.Muxer {
	return c.muxer
}

// ErrorChan returns the channel for asynchronous errors. It's closed when the
// connection shuts down
func (c *Connection) ErrorChan() <-chan error {
	return c.errorChan
}

// ChainSync returns the chain-sync protocol handler
func (c *Connection) ChainSync() *chainsync.ChainSync {
	return c.chainSync
}

// Dial will establish a connection using the specified protocol and address.
// These parameters are passed to the net.Dial function. It's a convenience
// function for when no connection was provided at creation time
func (c *Connection) Dial(proto string, address string) error {
	if c.conn != nil {
		return errors.New("a connection was already established")
	}
	conn, err := net.Dial(proto, address)
	if err != nil {
		return err
	}
	c.conn = conn
	return c.setupConnection()
}

// Close will shutdown the connection
func (c *Connection) Close() error {
	var err error
	c.onceClose.Do(func() {
		close(c.doneChan)
		// Gracefully stop the muxer
		if c.muxer != nil {
			c.muxer.Stop()
		}
		// Close the underlying connection
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

func (c *Connection) setupConnection() error {
	c.id = connection.NewConnectionIdFromConn(c.conn)
	c.muxer = muxer.New(c.conn)
	// Start goroutine to pass along errors from the muxer
	c.waitGroup.Add(1)
	go func() {
		defer c.waitGroup.Done()
		err, ok := <-c.muxer.ErrorChan()
		// Break out of goroutine if muxer's error channel is closed
		if !ok {
			return
		}
		c.errorChan <- fmt.Errorf("muxer error: %w", err)
		// Close connection on muxer errors
		c.Close()
	}()
	// Start goroutine to pass along errors from the mini-protocol
	c.waitGroup.Add(1)
	go func() {
		defer c.waitGroup.Done()
		select {
		case <-c.doneChan:
		case err, ok := <-c.protoErrorChan:
			if !ok {
				return
			}
			c.errorChan <- fmt.Errorf("protocol error: %w", err)
			// Close connection on mini-protocol errors
			c.Close()
		}
	}()
	// Start shutdown watcher. The error channel is closed once all error
	// passing goroutines have finished, which signals a complete shutdown to
	// the consumer
	go func() {
		<-c.doneChan
		c.waitGroup.Wait()
		close(c.errorChan)
	}()
	protoOptions := protocol.ProtocolOptions{
		ConnectionId: c.id,
		Muxer:        c.muxer,
		Logger:       c.logger,
		ErrorChan:    c.protoErrorChan,
	}
	if c.useNodeToNodeProto {
		protoOptions.Mode = protocol.ProtocolModeNodeToNode
	} else {
		protoOptions.Mode = protocol.ProtocolModeNodeToClient
	}
	c.chainSync = chainsync.New(protoOptions, c.chainSyncConfig)
	// Start the relevant side of the protocol
	if c.server {
		c.chainSync.Server.Start()
	} else {
		c.chainSync.Client.Start()
	}
	// Start muxer
	if !c.delayMuxerStart {
		c.muxer.Start()
	}
	return nil
}
