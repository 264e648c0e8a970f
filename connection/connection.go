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

// Package connection provides a common connection identity type used to
// distinguish sessions that share callback functions
package connection

import (
	"fmt"
	"net"
)

// ConnectionId describes a unique connection
type ConnectionId struct {
	LocalAddr  net.Addr
	RemoteAddr net.Addr
}

// String returns a unique string for the connection
func (c ConnectionId) String() string {
	return fmt.Sprintf(
		"%s#%s",
		c.LocalAddr,
		c.RemoteAddr,
	)
}

// NewConnectionIdFromConn creates a ConnectionId from a net.Conn
func NewConnectionIdFromConn(conn net.Conn) ConnectionId {
	return ConnectionId{
		LocalAddr:  conn.LocalAddr(),
		RemoteAddr: conn.RemoteAddr(),
	}
}
