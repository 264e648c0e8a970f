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

package chainsync_test

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	ourosync "github.com/opencardano/ourosync"
	"github.com/opencardano/ourosync/internal/mock"
	"github.com/opencardano/ourosync/internal/test"
	"github.com/opencardano/ourosync/protocol"
	"github.com/opencardano/ourosync/protocol/chainsync"
	pcommon "github.com/opencardano/ourosync/protocol/common"

	"go.uber.org/goleak"
)

var (
	clientTestPoint = pcommon.NewPoint(
		23456,
		test.DecodeHexString("0123456789abcdef"),
	)
	clientTestTip = chainsync.Tip{
		Point:       clientTestPoint,
		BlockNumber: 12345,
	}
)

var conversationEntryFindIntersect = mock.ConversationEntry{
	Type:             mock.EntryTypeInput,
	ProtocolId:       chainsync.ProtocolIdNtC,
	InputMessageType: uint(chainsync.MessageTypeFindIntersect),
}

var conversationEntryRequestNext = mock.ConversationEntry{
	Type:             mock.EntryTypeInput,
	ProtocolId:       chainsync.ProtocolIdNtC,
	InputMessageType: uint(chainsync.MessageTypeRequestNext),
}

type testInnerFunc func(*testing.T, *ourosync.Connection)

func runTest(
	t *testing.T,
	conversation []mock.ConversationEntry,
	innerFunc testInnerFunc,
	options ...ourosync.ConnectionOptionFunc,
) {
	defer goleak.VerifyNone(t)
	mockConn := mock.NewConnection(
		mock.ProtocolRoleClient,
		conversation,
	)
	// Async mock connection error handler
	asyncErrChan := make(chan error, 1)
	go func() {
		err, ok := <-mockConn.ErrorChan()
		if ok && err != nil {
			asyncErrChan <- fmt.Errorf("received unexpected error: %w", err)
		}
		close(asyncErrChan)
	}()
	// Build options list
	opts := append(
		[]ourosync.ConnectionOptionFunc{
			ourosync.WithConnection(mockConn),
		},
		options...,
	)
	oConn, err := ourosync.New(opts...)
	if err != nil {
		t.Fatalf("unexpected error when creating connection object: %s", err)
	}
	// Async error handler
	go func() {
		err, ok := <-oConn.ErrorChan()
		if !ok {
			return
		}
		// We can't call t.Fatalf() from a different goroutine, so we panic instead
		panic(fmt.Sprintf("unexpected connection error: %s", err))
	}()
	// Run test inner function
	innerFunc(t, oConn)
	// Wait for mock connection shutdown
	select {
	case err, ok := <-asyncErrChan:
		if ok {
			t.Fatal(err.Error())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("did not complete within timeout")
	}
	// Close connection
	if err := oConn.Close(); err != nil {
		t.Fatalf("unexpected error when closing connection object: %s", err)
	}
	// Wait for connection shutdown
	select {
	case <-oConn.ErrorChan():
	case <-time.After(10 * time.Second):
		t.Errorf("did not shutdown within timeout")
	}
}

func TestIntersectNotFound(t *testing.T) {
	conversation := []mock.ConversationEntry{
		conversationEntryFindIntersect,
		{
			Type:       mock.EntryTypeOutput,
			ProtocolId: chainsync.ProtocolIdNtC,
			IsResponse: true,
			OutputMessages: []protocol.Message{
				chainsync.NewMsgIntersectNotFound(clientTestTip),
			},
		},
	}
	runTest(
		t,
		conversation,
		func(t *testing.T, oConn *ourosync.Connection) {
			// Start sync with "bad" intersect points
			err := oConn.ChainSync().Client.Sync([]pcommon.Point{})
			if err == nil {
				t.Fatalf("did not receive expected error")
			}
			if !errors.Is(err, chainsync.ErrIntersectNotFound) {
				t.Fatalf(
					"did not receive expected error\n  got:    %s\n  wanted: %s",
					err,
					chainsync.ErrIntersectNotFound,
				)
			}
		},
	)
}

func TestFindIntersect(t *testing.T) {
	conversation := []mock.ConversationEntry{
		conversationEntryFindIntersect,
		{
			Type:       mock.EntryTypeOutput,
			ProtocolId: chainsync.ProtocolIdNtC,
			IsResponse: true,
			OutputMessages: []protocol.Message{
				chainsync.NewMsgIntersectFound(clientTestPoint, clientTestTip),
			},
		},
	}
	runTest(
		t,
		conversation,
		func(t *testing.T, oConn *ourosync.Connection) {
			point, tip, err := oConn.ChainSync().Client.FindIntersect(
				[]pcommon.Point{clientTestPoint},
			)
			if err != nil {
				t.Fatalf("received unexpected error: %s", err)
			}
			if !reflect.DeepEqual(point, clientTestPoint) {
				t.Fatalf(
					"did not receive expected intersect point\n  got:    %#v\n  wanted: %#v",
					point,
					clientTestPoint,
				)
			}
			if !reflect.DeepEqual(tip, clientTestTip) {
				t.Fatalf(
					"did not receive expected tip\n  got:    %#v\n  wanted: %#v",
					tip,
					clientTestTip,
				)
			}
		},
	)
}

func TestGetCurrentTip(t *testing.T) {
	conversation := []mock.ConversationEntry{
		conversationEntryFindIntersect,
		{
			Type:       mock.EntryTypeOutput,
			ProtocolId: chainsync.ProtocolIdNtC,
			IsResponse: true,
			OutputMessages: []protocol.Message{
				chainsync.NewMsgIntersectNotFound(clientTestTip),
			},
		},
	}
	runTest(
		t,
		conversation,
		func(t *testing.T, oConn *ourosync.Connection) {
			tip, err := oConn.ChainSync().Client.GetCurrentTip()
			if err != nil {
				t.Fatalf("received unexpected error: %s", err)
			}
			if !reflect.DeepEqual(tip, &clientTestTip) {
				t.Fatalf(
					"did not receive expected tip\n  got:    %#v\n  wanted: %#v",
					tip,
					&clientTestTip,
				)
			}
		},
	)
}

func TestRequestNextRollForward(t *testing.T) {
	blockCbor := test.DecodeHexString("44deadbeef")
	rollForwardMsg, err := chainsync.NewMsgRollForwardNtC(
		2,
		blockCbor,
		clientTestTip,
	)
	if err != nil {
		t.Fatalf("failed to create RollForward message: %s", err)
	}
	conversation := []mock.ConversationEntry{
		conversationEntryRequestNext,
		{
			Type:       mock.EntryTypeOutput,
			ProtocolId: chainsync.ProtocolIdNtC,
			IsResponse: true,
			OutputMessages: []protocol.Message{
				rollForwardMsg,
			},
		},
	}
	runTest(
		t,
		conversation,
		func(t *testing.T, oConn *ourosync.Connection) {
			event, err := oConn.ChainSync().Client.RequestNext()
			if err != nil {
				t.Fatalf("received unexpected error: %s", err)
			}
			if event.Rollback {
				t.Fatalf("did not expect a rollback event")
			}
			if event.BlockType != 2 {
				t.Fatalf(
					"did not receive expected block type: got %d, wanted 2",
					event.BlockType,
				)
			}
			if !reflect.DeepEqual(event.Block, blockCbor) {
				t.Fatalf(
					"did not receive expected block payload\n  got:    %x\n  wanted: %x",
					event.Block,
					blockCbor,
				)
			}
			if !reflect.DeepEqual(event.Tip, clientTestTip) {
				t.Fatalf(
					"did not receive expected tip\n  got:    %#v\n  wanted: %#v",
					event.Tip,
					clientTestTip,
				)
			}
		},
	)
}

func TestRequestNextBlockDecode(t *testing.T) {
	blockCbor := test.DecodeHexString("44deadbeef")
	rollForwardMsg, err := chainsync.NewMsgRollForwardNtC(
		2,
		blockCbor,
		clientTestTip,
	)
	if err != nil {
		t.Fatalf("failed to create RollForward message: %s", err)
	}
	conversation := []mock.ConversationEntry{
		conversationEntryRequestNext,
		{
			Type:       mock.EntryTypeOutput,
			ProtocolId: chainsync.ProtocolIdNtC,
			IsResponse: true,
			OutputMessages: []protocol.Message{
				rollForwardMsg,
			},
		},
	}
	runTest(
		t,
		conversation,
		func(t *testing.T, oConn *ourosync.Connection) {
			event, err := oConn.ChainSync().Client.RequestNext()
			if err != nil {
				t.Fatalf("received unexpected error: %s", err)
			}
			decoded, ok := event.Block.(string)
			if !ok || decoded != "decoded block" {
				t.Fatalf(
					"did not receive expected decoded payload: %#v",
					event.Block,
				)
			}
		},
		ourosync.WithChainSyncConfig(
			chainsync.NewConfig(
				chainsync.WithBlockDecodeFunc(
					func(blockType uint, data []byte) (any, error) {
						if blockType != 2 {
							return nil, fmt.Errorf(
								"unexpected block type: %d",
								blockType,
							)
						}
						if !reflect.DeepEqual(data, blockCbor) {
							return nil, errors.New("unexpected block payload")
						}
						return "decoded block", nil
					},
				),
			),
		),
	)
}

func TestRequestNextAwaitReply(t *testing.T) {
	conversation := []mock.ConversationEntry{
		conversationEntryRequestNext,
		// The server has no update yet and announces that it will reply later
		{
			Type:       mock.EntryTypeOutput,
			ProtocolId: chainsync.ProtocolIdNtC,
			IsResponse: true,
			OutputMessages: []protocol.Message{
				chainsync.NewMsgAwaitReply(),
			},
		},
		{
			Type:       mock.EntryTypeOutput,
			ProtocolId: chainsync.ProtocolIdNtC,
			IsResponse: true,
			OutputMessages: []protocol.Message{
				chainsync.NewMsgRollBackward(clientTestPoint, clientTestTip),
			},
		},
	}
	runTest(
		t,
		conversation,
		func(t *testing.T, oConn *ourosync.Connection) {
			// The AwaitReply is absorbed and the call blocks until the
			// eventual update arrives
			event, err := oConn.ChainSync().Client.RequestNext()
			if err != nil {
				t.Fatalf("received unexpected error: %s", err)
			}
			if !event.Rollback {
				t.Fatalf("expected a rollback event")
			}
			if !reflect.DeepEqual(event.Point, clientTestPoint) {
				t.Fatalf(
					"did not receive expected rollback point\n  got:    %#v\n  wanted: %#v",
					event.Point,
					clientTestPoint,
				)
			}
		},
	)
}

func TestSyncRollForwardCallback(t *testing.T) {
	blockCbor := test.DecodeHexString("44deadbeef")
	rollForwardMsg, err := chainsync.NewMsgRollForwardNtC(
		2,
		blockCbor,
		clientTestTip,
	)
	if err != nil {
		t.Fatalf("failed to create RollForward message: %s", err)
	}
	conversation := []mock.ConversationEntry{
		conversationEntryFindIntersect,
		{
			Type:       mock.EntryTypeOutput,
			ProtocolId: chainsync.ProtocolIdNtC,
			IsResponse: true,
			OutputMessages: []protocol.Message{
				chainsync.NewMsgIntersectFound(clientTestPoint, clientTestTip),
			},
		},
		conversationEntryRequestNext,
		{
			Type:       mock.EntryTypeOutput,
			ProtocolId: chainsync.ProtocolIdNtC,
			IsResponse: true,
			OutputMessages: []protocol.Message{
				rollForwardMsg,
			},
		},
	}
	blockChan := make(chan []byte, 1)
	runTest(
		t,
		conversation,
		func(t *testing.T, oConn *ourosync.Connection) {
			if err := oConn.ChainSync().Client.Sync(
				[]pcommon.Point{clientTestPoint},
			); err != nil {
				t.Fatalf("received unexpected error: %s", err)
			}
			select {
			case block := <-blockChan:
				if !reflect.DeepEqual(block, blockCbor) {
					t.Fatalf(
						"did not receive expected block payload\n  got:    %x\n  wanted: %x",
						block,
						blockCbor,
					)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("did not receive block within timeout")
			}
		},
		ourosync.WithChainSyncConfig(
			chainsync.NewConfig(
				chainsync.WithRollForwardFunc(
					func(
						ctx chainsync.CallbackContext,
						blockType uint,
						block any,
						tip chainsync.Tip,
					) error {
						blockChan <- block.([]byte)
						// Stop the sync after the first block
						return chainsync.ErrStopSyncProcess
					},
				),
			),
		),
	)
}

func TestClientStopThenRequestNext(t *testing.T) {
	conversation := []mock.ConversationEntry{
		// Stop() should send Done
		{
			Type:             mock.EntryTypeInput,
			ProtocolId:       chainsync.ProtocolIdNtC,
			InputMessageType: uint(chainsync.MessageTypeDone),
		},
	}
	runTest(
		t,
		conversation,
		func(t *testing.T, oConn *ourosync.Connection) {
			client := oConn.ChainSync().Client
			if err := client.Stop(); err != nil {
				t.Fatalf("unexpected error when stopping client: %s", err)
			}
			// Requests after stop must fail
			if _, err := client.RequestNext(); err == nil {
				t.Fatalf("did not receive expected error")
			}
		},
	)
}

// A message the server isn't allowed to send in the current state must tear
// the session down with a protocol violation error
func TestProtocolViolationShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)
	conversation := []mock.ConversationEntry{
		// IntersectFound without a FindIntersect request
		{
			Type:       mock.EntryTypeOutput,
			ProtocolId: chainsync.ProtocolIdNtC,
			IsResponse: true,
			OutputMessages: []protocol.Message{
				chainsync.NewMsgIntersectFound(clientTestPoint, clientTestTip),
			},
		},
	}
	mockConn := mock.NewConnection(
		mock.ProtocolRoleClient,
		conversation,
	)
	oConn, err := ourosync.New(
		ourosync.WithConnection(mockConn),
	)
	if err != nil {
		t.Fatalf("unexpected error when creating connection object: %s", err)
	}
	select {
	case err, ok := <-oConn.ErrorChan():
		if !ok {
			t.Fatalf("error channel closed without delivering an error")
		}
		if !errors.Is(err, protocol.ErrProtocolViolationInvalidMessage) {
			t.Fatalf(
				"did not receive expected error\n  got:    %s\n  wanted: %s",
				err,
				protocol.ErrProtocolViolationInvalidMessage,
			)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("did not receive expected error within timeout")
	}
	// Wait for the mock conversation to complete
	for err := range mockConn.ErrorChan() {
		if err != nil {
			t.Fatalf("received unexpected error: %s", err)
		}
	}
	// The connection closes itself on protocol violations
	_ = oConn.Close()
	select {
	case <-oConn.ErrorChan():
	case <-time.After(10 * time.Second):
		t.Errorf("did not shutdown within timeout")
	}
}
