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

package protocol

import (
	"time"
)

// Agency values denote which side is allowed to send from a given state
const (
	AgencyNone   uint = 0
	AgencyClient uint = 1
	AgencyServer uint = 2
)

// State represents protocol state with both a numeric ID and a name
type State struct {
	Id   uint
	Name string
}

// NewState returns a new State object with the provided numeric ID and name
func NewState(id uint, name string) State {
	return State{
		Id:   id,
		Name: name,
	}
}

func (s State) String() string {
	return s.Name
}

// StateTransitionMatchFunc represents a function used to filter state
// transitions based on the content of the message
type StateTransitionMatchFunc func(any, Message) bool

// StateTransition represents a protocol state transition
type StateTransition struct {
	MsgType   uint8
	NewState  State
	MatchFunc StateTransitionMatchFunc
}

// StateMapEntry represents a protocol state, it's possible transitions,
// and an optional timeout
type StateMapEntry struct {
	Agency      uint
	Transitions []StateTransition
	Timeout     time.Duration
}

// StateMap represents the state machine definition for a mini-protocol
type StateMap map[State]StateMapEntry

// Copy returns a copy of the state map. This is mostly for convenience,
// since we need to copy the state map in various places
func (s StateMap) Copy() StateMap {
	ret := StateMap{}
	for k, v := range s {
		ret[k] = v
	}
	return ret
}

// Transition resolves the next state for the given message from the given
// state. It returns false if the message is not valid in that state
func (s StateMap) Transition(
	currentState State,
	msg Message,
	context any,
) (State, bool) {
	entry, ok := s[currentState]
	if !ok {
		return State{}, false
	}
	for _, transition := range entry.Transitions {
		if transition.MsgType != msg.Type() {
			continue
		}
		if transition.MatchFunc != nil && !transition.MatchFunc(context, msg) {
			continue
		}
		return transition.NewState, true
	}
	return State{}, false
}
