/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package asock

import "fmt"

// State is the lifecycle state of a Socket.
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateListening
	StateEstablished
	StateClosing
	StateClosed
	StateErrored
)

var stateNames = [...]string{
	StateCreated:     "created",
	StateConnecting:  "connecting",
	StateListening:   "listening",
	StateEstablished: "established",
	StateClosing:     "closing",
	StateClosed:      "closed",
	StateErrored:     "errored",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

func bit(s State) uint32 { return 1 << uint(s) }

// edges[from] is the set of states reachable from `from` in one step.
var edges = [...]uint32{
	StateCreated:     bit(StateConnecting) | bit(StateListening) | bit(StateClosing) | bit(StateErrored),
	StateConnecting:  bit(StateEstablished) | bit(StateClosing) | bit(StateErrored),
	StateListening:   bit(StateEstablished) | bit(StateClosing) | bit(StateErrored),
	StateEstablished: bit(StateClosing) | bit(StateErrored),
	StateClosing:     bit(StateClosed) | bit(StateErrored),
}

// ValidTransition reports whether from -> to is an edge of the socket
// lifecycle. Listening -> Established is the edge taken by an accepted
// connection; the listener itself stays Listening.
func ValidTransition(from, to State) bool {
	if from < 0 || int(from) >= len(edges) {
		return false
	}
	return edges[from]&bit(to) != 0
}
