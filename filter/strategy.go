// Copyright 2025 The svchttp Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package filter

import "strings"

// Strategy declares, per operation class, whether invoking a handler for
// that class may block and therefore must be offloaded from the
// connection's I/O goroutine. Strategies merge by bitwise OR, so the
// strongest requirement among a chain's filters and its terminal handler
// wins.
type Strategy uint8

const (
	// OffloadReceiveMetadata offloads delivery of request/response
	// metadata to the handler.
	OffloadReceiveMetadata Strategy = 1 << iota
	// OffloadReceiveData offloads delivery of each body chunk.
	OffloadReceiveData
	// OffloadSend offloads production of outgoing messages.
	OffloadSend
)

// OffloadNone declares that every handler in the chain is non-blocking
// and may run directly on the I/O goroutine.
const OffloadNone Strategy = 0

// OffloadAll offloads every operation class. It is the safe default for
// handlers whose blocking behavior is unknown.
const OffloadAll = OffloadReceiveMetadata | OffloadReceiveData | OffloadSend

// Merge returns the union of the two strategies.
func (s Strategy) Merge(other Strategy) Strategy {
	return s | other
}

// Offloads reports whether the strategy requires offloading every
// operation class named by mask.
func (s Strategy) Offloads(mask Strategy) bool {
	return s&mask == mask
}

func (s Strategy) String() string {
	if s == OffloadNone {
		return "offload-none"
	}
	var parts []string
	if s.Offloads(OffloadReceiveMetadata) {
		parts = append(parts, "receive-metadata")
	}
	if s.Offloads(OffloadReceiveData) {
		parts = append(parts, "receive-data")
	}
	if s.Offloads(OffloadSend) {
		parts = append(parts, "send")
	}
	return "offload-" + strings.Join(parts, ",")
}
