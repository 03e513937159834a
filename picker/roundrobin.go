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

package picker

import (
	"sync/atomic"

	"github.com/svchttp/svchttp/conn"
	"github.com/svchttp/svchttp/internal"
)

//nolint:gochecknoglobals
var (
	// RoundRobinFactory creates pickers that select connections in
	// sequential order. To mitigate the risk of a "thundering herd"
	// when many clients are rebuilt at once, the order of connections
	// is randomized each time the set changes.
	RoundRobinFactory Factory = roundRobinFactory{}
)

type roundRobinFactory struct{}

func (f roundRobinFactory) New(_ Picker, allConns conn.Conns) Picker {
	rnd := internal.NewRand()
	numConns := allConns.Len()
	conns := make([]conn.Conn, numConns)
	for i := 0; i < numConns; i++ {
		conns[i] = allConns.Get(i)
	}
	rnd.Shuffle(numConns, func(i, j int) {
		conns[i], conns[j] = conns[j], conns[i]
	})
	p := &roundRobin{conns: conns}
	p.counter.Store(-1)
	return p
}

type roundRobin struct {
	conns []conn.Conn
	// +checkatomic
	counter atomic.Int64
}

// Pick advances the rotating cursor modulo the active count. A connection
// already at its in-flight limit is skipped; after a full lap with every
// candidate saturated, Pick fails rather than blocking.
func (r *roundRobin) Pick() (conn.Conn, error) {
	for range r.conns {
		candidate := r.conns[uint64(r.counter.Add(1))%uint64(len(r.conns))]
		if candidate.Pending() < candidate.Limit() {
			return candidate, nil
		}
	}
	return nil, ErrNoAvailableConns
}
