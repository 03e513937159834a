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

// Package conn provides the representation of a logical connection: a
// single transport-bound duplex channel that executes streaming
// request/response exchanges against one resolved address. Connections
// are the unit of load balancing; each belongs to exactly one pool.
package conn

import (
	"context"
	"errors"

	"github.com/svchttp/svchttp/message"
	"github.com/svchttp/svchttp/resolver"
)

var (
	// ErrClosed is returned when an exchange is attempted on a closed or
	// closing connection.
	ErrClosed = errors.New("conn: connection closed")
	// ErrBusy is returned when an exchange is attempted on a connection
	// that is already at its in-flight limit.
	ErrBusy = errors.New("conn: connection at concurrency limit")
)

// Conn is a logical connection to a resolved address.
type Conn interface {
	// Exchange executes one request/response exchange. The request body
	// is pulled and written to the wire; the returned response carries
	// eagerly-decoded metadata and a lazy body that decodes off the wire
	// on demand. The response body must be consumed or closed for the
	// exchange to complete and its in-flight slot to free up.
	Exchange(ctx context.Context, req *message.Request) (*message.Response, error)

	// Address is the resolved address this connection is bound to.
	Address() resolver.Address

	// Pending returns the number of in-flight exchanges.
	Pending() int
	// Limit returns the maximum number of in-flight exchanges, as fixed
	// by the connection's protocol version (1 unless pipelining is
	// explicitly configured).
	Limit() int

	// GracefulClose finishes in-flight exchanges, rejects new ones, then
	// closes the transport. The context bounds the wait.
	GracefulClose(ctx context.Context) error
	// Close aborts in-flight exchanges and closes the transport,
	// releasing all buffered chunks.
	Close() error
}

// Conns is a read-only set of connections, as handed to pickers.
type Conns interface {
	Len() int
	Get(i int) Conn
}

// FromSlice returns a Conns view over the given slice.
func FromSlice(conns []Conn) Conns {
	return connSlice(conns)
}

type connSlice []Conn

func (c connSlice) Len() int {
	return len(c)
}

func (c connSlice) Get(i int) Conn {
	return c[i]
}
