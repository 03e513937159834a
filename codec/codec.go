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

// Package codec defines the contracts this framework consumes from the
// wire-level byte⇄message transcoder, the security negotiator, and the
// payload serializer. Implementations live outside this module; the
// framework only requires that codecs preserve header order and support
// bodies of unknown length.
package codec

import (
	"context"
	"io"
	"net"

	"github.com/svchttp/svchttp/message"
)

// RequestHead is the eagerly-decoded metadata of a request.
type RequestHead struct {
	Method  string
	Path    string
	Version message.Version
	Headers *message.Headers
}

// ResponseHead is the eagerly-decoded metadata of a response.
type ResponseHead struct {
	Status  int
	Version message.Version
	Headers *message.Headers
}

// ClientCodec transcodes one side of a client connection: it encodes
// requests onto the transport and decodes responses off of it. A codec is
// bound to a single duplex transport and is used by one reader and one
// writer goroutine at a time per direction.
type ClientCodec interface {
	// WriteRequest encodes request metadata. Body chunks follow via
	// WriteChunk, terminated by WriteEnd.
	WriteRequest(head *RequestHead) error
	WriteChunk(data []byte) error
	WriteEnd() error

	// ReadResponse decodes the next response's metadata.
	ReadResponse() (*ResponseHead, error)
	// ReadChunk returns the next body chunk, or io.EOF at the end of the
	// current message.
	ReadChunk() ([]byte, error)
}

// ServerCodec transcodes one side of a server connection: it decodes
// requests off the transport and encodes responses onto it.
type ServerCodec interface {
	// ReadRequest decodes the next request's metadata. It returns io.EOF
	// when the peer closes the connection cleanly between messages.
	ReadRequest() (*RequestHead, error)
	// ReadChunk returns the next body chunk, or io.EOF at the end of the
	// current message.
	ReadChunk() ([]byte, error)

	WriteResponse(head *ResponseHead) error
	WriteChunk(data []byte) error
	WriteEnd() error
}

// Protocol describes one HTTP protocol version: how to construct codecs
// for it and how deep request pipelining may go on one connection.
// Pipelining depth is an explicit per-protocol decision; it is never
// inferred. A depth of 1 means strict one-in-flight.
type Protocol interface {
	Name() string
	Version() message.Version
	// MaxPipelinedRequests returns the number of requests that may be in
	// flight on a single connection.
	MaxPipelinedRequests() int
	NewClientCodec(rw io.ReadWriter) ClientCodec
	NewServerCodec(rw io.ReadWriter) ServerCodec
}

// Negotiator upgrades an established transport connection to a secure
// channel, optionally for the given SNI server name.
type Negotiator interface {
	Negotiate(ctx context.Context, rawConn net.Conn, serverName string) (net.Conn, error)
}

// Serializer converts between typed values and body chunk sequences. It
// is responsible for checking and setting the content-type header.
type Serializer interface {
	Serialize(v any, headers *message.Headers) (*message.Body, error)
	Deserialize(ctx context.Context, body *message.Body, headers *message.Headers, out any) error
}
