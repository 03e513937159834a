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

// Package prototest provides a minimal length-prefixed wire protocol for
// tests. Frames are a one-byte type tag followed by uvarint-prefixed
// fields; it exists so client, connection, and server tests can exchange
// real streaming messages without an external codec.
package prototest

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/svchttp/svchttp/codec"
	"github.com/svchttp/svchttp/message"
)

const (
	frameRequest  = 'Q'
	frameResponse = 'S'
	frameChunk    = 'D'
	frameEnd      = 'E'
)

// Protocol implements codec.Protocol over the test wire format.
type Protocol struct {
	// PipelineDepth is the pipelining depth reported to callers. Zero
	// means 1.
	PipelineDepth int
}

func (p *Protocol) Name() string {
	return "prototest"
}

func (p *Protocol) Version() message.Version {
	return message.HTTP11
}

func (p *Protocol) MaxPipelinedRequests() int {
	if p.PipelineDepth < 1 {
		return 1
	}
	return p.PipelineDepth
}

func (p *Protocol) NewClientCodec(rw io.ReadWriter) codec.ClientCodec {
	return &clientCodec{wire: newWire(rw)}
}

func (p *Protocol) NewServerCodec(rw io.ReadWriter) codec.ServerCodec {
	return &serverCodec{wire: newWire(rw)}
}

type wire struct {
	r *bufio.Reader
	w *bufio.Writer
}

func newWire(rw io.ReadWriter) *wire {
	return &wire{r: bufio.NewReader(rw), w: bufio.NewWriter(rw)}
}

func (c *wire) writeString(s string) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(s)))
	if _, err := c.w.Write(buf[:n]); err != nil {
		return err
	}
	_, err := c.w.WriteString(s)
	return err
}

func (c *wire) readString() (string, error) {
	n, err := binary.ReadUvarint(c.r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (c *wire) writeUvarint(v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	_, err := c.w.Write(buf[:n])
	return err
}

func (c *wire) writeHeaders(headers *message.Headers) error {
	if err := c.writeUvarint(uint64(headers.Len())); err != nil {
		return err
	}
	var werr error
	headers.Range(func(name, value string) bool {
		if werr = c.writeString(name); werr != nil {
			return false
		}
		werr = c.writeString(value)
		return werr == nil
	})
	return werr
}

func (c *wire) readHeaders() (*message.Headers, error) {
	count, err := binary.ReadUvarint(c.r)
	if err != nil {
		return nil, err
	}
	headers := message.NewHeaders()
	for i := uint64(0); i < count; i++ {
		name, err := c.readString()
		if err != nil {
			return nil, err
		}
		value, err := c.readString()
		if err != nil {
			return nil, err
		}
		headers.Add(name, value)
	}
	return headers, nil
}

// writeChunk writes one body data frame and flushes, so streamed chunks
// are observable by the peer as they are produced.
func (c *wire) writeChunk(data []byte) error {
	if err := c.w.WriteByte(frameChunk); err != nil {
		return err
	}
	if err := c.writeUvarint(uint64(len(data))); err != nil {
		return err
	}
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *wire) writeEnd() error {
	if err := c.w.WriteByte(frameEnd); err != nil {
		return err
	}
	return c.w.Flush()
}

// readChunk returns the next data frame, or io.EOF at the end-of-message
// frame.
func (c *wire) readChunk() ([]byte, error) {
	tag, err := c.r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case frameEnd:
		return nil, io.EOF
	case frameChunk:
		n, err := binary.ReadUvarint(c.r)
		if err != nil {
			return nil, err
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(c.r, data); err != nil {
			return nil, err
		}
		return data, nil
	default:
		return nil, fmt.Errorf("prototest: unexpected frame %q in body", tag)
	}
}

func (c *wire) expect(tag byte) error {
	got, err := c.r.ReadByte()
	if err != nil {
		return err
	}
	if got != tag {
		return fmt.Errorf("prototest: expected frame %q, got %q", tag, got)
	}
	return nil
}

type clientCodec struct {
	wire *wire
}

func (c *clientCodec) WriteRequest(head *codec.RequestHead) error {
	if err := c.wire.w.WriteByte(frameRequest); err != nil {
		return err
	}
	if err := c.wire.writeString(head.Method); err != nil {
		return err
	}
	if err := c.wire.writeString(head.Path); err != nil {
		return err
	}
	if err := c.wire.writeUvarint(uint64(head.Version)); err != nil {
		return err
	}
	if err := c.wire.writeHeaders(head.Headers); err != nil {
		return err
	}
	return c.wire.w.Flush()
}

func (c *clientCodec) WriteChunk(data []byte) error {
	return c.wire.writeChunk(data)
}

func (c *clientCodec) WriteEnd() error {
	return c.wire.writeEnd()
}

func (c *clientCodec) ReadResponse() (*codec.ResponseHead, error) {
	if err := c.wire.expect(frameResponse); err != nil {
		return nil, err
	}
	status, err := binary.ReadUvarint(c.wire.r)
	if err != nil {
		return nil, err
	}
	version, err := binary.ReadUvarint(c.wire.r)
	if err != nil {
		return nil, err
	}
	headers, err := c.wire.readHeaders()
	if err != nil {
		return nil, err
	}
	return &codec.ResponseHead{
		Status:  int(status),
		Version: message.Version(version),
		Headers: headers,
	}, nil
}

func (c *clientCodec) ReadChunk() ([]byte, error) {
	return c.wire.readChunk()
}

type serverCodec struct {
	wire *wire
}

func (c *serverCodec) ReadRequest() (*codec.RequestHead, error) {
	// A clean close between messages surfaces as io.EOF from the first
	// byte read.
	tag, err := c.wire.r.ReadByte()
	if err != nil {
		return nil, err
	}
	if tag != frameRequest {
		return nil, fmt.Errorf("prototest: expected frame %q, got %q", frameRequest, tag)
	}
	method, err := c.wire.readString()
	if err != nil {
		return nil, err
	}
	path, err := c.wire.readString()
	if err != nil {
		return nil, err
	}
	version, err := binary.ReadUvarint(c.wire.r)
	if err != nil {
		return nil, err
	}
	headers, err := c.wire.readHeaders()
	if err != nil {
		return nil, err
	}
	return &codec.RequestHead{
		Method:  method,
		Path:    path,
		Version: message.Version(version),
		Headers: headers,
	}, nil
}

func (c *serverCodec) ReadChunk() ([]byte, error) {
	return c.wire.readChunk()
}

func (c *serverCodec) WriteResponse(head *codec.ResponseHead) error {
	if err := c.wire.w.WriteByte(frameResponse); err != nil {
		return err
	}
	if err := c.wire.writeUvarint(uint64(head.Status)); err != nil {
		return err
	}
	if err := c.wire.writeUvarint(uint64(head.Version)); err != nil {
		return err
	}
	if err := c.wire.writeHeaders(head.Headers); err != nil {
		return err
	}
	return c.wire.w.Flush()
}

func (c *serverCodec) WriteChunk(data []byte) error {
	return c.wire.writeChunk(data)
}

func (c *serverCodec) WriteEnd() error {
	return c.wire.writeEnd()
}
