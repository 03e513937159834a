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

package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/svchttp/svchttp/codec"
	"github.com/svchttp/svchttp/message"
	"github.com/svchttp/svchttp/resolver"
)

//nolint:gochecknoglobals
var defaultNetDialer = &net.Dialer{
	Timeout:   30 * time.Second,
	KeepAlive: 30 * time.Second,
}

// Dialer establishes client connections. The zero value is not usable;
// Protocol is required.
type Dialer struct {
	// DialFunc establishes the raw transport. If nil, a default
	// net.Dialer with 30-second timeout and keep-alive is used.
	DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)
	// Negotiator, if non-nil, upgrades the raw transport to a secure
	// channel before any HTTP processing.
	Negotiator codec.Negotiator
	// ServerName is the SNI name passed to the negotiator.
	ServerName string
	// Protocol supplies the wire codec and the pipelining depth.
	Protocol codec.Protocol
	// WireLogger, if non-nil, logs raw transport reads and writes.
	WireLogger *zap.Logger
}

// Dial establishes a connection to the given address. onClose, if
// non-nil, is invoked exactly once when the connection terminates, with
// the error that killed it (nil for deliberate close); pools use it to
// mark the endpoint degraded and re-dial.
func (d *Dialer) Dial(ctx context.Context, addr resolver.Address, onClose func(error)) (Conn, error) {
	dial := d.DialFunc
	if dial == nil {
		dial = defaultNetDialer.DialContext
	}
	transport, err := dial(ctx, "tcp", addr.HostPort)
	if err != nil {
		return nil, fmt.Errorf("conn: dial %s: %w", addr.HostPort, err)
	}
	if d.Negotiator != nil {
		secured, err := d.Negotiator.Negotiate(ctx, transport, d.ServerName)
		if err != nil {
			_ = transport.Close()
			return nil, fmt.Errorf("conn: negotiate %s: %w", addr.HostPort, err)
		}
		transport = secured
	}
	var rw io.ReadWriter = transport
	if d.WireLogger != nil {
		rw = WireLog(rw, d.WireLogger)
	}
	limit := d.Protocol.MaxPipelinedRequests()
	if limit < 1 {
		limit = 1
	}
	readCtx, readCancel := context.WithCancel(context.Background())
	c := &dialedConn{
		addr:       addr,
		transport:  transport,
		codec:      d.Protocol.NewClientCodec(rw),
		limit:      limit,
		readQ:      make(chan *exchange, limit),
		done:       make(chan struct{}),
		idle:       make(chan struct{}, 1),
		readCancel: readCancel,
		onClose:    onClose,
	}
	go c.readLoop(readCtx)
	return c, nil
}

// exchange is one in-flight request awaiting its response. Responses are
// matched to exchanges strictly in write order.
type exchange struct {
	respCh chan *message.Response
	errCh  chan error
}

type dialedConn struct {
	addr      resolver.Address
	transport net.Conn
	codec     codec.ClientCodec
	limit     int
	onClose   func(error)

	pending atomic.Int32

	// writeMu serializes request writes; the read queue is filled under
	// it so queue order always matches wire order.
	writeMu sync.Mutex
	readQ   chan *exchange

	mu       sync.Mutex
	closing  bool
	closed   bool
	closeErr error

	done chan struct{} // closed when the transport is torn down
	idle chan struct{} // signalled when an exchange completes

	// readCancel aborts the read loop's pipe writes, so teardown releases
	// a read loop parked on an abandoned body's demand.
	readCancel context.CancelFunc
}

func (c *dialedConn) Address() resolver.Address {
	return c.addr
}

func (c *dialedConn) Pending() int {
	return int(c.pending.Load())
}

func (c *dialedConn) Limit() int {
	return c.limit
}

func (c *dialedConn) Exchange(ctx context.Context, req *message.Request) (*message.Response, error) {
	if int(c.pending.Add(1)) > c.limit {
		c.pending.Add(-1)
		return nil, ErrBusy
	}
	ex := &exchange{
		respCh: make(chan *message.Response, 1),
		errCh:  make(chan error, 1),
	}
	if err := c.writeRequest(ctx, req, ex); err != nil {
		c.pending.Add(-1)
		return nil, err
	}
	select {
	case resp := <-ex.respCh:
		return resp, nil
	case err := <-ex.errCh:
		return nil, err
	case <-ctx.Done():
		// The response may be mid-frame; framing on this connection can
		// no longer be trusted, so tear it down.
		c.teardown(ctx.Err())
		return nil, ctx.Err()
	}
}

func (c *dialedConn) writeRequest(ctx context.Context, req *message.Request, ex *exchange) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// Enqueue under mu so teardown either sees the exchange in the queue
	// or this write observes the closing state; the pending reservation
	// guarantees the queue has room.
	c.mu.Lock()
	if c.closing || c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.readQ <- ex
	c.mu.Unlock()

	head := &codec.RequestHead{
		Method:  req.Method,
		Path:    req.Path,
		Version: req.Version,
		Headers: req.Headers(),
	}
	if err := c.codec.WriteRequest(head); err != nil {
		c.teardown(err)
		return fmt.Errorf("conn: write request: %w", err)
	}
	body := req.Body()
	for {
		chunk, err := body.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			c.teardown(err)
			return fmt.Errorf("conn: read request body: %w", err)
		}
		werr := c.codec.WriteChunk(chunk.Bytes())
		chunk.Release()
		if werr != nil {
			c.teardown(werr)
			return fmt.Errorf("conn: write request body: %w", werr)
		}
	}
	if err := c.codec.WriteEnd(); err != nil {
		c.teardown(err)
		return fmt.Errorf("conn: finish request: %w", err)
	}
	return nil
}

// readLoop owns all reads from the codec. It pairs responses with queued
// exchanges in FIFO order and pumps each response body through a pipe,
// which blocks on consumer demand. A cancelled body keeps being read off
// the wire (writes into a cancelled pipe discard), so a consumer that
// abandons a body never desynchronizes framing for the next exchange.
// ctx is cancelled by teardown: a close must release a loop that is
// parked waiting for demand on a body nobody consumes anymore.
func (c *dialedConn) readLoop(ctx context.Context) {
	for {
		var ex *exchange
		select {
		case ex = <-c.readQ:
		case <-c.done:
			return
		}
		head, err := c.codec.ReadResponse()
		if err != nil {
			ex.errCh <- fmt.Errorf("conn: read response: %w", err)
			c.exchangeDone()
			c.teardown(err)
			return
		}
		body, pw := message.NewPipe()
		resp := message.NewResponse(head.Status, head.Headers, body)
		resp.Version = head.Version
		ex.respCh <- resp

		for {
			data, err := c.codec.ReadChunk()
			if err != nil {
				if errors.Is(err, io.EOF) {
					_ = pw.Close()
					break
				}
				_ = pw.CloseWithError(fmt.Errorf("conn: read response body: %w", err))
				c.exchangeDone()
				c.teardown(err)
				return
			}
			if err := pw.Write(ctx, message.NewChunk(data)); err != nil {
				// Only teardown cancels ctx; the chunk was already
				// released by the failed write.
				_ = pw.CloseWithError(ErrClosed)
				c.exchangeDone()
				c.teardown(err)
				return
			}
		}
		c.exchangeDone()
	}
}

func (c *dialedConn) exchangeDone() {
	c.pending.Add(-1)
	select {
	case c.idle <- struct{}{}:
	default:
	}
}

func (c *dialedConn) GracefulClose(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	for c.pending.Load() > 0 {
		select {
		case <-c.idle:
		case <-c.done:
			return nil
		case <-ctx.Done():
			c.teardown(nil)
			return ctx.Err()
		}
	}
	c.teardown(nil)
	return nil
}

func (c *dialedConn) Close() error {
	c.teardown(nil)
	return nil
}

// teardown closes the transport and fails any exchanges still queued.
// It is idempotent; only the first call's error is kept and reported to
// the onClose hook.
func (c *dialedConn) teardown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closing = true
	c.closeErr = err
	c.mu.Unlock()

	close(c.done)
	c.readCancel()
	_ = c.transport.Close()
	for {
		select {
		case ex := <-c.readQ:
			ex.errCh <- ErrClosed
			c.pending.Add(-1)
		default:
			if c.onClose != nil {
				c.onClose(err)
			}
			return
		}
	}
}
