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

package message

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

var (
	// ErrBodyConsumed is returned when a body is consumed a second time.
	// Bodies are single-consumption sequences.
	ErrBodyConsumed = errors.New("message: body already consumed")
	// ErrBodyClosed is returned from Next after the consumer cancelled
	// the body with Close.
	ErrBodyClosed = errors.New("message: body closed")
)

// Body is a lazy, demand-driven sequence of chunks. It is single-consumer:
// chunks are delivered at most once, in production order. The consumer
// pulls with Next and owns (must release) each returned chunk. Close
// cancels consumption; cancellation stops production upstream and is not
// an error.
type Body struct {
	ch  chan *Chunk
	eof chan struct{} // closed by the producer after the last chunk

	closeOnce sync.Once
	done      chan struct{} // closed by the consumer on cancel

	consumed  atomic.Bool
	exhausted atomic.Bool

	mu  sync.Mutex
	err error // terminal error, set before eof is closed
}

// PipeWriter is the producer side of a body pipe. Writes block until the
// consumer demands the chunk, which is what provides backpressure: the
// producer never runs ahead of consumer demand.
type PipeWriter struct {
	b       *Body
	endOnce sync.Once
}

// NewPipe returns a connected body and producer. The producer must call
// Close (or CloseWithError) when it has no more chunks to deliver.
func NewPipe() (*Body, *PipeWriter) {
	b := &Body{
		ch:   make(chan *Chunk),
		eof:  make(chan struct{}),
		done: make(chan struct{}),
	}
	return b, &PipeWriter{b: b}
}

// BodyOf returns a fully-buffered body delivering the given chunks.
func BodyOf(chunks ...*Chunk) *Body {
	b := &Body{
		ch:   make(chan *Chunk, len(chunks)),
		eof:  make(chan struct{}),
		done: make(chan struct{}),
	}
	for _, c := range chunks {
		b.ch <- c
	}
	close(b.eof)
	return b
}

// BodyOfBytes returns a fully-buffered body delivering the given byte
// slices, one chunk each.
func BodyOfBytes(data ...[]byte) *Body {
	chunks := make([]*Chunk, len(data))
	for i, d := range data {
		chunks[i] = NewChunk(d)
	}
	return BodyOf(chunks...)
}

// EmptyBody returns a body with no chunks.
func EmptyBody() *Body {
	return BodyOf()
}

// Next returns the next chunk, blocking until one is produced. It returns
// io.EOF after the final chunk, ErrBodyClosed if the consumer already
// cancelled, or the producer's terminal error. The caller owns the
// returned chunk and must release it.
func (b *Body) Next(ctx context.Context) (*Chunk, error) {
	b.consumed.Store(true)
	select {
	case <-b.done:
		return nil, ErrBodyClosed
	default:
	}
	// Buffered bodies may hold chunks even after eof is closed, so always
	// try a non-blocking receive first.
	select {
	case c := <-b.ch:
		return c, nil
	default:
	}
	select {
	case c := <-b.ch:
		return c, nil
	case <-b.eof:
		select {
		case c := <-b.ch:
			return c, nil
		default:
		}
		b.exhausted.Store(true)
		return nil, b.terminalErr()
	case <-b.done:
		return nil, ErrBodyClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close cancels consumption. Any undelivered chunks are released and the
// producer's subsequent writes become no-ops. Close is idempotent and
// never an error; cancelling a body that was already exhausted is a no-op.
func (b *Body) Close() error {
	b.closeOnce.Do(func() {
		b.consumed.Store(true)
		close(b.done)
		// Release anything buffered that will never be delivered.
		for {
			select {
			case c := <-b.ch:
				c.Release()
			default:
				return
			}
		}
	})
	return nil
}

// Consumed reports whether any consumer has begun pulling from (or has
// cancelled) the body. The automatic drain policy uses this to decide
// whether a terminal handler abandoned the body.
func (b *Body) Consumed() bool {
	return b.consumed.Load()
}

// Exhausted reports whether the body was pulled through its final chunk.
func (b *Body) Exhausted() bool {
	return b.exhausted.Load()
}

func (b *Body) terminalErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	return io.EOF
}

// Write delivers one chunk to the consumer, blocking until the consumer
// demands it. If the consumer has cancelled, the chunk is released and
// Write returns nil: producing after cancellation is a no-op, not an
// error. The given context bounds how long the producer will wait for
// demand.
func (w *PipeWriter) Write(ctx context.Context, c *Chunk) error {
	select {
	case <-w.b.done:
		c.Release()
		return nil
	default:
	}
	select {
	case w.b.ch <- c:
		return nil
	case <-w.b.done:
		c.Release()
		return nil
	case <-ctx.Done():
		c.Release()
		return ctx.Err()
	}
}

// Cancelled reports whether the consumer cancelled the body. Producers
// reading from an expensive source may poll this to stop early rather
// than discover cancellation on the next Write.
func (w *PipeWriter) Cancelled() bool {
	select {
	case <-w.b.done:
		return true
	default:
		return false
	}
}

// Close marks the normal end of the body.
func (w *PipeWriter) Close() error {
	return w.CloseWithError(nil)
}

// CloseWithError terminates the body with the given error. A nil error is
// equivalent to Close. Only the first call has any effect.
func (w *PipeWriter) CloseWithError(err error) error {
	w.endOnce.Do(func() {
		w.b.mu.Lock()
		w.b.err = err
		w.b.mu.Unlock()
		close(w.b.eof)
	})
	return nil
}

// Drain consumes and discards the remainder of the body, releasing each
// chunk. It is how the framework keeps pipelined connections usable when
// a handler returns without reading a body: unread bytes must still come
// off the wire or the next message on the connection would stall. Drain
// of an exhausted or cancelled body is a no-op.
func Drain(ctx context.Context, body *Body) error {
	if body == nil {
		return nil
	}
	for {
		c, err := body.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, ErrBodyClosed) {
				return nil
			}
			return err
		}
		c.Release()
	}
}

// Aggregate consumes the entire body into one contiguous byte slice. It
// fails with ErrBodyConsumed if consumption already began. Since the
// result is fully buffered, a message aggregated this way needs no
// automatic drain.
func Aggregate(ctx context.Context, body *Body) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	if !body.consumed.CompareAndSwap(false, true) {
		return nil, ErrBodyConsumed
	}
	var buf []byte
	for {
		c, err := body.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return buf, nil
			}
			return nil, err
		}
		buf = append(buf, c.Bytes()...)
		c.Release()
	}
}
