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
	"sync"
	"sync/atomic"
)

// Chunk is an immutable span of body bytes. A chunk is owned by whichever
// stage currently holds it and must be released exactly once, by the last
// holder, after the final read. Retain adds a holder; the chunk's backing
// buffer is returned to its pool (if pooled) when the last holder releases.
type Chunk struct {
	data []byte
	refs atomic.Int32
	free func([]byte)
}

// NewChunk returns an unpooled chunk wrapping the given bytes. The caller
// must not modify data after handing the chunk off.
func NewChunk(data []byte) *Chunk {
	c := &Chunk{data: data}
	c.refs.Store(1)
	return c
}

// Bytes returns the chunk's contents. The returned slice is valid only
// until the chunk is released.
func (c *Chunk) Bytes() []byte {
	return c.data
}

// Len returns the number of bytes in the chunk.
func (c *Chunk) Len() int {
	return len(c.data)
}

// Retain adds a reference so an additional holder may release the chunk.
func (c *Chunk) Retain() *Chunk {
	c.refs.Add(1)
	return c
}

// Release drops one reference. The last release frees the backing buffer.
func (c *Chunk) Release() {
	refs := c.refs.Add(-1)
	if refs > 0 {
		return
	}
	if refs < 0 {
		panic("message: chunk released more times than retained")
	}
	if c.free != nil {
		c.free(c.data)
		c.free = nil
	}
	c.data = nil
}

// Allocator hands out chunks whose backing buffers are recycled through a
// [sync.Pool]. The zero value is not usable; use NewAllocator.
type Allocator struct {
	pool sync.Pool
	size int
}

// NewAllocator returns an allocator that pools buffers of the given size.
func NewAllocator(bufferSize int) *Allocator {
	a := &Allocator{size: bufferSize}
	a.pool.New = func() any {
		return make([]byte, bufferSize)
	}
	return a
}

// NewChunk copies the given bytes into a pooled buffer and returns a chunk
// backed by it. Data longer than the allocator's buffer size falls back to
// an unpooled chunk.
func (a *Allocator) NewChunk(data []byte) *Chunk {
	if len(data) > a.size {
		return NewChunk(append([]byte(nil), data...))
	}
	buf, _ := a.pool.Get().([]byte)
	n := copy(buf, data)
	c := &Chunk{data: buf[:n], free: func([]byte) { a.pool.Put(buf) }} //nolint:staticcheck // buf is pool-sized
	c.refs.Store(1)
	return c
}
