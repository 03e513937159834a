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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkRetainRelease(t *testing.T) {
	t.Parallel()
	freed := 0
	chunk := newTrackedChunk([]byte("abc"), func() { freed++ })
	chunk.Retain()
	chunk.Release()
	assert.Zero(t, freed)
	chunk.Release()
	assert.Equal(t, 1, freed)
}

func TestChunkOverReleasePanics(t *testing.T) {
	t.Parallel()
	chunk := NewChunk([]byte("abc"))
	chunk.Release()
	assert.Panics(t, func() { chunk.Release() })
}

func TestAllocatorRecyclesBuffers(t *testing.T) {
	t.Parallel()
	alloc := NewAllocator(16)
	chunk := alloc.NewChunk([]byte("hello"))
	require.Equal(t, "hello", string(chunk.Bytes()))
	assert.Equal(t, 5, chunk.Len())
	chunk.Release()

	// Oversized data still works, just unpooled.
	big := alloc.NewChunk(make([]byte, 64))
	assert.Equal(t, 64, big.Len())
	big.Release()
}
