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

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// handler is the minimal handler kind used by these tests.
type handler func(input string) string

func prefix(p string) Filter[handler] {
	return func(next handler) handler {
		return func(input string) string {
			return next(p + input)
		}
	}
}

func suffix(s string) Filter[handler] {
	return func(next handler) handler {
		return func(input string) string {
			return next(input) + s
		}
	}
}

func TestChainOrder(t *testing.T) {
	t.Parallel()
	chain := NewChain[handler]()
	require.NoError(t, chain.Append(prefix("1")))
	require.NoError(t, chain.Append(prefix("2")))
	require.NoError(t, chain.Append(prefix("3")))
	require.Equal(t, 3, chain.Len())

	terminal := handler(func(input string) string { return input })
	built := chain.Build(terminal)
	// The first appended filter observes the input first.
	assert.Equal(t, "123x", built("x"))
}

func TestChainOutputOrderIsReversed(t *testing.T) {
	t.Parallel()
	chain := NewChain[handler]()
	require.NoError(t, chain.Append(suffix("1")))
	require.NoError(t, chain.Append(suffix("2")))

	built := chain.Build(func(input string) string { return input })
	// The first appended filter observes the output last.
	assert.Equal(t, "x21", built("x"))
}

func TestChainFrozenAfterBuild(t *testing.T) {
	t.Parallel()
	chain := NewChain[handler]()
	require.NoError(t, chain.Append(prefix("1")))
	_ = chain.Build(func(input string) string { return input })
	require.ErrorIs(t, chain.Append(prefix("2")), ErrChainFrozen)
}

func TestChainFrozenAfterComposed(t *testing.T) {
	t.Parallel()
	chain := NewChain[handler]()
	require.NoError(t, chain.Append(prefix("1")))
	composed := chain.Composed()
	require.ErrorIs(t, chain.Append(prefix("2")), ErrChainFrozen)

	// The composition is reusable across terminal handlers.
	keep := composed(func(input string) string { return input })
	upper := composed(func(input string) string { return strings.ToUpper(input) })
	assert.Equal(t, "1x", keep("x"))
	assert.Equal(t, "1X", upper("x"))
}

func TestChainEmptyBuildIsTerminal(t *testing.T) {
	t.Parallel()
	chain := NewChain[handler]()
	built := chain.Build(func(input string) string { return input + "!" })
	assert.Equal(t, "x!", built("x"))
}

func TestChainTransformationOrder(t *testing.T) {
	t.Parallel()
	lowercase := Filter[handler](func(next handler) handler {
		return func(input string) string {
			return next(strings.ToLower(input))
		}
	})
	requireLower := Filter[handler](func(next handler) handler {
		return func(input string) string {
			if input != strings.ToLower(input) {
				return "reject"
			}
			return next(input)
		}
	})

	chain := NewChain[handler]()
	require.NoError(t, chain.Append(lowercase))
	require.NoError(t, chain.Append(requireLower))
	built := chain.Build(func(input string) string { return "ok:" + input })
	// The second filter sees the first filter's transformation.
	assert.Equal(t, "ok:/api/users", built("/API/Users"))
}

func TestEffectiveStrategyMerge(t *testing.T) {
	t.Parallel()
	chain := NewChain[handler]()
	require.NoError(t, chain.Append(prefix("a")))
	require.NoError(t, chain.AppendWithStrategy(prefix("b"), OffloadReceiveData))
	require.NoError(t, chain.AppendWithStrategy(prefix("c"), OffloadSend))

	effective := chain.EffectiveStrategy(OffloadNone)
	assert.Equal(t, OffloadReceiveData|OffloadSend, effective)
	assert.True(t, effective.Offloads(OffloadReceiveData))
	assert.False(t, effective.Offloads(OffloadReceiveMetadata))

	// The terminal handler's own declaration merges in too.
	assert.Equal(t, OffloadAll, chain.EffectiveStrategy(OffloadReceiveMetadata))
}

func TestStrategyString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "offload-none", OffloadNone.String())
	assert.Equal(t, "offload-send", OffloadSend.String())
	assert.Equal(t, "offload-receive-metadata,receive-data,send", OffloadAll.String())
}
