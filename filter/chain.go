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

// Package filter provides ordered composition of handler-wrapping
// filters. One generic chain builder serves every handler kind (service,
// requester, connection, connection-acceptor): the composition law is
// identical, only the handler signature differs.
package filter

import "errors"

// ErrChainFrozen is returned when appending to a chain after it has been
// built. It is a configuration error and is never retried.
var ErrChainFrozen = errors.New("filter: chain already built")

// A Filter wraps a handler, returning a handler that observes inputs
// before (and outputs after) next.
type Filter[H any] func(next H) H

// Chain is an ordered sequence of filters over handler kind H. The first
// appended filter observes the raw input first and the output last.
// Appending never reorders previously appended filters. A chain is built
// once; further appends fail with ErrChainFrozen. A Chain is not safe for
// concurrent mutation; build it during configuration, before use.
type Chain[H any] struct {
	filters  []Filter[H]
	strategy Strategy
	frozen   bool
}

// NewChain returns an empty chain.
func NewChain[H any]() *Chain[H] {
	return &Chain[H]{}
}

// Append adds a filter to the end of the chain, declaring that it needs
// no offloading.
func (c *Chain[H]) Append(f Filter[H]) error {
	return c.AppendWithStrategy(f, OffloadNone)
}

// AppendWithStrategy adds a filter to the end of the chain along with the
// operation classes the filter needs offloaded off the I/O goroutine. The
// declared strategy is merged into the chain's effective strategy.
func (c *Chain[H]) AppendWithStrategy(f Filter[H], s Strategy) error {
	if c.frozen {
		return ErrChainFrozen
	}
	c.filters = append(c.filters, f)
	c.strategy = c.strategy.Merge(s)
	return nil
}

// Len returns the number of appended filters.
func (c *Chain[H]) Len() int {
	return len(c.filters)
}

// Build composes the chain around the terminal handler, producing
// f1(f2(...fn(terminal))), and freezes the chain.
func (c *Chain[H]) Build(terminal H) H {
	c.frozen = true
	wrapped := terminal
	for i := len(c.filters) - 1; i >= 0; i-- {
		wrapped = c.filters[i](wrapped)
	}
	return wrapped
}

// Composed freezes the chain and returns its composition as a single
// filter, for callers that need to wrap many terminal handlers with the
// same chain (for example, every connection a pool creates).
func (c *Chain[H]) Composed() Filter[H] {
	c.frozen = true
	filters := c.filters
	return func(terminal H) H {
		wrapped := terminal
		for i := len(filters) - 1; i >= 0; i-- {
			wrapped = filters[i](wrapped)
		}
		return wrapped
	}
}

// EffectiveStrategy returns the union of every appended filter's declared
// strategy and the terminal handler's own strategy. "Needs offload"
// dominates: a single filter requiring offload for an operation class
// makes the whole chain require it.
func (c *Chain[H]) EffectiveStrategy(terminal Strategy) Strategy {
	return c.strategy.Merge(terminal)
}
