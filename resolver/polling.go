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

package resolver

import (
	"context"
	"io"
	"time"

	"github.com/svchttp/svchttp/internal"
)

const (
	defaultTTL         = 30 * time.Second
	defaultMinInterval = 5 * time.Second
	defaultMaxInterval = 5 * time.Minute
)

// PollingOption configures the polling resolver.
type PollingOption interface {
	apply(*pollingResolver)
}

// WithDefaultTTL sets the interval used when the prober does not report a
// TTL with its result. If not used, 30 seconds is assumed.
func WithDefaultTTL(ttl time.Duration) PollingOption {
	return pollingOptionFunc(func(pr *pollingResolver) {
		pr.defaultTTL = ttl
	})
}

// WithMinInterval bounds how frequently the prober may be invoked, no
// matter how short the reported TTL. Failure backoff starts at this
// interval. If not used, 5 seconds is assumed.
func WithMinInterval(d time.Duration) PollingOption {
	return pollingOptionFunc(func(pr *pollingResolver) {
		pr.minInterval = d
	})
}

// WithMaxInterval bounds how infrequently the prober is invoked, no
// matter how long the reported TTL, and caps failure backoff. If not
// used, 5 minutes is assumed.
func WithMaxInterval(d time.Duration) PollingOption {
	return pollingOptionFunc(func(pr *pollingResolver) {
		pr.maxInterval = d
	})
}

type pollingOptionFunc func(*pollingResolver)

func (f pollingOptionFunc) apply(pr *pollingResolver) {
	f(pr)
}

// NewPollingResolver creates a resolver that re-invokes a single-shot
// prober whenever the previous result's TTL expires, clamped between the
// configured min and max intervals. Each cycle's result set is diffed
// against the previous one: newly seen addresses are reported Available,
// vanished addresses Expired. A failed cycle reports a transient error,
// keeps the last-known-good set, and is retried with exponential backoff.
func NewPollingResolver(prober ResolveProber, opts ...PollingOption) Resolver {
	pr := &pollingResolver{
		prober:      prober,
		defaultTTL:  defaultTTL,
		minInterval: defaultMinInterval,
		maxInterval: defaultMaxInterval,
		clock:       internal.NewRealClock(),
	}
	for _, opt := range opts {
		opt.apply(pr)
	}
	return pr
}

type pollingResolver struct {
	prober      ResolveProber
	defaultTTL  time.Duration
	minInterval time.Duration
	maxInterval time.Duration
	clock       internal.Clock
}

func (pr *pollingResolver) New(
	ctx context.Context,
	scheme, hostPort string,
	receiver Receiver,
	refresh <-chan struct{},
) io.Closer {
	ctx, cancel := context.WithCancel(ctx)
	task := &pollingTask{
		cancel:     cancel,
		doneSignal: make(chan struct{}),
		refreshCh:  refresh,
		resolver:   pr,
		known:      map[string]Address{},
	}
	go task.run(ctx, scheme, hostPort, receiver)
	return task
}

type pollingTask struct {
	cancel     context.CancelFunc
	doneSignal chan struct{}
	refreshCh  <-chan struct{}
	resolver   *pollingResolver

	// known is the last-known-good address set, keyed by host:port. Only
	// touched by the run goroutine.
	known map[string]Address
	// reported records whether any successful cycle was delivered yet.
	reported bool
}

func (task *pollingTask) Close() error {
	task.cancel()
	<-task.doneSignal
	return nil
}

func (task *pollingTask) run(ctx context.Context, scheme, hostPort string, receiver Receiver) {
	defer close(task.doneSignal)
	defer task.cancel()

	pr := task.resolver
	timer := pr.clock.NewTimer(0)
	if !timer.Stop() {
		<-timer.Chan()
	}

	var failures int
	for {
		addresses, ttl, err := pr.prober.ResolveOnce(ctx, scheme, hostPort)
		var wait time.Duration
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			receiver.OnDiscoverError(err)
			wait = backoff(pr.minInterval, pr.maxInterval, failures)
			failures++
		} else {
			failures = 0
			// The first successful cycle reports even when it found
			// nothing: consumers must be able to tell "resolved to zero
			// endpoints" apart from "not resolved yet".
			if events := task.diff(addresses); len(events) > 0 || !task.reported {
				task.reported = true
				receiver.OnDiscover(events)
			}
			if ttl == 0 {
				ttl = pr.defaultTTL
			}
			wait = clamp(ttl, pr.minInterval, pr.maxInterval)
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.Chan()
			}
			return
		case <-task.refreshCh:
			// Drain the timer before the Reset at the top of the loop:
			// Reset must only be invoked on stopped or expired timers
			// with drained channels.
			if !timer.Stop() {
				<-timer.Chan()
			}
		case <-timer.Chan():
		}
	}
}

// diff computes availability events against the last-known-good set and
// updates it. An empty resolution result expires every known address.
func (task *pollingTask) diff(addresses []Address) []Event {
	var events []Event
	seen := make(map[string]struct{}, len(addresses))
	for _, addr := range addresses {
		if _, dup := seen[addr.HostPort]; dup {
			continue
		}
		seen[addr.HostPort] = struct{}{}
		if _, ok := task.known[addr.HostPort]; !ok {
			task.known[addr.HostPort] = addr
			events = append(events, Event{Kind: Available, Address: addr})
		}
	}
	for hostPort, addr := range task.known {
		if _, ok := seen[hostPort]; !ok {
			delete(task.known, hostPort)
			events = append(events, Event{Kind: Expired, Address: addr})
		}
	}
	return events
}

func backoff(base, limit time.Duration, failures int) time.Duration {
	wait := base
	for i := 0; i < failures; i++ {
		wait *= 2
		if wait >= limit {
			return limit
		}
	}
	return wait
}

func clamp(d, low, high time.Duration) time.Duration {
	if d < low {
		return low
	}
	if d > high {
		return high
	}
	return d
}
