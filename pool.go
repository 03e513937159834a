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

package svchttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/svchttp/svchttp/conn"
	"github.com/svchttp/svchttp/internal"
	"github.com/svchttp/svchttp/picker"
	"github.com/svchttp/svchttp/resolver"
)

var errPoolClosed = errors.New("svchttp: client closed")

const (
	defaultRedialMinBackoff = 500 * time.Millisecond
	defaultRedialMaxBackoff = 30 * time.Second
	defaultExpiryDrain      = 30 * time.Second
)

// endpointState tracks the lifecycle of one managed endpoint. Natural
// ordering is not meaningful; the states form the machine
// connecting → active ⇄ degraded → expired.
type endpointState int

const (
	endpointConnecting endpointState = iota
	endpointActive
	endpointDegraded
	endpointExpired
)

func (s endpointState) String() string {
	switch s {
	case endpointConnecting:
		return "connecting"
	case endpointActive:
		return "active"
	case endpointDegraded:
		return "degraded"
	case endpointExpired:
		return "expired"
	default:
		return fmt.Sprintf("endpointState(%d)", int(s))
	}
}

type endpoint struct {
	addr resolver.Address
	// cancel stops the endpoint's dial/redial goroutine.
	cancel context.CancelFunc
	ctx    context.Context //nolint:containedctx // owns the redial goroutine

	// state, suspended, and conn are guarded by the pool's mu. suspended
	// records an Unavailable discovery signal independently of state, so
	// that a dial completing later does not promote the endpoint.
	state     endpointState
	suspended bool
	conn      conn.Conn
}

// pool owns the connections for one target. It consumes discovery events
// to grow and shrink the endpoint set, maintains one connection per
// endpoint with background (re)dialing, and exposes a lock-free picker
// snapshot to the request path: selection reads a consistent snapshot
// and never blocks on discovery updates or network I/O.
type pool struct {
	ctx    context.Context //nolint:containedctx // root for background goroutines
	cancel context.CancelFunc

	dialer        *conn.Dialer
	wrapConn      func(conn.Conn) conn.Conn
	pickerFactory picker.Factory
	logger        *zap.Logger
	clock         internal.Clock

	redialMinBackoff time.Duration
	redialMaxBackoff time.Duration
	expiryDrain      time.Duration

	refresh      chan struct{}
	resolverTask io.Closer

	// Discovery events are staged here by the receiver callbacks and
	// consumed by the run goroutine; updates carries the wake-up signal.
	eventMu       sync.Mutex
	pendingEvents []resolver.Event
	updates       chan struct{}
	latestErr     atomic.Pointer[error]

	mu sync.Mutex
	// +checklocks:mu
	entries map[string]*endpoint
	// +checklocks:mu
	latestPicker picker.Picker

	activePicker atomic.Pointer[pickerBox]
	warm         chan struct{}
	warmOnce     sync.Once

	closed chan struct{}
}

// pickerBox exists because atomic.Pointer needs a concrete type.
type pickerBox struct {
	p picker.Picker
}

func newPool(
	ctx context.Context,
	scheme, hostPort string,
	res resolver.Resolver,
	dialer *conn.Dialer,
	wrapConn func(conn.Conn) conn.Conn,
	pickerFactory picker.Factory,
	logger *zap.Logger,
	clock internal.Clock,
) *pool {
	ctx, cancel := context.WithCancel(ctx)
	p := &pool{
		ctx:              ctx,
		cancel:           cancel,
		dialer:           dialer,
		wrapConn:         wrapConn,
		pickerFactory:    pickerFactory,
		logger:           logger,
		clock:            clock,
		redialMinBackoff: defaultRedialMinBackoff,
		redialMaxBackoff: defaultRedialMaxBackoff,
		expiryDrain:      defaultExpiryDrain,
		refresh:          make(chan struct{}, 1),
		updates:          make(chan struct{}, 1),
		entries:          map[string]*endpoint{},
		warm:             make(chan struct{}),
		closed:           make(chan struct{}),
	}
	go p.run()
	p.resolverTask = res.New(ctx, scheme, hostPort, p, p.refresh)
	return p
}

var _ resolver.Receiver = (*pool)(nil)

func (p *pool) OnDiscover(events []resolver.Event) {
	p.eventMu.Lock()
	p.pendingEvents = append(p.pendingEvents, events...)
	p.eventMu.Unlock()
	p.latestErr.Store(nil)
	select {
	case p.updates <- struct{}{}:
	default:
	}
}

func (p *pool) OnDiscoverError(err error) {
	p.latestErr.Store(&err)
	p.logger.Warn("service discovery failed; retaining last known endpoints", zap.Error(err))
	select {
	case p.updates <- struct{}{}:
	default:
	}
}

func (p *pool) run() {
	defer close(p.closed)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.updates:
			p.eventMu.Lock()
			events := p.pendingEvents
			p.pendingEvents = nil
			p.eventMu.Unlock()

			for _, ev := range events {
				switch ev.Kind {
				case resolver.Available:
					p.addEndpoint(ev.Address)
				case resolver.Unavailable:
					p.suspendEndpoint(ev.Address)
				case resolver.Expired:
					p.expireEndpoint(ev.Address)
				}
			}
			if len(events) == 0 {
				// Resolution concluded without producing endpoints: a
				// failed cycle, or a successful one that found nothing.
				// Either way callers must fail fast instead of parking.
				var cause error
				if errPtr := p.latestErr.Load(); errPtr != nil {
					cause = *errPtr
				}
				p.failIfUnresolved(cause)
			}
		}
	}
}

// failIfUnresolved publishes a failing picker when discovery concluded
// with no endpoints, so selection fails immediately rather than waiting
// on the warm channel. A nil cause means resolution succeeded but the
// result was empty.
func (p *pool) failIfUnresolved(cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.entries) > 0 || p.activePicker.Load() != nil {
		return
	}
	err := ErrNoAvailableEndpoints
	if cause != nil {
		err = fmt.Errorf("svchttp: resolve target: %w", cause)
	}
	p.setPickerLocked(picker.ErrorPicker(err))
}

func (p *pool) addEndpoint(addr resolver.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ep, ok := p.entries[addr.HostPort]; ok {
		// A suspended endpoint coming back is usable again immediately
		// if its connection survived.
		ep.suspended = false
		if ep.state == endpointDegraded && ep.conn != nil {
			ep.state = endpointActive
			p.rebuildPickerLocked()
		}
		return
	}
	epCtx, epCancel := context.WithCancel(p.ctx)
	ep := &endpoint{addr: addr, ctx: epCtx, cancel: epCancel, state: endpointConnecting}
	p.entries[addr.HostPort] = ep
	p.logger.Debug("endpoint discovered", zap.String("addr", addr.HostPort))
	go p.runEndpoint(ep)
}

func (p *pool) suspendEndpoint(addr resolver.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep, ok := p.entries[addr.HostPort]
	if !ok {
		return
	}
	ep.suspended = true
	if ep.state != endpointActive {
		return
	}
	ep.state = endpointDegraded
	p.rebuildPickerLocked()
}

func (p *pool) expireEndpoint(addr resolver.Address) {
	p.mu.Lock()
	ep, ok := p.entries[addr.HostPort]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.entries, addr.HostPort)
	ep.state = endpointExpired
	expired := ep.conn
	ep.conn = nil
	p.rebuildPickerLocked()
	p.mu.Unlock()

	ep.cancel()
	p.logger.Debug("endpoint expired", zap.String("addr", addr.HostPort))
	if expired != nil {
		drain := p.expiryDrain
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), drain)
			defer cancel()
			_ = expired.GracefulClose(ctx)
		}()
	}
}

// runEndpoint establishes the endpoint's connection, retrying with
// exponential backoff while the endpoint remains managed. A connection
// failure later in life re-enters this loop via the conn's close hook.
func (p *pool) runEndpoint(ep *endpoint) {
	for attempt := 0; ; attempt++ {
		newConn, err := p.dialer.Dial(ep.ctx, ep.addr, func(cause error) {
			p.connFailed(ep, cause)
		})
		if err == nil {
			wrapped := p.wrapConn(newConn)
			p.mu.Lock()
			if p.entries[ep.addr.HostPort] != ep {
				// Expired while we were dialing.
				p.mu.Unlock()
				_ = newConn.Close()
				return
			}
			ep.conn = wrapped
			if ep.suspended {
				ep.state = endpointDegraded
			} else {
				ep.state = endpointActive
			}
			p.rebuildPickerLocked()
			p.mu.Unlock()
			p.logger.Debug("endpoint connected", zap.String("addr", ep.addr.HostPort))
			return
		}
		if ep.ctx.Err() != nil {
			return
		}
		p.mu.Lock()
		if p.entries[ep.addr.HostPort] != ep {
			p.mu.Unlock()
			return
		}
		ep.state = endpointDegraded
		p.rebuildPickerLocked()
		p.mu.Unlock()
		p.logger.Warn("connection establishment failed",
			zap.String("addr", ep.addr.HostPort),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		wait := redialBackoff(p.redialMinBackoff, p.redialMaxBackoff, attempt)
		select {
		case <-p.clock.After(wait):
		case <-ep.ctx.Done():
			return
		}
	}
}

// connFailed is the conn close hook: an established connection died. The
// failure is isolated to this endpoint; it becomes degraded and is
// re-dialed unless it already expired. A nil cause means a deliberate
// close and is ignored.
func (p *pool) connFailed(ep *endpoint, cause error) {
	if cause == nil {
		return
	}
	p.mu.Lock()
	if p.entries[ep.addr.HostPort] != ep || ep.state == endpointExpired {
		p.mu.Unlock()
		return
	}
	ep.conn = nil
	ep.state = endpointDegraded
	p.rebuildPickerLocked()
	p.mu.Unlock()
	p.logger.Warn("connection failed",
		zap.String("addr", ep.addr.HostPort),
		zap.Error(cause))
	go p.runEndpoint(ep)
}

// +checklocks:mu
func (p *pool) rebuildPickerLocked() {
	var active []conn.Conn
	for _, ep := range p.entries {
		if ep.state == endpointActive && ep.conn != nil {
			active = append(active, ep.conn)
		}
	}
	if len(active) == 0 {
		p.setPickerLocked(picker.ErrorPicker(ErrNoAvailableEndpoints))
		// Hint the discoverer that fresh results would help.
		select {
		case p.refresh <- struct{}{}:
		default:
		}
		return
	}
	p.latestPicker = p.pickerFactory.New(p.latestPicker, conn.FromSlice(active))
	p.setPickerLocked(p.latestPicker)
}

// +checklocks:mu
func (p *pool) setPickerLocked(pk picker.Picker) {
	p.activePicker.Store(&pickerBox{p: pk})
	p.warmOnce.Do(func() {
		close(p.warm)
	})
}

// get selects a connection for one outbound request. It blocks only for
// the very first discovery result; afterwards selection is a snapshot
// read plus the picker's own (non-blocking) choice.
func (p *pool) get(ctx context.Context) (conn.Conn, error) {
	box := p.activePicker.Load()
	if box == nil {
		select {
		case <-p.warm:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.ctx.Done():
			return nil, errPoolClosed
		}
		box = p.activePicker.Load()
	}
	picked, err := box.p.Pick()
	if err != nil {
		if errors.Is(err, picker.ErrNoAvailableConns) {
			err = fmt.Errorf("%w: %v", ErrNoAvailableEndpoints, err)
		}
		return nil, err
	}
	return picked, nil
}

func (p *pool) close() error {
	select {
	case <-p.ctx.Done():
		<-p.closed
		return nil
	default:
	}
	err := p.resolverTask.Close()
	p.cancel()
	<-p.closed

	p.mu.Lock()
	entries := p.entries
	p.entries = map[string]*endpoint{}
	p.mu.Unlock()

	grp, _ := errgroup.WithContext(context.Background())
	var closeErr atomic.Pointer[error]
	for _, ep := range entries {
		if c := ep.conn; c != nil {
			grp.Go(func() error {
				if cerr := c.Close(); cerr != nil {
					closeErr.CompareAndSwap(nil, &cerr)
				}
				return nil
			})
		}
	}
	_ = grp.Wait()
	if errPtr := closeErr.Load(); errPtr != nil {
		err = multierr.Append(err, *errPtr)
	}
	return err
}

func redialBackoff(base, limit time.Duration, attempt int) time.Duration {
	wait := base
	for i := 0; i < attempt; i++ {
		wait *= 2
		if wait >= limit {
			return limit
		}
	}
	return wait
}
