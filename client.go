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
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/svchttp/svchttp/codec"
	"github.com/svchttp/svchttp/conn"
	"github.com/svchttp/svchttp/filter"
	"github.com/svchttp/svchttp/internal"
	"github.com/svchttp/svchttp/message"
	"github.com/svchttp/svchttp/picker"
	"github.com/svchttp/svchttp/resolver"
)

// ErrNoProtocol is returned when a client or server is built without a
// protocol configuration. It is a configuration error.
var ErrNoProtocol = errors.New("svchttp: no protocol configured")

// ClientOption customizes the behavior of a client.
type ClientOption interface {
	applyClient(*clientOptions)
}

// WithRootContext configures the root context used for the background
// goroutines a client creates (discovery, dialing). If not specified,
// [context.Background] is used. It should only be cancelled once the
// client is no longer in use.
func WithRootContext(ctx context.Context) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.rootCtx = ctx
	})
}

// WithProtocol configures the wire protocol the client speaks. It is
// required: the protocol supplies the codec and the pipelining depth.
func WithProtocol(p codec.Protocol) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.protocol = p
	})
}

// WithResolver configures the service discoverer used to resolve the
// target into endpoint addresses. If not specified, a polling DNS
// resolver with default intervals is used.
func WithResolver(res resolver.Resolver) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.resolver = res
	})
}

// WithPicker configures the selection policy. A new picker is created
// from the factory every time the set of active connections changes. If
// not specified, round-robin is used.
func WithPicker(factory picker.Factory) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.picker = factory
	})
}

// WithDialFunc configures how raw transport connections are established.
func WithDialFunc(dial func(ctx context.Context, network, addr string) (net.Conn, error)) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.dialFunc = dial
	})
}

// WithTLSClientConfig enables TLS towards the target using the given
// config. The target host is used as the SNI server name.
func WithTLSClientConfig(cfg *tls.Config) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.tlsConfig = cfg
	})
}

// WithNegotiator configures a custom security negotiator, overriding
// WithTLSClientConfig.
func WithNegotiator(neg codec.Negotiator) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.negotiator = neg
	})
}

// WithConnFilter appends filters to the connection filter chain. Every
// connection the pool creates is wrapped by the chain, first appended
// filter outermost.
func WithConnFilter(filters ...ConnFilter) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.connFilters = append(opts.connFilters, filters...)
	})
}

// WithRequesterFilter appends filters to the requester filter chain.
// The first appended filter observes the request first and the response
// last.
func WithRequesterFilter(filters ...RequesterFilter) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		for _, f := range filters {
			opts.requesterFilters = append(opts.requesterFilters, requesterFilterEntry{f: f})
		}
	})
}

// WithRequesterFilterIf appends a conditional requester filter: it only
// takes effect for requests matching pred, but holds its chain position
// regardless.
func WithRequesterFilterIf(pred func(*message.Request) bool, f RequesterFilter) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.requesterFilters = append(opts.requesterFilters, requesterFilterEntry{f: RequesterFilterIf(pred, f)})
	})
}

// WithRequesterFilterStrategy appends a filter that declares the
// operation classes it needs offloaded; the declaration is merged into
// the client's effective execution strategy.
func WithRequesterFilterStrategy(f RequesterFilter, s filter.Strategy) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.requesterFilters = append(opts.requesterFilters, requesterFilterEntry{f: f, strategy: s})
	})
}

// WithExecutionStrategy declares the terminal requester's own strategy;
// it is merged with every filter's declared strategy.
func WithExecutionStrategy(s filter.Strategy) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.strategy = s
	})
}

// WithoutRequestDraining disables the automatic draining of request
// bodies that were never consumed (for example because no endpoint was
// available). Only use this when every request body is guaranteed to be
// consumed or cancelled by the caller.
func WithoutRequestDraining() ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.drainDisabled = true
	})
}

// WithRequestTimeout limits every request to the given duration, from
// sending the first byte to finishing the response body.
func WithRequestTimeout(d time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.requestTimeout = d
		opts.defaultTimeout = 0
	})
}

// WithDefaultTimeout limits requests that otherwise have no deadline to
// the given duration. Requests whose context already carries a deadline
// are unaffected.
func WithDefaultTimeout(d time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.defaultTimeout = d
		opts.requestTimeout = 0
	})
}

// WithClientLogger configures the client's logger. If not specified, a
// no-op logger is used.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.logger = logger
	})
}

// WithWireLogging logs raw transport reads and writes at Debug level to
// the given logger.
func WithWireLogging(logger *zap.Logger) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.wireLogger = logger
	})
}

type clientOptionFunc func(*clientOptions)

func (f clientOptionFunc) applyClient(opts *clientOptions) {
	f(opts)
}

type requesterFilterEntry struct {
	f        RequesterFilter
	strategy filter.Strategy
}

type clientOptions struct {
	rootCtx          context.Context //nolint:containedctx
	protocol         codec.Protocol
	resolver         resolver.Resolver
	picker           picker.Factory
	dialFunc         func(ctx context.Context, network, addr string) (net.Conn, error)
	tlsConfig        *tls.Config
	negotiator       codec.Negotiator
	connFilters      []ConnFilter
	requesterFilters []requesterFilterEntry
	strategy         filter.Strategy
	drainDisabled    bool
	requestTimeout   time.Duration
	defaultTimeout   time.Duration
	logger           *zap.Logger
	wireLogger       *zap.Logger
	clock            internal.Clock
}

func (opts *clientOptions) applyDefaults() {
	if opts.rootCtx == nil {
		opts.rootCtx = context.Background()
	}
	if opts.resolver == nil {
		opts.resolver = resolver.NewDNSResolver(net.DefaultResolver, "ip")
	}
	if opts.picker == nil {
		opts.picker = picker.RoundRobinFactory
	}
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
}

// Client is a load-balanced streaming HTTP client for a single logical
// target. Requests flow through the requester filter chain, then the
// load balancer selects a connection (itself wrapped by the connection
// filter chain) to execute the exchange.
type Client struct {
	requester Requester
	pool      *pool
	strategy  filter.Strategy
	drain     bool

	requestTimeout time.Duration
	defaultTimeout time.Duration
}

// NewClient creates a client for the given target, which must be in
// "scheme://host:port" form ("http" is assumed if the scheme is
// omitted). The target's host is resolved continuously; connections are
// maintained per resolved address.
func NewClient(target string, options ...ClientOption) (*Client, error) {
	var opts clientOptions
	for _, opt := range options {
		opt.applyClient(&opts)
	}
	opts.applyDefaults()
	if opts.protocol == nil {
		return nil, ErrNoProtocol
	}

	scheme, hostPort, ok := strings.Cut(target, "://")
	if !ok {
		scheme, hostPort = "http", target
	}
	host, _, err := net.SplitHostPort(hostPort)
	if err != nil {
		host = hostPort
	}

	negotiator := opts.negotiator
	if negotiator == nil && (opts.tlsConfig != nil || scheme == "https") {
		negotiator = tlsNegotiator{config: opts.tlsConfig}
	}

	dialer := &conn.Dialer{
		DialFunc:   opts.dialFunc,
		Negotiator: negotiator,
		ServerName: host,
		Protocol:   opts.protocol,
		WireLogger: opts.wireLogger,
	}

	connChain := filter.NewChain[conn.Conn]()
	for _, f := range opts.connFilters {
		if err := connChain.Append(f); err != nil {
			return nil, err
		}
	}

	p := newPool(
		opts.rootCtx,
		scheme, hostPort,
		opts.resolver,
		dialer,
		connChain.Composed(),
		opts.picker,
		opts.logger,
		opts.clock,
	)

	terminal := RequesterFunc(func(ctx context.Context, req *message.Request) (*message.Response, error) {
		picked, err := p.get(ctx)
		if err != nil {
			return nil, err
		}
		return picked.Exchange(ctx, req)
	})

	chain := filter.NewChain[Requester]()
	for _, entry := range opts.requesterFilters {
		if err := chain.AppendWithStrategy(entry.f, entry.strategy); err != nil {
			_ = p.close()
			return nil, err
		}
	}

	return &Client{
		requester:      chain.Build(terminal),
		pool:           p,
		strategy:       chain.EffectiveStrategy(opts.strategy),
		drain:          !opts.drainDisabled,
		requestTimeout: opts.requestTimeout,
		defaultTimeout: opts.defaultTimeout,
	}, nil
}

// Do executes one streaming exchange. The response's metadata is
// resolved when Do returns; its body decodes off the wire on demand and
// must be consumed or closed by the caller. If the request body was
// never consumed (for example because selection failed or a filter
// short-circuited), it is drained on the caller's behalf unless
// WithoutRequestDraining was used.
func (c *Client) Do(ctx context.Context, req *message.Request) (*message.Response, error) {
	var cancel context.CancelFunc
	if c.requestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
	} else if c.defaultTimeout > 0 {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			ctx, cancel = context.WithTimeout(ctx, c.defaultTimeout)
		}
	}
	resp, err := c.requester.Do(ctx, req)
	if c.drain && !req.Body().Consumed() {
		if drainErr := message.Drain(ctx, req.Body()); drainErr != nil && err == nil {
			err = drainErr
		}
	}
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, err
	}
	if cancel != nil {
		// The deadline covers consumption of the response body, so the
		// timer is released only when the context itself expires.
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return resp, nil
}

// ExecutionStrategy returns the client's effective execution strategy:
// the merge of every appended filter's declaration with the strategy
// configured via WithExecutionStrategy.
func (c *Client) ExecutionStrategy() filter.Strategy {
	return c.strategy
}

// AggregatedResponse is a response whose body has been fully buffered.
type AggregatedResponse struct {
	Status  int
	Version message.Version
	Headers *message.Headers
	Body    []byte
}

// DoAggregated executes an exchange and buffers the entire response body
// before returning. Since the body is fully consumed here, no automatic
// drain applies to it.
func (c *Client) DoAggregated(ctx context.Context, req *message.Request) (*AggregatedResponse, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	body, err := message.Aggregate(ctx, resp.Body())
	if err != nil {
		_ = resp.Body().Close()
		return nil, err
	}
	return &AggregatedResponse{
		Status:  resp.Status,
		Version: resp.Version,
		Headers: resp.Headers(),
		Body:    body,
	}, nil
}

// Close releases the client's resources: the discovery task stops and
// every pooled connection is closed.
func (c *Client) Close() error {
	return c.pool.close()
}

// tlsNegotiator is the default security negotiator, a thin layer over
// crypto/tls.
type tlsNegotiator struct {
	config *tls.Config
}

func (n tlsNegotiator) Negotiate(ctx context.Context, rawConn net.Conn, serverName string) (net.Conn, error) {
	cfg := n.config
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" && serverName != "" {
		cfg = cfg.Clone()
		cfg.ServerName = serverName
	}
	tlsConn := tls.Client(rawConn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("svchttp: TLS handshake: %w", err)
	}
	return tlsConn, nil
}
