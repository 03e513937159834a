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
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/svchttp/svchttp/codec"
	"github.com/svchttp/svchttp/conn"
	"github.com/svchttp/svchttp/filter"
	"github.com/svchttp/svchttp/message"
)

// ErrMissingDefaultTLS is returned from Listen when per-SNI-hostname TLS
// configs are set without a default TLS config. It is a configuration
// error.
var ErrMissingDefaultTLS = errors.New("svchttp: SNI TLS config set without a default TLS config")

// ServerOption customizes the behavior of a server.
type ServerOption interface {
	applyServer(*serverOptions)
}

// WithProtocols configures the wire protocols the server speaks. At
// least one is required. Plaintext connections use the first protocol;
// with TLS, the ALPN-negotiated protocol name selects among them.
func WithProtocols(protocols ...codec.Protocol) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.protocols = append(opts.protocols, protocols...)
	})
}

// WithBacklog bounds how many accepted connections may be open at once.
// Further connections queue in the kernel until one closes.
func WithBacklog(n int) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.backlog = n
	})
}

// WithTLS configures the default TLS config used for incoming
// connections. If not used, connections are plaintext.
func WithTLS(cfg *tls.Config) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.tlsConfig = cfg
	})
}

// WithSNI configures a TLS config for one SNI hostname, overriding the
// default config for clients that request that name. Listen fails with
// ErrMissingDefaultTLS if any SNI config is set without WithTLS.
func WithSNI(hostname string, cfg *tls.Config) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		if opts.sniConfigs == nil {
			opts.sniConfigs = map[string]*tls.Config{}
		}
		opts.sniConfigs[hostname] = cfg
	})
}

// WithSocketOption registers a function applied to every accepted
// transport connection before any HTTP processing, for socket-level
// tuning (for example TCP_NODELAY via *net.TCPConn).
func WithSocketOption(apply func(net.Conn) error) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.socketOptions = append(opts.socketOptions, apply)
	})
}

// WithServerWireLogging logs raw transport reads and writes at Debug
// level to the given logger.
func WithServerWireLogging(logger *zap.Logger) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.wireLogger = logger
	})
}

// WithServerLogger configures the server's logger. If not specified, a
// no-op logger is used.
func WithServerLogger(logger *zap.Logger) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.logger = logger
	})
}

// WithoutServerRequestDraining disables the automatic draining of request
// bodies that the service did not fully consume. Only use this when
// every handler is guaranteed to consume or cancel every request body;
// otherwise pipelined connections stall on the unread bytes.
func WithoutServerRequestDraining() ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.drainDisabled = true
	})
}

// WithServerExecutionStrategy declares the terminal service's own
// execution strategy; it is merged with every filter's declared
// strategy.
func WithServerExecutionStrategy(s filter.Strategy) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.strategy = s
	})
}

// WithAcceptorFilter appends filters to the connection-acceptor chain.
// The chain runs once per newly established connection, before any HTTP
// processing; the first rejection wins and the connection is closed.
func WithAcceptorFilter(filters ...AcceptorFilter) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.acceptorFilters = append(opts.acceptorFilters, filters...)
	})
}

// WithServiceFilter appends filters to the service filter chain. The
// first appended filter observes the request first and the response
// last.
func WithServiceFilter(filters ...ServiceFilter) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		for _, f := range filters {
			opts.serviceFilters = append(opts.serviceFilters, serviceFilterEntry{f: f})
		}
	})
}

// WithServiceFilterIf appends a conditional service filter: it only
// takes effect for requests matching pred, but holds its chain position
// regardless.
func WithServiceFilterIf(pred func(*message.Request) bool, f ServiceFilter) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.serviceFilters = append(opts.serviceFilters, serviceFilterEntry{f: ServiceFilterIf(pred, f)})
	})
}

// WithServiceFilterStrategy appends a filter that declares the operation
// classes it needs offloaded; the declaration is merged into the
// server's effective execution strategy.
func WithServiceFilterStrategy(f ServiceFilter, s filter.Strategy) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.serviceFilters = append(opts.serviceFilters, serviceFilterEntry{f: f, strategy: s})
	})
}

type serverOptionFunc func(*serverOptions)

func (f serverOptionFunc) applyServer(opts *serverOptions) {
	f(opts)
}

type serviceFilterEntry struct {
	f        ServiceFilter
	strategy filter.Strategy
}

type serverOptions struct {
	protocols       []codec.Protocol
	backlog         int
	tlsConfig       *tls.Config
	sniConfigs      map[string]*tls.Config
	socketOptions   []func(net.Conn) error
	wireLogger      *zap.Logger
	logger          *zap.Logger
	drainDisabled   bool
	strategy        filter.Strategy
	acceptorFilters []AcceptorFilter
	serviceFilters  []serviceFilterEntry
}

// Server is a listening HTTP server.
type Server struct {
	listener  net.Listener
	handler   Service
	acceptor  Acceptor
	protocols []codec.Protocol
	tlsConfig *tls.Config
	strategy  filter.Strategy
	drain     bool
	logger    *zap.Logger

	socketOptions []func(net.Conn) error
	wireLogger    *zap.Logger

	ctx       context.Context //nolint:containedctx // owns per-connection goroutines
	cancel    context.CancelFunc
	draining  chan struct{}
	drainOnce sync.Once
	closeOnce sync.Once
	conns     sync.WaitGroup
}

// Listen starts a server for the given service on addr. The returned
// server is already accepting connections.
func Listen(ctx context.Context, addr string, service Service, options ...ServerOption) (*Server, error) {
	var opts serverOptions
	for _, opt := range options {
		opt.applyServer(&opts)
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("svchttp: listen %s: %w", addr, err)
	}
	if opts.backlog > 0 {
		listener = netutil.LimitListener(listener, opts.backlog)
	}
	s, err := newServer(ctx, listener, service, &opts)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}
	return s, nil
}

func newServer(ctx context.Context, listener net.Listener, service Service, opts *serverOptions) (*Server, error) {
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	if len(opts.protocols) == 0 {
		return nil, ErrNoProtocol
	}
	if len(opts.sniConfigs) > 0 && opts.tlsConfig == nil {
		return nil, ErrMissingDefaultTLS
	}

	serviceChain := filter.NewChain[Service]()
	for _, entry := range opts.serviceFilters {
		if err := serviceChain.AppendWithStrategy(entry.f, entry.strategy); err != nil {
			return nil, err
		}
	}
	acceptorChain := filter.NewChain[Acceptor]()
	for _, f := range opts.acceptorFilters {
		if err := acceptorChain.Append(f); err != nil {
			return nil, err
		}
	}
	acceptAll := AcceptorFunc(func(context.Context, *ConnInfo) error {
		return nil
	})

	tlsConfig := opts.tlsConfig
	if tlsConfig != nil && len(opts.sniConfigs) > 0 {
		tlsConfig = tlsConfig.Clone()
		sni := opts.sniConfigs
		tlsConfig.GetConfigForClient = func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			if cfg, ok := sni[hello.ServerName]; ok {
				return cfg, nil
			}
			return nil, nil //nolint:nilnil // nil config means "use the default"
		}
	}

	srvCtx, cancel := context.WithCancel(ctx)
	s := &Server{
		listener:      listener,
		handler:       serviceChain.Build(service),
		acceptor:      acceptorChain.Build(acceptAll),
		protocols:     opts.protocols,
		tlsConfig:     tlsConfig,
		strategy:      serviceChain.EffectiveStrategy(opts.strategy),
		drain:         !opts.drainDisabled,
		logger:        opts.logger,
		socketOptions: opts.socketOptions,
		wireLogger:    opts.wireLogger,
		ctx:           srvCtx,
		cancel:        cancel,
		draining:      make(chan struct{}),
	}
	go s.acceptLoop()
	return s, nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// ExecutionStrategy returns the server's effective execution strategy:
// the merge of every service filter's declaration with the terminal
// service's own.
func (s *Server) ExecutionStrategy() filter.Strategy {
	return s.strategy
}

// GracefulClose stops accepting connections, lets in-flight exchanges
// finish, then closes. The context bounds the wait; on expiry remaining
// connections are aborted.
func (s *Server) GracefulClose(ctx context.Context) error {
	s.closeOnce.Do(func() { _ = s.listener.Close() })
	s.drainOnce.Do(func() { close(s.draining) })

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

// Close aborts in-flight exchanges and closes all connections and the
// listener immediately.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { _ = s.listener.Close() })
	s.drainOnce.Do(func() { close(s.draining) })
	s.cancel()
	s.conns.Wait()
	return nil
}

func (s *Server) acceptLoop() {
	var delay time.Duration
	for {
		raw, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			// Transient accept failures (aborted handshakes, fd
			// exhaustion) are contained to the failed connection; the
			// listener stays up and retries with backoff.
			delay *= 2
			if delay == 0 {
				delay = 5 * time.Millisecond
			}
			if delay > time.Second {
				delay = time.Second
			}
			s.logger.Warn("accept failed",
				zap.Duration("backoff", delay),
				zap.Error(err))
			select {
			case <-time.After(delay):
			case <-s.ctx.Done():
				return
			}
			continue
		}
		delay = 0
		s.conns.Add(1)
		go s.serveConn(raw)
	}
}

func (s *Server) serveConn(raw net.Conn) {
	defer s.conns.Done()
	connCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	// Codec reads block on the transport; closing it is what unblocks
	// them when the connection context ends.
	go func() {
		<-connCtx.Done()
		_ = raw.Close()
	}()

	info := &ConnInfo{
		LocalAddr:  raw.LocalAddr(),
		RemoteAddr: raw.RemoteAddr(),
	}
	if err := s.acceptor.Accept(connCtx, info); err != nil {
		s.logger.Debug("connection rejected",
			zap.String("remote", raw.RemoteAddr().String()),
			zap.Error(err))
		return
	}
	for _, apply := range s.socketOptions {
		if err := apply(raw); err != nil {
			s.logger.Warn("socket option failed", zap.Error(err))
			return
		}
	}

	transport := net.Conn(raw)
	if s.tlsConfig != nil {
		tlsConn := tls.Server(raw, s.tlsConfig)
		if err := tlsConn.HandshakeContext(connCtx); err != nil {
			s.logger.Debug("TLS handshake failed", zap.Error(err))
			return
		}
		info.Secure = true
		transport = tlsConn
	}
	protocol := s.selectProtocol(transport)
	info.Protocol = protocol.Name()

	var rw io.ReadWriter = transport
	if s.wireLogger != nil {
		rw = conn.WireLog(rw, s.wireLogger)
	}
	s.servePipelined(connCtx, cancel, transport, protocol, protocol.NewServerCodec(rw), info)
}

// drainGate coordinates graceful shutdown with a connection's read loop.
// Draining must interrupt a read that is idle between messages but never
// one that is mid-message, so the gate tracks which of the two the read
// loop is in and uses a read deadline to break only the idle wait.
type drainGate struct {
	transport net.Conn

	mu       sync.Mutex
	idle     bool
	stopping bool
}

// beginRead marks the loop idle, about to wait for the next request.
// It reports false if the connection is already draining.
func (g *drainGate) beginRead() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopping {
		return false
	}
	g.idle = true
	return true
}

func (g *drainGate) endRead() {
	g.mu.Lock()
	g.idle = false
	g.mu.Unlock()
}

func (g *drainGate) drain() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopping = true
	if g.idle {
		_ = g.transport.SetReadDeadline(time.Now())
	}
}

func (g *drainGate) draining() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopping
}

// selectProtocol picks the protocol configuration for one connection:
// the ALPN-negotiated name when TLS is in play, the first configured
// protocol otherwise.
func (s *Server) selectProtocol(transport net.Conn) codec.Protocol {
	if tlsConn, ok := transport.(*tls.Conn); ok {
		if negotiated := tlsConn.ConnectionState().NegotiatedProtocol; negotiated != "" {
			for _, p := range s.protocols {
				if p.Name() == negotiated {
					return p
				}
			}
		}
	}
	return s.protocols[0]
}

// pendingResponse is one slot in a connection's ordered write queue.
// Slots are enqueued in request order, which is what enforces strict
// FIFO request/response pairing even though the service for a later
// request may finish first.
type pendingResponse struct {
	ready chan *message.Response
}

// servePipelined runs one connection's read and write loops. The read
// loop decodes request heads, hands each request to the service on its
// own goroutine, and pumps body chunks into the request's pipe (which
// blocks on the service's demand). The write loop drains the queue in
// order. Pipelining depth is bounded by the protocol: enqueueing blocks
// once the queue is full.
func (s *Server) servePipelined(
	ctx context.Context,
	cancel context.CancelFunc,
	transport net.Conn,
	protocol codec.Protocol,
	sc codec.ServerCodec,
	info *ConnInfo,
) {
	depth := protocol.MaxPipelinedRequests()
	if depth < 1 {
		depth = 1
	}
	writeQ := make(chan *pendingResponse, depth)
	writeDone := make(chan struct{})
	go s.writeLoop(ctx, cancel, sc, writeQ, writeDone)

	gate := &drainGate{transport: transport}
	go func() {
		select {
		case <-ctx.Done():
		case <-s.draining:
			gate.drain()
		}
	}()

	handlerCtx := withConnInfo(ctx, info)
serve:
	for {
		if !gate.beginRead() {
			break
		}
		head, err := sc.ReadRequest()
		gate.endRead()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil && !gate.draining() {
				// Malformed metadata or a framing violation is fatal to
				// this one connection only.
				s.logger.Warn("read request failed",
					zap.String("remote", info.RemoteAddr.String()),
					zap.Error(err))
				cancel()
			}
			break
		}
		body, pw := message.NewPipe()
		req := message.NewRequest(head.Method, head.Path, head.Headers, body)
		req.Version = head.Version

		pr := &pendingResponse{ready: make(chan *message.Response, 1)}
		select {
		case writeQ <- pr:
		case <-ctx.Done():
			_ = pw.CloseWithError(ctx.Err())
			break serve
		}
		go s.dispatch(handlerCtx, req, pr)

		// Pump this request's body off the wire before the next head;
		// pipe writes block on the service's demand, and a drained or
		// cancelled body discards without stalling framing.
		for {
			data, err := sc.ReadChunk()
			if err != nil {
				if errors.Is(err, io.EOF) {
					_ = pw.Close()
					break
				}
				_ = pw.CloseWithError(err)
				if ctx.Err() == nil {
					s.logger.Warn("read request body failed", zap.Error(err))
					cancel()
				}
				break serve
			}
			if err := pw.Write(ctx, message.NewChunk(data)); err != nil {
				break serve
			}
		}
	}
	close(writeQ)
	<-writeDone
}

// dispatch invokes the service for one request. Handlers always run off
// the connection's I/O goroutine; the effective execution strategy is
// the declared contract for which of their operations may block.
func (s *Server) dispatch(ctx context.Context, req *message.Request, pr *pendingResponse) {
	resp, err := s.handler.Handle(ctx, req)
	if s.drain {
		// Whatever the handler left unread must still come off the
		// wire, or the next pipelined request would never decode.
		if drainErr := message.Drain(ctx, req.Body()); drainErr != nil && err == nil {
			err = drainErr
		}
	}
	if err != nil {
		if resp != nil {
			_ = resp.Body().Close()
		}
		s.logger.Error("service failed",
			zap.String("method", req.Method),
			zap.String("path", req.Path),
			zap.Error(err))
		resp = message.NewResponse(500, nil, message.EmptyBody())
	}
	pr.ready <- resp
}

// writeLoop writes responses strictly in request order. Each response's
// body is pulled to exhaustion, so by the time the next slot is taken
// the wire is at a message boundary.
func (s *Server) writeLoop(
	ctx context.Context,
	cancel context.CancelFunc,
	sc codec.ServerCodec,
	writeQ <-chan *pendingResponse,
	done chan<- struct{},
) {
	defer close(done)
	// Responses that will never reach the wire still get their bodies
	// closed, or a streaming handler's producer would stay blocked on
	// demand that is never coming. Every queued slot is eventually
	// delivered exactly one response, so waiting on ready is safe.
	defer func() {
		for pr := range writeQ {
			resp := <-pr.ready
			_ = resp.Body().Close()
		}
	}()
	for pr := range writeQ {
		var resp *message.Response
		select {
		case resp = <-pr.ready:
		case <-ctx.Done():
			resp = <-pr.ready
			_ = resp.Body().Close()
			return
		}
		if err := s.writeResponse(ctx, sc, resp); err != nil {
			_ = resp.Body().Close()
			if ctx.Err() == nil {
				s.logger.Warn("write response failed", zap.Error(err))
				cancel()
			}
			return
		}
	}
}

func (s *Server) writeResponse(ctx context.Context, sc codec.ServerCodec, resp *message.Response) error {
	head := &codec.ResponseHead{
		Status:  resp.Status,
		Version: resp.Version,
		Headers: resp.Headers(),
	}
	if err := sc.WriteResponse(head); err != nil {
		return err
	}
	body := resp.Body()
	for {
		chunk, err := body.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return sc.WriteEnd()
			}
			return err
		}
		werr := sc.WriteChunk(chunk.Bytes())
		chunk.Release()
		if werr != nil {
			return werr
		}
	}
}

// AggregatedRequest is a request whose body has been fully buffered.
type AggregatedRequest struct {
	Method  string
	Path    string
	Version message.Version
	Headers *message.Headers
	Body    []byte
}

// AggregatedService adapts a handler that wants fully-buffered request
// bodies to the streaming Service interface. The body is aggregated
// before fn runs, so no automatic drain applies to it.
func AggregatedService(fn func(ctx context.Context, req *AggregatedRequest) (*message.Response, error)) Service {
	return ServiceFunc(func(ctx context.Context, req *message.Request) (*message.Response, error) {
		body, err := message.Aggregate(ctx, req.Body())
		if err != nil {
			return nil, err
		}
		return fn(ctx, &AggregatedRequest{
			Method:  req.Method,
			Path:    req.Path,
			Version: req.Version,
			Headers: req.Headers(),
			Body:    body,
		})
	})
}
