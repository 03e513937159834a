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
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svchttp/svchttp/filter"
	"github.com/svchttp/svchttp/internal/prototest"
	"github.com/svchttp/svchttp/message"
	"github.com/svchttp/svchttp/resolver"
)

// staticResolver delivers a fixed set of availability events to every
// discovery task it creates, and lets tests push further events later.
type staticResolver struct {
	mu        sync.Mutex
	initial   []resolver.Event
	receivers []resolver.Receiver
}

func resolveTo(hostPorts ...string) *staticResolver {
	r := &staticResolver{}
	for _, hp := range hostPorts {
		r.initial = append(r.initial, resolver.Event{
			Kind:    resolver.Available,
			Address: resolver.Address{HostPort: hp},
		})
	}
	return r
}

func (r *staticResolver) New(
	_ context.Context,
	_, _ string,
	receiver resolver.Receiver,
	_ <-chan struct{},
) io.Closer {
	r.mu.Lock()
	r.receivers = append(r.receivers, receiver)
	initial := append([]resolver.Event(nil), r.initial...)
	r.mu.Unlock()
	// Reported even when empty: a completed resolution with zero results
	// is a signal in its own right.
	receiver.OnDiscover(initial)
	return closerFunc(func() error { return nil })
}

func (r *staticResolver) push(events ...resolver.Event) {
	r.mu.Lock()
	receivers := append([]resolver.Receiver(nil), r.receivers...)
	r.mu.Unlock()
	for _, receiver := range receivers {
		receiver.OnDiscover(events)
	}
}

// errorResolver fails every discovery attempt with a fixed error.
type errorResolver struct {
	err error
}

func (r *errorResolver) New(
	_ context.Context,
	_, _ string,
	receiver resolver.Receiver,
	_ <-chan struct{},
) io.Closer {
	receiver.OnDiscoverError(r.err)
	return closerFunc(func() error { return nil })
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}

// startEchoServer serves a handler that aggregates the request body and
// echoes it back, tagging responses with the given server id and the
// request path, and reflecting request headers with an X- prefix.
func startEchoServer(t *testing.T, id string) *Server {
	t.Helper()
	svc := ServiceFunc(func(ctx context.Context, req *message.Request) (*message.Response, error) {
		body, err := message.Aggregate(ctx, req.Body())
		if err != nil {
			return nil, err
		}
		headers := message.NewHeaders()
		headers.Set("Server-Id", id)
		headers.Set("Echo-Path", req.Path)
		req.Headers().Range(func(name, value string) bool {
			if strings.HasPrefix(name, "X-") {
				headers.Add(name, value)
			}
			return true
		})
		return message.NewResponse(200, headers, message.BodyOfBytes(body)), nil
	})
	srv, err := Listen(context.Background(), "127.0.0.1:0", svc, WithProtocols(&prototest.Protocol{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func newTestClient(t *testing.T, res resolver.Resolver, options ...ClientOption) *Client {
	t.Helper()
	options = append([]ClientOption{
		WithProtocol(&prototest.Protocol{}),
		WithResolver(res),
	}, options...)
	client, err := NewClient("http://test.internal:80", options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewClientRequiresProtocol(t *testing.T) {
	t.Parallel()
	_, err := NewClient("http://test.internal:80")
	require.ErrorIs(t, err, ErrNoProtocol)
}

func TestClientExchange(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	srv := startEchoServer(t, "a")
	client := newTestClient(t, resolveTo(srv.Addr().String()))

	req := message.NewRequest("POST", "/things", nil, message.BodyOfBytes([]byte("hello, "), []byte("world")))
	resp, err := client.Do(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "/things", resp.Headers().Get("Echo-Path"))

	body, err := message.Aggregate(ctx, resp.Body())
	require.NoError(t, err)
	assert.Equal(t, "hello, world", string(body))
}

func TestClientDoAggregated(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	srv := startEchoServer(t, "a")
	client := newTestClient(t, resolveTo(srv.Addr().String()))

	resp, err := client.DoAggregated(ctx, message.NewRequest("POST", "/agg", nil,
		message.BodyOfBytes([]byte("payload"))))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "payload", string(resp.Body))
}

func TestClientRoundRobinAcrossEndpoints(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	srvA := startEchoServer(t, "a")
	srvB := startEchoServer(t, "b")
	client := newTestClient(t, resolveTo(srvA.Addr().String(), srvB.Addr().String()))

	do := func() string {
		resp, err := client.DoAggregated(ctx, message.NewRequest("GET", "/", nil, nil))
		require.NoError(t, err)
		return resp.Headers.Get("Server-Id")
	}

	// Both endpoints connect asynchronously; wait until both have served.
	seen := map[string]bool{}
	require.Eventually(t, func() bool {
		seen[do()] = true
		return seen["a"] && seen["b"]
	}, 5*time.Second, 10*time.Millisecond)

	// With both endpoints active, one lap of requests visits each once.
	counts := map[string]int{}
	for i := 0; i < 4; i++ {
		counts[do()]++
	}
	assert.Equal(t, map[string]int{"a": 2, "b": 2}, counts)
}

func TestClientExpiredEndpointStopsReceivingRequests(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	srvA := startEchoServer(t, "a")
	srvB := startEchoServer(t, "b")
	res := resolveTo(srvA.Addr().String(), srvB.Addr().String())
	client := newTestClient(t, res)

	do := func() string {
		resp, err := client.DoAggregated(ctx, message.NewRequest("GET", "/", nil, nil))
		require.NoError(t, err)
		return resp.Headers.Get("Server-Id")
	}
	seen := map[string]bool{}
	require.Eventually(t, func() bool {
		seen[do()] = true
		return seen["a"] && seen["b"]
	}, 5*time.Second, 10*time.Millisecond)

	res.push(resolver.Event{
		Kind:    resolver.Expired,
		Address: resolver.Address{HostPort: srvA.Addr().String()},
	})
	require.Eventually(t, func() bool {
		client.pool.mu.Lock()
		defer client.pool.mu.Unlock()
		return len(client.pool.entries) == 1
	}, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < 4; i++ {
		assert.Equal(t, "b", do())
	}
}

func TestClientFailsFastWithNoEndpoints(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	srv := startEchoServer(t, "a")
	res := resolveTo(srv.Addr().String())
	client := newTestClient(t, res)

	resp, err := client.Do(ctx, message.NewRequest("GET", "/", nil, nil))
	require.NoError(t, err)
	require.NoError(t, message.Drain(ctx, resp.Body()))

	res.push(resolver.Event{
		Kind:    resolver.Expired,
		Address: resolver.Address{HostPort: srv.Addr().String()},
	})
	require.Eventually(t, func() bool {
		_, err := client.Do(ctx, message.NewRequest("GET", "/", nil, nil))
		return errors.Is(err, ErrNoAvailableEndpoints)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClientFailsFastOnEmptyResolution(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	// Discovery completes successfully but finds nothing; selection must
	// fail immediately rather than waiting out the caller's deadline.
	client := newTestClient(t, resolveTo())

	_, err := client.Do(ctx, message.NewRequest("GET", "/", nil, nil))
	require.ErrorIs(t, err, ErrNoAvailableEndpoints)
	require.NoError(t, ctx.Err())
}

func TestClientFailsFastOnResolutionError(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	resolveErr := errors.New("no such host")
	client := newTestClient(t, &errorResolver{err: resolveErr})

	_, err := client.Do(ctx, message.NewRequest("GET", "/", nil, nil))
	require.ErrorIs(t, err, resolveErr)
}

func TestClientSuspendedWhileConnectingStaysUnavailable(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	srv := startEchoServer(t, "a")
	addr := srv.Addr().String()
	res := resolveTo(addr)
	gate := make(chan struct{})
	client := newTestClient(t, res, WithDialFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return (&net.Dialer{}).DialContext(ctx, network, address)
	}))

	// The endpoint is still dialing when discovery marks it unavailable;
	// the dial finishing must not promote it.
	res.push(resolver.Event{Kind: resolver.Unavailable, Address: resolver.Address{HostPort: addr}})
	close(gate)

	require.Eventually(t, func() bool {
		_, err := client.Do(ctx, message.NewRequest("GET", "/", nil, nil))
		return errors.Is(err, ErrNoAvailableEndpoints)
	}, 5*time.Second, 10*time.Millisecond)

	// Availability restored: the already established connection is usable
	// without a redial.
	res.push(resolver.Event{Kind: resolver.Available, Address: resolver.Address{HostPort: addr}})
	require.Eventually(t, func() bool {
		resp, err := client.Do(ctx, message.NewRequest("GET", "/", nil, nil))
		if err != nil {
			return false
		}
		require.NoError(t, message.Drain(ctx, resp.Body()))
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClientDrainsUnconsumedRequestBody(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	client := newTestClient(t, &errorResolver{err: errors.New("no such host")})

	body := message.BodyOfBytes([]byte("never"), []byte("sent"))
	_, err := client.Do(ctx, message.NewRequest("POST", "/", nil, body))
	require.Error(t, err)
	// The failed request's body was drained so its producer is released.
	assert.True(t, body.Exhausted())
}

func TestClientWithoutRequestDraining(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	client := newTestClient(t, &errorResolver{err: errors.New("no such host")},
		WithoutRequestDraining())

	body := message.BodyOfBytes([]byte("kept"))
	_, err := client.Do(ctx, message.NewRequest("POST", "/", nil, body))
	require.Error(t, err)
	assert.False(t, body.Consumed())
}

func TestClientRequesterFilterOrder(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	addHeader := func(name, value string) RequesterFilter {
		return func(next Requester) Requester {
			return RequesterFunc(func(ctx context.Context, req *message.Request) (*message.Response, error) {
				req.Headers().Add(name, value)
				return next.Do(ctx, req)
			})
		}
	}

	srv := startEchoServer(t, "a")
	client := newTestClient(t, resolveTo(srv.Addr().String()),
		WithRequesterFilter(addHeader("X-Order", "first")),
		WithRequesterFilter(addHeader("X-Order", "second")),
	)

	resp, err := client.DoAggregated(ctx, message.NewRequest("GET", "/", nil, nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, resp.Headers.Values("X-Order"))
}

func TestClientConditionalRequesterFilter(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	tag := func(next Requester) Requester {
		return RequesterFunc(func(ctx context.Context, req *message.Request) (*message.Response, error) {
			req.Headers().Set("X-Tagged", "yes")
			return next.Do(ctx, req)
		})
	}

	srv := startEchoServer(t, "a")
	client := newTestClient(t, resolveTo(srv.Addr().String()),
		WithRequesterFilterIf(func(req *message.Request) bool {
			return strings.HasPrefix(req.Path, "/api/")
		}, tag),
	)

	resp, err := client.DoAggregated(ctx, message.NewRequest("GET", "/api/users", nil, nil))
	require.NoError(t, err)
	assert.Equal(t, "yes", resp.Headers.Get("X-Tagged"))

	resp, err = client.DoAggregated(ctx, message.NewRequest("GET", "/health", nil, nil))
	require.NoError(t, err)
	assert.False(t, resp.Headers.Contains("X-Tagged"))
}

func TestClientExecutionStrategy(t *testing.T) {
	t.Parallel()
	passthrough := func(next Requester) Requester { return next }

	srv := startEchoServer(t, "a")
	client := newTestClient(t, resolveTo(srv.Addr().String()),
		WithRequesterFilterStrategy(passthrough, filter.OffloadReceiveData),
		WithExecutionStrategy(filter.OffloadSend),
	)
	assert.Equal(t, filter.OffloadReceiveData|filter.OffloadSend, client.ExecutionStrategy())
}

func TestClientRequestTimeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	stuck := ServiceFunc(func(ctx context.Context, _ *message.Request) (*message.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	srv, err := Listen(context.Background(), "127.0.0.1:0", stuck, WithProtocols(&prototest.Protocol{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	client := newTestClient(t, resolveTo(srv.Addr().String()),
		WithRequestTimeout(100*time.Millisecond))

	_, err = client.Do(ctx, message.NewRequest("GET", "/stuck", nil, nil))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
