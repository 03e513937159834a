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

// Package svchttp is a streaming HTTP client/server framework built
// around three mechanisms: composable filters over services, requesters,
// connections and connection-acceptors; a load-balanced client that
// spreads requests across a connection pool fed by out-of-band service
// discovery; and a streaming message contract where metadata resolves
// eagerly and bodies are lazy, cancellable, backpressured sequences.
package svchttp

import (
	"context"
	"errors"
	"net"

	"github.com/svchttp/svchttp/conn"
	"github.com/svchttp/svchttp/filter"
	"github.com/svchttp/svchttp/message"
)

// ErrNoAvailableEndpoints is returned from the request path when the
// load balancer has no active endpoint to select. Retrying is the
// caller's (or a filter's) decision, never the balancer's.
var ErrNoAvailableEndpoints = errors.New("svchttp: no available endpoints")

// Service handles one server-side request and produces a response. The
// connection the request arrived on is described by ConnInfoFrom(ctx).
type Service interface {
	Handle(ctx context.Context, req *message.Request) (*message.Response, error)
}

// ServiceFunc adapts a function to the Service interface.
type ServiceFunc func(ctx context.Context, req *message.Request) (*message.Response, error)

func (f ServiceFunc) Handle(ctx context.Context, req *message.Request) (*message.Response, error) {
	return f(ctx, req)
}

// Requester issues one client-side request and produces a response.
type Requester interface {
	Do(ctx context.Context, req *message.Request) (*message.Response, error)
}

// RequesterFunc adapts a function to the Requester interface.
type RequesterFunc func(ctx context.Context, req *message.Request) (*message.Response, error)

func (f RequesterFunc) Do(ctx context.Context, req *message.Request) (*message.Response, error) {
	return f(ctx, req)
}

// Acceptor decides whether a newly established transport connection is
// admitted, before any HTTP processing begins. It runs once per
// connection, never per request. A nil return accepts; a non-nil error
// rejects with that detail.
type Acceptor interface {
	Accept(ctx context.Context, info *ConnInfo) error
}

// AcceptorFunc adapts a function to the Acceptor interface.
type AcceptorFunc func(ctx context.Context, info *ConnInfo) error

func (f AcceptorFunc) Accept(ctx context.Context, info *ConnInfo) error {
	return f(ctx, info)
}

// The four filter kinds share one composition law (see package filter);
// they differ only in handler signature.
type (
	ServiceFilter   = filter.Filter[Service]
	RequesterFilter = filter.Filter[Requester]
	ConnFilter      = filter.Filter[conn.Conn]
	AcceptorFilter  = filter.Filter[Acceptor]
)

// ServiceFilterIf wraps a service filter so it only takes effect for
// requests matching pred; other requests flow straight to the next
// handler. The filter keeps its static position in the chain either way,
// so ordering among filters never depends on which ones trigger.
func ServiceFilterIf(pred func(*message.Request) bool, f ServiceFilter) ServiceFilter {
	return func(next Service) Service {
		filtered := f(next)
		return ServiceFunc(func(ctx context.Context, req *message.Request) (*message.Response, error) {
			if pred(req) {
				return filtered.Handle(ctx, req)
			}
			return next.Handle(ctx, req)
		})
	}
}

// RequesterFilterIf is the requester-side analog of ServiceFilterIf.
func RequesterFilterIf(pred func(*message.Request) bool, f RequesterFilter) RequesterFilter {
	return func(next Requester) Requester {
		filtered := f(next)
		return RequesterFunc(func(ctx context.Context, req *message.Request) (*message.Response, error) {
			if pred(req) {
				return filtered.Do(ctx, req)
			}
			return next.Do(ctx, req)
		})
	}
}

// ConnInfo describes a transport connection as seen by acceptors and
// services.
type ConnInfo struct {
	LocalAddr  net.Addr
	RemoteAddr net.Addr
	// Secure reports whether the connection was upgraded to TLS.
	Secure bool
	// Protocol is the name of the negotiated protocol configuration.
	Protocol string
}

type connInfoKey struct{}

// ConnInfoFrom returns the connection info stored in a service handler's
// context.
func ConnInfoFrom(ctx context.Context) (*ConnInfo, bool) {
	info, ok := ctx.Value(connInfoKey{}).(*ConnInfo)
	return info, ok
}

func withConnInfo(ctx context.Context, info *ConnInfo) context.Context {
	return context.WithValue(ctx, connInfoKey{}, info)
}
