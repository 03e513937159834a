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

// Package resolver provides continuous service discovery: resolving a
// logical target into a changing set of endpoint addresses, delivered as
// availability events out of band of request traffic.
package resolver

import (
	"context"
	"io"
	"net"
	"time"
)

// EventKind describes how an endpoint's availability changed.
type EventKind int

const (
	// Available indicates a newly discovered address.
	Available EventKind = iota
	// Unavailable indicates an address that should not receive new
	// requests but may come back. The polling resolver never emits it;
	// it exists for discoverers that can distinguish temporary absence.
	Unavailable
	// Expired indicates an address that is gone. The consumer should
	// close any connection to it and forget it.
	Expired
)

func (k EventKind) String() string {
	switch k {
	case Available:
		return "available"
	case Unavailable:
		return "unavailable"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Address is a resolved endpoint address.
type Address struct {
	// HostPort is the host:port pair of the resolved address.
	HostPort string
}

// Event is one endpoint availability change.
type Event struct {
	Kind    EventKind
	Address Address
}

// Resolver is an interface for continuous name resolution.
type Resolver interface {
	// New creates a continuous discovery task for the given target. The
	// task diffs each new resolution result against the previous one and
	// delivers availability events to the receiver. The event sequence is
	// infinite: resolution failures are reported via OnDiscoverError and
	// the task keeps retrying (with backoff) until it is closed or the
	// given context is cancelled.
	//
	// The refresh channel receives hints that the consumer wants fresh
	// results early, e.g. because it ran out of usable endpoints. It may
	// be nil. The refresh channel must not be closed until after Close
	// returns.
	//
	// Close stops the task and frees its resources. After Close returns
	// there are no further calls to the receiver.
	New(
		ctx context.Context,
		scheme, hostPort string,
		receiver Receiver,
		refresh <-chan struct{},
	) io.Closer
}

// Receiver consumes discovery results.
type Receiver interface {
	// OnDiscover is called with the availability changes computed by one
	// resolution cycle. The first cycle reports every address as
	// Available.
	OnDiscover([]Event)
	// OnDiscoverError is called when a resolution cycle fails. The error
	// is transient: the previously discovered endpoint set remains in
	// effect and the resolver keeps trying.
	OnDiscoverError(error)
}

// ResolveProber performs single-shot name resolution.
type ResolveProber interface {
	// ResolveOnce resolves the given target once. The returned TTL is the
	// suggested time until the next resolution, or 0 if unknown.
	//
	// The resolved addresses should include ports. If the provided
	// hostPort string has no port, a default is chosen from the scheme.
	ResolveOnce(ctx context.Context, scheme, hostPort string) (results []Address, ttl time.Duration, err error)
}

// NewDNSResolver creates a resolver that polls DNS names. The network
// must be one of "ip", "ip4" or "ip6". Because net.Resolver does not
// expose record TTLs, the polling interval is governed by the polling
// options.
func NewDNSResolver(netResolver *net.Resolver, network string, opts ...PollingOption) Resolver {
	return NewPollingResolver(&dnsResolveProber{resolver: netResolver, network: network}, opts...)
}

type dnsResolveProber struct {
	resolver *net.Resolver
	network  string
}

func (r *dnsResolveProber) ResolveOnce(ctx context.Context, scheme, hostPort string) ([]Address, time.Duration, error) {
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		// Assume this is not a host:port pair.
		// There is no possible better heuristic for this, unfortunately.
		host = hostPort
		switch scheme {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	addresses, err := r.resolver.LookupNetIP(ctx, r.network, host)
	if err != nil {
		return nil, 0, err
	}
	result := make([]Address, len(addresses))
	for i, address := range addresses {
		result[i].HostPort = net.JoinHostPort(address.Unmap().String(), port)
	}
	return result, 0, nil
}
