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

package picker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svchttp/svchttp/conn"
	"github.com/svchttp/svchttp/message"
	"github.com/svchttp/svchttp/resolver"
)

type fakeConn struct {
	addr    string
	pending int
	limit   int
}

func (c *fakeConn) Exchange(context.Context, *message.Request) (*message.Response, error) {
	return nil, nil //nolint:nilnil // never exchanged in these tests
}

func (c *fakeConn) Address() resolver.Address {
	return resolver.Address{HostPort: c.addr}
}

func (c *fakeConn) Pending() int {
	return c.pending
}

func (c *fakeConn) Limit() int {
	if c.limit == 0 {
		return 1
	}
	return c.limit
}

func (c *fakeConn) GracefulClose(context.Context) error { return nil }
func (c *fakeConn) Close() error                        { return nil }

func TestRoundRobinVisitsEachConnOncePerLap(t *testing.T) {
	t.Parallel()
	conns := []conn.Conn{
		&fakeConn{addr: "a:80"},
		&fakeConn{addr: "b:80"},
		&fakeConn{addr: "c:80"},
	}
	p := RoundRobinFactory.New(nil, conn.FromSlice(conns))

	const laps = 4
	counts := map[string]int{}
	for i := 0; i < laps*len(conns); i++ {
		picked, err := p.Pick()
		require.NoError(t, err)
		counts[picked.Address().HostPort]++
	}
	assert.Equal(t, map[string]int{"a:80": laps, "b:80": laps, "c:80": laps}, counts)
}

func TestRoundRobinSkipsSaturatedConns(t *testing.T) {
	t.Parallel()
	busy := &fakeConn{addr: "busy:80", pending: 1, limit: 1}
	free := &fakeConn{addr: "free:80", limit: 1}
	p := RoundRobinFactory.New(nil, conn.FromSlice([]conn.Conn{busy, free}))

	for i := 0; i < 4; i++ {
		picked, err := p.Pick()
		require.NoError(t, err)
		assert.Equal(t, "free:80", picked.Address().HostPort)
	}
}

func TestRoundRobinAllSaturated(t *testing.T) {
	t.Parallel()
	conns := []conn.Conn{
		&fakeConn{addr: "a:80", pending: 1, limit: 1},
		&fakeConn{addr: "b:80", pending: 2, limit: 2},
	}
	p := RoundRobinFactory.New(nil, conn.FromSlice(conns))
	_, err := p.Pick()
	require.ErrorIs(t, err, ErrNoAvailableConns)
}

func TestErrorPicker(t *testing.T) {
	t.Parallel()
	p := ErrorPicker(ErrNoAvailableConns)
	_, err := p.Pick()
	require.ErrorIs(t, err, ErrNoAvailableConns)
}
