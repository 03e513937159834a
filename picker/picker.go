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

// Package picker provides connection selection policies for the load
// balancer. A picker selects from a fixed snapshot of active
// connections; the pool swaps in a new picker whenever that set changes.
package picker

import (
	"errors"

	"github.com/svchttp/svchttp/conn"
)

// ErrNoAvailableConns is returned by pickers when no connection can take
// another request right now.
var ErrNoAvailableConns = errors.New("picker: no available connections")

// Picker selects the connection to use for one outbound request. Pick
// must be safe for concurrent callers and must not block on network I/O.
type Picker interface {
	Pick() (conn.Conn, error)
}

// Factory creates pickers. New is called with the previous picker (nil
// the first time) and the current set of active connections, every time
// that set changes.
type Factory interface {
	New(prev Picker, conns conn.Conns) Picker
}

// ErrorPicker returns a picker that always fails with the given error.
func ErrorPicker(err error) Picker {
	return pickerFunc(func() (conn.Conn, error) {
		return nil, err
	})
}

type pickerFunc func() (conn.Conn, error)

func (f pickerFunc) Pick() (conn.Conn, error) {
	return f()
}
