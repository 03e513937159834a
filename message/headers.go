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

package message

import "strings"

// Headers is a multimap of header names to values. It preserves insertion
// order, permits multiple values per name, and looks names up
// case-insensitively. It is not safe for concurrent use; a message's
// headers must not be mutated once its body has been consumed.
type Headers struct {
	entries []headerEntry
}

type headerEntry struct {
	name  string // as added, original case
	fold  string // lower-cased, for lookup
	value string
}

// NewHeaders returns an empty set of headers.
func NewHeaders() *Headers {
	return &Headers{}
}

// Add appends a value for the given name, after any existing values.
func (h *Headers) Add(name, value string) {
	h.entries = append(h.entries, headerEntry{name: name, fold: foldName(name), value: value})
}

// Set replaces all existing values for the given name with the single
// given value. The entry keeps the position of the first existing value,
// or is appended if the name was not present.
func (h *Headers) Set(name, value string) {
	fold := foldName(name)
	out := h.entries[:0]
	replaced := false
	for _, e := range h.entries {
		if e.fold != fold {
			out = append(out, e)
			continue
		}
		if !replaced {
			out = append(out, headerEntry{name: name, fold: fold, value: value})
			replaced = true
		}
	}
	h.entries = out
	if !replaced {
		h.Add(name, value)
	}
}

// Get returns the first value for the given name, or "" if absent.
func (h *Headers) Get(name string) string {
	fold := foldName(name)
	for _, e := range h.entries {
		if e.fold == fold {
			return e.value
		}
	}
	return ""
}

// Contains reports whether at least one value exists for the given name.
func (h *Headers) Contains(name string) bool {
	fold := foldName(name)
	for _, e := range h.entries {
		if e.fold == fold {
			return true
		}
	}
	return false
}

// Values returns all values for the given name, in insertion order.
func (h *Headers) Values(name string) []string {
	fold := foldName(name)
	var values []string
	for _, e := range h.entries {
		if e.fold == fold {
			values = append(values, e.value)
		}
	}
	return values
}

// Remove removes all values for the given name.
func (h *Headers) Remove(name string) {
	fold := foldName(name)
	out := h.entries[:0]
	for _, e := range h.entries {
		if e.fold != fold {
			out = append(out, e)
		}
	}
	h.entries = out
}

// Len returns the total number of name/value entries.
func (h *Headers) Len() int {
	return len(h.entries)
}

// Range calls fn for each entry in insertion order, stopping early if fn
// returns false.
func (h *Headers) Range(fn func(name, value string) bool) {
	for _, e := range h.entries {
		if !fn(e.name, e.value) {
			return
		}
	}
}

// Clone returns a deep copy.
func (h *Headers) Clone() *Headers {
	clone := make([]headerEntry, len(h.entries))
	copy(clone, h.entries)
	return &Headers{entries: clone}
}

func foldName(name string) string {
	return strings.ToLower(name)
}
