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

// Package message defines the streaming request/response model: metadata
// that is available eagerly, and a body that is a lazy, single-consumer,
// backpressured sequence of chunks. Consumers can branch on headers (for
// example content-type) before deciding how to consume the body.
package message

// Version identifies the HTTP protocol version of a message.
type Version int

const (
	HTTP10 Version = iota
	HTTP11
)

func (v Version) String() string {
	switch v {
	case HTTP10:
		return "HTTP/1.0"
	case HTTP11:
		return "HTTP/1.1"
	default:
		return "HTTP/?"
	}
}

// Request is a streaming HTTP request. Metadata (method, path, version,
// headers) is fully constructed before the body is exposed. Metadata must
// not be mutated once the body has been consumed.
type Request struct {
	Method  string
	Path    string
	Version Version

	headers *Headers
	body    *Body
}

// NewRequest constructs a request. A nil headers or body is replaced with
// an empty one.
func NewRequest(method, path string, headers *Headers, body *Body) *Request {
	if headers == nil {
		headers = NewHeaders()
	}
	if body == nil {
		body = EmptyBody()
	}
	return &Request{Method: method, Path: path, Version: HTTP11, headers: headers, body: body}
}

// Headers returns the request's header multimap.
func (r *Request) Headers() *Headers {
	return r.headers
}

// Body returns the request's body sequence.
func (r *Request) Body() *Body {
	return r.body
}

// WithBody returns a shallow copy of the request carrying the given body.
// Filters that transform payloads use this to swap the body while keeping
// metadata intact.
func (r *Request) WithBody(body *Body) *Request {
	clone := *r
	clone.body = body
	return &clone
}

// Response is a streaming HTTP response.
type Response struct {
	Status  int
	Version Version

	headers *Headers
	body    *Body
}

// NewResponse constructs a response. A nil headers or body is replaced
// with an empty one.
func NewResponse(status int, headers *Headers, body *Body) *Response {
	if headers == nil {
		headers = NewHeaders()
	}
	if body == nil {
		body = EmptyBody()
	}
	return &Response{Status: status, Version: HTTP11, headers: headers, body: body}
}

// Headers returns the response's header multimap.
func (r *Response) Headers() *Headers {
	return r.headers
}

// Body returns the response's body sequence.
func (r *Response) Body() *Body {
	return r.body
}

// WithBody returns a shallow copy of the response carrying the given body.
func (r *Response) WithBody(body *Body) *Response {
	clone := *r
	clone.body = body
	return &clone
}
