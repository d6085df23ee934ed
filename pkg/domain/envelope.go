package domain

import (
	"net/textproto"
	"strconv"
)

// Header is a single name/value pair carried by an Envelope.
type Header struct {
	Name  string
	Value string
}

// Headers is an insertion-ordered set of message headers. Names are stored in
// canonical MIME form so lookups are case-insensitive. The zero value is an
// empty set ready to use. Headers is immutable: every mutator returns a copy.
type Headers struct {
	entries []Header
}

// NewHeaders builds a header set from alternating name/value pairs. A trailing
// name without a value is ignored.
func NewHeaders(pairs ...string) Headers {
	var h Headers
	for i := 0; i+1 < len(pairs); i += 2 {
		h = h.With(pairs[i], pairs[i+1])
	}
	return h
}

// Get returns the value stored under name.
func (h Headers) Get(name string) (string, bool) {
	if i := h.index(name); i >= 0 {
		return h.entries[i].Value, true
	}
	return "", false
}

// With returns a copy of h with name set to value. An existing header keeps its
// original position; a new header is appended.
func (h Headers) With(name, value string) Headers {
	key := textproto.CanonicalMIMEHeaderKey(name)
	entries := make([]Header, len(h.entries), len(h.entries)+1)
	copy(entries, h.entries)
	if i := h.index(key); i >= 0 {
		entries[i].Value = value
		return Headers{entries: entries}
	}
	return Headers{entries: append(entries, Header{Name: key, Value: value})}
}

// Without returns a copy of h with name removed.
func (h Headers) Without(name string) Headers {
	i := h.index(name)
	if i < 0 {
		return h
	}
	entries := make([]Header, 0, len(h.entries)-1)
	entries = append(entries, h.entries[:i]...)
	entries = append(entries, h.entries[i+1:]...)
	return Headers{entries: entries}
}

// Len reports the number of headers.
func (h Headers) Len() int {
	return len(h.entries)
}

// Keys returns header names in insertion order.
func (h Headers) Keys() []string {
	keys := make([]string, len(h.entries))
	for i, e := range h.entries {
		keys[i] = e.Name
	}
	return keys
}

// Clone returns an independent copy of h.
func (h Headers) Clone() Headers {
	if h.entries == nil {
		return Headers{}
	}
	return Headers{entries: h.Entries()}
}

// Entries returns a copy of the header pairs in insertion order.
func (h Headers) Entries() []Header {
	out := make([]Header, len(h.entries))
	copy(out, h.entries)
	return out
}

func (h Headers) index(name string) int {
	key := textproto.CanonicalMIMEHeaderKey(name)
	for i, e := range h.entries {
		if e.Name == key {
			return i
		}
	}
	return -1
}

// Well-known envelope headers.
const (
	HeaderContentType      = "Content-Type"
	HeaderRequestID        = "X-Request-Id"
	HeaderSOAPAction       = "Soapaction"
	HeaderDownstreamStatus = "X-Downstream-Status"
)

// Envelope is the message travelling through a pipeline. It is a value type:
// stages never mutate an Envelope in place, they derive a new one with the
// With* methods. Each inbound request owns exactly one chain of envelopes.
type Envelope struct {
	body    []byte
	headers Headers
	routeID string
}

// NewEnvelope creates an envelope for routeID. The body is copied.
func NewEnvelope(routeID string, body []byte, headers Headers) Envelope {
	return Envelope{
		body:    cloneBytes(body),
		headers: headers,
		routeID: routeID,
	}
}

// Body returns the message payload. Callers must treat it as read-only.
func (e Envelope) Body() []byte {
	return e.body
}

// Headers returns the envelope header set.
func (e Envelope) Headers() Headers {
	return e.headers
}

// RouteID identifies the route that produced this envelope.
func (e Envelope) RouteID() string {
	return e.routeID
}

// Header returns a single header value.
func (e Envelope) Header(name string) (string, bool) {
	return e.headers.Get(name)
}

// ContentType returns the Content-Type header, or "" when unset.
func (e Envelope) ContentType() string {
	v, _ := e.headers.Get(HeaderContentType)
	return v
}

// RequestID returns the correlation id assigned by the listener.
func (e Envelope) RequestID() string {
	v, _ := e.headers.Get(HeaderRequestID)
	return v
}

// DownstreamStatus returns the status captured by an invoke-http stage, or 0.
func (e Envelope) DownstreamStatus() int {
	v, ok := e.headers.Get(HeaderDownstreamStatus)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// WithBody returns a copy of e carrying body. The slice is copied.
func (e Envelope) WithBody(body []byte) Envelope {
	e.body = cloneBytes(body)
	return e
}

// WithHeader returns a copy of e with the header set.
func (e Envelope) WithHeader(name, value string) Envelope {
	e.headers = e.headers.With(name, value)
	return e
}

// WithContentType is shorthand for WithHeader(Content-Type, ct).
func (e Envelope) WithContentType(ct string) Envelope {
	return e.WithHeader(HeaderContentType, ct)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
