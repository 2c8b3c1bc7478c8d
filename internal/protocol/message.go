// Package protocol implements the client wire format of the lattice protocol.
//
// Every frame is a JSON array. Server frames are [kind, meta, data];
// client requests are [method, meta, args, kwargs].
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Subprotocol is the websocket subprotocol spoken by clients.
const Subprotocol = "v1.swindon-lattice+json"

// FrameKind identifies a server frame.
type FrameKind string

const (
	KindHello      FrameKind = "hello"
	KindFatalError FrameKind = "fatal_error"
	KindResult     FrameKind = "result"
	KindError      FrameKind = "error"
	KindMessage    FrameKind = "message"
	KindLattice    FrameKind = "lattice"
)

// Frame is one encoded server frame.
type Frame []byte

// Meta is the metadata object of a frame.
type Meta map[string]interface{}

// NewFrame encodes [kind, meta, data].
func NewFrame(kind FrameKind, meta Meta, data interface{}) Frame {
	if meta == nil {
		meta = Meta{}
	}
	b, err := json.Marshal([]interface{}{kind, meta, data})
	if err != nil {
		// data that cannot be encoded is a programming error upstream
		b, _ = json.Marshal([]interface{}{KindError, Meta{"error_kind": "internal_error"}, err.Error()})
	}
	return Frame(b)
}

// Kind decodes the kind of an encoded frame.
func (f Frame) Kind() FrameKind {
	var head []json.RawMessage
	if err := json.Unmarshal(f, &head); err != nil || len(head) == 0 {
		return ""
	}
	var kind FrameKind
	json.Unmarshal(head[0], &kind)
	return kind
}

// Hello greets an authorized connection.
func Hello(userinfo json.RawMessage) Frame {
	return NewFrame(KindHello, nil, userinfo)
}

// FatalError reports a connection-terminating failure.
func FatalError(meta Meta, data json.RawMessage) Frame {
	return NewFrame(KindFatalError, meta, data)
}

// Message delivers a publish to a topic subscriber.
func Message(topic Topic, data json.RawMessage) Frame {
	return NewFrame(KindMessage, Meta{"topic": topic.Render()}, data)
}

// Lattice delivers a lattice delta or snapshot.
func Lattice(ns Namespace, data interface{}) Frame {
	return NewFrame(KindLattice, Meta{"namespace": ns.Render()}, data)
}

// Result answers a client request.
func Result(requestID json.RawMessage, data json.RawMessage) Frame {
	return NewFrame(KindResult, Meta{"request_id": requestID}, data)
}

// Error answers a client request with a failure. Extra meta is merged in.
func Error(requestID json.RawMessage, kind string, extra Meta, data json.RawMessage) Frame {
	meta := Meta{"request_id": requestID, "error_kind": kind}
	for k, v := range extra {
		meta[k] = v
	}
	return NewFrame(KindError, meta, data)
}

// Request is a parsed client request frame.
type Request struct {
	Method string
	Meta   map[string]json.RawMessage
	Args   json.RawMessage
	Kwargs json.RawMessage
}

// RequestID returns the raw request_id, or JSON null.
func (r *Request) RequestID() json.RawMessage {
	if id, ok := r.Meta["request_id"]; ok {
		return id
	}
	return json.RawMessage("null")
}

// Active returns the client keep-alive hint in seconds (0 when absent).
func (r *Request) Active() float64 {
	raw, ok := r.Meta["active"]
	if !ok {
		return 0
	}
	var secs float64
	if err := json.Unmarshal(raw, &secs); err != nil || secs < 0 {
		return 0
	}
	return secs
}

// ParseRequest parses [method, meta, args, kwargs].
func ParseRequest(data []byte) (*Request, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, Invalid("request is not a JSON array: %v", err)
	}
	if len(parts) != 4 {
		return nil, Invalid("request has %d elements, want 4", len(parts))
	}

	req := &Request{}
	if err := json.Unmarshal(parts[0], &req.Method); err != nil {
		return nil, Invalid("method is not a string")
	}
	if !methodPattern.MatchString(req.Method) {
		return nil, Invalid("bad method %q", req.Method)
	}
	if strings.HasPrefix(req.Method, "tangle.") || strings.HasPrefix(req.Method, "swindon.") {
		return nil, Invalid("method %q is reserved", req.Method)
	}
	if err := json.Unmarshal(parts[1], &req.Meta); err != nil || req.Meta == nil {
		return nil, Invalid("meta is not an object")
	}
	if _, ok := req.Meta["request_id"]; !ok {
		return nil, Invalid("meta has no request_id")
	}
	if !isJSONKind(parts[2], '[') {
		return nil, Invalid("args is not an array")
	}
	if !isJSONKind(parts[3], '{') {
		return nil, Invalid("kwargs is not an object")
	}
	req.Args = parts[2]
	req.Kwargs = parts[3]
	return req, nil
}

// BackendBody builds the [meta, args, kwargs] body sent to a backend.
// The connection id is added to the client's meta.
func (r *Request) BackendBody(connectionID string) ([]byte, error) {
	meta := make(map[string]json.RawMessage, len(r.Meta)+1)
	for k, v := range r.Meta {
		meta[k] = v
	}
	cid, err := json.Marshal(connectionID)
	if err != nil {
		return nil, err
	}
	meta["connection_id"] = cid
	return json.Marshal([]interface{}{meta, r.Args, r.Kwargs})
}

// CallBody builds a [meta, [], kwargs] body for calls originated by the proxy.
func CallBody(meta Meta, kwargs map[string]interface{}) []byte {
	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}
	b, err := json.Marshal([]interface{}{meta, []interface{}{}, kwargs})
	if err != nil {
		panic(fmt.Sprintf("protocol: encoding call body: %v", err))
	}
	return b
}

func isJSONKind(raw json.RawMessage, open byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == open
}
