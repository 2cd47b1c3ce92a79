// Package mcp speaks newline-delimited JSON-RPC 2.0 to tool server
// subprocesses over stdio, per the Model Context Protocol.
package mcp

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// JSON-RPC 2.0 specification: https://www.jsonrpc.org/specification

// JSONRPCVersion is the JSON-RPC version used by MCP.
const JSONRPCVersion = "2.0"

// Standard JSON-RPC error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Request is a JSON-RPC 2.0 request. IDs are monotonic integers per client.
type Request struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int64          `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

// Notification is a request without an id; no reply is expected.
type Notification struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response. ID is left loose because servers echo
// it back as whatever JSON number or string form they prefer.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsError reports whether the response carries an error object.
func (r *Response) IsError() bool { return r.Error != nil }

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("JSON-RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request with the protocol version filled in.
func NewRequest(id int64, method string, params map[string]any) *Request {
	return &Request{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: params}
}

// NewNotification builds a notification with the protocol version filled in.
func NewNotification(method string, params map[string]any) *Notification {
	return &Notification{JSONRPC: JSONRPCVersion, Method: method, Params: params}
}

// UnmarshalResponse parses one response line and checks the version marker.
func UnmarshalResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "failed to parse JSON-RPC response", Data: err.Error()}
	}
	if resp.JSONRPC != JSONRPCVersion {
		return nil, &RPCError{Code: InvalidRequest, Message: fmt.Sprintf("invalid JSON-RPC version: %q", resp.JSONRPC)}
	}
	return &resp, nil
}

// normalizeID maps the loosely-typed response id back onto the int64 space
// request ids are allocated from. Unmappable ids return ok=false and the
// response is dropped.
func normalizeID(id any) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
