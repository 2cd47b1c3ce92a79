package mcp

import (
	"encoding/json"
	"testing"
)

func TestRequestWireShape(t *testing.T) {
	req := NewRequest(7, "tools/call", map[string]any{"name": "echo"})

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	var wire map[string]any
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("unmarshal wire form: %v", err)
	}
	if wire["jsonrpc"] != "2.0" {
		t.Errorf("expected jsonrpc 2.0, got %v", wire["jsonrpc"])
	}
	if wire["id"] != float64(7) {
		t.Errorf("expected numeric id 7, got %v (%T)", wire["id"], wire["id"])
	}
	if wire["method"] != "tools/call" {
		t.Errorf("expected method tools/call, got %v", wire["method"])
	}
}

func TestNotificationHasNoID(t *testing.T) {
	notif := NewNotification("notifications/initialized", nil)

	data, err := json.Marshal(notif)
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}
	var wire map[string]any
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("unmarshal wire form: %v", err)
	}
	if _, ok := wire["id"]; ok {
		t.Error("notification must not carry an id")
	}
}

func TestUnmarshalResponse(t *testing.T) {
	resp, err := UnmarshalResponse([]byte(`{"jsonrpc":"2.0","id":3,"result":{"ok":true}}`))
	if err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.IsError() {
		t.Error("expected success response")
	}
	id, ok := normalizeID(resp.ID)
	if !ok || id != 3 {
		t.Errorf("expected id 3, got %v ok=%v", id, ok)
	}
}

func TestUnmarshalResponseInvalidJSON(t *testing.T) {
	_, err := UnmarshalResponse([]byte("not valid json"))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	rpcErr, ok := err.(*RPCError)
	if !ok {
		t.Fatalf("expected RPCError, got %T", err)
	}
	if rpcErr.Code != ParseError {
		t.Errorf("expected ParseError code, got %d", rpcErr.Code)
	}
}

func TestUnmarshalResponseInvalidVersion(t *testing.T) {
	_, err := UnmarshalResponse([]byte(`{"jsonrpc":"1.0","id":1,"result":"x"}`))
	if err == nil {
		t.Fatal("expected error for wrong version")
	}
	rpcErr, ok := err.(*RPCError)
	if !ok {
		t.Fatalf("expected RPCError, got %T", err)
	}
	if rpcErr.Code != InvalidRequest {
		t.Errorf("expected InvalidRequest code, got %d", rpcErr.Code)
	}
}

func TestRPCErrorString(t *testing.T) {
	tests := []struct {
		name     string
		err      *RPCError
		expected string
	}{
		{
			name:     "without data",
			err:      &RPCError{Code: ParseError, Message: "parse failed"},
			expected: "JSON-RPC error -32700: parse failed",
		},
		{
			name:     "with data",
			err:      &RPCError{Code: InvalidRequest, Message: "invalid request", Data: "missing method"},
			expected: "JSON-RPC error -32600: invalid request (data: missing method)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestNormalizeID(t *testing.T) {
	tests := []struct {
		in   any
		want int64
		ok   bool
	}{
		{float64(12), 12, true},
		{int64(5), 5, true},
		{json.Number("9"), 9, true},
		{"42", 42, true},
		{"abc", 0, false},
		{nil, 0, false},
		{true, 0, false},
	}
	for _, tt := range tests {
		got, ok := normalizeID(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("normalizeID(%v) = %d,%v; want %d,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
