package transport

import (
	"encoding/json"
	"testing"
)

func TestParseInbound_Request(t *testing.T) {
	data := []byte(`{"jsonrpc":"2.0","id":7,"method":"step.claim","params":{"step_id":"s1"}}`)

	msg, err := ParseInbound(data)
	if err != nil {
		t.Fatalf("ParseInbound failed: %v", err)
	}
	if msg.Request == nil {
		t.Fatal("expected a request")
	}
	if msg.Request.Method != "step.claim" {
		t.Errorf("method = %q", msg.Request.Method)
	}
	if msg.Notification != nil {
		t.Error("notification should be nil for a request")
	}
}

func TestParseInbound_Notification(t *testing.T) {
	data := []byte(`{"jsonrpc":"2.0","method":"heartbeat"}`)

	msg, err := ParseInbound(data)
	if err != nil {
		t.Fatalf("ParseInbound failed: %v", err)
	}
	if msg.Notification == nil {
		t.Fatal("expected a notification")
	}
	if msg.Request != nil {
		t.Error("request should be nil for a notification")
	}
}

func TestParseInbound_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
		code int
	}{
		{"malformed", `{invalid`, ParseError},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"x"}`, InvalidRequest},
		{"missing version", `{"id":1,"method":"x"}`, InvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseInbound([]byte(tt.data))
			if err == nil {
				t.Fatal("expected error")
			}
			rpcErr, ok := err.(*Error)
			if !ok {
				t.Fatalf("expected *Error, got %T", err)
			}
			if rpcErr.Code != tt.code {
				t.Errorf("code = %d, want %d", rpcErr.Code, tt.code)
			}
		})
	}
}

func TestMarshalOutbound(t *testing.T) {
	data, err := MarshalOutbound(&OutboundMessage{
		Response: NewResponse(1, map[string]string{"status": "done"}),
	})
	if err != nil {
		t.Fatalf("MarshalOutbound failed: %v", err)
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if resp.JSONRPC != "2.0" {
		t.Errorf("jsonrpc = %q", resp.JSONRPC)
	}

	if _, err := MarshalOutbound(&OutboundMessage{}); err == nil {
		t.Error("expected error for empty outbound message")
	}
}

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse(3, MethodNotFound, "Method not found", "step.unknown")
	if resp.Error == nil || resp.Error.Code != MethodNotFound {
		t.Errorf("error = %+v", resp.Error)
	}
	if resp.Error.Error() != "Method not found" {
		t.Errorf("Error() = %q", resp.Error.Error())
	}
}
