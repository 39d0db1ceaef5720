// Package transport carries JSON-RPC 2.0 traffic between the lifecycle
// service and its workers and reviewers.
//
// The Transport interface abstracts the wire: a websocket connection and
// a server-sent-event stream both satisfy it, so the dispatch layer never
// cares which backend a client connected over. One transport instance
// corresponds to one client connection.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// Common errors.
var (
	ErrClosed      = errors.New("transport closed")
	ErrSendTimeout = errors.New("send timeout")
)

// Transport provides bidirectional JSON-RPC message passing.
type Transport interface {
	// Recv returns the channel of incoming messages. It is closed when
	// the transport shuts down.
	Recv() <-chan *InboundMessage

	// Send queues a message for delivery.
	// Returns ErrClosed if the transport is closed.
	Send(msg *OutboundMessage) error

	// Run starts the transport and blocks until ctx is cancelled or the
	// connection fails.
	Run(ctx context.Context) error

	// Close initiates graceful shutdown.
	Close() error
}

// InboundMessage wraps an incoming JSON-RPC message. Exactly one of
// Request and Notification is set.
type InboundMessage struct {
	// Request is set if this is a JSON-RPC request (has ID).
	Request *Request

	// Notification is set if this is a notification (no ID).
	Notification *Notification

	// Raw contains the original bytes for passthrough scenarios.
	Raw json.RawMessage
}

// OutboundMessage wraps an outgoing JSON-RPC message.
type OutboundMessage struct {
	// Response is set when replying to a request.
	Response *Response

	// Notification is set when sending an unsolicited notification,
	// like a step event pushed to a worker.
	Notification *Notification
}

// parseError wraps a decode failure in the protocol error shape.
func parseError(err error) *Error {
	return &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
}

// ParseInbound classifies raw JSON as a request or a notification. The
// presence of an id field is what separates the two; a null id counts as
// absent.
func ParseInbound(data []byte) (*InboundMessage, error) {
	var head struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  string          `json:"method"`
	}

	if err := json.Unmarshal(data, &head); err != nil {
		return nil, parseError(err)
	}

	if head.JSONRPC != "2.0" {
		return nil, &Error{Code: InvalidRequest, Message: "Invalid Request", Data: "jsonrpc must be 2.0"}
	}

	msg := &InboundMessage{Raw: data}

	if len(head.ID) > 0 && string(head.ID) != "null" {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, parseError(err)
		}
		msg.Request = &req
	} else {
		var notif Notification
		if err := json.Unmarshal(data, &notif); err != nil {
			return nil, parseError(err)
		}
		msg.Notification = &notif
	}

	return msg, nil
}

// MarshalOutbound serializes an OutboundMessage to JSON.
func MarshalOutbound(msg *OutboundMessage) ([]byte, error) {
	switch {
	case msg.Response != nil:
		return json.Marshal(msg.Response)
	case msg.Notification != nil:
		return json.Marshal(msg.Notification)
	}
	return nil, errors.New("empty outbound message")
}

// Config holds common transport configuration.
type Config struct {
	// RecvBufferSize is the size of the receive channel buffer.
	// Default: 100
	RecvBufferSize int

	// SendBufferSize is the size of the internal send buffer.
	// Default: 100
	SendBufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RecvBufferSize: 100,
		SendBufferSize: 100,
	}
}
