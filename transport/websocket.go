package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransport carries one caller's JSON-RPC session over a
// websocket connection. Each worker or reviewer connection gets its own
// transport, which is what ties connection identity to the calls made
// on it.
type WebSocketTransport struct {
	conn   *websocket.Conn
	config WebSocketConfig

	recv chan *InboundMessage
	send chan *OutboundMessage

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// WebSocketConfig holds WebSocket transport configuration.
type WebSocketConfig struct {
	Config

	// WriteTimeout for write operations.
	WriteTimeout time.Duration

	// ReadTimeout for read operations (0 = no timeout).
	ReadTimeout time.Duration

	// MaxMessageSize limits incoming message size.
	MaxMessageSize int64

	// PingInterval for keepalive pings (0 = disabled).
	PingInterval time.Duration
}

// DefaultWebSocketConfig returns configuration with sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Config:         DefaultConfig(),
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 1 << 20,
		PingInterval:   30 * time.Second,
	}
}

// NewWebSocketTransport wraps an already-upgraded connection.
func NewWebSocketTransport(conn *websocket.Conn, cfg WebSocketConfig) *WebSocketTransport {
	if cfg.RecvBufferSize <= 0 {
		cfg.RecvBufferSize = DefaultConfig().RecvBufferSize
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = DefaultConfig().SendBufferSize
	}

	conn.SetReadLimit(cfg.MaxMessageSize)

	return &WebSocketTransport{
		conn:   conn,
		config: cfg,
		recv:   make(chan *InboundMessage, cfg.RecvBufferSize),
		send:   make(chan *OutboundMessage, cfg.SendBufferSize),
		done:   make(chan struct{}),
	}
}

// NewWebSocketUpgrader creates an upgrader for accepting WebSocket connections.
func NewWebSocketUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true }, // Override in production
	}
}

// Recv returns the channel of parsed inbound messages.
func (t *WebSocketTransport) Recv() <-chan *InboundMessage {
	return t.recv
}

// Send queues a message for delivery.
func (t *WebSocketTransport) Send(msg *OutboundMessage) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()

	select {
	case t.send <- msg:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

// Run pumps the connection until the context is canceled or the peer
// disconnects.
func (t *WebSocketTransport) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		t.readLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		t.writeLoop(ctx)
	}()

	<-ctx.Done()
	t.Close()
	wg.Wait()
	return ctx.Err()
}

// Close sends a close frame and tears down the connection.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return t.conn.Close()
}

// readLoop parses frames into the recv channel. Malformed frames get a
// JSON-RPC parse error back; the session continues.
func (t *WebSocketTransport) readLoop(ctx context.Context) {
	defer close(t.recv)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		if t.config.ReadTimeout > 0 {
			t.conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
		}
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			// Normal closes and connection errors both end the session.
			return
		}

		msg, parseErr := ParseInbound(data)
		if parseErr != nil {
			t.rejectFrame(parseErr)
			continue
		}

		select {
		case t.recv <- msg:
		case <-ctx.Done():
			return
		case <-t.done:
			return
		}
	}
}

// writeLoop serializes queued messages onto the wire and keeps the
// connection alive with pings.
func (t *WebSocketTransport) writeLoop(ctx context.Context) {
	var ping <-chan time.Time
	if t.config.PingInterval > 0 {
		ticker := time.NewTicker(t.config.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			t.flushQueued()
			return
		case <-t.done:
			t.flushQueued()
			return
		case <-ping:
			t.writePing()
		case msg, ok := <-t.send:
			if !ok {
				return
			}
			t.writeMessage(msg)
		}
	}
}

func (t *WebSocketTransport) writePing() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
}

// flushQueued writes whatever is still queued before shutdown, so a
// response to the last request is not silently dropped.
func (t *WebSocketTransport) flushQueued() {
	for {
		select {
		case msg, ok := <-t.send:
			if !ok {
				return
			}
			t.writeMessage(msg)
		default:
			return
		}
	}
}

func (t *WebSocketTransport) writeMessage(msg *OutboundMessage) {
	data, err := MarshalOutbound(msg)
	if err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	if t.config.WriteTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	}
	t.conn.WriteMessage(websocket.TextMessage, data)
}

// rejectFrame answers an unparseable frame with a JSON-RPC error.
func (t *WebSocketTransport) rejectFrame(parseErr error) {
	rpcErr, ok := parseErr.(*Error)
	if !ok {
		rpcErr = &Error{Code: ParseError, Message: "Parse error", Data: parseErr.Error()}
	}
	t.Send(&OutboundMessage{
		Response: &Response{JSONRPC: "2.0", Error: rpcErr},
	})
}
