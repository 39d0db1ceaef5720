package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// maxPostBody bounds a single posted request.
const maxPostBody = 1 << 20

// SSETransport carries the event feed over Server-Sent Events, with
// plain HTTP POST for the client→server direction. Outbound messages
// fan out to every open stream, which suits per-user notification
// feeds; request/response traffic belongs on the websocket transport.
type SSETransport struct {
	config SSEConfig

	recv chan *InboundMessage
	send chan *OutboundMessage

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	streamsMu sync.RWMutex
	streams   map[uint64]chan []byte
	streamSeq atomic.Uint64
}

// SSEConfig holds SSE transport configuration.
type SSEConfig struct {
	Config

	// FlushInterval for SSE writes.
	FlushInterval time.Duration

	// HeartbeatInterval sends SSE comments as keepalive (0 = disabled).
	HeartbeatInterval time.Duration
}

// DefaultSSEConfig returns configuration with sensible defaults.
func DefaultSSEConfig() SSEConfig {
	return SSEConfig{
		Config:            DefaultConfig(),
		FlushInterval:     100 * time.Millisecond,
		HeartbeatInterval: 30 * time.Second,
	}
}

// NewSSETransport creates a new SSE transport.
func NewSSETransport(cfg SSEConfig) *SSETransport {
	if cfg.RecvBufferSize <= 0 {
		cfg.RecvBufferSize = DefaultConfig().RecvBufferSize
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = DefaultConfig().SendBufferSize
	}

	return &SSETransport{
		config:  cfg,
		recv:    make(chan *InboundMessage, cfg.RecvBufferSize),
		send:    make(chan *OutboundMessage, cfg.SendBufferSize),
		done:    make(chan struct{}),
		streams: make(map[uint64]chan []byte),
	}
}

// Recv returns the channel of posted requests.
func (t *SSETransport) Recv() <-chan *InboundMessage {
	return t.recv
}

// Send queues a message for every open stream.
func (t *SSETransport) Send(msg *OutboundMessage) error {
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

// Run fans out queued messages until the context is canceled.
func (t *SSETransport) Run(ctx context.Context) error {
	go t.fanOut(ctx)

	<-ctx.Done()
	t.Close()
	return ctx.Err()
}

// Close drops every open stream and rejects further sends.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	t.streamsMu.Lock()
	for id, ch := range t.streams {
		close(ch)
		delete(t.streams, id)
	}
	t.streamsMu.Unlock()

	return nil
}

// HandleSSE serves one event stream per request. Mount it at the feed
// endpoint (e.g. /events); the stream stays open until the client
// disconnects or the transport closes.
func (t *SSETransport) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx would buffer otherwise

	flusher.Flush()

	id, ch := t.attach()
	defer t.detach(id)

	var keepalive <-chan time.Time
	if t.config.HeartbeatInterval > 0 {
		ticker := time.NewTicker(t.config.HeartbeatInterval)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-t.done:
			return
		case <-keepalive:
			fmt.Fprintf(w, ": keepalive %s\n\n", strconv.FormatInt(time.Now().Unix(), 10))
			flusher.Flush()
		case data, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// HandlePost accepts a posted JSON-RPC message. Any response travels
// back over the event stream, so the POST itself only acknowledges
// receipt.
func (t *SSETransport) HandlePost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPostBody))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	msg, parseErr := ParseInbound(body)
	if parseErr != nil {
		writeRPCError(w, parseErr)
		return
	}

	select {
	case t.recv <- msg:
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"status":"accepted"}`))
	case <-t.done:
		http.Error(w, "transport closed", http.StatusServiceUnavailable)
	}
}

// attach registers a new stream channel.
func (t *SSETransport) attach() (uint64, chan []byte) {
	ch := make(chan []byte, t.config.SendBufferSize)
	id := t.streamSeq.Add(1)

	t.streamsMu.Lock()
	t.streams[id] = ch
	t.streamsMu.Unlock()
	return id, ch
}

// detach unregisters a stream channel.
func (t *SSETransport) detach(id uint64) {
	t.streamsMu.Lock()
	delete(t.streams, id)
	t.streamsMu.Unlock()
}

// fanOut copies queued messages to every stream. A stream that cannot
// keep up loses messages rather than stalling the rest; the feed is
// advisory and clients re-read authoritative state over RPC.
func (t *SSETransport) fanOut(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case msg, ok := <-t.send:
			if !ok {
				return
			}
			data, err := MarshalOutbound(msg)
			if err != nil {
				continue
			}

			t.streamsMu.RLock()
			for _, ch := range t.streams {
				select {
				case ch <- data:
				default:
				}
			}
			t.streamsMu.RUnlock()
		}
	}
}

// writeRPCError writes a JSON-RPC error as the HTTP response body.
func writeRPCError(w http.ResponseWriter, err error) {
	rpcErr, ok := err.(*Error)
	if !ok {
		rpcErr = &Error{Code: InternalError, Message: err.Error()}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", Error: rpcErr})
}
