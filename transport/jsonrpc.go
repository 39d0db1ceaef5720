package transport

import "encoding/json"

// Request is a JSON-RPC 2.0 request. The ID is echoed into the response
// so the client can correlate replies on a multiplexed connection.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response. Result and Error are mutually
// exclusive.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object. Lifecycle failures ride in Data
// as structured errors; Code stays in the protocol's reserved ranges.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Error codes defined by the JSON-RPC 2.0 spec.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Notification is a JSON-RPC 2.0 notification: a method call with no ID
// and therefore no reply. Step events pushed to clients use this shape.
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// NewResponse builds a successful response for the given request ID.
func NewResponse(id, result interface{}) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

// NewErrorResponse builds an error response for the given request ID.
func NewErrorResponse(id interface{}, code int, message string, data interface{}) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: data},
	}
}

// NewNotification builds a notification message.
func NewNotification(method string, params interface{}) *Notification {
	return &Notification{JSONRPC: "2.0", Method: method, Params: params}
}
