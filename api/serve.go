package api

import (
	"context"
	"encoding/json"
	stderrors "errors"

	coorderrors "github.com/taskyard/stepkit/errors"
	"github.com/taskyard/stepkit/transport"
)

// ServeTransport reads requests from the transport and dispatches them
// until the context is canceled or the transport closes. The caller ID
// applies to every request on the connection.
//
// Notifications without an ID get no response, matching JSON-RPC 2.0.
func (s *Server) ServeTransport(ctx context.Context, tr transport.Transport, callerID string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-tr.Recv():
			if !ok {
				return nil
			}
			if msg.Request == nil {
				// Fire-and-forget calls still execute, just silently.
				if msg.Notification != nil {
					var params json.RawMessage
					if msg.Notification.Params != nil {
						params, _ = json.Marshal(msg.Notification.Params)
					}
					s.Handle(ctx, callerID, msg.Notification.Method, params)
				}
				continue
			}

			resp := s.dispatch(ctx, callerID, msg.Request)
			if err := tr.Send(&transport.OutboundMessage{Response: resp}); err != nil {
				if stderrors.Is(err, transport.ErrClosed) {
					return nil
				}
				s.log.Warn("send failed", map[string]interface{}{
					"caller": callerID,
					"method": msg.Request.Method,
					"error":  err.Error(),
				})
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, callerID string, req *transport.Request) *transport.Response {
	result, err := s.Handle(ctx, callerID, req.Method, req.Params)
	if err != nil {
		code, message, data := translateError(req.Method, err)
		return transport.NewErrorResponse(req.ID, code, message, data)
	}
	return transport.NewResponse(req.ID, result)
}

// translateError maps domain errors onto JSON-RPC error codes. Domain
// codes land in the implementation-defined server range so clients can
// distinguish a stale revision from a plain conflict.
func translateError(method string, err error) (int, string, interface{}) {
	if stderrors.Is(err, ErrMethodNotFound) {
		return transport.MethodNotFound, "Method not found: " + method, nil
	}

	var ce *coorderrors.Error
	if !stderrors.As(err, &ce) {
		return transport.InternalError, "Internal error", nil
	}

	code := transport.InternalError
	switch ce.Code() {
	case coorderrors.CodeBadRequest:
		code = transport.InvalidParams
	case coorderrors.CodeUnauthorized:
		code = -32001
	case coorderrors.CodeForbidden:
		code = -32003
	case coorderrors.CodeNotFound:
		code = -32004
	case coorderrors.CodeInvalidState:
		code = -32009
	case coorderrors.CodeConflict:
		code = -32010
	case coorderrors.CodeStaleRevision, coorderrors.CodeStaleClaim:
		code = -32011
	case coorderrors.CodeRateLimit:
		code = -32029
	}
	// The marshaled error carries category, retryability and IDs so
	// clients can decide whether to retry.
	return code, ce.Error(), ce
}
