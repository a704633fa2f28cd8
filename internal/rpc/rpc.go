// Package rpc implements the JSON-RPC 2.0 framing and the two dispatcher
// flavors of the control surface: the global dispatcher (agent lifecycle,
// shutdown) and the per-agent dispatcher (send, cancel, context admin).
package rpc

import (
	"encoding/json"
	"fmt"
)

// Standard JSON-RPC 2.0 error codes, plus a reserved application range for
// domain errors.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeAppError         = -32000
	CodeAgentNotFound    = -32001
	CodePermissionDenied = -32002
	CodeSecurityBlocked  = -32003
)

// Request is one JSON-RPC 2.0 call.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Response is one JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
	ID      any    `json:"id"`
}

// ParseRequest decodes and validates a request body.
func ParseRequest(body []byte) (*Request, *Response) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, ErrorResponse(nil, CodeParseError, "parse error: "+err.Error())
	}
	if req.JSONRPC != "2.0" {
		return nil, ErrorResponse(req.ID, CodeInvalidRequest, `jsonrpc must be "2.0"`)
	}
	if req.Method == "" {
		return nil, ErrorResponse(req.ID, CodeInvalidRequest, "method is required")
	}
	return &req, nil
}

// ResultResponse builds a success response.
func ResultResponse(id, result any) *Response {
	return &Response{JSONRPC: "2.0", Result: result, ID: id}
}

// ErrorResponse builds an error response.
func ErrorResponse(id any, code int, message string) *Response {
	return &Response{JSONRPC: "2.0", Error: &Error{Code: code, Message: message}, ID: id}
}

// decodeParams unmarshals params into dst, tolerating absent params.
func decodeParams(params json.RawMessage, dst any) error {
	if len(params) == 0 {
		return nil
	}
	return json.Unmarshal(params, dst)
}

// requestIDString renders a request id for the cancellation table.
func requestIDString(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
