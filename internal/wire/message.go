// Package wire implements the JSON-RPC 2.0 framing used on the gateway's
// primary call path. A message is a request (method + optional id), a
// notification (method, no id), or a response (result xor error).
package wire

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version the gateway speaks.
const Version = "2.0"

// MethodSessionOpen is the reserved handshake method. Every other method name
// is interpreted as a capability name.
const MethodSessionOpen = "session/open"

// MethodCapabilityList is the reserved method returning the registered
// capability descriptors for the session.
const MethodCapabilityList = "capabilities/list"

// AnyMessage is a decoded JSON-RPC message of any shape.
type AnyMessage struct {
	Version string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      *RequestID      `json:"id,omitempty"`
}

// Request is a JSON-RPC request (with id) or notification (without).
type Request struct {
	Version string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *RequestID      `json:"id,omitempty"`
}

// Response is a JSON-RPC response.
type Response struct {
	Version string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      *RequestID      `json:"id,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewResultResponse builds a successful response, marshalling result.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Response{Version: Version, Result: b, ID: id}, nil
}

// NewErrorResponse builds an error response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		Version: Version,
		Error:   &Error{Code: code, Message: message, Data: data},
		ID:      id,
	}
}

// NewNotification builds a server-initiated notification.
func NewNotification(method string, params any) (*Request, error) {
	n := &Request{Version: Version, Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		n.Params = b
	}
	return n, nil
}

// UnmarshalJSON validates JSON-RPC 2.0 structure while decoding.
func (m *AnyMessage) UnmarshalJSON(data []byte) error {
	type raw AnyMessage
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if r.Version != Version {
		return fmt.Errorf("invalid JSON-RPC version: expected %q, got %q", Version, r.Version)
	}

	hasMethod := r.Method != ""
	hasResult := len(r.Result) > 0
	hasError := r.Error != nil

	if hasMethod {
		if hasResult || hasError {
			return fmt.Errorf("request message cannot have result or error fields")
		}
	} else {
		if hasResult && hasError {
			return fmt.Errorf("response message cannot have both result and error fields")
		}
		if !hasResult && !hasError {
			return fmt.Errorf("response message must have either result or error field")
		}
	}

	*m = AnyMessage(r)
	return nil
}

// Type reports "request", "notification", or "response".
func (m *AnyMessage) Type() string {
	if m.Method != "" {
		if m.ID == nil {
			return "notification"
		}
		return "request"
	}
	return "response"
}

// AsRequest returns the message as a Request, or nil for responses.
func (m *AnyMessage) AsRequest() *Request {
	if m.Method == "" {
		return nil
	}
	return &Request{Version: m.Version, Method: m.Method, Params: m.Params, ID: m.ID}
}
