package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// Message is the raw JSON representation of a JSON-RPC message.
type Message []byte

// Decode parses m into an AnyMessage.
func (m Message) Decode() (*AnyMessage, error) {
	var msg AnyMessage
	if err := json.Unmarshal(m, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Encode marshals v (a *Request, *Response or *AnyMessage) into a Message.
func Encode(v any) (Message, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Message(b), nil
}

// AnyMessage is a generic JSON-RPC message (request, notification, or response).
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Request represents a JSON-RPC request (with an ID) or notification (without ID).
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Response represents a JSON-RPC response.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// NewResultResponse builds a successful JSON-RPC response object.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Result:         resultBytes,
		ID:             id,
	}, nil
}

// NewNotification builds a request without an id. Params are marshalled when
// non-nil.
func NewNotification(method string, params any) (*Request, error) {
	n := &Request{JSONRPCVersion: ProtocolVersion, Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		n.Params = b
	}
	return n, nil
}

// NewErrorResponse builds an error JSON-RPC response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// UnmarshalJSON enforces JSON-RPC 2.0 semantics and validates message structure.
func (m *AnyMessage) UnmarshalJSON(data []byte) error {
	// Define a temporary struct to capture raw JSON
	type rawMessage struct {
		JSONRPCVersion string          `json:"jsonrpc"`
		Method         string          `json:"method,omitempty"`
		Params         json.RawMessage `json:"params,omitempty"`
		Result         json.RawMessage `json:"result,omitempty"`
		Error          *Error          `json:"error,omitempty"`
		ID             *RequestID      `json:"id,omitempty"`
	}

	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	// Validate JSON-RPC version
	if raw.JSONRPCVersion != ProtocolVersion {
		return fmt.Errorf("invalid JSON-RPC version: expected %q, got %q", ProtocolVersion, raw.JSONRPCVersion)
	}

	// Determine message type and validate structure
	hasMethod := raw.Method != ""
	hasResult := len(raw.Result) > 0
	hasError := raw.Error != nil

	if hasMethod {
		// This should be a request
		if hasResult || hasError {
			return fmt.Errorf("request message cannot have result or error fields")
		}
	} else {
		// This should be a response
		if hasResult && hasError {
			return fmt.Errorf("response message cannot have both result and error fields")
		}
		if !hasResult && !hasError {
			return fmt.Errorf("response message must have either result or error field")
		}
	}

	// Copy validated fields to the AnyMessage
	m.JSONRPCVersion = raw.JSONRPCVersion
	m.Method = raw.Method
	m.Params = raw.Params
	m.Result = raw.Result
	m.Error = raw.Error
	m.ID = raw.ID

	return nil
}

// Message types reported by AnyMessage.Type.
const (
	TypeRequest      = "request"
	TypeNotification = "notification"
	TypeResponse     = "response"
)

// Type returns TypeRequest, TypeNotification or TypeResponse.
func (m *AnyMessage) Type() string {
	if m.Method != "" {
		if m.ID == nil {
			return TypeNotification
		}
		return TypeRequest
	}
	return TypeResponse
}

// AsRequest returns the message as a Request if it is a request message, otherwise nil
func (m *AnyMessage) AsRequest() *Request {
	if m.Method == "" {
		return nil
	}

	return &Request{
		JSONRPCVersion: m.JSONRPCVersion,
		Method:         m.Method,
		Params:         m.Params,
		ID:             m.ID,
	}
}

// AsResponse returns the message as a Response if it is a response message, otherwise nil
func (m *AnyMessage) AsResponse() *Response {
	if m.Method != "" {
		return nil
	}

	return &Response{
		JSONRPCVersion: m.JSONRPCVersion,
		Result:         m.Result,
		Error:          m.Error,
		ID:             m.ID,
	}
}
