package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int64  `json:"id"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response is a JSON-RPC 2.0 response message. Exactly one of Result
// or Error is non-nil in a well-formed response.
//
// ID is kept raw: servers may use string ids for their own requests,
// and only numeric ids can match a request sent by this client.
//
// Method is only set when the line was a server-originated message
// (a notification or request) rather than a response. Such lines are
// never returned from [StdioTransport.Send].
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method,omitempty"`
}

// NewResult creates a successful response for request id.
func NewResult(id int64, result json.RawMessage) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: rawID(id), Result: result}
}

// NewErrorResponse creates an error response for request id.
func NewErrorResponse(id int64, rpcErr *RPCError) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: rawID(id), Error: rpcErr}
}

func rawID(id int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(id, 10))
}

// HasID reports whether the response carries the given numeric
// request id.
func (r *Response) HasID(id int64) bool {
	if r.NullID() {
		return false
	}
	var got int64
	if err := json.Unmarshal(r.ID, &got); err != nil {
		return false
	}
	return got == id
}

// NullID reports whether the id is absent or null, as in a server's
// reply to a request it could not parse.
func (r *Response) NullID() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Notification is a JSON-RPC 2.0 notification. It reuses the request
// shape with a null id, and no response is expected.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      any    `json:"id"`
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}

// DecodeResponse parses one line of server output. Lines carrying a
// method are server-originated messages and are returned with Method
// set; everything else must be a well-formed response with exactly one
// of result or error. Failures are reported as *DecodeError.
func DecodeResponse(line []byte) (*Response, error) {
	line = bytes.TrimSpace(line)

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, &DecodeError{Line: string(line), Err: err}
	}

	if resp.JSONRPC != jsonrpcVersion {
		return nil, &DecodeError{
			Line: string(line),
			Err:  fmt.Errorf("unsupported jsonrpc version %q", resp.JSONRPC),
		}
	}

	if resp.Method != "" {
		return &resp, nil
	}

	hasResult := len(resp.Result) > 0
	hasError := resp.Error != nil
	switch {
	case hasResult && hasError:
		return nil, &DecodeError{Line: string(line), Err: errors.New("response has both result and error")}
	case !hasResult && !hasError:
		return nil, &DecodeError{Line: string(line), Err: errors.New("response has neither result nor error")}
	}

	return &resp, nil
}
