package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/mcphost/internal/buildinfo"
)

// Timeouts bounds how long a session waits for each kind of response.
type Timeouts struct {
	Initialize time.Duration `yaml:"initialize"`
	ListTools  time.Duration `yaml:"list_tools"`
	CallTool   time.Duration `yaml:"call_tool"`
}

// DefaultTimeouts returns the standard deadlines: 30s for the
// handshake, 10s for tool discovery and 60s for tool execution.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Initialize: 30 * time.Second,
		ListTools:  10 * time.Second,
		CallTool:   60 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultTimeouts.
func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Initialize <= 0 {
		t.Initialize = d.Initialize
	}
	if t.ListTools <= 0 {
		t.ListTools = d.ListTools
	}
	if t.CallTool <= 0 {
		t.CallTool = d.CallTool
	}
	return t
}

// SessionOptions configures a Session.
type SessionOptions struct {
	// ClientName is sent as clientInfo.name during initialize.
	// Defaults to "mcphost".
	ClientName string

	// Timeouts bounds each operation. Zero fields use DefaultTimeouts.
	Timeouts Timeouts

	// Logger is the structured logger. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Session is the protocol state for one MCP server: the negotiated
// initialize result and a strictly increasing request id sequence.
type Session struct {
	id         string
	transport  Transport
	logger     *slog.Logger
	clientName string
	timeouts   Timeouts
	nextID     atomic.Int64

	mu   sync.RWMutex
	info *InitializeResult
}

// NewSession creates a session over transport. The session takes
// ownership of the transport and closes it in Close. Tool operations
// fail with ErrNotInitialized until Initialize succeeds.
func NewSession(id string, transport Transport, opts SessionOptions) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clientName := opts.ClientName
	if clientName == "" {
		clientName = "mcphost"
	}
	return &Session{
		id:         id,
		transport:  transport,
		logger:     logger.With("mcp_server", id),
		clientName: clientName,
		timeouts:   opts.Timeouts.withDefaults(),
	}
}

// ID returns the server id this session belongs to.
func (s *Session) ID() string {
	return s.id
}

// LastRequestID returns the most recently issued request id, or 0 if
// no request has been sent.
func (s *Session) LastRequestID() int64 {
	return s.nextID.Load()
}

// ServerInfo returns the initialize result, or nil before the
// handshake has completed.
func (s *Session) ServerInfo() *InitializeResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// Initialize performs the MCP handshake: sends an initialize request
// and then the notifications/initialized notification. A JSON-RPC
// error or an undecodable result is returned as *ProtocolError.
func (s *Session) Initialize(ctx context.Context) error {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo: ClientInfo{
			Name:    s.clientName,
			Version: buildinfo.Version,
		},
	}

	raw, err := s.call(ctx, methodInitialize, params, s.timeouts.Initialize)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result InitializeResult
	if err := decodeResult(methodInitialize, raw, &result); err != nil {
		return err
	}

	s.mu.Lock()
	s.info = &result
	s.mu.Unlock()

	s.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	// Send the initialized notification to complete the handshake.
	if err := s.transport.Notify(ctx, NewNotification(methodInitialized, nil)); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	return nil
}

// ListTools calls tools/list and returns the available tool definitions.
func (s *Session) ListTools(ctx context.Context) ([]Tool, error) {
	if s.ServerInfo() == nil {
		return nil, ErrNotInitialized
	}

	raw, err := s.call(ctx, methodToolsList, nil, s.timeouts.ListTools)
	if err != nil {
		return nil, err
	}

	var result ListToolsResult
	if err := decodeResult(methodToolsList, raw, &result); err != nil {
		return nil, err
	}

	s.logger.Debug("discovered MCP tools", "count", len(result.Tools))
	return result.Tools, nil
}

// CallTool invokes a tool by name. A nil args map omits the arguments
// field. A result with IsError set is returned as-is; only transport
// and protocol failures produce an error.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	if s.ServerInfo() == nil {
		return nil, ErrNotInitialized
	}

	params := CallToolParams{
		Name:      name,
		Arguments: args,
	}

	raw, err := s.call(ctx, methodToolsCall, params, s.timeouts.CallTool)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result CallToolResult
	if err := decodeResult(methodToolsCall, raw, &result); err != nil {
		return nil, err
	}

	if result.IsError {
		s.logger.Debug("MCP tool reported error", "tool", name)
	}

	return &result, nil
}

// Close shuts down the session and its transport.
func (s *Session) Close() error {
	s.logger.Info("closing MCP session")
	return s.transport.Close()
}

// call issues one request bounded by timeout and maps JSON-RPC error
// responses to *ProtocolError. The id is taken before sending, so ids
// are never reused even when the call fails.
func (s *Session) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := s.nextID.Add(1)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := s.transport.Send(ctx, NewRequest(id, method, params))
	if err != nil {
		var te *TimeoutError
		if errors.As(err, &te) {
			te.Timeout = timeout
		}
		return nil, err
	}

	if resp.Error != nil {
		return nil, &ProtocolError{
			Method:  method,
			Code:    resp.Error.Code,
			Message: resp.Error.Message,
			Data:    resp.Error.Data,
		}
	}

	return resp.Result, nil
}

// decodeResult unmarshals a result payload, reporting failures as
// *ProtocolError.
func decodeResult(method string, raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return &ProtocolError{Method: method, Err: fmt.Errorf("decode result: %w", err)}
	}
	return nil
}
