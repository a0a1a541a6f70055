package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrClosed indicates the server's stdout reached EOF: the
	// subprocess exited or the transport was closed.
	ErrClosed = errors.New("mcp transport closed")

	// ErrNotInitialized indicates a tool operation was attempted
	// before the initialize handshake completed.
	ErrNotInitialized = errors.New("mcp session not initialized")

	// ErrAlreadyRunning indicates a server id is already registered.
	ErrAlreadyRunning = errors.New("mcp server already running")

	// ErrStarting indicates a server id is reserved by a Start that has
	// not finished yet.
	ErrStarting = errors.New("mcp server still starting")

	// ErrNotFound indicates no server is registered under an id.
	ErrNotFound = errors.New("mcp server not found")
)

// SpawnError indicates the server process could not be launched.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// IOError indicates a pipe read or write failed. The transport should
// be considered dead.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// TimeoutError indicates no response arrived before the deadline. The
// request was not cancelled and the server is presumed alive.
type TimeoutError struct {
	Method  string
	ID      int64
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("%s (id %d): no response within %s", e.Method, e.ID, e.Timeout)
	}
	return fmt.Sprintf("%s (id %d): no response before deadline", e.Method, e.ID)
}

// Unwrap lets callers match timeouts with context.DeadlineExceeded.
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// DecodeError indicates a line of server output was not a well-formed
// JSON-RPC message. Line holds the offending text.
type DecodeError struct {
	Line string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode response %q: %v", truncate(e.Line, 200), e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ProtocolError is a protocol-level failure of a single operation. It
// carries the remote code and message verbatim when the server replied
// with a JSON-RPC error, or Err when the result could not be decoded.
// The server remains usable.
type ProtocolError struct {
	Method  string
	Code    int
	Message string
	Data    any
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Method, e.Err)
	}
	return fmt.Sprintf("%s failed: %s (code: %d)", e.Method, e.Message, e.Code)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// truncate shortens s to at most n bytes for log and error output.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
