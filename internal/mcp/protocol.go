package mcp

import (
	"fmt"
	"strings"
)

// ProtocolVersion is the MCP protocol version advertised during initialization.
const ProtocolVersion = "2024-11-05"

// MCP method names used by this client.
const (
	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodToolsList   = "tools/list"
	methodToolsCall   = "tools/call"
)

// ClientInfo identifies this client to the server.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities are the capability flags sent in initialize. This
// client declares none, so both fields are normally nil.
type ClientCapabilities struct {
	Experimental map[string]any `json:"experimental,omitempty"`
	Sampling     map[string]any `json:"sampling,omitempty"`
}

// InitializeParams is the params payload of an initialize request.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ClientInfo         `json:"clientInfo"`
}

// ServerInfo is returned in the initialize response.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities describes what an MCP server supports. The values
// are opaque; only their presence is meaningful to this client.
type ServerCapabilities struct {
	Experimental map[string]any `json:"experimental,omitempty"`
	Logging      map[string]any `json:"logging,omitempty"`
	Prompts      map[string]any `json:"prompts,omitempty"`
	Resources    map[string]any `json:"resources,omitempty"`
	Tools        map[string]any `json:"tools,omitempty"`
}

// InitializeResult is the result payload of an initialize response.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
}

// Tool is an MCP tool as returned by tools/list. InputSchema is an
// arbitrary JSON Schema document that this package never interprets.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ListToolsResult is the result payload of a tools/list response.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolParams is the params payload of a tools/call request.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallToolResult is the result payload of a tools/call response.
// IsError reports a tool-level failure; the call itself succeeded.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Text joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func (r *CallToolResult) Text() string {
	var parts []string
	for _, b := range r.Content {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
