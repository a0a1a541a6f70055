// Package mcp implements the client side of the Model Context Protocol
// (MCP) for tool-provider processes launched on the local machine.
//
// Each server is a subprocess speaking newline-delimited JSON-RPC 2.0 on
// its stdin/stdout. A [StdioTransport] owns the process and a reader
// goroutine, a [Session] layers the handshake and request ids on top of
// it, and a [Registry] keeps the set of running sessions addressable by
// a caller-chosen server id.
//
// Only initialize, tools/list and tools/call are supported. Resources,
// prompts, sampling and server-initiated requests are ignored.
package mcp
