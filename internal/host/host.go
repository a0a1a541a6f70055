// Package host is the functional API a chat front end drives: it owns
// the MCP server registry and the persistent store, and publishes
// lifecycle events on a shared bus.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/mcphost/internal/events"
	"github.com/nugget/mcphost/internal/mcp"
	"github.com/nugget/mcphost/internal/storage"
)

// Config holds the collaborators of a Host.
type Config struct {
	// Registry runs the MCP servers. Required.
	Registry *mcp.Registry

	// Store persists conversations and settings. Required.
	Store *storage.Store

	// Events receives host events. May be nil.
	Events *events.Bus

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Host exposes server management, tool invocation and persistence
// behind one value. It is safe for concurrent use.
type Host struct {
	registry *mcp.Registry
	store    *storage.Store
	events   *events.Bus
	logger   *slog.Logger
}

// New creates a Host. It takes ownership of the registry and store and
// closes both in Close.
func New(cfg Config) (*Host, error) {
	if cfg.Registry == nil {
		return nil, errors.New("host: registry is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("host: store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		registry: cfg.Registry,
		store:    cfg.Store,
		events:   cfg.Events,
		logger:   logger,
	}, nil
}

// Events returns the bus host and registry events are published on.
func (h *Host) Events() *events.Bus {
	return h.events
}

// StartServer launches and initializes an MCP server, returning its id.
func (h *Host) StartServer(ctx context.Context, cfg mcp.ServerConfig) (string, error) {
	return h.registry.Start(ctx, cfg)
}

// StartServers launches every config concurrently. Failures are
// returned joined; successfully started servers keep running.
func (h *Host) StartServers(ctx context.Context, cfgs []mcp.ServerConfig) error {
	return h.registry.StartAll(ctx, cfgs)
}

// StopServer terminates a running server.
func (h *Host) StopServer(id string) error {
	return h.registry.Stop(id)
}

// ListServers returns the ids of running servers.
func (h *Host) ListServers() []string {
	return h.registry.List()
}

// ServerStatus reports every registered server.
func (h *Host) ServerStatus() []mcp.ServerStatus {
	return h.registry.Status()
}

// ServerInfo returns the initialize result of server id.
func (h *Host) ServerInfo(id string) (*mcp.InitializeResult, error) {
	return h.registry.ServerInfo(id)
}

// ServerTools returns the raw tool list of one server.
func (h *Host) ServerTools(ctx context.Context, id string) ([]mcp.Tool, error) {
	return h.registry.ListTools(ctx, id)
}

// ServerFunctionTools returns one server's tools in function-calling
// form under their original, un-namespaced names.
func (h *Host) ServerFunctionTools(ctx context.Context, id string) ([]mcp.FunctionTool, error) {
	tools, err := h.registry.ListTools(ctx, id)
	if err != nil {
		return nil, err
	}
	return mcp.ToFunctionTools(tools), nil
}

// ListTools returns the tools of all running servers in
// function-calling form, named mcp_<server>_<tool>. Servers that fail
// to answer are logged and skipped.
func (h *Host) ListTools(ctx context.Context) []mcp.FunctionTool {
	tools, err := h.registry.FunctionTools(ctx)
	if err != nil {
		h.logger.Warn("some MCP servers did not list tools", "error", err)
	}
	return tools
}

// CallTool invokes a tool on a specific server.
func (h *Host) CallTool(ctx context.Context, id, name string, args map[string]any) (*mcp.CallToolResult, error) {
	return h.registry.CallTool(ctx, id, name, args)
}

// CallFunction invokes a namespaced tool returned by ListTools.
func (h *Host) CallFunction(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	return h.registry.CallFunction(ctx, name, args)
}

// SaveConversations replaces the stored conversation list.
func (h *Host) SaveConversations(convs []storage.Conversation) error {
	return h.store.SaveConversations(convs)
}

// LoadConversations returns the stored conversations.
func (h *Host) LoadConversations() ([]storage.Conversation, error) {
	return h.store.LoadConversations()
}

// SaveSettings replaces the stored settings.
func (h *Host) SaveSettings(s storage.Settings) error {
	return h.store.SaveSettings(s)
}

// LoadSettings returns the stored settings, or nil if none were saved.
func (h *Host) LoadSettings() (*storage.Settings, error) {
	return h.store.LoadSettings()
}

// ClearAllData removes all persisted conversations and settings.
// Running servers are unaffected.
func (h *Host) ClearAllData() error {
	if err := h.store.Clear(); err != nil {
		return fmt.Errorf("clear data: %w", err)
	}

	h.logger.Info("persisted data cleared")
	h.events.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceHost,
		Kind:      events.KindDataCleared,
	})
	return nil
}

// Close stops every server and closes the store.
func (h *Host) Close() error {
	return errors.Join(h.registry.Close(), h.store.Close())
}
