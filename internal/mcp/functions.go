package mcp

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// ErrUnknownTool indicates a namespaced function name that no running
// server has advertised.
var ErrUnknownTool = errors.New("unknown function tool")

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// FunctionTool is the function-calling representation of a tool used
// by chat-completion APIs.
type FunctionTool struct {
	Type     string         `json:"type"`
	Function FunctionSchema `json:"function"`
}

// FunctionSchema is the function body of a FunctionTool.
type FunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToFunctionTool projects an MCP tool into the function-calling
// schema. The input schema is passed through untouched.
func ToFunctionTool(t Tool) FunctionTool {
	return FunctionTool{
		Type: "function",
		Function: FunctionSchema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		},
	}
}

// ToFunctionTools converts a tool list, preserving order.
func ToFunctionTools(tools []Tool) []FunctionTool {
	out := make([]FunctionTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, ToFunctionTool(t))
	}
	return out
}

// ToolName generates a namespaced function name from a server id and
// tool name. Both components are sanitized to contain only lowercase
// alphanumeric characters and underscores.
func ToolName(serverID, toolName string) string {
	return fmt.Sprintf("mcp_%s_%s", sanitize(serverID), sanitize(toolName))
}

// sanitize converts a name to lowercase and replaces non-alphanumeric
// characters (except underscore) with underscores. Consecutive
// underscores are collapsed and leading/trailing underscores are trimmed.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "-", "_")
	s = sanitizeRe.ReplaceAllString(s, "_")

	// Collapse consecutive underscores.
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}

// FunctionTools lists the tools of every running server concurrently
// and returns them as namespaced function tools sorted by name. The
// names are remembered so CallFunction can route them back. Servers
// that fail to list are skipped and their errors returned joined
// alongside the tools that were collected. Servers stopped while the
// listing was in flight contribute nothing. When two tools sanitize to
// the same name, the server id that sorts first keeps it.
func (r *Registry) FunctionTools(ctx context.Context) ([]FunctionTool, error) {
	ids := r.List()
	listed := make([][]Tool, len(ids))
	failed := make([]error, len(ids))

	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			tools, err := r.ListTools(ctx, id)
			if err != nil {
				failed[i] = fmt.Errorf("list tools from %s: %w", id, err)
				return nil
			}
			listed[i] = tools
			return nil
		})
	}
	_ = g.Wait()

	var out []FunctionTool
	index := make(map[string]toolRef)

	r.mu.Lock()
	for i, id := range ids {
		if e := r.servers[id]; e == nil || e.session == nil {
			continue
		}
		for _, t := range listed[i] {
			name := ToolName(id, t.Name)
			if prev, ok := index[name]; ok {
				r.logger.Warn("MCP function name collision, keeping first",
					"function", name,
					"kept_server", prev.serverID,
					"kept_tool", prev.tool,
					"dropped_server", id,
					"dropped_tool", t.Name,
				)
				continue
			}
			ft := ToFunctionTool(t)
			ft.Function.Name = name
			out = append(out, ft)
			index[name] = toolRef{serverID: id, tool: t.Name}
		}
	}
	for name, ref := range index {
		r.toolIndex[name] = ref
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Function.Name < out[j].Function.Name })
	return out, errors.Join(failed...)
}

// CallFunction invokes a namespaced tool previously returned by
// FunctionTools.
func (r *Registry) CallFunction(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	r.mu.Lock()
	ref, ok := r.toolIndex[name]
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return r.CallTool(ctx, ref.serverID, ref.tool, args)
}

// dropToolsLocked forgets the namespaced tools of a server. Caller
// must hold r.mu.
func (r *Registry) dropToolsLocked(serverID string) {
	for name, ref := range r.toolIndex {
		if ref.serverID == serverID {
			delete(r.toolIndex, name)
		}
	}
}
