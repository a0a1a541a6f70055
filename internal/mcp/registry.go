package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/mcphost/internal/events"
)

// ErrRegistryClosed indicates the registry has been shut down.
var ErrRegistryClosed = errors.New("mcp registry closed")

// defaultStartConcurrency bounds parallel launches in StartAll.
const defaultStartConcurrency = 4

// ServerConfig describes how to launch one MCP server. It is treated
// as immutable once the server has been started.
type ServerConfig struct {
	// ID is the registry key. Start generates one when empty.
	ID string `yaml:"id" json:"id"`

	// Name is a human-readable display name.
	Name string `yaml:"name" json:"name"`

	// Command is the executable to run.
	Command string `yaml:"command" json:"command"`

	// Args are passed to Command in order.
	Args []string `yaml:"args" json:"args"`

	// Env is overlaid on the inherited environment.
	Env map[string]string `yaml:"env" json:"env,omitempty"`

	// AutoStart marks servers the host starts at boot.
	AutoStart bool `yaml:"auto_start" json:"autoStart,omitempty"`
}

// ServerState is the lifecycle state reported by Registry.Status.
type ServerState string

// Server states.
const (
	StateStarting ServerState = "starting"
	StateRunning  ServerState = "running"
	StateExited   ServerState = "exited"
)

// ServerStatus is a point-in-time view of a registered server,
// suitable for JSON serialization.
type ServerStatus struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	State      ServerState       `json:"status"`
	PID        int               `json:"pid,omitempty"`
	StartedAt  time.Time         `json:"started_at,omitzero"`
	ServerInfo *InitializeResult `json:"server_info,omitempty"`
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Session is applied to every session the registry creates. Its
	// Logger field is ignored in favor of Logger below.
	Session SessionOptions

	// NewTransport creates a server's transport. Defaults to spawning
	// a stdio subprocess.
	NewTransport TransportFactory

	// StartConcurrency bounds parallel launches in StartAll (default 4).
	StartConcurrency int

	// Events receives lifecycle and tool-call events. May be nil.
	Events *events.Bus

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// entry is a registry slot. A nil session marks a reservation held by
// an in-progress Start.
type entry struct {
	config    ServerConfig
	session   *Session
	transport Transport
	startedAt time.Time
	exited    bool
}

// toolRef locates a namespaced function tool.
type toolRef struct {
	serverID string
	tool     string
}

// Registry maps server ids to running sessions. All methods are safe
// for concurrent use; the map is guarded by a single mutex.
type Registry struct {
	cfg          RegistryConfig
	logger       *slog.Logger
	newTransport TransportFactory

	mu        sync.Mutex
	servers   map[string]*entry
	toolIndex map[string]toolRef
	closed    bool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StartConcurrency <= 0 {
		cfg.StartConcurrency = defaultStartConcurrency
	}

	r := &Registry{
		cfg:       cfg,
		logger:    logger,
		servers:   make(map[string]*entry),
		toolIndex: make(map[string]toolRef),
	}
	r.newTransport = cfg.NewTransport
	if r.newTransport == nil {
		r.newTransport = r.spawnStdio
	}
	return r
}

// spawnStdio is the default TransportFactory.
func (r *Registry) spawnStdio(cfg ServerConfig) (Transport, error) {
	t, err := Spawn(StdioConfig{
		Command: cfg.Command,
		Args:    cfg.Args,
		Env:     cfg.Env,
		Logger:  r.logger.With("mcp_server", cfg.ID),
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Start launches and initializes a server and registers it under
// cfg.ID, returning that id. The id is reserved before anything is
// spawned, so a concurrent Start for the same id fails with
// ErrAlreadyRunning instead of launching a second process. Spawning and
// the handshake run outside the lock; on failure the reservation is
// released and the subprocess is terminated.
func (r *Registry) Start(ctx context.Context, cfg ServerConfig) (string, error) {
	if cfg.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate server id: %w", err)
		}
		cfg.ID = id.String()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrRegistryClosed
	}
	if _, ok := r.servers[cfg.ID]; ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrAlreadyRunning, cfg.ID)
	}
	reserved := &entry{config: cfg}
	r.servers[cfg.ID] = reserved
	r.mu.Unlock()

	r.publish(events.KindServerStarting, map[string]any{"server": cfg.ID, "command": cfg.Command})

	session, transport, err := r.launch(ctx, cfg)
	if err != nil {
		r.mu.Lock()
		if r.servers[cfg.ID] == reserved {
			delete(r.servers, cfg.ID)
		}
		r.mu.Unlock()

		r.logger.Error("MCP server start failed", "server", cfg.ID, "error", err)
		r.publish(events.KindServerFailed, map[string]any{"server": cfg.ID, "error": err.Error()})
		return "", err
	}

	r.mu.Lock()
	if r.closed || r.servers[cfg.ID] != reserved {
		r.mu.Unlock()
		closeSession(r.logger, session)
		return "", ErrRegistryClosed
	}
	reserved.session = session
	reserved.transport = transport
	reserved.startedAt = time.Now()
	r.mu.Unlock()

	if w, ok := transport.(interface{ Done() <-chan struct{} }); ok {
		go r.watchExit(cfg.ID, reserved, w.Done())
	}

	info := session.ServerInfo()
	r.logger.Info("MCP server started",
		"server", cfg.ID,
		"name", cfg.Name,
		"server_name", info.ServerInfo.Name,
	)
	r.publish(events.KindServerStarted, map[string]any{
		"server":      cfg.ID,
		"server_name": info.ServerInfo.Name,
	})
	return cfg.ID, nil
}

// launch creates the transport and performs the handshake. The
// transport is closed on every failure path.
func (r *Registry) launch(ctx context.Context, cfg ServerConfig) (*Session, Transport, error) {
	transport, err := r.newTransport(cfg)
	if err != nil {
		return nil, nil, err
	}

	opts := r.cfg.Session
	opts.Logger = r.logger
	session := NewSession(cfg.ID, transport, opts)

	if err := session.Initialize(ctx); err != nil {
		closeSession(r.logger, session)
		return nil, nil, err
	}
	return session, transport, nil
}

// watchExit marks a server as exited when its stdout closes without a
// Stop. The server stays registered until the caller stops it.
func (r *Registry) watchExit(id string, e *entry, done <-chan struct{}) {
	<-done

	r.mu.Lock()
	current := r.servers[id] == e
	if current {
		e.exited = true
	}
	r.mu.Unlock()

	if !current {
		return
	}
	r.logger.Warn("MCP server exited unexpectedly", "server", id)
	r.publish(events.KindServerExited, map[string]any{"server": id})
}

// StartAll starts every config concurrently, bounded by
// StartConcurrency. Failures do not stop the other launches; they are
// returned joined.
func (r *Registry) StartAll(ctx context.Context, cfgs []ServerConfig) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(r.cfg.StartConcurrency)

	for _, cfg := range cfgs {
		g.Go(func() error {
			if _, err := r.Start(ctx, cfg); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("start %s: %w", cfg.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// Stop removes a server and terminates its subprocess. Stopping an
// unknown id returns ErrNotFound; an id still being started returns
// ErrStarting.
func (r *Registry) Stop(id string) error {
	r.mu.Lock()
	e, ok := r.servers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.session == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStarting, id)
	}
	delete(r.servers, id)
	r.dropToolsLocked(id)
	r.mu.Unlock()

	closeSession(r.logger, e.session)

	r.logger.Info("MCP server stopped", "server", id)
	r.publish(events.KindServerStopped, map[string]any{"server": id})
	return nil
}

// List returns the ids of running servers in sorted order. Servers
// still starting are not included.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.servers))
	for id, e := range r.servers {
		if e.session != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Status reports every registered server, including reservations.
func (r *Registry) Status() []ServerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ServerStatus, 0, len(r.servers))
	for id, e := range r.servers {
		st := ServerStatus{ID: id, Name: e.config.Name, State: StateStarting}
		if e.session != nil {
			st.State = StateRunning
			if e.exited {
				st.State = StateExited
			}
			st.StartedAt = e.startedAt
			st.ServerInfo = e.session.ServerInfo()
			if p, ok := e.transport.(interface{ PID() int }); ok {
				st.PID = p.PID()
			}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// lookup returns the running session for id.
func (r *Registry) lookup(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.servers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.session == nil {
		return nil, fmt.Errorf("%w: %s", ErrStarting, id)
	}
	return e.session, nil
}

// ServerInfo returns the initialize result stored for id.
func (r *Registry) ServerInfo(id string) (*InitializeResult, error) {
	s, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return s.ServerInfo(), nil
}

// ListTools returns the tools exposed by server id.
func (r *Registry) ListTools(ctx context.Context, id string) ([]Tool, error) {
	s, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return s.ListTools(ctx)
}

// CallTool invokes a tool on server id.
func (r *Registry) CallTool(ctx context.Context, id, name string, args map[string]any) (*CallToolResult, error) {
	s, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	r.publish(events.KindToolCall, map[string]any{"server": id, "tool": name})
	start := time.Now()

	result, err := s.CallTool(ctx, name, args)

	r.publish(events.KindToolDone, map[string]any{
		"server":      id,
		"tool":        name,
		"ok":          err == nil && !result.IsError,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return result, err
}

// Close stops every running server and rejects further Starts.
// In-progress Starts observe ErrRegistryClosed and clean up after
// themselves.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	var sessions []*Session
	for id, e := range r.servers {
		if e.session != nil {
			sessions = append(sessions, e.session)
		}
		delete(r.servers, id)
	}
	clear(r.toolIndex)
	r.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			return s.Close()
		})
	}
	return g.Wait()
}

func (r *Registry) publish(kind string, data map[string]any) {
	r.cfg.Events.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceRegistry,
		Kind:      kind,
		Data:      data,
	})
}

// closeSession closes a session, logging rather than returning errors.
func closeSession(logger *slog.Logger, s *Session) {
	if err := s.Close(); err != nil {
		logger.Debug("MCP session close error", "server", s.ID(), "error", err)
	}
}
