package mcp

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/mcphost/internal/events"
)

// mockFactory hands out mockTransports and counts spawns. Commands
// named "missing" fail like an absent binary.
type mockFactory struct {
	spawns atomic.Int32

	mu         sync.Mutex
	transports map[string][]*mockTransport
	handle     func(req *Request) (*Response, error)
}

func newMockFactory() *mockFactory {
	return &mockFactory{transports: make(map[string][]*mockTransport)}
}

func (f *mockFactory) New(cfg ServerConfig) (Transport, error) {
	f.spawns.Add(1)
	if cfg.Command == "missing" {
		return nil, &SpawnError{Command: cfg.Command, Err: os.ErrNotExist}
	}

	m := newMockTransport()
	f.mu.Lock()
	m.handle = f.handle
	f.transports[cfg.ID] = append(f.transports[cfg.ID], m)
	f.mu.Unlock()
	return m, nil
}

func (f *mockFactory) last(id string) *mockTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts := f.transports[id]
	if len(ts) == 0 {
		return nil
	}
	return ts[len(ts)-1]
}

func newTestRegistry(t *testing.T, f *mockFactory, bus *events.Bus) *Registry {
	t.Helper()
	r := NewRegistry(RegistryConfig{NewTransport: f.New, Events: bus})
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegistry_StartAndServerInfo(t *testing.T) {
	f := newMockFactory()
	r := newTestRegistry(t, f, nil)

	id, err := r.Start(t.Context(), ServerConfig{ID: "fs", Name: "Filesystem", Command: "fake"})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if id != "fs" {
		t.Errorf("Start() id = %q, want %q", id, "fs")
	}

	info, err := r.ServerInfo("fs")
	if err != nil {
		t.Fatalf("ServerInfo() error: %v", err)
	}
	if info.ServerInfo.Name != "fake" || info.ServerInfo.Version != "1.0" {
		t.Errorf("ServerInfo() = %+v, want fake 1.0", info.ServerInfo)
	}
	if got := r.List(); len(got) != 1 || got[0] != "fs" {
		t.Errorf("List() = %v, want [fs]", got)
	}
}

func TestRegistry_GeneratesID(t *testing.T) {
	r := newTestRegistry(t, newMockFactory(), nil)

	id, err := r.Start(t.Context(), ServerConfig{Command: "fake"})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("generated id %q is not a UUID: %v", id, err)
	}
	if parsed.Version() != 7 {
		t.Errorf("generated id version = %d, want 7", parsed.Version())
	}
}

func TestRegistry_DuplicateStart(t *testing.T) {
	f := newMockFactory()
	r := newTestRegistry(t, f, nil)

	if _, err := r.Start(t.Context(), ServerConfig{ID: "a", Command: "fake"}); err != nil {
		t.Fatalf("first Start() error: %v", err)
	}
	_, err := r.Start(t.Context(), ServerConfig{ID: "a", Command: "fake"})
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start() = %v, want ErrAlreadyRunning", err)
	}
	if n := f.spawns.Load(); n != 1 {
		t.Errorf("spawns = %d, want 1", n)
	}
}

func TestRegistry_ConcurrentStartSameID(t *testing.T) {
	f := newMockFactory()
	r := newTestRegistry(t, f, nil)

	const n = 10
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Start(t.Context(), ServerConfig{ID: "same", Command: "fake"})
			switch {
			case err == nil:
				successes.Add(1)
			case !errors.Is(err, ErrAlreadyRunning):
				t.Errorf("Start() = %v, want nil or ErrAlreadyRunning", err)
			}
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Errorf("successful starts = %d, want 1", got)
	}
	if got := f.spawns.Load(); got != 1 {
		t.Errorf("spawns = %d, want 1", got)
	}
}

func TestRegistry_SpawnFailure(t *testing.T) {
	f := newMockFactory()
	r := newTestRegistry(t, f, nil)

	_, err := r.Start(t.Context(), ServerConfig{ID: "x", Command: "missing"})
	var se *SpawnError
	if !errors.As(err, &se) {
		t.Fatalf("Start() = %v, want *SpawnError", err)
	}
	if got := r.List(); len(got) != 0 {
		t.Errorf("List() = %v after failed start, want empty", got)
	}
}

func TestRegistry_HandshakeFailureCleansUp(t *testing.T) {
	f := newMockFactory()
	f.handle = func(req *Request) (*Response, error) {
		return NewErrorResponse(req.ID, &RPCError{Code: -32603, Message: "not today"}), nil
	}
	r := newTestRegistry(t, f, nil)

	_, err := r.Start(t.Context(), ServerConfig{ID: "x", Command: "fake"})
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("Start() = %v, want *ProtocolError", err)
	}
	if m := f.last("x"); m == nil || m.closeCount() != 1 {
		t.Error("transport not closed after failed handshake")
	}
	if len(r.Status()) != 0 {
		t.Errorf("Status() = %+v, want reservation released", r.Status())
	}

	// The id is free again.
	f.mu.Lock()
	f.handle = nil
	f.mu.Unlock()
	if _, err := r.Start(t.Context(), ServerConfig{ID: "x", Command: "fake"}); err != nil {
		t.Errorf("Start() after failure = %v, want nil", err)
	}
}

func TestRegistry_StopWhileStarting(t *testing.T) {
	release := make(chan struct{})
	f := newMockFactory()
	f.handle = func(req *Request) (*Response, error) {
		if req.Method == methodInitialize {
			<-release
		}
		return fakeReply(req)
	}
	r := newTestRegistry(t, f, nil)

	started := make(chan error, 1)
	go func() {
		_, err := r.Start(context.Background(), ServerConfig{ID: "slow", Command: "fake"})
		started <- err
	}()

	waitFor(t, func() bool {
		st := r.Status()
		return len(st) == 1 && st[0].State == StateStarting
	})

	if err := r.Stop("slow"); !errors.Is(err, ErrStarting) {
		t.Errorf("Stop() while starting = %v, want ErrStarting", err)
	}
	if _, err := r.CallTool(t.Context(), "slow", "echo", nil); !errors.Is(err, ErrStarting) {
		t.Errorf("CallTool() while starting = %v, want ErrStarting", err)
	}
	if got := r.List(); len(got) != 0 {
		t.Errorf("List() = %v, want starting servers excluded", got)
	}

	close(release)
	if err := <-started; err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := r.Stop("slow"); err != nil {
		t.Errorf("Stop() after start = %v", err)
	}
}

func TestRegistry_Stop(t *testing.T) {
	f := newMockFactory()
	r := newTestRegistry(t, f, nil)

	if err := r.Stop("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Stop(unknown) = %v, want ErrNotFound", err)
	}

	if _, err := r.Start(t.Context(), ServerConfig{ID: "a", Command: "fake"}); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := r.Stop("a"); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if got := f.last("a").closeCount(); got != 1 {
		t.Errorf("transport closed %d times, want 1", got)
	}
	if err := r.Stop("a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Stop() = %v, want ErrNotFound", err)
	}
	if _, err := r.CallTool(t.Context(), "a", "echo", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("CallTool() after Stop = %v, want ErrNotFound", err)
	}
}

func TestRegistry_CallTool(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	r := newTestRegistry(t, newMockFactory(), bus)
	if _, err := r.Start(t.Context(), ServerConfig{ID: "a", Command: "fake"}); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	res, err := r.CallTool(t.Context(), "a", "echo", map[string]any{"text": "ping"})
	if err != nil {
		t.Fatalf("CallTool() error: %v", err)
	}
	if res.Text() != "ping" {
		t.Errorf("CallTool() = %q, want %q", res.Text(), "ping")
	}

	want := []string{
		events.KindServerStarting,
		events.KindServerStarted,
		events.KindToolCall,
		events.KindToolDone,
	}
	for _, kind := range want {
		select {
		case e := <-ch:
			if e.Kind != kind || e.Source != events.SourceRegistry {
				t.Errorf("event = %s/%s, want %s/%s", e.Source, e.Kind, events.SourceRegistry, kind)
			}
			if kind == events.KindToolDone && e.Data["ok"] != true {
				t.Errorf("tool_done ok = %v, want true", e.Data["ok"])
			}
		case <-time.After(time.Second):
			t.Fatalf("no %s event", kind)
		}
	}
}

func TestRegistry_LifecycleEvents(t *testing.T) {
	tests := []struct {
		name    string
		command string
		after   func(t *testing.T, r *Registry, f *mockFactory)
		want    []string
	}{
		{
			name:    "stopped",
			command: "fake",
			after: func(t *testing.T, r *Registry, f *mockFactory) {
				if err := r.Stop("srv"); err != nil {
					t.Fatalf("Stop() error: %v", err)
				}
			},
			want: []string{events.KindServerStarting, events.KindServerStarted, events.KindServerStopped},
		},
		{
			name:    "exited",
			command: "fake",
			after: func(t *testing.T, r *Registry, f *mockFactory) {
				f.last("srv").Close()
			},
			want: []string{events.KindServerStarting, events.KindServerStarted, events.KindServerExited},
		},
		{
			name:    "spawn failure",
			command: "missing",
			want:    []string{events.KindServerStarting, events.KindServerFailed},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := events.New()
			ch := bus.Subscribe(16)
			defer bus.Unsubscribe(ch)

			f := newMockFactory()
			r := newTestRegistry(t, f, bus)
			_, err := r.Start(t.Context(), ServerConfig{ID: "srv", Command: tt.command})
			if tt.after != nil {
				if err != nil {
					t.Fatalf("Start() error: %v", err)
				}
				tt.after(t, r, f)
			}

			for _, kind := range tt.want {
				select {
				case e := <-ch:
					if e.Kind != kind || e.Source != events.SourceRegistry {
						t.Errorf("event = %s/%s, want %s/%s", e.Source, e.Kind, events.SourceRegistry, kind)
					}
					if e.Data["server"] != "srv" {
						t.Errorf("%s server = %v, want %q", e.Kind, e.Data["server"], "srv")
					}
					if e.Timestamp.IsZero() {
						t.Errorf("%s has zero timestamp", e.Kind)
					}
				case <-time.After(time.Second):
					t.Fatalf("no %s event", kind)
				}
			}
		})
	}
}

func TestRegistry_ExitedServer(t *testing.T) {
	f := newMockFactory()
	r := newTestRegistry(t, f, nil)

	if _, err := r.Start(t.Context(), ServerConfig{ID: "a", Command: "fake"}); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// Simulate the subprocess going away on its own.
	f.last("a").Close()

	waitFor(t, func() bool {
		st := r.Status()
		return len(st) == 1 && st[0].State == StateExited
	})

	// An exited server stays registered until stopped.
	if err := r.Stop("a"); err != nil {
		t.Errorf("Stop() exited server = %v", err)
	}
}

func TestRegistry_StartAll(t *testing.T) {
	f := newMockFactory()
	r := newTestRegistry(t, f, nil)

	err := r.StartAll(t.Context(), []ServerConfig{
		{ID: "a", Command: "fake"},
		{ID: "b", Command: "missing"},
		{ID: "c", Command: "fake"},
	})
	var se *SpawnError
	if !errors.As(err, &se) {
		t.Errorf("StartAll() = %v, want joined *SpawnError", err)
	}

	got := r.List()
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("List() = %v, want [a c]", got)
	}
}

func TestRegistry_Close(t *testing.T) {
	f := newMockFactory()
	r := NewRegistry(RegistryConfig{NewTransport: f.New})

	for _, id := range []string{"a", "b"} {
		if _, err := r.Start(t.Context(), ServerConfig{ID: id, Command: "fake"}); err != nil {
			t.Fatalf("Start(%s) error: %v", id, err)
		}
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if got := f.last(id).closeCount(); got != 1 {
			t.Errorf("transport %s closed %d times, want 1", id, got)
		}
	}
	if got := r.List(); len(got) != 0 {
		t.Errorf("List() after Close = %v", got)
	}
	if _, err := r.Start(t.Context(), ServerConfig{ID: "c", Command: "fake"}); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("Start() after Close = %v, want ErrRegistryClosed", err)
	}
}

func TestRegistry_StdioServer(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	t.Cleanup(func() { r.Close() })

	_, err := r.Start(t.Context(), ServerConfig{
		ID:      "fake",
		Command: os.Args[0],
		Env:     map[string]string{fakeServerEnv: "1"},
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	st := r.Status()
	if len(st) != 1 || st[0].State != StateRunning || st[0].PID <= 0 {
		t.Fatalf("Status() = %+v, want one running server with a pid", st)
	}
	if st[0].ServerInfo.ServerInfo.Name != "fake" {
		t.Errorf("server name = %q, want fake", st[0].ServerInfo.ServerInfo.Name)
	}

	if err := r.Stop("fake"); err != nil {
		t.Errorf("Stop() error: %v", err)
	}
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 1s")
}
