package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

const (
	// lineQueueSize bounds the number of stdout lines buffered between
	// the reader goroutine and callers. When full, the reader stops
	// reading and the subprocess eventually blocks on its own writes.
	lineQueueSize = 100

	// maxStderrLine caps how much of one stderr line is logged.
	maxStderrLine = 64 * 1024

	// closeGracePeriod is how long Close waits for the subprocess to
	// exit after stdin is closed before killing it.
	closeGracePeriod = 5 * time.Second
)

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess.
	// They are overlaid on the current process environment.
	Env map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. The process is started by [Spawn] and lives until
// [StdioTransport.Close]; a single reader goroutine owns its stdout.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	// sem serializes request/response cycles. A buffered channel is
	// used instead of a mutex so waiters honor their context.
	sem chan struct{}

	writeMu sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	cancel  context.CancelFunc

	lines      chan []byte
	closing    chan struct{}
	readerDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Spawn launches the configured command with piped stdin, stdout and
// stderr, and starts the stdout reader. A launch failure is returned as
// *SpawnError. The subprocess is killed by Close, or when the hosting
// process dies where the platform supports it.
func Spawn(cfg StdioConfig) (*StdioTransport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("starting MCP subprocess",
		"command", cfg.Command,
		"args", cfg.Args,
	)

	// The process context is independent of any call context; it is
	// cancelled only by Close.
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Env = append(os.Environ(), envList(cfg.Env)...)
	setProcAttr(cmd)

	spawnErr := func(err error) error {
		cancel()
		return &SpawnError{Command: cfg.Command, Err: err}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, spawnErr(fmt.Errorf("create stdin pipe: %w", err))
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, spawnErr(fmt.Errorf("create stdout pipe: %w", err))
	}

	// Stderr is not part of the protocol; it is only logged.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, spawnErr(fmt.Errorf("create stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return nil, spawnErr(err)
	}

	t := &StdioTransport{
		config:     cfg,
		logger:     logger,
		sem:        make(chan struct{}, 1),
		cmd:        cmd,
		stdin:      stdin,
		cancel:     cancel,
		lines:      make(chan []byte, lineQueueSize),
		closing:    make(chan struct{}),
		readerDone: make(chan struct{}),
	}

	go t.readLoop(stdout)
	go t.drainStderr(stderrPipe)

	logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return t, nil
}

// PID returns the subprocess id.
func (t *StdioTransport) PID() int {
	return t.cmd.Process.Pid
}

// Done returns a channel that is closed once the reader goroutine has
// exited, which happens when the subprocess closes its stdout or the
// transport is closed.
func (t *StdioTransport) Done() <-chan struct{} {
	return t.readerDone
}

// readLoop splits stdout into lines and queues them. It is the only
// writer to t.lines and closes it on exit so receivers observe
// ErrClosed once the queue drains.
func (t *StdioTransport) readLoop(r io.Reader) {
	defer close(t.readerDone)
	defer close(t.lines)

	reader := bufio.NewReaderSize(r, 1<<20) // 1 MiB buffer for large responses
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			select {
			case t.lines <- line:
			case <-t.closing:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				t.logger.Debug("MCP subprocess stdout read ended", "error", err)
			}
			return
		}
	}
}

// drainStderr reads stderr until EOF and logs each line at debug
// level. Lines longer than maxStderrLine are truncated in the log but
// still consumed in full, so the subprocess never blocks on stderr.
func (t *StdioTransport) drainStderr(r io.Reader) {
	reader := bufio.NewReaderSize(r, 64*1024)
	line := make([]byte, 0, 1024)
	truncated := false

	for {
		chunk, isPrefix, err := reader.ReadLine()
		if err != nil {
			if len(line) > 0 {
				t.logStderr(line, truncated)
			}
			return
		}

		room := maxStderrLine - len(line)
		if len(chunk) > room {
			line = append(line, chunk[:max(room, 0)]...)
			truncated = true
		} else {
			line = append(line, chunk...)
		}
		if isPrefix {
			continue
		}

		t.logStderr(line, truncated)
		line = line[:0]
		truncated = false
	}
}

func (t *StdioTransport) logStderr(line []byte, truncated bool) {
	if truncated {
		t.logger.Debug("MCP subprocess stderr", "line", string(line), "truncated", true)
		return
	}
	t.logger.Debug("MCP subprocess stderr", "line", string(line))
}

// Write marshals msg and writes it to stdin as a single line. A failed
// write means the subprocess is gone and is returned as *IOError.
func (t *StdioTransport) Write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	t.logger.Log(context.Background(), LevelTrace, "MCP send", "payload", string(data))

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return &IOError{Op: "write to subprocess stdin", Err: err}
	}
	return nil
}

// Receive waits for the next queued stdout line and decodes it. It
// returns ErrClosed once stdout has closed and the queue is empty, and
// ctx.Err() when the context ends first; in that case nothing is
// drained, so a late line stays queued for the next receiver.
//
// Receive does not serialize callers. Use Send for request/response.
func (t *StdioTransport) Receive(ctx context.Context) (*Response, error) {
	select {
	case line, ok := <-t.lines:
		if !ok {
			return nil, ErrClosed
		}
		t.logger.Log(ctx, LevelTrace, "MCP recv", "payload", string(line))
		return DecodeResponse(line)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// acquire obtains the call semaphore, respecting context cancellation.
func (t *StdioTransport) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	// Both cases may have been ready; don't proceed on a dead context.
	if err := ctx.Err(); err != nil {
		t.release()
		return err
	}
	return nil
}

func (t *StdioTransport) release() {
	<-t.sem
}

// Send writes req and waits for the response carrying the same id.
// Calls are serialized for the full write/read cycle.
//
// Lines with a different id are stale responses to earlier requests
// that timed out and are discarded, as are server-originated
// notifications and requests. An error response with a null id is
// returned to the current call. A malformed line fails the call with
// *DecodeError.
// When ctx's deadline passes, Send returns *TimeoutError without
// cancelling the request or touching the subprocess.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, asTimeout(err, req)
	}
	defer t.release()

	if err := t.Write(req); err != nil {
		return nil, err
	}

	for {
		resp, err := t.Receive(ctx)
		if err != nil {
			return nil, asTimeout(err, req)
		}

		if resp.Method != "" {
			t.logger.Debug("skipping server-originated MCP message", "method", resp.Method)
			continue
		}

		// A null-id error answers a request the server could not
		// parse; only this call can be waiting for it.
		if resp.Error != nil && resp.NullID() {
			return resp, nil
		}

		if !resp.HasID(req.ID) {
			t.logger.Debug("discarding unmatched MCP response",
				"want_id", req.ID,
				"got_id", idString(resp.ID),
			)
			continue
		}

		return resp, nil
	}
}

// Notify writes a notification to stdin. No response is read.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	return t.Write(notif)
}

// Close terminates the subprocess and waits for the reader goroutine
// to exit. It does not wait for in-flight calls; they observe
// ErrClosed. Close is idempotent.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.stop()
	})
	return t.closeErr
}

// stop closes stdin, gives the subprocess closeGracePeriod to exit,
// and kills it otherwise.
func (t *StdioTransport) stop() error {
	pid := t.cmd.Process.Pid
	t.logger.Info("stopping MCP subprocess", "pid", pid)

	close(t.closing)
	t.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- t.cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-time.After(closeGracePeriod):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing", "pid", pid)
		t.cancel()
		<-done
	}
	t.cancel()
	<-t.readerDone

	if errors.Is(err, context.Canceled) {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// A non-zero exit after stdin closed is normal shutdown for
		// many servers; only report it at debug.
		t.logger.Debug("MCP subprocess exited", "pid", pid, "status", exitErr.String())
		return nil
	}
	return err
}

// asTimeout converts a deadline expiry into *TimeoutError.
func asTimeout(err error, req *Request) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Method: req.Method, ID: req.ID}
	}
	return err
}

// envList converts an overlay map into KEY=VALUE pairs in key order.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func idString(id json.RawMessage) string {
	if len(id) == 0 {
		return "null"
	}
	return string(id)
}
