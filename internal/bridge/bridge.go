// Package bridge turns the embedded on-device runtime into a
// first-class execution backend. Outbound requests are correlated to
// inbound responses by id over an asynchronous transport; startup is
// gated behind a readiness barrier; every request carries its own
// deadline.
//
// The load-bearing invariant: a call made before the runtime is ready
// waits a bounded time and then synthesizes a structured offline
// response. It never falls through to a remote server.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haven-assistant/haven/internal/httpkit"
)

// State is the bridge lifecycle state.
type State int32

const (
	StateNotStarted State = iota
	StateStarting
	StateEngineReady
	StateHTTPReady
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateEngineReady:
		return "engine_ready"
	case StateHTTPReady:
		return "http_ready"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrNotReady is recorded on synthesized offline responses. It is not
// returned from Call — "not ready yet" is a response, not a failure.
var ErrNotReady = errors.New("bridge not ready")

// ErrClosed is returned for calls against a stopped bridge transport.
var ErrClosed = errors.New("bridge closed")

// Request is one correlated outbound request to the embedded runtime.
type Request struct {
	ID     string          `json:"id"`
	Path   string          `json:"path"`
	Method string          `json:"method"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Response is the embedded runtime's answer, matched to its request by id.
type Response struct {
	ID      string          `json:"id"`
	Status  int             `json:"status"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Offline bool            `json:"offline,omitempty"`
}

// Config holds bridge construction parameters.
type Config struct {
	// Command launches the embedded runtime; empty means it is managed
	// externally and the bridge only connects.
	Command string
	Args    []string

	// Port is the loopback port the runtime listens on.
	Port int

	// EngineTimeout bounds Starting → EngineReady (transport connect).
	EngineTimeout time.Duration

	// ReadyTimeout bounds both the health-poll phase and how long a
	// Call waits at the readiness barrier before synthesizing offline.
	ReadyTimeout time.Duration

	// CallTimeout is the per-request deadline.
	CallTimeout time.Duration

	// HealthPoll is the loopback health polling interval.
	HealthPoll time.Duration

	// Transport overrides the default websocket transport. Tests use this.
	Transport Transport

	// HealthURL overrides the default loopback health endpoint.
	HealthURL string

	Logger *slog.Logger
}

// Bridge manages the embedded runtime lifecycle and the pending
// request table. Any number of calls may be in flight concurrently.
type Bridge struct {
	cfg    Config
	logger *slog.Logger

	state atomic.Int32
	ready chan struct{} // closed once Ready — the one-time barrier

	mu      sync.Mutex
	pending map[string]chan *Response
	failErr error

	transport Transport
	cmd       *exec.Cmd
	health    *http.Client
}

// New creates a bridge in StateNotStarted.
func New(cfg Config) *Bridge {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.EngineTimeout <= 0 {
		cfg.EngineTimeout = 15 * time.Second
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	if cfg.HealthPoll <= 0 {
		cfg.HealthPoll = 500 * time.Millisecond
	}
	if cfg.HealthURL == "" {
		cfg.HealthURL = fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Port)
	}
	return &Bridge{
		cfg:     cfg,
		logger:  cfg.Logger,
		ready:   make(chan struct{}),
		pending: make(map[string]chan *Response),
		health:  httpkit.NewClient(httpkit.WithTimeout(5 * time.Second)),
	}
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

// Err returns the failure cause once the bridge is in StateFailed.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failErr
}

// Probe reports readiness for the tier checker: nil only in StateReady.
func (b *Bridge) Probe(ctx context.Context) error {
	if b.State() == StateReady {
		return nil
	}
	return fmt.Errorf("%w (state %s)", ErrNotReady, b.State())
}

// Start launches the embedded runtime and drives the state machine to
// Ready. Must be called exactly once; it returns once the bridge is
// Ready or Failed.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.state.CompareAndSwap(int32(StateNotStarted), int32(StateStarting)) {
		return fmt.Errorf("bridge already started (state %s)", b.State())
	}
	b.logger.Info("bridge starting")

	if b.cfg.Command != "" {
		cmd := exec.CommandContext(ctx, b.cfg.Command, b.cfg.Args...)
		if err := cmd.Start(); err != nil {
			return b.fail(fmt.Errorf("start embedded runtime: %w", err))
		}
		b.cmd = cmd
		b.logger.Info("embedded runtime launched", "pid", cmd.Process.Pid, "command", b.cfg.Command)
		go func() {
			if err := cmd.Wait(); err != nil {
				b.logger.Error("embedded runtime exited with error", "error", err)
			} else {
				b.logger.Info("embedded runtime exited")
			}
		}()
	}

	// Starting → EngineReady: the transport connecting is the liveness
	// signal from the engine.
	transport, err := b.connectTransport(ctx)
	if err != nil {
		return b.fail(fmt.Errorf("engine liveness: %w", err))
	}
	b.transport = transport
	b.state.Store(int32(StateEngineReady))
	b.logger.Info("bridge engine ready")

	go b.readLoop()

	// EngineReady → HTTPReady → Ready: poll the loopback health
	// endpoint until it answers or the ready timeout expires.
	if err := b.awaitHealth(ctx); err != nil {
		return b.fail(fmt.Errorf("loopback health: %w", err))
	}
	b.state.Store(int32(StateHTTPReady))
	b.state.Store(int32(StateReady))
	close(b.ready)
	b.logger.Info("bridge ready")
	return nil
}

// connectTransport dials the runtime until it answers or EngineTimeout
// elapses.
func (b *Bridge) connectTransport(ctx context.Context) (Transport, error) {
	if b.cfg.Transport != nil {
		return b.cfg.Transport, nil
	}

	deadline := time.Now().Add(b.cfg.EngineTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		t, err := dialWS(ctx, b.cfg.Port)
		if err == nil {
			return t, nil
		}
		lastErr = err
		if !sleepCtx(ctx, b.cfg.HealthPoll) {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("engine did not come up within %s: %w", b.cfg.EngineTimeout, lastErr)
}

// awaitHealth polls the loopback health endpoint.
func (b *Bridge) awaitHealth(ctx context.Context) error {
	deadline := time.Now().Add(b.cfg.ReadyTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.HealthURL, nil)
		if err != nil {
			return err
		}
		resp, err := b.health.Do(req)
		if err == nil {
			httpkit.DrainAndClose(resp.Body, 4096)
			if resp.StatusCode < 300 {
				return nil
			}
			lastErr = fmt.Errorf("health returned %d", resp.StatusCode)
		} else {
			lastErr = err
		}
		if !sleepCtx(ctx, b.cfg.HealthPoll) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("health endpoint not ready within %s: %w", b.cfg.ReadyTimeout, lastErr)
}

// fail moves the bridge to the terminal Failed state.
func (b *Bridge) fail(err error) error {
	b.mu.Lock()
	b.failErr = err
	b.mu.Unlock()
	b.state.Store(int32(StateFailed))
	b.logger.Error("bridge failed", "error", err)
	return err
}

// Call dispatches a correlated request to the embedded runtime.
//
// While the bridge is not Ready, the call waits at the readiness
// barrier up to ReadyTimeout; past that it returns a synthesized
// offline response (status 503, Offline set) with a nil error — the
// caller distinguishes "runtime offline" from "runtime answered with
// an error" by the Offline flag, and no remote server is ever
// contacted on this path.
func (b *Bridge) Call(ctx context.Context, path, method string, body any) (*Response, error) {
	var raw json.RawMessage
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		raw = data
	}

	if !b.awaitReady(ctx) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b.logger.Debug("bridge call before ready, synthesizing offline response",
			"path", path,
			"state", b.State().String(),
		)
		return &Response{
			Status:  http.StatusServiceUnavailable,
			Error:   ErrNotReady.Error(),
			Offline: true,
		}, nil
	}

	req := &Request{
		ID:     uuid.NewString(),
		Path:   path,
		Method: method,
		Body:   raw,
	}

	respCh := make(chan *Response, 1)
	b.mu.Lock()
	b.pending[req.ID] = respCh
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
	}()

	if err := b.transport.Send(ctx, req); err != nil {
		return nil, fmt.Errorf("bridge send: %w", err)
	}

	timer := time.NewTimer(b.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("bridge request %s timed out after %s", req.ID, b.cfg.CallTimeout)
	}
}

// awaitReady blocks at the one-time readiness barrier for up to
// ReadyTimeout (or ctx cancellation). Returns true once Ready.
func (b *Bridge) awaitReady(ctx context.Context) bool {
	if b.State() == StateReady {
		return true
	}
	if b.State() == StateFailed {
		return false
	}

	timer := time.NewTimer(b.cfg.ReadyTimeout)
	defer timer.Stop()

	select {
	case <-b.ready:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}

// readLoop delivers transport responses to their pending waiters.
// Responses may arrive in any order; each finds its own waiter by id.
func (b *Bridge) readLoop() {
	for resp := range b.transport.Receive() {
		b.mu.Lock()
		ch, ok := b.pending[resp.ID]
		b.mu.Unlock()
		if !ok {
			// Waiter already gone: deadline fired or caller cancelled.
			b.logger.Debug("bridge dropping response with no waiter", "id", resp.ID)
			continue
		}
		ch <- resp
	}
	b.logger.Info("bridge transport closed")
}

// PendingCount reports the number of in-flight requests. Used by
// status surfaces and tests.
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Stop closes the transport and tears down the embedded runtime.
func (b *Bridge) Stop() error {
	var err error
	if b.transport != nil {
		err = b.transport.Close()
	}
	if b.cmd != nil && b.cmd.Process != nil {
		_ = b.cmd.Process.Kill()
	}
	return err
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
