package rpcbridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bazelment/yoloswe/agentbridge/internal/ndjson"
)

const opsBufferSize = 256

// Conn is a JSON-RPC connection to one agent subprocess.
//
// Every piece of mutable protocol state (in-flight calls, the gate queue,
// elicitation bindings, retry counters) is owned by a single event-loop
// goroutine. Readers, timers, the exit watcher and the public methods all
// post closures to it, so no two events ever interleave.
type Conn struct {
	writer      *ndjson.Writer
	process     *processManager
	events      *dispatcher
	logger      *slog.Logger
	table       *callTable
	router      *router
	exitErr     error
	final       atomic.Pointer[Diagnostics]
	serverInfo  atomic.Pointer[json.RawMessage]
	ops         chan func()
	loopDone    chan struct{}
	ready       chan struct{}
	delayed     map[*pendingCall]*time.Timer
	id          string
	closers     []io.Closer
	readyTimers []*time.Timer
	config      Config
	handlers    handlers
	gate        gate
	retry       retryState
	life        lifecycle
	readyOnce   sync.Once
	stopOnce    sync.Once
	started     atomic.Bool
	sawOutput   bool
}

// New creates a connection. Nothing is spawned until Start.
func New(opts ...Option) *Conn {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Agent == "" {
		config.Agent = filepath.Base(config.Command)
	}

	id := uuid.NewString()
	return &Conn{
		config:   config,
		id:       id,
		logger:   config.Logger.With("conn", id, "agent", config.Agent),
		ops:      make(chan func(), opsBufferSize),
		loopDone: make(chan struct{}),
		ready:    make(chan struct{}),
		table:    newCallTable(),
		router:   newRouter(config.ElicitationMethods),
		delayed:  make(map[*pendingCall]*time.Timer),
		retry: retryState{
			maxRetries: config.MaxRetries,
			baseDelay:  config.RetryBaseDelay,
		},
	}
}

// ID returns the connection's unique id, also attached to every log line.
func (c *Conn) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Conn) State() State { return c.life.current() }

// PID returns the child's process id, or 0 when there is none.
func (c *Conn) PID() int {
	if c.process == nil {
		return 0
	}
	return c.process.pid()
}

// ServerInfo returns the handshake result, if a handshake ran.
func (c *Conn) ServerInfo() json.RawMessage {
	if p := c.serverInfo.Load(); p != nil {
		return *p
	}
	return nil
}

// OnNotification registers the sink for peer notifications and elicitations.
func (c *Conn) OnNotification(fn func(Notification)) {
	c.handlers.mu.Lock()
	c.handlers.notification = fn
	c.handlers.mu.Unlock()
}

// OnFaultClassified registers the sink for classified network faults.
func (c *Conn) OnFaultClassified(fn func(FaultEvent)) {
	c.handlers.mu.Lock()
	c.handlers.fault = fn
	c.handlers.mu.Unlock()
}

// OnLine registers the sink for stdout lines that are not JSON frames.
func (c *Conn) OnLine(fn func(string)) {
	c.handlers.mu.Lock()
	c.handlers.line = fn
	c.handlers.mu.Unlock()
}

// OnStateChange registers the sink for lifecycle transitions.
func (c *Conn) OnStateChange(fn func(State)) {
	c.handlers.mu.Lock()
	c.handlers.state = fn
	c.handlers.mu.Unlock()
}

// Start spawns the agent and blocks until it is ready, the context is done,
// or the child dies. When a handshake is configured it runs before Start
// returns.
func (c *Conn) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	c.events = newDispatcher(c.logger)
	if err := c.setState(StateStarting); err != nil {
		return err
	}

	c.logger.Info("starting agent", "command", c.config.Command, "args", c.config.Args, "dir", c.config.WorkDir)
	pm := newProcessManager(c.config, c.logger)
	if err := pm.start(); err != nil {
		c.logger.Error("agent failed to start", "error", err)
		c.abort(err)
		return err
	}
	c.process = pm

	c.attach(pm.stdout, pm.stdin, pm.readerDone)
	go pm.readStderr(c.onStderr)
	go c.watchExit()

	if err := c.WaitReady(ctx); err != nil {
		_ = c.Stop()
		return err
	}
	if c.config.Handshake != nil {
		if err := c.handshake(ctx); err != nil {
			c.logger.Error("handshake failed", "error", err)
			_ = c.Stop()
			return err
		}
	}
	return nil
}

// startWithTransport runs the connection over an existing byte stream
// instead of a child process. EOF on r is treated like the child exiting.
func (c *Conn) startWithTransport(r io.Reader, w io.Writer) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	c.events = newDispatcher(c.logger)
	if err := c.setState(StateStarting); err != nil {
		return err
	}
	c.attach(r, w, nil)
	return nil
}

// attach wires the transport and starts the loop and the stdout reader.
func (c *Conn) attach(r io.Reader, w io.Writer, readerDone func()) {
	c.writer = ndjson.NewWriter(w)
	if closer, ok := w.(io.Closer); ok {
		c.closers = append(c.closers, closer)
	}
	c.readyTimers = []*time.Timer{
		time.AfterFunc(c.config.ReadyGrace, func() {
			_ = c.post(func() {
				if c.sawOutput {
					c.promote("grace window elapsed with output")
				}
			})
		}),
		time.AfterFunc(c.config.ReadyFallback, func() {
			_ = c.post(func() { c.promote("fallback window elapsed") })
		}),
	}
	go c.loop()
	go c.readLoop(r, readerDone)
}

// abort finishes a connection whose loop never started.
func (c *Conn) abort(err error) {
	c.exitErr = err
	_ = c.setState(StateCrashed)
	snap := c.snapshot()
	c.final.Store(&snap)
	c.readyOnce.Do(func() { close(c.ready) })
	close(c.loopDone)
	c.events.close()
}

func (c *Conn) loop() {
	defer close(c.loopDone)
	for fn := range c.ops {
		fn()
		if c.life.current().Terminal() {
			return
		}
	}
}

// post hands fn to the event loop. It fails once the loop has exited; a
// closure that races with loop exit may be dropped, so callers waiting on
// a result must also watch loopDone.
func (c *Conn) post(fn func()) error {
	select {
	case <-c.loopDone:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.ops <- fn:
		return nil
	case <-c.loopDone:
		return ErrConnectionClosed
	}
}

// closedErr is the error handed to calls that can no longer complete. Only
// valid from the loop or after loopDone.
func (c *Conn) closedErr() error {
	return connectionClosed(c.exitErr)
}

func (c *Conn) readLoop(r io.Reader, done func()) {
	if done != nil {
		defer done()
	}
	reader := ndjson.NewReaderSize(r, c.config.MaxLineSize)
	for {
		line, err := reader.ReadLine()
		if errors.Is(err, ndjson.ErrLineTooLong) {
			c.logger.Warn("skipping oversized line from agent")
			continue
		}
		if err != nil {
			_ = c.post(func() { c.handleReadEnd(err) })
			return
		}
		if c.post(func() { c.handleLine(line) }) != nil {
			return
		}
	}
}

func (c *Conn) onStderr(chunk []byte) {
	if h := c.config.StderrHandler; h != nil {
		h(chunk)
	}
	_ = c.post(func() { c.sawOutput = true })
}

func (c *Conn) watchExit() {
	ev := c.process.wait()
	c.logger.Debug("agent process exited", "code", ev.code, "signaled", ev.signaled)
	_ = c.post(func() { c.onExit(ev) })
}

func (c *Conn) handleReadEnd(err error) {
	if c.process != nil {
		// The exit watcher reports the outcome once the child is reaped.
		c.logger.Debug("agent stdout closed", "error", err)
		return
	}
	c.onExit(exitEvent{code: -1, err: &TransportError{Op: "read", Cause: err}})
}

func (c *Conn) onExit(ev exitEvent) {
	switch c.life.current() {
	case StateClosing:
		c.finish(StateClosed, nil)
	case StateStarting:
		c.finish(StateCrashed, ev.startError(c.config.Command))
	case StateReady:
		if ev.clean() {
			c.finish(StateClosed, &ProcessError{Message: "agent exited", Stderr: ev.stderr})
		} else {
			c.finish(StateCrashed, ev.processError())
		}
	}
}

// setState is called from the loop, or from Start before the loop exists.
func (c *Conn) setState(s State) error {
	if err := c.life.transition(s); err != nil {
		return err
	}
	c.logger.Debug("state changed", "state", s)
	_, _, _, onState := c.handlers.get()
	if onState != nil {
		c.events.push(func() {
			if _, _, _, h := c.handlers.get(); h != nil {
				h(s)
			}
		})
	}
	return nil
}

func (c *Conn) promote(reason string) {
	if c.life.current() != StateStarting {
		return
	}
	if err := c.setState(StateReady); err != nil {
		c.logger.Error("failed to mark agent ready", "error", err)
		return
	}
	c.stopReadyTimers()
	c.logger.Info("agent ready", "reason", reason)
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *Conn) stopReadyTimers() {
	for _, t := range c.readyTimers {
		t.Stop()
	}
	c.readyTimers = nil
}

// beginClose moves to Closing and fails everything outstanding.
func (c *Conn) beginClose() {
	if !c.life.current().accepting() {
		return
	}
	if err := c.setState(StateClosing); err != nil {
		c.logger.Error("failed to enter closing state", "error", err)
		return
	}
	c.stopReadyTimers()
	c.sweep(ErrConnectionClosed)
	c.readyOnce.Do(func() { close(c.ready) })
}

// finish enters a terminal state. The loop exits after the current closure.
func (c *Conn) finish(state State, cause error) {
	if c.life.current().Terminal() {
		return
	}
	c.exitErr = cause
	c.stopReadyTimers()
	c.sweep(c.closedErr())
	if err := c.setState(state); err != nil {
		c.logger.Error("failed to enter terminal state", "state", state, "error", err)
		c.life.v.Store(int32(state))
	}
	if state == StateCrashed {
		c.logger.Error("agent crashed", "error", cause)
	} else {
		c.logger.Info("agent connection closed")
	}
	for _, closer := range c.closers {
		_ = closer.Close()
	}
	snap := c.snapshot()
	c.final.Store(&snap)
	c.readyOnce.Do(func() { close(c.ready) })
	c.events.close()
}

// sweep fails every in-flight call, queued call, delayed fault and
// elicitation waiter with err.
func (c *Conn) sweep(err error) {
	for _, call := range c.table.drain() {
		call.complete(nil, err)
	}
	for _, call := range c.gate.flush() {
		call.complete(nil, err)
	}
	for call, timer := range c.delayed {
		timer.Stop()
		call.complete(nil, err)
	}
	c.delayed = make(map[*pendingCall]*time.Timer)
	for _, w := range c.router.clear() {
		w.finish(err)
	}
}

// WaitReady blocks until the connection is Ready or can no longer become
// ready.
func (c *Conn) WaitReady(ctx context.Context) error {
	if !c.started.Load() {
		return ErrNotStarted
	}
	select {
	case <-c.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	switch st := c.life.current(); st {
	case StateReady:
		return nil
	case StateClosed, StateCrashed:
		if c.exitErr != nil {
			return c.exitErr
		}
		return ErrConnectionClosed
	default:
		return ErrConnectionClosed
	}
}

// Stop shuts the connection down. Outstanding calls fail with
// ErrConnectionClosed before Stop returns; the child is signaled and the
// state becomes Closed once its exit is observed. Stop is idempotent.
func (c *Conn) Stop() error {
	if !c.started.Load() {
		return nil
	}
	c.stopOnce.Do(func() {
		c.logger.Info("stopping agent")
		swept := make(chan struct{})
		if c.post(func() {
			c.beginClose()
			close(swept)
		}) == nil {
			select {
			case <-swept:
			case <-c.loopDone:
			}
		}
		if c.process == nil {
			_ = c.post(func() { c.finish(StateClosed, nil) })
			return
		}
		c.process.stop(c.config.StopGrace)
	})
	return nil
}

// Done is closed once the connection reaches a terminal state.
func (c *Conn) Done() <-chan struct{} {
	return c.loopDone
}

// Err returns why the connection ended, or nil while it is still running or
// after a requested stop.
func (c *Conn) Err() error {
	select {
	case <-c.loopDone:
		return c.exitErr
	default:
		return nil
	}
}

func (c *Conn) handleLine(line []byte) {
	c.sawOutput = true
	f, err := decodeFrame(line)
	if errors.Is(err, errNotObject) {
		c.handleTextLine(string(line))
		return
	}
	if err != nil {
		c.logger.Warn("dropping malformed frame", "error", err)
		return
	}
	c.promote("first protocol frame")

	switch f.kind {
	case frameResponse:
		c.handleResponse(f)
	case frameRequest:
		c.handlePeerRequest(f)
	case frameNotification:
		c.handleNotification(f)
	}
}

var continuePrompts = []string{"press enter to continue", "press return to continue"}

func (c *Conn) handleTextLine(text string) {
	c.logger.Debug("non-protocol output", "line", text)
	if _, _, onLine, _ := c.handlers.get(); onLine != nil {
		c.events.push(func() {
			if _, _, h, _ := c.handlers.get(); h != nil {
				h(text)
			}
		})
	}
	if !c.config.AutoContinue {
		return
	}
	lower := strings.ToLower(text)
	for _, p := range continuePrompts {
		if strings.Contains(lower, p) {
			c.logger.Debug("answering continue prompt")
			if err := c.writer.WriteLine(nil); err != nil {
				c.logger.Warn("failed to answer continue prompt", "error", err)
			}
			return
		}
	}
}

func (c *Conn) emitNotification(n Notification) {
	c.logger.Debug("notification", "method", n.Method, "elicitation", n.Elicitation, "call_key", n.CallKey)
	c.events.push(func() {
		if h, _, _, _ := c.handlers.get(); h != nil {
			h(n)
		}
	})
}

func (c *Conn) emitFault(ev FaultEvent) {
	c.events.push(func() {
		if _, h, _, _ := c.handlers.get(); h != nil {
			h(ev)
		}
	})
}

func (c *Conn) writeFrame(v interface{}) error {
	if err := c.writer.WriteJSON(v); err != nil {
		return &TransportError{Op: "write", Cause: err}
	}
	return nil
}

func (c *Conn) writeReply(id json.RawMessage, result interface{}, rpcErr *JSONRPCError) error {
	resp := JSONRPCResponse{JSONRPC: jsonrpcVersion, ID: id, Error: rpcErr}
	if rpcErr == nil {
		raw, err := marshalParams(result)
		if err != nil {
			return err
		}
		if raw == nil {
			raw = json.RawMessage("null")
		}
		resp.Result = raw
	}
	return c.writeFrame(resp)
}

// do runs fn on the loop and waits for its result.
func (c *Conn) do(ctx context.Context, fn func() error) error {
	if !c.started.Load() {
		return ErrNotStarted
	}
	done := make(chan error, 1)
	if err := c.post(func() { done <- fn() }); err != nil {
		return c.closedErr()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.loopDone:
		select {
		case err := <-done:
			return err
		default:
			return c.closedErr()
		}
	}
}
