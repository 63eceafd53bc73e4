package rpcbridge

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/bazelment/yoloswe/agentbridge/internal/procattr"
)

const stderrTailSize = 8 << 10

// How long output may stay open after the child itself has exited.
const exitDrainGrace = 500 * time.Millisecond

// Phrases agent CLIs print when they need the user to log in first.
var authPhrases = []string{
	"not logged in",
	"please log in",
	"please login",
	"login required",
	"authentication required",
	"unauthenticated",
	"unauthorized",
	"invalid api key",
	"missing api key",
	"no api key",
	"api key not found",
}

func authRequired(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, p := range authPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// exitEvent describes how the child (or the in-memory transport) ended.
type exitEvent struct {
	err      error
	stderr   string
	code     int
	signaled bool
}

func (e exitEvent) clean() bool {
	return e.err == nil && e.code == 0 && !e.signaled
}

func (e exitEvent) startError(command string) *StartError {
	kind := StartGeneric
	switch {
	case authRequired(e.stderr):
		kind = StartAuthenticationRequired
	case e.code == 127:
		kind = StartExecutableNotFound
	case e.code == 126:
		kind = StartPermissionDenied
	}
	return &StartError{
		Kind:     kind,
		Command:  command,
		Stderr:   e.stderr,
		ExitCode: e.code,
		Cause:    e.err,
	}
}

func (e exitEvent) processError() *ProcessError {
	return &ProcessError{
		Message:      "agent exited unexpectedly",
		ExitCode:     e.code,
		Signaled:     e.signaled,
		Stderr:       e.stderr,
		AuthRequired: authRequired(e.stderr),
		Cause:        e.err,
	}
}

func classifySpawnError(command string, err error) *StartError {
	kind := StartGeneric
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		kind = StartExecutableNotFound
	case errors.Is(err, fs.ErrPermission):
		kind = StartPermissionDenied
	}
	return &StartError{Kind: kind, Command: command, Cause: err}
}

// tailBuffer keeps the last n bytes written to it.
type tailBuffer struct {
	buf []byte
	max int
	mu  sync.Mutex
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// processManager manages the agent subprocess.
type processManager struct {
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  io.ReadCloser
	cmd     *exec.Cmd
	logger  *slog.Logger
	exited  chan struct{}
	tail    *tailBuffer
	config  Config
	readers sync.WaitGroup
	once    sync.Once
}

func newProcessManager(config Config, logger *slog.Logger) *processManager {
	return &processManager{
		config: config,
		logger: logger,
		exited: make(chan struct{}),
		tail:   &tailBuffer{max: stderrTailSize},
	}
}

// start spawns the agent. The caller must consume stdout and stderr and
// call readerDone once for each when they reach EOF.
func (pm *processManager) start() error {
	// No CommandContext: the child outlives the Start call and is torn
	// down through stop.
	pm.cmd = exec.Command(pm.config.Command, pm.config.Args...)
	pm.cmd.Dir = pm.config.WorkDir

	// Configure process group for orphan prevention.
	procattr.Set(pm.cmd)

	if len(pm.config.Env) > 0 {
		pm.cmd.Env = os.Environ()
		for k, v := range pm.config.Env {
			pm.cmd.Env = append(pm.cmd.Env, k+"="+v)
		}
	}

	var err error
	if pm.stdin, err = pm.cmd.StdinPipe(); err != nil {
		return &StartError{Kind: StartGeneric, Command: pm.config.Command, Cause: err}
	}
	if pm.stdout, err = pm.cmd.StdoutPipe(); err != nil {
		return &StartError{Kind: StartGeneric, Command: pm.config.Command, Cause: err}
	}
	if pm.stderr, err = pm.cmd.StderrPipe(); err != nil {
		return &StartError{Kind: StartGeneric, Command: pm.config.Command, Cause: err}
	}

	if err := pm.cmd.Start(); err != nil {
		return classifySpawnError(pm.config.Command, err)
	}
	pm.readers.Add(2)
	pm.logger.Debug("agent process spawned", "pid", pm.cmd.Process.Pid)
	return nil
}

func (pm *processManager) readerDone() {
	pm.readers.Done()
}

func (pm *processManager) pid() int {
	if pm.cmd == nil || pm.cmd.Process == nil {
		return 0
	}
	return pm.cmd.Process.Pid
}

// readStderr copies stderr into the tail buffer and onChunk until EOF.
func (pm *processManager) readStderr(onChunk func([]byte)) {
	defer pm.readerDone()
	buf := make([]byte, 4096)
	for {
		n, err := pm.stderr.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			_, _ = pm.tail.Write(chunk)
			onChunk(chunk)
		}
		if err != nil {
			return
		}
	}
}

// wait blocks until the child exits, then lets stdout and stderr drain.
// Descendants that inherited the pipes would keep them open forever, so
// after exitDrainGrace the rest of the group is killed and the read ends
// are closed.
func (pm *processManager) wait() exitEvent {
	state, err := pm.cmd.Process.Wait()
	close(pm.exited)

	drained := make(chan struct{})
	go func() {
		pm.readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(exitDrainGrace):
		pm.logger.Debug("agent output still open after exit, killing process group")
		_ = procattr.KillGroup(pm.cmd.Process)
		_ = pm.stdout.Close()
		_ = pm.stderr.Close()
		<-drained
	}
	_ = pm.stdin.Close()

	ev := exitEvent{stderr: pm.tail.String()}
	switch {
	case err != nil:
		ev.code = -1
		ev.err = err
	case !state.Success():
		ev.code = state.ExitCode()
		ev.signaled = ev.code == -1
		ev.err = &exec.ExitError{ProcessState: state}
	}
	return ev
}

// stop closes stdin and signals the process group. It returns once SIGTERM
// has been sent; SIGKILL follows after grace if the child is still alive.
func (pm *processManager) stop(grace time.Duration) {
	pm.once.Do(func() {
		if pm.stdin != nil {
			_ = pm.stdin.Close()
		}
		select {
		case <-pm.exited:
			return
		default:
		}
		procattr.Terminate(pm.cmd.Process, pm.exited, grace)
	})
}
