package rpcbridge

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoAgent answers every request line with an empty result carrying the
// same id.
const echoAgent = `while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9][0-9]*\).*/\1/p')
  if [ -n "$id" ]; then
    printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id"
  fi
done`

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func shellConn(script string, opts ...Option) *Conn {
	base := []Option{
		WithLogger(discardLogger()),
		WithCommand("sh"),
		WithArgs("-c", script),
		WithReadyWindows(50*time.Millisecond, 100*time.Millisecond),
		WithStopGrace(200 * time.Millisecond),
		WithRequestTimeout(waitFor),
	}
	return New(append(base, opts...)...)
}

func startCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func awaitDone(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("connection still %s", c.State())
	}
}

func TestProcess_ExecutableNotFound(t *testing.T) {
	c := New(WithLogger(discardLogger()), WithCommand("agentbridge-no-such-binary"))
	err := c.Start(startCtx(t))

	var startErr *StartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, StartExecutableNotFound, startErr.Kind)
	assert.Equal(t, StateCrashed, c.State())
	assert.Equal(t, StateCrashed, c.Diagnostics().State)

	_, err = c.Submit(context.Background(), "ping", nil, 0)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.NoError(t, c.Stop())
}

func TestProcess_PermissionDenied(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o644))

	c := New(WithLogger(discardLogger()), WithCommand(path), WithArgs())
	err := c.Start(startCtx(t))

	var startErr *StartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, StartPermissionDenied, startErr.Kind)
}

func TestProcess_AuthRequiredDuringStartup(t *testing.T) {
	requireShell(t)
	c := shellConn(`echo "Error: not logged in. Run 'codex login' first." >&2; exit 1`,
		WithReadyWindows(time.Hour, time.Hour))

	err := c.Start(startCtx(t))
	var startErr *StartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, StartAuthenticationRequired, startErr.Kind)
	assert.Equal(t, 1, startErr.ExitCode)
	assert.Contains(t, startErr.Stderr, "not logged in")
	assert.Equal(t, StateCrashed, c.State())
}

func TestProcess_ExitDuringStartupIsCrash(t *testing.T) {
	requireShell(t)
	c := shellConn(`exit 0`, WithReadyWindows(time.Hour, time.Hour))

	err := c.Start(startCtx(t))
	var startErr *StartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, StartGeneric, startErr.Kind)
	assert.Equal(t, StateCrashed, c.State())
}

func TestProcess_RoundTripAndStop(t *testing.T) {
	requireShell(t)
	var stderr []byte
	stderrSeen := make(chan struct{}, 1)
	c := shellConn(`echo "booting" >&2; `+echoAgent, WithStderrHandler(func(b []byte) {
		stderr = append(stderr, b...)
		select {
		case stderrSeen <- struct{}{}:
		default:
		}
	}))
	states := make(chan State, 10)
	c.OnStateChange(func(s State) { states <- s })

	require.NoError(t, c.Start(startCtx(t)))
	assert.Equal(t, StateReady, c.State())
	assert.NotZero(t, c.PID())
	<-stderrSeen

	require.NoError(t, c.Ping(context.Background()))
	res, err := c.Submit(context.Background(), "tools/list", nil, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(res))

	require.NoError(t, c.Stop())
	awaitDone(t, c)
	assert.Equal(t, StateClosed, c.State())
	assert.NoError(t, c.Err())
	assert.Contains(t, string(stderr), "booting")

	assert.Equal(t, StateStarting, <-states)
	assert.Equal(t, StateReady, <-states)
	assert.Equal(t, StateClosing, <-states)
	assert.Equal(t, StateClosed, <-states)
}

func TestProcess_Handshake(t *testing.T) {
	requireShell(t)
	// Answer initialize, then report the initialized notification back as
	// a notification of our own.
	script := `IFS= read -r init
printf '{"jsonrpc":"2.0","id":1,"result":{"serverInfo":{"name":"fake"}}}\n'
IFS= read -r note
case "$note" in *notifications/initialized*) printf '{"jsonrpc":"2.0","method":"seen/initialized"}\n';; esac
` + echoAgent
	c := shellConn(script, WithHandshake(DefaultHandshake("agentbridge-test", "0.0.0")))
	notes := notificationRecorder(c)

	require.NoError(t, c.Start(startCtx(t)))
	defer c.Stop()

	assert.JSONEq(t, `{"serverInfo":{"name":"fake"}}`, string(c.ServerInfo()))
	n := awaitNotification(t, notes)
	assert.Equal(t, "seen/initialized", n.Method)
}

func TestProcess_CrashWhileReady(t *testing.T) {
	requireShell(t)
	c := shellConn(`printf '{"jsonrpc":"2.0","method":"hello"}\n'; IFS= read -r line; echo "fatal: lost upstream" >&2; exit 3`)
	require.NoError(t, c.Start(startCtx(t)))

	_, err := c.Submit(context.Background(), "tools/call", nil, 0)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	var procErr *ProcessError
	require.ErrorAs(t, err, &procErr)
	assert.Equal(t, 3, procErr.ExitCode)
	assert.Contains(t, procErr.Stderr, "lost upstream")
	assert.False(t, procErr.AuthRequired)

	awaitDone(t, c)
	assert.Equal(t, StateCrashed, c.State())
	assert.Equal(t, StateCrashed, c.Diagnostics().State)
}

func TestProcess_ExitDetectedWhileDescendantHoldsOutput(t *testing.T) {
	requireShell(t)
	// The background sleep inherits stdout and stderr and outlives the shell.
	c := shellConn(`sleep 20 & printf '{"jsonrpc":"2.0","method":"hello"}\n'; IFS= read -r line; exit 3`)
	require.NoError(t, c.Start(startCtx(t)))

	begin := time.Now()
	_, err := c.Submit(context.Background(), "tools/call", nil, 10*time.Second)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	var procErr *ProcessError
	require.ErrorAs(t, err, &procErr)
	assert.Equal(t, 3, procErr.ExitCode)
	assert.Less(t, time.Since(begin), 5*time.Second)

	awaitDone(t, c)
	assert.Equal(t, StateCrashed, c.State())
	assert.Zero(t, c.Diagnostics().PendingCalls)
}

func TestProcess_CleanExitWhileReady(t *testing.T) {
	requireShell(t)
	c := shellConn(`printf '{"jsonrpc":"2.0","method":"hello"}\n'; IFS= read -r line; exit 0`)
	require.NoError(t, c.Start(startCtx(t)))

	_, err := c.Submit(context.Background(), "shutdown", nil, 0)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	awaitDone(t, c)
	assert.Equal(t, StateClosed, c.State())
}

func TestProcess_StopEscalatesToKill(t *testing.T) {
	requireShell(t)
	c := shellConn(`trap "" TERM; printf '{"jsonrpc":"2.0","method":"hello"}\n'; while true; do sleep 1; done`)
	require.NoError(t, c.Start(startCtx(t)))

	require.NoError(t, c.Stop())
	awaitDone(t, c)
	assert.Equal(t, StateClosed, c.State())
}

func TestProcess_EnvAndWorkDir(t *testing.T) {
	requireShell(t)
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	c := shellConn(`printf '{"jsonrpc":"2.0","method":"env","params":{"v":"%s","dir":"%s"}}\n' "$AGENTBRIDGE_TEST" "$(pwd -P)"; `+echoAgent,
		WithEnv(map[string]string{"AGENTBRIDGE_TEST": "hello"}),
		WithWorkDir(dir))
	notes := notificationRecorder(c)

	require.NoError(t, c.Start(startCtx(t)))
	defer c.Stop()

	n := awaitNotification(t, notes)
	var params struct {
		V   string `json:"v"`
		Dir string `json:"dir"`
	}
	require.NoError(t, json.Unmarshal(n.Params, &params))
	assert.Equal(t, "hello", params.V)
	assert.Equal(t, dir, params.Dir)
}

func TestProcess_StartContextCancelled(t *testing.T) {
	requireShell(t)
	c := shellConn(`while true; do sleep 1; done`, WithReadyWindows(time.Hour, time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Start(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	awaitDone(t, c)
	assert.Equal(t, StateClosed, c.State())
}
