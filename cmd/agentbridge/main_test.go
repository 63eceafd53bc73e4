package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/yoloswe/agentbridge/config"
	"github.com/bazelment/yoloswe/agentbridge/rpcbridge"
)

// lockedBuffer is written by event goroutines while the test reads it.
type lockedBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func resetFlags() {
	configPath, logFile, verbose = "", "", false
	runAgent, runMethod, runParams, runAutoDecision = "", "", "", ""
	runTimeout, runFollow, runWatchConfig = 0, false, false
	pingAgent, pingJSON, pingWait = "", false, 5*time.Second
	agentsJSON = false
	// cobra only propagates the root context to subcommands whose context
	// is nil, so drop the one left over from the previous execute.
	for _, c := range rootCmd.Commands() {
		c.SetContext(nil)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	stdinIsTerminal = func() bool { return false }
	out := &lockedBuffer{}
	rootCmd.SetOut(out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := rootCmd.ExecuteContext(ctx)
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

// agentConfig writes a config whose only agent runs script with sh.
func agentConfig(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	scriptPath := writeFile(t, dir, "agent.sh", script)
	return writeFile(t, dir, "config.yaml", `
default_agent: fake
agents:
  fake:
    command: sh
    args: [`+scriptPath+`]
    request_timeout: 5s
ready:
  grace: 50ms
  fallback: 100ms
`)
}

const echoAgent = `while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9][0-9]*\).*/\1/p')
  if [ -n "$id" ]; then
    printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[]}}\n' "$id"
  fi
done
`

// approvalAgent asks for approval before answering the first request and
// echoes the reply it got back inside the result.
const approvalAgent = `IFS= read -r line
id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9][0-9]*\).*/\1/p')
printf '{"jsonrpc":"2.0","id":"e1","method":"elicitation/create","params":{"call_id":"patch_c1"}}\n'
IFS= read -r reply
printf '{"jsonrpc":"2.0","id":%s,"result":{"reply":%s}}\n' "$id" "$reply"
cat >/dev/null
`

func events(t *testing.T, out string) []map[string]any {
	t.Helper()
	var evs []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &ev), "line %q", line)
		evs = append(evs, ev)
	}
	return evs
}

func TestAgentsCommand(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
default_agent: b
agents:
  a: {command: agent-a, args: [serve]}
  b: {command: agent-b, handshake: true, work_dir: /srv}
`)
	out, err := execute(t, "--config", path, "agents")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "NAME")
	assert.Contains(t, lines[1], "agent-a serve")
	assert.Contains(t, lines[2], "b (default)")
	assert.Contains(t, lines[2], "/srv")

	out, err = execute(t, "--config", path, "agents", "--json")
	require.NoError(t, err)
	var agents map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &agents))
	assert.Len(t, agents, 2)
}

func TestAgentsCommandBadConfig(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "default_agent: missing\n")
	_, err := execute(t, "--config", path, "agents")
	assert.ErrorContains(t, err, "load config")
}

func TestSchemaCommand(t *testing.T) {
	out, err := execute(t, "schema")
	require.NoError(t, err)
	assert.True(t, json.Valid([]byte(out)))
	assert.Contains(t, out, "default_agent")
}

func TestRunSubmitsMethod(t *testing.T) {
	requireShell(t)
	path := agentConfig(t, echoAgent)

	out, err := execute(t, "--config", path, "run", "--method", "tools/list", "--params", `{"cursor":null}`)
	require.NoError(t, err)

	evs := events(t, out)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, "result", last["type"])
	assert.Equal(t, "tools/list", last["method"])
	assert.Equal(t, map[string]any{"tools": []any{}}, last["result"])
}

func TestRunAutoDecision(t *testing.T) {
	requireShell(t)
	path := agentConfig(t, approvalAgent)

	out, err := execute(t, "--config", path, "run", "--method", "tools/call", "--auto-decision", "allow_always")
	require.NoError(t, err)

	var result map[string]any
	var sawElicitation bool
	for _, ev := range events(t, out) {
		switch ev["type"] {
		case "elicitation":
			sawElicitation = true
			assert.Equal(t, "c1", ev["call_key"])
		case "result":
			result = ev
		}
	}
	assert.True(t, sawElicitation)
	require.NotNil(t, result)
	reply := result["result"].(map[string]any)["reply"].(map[string]any)
	assert.Equal(t, "e1", reply["id"])
	assert.Equal(t, map[string]any{"decision": "approved_for_session"}, reply["result"])
}

func TestRunDeniesWhenNotInteractive(t *testing.T) {
	requireShell(t)
	path := agentConfig(t, approvalAgent)

	out, err := execute(t, "--config", path, "run", "--method", "tools/call")
	require.NoError(t, err)
	assert.Contains(t, out, `"decision":"denied"`)
}

func TestRunValidatesFlags(t *testing.T) {
	path := agentConfig(t, echoAgent)

	_, err := execute(t, "--config", path, "run", "--params", "{nope")
	assert.ErrorContains(t, err, "--params is not valid JSON")

	_, err = execute(t, "--config", path, "run", "--auto-decision", "sometimes")
	assert.ErrorContains(t, err, "neither a configured option nor a decision")

	_, err = execute(t, "--config", path, "run", "--agent", "other")
	assert.ErrorContains(t, err, `unknown agent "other"`)
}

func TestRunStartFailure(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
agents:
  ghost: {command: /nonexistent/agentbridge-test-agent}
`)
	_, err := execute(t, "--config", path, "run")
	require.Error(t, err)
	var startErr *rpcbridge.StartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, rpcbridge.StartExecutableNotFound, startErr.Kind)
}

func TestPingCommand(t *testing.T) {
	requireShell(t)
	path := agentConfig(t, echoAgent)

	out, err := execute(t, "--config", path, "ping", "--json")
	require.NoError(t, err)

	var res struct {
		Diagnostics map[string]any `json:"diagnostics"`
		RTT         string         `json:"rtt"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "fake", res.Diagnostics["agent"])
	assert.Equal(t, "ready", res.Diagnostics["state"])
	assert.NotEmpty(t, res.RTT)
}

func TestLogFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "bridge.log")
	resetFlags()
	logFile = logPath
	verbose = true
	logger, closeLog, err := newLogger(io.Discard)
	require.NoError(t, err)
	logger.Debug("hello", "k", "v")
	closeLog()

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg=hello k=v")
}

type recordingResolver struct {
	err       error
	key       string
	decisions []rpcbridge.Decision
}

func (r *recordingResolver) ResolveElicitation(_ context.Context, key string, d rpcbridge.Decision) error {
	r.key = key
	r.decisions = append(r.decisions, d)
	return r.err
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestDeciderAuto(t *testing.T) {
	d := newDecider(config.Default().Decisions, "reject_always", discardLogger())
	r := &recordingResolver{}
	n := rpcbridge.Notification{Method: rpcbridge.MethodExecCommandApproval, CallKey: "c9", Elicitation: true}

	assert.Equal(t, rpcbridge.DecisionDenied, d.handle(context.Background(), r, n))
	assert.Equal(t, "c9", r.key)

	d.setTable(config.DecisionTable{"reject_always": "abort"})
	assert.Equal(t, rpcbridge.DecisionAbort, d.handle(context.Background(), r, n), "reloaded table wins")

	r.err = errors.New("gone")
	assert.Equal(t, rpcbridge.DecisionAbort, d.handle(context.Background(), r, n), "resolve errors are logged only")
}

func TestDeciderDefaultsToDenied(t *testing.T) {
	d := newDecider(config.DecisionTable{}, "", discardLogger())
	assert.Equal(t, rpcbridge.DecisionDenied, d.decide(rpcbridge.Notification{}))

	d = newDecider(config.DecisionTable{}, "whatever", discardLogger())
	assert.Equal(t, rpcbridge.DecisionDenied, d.decide(rpcbridge.Notification{}))
}

func TestDeciderPrompt(t *testing.T) {
	table := config.DecisionTable{"allow_once": "approved", "reject_once": "denied"}
	var shown bytes.Buffer
	d := newDecider(table, "", discardLogger())
	d.prompt = newPrompter(strings.NewReader("2\nallow_once\napproved_for_session\nnonsense\n"), &shown)
	n := rpcbridge.Notification{Method: rpcbridge.MethodApplyPatchApproval, CallKey: "p1", Params: json.RawMessage(`{"file":"a.go"}`)}

	assert.Equal(t, rpcbridge.DecisionDenied, d.decide(n), "2 picks reject_once")
	assert.Equal(t, rpcbridge.DecisionApproved, d.decide(n))
	assert.Equal(t, rpcbridge.DecisionApprovedForSession, d.decide(n), "decision names are accepted as typed")
	assert.Equal(t, rpcbridge.DecisionDenied, d.decide(n))
	assert.Equal(t, rpcbridge.DecisionDenied, d.decide(n), "EOF denies")

	assert.Contains(t, shown.String(), "applyPatchApproval requests approval [p1]")
	assert.Contains(t, shown.String(), "1) allow_once")
	assert.Contains(t, shown.String(), `{"file":"a.go"}`)
}
