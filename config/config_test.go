package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/bazelment/yoloswe/agentbridge/rpcbridge"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "codex", cfg.DefaultAgent)
	assert.Equal(t, []string{"claude", "codex", "gemini", "qwen"}, cfg.AgentNames())
	assert.Equal(t, 3, *cfg.Retry.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Retry.BaseDelay.Std())
	assert.Equal(t, 30*time.Second, cfg.ElicitationTimeout.Std())
	assert.Equal(t, 3*time.Second, cfg.Ready.Grace.Std())
	assert.Equal(t, 6*time.Second, cfg.Ready.Fallback.Std())

	d, ok := cfg.Decisions.Lookup("allow_always")
	assert.True(t, ok)
	assert.Equal(t, rpcbridge.DecisionApprovedForSession, d)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
default_agent: local
agents:
  local:
    command: /usr/local/bin/agent
    args: [serve, --stdio]
    work_dir: /tmp
    env:
      AGENT_TOKEN: secret
    request_timeout: 90s
    handshake: true
    auto_continue: false
retry:
  max_retries: 0
  base_delay: 2
elicitation_timeout: 1m30s
ready:
  grace: 500ms
  fallback: 1s
decisions:
  yes: approved
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.DefaultAgent)
	assert.Equal(t, []string{"local"}, cfg.AgentNames(), "explicit agents replace the defaults")
	p := cfg.Agents["local"]
	assert.Equal(t, "/usr/local/bin/agent", p.Command)
	assert.Equal(t, []string{"serve", "--stdio"}, p.Args)
	assert.Equal(t, "secret", p.Env["AGENT_TOKEN"])
	assert.Equal(t, 90*time.Second, p.RequestTimeout.Std())
	assert.True(t, p.Handshake)
	require.NotNil(t, p.AutoContinue)
	assert.False(t, *p.AutoContinue)

	assert.Equal(t, 0, *cfg.Retry.MaxRetries, "explicit zero is kept")
	assert.Equal(t, 2*time.Second, cfg.Retry.BaseDelay.Std(), "bare integers are seconds")
	assert.Equal(t, 90*time.Second, cfg.ElicitationTimeout.Std())
	assert.Equal(t, 500*time.Millisecond, cfg.Ready.Grace.Std())

	d, ok := cfg.Decisions.Lookup("yes")
	assert.True(t, ok)
	assert.Equal(t, rpcbridge.DecisionApproved, d)
	_, ok = cfg.Decisions.Lookup("reject_once")
	assert.True(t, ok, "built-in option ids are merged in")
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"unknown key", "agent: codex\n", "field agent not found"},
		{"bad duration", "elicitation_timeout: soon\n", "invalid duration"},
		{"missing command", "agents:\n  x:\n    args: [a]\n", `agent "x": command is required`},
		{"unknown default", "default_agent: nobody\n", `default_agent "nobody" is not defined`},
		{"bad decision", "decisions:\n  ok: maybe\n", "decisions.ok"},
		{"negative retries", "retry:\n  max_retries: -1\n", "max_retries must not be negative"},
		{"fallback before grace", "ready:\n  grace: 5s\n  fallback: 1s\n", "ready.fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadErrorNamesFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "default_agent: [\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}

func TestDefaultPathEnvOverride(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/agentbridge.yaml")
	assert.Equal(t, "/etc/agentbridge.yaml", DefaultPath())
}

func TestDecisionTableLookup(t *testing.T) {
	table := DecisionTable{"go": "Approved-For-Session", "broken": "perhaps"}

	d, ok := table.Lookup("go")
	assert.True(t, ok)
	assert.Equal(t, rpcbridge.DecisionApprovedForSession, d)

	d, ok = table.Lookup("denied")
	assert.True(t, ok, "decision names resolve to themselves")
	assert.Equal(t, rpcbridge.DecisionDenied, d)

	_, ok = table.Lookup("broken")
	assert.False(t, ok)
	_, ok = table.Lookup("unmapped")
	assert.False(t, ok)

	assert.Equal(t, []string{"broken", "go"}, table.Options())
	assert.ErrorIs(t, table.Validate(), rpcbridge.ErrInvalidDecision)
}

func TestDurationYAMLRoundTrip(t *testing.T) {
	out, err := yaml.Marshal(struct {
		D Duration `yaml:"d"`
	}{Duration(1500 * time.Millisecond)})
	require.NoError(t, err)
	assert.Equal(t, "d: 1.5s\n", string(out))

	var back struct {
		D Duration `yaml:"d"`
	}
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, 1500*time.Millisecond, back.D.Std())

	err = yaml.Unmarshal([]byte("d: [1]\n"), &back)
	assert.ErrorContains(t, err, "duration must be a scalar")
}

func applyOptions(opts []rpcbridge.Option) rpcbridge.Config {
	var rc rpcbridge.Config
	for _, opt := range opts {
		opt(&rc)
	}
	return rc
}

func TestAgentOptions(t *testing.T) {
	cfg, err := Parse([]byte(`
agents:
  codex:
    command: codex
    args: [mcp, serve]
    env: {A: "1"}
    work_dir: /work
    request_timeout: 10s
    handshake: true
    elicitation_methods: [custom/approve]
retry:
  max_retries: 5
  base_delay: 1s
elicitation_timeout: 7s
ready:
  grace: 1s
  fallback: 2s
`))
	require.NoError(t, err)

	opts, err := cfg.AgentOptions("")
	require.NoError(t, err)
	rc := applyOptions(opts)

	assert.Equal(t, "codex", rc.Agent)
	assert.Equal(t, "codex", rc.Command)
	assert.Equal(t, []string{"mcp", "serve"}, rc.Args)
	assert.Equal(t, "/work", rc.WorkDir)
	assert.Equal(t, map[string]string{"A": "1"}, rc.Env)
	assert.Equal(t, 10*time.Second, rc.RequestTimeout)
	assert.Equal(t, 5, rc.MaxRetries)
	assert.Equal(t, time.Second, rc.RetryBaseDelay)
	assert.Equal(t, 7*time.Second, rc.ElicitationTimeout)
	assert.Equal(t, time.Second, rc.ReadyGrace)
	assert.Equal(t, 2*time.Second, rc.ReadyFallback)
	assert.Equal(t, []string{"custom/approve"}, rc.ElicitationMethods)
	require.NotNil(t, rc.Handshake)
	assert.Equal(t, rpcbridge.MethodInitialize, rc.Handshake.Method)

	_, err = cfg.AgentOptions("gemini")
	assert.ErrorContains(t, err, `unknown agent "gemini"`)
}

func TestSchema(t *testing.T) {
	data, err := Schema()
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(data, &schema))
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok, "schema: %s", data)
	for _, key := range []string{"agents", "decisions", "default_agent", "retry", "ready", "elicitation_timeout"} {
		assert.Contains(t, props, key)
	}
	assert.Contains(t, string(data), `"command"`)
	assert.Contains(t, string(data), "Go duration string")
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "default_agent: claude\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type reload struct {
		cfg *Config
		err error
	}
	reloads := make(chan reload, 8)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- Watch(ctx, path, func(cfg *Config, err error) {
			reloads <- reload{cfg, err}
		})
	}()

	// The watch is registered asynchronously; keep rewriting until seen.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case r := <-reloads:
			require.NoError(t, r.err)
			assert.Equal(t, "gemini", r.cfg.DefaultAgent)
			cancel()
			assert.NoError(t, <-watchErr)
			return
		case <-tick.C:
			require.NoError(t, os.WriteFile(path, []byte("default_agent: gemini\n"), 0o644))
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}

func TestWatchIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "default_agent: claude\n")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	called := make(chan struct{}, 1)
	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o644)
	}()
	require.NoError(t, Watch(ctx, path, func(*Config, error) {
		called <- struct{}{}
	}))
	assert.Empty(t, called)
}

func TestWatchMissingDirectory(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "gone", "config.yaml"), func(*Config, error) {})
	assert.Error(t, err)
}
