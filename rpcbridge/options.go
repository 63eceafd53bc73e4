package rpcbridge

import (
	"encoding/json"
	"log/slog"
	"time"
)

// Config holds connection configuration. Build it with Option values.
type Config struct {
	Logger             *slog.Logger
	Handshake          *Handshake
	StderrHandler      func([]byte)
	Env                map[string]string
	Command            string
	Agent              string
	WorkDir            string
	Args               []string
	ElicitationMethods []string
	RequestTimeout     time.Duration
	PingTimeout        time.Duration
	ElicitationTimeout time.Duration
	RetryBaseDelay     time.Duration
	ReadyGrace         time.Duration
	ReadyFallback      time.Duration
	StopGrace          time.Duration
	MaxRetries         int
	MaxLineSize        int
	AutoContinue       bool
}

// Handshake describes the MCP-style initialize exchange run after the
// child becomes ready.
type Handshake struct {
	Params            interface{}
	Method            string
	InitializedMethod string
}

// DefaultHandshake returns the MCP initialize exchange advertising
// elicitation support.
func DefaultHandshake(clientName, clientVersion string) *Handshake {
	return &Handshake{
		Method:            MethodInitialize,
		InitializedMethod: MethodInitialized,
		Params: map[string]interface{}{
			"protocolVersion": "2025-06-18",
			"capabilities": map[string]interface{}{
				"elicitation": map[string]interface{}{},
			},
			"clientInfo": map[string]string{
				"name":    clientName,
				"version": clientVersion,
			},
		},
	}
}

func defaultConfig() Config {
	return Config{
		Command:            "codex",
		Args:               []string{"mcp", "serve"},
		RequestTimeout:     60 * time.Second,
		PingTimeout:        5 * time.Second,
		ElicitationTimeout: 30 * time.Second,
		MaxRetries:         3,
		RetryBaseDelay:     5 * time.Second,
		ReadyGrace:         3 * time.Second,
		ReadyFallback:      6 * time.Second,
		StopGrace:          2 * time.Second,
		AutoContinue:       true,
		ElicitationMethods: []string{
			MethodElicitationCreate,
			MethodRequestPermission,
			MethodExecCommandApproval,
			MethodApplyPatchApproval,
		},
	}
}

// Option is a functional option for configuring a Conn.
type Option func(*Config)

// WithCommand sets the agent executable.
func WithCommand(command string) Option {
	return func(c *Config) { c.Command = command }
}

// WithArgs sets the command-line arguments for the agent.
func WithArgs(args ...string) Option {
	return func(c *Config) { c.Args = args }
}

// WithAgentName labels the connection in logs and diagnostics.
func WithAgentName(name string) Option {
	return func(c *Config) { c.Agent = name }
}

// WithWorkDir sets the working directory of the child.
func WithWorkDir(dir string) Option {
	return func(c *Config) { c.WorkDir = dir }
}

// WithEnv sets additional environment variables for the child.
func WithEnv(env map[string]string) Option {
	return func(c *Config) { c.Env = env }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithRequestTimeout sets the default per-call deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) { c.RequestTimeout = d }
}

// WithPingTimeout sets the deadline used by Ping.
func WithPingTimeout(d time.Duration) Option {
	return func(c *Config) { c.PingTimeout = d }
}

// WithRetryPolicy sets the network fault retry bound and notice delay.
func WithRetryPolicy(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Config) {
		c.MaxRetries = maxRetries
		c.RetryBaseDelay = baseDelay
	}
}

// WithElicitationTimeout bounds how long ResolveElicitation waits for a
// matching elicitation to arrive.
func WithElicitationTimeout(d time.Duration) Option {
	return func(c *Config) { c.ElicitationTimeout = d }
}

// WithReadyWindows sets how long to wait before promoting a silent child to
// Ready: grace applies once the child has printed something, fallback
// applies regardless.
func WithReadyWindows(grace, fallback time.Duration) Option {
	return func(c *Config) {
		c.ReadyGrace = grace
		c.ReadyFallback = fallback
	}
}

// WithStopGrace sets the delay between SIGTERM and SIGKILL on Stop.
func WithStopGrace(d time.Duration) Option {
	return func(c *Config) { c.StopGrace = d }
}

// WithHandshake enables an initialize exchange after the child is ready.
func WithHandshake(h *Handshake) Option {
	return func(c *Config) { c.Handshake = h }
}

// WithAutoContinue toggles answering "press enter to continue" prompts.
func WithAutoContinue(enabled bool) Option {
	return func(c *Config) { c.AutoContinue = enabled }
}

// WithElicitationMethods replaces the set of peer request methods treated
// as elicitations.
func WithElicitationMethods(methods ...string) Option {
	return func(c *Config) { c.ElicitationMethods = methods }
}

// WithStderrHandler sets a handler for agent stderr output.
func WithStderrHandler(h func([]byte)) Option {
	return func(c *Config) { c.StderrHandler = h }
}

// WithMaxLineSize caps the length of a single stdout line.
func WithMaxLineSize(n int) Option {
	return func(c *Config) { c.MaxLineSize = n }
}

// Notification is a peer message forwarded to the notification sink, either
// a plain notification or an elicitation request awaiting a decision.
type Notification struct {
	Method string
	Params json.RawMessage
	// RequestID is set when the peer expects a reply (elicitation requests).
	RequestID json.RawMessage
	// CallKey is the normalized key to pass to ResolveElicitation.
	CallKey string
	// Elicitation is true when the message closed the gate.
	Elicitation bool
}

// ExpectsReply reports whether the peer is waiting on a response.
func (n Notification) ExpectsReply() bool {
	return len(n.RequestID) > 0
}
