// Package config loads agent profiles and elicitation decision mappings
// from a YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bazelment/yoloswe/agentbridge/rpcbridge"
)

// EnvConfigPath overrides the default config location.
const EnvConfigPath = "AGENTBRIDGE_CONFIG"

// Config is the top-level agentbridge configuration.
type Config struct {
	Agents             map[string]*Profile `yaml:"agents,omitempty" jsonschema:"description=Agent profiles keyed by name"`
	Decisions          DecisionTable       `yaml:"decisions,omitempty" jsonschema:"description=Maps UI option ids to elicitation decisions (approved / approved_for_session / denied / abort)"`
	DefaultAgent       string              `yaml:"default_agent,omitempty" jsonschema:"description=Profile used when no agent is named"`
	Retry              RetryConfig         `yaml:"retry,omitempty"`
	Ready              ReadyConfig         `yaml:"ready,omitempty"`
	ElicitationTimeout Duration            `yaml:"elicitation_timeout,omitempty" jsonschema:"description=How long a decision waits for its elicitation to arrive"`
}

// Profile describes how to launch one agent CLI.
type Profile struct {
	Env                map[string]string `yaml:"env,omitempty"`
	AutoContinue       *bool             `yaml:"auto_continue,omitempty" jsonschema:"description=Answer 'press enter to continue' prompts (default true)"`
	Command            string            `yaml:"command" jsonschema:"required,description=Executable name or path"`
	WorkDir            string            `yaml:"work_dir,omitempty"`
	Args               []string          `yaml:"args,omitempty"`
	ElicitationMethods []string          `yaml:"elicitation_methods,omitempty" jsonschema:"description=Peer request methods treated as elicitations"`
	RequestTimeout     Duration          `yaml:"request_timeout,omitempty"`
	Handshake          bool              `yaml:"handshake,omitempty" jsonschema:"description=Run the MCP initialize exchange after start"`
}

// RetryConfig bounds network fault retries.
type RetryConfig struct {
	MaxRetries *int     `yaml:"max_retries,omitempty" jsonschema:"minimum=0"`
	BaseDelay  Duration `yaml:"base_delay,omitempty"`
}

// ReadyConfig sets the readiness windows for silent agents.
type ReadyConfig struct {
	Grace    Duration `yaml:"grace,omitempty"`
	Fallback Duration `yaml:"fallback,omitempty"`
}

const (
	defaultMaxRetries         = 3
	defaultRetryDelay         = 5 * time.Second
	defaultElicitationTimeout = 30 * time.Second
	defaultReadyGrace         = 3 * time.Second
	defaultReadyFallback      = 6 * time.Second
)

func defaultProfiles() map[string]*Profile {
	return map[string]*Profile{
		"codex":  {Command: "codex", Args: []string{"mcp", "serve"}, Handshake: true},
		"claude": {Command: "claude", Args: []string{"mcp", "serve"}, Handshake: true},
		"gemini": {Command: "gemini", Args: []string{"--experimental-acp"}},
		"qwen":   {Command: "qwen", Args: []string{"--experimental-acp"}},
	}
}

func defaultDecisions() DecisionTable {
	return DecisionTable{
		"allow_once":    string(rpcbridge.DecisionApproved),
		"allow_always":  string(rpcbridge.DecisionApprovedForSession),
		"reject_once":   string(rpcbridge.DecisionDenied),
		"reject_always": string(rpcbridge.DecisionDenied),
		"cancel":        string(rpcbridge.DecisionAbort),
	}
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// DefaultPath returns $AGENTBRIDGE_CONFIG, or config.yaml under the user's
// config directory.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "agentbridge.yaml"
	}
	return filepath.Join(dir, "agentbridge", "config.yaml")
}

// Load reads the config at path. Returns the default config if the file
// doesn't exist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, fills in defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if len(c.Agents) == 0 {
		c.Agents = defaultProfiles()
	}
	if c.DefaultAgent == "" {
		if _, ok := c.Agents["codex"]; ok {
			c.DefaultAgent = "codex"
		} else {
			c.DefaultAgent = c.AgentNames()[0]
		}
	}
	if c.Retry.MaxRetries == nil {
		n := defaultMaxRetries
		c.Retry.MaxRetries = &n
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = Duration(defaultRetryDelay)
	}
	if c.ElicitationTimeout == 0 {
		c.ElicitationTimeout = Duration(defaultElicitationTimeout)
	}
	if c.Ready.Grace == 0 {
		c.Ready.Grace = Duration(defaultReadyGrace)
	}
	if c.Ready.Fallback == 0 {
		c.Ready.Fallback = Duration(defaultReadyFallback)
	}
	if c.Decisions == nil {
		c.Decisions = DecisionTable{}
	}
	for k, v := range defaultDecisions() {
		if _, ok := c.Decisions[k]; !ok {
			c.Decisions[k] = v
		}
	}
}

// Validate checks profile commands, the default agent and decision values.
func (c *Config) Validate() error {
	var errs []error
	for _, name := range c.AgentNames() {
		p := c.Agents[name]
		if p == nil || p.Command == "" {
			errs = append(errs, fmt.Errorf("agent %q: command is required", name))
		}
	}
	if _, ok := c.Agents[c.DefaultAgent]; !ok {
		errs = append(errs, fmt.Errorf("default_agent %q is not defined", c.DefaultAgent))
	}
	if c.Retry.MaxRetries != nil && *c.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("retry.max_retries must not be negative"))
	}
	if c.Ready.Fallback < c.Ready.Grace {
		errs = append(errs, fmt.Errorf("ready.fallback (%s) must not be shorter than ready.grace (%s)", c.Ready.Fallback, c.Ready.Grace))
	}
	if err := c.Decisions.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// AgentNames returns the profile names in sorted order.
func (c *Config) AgentNames() []string {
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Profile returns the named profile, or the default one when name is empty.
func (c *Config) Profile(name string) (string, *Profile, error) {
	if name == "" {
		name = c.DefaultAgent
	}
	p, ok := c.Agents[name]
	if !ok {
		return "", nil, fmt.Errorf("unknown agent %q (have %v)", name, c.AgentNames())
	}
	return name, p, nil
}

// AgentOptions builds connection options for the named agent, combining
// the global retry, readiness and elicitation settings with the profile.
func (c *Config) AgentOptions(name string) ([]rpcbridge.Option, error) {
	name, p, err := c.Profile(name)
	if err != nil {
		return nil, err
	}
	maxRetries := defaultMaxRetries
	if c.Retry.MaxRetries != nil {
		maxRetries = *c.Retry.MaxRetries
	}
	opts := []rpcbridge.Option{
		rpcbridge.WithAgentName(name),
		rpcbridge.WithRetryPolicy(maxRetries, c.Retry.BaseDelay.Std()),
		rpcbridge.WithElicitationTimeout(c.ElicitationTimeout.Std()),
		rpcbridge.WithReadyWindows(c.Ready.Grace.Std(), c.Ready.Fallback.Std()),
	}
	return append(opts, p.Options()...), nil
}

// Options converts the profile's own settings to connection options.
func (p *Profile) Options() []rpcbridge.Option {
	opts := []rpcbridge.Option{
		rpcbridge.WithCommand(p.Command),
		rpcbridge.WithArgs(p.Args...),
	}
	if p.WorkDir != "" {
		opts = append(opts, rpcbridge.WithWorkDir(p.WorkDir))
	}
	if len(p.Env) > 0 {
		opts = append(opts, rpcbridge.WithEnv(p.Env))
	}
	if p.RequestTimeout > 0 {
		opts = append(opts, rpcbridge.WithRequestTimeout(p.RequestTimeout.Std()))
	}
	if p.AutoContinue != nil {
		opts = append(opts, rpcbridge.WithAutoContinue(*p.AutoContinue))
	}
	if len(p.ElicitationMethods) > 0 {
		opts = append(opts, rpcbridge.WithElicitationMethods(p.ElicitationMethods...))
	}
	if p.Handshake {
		opts = append(opts, rpcbridge.WithHandshake(rpcbridge.DefaultHandshake("agentbridge", Version)))
	}
	return opts
}

// Version is reported in the handshake clientInfo.
var Version = "dev"
