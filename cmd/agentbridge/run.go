package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bazelment/yoloswe/agentbridge/config"
	"github.com/bazelment/yoloswe/agentbridge/internal/ndjson"
	"github.com/bazelment/yoloswe/agentbridge/rpcbridge"
)

var (
	runAgent        string
	runMethod       string
	runParams       string
	runAutoDecision string
	runTimeout      time.Duration
	runFollow       bool
	runWatchConfig  bool
)

// stdinIsTerminal is swapped in tests.
var stdinIsTerminal = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start an agent, optionally send one request, and stream its events",
	Long: `Run starts the agent and prints every event as one JSON object per line on
stdout: notifications, elicitations and the decision sent back, fault
notices, free text the agent printed and the result of --method.

Elicitations are answered with --auto-decision when given (an option id from
the config's decisions table or a decision name). Otherwise, when stdin is a
terminal, the user is asked; when it is not, they are denied.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		logger, closeLog, err := newLogger(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer closeLog()

		var params json.RawMessage
		if runParams != "" {
			if !json.Valid([]byte(runParams)) {
				return fmt.Errorf("--params is not valid JSON")
			}
			params = json.RawMessage(runParams)
		}
		if runAutoDecision != "" {
			if _, ok := cfg.Decisions.Lookup(runAutoDecision); !ok {
				return fmt.Errorf("--auto-decision %q is neither a configured option nor a decision", runAutoDecision)
			}
		}

		opts, err := cfg.AgentOptions(runAgent)
		if err != nil {
			return err
		}
		opts = append(opts,
			rpcbridge.WithLogger(logger),
			rpcbridge.WithStderrHandler(func(b []byte) {
				logger.Debug("agent stderr", "text", strings.TrimRight(string(b), "\n"))
			}),
		)
		conn := rpcbridge.New(opts...)

		out := ndjson.NewWriter(cmd.OutOrStdout())
		emit := func(ev event) {
			if err := out.WriteJSON(ev); err != nil {
				logger.Warn("write event failed", "error", err)
			}
		}

		d := newDecider(cfg.Decisions, runAutoDecision, logger)
		if runAutoDecision == "" && stdinIsTerminal() {
			d.prompt = newPrompter(cmd.InOrStdin(), cmd.ErrOrStderr())
		}
		if runWatchConfig {
			go func() {
				err := config.Watch(ctx, path, func(c *config.Config, err error) {
					if err == nil {
						d.setTable(c.Decisions)
					}
				})
				if err != nil {
					logger.Warn("config watch stopped", "error", err)
				}
			}()
		}

		conn.OnNotification(func(n rpcbridge.Notification) {
			emit(notificationEvent(n))
			if n.Elicitation {
				go func() {
					decision := d.handle(ctx, conn, n)
					emit(event{Type: "decision", Method: n.Method, CallKey: n.CallKey, Decision: string(decision)})
				}()
			}
		})
		conn.OnFaultClassified(func(ev rpcbridge.FaultEvent) {
			emit(event{Type: "fault", Method: ev.Method, Fault: &ev})
		})
		conn.OnLine(func(line string) {
			emit(event{Type: "text", Text: line})
		})
		conn.OnStateChange(func(s rpcbridge.State) {
			logger.Debug("agent state", "state", s)
		})

		if err := conn.Start(ctx); err != nil {
			return fmt.Errorf("start agent: %w", err)
		}
		defer conn.Stop()

		if runMethod != "" {
			result, err := conn.Submit(ctx, runMethod, params, runTimeout)
			if err != nil {
				return fmt.Errorf("%s: %w", runMethod, err)
			}
			emit(event{Type: "result", Method: runMethod, Result: result})
			if !runFollow {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-conn.Done():
			if conn.State() == rpcbridge.StateCrashed {
				return conn.Err()
			}
			return nil
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runAgent, "agent", "", "Agent profile (default: config default_agent)")
	runCmd.Flags().StringVar(&runMethod, "method", "", "Request method to send once the agent is ready")
	runCmd.Flags().StringVar(&runParams, "params", "", "Request params as JSON")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Request timeout (default: profile request_timeout)")
	runCmd.Flags().StringVar(&runAutoDecision, "auto-decision", "", "Answer every elicitation with this option id or decision")
	runCmd.Flags().BoolVar(&runFollow, "follow", false, "Keep streaming events after the --method result")
	runCmd.Flags().BoolVar(&runWatchConfig, "watch-config", false, "Reload the decisions table when the config file changes")
}

// event is one line of run output.
type event struct {
	Fault    *rpcbridge.FaultEvent `json:"fault,omitempty"`
	Type     string                `json:"type"`
	Method   string                `json:"method,omitempty"`
	CallKey  string                `json:"call_key,omitempty"`
	Decision string                `json:"decision,omitempty"`
	Text     string                `json:"text,omitempty"`
	Params   json.RawMessage       `json:"params,omitempty"`
	Result   json.RawMessage       `json:"result,omitempty"`
}

func notificationEvent(n rpcbridge.Notification) event {
	ev := event{Type: "notification", Method: n.Method, Params: n.Params}
	if n.Elicitation {
		ev.Type = "elicitation"
		ev.CallKey = n.CallKey
	}
	return ev
}
