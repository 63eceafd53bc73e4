package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bazelment/yoloswe/agentbridge/rpcbridge"
)

var (
	pingAgent string
	pingJSON  bool
	pingWait  time.Duration
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Start an agent, ping it and report diagnostics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		logger, closeLog, err := newLogger(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer closeLog()

		opts, err := cfg.AgentOptions(pingAgent)
		if err != nil {
			return err
		}
		conn := rpcbridge.New(append(opts, rpcbridge.WithLogger(logger))...)
		ctx := cmd.Context()
		if err := conn.Start(ctx); err != nil {
			return fmt.Errorf("start agent: %w", err)
		}
		defer conn.Stop()

		pollCtx, cancel := context.WithTimeout(ctx, pingWait)
		defer cancel()
		begin := time.Now()
		if err := rpcbridge.PollReady(pollCtx, conn, 500*time.Millisecond); err != nil {
			return fmt.Errorf("ping: %w", err)
		}
		rtt := time.Since(begin)

		diag := conn.Diagnostics()
		if pingJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Diagnostics rpcbridge.Diagnostics `json:"diagnostics"`
				ServerInfo  json.RawMessage       `json:"server_info,omitempty"`
				RTT         string                `json:"rtt"`
			}{diag, conn.ServerInfo(), rtt.String()})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (pid %d) answered in %s, state %s\n", diag.Agent, diag.PID, rtt.Round(time.Microsecond), diag.State)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().StringVar(&pingAgent, "agent", "", "Agent profile (default: config default_agent)")
	pingCmd.Flags().BoolVar(&pingJSON, "json", false, "Output diagnostics as JSON")
	pingCmd.Flags().DurationVar(&pingWait, "wait", 10*time.Second, "How long to keep pinging before giving up")
}
