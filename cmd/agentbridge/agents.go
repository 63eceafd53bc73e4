package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bazelment/yoloswe/agentbridge/config"
)

var agentsJSON bool

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List configured agent profiles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if agentsJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg.Agents)
		}
		return printAgents(cmd.OutOrStdout(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(agentsCmd)
	agentsCmd.Flags().BoolVar(&agentsJSON, "json", false, "Output as JSON")
}

func printAgents(w io.Writer, cfg *config.Config) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCOMMAND\tHANDSHAKE\tWORKDIR")
	for _, name := range cfg.AgentNames() {
		p := cfg.Agents[name]
		label := name
		if name == cfg.DefaultAgent {
			label += " (default)"
		}
		command := strings.TrimSpace(p.Command + " " + strings.Join(p.Args, " "))
		workDir := p.WorkDir
		if workDir == "" {
			workDir = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", label, command, p.Handshake, workDir)
	}
	return tw.Flush()
}
