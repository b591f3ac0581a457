// ABOUTME: Root command and global flags for the concierge CLI
// ABOUTME: Registers every subcommand and enforces flag exclusivity
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	verbose      bool
	quiet        bool
	outputFormat string
)

const banner = `
 ██████  ██████  ███    ██  ██████ ██ ███████ ██████   ██████  ███████
██      ██    ██ ████   ██ ██      ██ ██      ██   ██ ██       ██
██      ██    ██ ██ ██  ██ ██      ██ █████   ██████  ██   ███ █████
██      ██    ██ ██  ██ ██ ██      ██ ██      ██   ██ ██    ██ ██
 ██████  ██████  ██   ████  ██████ ██ ███████ ██   ██  ██████  ███████
`

// NewRootCmd creates the root command with all subcommands attached
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "concierge",
		Short: "Conversation orchestration for a retail chat assistant",
		Long: banner + `
Concierge runs each customer message through guardrails, user memory,
agent routing, grounded context assembly, and paced multi-part delivery.

Run it as an HTTP/WebSocket service, an MCP server for LLM agents,
or interactively from the terminal.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose && quiet {
				return fmt.Errorf("--verbose and --quiet are mutually exclusive")
			}
			switch outputFormat {
			case "auto", "table", "json", "yaml", "markdown":
			default:
				return fmt.Errorf("--format must be auto, table, json, yaml, or markdown, got %q", outputFormat)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Only log errors")
	cmd.PersistentFlags().StringVar(&outputFormat, "format", "auto", "Output format: auto, table, json, yaml, markdown")

	cmd.AddCommand(
		NewServeCmd(),
		NewChatCmd(),
		NewMCPCmd(),
		NewPolicyCmd(),
		NewFollowupsCmd(),
		NewConversationsCmd(),
		NewProfileCmd(),
		NewIngestCmd(),
		NewVersionCmd(),
	)

	return cmd
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}
