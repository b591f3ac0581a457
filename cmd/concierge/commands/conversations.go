// ABOUTME: Conversations commands list a user's conversations and close idle ones
// ABOUTME: archive applies the policy retention windows once, for cron-style scheduling
package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harper/concierge/internal/delivery"
	"github.com/harper/concierge/internal/logging"
)

// NewConversationsCmd creates the conversations command group
func NewConversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "Inspect conversations and close idle ones",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list <user-id>",
			Short: "List a user's conversations, most recently active first",
			Args:  cobra.ExactArgs(1),
			RunE:  runConversationsList,
		},
		&cobra.Command{
			Use:   "archive",
			Short: "Close conversations idle past the retention windows",
			Long: `Close conversations idle past the policy retention windows.

Active conversations idle longer than retention.complete_after become
completed; active or completed ones idle longer than retention.archive_after
become archived. Their pending follow-ups are cancelled. Conversations held
by a human are left alone, and a new user message reopens any of them.
The serve command runs this on its scheduler interval.`,
			Args: cobra.NoArgs,
			RunE: runConversationsArchive,
		},
	)
	return cmd
}

func runConversationsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	convs, err := store.ListConversations(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("listing conversations: %w", err)
	}

	if outputFormat == "json" {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(convs)
	}
	if len(convs) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No conversations for %s\n", args[0])
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tWARNINGS\tLAST ACTIVE")
	for _, c := range convs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", c.ID, c.State, c.WarningCount, c.LastActivityAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runConversationsArchive(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), delivery.NewLogSink(logging.Component("delivery")))
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.orch.ArchiveInactive(cmd.Context(), time.Now())
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(report)
	}
	if !quiet {
		fmt.Fprintf(cmd.OutOrStdout(), "Completed: %d  Archived: %d\n", report.Completed, report.Archived)
	}
	return nil
}
