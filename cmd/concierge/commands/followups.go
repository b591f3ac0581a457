// ABOUTME: Followups command fires due follow-up timers once, for cron-style scheduling
// ABOUTME: Skipped timers (no opt-in, conversation closed) are reported, not retried
package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harper/concierge/internal/delivery"
	"github.com/harper/concierge/internal/logging"
)

// NewFollowupsCmd creates the followups command group
func NewFollowupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "followups",
		Short: "Manage scheduled follow-up messages",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Fire every follow-up timer that is due now",
		Long: `Fire every follow-up timer that is due now.

Follow-ups are only sent to users who opted in and whose conversation is
still active; other timers are cancelled. Use this from cron when the
service is not running its own scheduler.`,
		RunE: runFollowups,
	}

	cmd.AddCommand(runCmd)
	return cmd
}

func runFollowups(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), delivery.NewLogSink(logging.Component("delivery")))
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.orch.RunDueFollowups(cmd.Context(), time.Now())
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(report)
	}
	if !quiet {
		fmt.Fprintf(cmd.OutOrStdout(), "Due: %d  Delivered: %d  Skipped: %d  Failed: %d\n",
			report.Due, report.Delivered, report.Skipped, report.Failed)
	}
	return nil
}
