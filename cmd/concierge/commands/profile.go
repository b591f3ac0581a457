// ABOUTME: CLI commands to inspect, confirm, reset, and export what is remembered about a user
// ABOUTME: Works directly on storage so no model credentials are needed
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/harper/concierge/internal/core"
	"github.com/harper/concierge/internal/logging"
	"github.com/harper/concierge/internal/models"
	"github.com/harper/concierge/internal/policy"
	"github.com/harper/concierge/internal/storage/sqlite"
)

// NewProfileCmd creates the profile command group
func NewProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "View and manage remembered user facts",
		Long: `View and manage what the assistant remembers about a user.

Facts learned with low confidence wait for confirmation before they
influence routing; confirm promotes them.

Examples:
  concierge profile show u_123
  concierge profile show u_123 --format json
  concierge profile confirm u_123 baby_age_months
  concierge profile set u_123 skin_type '"oily"'
  concierge profile reset u_123
  concierge profile export u_123 --format markdown`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show <user-id>",
			Short: "Show resolved facts for a user",
			Args:  cobra.ExactArgs(1),
			RunE:  runProfileShow,
		},
		&cobra.Command{
			Use:   "confirm <user-id> <key>",
			Short: "Confirm a pending fact",
			Args:  cobra.ExactArgs(2),
			RunE:  runProfileConfirm,
		},
		&cobra.Command{
			Use:   "set <user-id> <key> <value>",
			Short: "Record a fact the user stated explicitly",
			Long: `Record a fact the user stated explicitly.

The value is parsed as JSON when it is valid JSON and stored as a
string otherwise. It is merged like any learned fact, at full confidence.`,
			Args: cobra.ExactArgs(3),
			RunE: runProfileSet,
		},
		&cobra.Command{
			Use:   "reset <user-id>",
			Short: "Forget everything remembered about a user",
			Args:  cobra.ExactArgs(1),
			RunE:  runProfileReset,
		},
		&cobra.Command{
			Use:   "export <user-id>",
			Short: "Export facts and conversations (yaml or markdown)",
			Args:  cobra.ExactArgs(1),
			RunE:  runProfileExport,
		},
	)

	return cmd
}

// openMemory opens storage and a resolver over it
func openMemory(ctx context.Context) (*sqlite.Storage, *core.Scribe, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, "", err
	}
	store, err := openStorage(cfg)
	if err != nil {
		return nil, nil, "", err
	}
	scribe, err := core.NewScribe(ctx, store, logging.Component("scribe"), nil)
	if err != nil {
		store.Close()
		return nil, nil, "", err
	}
	return store, scribe, cfg.PolicyDir, nil
}

func runProfileShow(cmd *cobra.Command, args []string) error {
	store, scribe, _, err := openMemory(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	profile, err := scribe.LoadProfile(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("getting profile: %w", err)
	}

	if outputFormat == "json" {
		jsonData, err := json.MarshalIndent(profile, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling JSON: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n", jsonData)
		return nil
	}
	return printProfile(cmd.OutOrStdout(), args[0], profile)
}

// printProfile renders facts as a table, confirmed before pending per key
func printProfile(out io.Writer, userID string, profile models.Profile) error {
	if len(profile) == 0 {
		if !quiet {
			fmt.Fprintf(out, "Nothing remembered about %s yet.\n", userID)
		}
		return nil
	}

	facts := make([]*models.MemoryFact, 0, len(profile))
	for _, f := range profile {
		facts = append(facts, f)
	}
	sort.Slice(facts, func(i, j int) bool {
		if facts[i].Key != facts[j].Key {
			return facts[i].Key < facts[j].Key
		}
		return !facts[i].NeedsConfirmation && facts[j].NeedsConfirmation
	})

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "KEY\tVALUE\tCONFIDENCE\tWEIGHT\tSTATUS\tUPDATED\n")
	fmt.Fprintf(w, "---\t-----\t----------\t------\t------\t-------\n")
	for _, f := range facts {
		status := "confirmed"
		if f.NeedsConfirmation {
			status = fmt.Sprintf("pending (%d)", f.Corroborations)
		}
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%.2f\t%s\t%s\n",
			f.Key, truncate(f.DisplayValue(), 40), f.Confidence, f.Weight, status, formatTime(f.UpdatedAt))
	}
	return w.Flush()
}

func runProfileConfirm(cmd *cobra.Command, args []string) error {
	store, scribe, policyDir, err := openMemory(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	p, err := policy.Load(policyDir)
	if err != nil {
		return err
	}

	fact, err := scribe.ConfirmFact(cmd.Context(), args[0], args[1], p)
	if err != nil {
		return err
	}
	if !quiet {
		fmt.Fprintf(cmd.OutOrStdout(), "Confirmed %s = %s (confidence %.2f)\n", fact.Key, fact.DisplayValue(), fact.Confidence)
	}
	return nil
}

func runProfileSet(cmd *cobra.Command, args []string) error {
	store, scribe, policyDir, err := openMemory(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	p, err := policy.Load(policyDir)
	if err != nil {
		return err
	}

	value := json.RawMessage(args[2])
	if !json.Valid(value) {
		value, _ = json.Marshal(args[2])
	}
	sig := core.Signal{Key: args[1], Value: value, Confidence: 1, Source: models.SourceExplicit}

	changes, err := scribe.Resolve(cmd.Context(), args[0], []core.Signal{sig}, p)
	if err != nil {
		return err
	}
	if !quiet && len(changes.Upserts) > 0 {
		f := changes.Upserts[0]
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %s (weight %.2f)\n", f.Key, f.DisplayValue(), f.Weight)
	}
	return nil
}

func runProfileReset(cmd *cobra.Command, args []string) error {
	store, scribe, _, err := openMemory(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := scribe.ResetUser(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !quiet {
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d facts for %s\n", n, args[0])
	}
	return nil
}

func runProfileExport(cmd *cobra.Command, args []string) error {
	store, _, _, err := openMemory(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	data, err := store.ExportUser(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	switch outputFormat {
	case "markdown":
		return data.WriteMarkdown(cmd.OutOrStdout())
	case "json":
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	default:
		return data.WriteYAML(cmd.OutOrStdout())
	}
}
