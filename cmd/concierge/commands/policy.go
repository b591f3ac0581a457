// ABOUTME: Policy commands validate a bundle locally or ask a running service to reload
// ABOUTME: check loads YAML and templates exactly as the service does
package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harper/concierge/internal/policy"
)

var (
	policyServer string
	adminToken   string
)

// NewPolicyCmd creates the policy command group
func NewPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Validate and reload the policy bundle",
		Long: `Validate and reload the policy bundle.

The bundle is a directory holding policy.yml and the prompt templates.
An invalid bundle never replaces the active one.`,
	}

	checkCmd := &cobra.Command{
		Use:   "check [dir]",
		Short: "Validate a policy bundle without applying it",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runPolicyCheck,
	}

	reloadCmd := &cobra.Command{
		Use:   "reload",
		Short: "Ask a running service to re-read its policy bundle",
		Long: `Ask a running service to re-read the policy bundle it was started with.

Edit the bundle in place and run "policy check" on it first. The request is
authenticated with CONCIERGE_ADMIN_TOKEN unless --token is given.`,
		Args: cobra.NoArgs,
		RunE: runPolicyReload,
	}
	reloadCmd.Flags().StringVar(&policyServer, "server", "http://localhost:8080", "Base URL of the running service")
	reloadCmd.Flags().StringVar(&adminToken, "token", "", "Admin bearer token (default from CONCIERGE_ADMIN_TOKEN)")

	cmd.AddCommand(checkCmd, reloadCmd)
	return cmd
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	dir := "policy"
	if len(args) == 1 {
		dir = args[0]
	} else if cfg, err := loadConfig(); err == nil {
		dir = cfg.PolicyDir
	}

	p, err := policy.Load(dir)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
			"version":  p.Version,
			"dir":      dir,
			"rules":    len(p.Guardrails.Rules),
			"triggers": len(p.Handoff.Triggers),
		})
	}
	if !quiet {
		fmt.Fprintf(cmd.OutOrStdout(), "Policy %s OK (%s): %d guardrail rules, %d handoff triggers\n",
			p.Version, dir, len(p.Guardrails.Rules), len(p.Handoff.Triggers))
	}
	return nil
}

func runPolicyReload(cmd *cobra.Command, args []string) error {
	token := adminToken
	if token == "" {
		if cfg, err := loadConfig(); err == nil {
			token = cfg.AdminToken
		}
	}
	if token == "" {
		return fmt.Errorf("no admin token: set CONCIERGE_ADMIN_TOKEN or pass --token")
	}

	endpoint := strings.TrimRight(policyServer, "/") + "/admin/policy/reload"
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("reload request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload map[string]string
	_ = json.Unmarshal(body, &payload)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reload rejected (%d): %s", resp.StatusCode, payload["error"])
	}
	if !quiet {
		fmt.Fprintf(cmd.OutOrStdout(), "Policy reloaded: version %s\n", payload["version"])
	}
	return nil
}
