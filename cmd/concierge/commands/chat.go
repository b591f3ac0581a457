// ABOUTME: Chat command runs an interactive conversation in the terminal
// ABOUTME: Reply parts are printed as they are delivered, with typing delays
package commands

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/harper/concierge/internal/core"
	"github.com/harper/concierge/internal/delivery"
	"github.com/harper/concierge/internal/models"
)

var (
	chatUser         string
	chatConversation string
	chatTier         string
)

// NewChatCmd creates the chat command
func NewChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant from the terminal",
		Long: `Chat with the assistant from the terminal.

Each line you type is one turn. Replies arrive in paced parts just like
they would in the messaging channel.

Type /quit to exit, /profile to see what has been remembered.`,
		RunE: runChat,
		Example: `  concierge chat --user u_123
  concierge chat --user u_123 --conversation conv_abc --tier pro`,
	}

	cmd.Flags().StringVar(&chatUser, "user", "", "User id (default: a new random id)")
	cmd.Flags().StringVar(&chatConversation, "conversation", "", "Resume an existing conversation")
	cmd.Flags().StringVar(&chatTier, "tier", "", "Force a model tier: fast or pro")

	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	tier := models.ModelTier(chatTier)
	if tier != "" && !tier.Valid() {
		return fmt.Errorf("--tier must be fast or pro, got %q", chatTier)
	}

	out := cmd.OutOrStdout()
	a, err := newApp(cmd.Context(), delivery.NewWriterSink(out, "bot> "))
	if err != nil {
		return err
	}
	defer a.Close()

	userID := chatUser
	if userID == "" {
		userID = "u_" + uuid.New().String()[:8]
	}
	convID := chatConversation

	if !quiet {
		fmt.Fprintf(out, "Chatting as %s (policy %s). Type /quit to exit.\n\n", userID, a.orch.Policy().Version)
	}

	return chatLoop(cmd, a.orch, cmd.InOrStdin(), out, userID, convID, tier)
}

func chatLoop(cmd *cobra.Command, orch *core.Orchestrator, in io.Reader, out io.Writer, userID, convID string, tier models.ModelTier) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "you> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/profile":
			profile, err := orch.Profile(cmd.Context(), userID)
			if err != nil {
				return err
			}
			if err := printProfile(out, userID, profile); err != nil {
				return err
			}
			continue
		}

		result, err := orch.ProcessTurn(cmd.Context(), core.TurnRequest{
			ConversationID: convID,
			UserID:         userID,
			Text:           line,
			TierOverride:   tier,
		})
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
			continue
		}
		convID = result.ConversationID

		if verbose {
			fmt.Fprintf(cmd.ErrOrStderr(), "[agent=%s tier=%s intent=%s retrieval=%t web=%t state=%s]\n",
				result.Agent, result.Tier, result.Intent, result.UsedRetrieval, result.UsedWebFallback, result.State)
		}
		orch.WaitDeliveries()
	}
}
