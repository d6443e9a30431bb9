package cli

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tevanoff/courier/internal/store"
	"github.com/tevanoff/courier/internal/transcript"
)

var sendCmd = &cobra.Command{
	Use:   "send [message]",
	Short: "Send a message to a conversation and stream the response",
	Long: `Send a message to a conversation and stream the engine's response to
stdout. Use --conversation to continue an existing conversation, or
--folder to start a new one rooted at that directory.`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().String("conversation", "", "ID of an existing conversation to continue")
	sendCmd.Flags().String("folder", "", "Working directory for a new conversation")
	sendCmd.Flags().String("tools", "", "Comma-separated tool allowlist for a new conversation (default: config)")
}

func runSend(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	app, err := openApp(cmd, logger)
	if err != nil {
		return err
	}

	conversationID, err := resolveSendTarget(cmd, app)
	if err != nil {
		return err
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux, err := app.sessions.Dispatch(ctx, conversationID, args[0])
	if err != nil {
		return err
	}

	sub, err := mux.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to attach to execution: %w", err)
	}
	defer mux.Unsubscribe(sub)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "conversation: %s\n", conversationID)

	for {
		select {
		case <-ctx.Done():
			app.sessions.Cancel(conversationID)
			fmt.Fprintln(out, "cancelled")
			return nil
		case evt, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if line := transcript.FormatEvent(evt); line != "" {
				fmt.Fprintln(out, line)
			}
		}
	}
}

// resolveSendTarget picks the conversation to send into, creating one
// when --folder is given instead of --conversation.
func resolveSendTarget(cmd *cobra.Command, app *app) (string, error) {
	conversationID, err := cmd.Flags().GetString("conversation")
	if err != nil {
		return "", err
	}
	folder, err := cmd.Flags().GetString("folder")
	if err != nil {
		return "", err
	}

	if conversationID != "" {
		if folder != "" {
			return "", fmt.Errorf("--conversation and --folder are mutually exclusive")
		}
		if _, err := app.store.GetConversation(conversationID); err != nil {
			return "", err
		}
		return conversationID, nil
	}

	if folder == "" {
		return "", fmt.Errorf("either --conversation or --folder is required")
	}

	absFolder, err := filepath.Abs(folder)
	if err != nil {
		return "", fmt.Errorf("failed to resolve folder: %w", err)
	}

	tools := app.cfg.Engine.AllowedTools
	if toolsFlag, _ := cmd.Flags().GetString("tools"); toolsFlag != "" {
		tools = strings.Split(toolsFlag, ",")
	}

	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:           uuid.NewString(),
		Folder:       absFolder,
		AllowedTools: tools,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := app.store.CreateConversation(conv); err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}

	app.logger.Info("created conversation", "conversation_id", conv.ID, "folder", absFolder)
	return conv.ID, nil
}
