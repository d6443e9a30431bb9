package cli

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tevanoff/courier/internal/store"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage the message queue",
}

var queueAddCmd = &cobra.Command{
	Use:   "add [message]",
	Short: "Queue a message for delivery",
	Long: `Queue a message for delivery by the daemon. Target an existing
conversation with --conversation, or give --folder to have delivery
create a fresh conversation there. --at/--in delay the delivery;
--draft parks the item until 'queue promote'.`,
	Args: cobra.ExactArgs(1),
	RunE: runQueueAdd,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued messages",
	RunE:  runQueueList,
}

var queuePromoteCmd = &cobra.Command{
	Use:   "promote [item-id]",
	Short: "Promote a draft item to pending",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueuePromote,
}

var queueRmCmd = &cobra.Command{
	Use:   "rm [item-id]",
	Short: "Remove a queued message",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRm,
}

func init() {
	queueAddCmd.Flags().String("conversation", "", "ID of the conversation to deliver into")
	queueAddCmd.Flags().String("folder", "", "Working directory for a conversation created at delivery time")
	queueAddCmd.Flags().String("tools", "", "Comma-separated tool allowlist for a created conversation")
	queueAddCmd.Flags().String("at", "", "Deliver at this time (RFC 3339)")
	queueAddCmd.Flags().Duration("in", 0, "Deliver after this delay (e.g. 90m, 2h)")
	queueAddCmd.Flags().Bool("draft", false, "Create the item as a draft; it will not run until promoted")

	queueCmd.AddCommand(queueAddCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queuePromoteCmd)
	queueCmd.AddCommand(queueRmCmd)
}

func runQueueAdd(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	app, err := openApp(cmd, logger)
	if err != nil {
		return err
	}

	conversationID, _ := cmd.Flags().GetString("conversation")
	folder, _ := cmd.Flags().GetString("folder")
	if conversationID != "" && folder != "" {
		return fmt.Errorf("--conversation and --folder are mutually exclusive")
	}
	if conversationID == "" && folder == "" {
		return fmt.Errorf("either --conversation or --folder is required")
	}

	if conversationID != "" {
		if _, err := app.store.GetConversation(conversationID); err != nil {
			return err
		}
	} else {
		if folder, err = filepath.Abs(folder); err != nil {
			return fmt.Errorf("failed to resolve folder: %w", err)
		}
	}

	scheduledAt, err := resolveSchedule(cmd)
	if err != nil {
		return err
	}

	status := store.StatusPending
	if draft, _ := cmd.Flags().GetBool("draft"); draft {
		status = store.StatusDraft
	}

	var tools []string
	if toolsFlag, _ := cmd.Flags().GetString("tools"); toolsFlag != "" {
		tools = strings.Split(toolsFlag, ",")
	} else if folder != "" {
		tools = app.cfg.Engine.AllowedTools
	}

	item := &store.QueueItem{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Folder:         folder,
		AllowedTools:   tools,
		Message:        args[0],
		ScheduledAt:    scheduledAt,
		Status:         status,
		CreatedAt:      time.Now().UTC(),
	}
	if err := app.store.CreateQueueItem(item); err != nil {
		return fmt.Errorf("failed to create queue item: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "queued %s (%s, scheduled %s)\n",
		item.ID, item.Status, item.ScheduledAt.Format(time.RFC3339))
	return nil
}

// resolveSchedule turns the --at/--in flags into a delivery time,
// defaulting to now.
func resolveSchedule(cmd *cobra.Command) (time.Time, error) {
	at, _ := cmd.Flags().GetString("at")
	in, _ := cmd.Flags().GetDuration("in")

	if at != "" && in != 0 {
		return time.Time{}, fmt.Errorf("--at and --in are mutually exclusive")
	}
	if at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --at value %q: %w", at, err)
		}
		return t.UTC(), nil
	}
	return time.Now().UTC().Add(in), nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	app, err := openApp(cmd, logger)
	if err != nil {
		return err
	}

	items, err := app.store.ListQueueItems()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(items) == 0 {
		fmt.Fprintln(out, "queue is empty")
		return nil
	}

	for _, item := range items {
		target := item.ConversationID
		if target == "" {
			target = "new conversation in " + item.Folder
		}
		fmt.Fprintf(out, "%s  %-9s  %s  %s\n", item.ID, item.Status,
			item.ScheduledAt.Format(time.RFC3339), target)
		fmt.Fprintf(out, "    %s\n", truncateMessage(item.Message))
		if item.RetryCount > 0 {
			fmt.Fprintf(out, "    retries: %d  last error: %s\n", item.RetryCount, item.LastError)
		}
	}
	return nil
}

func truncateMessage(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}

func runQueuePromote(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	app, err := openApp(cmd, logger)
	if err != nil {
		return err
	}

	itemID := args[0]
	var promoteErr error
	err = app.store.UpdateQueueItem(itemID, func(item *store.QueueItem) {
		if item.Status != store.StatusDraft {
			promoteErr = fmt.Errorf("queue item %s is %s, only drafts can be promoted", itemID, item.Status)
			return
		}
		item.Status = store.StatusPending
	})
	if err != nil {
		return err
	}
	if promoteErr != nil {
		return promoteErr
	}

	fmt.Fprintf(cmd.OutOrStdout(), "promoted %s to pending\n", itemID)
	return nil
}

func runQueueRm(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	app, err := openApp(cmd, logger)
	if err != nil {
		return err
	}

	if err := app.store.DeleteQueueItem(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
	return nil
}
