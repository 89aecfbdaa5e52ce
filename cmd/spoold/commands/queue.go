package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/busybox42/spoold/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the message queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled queue events",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		events, err := store.Events(context.Background(), queue.NeverDue)
		if err != nil {
			return fmt.Errorf("failed to read queue events: %w", err)
		}
		if len(events) == 0 {
			fmt.Println("Queue is empty")
			return nil
		}

		now := time.Now().Unix()
		fmt.Printf("%-18s %-10s %-25s %s\n", "ID", "QUEUE", "DUE", "STATE")
		for _, ev := range events {
			name, _ := queue.QueueNameFromBytes(ev.QueueName[:])
			state := "scheduled"
			if ev.Due <= now {
				state = "due"
			}
			fmt.Printf("%016x %-10s %-25s %s\n",
				ev.QueueID, name.String(), time.Unix(ev.Due, 0).Format(time.RFC3339), state)
		}
		return nil
	},
}

var queueShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a queued message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			// Accept the hexadecimal form printed by "queue list".
			id, err = strconv.ParseUint(args[0], 16, 64)
			if err != nil {
				return fmt.Errorf("invalid message id %q", args[0])
			}
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		data, err := store.GetMessage(context.Background(), id)
		if err != nil {
			return fmt.Errorf("failed to load message %d: %w", id, err)
		}
		m, err := queue.DecodeMessage(data)
		if err != nil {
			return fmt.Errorf("failed to decode message %d: %w", id, err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueShowCmd)
}
