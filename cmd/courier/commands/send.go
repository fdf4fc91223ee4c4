package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/send"
	"github.com/spf13/cobra"
)

// send --to <id> --body <text>: queue a message and wait for its delivery.
func sendCmd() *cobra.Command {
	var (
		to      string
		group   string
		body    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a text message to an identity or a group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (to == "") == (group == "") {
				return fmt.Errorf("exactly one of --to or --group is required")
			}
			r, err := open()
			if err != nil {
				return err
			}
			defer r.Shutdown()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			var id int64
			if to != "" {
				dest, err := ids.ParseHex(to)
				if err != nil {
					return fmt.Errorf("--to: %w", err)
				}
				id, err = r.SendText(ctx, dest, body)
				if err != nil {
					return err
				}
			} else {
				dest, err := ids.ParseHex(group)
				if err != nil {
					return fmt.Errorf("--group: %w", err)
				}
				id, err = r.SendGroupText(ctx, dest, body)
				if err != nil {
					return err
				}
			}

			updates := r.Updates()
			for {
				select {
				case <-ctx.Done():
					fmt.Printf("message %d still queued, it is delivered on the next run\n", id)
					return nil
				case u := <-updates:
					if v, ok := u.(*send.MessageStateChanged); ok && v.ID == id && v.State.Terminal() {
						fmt.Printf("message %d: %s\n", id, v.State)
						return nil
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "hex id of the recipient")
	cmd.Flags().StringVar(&group, "group", "", "hex id of the group")
	cmd.Flags().StringVar(&body, "body", "", "message text")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for delivery")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}
