package main

import (
	"context"
	"fmt"
	"time"

	chatsync "github.com/pulsefeed/chatsync-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <room> <message>",
	Short: "Send a message and wait for the server's echo",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess := newSession()
		defer sess.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		rooms, err := sess.Rooms(ctx, true)
		if err != nil {
			return fmt.Errorf("failed to list rooms: %w", err)
		}
		room, ok := findRoom(rooms, args[0])
		if !ok {
			return fmt.Errorf("no room matching %q", args[0])
		}

		if err := sess.SelectRoom(ctx, room); err != nil {
			return fmt.Errorf("failed to open room: %w", err)
		}

		pending, err := sess.Send(ctx, args[1])
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		// The message is only real once the channel echoes it back.
		deadline := time.After(chatsync.DefaultSendTimeout)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-deadline:
				return fmt.Errorf("send not confirmed: %w", chatsync.ErrSendTimeout)
			case <-ticker.C:
				confirmed := true
				for _, ps := range sess.PendingSends() {
					if ps.ClientID == pending.ClientID {
						confirmed = false
					}
				}
				if confirmed {
					fmt.Println("Delivered.")
					return nil
				}
			}
		}
	},
}
