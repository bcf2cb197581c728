package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(roomsCmd)
	roomsCmd.AddCommand(roomsListCmd)
	roomsCmd.AddCommand(roomsCreateCmd)
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List and create conversations",
}

var roomsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess := newSession()
		defer sess.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		rooms, err := sess.Rooms(ctx, true)
		if err != nil {
			return fmt.Errorf("failed to list rooms: %w", err)
		}

		if len(rooms) == 0 {
			fmt.Println("No conversations yet.")
			return nil
		}
		for _, r := range rooms {
			last := "(no messages)"
			when := ""
			if r.LastMessage != nil {
				last = r.LastMessage.Content
				when = r.LastMessage.CreatedAt.Local().Format("Jan 2 15:04")
			}
			unread := ""
			if r.UnreadCount > 0 {
				unread = fmt.Sprintf(" [%d unread]", r.UnreadCount)
			}
			fmt.Printf("%s  %-20s %s  %s%s\n", r.ID, r.OtherParticipant.DisplayName, when, last, unread)
		}
		return nil
	},
}

var roomsCreateCmd = &cobra.Command{
	Use:   "create <participant-id>",
	Short: "Start a conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess := newSession()
		defer sess.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		room, err := sess.CreateRoom(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to create room: %w", err)
		}
		fmt.Printf("Room %s with %s\n", room.ID, room.OtherParticipant.DisplayName)
		return nil
	},
}
