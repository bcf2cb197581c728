package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	chatsync "github.com/pulsefeed/chatsync-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <room>",
	Short: "Open a conversation and stream messages until interrupted",
	Long:  "Select a room by id or participant name, print its recent history, and stream live messages and presence changes. Ctrl-C to leave.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess := newSession()
		defer sess.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		rooms, err := sess.Rooms(ctx, true)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to list rooms: %w", err)
		}

		room, ok := findRoom(rooms, args[0])
		if !ok {
			return fmt.Errorf("no room matching %q", args[0])
		}

		sess.OnNotice(func(n chatsync.Notice) {
			fmt.Fprintf(os.Stderr, "! %s: %v\n", n.Kind, n.Err)
		})

		selectCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = sess.SelectRoom(selectCtx, room)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to open room: %w", err)
		}

		for _, m := range sess.Messages() {
			printMessage(m)
		}
		fmt.Printf("-- watching %s --\n", room.OtherParticipant.DisplayName)

		// Poll for changes; the session keeps state consistent underneath.
		seen := map[string]struct{}{}
		for _, m := range sess.Messages() {
			seen[m.ID] = struct{}{}
		}

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		online := false
		for {
			select {
			case <-stop:
				fmt.Println("\n-- left --")
				return nil
			case <-ticker.C:
				for _, m := range sess.Messages() {
					if _, ok := seen[m.ID]; !ok {
						seen[m.ID] = struct{}{}
						printMessage(m)
					}
				}
				if p, ok := sess.Presence(); ok {
					nowOnline := p.Status == chatsync.StatusOnline
					if nowOnline != online {
						online = nowOnline
						if online {
							fmt.Printf("-- %s is online --\n", room.OtherParticipant.DisplayName)
						} else if p.LastSeen != nil {
							fmt.Printf("-- %s went offline (last seen %s) --\n",
								room.OtherParticipant.DisplayName, p.LastSeen.Local().Format("15:04:05"))
						} else {
							fmt.Printf("-- %s went offline --\n", room.OtherParticipant.DisplayName)
						}
					}
				}
			}
		}
	},
}

func printMessage(m chatsync.Message) {
	fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), m.Sender.DisplayName, m.Content)
}
