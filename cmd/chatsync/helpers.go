package main

import (
	"fmt"
	"log/slog"
	"os"

	chatsync "github.com/pulsefeed/chatsync-go"
)

// requireConfig loads the config and exits if the credential is missing.
func requireConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" || cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "Missing configuration. Run 'chatsync init <base-url> <token> <user-id>' first.")
		os.Exit(1)
	}
	return cfg
}

// newSession builds a Session from the stored config.
func newSession() *chatsync.Session {
	cfg := requireConfig()

	level := slog.LevelWarn
	if os.Getenv("CHATSYNC_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	sess, err := chatsync.NewSession(chatsync.SessionConfig{
		BaseURL:       cfg.Default.BaseURL,
		Token:         cfg.Auth.Token,
		SelfID:        cfg.Auth.UserID,
		Logger:        logger,
		AutoReconnect: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create session: %v\n", err)
		os.Exit(1)
	}
	return sess
}

// findRoom resolves a room by id or by the other participant's name.
func findRoom(rooms []chatsync.Room, key string) (chatsync.Room, bool) {
	for _, r := range rooms {
		if r.ID == key || r.OtherParticipant.DisplayName == key {
			return r, true
		}
	}
	return chatsync.Room{}, false
}
