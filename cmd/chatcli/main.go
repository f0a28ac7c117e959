package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chat-relay/internal/client"
	"chat-relay/internal/payload"
)

func main() {
	_ = godotenv.Load()

	server := flag.String("server", getEnv("CHAT_SERVER", "http://localhost:8080"), "chat server base URL")
	username := flag.String("user", os.Getenv("CHAT_USER"), "username")
	password := flag.String("password", os.Getenv("CHAT_PASSWORD"), "password")
	register := flag.Bool("register", false, "create the account before signing in")
	ackTimeout := flag.Duration("ack-timeout", client.DefaultAckTimeout, "time before an unacknowledged send is marked failed")
	flag.Parse()

	// The TUI owns the terminal, so logs go to a file or nowhere.
	zerolog.SetGlobalLevel(zerolog.Disabled)
	if path := os.Getenv("CHATCLI_LOG"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err == nil {
			defer f.Close()
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
			log.Logger = zerolog.New(f).With().Timestamp().Str("service", "chatcli").Logger()
		}
	}

	if *username == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "usage: chatcli -user NAME -password SECRET [-register] [-server URL]")
		os.Exit(2)
	}

	var cipher *payload.Cipher
	if key := os.Getenv("CHAT_PAYLOAD_KEY"); key != "" {
		c, err := payload.New(key)
		if err != nil {
			fmt.Fprintln(os.Stderr, "invalid CHAT_PAYLOAD_KEY:", err)
			os.Exit(1)
		}
		cipher = c
	}

	session := client.NewSession(client.Config{BaseURL: *server, Cipher: cipher, AckTimeout: *ackTimeout})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	var err error
	if *register {
		err = session.Register(ctx, *username, *password)
	} else {
		err = session.Login(ctx, *username, *password)
	}
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "sign in failed:", err)
		os.Exit(1)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	if err := session.Connect(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "connect failed:", err)
		os.Exit(1)
	}
	defer session.Close()

	if _, err := tea.NewProgram(newModel(ctx, session), tea.WithAltScreen()).Run(); err != nil {
		fmt.Fprintln(os.Stderr, "chatcli:", err)
		os.Exit(1)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
