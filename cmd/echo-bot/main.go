// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// echo-bot is an end-to-end example bot: it sets up an encrypted
// session once, then on each run resumes it, joins rooms it is
// invited to, and echoes every text message back as a notice reply.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/bureau-foundation/matrixbot/bootstrap"
	"github.com/bureau-foundation/matrixbot/lib/botconfig"
	"github.com/bureau-foundation/matrixbot/lib/version"
	"github.com/bureau-foundation/matrixbot/messaging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	switch os.Args[1] {
	case "setup":
		return runSetup(os.Args[2:])
	case "run":
		return runBot(os.Args[2:])
	case "logout":
		return runLogout(os.Args[2:])
	case "version", "--version":
		fmt.Printf("echo-bot %s\n", version.Info())
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", os.Args[1])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: echo-bot <subcommand> [flags]

Subcommands:
  setup     Bootstrap the bot's encrypted session (interactive, run once)
  run       Resume the session and echo messages until interrupted
  logout    Invalidate the session and delete local state
  version   Print version information

Flags common to all subcommands:
  --config FILE   Config file (or set MATRIXBOT_CONFIG)
  --data DIR      Data directory (overrides config)

Run 'echo-bot <subcommand> --help' for subcommand flags.
`)
}

// commonFlags resolves the config file and flag overrides shared by
// every subcommand.
func commonFlags(flags *flag.FlagSet, args []string) (*botconfig.Config, error) {
	configPath := flags.String("config", "", "config file path")
	dataDir := flags.String("data", "", "data directory (overrides config)")
	homeserver := flags.String("homeserver", "", "homeserver URL (overrides config)")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	var cfg *botconfig.Config
	var err error
	switch {
	case *configPath != "":
		cfg, err = botconfig.LoadFile(*configPath)
	case os.Getenv("MATRIXBOT_CONFIG") != "":
		cfg, err = botconfig.Load()
	default:
		cfg = &botconfig.Config{DeviceName: "matrixbot"}
	}
	if err != nil {
		return nil, err
	}

	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *homeserver != "" {
		cfg.Homeserver = *homeserver
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory required (--data or data_dir in config)")
	}
	return cfg, nil
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runSetup(args []string) error {
	flags := flag.NewFlagSet("setup", flag.ContinueOnError)
	username := flags.String("user", "", "bot account username (prompted if omitted)")
	cfg, err := commonFlags(flags, args)
	if err != nil {
		return err
	}
	if cfg.Homeserver == "" {
		return fmt.Errorf("homeserver required for setup (--homeserver or config)")
	}

	user := *username
	if user == "" {
		if user, err = promptLine("Username: "); err != nil {
			return err
		}
	}
	password, err := promptPassword("Password: ")
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	return bootstrap.Setup(ctx, bootstrap.SetupConfig{
		DataDir:    cfg.DataDir,
		Homeserver: cfg.Homeserver,
		Username:   user,
		Password:   password,
		DeviceName: cfg.DeviceName,
		Interactor: bootstrap.NewTerminalInteractor(os.Stdin, os.Stderr),
		Logger:     newLogger(),
	})
}

func runLogout(args []string) error {
	flags := flag.NewFlagSet("logout", flag.ContinueOnError)
	cfg, err := commonFlags(flags, args)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	return bootstrap.Logout(ctx, bootstrap.LoginConfig{
		DataDir: cfg.DataDir,
		Logger:  newLogger(),
	})
}

func runBot(args []string) error {
	flags := flag.NewFlagSet("run", flag.ContinueOnError)
	cfg, err := commonFlags(flags, args)
	if err != nil {
		return err
	}
	logger := newLogger()

	ctx, cancel := signalContext()
	defer cancel()

	bot, err := bootstrap.Login(ctx, bootstrap.LoginConfig{
		DataDir: cfg.DataDir,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer bot.Close()

	echo := &echoBot{session: bot.Session, logger: logger}

	// Catch-up sync: advance past everything that arrived while the
	// bot was offline without echoing any of it. Invites are still
	// honored so a restart doesn't strand pending invitations.
	catchup, err := bot.Cursor.SyncOnce(ctx, bot.Session, messaging.SyncOptions{SetTimeout: true})
	if err != nil {
		return fmt.Errorf("catch-up sync: %w", err)
	}
	echo.handleInvites(ctx, catchup)
	logger.Info("caught up, echoing new messages", "user_id", bot.Session.UserID())

	options := messaging.SyncOptions{Timeout: 30000, SetTimeout: true}
	err = bot.Cursor.Run(ctx, bot.Session, options, func(response *messaging.SyncResponse) error {
		echo.handleInvites(ctx, response)
		echo.handleMessages(ctx, response)
		return nil
	})
	if err != nil {
		return err
	}
	logger.Info("shutting down")
	return nil
}

// echoBot holds the per-run state of the echo loop.
type echoBot struct {
	session messaging.BotSession
	logger  *slog.Logger
}

// handleMessages replies to every text message from another user with
// an m.notice echo. Notices themselves are never echoed, so two echo
// bots in one room do not feed each other.
func (e *echoBot) handleMessages(ctx context.Context, response *messaging.SyncResponse) {
	for roomID, room := range response.Rooms.Join {
		for _, event := range room.Timeline.Events {
			if event.Type != "m.room.message" || event.Sender == e.session.UserID() {
				continue
			}
			msgtype, _ := event.Content["msgtype"].(string)
			body, _ := event.Content["body"].(string)
			if msgtype != "m.text" || body == "" {
				continue
			}
			reply := messaging.NewNoticeReply(event.EventID, body)
			if _, err := e.session.SendMessage(ctx, roomID, reply); err != nil {
				e.logger.Error("echo failed", "room_id", roomID, "error", err)
			}
		}
	}
}

// handleInvites joins every room the bot is invited to. Joining can
// race federation (the invite is visible before the room is joinable
// on this server), so each join retries in the background with
// golden-ratio backoff.
func (e *echoBot) handleInvites(ctx context.Context, response *messaging.SyncResponse) {
	for roomID := range response.Rooms.Invite {
		e.logger.Info("invited to room", "room_id", roomID)
		go e.joinWithRetry(ctx, roomID)
	}
}

const maxJoinAttempts = 16

func (e *echoBot) joinWithRetry(ctx context.Context, roomID string) {
	for attempt := 0; attempt < maxJoinAttempts; attempt++ {
		if _, err := e.session.JoinRoom(ctx, roomID); err == nil {
			e.logger.Info("joined room", "room_id", roomID)
			return
		} else if ctx.Err() != nil {
			return
		} else {
			e.logger.Warn("join failed, retrying", "room_id", roomID, "attempt", attempt, "error", err)
		}
		// 1.618^attempt seconds: gentle at first, about 45 minutes of
		// cumulative wait across all 16 attempts.
		delay := time.Duration(math.Pow(1.618, float64(attempt)) * float64(time.Second))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
	e.logger.Error("giving up joining room", "room_id", roomID, "attempts", maxJoinAttempts)
}

func promptLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	var line string
	if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(raw), nil
	}
	return promptLine("")
}
