// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/bureau-foundation/matrixbot/lib/statestore"
	"github.com/bureau-foundation/matrixbot/lib/synccursor"
	"github.com/bureau-foundation/matrixbot/messaging"
)

// LoginConfig holds the inputs for resuming a previously set-up
// session.
type LoginConfig struct {
	// DataDir is the data directory a previous Setup populated.
	DataDir string
	// ClientFactory builds the messaging client for the homeserver
	// recorded in the state database. If nil, the production factory
	// is used.
	ClientFactory ClientFactory
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Bot is a resumed session: the authenticated messaging session, the
// open state database (whose exclusive lock is held for the Bot's
// lifetime), and the sync cursor manager seeded from it. Close the Bot
// when done; the session itself stays logged in server-side.
type Bot struct {
	Session messaging.BotSession
	Store   *statestore.Store
	Cursor  *synccursor.Manager
}

// Close releases the state database and its exclusive lock. It does
// not log out.
func (b *Bot) Close() error {
	return b.Store.Close()
}

// Login resumes the session a previous Setup left in the data
// directory, with no human interaction. It returns ErrNoSession if the
// directory was never set up. When a recovery key is cached, it is
// re-applied eagerly so backup decryption capability is established
// before the first sync.
//
// The returned Bot holds the data directory's exclusive lock until
// closed; a second Login against the same directory fails.
func Login(ctx context.Context, cfg LoginConfig) (*Bot, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("bootstrap: DataDir is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	factory := cfg.ClientFactory
	if factory == nil {
		factory = NewClientFactory(logger)
	}

	store, err := statestore.Open(statestore.Config{
		Path:   filepath.Join(cfg.DataDir, statestore.FileName),
		Logger: logger,
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("bootstrap: opening state database: %w", err)
	}

	bot, err := resume(ctx, cfg, store, factory, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return bot, nil
}

func resume(ctx context.Context, cfg LoginConfig, store *statestore.Store, factory ClientFactory, logger *slog.Logger) (*Bot, error) {
	row, found, err := store.GetSession()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: reading session: %w", err)
	}
	if !found {
		return nil, ErrNoSession
	}

	var state messaging.SessionState
	if err := json.Unmarshal(row.Session, &state); err != nil {
		return nil, fmt.Errorf("bootstrap: decoding stored session: %w", err)
	}
	if state.Kind != messaging.SessionKindPassword {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSession, state.Kind)
	}

	client, err := factory(row.Homeserver)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: building messaging client: %w", err)
	}
	session, err := client.RestoreSession(state)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: restoring session: %w", err)
	}

	if key, found, err := store.GetRecoveryKey(); err != nil {
		return nil, fmt.Errorf("bootstrap: reading recovery key: %w", err)
	} else if found {
		if err := session.RecoverBackup(ctx, key); err != nil {
			return nil, fmt.Errorf("bootstrap: re-applying recovery key: %w", err)
		}
	}

	cursor, err := synccursor.NewManager(synccursor.Config{Store: store, Logger: logger})
	if err != nil {
		return nil, err
	}

	logger.Info("session resumed",
		"user_id", session.UserID(),
		"homeserver", row.Homeserver,
		"data_dir", cfg.DataDir,
	)
	return &Bot{Session: session, Store: store, Cursor: cursor}, nil
}

// Logout destroys a bot identity: it resumes the stored session,
// invalidates it server-side, and deletes the state database and the
// messaging layer's key-store files. The data directory itself is
// kept (it may hold operator files); a later Setup can reuse it.
func Logout(ctx context.Context, cfg LoginConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bot, err := Login(ctx, cfg)
	if err != nil {
		return err
	}

	if err := bot.Session.Logout(ctx); err != nil {
		bot.Close()
		return fmt.Errorf("bootstrap: server-side logout: %w", err)
	}
	if err := bot.Close(); err != nil {
		return fmt.Errorf("bootstrap: closing state database: %w", err)
	}

	// Local teardown: the state database (with its WAL siblings) and
	// every messaging-layer file.
	names := []string{
		statestore.FileName,
		statestore.FileName + "-journal",
		statestore.FileName + "-shm",
		statestore.FileName + "-wal",
	}
	names = append(names, messaging.StateFileNames()...)
	if err := removeFiles(cfg.DataDir, names); err != nil {
		return err
	}

	logger.Info("logged out and removed local state", "data_dir", cfg.DataDir)
	return nil
}
