// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bootstrap

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/matrixbot/lib/statestore"
	"github.com/bureau-foundation/matrixbot/messaging"
)

// SetupConfig holds the inputs for a full bootstrap.
type SetupConfig struct {
	// DataDir is the bot's data directory, created if missing.
	DataDir string
	// Homeserver is the homeserver base URL.
	Homeserver string
	// Username and Password are the bot account's credentials. The
	// password is used for login and, when the homeserver asks for a
	// password UIAA stage, for the identity reset; it is never stored.
	Username string
	Password string
	// DeviceName is the human-readable device label for the new
	// session, shown in the account's device list.
	DeviceName string
	// Interactor handles the operator touchpoints. Required.
	Interactor Interactor
	// ClientFactory builds the messaging client. If nil, the
	// production factory is used.
	ClientFactory ClientFactory
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Setup bootstraps a fresh bot identity in a data directory: it resets
// the state database, logs in, and establishes key backup capability,
// either by recovering the account's existing server-side backup or by
// resetting the cross-signing identity and creating a new one.
//
// Setup is destructive to local state: any previous session in the
// data directory is wiped (the unconditional schema reset and
// key-store purge guarantee the new passphrase never meets old
// key-store files). It does not touch other sessions server-side
// except through the identity reset the operator explicitly confirms.
//
// Any failure after the login succeeds rolls the login back with a
// server-side logout, so an aborted Setup never leaves an orphaned
// session the operator has no token for. Rows already written to the
// state database are left behind; the next Setup resets them.
//
// Setup does not guard against a concurrent second bootstrap of the
// same account from another machine: two interleaved identity resets
// leave the account with whichever cross-signing identity uploaded
// last, and the loser's recovery key is useless.
func Setup(ctx context.Context, cfg SetupConfig) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("bootstrap: DataDir is required")
	}
	if cfg.Homeserver == "" {
		return fmt.Errorf("bootstrap: Homeserver is required")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return fmt.Errorf("bootstrap: Username and Password are required")
	}
	if cfg.Interactor == nil {
		return fmt.Errorf("bootstrap: Interactor is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	factory := cfg.ClientFactory
	if factory == nil {
		factory = NewClientFactory(logger)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("bootstrap: creating data directory: %w", err)
	}

	store, err := statestore.Open(statestore.Config{
		Path:   filepath.Join(cfg.DataDir, statestore.FileName),
		Create: true,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("bootstrap: opening state database: %w", err)
	}
	defer store.Close()

	if err := store.Reset(); err != nil {
		return fmt.Errorf("bootstrap: resetting state database: %w", err)
	}

	passphrase, err := generatePassphrase()
	if err != nil {
		return err
	}

	// Purge the messaging layer's key-store files from any previous
	// generation. They were encrypted under the old passphrase; a
	// fresh session must never open them.
	if err := removeFiles(cfg.DataDir, messaging.StateFileNames()); err != nil {
		return err
	}

	client, err := factory(cfg.Homeserver)
	if err != nil {
		return fmt.Errorf("bootstrap: building messaging client: %w", err)
	}

	session, err := client.Login(ctx, cfg.Username, cfg.Password, cfg.DeviceName)
	if err != nil {
		return fmt.Errorf("bootstrap: login: %w", err)
	}
	logger.Info("logged in for setup", "user_id", session.UserID(), "data_dir", cfg.DataDir)

	// From here on, every failure logs the fresh session out so the
	// server is not left holding a session nobody has a token for.
	if err := finishSetup(ctx, cfg, store, client, session, passphrase, logger); err != nil {
		if logoutErr := session.Logout(ctx); logoutErr != nil {
			logger.Error("rolling back server-side login failed", "error", logoutErr)
		}
		return err
	}

	logger.Info("setup complete", "user_id", session.UserID(), "data_dir", cfg.DataDir)
	return nil
}

// finishSetup runs the post-login part of the state machine. Errors
// returned from here trigger a server-side logout in Setup.
func finishSetup(ctx context.Context, cfg SetupConfig, store *statestore.Store, client SessionClient, session messaging.BotSession, passphrase string, logger *slog.Logger) error {
	state := session.State()
	if state.AccessToken == "" {
		return ErrSessionMissing
	}
	if state.Kind != messaging.SessionKindPassword {
		return fmt.Errorf("%w: %q", ErrUnsupportedSession, state.Kind)
	}

	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("bootstrap: encoding session state: %w", err)
	}
	if err := store.PutSession(client.HomeserverURL(), passphrase, blob); err != nil {
		return fmt.Errorf("bootstrap: persisting session: %w", err)
	}

	exists, err := session.BackupExists(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: checking for server-side backup: %w", err)
	}

	var recoveryKey string
	if exists {
		recoveryKey, err = recoverExistingBackup(ctx, cfg.Interactor, session)
	} else {
		recoveryKey, err = createFreshBackup(ctx, cfg, session, logger)
	}
	if err != nil {
		return err
	}

	if err := store.PutRecoveryKey(recoveryKey); err != nil {
		return fmt.Errorf("bootstrap: persisting recovery key: %w", err)
	}
	return nil
}

// recoverExistingBackup handles the backup-exists branch: the operator
// supplies the recovery key for the account's existing backup.
func recoverExistingBackup(ctx context.Context, interactor Interactor, session messaging.BotSession) (string, error) {
	key, err := interactor.AskRecoveryKey(ctx)
	if err != nil {
		return "", fmt.Errorf("bootstrap: asking for recovery key: %w", err)
	}
	if err := session.RecoverBackup(ctx, key); err != nil {
		return "", fmt.Errorf("bootstrap: recovering backup: %w", err)
	}
	return key, nil
}

// createFreshBackup handles the no-backup branch: confirm with the
// operator, reset the cross-signing identity (completing whichever
// challenge the homeserver poses), create a backup, and announce the
// new recovery key.
func createFreshBackup(ctx context.Context, cfg SetupConfig, session messaging.BotSession, logger *slog.Logger) (string, error) {
	confirmed, err := cfg.Interactor.ConfirmIdentityReset(ctx)
	if err != nil {
		return "", fmt.Errorf("bootstrap: confirming identity reset: %w", err)
	}
	if !confirmed {
		return "", ErrSetupAborted
	}

	reset, err := session.PrepareIdentityReset(ctx)
	if err != nil {
		return "", fmt.Errorf("bootstrap: preparing identity reset: %w", err)
	}
	if reset != nil {
		switch reset.AuthKind() {
		case messaging.ResetAuthPassword:
			if err := reset.ResetWithPassword(ctx, cfg.Password); err != nil {
				return "", fmt.Errorf("bootstrap: identity reset with password: %w", err)
			}
		case messaging.ResetAuthApprovalURL:
			if err := cfg.Interactor.ApproveIdentityReset(ctx, reset.ApprovalURL()); err != nil {
				return "", fmt.Errorf("bootstrap: identity reset approval: %w", err)
			}
			if err := reset.ResetApproved(ctx); err != nil {
				return "", fmt.Errorf("bootstrap: identity reset after approval: %w", err)
			}
		default:
			return "", fmt.Errorf("bootstrap: unknown identity reset auth kind %v", reset.AuthKind())
		}
	}
	logger.Info("cross-signing identity reset", "user_id", session.UserID())

	key, err := session.EnableBackup(ctx)
	if err != nil {
		return "", fmt.Errorf("bootstrap: enabling backup: %w", err)
	}
	if err := cfg.Interactor.AnnounceRecoveryKey(ctx, key, true); err != nil {
		return "", fmt.Errorf("bootstrap: announcing recovery key: %w", err)
	}
	return key, nil
}

// passphraseAlphabet is the character set for storage passphrases:
// alphanumeric only, so the passphrase survives any quoting or config
// format it might pass through.
const passphraseAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

const passphraseLength = 32

// generatePassphrase produces the high-entropy local storage
// passphrase that keys the messaging layer's key-store files. It is
// never transmitted.
func generatePassphrase() (string, error) {
	out := make([]byte, 0, passphraseLength)
	buf := make([]byte, 64)
	for len(out) < passphraseLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("bootstrap: generating storage passphrase: %w", err)
		}
		for _, b := range buf {
			// Rejection sampling keeps the character distribution
			// uniform: 248 is the largest multiple of len(alphabet)
			// that fits in a byte.
			if b >= 248 {
				continue
			}
			out = append(out, passphraseAlphabet[int(b)%len(passphraseAlphabet)])
			if len(out) == passphraseLength {
				break
			}
		}
	}
	return string(out), nil
}

// removeFiles deletes the named files from dir, ignoring ones that do
// not exist.
func removeFiles(dir string, names []string) error {
	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("bootstrap: removing stale file %s: %w", path, err)
		}
	}
	return nil
}
