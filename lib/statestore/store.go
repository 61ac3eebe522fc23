// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statestore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// FileName is the name of the state database inside a bot's data
// directory. Sibling files (crypto store, event cache) belong to the
// messaging layer and are never opened by this package.
const FileName = "matrixbot.sqlite3"

// minEngineVersion is the oldest SQLite release that provides the
// jsonb() document-encoding function used when writing the session
// blob.
const minEngineVersion = "3.45.0"

// ErrEngineTooOld is returned by Open when the linked SQLite engine
// predates the jsonb() function.
var ErrEngineTooOld = errors.New("statestore: SQLite engine is too old (need " + minEngineVersion + " or newer)")

// SessionRow is the persisted session record written once by a
// successful setup run.
type SessionRow struct {
	// Homeserver is the resolved homeserver base URL.
	Homeserver string
	// Passphrase is the locally generated passphrase that encrypts the
	// messaging layer's own key storage. It never leaves this machine.
	Passphrase string
	// Session is the serialized session blob, opaque to this package.
	Session []byte
}

// Store is a single-connection handle on the state database. The
// connection is held (and the database exclusively locked) for the
// Store's whole lifetime. Methods are safe for concurrent use within
// one process; all access serializes on an internal mutex.
type Store struct {
	mu     sync.Mutex
	conn   *sqlite.Conn
	logger *slog.Logger
	path   string
}

// Config holds the parameters for opening a state database.
type Config struct {
	// Path is the filesystem path of the database file.
	Path string

	// Create allows creating the file when it does not exist. Setup
	// passes true; resume paths pass false so that a never-set-up data
	// directory fails fast.
	Create bool

	// Logger receives operational messages. If nil, slog.Default() is
	// used.
	Logger *slog.Logger
}

// Open opens the state database and acquires its exclusive lock. The
// caller must call Close when done. Fails with ErrEngineTooOld when
// the SQLite engine predates jsonb(), and with a busy error when
// another process already holds the lock.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("statestore: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	flags := sqlite.OpenReadWrite | sqlite.OpenWAL | sqlite.OpenURI | sqlite.OpenNoMutex
	if cfg.Create {
		flags |= sqlite.OpenCreate
	} else if _, err := os.Stat(cfg.Path); err != nil {
		// Surface a plain fs error for the missing-file case; the
		// sqlite CANTOPEN code is opaque to callers that want to
		// distinguish "never set up" from "broken".
		return nil, fmt.Errorf("statestore: opening %s: %w", cfg.Path, err)
	}

	conn, err := sqlite.OpenConn(cfg.Path, flags)
	if err != nil {
		return nil, fmt.Errorf("statestore: opening %s: %w", cfg.Path, err)
	}

	store := &Store{conn: conn, logger: logger, path: cfg.Path}
	if err := store.prepare(); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("state database opened", "path", cfg.Path)
	return store, nil
}

// prepare applies the standard pragmas, verifies the engine version,
// and takes the exclusive lock. Runs once, on the freshly opened
// connection.
func (s *Store) prepare() error {
	// locking_mode=EXCLUSIVE only takes effect on the next
	// transaction, hence the immediate write transaction below.
	// journal_size_limit=0 and wal_autocheckpoint=1 keep the WAL tiny:
	// a bot's write rate is one small row per sync batch.
	// synchronous=FULL makes every commit durable before the Put
	// methods return.
	pragmas := []string{
		"PRAGMA locking_mode=EXCLUSIVE",
		"PRAGMA journal_mode=WAL",
		"PRAGMA journal_size_limit=0",
		"PRAGMA wal_autocheckpoint=1",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(s.conn, pragma, nil); err != nil {
			return fmt.Errorf("statestore: %s: %w", pragma, err)
		}
	}

	var version string
	err := sqlitex.ExecuteTransient(s.conn, "SELECT sqlite_version()", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("statestore: reading engine version: %w", err)
	}
	if err := checkEngineVersion(version); err != nil {
		return err
	}
	s.logger.Debug("sqlite engine version", "version", version)

	// Converts the exclusive locking mode into a held lock. A second
	// process opening the same file fails here with SQLITE_BUSY once
	// its busy timeout expires.
	if err := sqlitex.ExecuteTransient(s.conn, "BEGIN IMMEDIATE", nil); err != nil {
		return fmt.Errorf("statestore: locking %s: %w", s.path, err)
	}
	if err := sqlitex.ExecuteTransient(s.conn, "COMMIT", nil); err != nil {
		return fmt.Errorf("statestore: locking %s: %w", s.path, err)
	}

	if err := sqlitex.ExecuteTransient(s.conn, "PRAGMA optimize=0x10002", nil); err != nil {
		return fmt.Errorf("statestore: PRAGMA optimize: %w", err)
	}
	return nil
}

// checkEngineVersion gates on the minimum SQLite release. Split out of
// Open so the comparison is testable against arbitrary version strings.
func checkEngineVersion(version string) error {
	if compareVersions(version, minEngineVersion) < 0 {
		return fmt.Errorf("%w: have %s", ErrEngineTooOld, version)
	}
	return nil
}

// compareVersions compares two dotted-integer version strings,
// returning -1, 0, or 1. Non-numeric segments compare as zero.
func compareVersions(a, b string) int {
	segmentsA := strings.Split(a, ".")
	segmentsB := strings.Split(b, ".")
	for i := 0; i < len(segmentsA) || i < len(segmentsB); i++ {
		var numberA, numberB int
		if i < len(segmentsA) {
			numberA, _ = strconv.Atoi(segmentsA[i])
		}
		if i < len(segmentsB) {
			numberB, _ = strconv.Atoi(segmentsB[i])
		}
		if numberA != numberB {
			if numberA < numberB {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Close releases the connection and, with it, the exclusive lock. A
// best-effort PRAGMA optimize runs first; its failure is logged and
// otherwise ignored.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	if err := sqlitex.ExecuteTransient(s.conn, "PRAGMA optimize", nil); err != nil {
		s.logger.Warn("state database optimize failed", "path", s.path, "error", err)
	}
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return fmt.Errorf("statestore: closing %s: %w", s.path, err)
	}
	s.logger.Info("state database closed", "path", s.path)
	return nil
}

// Reset drops and recreates all tables in one transaction. Only setup
// calls this; it guarantees no partial schema can straddle two
// generations of a session. Existing rows from a previous (possibly
// failed) setup are discarded.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// ExecuteScript wraps the script in a savepoint, so a crash
	// mid-reset rolls back to the previous generation in full.
	err := sqlitex.ExecuteScript(s.conn, `
		DROP TABLE IF EXISTS session;
		DROP TABLE IF EXISTS recovery_secret;
		DROP TABLE IF EXISTS sync_token;
		CREATE TABLE session (
			id INTEGER PRIMARY KEY CHECK (id = 0),
			homeserver TEXT NOT NULL,
			passphrase TEXT NOT NULL,
			session BLOB NOT NULL
		);
		CREATE TABLE recovery_secret (
			id INTEGER PRIMARY KEY CHECK (id = 0),
			key TEXT NOT NULL
		);
		CREATE TABLE sync_token (
			id INTEGER PRIMARY KEY CHECK (id = 0),
			token TEXT NOT NULL
		);
	`, nil)
	if err != nil {
		return fmt.Errorf("statestore: resetting schema: %w", err)
	}
	return nil
}

// PutSession writes the singleton session row. The session blob passes
// through jsonb() so SQLite stores its compact binary JSON encoding.
func (s *Store) PutSession(homeserver, passphrase string, session []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := sqlitex.Execute(s.conn,
		"INSERT INTO session (id, homeserver, passphrase, session) VALUES (0, ?, ?, jsonb(?))",
		&sqlitex.ExecOptions{Args: []any{homeserver, passphrase, string(session)}},
	)
	if err != nil {
		return fmt.Errorf("statestore: writing session: %w", err)
	}
	return nil
}

// GetSession reads the singleton session row. The second return value
// is false when no session has been saved.
func (s *Store) GetSession() (SessionRow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var row SessionRow
	var found bool
	err := sqlitex.Execute(s.conn,
		"SELECT homeserver, passphrase, json(session) FROM session WHERE id = 0",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				row.Homeserver = stmt.ColumnText(0)
				row.Passphrase = stmt.ColumnText(1)
				row.Session = []byte(stmt.ColumnText(2))
				found = true
				return nil
			},
		},
	)
	if err != nil {
		return SessionRow{}, false, fmt.Errorf("statestore: reading session: %w", err)
	}
	return row, found, nil
}

// PutRecoveryKey writes the singleton recovery key row, replacing any
// previous value.
func (s *Store) PutRecoveryKey(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := sqlitex.Execute(s.conn,
		"INSERT OR REPLACE INTO recovery_secret (id, key) VALUES (0, ?)",
		&sqlitex.ExecOptions{Args: []any{key}},
	)
	if err != nil {
		return fmt.Errorf("statestore: writing recovery key: %w", err)
	}
	return nil
}

// GetRecoveryKey reads the cached backup recovery key, if one was
// persisted by setup.
func (s *Store) GetRecoveryKey() (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getSingletonText("SELECT key FROM recovery_secret WHERE id = 0", "recovery key")
}

// PutSyncToken upserts the /sync resumption token. The write has
// committed (synchronous=FULL) by the time this returns — callers rely
// on that ordering for crash consistency.
func (s *Store) PutSyncToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := sqlitex.Execute(s.conn,
		"INSERT OR REPLACE INTO sync_token (id, token) VALUES (0, ?)",
		&sqlitex.ExecOptions{Args: []any{token}},
	)
	if err != nil {
		return fmt.Errorf("statestore: writing sync token: %w", err)
	}
	return nil
}

// GetSyncToken reads the persisted /sync resumption token.
func (s *Store) GetSyncToken() (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getSingletonText("SELECT token FROM sync_token WHERE id = 0", "sync token")
}

// getSingletonText runs a single-column singleton query. Callers hold
// s.mu.
func (s *Store) getSingletonText(query, what string) (string, bool, error) {
	var value string
	var found bool
	err := sqlitex.Execute(s.conn, query, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = stmt.ColumnText(0)
			found = true
			return nil
		},
	})
	if err != nil {
		return "", false, fmt.Errorf("statestore: reading %s: %w", what, err)
	}
	return value, found, nil
}
