// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package statestore persists a Matrix bot's session state between
// process restarts: the saved session credentials, the backup recovery
// key, and the /sync resumption token.
//
// Everything lives in a single SQLite file (matrixbot.sqlite3) inside
// the bot's data directory. The file is opened with
// locking_mode=EXCLUSIVE and the lock is acquired eagerly, so at most
// one process can hold a live session against a given data directory.
// A second [Open] against a locked directory fails rather than
// silently sharing the session.
//
// All three records are singletons (a fixed id = 0 primary key
// constraint enforces at most one row per table). Writes commit
// synchronously before returning — [Store.PutSyncToken] in particular
// must be durable before its caller exposes the corresponding sync
// batch, which is the crash-consistency contract lib/synccursor is
// built on.
//
// The session blob is stored through SQLite's jsonb() encoding
// function, which requires SQLite 3.45.0 or newer. [Open] verifies the
// engine version and fails with [ErrEngineTooOld] otherwise.
//
// Built on zombiezen.com/go/sqlite. No project-internal dependencies.
package statestore
