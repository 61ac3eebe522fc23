// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is the Matrix client-server API client that backs
// a bot's bootstrap and event loop.
//
// [Client] is an unauthenticated client holding the homeserver URL and
// HTTP transport. [Client.Login] performs password login and returns an
// authenticated [DirectSession]; [Client.RestoreSession] rebuilds one
// from a [SessionState] previously serialized with
// [DirectSession.State]. Bots do not support multi-factor or single
// sign-on login — they run unattended.
//
// Beyond ordinary room operations (join, send, /sync long-polling),
// DirectSession exposes the encryption-bootstrap boundary that
// package bootstrap drives: server-side key backup existence checks,
// backup creation and recovery ([DirectSession.BackupExists],
// [DirectSession.EnableBackup], [DirectSession.RecoverBackup]), and
// cross-signing identity reset with its two reauthentication flows
// ([DirectSession.PrepareIdentityReset]). Recovery keys use the Matrix
// base58 encoding implemented in this package ([EncodeRecoveryKey],
// [DecodeRecoveryKey]).
//
// All API errors are returned as [*MatrixError] with the standard
// Matrix error code (M_FORBIDDEN, M_NOT_FOUND, ...) and HTTP status
// code; [IsMatrixError] tests for a specific code. Request URLs are
// built by string concatenation rather than url.URL to avoid
// double-encoding of path segments.
//
// When no HTTP client is injected, [NewClient] honors an HTTPS_PROXY
// environment variable (matched case-insensitively) for the transport.
package messaging
