// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"
)

// SessionKindPassword is the only session kind this package produces.
// The kind is serialized so that a future login method (or a corrupted
// blob) is rejected explicitly on restore instead of yielding a
// half-working session.
const SessionKindPassword = "m.login.password"

// SessionState is the serializable form of a DirectSession. The
// bootstrap layer stores its JSON encoding as an opaque blob and hands
// it back to Client.RestoreSession on resume.
type SessionState struct {
	Kind        string `json:"kind"`
	Homeserver  string `json:"homeserver"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
	AccessToken string `json:"access_token"`
}

// DirectSession is an authenticated Matrix session: a Client plus an
// access token. Sessions are lightweight; all heavy state (transport,
// logger) lives on the shared Client.
type DirectSession struct {
	client      *Client
	accessToken string
	userID      string
	deviceID    string

	// transactionCounter generates unique transaction IDs for idempotent sends.
	transactionCounter atomic.Int64
}

// BotSession is the capability an encryption-capable bot session
// provides to the bootstrap and sync layers. *DirectSession implements
// it against a real homeserver; tests implement it with scripted fakes.
type BotSession interface {
	// UserID returns the fully-qualified Matrix user ID.
	UserID() string

	// State returns the serializable session state.
	State() SessionState

	// WhoAmI validates the access token and returns the user ID.
	WhoAmI(ctx context.Context) (string, error)

	// Logout invalidates this session's access token server-side.
	Logout(ctx context.Context) error

	// Sync performs one incremental sync with the homeserver.
	Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error)

	// JoinRoom joins a room by room ID and returns the room ID.
	JoinRoom(ctx context.Context, roomID string) (string, error)

	// SendMessage sends an m.room.message event, returning the event ID.
	SendMessage(ctx context.Context, roomID string, content MessageContent) (string, error)

	// BackupExists reports whether a server-side key backup exists.
	BackupExists(ctx context.Context) (bool, error)

	// RecoverBackup connects to the existing server-side backup using
	// the human-held recovery key.
	RecoverBackup(ctx context.Context, recoveryKey string) error

	// EnableBackup creates a fresh server-side key backup, waits for
	// the initial upload, and returns the new recovery key.
	EnableBackup(ctx context.Context) (string, error)

	// PrepareIdentityReset begins a cross-signing identity reset.
	// A nil reset means the server required no reauthentication and
	// the reset already completed.
	PrepareIdentityReset(ctx context.Context) (IdentityReset, error)
}

// Compile-time check: *DirectSession implements BotSession.
var _ BotSession = (*DirectSession)(nil)

// UserID returns the fully-qualified Matrix user ID (e.g., "@bot:example.org").
func (s *DirectSession) UserID() string {
	return s.userID
}

// DeviceID returns the device ID for this session.
func (s *DirectSession) DeviceID() string {
	return s.deviceID
}

// State returns the serializable session state. The access token is
// part of it — the caller is responsible for storing the state
// somewhere appropriate (the bootstrap layer puts it in the
// exclusively-locked state database).
func (s *DirectSession) State() SessionState {
	return SessionState{
		Kind:        SessionKindPassword,
		Homeserver:  s.client.baseURL,
		UserID:      s.userID,
		DeviceID:    s.deviceID,
		AccessToken: s.accessToken,
	}
}

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport's connection pool. Call this after a sync error to force
// the next request to establish a fresh TCP connection.
func (s *DirectSession) CloseIdleConnections() {
	s.client.CloseIdleConnections()
}

// WhoAmI validates the access token and returns the user ID. Useful
// for checking whether a stored token is still valid.
func (s *DirectSession) WhoAmI(ctx context.Context) (string, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", s.accessToken, nil)
	if err != nil {
		return "", fmt.Errorf("messaging: whoami failed: %w", err)
	}

	var response WhoAmIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("messaging: failed to parse whoami response: %w", err)
	}
	return response.UserID, nil
}

// Logout invalidates this session's access token on the server. The
// bootstrap layer calls this when setup fails after login, so a
// half-configured session is not left authenticated with no local
// record of it.
func (s *DirectSession) Logout(ctx context.Context) error {
	_, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/logout", s.accessToken, struct{}{})
	if err != nil {
		return fmt.Errorf("messaging: logout failed: %w", err)
	}
	s.client.logger.Info("logged out of matrix", "user_id", s.userID)
	return nil
}

// Sync performs an incremental sync with the homeserver. For initial
// sync, leave options.Since empty. For long-polling, set
// options.Timeout to the desired wait in milliseconds.
func (s *DirectSession) Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	if options.Since != "" {
		query.Set("since", options.Since)
	}
	if options.SetTimeout {
		query.Set("timeout", strconv.Itoa(options.Timeout))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}

	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/sync", s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: sync failed: %w", err)
	}

	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse sync response: %w", err)
	}
	return &response, nil
}

// JoinRoom joins a room by ID. Returns the room ID.
func (s *DirectSession) JoinRoom(ctx context.Context, roomID string) (string, error) {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomID)
	body, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, struct{}{})
	if err != nil {
		return "", fmt.Errorf("messaging: join room %s failed: %w", roomID, err)
	}

	var response struct {
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("messaging: failed to parse join response: %w", err)
	}
	return response.RoomID, nil
}

// LeaveRoom leaves a room by ID.
func (s *DirectSession) LeaveRoom(ctx context.Context, roomID string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/leave", url.PathEscape(roomID))
	_, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, struct{}{})
	if err != nil {
		return fmt.Errorf("messaging: leave room %q failed: %w", roomID, err)
	}
	return nil
}

// SendMessage sends a message to a room using Matrix's idempotent PUT
// with a transaction ID. Returns the event ID of the sent message.
func (s *DirectSession) SendMessage(ctx context.Context, roomID string, content MessageContent) (string, error) {
	transactionID := s.nextTransactionID()
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/m.room.message/%s",
		url.PathEscape(roomID),
		url.PathEscape(transactionID),
	)

	body, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, content)
	if err != nil {
		return "", fmt.Errorf("messaging: send message to %q failed: %w", roomID, err)
	}

	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("messaging: failed to parse send response: %w", err)
	}
	return response.EventID, nil
}

// nextTransactionID generates a unique transaction ID for idempotent
// event sending. Format: "matrixbot-<timestamp_ms>-<counter>" to ensure
// uniqueness across restarts.
func (s *DirectSession) nextTransactionID() string {
	counter := s.transactionCounter.Add(1)
	return fmt.Sprintf("matrixbot-%d-%d", time.Now().UnixMilli(), counter)
}

// StateFileNames lists the files the messaging layer's encryption
// machinery owns inside a bot's data directory: the encrypted key
// store, the room state store, and the event cache, each with its
// SQLite journal siblings. The bootstrap layer deletes these wholesale
// before a fresh setup (a new storage passphrase makes the old key
// store undecryptable) and on logout. Nothing outside the messaging
// layer ever parses them.
func StateFileNames() []string {
	var names []string
	for _, base := range []string{
		"matrixbot-crypto.sqlite3",
		"matrixbot-state.sqlite3",
		"matrixbot-event-cache.sqlite3",
	} {
		for _, suffix := range []string{"", "-journal", "-shm", "-wal"} {
			names = append(names, base+suffix)
		}
	}
	return names
}
