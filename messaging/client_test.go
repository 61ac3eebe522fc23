// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Error("expected error for empty HomeserverURL")
	}
	client, err := NewClient(ClientConfig{HomeserverURL: "https://matrix.example.org/"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if got := client.HomeserverURL(); got != "https://matrix.example.org" {
		t.Errorf("HomeserverURL = %q, want trailing slash stripped", got)
	}
}

func TestLogin(t *testing.T) {
	var gotRequest LoginRequest
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_matrix/client/v3/login" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotRequest); err != nil {
			t.Errorf("decoding login request: %v", err)
		}
		json.NewEncoder(w).Encode(AuthResponse{
			UserID:      "@bot:example.org",
			AccessToken: "syt_token",
			DeviceID:    "DEVICE1",
		})
	}))

	session, err := client.Login(context.Background(), "bot", "hunter2", "matrixbot")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if gotRequest.Type != "m.login.password" {
		t.Errorf("login type = %q, want m.login.password", gotRequest.Type)
	}
	if gotRequest.InitialDeviceDisplayName != "matrixbot" {
		t.Errorf("device display name = %q", gotRequest.InitialDeviceDisplayName)
	}
	if session.UserID() != "@bot:example.org" {
		t.Errorf("UserID = %q", session.UserID())
	}
	if session.DeviceID() != "DEVICE1" {
		t.Errorf("DeviceID = %q", session.DeviceID())
	}

	state := session.State()
	if state.Kind != SessionKindPassword {
		t.Errorf("state kind = %q", state.Kind)
	}
	if state.AccessToken != "syt_token" {
		t.Errorf("state access token = %q", state.AccessToken)
	}
}

func TestLoginRejectsEmptyCredentials(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should reach the server")
	}))
	if _, err := client.Login(context.Background(), "", "hunter2", "bot"); err == nil {
		t.Error("expected error for empty username")
	}
	if _, err := client.Login(context.Background(), "bot", "", "bot"); err == nil {
		t.Error("expected error for empty password")
	}
}

func TestLoginForbidden(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{
			"errcode": "M_FORBIDDEN",
			"error":   "Invalid password",
		})
	}))

	_, err := client.Login(context.Background(), "bot", "wrong", "matrixbot")
	if err == nil {
		t.Fatal("expected login to fail")
	}
	if !IsMatrixError(err, ErrCodeForbidden) {
		t.Errorf("error = %v, want M_FORBIDDEN", err)
	}
	var matrixErr *MatrixError
	if !errors.As(err, &matrixErr) {
		t.Fatalf("error does not wrap *MatrixError: %v", err)
	}
	if matrixErr.StatusCode != http.StatusForbidden {
		t.Errorf("StatusCode = %d, want 403", matrixErr.StatusCode)
	}
}

func TestRestoreSession(t *testing.T) {
	client, err := NewClient(ClientConfig{HomeserverURL: "https://matrix.example.org"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	t.Run("valid", func(t *testing.T) {
		session, err := client.RestoreSession(SessionState{
			Kind:        SessionKindPassword,
			Homeserver:  "https://matrix.example.org",
			UserID:      "@bot:example.org",
			DeviceID:    "DEVICE1",
			AccessToken: "syt_token",
		})
		if err != nil {
			t.Fatalf("RestoreSession: %v", err)
		}
		if session.UserID() != "@bot:example.org" {
			t.Errorf("UserID = %q", session.UserID())
		}
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := client.RestoreSession(SessionState{
			Kind:        "m.login.sso",
			UserID:      "@bot:example.org",
			AccessToken: "syt_token",
		})
		if err == nil {
			t.Error("expected error for unsupported session kind")
		}
	})

	t.Run("missing credentials", func(t *testing.T) {
		_, err := client.RestoreSession(SessionState{Kind: SessionKindPassword})
		if err == nil {
			t.Error("expected error for missing credentials")
		}
	})
}

func TestSyncQueryParameters(t *testing.T) {
	var gotQuery map[string][]string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		json.NewEncoder(w).Encode(SyncResponse{NextBatch: "s2"})
	}))
	session := mustRestore(t, client)

	response, err := session.Sync(context.Background(), SyncOptions{
		Since:      "s1",
		Timeout:    30000,
		SetTimeout: true,
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if response.NextBatch != "s2" {
		t.Errorf("NextBatch = %q", response.NextBatch)
	}
	if got := gotQuery["since"]; len(got) != 1 || got[0] != "s1" {
		t.Errorf("since = %v", got)
	}
	if got := gotQuery["timeout"]; len(got) != 1 || got[0] != "30000" {
		t.Errorf("timeout = %v", got)
	}
}

func TestSyncInitialOmitsSince(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("since") {
			t.Error("initial sync must not send since")
		}
		if r.URL.Query().Has("timeout") {
			t.Error("timeout must be omitted when SetTimeout is false")
		}
		json.NewEncoder(w).Encode(SyncResponse{NextBatch: "s1"})
	}))
	session := mustRestore(t, client)
	if _, err := session.Sync(context.Background(), SyncOptions{}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}

func TestSendMessage(t *testing.T) {
	var paths []string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		paths = append(paths, r.URL.Path)
		json.NewEncoder(w).Encode(SendEventResponse{EventID: "$event1"})
	}))
	session := mustRestore(t, client)

	eventID, err := session.SendMessage(context.Background(), "!room:example.org",
		NewNoticeReply("$parent", "hello"))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if eventID != "$event1" {
		t.Errorf("event ID = %q", eventID)
	}
	if _, err := session.SendMessage(context.Background(), "!room:example.org",
		NewNoticeReply("$parent", "hello again")); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(paths) != 2 || paths[0] == paths[1] {
		t.Errorf("transaction IDs must differ between sends: %v", paths)
	}
	prefix := "/_matrix/client/v3/rooms/" // room ID is path-escaped
	if !strings.HasPrefix(paths[0], prefix) {
		t.Errorf("path = %q", paths[0])
	}
}

func TestLogout(t *testing.T) {
	var loggedOut bool
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/_matrix/client/v3/logout" && r.Method == http.MethodPost {
			loggedOut = true
		}
		if got := r.Header.Get("Authorization"); got != "Bearer syt_token" {
			t.Errorf("Authorization = %q", got)
		}
		w.Write([]byte("{}"))
	}))
	session := mustRestore(t, client)
	if err := session.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if !loggedOut {
		t.Error("logout endpoint was not called")
	}
}

func TestWhoAmI(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_matrix/client/v3/account/whoami" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(WhoAmIResponse{UserID: "@bot:example.org"})
	}))
	session := mustRestore(t, client)
	userID, err := session.WhoAmI(context.Background())
	if err != nil {
		t.Fatalf("WhoAmI: %v", err)
	}
	if userID != "@bot:example.org" {
		t.Errorf("userID = %q", userID)
	}
}

func TestNoticeReplyContent(t *testing.T) {
	content := NewNoticeReply("$parent", "pong")
	if content.MsgType != "m.notice" {
		t.Errorf("msgtype = %q, want m.notice", content.MsgType)
	}
	if content.RelatesTo == nil || content.RelatesTo.InReplyTo == nil {
		t.Fatal("reply relation missing")
	}
	if content.RelatesTo.InReplyTo.EventID != "$parent" {
		t.Errorf("in_reply_to = %q", content.RelatesTo.InReplyTo.EventID)
	}

	thread := NewThreadReply("$root", "$parent", "pong")
	if thread.RelatesTo.RelType != "m.thread" {
		t.Errorf("rel_type = %q", thread.RelatesTo.RelType)
	}
	if thread.RelatesTo.EventID != "$root" {
		t.Errorf("thread root = %q", thread.RelatesTo.EventID)
	}
}

func TestStateFileNames(t *testing.T) {
	names := StateFileNames()
	if len(names) != 12 {
		t.Fatalf("len = %d, want 12", len(names))
	}
	want := map[string]bool{
		"matrixbot-crypto.sqlite3":     true,
		"matrixbot-crypto.sqlite3-wal": true,
		"matrixbot-state.sqlite3":      true,
	}
	seen := map[string]bool{}
	for _, name := range names {
		seen[name] = true
	}
	for name := range want {
		if !seen[name] {
			t.Errorf("missing %q", name)
		}
	}
}

func mustRestore(t *testing.T, client *Client) *DirectSession {
	t.Helper()
	session, err := client.RestoreSession(SessionState{
		Kind:        SessionKindPassword,
		Homeserver:  client.HomeserverURL(),
		UserID:      "@bot:example.org",
		DeviceID:    "DEVICE1",
		AccessToken: "syt_token",
	})
	if err != nil {
		t.Fatalf("RestoreSession: %v", err)
	}
	return session
}
