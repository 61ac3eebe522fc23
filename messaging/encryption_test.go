// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"testing"

	"golang.org/x/crypto/curve25519"
)

func TestBackupExists(t *testing.T) {
	t.Run("exists", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(backupVersionResponse{
				Algorithm: backupAlgorithm,
				Version:   "3",
			})
		}))
		exists, err := mustRestore(t, client).BackupExists(context.Background())
		if err != nil {
			t.Fatalf("BackupExists: %v", err)
		}
		if !exists {
			t.Error("exists = false, want true")
		}
	})

	t.Run("not found", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{
				"errcode": "M_NOT_FOUND",
				"error":   "No backup found",
			})
		}))
		exists, err := mustRestore(t, client).BackupExists(context.Background())
		if err != nil {
			t.Fatalf("BackupExists: %v", err)
		}
		if exists {
			t.Error("exists = true, want false")
		}
	})

	t.Run("server error propagates", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{
				"errcode": "M_UNKNOWN",
				"error":   "Internal server error",
			})
		}))
		if _, err := mustRestore(t, client).BackupExists(context.Background()); err == nil {
			t.Error("expected server error to propagate")
		}
	})
}

func TestEnableAndRecoverBackup(t *testing.T) {
	// A fake homeserver that accepts one backup version and then serves
	// it back, mirroring the create-confirm-recover sequence.
	var stored *backupVersionResponse
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_matrix/client/v3/room_keys/version" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		switch r.Method {
		case http.MethodPost:
			var request struct {
				Algorithm string         `json:"algorithm"`
				AuthData  backupAuthData `json:"auth_data"`
			}
			if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
				t.Errorf("decoding version request: %v", err)
			}
			if request.Algorithm != backupAlgorithm {
				t.Errorf("algorithm = %q", request.Algorithm)
			}
			stored = &backupVersionResponse{
				Algorithm: request.Algorithm,
				AuthData:  request.AuthData,
				Version:   "1",
			}
			json.NewEncoder(w).Encode(map[string]string{"version": "1"})
		case http.MethodGet:
			if stored == nil {
				w.WriteHeader(http.StatusNotFound)
				json.NewEncoder(w).Encode(map[string]string{"errcode": "M_NOT_FOUND", "error": "No backup"})
				return
			}
			json.NewEncoder(w).Encode(stored)
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	}))
	session := mustRestore(t, client)

	recoveryKey, err := session.EnableBackup(context.Background())
	if err != nil {
		t.Fatalf("EnableBackup: %v", err)
	}

	// The returned recovery key must decode to the private key whose
	// public key the server now holds.
	privateKey, err := DecodeRecoveryKey(recoveryKey)
	if err != nil {
		t.Fatalf("DecodeRecoveryKey: %v", err)
	}
	publicKey, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		t.Fatal(err)
	}
	if got := base64.RawStdEncoding.EncodeToString(publicKey); got != stored.AuthData.PublicKey {
		t.Errorf("server public key %q does not match recovery key", stored.AuthData.PublicKey)
	}

	// A later session recovers with the same key.
	if err := session.RecoverBackup(context.Background(), recoveryKey); err != nil {
		t.Errorf("RecoverBackup: %v", err)
	}

	// A different key is rejected against the same backup.
	wrongKey := make([]byte, 32)
	if _, err := rand.Read(wrongKey); err != nil {
		t.Fatal(err)
	}
	if err := session.RecoverBackup(context.Background(), EncodeRecoveryKey(wrongKey)); err == nil {
		t.Error("expected mismatched recovery key to be rejected")
	}
}

func TestRecoverBackupRejectsMalformedKey(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("malformed key must be rejected before any server call")
	}))
	err := mustRestore(t, client).RecoverBackup(context.Background(), "not a recovery key")
	if err == nil {
		t.Error("expected error for malformed recovery key")
	}
}

func TestPrepareIdentityReset(t *testing.T) {
	const uploadPath = "/_matrix/client/v3/keys/device_signing/upload"

	t.Run("no reauthentication required", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decoding upload: %v", err)
			}
			for _, field := range []string{"master_key", "self_signing_key", "user_signing_key"} {
				if _, ok := body[field]; !ok {
					t.Errorf("upload missing %s", field)
				}
			}
			w.Write([]byte("{}"))
		}))
		reset, err := mustRestore(t, client).PrepareIdentityReset(context.Background())
		if err != nil {
			t.Fatalf("PrepareIdentityReset: %v", err)
		}
		if reset != nil {
			t.Error("expected nil reset when server required no auth")
		}
	})

	t.Run("password flow", func(t *testing.T) {
		var sawAuth map[string]any
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			auth, ok := body["auth"].(map[string]any)
			if !ok {
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]any{
					"errcode": "M_FORBIDDEN",
					"error":   "auth required",
					"session": "uiaa1",
					"flows":   []map[string]any{{"stages": []string{"m.login.password"}}},
				})
				return
			}
			sawAuth = auth
			w.Write([]byte("{}"))
		}))
		session := mustRestore(t, client)

		reset, err := session.PrepareIdentityReset(context.Background())
		if err != nil {
			t.Fatalf("PrepareIdentityReset: %v", err)
		}
		if reset == nil {
			t.Fatal("expected a pending reset")
		}
		if reset.AuthKind() != ResetAuthPassword {
			t.Fatalf("AuthKind = %v, want ResetAuthPassword", reset.AuthKind())
		}
		if err := reset.ResetWithPassword(context.Background(), "hunter2"); err != nil {
			t.Fatalf("ResetWithPassword: %v", err)
		}
		if sawAuth["type"] != "m.login.password" || sawAuth["password"] != "hunter2" {
			t.Errorf("auth block = %v", sawAuth)
		}
		if sawAuth["session"] != "uiaa1" {
			t.Errorf("auth session = %v, want uiaa1", sawAuth["session"])
		}
	})

	t.Run("approval URL flow", func(t *testing.T) {
		var attempts int
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts++
			if attempts == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]any{
					"errcode": "M_FORBIDDEN",
					"error":   "approval required",
					"session": "uiaa2",
					"flows":   []map[string]any{{"stages": []string{"org.matrix.cross_signing_reset"}}},
					"params": map[string]any{
						"org.matrix.cross_signing_reset": map[string]any{
							"url": "https://account.example.org/approve?token=abc",
						},
					},
				})
				return
			}
			w.Write([]byte("{}"))
		}))
		session := mustRestore(t, client)

		reset, err := session.PrepareIdentityReset(context.Background())
		if err != nil {
			t.Fatalf("PrepareIdentityReset: %v", err)
		}
		if reset.AuthKind() != ResetAuthApprovalURL {
			t.Fatalf("AuthKind = %v, want ResetAuthApprovalURL", reset.AuthKind())
		}
		if reset.ApprovalURL() != "https://account.example.org/approve?token=abc" {
			t.Errorf("ApprovalURL = %q", reset.ApprovalURL())
		}
		if err := reset.ResetApproved(context.Background()); err != nil {
			t.Fatalf("ResetApproved: %v", err)
		}
		if attempts != 2 {
			t.Errorf("attempts = %d, want 2", attempts)
		}
	})

	t.Run("no supported flow", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{
				"errcode": "M_FORBIDDEN",
				"error":   "auth required",
				"session": "uiaa3",
				"flows":   []map[string]any{{"stages": []string{"m.login.sso"}}},
			})
		}))
		if _, err := mustRestore(t, client).PrepareIdentityReset(context.Background()); err == nil {
			t.Error("expected error for unsupported UIAA flows")
		}
	})

	t.Run("hard failure", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]string{
				"errcode": "M_FORBIDDEN",
				"error":   "not allowed",
			})
		}))
		if _, err := mustRestore(t, client).PrepareIdentityReset(context.Background()); err == nil {
			t.Error("expected 403 to fail the reset")
		}
	})
}
