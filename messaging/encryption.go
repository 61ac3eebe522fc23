// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/crypto/curve25519"
)

// backupAlgorithm is the only key backup algorithm this client speaks.
const backupAlgorithm = "m.megolm_backup.v1.curve25519-aes-sha2"

// crossSigningResetParam is the UIAA params key under which a
// homeserver fronted by a delegated identity provider publishes the
// out-of-band approval URL for a cross-signing reset.
const crossSigningResetParam = "org.matrix.cross_signing_reset"

// BackupExists queries the server for a pre-existing encrypted key
// backup. A M_NOT_FOUND response means no backup has ever been created
// (or the last one was deleted); any other error is propagated.
func (s *DirectSession) BackupExists(ctx context.Context) (bool, error) {
	_, err := s.fetchBackupVersion(ctx)
	if err != nil {
		if IsMatrixError(err, ErrCodeNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RecoverBackup connects this session to the existing server-side key
// backup using the human-held recovery key. The key is validated
// locally (format and parity) and against the server: its derived
// curve25519 public key must match the backup's auth_data. Decryption
// of individual backed-up keys happens lazily, after sync, when an
// undecryptable message triggers a backup fetch.
func (s *DirectSession) RecoverBackup(ctx context.Context, recoveryKey string) error {
	privateKey, err := DecodeRecoveryKey(recoveryKey)
	if err != nil {
		return fmt.Errorf("messaging: invalid recovery key: %w", err)
	}

	version, err := s.fetchBackupVersion(ctx)
	if err != nil {
		return fmt.Errorf("messaging: fetching backup version: %w", err)
	}
	if version.Algorithm != backupAlgorithm {
		return fmt.Errorf("messaging: unsupported backup algorithm %q", version.Algorithm)
	}

	publicKey, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("messaging: deriving backup public key: %w", err)
	}
	encoded := base64.RawStdEncoding.EncodeToString(publicKey)
	if encoded != version.AuthData.PublicKey {
		return fmt.Errorf("messaging: recovery key does not match the server backup")
	}

	s.client.logger.Info("recovered from server-side key backup",
		"backup_version", version.Version,
		"key_count", version.Count,
	)
	return nil
}

// EnableBackup creates a fresh server-side key backup: it generates a
// new backup keypair, registers a backup version carrying the public
// key, waits for the initial upload round-trip to complete, and
// returns the encoded recovery key. The private key never leaves this
// function except inside the returned recovery key — the human
// operator is its only long-term holder.
func (s *DirectSession) EnableBackup(ctx context.Context) (string, error) {
	privateKey := make([]byte, 32)
	if _, err := rand.Read(privateKey); err != nil {
		return "", fmt.Errorf("messaging: generating backup key: %w", err)
	}
	publicKey, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("messaging: deriving backup public key: %w", err)
	}

	request := map[string]any{
		"algorithm": backupAlgorithm,
		"auth_data": backupAuthData{
			PublicKey: base64.RawStdEncoding.EncodeToString(publicKey),
		},
	}
	body, err := s.client.doRequest(ctx, http.MethodPost,
		"/_matrix/client/v3/room_keys/version", s.accessToken, request)
	if err != nil {
		return "", fmt.Errorf("messaging: creating backup version: %w", err)
	}
	var created struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return "", fmt.Errorf("messaging: failed to parse backup version response: %w", err)
	}

	// Initial upload round-trip: read the version back so we know the
	// server has committed it before announcing the recovery key. A
	// fresh device has no megolm keys to upload yet; sessions created
	// after this point upload on the fly.
	settled, err := s.fetchBackupVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("messaging: confirming backup version: %w", err)
	}
	if settled.Version != created.Version {
		// Another client created a newer backup between our two calls.
		// This is the documented concurrent-bootstrap race; nothing
		// sensible can be done here beyond failing loudly.
		return "", fmt.Errorf("messaging: backup version changed during creation (have %q, created %q)",
			settled.Version, created.Version)
	}

	s.client.logger.Info("created server-side key backup", "backup_version", created.Version)
	return EncodeRecoveryKey(privateKey), nil
}

// ResetAuthKind identifies which reauthentication flow the server
// demands for a cross-signing identity reset.
type ResetAuthKind int

const (
	// ResetAuthPassword means the server accepts a password UIAA stage.
	ResetAuthPassword ResetAuthKind = iota
	// ResetAuthApprovalURL means the operator must approve the reset
	// out of band at a URL before the reset call can be retried.
	ResetAuthApprovalURL
)

// IdentityReset is a pending cross-signing identity reset awaiting
// reauthentication. *IdentityResetHandle implements it against a real
// homeserver; tests use scripted fakes.
type IdentityReset interface {
	// AuthKind reports which reauthentication flow the server demands.
	AuthKind() ResetAuthKind
	// ApprovalURL returns the out-of-band approval URL. Empty unless
	// AuthKind is ResetAuthApprovalURL.
	ApprovalURL() string
	// ResetWithPassword completes the reset through the password UIAA
	// stage.
	ResetWithPassword(ctx context.Context, password string) error
	// ResetApproved retries the reset after the operator confirmed the
	// out-of-band approval.
	ResetApproved(ctx context.Context) error
}

// IdentityResetHandle is a pending cross-signing reset returned by
// PrepareIdentityReset.
type IdentityResetHandle struct {
	session     *DirectSession
	keys        crossSigningKeys
	uiaaSession string
	authKind    ResetAuthKind
	approvalURL string
}

var _ IdentityReset = (*IdentityResetHandle)(nil)

// PrepareIdentityReset generates a fresh cross-signing key set and
// attempts to upload it, replacing the account's trust anchor and
// invalidating prior device trust. Homeservers gate this behind a
// UIAA challenge; the returned handle carries the challenge kind so
// the caller can complete it. A nil IdentityReset means the server
// required no reauthentication and the reset already completed.
func (s *DirectSession) PrepareIdentityReset(ctx context.Context) (IdentityReset, error) {
	keys, err := generateCrossSigningKeys(s.userID)
	if err != nil {
		return nil, err
	}

	body, err := s.client.doRequest(ctx, http.MethodPost,
		"/_matrix/client/v3/keys/device_signing/upload", s.accessToken, keys.uploadBody(nil))
	if err == nil {
		s.client.logger.Info("cross-signing identity reset without reauthentication")
		return nil, nil
	}

	var matrixErr *MatrixError
	if !errors.As(err, &matrixErr) || matrixErr.StatusCode != http.StatusUnauthorized {
		return nil, fmt.Errorf("messaging: identity reset failed: %w", err)
	}

	// 401 carries the UIAA challenge alongside the error body.
	var challenge uiaaResponse
	if err := json.Unmarshal(body, &challenge); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse UIAA challenge: %w", err)
	}
	if challenge.Session == "" {
		return nil, fmt.Errorf("messaging: UIAA challenge missing session ID")
	}

	handle := &IdentityResetHandle{
		session:     s,
		keys:        keys,
		uiaaSession: challenge.Session,
	}

	if approvalURL := extractApprovalURL(challenge); approvalURL != "" {
		handle.authKind = ResetAuthApprovalURL
		handle.approvalURL = approvalURL
		return handle, nil
	}
	for _, flow := range challenge.Flows {
		for _, stage := range flow.Stages {
			if stage == "m.login.password" {
				handle.authKind = ResetAuthPassword
				return handle, nil
			}
		}
	}
	return nil, fmt.Errorf("messaging: no supported UIAA flow for identity reset (flows: %v)", challenge.Flows)
}

// AuthKind reports which reauthentication flow the server demands.
func (h *IdentityResetHandle) AuthKind() ResetAuthKind {
	return h.authKind
}

// ApprovalURL returns the out-of-band approval URL for
// ResetAuthApprovalURL resets.
func (h *IdentityResetHandle) ApprovalURL() string {
	return h.approvalURL
}

// ResetWithPassword completes the reset by resubmitting the account
// password as the UIAA stage proof.
func (h *IdentityResetHandle) ResetWithPassword(ctx context.Context, password string) error {
	auth := map[string]any{
		"type": "m.login.password",
		"identifier": map[string]any{
			"type": "m.id.user",
			"user": h.session.userID,
		},
		"password": password,
		"session":  h.uiaaSession,
	}
	return h.complete(ctx, auth)
}

// ResetApproved retries the upload after the operator approved the
// reset out of band. The server correlates the approval through the
// UIAA session.
func (h *IdentityResetHandle) ResetApproved(ctx context.Context) error {
	auth := map[string]any{
		"session": h.uiaaSession,
	}
	return h.complete(ctx, auth)
}

func (h *IdentityResetHandle) complete(ctx context.Context, auth map[string]any) error {
	_, err := h.session.client.doRequest(ctx, http.MethodPost,
		"/_matrix/client/v3/keys/device_signing/upload", h.session.accessToken, h.keys.uploadBody(auth))
	if err != nil {
		return fmt.Errorf("messaging: completing identity reset: %w", err)
	}
	h.session.client.logger.Info("cross-signing identity reset complete",
		"user_id", h.session.userID,
	)
	return nil
}

// extractApprovalURL digs the out-of-band approval URL out of the UIAA
// params, if the server published one.
func extractApprovalURL(challenge uiaaResponse) string {
	params, ok := challenge.Params[crossSigningResetParam]
	if !ok {
		return ""
	}
	rawURL, ok := params["url"].(string)
	if !ok {
		return ""
	}
	return rawURL
}

// crossSigningKeys is a freshly generated master/self-signing/
// user-signing key set. The subkeys carry master-key signatures over
// their canonical JSON, per the Matrix signing rules.
type crossSigningKeys struct {
	userID      string
	masterSeed  ed25519.PrivateKey
	master      map[string]any
	selfSigning map[string]any
	userSigning map[string]any
}

func generateCrossSigningKeys(userID string) (crossSigningKeys, error) {
	masterPublic, masterPrivate, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return crossSigningKeys{}, fmt.Errorf("messaging: generating master key: %w", err)
	}
	masterKeyID := "ed25519:" + base64.RawStdEncoding.EncodeToString(masterPublic)

	keys := crossSigningKeys{
		userID:     userID,
		masterSeed: masterPrivate,
		master: map[string]any{
			"user_id": userID,
			"usage":   []string{"master"},
			"keys": map[string]string{
				masterKeyID: base64.RawStdEncoding.EncodeToString(masterPublic),
			},
		},
	}

	for _, usage := range []string{"self_signing", "user_signing"} {
		public, _, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return crossSigningKeys{}, fmt.Errorf("messaging: generating %s key: %w", usage, err)
		}
		keyID := "ed25519:" + base64.RawStdEncoding.EncodeToString(public)
		key := map[string]any{
			"user_id": userID,
			"usage":   []string{usage},
			"keys": map[string]string{
				keyID: base64.RawStdEncoding.EncodeToString(public),
			},
		}
		signature, err := signCanonicalJSON(masterPrivate, key)
		if err != nil {
			return crossSigningKeys{}, err
		}
		key["signatures"] = map[string]map[string]string{
			userID: {masterKeyID: signature},
		}
		if usage == "self_signing" {
			keys.selfSigning = key
		} else {
			keys.userSigning = key
		}
	}
	return keys, nil
}

// uploadBody builds the device_signing/upload request, with the UIAA
// auth block when a challenge is being answered.
func (k crossSigningKeys) uploadBody(auth map[string]any) map[string]any {
	body := map[string]any{
		"master_key":       k.master,
		"self_signing_key": k.selfSigning,
		"user_signing_key": k.userSigning,
	}
	if auth != nil {
		body["auth"] = auth
	}
	return body
}

// signCanonicalJSON signs the canonical JSON form of value (sorted
// keys, no insignificant whitespace — which is exactly what
// encoding/json produces for maps) with an ed25519 key, returning the
// unpadded base64 signature. The signatures and unsigned fields must
// not be present in value.
func signCanonicalJSON(key ed25519.PrivateKey, value map[string]any) (string, error) {
	canonical, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("messaging: canonicalizing for signing: %w", err)
	}
	signature := ed25519.Sign(key, canonical)
	return base64.RawStdEncoding.EncodeToString(signature), nil
}

// fetchBackupVersion reads the current backup version metadata.
func (s *DirectSession) fetchBackupVersion(ctx context.Context) (*backupVersionResponse, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet,
		"/_matrix/client/v3/room_keys/version", s.accessToken, nil)
	if err != nil {
		return nil, err
	}
	var version backupVersionResponse
	if err := json.Unmarshal(body, &version); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse backup version response: %w", err)
	}
	return &version, nil
}
