// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"
)

func TestRecoveryKeyRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}

	encoded := EncodeRecoveryKey(key)
	for _, group := range strings.Fields(encoded) {
		if len(group) > 4 {
			t.Errorf("group %q longer than 4 characters", group)
		}
	}

	decoded, err := DecodeRecoveryKey(encoded)
	if err != nil {
		t.Fatalf("DecodeRecoveryKey: %v", err)
	}
	if !bytes.Equal(decoded, key) {
		t.Errorf("round trip mismatch:\n got %x\nwant %x", decoded, key)
	}
}

func TestDecodeRecoveryKeyIgnoresWhitespace(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	encoded := EncodeRecoveryKey(key)
	mangled := strings.ReplaceAll(encoded, " ", "\n\t ")
	decoded, err := DecodeRecoveryKey(mangled)
	if err != nil {
		t.Fatalf("DecodeRecoveryKey: %v", err)
	}
	if !bytes.Equal(decoded, key) {
		t.Error("whitespace normalization changed the decoded key")
	}
}

func TestDecodeRecoveryKeyRejectsCorruption(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	encoded := strings.Join(strings.Fields(EncodeRecoveryKey(key)), "")

	t.Run("flipped character", func(t *testing.T) {
		// Swap one base58 digit for a different one. This corrupts the
		// payload, so either the parity check or the header check fires.
		corrupted := []byte(encoded)
		if corrupted[10] == 'a' {
			corrupted[10] = 'b'
		} else {
			corrupted[10] = 'a'
		}
		if _, err := DecodeRecoveryKey(string(corrupted)); err == nil {
			t.Error("expected corrupted key to be rejected")
		}
	})

	t.Run("invalid character", func(t *testing.T) {
		if _, err := DecodeRecoveryKey(encoded + "0"); err == nil {
			t.Error("expected key with non-base58 character to be rejected")
		}
	})

	t.Run("truncated", func(t *testing.T) {
		if _, err := DecodeRecoveryKey(encoded[:len(encoded)-8]); err == nil {
			t.Error("expected truncated key to be rejected")
		}
	})

	t.Run("empty", func(t *testing.T) {
		if _, err := DecodeRecoveryKey(""); err == nil {
			t.Error("expected empty key to be rejected")
		}
	})
}

func TestEncodeRecoveryKeyZeroKey(t *testing.T) {
	// An all-zero key exercises the leading-zero handling in both
	// directions (the header bytes are nonzero, so only the payload
	// tail is zero).
	key := make([]byte, 32)
	decoded, err := DecodeRecoveryKey(EncodeRecoveryKey(key))
	if err != nil {
		t.Fatalf("DecodeRecoveryKey: %v", err)
	}
	if !bytes.Equal(decoded, key) {
		t.Error("zero key did not round trip")
	}
}
