// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"fmt"
	"math/big"
	"strings"
)

// Recovery keys wrap the 32-byte backup private key in the common
// cross-client format: a two-byte header (0x8B 0x01), the key, and a
// parity byte that XORs the whole payload to zero, base58-encoded and
// grouped four characters at a time for transcription.

const (
	recoveryKeyByte1 = 0x8B
	recoveryKeyByte2 = 0x01
	recoveryKeyLen   = 2 + 32 + 1
)

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// EncodeRecoveryKey formats a 32-byte backup private key as a
// human-transcribable recovery key.
func EncodeRecoveryKey(key []byte) string {
	payload := make([]byte, 0, recoveryKeyLen)
	payload = append(payload, recoveryKeyByte1, recoveryKeyByte2)
	payload = append(payload, key...)
	var parity byte
	for _, b := range payload {
		parity ^= b
	}
	payload = append(payload, parity)

	encoded := base58Encode(payload)
	var grouped strings.Builder
	for i := 0; i < len(encoded); i += 4 {
		if i > 0 {
			grouped.WriteByte(' ')
		}
		end := min(i+4, len(encoded))
		grouped.WriteString(encoded[i:end])
	}
	return grouped.String()
}

// DecodeRecoveryKey parses a recovery key back into the 32-byte backup
// private key, tolerating arbitrary whitespace between groups. It
// verifies the header and the parity byte, so a single transcription
// error is caught here rather than as a baffling server mismatch.
func DecodeRecoveryKey(recoveryKey string) ([]byte, error) {
	compact := strings.Join(strings.Fields(recoveryKey), "")
	payload, err := base58Decode(compact)
	if err != nil {
		return nil, err
	}
	if len(payload) != recoveryKeyLen {
		return nil, fmt.Errorf("messaging: recovery key decodes to %d bytes, want %d", len(payload), recoveryKeyLen)
	}
	if payload[0] != recoveryKeyByte1 || payload[1] != recoveryKeyByte2 {
		return nil, fmt.Errorf("messaging: recovery key has wrong header bytes")
	}
	var parity byte
	for _, b := range payload {
		parity ^= b
	}
	if parity != 0 {
		return nil, fmt.Errorf("messaging: recovery key failed parity check")
	}
	return payload[2 : 2+32], nil
}

func base58Encode(data []byte) string {
	value := new(big.Int).SetBytes(data)
	radix := big.NewInt(58)
	remainder := new(big.Int)

	var digits []byte
	for value.Sign() > 0 {
		value.DivMod(value, radix, remainder)
		digits = append(digits, base58Alphabet[remainder.Int64()])
	}
	// Leading zero bytes encode as the zero digit '1'.
	for _, b := range data {
		if b != 0 {
			break
		}
		digits = append(digits, base58Alphabet[0])
	}
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	return string(digits)
}

func base58Decode(encoded string) ([]byte, error) {
	value := new(big.Int)
	radix := big.NewInt(58)
	for _, c := range encoded {
		index := strings.IndexRune(base58Alphabet, c)
		if index < 0 {
			return nil, fmt.Errorf("messaging: invalid base58 character %q in recovery key", c)
		}
		value.Mul(value, radix)
		value.Add(value, big.NewInt(int64(index)))
	}
	decoded := value.Bytes()
	leadingZeros := 0
	for _, c := range encoded {
		if c != rune(base58Alphabet[0]) {
			break
		}
		leadingZeros++
	}
	result := make([]byte, leadingZeros+len(decoded))
	copy(result[leadingZeros:], decoded)
	return result, nil
}
