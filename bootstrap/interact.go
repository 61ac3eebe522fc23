// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bootstrap

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Interactor is the operator touchpoint capability Setup consumes.
// Each method is called at most once per Setup run, at a fixed point
// in the state machine. An error from any of them aborts the whole
// Setup (with the server-side login rolled back).
type Interactor interface {
	// AskRecoveryKey prompts for the recovery key of an existing
	// server-side backup.
	AskRecoveryKey(ctx context.Context) (string, error)

	// ConfirmIdentityReset asks whether to proceed with a
	// cross-signing identity reset. false aborts Setup with
	// ErrSetupAborted.
	ConfirmIdentityReset(ctx context.Context) (bool, error)

	// ApproveIdentityReset, called only when the homeserver demands
	// out-of-band approval, gives the operator the approval URL and
	// returns once they confirm they have completed it.
	ApproveIdentityReset(ctx context.Context, approvalURL string) error

	// AnnounceRecoveryKey presents a recovery key the operator must
	// write down. created is true when the key belongs to a backup
	// this Setup just created, false when it was re-validated against
	// an existing backup.
	AnnounceRecoveryKey(ctx context.Context, key string, created bool) error
}

// TerminalInteractor implements Interactor over an input/output pair,
// normally os.Stdin and os.Stderr. When the input is a terminal,
// recovery keys are read without echo.
type TerminalInteractor struct {
	input  io.Reader
	output io.Writer
	reader *bufio.Reader
}

// NewTerminalInteractor builds a TerminalInteractor. A nil input or
// output defaults to os.Stdin and os.Stderr.
func NewTerminalInteractor(input io.Reader, output io.Writer) *TerminalInteractor {
	if input == nil {
		input = os.Stdin
	}
	if output == nil {
		output = os.Stderr
	}
	return &TerminalInteractor{
		input:  input,
		output: output,
		reader: bufio.NewReader(input),
	}
}

// AskRecoveryKey prompts for the recovery key, without echo when the
// input is a terminal.
func (t *TerminalInteractor) AskRecoveryKey(ctx context.Context) (string, error) {
	fmt.Fprint(t.output, "Recovery key for the existing backup: ")
	if file, ok := t.input.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		raw, err := term.ReadPassword(int(file.Fd()))
		fmt.Fprintln(t.output)
		if err != nil {
			return "", fmt.Errorf("bootstrap: reading recovery key: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}
	line, err := t.readLine()
	if err != nil {
		return "", fmt.Errorf("bootstrap: reading recovery key: %w", err)
	}
	return line, nil
}

// ConfirmIdentityReset warns about the consequences of a cross-signing
// reset and asks for explicit confirmation. Anything but "y"/"yes"
// declines.
func (t *TerminalInteractor) ConfirmIdentityReset(ctx context.Context) (bool, error) {
	fmt.Fprintln(t.output, "No server-side key backup exists for this account.")
	fmt.Fprintln(t.output, "Creating one requires resetting the account's cross-signing")
	fmt.Fprintln(t.output, "identity. Other sessions will need to re-verify this account.")
	fmt.Fprint(t.output, "Reset the identity and create a new backup? [y/N] ")
	line, err := t.readLine()
	if err != nil {
		return false, fmt.Errorf("bootstrap: reading confirmation: %w", err)
	}
	switch strings.ToLower(line) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// ApproveIdentityReset shows the approval URL and waits for the
// operator to confirm they completed it.
func (t *TerminalInteractor) ApproveIdentityReset(ctx context.Context, approvalURL string) error {
	fmt.Fprintln(t.output, "The homeserver requires out-of-band approval for the identity reset.")
	fmt.Fprintf(t.output, "Open this URL and approve the reset:\n\n    %s\n\n", approvalURL)
	fmt.Fprint(t.output, "Press Enter once approved... ")
	if _, err := t.readLine(); err != nil {
		return fmt.Errorf("bootstrap: waiting for approval: %w", err)
	}
	return nil
}

// AnnounceRecoveryKey prints the recovery key with a write-this-down
// warning.
func (t *TerminalInteractor) AnnounceRecoveryKey(ctx context.Context, key string, created bool) error {
	if created {
		fmt.Fprintln(t.output, "A new key backup was created. This is its recovery key:")
	} else {
		fmt.Fprintln(t.output, "Backup recovery key (verified against the existing backup):")
	}
	fmt.Fprintf(t.output, "\n    %s\n\n", key)
	fmt.Fprintln(t.output, "Store it somewhere safe. It is the only way to recover the")
	fmt.Fprintln(t.output, "bot's encrypted history if this data directory is lost.")
	return nil
}

func (t *TerminalInteractor) readLine() (string, error) {
	line, err := t.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
