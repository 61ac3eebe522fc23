// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bootstrap

import "errors"

var (
	// ErrNoSession is returned by Login and Logout when the data
	// directory has no stored session. Run Setup first.
	ErrNoSession = errors.New("bootstrap: no session found in data directory")

	// ErrSetupAborted is returned by Setup when the operator declines
	// the identity-reset confirmation. The server-side login is rolled
	// back; the data directory can be set up again later.
	ErrSetupAborted = errors.New("bootstrap: setup aborted by operator")

	// ErrSessionMissing is returned by Setup when login succeeds but
	// yields no usable session.
	ErrSessionMissing = errors.New("bootstrap: login produced no session")

	// ErrUnsupportedSession is returned when a stored or freshly
	// created session is of a kind this package cannot drive.
	ErrUnsupportedSession = errors.New("bootstrap: unsupported session kind")
)
