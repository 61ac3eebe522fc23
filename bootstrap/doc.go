// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bootstrap sets up and resumes encrypted Matrix bot sessions.
//
// A bot's cryptographic identity lives in a data directory: one
// exclusively-locked state database (session credentials, recovery
// key, sync position) plus the messaging layer's own key-store files.
// Setup creates that identity interactively, walking the operator
// through key backup recovery or a cross-signing identity reset.
// Login rehydrates it with no human in the loop; it is what a bot
// process calls on every start after the first. Logout destroys it,
// server side and local.
//
// Setup is the only interactive step. Its operator touchpoints are
// expressed as the Interactor capability so hosting applications can
// route them to a terminal, a setup UI, or a test script.
package bootstrap
