// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package synccursor

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/matrixbot/messaging"
)

// TokenStore is the durable home of the sync token. *statestore.Store
// implements it.
type TokenStore interface {
	PutSyncToken(token string) error
	GetSyncToken() (string, bool, error)
}

// Syncer performs one sync round-trip. *messaging.DirectSession
// implements it; tests use scripted fakes.
type Syncer interface {
	Sync(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error)
}

// Manager tracks the sync position, persisting every advance before
// the corresponding response escapes to the caller.
type Manager struct {
	store  TokenStore
	logger *slog.Logger

	mu    sync.Mutex
	token string
}

// Config holds configuration for creating a Manager.
type Config struct {
	// Store persists the token. Required.
	Store TokenStore
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// NewManager creates a Manager, loading the persisted token if one
// exists. An empty token means the next sync is an initial sync.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("synccursor: Store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	token, found, err := cfg.Store.GetSyncToken()
	if err != nil {
		return nil, fmt.Errorf("synccursor: loading sync token: %w", err)
	}
	if !found {
		token = ""
	}
	return &Manager{store: cfg.Store, logger: logger, token: token}, nil
}

// Token returns the current sync token. Empty until the first
// successful sync of a fresh session.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// SetToken durably records a new sync position. The store write
// happens before the in-memory token moves, so a write failure leaves
// the manager at the old position rather than at a position the store
// never saw.
func (m *Manager) SetToken(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.PutSyncToken(token); err != nil {
		return fmt.Errorf("synccursor: persisting sync token: %w", err)
	}
	m.token = token
	return nil
}

// Apply stamps the current token into sync options.
func (m *Manager) Apply(options *messaging.SyncOptions) {
	options.Since = m.Token()
}

// SyncOnce performs a single sync round-trip and persists the new
// position before returning the response. options.Since is overwritten
// with the managed token.
func (m *Manager) SyncOnce(ctx context.Context, syncer Syncer, options messaging.SyncOptions) (*messaging.SyncResponse, error) {
	m.Apply(&options)
	response, err := syncer.Sync(ctx, options)
	if err != nil {
		return nil, err
	}
	if response.NextBatch == "" {
		return nil, fmt.Errorf("synccursor: sync response carries no next_batch token")
	}
	if err := m.SetToken(response.NextBatch); err != nil {
		return nil, err
	}
	return response, nil
}

// Responses returns an iterator driving the sync loop: each iteration
// performs one long-poll sync, persists the new position, and yields
// the response. The sequence is infinite and non-restartable; it ends
// when the caller breaks, when ctx is cancelled, or — with a final
// yielded error — when a sync or persist fails. Transport errors are
// not retried here: retry and reconnect policy belongs to the syncer's
// transport, not to cursor tracking.
func (m *Manager) Responses(ctx context.Context, syncer Syncer, options messaging.SyncOptions) iter.Seq2[*messaging.SyncResponse, error] {
	return func(yield func(*messaging.SyncResponse, error) bool) {
		for {
			response, err := m.SyncOnce(ctx, syncer, options)
			if err != nil {
				if ctx.Err() == nil {
					m.logger.Error("sync loop terminating", "error", err)
					yield(nil, err)
				}
				return
			}
			if !yield(response, nil) {
				return
			}
		}
	}
}

// Run drives the sync loop until ctx is cancelled, invoking handle
// for each response. Sync errors and handler errors are both fatal to
// the loop and returned. Returns nil on context cancellation.
func (m *Manager) Run(ctx context.Context, syncer Syncer, options messaging.SyncOptions, handle func(*messaging.SyncResponse) error) error {
	for response, err := range m.Responses(ctx, syncer, options) {
		if err != nil {
			return err
		}
		if err := handle(response); err != nil {
			return fmt.Errorf("synccursor: response handler: %w", err)
		}
	}
	return nil
}
