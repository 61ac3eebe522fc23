// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bootstrap

import (
	"context"
	"log/slog"

	"github.com/bureau-foundation/matrixbot/messaging"
)

// SessionClient is the slice of the messaging client this package
// consumes: log in, restore. The production implementation wraps
// *messaging.Client; tests script it.
type SessionClient interface {
	HomeserverURL() string
	Login(ctx context.Context, username, password, deviceName string) (messaging.BotSession, error)
	RestoreSession(state messaging.SessionState) (messaging.BotSession, error)
}

// ClientFactory builds a SessionClient for a homeserver. Setup calls
// it with the configured homeserver; Login and Logout call it with the
// homeserver recorded in the state database.
type ClientFactory func(homeserver string) (SessionClient, error)

// NewClientFactory returns the production ClientFactory, building
// messaging clients that log through logger.
func NewClientFactory(logger *slog.Logger) ClientFactory {
	return func(homeserver string) (SessionClient, error) {
		client, err := messaging.NewClient(messaging.ClientConfig{
			HomeserverURL: homeserver,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		return WrapClient(client), nil
	}
}

// WrapClient adapts a *messaging.Client to the SessionClient
// interface. Needed because Go interface satisfaction is invariant in
// return types: Client.Login returns the concrete *DirectSession.
func WrapClient(client *messaging.Client) SessionClient {
	return messagingClient{client}
}

type messagingClient struct {
	client *messaging.Client
}

func (c messagingClient) HomeserverURL() string {
	return c.client.HomeserverURL()
}

func (c messagingClient) Login(ctx context.Context, username, password, deviceName string) (messaging.BotSession, error) {
	return c.client.Login(ctx, username, password, deviceName)
}

func (c messagingClient) RestoreSession(state messaging.SessionState) (messaging.BotSession, error) {
	return c.client.RestoreSession(state)
}
