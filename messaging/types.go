// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

// LoginRequest is the request body for password login.
type LoginRequest struct {
	Type                     string `json:"type"`
	User                     string `json:"user"`
	Password                 string `json:"password"`
	DeviceID                 string `json:"device_id,omitempty"`
	InitialDeviceDisplayName string `json:"initial_device_display_name,omitempty"`
}

// AuthResponse is returned by Login.
type AuthResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

// WhoAmIResponse is returned by WhoAmI.
type WhoAmIResponse struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id,omitempty"`
}

// SyncOptions controls the behavior of the /sync endpoint.
type SyncOptions struct {
	Since      string // next_batch token from previous sync; empty for initial sync
	Timeout    int    // long-poll timeout in milliseconds; 0 for immediate return
	SetTimeout bool   // if true, send the timeout parameter (needed to distinguish "not set" from "0")
	Filter     string // filter ID or inline JSON filter
}

// SyncResponse is the top-level response from /sync.
type SyncResponse struct {
	NextBatch string       `json:"next_batch"`
	Rooms     RoomsSection `json:"rooms"`
}

// RoomsSection contains per-room sync data grouped by membership state.
type RoomsSection struct {
	Join   map[string]JoinedRoom  `json:"join,omitempty"`
	Invite map[string]InvitedRoom `json:"invite,omitempty"`
	Leave  map[string]LeftRoom    `json:"leave,omitempty"`
}

// JoinedRoom contains sync data for a room the user has joined.
type JoinedRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// InvitedRoom contains sync data for a room the user was invited to.
type InvitedRoom struct {
	InviteState StateSection `json:"invite_state"`
}

// LeftRoom contains sync data for a room the user has left.
type LeftRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// TimelineSection contains timeline events from a sync response.
type TimelineSection struct {
	Events    []Event `json:"events"`
	PrevBatch string  `json:"prev_batch"`
	Limited   bool    `json:"limited"`
}

// StateSection contains state events from a sync response.
type StateSection struct {
	Events []Event `json:"events"`
}

// Event represents a Matrix event from the server.
type Event struct {
	EventID        string         `json:"event_id"`
	Type           string         `json:"type"`
	Sender         string         `json:"sender"`
	OriginServerTS int64          `json:"origin_server_ts"`
	Content        map[string]any `json:"content"`
	RoomID         string         `json:"room_id,omitempty"`
	StateKey       *string        `json:"state_key,omitempty"`
}

// MessageContent is the content body of a Matrix message event
// (m.room.message). Set RelatesTo for replies and thread context.
type MessageContent struct {
	MsgType   string     `json:"msgtype"`
	Body      string     `json:"body"`
	RelatesTo *RelatesTo `json:"m.relates_to,omitempty"`
}

// RelatesTo expresses relationships between events. For plain replies,
// only InReplyTo is set; for threads, RelType is "m.thread" and EventID
// is the thread root.
type RelatesTo struct {
	RelType       string     `json:"rel_type,omitempty"`
	EventID       string     `json:"event_id,omitempty"`
	IsFallingBack bool       `json:"is_falling_back,omitempty"`
	InReplyTo     *InReplyTo `json:"m.in_reply_to,omitempty"`
}

// InReplyTo references the event being replied to.
type InReplyTo struct {
	EventID string `json:"event_id"`
}

// NewNoticeReply creates an m.notice reply to an existing event. Bots
// reply with m.notice rather than m.text because well-behaved bots
// ignore notices, which prevents reply loops between bots.
func NewNoticeReply(inReplyToEventID, body string) MessageContent {
	return MessageContent{
		MsgType: "m.notice",
		Body:    body,
		RelatesTo: &RelatesTo{
			InReplyTo: &InReplyTo{EventID: inReplyToEventID},
		},
	}
}

// NewThreadReply creates an m.notice reply within an existing thread.
// threadRootID is the event ID of the thread's root message.
func NewThreadReply(threadRootID, inReplyToEventID, body string) MessageContent {
	return MessageContent{
		MsgType: "m.notice",
		Body:    body,
		RelatesTo: &RelatesTo{
			RelType:       "m.thread",
			EventID:       threadRootID,
			IsFallingBack: true,
			InReplyTo:     &InReplyTo{EventID: inReplyToEventID},
		},
	}
}

// SendEventResponse is returned by SendMessage.
type SendEventResponse struct {
	EventID string `json:"event_id"`
}

// backupVersionResponse is the body of GET/POST
// /_matrix/client/v3/room_keys/version.
type backupVersionResponse struct {
	Algorithm string         `json:"algorithm"`
	AuthData  backupAuthData `json:"auth_data"`
	Count     int64          `json:"count"`
	ETag      string         `json:"etag"`
	Version   string         `json:"version"`
}

// backupAuthData carries the backup's public key for the
// m.megolm_backup.v1.curve25519-aes-sha2 algorithm.
type backupAuthData struct {
	PublicKey string `json:"public_key"`
}

// uiaaResponse is the 401 body of a User-Interactive Authentication
// challenge.
type uiaaResponse struct {
	Session string                    `json:"session"`
	Flows   []uiaaFlow                `json:"flows"`
	Params  map[string]map[string]any `json:"params"`
}

// uiaaFlow is one acceptable sequence of auth stages.
type uiaaFlow struct {
	Stages []string `json:"stages"`
}
