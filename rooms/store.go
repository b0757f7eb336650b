// Package rooms keeps track of which conversation scopes are linked to phone
// numbers and which rooms bridge a single remote party.
package rooms

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Store lookups that match nothing.
var ErrNotFound = errors.New("not found")

// ControlConfig links a control room to a number through a telephony module.
type ControlConfig struct {
	Number string            `json:"number"`
	Module string            `json:"module"`
	Data   map[string]string `json:"data,omitempty"`
}

// BridgedRoom is a room that talks to one remote number on behalf of a
// control room.
type BridgedRoom struct {
	Control string `json:"control"`
	Remote  string `json:"remote"`
}

// Store persists links, bridged rooms and webhook tokens.
type Store interface {
	ControlConfig(ctx context.Context, control string) (ControlConfig, error)
	SetControlConfig(ctx context.Context, control string, cfg ControlConfig) error
	DeleteControlConfig(ctx context.Context, control string) error
	// ControlForNumber returns the control room linked to a local number.
	ControlForNumber(ctx context.Context, number string) (string, error)

	BridgedRoom(ctx context.Context, room string) (BridgedRoom, error)
	SetBridgedRoom(ctx context.Context, room string, br BridgedRoom) error
	DeleteBridgedRoom(ctx context.Context, room string) error
	// RoomForNumber returns the bridged room of control that talks to remote.
	RoomForNumber(ctx context.Context, control, remote string) (string, error)

	// SetWebhookToken stores token for control, replacing its previous token.
	SetWebhookToken(ctx context.Context, control, token string) error
	ControlForToken(ctx context.Context, token string) (string, error)
	DeleteWebhookToken(ctx context.Context, control string) error

	Close() error
}
