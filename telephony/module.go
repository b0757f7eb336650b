// Package telephony defines the contract between the call engine and the
// backends that reach the phone network.
package telephony

import (
	"context"

	"pstnbridge/call"
)

// SessionConfig links a control scope to a phone number through a module.
// Data carries module specific settings such as trunk credentials.
type SessionConfig struct {
	Control string
	Module  string
	Number  string
	Data    map[string]string
}

// Get returns a module setting or def when it is unset.
func (c SessionConfig) Get(key, def string) string {
	if v, ok := c.Data[key]; ok && v != "" {
		return v
	}
	return def
}

// Link is what a bridged conversation scope resolves to: the module serving
// it, the control configuration and the remote party's number.
type Link struct {
	Module Module
	Config SessionConfig
	Remote string
}

// Module forwards chat side signalling to a telephony backend. Calls may
// block on network I/O. A module relays the remote party's signalling back
// through the session's Relay methods.
type Module interface {
	Name() string
	ForwardInvite(ctx context.Context, cfg SessionConfig, s *call.Session, offer string) error
	ForwardCandidates(ctx context.Context, cfg SessionConfig, s *call.Session, candidates []string) error
	ForwardAccept(ctx context.Context, cfg SessionConfig, s *call.Session, answer string) error
	ForwardHangup(ctx context.Context, cfg SessionConfig, s *call.Session) error
	// SendMessage sends a text message from the linked number to remote.
	SendMessage(ctx context.Context, cfg SessionConfig, remote, body string) error
}

// Engine is what a module calls when the phone network places a call.
type Engine interface {
	// IncomingCall creates a session for a call from remote to the number
	// linked in control. The session is registered and relayed before it is
	// returned, so the module can call RelayInvite on it directly.
	IncomingCall(ctx context.Context, control, remote string) (*call.Session, error)
	// IncomingText delivers a text message from remote to the bridged room
	// for remote under control, opening the room if needed.
	IncomingText(ctx context.Context, control, remote, body string) error
}

// Resolver maps a dialled number to the control scope that owns it.
type Resolver interface {
	ControlForNumber(ctx context.Context, number string) (SessionConfig, error)
}
