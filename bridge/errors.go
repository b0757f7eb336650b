package bridge

import (
	"fmt"

	"pstnbridge/call"
	"pstnbridge/signalling"
)

// ValidationError is returned for events that fail signalling validation.
type ValidationError = signalling.ValidationError

// UnknownSessionError reports an event for a call that is not live. This is
// expected after a restart.
type UnknownSessionError struct {
	Type   signalling.EventType
	Scope  string
	CallID string
}

func (e *UnknownSessionError) Error() string {
	return fmt.Sprintf("%s for unknown call %s in %s", e.Type, e.CallID, e.Scope)
}

// UnknownScopeError reports an invite in a scope that is not bridged.
type UnknownScopeError struct {
	Scope string
	Err   error
}

func (e *UnknownScopeError) Error() string {
	return fmt.Sprintf("scope %s is not bridged: %v", e.Scope, e.Err)
}

func (e *UnknownScopeError) Unwrap() error { return e.Err }

// GuardViolation reports an event that the session's state does not allow,
// such as an answer replayed after the call was accepted.
type GuardViolation struct {
	Type   signalling.EventType
	Scope  string
	CallID string
	State  call.State
}

func (e *GuardViolation) Error() string {
	return fmt.Sprintf("%s not allowed for call %s in state %s", e.Type, e.CallID, e.State)
}

// GlareError reports an invite for a call id that is already live. The
// existing call is kept.
type GlareError struct {
	Scope  string
	CallID string
}

func (e *GlareError) Error() string {
	return fmt.Sprintf("call %s in %s already in progress", e.CallID, e.Scope)
}

// ExpiredInviteError reports an invite delivered after its lifetime.
type ExpiredInviteError struct {
	Scope  string
	CallID string
}

func (e *ExpiredInviteError) Error() string {
	return fmt.Sprintf("invite for call %s in %s expired", e.CallID, e.Scope)
}

// BackendForwardError reports a failed module call. CallID is empty for
// text messages.
type BackendForwardError struct {
	Module string
	Type   signalling.EventType
	CallID string
	Err    error
}

func (e *BackendForwardError) Error() string {
	if e.CallID == "" {
		return fmt.Sprintf("forward %s to %s: %v", e.Type, e.Module, e.Err)
	}
	return fmt.Sprintf("forward %s for call %s to %s: %v", e.Type, e.CallID, e.Module, e.Err)
}

func (e *BackendForwardError) Unwrap() error { return e.Err }
