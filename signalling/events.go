package signalling

import (
	"encoding/json"
	"time"
)

// EventType is the wire type of a call signalling event.
type EventType string

const (
	TypeInvite     EventType = "m.call.invite"
	TypeCandidates EventType = "m.call.candidates"
	TypeAnswer     EventType = "m.call.answer"
	TypeHangup     EventType = "m.call.hangup"
	TypeReject     EventType = "m.call.reject"

	// TypeMessage carries text relayed to and from a phone number. It is not
	// a call event.
	TypeMessage EventType = "m.room.message"
)

// IsCall reports whether t is one of the signalling types handled here.
func (t EventType) IsCall() bool {
	switch t {
	case TypeInvite, TypeCandidates, TypeAnswer, TypeHangup, TypeReject:
		return true
	}
	return false
}

// Header holds the fields every call event carries.
type Header struct {
	CallID  string `json:"call_id"`
	PartyID string `json:"party_id,omitempty"`
	Version int    `json:"version"`
}

// NewHeader stamps an outbound event. The party id is only sent at version 1.
func NewHeader(callID string, version int, partyID string) Header {
	h := Header{CallID: callID, Version: version}
	if version == 1 {
		h.PartyID = partyID
	}
	return h
}

func (h Header) header() Header { return h }

// Content is implemented by every typed event body.
type Content interface {
	header() Header
}

type SessionDescription struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

type Invite struct {
	Header
	// Lifetime is the validity window of the offer in milliseconds.
	Lifetime float64            `json:"lifetime"`
	Offer    SessionDescription `json:"offer"`
}

type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMLineIndex float64 `json:"sdpMLineIndex"`
	SDPMid        string  `json:"sdpMid"`
}

type Candidates struct {
	Header
	Candidates []Candidate `json:"candidates"`
}

// Strings returns the candidate lines in order.
func (c *Candidates) Strings() []string {
	out := make([]string, 0, len(c.Candidates))
	for _, cand := range c.Candidates {
		out = append(out, cand.Candidate)
	}
	return out
}

type Answer struct {
	Header
	Answer SessionDescription `json:"answer"`
}

type Hangup struct {
	Header
	Reason string `json:"reason,omitempty"`
}

type Reject struct {
	Header
}

// Inbound is a raw call event as delivered by the chat side.
type Inbound struct {
	Scope   string
	Sender  string
	EventID string
	Type    EventType
	// Timestamp is when the chat server received the event. Zero means unknown.
	Timestamp time.Time
	Content   json.RawMessage
}

// Outbound is a call event to be sent into a conversation scope.
type Outbound struct {
	Scope   string
	From    string
	Type    EventType
	Content Content
}

// Event is an inbound event whose content passed validation.
type Event struct {
	Scope     string
	Sender    string
	EventID   string
	Type      EventType
	Timestamp time.Time
	Content   Content
}

func (e *Event) CallID() string  { return e.Content.header().CallID }
func (e *Event) Version() int    { return e.Content.header().Version }
func (e *Event) PartyID() string { return e.Content.header().PartyID }

// Expired reports whether an invite's lifetime has elapsed at now. Events
// of other types never expire. An unknown timestamp counts as now.
func (e *Event) Expired(now time.Time) bool {
	inv, ok := e.Content.(*Invite)
	if !ok {
		return false
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = now
	}
	return ts.Add(time.Duration(inv.Lifetime * float64(time.Millisecond))).Before(now)
}
