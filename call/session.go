package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

// Params describes a call at creation time. Every field is fixed for the
// lifetime of the session.
type Params struct {
	ID            string
	Scope         string
	Local         string
	Remote        string
	Direction     Direction
	Version       int
	PartyID       string
	RemotePartyID string
}

// Session is a single call between a chat party and a telephony party.
//
// The state only moves forward: a transition is applied when the target
// ranks above the current state, and nothing leaves Hungup. Subscribers are
// notified of every applied transition in order; a transition together with
// its notifications is one critical section, so subscribers must not
// transition the same session from inside a callback.
type Session struct {
	ID            string
	Scope         string
	Local         string
	Remote        string
	Direction     Direction
	Version       int
	PartyID       string
	RemotePartyID string
	CreatedAt     time.Time

	machine *fsm.FSM
	emitMu  sync.Mutex

	subMu   sync.Mutex
	nextSub int
	onState []stateSub
	onEnded []endedSub
	onRelay []relaySub
	ended   bool
}

type stateSub struct {
	id int
	fn func(next, prev State)
}

type endedSub struct {
	id int
	fn func()
}

type relaySub struct {
	id int
	fn func(Relay)
}

// New creates a session in the Created state. An empty ID gets a random one.
func New(p Params) *Session {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return &Session{
		ID:            p.ID,
		Scope:         p.Scope,
		Local:         p.Local,
		Remote:        p.Remote,
		Direction:     p.Direction,
		Version:       p.Version,
		PartyID:       p.PartyID,
		RemotePartyID: p.RemotePartyID,
		CreatedAt:     time.Now(),
		machine:       newMachine(),
	}
}

// newMachine builds the transition table: one event per target state whose
// sources are all lower ranked states. Hungup ranks highest, so it is never
// a source.
func newMachine() *fsm.FSM {
	events := fsm.Events{}
	for to := Invited; to <= Hungup; to++ {
		src := make([]string, 0, int(to))
		for from := Created; from < to; from++ {
			src = append(src, from.String())
		}
		events = append(events, fsm.EventDesc{Name: to.String(), Src: src, Dst: to.String()})
	}
	return fsm.NewFSM(Created.String(), events, fsm.Callbacks{})
}

// State returns the current state.
func (s *Session) State() State {
	return parseState(s.machine.Current())
}

// Key returns the registry key of the session.
func (s *Session) Key() Key {
	return Key{Scope: s.Scope, CallID: s.ID}
}

// CanInvite reports whether an invite may still be sent: only a fresh
// session can be invited.
func (s *Session) CanInvite() bool {
	return s.State() == Created
}

// CanAnswer reports whether the session is ringing.
func (s *Session) CanAnswer() bool {
	return s.State() == Invited
}

// CanSendCandidates reports whether candidates may flow, from the invite
// until the call ends.
func (s *Session) CanSendCandidates() bool {
	st := s.State()
	return st >= Invited && st < Failed
}

// CanReject reports whether a reject still makes sense locally. The inviting
// side ignores a reject once it has seen an answer, so a concurrent answer
// elsewhere can make this stale.
func (s *Session) CanReject() bool {
	return s.State() < Accepted
}

// Transition moves the session to the given state if the move is allowed and
// reports whether it was applied.
func (s *Session) Transition(to State) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	applied := s.transitionLocked(to)
	s.releaseIfFinal()
	return applied
}

// Fail marks the session as failed.
func (s *Session) Fail() bool {
	return s.Transition(Failed)
}

func (s *Session) transitionLocked(to State) bool {
	from := s.State()
	if err := s.machine.Event(context.Background(), to.String()); err != nil {
		return false
	}

	s.subMu.Lock()
	stateFns := make([]func(State, State), 0, len(s.onState))
	for _, sub := range s.onState {
		stateFns = append(stateFns, sub.fn)
	}
	var endedFns []func()
	if to.IsTerminal() && !s.ended {
		s.ended = true
		for _, sub := range s.onEnded {
			endedFns = append(endedFns, sub.fn)
		}
	}
	s.subMu.Unlock()

	for _, fn := range stateFns {
		fn(to, from)
	}
	for _, fn := range endedFns {
		fn()
	}
	return true
}

// RelayInvite is called by a backend that received an offer from the
// telephony side. It moves the session to Invited.
func (s *Session) RelayInvite(sdp string) bool {
	return s.relay(Invited, Relay{Action: ActionInvite, SDP: sdp})
}

// RelayAccept is called by a backend whose remote party answered.
func (s *Session) RelayAccept(sdp string) bool {
	return s.relay(Accepted, Relay{Action: ActionAccept, SDP: sdp})
}

// RelayHangup is called by a backend whose remote party went away.
func (s *Session) RelayHangup() bool {
	return s.relay(Hungup, Relay{Action: ActionHangup})
}

// RelayCandidates passes backend candidates on while the session is in a
// state that allows them.
func (s *Session) RelayCandidates(candidates []string) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if len(candidates) == 0 || !s.CanSendCandidates() {
		return false
	}
	s.emitRelay(Relay{Action: ActionCandidates, Candidates: append([]string(nil), candidates...)})
	return true
}

func (s *Session) relay(to State, r Relay) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if !s.transitionLocked(to) {
		return false
	}
	s.emitRelay(r)
	s.releaseIfFinal()
	return true
}

func (s *Session) emitRelay(r Relay) {
	s.subMu.Lock()
	fns := make([]func(Relay), 0, len(s.onRelay))
	for _, sub := range s.onRelay {
		fns = append(fns, sub.fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(r)
	}
}

// releaseIfFinal drops every subscription once nothing can happen anymore.
// Failed sessions keep theirs because they may still be hung up.
func (s *Session) releaseIfFinal() {
	if s.State() != Hungup {
		return
	}
	s.subMu.Lock()
	s.onState = nil
	s.onEnded = nil
	s.onRelay = nil
	s.subMu.Unlock()
}

// OnStateChange subscribes to applied transitions. The returned func
// removes the subscription.
func (s *Session) OnStateChange(fn func(next, prev State)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.onState = append(s.onState, stateSub{id: id, fn: fn})
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		for i, sub := range s.onState {
			if sub.id == id {
				s.onState = append(s.onState[:i:i], s.onState[i+1:]...)
				return
			}
		}
	}
}

// OnEnded subscribes to the single notification fired when the session first
// reaches Failed or Hungup.
func (s *Session) OnEnded(fn func()) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.onEnded = append(s.onEnded, endedSub{id: id, fn: fn})
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		for i, sub := range s.onEnded {
			if sub.id == id {
				s.onEnded = append(s.onEnded[:i:i], s.onEnded[i+1:]...)
				return
			}
		}
	}
}

// OnRelay subscribes to backend relay actions that were applied.
func (s *Session) OnRelay(fn func(Relay)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.onRelay = append(s.onRelay, relaySub{id: id, fn: fn})
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		for i, sub := range s.onRelay {
			if sub.id == id {
				s.onRelay = append(s.onRelay[:i:i], s.onRelay[i+1:]...)
				return
			}
		}
	}
}
