// Package bridge moves call signalling between the chat side and the
// telephony modules.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pstnbridge/call"
	"pstnbridge/signalling"
	"pstnbridge/telephony"
)

// Sender delivers chat side output.
type Sender interface {
	SendCallEvent(ctx context.Context, ev signalling.Outbound) error
	SendNotice(ctx context.Context, scope, text string) error
	SendText(ctx context.Context, scope, from, body string) error
}

// LinkResolver finds the telephony link of a bridged scope.
type LinkResolver interface {
	LinkForScope(ctx context.Context, scope string) (telephony.Link, error)
}

// Router finds or creates the conversation scope for a phone endpoint.
type Router interface {
	ResolveRoomForEndpoint(ctx context.Context, control, endpoint string) (string, error)
}

// Config holds the dispatcher's protocol settings.
type Config struct {
	// Version is stamped on calls the backend originates.
	Version int
	// InviteLifetime is announced in outbound invites.
	InviteLifetime time.Duration
	// QueueSize bounds the outbox.
	QueueSize int
}

// Stats is a snapshot of live calls.
type Stats struct {
	Sessions int            `json:"sessions"`
	ByState  map[string]int `json:"by_state"`
	Queued   int            `json:"queued"`
}

type binding struct {
	module telephony.Module
	config telephony.SessionConfig
}

// Dispatcher applies validated chat events to sessions and forwards them to
// telephony modules. Work for one call is serialized; different calls run
// concurrently.
type Dispatcher struct {
	cfg       Config
	validator *signalling.Validator
	registry  *call.Registry
	links     LinkResolver
	router    Router
	outbox    *Outbox
	locks     *keyLock
	log       *logrus.Entry
	now       func() time.Time

	mu       sync.Mutex
	bindings map[call.Key]*binding
}

func NewDispatcher(cfg Config, v *signalling.Validator, reg *call.Registry, links LinkResolver, router Router, log *logrus.Entry) *Dispatcher {
	if cfg.InviteLifetime <= 0 {
		cfg.InviteLifetime = 60 * time.Second
	}
	return &Dispatcher{
		cfg:       cfg,
		validator: v,
		registry:  reg,
		links:     links,
		router:    router,
		outbox:    NewOutbox(cfg.QueueSize),
		locks:     newKeyLock(),
		log:       log,
		now:       time.Now,
		bindings:  make(map[call.Key]*binding),
	}
}

// Dispatch handles one inbound chat event. The returned error says why the
// event was discarded; it never affects other calls.
func (d *Dispatcher) Dispatch(ctx context.Context, in signalling.Inbound) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithFields(logrus.Fields{"scope": in.Scope, "type": in.Type}).Errorf("dispatch panic: %v", r)
			d.notice(in.Scope, "Internal error while handling a call event.")
			err = fmt.Errorf("dispatch %s: panic: %v", in.Type, r)
		}
	}()

	ev, err := d.validator.Validate(in)
	if err != nil {
		d.log.WithFields(logrus.Fields{"scope": in.Scope, "event_id": in.EventID}).Debugf("discarding event: %v", err)
		return err
	}

	switch c := ev.Content.(type) {
	case *signalling.Invite:
		err = d.handleInvite(ctx, ev, c)
	case *signalling.Candidates:
		err = d.handleCandidates(ctx, ev, c)
	case *signalling.Answer:
		err = d.handleAnswer(ctx, ev, c)
	case *signalling.Hangup:
		err = d.handleHangup(ctx, ev, func(*call.Session) bool { return true })
	case *signalling.Reject:
		err = d.handleHangup(ctx, ev, (*call.Session).CanReject)
	}
	if err != nil {
		entry := d.log.WithFields(logrus.Fields{"scope": ev.Scope, "call_id": ev.CallID(), "type": ev.Type})
		var fwd *BackendForwardError
		if errors.As(err, &fwd) {
			entry.Warnf("forward failed: %v", err)
		} else {
			entry.Debugf("discarding event: %v", err)
		}
	}
	return err
}

func (d *Dispatcher) handleInvite(ctx context.Context, ev *signalling.Event, inv *signalling.Invite) error {
	key := call.Key{Scope: ev.Scope, CallID: ev.CallID()}
	if ev.Expired(d.now()) {
		return &ExpiredInviteError{Scope: key.Scope, CallID: key.CallID}
	}
	if d.registry.Has(key.Scope, key.CallID) {
		return &GlareError{Scope: key.Scope, CallID: key.CallID}
	}
	link, err := d.links.LinkForScope(ctx, ev.Scope)
	if err != nil {
		return &UnknownScopeError{Scope: ev.Scope, Err: err}
	}

	s := call.New(call.Params{
		ID:            key.CallID,
		Scope:         key.Scope,
		Local:         ev.Sender,
		Remote:        link.Remote,
		Direction:     call.FromChat,
		Version:       ev.Version(),
		PartyID:       uuid.NewString(),
		RemotePartyID: ev.PartyID(),
	})

	unlock := d.locks.Lock(key)
	if err := d.registry.Add(s); err != nil {
		unlock()
		return &GlareError{Scope: key.Scope, CallID: key.CallID}
	}
	d.attach(s, &binding{module: link.Module, config: link.Config})
	s.Transition(call.Invited)
	unlock()

	d.log.WithFields(logrus.Fields{"scope": key.Scope, "call_id": key.CallID, "module": link.Module.Name(), "remote": link.Remote}).Info("forwarding invite")
	if err := link.Module.ForwardInvite(ctx, link.Config, s, inv.Offer.SDP); err != nil {
		ferr := &BackendForwardError{Module: link.Module.Name(), Type: ev.Type, CallID: key.CallID, Err: err}
		d.notice(key.Scope, fmt.Sprintf("Could not place the call to %s: %v", link.Remote, err))
		s.Fail()
		s.RelayHangup()
		return ferr
	}
	return nil
}

func (d *Dispatcher) handleCandidates(ctx context.Context, ev *signalling.Event, c *signalling.Candidates) error {
	s, b, err := d.lookup(ev, (*call.Session).CanSendCandidates, nil)
	if err != nil {
		return err
	}
	return d.forward(ctx, ev, b, s, func() error {
		return b.module.ForwardCandidates(ctx, b.config, s, c.Strings())
	})
}

func (d *Dispatcher) handleAnswer(ctx context.Context, ev *signalling.Event, a *signalling.Answer) error {
	s, b, err := d.lookup(ev, (*call.Session).CanAnswer, func(s *call.Session) { s.Transition(call.Accepted) })
	if err != nil {
		return err
	}
	return d.forward(ctx, ev, b, s, func() error {
		return b.module.ForwardAccept(ctx, b.config, s, a.Answer.SDP)
	})
}

func (d *Dispatcher) handleHangup(ctx context.Context, ev *signalling.Event, guard func(*call.Session) bool) error {
	s, b, err := d.lookup(ev, guard, func(s *call.Session) { s.Transition(call.Hungup) })
	if err != nil {
		return err
	}
	return d.forward(ctx, ev, b, s, func() error {
		return b.module.ForwardHangup(ctx, b.config, s)
	})
}

// lookup finds the event's session under its key lock, checks guard and
// applies mutate before the lock is released.
func (d *Dispatcher) lookup(ev *signalling.Event, guard func(*call.Session) bool, mutate func(*call.Session)) (*call.Session, *binding, error) {
	key := call.Key{Scope: ev.Scope, CallID: ev.CallID()}
	unlock := d.locks.Lock(key)
	defer unlock()

	s, ok := d.registry.Get(key.Scope, key.CallID)
	if !ok {
		return nil, nil, &UnknownSessionError{Type: ev.Type, Scope: key.Scope, CallID: key.CallID}
	}
	if !guard(s) {
		return nil, nil, &GuardViolation{Type: ev.Type, Scope: key.Scope, CallID: key.CallID, State: s.State()}
	}
	b, ok := d.bindingFor(key)
	if !ok {
		return nil, nil, &UnknownSessionError{Type: ev.Type, Scope: key.Scope, CallID: key.CallID}
	}
	if mutate != nil {
		mutate(s)
	}
	return s, b, nil
}

func (d *Dispatcher) forward(ctx context.Context, ev *signalling.Event, b *binding, s *call.Session, fn func() error) error {
	if err := fn(); err != nil {
		d.notice(s.Scope, fmt.Sprintf("The phone network rejected the %s: %v", ev.Type, err))
		return &BackendForwardError{Module: b.module.Name(), Type: ev.Type, CallID: s.ID, Err: err}
	}
	return nil
}

// IncomingCall creates a session for a call the phone network placed to the
// number linked in control.
func (d *Dispatcher) IncomingCall(ctx context.Context, control, remote string) (*call.Session, error) {
	room, err := d.router.ResolveRoomForEndpoint(ctx, control, remote)
	if err != nil {
		return nil, fmt.Errorf("resolve room for %s: %w", remote, err)
	}
	link, err := d.links.LinkForScope(ctx, room)
	if err != nil {
		return nil, &UnknownScopeError{Scope: room, Err: err}
	}

	s := call.New(call.Params{
		Scope:     room,
		Local:     link.Config.Number,
		Remote:    remote,
		Direction: call.FromBackend,
		Version:   d.cfg.Version,
		PartyID:   uuid.NewString(),
	})
	unlock := d.locks.Lock(s.Key())
	defer unlock()
	if err := d.registry.Add(s); err != nil {
		return nil, fmt.Errorf("register call %s: %w", s.ID, err)
	}
	d.attach(s, &binding{module: link.Module, config: link.Config})

	d.log.WithFields(logrus.Fields{"scope": room, "call_id": s.ID, "remote": remote, "module": link.Module.Name()}).Info("incoming call")
	return s, nil
}

// attach records the session's module and relays its backend signalling to
// the chat side.
func (d *Dispatcher) attach(s *call.Session, b *binding) {
	key := s.Key()
	d.mu.Lock()
	d.bindings[key] = b
	d.mu.Unlock()

	s.OnRelay(d.relay(s))
	s.OnStateChange(func(next, prev call.State) {
		d.log.WithFields(logrus.Fields{"scope": s.Scope, "call_id": s.ID}).Debugf("call state %s -> %s", prev, next)
	})
	s.OnEnded(func() {
		d.mu.Lock()
		if cur, ok := d.bindings[key]; ok && cur == b {
			delete(d.bindings, key)
		}
		d.mu.Unlock()
	})
}

func (d *Dispatcher) bindingFor(key call.Key) (*binding, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.bindings[key]
	return b, ok
}

func (d *Dispatcher) notice(scope, text string) {
	if err := d.outbox.Publish(context.Background(), Message{Notice: &Notice{Scope: scope, Text: text}}); err != nil {
		d.log.WithField("scope", scope).Warnf("dropping notice: %v", err)
	}
}

// Run delivers queued output through sender until the outbox is closed and
// drained or ctx is done.
func (d *Dispatcher) Run(ctx context.Context, sender Sender) error {
	defer d.outbox.Close()
	for {
		msg, ok := d.outbox.Consume(ctx)
		if !ok {
			return nil
		}
		d.deliver(ctx, sender, msg)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sender Sender, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorf("sender panic: %v", r)
		}
	}()
	switch {
	case msg.Event != nil:
		if err := sender.SendCallEvent(ctx, *msg.Event); err != nil {
			d.log.WithFields(logrus.Fields{"scope": msg.Event.Scope, "type": msg.Event.Type}).Warnf("send call event: %v", err)
		}
	case msg.Notice != nil:
		if err := sender.SendNotice(ctx, msg.Notice.Scope, msg.Notice.Text); err != nil {
			d.log.WithField("scope", msg.Notice.Scope).Warnf("send notice: %v", err)
		}
	case msg.Text != nil:
		if err := sender.SendText(ctx, msg.Text.Scope, msg.Text.From, msg.Text.Body); err != nil {
			d.log.WithFields(logrus.Fields{"scope": msg.Text.Scope, "from": msg.Text.From}).Warnf("send text: %v", err)
		}
	}
}

// Shutdown hangs up every live call on both sides and closes the outbox.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	for _, s := range d.registry.Sessions() {
		if b, ok := d.bindingFor(s.Key()); ok {
			if err := b.module.ForwardHangup(ctx, b.config, s); err != nil {
				d.log.WithFields(logrus.Fields{"scope": s.Scope, "call_id": s.ID}).Warnf("hangup on shutdown: %v", err)
			}
		}
		s.RelayHangup()
	}
	d.outbox.Close()
}

func (d *Dispatcher) Stats() Stats {
	st := Stats{ByState: make(map[string]int), Queued: d.outbox.Len()}
	for _, s := range d.registry.Sessions() {
		st.Sessions++
		st.ByState[s.State().String()]++
	}
	return st
}
