// Package siptrunk places and receives bridged calls over a SIP trunk.
package siptrunk

import (
	"context"
	"fmt"
	"sync"
	"time"

	gosip "github.com/ghettovoice/gosip"
	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/sip/parser"
	"github.com/ghettovoice/gosip/util"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pstnbridge/call"
	"pstnbridge/telephony"
)

// Name is the module name used in control configs.
const Name = "sip"

const sdpType = "application/sdp"

const (
	statusOK                   sip.StatusCode = 200
	statusRinging              sip.StatusCode = 180
	statusBadRequest           sip.StatusCode = 400
	statusNotFound             sip.StatusCode = 404
	statusUnsupportedMediaType sip.StatusCode = 415
	statusAnonymityDisallowed  sip.StatusCode = 433
	statusUnavailable          sip.StatusCode = 480
	statusNoDialog             sip.StatusCode = 481
	statusBusyHere             sip.StatusCode = 486
	statusRequestTerminated    sip.StatusCode = 487
	statusNotAcceptableHere    sip.StatusCode = 488
)

// lookupTimeout bounds resolving and registering an inbound call.
const lookupTimeout = 10 * time.Second

// cancelGrace is how long a cancelled INVITE is still watched for a 2xx
// that crossed the CANCEL.
const cancelGrace = 32 * time.Second

// Transport is the part of a gosip server the module uses.
type Transport interface {
	Request(req sip.Request) (sip.ClientTransaction, error)
	Respond(res sip.Response) (sip.ServerTransaction, error)
	RespondOnRequest(req sip.Request, status sip.StatusCode, reason, body string, headers []sip.Header) (sip.ServerTransaction, error)
	Send(msg sip.Message) error
	OnRequest(method sip.RequestMethod, handler gosip.RequestHandler) error
}

type clientTx interface {
	Responses() <-chan sip.Response
	Errors() <-chan error
	Cancel() error
}

// Config holds trunk defaults. A control config may override Trunk and
// DialPrefix through its "trunk" and "dial_prefix" data keys.
type Config struct {
	Host       string
	Trunk      string
	DialPrefix string
}

// Module is the SIP trunk telephony backend.
type Module struct {
	srv      Transport
	cfg      Config
	log      *logrus.Entry
	engine   telephony.Engine
	resolver telephony.Resolver
	request  func(sip.Request) (clientTx, error)

	mu        sync.Mutex
	byCallID  map[string]*dialog
	bySession map[call.Key]*dialog
}

// New creates the module. Serve must be called before inbound calls are
// accepted.
func New(srv Transport, cfg Config, log *logrus.Entry) *Module {
	if cfg.DialPrefix == "" {
		cfg.DialPrefix = "+"
	}
	m := &Module{
		srv:       srv,
		cfg:       cfg,
		log:       log,
		byCallID:  make(map[string]*dialog),
		bySession: make(map[call.Key]*dialog),
	}
	m.request = func(req sip.Request) (clientTx, error) {
		tx, err := srv.Request(req)
		if err != nil {
			return nil, err
		}
		return tx, nil
	}
	return m
}

func (m *Module) Name() string { return Name }

// Serve registers the request handlers for calls and messages from the
// trunk.
func (m *Module) Serve(engine telephony.Engine, resolver telephony.Resolver) error {
	m.engine = engine
	m.resolver = resolver
	handlers := map[sip.RequestMethod]gosip.RequestHandler{
		sip.INVITE:  m.handleInvite,
		sip.ACK:     m.handleAck,
		sip.BYE:     m.handleBye,
		sip.CANCEL:  m.handleCancel,
		sip.MESSAGE: m.handleMessage,
	}
	for method, h := range handlers {
		if err := m.srv.OnRequest(method, h); err != nil {
			return fmt.Errorf("register %s handler: %w", method, err)
		}
	}
	return nil
}

// Dialogs returns the number of SIP dialogs in progress.
func (m *Module) Dialogs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byCallID)
}

// ForwardInvite dials the session's remote number on the trunk. It returns
// once the INVITE is sent; the answer or rejection is relayed later.
func (m *Module) ForwardInvite(_ context.Context, cfg telephony.SessionConfig, s *call.Session, offer string) error {
	target, err := dialURI(s.Remote, cfg.Get("trunk", m.cfg.Trunk), cfg.Get("dial_prefix", m.cfg.DialPrefix))
	if err != nil {
		return err
	}
	local, err := m.localAddress(cfg.Number)
	if err != nil {
		return err
	}
	remote := &sip.Address{Uri: target, Params: sip.NewParams()}

	cid := sip.CallID(uuid.NewString())
	ctype := sip.ContentType(sdpType)
	req, err := sip.NewRequestBuilder().
		SetMethod(sip.INVITE).
		SetRecipient(target).
		SetFrom(local).
		SetTo(remote).
		SetContact(&sip.Address{Uri: local.Uri}).
		SetCallID(&cid).
		SetSeqNo(1).
		SetContentType(&ctype).
		SetBody(offer).
		Build()
	if err != nil {
		return fmt.Errorf("build invite: %w", err)
	}

	tx, err := m.request(req)
	if err != nil {
		return fmt.Errorf("send invite: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &dialog{
		callID:   string(cid),
		session:  s,
		outbound: true,
		state:    stateRinging,
		local:    local,
		remote:   remote,
		target:   target,
		cseq:     1,
		invite:   req,
		cancel:   cancel,
	}
	m.track(d)
	m.log.WithFields(logrus.Fields{"call_id": s.ID, "sip_call_id": d.callID, "to": target.String()}).Info("dialling")
	go m.awaitAnswer(ctx, d, tx)
	return nil
}

// ForwardCandidates is a no-op: a trunk negotiates media in the SDP only.
func (m *Module) ForwardCandidates(_ context.Context, _ telephony.SessionConfig, s *call.Session, candidates []string) error {
	m.log.WithField("call_id", s.ID).Debugf("ignoring %d candidates", len(candidates))
	return nil
}

// ForwardAccept answers a call placed by the trunk.
func (m *Module) ForwardAccept(_ context.Context, _ telephony.SessionConfig, s *call.Session, answer string) error {
	m.mu.Lock()
	d, ok := m.bySession[s.Key()]
	if !ok || d.outbound || d.state != statePending {
		m.mu.Unlock()
		return fmt.Errorf("no pending sip call for %s", s.ID)
	}
	d.state = stateEstablished
	invite, local := d.invite, d.local
	m.mu.Unlock()

	res := sip.NewResponseFromRequest("", invite, statusOK, "OK", answer)
	if to, ok := res.To(); ok {
		if tag, ok := local.Params.Get("tag"); ok {
			if to.Params == nil {
				to.Params = sip.NewParams()
			}
			to.Params = to.Params.Add("tag", tag)
		}
	}
	ctype := sip.ContentType(sdpType)
	res.AppendHeader(&ctype)
	if contact, err := m.contactURI(userOf(local.Uri)); err == nil {
		res.AppendHeader(&sip.ContactHeader{Address: contact, Params: sip.NewParams()})
	}

	if _, err := m.srv.Respond(res); err != nil {
		return fmt.Errorf("send 200 OK: %w", err)
	}
	m.log.WithFields(logrus.Fields{"call_id": s.ID, "sip_call_id": d.callID}).Info("call answered")
	return nil
}

// ForwardHangup ends the SIP side of the session: CANCEL while ringing out,
// 486 while an inbound call is pending and BYE once established.
func (m *Module) ForwardHangup(_ context.Context, _ telephony.SessionConfig, s *call.Session) error {
	m.mu.Lock()
	d, ok := m.bySession[s.Key()]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.terminate(d)
}

func (m *Module) terminate(d *dialog) error {
	m.mu.Lock()
	state := d.state
	m.mu.Unlock()
	if !m.forget(d) {
		return nil
	}

	log := m.log.WithFields(logrus.Fields{"call_id": d.session.ID, "sip_call_id": d.callID, "state": state})
	log.Info("hanging up")
	switch state {
	case stateRinging:
		// awaitAnswer cancels the transaction once the dialog context is done.
		return nil
	case statePending:
		if _, err := m.srv.RespondOnRequest(d.invite, statusBusyHere, "Busy Here", "", nil); err != nil {
			return fmt.Errorf("send 486: %w", err)
		}
		return nil
	default:
		return m.bye(d)
	}
}

func (m *Module) track(d *dialog) {
	m.mu.Lock()
	m.byCallID[d.callID] = d
	m.bySession[d.session.Key()] = d
	m.mu.Unlock()

	// A session that fails without a hangup from the chat side still has
	// to release the trunk.
	d.session.OnStateChange(func(next, _ call.State) {
		if next == call.Failed {
			go func() {
				if err := m.terminate(d); err != nil {
					m.log.WithField("sip_call_id", d.callID).Warnf("release failed call: %v", err)
				}
			}()
		}
	})
}

// forget drops d and reports whether it was still tracked.
func (m *Module) forget(d *dialog) bool {
	m.mu.Lock()
	cur, ok := m.byCallID[d.callID]
	if !ok || cur != d {
		m.mu.Unlock()
		return false
	}
	delete(m.byCallID, d.callID)
	if m.bySession[d.session.Key()] == d {
		delete(m.bySession, d.session.Key())
	}
	m.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}
	return true
}

func (m *Module) tracked(d *dialog) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byCallID[d.callID] == d
}

func (m *Module) dialogFor(req sip.Request) (*dialog, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byCallID[callIDOf(req)]
	return d, ok
}

// localAddress is the From address of calls placed by the bridge.
func (m *Module) localAddress(number string) (*sip.Address, error) {
	user := "bridge"
	if n, err := telephony.NormalizeNumber(number); err == nil {
		user = telephony.Digits(n)
	}
	uri, err := m.contactURI(user)
	if err != nil {
		return nil, err
	}
	tag := util.RandString(8)
	return &sip.Address{Uri: uri, Params: sip.NewParams().Add("tag", sip.String{Str: tag})}, nil
}

func (m *Module) contactURI(user string) (sip.Uri, error) {
	uri, err := parser.ParseUri(fmt.Sprintf("sip:%s@%s", user, m.cfg.Host))
	if err != nil {
		return nil, fmt.Errorf("parse local uri: %w", err)
	}
	return uri, nil
}

// awaitAnswer follows the INVITE transaction of an outbound dialog until a
// final response arrives or the dialog is hung up.
func (m *Module) awaitAnswer(ctx context.Context, d *dialog, tx clientTx) {
	log := m.log.WithFields(logrus.Fields{"call_id": d.session.ID, "sip_call_id": d.callID})
	done := ctx.Done()
	errs := tx.Errors()
	var grace <-chan time.Time
	cancelled := false

	for {
		select {
		case <-done:
			done = nil
			cancelled = true
			grace = time.After(cancelGrace)
			if err := tx.Cancel(); err != nil {
				log.Warnf("cancel invite: %v", err)
			}
		case <-grace:
			return
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Warnf("invite transaction: %v", err)
			if m.forget(d) {
				d.session.RelayHangup()
			}
			return
		case res, ok := <-tx.Responses():
			if !ok || res == nil {
				if m.forget(d) {
					d.session.RelayHangup()
				}
				return
			}
			if res.IsProvisional() {
				log.Debugf("received SIP response: %d %s", res.StatusCode(), res.Reason())
				continue
			}
			if code := res.StatusCode(); code >= 200 && code < 300 {
				m.answered(d, res, cancelled)
				return
			}
			log.Infof("call rejected: %d %s", res.StatusCode(), res.Reason())
			if m.forget(d) {
				d.session.RelayHangup()
			}
			return
		}
	}
}

// answered acknowledges a 2xx and relays the answer. A 2xx for a dialog that
// was hung up meanwhile is acknowledged and torn down with BYE.
func (m *Module) answered(d *dialog, res sip.Response, cancelled bool) {
	log := m.log.WithFields(logrus.Fields{"call_id": d.session.ID, "sip_call_id": d.callID})

	m.mu.Lock()
	if to, ok := res.To(); ok && to.Params != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			withTag(d.remote, tag)
		}
	}
	if contact, ok := res.Contact(); ok && contact.Address != nil {
		d.target = contact.Address
	}
	d.state = stateEstablished
	m.mu.Unlock()

	ack := sip.NewAckRequest("", d.invite, res, "", nil)
	if err := m.srv.Send(ack); err != nil {
		log.Warnf("send ACK: %v", err)
	}

	if cancelled || !m.tracked(d) {
		log.Info("answer after hangup, releasing")
		if err := m.bye(d); err != nil {
			log.Warnf("release: %v", err)
		}
		return
	}
	if !d.session.RelayAccept(res.Body()) {
		log.Info("session no longer accepts an answer, releasing")
		if m.forget(d) {
			if err := m.bye(d); err != nil {
				log.Warnf("release: %v", err)
			}
		}
		return
	}
	log.Info("call answered")
}

func (m *Module) bye(d *dialog) error {
	m.mu.Lock()
	d.cseq++
	cid := sip.CallID(d.callID)
	rb := sip.NewRequestBuilder().
		SetMethod(sip.BYE).
		SetRecipient(d.target).
		SetFrom(d.local).
		SetTo(d.remote).
		SetContact(&sip.Address{Uri: d.local.Uri}).
		SetCallID(&cid).
		SetSeqNo(d.cseq)
	m.mu.Unlock()

	req, err := rb.Build()
	if err != nil {
		return fmt.Errorf("build BYE: %w", err)
	}
	if _, err := m.request(req); err != nil {
		return fmt.Errorf("send BYE: %w", err)
	}
	return nil
}

// handleInvite accepts a call from the trunk to a linked number and rings
// the bridged room.
func (m *Module) handleInvite(req sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	log := m.log.WithField("sip_call_id", callID)

	if _, ok := m.dialogFor(req); ok {
		log.Debug("re-INVITE not supported")
		m.respond(req, statusNotAcceptableHere, "Not Acceptable Here")
		return
	}
	to, okTo := req.To()
	from, okFrom := req.From()
	if !okTo || !okFrom || to.Address == nil || from.Address == nil {
		m.respond(req, statusBadRequest, "Bad Request")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	dialled := userOf(to.Address)
	cfg, err := m.resolver.ControlForNumber(ctx, dialled)
	if err != nil || cfg.Module != Name {
		log.Warnf("unknown extension %s", dialled)
		m.respond(req, statusNotFound, "Not Found")
		return
	}
	caller, err := telephony.NormalizeNumber(userOf(from.Address))
	if err != nil {
		log.Infof("rejecting caller %q: %v", userOf(from.Address), err)
		m.respond(req, statusAnonymityDisallowed, "Anonymity Disallowed")
		return
	}

	s, err := m.engine.IncomingCall(ctx, cfg.Control, caller)
	if err != nil {
		log.Warnf("incoming call from %s: %v", caller, err)
		m.respond(req, statusUnavailable, "Temporarily Unavailable")
		return
	}

	local := sip.NewAddressFromToHeader(to)
	withTag(local, sip.String{Str: util.RandString(8)})
	remote := sip.NewAddressFromFromHeader(from)
	if from.Params != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			withTag(remote, tag)
		}
	}
	target := from.Address
	if contact, ok := req.Contact(); ok && contact.Address != nil {
		target = contact.Address
	}

	dctx, dcancel := context.WithCancel(context.Background())
	d := &dialog{
		callID:  callID,
		session: s,
		state:   statePending,
		local:   local,
		remote:  remote,
		target:  target,
		invite:  req,
		tx:      tx,
		cancel:  dcancel,
	}
	m.track(d)
	if tx != nil {
		go m.watchCancel(dctx, d, tx)
	}

	log.WithFields(logrus.Fields{"call_id": s.ID, "from": caller, "to": dialled}).Info("incoming SIP call")
	m.respond(req, statusRinging, "Ringing")
	if !s.RelayInvite(req.Body()) {
		log.Warn("session did not take the offer")
		if m.forget(d) {
			m.respond(req, statusUnavailable, "Temporarily Unavailable")
		}
	}
}

func (m *Module) watchCancel(ctx context.Context, d *dialog, tx sip.ServerTransaction) {
	select {
	case req, ok := <-tx.Cancels():
		if ok && req != nil {
			m.cancelled(d)
		}
	case <-ctx.Done():
	}
}

func (m *Module) cancelled(d *dialog) {
	if !m.forget(d) {
		return
	}
	m.log.WithFields(logrus.Fields{"call_id": d.session.ID, "sip_call_id": d.callID}).Info("caller cancelled")
	m.respond(d.invite, statusRequestTerminated, "Request Terminated")
	d.session.RelayHangup()
}

func (m *Module) handleCancel(req sip.Request, _ sip.ServerTransaction) {
	d, ok := m.dialogFor(req)
	if !ok {
		m.respond(req, statusNoDialog, "Call/Transaction Does Not Exist")
		return
	}
	m.respond(req, statusOK, "OK")
	m.cancelled(d)
}

func (m *Module) handleAck(req sip.Request, _ sip.ServerTransaction) {
	m.log.WithField("sip_call_id", callIDOf(req)).Debug("received SIP ACK")
}

func (m *Module) handleBye(req sip.Request, _ sip.ServerTransaction) {
	d, ok := m.dialogFor(req)
	if !ok {
		m.respond(req, statusNoDialog, "Call/Transaction Does Not Exist")
		return
	}
	m.respond(req, statusOK, "OK")
	if m.forget(d) {
		m.log.WithFields(logrus.Fields{"call_id": d.session.ID, "sip_call_id": d.callID}).Info("remote hung up")
		d.session.RelayHangup()
	}
}

func (m *Module) respond(req sip.Request, status sip.StatusCode, reason string) {
	if _, err := m.srv.RespondOnRequest(req, status, reason, "", nil); err != nil {
		m.log.WithField("sip_call_id", callIDOf(req)).Warnf("send %d: %v", status, err)
	}
}
