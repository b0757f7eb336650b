// Package pstream bridges calls through a hosted voice service's client
// signalling stream. Every call gets its own stream and client identity;
// calls to a linked number reach the bridge through a webhook that dials
// that identity.
package pstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"pstnbridge/call"
	"pstnbridge/telephony"
)

// Name is the module name used in control configs.
const Name = "pstream"

// DefaultURL is the public signalling endpoint.
const DefaultURL = "wss://chunderw-vpc-gll.twilio.com/signal"

// Config holds the module settings. APIURL is the REST endpoint used for
// text messages.
type Config struct {
	URL         string
	APIURL      string
	DialTimeout time.Duration
	RingTimeout time.Duration
}

// Module is the pstream telephony backend.
type Module struct {
	cfg    Config
	log    *logrus.Entry
	api    *resty.Client
	engine telephony.Engine
	tokens TokenResolver

	mu         sync.Mutex
	calls      map[call.Key]*callStream
	byIdentity map[string]*callStream
}

type callStream struct {
	session  *call.Session
	config   telephony.SessionConfig
	identity string
	stream   *Stream
	cancel   context.CancelFunc

	mu       sync.Mutex
	remoteID string
}

func (c *callStream) setRemote(id string) {
	c.mu.Lock()
	c.remoteID = id
	c.mu.Unlock()
}

func (c *callStream) remote() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteID
}

type callPayload struct {
	CallSID string `json:"callsid"`
	SDP     string `json:"sdp"`
}

type invitePayload struct {
	CallSID   string            `json:"callsid"`
	SDP       string            `json:"sdp"`
	Preflight bool              `json:"preflight"`
	Twilio    map[string]string `json:"twilio"`
}

type candidatePayload struct {
	CallSID   string `json:"callsid"`
	Candidate string `json:"candidate"`
}

// New creates the module.
func New(cfg Config, log *logrus.Entry) *Module {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 60 * time.Second
	}
	return &Module{
		cfg:        cfg,
		log:        log,
		api:        newAPIClient(cfg.APIURL),
		calls:      make(map[call.Key]*callStream),
		byIdentity: make(map[string]*callStream),
	}
}

func (m *Module) Name() string { return Name }

// Calls returns the number of open signalling streams.
func (m *Module) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// open mints a token for a fresh identity and connects its stream. The
// returned context lives until the call is forgotten.
func (m *Module) open(ctx context.Context, cfg telephony.SessionConfig, s *call.Session) (*callStream, context.Context, error) {
	creds, err := CredentialsFrom(cfg)
	if err != nil {
		return nil, nil, err
	}
	identity := newIdentity()
	token, err := creds.AccessToken(identity, time.Now())
	if err != nil {
		return nil, nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	st, err := Dial(dctx, m.cfg.URL, token, m.log.WithField("call_id", s.ID))
	if err != nil {
		return nil, nil, err
	}

	fctx, fcancel := context.WithCancel(context.Background())
	cs := &callStream{session: s, config: cfg, identity: identity, stream: st, cancel: fcancel}
	m.mu.Lock()
	m.calls[s.Key()] = cs
	m.byIdentity[identity] = cs
	m.mu.Unlock()

	s.OnEnded(func() {
		go func() {
			if err := m.terminate(cs); err != nil {
				m.log.WithField("call_id", s.ID).Debugf("release stream: %v", err)
			}
		}()
	})
	return cs, fctx, nil
}

// forget drops cs and reports whether it was still tracked.
func (m *Module) forget(cs *callStream) bool {
	m.mu.Lock()
	cur, ok := m.byIdentity[cs.identity]
	if !ok || cur != cs {
		m.mu.Unlock()
		return false
	}
	delete(m.byIdentity, cs.identity)
	if m.calls[cs.session.Key()] == cs {
		delete(m.calls, cs.session.Key())
	}
	m.mu.Unlock()
	cs.cancel()
	return true
}

func (m *Module) lookup(s *call.Session) (*callStream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.calls[s.Key()]
	return cs, ok
}

// terminate sends a hangup for the remote leg, if one is known, and closes
// the stream.
func (m *Module) terminate(cs *callStream) error {
	if !m.forget(cs) {
		return nil
	}
	defer cs.stream.Close()
	if id := cs.remote(); id != "" {
		return cs.stream.Send("hangup", map[string]string{"callsid": id})
	}
	return nil
}

// ForwardInvite opens a stream for the call and sends the offer. The answer
// is relayed once the remote leg picks up.
func (m *Module) ForwardInvite(ctx context.Context, cfg telephony.SessionConfig, s *call.Session, offer string) error {
	cs, fctx, err := m.open(ctx, cfg, s)
	if err != nil {
		return err
	}
	err = cs.stream.Send("invite", invitePayload{
		SDP:    offer,
		Twilio: map[string]string{"params": outgoingParam + "=" + cs.identity},
	})
	if err != nil {
		if m.forget(cs) {
			cs.stream.Close()
		}
		return err
	}
	m.log.WithFields(logrus.Fields{"call_id": s.ID, "identity": cs.identity}).Info("invite sent")
	go m.follow(fctx, cs, "answer")
	return nil
}

// ForwardCandidates is a no-op: the service gathers media candidates itself.
func (m *Module) ForwardCandidates(_ context.Context, _ telephony.SessionConfig, s *call.Session, candidates []string) error {
	m.log.WithField("call_id", s.ID).Debugf("ignoring %d candidates", len(candidates))
	return nil
}

// ForwardAccept answers the remote leg that invited the stream.
func (m *Module) ForwardAccept(_ context.Context, _ telephony.SessionConfig, s *call.Session, answer string) error {
	cs, ok := m.lookup(s)
	if !ok {
		return fmt.Errorf("no signalling stream for %s", s.ID)
	}
	id := cs.remote()
	if id == "" {
		return fmt.Errorf("no remote leg for %s", s.ID)
	}
	return cs.stream.Send("answer", callPayload{CallSID: id, SDP: answer})
}

// ForwardHangup hangs up the remote leg and closes the stream.
func (m *Module) ForwardHangup(_ context.Context, _ telephony.SessionConfig, s *call.Session) error {
	cs, ok := m.lookup(s)
	if !ok {
		return nil
	}
	return m.terminate(cs)
}

// follow relays the remote leg's signalling until the call ends. expect is
// the frame carrying the remote description: invite for inbound calls and
// answer for outbound ones.
func (m *Module) follow(ctx context.Context, cs *callStream, expect string) {
	s := cs.session
	log := m.log.WithFields(logrus.Fields{"call_id": s.ID, "identity": cs.identity})
	for {
		f, err := cs.stream.Next(ctx)
		if err != nil {
			if ctx.Err() == nil && m.forget(cs) {
				log.Infof("signalling stream lost: %v", err)
				cs.stream.Close()
				s.RelayHangup()
			}
			return
		}

		switch f.Type {
		case "invite", "answer":
			if f.Type != expect {
				log.Debugf("unexpected %s frame", f.Type)
				continue
			}
			var p callPayload
			if err := f.Decode(&p); err != nil || p.CallSID == "" || p.SDP == "" {
				log.Warnf("invalid %s frame", f.Type)
				if m.forget(cs) {
					cs.stream.Close()
					s.Fail()
					s.RelayHangup()
				}
				return
			}
			cs.setRemote(p.CallSID)
			var applied bool
			if f.Type == "invite" {
				applied = s.RelayInvite(p.SDP)
			} else {
				applied = s.RelayAccept(p.SDP)
			}
			if !applied {
				log.Debugf("%s not applied in state %s", f.Type, s.State())
			}
		case "candidate":
			var p candidatePayload
			if err := f.Decode(&p); err != nil || p.Candidate == "" {
				continue
			}
			s.RelayCandidates([]string{p.Candidate})
		case "hangup", "cancel":
			log.Infof("remote leg sent %s", f.Type)
			if m.forget(cs) {
				cs.stream.Close()
				s.RelayHangup()
			}
			return
		default:
			log.Debugf("ignoring %s frame", f.Type)
		}
	}
}
