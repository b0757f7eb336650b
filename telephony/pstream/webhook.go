package pstream

import (
	"context"
	"encoding/xml"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"pstnbridge/telephony"
)

// outgoingParam carries the client identity from an invite to the
// outgoing call webhook.
const outgoingParam = "Bridge"

// outgoingTimeout is how long the service rings the dialled number.
const outgoingTimeout = 30 * time.Second

// TokenResolver maps a webhook token to the control config it was minted
// for.
type TokenResolver interface {
	ControlForToken(ctx context.Context, token string) (telephony.SessionConfig, error)
}

type configKey struct{}

type twiml struct {
	XMLName xml.Name `xml:"Response"`
	Dial    *dial    `xml:"Dial,omitempty"`
	Say     string   `xml:"Say,omitempty"`
}

type dial struct {
	Timeout  int     `xml:"timeout,attr"`
	CallerID string  `xml:"callerId,attr,omitempty"`
	Client   *client `xml:"Client,omitempty"`
	Number   string  `xml:"Number,omitempty"`
}

type client struct {
	Identity string `xml:"Identity"`
}

// Serve sets the collaborators used by the webhooks.
func (m *Module) Serve(engine telephony.Engine, tokens TokenResolver) {
	m.engine = engine
	m.tokens = tokens
}

// Mount adds the webhook routes to r.
func (m *Module) Mount(r chi.Router) {
	r.Route("/webhook/pstream/{token}", func(r chi.Router) {
		r.Use(m.authenticate)
		r.Post("/call/incoming", m.handleIncoming)
		r.Post("/call/outgoing", m.handleOutgoing)
		r.Post("/message", m.handleMessage)
	})
}

func (m *Module) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg, err := m.tokens.ControlForToken(r.Context(), chi.URLParam(r, "token"))
		if err != nil || cfg.Module != Name {
			m.log.Debugf("webhook with unknown token: %v", err)
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), configKey{}, cfg)))
	})
}

func configFrom(ctx context.Context) telephony.SessionConfig {
	cfg, _ := ctx.Value(configKey{}).(telephony.SessionConfig)
	return cfg
}

// handleIncoming takes a call to the linked number. The reply dials a fresh
// client identity whose stream then receives the invite.
func (m *Module) handleIncoming(w http.ResponseWriter, r *http.Request) {
	cfg := configFrom(r.Context())
	if err := r.ParseForm(); err != nil {
		m.fail(w, "unreadable incoming call request: %v", err)
		return
	}
	from, sid := r.PostForm.Get("From"), r.PostForm.Get("CallSid")
	if from == "" || sid == "" {
		m.fail(w, "incoming call request without From or CallSid")
		return
	}
	caller, err := telephony.NormalizeNumber(from)
	if err != nil {
		m.fail(w, "incoming call from %q: %v", from, err)
		return
	}

	s, err := m.engine.IncomingCall(r.Context(), cfg.Control, caller)
	if err != nil {
		m.fail(w, "incoming call from %s: %v", caller, err)
		return
	}
	cs, fctx, err := m.open(r.Context(), cfg, s)
	if err != nil {
		s.Fail()
		m.fail(w, "open signalling stream: %v", err)
		return
	}

	m.log.WithFields(logrus.Fields{"call_id": s.ID, "call_sid": sid, "from": caller}).Info("incoming call")
	writeTwiML(w, twiml{Dial: &dial{
		Timeout: int(m.cfg.RingTimeout / time.Second),
		Client:  &client{Identity: cs.identity},
	}})
	go m.follow(fctx, cs, "invite")
}

// handleOutgoing tells the service which number an invite from one of our
// identities should ring.
func (m *Module) handleOutgoing(w http.ResponseWriter, r *http.Request) {
	cfg := configFrom(r.Context())
	if err := r.ParseForm(); err != nil {
		m.fail(w, "unreadable outgoing call request: %v", err)
		return
	}
	identity := r.PostForm.Get(outgoingParam)

	m.mu.Lock()
	cs, ok := m.byIdentity[identity]
	m.mu.Unlock()
	if !ok || cs.config.Control != cfg.Control {
		m.fail(w, "outgoing call request for unknown identity %q", identity)
		return
	}

	writeTwiML(w, twiml{Dial: &dial{
		Timeout:  int(outgoingTimeout / time.Second),
		CallerID: cs.config.Number,
		Number:   cs.session.Remote,
	}})
}

func (m *Module) fail(w http.ResponseWriter, format string, args ...any) {
	m.log.Warnf(format, args...)
	writeTwiML(w, twiml{Say: "Error processing call"})
}

// writeTwiML replies with the document. The XML declaration is left out:
// the service refuses documents that carry one.
func writeTwiML(w http.ResponseWriter, doc twiml) {
	body, err := xml.Marshal(doc)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
