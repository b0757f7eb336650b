package siptrunk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ghettovoice/gosip/sip"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pstnbridge/telephony"
)

const textType = "text/plain;charset=UTF-8"

// messageTimeout bounds waiting for the trunk's final response to a MESSAGE.
const messageTimeout = 32 * time.Second

// SendMessage sends body as a SIP MESSAGE from the linked number to remote
// and waits for the trunk to accept it.
func (m *Module) SendMessage(ctx context.Context, cfg telephony.SessionConfig, remote, body string) error {
	target, err := dialURI(remote, cfg.Get("trunk", m.cfg.Trunk), cfg.Get("dial_prefix", m.cfg.DialPrefix))
	if err != nil {
		return err
	}
	local, err := m.localAddress(cfg.Number)
	if err != nil {
		return err
	}

	cid := sip.CallID(uuid.NewString())
	ctype := sip.ContentType(textType)
	req, err := sip.NewRequestBuilder().
		SetMethod(sip.MESSAGE).
		SetRecipient(target).
		SetFrom(local).
		SetTo(&sip.Address{Uri: target, Params: sip.NewParams()}).
		SetCallID(&cid).
		SetSeqNo(1).
		SetContentType(&ctype).
		SetBody(body).
		Build()
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}
	tx, err := m.request(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, messageTimeout)
	defer cancel()
	errs := tx.Errors()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("send message: %w", ctx.Err())
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			return fmt.Errorf("send message: %w", err)
		case res, ok := <-tx.Responses():
			if !ok || res == nil {
				return errors.New("send message: transaction ended without a response")
			}
			if res.IsProvisional() {
				continue
			}
			if code := res.StatusCode(); code < 200 || code >= 300 {
				return fmt.Errorf("trunk rejected message: %d %s", code, res.Reason())
			}
			m.log.WithFields(logrus.Fields{"sip_call_id": string(cid), "to": target.String()}).Debug("message delivered")
			return nil
		}
	}
}

// handleMessage posts a MESSAGE from the trunk to the sender's room under
// the control owning the dialled number.
func (m *Module) handleMessage(req sip.Request, _ sip.ServerTransaction) {
	log := m.log.WithField("sip_call_id", callIDOf(req))
	to, okTo := req.To()
	from, okFrom := req.From()
	if !okTo || !okFrom || to.Address == nil || from.Address == nil {
		m.respond(req, statusBadRequest, "Bad Request")
		return
	}
	if ct, ok := req.ContentType(); ok && !strings.HasPrefix(strings.ToLower(string(*ct)), "text/plain") {
		m.respond(req, statusUnsupportedMediaType, "Unsupported Media Type")
		return
	}
	body := req.Body()
	if body == "" {
		m.respond(req, statusBadRequest, "Bad Request")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	dialled := userOf(to.Address)
	cfg, err := m.resolver.ControlForNumber(ctx, dialled)
	if err != nil || cfg.Module != Name {
		log.Warnf("message for unknown extension %s", dialled)
		m.respond(req, statusNotFound, "Not Found")
		return
	}
	sender, err := telephony.NormalizeNumber(userOf(from.Address))
	if err != nil {
		log.Infof("rejecting message from %q: %v", userOf(from.Address), err)
		m.respond(req, statusAnonymityDisallowed, "Anonymity Disallowed")
		return
	}
	if err := m.engine.IncomingText(ctx, cfg.Control, sender, body); err != nil {
		log.Warnf("incoming message from %s: %v", sender, err)
		m.respond(req, statusUnavailable, "Temporarily Unavailable")
		return
	}
	log.WithFields(logrus.Fields{"from": sender, "to": dialled}).Debug("incoming message")
	m.respond(req, statusOK, "OK")
}
