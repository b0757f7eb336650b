package bridge

import (
	"context"

	"github.com/sirupsen/logrus"

	"pstnbridge/call"
	"pstnbridge/signalling"
)

// relay translates a session's backend signalling into outbound chat events
// stamped with the session's version and party id.
func (d *Dispatcher) relay(s *call.Session) func(call.Relay) {
	return func(r call.Relay) {
		ev := d.outbound(s, r)
		if err := d.outbox.Publish(context.Background(), Message{Event: &ev}); err != nil {
			d.log.WithFields(logrus.Fields{"scope": s.Scope, "call_id": s.ID, "action": r.Action}).Warnf("dropping relay: %v", err)
		}
	}
}

func (d *Dispatcher) outbound(s *call.Session, r call.Relay) signalling.Outbound {
	h := signalling.NewHeader(s.ID, s.Version, s.PartyID)
	out := signalling.Outbound{Scope: s.Scope, From: s.Remote}
	switch r.Action {
	case call.ActionInvite:
		out.Type = signalling.TypeInvite
		out.Content = &signalling.Invite{
			Header:   h,
			Lifetime: float64(d.cfg.InviteLifetime.Milliseconds()),
			Offer:    signalling.SessionDescription{SDP: r.SDP, Type: "offer"},
		}
	case call.ActionCandidates:
		cands := make([]signalling.Candidate, 0, len(r.Candidates))
		for _, c := range r.Candidates {
			cands = append(cands, signalling.Candidate{Candidate: c, SDPMid: "0"})
		}
		out.Type = signalling.TypeCandidates
		out.Content = &signalling.Candidates{Header: h, Candidates: cands}
	case call.ActionAccept:
		out.Type = signalling.TypeAnswer
		out.Content = &signalling.Answer{
			Header: h,
			Answer: signalling.SessionDescription{SDP: r.SDP, Type: "answer"},
		}
	case call.ActionHangup:
		out.Type = signalling.TypeHangup
		out.Content = &signalling.Hangup{Header: h}
	}
	return out
}
