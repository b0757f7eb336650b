package siptrunk

import (
	"context"
	"fmt"
	"strings"

	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/sip/parser"

	"pstnbridge/call"
	"pstnbridge/telephony"
)

type dialogState int

const (
	// outbound INVITE sent, no final response yet
	stateRinging dialogState = iota
	// inbound INVITE waiting for the chat side to answer
	statePending
	stateEstablished
)

func (s dialogState) String() string {
	switch s {
	case stateRinging:
		return "ringing"
	case statePending:
		return "pending"
	case stateEstablished:
		return "established"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// dialog is the SIP side of one bridged call.
type dialog struct {
	callID   string
	session  *call.Session
	outbound bool
	state    dialogState

	local  *sip.Address
	remote *sip.Address
	target sip.Uri
	cseq   uint

	invite sip.Request
	tx     sip.ServerTransaction
	cancel context.CancelFunc
}

// dialURI builds the request URI for number on trunk. The prefix replaces
// the leading plus of the E.164 form.
func dialURI(number, trunk, prefix string) (sip.Uri, error) {
	n, err := telephony.NormalizeNumber(number)
	if err != nil {
		return nil, err
	}
	if trunk == "" {
		return nil, fmt.Errorf("no trunk configured for %s", n)
	}
	uri, err := parser.ParseUri(fmt.Sprintf("sip:%s%s@%s", prefix, telephony.Digits(n), trunk))
	if err != nil {
		return nil, fmt.Errorf("parse uri: %w", err)
	}
	return uri, nil
}

// userOf returns the user part of a SIP address.
func userOf(uri sip.Uri) string {
	if uri == nil {
		return ""
	}
	u := uri.User()
	if u == nil {
		return ""
	}
	return strings.TrimSpace(u.String())
}

func withTag(addr *sip.Address, tag sip.MaybeString) {
	if addr.Params == nil {
		addr.Params = sip.NewParams()
	}
	addr.Params = addr.Params.Add("tag", tag)
}

func callIDOf(msg sip.Message) string {
	cid, ok := msg.CallID()
	if !ok || cid == nil {
		return ""
	}
	return cid.String()
}
