package signalling

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inbound(t EventType, content string) Inbound {
	return Inbound{
		Scope:   "!room:example.org",
		Sender:  "@alice:example.org",
		EventID: "$event",
		Type:    t,
		Content: []byte(content),
	}
}

func newValidator(t *testing.T, rev Revision) *Validator {
	t.Helper()
	v, err := NewValidator(rev)
	require.NoError(t, err)
	return v
}

func TestValidateInvite(t *testing.T) {
	v := newValidator(t, RevisionPartyID)
	ev, err := v.Validate(inbound(TypeInvite,
		`{"call_id":"a","version":0,"lifetime":60000,"offer":{"sdp":"v=0","type":"offer"}}`))
	require.NoError(t, err)

	inv, ok := ev.Content.(*Invite)
	require.True(t, ok)
	assert.Equal(t, "a", ev.CallID())
	assert.Equal(t, 0, ev.Version())
	assert.Equal(t, float64(60000), inv.Lifetime)
	assert.Equal(t, "v=0", inv.Offer.SDP)
	assert.Equal(t, "!room:example.org", ev.Scope)
}

func TestValidateCandidates(t *testing.T) {
	v := newValidator(t, RevisionPartyID)
	ev, err := v.Validate(inbound(TypeCandidates,
		`{"call_id":"a","version":1,"party_id":"p","candidates":[{"candidate":"candidate:1","sdpMLineIndex":0,"sdpMid":"0"}]}`))
	require.NoError(t, err)

	c := ev.Content.(*Candidates)
	assert.Equal(t, []string{"candidate:1"}, c.Strings())
	assert.Equal(t, "p", ev.PartyID())
}

func TestValidateAcceptsFractionalNumbers(t *testing.T) {
	v := newValidator(t, RevisionPartyID)

	ev, err := v.Validate(inbound(TypeInvite,
		`{"call_id":"a","version":1.0,"party_id":"p","lifetime":60000.5,"offer":{"sdp":"v=0","type":"offer"}}`))
	require.NoError(t, err)
	assert.Equal(t, 1, ev.Version())
	assert.Equal(t, 60000.5, ev.Content.(*Invite).Lifetime)

	ev, err = v.Validate(inbound(TypeCandidates,
		`{"call_id":"a","version":0,"candidates":[{"candidate":"candidate:1","sdpMLineIndex":0.5,"sdpMid":"0"}]}`))
	require.NoError(t, err)
	assert.Equal(t, 0.5, ev.Content.(*Candidates).Candidates[0].SDPMLineIndex)

	_, err = v.Validate(inbound(TypeHangup, `{"call_id":"a","version":1.5,"party_id":"p"}`))
	var unsupported *UnsupportedVersionError
	assert.ErrorAs(t, err, &unsupported)
}

func TestValidateRejectsMalformed(t *testing.T) {
	v := newValidator(t, RevisionLegacy)
	tests := []struct {
		name    string
		typ     EventType
		content string
	}{
		{"not json", TypeHangup, `{`},
		{"not object", TypeHangup, `[1,2]`},
		{"missing call id", TypeHangup, `{"version":0}`},
		{"call id wrong type", TypeHangup, `{"call_id":5,"version":0}`},
		{"missing version", TypeHangup, `{"call_id":"a"}`},
		{"invite without offer", TypeInvite, `{"call_id":"a","version":0,"lifetime":1000}`},
		{"offer with answer type", TypeInvite, `{"call_id":"a","version":0,"lifetime":1000,"offer":{"sdp":"x","type":"answer"}}`},
		{"answer without sdp", TypeAnswer, `{"call_id":"a","version":0,"answer":{"type":"answer"}}`},
		{"candidate missing mid", TypeCandidates, `{"call_id":"a","version":0,"candidates":[{"candidate":"c","sdpMLineIndex":0}]}`},
		{"unknown type", EventType("m.call.select_answer"), `{"call_id":"a","version":0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(inbound(tt.typ, tt.content))
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.typ, verr.Type)
		})
	}
}

func TestVersionTwoAlwaysRejected(t *testing.T) {
	contents := map[EventType]string{
		TypeInvite:     `{"call_id":"a","version":2,"party_id":"p","lifetime":1000,"offer":{"sdp":"x","type":"offer"}}`,
		TypeCandidates: `{"call_id":"a","version":2,"candidates":[]}`,
		TypeAnswer:     `{"call_id":"a","version":2,"answer":{"sdp":"x","type":"answer"}}`,
		TypeHangup:     `{"version":2}`,
		TypeReject:     `{"version":2,"weird":true}`,
	}
	for _, rev := range []Revision{RevisionLegacy, RevisionPartyID} {
		v := newValidator(t, rev)
		for typ, content := range contents {
			_, err := v.Validate(inbound(typ, content))
			var unsupported *UnsupportedVersionError
			assert.True(t, errors.As(err, &unsupported), "%s %s", rev, typ)
		}
	}
}

func TestPartyIDRequiredAtVersionOne(t *testing.T) {
	content := `{"call_id":"a","version":1,"answer":{"sdp":"x","type":"answer"}}`

	_, err := newValidator(t, RevisionPartyID).Validate(inbound(TypeAnswer, content))
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = newValidator(t, RevisionLegacy).Validate(inbound(TypeAnswer, content))
	assert.NoError(t, err)

	_, err = newValidator(t, RevisionPartyID).Validate(inbound(TypeAnswer,
		`{"call_id":"a","version":0,"answer":{"sdp":"x","type":"answer"}}`))
	assert.NoError(t, err)
}

func TestRejectPerRevision(t *testing.T) {
	v0 := `{"call_id":"a","version":0}`
	v1 := `{"call_id":"a","version":1,"party_id":"p"}`
	v1NoParty := `{"call_id":"a","version":1}`

	legacy := newValidator(t, RevisionLegacy)
	for _, c := range []string{v0, v1, v1NoParty} {
		_, err := legacy.Validate(inbound(TypeReject, c))
		assert.NoError(t, err, c)
	}

	partyID := newValidator(t, RevisionPartyID)
	_, err := partyID.Validate(inbound(TypeReject, v1))
	assert.NoError(t, err)
	for _, c := range []string{v0, v1NoParty} {
		_, err := partyID.Validate(inbound(TypeReject, c))
		assert.Error(t, err, c)
	}
}

func TestInviteExpiry(t *testing.T) {
	v := newValidator(t, RevisionPartyID)
	now := time.Now()

	in := inbound(TypeInvite, `{"call_id":"a","version":0,"lifetime":1000,"offer":{"sdp":"x","type":"offer"}}`)
	in.Timestamp = now.Add(-2000 * time.Millisecond)
	ev, err := v.Validate(in)
	require.NoError(t, err)
	assert.True(t, ev.Expired(now))

	in.Timestamp = now.Add(-500 * time.Millisecond)
	ev, err = v.Validate(in)
	require.NoError(t, err)
	assert.False(t, ev.Expired(now))

	in.Timestamp = time.Time{}
	ev, err = v.Validate(in)
	require.NoError(t, err)
	assert.False(t, ev.Expired(now))
}

func TestNonInviteNeverExpires(t *testing.T) {
	v := newValidator(t, RevisionPartyID)
	in := inbound(TypeHangup, `{"call_id":"a","version":0}`)
	in.Timestamp = time.Unix(0, 0)
	ev, err := v.Validate(in)
	require.NoError(t, err)
	assert.False(t, ev.Expired(time.Now()))
}

func TestNewHeader(t *testing.T) {
	assert.Equal(t, Header{CallID: "a", Version: 0}, NewHeader("a", 0, "p"))
	assert.Equal(t, Header{CallID: "a", Version: 1, PartyID: "p"}, NewHeader("a", 1, "p"))
}
