package matrix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pstnbridge/signalling"
)

type hsRequest struct {
	method string
	path   string
	userID string
	auth   string
	body   map[string]any
}

type fakeHomeserver struct {
	mu       sync.Mutex
	requests []hsRequest
}

func (f *fakeHomeserver) handler(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.requests = append(f.requests, hsRequest{
		method: r.Method,
		path:   r.URL.Path,
		userID: r.URL.Query().Get("user_id"),
		auth:   r.Header.Get("Authorization"),
		body:   body,
	})
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/_matrix/client/v3/register":
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errcode":"M_USER_IN_USE","error":"taken"}`))
	case strings.HasSuffix(r.URL.Path, "/joined_members"):
		_, _ = w.Write([]byte(`{"joined":{"@bob:example.org":{},"@alice:example.org":{},"@_pstn_:example.org":{}}}`))
	case r.URL.Path == "/_matrix/client/v3/createRoom":
		_, _ = w.Write([]byte(`{"room_id":"!new:example.org"}`))
	case strings.Contains(r.URL.Path, "/rooms/!r:example.org/send/m.room.message/"):
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errcode":"M_FORBIDDEN","error":"not in room"}`))
	default:
		_, _ = w.Write([]byte(`{"event_id":"$sent"}`))
	}
}

func (f *fakeHomeserver) all() []hsRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]hsRequest(nil), f.requests...)
}

func newTestClient(t *testing.T) (*Client, *fakeHomeserver) {
	t.Helper()
	hs := &fakeHomeserver{}
	srv := httptest.NewServer(http.HandlerFunc(hs.handler))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "as-secret", testNS, quietLog()), hs
}

func TestSendCallEventAsPuppet(t *testing.T) {
	c, hs := newTestClient(t)
	ev := signalling.Outbound{
		Scope: "!r:example.org",
		From:  "+15550199",
		Type:  signalling.TypeAnswer,
		Content: &signalling.Answer{
			Header: signalling.NewHeader("c1", 1, "bridge-party"),
			Answer: signalling.SessionDescription{SDP: "v=0", Type: "answer"},
		},
	}
	require.NoError(t, c.SendCallEvent(context.Background(), ev))
	require.NoError(t, c.SendCallEvent(context.Background(), ev))

	reqs := hs.all()
	require.Len(t, reqs, 3, "puppet is registered once")
	assert.Equal(t, "/_matrix/client/v3/register", reqs[0].path)
	assert.Equal(t, "_pstn_tel-15550199", reqs[0].body["username"])
	assert.Equal(t, "Bearer as-secret", reqs[0].auth)

	send := reqs[1]
	assert.Equal(t, http.MethodPut, send.method)
	assert.True(t, strings.HasPrefix(send.path, "/_matrix/client/v3/rooms/!r:example.org/send/m.call.answer/"))
	assert.Equal(t, "@_pstn_tel-15550199:example.org", send.userID)
	assert.Equal(t, "c1", send.body["call_id"])
	assert.Equal(t, "bridge-party", send.body["party_id"])
	assert.Equal(t, float64(1), send.body["version"])
	assert.NotEqual(t, reqs[1].path, reqs[2].path, "each send uses a fresh transaction id")
}

func TestSendNoticeReturnsHomeserverError(t *testing.T) {
	c, hs := newTestClient(t)
	err := c.SendNotice(context.Background(), "!r:example.org", "hello")

	var merr *Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "M_FORBIDDEN", merr.ErrCode)
	assert.Equal(t, http.StatusForbidden, merr.Status)
	assert.Empty(t, hs.all()[0].userID, "notices are sent as the bot")
}

func TestSendTextAsPuppet(t *testing.T) {
	c, hs := newTestClient(t)
	require.NoError(t, c.SendText(context.Background(), "!dm:example.org", "+15550199", "running late"))

	reqs := hs.all()
	require.Len(t, reqs, 2)
	assert.Equal(t, "/_matrix/client/v3/register", reqs[0].path)
	send := reqs[1]
	assert.True(t, strings.HasPrefix(send.path, "/_matrix/client/v3/rooms/!dm:example.org/send/m.room.message/"))
	assert.Equal(t, "@_pstn_tel-15550199:example.org", send.userID)
	assert.Equal(t, map[string]any{"msgtype": "m.text", "body": "running late"}, send.body)
}

func TestCreateDirectRoom(t *testing.T) {
	c, hs := newTestClient(t)
	room, err := c.CreateDirectRoom(context.Background(), "!control:example.org", "+15550199")
	require.NoError(t, err)
	assert.Equal(t, "!new:example.org", room)

	var create hsRequest
	for _, r := range hs.all() {
		if r.path == "/_matrix/client/v3/createRoom" {
			create = r
		}
	}
	assert.Equal(t, "@_pstn_tel-15550199:example.org", create.userID)
	assert.Equal(t, true, create.body["is_direct"])
	assert.Equal(t, []any{"@alice:example.org", "@bob:example.org"}, create.body["invite"])
}
