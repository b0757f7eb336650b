package siptrunk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ghettovoice/gosip/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pstnbridge/telephony"
)

var messageConfig = telephony.SessionConfig{Control: "!control:example.org", Module: Name, Number: "+15550100"}

// captureMessage makes the next MESSAGE use tx and records the request.
func captureMessage(m *Module, tx *fakeTx) <-chan sip.Request {
	sent := make(chan sip.Request, 1)
	m.request = func(req sip.Request) (clientTx, error) {
		sent <- req
		return tx, nil
	}
	return sent
}

func TestSendMessageAccepted(t *testing.T) {
	m, _, _ := newTestModule(t)
	tx := newFakeTx()
	sent := captureMessage(m, tx)

	done := make(chan error, 1)
	go func() { done <- m.SendMessage(context.Background(), messageConfig, "+15550123", "running late") }()

	var req sip.Request
	select {
	case req = <-sent:
	case <-time.After(time.Second):
		t.Fatal("no MESSAGE sent")
	}
	assert.Equal(t, sip.MESSAGE, req.Method())
	assert.Equal(t, "running late", req.Body())
	assert.Equal(t, "+15550123", userOf(req.Recipient()))
	from, ok := req.From()
	require.True(t, ok)
	assert.Equal(t, "+15550100", userOf(from.Address))
	ct, ok := req.ContentType()
	require.True(t, ok)
	assert.Equal(t, textType, string(*ct))

	tx.responses <- sip.NewResponseFromRequest("", req, 100, "Trying", "")
	tx.responses <- sip.NewResponseFromRequest("", req, 202, "Accepted", "")
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("SendMessage did not return")
	}
}

func TestSendMessageRejected(t *testing.T) {
	m, _, _ := newTestModule(t)
	tx := newFakeTx()
	captureMessage(m, tx)
	tx.responses <- sip.NewResponseFromRequest("", request(t, sip.MESSAGE, "15550100", "15550123", "hi"), statusNotFound, "Not Found", "")

	err := m.SendMessage(context.Background(), messageConfig, "+15550123", "hi")
	assert.EqualError(t, err, "trunk rejected message: 404 Not Found")
}

func TestSendMessageTransportError(t *testing.T) {
	m, _, _ := newTestModule(t)
	tx := newFakeTx()
	captureMessage(m, tx)
	tx.errs <- errors.New("connection refused")

	err := m.SendMessage(context.Background(), messageConfig, "+15550123", "hi")
	assert.ErrorContains(t, err, "connection refused")
}

func TestSendMessageHonoursContext(t *testing.T) {
	m, _, _ := newTestModule(t)
	captureMessage(m, newFakeTx())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := m.SendMessage(ctx, messageConfig, "+15550123", "hi")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendMessageInvalidNumber(t *testing.T) {
	m, _, _ := newTestModule(t)
	err := m.SendMessage(context.Background(), messageConfig, "not a number", "hi")
	assert.ErrorIs(t, err, telephony.ErrInvalidNumber)
}

func TestInboundMessage(t *testing.T) {
	m, tr, eng := newTestModule(t)

	m.handleMessage(request(t, sip.MESSAGE, "15550123", "15550100", "call me back"), nil)
	assert.Equal(t, []sip.StatusCode{statusOK}, tr.statuses())
	assert.Equal(t, []incomingText{{control: "!control:example.org", remote: "+15550123", body: "call me back"}}, eng.texts)
	assert.Zero(t, m.Dialogs())
}

func TestInboundMessageRejected(t *testing.T) {
	tests := []struct {
		name   string
		from   string
		to     string
		body   string
		fail   bool
		status sip.StatusCode
	}{
		{name: "empty body", from: "15550123", to: "15550100", status: statusBadRequest},
		{name: "unlinked number", from: "15550123", to: "15559999", body: "hi", status: statusNotFound},
		{name: "anonymous sender", from: "anonymous", to: "15550100", body: "hi", status: statusAnonymityDisallowed},
		{name: "engine refuses", from: "15550123", to: "15550100", body: "hi", fail: true, status: statusUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, tr, eng := newTestModule(t)
			eng.fail = tt.fail
			m.handleMessage(request(t, sip.MESSAGE, tt.from, tt.to, tt.body), nil)
			assert.Equal(t, []sip.StatusCode{tt.status}, tr.statuses())
			assert.Empty(t, eng.texts)
		})
	}
}

func TestInboundMessageUnsupportedType(t *testing.T) {
	m, tr, eng := newTestModule(t)
	req := request(t, sip.MESSAGE, "15550123", "15550100", "hi")
	req.RemoveHeader("Content-Type")
	ctype := sip.ContentType("application/im-iscomposing+xml")
	req.AppendHeader(&ctype)

	m.handleMessage(req, nil)
	assert.Equal(t, []sip.StatusCode{statusUnsupportedMediaType}, tr.statuses())
	assert.Empty(t, eng.texts)
}
