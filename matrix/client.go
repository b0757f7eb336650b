package matrix

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pstnbridge/signalling"
)

// Error is an error response from the homeserver.
type Error struct {
	Status  int    `json:"-"`
	ErrCode string `json:"errcode"`
	Message string `json:"error"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("homeserver returned %d %s: %s", e.Status, e.ErrCode, e.Message)
}

// Client talks to the homeserver's client-server API with the application
// service token, asserting the identity of bridge users.
type Client struct {
	http *resty.Client
	ns   Namespace
	log  *logrus.Entry

	mu         sync.Mutex
	registered map[string]bool
}

// NewClient creates a client for the homeserver at baseURL.
func NewClient(baseURL, asToken string, ns Namespace, log *logrus.Entry) *Client {
	hc := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(asToken).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")
	return &Client{http: hc, ns: ns, log: log, registered: make(map[string]bool)}
}

// Namespace returns the users the client acts for.
func (c *Client) Namespace() Namespace { return c.ns }

// request starts a request on behalf of userID; the bot is used when userID
// is empty.
func (c *Client) request(ctx context.Context, userID string, result any) *resty.Request {
	req := c.http.R().SetContext(ctx).SetError(&Error{})
	if userID != "" && userID != c.ns.BotID() {
		req.SetQueryParam("user_id", userID)
	}
	if result != nil {
		req.SetResult(result)
	}
	return req
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.IsError() {
		if merr, ok := resp.Error().(*Error); ok && merr.ErrCode != "" {
			merr.Status = resp.StatusCode()
			return merr
		}
		return &Error{Status: resp.StatusCode(), Message: resp.Status()}
	}
	return nil
}

// EnsureRegistered registers a bridge user once per process.
func (c *Client) EnsureRegistered(ctx context.Context, userID string) error {
	c.mu.Lock()
	done := c.registered[userID]
	c.mu.Unlock()
	if done {
		return nil
	}

	local, _, _ := splitUserID(userID)
	err := check(c.request(ctx, "", nil).
		SetBody(map[string]any{"type": "m.login.application_service", "username": local}).
		Post("/_matrix/client/v3/register"))
	var merr *Error
	if errors.As(err, &merr) && merr.ErrCode == "M_USER_IN_USE" {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("register %s: %w", userID, err)
	}

	c.mu.Lock()
	c.registered[userID] = true
	c.mu.Unlock()
	return nil
}

func (c *Client) sendEvent(ctx context.Context, userID, room, eventType string, content any) (string, error) {
	var out struct {
		EventID string `json:"event_id"`
	}
	err := check(c.request(ctx, userID, &out).
		SetPathParams(map[string]string{"room": room, "type": eventType, "txn": uuid.NewString()}).
		SetBody(content).
		Put("/_matrix/client/v3/rooms/{room}/send/{type}/{txn}"))
	if err != nil {
		return "", fmt.Errorf("send %s to %s: %w", eventType, room, err)
	}
	return out.EventID, nil
}

// SendCallEvent sends a call event as the puppet of the event's phone
// endpoint.
func (c *Client) SendCallEvent(ctx context.Context, ev signalling.Outbound) error {
	user := c.ns.PuppetID(ev.From)
	if err := c.EnsureRegistered(ctx, user); err != nil {
		return err
	}
	id, err := c.sendEvent(ctx, user, ev.Scope, string(ev.Type), ev.Content)
	if err != nil {
		return err
	}
	c.log.WithFields(logrus.Fields{"room": ev.Scope, "type": ev.Type, "event_id": id}).Debug("sent call event")
	return nil
}

// SendNotice posts a notice as the bridge bot.
func (c *Client) SendNotice(ctx context.Context, room, text string) error {
	_, err := c.sendEvent(ctx, "", room, "m.room.message", map[string]string{"msgtype": "m.notice", "body": text})
	return err
}

// SendText posts a plain text message as the puppet of the phone number
// from.
func (c *Client) SendText(ctx context.Context, room, from, body string) error {
	user := c.ns.PuppetID(from)
	if err := c.EnsureRegistered(ctx, user); err != nil {
		return err
	}
	_, err := c.sendEvent(ctx, user, room, "m.room.message", map[string]string{"msgtype": "m.text", "body": body})
	return err
}

// JoinedMembers lists the users joined to a room, sorted.
func (c *Client) JoinedMembers(ctx context.Context, room string) ([]string, error) {
	var out struct {
		Joined map[string]any `json:"joined"`
	}
	err := check(c.request(ctx, "", &out).
		SetPathParam("room", room).
		Get("/_matrix/client/v3/rooms/{room}/joined_members"))
	if err != nil {
		return nil, fmt.Errorf("joined members of %s: %w", room, err)
	}
	members := make([]string, 0, len(out.Joined))
	for id := range out.Joined {
		members = append(members, id)
	}
	sort.Strings(members)
	return members, nil
}

// SetDisplayName sets a bridge user's display name.
func (c *Client) SetDisplayName(ctx context.Context, userID, name string) error {
	return check(c.request(ctx, userID, nil).
		SetPathParam("user", userID).
		SetBody(map[string]string{"displayname": name}).
		Put("/_matrix/client/v3/profile/{user}/displayname"))
}

// CreateDirectRoom opens a direct room from remote's puppet to every human
// member of the control room.
func (c *Client) CreateDirectRoom(ctx context.Context, control, remote string) (string, error) {
	puppet := c.ns.PuppetID(remote)
	if err := c.EnsureRegistered(ctx, puppet); err != nil {
		return "", err
	}
	if err := c.SetDisplayName(ctx, puppet, remote); err != nil {
		c.log.WithField("user", puppet).Warnf("set display name: %v", err)
	}

	members, err := c.JoinedMembers(ctx, control)
	if err != nil {
		return "", err
	}
	invite := make([]string, 0, len(members))
	for _, m := range members {
		if !c.ns.Owns(m) {
			invite = append(invite, m)
		}
	}

	var out struct {
		RoomID string `json:"room_id"`
	}
	err = check(c.request(ctx, puppet, &out).
		SetBody(map[string]any{
			"preset":     "private_chat",
			"visibility": "private",
			"invite":     invite,
			"is_direct":  true,
		}).
		Post("/_matrix/client/v3/createRoom"))
	if err != nil {
		return "", fmt.Errorf("create room for %s: %w", remote, err)
	}
	return out.RoomID, nil
}
