package pstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Version is the signalling protocol version sent with every frame.
const Version = "1.5"

const writeTimeout = 10 * time.Second

// ErrStreamClosed is returned once the signalling stream is gone.
var ErrStreamClosed = errors.New("signalling stream closed")

// Frame is one signalling message.
type Frame struct {
	Type    string          `json:"type"`
	Version string          `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}

// Stream is a client signalling stream bound to one identity.
type Stream struct {
	conn *websocket.Conn
	log  *logrus.Entry

	writeMu sync.Mutex
	frames  chan Frame
	done    chan struct{}
	once    sync.Once
}

// Dial connects to the signalling service at url and completes the
// listen/register handshake with token.
func Dial(ctx context.Context, url, token string, log *logrus.Entry) (*Stream, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signalling: %w", err)
	}
	s := &Stream{
		conn:   conn,
		log:    log,
		frames: make(chan Frame, 16),
		done:   make(chan struct{}),
	}
	go s.readLoop()

	if err := s.handshake(ctx, token); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Stream) handshake(ctx context.Context, token string) error {
	if err := s.Send("listen", map[string]string{"token": token}); err != nil {
		return err
	}
	if _, err := s.Expect(ctx, "connected"); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if err := s.Send("register", map[string]any{"media": map[string]bool{"audio": true}}); err != nil {
		return err
	}
	if _, err := s.Expect(ctx, "ready"); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return nil
}

// Send writes a frame of the given type.
func (s *Stream) Send(typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", typ, err)
	}
	msg, err := json.Marshal(Frame{Type: typ, Version: Version, Payload: raw})
	if err != nil {
		return err
	}
	s.log.WithField("type", typ).Trace("sending signalling frame")
	return s.write(websocket.TextMessage, msg)
}

func (s *Stream) write(kind int, data []byte) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(kind, data); err != nil {
		return fmt.Errorf("write signalling frame: %w", err)
	}
	return nil
}

// Next returns the next frame.
func (s *Stream) Next(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			return Frame{}, ErrStreamClosed
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Expect skips frames until one of type typ arrives.
func (s *Stream) Expect(ctx context.Context, typ string) (Frame, error) {
	for {
		f, err := s.Next(ctx)
		if err != nil {
			return Frame{}, err
		}
		if f.Type == typ {
			return f, nil
		}
		s.log.WithField("type", f.Type).Debugf("skipping frame while waiting for %s", typ)
	}
}

func (s *Stream) readLoop() {
	defer close(s.frames)
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.log.Debugf("signalling stream ended: %v", err)
			}
			return
		}
		if strings.TrimSpace(string(msg)) == "" {
			// keep-alive
			if err := s.write(websocket.TextMessage, []byte("\n")); err != nil {
				s.log.Debugf("keep-alive: %v", err)
			}
			continue
		}

		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil || f.Type == "" || !isObject(f.Payload) {
			s.log.Debugf("ignoring malformed signalling frame: %q", msg)
			continue
		}
		select {
		case s.frames <- f:
		case <-s.done:
			return
		}
	}
}

func isObject(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "{")
}

// Close closes the stream. It is safe to call more than once.
func (s *Stream) Close() {
	s.once.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		close(s.done)
		_ = s.conn.Close()
	})
}

// Done is closed when the stream is closed locally.
func (s *Stream) Done() <-chan struct{} { return s.done }
