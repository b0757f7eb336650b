package matrix

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"pstnbridge/signalling"
)

// Dispatcher receives the call events and text messages of a transaction,
// in order.
type Dispatcher interface {
	Dispatch(ctx context.Context, in signalling.Inbound) error
	DispatchText(ctx context.Context, scope, sender, body string) error
}

// Registrar creates bridge users on demand.
type Registrar interface {
	EnsureRegistered(ctx context.Context, userID string) error
}

// Event is a room event as pushed by the homeserver.
type Event struct {
	Type           string          `json:"type"`
	RoomID         string          `json:"room_id"`
	Sender         string          `json:"sender"`
	EventID        string          `json:"event_id"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
}

type textContent struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}

type transaction struct {
	Events []Event `json:"events"`
}

const seenTxnLimit = 1024

// AppService handles the homeserver's pushes to the bridge.
type AppService struct {
	hsToken    string
	ns         Namespace
	dispatcher Dispatcher
	registrar  Registrar
	log        *logrus.Entry

	mu       sync.Mutex
	seen     map[string]bool
	seenList []string
}

func NewAppService(hsToken string, ns Namespace, d Dispatcher, r Registrar, log *logrus.Entry) *AppService {
	return &AppService{
		hsToken:    hsToken,
		ns:         ns,
		dispatcher: d,
		registrar:  r,
		log:        log,
		seen:       make(map[string]bool),
	}
}

// Mount adds the application service routes to r.
func (a *AppService) Mount(r chi.Router) {
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Group(func(r chi.Router) {
		r.Use(a.authenticate)
		r.Put("/_matrix/app/v1/transactions/{txnId}", a.handleTransaction)
		r.Put("/transactions/{txnId}", a.handleTransaction)
		r.Get("/_matrix/app/v1/users/{userId}", a.handleUserQuery)
		r.Get("/users/{userId}", a.handleUserQuery)
	})
}

// NewRouter returns a router with request logging and panic recovery.
func NewRouter(log *logrus.Entry) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	return r
}

func requestLogger(log *logrus.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"duration":   time.Since(start),
				"request_id": middleware.GetReqID(r.Context()),
			}).Debug("http request")
		})
	}
}

func (a *AppService) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("access_token")
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "M_UNAUTHORIZED", "missing token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(a.hsToken)) != 1 {
			writeError(w, http.StatusForbidden, "M_FORBIDDEN", "bad token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *AppService) handleTransaction(w http.ResponseWriter, r *http.Request) {
	txnID := chi.URLParam(r, "txnId")

	var txn transaction
	if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
		writeError(w, http.StatusBadRequest, "M_NOT_JSON", "invalid transaction body")
		return
	}
	if !a.markSeen(txnID) {
		a.log.WithField("txn", txnID).Debug("duplicate transaction")
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}

	for _, ev := range txn.Events {
		a.handleEvent(r.Context(), ev)
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (a *AppService) handleEvent(ctx context.Context, ev Event) {
	if a.ns.Owns(ev.Sender) {
		return
	}
	t := signalling.EventType(ev.Type)
	if t == signalling.TypeMessage {
		a.handleText(ctx, ev)
		return
	}
	if !t.IsCall() {
		return
	}
	in := signalling.Inbound{
		Scope:   ev.RoomID,
		Sender:  ev.Sender,
		EventID: ev.EventID,
		Type:    t,
		Content: ev.Content,
	}
	if ev.OriginServerTS > 0 {
		in.Timestamp = time.UnixMilli(ev.OriginServerTS)
	}
	if err := a.dispatcher.Dispatch(ctx, in); err != nil {
		a.log.WithFields(logrus.Fields{"room": ev.RoomID, "event_id": ev.EventID, "type": ev.Type}).Debugf("call event not applied: %v", err)
	}
}

func (a *AppService) handleText(ctx context.Context, ev Event) {
	var c textContent
	if err := json.Unmarshal(ev.Content, &c); err != nil || c.MsgType != "m.text" || c.Body == "" {
		return
	}
	if err := a.dispatcher.DispatchText(ctx, ev.RoomID, ev.Sender, c.Body); err != nil {
		a.log.WithFields(logrus.Fields{"room": ev.RoomID, "event_id": ev.EventID}).Debugf("text not relayed: %v", err)
	}
}

// markSeen records txnID and reports whether it is new. Only the most
// recent transactions are remembered.
func (a *AppService) markSeen(txnID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.seen[txnID] {
		return false
	}
	a.seen[txnID] = true
	a.seenList = append(a.seenList, txnID)
	if len(a.seenList) > seenTxnLimit {
		delete(a.seen, a.seenList[0])
		a.seenList = a.seenList[1:]
	}
	return true
}

func (a *AppService) handleUserQuery(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if _, ok := a.ns.NumberFor(userID); !ok {
		writeError(w, http.StatusNotFound, "M_NOT_FOUND", "user is not a phone number")
		return
	}
	if err := a.registrar.EnsureRegistered(r.Context(), userID); err != nil {
		a.log.WithField("user", userID).Warnf("register puppet: %v", err)
		writeError(w, http.StatusInternalServerError, "M_UNKNOWN", "could not register user")
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, Error{ErrCode: code, Message: msg})
}
