package pstream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"pstnbridge/telephony"
)

// DefaultAPIURL is the service's REST endpoint.
const DefaultAPIURL = "https://api.twilio.com"

// APIError is an error response from the REST API.
type APIError struct {
	Status  int    `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("service returned %d (code %d): %s", e.Status, e.Code, e.Message)
}

type messageResult struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

func newAPIClient(baseURL string) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetHeader("Accept", "application/json")
}

// SendMessage sends an SMS from the linked number to remote through the
// REST API, authenticated with the control's API key.
func (m *Module) SendMessage(ctx context.Context, cfg telephony.SessionConfig, remote, body string) error {
	creds, err := CredentialsFrom(cfg)
	if err != nil {
		return err
	}
	var out messageResult
	resp, err := m.api.R().
		SetContext(ctx).
		SetBasicAuth(creds.APIKeySID, creds.APIKeySecret).
		SetPathParam("account", creds.AccountSID).
		SetFormData(map[string]string{"From": cfg.Number, "To": remote, "Body": body}).
		SetResult(&out).
		SetError(&APIError{}).
		Post("/2010-04-01/Accounts/{account}/Messages.json")
	if err != nil {
		return fmt.Errorf("send message to %s: %w", remote, err)
	}
	if resp.IsError() {
		if aerr, ok := resp.Error().(*APIError); ok && aerr.Message != "" {
			aerr.Status = resp.StatusCode()
			return aerr
		}
		return &APIError{Status: resp.StatusCode(), Message: resp.Status()}
	}
	m.log.WithFields(logrus.Fields{"to": remote, "sid": out.SID, "status": out.Status}).Debug("message queued")
	return nil
}

// handleMessage takes an SMS to the linked number and posts it to the
// sender's room.
func (m *Module) handleMessage(w http.ResponseWriter, r *http.Request) {
	cfg := configFrom(r.Context())
	if err := r.ParseForm(); err != nil {
		http.Error(w, "unreadable message", http.StatusBadRequest)
		return
	}
	from, body := r.PostForm.Get("From"), r.PostForm.Get("Body")
	if from == "" || body == "" {
		http.Error(w, "From and Body are required", http.StatusBadRequest)
		return
	}
	sender, err := telephony.NormalizeNumber(from)
	if err != nil {
		http.Error(w, "invalid From", http.StatusBadRequest)
		return
	}
	log := m.log.WithFields(logrus.Fields{"from": sender, "sid": r.PostForm.Get("MessageSid")})
	if err := m.engine.IncomingText(r.Context(), cfg.Control, sender, body); err != nil {
		log.Warnf("incoming message: %v", err)
		http.Error(w, "message not delivered", http.StatusInternalServerError)
		return
	}
	log.Debug("incoming message")
	w.WriteHeader(http.StatusNoContent)
}
