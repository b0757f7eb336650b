package pstream

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"pstnbridge/telephony"
)

const tokenTTL = time.Hour

// ErrMissingCredentials is returned when a control config lacks the keys
// needed to mint an access token.
var ErrMissingCredentials = errors.New("missing pstream credentials")

// Credentials are the account keys stored in a control config.
type Credentials struct {
	AccountSID   string
	APIKeySID    string
	APIKeySecret string
	AppSID       string
}

// CredentialsFrom reads the account keys from a control config.
func CredentialsFrom(cfg telephony.SessionConfig) (Credentials, error) {
	c := Credentials{
		AccountSID:   cfg.Get("account_sid", ""),
		APIKeySID:    cfg.Get("api_key_sid", ""),
		APIKeySecret: cfg.Get("api_key_secret", ""),
		AppSID:       cfg.Get("app_sid", ""),
	}
	var missing []string
	for _, kv := range [][2]string{
		{"account_sid", c.AccountSID},
		{"api_key_sid", c.APIKeySID},
		{"api_key_secret", c.APIKeySecret},
		{"app_sid", c.AppSID},
	} {
		if kv[1] == "" {
			missing = append(missing, kv[0])
		}
	}
	if len(missing) > 0 {
		return Credentials{}, fmt.Errorf("%w: %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}
	return c, nil
}

type voiceGrant struct {
	Incoming struct {
		Allow bool `json:"allow"`
	} `json:"incoming"`
	Outgoing struct {
		ApplicationSID string `json:"application_sid"`
	} `json:"outgoing"`
}

type grants struct {
	Identity string     `json:"identity"`
	Voice    voiceGrant `json:"voice"`
}

type grantClaims struct {
	Grants grants `json:"grants"`
}

// AccessToken mints a short lived client token for identity that may
// receive calls and place them through the account's application.
func (c Credentials) AccessToken(identity string, now time.Time) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: []byte(c.APIKeySecret)},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader(jose.HeaderContentType, "twilio-fpa;v=1"),
	)
	if err != nil {
		return "", fmt.Errorf("create signer: %w", err)
	}

	var g grantClaims
	g.Grants.Identity = identity
	g.Grants.Voice.Incoming.Allow = true
	g.Grants.Voice.Outgoing.ApplicationSID = c.AppSID

	token, err := jwt.Signed(signer).
		Claims(jwt.Claims{
			ID:       fmt.Sprintf("%s-%d", c.APIKeySID, now.Unix()),
			Issuer:   c.APIKeySID,
			Subject:  c.AccountSID,
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(tokenTTL)),
		}).
		Claims(g).
		Serialize()
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return token, nil
}

// newIdentity returns a random client identity.
func newIdentity() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}
