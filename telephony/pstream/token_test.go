package pstream

import (
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pstnbridge/telephony"
)

var testCreds = map[string]string{
	"account_sid":    "AC123",
	"api_key_sid":    "SK456",
	"api_key_secret": "s3cret",
	"app_sid":        "AP789",
}

func TestAccessToken(t *testing.T) {
	creds, err := CredentialsFrom(telephony.SessionConfig{Data: testCreds})
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	raw, err := creds.AccessToken("ident-1", now)
	require.NoError(t, err)

	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	require.NoError(t, err)
	require.Len(t, tok.Headers, 1)
	assert.Equal(t, "twilio-fpa;v=1", tok.Headers[0].ExtraHeaders[jose.HeaderContentType])

	var std jwt.Claims
	var g grantClaims
	require.NoError(t, tok.Claims([]byte("s3cret"), &std, &g))
	assert.Equal(t, "SK456", std.Issuer)
	assert.Equal(t, "AC123", std.Subject)
	assert.Equal(t, "SK456-1700000000", std.ID)
	assert.Equal(t, now.Add(time.Hour).Unix(), std.Expiry.Time().Unix())
	assert.Equal(t, "ident-1", g.Grants.Identity)
	assert.True(t, g.Grants.Voice.Incoming.Allow)
	assert.Equal(t, "AP789", g.Grants.Voice.Outgoing.ApplicationSID)

	assert.Error(t, tok.Claims([]byte("wrong"), &std), "signed with the key secret")
}

func TestCredentialsMissing(t *testing.T) {
	_, err := CredentialsFrom(telephony.SessionConfig{Data: map[string]string{"account_sid": "AC123", "app_sid": ""}})
	require.ErrorIs(t, err, ErrMissingCredentials)
	assert.Contains(t, err.Error(), "api_key_sid, api_key_secret, app_sid")
}

func TestNewIdentity(t *testing.T) {
	a, b := newIdentity(), newIdentity()
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}
