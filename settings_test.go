package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/ini.v1"

	"pstnbridge/signalling"
)

func loadTestSettings(t *testing.T, src string) (*Settings, error) {
	t.Helper()
	cfg, err := ini.Load([]byte(src))
	require.NoError(t, err)
	return LoadSettings(cfg)
}

func TestSettingsDefaults(t *testing.T) {
	s, err := loadTestSettings(t, "[bridge]\ndomain = example.org\n")
	require.NoError(t, err)

	assert.Equal(t, "example.org", s.Domain())
	assert.Equal(t, "_pstn_", s.UserPrefix())
	assert.Equal(t, ":8090", s.ListenAddress())
	assert.Equal(t, s.AppServiceURL(), s.PublicURL())
	assert.Equal(t, 1, s.CallVersion())
	assert.Equal(t, signalling.RevisionPartyID, s.Revision())
	assert.Equal(t, time.Minute, s.InviteLifetime())
	assert.Equal(t, 10*time.Second, s.ShutdownTimeout())
	assert.Equal(t, 5060, s.SIPPort())
	assert.Equal(t, "+", s.DialPrefix())
	assert.Equal(t, 10*time.Second, s.PstreamDialTimeout())
	assert.Empty(t, s.PstreamAPIURL())
	assert.Equal(t, "memory", s.DatabaseType())
	assert.Equal(t, "pstnbridge:", s.RedisPrefix())
	assert.Empty(t, s.Modules())
	assert.Empty(t, s.Links())
}

func TestSettingsSections(t *testing.T) {
	s, err := loadTestSettings(t, `
[bridge]
domain = example.org
public_url = https://bridge.example.org/
signalling_revision = legacy
call_version = 0

[sip]
port = 5070
port_range = 4
trunk = trunk.example.net

[pstream]
api_url = http://rest.example.net/

[database]
type = redis
redis_address = redis:6379

[permissions]
modules = sip, pstream

[link.b]
control = !b:example.org
module = pstream
number = +15550101
account_sid = AC1

[link.a]
control = !a:example.org
module = sip
number = +15550100

[room.alice]
room = !dm:example.org
control = !a:example.org
remote = +15550199
`)
	require.NoError(t, err)

	assert.Equal(t, "https://bridge.example.org", s.PublicURL())
	assert.Equal(t, signalling.RevisionLegacy, s.Revision())
	assert.Equal(t, 0, s.CallVersion())
	assert.Equal(t, 5070, s.SIPPort())
	assert.Equal(t, 4, s.SIPPortRange())
	assert.Equal(t, "trunk.example.net", s.SIPTrunk())
	assert.Equal(t, "http://rest.example.net", s.PstreamAPIURL())
	assert.Equal(t, "redis", s.DatabaseType())
	assert.Equal(t, "redis:6379", s.RedisAddress())
	assert.Equal(t, []string{"sip", "pstream"}, s.Modules())

	require.Len(t, s.Links(), 2)
	assert.Equal(t, "a", s.Links()[0].Name)
	assert.Empty(t, s.Links()[0].Data)
	assert.Equal(t, LinkSeed{
		Name:    "b",
		Control: "!b:example.org",
		Module:  "pstream",
		Number:  "+15550101",
		Data:    map[string]string{"account_sid": "AC1"},
	}, s.Links()[1])

	assert.Equal(t, []RoomSeed{{Name: "alice", Room: "!dm:example.org", Control: "!a:example.org", Remote: "+15550199"}}, s.Rooms())
}

func TestSettingsInvalid(t *testing.T) {
	for name, src := range map[string]string{
		"missing domain":  "[bridge]\n",
		"bad revision":    "[bridge]\ndomain = x\nsignalling_revision = v2\n",
		"bad database":    "[bridge]\ndomain = x\n[database]\ntype = sqlite\n",
		"incomplete link": "[bridge]\ndomain = x\n[link.a]\ncontrol = !a:x\n",
		"incomplete room": "[bridge]\ndomain = x\n[room.a]\nroom = !r:x\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := loadTestSettings(t, src)
			assert.Error(t, err)
		})
	}
}
