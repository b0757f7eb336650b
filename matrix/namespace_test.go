package matrix

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamespace(t *testing.T) {
	assert.Equal(t, "@_pstn_:example.org", testNS.BotID())
	assert.Equal(t, "@_pstn_tel-15550199:example.org", testNS.PuppetID("+15550199"))

	assert.True(t, testNS.Owns("@_pstn_:example.org"))
	assert.True(t, testNS.Owns("@_pstn_tel-1:example.org"))
	assert.False(t, testNS.Owns("@_pstn_tel-1:other.org"))
	assert.False(t, testNS.Owns("@alice:example.org"))
	assert.False(t, testNS.Owns("_pstn_tel-1:example.org"))

	n, ok := testNS.NumberFor("@_pstn_tel-15550199:example.org")
	require.True(t, ok)
	assert.Equal(t, "+15550199", n)

	for _, id := range []string{"@_pstn_:example.org", "@_pstn_tel-:example.org", "@_pstn_tel-12ab:example.org", "@_pstn_tel-15550199:other.org"} {
		_, ok := testNS.NumberFor(id)
		assert.False(t, ok, id)
	}
}

func TestRegistrationRoundTrip(t *testing.T) {
	reg := NewRegistration("pstn", "http://localhost:8090", testNS)
	assert.Len(t, reg.ASToken, 64)
	assert.NotEqual(t, reg.ASToken, reg.HSToken)
	assert.Equal(t, `@_pstn_.*:example\.org`, reg.Namespaces.Users[0].Regex)

	path := filepath.Join(t.TempDir(), "registration.yaml")
	require.NoError(t, reg.Save(path))
	loaded, err := LoadRegistration(path)
	require.NoError(t, err)
	assert.Equal(t, reg, loaded)
}
