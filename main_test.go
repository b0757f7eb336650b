package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestConfig points the bridge at a redis store and a homeserver that
// creates "!dm:example.org" for every createRoom call.
func writeTestConfig(t *testing.T) (path string, created *atomic.Int32) {
	t.Helper()
	mr := miniredis.RunT(t)
	created = &atomic.Int32{}
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/_matrix/client/v3/createRoom":
			created.Add(1)
			_, _ = w.Write([]byte(`{"room_id":"!dm:example.org"}`))
		case strings.HasSuffix(r.URL.Path, "/joined_members"):
			_, _ = w.Write([]byte(`{"joined":{"@alice:example.org":{}}}`))
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	t.Cleanup(hs.Close)

	dir := t.TempDir()
	path = filepath.Join(dir, "settings.ini")
	ini := fmt.Sprintf(`[bridge]
domain = example.org
homeserver_url = %s
public_url = https://bridge.example.org
registration = %s

[database]
type = redis
redis_address = %s

[permissions]
modules = sip, pstream

[logging]
console_min_level = 6
file = %s
`, hs.URL, filepath.Join(dir, "registration.yaml"), mr.Addr(), filepath.Join(dir, "bridge.log"))
	require.NoError(t, os.WriteFile(path, []byte(ini), 0o600))

	t.Setenv("ENV_FILE", "")
	t.Setenv("PSTN_AS_TOKEN", "as-secret")
	t.Setenv("PSTN_HS_TOKEN", "hs-secret")
	return path, created
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLinkAndDialCommands(t *testing.T) {
	cfg, created := writeTestConfig(t)

	out, err := execute(t, "-c", cfg, "link", "!control:example.org", "sip", "+15550100", "trunk=pbx.example.net")
	require.NoError(t, err)
	assert.Equal(t, "linked !control:example.org to +15550100 via sip\n", out)

	out, err = execute(t, "-c", cfg, "dial", "!control:example.org", "+1 555 0199")
	require.NoError(t, err)
	assert.Equal(t, "created !dm:example.org for +1 555 0199\n", out)

	out, err = execute(t, "-c", cfg, "dial", "!control:example.org", "+15550199")
	require.NoError(t, err)
	assert.Equal(t, "bridge already open under !dm:example.org\n", out)
	assert.Equal(t, int32(1), created.Load())

	_, err = execute(t, "-c", cfg, "dial", "!other:example.org", "+15550199")
	assert.Error(t, err)

	out, err = execute(t, "-c", cfg, "unlink", "!control:example.org")
	require.NoError(t, err)
	assert.Equal(t, "unlinked !control:example.org\n", out)
	_, err = execute(t, "-c", cfg, "dial", "!control:example.org", "+15550198")
	assert.Error(t, err)
}

func TestLinkCommandPrintsWebhook(t *testing.T) {
	cfg, _ := writeTestConfig(t)

	out, err := execute(t, "-c", cfg, "link", "!control:example.org", "pstream", "+15550100", "account_sid=AC1")
	require.NoError(t, err)
	assert.Contains(t, out, "linked !control:example.org to +15550100 via pstream\n")
	assert.Contains(t, out, "webhook: https://bridge.example.org/webhook/pstream/")
}

func TestDialCommandNeedsTokens(t *testing.T) {
	cfg, _ := writeTestConfig(t)
	t.Setenv("PSTN_AS_TOKEN", "")

	_, err := execute(t, "-c", cfg, "dial", "!control:example.org", "+15550199")
	assert.ErrorContains(t, err, "application service tokens are not set")
}
