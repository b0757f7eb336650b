package rooms

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStore runs the behaviour every Store must share against a fresh store
// from open.
func testStore(t *testing.T, open func(t *testing.T) Store) {
	t.Run("control config", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		_, err := s.ControlConfig(ctx, "!c")
		assert.ErrorIs(t, err, ErrNotFound)

		cfg := ControlConfig{Number: "+15550100", Module: "sip", Data: map[string]string{"trunk": "pbx"}}
		require.NoError(t, s.SetControlConfig(ctx, "!c", cfg))
		got, err := s.ControlConfig(ctx, "!c")
		require.NoError(t, err)
		assert.Equal(t, cfg, got)
		control, err := s.ControlForNumber(ctx, "+15550100")
		require.NoError(t, err)
		assert.Equal(t, "!c", control)

		// A new number releases the old one.
		require.NoError(t, s.SetControlConfig(ctx, "!c", ControlConfig{Number: "+15550101", Module: "sip"}))
		_, err = s.ControlForNumber(ctx, "+15550100")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.DeleteControlConfig(ctx, "!c"))
		_, err = s.ControlConfig(ctx, "!c")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.ControlForNumber(ctx, "+15550101")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, s.DeleteControlConfig(ctx, "!c"), "deleting twice is not an error")
	})

	t.Run("bridged rooms", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.SetBridgedRoom(ctx, "!r1", BridgedRoom{Control: "!c", Remote: "+15550199"}))
		room, err := s.RoomForNumber(ctx, "!c", "+15550199")
		require.NoError(t, err)
		assert.Equal(t, "!r1", room)
		br, err := s.BridgedRoom(ctx, "!r1")
		require.NoError(t, err)
		assert.Equal(t, BridgedRoom{Control: "!c", Remote: "+15550199"}, br)

		// Re-pointing a room drops its old reverse entry.
		require.NoError(t, s.SetBridgedRoom(ctx, "!r1", BridgedRoom{Control: "!c", Remote: "+15550198"}))
		_, err = s.RoomForNumber(ctx, "!c", "+15550199")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.DeleteBridgedRoom(ctx, "!r1"))
		_, err = s.BridgedRoom(ctx, "!r1")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.RoomForNumber(ctx, "!c", "+15550198")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, s.DeleteBridgedRoom(ctx, "!r1"))
	})

	t.Run("webhook tokens", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.SetWebhookToken(ctx, "!c", "one"))
		require.NoError(t, s.SetWebhookToken(ctx, "!c", "two"))
		_, err := s.ControlForToken(ctx, "one")
		assert.ErrorIs(t, err, ErrNotFound)
		control, err := s.ControlForToken(ctx, "two")
		require.NoError(t, err)
		assert.Equal(t, "!c", control)

		require.NoError(t, s.DeleteWebhookToken(ctx, "!c"))
		_, err = s.ControlForToken(ctx, "two")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, s.DeleteWebhookToken(ctx, "!c"))
	})
}
