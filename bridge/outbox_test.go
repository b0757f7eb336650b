package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxDrainsAfterClose(t *testing.T) {
	o := NewOutbox(4)
	ctx := context.Background()
	require.NoError(t, o.Publish(ctx, Message{Notice: &Notice{Scope: "a", Text: "one"}}))
	require.NoError(t, o.Publish(ctx, Message{Notice: &Notice{Scope: "a", Text: "two"}}))
	o.Close()
	o.Close()

	assert.ErrorIs(t, o.Publish(ctx, Message{}), ErrOutboxClosed)

	msg, ok := o.Consume(ctx)
	require.True(t, ok)
	assert.Equal(t, "one", msg.Notice.Text)
	msg, ok = o.Consume(ctx)
	require.True(t, ok)
	assert.Equal(t, "two", msg.Notice.Text)
	_, ok = o.Consume(ctx)
	assert.False(t, ok)
}

func TestOutboxPublishHonoursContext(t *testing.T) {
	o := NewOutbox(1)
	require.NoError(t, o.Publish(context.Background(), Message{}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, o.Publish(ctx, Message{}), context.DeadlineExceeded)
}
