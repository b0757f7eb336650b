package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrySetGetDelete(t *testing.T) {
	r := NewRegistry()
	s := New(Params{ID: "a", Scope: "!room:example.org"})

	r.Set("!room:example.org", "a", s)
	got, ok := r.Get("!room:example.org", "a")
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.True(t, r.Has("!room:example.org", "a"))
	assert.False(t, r.Has("!other:example.org", "a"))

	r.Delete("!room:example.org", "a")
	_, ok = r.Get("!room:example.org", "a")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryRemovesEndedSessions(t *testing.T) {
	for _, terminal := range []State{Failed, Hungup} {
		t.Run(terminal.String(), func(t *testing.T) {
			r := NewRegistry()
			s := New(Params{ID: "a", Scope: "!room:example.org"})
			require.NoError(t, r.Add(s))
			s.Transition(Invited)

			var hasAtEnd bool
			s.OnEnded(func() { hasAtEnd = r.Has(s.Scope, s.ID) })
			s.Transition(terminal)

			assert.False(t, hasAtEnd)
			assert.False(t, r.Has(s.Scope, s.ID))
		})
	}
}

func TestRegistryHidesTerminalSessionBeforeEnded(t *testing.T) {
	r := NewRegistry()
	s := New(Params{ID: "a", Scope: "!room:example.org"})
	require.NoError(t, r.Add(s))
	s.Transition(Invited)

	var hasOnChange bool
	var lenOnChange int
	s.OnStateChange(func(next, _ State) {
		if next == Hungup {
			hasOnChange = r.Has(s.Scope, s.ID)
			lenOnChange = r.Len()
		}
	})
	s.RelayHangup()

	assert.False(t, hasOnChange)
	assert.Equal(t, 0, lenOnChange)

	replacement := New(Params{ID: "a", Scope: "!room:example.org"})
	assert.NoError(t, r.Add(replacement))
}

func TestRegistryAddRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	first := New(Params{ID: "a", Scope: "!room:example.org"})
	second := New(Params{ID: "a", Scope: "!room:example.org"})

	require.NoError(t, r.Add(first))
	assert.ErrorIs(t, r.Add(second), ErrDuplicate)

	got, _ := r.Get("!room:example.org", "a")
	assert.Same(t, first, got)
}

func TestRegistryAddAfterEnd(t *testing.T) {
	r := NewRegistry()
	first := New(Params{ID: "a", Scope: "!room:example.org"})
	require.NoError(t, r.Add(first))
	first.Transition(Hungup)

	second := New(Params{ID: "a", Scope: "!room:example.org"})
	require.NoError(t, r.Add(second))
	got, _ := r.Get("!room:example.org", "a")
	assert.Same(t, second, got)
}

func TestRegistryStaleEndDoesNotEvictReplacement(t *testing.T) {
	r := NewRegistry()
	first := New(Params{ID: "a", Scope: "!room:example.org"})
	second := New(Params{ID: "a", Scope: "!room:example.org"})

	r.Set("!room:example.org", "a", first)
	r.Set("!room:example.org", "a", second)
	first.Transition(Hungup)

	got, ok := r.Get("!room:example.org", "a")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestRegistryKeysAreIndependent(t *testing.T) {
	r := NewRegistry()
	a := New(Params{ID: "same", Scope: "!one:example.org"})
	b := New(Params{ID: "same", Scope: "!two:example.org"})
	require.NoError(t, r.Add(a))
	require.NoError(t, r.Add(b))
	assert.Equal(t, 2, r.Len())

	a.Transition(Hungup)
	assert.False(t, r.Has("!one:example.org", "same"))
	assert.True(t, r.Has("!two:example.org", "same"))
	assert.Len(t, r.Sessions(), 1)
}
