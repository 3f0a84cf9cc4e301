package roster

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yapchat/yap/pkg/signal"
	"github.com/yapchat/yap/pkg/types"
)

type gate struct {
	mu      sync.Mutex
	enabled bool
	calls   int
}

func (g *gate) SetEnabled(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = enabled
	g.calls++
}

func (g *gate) get() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

type outbox struct {
	mu   sync.Mutex
	sent []signal.Message
	err  error
}

func (o *outbox) Send(m signal.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.sent = append(o.sent, m)
	return nil
}

func entry(id, name string, state types.UserState) types.RosterEntry {
	return types.RosterEntry{ID: types.ParticipantID(id), Name: name, State: state}
}

func TestRosterReplace(t *testing.T) {
	r := New()
	r.Replace([]types.RosterEntry{
		entry("u2", "bob", types.UserStateListening),
		entry("u1", "ann", types.UserStateListening),
		entry("u2", "bob", types.UserStateSpeaking),
	})

	require.Equal(t, 2, r.Len())
	require.Equal(t, []types.RosterEntry{
		entry("u2", "bob", types.UserStateSpeaking),
		entry("u1", "ann", types.UserStateListening),
	}, r.Entries())

	r.Replace(nil)
	require.Zero(t, r.Len())
	_, ok := r.Get("u1")
	require.False(t, ok)
}

func TestSync(t *testing.T) {
	t.Run("listening participant keeps the track disabled", func(t *testing.T) {
		out := &outbox{}
		s := NewSync(out)
		g := &gate{enabled: true}
		s.SetTrack(g)
		require.False(t, g.get())

		require.True(t, s.HandleMessage(signal.ID{ID: "u1"}))
		require.True(t, s.HandleMessage(signal.Roster{Kind: signal.EventUsers, Users: []types.RosterEntry{
			entry("u1", "ann", types.UserStateListening),
		}}))

		require.False(t, g.get())
		state, ok := s.LocalState()
		require.True(t, ok)
		require.Equal(t, types.UserStateListening, state)
	})

	t.Run("track enables only on the confirming broadcast", func(t *testing.T) {
		out := &outbox{}
		s := NewSync(out)
		g := &gate{}
		s.SetTrack(g)
		s.SetLocalID("u1")
		s.ApplyRosterUpdate([]types.RosterEntry{entry("u1", "ann", types.UserStateListening)})

		require.NoError(t, s.RequestStateChange(types.ToggleSpeaking))
		require.Equal(t, []signal.Message{signal.ToggleSpeaking{}}, out.sent)
		require.False(t, g.get())

		s.ApplyRosterUpdate([]types.RosterEntry{entry("u1", "ann", types.UserStateSpeaking)})
		require.True(t, g.get())

		s.ApplyRosterUpdate([]types.RosterEntry{entry("u1", "ann", types.UserStateMuted)})
		require.False(t, g.get())
	})

	t.Run("no local id", func(t *testing.T) {
		out := &outbox{}
		s := NewSync(out)
		g := &gate{}
		s.SetTrack(g)

		require.ErrorIs(t, s.RequestStateChange(types.ToggleMute), ErrNoLocalID)
		require.Empty(t, out.sent)

		// someone else speaking must not open our gate
		s.ApplyRosterUpdate([]types.RosterEntry{entry("u9", "zed", types.UserStateSpeaking)})
		require.False(t, g.get())
		_, ok := s.LocalState()
		require.False(t, ok)
	})

	t.Run("extended id seeds the roster", func(t *testing.T) {
		s := NewSync(&outbox{})
		g := &gate{}
		s.SetTrack(g)

		s.HandleMessage(signal.ID{ID: "u1", Extended: true, Users: []types.RosterEntry{
			entry("u1", "ann", types.UserStateSpeaking),
			entry("u2", "bob", types.UserStateListening),
		}})
		require.True(t, g.get())
		require.Len(t, s.Snapshot(), 2)
	})

	t.Run("track attached after the broadcast", func(t *testing.T) {
		s := NewSync(&outbox{})
		s.SetLocalID("u1")
		s.ApplyRosterUpdate([]types.RosterEntry{entry("u1", "ann", types.UserStateSpeaking)})

		g := &gate{}
		s.SetTrack(g)
		require.True(t, g.get())
	})

	t.Run("send failure is returned", func(t *testing.T) {
		errClosed := errors.New("closed")
		s := NewSync(&outbox{err: errClosed})
		s.SetLocalID("u1")
		require.ErrorIs(t, s.RequestStateChange(types.ToggleSpeaking), errClosed)
	})

	t.Run("observers get a copy", func(t *testing.T) {
		s := NewSync(&outbox{})
		var got []types.RosterEntry
		s.OnChange(func(entries []types.RosterEntry) {
			got = entries
		})
		s.ApplyRosterUpdate([]types.RosterEntry{entry("u1", "ann", types.UserStateListening)})
		require.Len(t, got, 1)

		got[0].Name = "mallory"
		require.Equal(t, "ann", s.Snapshot()[0].Name)
	})

	t.Run("other messages are not handled", func(t *testing.T) {
		s := NewSync(&outbox{})
		require.False(t, s.HandleMessage(signal.ToggleMute{}))
	})
}
