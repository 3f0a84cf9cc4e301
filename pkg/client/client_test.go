package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/yapchat/yap/pkg/config"
	"github.com/yapchat/yap/pkg/media"
	"github.com/yapchat/yap/pkg/roster"
	"github.com/yapchat/yap/pkg/rtc"
	"github.com/yapchat/yap/pkg/signal"
	"github.com/yapchat/yap/pkg/types"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type fakeTransport struct {
	mu     sync.Mutex
	sent   []signal.Message
	msgs   chan signal.Message
	done   chan struct{}
	hooks  []func()
	err    error
	shut   bool
	closes int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		msgs: make(chan signal.Message, 16),
		done: make(chan struct{}),
	}
}

func (f *fakeTransport) Send(m signal.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shut {
		return signal.ErrNotConnected
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeTransport) Messages() <-chan signal.Message { return f.msgs }
func (f *fakeTransport) Done() <-chan struct{}           { return f.done }

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeTransport) OnClose(h func()) {
	f.mu.Lock()
	f.hooks = append(f.hooks, h)
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.shutdown(nil)
	return nil
}

func (f *fakeTransport) shutdown(cause error) {
	f.mu.Lock()
	if f.shut {
		f.mu.Unlock()
		return
	}
	f.shut = true
	f.err = cause
	hooks := f.hooks
	close(f.done)
	close(f.msgs)
	f.mu.Unlock()
	for _, h := range hooks {
		h()
	}
}

func (f *fakeTransport) deliver(m signal.Message) {
	f.msgs <- m
}

func (f *fakeTransport) sentEvents() []signal.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []signal.Event
	for _, m := range f.sent {
		out = append(out, m.Event())
	}
	return out
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakeEngine struct {
	mu        sync.Mutex
	handled   []signal.Message
	tracks    []webrtc.TrackLocal
	attachErr error
	closes    int
	state     rtc.State
	onState   func(rtc.State)
}

func (f *fakeEngine) HandleMessage(m signal.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, m)
}

func (f *fakeEngine) AttachTrack(track webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attachErr != nil {
		return f.attachErr
	}
	f.tracks = append(f.tracks, track)
	return nil
}

func (f *fakeEngine) State() rtc.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeEngine) OnStateChange(h func(rtc.State)) {
	f.mu.Lock()
	f.onState = h
	f.mu.Unlock()
}

func (f *fakeEngine) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	f.closes++
	first := f.closes == 1
	f.state = rtc.StateClosed
	h := f.onState
	f.mu.Unlock()
	if first && h != nil {
		h(rtc.StateClosed)
	}
	return nil
}

func (f *fakeEngine) counts() (handled, tracks, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handled), len(f.tracks), f.closes
}

// trackMic hands out real local tracks and remembers the last one.
type trackMic struct {
	mu    sync.Mutex
	err   error
	track *media.LocalTrack
}

func (m *trackMic) Open(ctx context.Context) (*media.LocalTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	track, err := media.NewLocalTrack()
	if err != nil {
		return nil, err
	}
	m.track = track
	return track, nil
}

func (m *trackMic) last() *media.LocalTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.track
}

func newTestSession(t *testing.T, mic media.Microphone) (*Session, *fakeTransport, *fakeEngine) {
	ch := newFakeTransport()
	eng := &fakeEngine{}
	s := newSession(ch, eng, Options{Name: "ann", Microphone: mic})
	t.Cleanup(func() { _ = s.Close() })
	return s, ch, eng
}

func entry(id string, state types.UserState) types.RosterEntry {
	return types.RosterEntry{ID: types.ParticipantID(id), Name: id, State: state}
}

func joined(t *testing.T, s *Session, ch *fakeTransport, state types.UserState) {
	ch.deliver(signal.ID{ID: "u1", Extended: true, Users: []types.RosterEntry{entry("u1", state)}})
	require.Eventually(t, func() bool { return s.Status() == StatusConnected }, waitFor, tick)
}

func TestSessionJoinedListening(t *testing.T) {
	s, ch, _ := newTestSession(t, &trackMic{})
	require.Equal(t, StatusConnecting, s.Status())
	require.ErrorIs(t, s.StartSpeaking(context.Background()), roster.ErrNoLocalID)

	ch.deliver(signal.ID{ID: "u1"})
	ch.deliver(signal.Roster{Kind: signal.EventUsers, Users: []types.RosterEntry{entry("u1", types.UserStateListening)}})

	require.Eventually(t, func() bool {
		state, ok := s.LocalState()
		return ok && state == types.UserStateListening
	}, waitFor, tick)
	require.Equal(t, StatusConnected, s.Status())
	id, ok := s.LocalID()
	require.True(t, ok)
	require.Equal(t, types.ParticipantID("u1"), id)
	require.Len(t, s.Roster(), 1)
}

func TestSessionSpeaking(t *testing.T) {
	mic := &trackMic{}
	s, ch, eng := newTestSession(t, mic)
	joined(t, s, ch, types.UserStateListening)

	require.NoError(t, s.StartSpeaking(context.Background()))
	track := mic.last()
	require.NotNil(t, track)
	require.False(t, track.Enabled())
	require.Equal(t, []signal.Event{signal.EventToggleSpeaking}, ch.sentEvents())
	_, tracks, _ := eng.counts()
	require.Equal(t, 1, tracks)

	ch.deliver(signal.Roster{Kind: signal.EventUserStatesUpdated, Users: []types.RosterEntry{entry("u1", types.UserStateSpeaking)}})
	require.Eventually(t, track.Enabled, waitFor, tick)

	// already speaking
	require.NoError(t, s.StartSpeaking(context.Background()))
	require.Len(t, ch.sentEvents(), 1)

	require.NoError(t, s.ToggleMute())
	ch.deliver(signal.Roster{Kind: signal.EventUserStatesUpdated, Users: []types.RosterEntry{entry("u1", types.UserStateMuted)}})
	require.Eventually(t, func() bool { return !track.Enabled() }, waitFor, tick)
	require.ErrorIs(t, s.StopSpeaking(), ErrMuted)

	ch.deliver(signal.Roster{Kind: signal.EventUserStatesUpdated, Users: []types.RosterEntry{entry("u1", types.UserStateSpeaking)}})
	require.Eventually(t, track.Enabled, waitFor, tick)
	require.NoError(t, s.StopSpeaking())
	require.Equal(t, []signal.Event{
		signal.EventToggleSpeaking,
		signal.EventToggleMute,
		signal.EventToggleSpeaking,
	}, ch.sentEvents())

	// the track is reused
	ch.deliver(signal.Roster{Kind: signal.EventUserStatesUpdated, Users: []types.RosterEntry{entry("u1", types.UserStateListening)}})
	require.Eventually(t, func() bool { return !track.Enabled() }, waitFor, tick)
	require.NoError(t, s.StartSpeaking(context.Background()))
	_, tracks, _ = eng.counts()
	require.Equal(t, 1, tracks)
}

func TestSessionMediaFault(t *testing.T) {
	mic := &trackMic{err: media.ErrMicrophoneUnavailable}
	s, ch, eng := newTestSession(t, mic)
	joined(t, s, ch, types.UserStateListening)

	var statuses []Status
	var mu sync.Mutex
	s.OnStatus(func(st Status) {
		mu.Lock()
		statuses = append(statuses, st)
		mu.Unlock()
	})

	err := s.StartSpeaking(context.Background())
	var fault *MediaFault
	require.ErrorAs(t, err, &fault)
	require.ErrorIs(t, err, media.ErrMicrophoneUnavailable)
	require.Equal(t, StatusMediaFault, s.Status())
	require.ErrorIs(t, s.LastError(), media.ErrMicrophoneUnavailable)
	require.Empty(t, ch.sentEvents())
	_, tracks, _ := eng.counts()
	require.Zero(t, tracks)

	// signaling keeps working
	ch.deliver(signal.Offer{Description: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}})
	require.Eventually(t, func() bool {
		handled, _, _ := eng.counts()
		return handled == 1
	}, waitFor, tick)

	mic.mu.Lock()
	mic.err = nil
	mic.mu.Unlock()
	require.NoError(t, s.StartSpeaking(context.Background()))
	require.Equal(t, StatusConnected, s.Status())

	mu.Lock()
	require.Equal(t, []Status{StatusMediaFault, StatusConnected}, statuses)
	mu.Unlock()
}

func TestSessionRouting(t *testing.T) {
	s, ch, eng := newTestSession(t, &trackMic{})

	reasons := make(chan string, 1)
	s.OnServerError(func(reason string) { reasons <- reason })

	ch.deliver(signal.Offer{Description: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}})
	ch.deliver(signal.Candidate{Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1"}})
	ch.deliver(signal.Answer{Description: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}})
	ch.deliver(signal.ToggleMute{})
	ch.deliver(signal.Error{Reason: "unknown message"})

	select {
	case r := <-reasons:
		require.Equal(t, "unknown message", r)
	case <-time.After(waitFor):
		require.Fail(t, "server error not surfaced")
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	require.Len(t, eng.handled, 3)
	require.Equal(t, signal.EventOffer, eng.handled[0].Event())
	require.Equal(t, signal.EventCandidate, eng.handled[1].Event())
	require.Equal(t, signal.EventAnswer, eng.handled[2].Event())
}

func TestSessionClose(t *testing.T) {
	t.Run("close is idempotent and releases everything", func(t *testing.T) {
		mic := &trackMic{}
		s, ch, eng := newTestSession(t, mic)
		joined(t, s, ch, types.UserStateListening)
		require.NoError(t, s.StartSpeaking(context.Background()))

		require.NoError(t, s.Close())
		require.NoError(t, s.Close())

		_, _, closes := eng.counts()
		require.Equal(t, 1, closes)
		require.Equal(t, 1, ch.closeCount())
		require.Equal(t, StatusDisconnected, s.Status())

		select {
		case <-mic.last().Done():
		default:
			require.Fail(t, "track still capturing")
		}
		require.ErrorIs(t, s.ToggleMute(), ErrSessionClosed)
		require.ErrorIs(t, s.StartSpeaking(context.Background()), ErrSessionClosed)
	})

	t.Run("transport fault tears the session down", func(t *testing.T) {
		mic := &trackMic{}
		s, ch, eng := newTestSession(t, mic)
		joined(t, s, ch, types.UserStateListening)
		require.NoError(t, s.StartSpeaking(context.Background()))

		errDropped := errors.New("connection reset")
		ch.shutdown(errDropped)

		require.Eventually(t, func() bool { return s.Status() == StatusDisconnected }, waitFor, tick)
		require.ErrorIs(t, s.LastError(), errDropped)
		_, _, closes := eng.counts()
		require.Equal(t, 1, closes)
		<-mic.last().Done()
		<-s.Done()
	})

	t.Run("failed media connection tears the session down", func(t *testing.T) {
		s, ch, eng := newTestSession(t, &trackMic{})
		require.NoError(t, eng.Close())

		require.Eventually(t, func() bool { return s.Status() == StatusDisconnected }, waitFor, tick)
		require.Equal(t, 1, ch.closeCount())
	})
}

func TestJoin(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	names := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		names <- r.URL.Query().Get("name")
		_ = conn.WriteJSON(signal.Envelope{Event: signal.EventID, Data: `{"id":"u1","users":[{"id":"u1","name":"ann","state":"listening"}]}`})
		_ = conn.WriteJSON(signal.Envelope{Event: signal.EventID, Data: "u1"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := config.Default()
	s, err := Join(context.Background(), Options{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/websocket",
		Name:   "ann",
		WebRTC: cfg.WebRTC,
		Meter:  DefaultMeter,
	})
	require.NoError(t, err)

	require.Equal(t, "ann", <-names)
	require.Eventually(t, func() bool { return s.Status() == StatusConnected }, waitFor, tick)
	require.Equal(t, rtc.StateNew, s.ConnectionState())
	state, ok := s.LocalState()
	require.True(t, ok)
	require.Equal(t, types.UserStateListening, state)

	require.NoError(t, s.Close())
	require.Equal(t, StatusDisconnected, s.Status())
}
