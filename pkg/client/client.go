package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/pion/webrtc/v4"

	"github.com/yapchat/yap/pkg/config"
	"github.com/yapchat/yap/pkg/logger"
	"github.com/yapchat/yap/pkg/media"
	"github.com/yapchat/yap/pkg/roster"
	"github.com/yapchat/yap/pkg/rtc"
	"github.com/yapchat/yap/pkg/signal"
	"github.com/yapchat/yap/pkg/types"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrMuted         = errors.New("unmute before you stop speaking")
)

// Status is what a user interface shows about the session.
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusMediaFault
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusMediaFault:
		return "MEDIA_FAULT"
	case StatusDisconnected:
		return "DISCONNECTED"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MediaFault is returned when the microphone could not be acquired.
// Signaling is not affected by it.
type MediaFault struct {
	Err error
}

func (e *MediaFault) Error() string {
	return "media fault: " + e.Err.Error()
}

func (e *MediaFault) Unwrap() error {
	return e.Err
}

// Options for Join
type Options struct {
	URL    string
	Name   string
	WebRTC config.WebRTCConfig
	// Microphone defaults to silence.
	Microphone media.Microphone
	// Meter builds the volume meter for a remote track. Nil disables metering.
	Meter func(receiver *webrtc.RTPReceiver) media.VolumeMeter
}

// DefaultMeter reads loudness from the audio level header extension.
func DefaultMeter(receiver *webrtc.RTPReceiver) media.VolumeMeter {
	if m := media.NewAudioLevelMeter(receiver); m != nil {
		return m
	}
	return nil
}

type transport interface {
	Send(msg signal.Message) error
	Messages() <-chan signal.Message
	Done() <-chan struct{}
	Err() error
	OnClose(f func())
	Close() error
}

type negotiator interface {
	HandleMessage(msg signal.Message)
	AttachTrack(track webrtc.TrackLocal) error
	State() rtc.State
	OnStateChange(f func(rtc.State))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

// Session is one participant in the room. It owns the signaling channel,
// the negotiation engine and the local track, and releases them together.
type Session struct {
	ch     transport
	engine negotiator
	roster *roster.Sync
	mic    media.Microphone
	meter  func(*webrtc.RTPReceiver) media.VolumeMeter
	log    logr.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed int32

	trackMu sync.Mutex
	track   *media.LocalTrack

	mu            sync.Mutex
	status        Status
	lastErr       error
	onStatus      func(Status)
	onLoudness    func(types.TrackID, float64)
	onServerError func(string)
	onRoster      func([]types.RosterEntry)
	onConnection  func(rtc.State)
}

// Join connects to the relay and starts negotiating. It returns once the
// signaling channel is open; the session reports CONNECTED when the relay
// assigns an id.
func Join(ctx context.Context, opts Options) (*Session, error) {
	api, rtcCfg, err := config.NewAPI(opts.WebRTC)
	if err != nil {
		return nil, err
	}
	conn, err := rtc.NewPionConnection(api, rtcCfg)
	if err != nil {
		return nil, err
	}

	ch, err := signal.Dial(ctx, opts.URL, opts.Name)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return newSession(ch, rtc.NewEngine(conn, ch), opts), nil
}

func newSession(ch transport, engine negotiator, opts Options) *Session {
	mic := opts.Microphone
	if mic == nil {
		mic = media.SilenceMicrophone{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ch:     ch,
		engine: engine,
		roster: roster.NewSync(ch),
		mic:    mic,
		meter:  opts.Meter,
		log:    logger.GetLogger().WithName("session").WithValues("name", opts.Name),
		ctx:    ctx,
		cancel: cancel,
		status: StatusConnecting,
	}

	s.roster.OnChange(func(entries []types.RosterEntry) {
		s.mu.Lock()
		f := s.onRoster
		s.mu.Unlock()
		if f != nil {
			f(entries)
		}
	})
	engine.OnTrack(s.handleRemoteTrack)
	// both hooks can fire from inside the closing component
	engine.OnStateChange(func(st rtc.State) {
		s.mu.Lock()
		f := s.onConnection
		s.mu.Unlock()
		if f != nil {
			f(st)
		}
		if st == rtc.StateClosed {
			go s.Close()
		}
	})
	ch.OnClose(func() {
		go s.Close()
	})

	go s.dispatch()
	return s
}

// OnStatus handler
func (s *Session) OnStatus(f func(Status)) {
	s.mu.Lock()
	s.onStatus = f
	s.mu.Unlock()
}

// OnLoudness receives 0..1 loudness values per remote track.
func (s *Session) OnLoudness(f func(types.TrackID, float64)) {
	s.mu.Lock()
	s.onLoudness = f
	s.mu.Unlock()
}

// OnServerError receives the text of relay error events.
func (s *Session) OnServerError(f func(string)) {
	s.mu.Lock()
	s.onServerError = f
	s.mu.Unlock()
}

// OnRoster receives a copy of the roster after every broadcast.
func (s *Session) OnRoster(f func([]types.RosterEntry)) {
	s.mu.Lock()
	s.onRoster = f
	s.mu.Unlock()
}

// OnConnectionState is called on every negotiation state change. A
// finished offer/answer cycle reports STABLE.
func (s *Session) OnConnectionState(f func(rtc.State)) {
	s.mu.Lock()
	s.onConnection = f
	s.mu.Unlock()
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastError is the fault behind the latest MEDIA_FAULT or DISCONNECTED status.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) LocalID() (types.ParticipantID, bool) {
	return s.roster.LocalID()
}

func (s *Session) LocalState() (types.UserState, bool) {
	return s.roster.LocalState()
}

func (s *Session) Roster() []types.RosterEntry {
	return s.roster.Snapshot()
}

func (s *Session) ConnectionState() rtc.State {
	return s.engine.State()
}

// StartSpeaking opens the microphone on first use, publishes it and asks
// the relay to make us a speaker. Audio flows once the relay confirms.
func (s *Session) StartSpeaking(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if _, ok := s.roster.LocalID(); !ok {
		return roster.ErrNoLocalID
	}
	if state, _ := s.roster.LocalState(); state == types.UserStateSpeaking {
		return nil
	}

	if err := s.ensureTrack(ctx); err != nil {
		return err
	}
	return s.roster.RequestStateChange(types.ToggleSpeaking)
}

// StopSpeaking asks the relay to make us a listener again.
func (s *Session) StopSpeaking() error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	state, _ := s.roster.LocalState()
	switch state {
	case types.UserStateSpeaking:
		return s.roster.RequestStateChange(types.ToggleSpeaking)
	case types.UserStateMuted:
		return ErrMuted
	}
	return nil
}

func (s *Session) ToggleMute() error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.roster.RequestStateChange(types.ToggleMute)
}

func (s *Session) ensureTrack(ctx context.Context) error {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	if s.track != nil {
		return nil
	}

	track, err := s.mic.Open(ctx)
	if err != nil {
		fault := &MediaFault{Err: err}
		s.log.Error(err, "opening microphone")
		s.setStatus(StatusMediaFault, fault)
		return fault
	}
	if err := s.engine.AttachTrack(track); err != nil {
		track.Stop()
		return err
	}
	s.roster.SetTrack(track)
	s.track = track

	s.mu.Lock()
	recovered := s.status == StatusMediaFault
	s.mu.Unlock()
	if recovered {
		s.setStatus(StatusConnected, nil)
	}
	return nil
}

// Close stops the local track, closes the media connection and closes
// the signaling channel. It is idempotent.
func (s *Session) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	s.cancel()

	s.trackMu.Lock()
	if s.track != nil {
		s.track.Stop()
	}
	s.trackMu.Unlock()

	engineErr := s.engine.Close()
	chErr := s.ch.Close()

	s.setStatus(StatusDisconnected, s.ch.Err())
	s.log.Info("session closed")

	if engineErr != nil {
		return engineErr
	}
	return chErr
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

func (s *Session) isClosed() bool {
	return atomic.LoadInt32(&s.closed) == 1
}

func (s *Session) dispatch() {
	defer rtc.Recover()

	for msg := range s.ch.Messages() {
		switch m := msg.(type) {
		case signal.Offer, signal.Answer, signal.Candidate:
			s.engine.HandleMessage(msg)
		case signal.ID:
			s.roster.HandleMessage(m)
			s.log.Info("joined", "id", m.ID)
			if s.Status() == StatusConnecting {
				s.setStatus(StatusConnected, nil)
			}
		case signal.Error:
			s.log.Info("relay reported an error", "reason", m.Reason)
			s.mu.Lock()
			f := s.onServerError
			s.mu.Unlock()
			if f != nil {
				f(m.Reason)
			}
		default:
			if !s.roster.HandleMessage(msg) {
				s.log.V(1).Info("ignoring message", "event", msg.Event())
			}
		}
	}
}

func (s *Session) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	trackID := types.TrackID(track.ID())

	var meter media.VolumeMeter
	if s.meter != nil {
		meter = s.meter(receiver)
	}
	if meter == nil {
		go discard(track)
		return
	}

	levels := meter.Subscribe(s.ctx, track)
	go func() {
		for level := range levels {
			s.mu.Lock()
			f := s.onLoudness
			s.mu.Unlock()
			if f != nil {
				f(trackID, level)
			}
		}
	}()
}

// discard keeps an unmetered remote track drained.
func discard(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

func (s *Session) setStatus(st Status, err error) {
	s.mu.Lock()
	if s.status == StatusDisconnected {
		s.mu.Unlock()
		return
	}
	s.status = st
	if err != nil {
		s.lastErr = err
	}
	f := s.onStatus
	s.mu.Unlock()

	s.log.V(1).Info("status", "status", st.String())
	if f != nil {
		f(st)
	}
}
