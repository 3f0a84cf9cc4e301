package roster

import (
	"errors"
	"fmt"
	"sync"

	"github.com/getlantern/deepcopy"
	"github.com/go-logr/logr"

	"github.com/yapchat/yap/pkg/logger"
	"github.com/yapchat/yap/pkg/signal"
	"github.com/yapchat/yap/pkg/types"
)

var (
	ErrNoLocalID = errors.New("local participant id not assigned")
)

// TrackToggler is the enable gate of the outbound audio track.
type TrackToggler interface {
	SetEnabled(enabled bool)
}

// Sender delivers state change requests to the relay.
type Sender interface {
	Send(msg signal.Message) error
}

// Sync keeps the local roster in step with the relay's broadcasts and
// drives the outbound track gate from it. The relay is the only authority:
// the local track is enabled exactly when the latest broadcast lists the
// local participant as speaking.
type Sync struct {
	sender Sender
	log    logr.Logger

	mu       sync.Mutex
	localID  types.ParticipantID
	roster   *Roster
	track    TrackToggler
	onChange func([]types.RosterEntry)
}

func NewSync(sender Sender) *Sync {
	return &Sync{
		sender: sender,
		log:    logger.GetLogger().WithName("roster"),
		roster: New(),
	}
}

// HandleMessage applies id and roster broadcasts. It reports whether msg
// was one of those.
func (s *Sync) HandleMessage(msg signal.Message) bool {
	switch m := msg.(type) {
	case signal.ID:
		s.SetLocalID(m.ID)
		if m.Extended {
			s.ApplyRosterUpdate(m.Users)
		}
	case signal.Roster:
		s.ApplyRosterUpdate(m.Users)
	default:
		return false
	}
	return true
}

// SetLocalID records the id the relay assigned to us.
func (s *Sync) SetLocalID(id types.ParticipantID) {
	s.mu.Lock()
	if s.localID != "" && s.localID != id {
		s.log.Info("relay reassigned local id", "old", s.localID, "new", id)
	}
	s.localID = id
	s.updateGateLocked()
	s.mu.Unlock()
}

func (s *Sync) LocalID() (types.ParticipantID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localID, s.localID != ""
}

// SetTrack hands the outbound track gate to the sync, which immediately
// sets it to match the roster.
func (s *Sync) SetTrack(track TrackToggler) {
	s.mu.Lock()
	s.track = track
	s.updateGateLocked()
	s.mu.Unlock()
}

// OnChange is called with a snapshot after every roster update.
func (s *Sync) OnChange(f func([]types.RosterEntry)) {
	s.mu.Lock()
	s.onChange = f
	s.mu.Unlock()
}

// RequestStateChange asks the relay for a toggle. Nothing changes locally
// until the relay broadcasts the result.
func (s *Sync) RequestStateChange(t types.Toggle) error {
	if _, ok := s.LocalID(); !ok {
		return ErrNoLocalID
	}

	var msg signal.Message
	switch t {
	case types.ToggleSpeaking:
		msg = signal.ToggleSpeaking{}
	case types.ToggleMute:
		msg = signal.ToggleMute{}
	default:
		return fmt.Errorf("unknown toggle %v", t)
	}

	if err := s.sender.Send(msg); err != nil {
		return fmt.Errorf("requesting %s: %w", t, err)
	}
	s.log.V(1).Info("requested state change", "toggle", t.String())
	return nil
}

// ApplyRosterUpdate replaces the roster wholesale.
func (s *Sync) ApplyRosterUpdate(users []types.RosterEntry) {
	s.mu.Lock()
	s.roster.Replace(users)
	s.updateGateLocked()
	f := s.onChange
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if f != nil {
		f(snapshot)
	}
}

// LocalState is our own entry's state, if the relay has listed us.
func (s *Sync) LocalState() (types.UserState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.localID == "" {
		return "", false
	}
	e, ok := s.roster.Get(s.localID)
	return e.State, ok
}

func (s *Sync) Snapshot() []types.RosterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Sync) snapshotLocked() []types.RosterEntry {
	entries := s.roster.Entries()
	out := make([]types.RosterEntry, 0, len(entries))
	if err := deepcopy.Copy(&out, entries); err != nil {
		s.log.Error(err, "copying roster")
		return entries
	}
	return out
}

func (s *Sync) updateGateLocked() {
	if s.track == nil {
		return
	}
	speaking := false
	if s.localID != "" {
		if e, ok := s.roster.Get(s.localID); ok {
			speaking = e.State == types.UserStateSpeaking
		}
	}
	s.track.SetEnabled(speaking)
}
