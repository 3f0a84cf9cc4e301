package relay

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/elliotchance/orderedmap"
	"github.com/gammazero/workerpool"
	"github.com/getlantern/deepcopy"
	"github.com/go-logr/logr"
	"github.com/pion/webrtc/v4"

	"github.com/yapchat/yap/pkg/logger"
	"github.com/yapchat/yap/pkg/signal"
	"github.com/yapchat/yap/pkg/types"
)

const (
	// consecutive sync attempts before backing off
	maxSyncAttempts = 25
	syncDebounce    = 50 * time.Millisecond
)

var (
	ErrCapacity   = errors.New("room at capacity")
	ErrRoomClosed = errors.New("room closed")
)

// member is one connected participant as the room sees it.
type member interface {
	ID() types.ParticipantID
	Send(msg signal.Message) error
	// Sync brings the member's outbound tracks in line with tracks and
	// reports whether it needs another attempt.
	Sync(tracks map[string]*webrtc.TrackLocalStaticRTP) (tryAgain bool)
}

type occupant struct {
	member member
	entry  types.RosterEntry
}

// Room is the single voice room. It is the authority on every
// participant's state and decides which tracks each member receives.
type Room struct {
	maxMembers int
	log        logr.Logger

	mu         sync.Mutex
	closed     bool
	occupants  *orderedmap.OrderedMap // types.ParticipantID -> *occupant, join order
	publishers map[types.ParticipantID]*webrtc.TrackLocalStaticRTP

	pool     *workerpool.WorkerPool
	debounce func(f func())
}

// NewRoom creates a room for at most maxMembers participants; zero means
// no limit.
func NewRoom(maxMembers int) *Room {
	return &Room{
		maxMembers: maxMembers,
		log:        logger.GetLogger().WithName("room"),
		occupants:  orderedmap.NewOrderedMap(),
		publishers: make(map[types.ParticipantID]*webrtc.TrackLocalStaticRTP),
		pool:       workerpool.New(1),
		debounce:   debounce.New(syncDebounce),
	}
}

// Len is the number of participants.
func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.occupants.Len()
}

// Join adds m as a listener and returns the roster including it. Everyone
// else is told about the newcomer.
func (r *Room) Join(m member, name string) ([]types.RosterEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRoomClosed
	}
	if r.maxMembers > 0 && r.occupants.Len() >= r.maxMembers {
		return nil, ErrCapacity
	}

	r.occupants.Set(m.ID(), &occupant{
		member: m,
		entry:  types.RosterEntry{ID: m.ID(), Name: name, State: types.UserStateListening},
	})
	r.log.Info("participant joined", "pID", m.ID(), "participant", name, "participants", r.occupants.Len())
	r.updateGaugesLocked()

	roster := r.rosterLocked()
	r.broadcastLocked(roster, m.ID())
	return roster, nil
}

// Leave removes a participant and whatever it published.
func (r *Room) Leave(id types.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.occupants.Get(id); !ok {
		return
	}
	r.occupants.Delete(id)
	_, published := r.publishers[id]
	delete(r.publishers, id)
	r.log.Info("participant left", "pID", id, "participants", r.occupants.Len())
	r.updateGaugesLocked()

	r.broadcastLocked(r.rosterLocked(), "")
	if published {
		r.requestSyncLocked()
	}
}

// Toggle applies a participant's state change request and broadcasts
// the result.
func (r *Room) Toggle(id types.ParticipantID, t types.Toggle) (types.UserState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.occupantLocked(id)
	if !ok {
		return "", false
	}
	prev := o.entry.State
	next := prev.Apply(t)
	if next == prev {
		r.log.V(1).Info("toggle left state unchanged", "pID", id, "toggle", t.String(), "state", prev)
		return prev, true
	}

	o.entry.State = next
	r.log.Info("participant state changed", "pID", id, "from", prev, "to", next)
	r.updateGaugesLocked()
	r.broadcastLocked(r.rosterLocked(), "")

	if _, published := r.publishers[id]; published && (prev == types.UserStateSpeaking || next == types.UserStateSpeaking) {
		r.requestSyncLocked()
	}
	return next, true
}

// Publish registers the inbound track of id. It is fanned out while id is
// speaking. The return value says whether id is speaking right now.
func (r *Room) Publish(id types.ParticipantID, track *webrtc.TrackLocalStaticRTP) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.occupantLocked(id)
	if !ok {
		return false
	}
	r.publishers[id] = track
	r.updateGaugesLocked()
	speaking := o.entry.State == types.UserStateSpeaking
	if speaking {
		r.requestSyncLocked()
	}
	return speaking
}

// Unpublish drops track if it is still the one registered for id.
func (r *Room) Unpublish(id types.ParticipantID, track *webrtc.TrackLocalStaticRTP) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.publishers[id] != track {
		return
	}
	delete(r.publishers, id)
	r.updateGaugesLocked()
	r.requestSyncLocked()
}

// Roster returns the participants in join order.
func (r *Room) Roster() []types.RosterEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rosterLocked()
}

// TracksFor is the fan-out set member id should be receiving: every
// speaker's track except its own.
func (r *Room) TracksFor(id types.ParticipantID) map[string]*webrtc.TrackLocalStaticRTP {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracksForLocked(id)
}

// RequestSync schedules renegotiation of every member.
func (r *Room) RequestSync() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestSyncLocked()
}

// Close stops the room's executor. Members are not disconnected.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.pool.StopWait()
}

func (r *Room) occupantLocked(id types.ParticipantID) (*occupant, bool) {
	v, ok := r.occupants.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*occupant), true
}

func (r *Room) rosterLocked() []types.RosterEntry {
	entries := make([]types.RosterEntry, 0, r.occupants.Len())
	for _, k := range r.occupants.Keys() {
		o, _ := r.occupantLocked(k.(types.ParticipantID))
		entries = append(entries, o.entry)
	}
	roster := make([]types.RosterEntry, 0, len(entries))
	if err := deepcopy.Copy(&roster, entries); err != nil {
		return entries
	}
	return roster
}

func (r *Room) membersLocked() []member {
	members := make([]member, 0, r.occupants.Len())
	for _, k := range r.occupants.Keys() {
		o, _ := r.occupantLocked(k.(types.ParticipantID))
		members = append(members, o.member)
	}
	return members
}

func (r *Room) tracksForLocked(id types.ParticipantID) map[string]*webrtc.TrackLocalStaticRTP {
	tracks := make(map[string]*webrtc.TrackLocalStaticRTP)
	for owner, track := range r.publishers {
		if owner == id {
			continue
		}
		o, ok := r.occupantLocked(owner)
		if !ok || o.entry.State != types.UserStateSpeaking {
			continue
		}
		tracks[track.ID()] = track
	}
	return tracks
}

// broadcastLocked queues roster for every member but except. Queueing
// under the lock keeps broadcasts in the order the changes happened.
func (r *Room) broadcastLocked(roster []types.RosterEntry, except types.ParticipantID) {
	if r.closed {
		return
	}
	members := r.membersLocked()
	msg := signal.Roster{Kind: signal.EventUserStatesUpdated, Users: roster}
	r.pool.Submit(func() {
		for _, m := range members {
			if m.ID() == except {
				continue
			}
			if err := m.Send(msg); err != nil {
				r.log.V(1).Info("roster broadcast failed", "pID", m.ID(), "error", err.Error())
			}
		}
	})
}

func (r *Room) requestSyncLocked() {
	if r.closed {
		return
	}
	r.debounce(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			return
		}
		r.pool.Submit(r.syncMembers)
	})
}

// syncMembers runs on the pool. After too many failed passes it gives
// up the executor and retries a little later, so joins and leaves queued
// behind it are not starved.
func (r *Room) syncMembers() {
	for attempt := 0; ; attempt++ {
		if attempt == maxSyncAttempts {
			delay := time.Second + time.Duration(rand.Int63n(int64(2*time.Second)))
			r.log.Info("member sync keeps failing, backing off", "delay", delay)
			time.AfterFunc(delay, r.RequestSync)
			return
		}
		if !r.attemptSync() {
			return
		}
	}
}

func (r *Room) attemptSync() (tryAgain bool) {
	r.mu.Lock()
	members := r.membersLocked()
	r.mu.Unlock()

	for _, m := range members {
		if m.Sync(r.TracksFor(m.ID())) {
			return true
		}
	}
	return false
}

func (r *Room) updateGaugesLocked() {
	speakers := 0
	for _, k := range r.occupants.Keys() {
		o, _ := r.occupantLocked(k.(types.ParticipantID))
		if o.entry.State == types.UserStateSpeaking {
			speakers++
		}
	}
	prometheusGaugeParticipants.Set(float64(r.occupants.Len()))
	prometheusGaugeSpeakers.Set(float64(speakers))
	prometheusGaugeTracks.Set(float64(len(r.publishers)))
}
