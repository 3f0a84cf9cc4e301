package rtc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gammazero/deque"
	"github.com/go-logr/logr"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/yapchat/yap/pkg/logger"
	"github.com/yapchat/yap/pkg/signal"
)

var (
	// ErrEngineClosed is returned for work submitted after Close
	ErrEngineClosed = errors.New("negotiation engine closed")
	// ErrTrackAttached the engine carries a single outbound track
	ErrTrackAttached = errors.New("local track already attached")
	// ErrNoTrack there is no outbound track to detach
	ErrNoTrack = errors.New("no local track attached")
)

// Sender delivers signaling messages to the remote end.
type Sender interface {
	Send(msg signal.Message) error
}

type command interface{}

type (
	cmdRemote            struct{ msg signal.Message }
	cmdLocalCandidate    struct{ init webrtc.ICECandidateInit }
	cmdNegotiationNeeded struct{}
	cmdCreateOffer       struct{ generation uint64 }
	cmdOfferReady        struct {
		generation uint64
		desc       webrtc.SessionDescription
	}
	cmdRemoteTrack struct {
		track    *webrtc.TrackRemote
		receiver *webrtc.RTPReceiver
	}
	cmdFailed struct{}
)

// Engine negotiates one Connection with the relay using perfect
// negotiation. Every input becomes a command on one FIFO that a single
// goroutine works through, so handlers never race each other.
type Engine struct {
	conn   Connection
	sender Sender
	role   Role
	log    logr.Logger

	mu    sync.Mutex
	queue deque.Deque
	wake  chan struct{}
	done  chan struct{}

	closeOnce sync.Once
	state     int32

	// owned by the loop
	phase                Phase
	makingOffer          bool
	ignoreOffer          bool
	pendingRenegotiation bool
	offerCreated         bool
	generation           uint64
	cycleStart           State
	candidates           CandidateBuffer

	trackMu   sync.Mutex
	rtpSender *webrtc.RTPSender

	onStateChange atomic.Value // func(State)
	onTrack       atomic.Value // func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

// NewEngine starts a polite engine over conn.
func NewEngine(conn Connection, sender Sender) *Engine {
	e := newEngine(conn, sender, RolePolite)
	go e.run()
	return e
}

func newEngine(conn Connection, sender Sender, role Role) *Engine {
	e := &Engine{
		conn:   conn,
		sender: sender,
		role:   role,
		log:    logger.GetLogger().WithName("rtc").WithValues("role", role.String()),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	conn.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c == nil {
			e.log.V(1).Info("ice gathering complete")
			return
		}
		e.push(cmdLocalCandidate{init: *c})
	})
	conn.OnNegotiationNeeded(func() {
		e.push(cmdNegotiationNeeded{})
	})
	conn.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		e.push(cmdRemoteTrack{track: track, receiver: receiver})
	})
	conn.OnFailed(func() {
		e.push(cmdFailed{})
	})

	return e
}

// State returns the current connection state.
func (e *Engine) State() State {
	return State(atomic.LoadInt32(&e.state))
}

// OnStateChange handler
func (e *Engine) OnStateChange(f func(State)) {
	e.onStateChange.Store(f)
}

// OnTrack handler, called from the engine loop. It must not block.
func (e *Engine) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	e.onTrack.Store(f)
}

// Done is closed when the engine is closed.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// HandleMessage queues an inbound offer, answer or candidate. Other
// variants are ignored.
func (e *Engine) HandleMessage(msg signal.Message) {
	switch msg.(type) {
	case signal.Offer, signal.Answer, signal.Candidate:
		e.push(cmdRemote{msg: msg})
	default:
		e.log.V(1).Info("engine ignoring message", "event", msg.Event())
	}
}

// Renegotiate requests a negotiation cycle explicitly.
func (e *Engine) Renegotiate() {
	e.push(cmdNegotiationNeeded{})
}

// AttachTrack adds the outbound track. The connection reports that
// negotiation is needed, which starts the next cycle.
func (e *Engine) AttachTrack(track webrtc.TrackLocal) error {
	if e.State() == StateClosed {
		return ErrEngineClosed
	}

	e.trackMu.Lock()
	defer e.trackMu.Unlock()
	if e.rtpSender != nil {
		return ErrTrackAttached
	}

	sender, err := e.conn.AddTrack(track)
	if err != nil {
		return fmt.Errorf("adding local track: %w", err)
	}
	e.rtpSender = sender
	if sender != nil {
		go e.readReceiverReports(sender)
	}
	e.log.Info("local track attached", "track_id", track.ID())
	return nil
}

// DetachTrack removes the outbound track, which renegotiates.
func (e *Engine) DetachTrack() error {
	e.trackMu.Lock()
	defer e.trackMu.Unlock()
	if e.rtpSender == nil {
		return ErrNoTrack
	}
	if err := e.conn.RemoveTrack(e.rtpSender); err != nil {
		return fmt.Errorf("removing local track: %w", err)
	}
	e.rtpSender = nil
	return nil
}

// Close tears the connection down. It is idempotent.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.setState(StateClosed)
		close(e.done)

		e.mu.Lock()
		e.queue.Clear()
		e.mu.Unlock()

		err = e.conn.Close()
	})
	return err
}

func (e *Engine) push(cmd command) {
	if e.State() == StateClosed {
		return
	}
	e.mu.Lock()
	e.queue.PushBack(cmd)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) pop() (command, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.queue.Len() == 0 {
		return nil, false
	}
	return e.queue.PopFront(), true
}

func (e *Engine) run() {
	for {
		select {
		case <-e.done:
			return
		case <-e.wake:
			e.drain()
		}
	}
}

// drain works the queue until it is empty.
func (e *Engine) drain() {
	for e.step() {
	}
}

// step handles one command and reports whether there was one.
func (e *Engine) step() bool {
	if e.State() == StateClosed {
		return false
	}
	cmd, ok := e.pop()
	if !ok {
		return false
	}
	e.handle(cmd)
	return true
}

func (e *Engine) handle(cmd command) {
	switch c := cmd.(type) {
	case cmdRemote:
		switch m := c.msg.(type) {
		case signal.Offer:
			e.handleRemoteOffer(m.Description)
		case signal.Answer:
			e.handleRemoteAnswer(m.Description)
		case signal.Candidate:
			e.handleRemoteCandidate(m.Candidate)
		}
	case cmdLocalCandidate:
		if err := e.sender.Send(signal.Candidate{Candidate: c.init}); err != nil {
			e.log.Error(err, "sending local candidate")
		}
	case cmdNegotiationNeeded:
		e.handleNegotiationNeeded()
	case cmdCreateOffer:
		e.handleCreateOffer(c.generation)
	case cmdOfferReady:
		e.handleOfferReady(c.generation, c.desc)
	case cmdRemoteTrack:
		e.log.Info("got remote track", "track_id", c.track.ID(), "stream_id", c.track.StreamID(), "kind", c.track.Kind())
		if f, ok := e.onTrack.Load().(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)); ok && f != nil {
			f(c.track, c.receiver)
		}
	case cmdFailed:
		e.log.Info("media connection failed, closing")
		_ = e.Close()
	}
}

func (e *Engine) handleNegotiationNeeded() {
	switch {
	case e.phase == PhaseOffering && !e.offerCreated:
		// the offer about to be created will carry this change
		e.log.V(1).Info("negotiation needed folded into pending offer")
		return
	case e.phase != PhaseIdle:
		e.log.V(1).Info("negotiation needed while busy, queued follow-up", "phase", e.phase)
		e.pendingRenegotiation = true
		return
	}
	e.startOffer()
}

func (e *Engine) startOffer() {
	if !e.transition(triggerNegotiate) {
		return
	}
	e.makingOffer = true
	e.offerCreated = false
	e.generation++
	e.push(cmdCreateOffer{generation: e.generation})
}

func (e *Engine) handleCreateOffer(generation uint64) {
	if generation != e.generation || e.phase != PhaseOffering {
		e.log.V(1).Info("dropping superseded offer request", "generation", generation)
		return
	}

	offer, err := e.conn.CreateAndSetOffer()
	e.offerCreated = true
	if err != nil {
		e.makingOffer = false
		e.fail("creating offer", err)
		return
	}
	e.push(cmdOfferReady{generation: generation, desc: offer})
}

func (e *Engine) handleOfferReady(generation uint64, offer webrtc.SessionDescription) {
	if generation != e.generation {
		// rolled back in favour of a remote offer, never transmit it
		e.log.V(1).Info("dropping rolled back offer", "generation", generation)
		return
	}
	e.makingOffer = false

	if err := e.sender.Send(signal.Offer{Description: offer}); err != nil {
		e.fail("sending offer", err)
		return
	}
	e.log.Info("sent offer", "generation", generation)
	e.transition(triggerOfferSent)
}

func (e *Engine) handleRemoteOffer(offer webrtc.SessionDescription) {
	offerCollision := e.makingOffer || e.conn.SignalingState() != webrtc.SignalingStateStable
	e.ignoreOffer = e.role == RoleImpolite && offerCollision
	if e.ignoreOffer {
		e.log.Info("ignoring colliding remote offer", "phase", e.phase)
		e.transition(triggerIgnoreOffer)
		return
	}

	if offerCollision {
		e.yieldLocalOffer()
	}
	if !e.transition(triggerRemoteOffer) {
		return
	}

	if err := e.conn.SetRemoteDescription(offer); err != nil {
		e.fail("applying remote offer", err)
		return
	}
	e.drainCandidates()

	answer, err := e.conn.CreateAndSetAnswer()
	if err != nil {
		e.fail("creating answer", err)
		return
	}
	if err := e.sender.Send(signal.Answer{Description: answer}); err != nil {
		e.fail("sending answer", err)
		return
	}

	e.log.Info("answered remote offer")
	e.complete(triggerAnswerSent)
}

// yieldLocalOffer abandons our in-flight offer so the remote one can be
// applied. The change it carried is re-offered once this cycle settles.
func (e *Engine) yieldLocalOffer() {
	if e.conn.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if err := e.conn.Rollback(); err != nil {
			e.log.Error(err, "rolling back local offer")
		}
	}
	if e.makingOffer || e.phase == PhaseOffering || e.phase == PhaseSettling {
		e.log.Info("glare, yielding to remote offer", "generation", e.generation)
		e.generation++
		e.makingOffer = false
		e.pendingRenegotiation = true
	}
}

func (e *Engine) handleRemoteAnswer(answer webrtc.SessionDescription) {
	if e.ignoreOffer && e.phase != PhaseSettling {
		e.log.V(1).Info("dropping answer from ignored cycle")
		return
	}
	if e.phase != PhaseSettling {
		e.log.Info("dropping answer without an outstanding offer", "phase", e.phase)
		return
	}

	if err := e.conn.SetRemoteDescription(answer); err != nil {
		e.fail("applying remote answer", err)
		return
	}
	e.drainCandidates()

	e.log.Info("applied remote answer")
	e.complete(triggerRemoteAnswer)
}

// handleRemoteCandidate runs between commands, so a remote answer is
// either fully applied or not started yet.
func (e *Engine) handleRemoteCandidate(candidate webrtc.ICECandidateInit) {
	if !e.conn.HasRemoteDescription() {
		e.candidates.Enqueue(candidate, e.generation)
		e.log.V(1).Info("buffered remote candidate", "buffered", e.candidates.Len())
		return
	}
	if err := e.conn.AddICECandidate(candidate); err != nil && !e.ignoreOffer {
		e.log.Error(err, "adding remote candidate")
	}
}

func (e *Engine) drainCandidates() {
	applied, errs := e.candidates.DrainInto(e.conn)
	if applied > 0 || len(errs) > 0 {
		e.log.V(1).Info("drained buffered candidates", "applied", applied, "failed", len(errs))
	}
	if e.ignoreOffer {
		return
	}
	for _, err := range errs {
		e.log.Error(err, "buffered candidate rejected")
	}
}

// complete ends a cycle with a finished offer/answer round trip.
func (e *Engine) complete(t trigger) {
	if !e.transition(t) {
		return
	}
	e.setState(StateStable)
	e.settle()
}

func (e *Engine) fail(step string, err error) {
	if e.ignoreOffer {
		e.log.V(1).Info("negotiation step failed in ignored cycle", "step", step, "error", err.Error())
	} else {
		e.log.Error(err, "negotiation step failed", "step", step, "phase", e.phase)
	}
	e.makingOffer = false
	e.transition(triggerFail)
	e.setState(e.cycleStart)
	e.settle()
}

// settle starts the follow-up cycle a busy engine deferred.
func (e *Engine) settle() {
	if !e.pendingRenegotiation || e.phase != PhaseIdle || e.State() == StateClosed {
		return
	}
	e.pendingRenegotiation = false
	e.log.V(1).Info("starting deferred renegotiation")
	e.startOffer()
}

func (e *Engine) transition(t trigger) bool {
	next, ok := nextPhase(e.phase, t)
	if !ok {
		e.log.Info("rejected negotiation transition", "phase", e.phase, "trigger", t)
		return false
	}
	if e.phase == PhaseIdle && next != PhaseIdle {
		e.cycleStart = e.State()
		e.ignoreOffer = false
		e.setState(StateNegotiating)
	}
	e.phase = next
	return true
}

func (e *Engine) setState(s State) {
	for {
		cur := atomic.LoadInt32(&e.state)
		if State(cur) == StateClosed || State(cur) == s {
			return
		}
		if atomic.CompareAndSwapInt32(&e.state, cur, int32(s)) {
			break
		}
	}
	e.log.V(1).Info("connection state", "state", s)
	if f, ok := e.onStateChange.Load().(func(State)); ok && f != nil {
		f(s)
	}
}

func (e *Engine) readReceiverReports(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			if !IsEOF(err) {
				e.log.V(1).Info("rtcp reader stopped", "error", err.Error())
			}
			return
		}
		for _, pkt := range pkts {
			rr, ok := pkt.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, r := range rr.Reports {
				e.log.V(1).Info("receiver report", "ssrc", r.SSRC, "fraction_lost", r.FractionLost, "jitter", r.Jitter)
			}
		}
	}
}
