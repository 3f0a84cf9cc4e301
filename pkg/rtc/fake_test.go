package rtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/yapchat/yap/pkg/signal"
)

var errFakeState = errors.New("fake connection: invalid signaling state")

// fakeConn follows the JSEP signaling state rules closely enough for the
// engine to be exercised without ICE.
type fakeConn struct {
	mu sync.Mutex

	signaling webrtc.SignalingState
	remote    *webrtc.SessionDescription
	offers    int
	answers   int
	rollbacks int
	applied   []string
	tracks    int
	closed    int

	remoteErr    error
	candidateErr error

	onCandidate         func(*webrtc.ICECandidateInit)
	onNegotiationNeeded func()
	onTrack             func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onFailed            func()
	fireOnTrackAttach   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{signaling: webrtc.SignalingStateStable, fireOnTrackAttach: true}
}

func (c *fakeConn) CreateAndSetOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signaling != webrtc.SignalingStateStable {
		return webrtc.SessionDescription{}, errFakeState
	}
	c.offers++
	c.signaling = webrtc.SignalingStateHaveLocalOffer
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("local-offer-%d", c.offers)}, nil
}

func (c *fakeConn) CreateAndSetAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errFakeState
	}
	c.answers++
	c.signaling = webrtc.SignalingStateStable
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("local-answer-%d", c.answers)}, nil
}

func (c *fakeConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteErr != nil {
		return c.remoteErr
	}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if c.signaling != webrtc.SignalingStateStable {
			return errFakeState
		}
		c.signaling = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if c.signaling != webrtc.SignalingStateHaveLocalOffer {
			return errFakeState
		}
		c.signaling = webrtc.SignalingStateStable
	}
	c.remote = &desc
	return nil
}

func (c *fakeConn) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signaling != webrtc.SignalingStateHaveLocalOffer {
		return errNothingToRollback
	}
	c.rollbacks++
	c.signaling = webrtc.SignalingStateStable
	return nil
}

func (c *fakeConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return errors.New("fake connection: no remote description")
	}
	if c.candidateErr != nil {
		return c.candidateErr
	}
	c.applied = append(c.applied, candidate.Candidate)
	return nil
}

func (c *fakeConn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote != nil
}

func (c *fakeConn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signaling
}

func (c *fakeConn) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	c.mu.Lock()
	c.tracks++
	fire := c.fireOnTrackAttach
	c.mu.Unlock()
	if fire && c.onNegotiationNeeded != nil {
		c.onNegotiationNeeded()
	}
	return nil, nil
}

func (c *fakeConn) RemoveTrack(sender *webrtc.RTPSender) error {
	c.mu.Lock()
	c.tracks--
	c.mu.Unlock()
	if c.onNegotiationNeeded != nil {
		c.onNegotiationNeeded()
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	c.signaling = webrtc.SignalingStateClosed
	return nil
}

func (c *fakeConn) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	c.onCandidate = f
}

func (c *fakeConn) OnNegotiationNeeded(f func()) {
	c.onNegotiationNeeded = f
}

func (c *fakeConn) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	c.onTrack = f
}

func (c *fakeConn) OnFailed(f func()) {
	c.onFailed = f
}

func (c *fakeConn) appliedCandidates() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.applied...)
}

// recorder is a Sender that keeps everything it was asked to send.
type recorder struct {
	mu   sync.Mutex
	sent []signal.Message
	err  error
}

func (r *recorder) Send(m signal.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, m)
	return nil
}

func (r *recorder) events() []signal.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]signal.Event, 0, len(r.sent))
	for _, m := range r.sent {
		out = append(out, m.Event())
	}
	return out
}

func (r *recorder) count(event signal.Event) int {
	n := 0
	for _, e := range r.events() {
		if e == event {
			n++
		}
	}
	return n
}

func remoteOffer(n int) signal.Offer {
	return signal.Offer{Description: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("remote-offer-%d", n)}}
}

func remoteAnswer() signal.Answer {
	return signal.Answer{Description: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote-answer"}}
}

func remoteCandidate(n int) signal.Candidate {
	return signal.Candidate{Candidate: webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d", n)}}
}

type fakeTrack struct {
	webrtc.TrackLocal
	id string
}

func (t fakeTrack) ID() string { return t.id }
