package relay

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/pborman/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/yapchat/yap/pkg/logger"
	"github.com/yapchat/yap/pkg/rtc"
	"github.com/yapchat/yap/pkg/signal"
	"github.com/yapchat/yap/pkg/types"
)

// transport is the signaling side of a peer.
type transport interface {
	Send(msg signal.Message) error
	Messages() <-chan signal.Message
	OnProtocolError(f func(error))
	Close() error
}

// Peer is the relay end of one participant. The relay is the impolite
// side: it offers whenever the participant's fan-out changes and ignores
// participant offers that collide with its own.
type Peer struct {
	id   types.ParticipantID
	name string
	pc   *webrtc.PeerConnection
	ch   transport
	room *Room
	log  logr.Logger

	// serializes description changes
	mu         sync.Mutex
	candidates rtc.CandidateBuffer
	negotiated bool
	dirty      bool
	// set from a colliding offer until the next remote description
	ignoredOffer bool
	closeOnce    sync.Once
}

func newPeer(api *webrtc.API, cfg webrtc.Configuration, ch transport, room *Room, name string) (*Peer, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	// one inbound audio track per participant
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("adding audio transceiver: %w", err)
	}

	id := types.ParticipantID(uuid.New())
	p := &Peer{
		id:   id,
		name: name,
		pc:   pc,
		ch:   ch,
		room: room,
		log:  logr.Logger(rtc.LoggerWithParticipant(logger.Logger(logger.GetLogger().WithName("peer")), name, id)),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := p.Send(signal.Candidate{Candidate: c.ToJSON()}); err != nil {
			p.log.V(1).Info("sending candidate", "error", err.Error())
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.log.V(1).Info("peer connection state", "state", s)
		switch s {
		case webrtc.PeerConnectionStateFailed:
			p.Close()
		case webrtc.PeerConnectionStateClosed:
			p.room.RequestSync()
		}
	})
	pc.OnTrack(p.publish)
	ch.OnProtocolError(func(err error) {
		p.reportError(fmt.Sprintf("unknown message: %v", err))
	})

	return p, nil
}

func (p *Peer) ID() types.ParticipantID {
	return p.id
}

func (p *Peer) Send(msg signal.Message) error {
	return p.ch.Send(msg)
}

// Close tears down the media connection and the channel.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		if err := p.pc.Close(); err != nil {
			p.log.Error(err, "closing peer connection")
		}
		_ = p.ch.Close()
	})
}

// serve runs the participant's session until its channel closes.
func (p *Peer) serve() error {
	defer p.Close()

	roster, err := p.room.Join(p, p.name)
	if err != nil {
		p.reportError(err.Error())
		return err
	}
	defer p.room.Leave(p.id)

	if err := p.Send(signal.ID{ID: p.id, Users: roster, Extended: true}); err != nil {
		return err
	}
	p.Sync(p.room.TracksFor(p.id))
	if err := p.Send(signal.ID{ID: p.id}); err != nil {
		return err
	}

	for msg := range p.ch.Messages() {
		p.handle(msg)
	}
	return nil
}

func (p *Peer) handle(msg signal.Message) {
	defer rtc.Recover()

	switch m := msg.(type) {
	case signal.Offer:
		p.handleOffer(m.Description)
	case signal.Answer:
		p.handleAnswer(m.Description)
	case signal.Candidate:
		p.handleCandidate(m.Candidate)
	case signal.ToggleSpeaking:
		p.room.Toggle(p.id, types.ToggleSpeaking)
	case signal.ToggleMute:
		p.room.Toggle(p.id, types.ToggleMute)
	default:
		p.reportError(fmt.Sprintf("unexpected message: %s", msg.Event()))
	}
}

func (p *Peer) handleOffer(offer webrtc.SessionDescription) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pc.SignalingState() != webrtc.SignalingStateStable {
		p.log.Info("ignoring colliding offer", "signaling_state", p.pc.SignalingState())
		p.ignoredOffer = true
		return
	}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		p.log.Error(err, "applying offer")
		return
	}
	p.ignoredOffer = false
	p.drainCandidates()

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		p.log.Error(err, "creating answer")
		return
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		p.log.Error(err, "applying answer")
		return
	}
	if err := p.Send(signal.Answer{Description: answer}); err != nil {
		p.log.V(1).Info("sending answer", "error", err.Error())
	}
}

func (p *Peer) handleAnswer(answer webrtc.SessionDescription) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		p.log.Info("dropping answer without an outstanding offer", "signaling_state", p.pc.SignalingState())
		return
	}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		p.log.Error(err, "applying answer")
		return
	}
	p.ignoredOffer = false
	p.drainCandidates()

	if p.dirty {
		p.dirty = false
		p.room.RequestSync()
	}
}

func (p *Peer) handleCandidate(candidate webrtc.ICECandidateInit) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pc.RemoteDescription() == nil {
		p.candidates.Enqueue(candidate, 0)
		return
	}
	if err := p.pc.AddICECandidate(candidate); err != nil {
		p.candidateFailed(err, "adding candidate")
	}
}

func (p *Peer) drainCandidates() {
	_, errs := p.candidates.DrainInto(p.pc)
	for _, err := range errs {
		p.candidateFailed(err, "adding buffered candidate")
	}
}

// candidateFailed logs a rejected candidate. Candidates trickled for an
// ignored offer are expected to fail.
func (p *Peer) candidateFailed(err error, msg string) {
	if p.ignoredOffer {
		p.log.V(1).Info(msg, "error", err.Error(), "ignored_offer", true)
		return
	}
	p.log.Error(err, msg)
}

// Sync makes the peer send exactly tracks and offers the result.
func (p *Peer) Sync(tracks map[string]*webrtc.TrackLocalStaticRTP) (tryAgain bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return false
	}
	if p.pc.SignalingState() != webrtc.SignalingStateStable {
		// picked up once the outstanding answer arrives
		p.dirty = true
		return false
	}

	changed := false
	existing := map[string]bool{}
	for _, sender := range p.pc.GetSenders() {
		track := sender.Track()
		if track == nil {
			continue
		}
		existing[track.ID()] = true
		if _, ok := tracks[track.ID()]; !ok {
			if err := p.pc.RemoveTrack(sender); err != nil {
				p.log.V(1).Info("removing track", "error", err.Error())
				return true
			}
			changed = true
		}
	}

	for id, track := range tracks {
		if existing[id] {
			continue
		}
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			p.log.V(1).Info("adding track", "error", err.Error())
			return true
		}
		go drainRTCP(sender)
		changed = true
	}

	if !changed && p.negotiated {
		return false
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return true
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return true
	}
	if err := p.Send(signal.Offer{Description: offer}); err != nil {
		return !errors.Is(err, signal.ErrNotConnected)
	}
	p.negotiated = true
	return false
}

func (p *Peer) reportError(reason string) {
	if err := p.Send(signal.Error{Reason: reason}); err != nil {
		p.log.V(1).Info("sending error", "error", err.Error())
	}
}

// drainRTCP keeps interceptors fed for an outbound sender.
func drainRTCP(sender *webrtc.RTPSender) {
	for {
		if _, _, err := sender.ReadRTCP(); err != nil {
			return
		}
	}
}
