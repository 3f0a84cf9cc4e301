package rtc

import (
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/yapchat/yap/pkg/logger"
)

var (
	errNothingToRollback = errors.New("no pending local description to roll back")
)

// Connection is the media connection the engine negotiates. Only the
// engine calls the description mutating methods.
type Connection interface {
	// CreateAndSetOffer creates an offer and applies it as the local
	// description in one step.
	CreateAndSetOffer() (webrtc.SessionDescription, error)
	// CreateAndSetAnswer does the same for an answer.
	CreateAndSetAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	// Rollback discards a local offer that was never answered.
	Rollback() error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	HasRemoteDescription() bool
	SignalingState() webrtc.SignalingState

	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	RemoveTrack(sender *webrtc.RTPSender) error
	Close() error

	// OnICECandidate fires with nil once gathering completes.
	OnICECandidate(f func(candidate *webrtc.ICECandidateInit))
	OnNegotiationNeeded(f func())
	OnTrack(f func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	// OnFailed fires when the connection can no longer recover.
	OnFailed(f func())
}

// PionConnection is a Connection over a pion PeerConnection.
type PionConnection struct {
	pc *webrtc.PeerConnection
}

// NewPionConnection creates the single receive/send audio connection a
// session owns.
func NewPionConnection(api *webrtc.API, cfg webrtc.Configuration) (*PionConnection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		logger.Errorw("NewPeer error", err)
		return nil, err
	}
	return &PionConnection{pc: pc}, nil
}

func (c *PionConnection) CreateAndSetOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *PionConnection) CreateAndSetAnswer() (webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *PionConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *PionConnection) Rollback() error {
	pending := c.pc.PendingLocalDescription()
	if pending == nil {
		return errNothingToRollback
	}
	return c.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeRollback,
		SDP:  pending.SDP,
	})
}

func (c *PionConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *PionConnection) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *PionConnection) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *PionConnection) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return c.pc.AddTrack(track)
}

func (c *PionConnection) RemoveTrack(sender *webrtc.RTPSender) error {
	return c.pc.RemoveTrack(sender)
}

func (c *PionConnection) Close() error {
	return c.pc.Close()
}

func (c *PionConnection) OnICECandidate(f func(candidate *webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			f(nil)
			return
		}
		// ToJSON keeps sdpMid and sdpMLineIndex intact
		init := candidate.ToJSON()
		f(&init)
	})
}

func (c *PionConnection) OnNegotiationNeeded(f func()) {
	c.pc.OnNegotiationNeeded(f)
}

func (c *PionConnection) OnTrack(f func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.pc.OnTrack(f)
}

func (c *PionConnection) OnFailed(f func()) {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		logger.Debugw("peer connection state", "state", s)
		if s == webrtc.PeerConnectionStateFailed {
			f()
		}
	})
}
