package relay

import (
	"errors"
	"io"

	"github.com/go-logr/logr"
	"github.com/pion/webrtc/v4"

	"github.com/yapchat/yap/pkg/logger"
	"github.com/yapchat/yap/pkg/rtc"
	"github.com/yapchat/yap/pkg/types"
)

// publish forwards a participant's microphone to the room. The relay
// holds the track for as long as it runs; the room only fans it out
// while its owner is speaking.
func (p *Peer) publish(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	defer rtc.Recover()

	lr := logr.Logger(rtc.LoggerWithTrack(logger.Logger(p.log), types.TrackID(remote.ID())))
	lr.Info("got remote track",
		"kind", remote.Kind(),
		"ssrc", remote.SSRC(),
		"stream_id", remote.StreamID(),
		"payload_type", remote.PayloadType(),
	)

	if remote.Kind() != webrtc.RTPCodecTypeAudio {
		lr.Info("rejecting non audio track")
		return
	}

	local, err := webrtc.NewTrackLocalStaticRTP(remote.Codec().RTPCodecCapability, remote.ID(), remote.StreamID())
	if err != nil {
		lr.Error(err, "creating fan-out track")
		return
	}

	if speaking := p.room.Publish(p.id, local); !speaking {
		lr.Info("track from non-speaking participant held back")
	}
	defer p.room.Unpublish(p.id, local)

	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			if !rtc.IsEOF(err) {
				lr.V(1).Info("remote track ended", "error", err.Error())
			}
			return
		}
		if err := local.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			lr.Error(err, "forwarding rtp")
			return
		}
	}
}
