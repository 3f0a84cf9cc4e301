package media

import (
	"context"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/yapchat/yap/pkg/logger"
)

// RTPReader is the part of a remote track a meter reads from.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// VolumeMeter turns a remote audio track into a stream of loudness values
// between 0 and 1. The channel is closed when ctx ends or the track does.
type VolumeMeter interface {
	Subscribe(ctx context.Context, track RTPReader) <-chan float64
}

// AudioLevelMeter reads the RFC 6464 audio level header extension the
// sender stamps on every packet. No decoding is needed.
type AudioLevelMeter struct {
	ExtensionID uint8
}

// NewAudioLevelMeter finds the negotiated extension id on receiver. It
// returns nil when the extension was not negotiated.
func NewAudioLevelMeter(receiver *webrtc.RTPReceiver) *AudioLevelMeter {
	id, ok := AudioLevelExtensionID(receiver.GetParameters())
	if !ok {
		return nil
	}
	return &AudioLevelMeter{ExtensionID: id}
}

func AudioLevelExtensionID(params webrtc.RTPParameters) (uint8, bool) {
	for _, ext := range params.HeaderExtensions {
		if ext.URI == sdp.AudioLevelURI && ext.ID > 0 && ext.ID < 256 {
			return uint8(ext.ID), true
		}
	}
	return 0, false
}

// Loudness maps an audio level in -dBov (0 loudest, 127 silent) to 0..1.
func Loudness(level uint8) float64 {
	if level > 127 {
		level = 127
	}
	return 1 - float64(level)/127
}

func (m *AudioLevelMeter) Subscribe(ctx context.Context, track RTPReader) <-chan float64 {
	out := make(chan float64, 1)

	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			pkt, _, err := track.ReadRTP()
			if err != nil {
				logger.Debugw("volume meter stopped", "error", err.Error())
				return
			}

			raw := pkt.GetExtension(m.ExtensionID)
			if raw == nil {
				continue
			}
			var level rtp.AudioLevelExtension
			if err := level.Unmarshal(raw); err != nil {
				continue
			}

			// keep only the newest value for slow consumers
			v := Loudness(level.Level)
			select {
			case out <- v:
			case <-ctx.Done():
				return
			default:
				select {
				case <-out:
				default:
				}
				out <- v
			}
		}
	}()

	return out
}
