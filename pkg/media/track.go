package media

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lucsky/cuid"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

const outboundMTU = 1200

var (
	ErrTrackStopped = errors.New("local track stopped")
)

// OpusCapability is the only codec yap sends.
var OpusCapability = webrtc.RTPCodecCapability{
	MimeType:  webrtc.MimeTypeOpus,
	ClockRate: opusClockRate,
	Channels:  2,
}

type rtpWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// LocalTrack is the outbound audio track. It starts disabled; while
// disabled, samples are dropped instead of sent. Every packet carries the
// audio level header extension when the connection negotiated it.
type LocalTrack struct {
	*webrtc.TrackLocalStaticRTP

	out     rtpWriter
	enabled atomicFlag
	stopped atomicFlag
	done    chan struct{}
	// negotiated audio level extension id, 0 until bound
	levelExtID uint32

	mu         sync.Mutex
	packetizer rtp.Packetizer
	remainder  float64
}

func NewLocalTrack() (*LocalTrack, error) {
	stream := fmt.Sprintf("yap-audio-%v", cuid.New())
	track, err := webrtc.NewTrackLocalStaticRTP(OpusCapability, cuid.New(), stream)
	if err != nil {
		return nil, err
	}
	return &LocalTrack{
		TrackLocalStaticRTP: track,
		out:                 track,
		done:                make(chan struct{}),
		packetizer: rtp.NewPacketizerWithOptions(
			outboundMTU,
			&codecs.OpusPayloader{},
			rtp.NewRandomSequencer(),
			OpusCapability.ClockRate,
		),
	}, nil
}

// Bind records the audio level extension id of the connection the track
// is bound to.
func (t *LocalTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	codec, err := t.TrackLocalStaticRTP.Bind(ctx)
	if err != nil {
		return codec, err
	}
	if id, ok := AudioLevelExtensionID(webrtc.RTPParameters{HeaderExtensions: ctx.HeaderExtensions()}); ok {
		atomic.StoreUint32(&t.levelExtID, uint32(id))
	}
	return codec, nil
}

// SetEnabled opens or closes the gate.
func (t *LocalTrack) SetEnabled(enabled bool) {
	t.enabled.TrySet(enabled)
}

func (t *LocalTrack) Enabled() bool {
	return t.enabled.Get()
}

// WriteSample sends s if the track is enabled, stamped with the level
// EstimateLevel reads from the encoded frame.
func (t *LocalTrack) WriteSample(s pionmedia.Sample) error {
	if t.stopped.Get() {
		return ErrTrackStopped
	}
	if !t.enabled.Get() {
		return nil
	}

	t.mu.Lock()
	ticks := s.Duration.Seconds()*float64(OpusCapability.ClockRate) + t.remainder
	samples := uint32(ticks)
	t.remainder = ticks - float64(samples)
	packets := t.packetizer.Packetize(s.Data, samples)
	t.mu.Unlock()

	if id := uint8(atomic.LoadUint32(&t.levelExtID)); id != 0 {
		level := EstimateLevel(s.Data, s.Duration)
		raw, err := rtp.AudioLevelExtension{Level: level, Voice: level < 127}.Marshal()
		if err != nil {
			return err
		}
		for _, p := range packets {
			if err := p.Header.SetExtension(id, raw); err != nil {
				return err
			}
		}
	}

	var errs []error
	for _, p := range packets {
		if err := t.out.WriteRTP(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop ends capture. Calling it again is a no-op.
func (t *LocalTrack) Stop() {
	if !t.stopped.TrySet(true) {
		return
	}
	t.enabled.TrySet(false)
	close(t.done)
}

// Done is closed once the track is stopped.
func (t *LocalTrack) Done() <-chan struct{} {
	return t.done
}

const (
	// DTX and comfort noise frames are at most this long
	silentFrameBytes = 3
	// bitrate treated as full scale
	loudBitrate = 64000
)

// EstimateLevel guesses the RFC 6464 level (0 loudest, 127 silent) of an
// encoded Opus frame. Without a decoder the frame size is the signal:
// Opus in VBR spends more bits on louder, busier audio.
func EstimateLevel(frame []byte, duration time.Duration) uint8 {
	if len(frame) <= silentFrameBytes || duration <= 0 {
		return 127
	}
	bitrate := float64((len(frame)-silentFrameBytes)*8) / duration.Seconds()
	if bitrate >= loudBitrate {
		return 0
	}
	return uint8(127 - bitrate*127/loudBitrate)
}

type atomicFlag struct {
	val int32
}

// TrySet stores bVal and reports whether the flag changed.
func (b *atomicFlag) TrySet(bVal bool) bool {
	var v int32
	if bVal {
		v = 1
	}
	return atomic.SwapInt32(&b.val, v) != v
}

func (b *atomicFlag) Get() bool {
	return atomic.LoadInt32(&b.val) == 1
}
