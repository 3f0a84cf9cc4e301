package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-logr/logr"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/yapchat/yap/pkg/logger"
)

// ErrMicrophoneUnavailable wraps every failure to acquire audio input.
var ErrMicrophoneUnavailable = errors.New("microphone unavailable")

const (
	opusClockRate = 48000
	frameDuration = 20 * time.Millisecond
)

// opus TOC for a 20ms CELT frame followed by a silent payload
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Microphone hands out the local capture track.
type Microphone interface {
	Open(ctx context.Context) (*LocalTrack, error)
}

// MicrophoneFunc adapts a function to Microphone.
type MicrophoneFunc func(ctx context.Context) (*LocalTrack, error)

func (f MicrophoneFunc) Open(ctx context.Context) (*LocalTrack, error) {
	return f(ctx)
}

// OggMicrophone plays an Ogg/Opus file as if it were captured live.
type OggMicrophone struct {
	Path string
	// Loop restarts the file at EOF instead of going quiet.
	Loop bool
}

func (m OggMicrophone) Open(ctx context.Context) (*LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)
	}

	f, err := os.Open(m.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)
	}
	ogg, header, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrMicrophoneUnavailable, m.Path, err)
	}

	track, err := NewLocalTrack()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)
	}

	log := logger.GetLogger().WithName("microphone").WithValues("file", m.Path)
	log.Info("capturing from file", "channels", header.Channels, "sample_rate", header.SampleRate)
	go m.capture(f, ogg, track, log)
	return track, nil
}

func (m OggMicrophone) capture(f *os.File, ogg *oggreader.OggReader, track *LocalTrack, log logr.Logger) {
	defer f.Close()

	var lastGranule uint64
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-track.Done():
			return
		case <-ticker.C:
		}

		page, pageHeader, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if !m.Loop {
				log.Info("end of audio file")
				return
			}
			if ogg, err = rewind(f); err != nil {
				log.Error(err, "rewinding audio file")
				return
			}
			lastGranule = 0
			continue
		}
		if err != nil {
			log.Error(err, "reading ogg page")
			return
		}
		if bytes.HasPrefix(page, []byte("OpusTags")) {
			continue
		}

		sampleCount := float64(pageHeader.GranulePosition - lastGranule)
		lastGranule = pageHeader.GranulePosition
		duration := time.Duration((sampleCount/opusClockRate)*1000) * time.Millisecond

		if err := track.WriteSample(pionmedia.Sample{Data: page, Duration: duration}); err != nil {
			if errors.Is(err, ErrTrackStopped) {
				return
			}
			log.V(1).Info("writing sample", "error", err.Error())
		}
	}
}

func rewind(f *os.File) (*oggreader.OggReader, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	ogg, _, err := oggreader.NewWith(f)
	return ogg, err
}

// SilenceMicrophone produces a valid but silent Opus stream. It stands in
// for a capture device on headless machines.
type SilenceMicrophone struct{}

func (SilenceMicrophone) Open(ctx context.Context) (*LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)
	}
	track, err := NewLocalTrack()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)
	}

	go func() {
		ticker := time.NewTicker(frameDuration)
		defer ticker.Stop()
		for {
			select {
			case <-track.Done():
				return
			case <-ticker.C:
				err := track.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: frameDuration})
				if errors.Is(err, ErrTrackStopped) {
					return
				}
			}
		}
	}()
	return track, nil
}
