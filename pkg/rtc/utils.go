package rtc

import (
	"errors"
	"io"

	"github.com/go-logr/logr"

	"github.com/yapchat/yap/pkg/logger"
	"github.com/yapchat/yap/pkg/types"
)

func IsEOF(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF)
}

func Recover() {
	if r := recover(); r != nil {
		var err error
		switch e := r.(type) {
		case string:
			err = errors.New(e)
		case error:
			err = e
		default:
			err = errors.New("unknown panic")
		}
		logger.GetLogger().Error(err, "recovered panic", "panic", r)
	}
}

// logger helpers
func LoggerWithParticipant(l logger.Logger, name string, id types.ParticipantID) logger.Logger {
	lr := logr.Logger(l)
	if name != "" {
		lr = lr.WithValues("participant", name)
	}
	if id != "" {
		lr = lr.WithValues("pID", id)
	}
	return logger.Logger(lr)
}

func LoggerWithTrack(l logger.Logger, trackID types.TrackID) logger.Logger {
	lr := logr.Logger(l)
	if trackID != "" {
		lr = lr.WithValues("trackID", trackID)
	}
	return logger.Logger(lr)
}
