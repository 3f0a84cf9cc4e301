package rtc

import (
	"github.com/gammazero/deque"
	"github.com/pion/webrtc/v4"
)

// CandidateApplier is anything remote candidates can be added to.
type CandidateApplier interface {
	AddICECandidate(candidate webrtc.ICECandidateInit) error
}

type bufferedCandidate struct {
	init       webrtc.ICECandidateInit
	generation uint64
}

// CandidateBuffer holds remote candidates that arrived before a remote
// description could take them. Not safe for concurrent use; the engine
// loop owns it.
type CandidateBuffer struct {
	q deque.Deque
}

// Enqueue appends a candidate tagged with the negotiation generation it
// arrived in.
func (b *CandidateBuffer) Enqueue(candidate webrtc.ICECandidateInit, generation uint64) {
	b.q.PushBack(bufferedCandidate{init: candidate, generation: generation})
}

func (b *CandidateBuffer) Len() int {
	return b.q.Len()
}

// DrainInto applies every buffered candidate in arrival order and leaves
// the buffer empty. Failures do not stop the drain.
func (b *CandidateBuffer) DrainInto(dst CandidateApplier) (applied int, errs []error) {
	for b.q.Len() > 0 {
		c := b.q.PopFront().(bufferedCandidate)
		if err := dst.AddICECandidate(c.init); err != nil {
			errs = append(errs, &CandidateError{Generation: c.generation, Err: err})
			continue
		}
		applied++
	}
	return applied, errs
}

// CandidateError is a buffered candidate the connection refused.
type CandidateError struct {
	Generation uint64
	Err        error
}

func (e *CandidateError) Error() string {
	return "applying buffered candidate: " + e.Err.Error()
}

func (e *CandidateError) Unwrap() error {
	return e.Err
}
