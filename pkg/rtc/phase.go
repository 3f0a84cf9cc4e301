package rtc

import "fmt"

// State is the coarse connection state a session reports.
type State int32

const (
	StateNew State = iota
	StateNegotiating
	StateStable
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateNegotiating:
		return "NEGOTIATING"
	case StateStable:
		return "STABLE"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Role decides who yields when both ends offer at once.
type Role int

const (
	RolePolite Role = iota
	RoleImpolite
)

func (r Role) String() string {
	if r == RolePolite {
		return "polite"
	}
	return "impolite"
}

// Phase is where the current negotiation cycle stands.
type Phase int

const (
	// PhaseIdle has no cycle in flight.
	PhaseIdle Phase = iota
	// PhaseOffering is creating and applying a local offer.
	PhaseOffering
	// PhaseSettling has sent the local offer and waits for the answer.
	PhaseSettling
	// PhaseAnswering is applying a remote offer and answering it.
	PhaseAnswering
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseOffering:
		return "OFFERING"
	case PhaseSettling:
		return "SETTLING"
	case PhaseAnswering:
		return "ANSWERING"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

type trigger int

const (
	triggerNegotiate trigger = iota
	triggerOfferSent
	triggerRemoteOffer
	triggerIgnoreOffer
	triggerAnswerSent
	triggerRemoteAnswer
	triggerFail
)

func (t trigger) String() string {
	return [...]string{
		"negotiate",
		"offer-sent",
		"remote-offer",
		"ignore-offer",
		"answer-sent",
		"remote-answer",
		"fail",
	}[t]
}

// transitions is the whole negotiation state machine. A remote offer during
// OFFERING or SETTLING is glare: the polite side takes remote-offer and
// yields, the impolite side takes ignore-offer and keeps its own offer.
var transitions = map[Phase]map[trigger]Phase{
	PhaseIdle: {
		triggerNegotiate:   PhaseOffering,
		triggerRemoteOffer: PhaseAnswering,
		triggerIgnoreOffer: PhaseIdle,
		triggerFail:        PhaseIdle,
	},
	PhaseOffering: {
		triggerOfferSent:   PhaseSettling,
		triggerRemoteOffer: PhaseAnswering,
		triggerIgnoreOffer: PhaseOffering,
		triggerFail:        PhaseIdle,
	},
	PhaseSettling: {
		triggerRemoteAnswer: PhaseIdle,
		triggerRemoteOffer:  PhaseAnswering,
		triggerIgnoreOffer:  PhaseSettling,
		triggerFail:         PhaseIdle,
	},
	PhaseAnswering: {
		triggerAnswerSent: PhaseIdle,
		triggerFail:       PhaseIdle,
	},
}

func nextPhase(p Phase, t trigger) (Phase, bool) {
	next, ok := transitions[p][t]
	return next, ok
}
