package types

import "fmt"

type ParticipantID string
type TrackID string

// UserState is the server-confirmed speaking state of a participant.
type UserState string

const (
	UserStateListening UserState = "listening"
	UserStateSpeaking  UserState = "speaking"
	UserStateMuted     UserState = "muted"
)

func (s UserState) Valid() bool {
	switch s {
	case UserStateListening, UserStateSpeaking, UserStateMuted:
		return true
	}
	return false
}

// Toggle is a state change a participant may request from the relay.
type Toggle int

const (
	ToggleSpeaking Toggle = iota
	ToggleMute
)

func (t Toggle) String() string {
	switch t {
	case ToggleSpeaking:
		return "toggle_speaking"
	case ToggleMute:
		return "toggle_mute"
	}
	return fmt.Sprintf("Toggle(%d)", int(t))
}

// Apply returns the state the relay moves a participant to. Muting is
// only meaningful while speaking; a listener asking to mute stays put.
func (s UserState) Apply(t Toggle) UserState {
	switch t {
	case ToggleSpeaking:
		if s == UserStateSpeaking {
			return UserStateListening
		}
		return UserStateSpeaking
	case ToggleMute:
		switch s {
		case UserStateSpeaking:
			return UserStateMuted
		case UserStateMuted:
			return UserStateSpeaking
		}
	}
	return s
}

// RosterEntry is one participant as broadcast by the relay.
type RosterEntry struct {
	ID    ParticipantID `json:"id"`
	Name  string        `json:"name"`
	State UserState     `json:"state"`
}
