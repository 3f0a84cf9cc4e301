package signal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/pion/webrtc/v4"

	"github.com/yapchat/yap/pkg/types"
)

// Event names the kind of a signaling envelope.
type Event string

const (
	EventOffer             Event = "offer"
	EventAnswer            Event = "answer"
	EventCandidate         Event = "candidate"
	EventID                Event = "id"
	EventUsers             Event = "users"
	EventUserStatesUpdated Event = "user_states_updated"
	EventToggleSpeaking    Event = "toggle_speaking"
	EventToggleMute        Event = "toggle_mute"
	EventError             Event = "error"
)

var (
	ErrMalformedFrame = errors.New("malformed signaling frame")
	ErrUnknownEvent   = errors.New("unknown signaling event")
	ErrInvalidPayload = errors.New("invalid signaling payload")
)

// ProtocolError is a recoverable decode failure. The frame it describes is
// dropped and the channel keeps going.
type ProtocolError struct {
	Event Event
	Err   error
}

func (e *ProtocolError) Error() string {
	if e.Event == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Event, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Envelope is the wire frame. Data carries the JSON encoded payload.
type Envelope struct {
	Event Event  `json:"event"`
	Data  string `json:"data"`
}

// Message is one of the signaling variants below. The set is closed.
type Message interface {
	Event() Event
	payload() (string, error)
}

type Offer struct {
	Description webrtc.SessionDescription
}

type Answer struct {
	Description webrtc.SessionDescription
}

type Candidate struct {
	Candidate webrtc.ICECandidateInit
}

// ID assigns the local participant id. The extended form also seeds the roster.
type ID struct {
	ID       types.ParticipantID
	Users    []types.RosterEntry
	Extended bool
}

// Roster is a full roster broadcast, sent as either users or user_states_updated.
type Roster struct {
	Kind  Event
	Users []types.RosterEntry
}

type ToggleSpeaking struct{}

type ToggleMute struct{}

type Error struct {
	Reason string
}

func (Offer) Event() Event          { return EventOffer }
func (Answer) Event() Event         { return EventAnswer }
func (Candidate) Event() Event      { return EventCandidate }
func (ID) Event() Event             { return EventID }
func (ToggleSpeaking) Event() Event { return EventToggleSpeaking }
func (ToggleMute) Event() Event     { return EventToggleMute }
func (Error) Event() Event          { return EventError }

func (m Roster) Event() Event {
	if m.Kind == EventUsers {
		return EventUsers
	}
	return EventUserStatesUpdated
}

func (m Offer) payload() (string, error)  { return marshalString(m.Description) }
func (m Answer) payload() (string, error) { return marshalString(m.Description) }

func (m Candidate) payload() (string, error) { return marshalString(m.Candidate) }

func (m ID) payload() (string, error) {
	if !m.Extended {
		return string(m.ID), nil
	}
	users := m.Users
	if users == nil {
		users = []types.RosterEntry{}
	}
	return marshalString(struct {
		ID    types.ParticipantID `json:"id"`
		Users []types.RosterEntry `json:"users"`
	}{m.ID, users})
}

func (m Roster) payload() (string, error) {
	users := m.Users
	if users == nil {
		users = []types.RosterEntry{}
	}
	return marshalString(rosterPayload{Users: users})
}

func (ToggleSpeaking) payload() (string, error) { return "", nil }
func (ToggleMute) payload() (string, error)     { return "", nil }
func (m Error) payload() (string, error)        { return marshalString(m.Reason) }

type rosterPayload struct {
	Users []types.RosterEntry `json:"users"`
}

func marshalString(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Encode wraps a message into its wire envelope.
func Encode(m Message) (Envelope, error) {
	data, err := m.payload()
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s: %w", m.Event(), err)
	}
	return Envelope{Event: m.Event(), Data: data}, nil
}

// Decode parses one inbound frame. Every failure is a *ProtocolError.
func Decode(frame []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, malformedFrame(err)
	}
	return DecodeEnvelope(env)
}

func malformedFrame(err error) error {
	return &ProtocolError{Err: fmt.Errorf("%w: %v", ErrMalformedFrame, err)}
}

// DecodeEnvelope validates the payload of an already split envelope.
func DecodeEnvelope(env Envelope) (Message, error) {
	if env.Event == "" {
		return nil, &ProtocolError{Err: fmt.Errorf("%w: missing event", ErrMalformedFrame)}
	}
	m, err := decodePayload(env)
	if err != nil {
		return nil, &ProtocolError{Event: env.Event, Err: err}
	}
	return m, nil
}

func decodePayload(env Envelope) (Message, error) {
	data := []byte(strings.TrimSpace(env.Data))

	switch env.Event {
	case EventOffer, EventAnswer:
		desc, err := decodeDescription(data)
		if err != nil {
			return nil, err
		}
		want := webrtc.SDPTypeOffer
		if env.Event == EventAnswer {
			want = webrtc.SDPTypeAnswer
		}
		if desc.Type != want {
			return nil, fmt.Errorf("%w: description type %s", ErrInvalidPayload, desc.Type)
		}
		if env.Event == EventOffer {
			return Offer{Description: desc}, nil
		}
		return Answer{Description: desc}, nil

	case EventCandidate:
		var c webrtc.ICECandidateInit
		if err := strictUnmarshal(data, &c); err != nil {
			return nil, err
		}
		if c.Candidate == "" {
			return nil, fmt.Errorf("%w: empty candidate", ErrInvalidPayload)
		}
		return Candidate{Candidate: c}, nil

	case EventID:
		return decodeID(data)

	case EventUsers, EventUserStatesUpdated:
		var p rosterPayload
		if err := strictUnmarshal(data, &p); err != nil {
			return nil, err
		}
		if err := validateRoster(p.Users); err != nil {
			return nil, err
		}
		return Roster{Kind: env.Event, Users: p.Users}, nil

	case EventToggleSpeaking:
		return ToggleSpeaking{}, nil

	case EventToggleMute:
		return ToggleMute{}, nil

	case EventError:
		var reason string
		if len(data) > 0 && data[0] == '"' {
			if err := json.Unmarshal(data, &reason); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
			}
		} else {
			reason = string(data)
		}
		return Error{Reason: reason}, nil
	}

	return nil, ErrUnknownEvent
}

func strictUnmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func decodeDescription(data []byte) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := strictUnmarshal(data, &desc); err != nil {
		return desc, err
	}
	if desc.SDP == "" {
		return desc, fmt.Errorf("%w: empty sdp", ErrInvalidPayload)
	}
	return desc, nil
}

// decodeID accepts {"id","users"}, a JSON string, or the bare id token.
func decodeID(data []byte) (Message, error) {
	switch {
	case len(data) == 0:
		return nil, fmt.Errorf("%w: empty id", ErrInvalidPayload)

	case data[0] == '{':
		var p struct {
			ID    types.ParticipantID `json:"id"`
			Users []types.RosterEntry `json:"users"`
		}
		if err := strictUnmarshal(data, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, fmt.Errorf("%w: empty id", ErrInvalidPayload)
		}
		if err := validateRoster(p.Users); err != nil {
			return nil, err
		}
		return ID{ID: p.ID, Users: p.Users, Extended: true}, nil

	case data[0] == '"':
		var id string
		if err := strictUnmarshal(data, &id); err != nil {
			return nil, err
		}
		if id == "" {
			return nil, fmt.Errorf("%w: empty id", ErrInvalidPayload)
		}
		return ID{ID: types.ParticipantID(id)}, nil
	}

	if bytes.IndexFunc(data, func(r rune) bool { return unicode.IsSpace(r) || r == '[' || r == '}' }) >= 0 {
		return nil, fmt.Errorf("%w: id %q", ErrInvalidPayload, data)
	}
	return ID{ID: types.ParticipantID(data)}, nil
}

func validateRoster(users []types.RosterEntry) error {
	for _, u := range users {
		if u.ID == "" {
			return fmt.Errorf("%w: roster entry without id", ErrInvalidPayload)
		}
		if !u.State.Valid() {
			return fmt.Errorf("%w: roster entry %s has state %q", ErrInvalidPayload, u.ID, u.State)
		}
	}
	return nil
}
