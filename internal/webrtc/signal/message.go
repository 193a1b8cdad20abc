// Package signal carries negotiation messages between the two participants
// of a room through an external relay.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bigbluebutton/bbb-consult-session/internal/types"
	"github.com/pion/webrtc/v4"
	"github.com/titanous/json5"
)

type MessageType string

const (
	TypeJoin         MessageType = "join"
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
	TypeConsent      MessageType = "consent"
	TypeBye          MessageType = "bye"
)

func (t MessageType) IsValid() bool {
	switch t {
	case TypeJoin, TypeOffer, TypeAnswer, TypeICECandidate, TypeConsent, TypeBye:
		return true
	}
	return false
}

var (
	ErrInvalidMessage = errors.New("invalid signaling message")
	ErrNotJoined      = errors.New("room not joined")
	ErrRelayClosed    = errors.New("relay closed")
)

// Message is the relay envelope. Seq is stamped by the relay when the
// message is persisted and is strictly increasing within a room.
type Message struct {
	Type    MessageType     `json:"type"`
	Room    string          `json:"room,omitempty"`
	From    string          `json:"from,omitempty"`
	Role    types.Role      `json:"role,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sentAt"`

	// Self marks the echo of a message this endpoint sent.
	Self bool `json:"-"`
}

type ConsentPayload struct {
	Granted bool `json:"granted"`
}

type ByePayload struct {
	Reason string `json:"reason,omitempty"`
}

// DecodeMessage parses an envelope leniently (JSON5) and validates it.
func DecodeMessage(b []byte) (Message, error) {
	var m Message
	if err := json5.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if !m.Type.IsValid() {
		return m, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	if m.From == "" {
		return m, fmt.Errorf("%w: missing sender", ErrInvalidMessage)
	}
	return m, nil
}

func DecodePayload(m Message, v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: empty %s payload", ErrInvalidMessage, m.Type)
	}
	if err := json5.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidMessage, m.Type, err)
	}
	return nil
}

// DecodeSessionDescription extracts an offer or answer and checks that its
// type matches the envelope.
func DecodeSessionDescription(m Message) (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	if err := DecodePayload(m, &sd); err != nil {
		return sd, err
	}

	want := webrtc.SDPTypeOffer
	if m.Type == TypeAnswer {
		want = webrtc.SDPTypeAnswer
	}
	if sd.Type != want || sd.SDP == "" {
		return sd, fmt.Errorf("%w: %s carries a %s description", ErrInvalidMessage, m.Type, sd.Type)
	}
	return sd, nil
}

func DecodeCandidate(m Message) (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	if err := DecodePayload(m, &c); err != nil {
		return c, err
	}
	if c.Candidate == "" {
		return c, fmt.Errorf("%w: empty candidate", ErrInvalidMessage)
	}
	return c, nil
}
