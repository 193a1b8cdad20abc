package events

import (
	"github.com/titanous/json5"
)

// Event is an inbound control message. The payload is decoded lazily once
// the id is known.
type Event struct {
	Id        string `json:"id"`
	SessionId string `json:"sessionId,omitempty"`
	raw       []byte
}

func Decode(message []byte) *Event {
	e := &Event{raw: message}
	if err := json5.Unmarshal(message, e); err != nil {
		e.Id = ""
	}
	return e
}

func (e *Event) IsValid() bool {
	switch e.Id {
	case GetServiceStatusKey, GetSessionStatusKey, EndSessionKey:
		return true
	}
	return false
}

func (e *Event) EndSession() *EndSession {
	if e.Id != EndSessionKey {
		return nil
	}
	var s EndSession
	if err := json5.Unmarshal(e.raw, &s); err != nil {
		return nil
	}
	return &s
}

func (e *Event) GetSessionStatus() *GetSessionStatus {
	if e.Id != GetSessionStatusKey {
		return nil
	}
	var s GetSessionStatus
	if err := json5.Unmarshal(e.raw, &s); err != nil {
		return nil
	}
	return &s
}
