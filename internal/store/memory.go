package store

import (
	"context"
	"sync"
	"time"

	"github.com/bigbluebutton/bbb-consult-session/internal/types"
	"github.com/google/uuid"
)

var _ Store = (*Memory)(nil)

type memoryAttempt struct {
	session   types.Session
	consents  map[types.Role]*types.ParticipantConsent
	artifacts map[string]types.RecordingArtifact
}

// Memory keeps sessions in process. Used for single node deployments and
// tests.
type Memory struct {
	mu            sync.Mutex
	sessions      map[string]*memoryAttempt
	byAppointment map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		sessions:      make(map[string]*memoryAttempt),
		byAppointment: make(map[string]string),
	}
}

func (m *Memory) CreateOrGetSession(_ context.Context, appointmentID string) (*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byAppointment[appointmentID]; ok {
		a := m.sessions[id]
		if !a.session.State.IsTerminal() {
			s := a.session
			return &s, nil
		}
		a.session = types.Session{
			SessionID:     id,
			AppointmentID: appointmentID,
			RoomID:        uuid.NewString(),
			State:         types.StateInitializing,
		}
		a.consents = make(map[types.Role]*types.ParticipantConsent)
		s := a.session
		return &s, nil
	}

	a := &memoryAttempt{
		session: types.Session{
			SessionID:     uuid.NewString(),
			AppointmentID: appointmentID,
			RoomID:        uuid.NewString(),
			State:         types.StateInitializing,
		},
		consents:  make(map[types.Role]*types.ParticipantConsent),
		artifacts: make(map[string]types.RecordingArtifact),
	}
	m.sessions[a.session.SessionID] = a
	m.byAppointment[appointmentID] = a.session.SessionID
	s := a.session
	return &s, nil
}

func (m *Memory) GetSession(_ context.Context, sessionID string) (*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	s := a.session
	return &s, nil
}

func (m *Memory) UpdateSessionState(_ context.Context, sessionID string, state types.SessionState, ts types.Timestamps, reason types.FailureReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if a.session.State.IsTerminal() {
		return nil
	}
	a.session.State = state
	if a.session.StartedAt == nil && ts.StartedAt != nil {
		a.session.StartedAt = ts.StartedAt
	}
	if a.session.EndedAt == nil && ts.EndedAt != nil {
		a.session.EndedAt = ts.EndedAt
	}
	if reason != types.ReasonNone {
		a.session.FailureReason = string(reason)
	}
	return nil
}

func (m *Memory) SetRecordingEnabled(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	a.session.RecordingEnabled = true
	return nil
}

func (m *Memory) RecordConsent(_ context.Context, sessionID string, role types.Role, granted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	c, ok := a.consents[role]
	if !ok {
		c = &types.ParticipantConsent{ParticipantRole: role}
		a.consents[role] = c
	}
	if granted {
		if !c.Granted {
			c.Granted = true
			now := time.Now().UTC()
			c.GrantedAt = &now
		}
	} else {
		c.Declined = true
	}
	return nil
}

// Consents returns the stored consent records of the current attempt.
func (m *Memory) Consents(sessionID string) []types.ParticipantConsent {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	var out []types.ParticipantConsent
	for _, role := range []types.Role{types.RoleClinician, types.RolePatient} {
		if c, ok := a.consents[role]; ok {
			out = append(out, *c)
		}
	}
	return out
}

func (m *Memory) AttachArtifactMetadata(_ context.Context, sessionID string, artifact types.RecordingArtifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := a.artifacts[a.session.RoomID]; ok {
		return nil
	}
	artifact.Blob = nil
	a.artifacts[a.session.RoomID] = artifact
	return nil
}

// Artifact returns the metadata stored for the current attempt.
func (m *Memory) Artifact(sessionID string) (types.RecordingArtifact, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.sessions[sessionID]
	if !ok {
		return types.RecordingArtifact{}, false
	}
	art, ok := a.artifacts[a.session.RoomID]
	return art, ok
}

func (m *Memory) Close() {}
