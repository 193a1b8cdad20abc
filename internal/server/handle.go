package server

import (
	"context"
	"errors"
	"time"

	"github.com/bigbluebutton/bbb-consult-session/internal/consent"
	"github.com/bigbluebutton/bbb-consult-session/internal/types"
)

// Handle is the caller side of a participant's session controller.
type Handle struct {
	s *Session
}

// Status is a point in time view of a controller.
type Status struct {
	SessionID string                   `json:"sessionId"`
	RoomID    string                   `json:"roomId"`
	Role      types.Role               `json:"role"`
	State     types.SessionState       `json:"state"`
	Connected bool                     `json:"connected"`
	Recording bool                     `json:"recording"`
	StartedAt *time.Time               `json:"startedAt,omitempty"`
	Failure   types.FailureReason      `json:"failure,omitempty"`
	Artifact  *types.RecordingArtifact `json:"artifact,omitempty"`
}

func (h *Handle) SessionID() string {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.sessionID
}

func (h *Handle) Role() types.Role {
	return h.s.role
}

func (h *Handle) State() types.SessionState {
	return h.s.currentState()
}

func (h *Handle) Failure() types.FailureReason {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.failure
}

func (h *Handle) Status() Status {
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		SessionID: s.sessionID,
		RoomID:    s.roomID,
		Role:      s.role,
		State:     s.state,
		Connected: s.connected,
		Recording: s.recording,
		StartedAt: s.startedAt,
		Failure:   s.failure,
		Artifact:  s.artifact,
	}
}

// Subscribe streams state changes, starting with the current state. The
// channel is closed when the session finishes or cancel is called.
func (h *Handle) Subscribe() (<-chan types.StateChange, func()) {
	return h.s.subscribe()
}

// Done is closed once the session reached a terminal state and released
// its resources.
func (h *Handle) Done() <-chan struct{} {
	return h.s.done
}

func (h *Handle) RequestRecording(ctx context.Context) (consent.Outcome, error) {
	return h.consent(ctx, true)
}

// DeclineRecording blocks recording for the session. A recording already
// running is not stopped.
func (h *Handle) DeclineRecording(ctx context.Context) (consent.Outcome, error) {
	return h.consent(ctx, false)
}

func (h *Handle) consent(ctx context.Context, grant bool) (consent.Outcome, error) {
	reply := make(chan consent.Outcome, 1)
	if err := h.s.send(ctx, consentCommand{grant: grant, reply: reply}); err != nil {
		return consent.Unknown, err
	}
	select {
	case o := <-reply:
		return o, nil
	case <-h.s.done:
		return consent.Unknown, ErrSessionClosed
	case <-ctx.Done():
		return consent.Unknown, ctx.Err()
	}
}

// ToggleTrack mutes or unmutes a local track and returns its new state.
func (h *Handle) ToggleTrack(ctx context.Context, kind types.TrackKind) (types.MediaTrackState, error) {
	if !kind.IsValid() {
		return types.MediaTrackState{}, ErrUnknownTrack
	}
	reply := make(chan toggleResult, 1)
	if err := h.s.send(ctx, toggleCommand{kind: kind, reply: reply}); err != nil {
		return types.MediaTrackState{}, err
	}
	select {
	case r := <-reply:
		return r.state, r.err
	case <-h.s.done:
		return types.MediaTrackState{}, ErrSessionClosed
	case <-ctx.Done():
		return types.MediaTrackState{}, ctx.Err()
	}
}

// End hangs up and waits until the recording, if any, is finalized and
// handed off. Calling it again returns the same outcome.
func (h *Handle) End(ctx context.Context) (*types.RecordingArtifact, error) {
	if err := h.s.send(ctx, endCommand{reason: types.EndReasonHangup}); err != nil && !errors.Is(err, ErrSessionClosed) {
		return nil, err
	}

	select {
	case <-h.s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	st := h.Status()
	if st.State == types.StateFailed {
		return nil, ErrSessionClosed
	}
	return st.Artifact, nil
}
