// Package store persists session records for the surrounding portal.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/bigbluebutton/bbb-consult-session/internal/config"
	"github.com/bigbluebutton/bbb-consult-session/internal/types"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	// CreateOrGetSession returns the live attempt for the appointment. When
	// there is none, or the last one is terminal, a new attempt with a fresh
	// room is started. The session id stays the same for the appointment.
	CreateOrGetSession(ctx context.Context, appointmentID string) (*types.Session, error)
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)
	// UpdateSessionState never leaves a terminal state. Timestamps already
	// set are kept.
	UpdateSessionState(ctx context.Context, sessionID string, state types.SessionState, ts types.Timestamps, reason types.FailureReason) error
	SetRecordingEnabled(ctx context.Context, sessionID string) error
	RecordConsent(ctx context.Context, sessionID string, role types.Role, granted bool) error
	AttachArtifactMetadata(ctx context.Context, sessionID string, artifact types.RecordingArtifact) error
	Close()
}

func New(ctx context.Context, cfg config.Store) (Store, error) {
	switch cfg.Adapter {
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL)
	case "memory", "":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store adapter '%s'", cfg.Adapter)
	}
}
