package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/bigbluebutton/bbb-consult-session/internal/types"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var columns = []string{"session_id", "appointment_id", "room_id", "state", "started_at", "ended_at", "recording_enabled", "failure_reason"}

func sessionRow(id, appointment, room string, state types.SessionState, startedAt *time.Time) *pgxmock.Rows {
	return pgxmock.NewRows(columns).AddRow(id, appointment, room, string(state), startedAt, (*time.Time)(nil), false, "")
}

func TestPostgresCreateOrGetSession_New(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("insert into consult_sessions")).
		WithArgs(pgxmock.AnyArg(), "apt_1", pgxmock.AnyArg()).
		WillReturnRows(sessionRow("ses_1", "apt_1", "room_1", types.StateInitializing, nil))

	s := NewPostgresWithDB(mock)
	out, err := s.CreateOrGetSession(context.Background(), "apt_1")
	require.NoError(t, err)
	assert.Equal(t, "ses_1", out.SessionID)
	assert.Equal(t, "room_1", out.RoomID)
	assert.Equal(t, types.StateInitializing, out.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateOrGetSession_Live(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	startedAt := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("insert into consult_sessions")).
		WithArgs(pgxmock.AnyArg(), "apt_1", pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("select session_id, appointment_id, room_id")).
		WithArgs("apt_1").
		WillReturnRows(sessionRow("ses_1", "apt_1", "room_1", types.StateActive, &startedAt))

	s := NewPostgresWithDB(mock)
	out, err := s.CreateOrGetSession(context.Background(), "apt_1")
	require.NoError(t, err)
	assert.Equal(t, types.StateActive, out.State)
	require.NotNil(t, out.StartedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetSession_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("select session_id")).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err = NewPostgresWithDB(mock).GetSession(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateSessionState(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("update consult_sessions")).
		WithArgs("ses_1", "active", pgxmock.AnyArg(), pgxmock.AnyArg(), "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = NewPostgresWithDB(mock).UpdateSessionState(context.Background(), "ses_1",
		types.StateActive, types.Timestamps{StartedAt: types.Now()}, types.ReasonNone)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateSessionState_TerminalKept(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("update consult_sessions")).
		WithArgs("ses_1", "waiting", pgxmock.AnyArg(), pgxmock.AnyArg(), "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(regexp.QuoteMeta("select 1 from consult_sessions")).
		WithArgs("ses_1").
		WillReturnRows(pgxmock.NewRows([]string{"one"}).AddRow(1))

	err = NewPostgresWithDB(mock).UpdateSessionState(context.Background(), "ses_1",
		types.StateWaiting, types.Timestamps{}, types.ReasonNone)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecordConsent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("insert into consult_consents")).
		WithArgs("ses_1", "patient", true, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("insert into consult_consents")).
		WithArgs("gone", "patient", false, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	s := NewPostgresWithDB(mock)
	require.NoError(t, s.RecordConsent(context.Background(), "ses_1", types.RolePatient, true))
	assert.ErrorIs(t, s.RecordConsent(context.Background(), "gone", types.RolePatient, false), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAttachArtifactMetadata(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	art := types.RecordingArtifact{
		BlobRef:     "blob:1",
		MimeType:    "video/x-matroska",
		ByteSize:    1024,
		DurationMs:  2000,
		UploadedURL: "http://minio/consult/ses_1.mkv",
	}
	mock.ExpectExec(regexp.QuoteMeta("insert into consult_artifacts")).
		WithArgs("ses_1", art.BlobRef, art.MimeType, art.ByteSize, art.DurationMs, art.UploadedURL, "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, NewPostgresWithDB(mock).AttachArtifactMetadata(context.Background(), "ses_1", art))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	s, err := m.CreateOrGetSession(ctx, "apt_1")
	require.NoError(t, err)
	again, err := m.CreateOrGetSession(ctx, "apt_1")
	require.NoError(t, err)
	assert.Equal(t, s.SessionID, again.SessionID)
	assert.Equal(t, s.RoomID, again.RoomID)

	started := types.Now()
	require.NoError(t, m.UpdateSessionState(ctx, s.SessionID, types.StateActive, types.Timestamps{StartedAt: started}, types.ReasonNone))
	require.NoError(t, m.UpdateSessionState(ctx, s.SessionID, types.StateActive, types.Timestamps{StartedAt: types.Now()}, types.ReasonNone))
	require.NoError(t, m.UpdateSessionState(ctx, s.SessionID, types.StateCompleted, types.Timestamps{EndedAt: types.Now()}, types.ReasonNone))
	require.NoError(t, m.UpdateSessionState(ctx, s.SessionID, types.StateFailed, types.Timestamps{}, types.ReasonInternalError))

	got, err := m.GetSession(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, got.State)
	assert.Equal(t, started, got.StartedAt)
	assert.NotNil(t, got.EndedAt)
	assert.Empty(t, got.FailureReason)

	next, err := m.CreateOrGetSession(ctx, "apt_1")
	require.NoError(t, err)
	assert.Equal(t, s.SessionID, next.SessionID)
	assert.NotEqual(t, s.RoomID, next.RoomID)
	assert.Equal(t, types.StateInitializing, next.State)
	assert.Nil(t, next.StartedAt)
}

func TestMemoryConsentNeverUnset(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	s, err := m.CreateOrGetSession(ctx, "apt_1")
	require.NoError(t, err)

	require.NoError(t, m.RecordConsent(ctx, s.SessionID, types.RoleClinician, true))
	require.NoError(t, m.RecordConsent(ctx, s.SessionID, types.RoleClinician, false))
	require.NoError(t, m.RecordConsent(ctx, s.SessionID, types.RolePatient, false))

	consents := m.Consents(s.SessionID)
	require.Len(t, consents, 2)
	assert.True(t, consents[0].Granted)
	assert.NotNil(t, consents[0].GrantedAt)
	assert.False(t, consents[1].Granted)
	assert.True(t, consents[1].Declined)

	assert.ErrorIs(t, m.RecordConsent(ctx, "missing", types.RolePatient, true), ErrNotFound)
}

func TestMemoryArtifactOncePerAttempt(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	s, err := m.CreateOrGetSession(ctx, "apt_1")
	require.NoError(t, err)

	require.NoError(t, m.AttachArtifactMetadata(ctx, s.SessionID, types.RecordingArtifact{BlobRef: "blob:1", Blob: []byte{1}}))
	require.NoError(t, m.AttachArtifactMetadata(ctx, s.SessionID, types.RecordingArtifact{BlobRef: "blob:2"}))

	art, ok := m.Artifact(s.SessionID)
	require.True(t, ok)
	assert.Equal(t, "blob:1", art.BlobRef)
	assert.Nil(t, art.Blob)
}
