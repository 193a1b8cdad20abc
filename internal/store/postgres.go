package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bigbluebutton/bbb-consult-session/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*Postgres)(nil)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type Postgres struct {
	db    DB
	close func()
}

const schema = `
create table if not exists consult_sessions (
	session_id        text primary key,
	appointment_id    text not null unique,
	room_id           text not null,
	state             text not null,
	started_at        timestamptz,
	ended_at          timestamptz,
	recording_enabled boolean not null default false,
	failure_reason    text not null default '',
	updated_at        timestamptz not null default now()
);
create table if not exists consult_consents (
	session_id       text not null references consult_sessions(session_id),
	room_id          text not null,
	participant_role text not null,
	granted          boolean not null default false,
	granted_at       timestamptz,
	declined         boolean not null default false,
	primary key (session_id, room_id, participant_role)
);
create table if not exists consult_artifacts (
	session_id   text not null references consult_sessions(session_id),
	room_id      text not null,
	blob_ref     text not null,
	mime_type    text not null,
	byte_size    bigint not null,
	duration_ms  bigint not null,
	uploaded_url text not null default '',
	spool_path   text not null default '',
	created_at   timestamptz not null default now(),
	primary key (session_id, room_id)
);`

const sessionColumns = `session_id, appointment_id, room_id, state, started_at, ended_at, recording_enabled, failure_reason`

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	p := &Postgres{db: pool, close: pool.Close}
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgresWithDB wraps an existing connection or pool.
func NewPostgresWithDB(db DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func scanSession(row pgx.Row) (*types.Session, error) {
	var s types.Session
	var state string
	if err := row.Scan(&s.SessionID, &s.AppointmentID, &s.RoomID, &state,
		&s.StartedAt, &s.EndedAt, &s.RecordingEnabled, &s.FailureReason); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.State = types.SessionState(state)
	return &s, nil
}

func (p *Postgres) CreateOrGetSession(ctx context.Context, appointmentID string) (*types.Session, error) {
	const upsert = `
insert into consult_sessions (session_id, appointment_id, room_id, state)
values ($1, $2, $3, 'initializing')
on conflict (appointment_id) do update
	set room_id = excluded.room_id, state = 'initializing', started_at = null, ended_at = null,
	    recording_enabled = false, failure_reason = '', updated_at = now()
	where consult_sessions.state in ('completed', 'failed')
returning ` + sessionColumns

	s, err := scanSession(p.db.QueryRow(ctx, upsert, uuid.NewString(), appointmentID, uuid.NewString()))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// The appointment has a live attempt.
	const q = `select ` + sessionColumns + ` from consult_sessions where appointment_id = $1`
	return scanSession(p.db.QueryRow(ctx, q, appointmentID))
}

func (p *Postgres) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	const q = `select ` + sessionColumns + ` from consult_sessions where session_id = $1`
	return scanSession(p.db.QueryRow(ctx, q, sessionID))
}

func (p *Postgres) UpdateSessionState(ctx context.Context, sessionID string, state types.SessionState, ts types.Timestamps, reason types.FailureReason) error {
	const q = `
update consult_sessions
set state = $2,
    started_at = coalesce(started_at, $3),
    ended_at = coalesce(ended_at, $4),
    failure_reason = case when $5 = '' then failure_reason else $5 end,
    updated_at = now()
where session_id = $1 and state not in ('completed', 'failed')`

	tag, err := p.db.Exec(ctx, q, sessionID, string(state), ts.StartedAt, ts.EndedAt, string(reason))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return p.exists(ctx, sessionID)
	}
	return nil
}

func (p *Postgres) exists(ctx context.Context, sessionID string) error {
	var one int
	err := p.db.QueryRow(ctx, `select 1 from consult_sessions where session_id = $1`, sessionID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (p *Postgres) SetRecordingEnabled(ctx context.Context, sessionID string) error {
	tag, err := p.db.Exec(ctx,
		`update consult_sessions set recording_enabled = true, updated_at = now() where session_id = $1`, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordConsent stores a grant or a decline for the current attempt. A
// grant is never unset.
func (p *Postgres) RecordConsent(ctx context.Context, sessionID string, role types.Role, granted bool) error {
	const q = `
insert into consult_consents (session_id, room_id, participant_role, granted, granted_at, declined)
select session_id, room_id, $2, $3, case when $3 then $4::timestamptz end, not $3
from consult_sessions where session_id = $1
on conflict (session_id, room_id, participant_role) do update
	set granted = consult_consents.granted or excluded.granted,
	    granted_at = coalesce(consult_consents.granted_at, excluded.granted_at),
	    declined = consult_consents.declined or excluded.declined`

	tag, err := p.db.Exec(ctx, q, sessionID, string(role), granted, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) AttachArtifactMetadata(ctx context.Context, sessionID string, a types.RecordingArtifact) error {
	const q = `
insert into consult_artifacts (session_id, room_id, blob_ref, mime_type, byte_size, duration_ms, uploaded_url, spool_path)
select session_id, room_id, $2, $3, $4, $5, $6, $7
from consult_sessions where session_id = $1
on conflict (session_id, room_id) do nothing`

	tag, err := p.db.Exec(ctx, q, sessionID, a.BlobRef, a.MimeType, a.ByteSize, a.DurationMs, a.UploadedURL, a.SpoolPath)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return p.exists(ctx, sessionID)
	}
	return nil
}

func (p *Postgres) Close() {
	if p.close != nil {
		p.close()
	}
}
