package types

import (
	"time"

	"github.com/AlekSi/pointer"
)

type SessionState string

const (
	StateInitializing SessionState = "initializing"
	StateWaiting      SessionState = "waiting"
	StateConnecting   SessionState = "connecting"
	StateActive       SessionState = "active"
	StateEnding       SessionState = "ending"
	StateCompleted    SessionState = "completed"
	StateFailed       SessionState = "failed"
)

// IsTerminal returns true for completed and failed.
func (s SessionState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

type Role string

const (
	RoleClinician Role = "clinician"
	RolePatient   Role = "patient"
)

func (r Role) IsValid() bool {
	return r == RoleClinician || r == RolePatient
}

// Other returns the counterpart role in a two-party session.
func (r Role) Other() Role {
	if r == RoleClinician {
		return RolePatient
	}
	return RoleClinician
}

type FailureReason string

const (
	ReasonNone               FailureReason = ""
	ReasonMediaAccessDenied  FailureReason = "media-access-denied"
	ReasonSessionLookupError FailureReason = "session-lookup-error"
	ReasonSignalingError     FailureReason = "signaling-error"
	ReasonNegotiationTimeout FailureReason = "negotiation-timeout"
	ReasonInternalError      FailureReason = "internal-error"
)

type EndReason string

const (
	EndReasonHangup       EndReason = "hangup"
	EndReasonRemoteHangup EndReason = "remote-hangup"
	EndReasonPeerLost     EndReason = "peer-lost"
	EndReasonShutdown     EndReason = "shutdown"
)

type Session struct {
	SessionID        string       `json:"sessionId"`
	AppointmentID    string       `json:"appointmentId"`
	RoomID           string       `json:"roomId"`
	State            SessionState `json:"state"`
	StartedAt        *time.Time   `json:"startedAt,omitempty"`
	EndedAt          *time.Time   `json:"endedAt,omitempty"`
	RecordingEnabled bool         `json:"recordingEnabled"`
	FailureReason    string       `json:"failureReason,omitempty"`
}

// Timestamps is the partial update applied together with a state change.
// Nil fields are left untouched by the store.
type Timestamps struct {
	StartedAt *time.Time
	EndedAt   *time.Time
}

func Now() *time.Time {
	return pointer.ToTime(time.Now().UTC())
}

type ParticipantConsent struct {
	ParticipantRole Role       `json:"participantRole"`
	Granted         bool       `json:"granted"`
	GrantedAt       *time.Time `json:"grantedAt,omitempty"`
	Declined        bool       `json:"declined"`
}

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

func (k TrackKind) IsValid() bool {
	return k == TrackKindAudio || k == TrackKindVideo
}

type MediaTrackState struct {
	Kind    TrackKind `json:"kind"`
	Enabled bool      `json:"enabled"`
}

// RecordingArtifact is immutable once the pipeline has produced it. Blob is
// dropped by the controller after a confirmed upload.
type RecordingArtifact struct {
	BlobRef     string `json:"blobRef"`
	Blob        []byte `json:"-"`
	MimeType    string `json:"mimeType"`
	ByteSize    int64  `json:"byteSize"`
	DurationMs  int64  `json:"durationMs"`
	UploadedURL string `json:"uploadedUrl,omitempty"`
	SpoolPath   string `json:"spoolPath,omitempty"`
}

// StateChange is published to handle subscribers on every transition.
type StateChange struct {
	SessionID string        `json:"sessionId"`
	Role      Role          `json:"role"`
	State     SessionState  `json:"state"`
	Reason    string        `json:"reason,omitempty"`
	At        time.Time     `json:"at"`
	Recording bool          `json:"recording"`
	Failure   FailureReason `json:"failure,omitempty"`
}
