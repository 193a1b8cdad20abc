package events

import (
	"fmt"
	"time"

	"github.com/bigbluebutton/bbb-consult-session/internal/types"
)

const (
	// inbound (control plane -> service)
	GetServiceStatusKey = "getServiceStatus"
	GetSessionStatusKey = "getSessionStatus"
	EndSessionKey       = "endSession"

	// outbound (service -> downstream consumers)
	ServiceStatusKey    = "serviceStatus"
	SessionStatusKey    = "sessionStatus"
	SessionCompletedKey = "sessionCompleted"
	SessionFailedKey    = "sessionFailed"
	RecordingStartedKey = "recordingStarted"
)

/*
endSession (control plane -> service)
```JSON5
{
	id: 'endSession',
	sessionId: <String>,
	role: 'clinician' | 'patient' | undefined, // both local participants if omitted
}
```
*/

type EndSession struct {
	Id        string     `json:"id,omitempty"`
	SessionId string     `json:"sessionId,omitempty"`
	Role      types.Role `json:"role,omitempty"`
}

func (e *EndSession) Validate() error {
	if e.SessionId == "" {
		return fmt.Errorf("missing sessionId")
	}
	if e.Role != "" && !e.Role.IsValid() {
		return fmt.Errorf("invalid role %q", e.Role)
	}
	return nil
}

/*
getSessionStatus (control plane -> service)
```JSON5
{
	id: 'getSessionStatus',
	sessionId: <String>,
}
```
*/

type GetSessionStatus struct {
	Id        string `json:"id,omitempty"`
	SessionId string `json:"sessionId,omitempty"`
}

/*
sessionStatus (service -> control plane)
```JSON5
{
	id: 'sessionStatus',
	sessionId: <String>,
	participants: [{ role: <String>, state: <String>, recording: <Boolean> }],
}
```
*/

type ParticipantStatus struct {
	Role      types.Role         `json:"role"`
	State     types.SessionState `json:"state"`
	Recording bool               `json:"recording"`
}

type SessionStatus struct {
	Id           string              `json:"id"`
	SessionId    string              `json:"sessionId"`
	Participants []ParticipantStatus `json:"participants"`
}

func NewSessionStatus(sessionId string, participants []ParticipantStatus) *SessionStatus {
	return &SessionStatus{Id: SessionStatusKey, SessionId: sessionId, Participants: participants}
}

/*
sessionCompleted (service -> downstream)
```JSON5
{
	id: 'sessionCompleted',
	sessionId: <String>,
	appointmentId: <String>,
	role: <String>, // participant whose controller emitted the event
	reason: 'hangup' | 'remote-hangup' | 'peer-lost' | 'shutdown',
	startedAt: <ISO8601 | undefined>,
	endedAt: <ISO8601>,
	artifact: { blobRef, mimeType, byteSize, durationMs, uploadedUrl } | undefined,
}
```
*/

type SessionCompleted struct {
	Id            string                   `json:"id"`
	SessionId     string                   `json:"sessionId"`
	AppointmentId string                   `json:"appointmentId,omitempty"`
	Role          types.Role               `json:"role"`
	Reason        types.EndReason          `json:"reason"`
	StartedAt     *time.Time               `json:"startedAt,omitempty"`
	EndedAt       *time.Time               `json:"endedAt,omitempty"`
	Artifact      *types.RecordingArtifact `json:"artifact,omitempty"`
}

func NewSessionCompleted(s types.Session, role types.Role, reason types.EndReason, artifact *types.RecordingArtifact) *SessionCompleted {
	return &SessionCompleted{
		Id:            SessionCompletedKey,
		SessionId:     s.SessionID,
		AppointmentId: s.AppointmentID,
		Role:          role,
		Reason:        reason,
		StartedAt:     s.StartedAt,
		EndedAt:       s.EndedAt,
		Artifact:      artifact,
	}
}

/*
sessionFailed (service -> downstream)
```JSON5
{
	id: 'sessionFailed',
	sessionId: <String>,
	role: <String>,
	reason: 'media-access-denied' | 'session-lookup-error' | 'signaling-error' | 'negotiation-timeout' | 'internal-error',
}
```
*/

type SessionFailed struct {
	Id        string              `json:"id"`
	SessionId string              `json:"sessionId"`
	Role      types.Role          `json:"role"`
	Reason    types.FailureReason `json:"reason"`
}

func NewSessionFailed(sessionId string, role types.Role, reason types.FailureReason) *SessionFailed {
	return &SessionFailed{Id: SessionFailedKey, SessionId: sessionId, Role: role, Reason: reason}
}

/*
recordingStarted (service -> downstream)
```JSON5
{
	id: 'recordingStarted',
	sessionId: <String>,
	timestampUTC: <ISO8601>,
}
```
*/

type RecordingStarted struct {
	Id           string    `json:"id"`
	SessionId    string    `json:"sessionId"`
	TimestampUTC time.Time `json:"timestampUTC"`
}

func NewRecordingStarted(sessionId string) *RecordingStarted {
	return &RecordingStarted{Id: RecordingStartedKey, SessionId: sessionId, TimestampUTC: time.Now().UTC()}
}

type ServiceStatus struct {
	Id             string `json:"id"`
	AppVersion     string `json:"appVersion"`
	InstanceId     string `json:"instanceId"`
	ActiveSessions int    `json:"activeSessions"`
}

func NewServiceStatus(version, instanceId string, active int) *ServiceStatus {
	return &ServiceStatus{Id: ServiceStatusKey, AppVersion: version, InstanceId: instanceId, ActiveSessions: active}
}
