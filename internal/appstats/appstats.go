package appstats

import (
	"github.com/bigbluebutton/bbb-consult-session/internal/types"
)

type SignalingStats struct {
	MessagesIn  int `json:"messagesIn"`
	MessagesOut int `json:"messagesOut"`
	Duplicates  int `json:"duplicates"`
	Invalid     int `json:"invalid"`
}

type LinkStats struct {
	Negotiations   int   `json:"negotiations"`
	ICERestarts    int   `json:"iceRestarts"`
	PLIRequests    int   `json:"pliRequests"`
	Disconnects    int   `json:"disconnects"`
	ConnectedAt    int64 `json:"connectedAt,omitempty"`
	DisconnectedAt int64 `json:"disconnectedAt,omitempty"`
}

// SessionStats is the per session summary written next to a recording and
// folded into the exported metrics.
type SessionStats struct {
	SessionID string               `json:"sessionId"`
	RoomID    string               `json:"roomId"`
	Role      types.Role           `json:"role"`
	State     types.SessionState   `json:"state"`
	Signaling *SignalingStats      `json:"signaling,omitempty"`
	Link      *LinkStats           `json:"link,omitempty"`
	Recorder  *types.RecorderStats `json:"recorder,omitempty"`
}
