package interfaces

import (
	"context"

	"github.com/bigbluebutton/bbb-consult-session/internal/appstats"
	"github.com/bigbluebutton/bbb-consult-session/internal/media"
	"github.com/bigbluebutton/bbb-consult-session/internal/types"
	"github.com/bigbluebutton/bbb-consult-session/internal/webrtc/signal"
	"github.com/bigbluebutton/bbb-consult-session/internal/webrtc/utils"
)

type KeyframeRequester interface {
	RequestKeyframe()
}

// ConnectedSource is what a recording needs from the link feeding it.
type ConnectedSource interface {
	KeyframeRequester
	Connected() bool
	RemoteStream() *media.RemoteStream
}

// PeerLink is the peer connection as seen by the session controller.
type PeerLink interface {
	ConnectedSource
	Attach(stream *media.Stream) error
	SetAnchor(anchor bool)
	CreateOffer(ctx context.Context) error
	HandleMessage(msg signal.Message) error
	State() utils.ConnectionState
	Stats() appstats.LinkStats
	Close() error
}

// Pipeline is a recording in progress.
type Pipeline interface {
	Start(link ConnectedSource) error
	Stop(ctx context.Context) (*types.RecordingArtifact, error)
	Abort()
	Running() bool
	Stats() *types.RecorderStats
	// OnError registers the callback run when encoding fails mid recording.
	OnError(fn func(error))
}
