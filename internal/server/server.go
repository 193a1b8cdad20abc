package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/bigbluebutton/bbb-consult-session/internal/appstats"
	"github.com/bigbluebutton/bbb-consult-session/internal/config"
	"github.com/bigbluebutton/bbb-consult-session/internal/filestore"
	"github.com/bigbluebutton/bbb-consult-session/internal/media"
	"github.com/bigbluebutton/bbb-consult-session/internal/pubsub"
	"github.com/bigbluebutton/bbb-consult-session/internal/pubsub/events"
	"github.com/bigbluebutton/bbb-consult-session/internal/store"
	"github.com/bigbluebutton/bbb-consult-session/internal/types"
	"github.com/bigbluebutton/bbb-consult-session/internal/webrtc"
	"github.com/bigbluebutton/bbb-consult-session/internal/webrtc/interfaces"
	"github.com/bigbluebutton/bbb-consult-session/internal/webrtc/recorder"
	"github.com/bigbluebutton/bbb-consult-session/internal/webrtc/signal"
	log "github.com/sirupsen/logrus"
)

var ErrAlreadyStarted = errors.New("participant already started in this process")

type LinkFactory func(ctx context.Context, signaler webrtc.Signaler, opts webrtc.Options) (interfaces.PeerLink, error)

type PipelineFactory func(cfg config.Recorder, local *media.Stream, entry *log.Entry) interfaces.Pipeline

// Deps are the collaborators shared by every session of the process.
type Deps struct {
	Store       store.Store
	Files       filestore.FileStore
	Relay       signal.Relay
	Device      media.Device
	NewLink     LinkFactory
	NewPipeline PipelineFactory
}

func NewPeerLink(ctx context.Context, signaler webrtc.Signaler, opts webrtc.Options) (interfaces.PeerLink, error) {
	link, err := webrtc.NewPeerLink(ctx, signaler, opts)
	if err != nil {
		return nil, err
	}
	return link, nil
}

func NewPipeline(cfg config.Recorder, local *media.Stream, entry *log.Entry) interfaces.Pipeline {
	return recorder.NewPipeline(cfg, local, entry)
}

type sessionKey struct {
	appointmentID string
	role          types.Role
}

type Server struct {
	cfg    *config.Config
	pubsub pubsub.PubSub
	deps   Deps

	mu         sync.Mutex
	sessions   map[sessionKey]*Session
	closed     bool
	shutdownWg sync.WaitGroup
}

func NewServer(cfg *config.Config, ps pubsub.PubSub, deps Deps) *Server {
	if deps.NewLink == nil {
		deps.NewLink = NewPeerLink
	}
	if deps.NewPipeline == nil {
		deps.NewPipeline = NewPipeline
	}
	if ps == nil {
		ps = &pubsub.Nop{}
	}
	return &Server{
		cfg:      cfg,
		pubsub:   ps,
		deps:     deps,
		sessions: make(map[sessionKey]*Session),
	}
}

func (s *Server) recordingRole() types.Role {
	return types.Role(s.cfg.Session.RecordingRole)
}

// Start opens the consultation room for one participant. It returns once
// local media is acquired and the signaling room joined, or once that
// failed; the handle is returned in both cases.
func (s *Server) Start(ctx context.Context, appointmentID string, role types.Role) (*Handle, error) {
	if !role.IsValid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}

	key := sessionKey{appointmentID: appointmentID, role: role}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if _, ok := s.sessions[key]; ok {
		s.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	sess := newSession(s, appointmentID, role)
	s.sessions[key] = sess
	s.shutdownWg.Add(1)
	s.mu.Unlock()

	go sess.run(ctx, &s.shutdownWg)

	h := &Handle{s: sess}
	select {
	case <-sess.ready:
	case <-ctx.Done():
		return h, ctx.Err()
	}

	if h.State() == types.StateFailed {
		return h, fmt.Errorf("%w: %s", ErrStartFailed, h.Failure())
	}
	return h, nil
}

func (s *Server) remove(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey{appointmentID: sess.appointmentID, role: sess.role}
	if s.sessions[key] == sess {
		delete(s.sessions, key)
	}
}

// Lookup finds the live controller of a participant.
func (s *Server) Lookup(sessionID string, role types.Role) (*Handle, bool) {
	for _, h := range s.Handles(sessionID) {
		if h.Role() == role {
			return h, true
		}
	}
	return nil, false
}

// Handles returns the live controllers of a session in this process.
func (s *Server) Handles(sessionID string) []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Handle
	for _, sess := range s.sessions {
		if (&Handle{s: sess}).SessionID() == sessionID {
			out = append(out, &Handle{s: sess})
		}
	}
	return out
}

func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) HandlePubSub(ctx context.Context, msg []byte) {
	log.Trace(string(msg))
	event := events.Decode(msg)
	appstats.OnServerRequest(event)

	if !event.IsValid() {
		return
	}

	switch event.Id {
	case events.EndSessionKey:
		e := event.EndSession()
		if e == nil {
			return
		}
		if err := e.Validate(); err != nil {
			log.Errorf("invalid %s request: %v", event.Id, err)
			return
		}
		for _, h := range s.Handles(e.SessionId) {
			if e.Role != "" && h.Role() != e.Role {
				continue
			}
			go func(h *Handle) {
				ctx, cancel := context.WithTimeout(ctx, s.cfg.Session.EndTimeout+s.cfg.Session.UploadTimeout)
				defer cancel()
				if _, err := h.End(ctx); err != nil {
					log.WithField("session", e.SessionId).Errorf("end requested by control plane: %v", err)
				}
			}(h)
		}

	case events.GetSessionStatusKey:
		e := event.GetSessionStatus()
		if e == nil {
			return
		}
		var participants []events.ParticipantStatus
		for _, h := range s.Handles(e.SessionId) {
			st := h.Status()
			participants = append(participants, events.ParticipantStatus{
				Role:      st.Role,
				State:     st.State,
				Recording: st.Recording,
			})
		}
		s.PublishPubSub(events.NewSessionStatus(e.SessionId, participants))

	case events.GetServiceStatusKey:
		s.PublishPubSub(events.NewServiceStatus(s.cfg.App.Version, s.cfg.App.InstanceId, s.Active()))
	}
}

// PublishPubSub sends a downstream event. Delivery failures are logged and
// never affect the session.
func (s *Server) PublishPubSub(msg interface{}) {
	j, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("failed to encode %T: %v", msg, err)
		return
	}
	if err := s.pubsub.Publish(s.cfg.PubSub.Channels.Publish, j); err != nil {
		log.Errorf("failed to publish %T: %v", msg, err)
		return
	}
	appstats.OnServerResponse(msg)
}

func (s *Server) OnStart() error {
	log.Info("Application started. Version=", s.cfg.App.Version, " InstanceId=", s.cfg.App.InstanceId)
	s.PublishPubSub(events.NewServiceStatus(s.cfg.App.Version, s.cfg.App.InstanceId, s.Active()))
	return nil
}

// Close ends every session with reason shutdown and waits for them.
func (s *Server) Close(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		select {
		case <-sess.ready:
		case <-ctx.Done():
			return
		}
		if err := sess.send(ctx, endCommand{reason: types.EndReasonShutdown}); err != nil && !errors.Is(err, ErrSessionClosed) {
			sess.log.Errorf("shutdown: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.shutdownWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("shutdown timed out with sessions still ending")
	}
}
