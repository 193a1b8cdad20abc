package server

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bigbluebutton/bbb-consult-session/internal/appstats"
	"github.com/bigbluebutton/bbb-consult-session/internal/config"
	"github.com/bigbluebutton/bbb-consult-session/internal/consent"
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
	"github.com/bigbluebutton/bbb-consult-session/internal/webrtc/utils"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

// Mock PubSub
type mockPubSub struct {
	mu       sync.Mutex
	messages [][]byte
}

func (p *mockPubSub) Publish(channel string, msg []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}
func (p *mockPubSub) Subscribe(channel string, handler pubsub.PubSubHandler, onStart func() error) error {
	return nil
}
func (p *mockPubSub) Check() error { return nil }
func (p *mockPubSub) Close() error { return nil }

// count returns how many published events have the given id and role.
func (p *mockPubSub) count(id string, role types.Role) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.messages {
		var e struct {
			Id   string     `json:"id"`
			Role types.Role `json:"role"`
		}
		if json.Unmarshal(m, &e) == nil && e.Id == id && (role == "" || e.Role == role) {
			n++
		}
	}
	return n
}

func (p *mockPubSub) last(id string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.messages) - 1; i >= 0; i-- {
		var e struct {
			Id string `json:"id"`
		}
		if json.Unmarshal(p.messages[i], &e) == nil && e.Id == id {
			return p.messages[i]
		}
	}
	return nil
}

var _ pubsub.PubSub = (*mockPubSub)(nil)

// Mock PeerLink. Negotiation is simulated: an offer is answered at once and
// both sides report connected, unless the link stalls.
type mockLink struct {
	mu       sync.Mutex
	sig      webrtc.Signaler
	opts     webrtc.Options
	anchor   bool
	attached bool
	stall    bool
	state    utils.ConnectionState
	remote   *media.RemoteStream
	offers   int
	closed   int
}

func (l *mockLink) setState(state utils.ConnectionState) {
	l.mu.Lock()
	if l.state.IsTerminalState() {
		l.mu.Unlock()
		return
	}
	l.state = state
	cb := l.opts.OnState
	l.mu.Unlock()
	if cb != nil {
		cb(state)
	}
}

func (l *mockLink) Attach(stream *media.Stream) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attached = true
	return nil
}

func (l *mockLink) SetAnchor(anchor bool) {
	l.mu.Lock()
	l.anchor = anchor
	l.mu.Unlock()
}

func (l *mockLink) isAnchor() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.anchor
}

func (l *mockLink) counts() (offers, closed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offers, l.closed
}

func (l *mockLink) CreateOffer(ctx context.Context) error {
	l.mu.Lock()
	l.offers++
	l.mu.Unlock()
	l.setState(utils.ConnectionStateNegotiating)
	return l.sig.Send(ctx, signal.TypeOffer, map[string]string{"type": "offer", "sdp": "v=0"})
}

func (l *mockLink) HandleMessage(msg signal.Message) error {
	l.mu.Lock()
	stall := l.stall
	l.mu.Unlock()
	if stall {
		return nil
	}

	switch msg.Type {
	case signal.TypeOffer:
		l.setState(utils.ConnectionStateNegotiating)
		if err := l.sig.Send(context.Background(), signal.TypeAnswer, map[string]string{"type": "answer", "sdp": "v=0"}); err != nil {
			return err
		}
		l.setState(utils.ConnectionStateConnected)
	case signal.TypeAnswer:
		l.setState(utils.ConnectionStateConnected)
	}
	return nil
}

func (l *mockLink) Connected() bool {
	return l.State() == utils.ConnectionStateConnected
}

func (l *mockLink) State() utils.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *mockLink) RemoteStream() *media.RemoteStream { return l.remote }
func (l *mockLink) RequestKeyframe()                  {}
func (l *mockLink) Stats() appstats.LinkStats         { return appstats.LinkStats{} }

func (l *mockLink) Close() error {
	l.mu.Lock()
	l.closed++
	l.mu.Unlock()
	l.setState(utils.ConnectionStateClosed)
	return nil
}

var _ interfaces.PeerLink = (*mockLink)(nil)

// Mock Pipeline
type mockPipeline struct {
	mu      sync.Mutex
	running bool
	starts  int
	stops   int
	aborts  int
	onError func(error)
}

func (p *mockPipeline) Start(link interfaces.ConnectedSource) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !link.Connected() {
		return recorder.ErrNotConnected
	}
	if p.running {
		return recorder.ErrAlreadyStarted
	}
	p.running = true
	p.starts++
	return nil
}

func (p *mockPipeline) Stop(ctx context.Context) (*types.RecordingArtifact, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil, recorder.ErrNotStarted
	}
	p.running = false
	p.stops++
	return &types.RecordingArtifact{
		BlobRef:    "blob:test",
		Blob:       []byte("matroska"),
		MimeType:   recorder.MimeTypeMatroska,
		ByteSize:   8,
		DurationMs: 1000,
	}, nil
}

func (p *mockPipeline) Abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	p.aborts++
}

func (p *mockPipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *mockPipeline) Stats() *types.RecorderStats { return &types.RecorderStats{} }

func (p *mockPipeline) OnError(fn func(error)) {
	p.mu.Lock()
	p.onError = fn
	p.mu.Unlock()
}

func (p *mockPipeline) fail(err error) {
	p.mu.Lock()
	fn := p.onError
	p.mu.Unlock()
	fn(err)
}

func (p *mockPipeline) counts() (starts, stops, aborts int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts, p.stops, p.aborts
}

var _ interfaces.Pipeline = (*mockPipeline)(nil)

type failingFiles struct{}

func (failingFiles) Upload(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	return "", errors.New("bucket unavailable")
}

type harness struct {
	t         *testing.T
	cfg       *config.Config
	server    *Server
	store     *store.Memory
	relay     *signal.MemoryRelay
	ps        *mockPubSub
	mu        sync.Mutex
	links     map[types.Role]*mockLink
	pipelines []*mockPipeline
	stall     bool
}

func newHarness(t *testing.T, device media.Device, files filestore.FileStore) *harness {
	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Session.ConnectTimeout = 5 * time.Second
	cfg.Session.DisconnectGracePeriod = 300 * time.Millisecond
	cfg.Session.EndTimeout = 2 * time.Second
	cfg.Session.UploadTimeout = 2 * time.Second
	cfg.Recorder.SpoolDirectory = t.TempDir()
	cfg.Media.FrameRate = 5

	if files == nil {
		files = filestore.NewLocal(config.LocalFileStore{Directory: t.TempDir(), BaseURL: "https://files.test/rec"})
	}

	h := &harness{
		t:     t,
		cfg:   cfg,
		store: store.NewMemory(),
		relay: signal.NewMemoryRelay(),
		ps:    &mockPubSub{},
		links: make(map[types.Role]*mockLink),
	}
	h.server = NewServer(cfg, h.ps, Deps{
		Store:  h.store,
		Files:  files,
		Relay:  h.relay,
		Device: device,
		NewLink: func(ctx context.Context, sig webrtc.Signaler, opts webrtc.Options) (interfaces.PeerLink, error) {
			role := types.RoleClinician
			if strings.HasPrefix(sig.(*signal.Channel).Self(), string(types.RolePatient)) {
				role = types.RolePatient
			}
			h.mu.Lock()
			defer h.mu.Unlock()
			l := &mockLink{sig: sig, opts: opts, stall: h.stall, remote: media.NewRemoteStream(0, nil)}
			h.links[role] = l
			return l, nil
		},
		NewPipeline: func(cfg config.Recorder, local *media.Stream, entry *log.Entry) interfaces.Pipeline {
			h.mu.Lock()
			defer h.mu.Unlock()
			p := &mockPipeline{}
			h.pipelines = append(h.pipelines, p)
			return p
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.server.Close(ctx)
		_ = h.relay.Close()
	})
	return h
}

func (h *harness) link(role types.Role) *mockLink {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.links[role]
}

func (h *harness) pipeline() *mockPipeline {
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(h.t, h.pipelines, 1)
	return h.pipelines[0]
}

func (h *harness) start(role types.Role) *Handle {
	hd, err := h.server.Start(context.Background(), "apt_1", role)
	require.NoError(h.t, err)
	return hd
}

// startBoth brings both participants to active.
func (h *harness) startBoth() (*Handle, *Handle) {
	clinician := h.start(types.RoleClinician)
	patient := h.start(types.RolePatient)
	h.waitState(clinician, types.StateActive)
	h.waitState(patient, types.StateActive)
	return clinician, patient
}

func (h *harness) waitState(hd *Handle, state types.SessionState) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return hd.State() == state }, waitFor, tick,
		"%s never reached %s, is %s", hd.Role(), state, hd.State())
}

func TestScenarioA_JoinConnectActive(t *testing.T) {
	h := newHarness(t, &media.TestSource{}, nil)
	ctx := context.Background()

	clinician := h.start(types.RoleClinician)
	assert.Equal(t, types.StateWaiting, clinician.State())

	changes, cancel := clinician.Subscribe()
	defer cancel()
	first := <-changes
	assert.Equal(t, types.StateWaiting, first.State)

	patient := h.start(types.RolePatient)
	h.waitState(clinician, types.StateActive)
	h.waitState(patient, types.StateActive)

	var seen []types.SessionState
	for len(seen) == 0 || seen[len(seen)-1] != types.StateActive {
		select {
		case c := <-changes:
			if len(seen) == 0 || seen[len(seen)-1] != c.State {
				seen = append(seen, c.State)
			}
		case <-time.After(waitFor):
			t.Fatalf("no active state change, saw %v", seen)
		}
	}
	assert.Equal(t, []types.SessionState{types.StateConnecting, types.StateActive}, seen)

	// The first to join is the anchor and the only one offering.
	assert.True(t, h.link(types.RoleClinician).isAnchor())
	assert.False(t, h.link(types.RolePatient).isAnchor())
	offers, _ := h.link(types.RoleClinician).counts()
	assert.Equal(t, 1, offers)
	offers, _ = h.link(types.RolePatient).counts()
	assert.Equal(t, 0, offers)

	rec, err := h.store.GetSession(ctx, clinician.SessionID())
	require.NoError(t, err)
	assert.Equal(t, types.StateActive, rec.State)
	require.NotNil(t, rec.StartedAt)
	assert.Equal(t, clinician.SessionID(), patient.SessionID())
	assert.Equal(t, clinician.Status().RoomID, patient.Status().RoomID)
}

func TestStartTwiceRejected(t *testing.T) {
	h := newHarness(t, &media.TestSource{}, nil)
	h.start(types.RoleClinician)

	_, err := h.server.Start(context.Background(), "apt_1", types.RoleClinician)
	assert.ErrorIs(t, err, ErrAlreadyStarted)

	_, err = h.server.Start(context.Background(), "apt_1", types.Role("nurse"))
	assert.Error(t, err)
}

func TestScenarioB_JointConsentStartsRecordingOnce(t *testing.T) {
	h := newHarness(t, &media.TestSource{}, nil)
	ctx := context.Background()
	clinician, patient := h.startBoth()

	outcome, err := clinician.RequestRecording(ctx)
	require.NoError(t, err)
	assert.Equal(t, consent.Granted, outcome)

	time.Sleep(100 * time.Millisecond)
	starts, _, _ := h.pipeline().counts()
	assert.Equal(t, 0, starts)
	assert.False(t, clinician.Status().Recording)

	// The relay is asynchronous, so the patient may see the clinician's
	// grant before or after its own.
	outcome, err = patient.RequestRecording(ctx)
	require.NoError(t, err)
	assert.Contains(t, []consent.Outcome{consent.Granted, consent.BothConsented}, outcome)

	require.Eventually(t, func() bool { return clinician.Status().Recording }, waitFor, tick)

	// Repeated grants change nothing.
	outcome, err = patient.RequestRecording(ctx)
	require.NoError(t, err)
	assert.Equal(t, consent.AlreadyGranted, outcome)
	outcome, err = clinician.RequestRecording(ctx)
	require.NoError(t, err)
	assert.Equal(t, consent.AlreadyGranted, outcome)

	starts, _, _ = h.pipeline().counts()
	assert.Equal(t, 1, starts)

	rec, err := h.store.GetSession(ctx, clinician.SessionID())
	require.NoError(t, err)
	assert.True(t, rec.RecordingEnabled)
	assert.Equal(t, 1, h.ps.count(events.RecordingStartedKey, ""))

	consents := h.store.Consents(clinician.SessionID())
	require.Len(t, consents, 2)
	assert.True(t, consents[0].Granted)
	assert.True(t, consents[1].Granted)
}

func TestScenarioC_DeclineBlocksRecording(t *testing.T) {
	h := newHarness(t, &media.TestSource{}, nil)
	ctx := context.Background()
	clinician, patient := h.startBoth()

	outcome, err := clinician.RequestRecording(ctx)
	require.NoError(t, err)
	assert.Equal(t, consent.Granted, outcome)

	outcome, err = patient.DeclineRecording(ctx)
	require.NoError(t, err)
	assert.Equal(t, consent.Declined, outcome)

	outcome, err = patient.RequestRecording(ctx)
	require.NoError(t, err)
	assert.Equal(t, consent.Rejected, outcome)

	outcome, err = clinician.RequestRecording(ctx)
	require.NoError(t, err)
	assert.Equal(t, consent.AlreadyGranted, outcome)

	time.Sleep(200 * time.Millisecond)
	starts, _, _ := h.pipeline().counts()
	assert.Equal(t, 0, starts)
	assert.False(t, clinician.Status().Recording)

	consents := h.store.Consents(clinician.SessionID())
	require.Len(t, consents, 2)
	assert.True(t, consents[0].Granted)
	assert.True(t, consents[1].Declined)

	artifact, err := clinician.End(ctx)
	require.NoError(t, err)
	assert.Nil(t, artifact)
}

func TestScenarioD_ShortDisconnectKeepsSession(t *testing.T) {
	h := newHarness(t, &media.TestSource{}, nil)
	ctx := context.Background()
	clinician, patient := h.startBoth()

	_, err := clinician.RequestRecording(ctx)
	require.NoError(t, err)
	_, err = patient.RequestRecording(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return clinician.Status().Recording }, waitFor, tick)

	startedAt := clinician.Status().StartedAt
	require.NotNil(t, startedAt)

	link := h.link(types.RoleClinician)
	link.setState(utils.ConnectionStateDisconnected)
	require.Eventually(t, func() bool { return !clinician.Status().Connected }, waitFor, tick)
	time.Sleep(h.cfg.Session.DisconnectGracePeriod / 3)
	link.setState(utils.ConnectionStateConnected)
	require.Eventually(t, func() bool { return clinician.Status().Connected }, waitFor, tick)

	time.Sleep(h.cfg.Session.DisconnectGracePeriod)
	assert.Equal(t, types.StateActive, clinician.State())
	assert.Equal(t, startedAt, clinician.Status().StartedAt)

	artifact, err := clinician.End(ctx)
	require.NoError(t, err)
	require.NotNil(t, artifact)

	starts, stops, aborts := h.pipeline().counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
	assert.Equal(t, 0, aborts)
}

func TestScenarioE_MediaDenied(t *testing.T) {
	h := newHarness(t, media.DeniedDevice{}, nil)

	hd, err := h.server.Start(context.Background(), "apt_1", types.RoleClinician)
	require.ErrorIs(t, err, ErrStartFailed)
	require.NotNil(t, hd)
	assert.Equal(t, types.StateFailed, hd.State())
	assert.Equal(t, types.ReasonMediaAccessDenied, hd.Failure())

	<-hd.Done()
	assert.Empty(t, h.relay.Log(hd.Status().RoomID))

	rec, err := h.store.GetSession(context.Background(), hd.SessionID())
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, rec.State)
	assert.Equal(t, string(types.ReasonMediaAccessDenied), rec.FailureReason)
	assert.Equal(t, 1, h.ps.count(events.SessionFailedKey, types.RoleClinician))
	require.Eventually(t, func() bool { return h.server.Active() == 0 }, waitFor, tick)
}

func TestEndIsIdempotent(t *testing.T) {
	h := newHarness(t, &media.TestSource{}, nil)
	ctx := context.Background()
	clinician, patient := h.startBoth()

	_, err := clinician.RequestRecording(ctx)
	require.NoError(t, err)
	_, err = patient.RequestRecording(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return clinician.Status().Recording }, waitFor, tick)

	var wg sync.WaitGroup
	results := make([]*types.RecordingArtifact, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := clinician.End(ctx)
			assert.NoError(t, err)
			results[i] = a
		}(i)
	}
	wg.Wait()

	require.NotNil(t, results[0])
	assert.Same(t, results[0], results[1])
	assert.Equal(t, "https://files.test/rec/"+clinician.SessionID()+"/"+clinician.Status().RoomID+".mkv", results[0].UploadedURL)
	assert.Nil(t, results[0].Blob)

	again, err := clinician.End(ctx)
	require.NoError(t, err)
	assert.Same(t, results[0], again)

	_, stops, _ := h.pipeline().counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, h.ps.count(events.SessionCompletedKey, types.RoleClinician))
	_, closed := h.link(types.RoleClinician).counts()
	assert.Equal(t, 1, closed)

	art, ok := h.store.Artifact(clinician.SessionID())
	require.True(t, ok)
	assert.Equal(t, results[0].UploadedURL, art.UploadedURL)

	// The patient follows the hang up.
	h.waitState(patient, types.StateCompleted)
	var completed events.SessionCompleted
	require.NoError(t, json.Unmarshal(h.ps.last(events.SessionCompletedKey), &completed))
	assert.NotEmpty(t, completed.SessionId)

	rec, err := h.store.GetSession(ctx, clinician.SessionID())
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, rec.State)
	assert.NotNil(t, rec.EndedAt)
}

func TestPeerLostEndsSession(t *testing.T) {
	h := newHarness(t, &media.TestSource{}, nil)
	clinician, patient := h.startBoth()

	h.link(types.RoleClinician).setState(utils.ConnectionStateDisconnected)

	h.waitState(clinician, types.StateCompleted)
	h.waitState(patient, types.StateCompleted)
	require.Eventually(t, func() bool { return h.server.Active() == 0 }, waitFor, tick)

	var completed events.SessionCompleted
	require.NoError(t, json.Unmarshal(h.ps.last(events.SessionCompletedKey), &completed))
	assert.Equal(t, clinician.SessionID(), completed.SessionId)
	assert.Equal(t, 1, h.ps.count(events.SessionCompletedKey, ""))
	assert.Equal(t, 1, h.ps.count(events.SessionCompletedKey, types.RoleClinician))
	assert.Equal(t, 0, h.ps.count(events.SessionCompletedKey, types.RolePatient))
}

func TestCompletionPublishedByRecordingRole(t *testing.T) {
	h := newHarness(t, &media.TestSource{}, nil)
	h.cfg.Session.RecordingRole = string(types.RolePatient)
	clinician, patient := h.startBoth()

	_, err := clinician.End(context.Background())
	require.NoError(t, err)
	h.waitState(patient, types.StateCompleted)
	require.Eventually(t, func() bool { return h.server.Active() == 0 }, waitFor, tick)

	assert.Equal(t, 1, h.ps.count(events.SessionCompletedKey, ""))
	assert.Equal(t, 1, h.ps.count(events.SessionCompletedKey, types.RolePatient))
}

func TestPostKeepsStateEventsWhenMailboxFull(t *testing.T) {
	s := newSession(&Server{}, "apt_1", types.RoleClinician)
	offer := inboundMessage{msg: signal.Message{Type: signal.TypeOffer, From: "patient/x"}}
	for i := 0; i < mailboxSize; i++ {
		s.post(offer)
	}
	require.Len(t, s.mailbox, mailboxSize)

	s.post(offer)
	s.post(remoteStreamEvent{})
	s.post(linkStateEvent{state: utils.ConnectionStateConnected})
	s.post(timerEvent{kind: connectTimer, gen: 1})
	s.post(inboundMessage{msg: signal.Message{Type: signal.TypeBye, From: "patient/x"}})
	assert.Len(t, s.mailbox, mailboxSize)

	assert.Equal(t, linkStateEvent{state: utils.ConnectionStateConnected}, s.next())
	assert.Equal(t, timerEvent{kind: connectTimer, gen: 1}, s.next())
	bye, ok := s.next().(inboundMessage)
	require.True(t, ok)
	assert.Equal(t, signal.TypeBye, bye.msg.Type)
	assert.Equal(t, offer, s.next())
	assert.Len(t, s.mailbox, mailboxSize-1)

	s.finish()
	s.post(linkStateEvent{state: utils.ConnectionStateClosed})
	assert.Nil(t, s.nextUrgent())
}

func TestPipelineFailureKeepsCall(t *testing.T) {
	h := newHarness(t, &media.TestSource{}, nil)
	ctx := context.Background()
	clinician, patient := h.startBoth()

	_, err := clinician.RequestRecording(ctx)
	require.NoError(t, err)
	_, err = patient.RequestRecording(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return clinician.Status().Recording }, waitFor, tick)

	h.pipeline().fail(errors.New("encoder exploded"))
	require.Eventually(t, func() bool { return !clinician.Status().Recording }, waitFor, tick)
	assert.Equal(t, types.StateActive, clinician.State())
	assert.Equal(t, types.StateActive, patient.State())

	artifact, err := clinician.End(ctx)
	require.NoError(t, err)
	assert.Nil(t, artifact)

	starts, stops, aborts := h.pipeline().counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 0, stops)
	assert.Equal(t, 1, aborts)
}

func TestUploadFailureSpoolsAndCompletes(t *testing.T) {
	h := newHarness(t, &media.TestSource{}, failingFiles{})
	ctx := context.Background()
	clinician, patient := h.startBoth()

	_, err := clinician.RequestRecording(ctx)
	require.NoError(t, err)
	_, err = patient.RequestRecording(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return clinician.Status().Recording }, waitFor, tick)

	artifact, err := clinician.End(ctx)
	require.NoError(t, err)
	require.NotNil(t, artifact)
	assert.Empty(t, artifact.UploadedURL)
	require.NotEmpty(t, artifact.SpoolPath)
	assert.Equal(t, types.StateCompleted, clinician.State())

	data, err := os.ReadFile(artifact.SpoolPath)
	require.NoError(t, err)
	assert.Equal(t, "matroska", string(data))

	_, err = os.Stat(appstats.StatsFilePath(artifact.SpoolPath))
	assert.NoError(t, err)
}

func TestConnectTimeout(t *testing.T) {
	h := newHarness(t, &media.TestSource{}, nil)
	h.stall = true
	h.cfg.Session.ConnectTimeout = 200 * time.Millisecond

	clinician := h.start(types.RoleClinician)
	patient := h.start(types.RolePatient)

	require.Eventually(t, func() bool {
		return clinician.State().IsTerminal() && patient.State().IsTerminal()
	}, waitFor, tick)
	assert.True(t, clinician.Failure() == types.ReasonNegotiationTimeout ||
		patient.Failure() == types.ReasonNegotiationTimeout)
}

func TestToggleTrack(t *testing.T) {
	h := newHarness(t, &media.TestSource{}, nil)
	ctx := context.Background()
	clinician := h.start(types.RoleClinician)

	state, err := clinician.ToggleTrack(ctx, types.TrackKindVideo)
	require.NoError(t, err)
	assert.Equal(t, types.MediaTrackState{Kind: types.TrackKindVideo, Enabled: false}, state)

	state, err = clinician.ToggleTrack(ctx, types.TrackKindVideo)
	require.NoError(t, err)
	assert.True(t, state.Enabled)

	_, err = clinician.ToggleTrack(ctx, types.TrackKind("screen"))
	assert.ErrorIs(t, err, ErrUnknownTrack)

	_, err = clinician.End(ctx)
	require.NoError(t, err)
	_, err = clinician.ToggleTrack(ctx, types.TrackKindAudio)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestHandlePubSub(t *testing.T) {
	h := newHarness(t, &media.TestSource{}, nil)
	clinician, patient := h.startBoth()

	h.server.HandlePubSub(context.Background(), []byte(`{id: 'getServiceStatus'}`))
	var status events.ServiceStatus
	require.NoError(t, json.Unmarshal(h.ps.last(events.ServiceStatusKey), &status))
	assert.Equal(t, 2, status.ActiveSessions)

	h.server.HandlePubSub(context.Background(), []byte(`{id: 'getSessionStatus', sessionId: '`+clinician.SessionID()+`'}`))
	var sessionStatus events.SessionStatus
	require.NoError(t, json.Unmarshal(h.ps.last(events.SessionStatusKey), &sessionStatus))
	assert.Len(t, sessionStatus.Participants, 2)

	h.server.HandlePubSub(context.Background(), []byte(`{id: 'endSession', sessionId: '`+clinician.SessionID()+`', role: 'patient'}`))
	h.waitState(patient, types.StateCompleted)
	h.waitState(clinician, types.StateCompleted)
}

func TestServerCloseEndsSessions(t *testing.T) {
	h := newHarness(t, &media.TestSource{}, nil)
	clinician, patient := h.startBoth()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.server.Close(ctx)

	assert.Equal(t, types.StateCompleted, clinician.State())
	assert.Equal(t, types.StateCompleted, patient.State())
	assert.Equal(t, 0, h.server.Active())

	_, err := h.server.Start(context.Background(), "apt_2", types.RoleClinician)
	assert.ErrorIs(t, err, ErrSessionClosed)
}
