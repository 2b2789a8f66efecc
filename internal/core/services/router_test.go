package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"

	"github.com/gammazero/workerpool"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeMessenger struct {
	mu       sync.Mutex
	toClient map[domain.ConnID][]domain.Message
	toRoom   map[domain.RoomID][]domain.Message
	toAll    []domain.Message
}

var _ ports.Messenger = (*fakeMessenger)(nil)

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{
		toClient: make(map[domain.ConnID][]domain.Message),
		toRoom:   make(map[domain.RoomID][]domain.Message),
	}
}

func (f *fakeMessenger) SendToClient(id domain.ConnID, msg domain.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toClient[id] = append(f.toClient[id], msg)
}

func (f *fakeMessenger) SendToRoom(room domain.RoomID, msg domain.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toRoom[room] = append(f.toRoom[room], msg)
}

func (f *fakeMessenger) SendToAll(msg domain.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toAll = append(f.toAll, msg)
}

func (f *fakeMessenger) clientMessages(id domain.ConnID) []domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Message(nil), f.toClient[id]...)
}

func (f *fakeMessenger) lastClientMessage(id domain.ConnID) (domain.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.toClient[id]
	if len(msgs) == 0 {
		return domain.Message{}, false
	}
	return msgs[len(msgs)-1], true
}

func (f *fakeMessenger) roomMessages(room domain.RoomID) []domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Message(nil), f.toRoom[room]...)
}

type routerFixture struct {
	eng *fakeEngine
	sup *Supervisor
	reg *Registry
	cm  *fakeClientManager
	out *fakeMessenger
	r   *Router
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	f := &routerFixture{
		eng: newFakeEngine(),
		reg: NewRegistry(),
		cm:  newFakeClientManager(),
		out: newFakeMessenger(),
	}
	dialer := &sequenceDialer{engines: []ports.MediaEngine{f.eng}}
	tasks := workerpool.New(1)
	t.Cleanup(tasks.StopWait)

	f.sup = NewSupervisor(dialer.dial, 10*time.Millisecond, f.reg, log, nopMetrics{})
	f.sup.Start()
	require.Eventually(t, f.sup.Connected, time.Second, 5*time.Millisecond)
	t.Cleanup(func() { f.sup.Shutdown(context.Background()) })

	f.r = NewRouter(RouterDeps{
		Supervisor: f.sup,
		Registry:   f.reg,
		Clients:    f.cm,
		Messenger:  f.out,
		Turn:       NewTurnIssuer("turn.example.com:3478", "user", "secret", TurnModeStatic, time.Hour, log),
		RecDir:     t.TempDir(),
		RecStore:   newFakeRecordingStore(),
		Converter:  &fakeConverter{},
		Tasks:      tasks,
		Log:        log,
		Metrics:    nopMetrics{},
	})
	return f
}

func (f *routerFixture) participant(id domain.ConnID, rights ...domain.Right) *domain.Client {
	room := &domain.Room{ID: "room-1", Type: domain.RoomTypeConference, AllowRecording: true}
	c := domain.NewClient(id, domain.SessionID("sess-"+string(id)), domain.UserID("user-"+string(id)), room)
	for _, r := range rights {
		c.Allow(r)
	}
	f.cm.add(c)
	return c
}

func TestRouter_EngineDownYieldsError(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	eng := newFakeEngine()
	reg := NewRegistry()
	out := newFakeMessenger()
	dialer := &sequenceDialer{engines: []ports.MediaEngine{eng}}
	// Never started: the supervisor stays disconnected.
	sup := NewSupervisor(dialer.dial, time.Hour, reg, log, nopMetrics{})

	tasks := workerpool.New(1)
	t.Cleanup(tasks.StopWait)
	r := NewRouter(RouterDeps{
		Supervisor: sup,
		Registry:   reg,
		Clients:    newFakeClientManager(),
		Messenger:  out,
		Turn:       NewTurnIssuer("", "", "", TurnModeStatic, time.Hour, log),
		RecStore:   newFakeRecordingStore(),
		Converter:  &fakeConverter{},
		Tasks:      tasks,
		Log:        log,
		Metrics:    nopMetrics{},
	})

	msg := domain.NewMessage("toggleActivity")
	r.Handle(context.Background(), "conn-1", msg)

	got, ok := out.lastClientMessage("conn-1")
	require.True(t, ok)
	assert.Equal(t, "error", got.ID)
	assert.Equal(t, domain.ErrServiceUnavailable.Error(), got.Text)

	// Status accessors also degrade while down.
	assert.False(t, r.IsRecording("room-1"))
	assert.False(t, r.IsSharing("room-1"))
	assert.Empty(t, r.RecordingUser("room-1"))
}

func TestRouter_UnknownCommandIgnored(t *testing.T) {
	f := newRouterFixture(t)
	f.participant("conn-1")

	f.r.Handle(context.Background(), "conn-1", domain.NewMessage("definitelyNotACommand"))
	assert.Empty(t, f.out.clientMessages("conn-1"))
}

func TestRouter_UnknownConnectionIgnored(t *testing.T) {
	f := newRouterFixture(t)
	f.r.Handle(context.Background(), "ghost", domain.NewMessage("toggleActivity"))
	assert.Empty(t, f.out.clientMessages("ghost"))
}

func TestRouter_BroadcastFlow(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	c := f.participant("conn-1")

	// Toggling audio+video self-grants rights and yields a broadcast
	// invitation with relay credentials.
	msg := domain.NewMessage(cmdToggleActivity)
	msg.Activity = domain.ActivityAudioVideo
	f.r.Handle(ctx, "conn-1", msg)

	invite, ok := f.out.lastClientMessage("conn-1")
	require.True(t, ok)
	require.Equal(t, "broadcast", invite.ID)
	require.NotNil(t, invite.Stream)
	assert.Equal(t, domain.StreamTypeWebcam, invite.Stream.Type)
	assert.NotEmpty(t, invite.IceSrv)
	assert.True(t, c.IsBroadcasting())

	// The client answers with its offer; the router negotiates with the
	// engine and returns the answer.
	start := domain.NewMessage(cmdBroadcastStarted)
	start.UID = string(invite.Stream.UID)
	start.SDPOffer = "the-offer"
	f.r.Handle(ctx, "conn-1", start)

	resp, ok := f.out.lastClientMessage("conn-1")
	require.True(t, ok)
	assert.Equal(t, "startResponse", resp.ID)
	assert.Equal(t, "answer:the-offer", resp.SDPAnswer)
	assert.Equal(t, string(invite.Stream.UID), resp.UID)

	stream := f.reg.Stream(invite.Stream.UID)
	require.NotNil(t, stream)
	assert.Equal(t, StreamStateActive, stream.State())
	require.NotNil(t, f.reg.Room("room-1"))

	// Another participant subscribes.
	f.participant("conn-2")
	listen := domain.NewMessage(cmdAddListener)
	listen.Sender = string(invite.Stream.UID)
	listen.SDPOffer = "listener-offer"
	f.r.Handle(ctx, "conn-2", listen)

	video, ok := f.out.lastClientMessage("conn-2")
	require.True(t, ok)
	assert.Equal(t, "videoResponse", video.ID)
	assert.Equal(t, "answer:listener-offer", video.SDPAnswer)
}

// endpointForPoint finds the engine endpoint tagged with the given point uid.
func endpointForPoint(t *testing.T, eng *fakeEngine, point string) string {
	t.Helper()
	for _, id := range eng.endpointIDs() {
		tags, err := eng.EndpointTags(context.Background(), id)
		require.NoError(t, err)
		if tags[domain.TagPoint] == point {
			return id
		}
	}
	t.Fatalf("no endpoint tagged with point %q", point)
	return ""
}

func TestRouter_IceCandidateRouting(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	f.participant("conn-1")

	msg := domain.NewMessage(cmdToggleActivity)
	msg.Activity = domain.ActivityAudioVideo
	f.r.Handle(ctx, "conn-1", msg)
	invite, _ := f.out.lastClientMessage("conn-1")

	start := domain.NewMessage(cmdBroadcastStarted)
	start.UID = string(invite.Stream.UID)
	start.SDPOffer = "offer"
	f.r.Handle(ctx, "conn-1", start)

	pubCand := cand("pub-cand")
	ice := domain.NewMessage(cmdIceCandidate)
	ice.UID = string(invite.Stream.UID)
	ice.Candidate = &pubCand
	f.r.Handle(ctx, "conn-1", ice)

	pubEp := endpointForPoint(t, f.eng, string(invite.Stream.UID))
	assert.Equal(t, []webrtc.ICECandidateInit{pubCand}, f.eng.candidatesFor(pubEp))
}

func TestRouter_SharingFlow(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	f.participant("conn-1", domain.RightShare)

	f.r.Handle(ctx, "conn-1", domain.NewMessage(cmdWannaShare))

	invite, ok := f.out.lastClientMessage("conn-1")
	require.True(t, ok)
	require.Equal(t, "broadcast", invite.ID)
	assert.Equal(t, domain.StreamTypeScreen, invite.Stream.Type)
	assert.True(t, f.r.IsSharing("room-1"))

	// A second wannaShare while sharing is active is silently refused.
	f.participant("conn-2", domain.RightShare)
	f.r.Handle(ctx, "conn-2", domain.NewMessage(cmdWannaShare))
	assert.Empty(t, f.out.clientMessages("conn-2"))

	// Stopping the share releases it for the room.
	stop := domain.NewMessage(cmdStopSharing)
	stop.UID = string(invite.Stream.UID)
	f.r.Handle(ctx, "conn-1", stop)
	assert.False(t, f.r.IsSharing("room-1"))
}

func TestRouter_RecordingBootstrap(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	f.participant("conn-1", domain.RightModerator)

	// No screen share active: wannaRecord brings one up with the record
	// activity attached.
	f.r.Handle(ctx, "conn-1", domain.NewMessage(cmdWannaRecord))

	invite, ok := f.out.lastClientMessage("conn-1")
	require.True(t, ok)
	require.Equal(t, "broadcast", invite.ID)
	require.Equal(t, domain.StreamTypeScreen, invite.Stream.Type)
	assert.True(t, invite.Stream.HasActivity(domain.ActivityRecord))
	assert.False(t, f.r.IsRecording("room-1"))

	// Recording starts once the screen broadcast is negotiated.
	start := domain.NewMessage(cmdBroadcastStarted)
	start.UID = string(invite.Stream.UID)
	start.SDPOffer = "screen-offer"
	f.r.Handle(ctx, "conn-1", start)

	assert.True(t, f.r.IsRecording("room-1"))
	assert.Equal(t, domain.ConnID("conn-1"), f.r.RecordingUser("room-1"))

	var started bool
	for _, m := range f.out.roomMessages("room-1") {
		if m.ID == "recordingStarted" {
			started = true
			assert.Equal(t, "conn-1", m.UID)
		}
	}
	assert.True(t, started)
}

func TestRouter_StopRecordingRequiresModerator(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	f.participant("conn-1", domain.RightModerator)
	f.participant("conn-2")

	f.r.Handle(ctx, "conn-1", domain.NewMessage(cmdWannaRecord))
	invite, _ := f.out.lastClientMessage("conn-1")
	start := domain.NewMessage(cmdBroadcastStarted)
	start.UID = string(invite.Stream.UID)
	start.SDPOffer = "offer"
	f.r.Handle(ctx, "conn-1", start)
	require.True(t, f.r.IsRecording("room-1"))

	// Non-moderator request is ignored.
	f.r.Handle(ctx, "conn-2", domain.NewMessage(cmdStopRecording))
	assert.True(t, f.r.IsRecording("room-1"))

	f.r.Handle(ctx, "conn-1", domain.NewMessage(cmdStopRecording))
	assert.False(t, f.r.IsRecording("room-1"))

	var stopped bool
	for _, m := range f.out.roomMessages("room-1") {
		if m.ID == "recordingStopped" {
			stopped = true
		}
	}
	assert.True(t, stopped)
}

func TestRouter_RemoveReleasesAndAnnounces(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	f.participant("conn-1")

	msg := domain.NewMessage(cmdToggleActivity)
	msg.Activity = domain.ActivityAudioVideo
	f.r.Handle(ctx, "conn-1", msg)
	invite, _ := f.out.lastClientMessage("conn-1")
	start := domain.NewMessage(cmdBroadcastStarted)
	start.UID = string(invite.Stream.UID)
	start.SDPOffer = "offer"
	f.r.Handle(ctx, "conn-1", start)
	stream := f.reg.Stream(invite.Stream.UID)
	require.NotNil(t, stream)

	f.r.Remove(ctx, "conn-1")

	assert.Equal(t, StreamStateReleased, stream.State())
	assert.Nil(t, f.reg.Stream(invite.Stream.UID))
	f.out.mu.Lock()
	defer f.out.mu.Unlock()
	require.Len(t, f.out.toAll, 1)
	assert.Equal(t, "clientLeave", f.out.toAll[0].ID)
	assert.Equal(t, "conn-1", f.out.toAll[0].UID)
}

func TestRouter_RemoveAnnouncesWhileEngineDown(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	f.participant("conn-1")

	// Engine drops; the supervisor releases everything on its side.
	f.eng.disconnect()
	require.Eventually(t, func() bool { return !f.sup.Connected() }, time.Second, 5*time.Millisecond)

	// The departure is still announced: other participants must learn the
	// client left even though there is no engine-side cleanup to do.
	f.r.Remove(ctx, "conn-1")

	f.out.mu.Lock()
	defer f.out.mu.Unlock()
	require.Len(t, f.out.toAll, 1)
	assert.Equal(t, "clientLeave", f.out.toAll[0].ID)
	assert.Equal(t, "conn-1", f.out.toAll[0].UID)
}

func TestRouter_TestModeRecordAndPlay(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	// Anonymous connections never appear in the client manager.
	wanna := domain.NewTestMessage(cmdTestWannaRecord)
	f.r.Handle(ctx, "anon-1", wanna)
	can, ok := f.out.lastClientMessage("anon-1")
	require.True(t, ok)
	assert.Equal(t, "canRecord", can.ID)
	assert.Equal(t, domain.ModeTest, can.Mode)
	assert.NotEmpty(t, can.IceSrv)

	record := domain.NewTestMessage(cmdTestRecord)
	record.SDPOffer = "test-offer"
	f.r.Handle(ctx, "anon-1", record)
	resp, ok := f.out.lastClientMessage("anon-1")
	require.True(t, ok)
	assert.Equal(t, "recordResponse", resp.ID)
	assert.Equal(t, "answer:test-offer", resp.SDPAnswer)
	require.NotNil(t, f.reg.Test("anon-1"))

	play := domain.NewTestMessage(cmdTestPlay)
	play.SDPOffer = "play-offer"
	f.r.Handle(ctx, "anon-1", play)
	resp, ok = f.out.lastClientMessage("anon-1")
	require.True(t, ok)
	assert.Equal(t, "playResponse", resp.ID)
	assert.Equal(t, "answer:play-offer", resp.SDPAnswer)

	// Disconnect drops the disposable pipeline.
	f.r.Remove(ctx, "anon-1")
	assert.Nil(t, f.reg.Test("anon-1"))
	assert.Equal(t, 0, f.eng.pipelineCount())
}
