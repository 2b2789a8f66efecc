package services

import (
	"context"
	"fmt"
	"sync"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"

	"github.com/gammazero/workerpool"
	"go.uber.org/zap"
)

// Inbound command names handled for authenticated participants.
const (
	cmdDevicesAltered   = "devicesAltered"
	cmdToggleActivity   = "toggleActivity"
	cmdBroadcastStarted = "broadcastStarted"
	cmdIceCandidate     = "onIceCandidate"
	cmdAddListener      = "addListener"
	cmdWannaShare       = "wannaShare"
	cmdWannaRecord      = "wannaRecord"
	cmdStopRecording    = "stopRecording"
	cmdStopSharing      = "stopSharing"
)

// Inbound command names handled for anonymous test connections.
const (
	cmdTestWannaRecord = "wannaRecord"
	cmdTestRecord      = "record"
	cmdTestCandidate   = "iceCandidate"
	cmdTestWannaPlay   = "wannaPlay"
	cmdTestPlay        = "play"
)

type participantHandler func(ctx context.Context, c *domain.Client, msg domain.Message)
type testHandler func(ctx context.Context, connID domain.ConnID, msg domain.Message)

// Router dispatches inbound signaling messages by command name to either the
// participant handler table or the test-connection handler table. Unknown
// commands are ignored; every message arriving while the engine is down gets
// an explicit unavailable-service error instead of silence.
type Router struct {
	sup      *Supervisor
	registry *Registry
	cm       ports.ClientManager
	out      ports.Messenger
	turn     *TurnIssuer

	recDir    string
	recStore  ports.RecordingStore
	converter ports.RecordingConverter
	tasks     *workerpool.WorkerPool

	roomMu sync.Mutex // serializes room session creation per process

	handlers     map[string]participantHandler
	testHandlers map[string]testHandler

	log     *zap.SugaredLogger
	metrics ports.Metrics
}

type RouterDeps struct {
	Supervisor *Supervisor
	Registry   *Registry
	Clients    ports.ClientManager
	Messenger  ports.Messenger
	Turn       *TurnIssuer
	RecDir     string
	RecStore   ports.RecordingStore
	Converter  ports.RecordingConverter
	Tasks      *workerpool.WorkerPool
	Log        *zap.SugaredLogger
	Metrics    ports.Metrics
}

func NewRouter(deps RouterDeps) *Router {
	r := &Router{
		sup:       deps.Supervisor,
		registry:  deps.Registry,
		cm:        deps.Clients,
		out:       deps.Messenger,
		turn:      deps.Turn,
		recDir:    deps.RecDir,
		recStore:  deps.RecStore,
		converter: deps.Converter,
		tasks:     deps.Tasks,
		log:       deps.Log,
		metrics:   deps.Metrics,
	}
	r.handlers = map[string]participantHandler{
		cmdDevicesAltered:   r.onDevicesAltered,
		cmdToggleActivity:   r.onToggleActivity,
		cmdBroadcastStarted: r.onBroadcastStarted,
		cmdIceCandidate:     r.onIceCandidate,
		cmdAddListener:      r.onAddListener,
		cmdWannaShare:       r.onWannaShare,
		cmdWannaRecord:      r.onWannaRecord,
		cmdStopRecording:    r.onStopRecording,
		cmdStopSharing:      r.onStopSharing,
	}
	r.testHandlers = map[string]testHandler{
		cmdTestWannaRecord: r.onTestWannaRecord,
		cmdTestRecord:      r.onTestRecord,
		cmdTestCandidate:   r.onTestCandidate,
		cmdTestWannaPlay:   r.onTestWannaPlay,
		cmdTestPlay:        r.onTestPlay,
	}
	return r
}

// Handle dispatches one inbound message from the given connection.
func (r *Router) Handle(ctx context.Context, connID domain.ConnID, msg domain.Message) {
	r.metrics.MessageDispatched(msg.ID)
	if !r.sup.Connected() {
		r.out.SendToClient(connID, domain.NewErrorMessage(domain.ErrServiceUnavailable.Error()))
		return
	}

	if msg.Mode == domain.ModeTest {
		if h := r.testHandlers[msg.ID]; h != nil {
			h(ctx, connID, msg)
		}
		return
	}

	c, ok := r.cm.Get(connID)
	if !ok || c.RoomID == "" {
		r.log.Warnw("message from unknown or roomless connection", "conn_id", connID, "command", msg.ID)
		return
	}
	r.log.Debugw("incoming message", "conn_id", connID, "command", msg.ID)
	if h := r.handlers[msg.ID]; h != nil {
		h(ctx, c, msg)
	}
}

// Remove cleans up after a disconnected connection: test streams are
// dropped, participants have their streams released and the room re-checked.
func (r *Router) Remove(ctx context.Context, connID domain.ConnID) {
	if t := r.registry.Test(connID); t != nil {
		t.Release(ctx)
		r.registry.DeleteTest(connID)
		return
	}
	c, ok := r.cm.Get(connID)
	if !ok {
		return
	}
	// Engine-side cleanup needs a live connection; after a disconnect the
	// supervisor already released everything.
	if r.sup.Connected() {
		if room := r.registry.Room(c.RoomID); room != nil {
			room.Leave(ctx, c)
		} else {
			for _, sd := range c.Streams() {
				if s := r.registry.Stream(sd.UID); s != nil {
					s.Release(ctx)
					r.registry.DeleteStream(sd.UID)
				}
			}
		}
	}
	if c.RoomID != "" {
		r.out.SendToAll(clientLeaveMessage(c.ID))
	}
}

func clientLeaveMessage(id domain.ConnID) domain.Message {
	msg := domain.NewMessage("clientLeave")
	msg.UID = string(id)
	return msg
}

// getOrCreateRoom returns the room session, creating the engine pipeline on
// first use. The pipeline is tagged with owner and room id in the same
// create request.
func (r *Router) getOrCreateRoom(ctx context.Context, roomCfg *domain.Room) (*RoomSession, error) {
	r.roomMu.Lock()
	defer r.roomMu.Unlock()

	if room := r.registry.Room(roomCfg.ID); room != nil {
		return room, nil
	}
	eng, ok := r.sup.Engine()
	if !ok {
		return nil, domain.ErrServiceUnavailable
	}
	pipeID, err := eng.CreatePipeline(ctx, map[string]string{
		domain.TagOwner: r.sup.Owner(),
		domain.TagRoom:  string(roomCfg.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("create room pipeline: %w", err)
	}
	room := NewRoomSession(roomCfg, pipeID, RoomDeps{
		Engine:    eng,
		Owner:     r.sup.Owner(),
		Registry:  r.registry,
		Clients:   r.cm,
		RecDir:    r.recDir,
		RecStore:  r.recStore,
		Converter: r.converter,
		Tasks:     r.tasks,
		Log:       r.log,
		Metrics:   r.metrics,
	})
	r.registry.PutRoom(room)
	r.metrics.RoomOpened()
	r.log.Infow("room session created", "room_id", roomCfg.ID, "pipeline_id", pipeID)
	return room, nil
}

// IsRecording reports the room's recording state; false while disconnected.
func (r *Router) IsRecording(roomID domain.RoomID) bool {
	if !r.sup.Connected() {
		return false
	}
	room := r.registry.Room(roomID)
	return room != nil && room.IsRecording()
}

// IsSharing reports the room's sharing state; false while disconnected.
func (r *Router) IsSharing(roomID domain.RoomID) bool {
	if !r.sup.Connected() {
		return false
	}
	room := r.registry.Room(roomID)
	return room != nil && room.IsSharing()
}

// RecordingUser returns the connection owning the room's recording, if any.
func (r *Router) RecordingUser(roomID domain.RoomID) domain.ConnID {
	if !r.sup.Connected() {
		return ""
	}
	room := r.registry.Room(roomID)
	if room == nil {
		return ""
	}
	return room.RecordingUser()
}

func (r *Router) sendError(connID domain.ConnID, text string) {
	r.out.SendToClient(connID, domain.NewErrorMessage(text))
}

func (r *Router) rightUpdated(c *domain.Client) {
	msg := domain.NewMessage("rightUpdated")
	msg.UID = string(c.ID)
	r.out.SendToRoom(c.RoomID, msg)
}

// onDevicesAltered handles a participant muting mic or camera mid-broadcast.
func (r *Router) onDevicesAltered(ctx context.Context, c *domain.Client, msg domain.Message) {
	if msg.Audio != nil && !*msg.Audio && c.HasActivity(domain.ActivityAudio) {
		c.RemoveActivity(domain.ActivityAudio)
	}
	if msg.Video != nil && !*msg.Video && c.HasActivity(domain.ActivityVideo) {
		c.RemoveActivity(domain.ActivityVideo)
	}
	if sd := c.Stream(domain.StreamID(msg.UID)); sd != nil {
		c.RefreshStreamActivities(sd)
	}
	r.cm.Update(c)
	r.rightUpdated(c)
}

func (r *Router) onToggleActivity(ctx context.Context, c *domain.Client, msg domain.Message) {
	r.toggleActivity(ctx, c, msg.Activity)
}

func (r *Router) toggleActivity(ctx context.Context, c *domain.Client, a domain.Activity) {
	if !ClientActivityAllowed(c, a) {
		// Self-granting: a participant may claim the basic broadcast
		// rights unless the room configuration forbids the medium.
		if a == domain.ActivityAudio || a == domain.ActivityAudioVideo {
			c.Allow(domain.RightAudio)
		}
		if c.Room != nil && !c.Room.AudioOnly && (a == domain.ActivityVideo || a == domain.ActivityAudioVideo) {
			c.Allow(domain.RightVideo)
		}
	}
	if !ClientActivityAllowed(c, a) {
		return
	}

	wasBroadcasting := c.IsBroadcasting()
	switch a {
	case domain.ActivityAudio:
		if !c.MicEnabled {
			return
		}
	case domain.ActivityVideo:
		if !c.CamEnabled {
			return
		}
	case domain.ActivityAudioVideo:
		if !c.MicEnabled && !c.CamEnabled {
			return
		}
	}
	c.ToggleActivity(a)

	switch {
	case !c.IsBroadcasting():
		changed := false
		for _, sd := range c.Streams() {
			if sd.Type != domain.StreamTypeWebcam {
				continue
			}
			if s := r.registry.Stream(sd.UID); s != nil {
				s.Release(ctx)
				r.registry.DeleteStream(sd.UID)
			}
			c.RemoveStream(sd.UID)
			changed = true
		}
		if changed {
			r.cm.Update(c)
			if room := r.registry.Room(c.RoomID); room != nil {
				room.CheckStreams(ctx)
			}
		}
		r.rightUpdated(c)
	case !wasBroadcasting:
		sd := c.AddStream(domain.StreamTypeWebcam)
		r.cm.Update(c)
		r.log.Debugw("participant starts broadcast", "conn_id", c.ID, "stream_uid", sd.UID)
		out := domain.NewMessage("broadcast")
		out.Stream = sd
		out.IceSrv = r.turn.Credentials(false)
		r.out.SendToClient(c.ID, out)
	default:
		// Constraints changed mid-broadcast.
		for _, sd := range c.Streams() {
			if sd.Type == domain.StreamTypeWebcam {
				c.RefreshStreamActivities(sd)
				r.cm.Update(c)
				break
			}
		}
		r.rightUpdated(c)
	}
}

func (r *Router) onBroadcastStarted(ctx context.Context, c *domain.Client, msg domain.Message) {
	sd := c.Stream(domain.StreamID(msg.UID))
	if sd == nil {
		r.log.Warnw("broadcastStarted for unknown stream", "conn_id", c.ID, "uid", msg.UID)
		return
	}
	stream := r.registry.Stream(sd.UID)
	if stream == nil {
		room, err := r.getOrCreateRoom(ctx, c.Room)
		if err != nil {
			r.sendError(c.ID, domain.ErrServiceUnavailable.Error())
			return
		}
		stream = room.Join(sd, c.ID)
	}
	answer, err := stream.StartBroadcast(ctx, msg.SDPOffer)
	if err != nil {
		r.log.Warnw("broadcast negotiation failed", "conn_id", c.ID, "stream_uid", sd.UID, "error", err)
		r.sendError(c.ID, "failed to start broadcast")
		return
	}
	out := domain.NewMessage("startResponse")
	out.UID = string(sd.UID)
	out.SDPAnswer = answer
	r.out.SendToClient(c.ID, out)

	// A screen broadcast carrying the record activity bootstraps the
	// room recording.
	if sd.Type == domain.StreamTypeScreen && sd.HasActivity(domain.ActivityRecord) && !r.IsRecording(c.RoomID) {
		r.startRecording(ctx, c)
	}
}

func (r *Router) onIceCandidate(ctx context.Context, c *domain.Client, msg domain.Message) {
	stream := r.registry.Stream(domain.StreamID(msg.UID))
	if stream == nil || msg.Candidate == nil {
		return
	}
	if err := stream.AddCandidate(ctx, *msg.Candidate, msg.LUID); err != nil {
		r.log.Warnw("failed to add candidate", "conn_id", c.ID, "stream_uid", msg.UID, "error", err)
		r.sendError(c.ID, "failed to add candidate")
	}
}

func (r *Router) onAddListener(ctx context.Context, c *domain.Client, msg domain.Message) {
	stream := r.registry.Stream(domain.StreamID(msg.Sender))
	if stream == nil {
		return
	}
	answer, err := stream.AddListener(ctx, c.ID, msg.SDPOffer)
	if err != nil {
		r.log.Warnw("listener negotiation failed", "conn_id", c.ID, "stream_uid", msg.Sender, "error", err)
		r.sendError(c.ID, "failed to subscribe to stream")
		return
	}
	out := domain.NewMessage("videoResponse")
	out.UID = msg.Sender
	out.SDPAnswer = answer
	r.out.SendToClient(c.ID, out)
}

func (r *Router) onWannaShare(ctx context.Context, c *domain.Client, msg domain.Message) {
	if !SharingAllowed(c) || r.IsSharing(c.RoomID) {
		return
	}
	r.startSharing(ctx, c, domain.ActivityScreen)
}

func (r *Router) onWannaRecord(ctx context.Context, c *domain.Client, msg domain.Message) {
	if !RecordingAllowed(c) || r.IsRecording(c.RoomID) {
		return
	}
	if r.IsSharing(c.RoomID) {
		r.startRecording(ctx, c)
		return
	}
	// No screen share yet: bring one up carrying the record activity;
	// recording starts once the screen broadcast is negotiated.
	r.startSharing(ctx, c, domain.ActivityScreen, domain.ActivityRecord)
}

func (r *Router) onStopRecording(ctx context.Context, c *domain.Client, msg domain.Message) {
	if !c.HasRight(domain.RightModerator) {
		return
	}
	room := r.registry.Room(c.RoomID)
	if room == nil || !room.IsRecording() {
		return
	}
	room.StopRecording(ctx)
	r.out.SendToRoom(c.RoomID, domain.NewMessage("recordingStopped"))
}

func (r *Router) onStopSharing(ctx context.Context, c *domain.Client, msg domain.Message) {
	uid := domain.StreamID(msg.UID)
	stream := r.registry.Stream(uid)
	sd := c.Stream(uid)
	if sd != nil && sd.Type == domain.StreamTypeScreen {
		c.RemoveStream(uid)
		r.cm.Update(c)
		if room := r.registry.Room(c.RoomID); room != nil {
			room.CheckStreams(ctx)
		}
		r.rightUpdated(c)
	}
	if stream != nil {
		stream.Release(ctx)
		r.registry.DeleteStream(uid)
	}
}

func (r *Router) startSharing(ctx context.Context, c *domain.Client, activities ...domain.Activity) {
	room, err := r.getOrCreateRoom(ctx, c.Room)
	if err != nil {
		r.sendError(c.ID, domain.ErrServiceUnavailable.Error())
		return
	}
	if err := room.StartSharing(c); err != nil {
		r.log.Debugw("sharing refused", "room_id", c.RoomID, "conn_id", c.ID, "error", err)
		return
	}
	sd := c.AddStream(domain.StreamTypeScreen, activities...)
	r.cm.Update(c)
	out := domain.NewMessage("broadcast")
	out.Stream = sd
	out.IceSrv = r.turn.Credentials(false)
	r.out.SendToClient(c.ID, out)
}

func (r *Router) startRecording(ctx context.Context, c *domain.Client) {
	room, err := r.getOrCreateRoom(ctx, c.Room)
	if err != nil {
		r.sendError(c.ID, domain.ErrServiceUnavailable.Error())
		return
	}
	if err := room.StartRecording(ctx, c); err != nil {
		r.log.Warnw("failed to start recording", "room_id", c.RoomID, "error", err)
		return
	}
	out := domain.NewMessage("recordingStarted")
	out.UID = string(c.ID)
	r.out.SendToRoom(c.RoomID, out)
}

func (r *Router) onTestWannaRecord(ctx context.Context, connID domain.ConnID, msg domain.Message) {
	out := domain.NewTestMessage("canRecord")
	out.IceSrv = r.turn.Credentials(true)
	r.out.SendToClient(connID, out)
}

func (r *Router) onTestRecord(ctx context.Context, connID domain.ConnID, msg domain.Message) {
	eng, ok := r.sup.Engine()
	if !ok {
		r.sendError(connID, domain.ErrServiceUnavailable.Error())
		return
	}
	if t := r.registry.Test(connID); t != nil {
		t.Release(ctx)
		r.registry.DeleteTest(connID)
	}
	t := NewTestStream(connID, eng, r.sup.Owner(), r.recDir, r.log)
	answer, err := t.Record(ctx, msg.SDPOffer)
	if err != nil {
		r.log.Warnw("test recording failed", "conn_id", connID, "error", err)
		r.sendError(connID, "failed to start test recording")
		return
	}
	r.registry.PutTest(t)
	out := domain.NewTestMessage("recordResponse")
	out.SDPAnswer = answer
	r.out.SendToClient(connID, out)
}

func (r *Router) onTestCandidate(ctx context.Context, connID domain.ConnID, msg domain.Message) {
	t := r.registry.Test(connID)
	if t == nil || msg.Candidate == nil {
		return
	}
	if err := t.AddCandidate(ctx, *msg.Candidate); err != nil {
		r.log.Warnw("failed to add test candidate", "conn_id", connID, "error", err)
	}
}

func (r *Router) onTestWannaPlay(ctx context.Context, connID domain.ConnID, msg domain.Message) {
	out := domain.NewTestMessage("canPlay")
	out.IceSrv = r.turn.Credentials(true)
	r.out.SendToClient(connID, out)
}

func (r *Router) onTestPlay(ctx context.Context, connID domain.ConnID, msg domain.Message) {
	t := r.registry.Test(connID)
	if t == nil {
		return
	}
	answer, err := t.Play(ctx, msg.SDPOffer)
	if err != nil {
		r.log.Warnw("test playback failed", "conn_id", connID, "error", err)
		r.sendError(connID, "failed to start test playback")
		return
	}
	out := domain.NewTestMessage("playResponse")
	out.SDPAnswer = answer
	r.out.SendToClient(connID, out)
}
