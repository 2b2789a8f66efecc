package services

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"

	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Room-level recording states.
const (
	recNone     = "none"
	recStarting = "starting"
	recActive   = "active"
	recStopping = "stopping"
)

// RoomSession aggregates all media activity for one room: its engine
// pipeline, the streams published into it, and the two independent
// room-level activities (recording, screen sharing), each with an
// at-most-one-active-owner invariant.
type RoomSession struct {
	mu sync.Mutex

	room       *domain.Room
	pipelineID string

	eng      ports.MediaEngine
	owner    string
	registry *Registry
	cm       ports.ClientManager

	recState   string
	recording  *domain.Recording
	recorderID string
	recUser    domain.ConnID

	sharing     bool
	sharingUser domain.ConnID

	recDir    string
	recStore  ports.RecordingStore
	converter ports.RecordingConverter
	tasks     *workerpool.WorkerPool

	log     *zap.SugaredLogger
	metrics ports.Metrics
}

type RoomDeps struct {
	Engine    ports.MediaEngine
	Owner     string
	Registry  *Registry
	Clients   ports.ClientManager
	RecDir    string
	RecStore  ports.RecordingStore
	Converter ports.RecordingConverter
	Tasks     *workerpool.WorkerPool
	Log       *zap.SugaredLogger
	Metrics   ports.Metrics
}

func NewRoomSession(room *domain.Room, pipelineID string, deps RoomDeps) *RoomSession {
	return &RoomSession{
		room:       room,
		pipelineID: pipelineID,
		eng:        deps.Engine,
		owner:      deps.Owner,
		registry:   deps.Registry,
		cm:         deps.Clients,
		recState:   recNone,
		recDir:     deps.RecDir,
		recStore:   deps.RecStore,
		converter:  deps.Converter,
		tasks:      deps.Tasks,
		log:        deps.Log,
		metrics:    deps.Metrics,
	}
}

func (r *RoomSession) ID() domain.RoomID { return r.room.ID }

func (r *RoomSession) PipelineID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pipelineID
}

func (r *RoomSession) RecorderID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recorderID
}

// Join allocates a stream session for the descriptor and registers it.
func (r *RoomSession) Join(sd *domain.StreamDesc, connID domain.ConnID) *StreamSession {
	s := NewStreamSession(sd, connID, r.room.ID, r.PipelineID(), r.eng, r.owner, r.log, r.metrics)
	r.registry.PutStream(s)
	return s
}

// Leave releases every stream owned by the participant, then re-checks
// whether recording or sharing must stop now that the streams are gone.
func (r *RoomSession) Leave(ctx context.Context, c *domain.Client) {
	for _, sd := range c.Streams() {
		if s := r.registry.Stream(sd.UID); s != nil {
			s.Release(ctx)
			r.registry.DeleteStream(sd.UID)
		}
	}
	c.ClearStreams()
	r.CheckStreams(ctx)
}

// IsRecording reports whether a recording is starting or active.
func (r *RoomSession) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recState == recStarting || r.recState == recActive
}

// RecordingUser returns the connection that owns the active recording.
func (r *RoomSession) RecordingUser() domain.ConnID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recUser
}

func (r *RoomSession) IsSharing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sharing
}

func (r *RoomSession) SharingUser() domain.ConnID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sharingUser
}

// StartRecording attaches a recorder endpoint to the room pipeline and opens
// the metadata row. Rejected while another recording is starting or active:
// concurrent second starts fail, they never displace the first.
func (r *RoomSession) StartRecording(ctx context.Context, c *domain.Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recState != recNone {
		return domain.ErrRecordingActive
	}
	r.recState = recStarting

	rec := &domain.Recording{
		ID:        uuid.NewString(),
		RoomID:    r.room.ID,
		OwnerID:   c.UserID,
		Status:    domain.RecordingStatusRecording,
		StartedAt: time.Now(),
	}
	rec.FileURI = fmt.Sprintf("file://%s", path.Join(r.recDir, string(r.room.ID), rec.ID+".webm"))

	epID, err := r.eng.CreateEndpoint(ctx, domain.EndpointRequest{
		PipelineID: r.pipelineID,
		Kind:       domain.EndpointRecord,
		Tags: map[string]string{
			domain.TagOwner: r.owner,
			domain.TagRoom:  string(r.room.ID),
		},
		MediaURI: rec.FileURI,
	})
	if err != nil {
		r.recState = recNone
		return fmt.Errorf("create recorder endpoint: %w", err)
	}
	if err := r.eng.StartRecording(ctx, epID); err != nil {
		if relErr := r.eng.ReleaseEndpoint(ctx, epID); relErr != nil {
			r.log.Warnw("failed to release recorder endpoint after start error",
				"room_id", r.room.ID, "endpoint_id", epID, "error", relErr)
		}
		r.recState = recNone
		return fmt.Errorf("start recorder: %w", err)
	}

	if err := r.recStore.Create(ctx, rec); err != nil {
		// The engine is already recording; losing the metadata row is
		// recoverable, losing the recording is not.
		r.log.Errorw("failed to create recording record", "room_id", r.room.ID, "error", err)
	}

	r.recorderID = epID
	r.recording = rec
	r.recUser = c.ID
	r.recState = recActive
	r.metrics.RecordingStarted()
	r.log.Infow("recording started", "room_id", r.room.ID, "recording_id", rec.ID, "owner", c.ID)
	return nil
}

// StopRecording releases the recorder endpoint, closes the metadata row and
// hands the artifact to the converter asynchronously. Always safe to call
// redundantly.
func (r *RoomSession) StopRecording(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopRecordingLocked(ctx)
}

func (r *RoomSession) stopRecordingLocked(ctx context.Context) {
	if r.recState != recActive && r.recState != recStarting {
		return
	}
	r.recState = recStopping

	if err := r.eng.StopRecording(ctx, r.recorderID); err != nil {
		r.log.Warnw("failed to stop recorder endpoint", "room_id", r.room.ID, "error", err)
	}
	if err := r.eng.ReleaseEndpoint(ctx, r.recorderID); err != nil {
		r.log.Warnw("failed to release recorder endpoint", "room_id", r.room.ID, "error", err)
	}

	rec := r.recording
	if rec != nil {
		now := time.Now()
		rec.StoppedAt = &now
		rec.Status = domain.RecordingStatusStopped
		if err := r.recStore.Update(ctx, rec); err != nil {
			r.log.Errorw("failed to update recording record", "recording_id", rec.ID, "error", err)
		}
		conv := r.converter
		log := r.log
		r.tasks.Submit(func() {
			if err := conv.StartConversion(context.Background(), rec); err != nil {
				log.Errorw("recording conversion failed", "recording_id", rec.ID, "error", err)
			}
		})
	}

	r.recorderID = ""
	r.recording = nil
	r.recUser = ""
	r.recState = recNone
	r.metrics.RecordingStopped()
	r.log.Infow("recording stopped", "room_id", r.room.ID)
}

// StartSharing marks the participant as the room's single screen-share
// owner. Independent from recording; both can be active at once.
func (r *RoomSession) StartSharing(c *domain.Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sharing {
		return domain.ErrSharingActive
	}
	r.sharing = true
	r.sharingUser = c.ID
	r.log.Infow("sharing started", "room_id", r.room.ID, "owner", c.ID)
	return nil
}

func (r *RoomSession) StopSharing() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.sharing {
		return
	}
	r.sharing = false
	r.sharingUser = ""
	r.log.Infow("sharing stopped", "room_id", r.room.ID)
}

// CheckStreams re-scans every connection in the room and stops recording
// when no streams remain and sharing when no screen streams remain. The full
// re-scan is deliberate: it cannot drift from missed decrement events.
func (r *RoomSession) CheckStreams(ctx context.Context) {
	var total, screen int
	for _, c := range r.cm.ListByRoom(r.room.ID) {
		for _, sd := range c.Streams() {
			total++
			if sd.Type == domain.StreamTypeScreen {
				screen++
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if (r.recState == recActive || r.recState == recStarting) && total == 0 {
		r.log.Infow("no more streams in the room, stopping recording", "room_id", r.room.ID)
		r.stopRecordingLocked(ctx)
	}
	if r.sharing && screen == 0 {
		r.log.Infow("no more screen streams in the room, stopping sharing", "room_id", r.room.ID)
		r.sharing = false
		r.sharingUser = ""
	}
}

// Close releases every stream still registered for this room, stops any
// recording and releases the engine pipeline. Engine errors are logged and
// swallowed; cleanup is best effort.
func (r *RoomSession) Close(ctx context.Context) {
	for _, s := range r.registry.StreamsByRoom(r.room.ID) {
		s.Release(ctx)
		r.registry.DeleteStream(s.UID())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopRecordingLocked(ctx)
	r.sharing = false
	r.sharingUser = ""
	if r.pipelineID != "" {
		if err := r.eng.ReleasePipeline(ctx, r.pipelineID); err != nil {
			r.log.Warnw("failed to release room pipeline",
				"room_id", r.room.ID, "pipeline_id", r.pipelineID, "error", err)
		}
		r.pipelineID = ""
	}
	r.metrics.RoomClosed()
	r.log.Infow("room closed", "room_id", r.room.ID)
}
