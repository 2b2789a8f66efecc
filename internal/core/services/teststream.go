package services

import (
	"context"
	"fmt"
	"path"
	"sync"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// TestStream is the mic/cam self-test loopback for one anonymous connection.
// It lives outside the room model on disposable pipelines tagged test-mode,
// cleaned up when the connection goes away.
type TestStream struct {
	mu sync.Mutex

	connID domain.ConnID
	eng    ports.MediaEngine
	owner  string
	recDir string

	pipelineID string
	recorderID string
	// webrtcID is whichever endpoint currently terminates the browser's
	// peer connection; trickled candidates go to it.
	webrtcID string
	queued   []webrtc.ICECandidateInit
	mediaURI string
	released bool

	log *zap.SugaredLogger
}

func NewTestStream(connID domain.ConnID, eng ports.MediaEngine, owner, recDir string, log *zap.SugaredLogger) *TestStream {
	return &TestStream{
		connID: connID,
		eng:    eng,
		owner:  owner,
		recDir: recDir,
		log:    log,
	}
}

func (t *TestStream) ConnID() domain.ConnID { return t.connID }

func (t *TestStream) testTags() map[string]string {
	return map[string]string{
		domain.TagOwner: t.owner,
		domain.TagMode:  domain.ModeTest,
		domain.TagRoom:  domain.ModeTest,
	}
}

// Record starts capturing the connection's test media: a fresh test pipeline
// with a publish endpoint feeding a recorder endpoint.
func (t *TestStream) Record(ctx context.Context, offer string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.released {
		return "", domain.ErrStreamReleased
	}
	t.dropPipelineLocked(ctx)

	pipeID, err := t.eng.CreatePipeline(ctx, t.testTags())
	if err != nil {
		return "", fmt.Errorf("create test pipeline: %w: %v", domain.ErrNegotiationFailed, err)
	}
	t.pipelineID = pipeID
	t.mediaURI = fmt.Sprintf("file://%s", path.Join(t.recDir, domain.ModeTest, uuid.NewString()+".webm"))

	pubID, err := t.eng.CreateEndpoint(ctx, domain.EndpointRequest{
		PipelineID: pipeID,
		Kind:       domain.EndpointPublish,
		Tags:       t.pointTags(),
	})
	if err != nil {
		t.dropPipelineLocked(ctx)
		return "", fmt.Errorf("create test publish endpoint: %w: %v", domain.ErrNegotiationFailed, err)
	}
	recID, err := t.eng.CreateEndpoint(ctx, domain.EndpointRequest{
		PipelineID: pipeID,
		Kind:       domain.EndpointRecord,
		Tags:       t.pointTags(),
		MediaURI:   t.mediaURI,
	})
	if err != nil {
		t.dropPipelineLocked(ctx)
		return "", fmt.Errorf("create test recorder endpoint: %w: %v", domain.ErrNegotiationFailed, err)
	}
	if err := t.eng.ConnectEndpoints(ctx, pubID, recID); err != nil {
		t.dropPipelineLocked(ctx)
		return "", fmt.Errorf("connect test endpoints: %w: %v", domain.ErrNegotiationFailed, err)
	}
	if err := t.eng.StartRecording(ctx, recID); err != nil {
		t.dropPipelineLocked(ctx)
		return "", fmt.Errorf("start test recording: %w: %v", domain.ErrNegotiationFailed, err)
	}
	answer, err := t.eng.ProcessOffer(ctx, pubID, offer)
	if err != nil {
		t.dropPipelineLocked(ctx)
		return "", fmt.Errorf("process test offer: %w: %v", domain.ErrNegotiationFailed, err)
	}

	t.recorderID = recID
	t.webrtcID = pubID
	t.flushLocked(ctx)
	return answer, nil
}

// Play replays the captured artifact back to the connection on a fresh
// disposable pipeline: a play endpoint feeding a subscribe endpoint.
func (t *TestStream) Play(ctx context.Context, offer string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.released {
		return "", domain.ErrStreamReleased
	}
	if t.mediaURI == "" {
		return "", fmt.Errorf("nothing recorded yet: %w", domain.ErrNegotiationFailed)
	}
	if t.recorderID != "" {
		if err := t.eng.StopRecording(ctx, t.recorderID); err != nil {
			t.log.Warnw("failed to stop test recorder", "conn_id", t.connID, "error", err)
		}
	}
	uri := t.mediaURI
	t.dropPipelineLocked(ctx)

	pipeID, err := t.eng.CreatePipeline(ctx, t.testTags())
	if err != nil {
		return "", fmt.Errorf("create test playback pipeline: %w: %v", domain.ErrNegotiationFailed, err)
	}
	t.pipelineID = pipeID
	t.mediaURI = uri

	playID, err := t.eng.CreateEndpoint(ctx, domain.EndpointRequest{
		PipelineID: pipeID,
		Kind:       domain.EndpointPlay,
		Tags:       t.pointTags(),
		MediaURI:   uri,
	})
	if err != nil {
		t.dropPipelineLocked(ctx)
		return "", fmt.Errorf("create test play endpoint: %w: %v", domain.ErrNegotiationFailed, err)
	}
	outID, err := t.eng.CreateEndpoint(ctx, domain.EndpointRequest{
		PipelineID: pipeID,
		Kind:       domain.EndpointSubscribe,
		Tags:       t.pointTags(),
	})
	if err != nil {
		t.dropPipelineLocked(ctx)
		return "", fmt.Errorf("create test out endpoint: %w: %v", domain.ErrNegotiationFailed, err)
	}
	if err := t.eng.ConnectEndpoints(ctx, playID, outID); err != nil {
		t.dropPipelineLocked(ctx)
		return "", fmt.Errorf("connect test playback: %w: %v", domain.ErrNegotiationFailed, err)
	}
	answer, err := t.eng.ProcessOffer(ctx, outID, offer)
	if err != nil {
		t.dropPipelineLocked(ctx)
		return "", fmt.Errorf("process test playback offer: %w: %v", domain.ErrNegotiationFailed, err)
	}

	t.webrtcID = outID
	t.flushLocked(ctx)
	return answer, nil
}

// AddCandidate queues the candidate until a webrtc endpoint exists, then
// applies directly.
func (t *TestStream) AddCandidate(ctx context.Context, cand webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return nil
	}
	if t.webrtcID == "" {
		t.queued = append(t.queued, cand)
		return nil
	}
	if err := t.eng.AddCandidate(ctx, t.webrtcID, cand); err != nil {
		return fmt.Errorf("add test candidate: %w: %v", domain.ErrNegotiationFailed, err)
	}
	return nil
}

// Release drops the disposable pipeline. Idempotent.
func (t *TestStream) Release(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return
	}
	t.dropPipelineLocked(ctx)
	t.released = true
}

func (t *TestStream) pointTags() map[string]string {
	return map[string]string{
		domain.TagOwner: t.owner,
		domain.TagMode:  domain.ModeTest,
		domain.TagPoint: string(t.connID),
	}
}

// dropPipelineLocked releases the current pipeline; the engine cascades the
// release to the endpoints inside it.
func (t *TestStream) dropPipelineLocked(ctx context.Context) {
	if t.pipelineID == "" {
		return
	}
	if err := t.eng.ReleasePipeline(ctx, t.pipelineID); err != nil {
		t.log.Warnw("failed to release test pipeline",
			"conn_id", t.connID, "pipeline_id", t.pipelineID, "error", err)
	}
	t.pipelineID = ""
	t.recorderID = ""
	t.webrtcID = ""
}

func (t *TestStream) flushLocked(ctx context.Context) {
	for _, cand := range t.queued {
		if err := t.eng.AddCandidate(ctx, t.webrtcID, cand); err != nil {
			t.log.Warnw("failed to flush test candidate", "conn_id", t.connID, "error", err)
		}
	}
	t.queued = nil
}
