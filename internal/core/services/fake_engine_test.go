package services

import (
	"context"
	"fmt"
	"sync"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

// fakeEngine is the in-memory media engine used by the service tests. It
// tracks every object with its tags, records candidates in arrival order and
// supports per-call failure injection.
type fakeEngine struct {
	mu sync.Mutex

	nextID       int
	pipelines    map[string]map[string]string
	endpoints    map[string]map[string]string
	endpointPipe map[string]string
	released     []string
	candidates   map[string][]webrtc.ICECandidateInit
	connections  [][2]string
	recording    map[string]bool

	events       chan domain.EngineEvent
	disconnected bool

	failCreatePipeline error
	failCreateEndpoint error
	failProcessOffer   error
	failAddCandidate   error
}

var _ ports.MediaEngine = (*fakeEngine)(nil)

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		pipelines:    make(map[string]map[string]string),
		endpoints:    make(map[string]map[string]string),
		endpointPipe: make(map[string]string),
		candidates:   make(map[string][]webrtc.ICECandidateInit),
		recording:    make(map[string]bool),
		events:       make(chan domain.EngineEvent, 16),
	}
}

func (f *fakeEngine) newID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeEngine) CreatePipeline(ctx context.Context, tags map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreatePipeline != nil {
		return "", f.failCreatePipeline
	}
	id := f.newID("pipe")
	f.pipelines[id] = tags
	return id, nil
}

func (f *fakeEngine) ReleasePipeline(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pipelines[id]; !ok {
		return fmt.Errorf("pipeline %s not found", id)
	}
	delete(f.pipelines, id)
	f.released = append(f.released, id)
	for epID, pipeID := range f.endpointPipe {
		if pipeID == id {
			delete(f.endpoints, epID)
			delete(f.endpointPipe, epID)
		}
	}
	return nil
}

func (f *fakeEngine) PipelineTags(ctx context.Context, id string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tags, ok := f.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("pipeline %s not found", id)
	}
	return tags, nil
}

func (f *fakeEngine) CreateEndpoint(ctx context.Context, req domain.EndpointRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreateEndpoint != nil {
		return "", f.failCreateEndpoint
	}
	id := f.newID("ep")
	f.endpoints[id] = req.Tags
	f.endpointPipe[id] = req.PipelineID
	return id, nil
}

func (f *fakeEngine) ReleaseEndpoint(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.endpoints[id]; !ok {
		return fmt.Errorf("endpoint %s not found", id)
	}
	delete(f.endpoints, id)
	delete(f.endpointPipe, id)
	f.released = append(f.released, id)
	return nil
}

func (f *fakeEngine) EndpointTags(ctx context.Context, id string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tags, ok := f.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("endpoint %s not found", id)
	}
	return tags, nil
}

func (f *fakeEngine) ConnectEndpoints(ctx context.Context, src, dst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connections = append(f.connections, [2]string{src, dst})
	return nil
}

func (f *fakeEngine) ProcessOffer(ctx context.Context, endpointID, offer string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failProcessOffer != nil {
		return "", f.failProcessOffer
	}
	return "answer:" + offer, nil
}

func (f *fakeEngine) AddCandidate(ctx context.Context, endpointID string, cand webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAddCandidate != nil {
		return f.failAddCandidate
	}
	f.candidates[endpointID] = append(f.candidates[endpointID], cand)
	return nil
}

func (f *fakeEngine) StartRecording(ctx context.Context, endpointID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recording[endpointID] = true
	return nil
}

func (f *fakeEngine) StopRecording(ctx context.Context, endpointID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recording[endpointID] = false
	return nil
}

func (f *fakeEngine) Events() <-chan domain.EngineEvent {
	return f.events
}

func (f *fakeEngine) Close() error {
	return nil
}

// disconnect simulates losing the engine connection.
func (f *fakeEngine) disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disconnected {
		return
	}
	f.disconnected = true
	f.events <- domain.EngineEvent{Kind: domain.EngineDisconnected}
	close(f.events)
}

// emitCreated delivers an object-created notification as the real engine
// client would.
func (f *fakeEngine) emitCreated(ref domain.ObjectRef) {
	f.events <- domain.EngineEvent{Kind: domain.EngineObjectCreated, Object: ref}
}

func (f *fakeEngine) releasedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

func (f *fakeEngine) candidatesFor(endpointID string) []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), f.candidates[endpointID]...)
}

func (f *fakeEngine) endpointCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.endpoints)
}

func (f *fakeEngine) pipelineCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pipelines)
}

func (f *fakeEngine) endpointIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.endpoints))
	for id := range f.endpoints {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeEngine) isRecording(endpointID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recording[endpointID]
}

// nopMetrics satisfies ports.Metrics for tests.
type nopMetrics struct{}

func (nopMetrics) EngineConnected(bool)     {}
func (nopMetrics) RoomOpened()              {}
func (nopMetrics) RoomClosed()              {}
func (nopMetrics) StreamStarted()           {}
func (nopMetrics) StreamReleased()          {}
func (nopMetrics) RecordingStarted()        {}
func (nopMetrics) RecordingStopped()        {}
func (nopMetrics) ReconcilerDropped(string) {}
func (nopMetrics) MessageDispatched(string) {}
