package services

import (
	"context"
	"fmt"
	"sync"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"

	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Stream negotiation states.
const (
	StreamStateCreated     = "created"
	StreamStateNegotiating = "negotiating"
	StreamStateActive      = "active"
	StreamStateReleased    = "released"
)

// stream negotiation events
const (
	streamEventBroadcast = "broadcast"
	streamEventActivate  = "activate"
	streamEventFail      = "fail"
	streamEventRelease   = "release"
)

func newStreamFSM() *fsm.FSM {
	return fsm.NewFSM(
		StreamStateCreated,
		fsm.Events{
			{Name: streamEventBroadcast, Src: []string{StreamStateCreated}, Dst: StreamStateNegotiating},
			{Name: streamEventActivate, Src: []string{StreamStateNegotiating}, Dst: StreamStateActive},
			{Name: streamEventFail, Src: []string{StreamStateNegotiating}, Dst: StreamStateCreated},
			{Name: streamEventRelease, Src: []string{StreamStateCreated, StreamStateNegotiating, StreamStateActive}, Dst: StreamStateReleased},
		}, nil,
	)
}

// listenerPoint is the subscriber endpoint serving one listening connection,
// with its own queue for candidates that arrive before it is connected.
type listenerPoint struct {
	endpointID string
	connected  bool
	queued     []webrtc.ICECandidateInit
}

// StreamSession is one outbound media publication: it owns the publisher
// endpoint, a subscriber endpoint per listener, and the negotiation state
// machine. All mutations are serialized by mu; different streams proceed
// independently.
type StreamSession struct {
	mu sync.Mutex

	uid        domain.StreamID
	connID     domain.ConnID
	sid        domain.SessionID
	roomID     domain.RoomID
	pipelineID string
	kind       domain.StreamType

	eng   ports.MediaEngine
	owner string

	sm           *fsm.FSM
	publisherID  string
	pubConnected bool
	pubQueued    []webrtc.ICECandidateInit
	listeners    map[string]*listenerPoint

	log     *zap.SugaredLogger
	metrics ports.Metrics
}

func NewStreamSession(sd *domain.StreamDesc, connID domain.ConnID, roomID domain.RoomID, pipelineID string,
	eng ports.MediaEngine, owner string, log *zap.SugaredLogger, metrics ports.Metrics) *StreamSession {
	return &StreamSession{
		uid:        sd.UID,
		connID:     connID,
		sid:        sd.SID,
		roomID:     roomID,
		pipelineID: pipelineID,
		kind:       sd.Type,
		eng:        eng,
		owner:      owner,
		sm:         newStreamFSM(),
		listeners:  make(map[string]*listenerPoint),
		log:        log,
		metrics:    metrics,
	}
}

func (s *StreamSession) UID() domain.StreamID    { return s.uid }
func (s *StreamSession) ConnID() domain.ConnID   { return s.connID }
func (s *StreamSession) RoomID() domain.RoomID   { return s.roomID }
func (s *StreamSession) Kind() domain.StreamType { return s.kind }

func (s *StreamSession) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sm.Current()
}

// StartBroadcast creates the engine-side publisher endpoint, applies the
// remote offer and returns the answer. Valid only while the stream has never
// been negotiated; on any engine failure the stream returns to its created
// state untouched. Candidates buffered before this call are flushed, in
// arrival order, once the endpoint exists.
func (s *StreamSession) StartBroadcast(ctx context.Context, offer string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sm.Is(StreamStateReleased) {
		return "", domain.ErrStreamReleased
	}
	if !s.sm.Is(StreamStateCreated) {
		return "", fmt.Errorf("stream %s in state %s: %w", s.uid, s.sm.Current(), domain.ErrInvalidStreamState)
	}
	if err := s.sm.Event(ctx, streamEventBroadcast); err != nil {
		return "", fmt.Errorf("stream %s: %w", s.uid, domain.ErrInvalidStreamState)
	}

	epID, err := s.eng.CreateEndpoint(ctx, domain.EndpointRequest{
		PipelineID: s.pipelineID,
		Kind:       domain.EndpointPublish,
		Tags: map[string]string{
			domain.TagOwner:  s.owner,
			domain.TagStream: string(s.uid),
			domain.TagPoint:  string(s.uid),
		},
	})
	if err != nil {
		_ = s.sm.Event(ctx, streamEventFail)
		return "", fmt.Errorf("create publisher endpoint: %w: %v", domain.ErrNegotiationFailed, err)
	}

	answer, err := s.eng.ProcessOffer(ctx, epID, offer)
	if err != nil {
		if relErr := s.eng.ReleaseEndpoint(ctx, epID); relErr != nil {
			s.log.Warnw("failed to release endpoint after negotiation error",
				"stream_uid", s.uid, "endpoint_id", epID, "error", relErr)
		}
		_ = s.sm.Event(ctx, streamEventFail)
		return "", fmt.Errorf("process offer: %w: %v", domain.ErrNegotiationFailed, err)
	}

	s.publisherID = epID
	s.pubConnected = true
	s.flushLocked(ctx, epID, &s.pubQueued)
	_ = s.sm.Event(ctx, streamEventActivate)
	s.metrics.StreamStarted()
	s.log.Debugw("broadcast started", "stream_uid", s.uid, "room_id", s.roomID, "kind", s.kind)
	return answer, nil
}

// AddCandidate routes a trickled ICE candidate to the publisher endpoint
// (empty listenerUID) or to the listener's subscriber endpoint. Candidates
// for endpoints that do not exist yet are queued and replayed once connected.
func (s *StreamSession) AddCandidate(ctx context.Context, cand webrtc.ICECandidateInit, listenerUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sm.Is(StreamStateReleased) {
		return nil
	}

	if listenerUID == "" {
		if !s.pubConnected {
			s.pubQueued = append(s.pubQueued, cand)
			return nil
		}
		if err := s.eng.AddCandidate(ctx, s.publisherID, cand); err != nil {
			return fmt.Errorf("add candidate: %w: %v", domain.ErrNegotiationFailed, err)
		}
		return nil
	}

	lp := s.listeners[listenerUID]
	if lp == nil {
		lp = &listenerPoint{}
		s.listeners[listenerUID] = lp
	}
	if !lp.connected {
		lp.queued = append(lp.queued, cand)
		return nil
	}
	if err := s.eng.AddCandidate(ctx, lp.endpointID, cand); err != nil {
		return fmt.Errorf("add listener candidate: %w: %v", domain.ErrNegotiationFailed, err)
	}
	return nil
}

// AddListener creates a dedicated subscriber endpoint for the listening
// connection, wires it to the publisher and returns the answer to the
// listener's offer. The publisher's own state is unaffected.
func (s *StreamSession) AddListener(ctx context.Context, listener domain.ConnID, offer string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sm.Is(StreamStateReleased) {
		return "", domain.ErrStreamReleased
	}
	if s.publisherID == "" {
		return "", fmt.Errorf("stream %s has no publisher yet: %w", s.uid, domain.ErrNegotiationFailed)
	}

	epID, err := s.eng.CreateEndpoint(ctx, domain.EndpointRequest{
		PipelineID: s.pipelineID,
		Kind:       domain.EndpointSubscribe,
		Tags: map[string]string{
			domain.TagOwner:  s.owner,
			domain.TagStream: string(s.uid),
			domain.TagPoint:  string(listener),
		},
	})
	if err != nil {
		return "", fmt.Errorf("create listener endpoint: %w: %v", domain.ErrNegotiationFailed, err)
	}
	if err := s.eng.ConnectEndpoints(ctx, s.publisherID, epID); err != nil {
		if relErr := s.eng.ReleaseEndpoint(ctx, epID); relErr != nil {
			s.log.Warnw("failed to release listener endpoint after connect error",
				"stream_uid", s.uid, "endpoint_id", epID, "error", relErr)
		}
		return "", fmt.Errorf("connect listener endpoint: %w: %v", domain.ErrNegotiationFailed, err)
	}
	answer, err := s.eng.ProcessOffer(ctx, epID, offer)
	if err != nil {
		if relErr := s.eng.ReleaseEndpoint(ctx, epID); relErr != nil {
			s.log.Warnw("failed to release listener endpoint after negotiation error",
				"stream_uid", s.uid, "endpoint_id", epID, "error", relErr)
		}
		return "", fmt.Errorf("process listener offer: %w: %v", domain.ErrNegotiationFailed, err)
	}

	lp := s.listeners[string(listener)]
	if lp == nil {
		lp = &listenerPoint{}
		s.listeners[string(listener)] = lp
	}
	lp.endpointID = epID
	lp.connected = true
	s.flushLocked(ctx, epID, &lp.queued)
	s.log.Debugw("listener added", "stream_uid", s.uid, "listener", listener)
	return answer, nil
}

// Contains reports whether pointUID names the publisher or one of the
// listeners of this stream. Used by the drift reconciler to recognize
// endpoints it must leave alone.
func (s *StreamSession) Contains(pointUID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pointUID == string(s.uid) {
		return true
	}
	_, ok := s.listeners[pointUID]
	return ok
}

// Release tears down the publisher and every listener endpoint and moves the
// stream to its terminal state. Idempotent; engine errors during cleanup are
// logged and swallowed.
func (s *StreamSession) Release(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sm.Is(StreamStateReleased) {
		return
	}
	for uid, lp := range s.listeners {
		if lp.endpointID == "" {
			continue
		}
		if err := s.eng.ReleaseEndpoint(ctx, lp.endpointID); err != nil {
			s.log.Warnw("failed to release listener endpoint",
				"stream_uid", s.uid, "listener", uid, "error", err)
		}
	}
	if s.publisherID != "" {
		if err := s.eng.ReleaseEndpoint(ctx, s.publisherID); err != nil {
			s.log.Warnw("failed to release publisher endpoint",
				"stream_uid", s.uid, "endpoint_id", s.publisherID, "error", err)
		}
		s.metrics.StreamReleased()
	}
	_ = s.sm.Event(ctx, streamEventRelease)
	s.log.Debugw("stream released", "stream_uid", s.uid, "room_id", s.roomID)
}

// flushLocked replays queued candidates in arrival order, exactly once.
func (s *StreamSession) flushLocked(ctx context.Context, endpointID string, queue *[]webrtc.ICECandidateInit) {
	for _, cand := range *queue {
		if err := s.eng.AddCandidate(ctx, endpointID, cand); err != nil {
			s.log.Warnw("failed to flush buffered candidate",
				"stream_uid", s.uid, "endpoint_id", endpointID, "error", err)
		}
	}
	*queue = nil
}
