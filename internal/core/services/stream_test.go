package services

import (
	"context"
	"errors"
	"testing"

	"roomcast/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStreamSession(t *testing.T, eng *fakeEngine) *StreamSession {
	t.Helper()
	sd := &domain.StreamDesc{
		UID:  "stream-1",
		SID:  "sess-1",
		Type: domain.StreamTypeWebcam,
	}
	return NewStreamSession(sd, "conn-1", "room-1", "pipe-1", eng, "owner-1",
		zaptest.NewLogger(t).Sugar(), nopMetrics{})
}

func cand(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

func TestStreamSession_StartBroadcast(t *testing.T) {
	eng := newFakeEngine()
	s := newTestStreamSession(t, eng)
	ctx := context.Background()

	require.Equal(t, StreamStateCreated, s.State())

	answer, err := s.StartBroadcast(ctx, "offer-sdp")
	require.NoError(t, err)
	assert.Equal(t, "answer:offer-sdp", answer)
	assert.Equal(t, StreamStateActive, s.State())

	// The publisher endpoint exists and carries the owner and stream tags.
	ids := eng.endpointIDs()
	require.Len(t, ids, 1)
	tags, err := eng.EndpointTags(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "owner-1", tags[domain.TagOwner])
	assert.Equal(t, "stream-1", tags[domain.TagStream])
}

func TestStreamSession_StartBroadcastTwice(t *testing.T) {
	eng := newFakeEngine()
	s := newTestStreamSession(t, eng)
	ctx := context.Background()

	_, err := s.StartBroadcast(ctx, "offer-1")
	require.NoError(t, err)

	_, err = s.StartBroadcast(ctx, "offer-2")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidStreamState)
}

func TestStreamSession_StartBroadcastEngineFailure(t *testing.T) {
	eng := newFakeEngine()
	eng.failProcessOffer = errors.New("engine boom")
	s := newTestStreamSession(t, eng)
	ctx := context.Background()

	_, err := s.StartBroadcast(ctx, "offer-sdp")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNegotiationFailed)

	// The failed endpoint was cleaned up and the stream can be retried.
	assert.Equal(t, StreamStateCreated, s.State())
	assert.Equal(t, 0, eng.endpointCount())

	eng.failProcessOffer = nil
	answer, err := s.StartBroadcast(ctx, "offer-sdp")
	require.NoError(t, err)
	assert.Equal(t, "answer:offer-sdp", answer)
}

func TestStreamSession_CandidateBufferedBeforeBroadcast(t *testing.T) {
	eng := newFakeEngine()
	s := newTestStreamSession(t, eng)
	ctx := context.Background()

	// Candidates trickle in before the endpoint exists.
	require.NoError(t, s.AddCandidate(ctx, cand("a"), ""))
	require.NoError(t, s.AddCandidate(ctx, cand("b"), ""))
	require.NoError(t, s.AddCandidate(ctx, cand("c"), ""))

	_, err := s.StartBroadcast(ctx, "offer-sdp")
	require.NoError(t, err)

	ids := eng.endpointIDs()
	require.Len(t, ids, 1)
	got := eng.candidatesFor(ids[0])
	require.Len(t, got, 3)
	assert.Equal(t, []webrtc.ICECandidateInit{cand("a"), cand("b"), cand("c")}, got)

	// Replayed exactly once: a new candidate lands directly, queue stays empty.
	require.NoError(t, s.AddCandidate(ctx, cand("d"), ""))
	assert.Len(t, eng.candidatesFor(ids[0]), 4)
}

func TestStreamSession_AddListener(t *testing.T) {
	eng := newFakeEngine()
	s := newTestStreamSession(t, eng)
	ctx := context.Background()

	_, err := s.StartBroadcast(ctx, "pub-offer")
	require.NoError(t, err)
	pubID := eng.endpointIDs()[0]

	answer, err := s.AddListener(ctx, "conn-2", "sub-offer")
	require.NoError(t, err)
	assert.Equal(t, "answer:sub-offer", answer)

	// Publisher feeds the listener endpoint.
	require.Len(t, eng.connections, 1)
	assert.Equal(t, pubID, eng.connections[0][0])

	assert.True(t, s.Contains("stream-1"))
	assert.True(t, s.Contains("conn-2"))
	assert.False(t, s.Contains("conn-3"))
}

func TestStreamSession_ListenerCandidateBuffered(t *testing.T) {
	eng := newFakeEngine()
	s := newTestStreamSession(t, eng)
	ctx := context.Background()

	_, err := s.StartBroadcast(ctx, "pub-offer")
	require.NoError(t, err)

	// Listener candidates arrive before the listener endpoint exists.
	require.NoError(t, s.AddCandidate(ctx, cand("l1"), "conn-2"))
	require.NoError(t, s.AddCandidate(ctx, cand("l2"), "conn-2"))

	_, err = s.AddListener(ctx, "conn-2", "sub-offer")
	require.NoError(t, err)

	var listenerEp string
	for _, id := range eng.endpointIDs() {
		tags, tagErr := eng.EndpointTags(ctx, id)
		require.NoError(t, tagErr)
		if tags[domain.TagPoint] == "conn-2" {
			listenerEp = id
		}
	}
	require.NotEmpty(t, listenerEp)
	assert.Equal(t, []webrtc.ICECandidateInit{cand("l1"), cand("l2")}, eng.candidatesFor(listenerEp))
}

func TestStreamSession_AddListenerWithoutPublisher(t *testing.T) {
	eng := newFakeEngine()
	s := newTestStreamSession(t, eng)

	_, err := s.AddListener(context.Background(), "conn-2", "sub-offer")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNegotiationFailed)
}

func TestStreamSession_Release(t *testing.T) {
	eng := newFakeEngine()
	s := newTestStreamSession(t, eng)
	ctx := context.Background()

	_, err := s.StartBroadcast(ctx, "pub-offer")
	require.NoError(t, err)
	_, err = s.AddListener(ctx, "conn-2", "sub-offer")
	require.NoError(t, err)

	s.Release(ctx)
	assert.Equal(t, StreamStateReleased, s.State())
	assert.Equal(t, 0, eng.endpointCount())

	// Idempotent: a second release must not touch the engine again.
	before := len(eng.releasedIDs())
	s.Release(ctx)
	assert.Len(t, eng.releasedIDs(), before)

	// Terminal: no further negotiation, candidates are dropped silently.
	_, err = s.StartBroadcast(ctx, "offer")
	assert.ErrorIs(t, err, domain.ErrStreamReleased)
	assert.NoError(t, s.AddCandidate(ctx, cand("late"), ""))
}
