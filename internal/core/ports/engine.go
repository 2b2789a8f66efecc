package ports

import (
	"context"

	"roomcast/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// MediaEngine is the client side of the external media-processing service.
// All resources are addressed by opaque engine-assigned ids. Create calls
// accept tags so a resource is never observable untagged. Enumerate/fetch
// calls (PipelineTags, EndpointTags) are used by the drift reconciler to
// cross-check engine reality against the session registry.
type MediaEngine interface {
	CreatePipeline(ctx context.Context, tags map[string]string) (string, error)
	ReleasePipeline(ctx context.Context, id string) error
	PipelineTags(ctx context.Context, id string) (map[string]string, error)

	CreateEndpoint(ctx context.Context, req domain.EndpointRequest) (string, error)
	ReleaseEndpoint(ctx context.Context, id string) error
	EndpointTags(ctx context.Context, id string) (map[string]string, error)

	// ConnectEndpoints wires src's media output into dst.
	ConnectEndpoints(ctx context.Context, src, dst string) error

	ProcessOffer(ctx context.Context, endpointID, offer string) (answer string, err error)
	AddCandidate(ctx context.Context, endpointID string, cand webrtc.ICECandidateInit) error

	StartRecording(ctx context.Context, endpointID string) error
	StopRecording(ctx context.Context, endpointID string) error

	// Events delivers object-created notifications and the disconnect
	// notification. The channel is closed after a disconnect.
	Events() <-chan domain.EngineEvent

	Close() error
}

// EngineDialer establishes a fresh engine connection. Used by the connection
// supervisor on every (re)connect attempt.
type EngineDialer func(ctx context.Context) (MediaEngine, error)
