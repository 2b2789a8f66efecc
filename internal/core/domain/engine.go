package domain

// Tag keys stamped on every engine resource this process creates. The owner
// tag lets the reconciler tell this process's resources from another
// process's when the engine is shared.
const (
	TagOwner  = "owner"
	TagMode   = "mode"
	TagRoom   = "roomId"
	TagStream = "streamUid"
	TagPoint  = "uid"
)

// EndpointKind discriminates the engine-side endpoint variants.
type EndpointKind string

const (
	EndpointPublish   EndpointKind = "publish"
	EndpointSubscribe EndpointKind = "subscribe"
	EndpointRecord    EndpointKind = "record"
	EndpointPlay      EndpointKind = "play"
)

// EndpointRequest describes one endpoint to create inside a pipeline.
// Tags ride along so create and tag are a single engine request; the
// resource is never observable untagged. MediaURI applies to the record
// (target) and play (source) kinds only.
type EndpointRequest struct {
	PipelineID string
	Kind       EndpointKind
	Tags       map[string]string
	MediaURI   string
}

type ObjectType string

const (
	ObjectPipeline ObjectType = "pipeline"
	ObjectEndpoint ObjectType = "endpoint"
)

// ObjectRef identifies one engine-side resource.
type ObjectRef struct {
	ID   string
	Type ObjectType
}

type EngineEventKind string

const (
	EngineObjectCreated EngineEventKind = "objectCreated"
	EngineDisconnected  EngineEventKind = "disconnected"
)

// EngineEvent is an asynchronous notification from the media engine.
// Object is set for EngineObjectCreated.
type EngineEvent struct {
	Kind   EngineEventKind
	Object ObjectRef
}
