package services

import (
	"context"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"

	"github.com/gammazero/workerpool"
	"go.uber.org/zap"
)

const validateTimeout = 5 * time.Second

// Reconciler is the drift watchdog: for every object the engine reports as
// created it waits a grace delay, re-reads live state, and releases the
// object if this process no longer accounts for it. It never mutates the
// registry; only engine-side resources are removed. The delay exists because
// the creating call may still be in flight when the notification arrives.
type Reconciler struct {
	registry *Registry
	engine   func() (ports.MediaEngine, bool)
	owner    func() string
	delay    time.Duration
	pool     *workerpool.WorkerPool

	log     *zap.SugaredLogger
	metrics ports.Metrics
}

func NewReconciler(registry *Registry, engine func() (ports.MediaEngine, bool), owner func() string,
	delay time.Duration, workers int, log *zap.SugaredLogger, metrics ports.Metrics) *Reconciler {
	return &Reconciler{
		registry: registry,
		engine:   engine,
		owner:    owner,
		delay:    delay,
		pool:     workerpool.New(workers),
		log:      log,
		metrics:  metrics,
	}
}

// Observe schedules a validation check for a newly created engine object.
// State is re-read at fire time, not captured here: a resource legitimately
// claimed during the delay must not be destroyed.
func (r *Reconciler) Observe(obj domain.ObjectRef) {
	time.AfterFunc(r.delay, func() {
		r.pool.Submit(func() {
			r.validate(obj)
		})
	})
}

// Stop drains the validation pool.
func (r *Reconciler) Stop() {
	r.pool.StopWait()
}

func (r *Reconciler) validate(obj domain.ObjectRef) {
	eng, ok := r.engine()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), validateTimeout)
	defer cancel()

	switch obj.Type {
	case domain.ObjectPipeline:
		r.validatePipeline(ctx, eng, obj.ID)
	case domain.ObjectEndpoint:
		r.validateEndpoint(ctx, eng, obj.ID)
	}
}

func (r *Reconciler) validatePipeline(ctx context.Context, eng ports.MediaEngine, id string) {
	tags, err := eng.PipelineTags(ctx, id)
	if err != nil {
		// Already gone, nothing to reconcile.
		return
	}
	if r.isOwnTestResource(tags) {
		return
	}
	if tags[domain.TagOwner] == r.owner() {
		room := r.registry.Room(domain.RoomID(tags[domain.TagRoom]))
		if room != nil && room.PipelineID() == id {
			return
		}
	}
	r.log.Warnw("stale pipeline detected, releasing", "pipeline_id", id, "tags", tags)
	if err := eng.ReleasePipeline(ctx, id); err != nil {
		r.log.Warnw("failed to release stale pipeline", "pipeline_id", id, "error", err)
		return
	}
	r.metrics.ReconcilerDropped("pipeline")
}

func (r *Reconciler) validateEndpoint(ctx context.Context, eng ports.MediaEngine, id string) {
	tags, err := eng.EndpointTags(ctx, id)
	if err != nil {
		return
	}
	if r.isOwnTestResource(tags) {
		return
	}
	if tags[domain.TagOwner] == r.owner() {
		if s := r.registry.Stream(domain.StreamID(tags[domain.TagStream])); s != nil && s.Contains(tags[domain.TagPoint]) {
			return
		}
		// Recorder endpoints are tracked by their room, not by a stream.
		if room := r.registry.Room(domain.RoomID(tags[domain.TagRoom])); room != nil && room.RecorderID() == id {
			return
		}
	}
	r.log.Warnw("stale endpoint detected, releasing", "endpoint_id", id, "tags", tags)
	if err := eng.ReleaseEndpoint(ctx, id); err != nil {
		r.log.Warnw("failed to release stale endpoint", "endpoint_id", id, "error", err)
		return
	}
	r.metrics.ReconcilerDropped("endpoint")
}

// isOwnTestResource recognizes this process's self-test resources, which
// live outside the room model and are cleaned up on disconnect instead.
func (r *Reconciler) isOwnTestResource(tags map[string]string) bool {
	return tags[domain.TagOwner] == r.owner() && tags[domain.TagMode] == domain.ModeTest
}
