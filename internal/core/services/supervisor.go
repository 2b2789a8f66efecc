package services

import (
	"context"
	"sync"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Supervisor owns the connection to the media engine. Connection failures
// are logged and retried after a fixed delay, never propagated; while
// disconnected every engine-dependent operation short-circuits with a
// service-unavailable result. Each successful connect mints a fresh owner id
// that tags every resource this process creates in the engine.
type Supervisor struct {
	dial    ports.EngineDialer
	recheck time.Duration

	registry *Registry
	observer func(domain.ObjectRef)

	mu     sync.Mutex
	engine ports.MediaEngine

	connected *atomic.Bool
	owner     *atomic.String
	stopped   *atomic.Bool

	log     *zap.SugaredLogger
	metrics ports.Metrics
}

func NewSupervisor(dial ports.EngineDialer, recheck time.Duration, registry *Registry,
	log *zap.SugaredLogger, metrics ports.Metrics) *Supervisor {
	return &Supervisor{
		dial:      dial,
		recheck:   recheck,
		registry:  registry,
		connected: atomic.NewBool(false),
		owner:     atomic.NewString(""),
		stopped:   atomic.NewBool(false),
		log:       log,
		metrics:   metrics,
	}
}

// SetObserver registers the callback receiving engine object-created
// notifications. Must be called before Start.
func (s *Supervisor) SetObserver(fn func(domain.ObjectRef)) {
	s.observer = fn
}

// Start kicks off the first connection attempt in the background.
func (s *Supervisor) Start() {
	go s.connect()
}

func (s *Supervisor) connect() {
	if s.stopped.Load() {
		return
	}
	eng, err := s.dial(context.Background())
	if err != nil {
		s.log.Warnw("failed to reach media engine, will re-try",
			"retry_in", s.recheck, "error", err)
		s.scheduleReconnect()
		return
	}

	s.mu.Lock()
	s.engine = eng
	s.mu.Unlock()
	s.owner.Store(uuid.NewString())
	s.connected.Store(true)
	s.metrics.EngineConnected(true)
	s.log.Infow("media engine connected", "owner", s.owner.Load())

	go s.watch(eng)
}

// watch consumes engine events until disconnect.
func (s *Supervisor) watch(eng ports.MediaEngine) {
	for ev := range eng.Events() {
		switch ev.Kind {
		case domain.EngineObjectCreated:
			if s.observer != nil {
				s.observer(ev.Object)
			}
		case domain.EngineDisconnected:
			s.onDisconnect(eng)
			return
		}
	}
	// Channel closed without an explicit disconnect event.
	s.onDisconnect(eng)
}

func (s *Supervisor) onDisconnect(eng ports.MediaEngine) {
	if !s.connected.CompareAndSwap(true, false) {
		return
	}
	s.metrics.EngineConnected(false)
	s.log.Warnw("media engine disconnected, will re-try", "retry_in", s.recheck)

	s.releaseAll(context.Background())

	s.mu.Lock()
	s.engine = nil
	s.mu.Unlock()
	if err := eng.Close(); err != nil {
		s.log.Debugw("error closing engine client", "error", err)
	}
	s.scheduleReconnect()
}

func (s *Supervisor) scheduleReconnect() {
	time.AfterFunc(s.recheck, s.connect)
}

// releaseAll tears down every room session and test stream. Best effort; the
// engine may already be gone.
func (s *Supervisor) releaseAll(ctx context.Context) {
	for _, room := range s.registry.Rooms() {
		room.Close(ctx)
		s.registry.DeleteRoom(room.ID())
	}
	for _, t := range s.registry.Tests() {
		t.Release(ctx)
		s.registry.DeleteTest(t.ConnID())
	}
}

// Engine returns the live engine connection, or false while disconnected.
func (s *Supervisor) Engine() (ports.MediaEngine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil || !s.connected.Load() {
		return nil, false
	}
	return s.engine, true
}

func (s *Supervisor) Connected() bool {
	return s.connected.Load()
}

// Owner returns the opaque identifier stamped on every engine resource
// created since the last connect.
func (s *Supervisor) Owner() string {
	return s.owner.Load()
}

// Shutdown stops reconnection attempts, releases all sessions and closes the
// engine connection.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.stopped.Store(true)
	if !s.connected.CompareAndSwap(true, false) {
		return
	}
	s.releaseAll(ctx)

	s.mu.Lock()
	eng := s.engine
	s.engine = nil
	s.mu.Unlock()
	if eng != nil {
		if err := eng.Close(); err != nil {
			s.log.Debugw("error closing engine client", "error", err)
		}
	}
	s.metrics.EngineConnected(false)
	s.log.Infow("media engine connection shut down")
}
