package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// sequenceDialer hands out the given engines one connect attempt at a time.
type sequenceDialer struct {
	mu      sync.Mutex
	engines []ports.MediaEngine
	errs    []error
	calls   int
}

func (d *sequenceDialer) dial(ctx context.Context) (ports.MediaEngine, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	d.calls++
	if i < len(d.errs) && d.errs[i] != nil {
		return nil, d.errs[i]
	}
	if i < len(d.engines) {
		return d.engines[i], nil
	}
	return nil, errors.New("no more engines")
}

func (d *sequenceDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func TestSupervisor_ConnectAndOwner(t *testing.T) {
	eng := newFakeEngine()
	dialer := &sequenceDialer{engines: []ports.MediaEngine{eng}}
	sup := NewSupervisor(dialer.dial, 10*time.Millisecond, NewRegistry(),
		zaptest.NewLogger(t).Sugar(), nopMetrics{})
	defer sup.Shutdown(context.Background())

	assert.False(t, sup.Connected())
	assert.Empty(t, sup.Owner())

	sup.Start()
	require.Eventually(t, sup.Connected, time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, sup.Owner())

	got, ok := sup.Engine()
	require.True(t, ok)
	assert.Same(t, eng, got.(*fakeEngine))
}

func TestSupervisor_ObserverReceivesCreatedObjects(t *testing.T) {
	eng := newFakeEngine()
	dialer := &sequenceDialer{engines: []ports.MediaEngine{eng}}
	sup := NewSupervisor(dialer.dial, 10*time.Millisecond, NewRegistry(),
		zaptest.NewLogger(t).Sugar(), nopMetrics{})
	defer sup.Shutdown(context.Background())

	var mu sync.Mutex
	var seen []domain.ObjectRef
	sup.SetObserver(func(ref domain.ObjectRef) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ref)
	})

	sup.Start()
	require.Eventually(t, sup.Connected, time.Second, 5*time.Millisecond)

	eng.emitCreated(domain.ObjectRef{ID: "pipe-x", Type: domain.ObjectPipeline})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, domain.ObjectRef{ID: "pipe-x", Type: domain.ObjectPipeline}, seen[0])
	mu.Unlock()
}

func TestSupervisor_DisconnectAndReconnect(t *testing.T) {
	eng1 := newFakeEngine()
	eng2 := newFakeEngine()
	dialer := &sequenceDialer{engines: []ports.MediaEngine{eng1, eng2}}
	registry := NewRegistry()
	sup := NewSupervisor(dialer.dial, 10*time.Millisecond, registry,
		zaptest.NewLogger(t).Sugar(), nopMetrics{})
	defer sup.Shutdown(context.Background())

	sup.Start()
	require.Eventually(t, sup.Connected, time.Second, 5*time.Millisecond)
	firstOwner := sup.Owner()

	// A room session and a test stream exist when the connection drops.
	pipeID, err := eng1.CreatePipeline(context.Background(), nil)
	require.NoError(t, err)
	room := NewRoomSession(&domain.Room{ID: "room-1"}, pipeID, RoomDeps{
		Engine:   eng1,
		Owner:    firstOwner,
		Registry: registry,
		Clients:  newFakeClientManager(),
		Log:      zaptest.NewLogger(t).Sugar(),
		Metrics:  nopMetrics{},
	})
	registry.PutRoom(room)
	registry.PutTest(NewTestStream("conn-t", eng1, firstOwner, t.TempDir(),
		zaptest.NewLogger(t).Sugar()))

	eng1.disconnect()

	// Reconnects on the second engine with a fresh owner id.
	require.Eventually(t, func() bool {
		return sup.Connected() && sup.Owner() != firstOwner
	}, time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, sup.Owner())

	// Local session state was dropped on disconnect.
	assert.Empty(t, registry.Rooms())
	assert.Empty(t, registry.Tests())

	got, ok := sup.Engine()
	require.True(t, ok)
	assert.Same(t, eng2, got.(*fakeEngine))
}

func TestSupervisor_DialFailureRetries(t *testing.T) {
	eng := newFakeEngine()
	dialer := &sequenceDialer{
		errs:    []error{errors.New("connection refused"), nil},
		engines: []ports.MediaEngine{nil, eng},
	}
	sup := NewSupervisor(dialer.dial, 10*time.Millisecond, NewRegistry(),
		zaptest.NewLogger(t).Sugar(), nopMetrics{})
	defer sup.Shutdown(context.Background())

	sup.Start()
	require.Eventually(t, sup.Connected, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, dialer.callCount(), 2)
}

func TestSupervisor_EngineUnavailableWhileDown(t *testing.T) {
	dialer := &sequenceDialer{errs: []error{errors.New("refused")}}
	sup := NewSupervisor(dialer.dial, time.Hour, NewRegistry(),
		zaptest.NewLogger(t).Sugar(), nopMetrics{})
	defer sup.Shutdown(context.Background())

	sup.Start()
	time.Sleep(20 * time.Millisecond)

	assert.False(t, sup.Connected())
	_, ok := sup.Engine()
	assert.False(t, ok)
}
