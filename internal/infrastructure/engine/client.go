package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/pkg/retry"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Config holds the engine client settings.
type Config struct {
	URL         string
	CallTimeout time.Duration
	Retry       retry.Config
}

// engine-side object class names
const (
	classPipeline = "MediaPipeline"
	classWebRtc   = "WebRtcEndpoint"
	classRecorder = "RecorderEndpoint"
	classPlayer   = "PlayerEndpoint"
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcResult struct {
	result json.RawMessage
	err    error
}

// Client speaks JSON-RPC to the media engine over a WebSocket and implements
// ports.MediaEngine. Calls are synchronous for the caller; the transport
// multiplexes them over one connection.
type Client struct {
	conn        *websocket.Conn
	callTimeout time.Duration

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan rpcResult
	nextID    *atomic.Int64

	events chan domain.EngineEvent
	closed *atomic.Bool

	log *zap.SugaredLogger
}

var _ ports.MediaEngine = (*Client)(nil)

// Dial connects to the engine, retrying transient failures with backoff, and
// subscribes to object-created notifications.
func Dial(ctx context.Context, cfg Config, log *zap.SugaredLogger) (*Client, error) {
	var conn *websocket.Conn
	err := retry.Do(ctx, cfg.Retry, func() error {
		c, resp, dialErr := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
		if dialErr != nil {
			return dialErr
		}
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial media engine at %s: %w", cfg.URL, err)
	}

	c := &Client{
		conn:        conn,
		callTimeout: cfg.CallTimeout,
		pending:     make(map[int64]chan rpcResult),
		nextID:      atomic.NewInt64(0),
		events:      make(chan domain.EngineEvent, 64),
		closed:      atomic.NewBool(false),
		log:         log,
	}
	go c.readLoop()

	if _, err := c.call(ctx, "subscribe", map[string]interface{}{"type": "ObjectCreated"}); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to subscribe to engine events: %w", err)
	}
	return c, nil
}

func (c *Client) readLoop() {
	defer func() {
		c.failPending(domain.ErrServiceUnavailable)
		if c.closed.CompareAndSwap(false, true) {
			c.events <- domain.EngineEvent{Kind: domain.EngineDisconnected}
		}
		close(c.events)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				c.log.Warnw("engine connection read failed", "error", err)
			}
			return
		}
		var env rpcEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warnw("malformed engine message", "error", err)
			continue
		}
		if env.Method != "" {
			c.handleNotification(env)
			continue
		}
		if env.ID == nil {
			continue
		}
		c.pendingMu.Lock()
		ch := c.pending[*env.ID]
		delete(c.pending, *env.ID)
		c.pendingMu.Unlock()
		if ch == nil {
			continue
		}
		if env.Error != nil {
			ch <- rpcResult{err: env.Error}
		} else {
			ch <- rpcResult{result: env.Result}
		}
	}
}

func (c *Client) handleNotification(env rpcEnvelope) {
	if env.Method != "onEvent" {
		return
	}
	var params struct {
		Type   string `json:"type"`
		Object struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"object"`
	}
	if err := json.Unmarshal(env.Params, &params); err != nil {
		c.log.Warnw("malformed engine event", "error", err)
		return
	}
	if params.Type != "ObjectCreated" {
		return
	}
	ref := domain.ObjectRef{ID: params.Object.ID}
	if params.Object.Type == classPipeline {
		ref.Type = domain.ObjectPipeline
	} else {
		ref.Type = domain.ObjectEndpoint
	}
	select {
	case c.events <- domain.EngineEvent{Kind: domain.EngineObjectCreated, Object: ref}:
	default:
		c.log.Warnw("engine event dropped, queue full", "object_id", ref.ID)
	}
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- rpcResult{err: err}
		delete(c.pending, id)
	}
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, domain.ErrServiceUnavailable
	}
	id := c.nextID.Inc()
	ch := make(chan rpcResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("engine call %s: %w", method, err)
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case <-timer.C:
		c.dropPending(id)
		return nil, fmt.Errorf("engine call %s timed out after %s", method, c.callTimeout)
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	}
}

// dropPending forgets an abandoned call so the map does not grow until
// disconnect. A response racing in is discarded via the buffered channel.
func (c *Client) dropPending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) CreatePipeline(ctx context.Context, tags map[string]string) (string, error) {
	return c.create(ctx, map[string]interface{}{
		"type": classPipeline,
		"tags": tags,
	})
}

func (c *Client) ReleasePipeline(ctx context.Context, id string) error {
	_, err := c.call(ctx, "release", map[string]interface{}{"object": id})
	return err
}

func (c *Client) PipelineTags(ctx context.Context, id string) (map[string]string, error) {
	return c.describeTags(ctx, id)
}

func (c *Client) CreateEndpoint(ctx context.Context, req domain.EndpointRequest) (string, error) {
	params := map[string]interface{}{
		"type":     endpointClass(req.Kind),
		"pipeline": req.PipelineID,
		"tags":     req.Tags,
	}
	if req.MediaURI != "" {
		params["uri"] = req.MediaURI
	}
	return c.create(ctx, params)
}

func (c *Client) ReleaseEndpoint(ctx context.Context, id string) error {
	_, err := c.call(ctx, "release", map[string]interface{}{"object": id})
	return err
}

func (c *Client) EndpointTags(ctx context.Context, id string) (map[string]string, error) {
	return c.describeTags(ctx, id)
}

func (c *Client) ConnectEndpoints(ctx context.Context, src, dst string) error {
	return c.invoke(ctx, src, "connect", map[string]interface{}{"sink": dst})
}

func (c *Client) ProcessOffer(ctx context.Context, endpointID, offer string) (string, error) {
	raw, err := c.call(ctx, "invoke", map[string]interface{}{
		"object":    endpointID,
		"operation": "processOffer",
		"params":    map[string]interface{}{"offer": offer},
	})
	if err != nil {
		return "", err
	}
	var res struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("malformed processOffer result: %w", err)
	}
	return res.Value, nil
}

func (c *Client) AddCandidate(ctx context.Context, endpointID string, cand webrtc.ICECandidateInit) error {
	return c.invoke(ctx, endpointID, "addIceCandidate", map[string]interface{}{"candidate": cand})
}

func (c *Client) StartRecording(ctx context.Context, endpointID string) error {
	return c.invoke(ctx, endpointID, "record", nil)
}

func (c *Client) StopRecording(ctx context.Context, endpointID string) error {
	return c.invoke(ctx, endpointID, "stopAndWait", nil)
}

func (c *Client) Events() <-chan domain.EngineEvent {
	return c.events
}

// Close tears down the transport. The read loop delivers the disconnect
// event and closes the event channel.
func (c *Client) Close() error {
	c.closed.Store(true)
	return c.conn.Close()
}

func (c *Client) create(ctx context.Context, params map[string]interface{}) (string, error) {
	raw, err := c.call(ctx, "create", params)
	if err != nil {
		return "", err
	}
	var res struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("malformed create result: %w", err)
	}
	return res.ID, nil
}

func (c *Client) invoke(ctx context.Context, objectID, operation string, params interface{}) error {
	callParams := map[string]interface{}{
		"object":    objectID,
		"operation": operation,
	}
	if params != nil {
		callParams["params"] = params
	}
	_, err := c.call(ctx, "invoke", callParams)
	return err
}

func (c *Client) describeTags(ctx context.Context, id string) (map[string]string, error) {
	raw, err := c.call(ctx, "describe", map[string]interface{}{"object": id})
	if err != nil {
		return nil, err
	}
	var res struct {
		Tags map[string]string `json:"tags"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("malformed describe result: %w", err)
	}
	return res.Tags, nil
}

func endpointClass(kind domain.EndpointKind) string {
	switch kind {
	case domain.EndpointRecord:
		return classRecorder
	case domain.EndpointPlay:
		return classPlayer
	default:
		return classWebRtc
	}
}
