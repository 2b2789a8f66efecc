package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/internal/infrastructure/middleware"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type connection struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// Server terminates participant WebSocket connections, feeds inbound
// messages to the router and implements the connection-registry and
// outbound-messaging collaborator interfaces.
type Server struct {
	router interface {
		Handle(ctx context.Context, connID domain.ConnID, msg domain.Message)
		Remove(ctx context.Context, connID domain.ConnID)
	}
	rooms ports.RoomDirectory

	mu        sync.RWMutex
	conns     map[domain.ConnID]*connection
	clients   map[domain.ConnID]*domain.Client
	bySession map[domain.SessionID]domain.ConnID

	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration

	msgRate  rate.Limit
	msgBurst int

	logger *zap.SugaredLogger
}

var (
	_ ports.ClientManager = (*Server)(nil)
	_ ports.Messenger     = (*Server)(nil)
)

type Options struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	MsgRate      float64 // messages per second per connection, 0 disables
	MsgBurst     int
}

func NewServer(rooms ports.RoomDirectory, opts Options, logger *zap.SugaredLogger) *Server {
	if opts.PingInterval == 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongTimeout == 0 {
		opts.PongTimeout = 60 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Server{
		rooms:        rooms,
		conns:        make(map[domain.ConnID]*connection),
		clients:      make(map[domain.ConnID]*domain.Client),
		bySession:    make(map[domain.SessionID]domain.ConnID),
		pingInterval: opts.PingInterval,
		pongTimeout:  opts.PongTimeout,
		writeTimeout: opts.WriteTimeout,
		msgRate:      rate.Limit(opts.MsgRate),
		msgBurst:     opts.MsgBurst,
		logger:       logger,
	}
}

// SetRouter wires the message router; called once during startup.
func (s *Server) SetRouter(r interface {
	Handle(ctx context.Context, connID domain.ConnID, msg domain.Message)
	Remove(ctx context.Context, connID domain.ConnID)
}) {
	s.router = r
}

// HandleWebSocket upgrades the request and services the connection until it
// closes. Authenticated participants join their room; connections without a
// room are treated as anonymous test connections.
func (s *Server) HandleWebSocket(c *gin.Context) {
	claims := middleware.ClaimsFrom(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	client, err := s.register(c.Request.Context(), claims)
	if err != nil {
		s.logger.Warnw("failed to register connection", "error", err)
		return
	}
	connID := client.ID

	s.mu.Lock()
	s.conns[connID] = &connection{ws: conn}
	s.mu.Unlock()
	s.logger.Infow("connection established", "conn_id", connID, "room_id", client.RoomID)

	conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan domain.Message, 10)
	errorChan := make(chan error, 1)
	// Closed when the serve loop exits so the reader never blocks on a full
	// message channel nobody drains anymore.
	done := make(chan struct{})
	defer close(done)

	go s.readPump(conn, messageChan, errorChan, done)

	var limiter *rate.Limiter
	if s.msgRate > 0 {
		limiter = rate.NewLimiter(s.msgRate, s.msgBurst)
	}

	for {
		select {
		case msg := <-messageChan:
			if limiter != nil && !limiter.Allow() {
				s.logger.Warnw("message rate limit exceeded", "conn_id", connID, "command", msg.ID)
				continue
			}
			s.router.Handle(c.Request.Context(), connID, msg)

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "conn_id", connID, "error", err)
				s.cleanup(connID, client)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading message", "conn_id", connID, "error", err)
			}
			s.cleanup(connID, client)
			return
		}
	}
}

// readPump reads inbound frames until the connection errors or the serve
// loop signals it is gone.
func (s *Server) readPump(conn *websocket.Conn, msgs chan<- domain.Message, errs chan<- error, done <-chan struct{}) {
	for {
		var msg domain.Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case errs <- err:
			case <-done:
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
		select {
		case msgs <- msg:
		case <-done:
			return
		}
	}
}

func (s *Server) register(ctx context.Context, claims *middleware.Claims) (*domain.Client, error) {
	var (
		room *domain.Room
		err  error
	)
	connID := domain.ConnID(uuid.NewString())
	sid := domain.SessionID(uuid.NewString())
	var userID domain.UserID

	if claims != nil {
		if claims.UID != "" {
			connID = domain.ConnID(claims.UID)
		}
		if claims.SID != "" {
			sid = domain.SessionID(claims.SID)
		}
		userID = domain.UserID(claims.Subject)
		if claims.Room != "" {
			room, err = s.rooms.Room(ctx, domain.RoomID(claims.Room))
			if err != nil {
				return nil, err
			}
		}
	}

	client := domain.NewClient(connID, sid, userID, room)
	if claims != nil {
		for _, r := range claims.Rights {
			client.Allow(domain.Right(r))
		}
	}

	s.mu.Lock()
	s.clients[connID] = client
	s.bySession[sid] = connID
	s.mu.Unlock()
	return client, nil
}

func (s *Server) cleanup(connID domain.ConnID, client *domain.Client) {
	s.router.Remove(context.Background(), connID)

	s.mu.Lock()
	delete(s.conns, connID)
	delete(s.clients, connID)
	delete(s.bySession, client.SID)
	s.mu.Unlock()
	s.logger.Infow("connection closed", "conn_id", connID)
}

func (s *Server) Get(id domain.ConnID) (*domain.Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	return c, ok
}

func (s *Server) BySession(sid domain.SessionID) (*domain.Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySession[sid]
	if !ok {
		return nil, false
	}
	c, ok := s.clients[id]
	return c, ok
}

func (s *Server) ListByRoom(room domain.RoomID) []*domain.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Client
	for _, c := range s.clients {
		if c.RoomID == room {
			out = append(out, c)
		}
	}
	return out
}

// Update is a no-op for the in-memory registry: clients are shared pointers.
// The method exists so a distributed registry can persist the change.
func (s *Server) Update(c *domain.Client) {}

func (s *Server) SendToClient(id domain.ConnID, msg domain.Message) {
	s.mu.RLock()
	conn := s.conns[id]
	s.mu.RUnlock()
	if conn == nil {
		return
	}
	s.write(id, conn, msg)
}

func (s *Server) SendToRoom(room domain.RoomID, msg domain.Message) {
	s.mu.RLock()
	targets := make(map[domain.ConnID]*connection)
	for id, c := range s.clients {
		if c.RoomID == room {
			if conn := s.conns[id]; conn != nil {
				targets[id] = conn
			}
		}
	}
	s.mu.RUnlock()
	for id, conn := range targets {
		s.write(id, conn, msg)
	}
}

func (s *Server) SendToAll(msg domain.Message) {
	s.mu.RLock()
	targets := make(map[domain.ConnID]*connection, len(s.conns))
	for id, conn := range s.conns {
		targets[id] = conn
	}
	s.mu.RUnlock()
	for id, conn := range targets {
		s.write(id, conn, msg)
	}
}

func (s *Server) write(id domain.ConnID, conn *connection, msg domain.Message) {
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	conn.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := conn.ws.WriteJSON(msg); err != nil {
		s.logger.Warnw("failed to send message", "conn_id", id, "command", msg.ID, "error", err)
	}
}
