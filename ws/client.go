package ws

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dex_aggregator/metrics"
)

const (
	HeartbeatInterval = 25 * time.Second
	PongWait          = 60 * time.Second
	WriteWait         = 5 * time.Second
)

// Client is one live connection. Frames queue on a bounded channel; a full
// queue drops the frame rather than stall the router.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool
	lastPong  atomic.Int64

	// Chain rooms joined through subscribe:tokens filters and through
	// subscribe:chain. Only touched from the read pump.
	filterRooms   map[string]bool
	explicitRooms map[string]bool
}

func newClient(conn *websocket.Conn, sendBuf int) *Client {
	c := &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuf),
		done: make(chan struct{}),

		filterRooms:   make(map[string]bool),
		explicitRooms: make(map[string]bool),
	}
	c.lastPong.Store(time.Now().UnixNano())
	return c
}

func (c *Client) ID() string { return c.id }

// Offer queues a frame without blocking.
func (c *Client) Offer(frame []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.conn.Close()
	})
}

// Server upgrades HTTP requests and runs the read and write pumps of every
// connection.
type Server struct {
	Hub      *Hub
	Upgrader websocket.Upgrader
	ctx      context.Context
	log      *zap.SugaredLogger

	PongWait   time.Duration
	PingPeriod time.Duration
	PingJitter time.Duration
	WriteWait  time.Duration
	ReadLimit  int64
}

func NewServer(ctx context.Context, h *Hub, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{
		Hub: h,
		ctx: ctx,
		log: log,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     AllowOrigins(nil),
		},
		PongWait:   PongWait,
		PingPeriod: HeartbeatInterval,
		PingJitter: time.Second,
		WriteWait:  WriteWait,
		ReadLimit:  4 << 10,
	}
}

// AllowOrigins returns an origin check accepting the listed origins. An empty
// list or a "*" entry accepts any origin. Requests without an Origin header
// come from non-browser clients and are accepted.
func AllowOrigins(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return allowed[strings.ToLower(strings.TrimRight(origin, "/"))]
	}
}

func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugw("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newClient(conn, s.Hub.sendBuf)
	if err := s.Hub.add(c); err != nil {
		s.log.Errorw("Rejecting connection", "client_id", c.id, "error", err)
		_ = conn.Close()
		return
	}
	metrics.ConnOpened()
	s.log.Infow("Client connected", "client_id", c.id, "remote", r.RemoteAddr)

	s.Hub.reply(c, kindConnected, connectedPayload{ClientID: c.id, Timestamp: time.Now().UTC()})

	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) readPump(c *Client) {
	defer func() {
		s.Hub.remove(c)
		metrics.ConnClosed()
		s.log.Infow("Client disconnected", "client_id", c.id)
	}()

	c.conn.SetReadLimit(s.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(s.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		return c.conn.SetReadDeadline(time.Now().Add(s.PongWait))
	})

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				s.log.Infow("Client timed out", "client_id", c.id)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
				s.log.Warnw("Error reading message", "client_id", c.id, "error", err)
			}
			return
		}
		s.Hub.handle(c, msg)
	}
}

func (s *Server) writePump(c *Client) {
	first := s.PingPeriod
	if s.PingJitter > 0 {
		first += time.Duration(rand.Int63n(int64(s.PingJitter)))
	}
	ping := time.NewTimer(first)
	defer func() {
		ping.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.log.Debugw("Failed to write frame", "client_id", c.id, "error", err)
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.WriteWait)); err != nil {
				s.log.Debugw("Failed to send heartbeat", "client_id", c.id, "error", err)
				return
			}
			ping.Reset(s.PingPeriod)
		case <-c.done:
			return
		case <-s.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(s.WriteWait))
			return
		}
	}
}
