// Package ws serves UI consumers over WebSocket. It upgrades HTTP
// connections, multiplexes reads with epoll, evicts dead connections and
// hands complete text frames to a message callback.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roomchat/chat-app/internal/metrics"
	"github.com/roomchat/chat-app/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server is the WebSocket server built on gobwas/ws and epoll. Ready
// connections are dispatched to a bounded worker pool for frame reading.
type Server struct {
	config     ServerConfig
	log        *zap.SugaredLogger
	epoll      *Epoll
	conns      *ConnectionManager
	workerPool chan struct{}
	httpServer *http.Server
	done       chan struct{}
	stopOnce   sync.Once
	startedAt  time.Time

	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection)
	onDisconnect func(conn *Connection)
	admit        func(r *http.Request) bool
	routes       map[string]http.Handler
}

// NewServer creates a Server. onMessage is called from a worker goroutine
// for every complete text frame.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte), log *zap.SugaredLogger) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}
	return &Server{
		config:     config,
		log:        log.Named("ws"),
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// SetOnConnect registers a callback invoked after a connection has been
// registered and greeted with session_created.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked once when a connection is
// removed, whatever the cause.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// SetAdmission registers a check run before each upgrade. Requests it
// rejects get 429.
func (s *Server) SetAdmission(fn func(r *http.Request) bool) {
	s.admit = fn
}

// Handle registers an extra HTTP route served next to /ws. It must be
// called before Serve.
func (s *Server) Handle(pattern string, h http.Handler) {
	if s.routes == nil {
		s.routes = make(map[string]http.Handler)
	}
	s.routes[pattern] = h
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(l)
}

// Serve accepts WebSocket upgrades on l. It starts the event loop and the
// heartbeat and blocks until the HTTP server stops.
func (s *Server) Serve(l net.Listener) error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	for pattern, h := range s.routes {
		mux.Handle(pattern, h)
	}

	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go s.startEventLoop()
	s.startHeartbeat(s.config.Heartbeat)

	s.log.Infow("server listening",
		"addr", l.Addr().String(),
		"workers", s.config.WorkerPoolSize,
		"max_conns", s.config.MaxConnections,
	)

	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request with the gobwas zero-copy upgrader
// and registers the connection with the manager and epoll.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if s.admit != nil && !s.admit(r) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debugw("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &Connection{
		ID:         uuid.New().String(),
		Conn:       s.epoll.Wrap(conn),
		Fd:         socketFD(conn),
		RemoteAddr: r.RemoteAddr,
		CreatedAt:  time.Now(),
	}
	c.Touch()

	// Greet before epoll can report the connection so session_created is
	// always the first frame the client sees.
	if err := s.write(c, mustServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{SessionID: c.ID})); err != nil {
		s.log.Debugw("session_created failed", "session", c.ID, "error", err)
		conn.Close()
		return
	}

	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()
	if s.onConnect != nil {
		s.onConnect(c)
	}
	if err := s.epoll.Add(c.Conn); err != nil {
		s.log.Warnw("epoll add failed", "session", c.ID, "error", err)
		s.RemoveConnection(c)
		return
	}

	s.log.Debugw("new connection", "session", c.ID, "fd", c.Fd, "total", s.conns.Count())
}

// handleHealth reports the connection count and uptime as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop waits on epoll and hands each ready connection to a
// worker, blocking when the pool is full.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			s.log.Warnw("epoll wait error", "error", err)
			continue
		}

		for _, conn := range conns {
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. Control frames are
// handled inline; a read failure removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll may report a connection that is already being read.
	if !c.processing.CompareAndSwap(false, true) {
		return
	}
	defer func() {
		c.processing.Store(false)
		s.epoll.Rearm(netConn)
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout means the dispatch was stale; the heartbeat handles dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 || header.OpCode != ws.OpText {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection unregisters and closes c. Only the first call for a
// connection runs the disconnect callback.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	s.log.Debugw("connection closed", "session", c.ID, "total", s.conns.Count())
}

// SendMessage writes a text frame to the connection identified by connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return s.write(c, data)
}

func (s *Server) write(c *Connection, data []byte) error {
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := c.WriteMessage(data)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the listener, closes every connection and releases epoll.
// Disconnect callbacks run for every live connection.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.log.Info("shutting down server")
		close(s.done)

		if s.httpServer != nil {
			if herr := s.httpServer.Shutdown(ctx); herr != nil {
				err = fmt.Errorf("ws: http shutdown: %w", herr)
			}
		}

		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}

		if s.epoll != nil {
			_ = s.epoll.Close()
		}
		s.log.Info("server stopped")
	})
	return err
}

// mustServerMessage encodes a payload known to marshal.
func mustServerMessage(msgType string, payload interface{}) []byte {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return data
}

// isEINTR reports whether err is an interrupted system call, which epoll
// returns during signal delivery.
func isEINTR(err error) bool {
	return errors.Is(err, syscall.EINTR)
}
