package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"keyrxd/internal/logging"
)

// ErrPeerRejected is returned by VerifyPeer for a connection from another user.
var ErrPeerRejected = errors.New("peer is not the daemon user")

// Handler processes IPC messages
type Handler interface {
	// HandleMessage processes a message and returns a response
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, client *Client, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	return f(ctx, client, msg)
}

// Server is the IPC server that manages client connections
type Server struct {
	mu          sync.RWMutex
	listener    net.Listener
	cfg         ServerConfig
	handler     Handler
	clients     map[string]*Client
	subscribers map[string]*subscription
	startedAt   time.Time
	log         *logging.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextRequestID atomic.Uint32

	eventChan chan *Event
}

// Client represents a connected client
type Client struct {
	mu           sync.Mutex
	ID           string
	conn         net.Conn
	Peer         *PeerCredentials
	Version      string
	Name         string
	ConnectedAt  time.Time
	LastActivity time.Time

	writeMu sync.Mutex
}

type subscription struct {
	clientID string
	events   map[EventType]bool
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath     string
	Version        string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int

	// OnShutdown runs after a ShutdownAck has been written to the
	// requesting client.
	OnShutdown func(reason string)

	// VerifyPeer rejects connections before any message is read.
	// Defaults to a same-user check where the platform supports one.
	VerifyPeer func(net.Conn) (*PeerCredentials, error)

	Logger *logging.Logger
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig(socketPath string) ServerConfig {
	return ServerConfig{
		SocketPath:     socketPath,
		Version:        "dev",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   5 * time.Second,
		MaxConnections: 8,
		VerifyPeer:     VerifyPeer,
	}
}

// NewServer creates a new IPC server
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("ipc: socket path required")
	}
	defaults := DefaultServerConfig(cfg.SocketPath)
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaults.MaxConnections
	}
	if cfg.VerifyPeer == nil {
		cfg.VerifyPeer = defaults.VerifyPeer
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:         cfg,
		handler:     handler,
		clients:     make(map[string]*Client),
		subscribers: make(map[string]*subscription),
		log:         log.WithComponent("ipc"),
		ctx:         ctx,
		cancel:      cancel,
		eventChan:   make(chan *Event, 256),
	}, nil
}

// Start begins listening for connections
func (s *Server) Start() error {
	socketDir := filepath.Dir(s.cfg.SocketPath)
	if err := os.MkdirAll(socketDir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if IsSocketListening(s.cfg.SocketPath) {
		return fmt.Errorf("another daemon is listening on %s", s.cfg.SocketPath)
	}
	if err := CleanupSocket(s.cfg.SocketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	if err := SetSocketPermissions(s.cfg.SocketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(1)
	go s.eventBroadcaster()

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info("control socket listening", "path", s.cfg.SocketPath)
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, client := range s.clients {
		client.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("control server stop timed out")
	}

	os.Remove(s.cfg.SocketPath)
	return nil
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// StartedAt returns when the server started listening.
func (s *Server) StartedAt() time.Time {
	return s.startedAt
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast sends an event to all subscribed clients. It never blocks;
// events are dropped when the broadcast queue is full.
func (s *Server) Broadcast(event *Event) {
	if !s.running.Load() {
		return
	}
	select {
	case s.eventChan <- event:
	default:
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		peer, err := s.cfg.VerifyPeer(conn)
		if err != nil {
			s.log.Warn("rejected control connection", "error", err)
			s.reject(conn, ErrPermissionDenied, "permission denied")
			continue
		}

		s.mu.RLock()
		count := len(s.clients)
		s.mu.RUnlock()

		if count >= s.cfg.MaxConnections {
			s.reject(conn, ErrUnknown, "too many connections")
			continue
		}

		client := &Client{
			ID:           uuid.NewString(),
			conn:         conn,
			Peer:         peer,
			ConnectedAt:  time.Now(),
			LastActivity: time.Now(),
		}

		s.mu.Lock()
		s.clients[client.ID] = client
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(client)
	}
}

func (s *Server) reject(conn net.Conn, code int, message string) {
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	NewErrorMessage(0, code, message).Write(conn)
	conn.Close()
}

func (s *Server) handleConnection(client *Client) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		delete(s.subscribers, client.ID)
		s.mu.Unlock()
		client.conn.Close()
	}()

	for {
		if s.ctx.Err() != nil {
			return
		}

		client.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		msg, err := ReadMessage(client.conn)
		if err != nil {
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// Idle clients are pinged; a dead peer fails the write.
				if s.sendPing(client) != nil {
					return
				}
				continue
			}
			s.log.Debug("control connection closed", "client", client.ID, "error", err)
			return
		}

		client.mu.Lock()
		client.LastActivity = time.Now()
		client.mu.Unlock()

		response, err := s.processMessage(client, msg)
		if err != nil {
			response = NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error())
		}

		if response != nil {
			if err := s.sendMessage(client, response); err != nil {
				return
			}
		}

		if msg.Header.Type == MsgShutdown && response != nil && response.Header.Type == MsgShutdownAck {
			var req ShutdownRequest
			Decode(msg.Payload, &req)
			if req.Reason == "" {
				req.Reason = "control request"
			}
			if s.cfg.OnShutdown != nil {
				s.cfg.OnShutdown(req.Reason)
			}
		}
	}
}

func (s *Server) processMessage(client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil

	case MsgPong:
		return nil, nil

	case MsgHandshake:
		return s.handleHandshake(client, msg)

	case MsgSubscribe:
		return s.handleSubscribe(client, msg)

	case MsgUnsubscribe:
		s.mu.Lock()
		delete(s.subscribers, client.ID)
		s.mu.Unlock()
		return NewMessage(MsgUnsubscribeResp, msg.Header.RequestID, nil), nil

	case MsgShutdown:
		if s.cfg.OnShutdown == nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "shutdown not supported"), nil
		}
		s.log.Info("shutdown requested over control socket", "client", client.ID)
		return NewResponse(MsgShutdownAck, msg.Header.RequestID, &ShutdownAck{Accepted: true})

	default:
		if s.handler != nil {
			ctx := logging.ContextWithRequestID(s.ctx, fmt.Sprintf("%s/%d", client.ID, msg.Header.RequestID))
			return s.handler.HandleMessage(ctx, client, msg)
		}
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "no handler"), nil
	}
}

func (s *Server) handleHandshake(client *Client, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid handshake"), nil
	}
	if req.ProtocolVersion > ProtocolVersion {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("protocol version %d not supported", req.ProtocolVersion)), nil
	}

	client.mu.Lock()
	client.Version = req.ClientVersion
	client.Name = req.ClientName
	client.mu.Unlock()

	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, &HandshakeResponse{
		ServerVersion:   s.cfg.Version,
		ProtocolVersion: ProtocolVersion,
		ClientID:        client.ID,
	})
}

func (s *Server) handleSubscribe(client *Client, msg *Message) (*Message, error) {
	var req SubscribeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid subscribe request"), nil
	}

	events := req.Events
	if len(events) == 0 {
		events = AllEvents
	}
	sub := &subscription{clientID: client.ID, events: make(map[EventType]bool, len(events))}
	for _, et := range events {
		sub.events[et] = true
	}

	s.mu.Lock()
	s.subscribers[client.ID] = sub
	s.mu.Unlock()

	return NewResponse(MsgSubscribeResp, msg.Header.RequestID, &SubscribeResponse{
		Success:        true,
		SubscriptionID: client.ID,
	})
}

// eventBroadcaster delivers events in order. A client that cannot keep up
// is disconnected by the write deadline.
func (s *Server) eventBroadcaster() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case event := <-s.eventChan:
			payload, err := Encode(event)
			if err != nil {
				continue
			}

			s.mu.RLock()
			var targets []*Client
			for clientID, sub := range s.subscribers {
				if sub.events[event.Type] {
					if client, ok := s.clients[clientID]; ok {
						targets = append(targets, client)
					}
				}
			}
			s.mu.RUnlock()

			for _, client := range targets {
				msg := NewMessage(MsgEvent, s.nextRequestID.Add(1), payload)
				if err := s.sendMessage(client, msg); err != nil {
					client.conn.Close()
				}
			}
		}
	}
}

func (s *Server) sendMessage(client *Client, msg *Message) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	client.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return msg.Write(client.conn)
}

func (s *Server) sendPing(client *Client) error {
	return s.sendMessage(client, NewMessage(MsgPing, s.nextRequestID.Add(1), nil))
}
