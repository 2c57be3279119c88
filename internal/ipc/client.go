package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// IPCClient is the client for communicating with the keyrxd daemon
type IPCClient struct {
	mu       sync.RWMutex
	conn     net.Conn
	clientID string
	version  string

	connected atomic.Bool

	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32

	// eventChan is written and closed only by readLoop.
	eventChan chan *Event
	done      chan struct{}
	closeOnce sync.Once

	config ClientConfig
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ClientName:     "keyrxctl",
		ClientVersion:  "dev",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// NewClient creates a new IPC client
func NewClient(cfg ClientConfig) *IPCClient {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &IPCClient{
		pending:   make(map[uint32]chan *Message),
		eventChan: make(chan *Event, 256),
		done:      make(chan struct{}),
		config:    cfg,
	}
}

// Connect dials the daemon and performs the handshake.
func (c *IPCClient) Connect() error {
	c.mu.Lock()
	if c.connected.Load() {
		c.mu.Unlock()
		return nil
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.Dial("unix", c.config.SocketPath)
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return fmt.Errorf("%w (%s)", ErrDaemonNotRunning, c.config.SocketPath)
		}
		return fmt.Errorf("connect: %w", err)
	}

	c.conn = conn
	c.connected.Store(true)
	c.mu.Unlock()

	go c.readLoop(conn)

	if err := c.handshake(); err != nil {
		c.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

// Close closes the connection to the daemon.
func (c *IPCClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		if conn != nil {
			err = conn.Close()
		}
		c.connected.Store(false)
		c.mu.Unlock()

		if conn == nil {
			return
		}
		select {
		case <-c.done:
		case <-time.After(2 * time.Second):
		}
	})
	return err
}

// IsConnected returns whether the client is connected
func (c *IPCClient) IsConnected() bool {
	return c.connected.Load()
}

// ClientID returns the id the server assigned in the handshake.
func (c *IPCClient) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// ServerVersion returns the daemon version reported in the handshake.
func (c *IPCClient) ServerVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Events returns the event channel. It is closed when the connection ends.
func (c *IPCClient) Events() <-chan *Event {
	return c.eventChan
}

// Done is closed when the connection ends.
func (c *IPCClient) Done() <-chan struct{} {
	return c.done
}

func (c *IPCClient) handshake() error {
	var ack HandshakeResponse
	err := c.call(MsgHandshake, &HandshakeRequest{
		ClientVersion:   c.config.ClientVersion,
		ClientName:      c.config.ClientName,
		ProtocolVersion: ProtocolVersion,
	}, MsgHandshakeAck, &ack)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.clientID = ack.ClientID
	c.version = ack.ServerVersion
	c.mu.Unlock()
	return nil
}

// call sends a request and decodes a response of type want into out.
func (c *IPCClient) call(msgType MessageType, payload any, want MessageType, out any) error {
	resp, err := c.request(msgType, payload)
	if err != nil {
		return err
	}

	switch resp.Header.Type {
	case want:
		return Decode(resp.Payload, out)
	case MsgError:
		var errResp ErrorResponse
		if err := Decode(resp.Payload, &errResp); err != nil {
			return fmt.Errorf("decode error response: %w", err)
		}
		return &RemoteError{Code: errResp.Code, Message: errResp.Message}
	default:
		return fmt.Errorf("unexpected response type %s (want %s)", resp.Header.Type, want)
	}
}

func (c *IPCClient) request(msgType MessageType, payload any) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	data, err := Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	reqID := c.nextReqID.Add(1)
	msg := NewMessage(msgType, reqID, data)

	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(msg); err != nil {
		return nil, fmt.Errorf("write message: %w", err)
	}

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-time.After(c.config.RequestTimeout):
		return nil, ErrTimeout
	case <-c.done:
		return nil, ErrConnectionLost
	}
}

func (c *IPCClient) write(msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return msg.Write(c.conn)
}

func (c *IPCClient) readLoop(conn net.Conn) {
	defer func() {
		c.connected.Store(false)

		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()

		close(c.eventChan)
		close(c.done)
	}()

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			return
		}
		c.handleMessage(msg)
	}
}

func (c *IPCClient) handleMessage(msg *Message) {
	switch msg.Header.Type {
	case MsgPing:
		c.write(NewMessage(MsgPong, msg.Header.RequestID, nil))

	case MsgEvent:
		var event Event
		if err := Decode(msg.Payload, &event); err == nil {
			select {
			case c.eventChan <- &event:
			default:
			}
		}

	default:
		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.Header.RequestID]; ok {
			select {
			case ch <- msg:
			default:
			}
		}
		c.pendingMu.Unlock()
	}
}

// High-level API methods

// Ping checks that the daemon answers.
func (c *IPCClient) Ping() error {
	resp, err := c.request(MsgPing, nil)
	if err != nil {
		return err
	}
	if resp.Header.Type != MsgPong {
		return fmt.Errorf("unexpected response type %s", resp.Header.Type)
	}
	return nil
}

// Status requests the daemon status
func (c *IPCClient) Status() (*StatusResponse, error) {
	var status StatusResponse
	if err := c.call(MsgStatusRequest, nil, MsgStatusResponse, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Reload asks the daemon to reload its keymap.
func (c *IPCClient) Reload(req ReloadRequest) (*ReloadResponse, error) {
	var resp ReloadResponse
	if err := c.call(MsgReloadConfig, &req, MsgReloadResponse, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Shutdown asks the daemon to exit.
func (c *IPCClient) Shutdown(reason string) error {
	var ack ShutdownAck
	if err := c.call(MsgShutdown, &ShutdownRequest{Reason: reason}, MsgShutdownAck, &ack); err != nil {
		return err
	}
	if !ack.Accepted {
		return errors.New("shutdown refused")
	}
	return nil
}

// Metrics fetches metrics in "prometheus" or "json" format.
func (c *IPCClient) Metrics(format string) (*MetricsResponse, error) {
	var resp MetricsResponse
	if err := c.call(MsgMetricsRequest, &MetricsRequest{Format: format}, MsgMetricsResponse, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Subscribe starts event delivery on Events. No types means all.
func (c *IPCClient) Subscribe(events ...EventType) error {
	var resp SubscribeResponse
	if err := c.call(MsgSubscribe, &SubscribeRequest{Events: events}, MsgSubscribeResp, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return errors.New("subscription refused")
	}
	return nil
}

// Unsubscribe stops event delivery.
func (c *IPCClient) Unsubscribe() error {
	resp, err := c.request(MsgUnsubscribe, nil)
	if err != nil {
		return err
	}
	if resp.Header.Type != MsgUnsubscribeResp {
		return fmt.Errorf("unexpected response type %s", resp.Header.Type)
	}
	return nil
}
