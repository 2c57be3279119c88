// Package ipc provides the control channel between the keyrxd daemon and
// keyrxctl.
//
// The protocol is designed for:
// - Request/response pattern for commands
// - Event streaming of processed key events
// - Protocol versioning for compatibility
//
// Every message is a 16-byte big-endian header followed by a JSON payload.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"keyrxd/internal/metrics"
	"keyrxd/internal/pipeline"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x4B525843 // "KRXC"
)

// MaxPayloadSize bounds a single message payload.
const MaxPayloadSize = 16 * 1024 * 1024

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005
	MsgShutdown     MessageType = 0x0006
	MsgShutdownAck  MessageType = 0x0007

	// Status messages (0x01xx)
	MsgStatusRequest   MessageType = 0x0100
	MsgStatusResponse  MessageType = 0x0101
	MsgMetricsRequest  MessageType = 0x0102
	MsgMetricsResponse MessageType = 0x0103

	// Keymap (0x04xx)
	MsgReloadConfig   MessageType = 0x0404
	MsgReloadResponse MessageType = 0x0405

	// Event streaming (0x05xx)
	MsgSubscribe       MessageType = 0x0500
	MsgSubscribeResp   MessageType = 0x0501
	MsgUnsubscribe     MessageType = 0x0502
	MsgUnsubscribeResp MessageType = 0x0503
	MsgEvent           MessageType = 0x0504
)

var messageNames = map[MessageType]string{
	MsgPing:            "ping",
	MsgPong:            "pong",
	MsgHandshake:       "handshake",
	MsgHandshakeAck:    "handshake_ack",
	MsgError:           "error",
	MsgShutdown:        "shutdown",
	MsgShutdownAck:     "shutdown_ack",
	MsgStatusRequest:   "status",
	MsgStatusResponse:  "status_response",
	MsgMetricsRequest:  "metrics",
	MsgMetricsResponse: "metrics_response",
	MsgReloadConfig:    "reload",
	MsgReloadResponse:  "reload_response",
	MsgSubscribe:       "subscribe",
	MsgSubscribeResp:   "subscribe_response",
	MsgUnsubscribe:     "unsubscribe",
	MsgUnsubscribeResp: "unsubscribe_response",
	MsgEvent:           "event",
}

func (t MessageType) String() string {
	if name, ok := messageNames[t]; ok {
		return name
	}
	return fmt.Sprintf("message(0x%04x)", uint16(t))
}

// EventType identifies the type of streamed event
type EventType uint16

const (
	EventProcessed      EventType = 0x0001
	EventKeymapReloaded EventType = 0x0002
	EventDeviceChanged  EventType = 0x0003
	EventDaemonShutdown EventType = 0x0007
)

// AllEvents is what an empty subscription filter means.
var AllEvents = []EventType{EventProcessed, EventKeymapReloaded, EventDeviceChanged, EventDaemonShutdown}

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// Header flags
const (
	FlagJSON        uint8 = 0x04
	FlagStreamStart uint8 = 0x08
	FlagStreamEnd   uint8 = 0x10
)

// Framing errors.
var (
	ErrBadMagic        = errors.New("invalid magic number")
	ErrVersion         = errors.New("unsupported protocol version")
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to a writer
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	h.put(buf)
	_, err := w.Write(buf)
	return err
}

func (h *Header) put(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("%w: %x", ErrBadMagic, h.Magic)
	}

	if h.Version == 0 || h.Version > ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}

	return h, nil
}

// Write writes header and payload with a single Write call.
func (m *Message) Write(w io.Writer) error {
	m.Header.Length = uint32(len(m.Payload))
	buf := make([]byte, HeaderSize+len(m.Payload))
	m.Header.put(buf)
	copy(buf[HeaderSize:], m.Payload)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayloadSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Request/Response payloads

// HandshakeRequest is sent by the client to initiate connection
type HandshakeRequest struct {
	ClientVersion   string `json:"client_version"`
	ClientName      string `json:"client_name"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse is sent by the server to acknowledge connection
type HandshakeResponse struct {
	ServerVersion   string `json:"server_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
	ClientID        string `json:"client_id"`
}

// ErrorResponse is sent when an operation fails
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrUnknown          = 1
	ErrInvalidRequest   = 2
	ErrNotFound         = 3
	ErrPermissionDenied = 4
	ErrInternalError    = 5
	ErrReloadFailed     = 6
	ErrShuttingDown     = 7
)

// RemoteError is an ErrorResponse surfaced by the client.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("daemon error %d: %s", e.Code, e.Message)
}

// StatusResponse contains daemon status
type StatusResponse struct {
	Version    string            `json:"version"`
	PID        int               `json:"pid"`
	Uptime     time.Duration     `json:"uptime"`
	ConfigPath string            `json:"config_path,omitempty"`
	KeymapPath string            `json:"keymap_path"`
	Clients    int               `json:"clients"`
	Engine     pipeline.Snapshot `json:"engine"`
}

// ReloadRequest reloads the keymap. Data wins over Path; with neither the
// configured keymap file is re-read.
type ReloadRequest struct {
	Path string `json:"path,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// ReloadResponse reports the keymap active after the reload.
type ReloadResponse struct {
	Changed     bool   `json:"changed"`
	Fingerprint string `json:"fingerprint"`
	Keymap      string `json:"keymap"`
}

// ShutdownRequest asks the daemon to exit.
type ShutdownRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ShutdownAck acknowledges a shutdown request before the daemon stops.
type ShutdownAck struct {
	Accepted bool `json:"accepted"`
}

// MetricsRequest requests metrics in "prometheus" (default) or "json".
type MetricsRequest struct {
	Format string `json:"format,omitempty"`
}

// MetricsResponse carries the rendered metrics and the remap summary.
type MetricsResponse struct {
	Format  string          `json:"format"`
	Text    string          `json:"text"`
	Summary metrics.Summary `json:"summary"`
}

// SubscribeRequest requests event subscription
type SubscribeRequest struct {
	Events []EventType `json:"events"` // Empty means all events
}

// SubscribeResponse acknowledges subscription
type SubscribeResponse struct {
	Success        bool   `json:"success"`
	SubscriptionID string `json:"subscription_id"`
}

// Event is a streamed event. Data is decoded by type on the client side.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent encodes data into an Event.
func NewEvent(t EventType, data any) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{Type: t, Timestamp: time.Now().UTC(), Data: raw}, nil
}

// Processed decodes an EventProcessed payload.
func (e *Event) Processed() (pipeline.ProcessedEvent, error) {
	var pe pipeline.ProcessedEvent
	if e.Type != EventProcessed {
		return pe, fmt.Errorf("event type %d is not a processed event", e.Type)
	}
	err := json.Unmarshal(e.Data, &pe)
	return pe, err
}

// Encode encodes a payload to JSON bytes
func Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
