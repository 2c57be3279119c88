package ipc

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"keyrxd/internal/keymap"
	"keyrxd/internal/logging"
	"keyrxd/internal/metrics"
	"keyrxd/internal/pipeline"
)

// Engine is the part of the remapping engine the control channel drives.
type Engine interface {
	Snapshot() pipeline.Snapshot
	ReloadConfig(data []byte) error
	Fingerprint() keymap.Fingerprint
	Config() *keymap.Config
	Subscribe(buffer int) (<-chan pipeline.ProcessedEvent, func())
}

// DaemonHandler answers status, reload and metrics requests.
type DaemonHandler struct {
	engine     Engine
	metrics    *metrics.RemapMetrics
	version    string
	configPath string
	keymapPath string
	readKeymap func(path string) ([]byte, error)
	log        *logging.Logger
	startedAt  time.Time

	mu        sync.RWMutex
	broadcast func(*Event)
	clients   func() int
}

// DaemonHandlerConfig configures the daemon handler.
type DaemonHandlerConfig struct {
	Engine     Engine
	Metrics    *metrics.RemapMetrics
	Version    string
	ConfigPath string

	// KeymapPath is re-read by a reload request that carries neither data
	// nor a path.
	KeymapPath string

	// ReadKeymap turns a path into keymap bytes. Defaults to
	// keymap.ReadEncoded.
	ReadKeymap func(path string) ([]byte, error)

	Logger *logging.Logger
}

// NewDaemonHandler creates a handler for cfg.
func NewDaemonHandler(cfg DaemonHandlerConfig) *DaemonHandler {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	read := cfg.ReadKeymap
	if read == nil {
		read = keymap.ReadEncoded
	}
	return &DaemonHandler{
		engine:     cfg.Engine,
		metrics:    cfg.Metrics,
		version:    cfg.Version,
		configPath: cfg.ConfigPath,
		keymapPath: cfg.KeymapPath,
		readKeymap: read,
		log:        log.WithComponent("control"),
		startedAt:  time.Now(),
	}
}

// Attach connects the handler to the server it serves, for client counts
// and event broadcasts.
func (h *DaemonHandler) Attach(s *Server) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcast = s.Broadcast
	h.clients = s.ClientCount
}

// HandleMessage dispatches one request.
func (h *DaemonHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgStatusRequest:
		return h.handleStatus(msg)
	case MsgReloadConfig:
		return h.handleReload(ctx, client, msg)
	case MsgMetricsRequest:
		return h.handleMetrics(msg)
	default:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "unknown message type "+msg.Header.Type.String()), nil
	}
}

func (h *DaemonHandler) handleStatus(msg *Message) (*Message, error) {
	h.mu.RLock()
	clients := h.clients
	h.mu.RUnlock()

	resp := &StatusResponse{
		Version:    h.version,
		PID:        os.Getpid(),
		Uptime:     time.Since(h.startedAt),
		ConfigPath: h.configPath,
		KeymapPath: h.currentKeymapPath(),
		Engine:     h.engine.Snapshot(),
	}
	if clients != nil {
		resp.Clients = clients()
	}
	return NewResponse(MsgStatusResponse, msg.Header.RequestID, resp)
}

// SetKeymapPath changes the file an empty reload request re-reads.
func (h *DaemonHandler) SetKeymapPath(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keymapPath = path
}

func (h *DaemonHandler) currentKeymapPath() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.keymapPath
}

func (h *DaemonHandler) handleReload(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req ReloadRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid reload request"), nil
	}

	log := h.log.WithContext(ctx).With("client", client.ID)
	data := req.Data
	if len(data) == 0 {
		path := req.Path
		if path == "" {
			path = h.currentKeymapPath()
		}
		var err error
		if data, err = h.readKeymap(path); err != nil {
			log.Warn("reload request failed", "path", path, "error", err)
			return NewErrorMessage(msg.Header.RequestID, ErrReloadFailed, err.Error()), nil
		}
	}

	before := h.engine.Fingerprint()
	if err := h.engine.ReloadConfig(data); err != nil {
		log.Warn("reload request rejected", "error", err)
		return NewErrorMessage(msg.Header.RequestID, ErrReloadFailed, err.Error()), nil
	}
	after := h.engine.Fingerprint()

	resp := &ReloadResponse{
		Changed:     before != after,
		Fingerprint: after.String(),
		Keymap:      h.engine.Config().Metadata.Name,
	}
	if resp.Changed {
		log.Debug("reload applied", "keymap", resp.Keymap, "fingerprint", resp.Fingerprint)
		h.emit(EventKeymapReloaded, resp)
	}
	return NewResponse(MsgReloadResponse, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleMetrics(msg *Message) (*Message, error) {
	var req MetricsRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid metrics request"), nil
	}
	if h.metrics == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotFound, "metrics disabled"), nil
	}

	h.metrics.UpdateUptime()
	format := strings.ToLower(req.Format)
	if format == "" {
		format = "prometheus"
	}

	var buf bytes.Buffer
	var err error
	switch format {
	case "prometheus":
		err = h.metrics.Registry().WritePrometheus(&buf)
	case "json":
		err = h.metrics.Registry().WriteJSON(&buf)
	default:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "unknown metrics format "+req.Format), nil
	}
	if err != nil {
		return nil, err
	}

	return NewResponse(MsgMetricsResponse, msg.Header.RequestID, &MetricsResponse{
		Format:  format,
		Text:    buf.String(),
		Summary: h.metrics.Summary(),
	})
}

// Forward streams processed events from the engine to subscribed clients
// until ctx ends or the engine closes its subscriptions.
func (h *DaemonHandler) Forward(ctx context.Context) {
	events, cancel := h.engine.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case pe, ok := <-events:
			if !ok {
				return
			}
			h.emit(EventProcessed, pe)
		}
	}
}

// NotifyShutdown tells subscribers the daemon is going away.
func (h *DaemonHandler) NotifyShutdown(reason string) {
	h.emit(EventDaemonShutdown, map[string]string{"reason": reason})
}

// NotifyReload tells subscribers about a reload that did not come through
// the control channel.
func (h *DaemonHandler) NotifyReload() {
	h.emit(EventKeymapReloaded, &ReloadResponse{
		Changed:     true,
		Fingerprint: h.engine.Fingerprint().String(),
		Keymap:      h.engine.Config().Metadata.Name,
	})
}

func (h *DaemonHandler) emit(t EventType, data any) {
	h.mu.RLock()
	broadcast := h.broadcast
	h.mu.RUnlock()
	if broadcast == nil {
		return
	}
	ev, err := NewEvent(t, data)
	if err != nil {
		h.log.Debug("event not encoded", "type", t, "error", err)
		return
	}
	broadcast(ev)
}
