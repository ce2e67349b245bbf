// Package ws streams wager events from the signal bus to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/0xrin1/flippening/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Frame formats a client may request with ?format=.
const (
	FormatJSON  = "json"
	FormatProto = "proto"
)

// Config describes the hub's source channel and status snapshot.
type Config struct {
	Channel        string
	Mode           string
	StartedAt      time.Time
	AllowedOrigins []string
}

// Hub fans bus events out to connected clients, each with its own filter.
type Hub struct {
	bus       domain.SignalBus
	channel   string
	mode      string
	startedAt time.Time
	upgrader  websocket.Upgrader
	logger    *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates a Hub reading cfg.Channel from bus.
func NewHub(bus domain.SignalBus, cfg Config, logger *slog.Logger) *Hub {
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	h := &Hub{
		bus:       bus,
		channel:   cfg.Channel,
		mode:      cfg.Mode,
		startedAt: cfg.StartedAt,
		logger:    logger.With(slog.String("component", "ws_hub")),
		clients:   make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Run relays bus messages until ctx is cancelled, then disconnects every
// client.
func (h *Hub) Run(ctx context.Context) error {
	msgs, err := h.bus.Subscribe(ctx, h.channel)
	if err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "ws hub subscribed", slog.String("channel", h.channel))

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return ctx.Err()
		case data, ok := <-msgs:
			if !ok {
				h.logger.WarnContext(ctx, "ws hub subscription closed")
				return nil
			}
			h.Broadcast(data)
		}
	}
}

// Broadcast delivers one JSON event payload to every interested client.
// Slow clients drop the frame.
func (h *Hub) Broadcast(payload []byte) {
	var ev eventFields
	if err := json.Unmarshal(payload, &ev); err != nil {
		h.logger.Warn("ws: undecodable event", slog.String("error", err.Error()))
		return
	}
	frames, err := encodeFrames("event", payload)
	if err != nil {
		h.logger.Warn("ws: encode frame", slog.String("error", err.Error()))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(ev) {
			continue
		}
		select {
		case c.send <- frames[c.format]:
		default:
			h.logger.Warn("ws: dropping event for slow client", slog.Uint64("wager_id", ev.WagerID))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the connection and registers the client.
// GET /ws?format=json|proto
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	format := FormatJSON
	if r.URL.Query().Get("format") == FormatProto {
		format = FormatProto
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		format: format,
		send:   make(chan frame, sendBufferSize),
		filter: newFilter(),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("ws: client connected", slog.Int("clients", n), slog.String("format", format))

	c.sendStatus()
	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("ws: client disconnected", slog.Int("clients", n))
}

// frame is a ready-to-write WebSocket message.
type frame struct {
	kind int
	data []byte
}

// encodeFrames wraps payload in a {"type","payload"} envelope in both wire
// formats.
func encodeFrames(kind string, payload []byte) (map[string]frame, error) {
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, err
	}
	envelope := map[string]any{"type": kind, "payload": body}

	text, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(envelope)
	if err != nil {
		return nil, err
	}
	bin, err := proto.Marshal(st)
	if err != nil {
		return nil, err
	}
	return map[string]frame{
		FormatJSON:  {kind: websocket.TextMessage, data: text},
		FormatProto: {kind: websocket.BinaryMessage, data: bin},
	}, nil
}
