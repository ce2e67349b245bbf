package ws

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// eventFields are the parts of an event message used for filtering.
type eventFields struct {
	Kind    string `json:"kind"`
	WagerID uint64 `json:"wager_id"`
	Creator string `json:"creator"`
	Guesser string `json:"guesser"`
}

// filter selects which events a client receives. With no wagers or parties
// listed, every event matches.
type filter struct {
	mu      sync.RWMutex
	wagers  map[uint64]struct{}
	parties map[string]struct{}
}

func newFilter() *filter {
	return &filter{wagers: make(map[uint64]struct{}), parties: make(map[string]struct{})}
}

// subscribeMsg is a client control message, e.g.
// {"action":"subscribe","wagers":[3],"parties":["0xabc..."]}.
type subscribeMsg struct {
	Action  string   `json:"action"`
	Wagers  []uint64 `json:"wagers"`
	Parties []string `json:"parties"`
}

func (f *filter) apply(msg subscribeMsg) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, id := range msg.Wagers {
			f.wagers[id] = struct{}{}
		}
		for _, p := range msg.Parties {
			f.parties[strings.ToLower(p)] = struct{}{}
		}
	case "unsubscribe":
		for _, id := range msg.Wagers {
			delete(f.wagers, id)
		}
		for _, p := range msg.Parties {
			delete(f.parties, strings.ToLower(p))
		}
	case "reset":
		clear(f.wagers)
		clear(f.parties)
	}
}

func (f *filter) matches(ev eventFields) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.wagers) == 0 && len(f.parties) == 0 {
		return true
	}
	if _, ok := f.wagers[ev.WagerID]; ok {
		return true
	}
	for _, p := range []string{ev.Creator, ev.Guesser} {
		if _, ok := f.parties[strings.ToLower(p)]; ok && p != "" {
			return true
		}
	}
	return false
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	format string
	send   chan frame
	filter *filter
}

func (c *client) wants(ev eventFields) bool {
	return c.filter.matches(ev)
}

// sendStatus queues a hello frame so clients can mark the stream live
// before any event arrives.
func (c *client) sendStatus() {
	status, err := json.Marshal(map[string]any{
		"mode":           c.hub.mode,
		"channel":        c.hub.channel,
		"uptime_seconds": int64(time.Since(c.hub.startedAt).Seconds()),
	})
	if err != nil {
		return
	}
	frames, err := encodeFrames("status", status)
	if err != nil {
		return
	}
	select {
	case c.send <- frames[c.format]:
	default:
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg subscribeMsg
		if err := json.Unmarshal(message, &msg); err == nil && msg.Action != "" {
			c.filter.apply(msg)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(f.kind, f.data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
