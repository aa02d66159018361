package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

type wireMessage struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel,omitempty"`
	Channels []string        `json:"channels,omitempty"`
	Invite   string          `json:"invite,omitempty"`
	Welcome  string          `json:"welcome,omitempty"`
	Message  json.RawMessage `json:"message,omitempty"`
	Since    uint64          `json:"since,omitempty"`
	Max      int             `json:"max,omitempty"`

	Ok     bool         `json:"ok,omitempty"`
	Error  string       `json:"error,omitempty"`
	Seq    uint64       `json:"seq,omitempty"`
	From   string       `json:"from,omitempty"`
	Origin string       `json:"origin,omitempty"`
	Ts     int64        `json:"ts,omitempty"`
	Events []wireRecord `json:"events,omitempty"`
}

type wireRecord struct {
	Seq     uint64          `json:"seq"`
	Channel string          `json:"channel"`
	From    string          `json:"from"`
	Origin  string          `json:"origin"`
	Message json.RawMessage `json:"message"`
	Ts      int64           `json:"ts"`
}

type client struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	channels map[string]struct{}
}

func (c *client) write(msg wireMessage) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		log.WithError(err).Debugf("failed to write to %s", c.id)
	}
}

func (c *client) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channel]
	return ok
}

type hub struct {
	token    string
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	nextSeq uint64
	log     []wireRecord
}

func newHub(token string) *hub {
	return &hub{
		token:    token,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:  make(map[*client]struct{}),
	}
}

func (h *hub) handleWs(w http.ResponseWriter, r *http.Request) {
	if h.token != "" {
		auth := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if auth != h.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("failed to upgrade connection")
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		id = r.RemoteAddr
	}

	c := &client{id: id, conn: conn, channels: make(map[string]struct{})}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	log.Infof("client %s connected", id)

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		// nolint:all
		conn.Close()
		log.Infof("client %s disconnected", id)
	}()

	for {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		h.dispatch(c, msg)
	}
}

func (h *hub) dispatch(c *client, msg wireMessage) {
	switch msg.Type {
	case "join":
		h.handleJoin(c, msg)
	case "leave":
		h.handleLeave(c, msg)
	case "subscribe":
		h.handleSubscribe(c, msg)
	case "send":
		h.handleSend(c, msg)
	case "fetch":
		h.handleFetch(c, msg)
	default:
		c.write(wireMessage{Type: msg.Type, Error: fmt.Sprintf("unknown type %s", msg.Type)})
	}
}

// handleJoin admits the client to a channel. A real bridge verifies the
// invite and welcome tokens here; the mock admits everyone.
func (h *hub) handleJoin(c *client, msg wireMessage) {
	if msg.Channel == "" {
		c.write(wireMessage{Type: "join", Error: "channel is required"})
		return
	}
	c.mu.Lock()
	c.channels[msg.Channel] = struct{}{}
	c.mu.Unlock()
	log.Debugf("%s joined %s", c.id, msg.Channel)
	c.write(wireMessage{Type: "join", Ok: true, Channel: msg.Channel})
}

func (h *hub) handleLeave(c *client, msg wireMessage) {
	if msg.Channel == "" {
		c.write(wireMessage{Type: "leave", Error: "channel is required"})
		return
	}
	c.mu.Lock()
	delete(c.channels, msg.Channel)
	c.mu.Unlock()
	log.Debugf("%s left %s", c.id, msg.Channel)
	c.write(wireMessage{Type: "leave", Ok: true, Channel: msg.Channel})
}

func (h *hub) handleSubscribe(c *client, msg wireMessage) {
	c.mu.Lock()
	for _, channel := range msg.Channels {
		c.channels[channel] = struct{}{}
	}
	c.mu.Unlock()
	c.write(wireMessage{Type: "subscribe", Ok: true})
}

func (h *hub) handleSend(c *client, msg wireMessage) {
	if msg.Channel == "" || len(msg.Message) == 0 {
		c.write(wireMessage{Type: "send", Error: "channel and message are required"})
		return
	}
	if !c.subscribed(msg.Channel) {
		c.write(wireMessage{Type: "send", Error: "not a member of " + msg.Channel})
		return
	}

	h.mu.Lock()
	h.nextSeq++
	rec := wireRecord{
		Seq:     h.nextSeq,
		Channel: msg.Channel,
		From:    c.id,
		Origin:  c.id,
		Message: msg.Message,
		Ts:      time.Now().UnixMilli(),
	}
	h.log = append(h.log, rec)
	members := make([]*client, 0, len(h.clients))
	for member := range h.clients {
		members = append(members, member)
	}
	h.mu.Unlock()

	c.write(wireMessage{Type: "send", Ok: true, Seq: rec.Seq})

	// Push to every member of the channel, the sender included, so each
	// peer folds the same log.
	for _, member := range members {
		if !member.subscribed(msg.Channel) {
			continue
		}
		member.write(wireMessage{
			Type:    "event",
			Seq:     rec.Seq,
			Channel: rec.Channel,
			From:    rec.From,
			Origin:  rec.Origin,
			Message: rec.Message,
			Ts:      rec.Ts,
		})
	}
}

func (h *hub) handleFetch(c *client, msg wireMessage) {
	h.mu.Lock()
	var out []wireRecord
	for _, rec := range h.log {
		if rec.Seq <= msg.Since {
			continue
		}
		out = append(out, rec)
		if msg.Max > 0 && len(out) >= msg.Max {
			break
		}
	}
	h.mu.Unlock()
	c.write(wireMessage{Type: "fetch", Ok: true, Events: out})
}
