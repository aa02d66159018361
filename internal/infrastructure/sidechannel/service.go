package sidechannel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/scambiohq/scambio/internal/core/ports"
)

const (
	defaultTimeout = 10 * time.Second
	// maxEventLog bounds the connection-scoped event buffer; consumers fold
	// by sequence number, so dropping the oldest entries only affects
	// clients that lag more than the buffer length.
	maxEventLog = 4096
)

type bridgeMessage struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel,omitempty"`
	Channels []string        `json:"channels,omitempty"`
	Invite   string          `json:"invite,omitempty"`
	Welcome  string          `json:"welcome,omitempty"`
	Message  json.RawMessage `json:"message,omitempty"`
	Since    uint64          `json:"since,omitempty"`
	Max      int             `json:"max,omitempty"`

	Ok     bool          `json:"ok,omitempty"`
	Error  string        `json:"error,omitempty"`
	Seq    uint64        `json:"seq,omitempty"`
	From   string        `json:"from,omitempty"`
	Origin string        `json:"origin,omitempty"`
	Ts     int64         `json:"ts,omitempty"`
	Events []eventRecord `json:"events,omitempty"`
}

type eventRecord struct {
	Seq     uint64          `json:"seq"`
	Channel string          `json:"channel"`
	From    string          `json:"from"`
	Origin  string          `json:"origin"`
	Message json.RawMessage `json:"message"`
	Ts      int64           `json:"ts"`
}

// service speaks the bridge protocol over one persistent websocket. Each
// request/response pair is correlated by message type; the bridge echoes the
// request type back with an ok/error outcome. When the socket drops, the
// service redials with exponential backoff, rejoins its channels and restores
// its subscriptions; in-flight requests fail and callers retry.
type service struct {
	url   string
	token string

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan bridgeMessage
	events  []ports.ChannelEvent
	lastSeq uint64
	resync  bool
	members map[string]ports.JoinOptions
	subs    map[string]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func NewService(url, token string) (ports.SidechannelService, error) {
	svc := &service{
		url:     url,
		token:   token,
		pending: make(map[string]chan bridgeMessage),
		members: make(map[string]ports.JoinOptions),
		subs:    make(map[string]struct{}),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}

	conn, err := svc.dial()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bridge %s: %w", url, err)
	}
	svc.conn = conn

	go svc.run(conn)
	return svc, nil
}

func (s *service) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(s.url, header)
	return conn, err
}

// run reads from the current connection until it fails, then redials until
// Close is called. Each successful redial restores channel memberships and
// subscriptions in the background.
func (s *service) run(conn *websocket.Conn) {
	defer close(s.done)
	for {
		err := s.readLoop(conn)
		s.failPending(err)

		select {
		case <-s.closed:
			return
		default:
		}
		log.WithError(err).Warn("bridge connection lost, redialing")

		conn, err = s.redial()
		if err != nil {
			return
		}

		s.writeMu.Lock()
		s.conn = conn
		s.writeMu.Unlock()
		s.mu.Lock()
		// Events pushed while disconnected are gone from the local buffer;
		// force the next EventsSince to fetch from the bridge's durable log.
		s.resync = true
		s.mu.Unlock()

		go s.restoreMemberships()
	}
}

func (s *service) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg bridgeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.WithError(err).Debug("dropping unparseable bridge message")
			continue
		}
		if msg.Type == "event" {
			s.appendEvent(ports.ChannelEvent{
				Seq:     msg.Seq,
				Channel: msg.Channel,
				From:    msg.From,
				Origin:  msg.Origin,
				Message: []byte(msg.Message),
				Ts:      msg.Ts,
			})
			continue
		}
		s.deliver(msg)
	}
}

func (s *service) redial() (*websocket.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	for {
		conn, err := s.dial()
		if err == nil {
			return conn, nil
		}
		log.WithError(err).Warn("bridge redial failed")
		select {
		case <-s.closed:
			return nil, err
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (s *service) restoreMemberships() {
	s.mu.Lock()
	members := make(map[string]ports.JoinOptions, len(s.members))
	for ch, opts := range s.members {
		members[ch] = opts
	}
	subs := make([]string, 0, len(s.subs))
	for ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	ctx := context.Background()
	for ch, opts := range members {
		if err := s.Join(ctx, ch, opts); err != nil {
			log.WithError(err).Warnf("failed to rejoin channel %s", ch)
		}
	}
	if len(subs) > 0 {
		if err := s.Subscribe(ctx, subs); err != nil {
			log.WithError(err).Warn("failed to restore subscriptions")
		}
	}
}

// appendEvent inserts by sequence number. Pushed events and fetched backlog
// can interleave after a reconnect, so the buffer tolerates out-of-order
// arrival and drops exact duplicates.
func (s *service) appendEvent(ev ports.ChannelEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.events)
	switch {
	case n == 0 || ev.Seq > s.events[n-1].Seq:
		s.events = append(s.events, ev)
	default:
		i := sort.Search(n, func(i int) bool { return s.events[i].Seq >= ev.Seq })
		if i < n && s.events[i].Seq == ev.Seq {
			return
		}
		s.events = append(s.events, ports.ChannelEvent{})
		copy(s.events[i+1:], s.events[i:])
		s.events[i] = ev
	}
	if ev.Seq > s.lastSeq {
		s.lastSeq = ev.Seq
	}
	if len(s.events) > maxEventLog {
		s.events = s.events[len(s.events)-maxEventLog:]
	}
}

func (s *service) deliver(msg bridgeMessage) {
	s.mu.Lock()
	ch, ok := s.pending[msg.Type]
	if ok {
		delete(s.pending, msg.Type)
	}
	s.mu.Unlock()
	if !ok {
		log.Debugf("no waiter for bridge message type %s", msg.Type)
		return
	}
	ch <- msg
}

func (s *service) failPending(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for typ, ch := range s.pending {
		delete(s.pending, typ)
		ch <- bridgeMessage{Type: typ, Error: err.Error()}
	}
}

// request writes one message and waits for the bridge to echo its type back.
// Only one in-flight request per type is allowed; that is the bridge's own
// correlation contract.
func (s *service) request(ctx context.Context, msg bridgeMessage) (bridgeMessage, error) {
	waiter := make(chan bridgeMessage, 1)

	s.mu.Lock()
	if _, busy := s.pending[msg.Type]; busy {
		s.mu.Unlock()
		return bridgeMessage{}, fmt.Errorf("request %s already in flight", msg.Type)
	}
	s.pending[msg.Type] = waiter
	s.mu.Unlock()

	s.writeMu.Lock()
	err := s.conn.WriteJSON(msg)
	s.writeMu.Unlock()
	if err != nil {
		s.mu.Lock()
		delete(s.pending, msg.Type)
		s.mu.Unlock()
		return bridgeMessage{}, fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}

	timeout := time.NewTimer(defaultTimeout)
	defer timeout.Stop()
	select {
	case resp := <-waiter:
		if resp.Error != "" {
			return bridgeMessage{}, fmt.Errorf("bridge %s failed: %s", msg.Type, resp.Error)
		}
		return resp, nil
	case <-timeout.C:
		s.mu.Lock()
		delete(s.pending, msg.Type)
		s.mu.Unlock()
		return bridgeMessage{}, fmt.Errorf("bridge %s timed out", msg.Type)
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, msg.Type)
		s.mu.Unlock()
		return bridgeMessage{}, ctx.Err()
	}
}

func (s *service) Join(ctx context.Context, channel string, opts ports.JoinOptions) error {
	_, err := s.request(ctx, bridgeMessage{
		Type:    "join",
		Channel: channel,
		Invite:  opts.Invite,
		Welcome: opts.Welcome,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.members[channel] = opts
	s.mu.Unlock()
	return nil
}

func (s *service) Leave(ctx context.Context, channel string) error {
	_, err := s.request(ctx, bridgeMessage{Type: "leave", Channel: channel})
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.members, channel)
	s.mu.Unlock()
	return nil
}

func (s *service) Subscribe(ctx context.Context, channels []string) error {
	_, err := s.request(ctx, bridgeMessage{Type: "subscribe", Channels: channels})
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, ch := range channels {
		s.subs[ch] = struct{}{}
	}
	s.mu.Unlock()
	return nil
}

func (s *service) Send(ctx context.Context, channel string, message []byte) error {
	_, err := s.request(ctx, bridgeMessage{
		Type:    "send",
		Channel: channel,
		Message: json.RawMessage(message),
	})
	return err
}

func (s *service) EventsSince(ctx context.Context, seq uint64, max int) ([]ports.ChannelEvent, error) {
	// Catch up from the bridge's durable log when the local buffer starts
	// after the requested sequence number or a reconnect may have dropped
	// pushes.
	s.mu.Lock()
	needFetch := s.resync || len(s.events) == 0 || s.events[0].Seq > seq+1
	s.mu.Unlock()

	if needFetch {
		resp, err := s.request(ctx, bridgeMessage{Type: "fetch", Since: seq, Max: max})
		if err != nil {
			return nil, err
		}
		for _, rec := range resp.Events {
			s.appendEvent(ports.ChannelEvent{
				Seq:     rec.Seq,
				Channel: rec.Channel,
				From:    rec.From,
				Origin:  rec.Origin,
				Message: []byte(rec.Message),
				Ts:      rec.Ts,
			})
		}
		s.mu.Lock()
		s.resync = false
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ports.ChannelEvent
	for _, ev := range s.events {
		if ev.Seq <= seq {
			continue
		}
		out = append(out, ev)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, nil
}

func (s *service) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
	s.writeMu.Lock()
	// nolint:all
	s.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	// nolint:all
	s.conn.Close()
	s.writeMu.Unlock()
	<-s.done
}
