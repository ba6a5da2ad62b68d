package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"buzzconnect/database"
	"buzzconnect/metrics"
	"buzzconnect/middleware"
	"buzzconnect/models"
	"buzzconnect/presence"
)

const (
	writeWait      = 10 * time.Second
	maxFrameSize   = 64 * 1024
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // native clients send no Origin
	},
}

// MirrorStore is the document storage behind the realtime side-channel.
type MirrorStore interface {
	PutMirror(ctx context.Context, msg models.Message) (models.Message, error)
	MirrorBetween(ctx context.Context, a, b string) ([]models.Message, error)
	MarkMirrorRead(ctx context.Context, sender, receiver string) ([]models.Message, error)
}

// Client is one realtime connection.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	gone    chan struct{} // closed when the hub drops the client
	user    string
	limiter *rate.Limiter

	// guarded by hub.mu
	topics   map[string]struct{}
	typingTo map[string]struct{}
}

type broadcastPayload struct {
	topic string
	data  []byte
}

// Hub fans realtime frames out to the connections subscribed to a topic.
// Topics are conversation pair keys and presence keys.
type Hub struct {
	mirror   MirrorStore
	presence presence.Store
	metrics  *metrics.HTTP
	log      zerolog.Logger
	rate     rate.Limit
	burst    int

	register   chan *Client
	unregister chan *Client
	broadcast  chan broadcastPayload
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*Client]struct{}
	topics  map[string]map[*Client]struct{}
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithRateLimit limits inbound frames per connection.
func WithRateLimit(perSecond float64, burst int) HubOption {
	return func(h *Hub) {
		h.rate = rate.Limit(perSecond)
		h.burst = burst
	}
}

// NewHub creates a hub. Run must be started before connections are accepted.
func NewHub(mirror MirrorStore, p presence.Store, m *metrics.HTTP, log zerolog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		mirror:     mirror,
		presence:   p,
		metrics:    m,
		log:        log,
		rate:       20,
		burst:      40,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan broadcastPayload, 256),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		topics:     make(map[string]map[*Client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func pairTopic(a, b string) string { return "pair:" + models.PairKey(a, b) }

func presenceTopic(typist, peer string) string { return "presence:" + models.PresenceKey(typist, peer) }

// Run processes registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.dropLocked(c)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			h.metrics.OpenSockets.Inc()
			h.log.Debug().Str("user", client.user).Msg("realtime client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client]
			var typingTo []string
			if ok {
				for peer := range client.typingTo {
					typingTo = append(typingTo, peer)
				}
				h.dropLocked(client)
			}
			h.mu.Unlock()
			if ok {
				h.log.Debug().Str("user", client.user).Msg("realtime client disconnected")
				// A typist that vanishes mid-word stops typing for its peers.
				for _, peer := range typingTo {
					h.setPresence(ctx, client.user, peer, false)
				}
			}

		case payload := <-h.broadcast:
			h.mu.RLock()
			var slow []*Client
			for client := range h.topics[payload.topic] {
				select {
				case client.send <- payload.data:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()

			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					h.dropLocked(client)
				}
				h.mu.Unlock()
			}
		}
	}
}

// dropLocked removes a client and stops its write pump. h.mu must be held.
func (h *Hub) dropLocked(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for topic := range c.topics {
		h.leaveLocked(c, topic)
	}
	close(c.gone)
	h.metrics.OpenSockets.Dec()
}

func (h *Hub) join(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Client]struct{})
		h.topics[topic] = subs
	}
	subs[c] = struct{}{}
	c.topics[topic] = struct{}{}
}

func (h *Hub) leave(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, topic)
}

func (h *Hub) leaveLocked(c *Client, topic string) {
	delete(c.topics, topic)
	if subs, ok := h.topics[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// publish sends a frame to every subscriber of topic.
func (h *Hub) publish(topic string, frame models.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.log.Error().Err(err).Str("type", frame.Type).Msg("encode frame")
		return
	}
	select {
	case h.broadcast <- broadcastPayload{topic: topic, data: data}:
	case <-h.done:
	}
}

func (h *Hub) setPresence(ctx context.Context, typist, peer string, typing bool) {
	if err := h.presence.Set(ctx, typist, peer, typing); err != nil {
		h.log.Warn().Err(err).Str("user", typist).Str("peer", peer).Msg("write presence")
	}
	frame, _ := models.NewFrame(models.FramePresence, models.PresencePayload{User: typist, Peer: peer, Typing: typing})
	data, _ := json.Marshal(frame)

	// Called from Run as well, so deliver without going through the broadcast channel.
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.topics[presenceTopic(typist, peer)] {
		select {
		case client.send <- data:
		default:
		}
	}
}

// HandleWebSocket upgrades an authenticated request to a realtime connection.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	user := middleware.CurrentUser(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}

	client := &Client{
		hub:      s.hub,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		gone:     make(chan struct{}),
		user:     user.Username,
		limiter:  rate.NewLimiter(s.hub.rate, s.hub.burst),
		topics:   make(map[string]struct{}),
		typingTo: make(map[string]struct{}),
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxFrameSize)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn().Err(err).Str("user", c.user).Msg("websocket read")
			}
			return
		}

		if !c.limiter.Allow() {
			c.reject("rate", "rate limit exceeded")
			continue
		}

		var frame models.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.reject("decode", "invalid frame")
			continue
		}
		c.handle(frame)
	}
}

func (c *Client) handle(frame models.Frame) {
	ctx := context.Background()
	h := c.hub

	switch frame.Type {
	case models.FrameSubscribe, models.FrameUnsubscribe:
		var p models.SubscribePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.UserA == "" || p.UserB == "" {
			c.reject("decode", "invalid subscribe payload")
			return
		}
		if c.user != p.UserA && c.user != p.UserB {
			c.reject("forbidden", "not a participant")
			return
		}
		topic := pairTopic(p.UserA, p.UserB)
		if frame.Type == models.FrameUnsubscribe {
			h.leave(c, topic)
			return
		}
		h.join(c, topic)
		docs, err := h.mirror.MirrorBetween(ctx, p.UserA, p.UserB)
		if err != nil {
			h.log.Warn().Err(err).Str("user", c.user).Msg("read mirror snapshot")
			return
		}
		for _, doc := range docs {
			if !c.deliver(models.FrameMessage, doc) {
				return
			}
		}

	case models.FramePublish:
		var msg models.Message
		if err := json.Unmarshal(frame.Payload, &msg); err != nil {
			c.reject("decode", "invalid message")
			return
		}
		if msg.Sender != c.user {
			c.reject("forbidden", "cannot publish as another user")
			return
		}
		doc, err := h.mirror.PutMirror(ctx, msg)
		if errors.Is(err, database.ErrConflict) {
			c.reject("conflict", "message id already in use")
			return
		}
		if err != nil {
			h.log.Warn().Err(err).Str("id", msg.ID).Msg("store mirror document")
			c.reject("store", "could not store message")
			return
		}
		if f, err := models.NewFrame(models.FrameMessage, doc); err == nil {
			h.publish(pairTopic(doc.Sender, doc.Receiver), f)
		}

	case models.FramePresence:
		var p models.PresencePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.Peer == "" {
			c.reject("decode", "invalid presence payload")
			return
		}
		if p.User != c.user {
			c.reject("forbidden", "cannot set presence of another user")
			return
		}
		h.mu.Lock()
		if p.Typing {
			c.typingTo[p.Peer] = struct{}{}
		} else {
			delete(c.typingTo, p.Peer)
		}
		h.mu.Unlock()
		h.setPresence(ctx, p.User, p.Peer, p.Typing)

	case models.FrameObservePresence, models.FrameUnobservePresence:
		var p models.PresencePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.User == "" {
			c.reject("decode", "invalid presence payload")
			return
		}
		if p.Peer != c.user {
			c.reject("forbidden", "can only observe presence addressed to you")
			return
		}
		topic := presenceTopic(p.User, p.Peer)
		if frame.Type == models.FrameUnobservePresence {
			h.leave(c, topic)
			return
		}
		h.join(c, topic)
		typing, err := h.presence.Get(ctx, p.User, p.Peer)
		if err != nil {
			h.log.Warn().Err(err).Str("user", p.User).Msg("read presence")
			typing = false
		}
		c.deliver(models.FramePresence, models.PresencePayload{User: p.User, Peer: p.Peer, Typing: typing})

	case models.FrameMarkRead:
		var p models.MarkReadPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.Sender == "" {
			c.reject("decode", "invalid mark_read payload")
			return
		}
		if p.Receiver != c.user {
			c.reject("forbidden", "only the receiver can mark read")
			return
		}
		changed, err := h.mirror.MarkMirrorRead(ctx, p.Sender, p.Receiver)
		if err != nil {
			h.log.Warn().Err(err).Str("user", c.user).Msg("mark mirror read")
			c.reject("store", "could not mark read")
			return
		}
		topic := pairTopic(p.Sender, p.Receiver)
		for _, doc := range changed {
			if f, err := models.NewFrame(models.FrameMessage, doc); err == nil {
				h.publish(topic, f)
			}
		}

	default:
		c.reject("unknown", "unknown frame type "+frame.Type)
	}
}

// deliver queues a frame for this connection only. It waits up to writeWait
// for room in the send buffer and reports whether the frame was queued.
func (c *Client) deliver(frameType string, payload interface{}) bool {
	frame, err := models.NewFrame(frameType, payload)
	if err != nil {
		return false
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return false
	}

	select {
	case c.send <- data:
		return true
	case <-c.gone:
		return false
	default:
	}

	timer := time.NewTimer(writeWait)
	defer timer.Stop()
	select {
	case c.send <- data:
		return true
	case <-c.gone:
		return false
	case <-timer.C:
		c.hub.log.Warn().Str("user", c.user).Str("type", frameType).Msg("realtime client too slow, frame dropped")
		return false
	}
}

func (c *Client) reject(reason, msg string) {
	c.hub.metrics.FramesRejected.WithLabelValues(reason).Inc()
	c.deliver(models.FrameError, models.ErrorPayload{Error: msg})
}

func (c *Client) write(message []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				return
			}
		case <-c.gone:
			// Flush what was queued before the hub let go.
			for {
				select {
				case message := <-c.send:
					if err := c.write(message); err != nil {
						return
					}
				default:
					_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}
		}
	}
}
