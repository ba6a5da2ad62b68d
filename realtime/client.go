package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"buzzconnect/models"
)

// ErrClosed is returned by calls on a closed connection.
var ErrClosed = errors.New("realtime: connection closed")

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

// Client is one realtime connection shared by every conversation view of a
// session. Frames are demultiplexed to listeners by conversation or presence key.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	mu        sync.Mutex
	nextID    int
	messages  map[string]map[int]func(models.Message) // pair key
	presences map[string]map[int]func(bool)           // presence key

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(log zerolog.Logger) Option { return func(c *Client) { c.log = log } }

// Dial connects to the realtime endpoint at url, authenticating with token.
func Dial(ctx context.Context, url, token string, opts ...Option) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	c := &Client{
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		log:       zerolog.Nop(),
		messages:  make(map[string]map[int]func(models.Message)),
		presences: make(map[string]map[int]func(bool)),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close shuts the connection down. Presence listeners observe false.
func (c *Client) Close() error {
	c.shutdown()
	return nil
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()

		c.mu.Lock()
		var presence []func(bool)
		for _, set := range c.presences {
			for _, fn := range set {
				presence = append(presence, fn)
			}
		}
		c.mu.Unlock()
		for _, fn := range presence {
			fn(false)
		}
	})
}

func (c *Client) writeFrame(ctx context.Context, frameType string, payload interface{}) error {
	frame, err := models.NewFrame(frameType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn().Err(err).Msg("realtime write")
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) readLoop() {
	defer c.shutdown()
	for {
		var frame models.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			select {
			case <-c.done:
			default:
				c.log.Warn().Err(err).Msg("realtime read")
			}
			return
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame models.Frame) {
	switch frame.Type {
	case models.FrameMessage:
		var msg models.Message
		if err := json.Unmarshal(frame.Payload, &msg); err != nil {
			c.log.Warn().Err(err).Msg("decode realtime message")
			return
		}
		msg.Delivery = models.DeliverySent
		c.mu.Lock()
		fns := make([]func(models.Message), 0, len(c.messages[msg.Conversation()]))
		for _, fn := range c.messages[msg.Conversation()] {
			fns = append(fns, fn)
		}
		c.mu.Unlock()
		for _, fn := range fns {
			fn(msg)
		}

	case models.FramePresence:
		var p models.PresencePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			c.log.Warn().Err(err).Msg("decode presence")
			return
		}
		key := models.PresenceKey(p.User, p.Peer)
		c.mu.Lock()
		fns := make([]func(bool), 0, len(c.presences[key]))
		for _, fn := range c.presences[key] {
			fns = append(fns, fn)
		}
		c.mu.Unlock()
		for _, fn := range fns {
			fn(p.Typing)
		}

	case models.FrameError:
		var p models.ErrorPayload
		_ = json.Unmarshal(frame.Payload, &p)
		c.log.Warn().Str("error", p.Error).Msg("realtime frame rejected")
	}
}

// Publish writes a message document to the side-channel mirror.
func (c *Client) Publish(ctx context.Context, msg models.Message) error {
	return c.writeFrame(ctx, models.FramePublish, msg)
}

// SetPresence publishes whether typist is typing to peer.
func (c *Client) SetPresence(ctx context.Context, typist, peer string, typing bool) error {
	return c.writeFrame(ctx, models.FramePresence, models.PresencePayload{User: typist, Peer: peer, Typing: typing})
}

// MarkReadMirror flags the mirror documents from sender to receiver as read.
func (c *Client) MarkReadMirror(ctx context.Context, sender, receiver string) error {
	return c.writeFrame(ctx, models.FrameMarkRead, models.MarkReadPayload{Sender: sender, Receiver: receiver})
}

// Subscribe calls fn for every document of the conversation between a and b,
// starting with a replay of the current mirror.
func (c *Client) Subscribe(a, b string, fn func(models.Message)) (io.Closer, error) {
	key := models.PairKey(a, b)
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	set, ok := c.messages[key]
	if !ok {
		set = make(map[int]func(models.Message))
		c.messages[key] = set
	}
	set[id] = fn
	c.mu.Unlock()

	payload := models.SubscribePayload{UserA: a, UserB: b}
	if err := c.writeFrame(context.Background(), models.FrameSubscribe, payload); err != nil {
		c.removeMessageListener(key, id)
		return nil, err
	}

	return &subscription{close: func() {
		if c.removeMessageListener(key, id) {
			_ = c.writeFrame(context.Background(), models.FrameUnsubscribe, payload)
		}
	}}, nil
}

// removeMessageListener reports whether it removed the last listener of key.
func (c *Client) removeMessageListener(key string, id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.messages[key]
	delete(set, id)
	if len(set) == 0 {
		delete(c.messages, key)
		return true
	}
	return false
}

// ObservePresence calls fn with the typing flag of typist towards viewer. The
// current value is delivered first.
func (c *Client) ObservePresence(typist, viewer string, fn func(bool)) (io.Closer, error) {
	key := models.PresenceKey(typist, viewer)
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	set, ok := c.presences[key]
	if !ok {
		set = make(map[int]func(bool))
		c.presences[key] = set
	}
	set[id] = fn
	c.mu.Unlock()

	payload := models.PresencePayload{User: typist, Peer: viewer}
	if err := c.writeFrame(context.Background(), models.FrameObservePresence, payload); err != nil {
		c.removePresenceListener(key, id)
		return nil, err
	}

	return &subscription{close: func() {
		if c.removePresenceListener(key, id) {
			_ = c.writeFrame(context.Background(), models.FrameUnobservePresence, payload)
		}
	}}, nil
}

func (c *Client) removePresenceListener(key string, id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.presences[key]
	delete(set, id)
	if len(set) == 0 {
		delete(c.presences, key)
		return true
	}
	return false
}

type subscription struct {
	once  sync.Once
	close func()
}

func (s *subscription) Close() error {
	s.once.Do(s.close)
	return nil
}
