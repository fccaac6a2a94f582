// ABOUTME: Websocket change feed client multiplexing every topic over one connection
// ABOUTME: Handles subscribe acks, change decoding, dedupe, presence track/untrack and pings

package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/orbit-sync/internal/dedupe"
	"github.com/2389/orbit-sync/internal/metrics"
)

// Client errors
var (
	ErrNotConnected       = errors.New("feed not connected")
	ErrSubscribeTimeout   = errors.New("subscribe timed out")
	ErrAlreadySubscribed  = errors.New("topic already subscribed")
	ErrClientClosed       = errors.New("feed client closed")
	ErrSubscribeRejected  = errors.New("subscribe rejected")
	errConnectionReplaced = errors.New("connection lost")
)

// Settings holds the client's timing configuration.
type Settings struct {
	HandshakeTimeout time.Duration
	SubscribeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
}

// DefaultSettings returns the timing used when none is configured.
func DefaultSettings() Settings {
	return Settings{
		HandshakeTimeout: 5 * time.Second,
		SubscribeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     25 * time.Second,
		ReadTimeout:      60 * time.Second,
	}
}

// Options configures a Client.
type Options struct {
	URL      string
	Token    string
	Settings Settings
	// Dedupe drops redelivered change ids. Nil disables dedupe.
	Dedupe  *dedupe.Cache
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Client is a change feed connection. It dials lazily on the first
// Subscribe or Track and again after a connection loss.
type Client struct {
	url      string
	token    string
	settings Settings
	dialer   *websocket.Dialer
	dedupe   *dedupe.Cache
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[string]*channel   // topic name -> live subscription
	pending map[string]chan Frame // subscribe ref -> ack
	closed  bool

	writeMu sync.Mutex
}

// NewClient creates a client. Zero settings fall back to DefaultSettings.
func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	settings := opts.Settings
	defaults := DefaultSettings()
	if settings.HandshakeTimeout <= 0 {
		settings.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if settings.SubscribeTimeout <= 0 {
		settings.SubscribeTimeout = defaults.SubscribeTimeout
	}
	if settings.WriteTimeout <= 0 {
		settings.WriteTimeout = defaults.WriteTimeout
	}
	if settings.PingInterval <= 0 {
		settings.PingInterval = defaults.PingInterval
	}
	if settings.ReadTimeout <= 0 {
		settings.ReadTimeout = defaults.ReadTimeout
	}

	return &Client{
		url:      opts.URL,
		token:    opts.Token,
		settings: settings,
		dialer:   &websocket.Dialer{HandshakeTimeout: settings.HandshakeTimeout},
		dedupe:   opts.Dedupe,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "feed"),
		subs:     make(map[string]*channel),
		pending:  make(map[string]chan Frame),
	}
}

// Subscribe opens a subscription to topic and waits for the server's ack.
// There is at most one live subscription per topic name.
func (c *Client) Subscribe(ctx context.Context, topic Topic, h Handler) (Subscription, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return nil, err
	}

	ch := &channel{client: c, topic: topic, ref: uuid.New().String(), handler: h}
	ack := make(chan Frame, 1)

	c.mu.Lock()
	if _, exists := c.subs[topic.Name]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadySubscribed, topic.Name)
	}
	c.subs[topic.Name] = ch
	c.pending[ch.ref] = ack
	c.mu.Unlock()

	err = c.write(conn, Frame{
		Type:   FrameSubscribe,
		Ref:    ch.ref,
		Topic:  topic.Name,
		Kind:   topic.Kind,
		Filter: topic.Filter,
	})
	if err != nil {
		c.forget(ch)
		c.dropConn(conn, err)
		return nil, fmt.Errorf("sending subscribe: %w", err)
	}

	timer := time.NewTimer(c.settings.SubscribeTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.forget(ch)
		return nil, ctx.Err()
	case <-timer.C:
		c.forget(ch)
		return nil, fmt.Errorf("%w: %s", ErrSubscribeTimeout, topic.Name)
	case f, ok := <-ack:
		if !ok {
			c.forget(ch)
			return nil, fmt.Errorf("subscribing %s: %w", topic.Name, errConnectionReplaced)
		}
		if f.Status != "ok" {
			c.forget(ch)
			return nil, fmt.Errorf("%w: %s: %s", ErrSubscribeRejected, topic.Name, f.Error)
		}
	}

	c.metrics.SubscriptionDelta(1)
	c.logger.Debug("subscribed", "topic", topic.Name, "kind", topic.Kind)
	ch.status(StatusSubscribed, nil)
	return ch, nil
}

// Track publishes a presence heartbeat on topic.
func (c *Client) Track(ctx context.Context, topic Topic, hb Heartbeat) error {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return err
	}
	if err := c.write(conn, Frame{Type: FrameTrack, Topic: topic.Name, Payload: &hb}); err != nil {
		c.dropConn(conn, err)
		return fmt.Errorf("sending track: %w", err)
	}
	return nil
}

// Untrack withdraws this client's heartbeat from topic. Without a connection
// there is nothing to withdraw; the server already dropped it.
func (c *Client) Untrack(_ context.Context, topic Topic) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := c.write(conn, Frame{Type: FrameUntrack, Topic: topic.Name}); err != nil {
		c.dropConn(conn, err)
		return fmt.Errorf("sending untrack: %w", err)
	}
	return nil
}

// Connected reports whether a connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close shuts the connection without notifying subscriptions. The client
// cannot be reused.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	live := len(c.subs)
	for _, ch := range c.subs {
		ch.markDone()
	}
	c.subs = make(map[string]*channel)
	c.mu.Unlock()

	c.metrics.SubscriptionDelta(-float64(live))
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: status %d", ErrNotConnected, c.url, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrNotConnected, c.url, err)
	}

	c.conn = conn
	if c.dedupe != nil {
		c.dedupe.Reset()
	}
	done := make(chan struct{})
	go c.readLoop(conn, done)
	go c.pingLoop(conn, done)

	c.logger.Info("feed connected", "url", c.url)
	return conn, nil
}

func (c *Client) write(conn *websocket.Conn, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
	return conn.WriteJSON(f)
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			c.dropConn(conn, err)
			return
		}
		c.handle(f)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.settings.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.write(conn, Frame{Type: FramePing}); err != nil {
				c.dropConn(conn, err)
				return
			}
		}
	}
}

func (c *Client) handle(f Frame) {
	switch f.Type {
	case FrameAck:
		c.mu.Lock()
		ack, ok := c.pending[f.Ref]
		delete(c.pending, f.Ref)
		c.mu.Unlock()
		if ok {
			ack <- f
		}

	case FrameChange, FramePresenceState:
		c.mu.Lock()
		ch := c.subs[f.Topic]
		c.mu.Unlock()
		if ch == nil {
			c.logger.Debug("frame for unknown topic", "topic", f.Topic, "type", f.Type)
			return
		}
		c.metrics.Frame(string(ch.topic.Kind))
		// Frames without a change id cannot be told apart, so they all pass.
		if f.Type == FrameChange && f.ID != "" && c.dedupe != nil && c.dedupe.Seen(f.Topic+"/"+f.ID) {
			c.metrics.Duplicate()
			c.logger.Debug("dropped duplicate change", "topic", f.Topic, "change_id", f.ID)
			return
		}
		ev, err := Decode(ch.topic.Kind, f)
		if err != nil {
			c.metrics.Undecodable()
			c.logger.Warn("dropping undecodable frame", "topic", f.Topic, "error", err)
			return
		}
		ch.deliver(ev)

	case FrameError:
		if f.Topic == "" {
			c.logger.Warn("feed error", "error", f.Error)
			return
		}
		c.mu.Lock()
		ch := c.subs[f.Topic]
		if ch != nil {
			delete(c.subs, f.Topic)
		}
		c.mu.Unlock()
		if ch != nil {
			c.metrics.SubscriptionDelta(-1)
			ch.status(StatusError, errors.New(f.Error))
		}

	case FramePong:
	default:
		c.logger.Debug("ignoring frame", "type", f.Type)
	}
}

// dropConn forgets conn if it is still current and closes every
// subscription on it with StatusClosed.
func (c *Client) dropConn(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	subs := c.subs
	c.subs = make(map[string]*channel)
	for name, ch := range subs {
		// Subscribe is still waiting on these and reports the failure itself.
		if ack, waiting := c.pending[ch.ref]; waiting {
			close(ack)
			delete(c.pending, ch.ref)
			delete(subs, name)
		}
	}
	closed := c.closed
	c.mu.Unlock()

	_ = conn.Close()
	if closed {
		return
	}

	c.logger.Warn("feed connection lost", "error", cause, "subscriptions", len(subs))
	c.metrics.SubscriptionDelta(-float64(len(subs)))
	for _, ch := range subs {
		ch.status(StatusClosed, cause)
	}
}

func (c *Client) forget(ch *channel) {
	c.mu.Lock()
	if c.subs[ch.topic.Name] == ch {
		delete(c.subs, ch.topic.Name)
	}
	delete(c.pending, ch.ref)
	c.mu.Unlock()
	ch.markDone()
}

// channel is the Subscription implementation.
type channel struct {
	client  *Client
	topic   Topic
	ref     string
	handler Handler

	mu   sync.Mutex
	done bool
}

func (ch *channel) Topic() Topic { return ch.topic }

func (ch *channel) Unsubscribe() {
	if !ch.markDone() {
		return
	}
	c := ch.client
	c.mu.Lock()
	live := c.subs[ch.topic.Name] == ch
	if live {
		delete(c.subs, ch.topic.Name)
	}
	conn := c.conn
	c.mu.Unlock()

	if !live {
		return
	}
	c.metrics.SubscriptionDelta(-1)
	if conn != nil {
		if err := c.write(conn, Frame{Type: FrameUnsubscribe, Ref: ch.ref, Topic: ch.topic.Name}); err != nil {
			c.logger.Debug("unsubscribe not sent", "topic", ch.topic.Name, "error", err)
		}
	}
}

// markDone reports whether this call ended the subscription.
func (ch *channel) markDone() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.done {
		return false
	}
	ch.done = true
	return true
}

func (ch *channel) deliver(ev Event) {
	ch.mu.Lock()
	done := ch.done
	ch.mu.Unlock()
	if done || ch.handler.OnEvent == nil {
		return
	}
	ch.handler.OnEvent(ev)
}

func (ch *channel) status(s Status, err error) {
	if s.Disconnected() && !ch.markDone() {
		return
	}
	if !s.Disconnected() {
		ch.mu.Lock()
		done := ch.done
		ch.mu.Unlock()
		if done {
			return
		}
	}
	if ch.handler.OnStatus != nil {
		ch.handler.OnStatus(s, err)
	}
}
