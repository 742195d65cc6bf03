package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// MessageType names a relay envelope.
type MessageType string

const (
	// UI → bridge
	MessageTypeSendMessage        MessageType = "send_message"
	MessageTypePermissionResponse MessageType = "permission_response"
	MessageTypeTerminate          MessageType = "terminate"
	MessageTypeClearConversation  MessageType = "clear_conversation"
	MessageTypeStop               MessageType = "stop"
	MessageTypeSetPermissionMode  MessageType = "set_permission_mode"
	MessageTypeGetState           MessageType = "get_state"
	MessageTypePresence           MessageType = "presence" // relay tells us which UIs are online

	// bridge → UI
	MessageTypeResponse        MessageType = "response"
	MessageTypeProcessState    MessageType = "process_state"
	MessageTypeState           MessageType = "state"
	MessageTypeSettingsChanged MessageType = "settings_changed"

	// both directions
	MessageTypeError MessageType = "error"

	// maxMessageSize is the maximum message size allowed (512 KB)
	maxMessageSize = 512 * 1024

	pingInterval = 30 * time.Second
	pingTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

var ErrNotConnected = errors.New("not connected")

// Message is the envelope exchanged with the relay.
type Message struct {
	Type      MessageType     `json:"type"`
	DeviceID  string          `json:"device_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage encodes payload into an envelope.
func NewMessage(t MessageType, requestID string, payload any) (*Message, error) {
	msg := &Message{Type: t, RequestID: requestID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%s: %w", m.Type, err)
	}
	return nil
}

// MessageHandler is called for every inbound envelope, on the read goroutine.
type MessageHandler func(msg *Message)

// Options configure a Client.
type Options struct {
	URL      string
	Token    string
	DeviceID string

	OnMessage MessageHandler
	// OnConnectionChange is called after each connect and disconnect.
	OnConnectionChange func(connected bool)

	InitialBackoff time.Duration // default 1s
	MaxBackoff     time.Duration // default 30s

	Logger zerolog.Logger
}

// Client manages the WebSocket connection to the relay server
type Client struct {
	opts Options
	log  zerolog.Logger

	mu   sync.Mutex // guards conn
	conn *websocket.Conn

	// Main context (cancelled when Close() is called)
	ctx    context.Context
	cancel context.CancelFunc

	connMu       sync.Mutex // serializes connect attempts
	connected    atomic.Bool
	reconnecting atomic.Bool

	pumpCancel context.CancelFunc
	pumpWg     sync.WaitGroup
}

// NewClient creates a new relay client. Nothing is dialed until Connect.
func NewClient(opts Options) *Client {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:   opts,
		log:    opts.Logger.With().Str("component", "relay").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect dials once.
func (c *Client) Connect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connectLocked()
}

// connectLocked must be called with connMu held.
func (c *Client) connectLocked() error {
	if c.ctx.Err() != nil {
		return fmt.Errorf("client shutting down")
	}

	if c.pumpCancel != nil {
		c.pumpCancel()
		waitDone := make(chan struct{})
		go func() {
			c.pumpWg.Wait()
			close(waitDone)
		}()
		select {
		case <-waitDone:
		case <-c.ctx.Done():
			return fmt.Errorf("client shutting down")
		case <-time.After(2 * time.Second):
			// The old pumps still exit on their own since their context is cancelled.
			c.log.Warn().Msg("⚠️  Timeout waiting for pumps to exit, proceeding anyway")
		}
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close(websocket.StatusNormalClosure, "reconnecting")
		c.conn = nil
	}
	c.mu.Unlock()
	c.connected.Store(false)

	conn, _, err := websocket.Dial(c.ctx, c.dialURL(), &websocket.DialOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)

	c.log.Info().Str("url", c.opts.URL).Msg("✅ Connected to relay server")

	pumpCtx, pumpCancel := context.WithCancel(c.ctx)
	c.pumpCancel = pumpCancel
	c.pumpWg.Add(2)
	go c.readPump(pumpCtx, conn)
	go c.writePump(pumpCtx, conn)

	if c.opts.OnConnectionChange != nil {
		c.opts.OnConnectionChange(true)
	}
	return nil
}

func (c *Client) dialURL() string {
	q := url.Values{}
	if c.opts.Token != "" {
		q.Set("token", c.opts.Token)
	}
	q.Set("device_type", "desktop")
	q.Set("device_id", c.opts.DeviceID)
	return c.opts.URL + "?" + q.Encode()
}

// ConnectWithRetry blocks until connected or closed.
func (c *Client) ConnectWithRetry() {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	delay := c.opts.InitialBackoff
	for {
		err := c.connectLocked()
		if err == nil || c.ctx.Err() != nil {
			return
		}
		c.log.Warn().Err(err).Dur("retry_in", delay).Msg("Failed to connect to relay")

		c.connMu.Unlock()
		select {
		case <-c.ctx.Done():
		case <-time.After(delay):
		}
		c.connMu.Lock()

		delay = c.nextDelay(delay)
	}
}

func (c *Client) nextDelay(delay time.Duration) time.Duration {
	// 1s -> 1.5s -> 2.25s -> ... -> max
	return time.Duration(math.Min(float64(delay)*1.5, float64(c.opts.MaxBackoff)))
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) {
	defer c.pumpWg.Done()
	defer c.triggerReconnect(ctx, "read pump exited")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("Failed to parse relay message")
			continue
		}
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(&msg)
		}
	}
}

// writePump keeps the connection alive with pings.
func (c *Client) writePump(ctx context.Context, conn *websocket.Conn) {
	defer c.pumpWg.Done()
	defer c.triggerReconnect(ctx, "write pump exited")

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.log.Warn().Err(err).Msg("WebSocket ping failed")
				}
				return
			}
		}
	}
}

// triggerReconnect starts at most one reconnect loop. Pumps whose context
// was cancelled were stopped on purpose and never trigger one.
func (c *Client) triggerReconnect(pumpCtx context.Context, reason string) {
	if c.ctx.Err() != nil || pumpCtx.Err() != nil {
		return
	}
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}

	if c.connected.Swap(false) && c.opts.OnConnectionChange != nil {
		c.opts.OnConnectionChange(false)
	}
	c.log.Warn().Str("reason", reason).Msg("❌ Disconnected from relay server, reconnecting...")
	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	defer c.reconnecting.Store(false)

	delay := c.opts.InitialBackoff
	for attempt := 1; ; attempt++ {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}

		c.connMu.Lock()
		err := c.connectLocked()
		c.connMu.Unlock()
		if err == nil {
			if attempt > 1 {
				c.log.Info().Int("attempts", attempt).Msg("✅ Reconnected to relay server")
			}
			return
		}
		if c.ctx.Err() != nil {
			return
		}

		// Only log a few attempts during extended outages
		if attempt <= 3 || attempt%5 == 0 {
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("Reconnection attempt failed")
		}
		delay = c.nextDelay(delay)
	}
}

// SendMessage stamps the device id and writes msg.
func (c *Client) SendMessage(msg *Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || !c.connected.Load() {
		return ErrNotConnected
	}

	if msg.DeviceID == "" {
		msg.DeviceID = c.opts.DeviceID
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// Send encodes payload and sends it.
func (c *Client) Send(t MessageType, requestID string, payload any) error {
	msg, err := NewMessage(t, requestID, payload)
	if err != nil {
		return err
	}
	return c.SendMessage(msg)
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Close closes the connection and stops reconnecting.
func (c *Client) Close() {
	c.cancel()

	c.connMu.Lock()
	if c.pumpCancel != nil {
		c.pumpCancel()
	}
	c.connMu.Unlock()

	c.pumpWg.Wait()

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close(websocket.StatusNormalClosure, "client closed")
		c.conn = nil
	}
	c.mu.Unlock()
	c.connected.Store(false)
}
