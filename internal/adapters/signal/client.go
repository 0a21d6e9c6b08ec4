// Package signal implements core.SignalTransport over a persistent
// WebSocket connection to the signaling server.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mivora/callkit/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

// envelope is the wire frame: a named event plus its payload.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client is a reconnectable WebSocket signaling client. Handlers are
// registered once and survive reconnects.
type Client struct {
	url          string
	writeTimeout time.Duration

	hmu      sync.RWMutex
	handlers map[string][]func(core.Frame)

	mu        sync.Mutex
	conn      *websocket.Conn
	send      chan []byte
	cancel    context.CancelFunc
	connected atomic.Bool
}

func NewClient(url string, writeTimeout time.Duration) *Client {
	return &Client{
		url:          url,
		writeTimeout: writeTimeout,
		handlers:     make(map[string][]func(core.Frame)),
	}
}

// Connect dials the signaling server and starts the read/write pumps.
// Calling Connect while connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected.Load() {
		return nil
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	c.conn = ws
	c.send = make(chan []byte, 32)
	c.cancel = cancel
	c.connected.Store(true)

	go c.writePump(pumpCtx, ws, c.send)
	go c.readPump(pumpCtx, ws)

	log.Info().Str("module", "adapters.signal").Str("url", c.url).Msg("signal connection established")
	return nil
}

func (c *Client) Connected() bool { return c.connected.Load() }

// Reconnect drops any half-dead connection state and dials again. One
// attempt only; callers own the retry policy.
func (c *Client) Reconnect(ctx context.Context) error {
	if c.Connected() {
		return nil
	}
	c.teardown()
	return c.Connect(ctx)
}

// Emit sends a named event. It never blocks: a full outbound queue is
// reported as backpressure.
func (c *Client) Emit(event string, payload any) error {
	if !c.connected.Load() {
		return core.ErrNotConnected
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(envelope{Type: event, Data: data})
	if err != nil {
		return err
	}

	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return core.ErrNotConnected
	}
	select {
	case send <- frame:
		return nil
	default:
		return ErrBackpressure
	}
}

// On registers a handler for a named inbound event. Handlers run on the
// read pump and must not block.
func (c *Client) On(event string, h func(core.Frame)) {
	c.hmu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.hmu.Unlock()
}

func (c *Client) Close() {
	c.teardown()
}

func (c *Client) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected.Store(false)
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.send = nil
}

func (c *Client) writePump(ctx context.Context, ws *websocket.Conn, send <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-send:
			if err := ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				log.Error().Err(err).Str("module", "adapters.signal").Msg("writePump set deadline")
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "adapters.signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context, ws *websocket.Conn) {
	defer func() {
		c.connected.Store(false)
		log.Info().Str("module", "adapters.signal").Msg("readPump closing")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := ws.ReadMessage()
			if err != nil {
				log.Warn().Err(err).Str("module", "adapters.signal").Msg("readPump read error")
				return
			}
			c.dispatch(data)
		}
	}
}

func (c *Client) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Msg("bad envelope")
		return
	}
	c.hmu.RLock()
	handlers := c.handlers[env.Type]
	c.hmu.RUnlock()
	if len(handlers) == 0 {
		log.Warn().Str("module", "adapters.signal").Str("type", env.Type).Msg("unknown signal")
		return
	}
	for _, h := range handlers {
		h(core.Frame(env.Data))
	}
}
