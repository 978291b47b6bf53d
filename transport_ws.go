package taskmesh

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WSConfig configures the websocket transport.
type WSConfig struct {
	// ReadLimit caps inbound frame size in bytes.
	// Default: 1 MiB
	ReadLimit int64 `yaml:"read_limit"`

	// SendBuffer is the per-connection outbound channel depth.
	// Default: 64
	SendBuffer int `yaml:"send_buffer"`

	// PingInterval is how often to ping clients.
	// Default: 30s
	PingInterval time.Duration `yaml:"ping_interval"`

	// PongTimeout is how long to wait for a pong (or any read) before the
	// connection is considered dead.
	// Default: 90s
	PongTimeout time.Duration `yaml:"pong_timeout"`

	// WriteTimeout bounds each websocket write.
	// Default: 10s
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultWSConfig returns production defaults.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		ReadLimit:    1 << 20,
		SendBuffer:   64,
		PingInterval: 30 * time.Second,
		PongTimeout:  90 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSTransport serves the primary AIP transport: one websocket per device,
// envelopes as text frames (or snappy binary frames for AIP/2.0 peers).
type WSTransport struct {
	config  WSConfig
	gateway *Gateway
}

// NewWSTransport creates a websocket transport over the gateway.
func NewWSTransport(gateway *Gateway, config WSConfig) *WSTransport {
	if config.ReadLimit <= 0 {
		config.ReadLimit = 1 << 20
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = 64
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = 90 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	return &WSTransport{config: config, gateway: gateway}
}

// wsConn adapts one websocket to the gateway's Conn interface. All writes
// funnel through a single pump goroutine, preserving send order per device.
type wsConn struct {
	ws       *websocket.Conn
	config   WSConfig
	out      chan *Envelope
	done     chan struct{}
	once     sync.Once
	compress atomic.Bool
}

func newWSConn(ws *websocket.Conn, config WSConfig) *wsConn {
	return &wsConn{
		ws:     ws,
		config: config,
		out:    make(chan *Envelope, config.SendBuffer),
		done:   make(chan struct{}),
	}
}

// Send queues an envelope for the write pump. The done check runs first so a
// closed connection never reports a queued envelope as sent.
func (c *wsConn) Send(env *Envelope) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}
	select {
	case <-c.done:
		return ErrNotConnected
	case c.out <- env:
		return nil
	}
}

// Close tears the connection down. Idempotent.
func (c *wsConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.ws.Close()
}

// writePump is the connection's single writer: queued envelopes and pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case env := <-c.out:
			compress := c.compress.Load() && env.Protocol == ProtocolV2
			data, err := EncodeFrame(env, compress)
			if err != nil {
				slog.Warn("websocket encode failed", "message_id", env.MessageID, "err", err)
				continue
			}
			frameType := websocket.TextMessage
			if compress {
				frameType = websocket.BinaryMessage
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.ws.WriteMessage(frameType, data); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// Handler returns the HTTP handler that upgrades to a websocket and speaks
// AIP with the peer until the connection drops.
func (t *WSTransport) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		conn := newWSConn(ws, t.config)
		go conn.writePump()
		t.readLoop(r, conn)
	}
}

func (t *WSTransport) readLoop(r *http.Request, conn *wsConn) {
	ws := conn.ws
	ws.SetReadLimit(t.config.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(t.config.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(t.config.PongTimeout))
	})

	// peerID is learned from the first valid envelope; an immediate
	// disconnect marks the device offline.
	var peerID string
	defer func() {
		conn.Close()
		if peerID != "" {
			t.gateway.Unbind(peerID, conn)
			slog.Info("websocket closed", "device", peerID)
		}
	}()

	for {
		frameType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(t.config.PongTimeout))

		env, err := DecodeFrame(data, frameType == websocket.BinaryMessage)
		if err != nil {
			slog.Warn("websocket frame rejected", "device", peerID, "err", err)
			continue
		}
		if env.Protocol == ProtocolV2 {
			conn.compress.Store(true)
		}

		reply, err := t.gateway.HandleEnvelope(r.Context(), conn, env)
		if err != nil {
			slog.Warn("envelope rejected", "device", peerID, "type", env.Type, "err", err)
			continue
		}
		if peerID == "" && env.From != "" && env.From != CoordinatorID {
			peerID = env.From
		}
		// A known device that lost its binding (a reconnect racing the old
		// connection's teardown) is rebound from any valid envelope.
		if peerID != "" && !t.gateway.Connected(peerID) && t.gateway.registry.Has(peerID) {
			t.gateway.Bind(peerID, conn)
		}
		if reply != nil {
			if err := conn.Send(reply); err != nil {
				return
			}
		}
	}
}
