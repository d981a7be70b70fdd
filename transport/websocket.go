package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransport implements Transport over a WebSocket connection, one
// message per text frame.
type WebSocketTransport struct {
	*pump
	conn   *websocket.Conn
	config WebSocketConfig
	wmu    sync.Mutex
}

// WebSocketConfig holds WebSocket transport configuration.
type WebSocketConfig struct {
	Config

	WriteTimeout   time.Duration
	MaxMessageSize int64
	PingInterval   time.Duration // 0 disables pings
}

// DefaultWebSocketConfig returns configuration with sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Config:         DefaultConfig(),
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 1024 * 1024,
		PingInterval:   30 * time.Second,
	}
}

// NewWebSocketTransport creates a transport from an established connection.
func NewWebSocketTransport(conn *websocket.Conn, cfg WebSocketConfig) *WebSocketTransport {
	if cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	return &WebSocketTransport{
		pump:   newPump(cfg.Config),
		conn:   conn,
		config: cfg,
	}
}

// NewWebSocketUpgrader creates an upgrader. A nil checkOrigin accepts every
// origin.
func NewWebSocketUpgrader(checkOrigin func(r *http.Request) bool) *websocket.Upgrader {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
	}
}

// Run starts the transport, blocking until ctx is canceled.
func (t *WebSocketTransport) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t.readLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		var tick <-chan time.Time
		if t.config.PingInterval > 0 {
			ticker := time.NewTicker(t.config.PingInterval)
			defer ticker.Stop()
			tick = ticker.C
		}
		t.pingLoop(ctx, tick)
	}()

	<-ctx.Done()
	t.Close()
	wg.Wait()
	return ctx.Err()
}

// pingLoop adapts the ticker channel to the shared write loop.
func (t *WebSocketTransport) pingLoop(ctx context.Context, tick <-chan time.Time) {
	pings := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-tick:
				select {
				case pings <- struct{}{}:
				case <-stop:
					return
				}
			case <-stop:
				return
			}
		}
	}()
	t.writeLoop(ctx, t.write, pings, t.ping)
}

// Close flushes queued messages, sends a close frame and closes the
// connection.
func (t *WebSocketTransport) Close() error {
	if !t.shut() {
		return nil
	}
	t.drain(t.write)

	t.wmu.Lock()
	defer t.wmu.Unlock()
	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return t.conn.Close()
}

func (t *WebSocketTransport) readLoop(ctx context.Context) {
	defer close(t.recv)

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			// Peer closed or connection failed.
			return
		}

		msg, perr := ParseInbound(data)
		if perr != nil {
			t.Send(parseErrorResponse(data, perr))
			continue
		}
		if !t.deliver(ctx, msg) {
			return
		}
	}
}

func (t *WebSocketTransport) ping() {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
}

func (t *WebSocketTransport) write(msg *OutboundMessage) {
	data, err := MarshalOutbound(msg)
	if err != nil {
		return
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()
	if t.config.WriteTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	}
	t.conn.WriteMessage(websocket.TextMessage, data)
}
