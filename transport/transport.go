package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// Common errors.
var (
	ErrClosed = errors.New("transport closed")
)

// Transport provides bidirectional JSON-RPC message passing.
type Transport interface {
	// Recv returns the channel of incoming messages. It is closed when the
	// input ends or the transport shuts down.
	Recv() <-chan *InboundMessage

	// Send queues a message for delivery. Returns ErrClosed after Close.
	Send(msg *OutboundMessage) error

	// Run pumps messages until ctx is canceled.
	Run(ctx context.Context) error

	// Close stops the transport. Queued messages are still written.
	Close() error
}

// InboundMessage wraps an incoming JSON-RPC message.
type InboundMessage struct {
	// Request is set if the message has an ID.
	Request *Request

	// Notification is set otherwise.
	Notification *Notification

	Raw json.RawMessage
}

// OutboundMessage wraps an outgoing JSON-RPC message.
type OutboundMessage struct {
	Response     *Response
	Notification *Notification
}

// ParseInbound parses raw JSON into an InboundMessage.
func ParseInbound(data []byte) (*InboundMessage, error) {
	var head struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	if head.JSONRPC != Version {
		return nil, &Error{Code: InvalidRequest, Message: "Invalid Request", Data: "jsonrpc must be 2.0"}
	}

	msg := &InboundMessage{Raw: data}
	if len(head.ID) > 0 && string(head.ID) != "null" {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
		}
		msg.Request = &req
		return msg, nil
	}

	var notif Notification
	if err := json.Unmarshal(data, &notif); err != nil {
		return nil, &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	msg.Notification = &notif
	return msg, nil
}

// MarshalOutbound serializes an OutboundMessage to JSON.
func MarshalOutbound(msg *OutboundMessage) ([]byte, error) {
	switch {
	case msg == nil:
		return nil, errors.New("empty outbound message")
	case msg.Response != nil:
		return json.Marshal(msg.Response)
	case msg.Notification != nil:
		return json.Marshal(msg.Notification)
	}
	return nil, errors.New("empty outbound message")
}

// Config holds common transport configuration.
type Config struct {
	RecvBufferSize int // default 100
	SendBufferSize int // default 100
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RecvBufferSize: 100,
		SendBufferSize: 100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RecvBufferSize <= 0 {
		c.RecvBufferSize = d.RecvBufferSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = d.SendBufferSize
	}
	return c
}

// pump holds the channels and close state both transports share.
type pump struct {
	recv chan *InboundMessage
	send chan *OutboundMessage
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func newPump(cfg Config) *pump {
	cfg = cfg.withDefaults()
	return &pump{
		recv: make(chan *InboundMessage, cfg.RecvBufferSize),
		send: make(chan *OutboundMessage, cfg.SendBufferSize),
		done: make(chan struct{}),
	}
}

// Recv returns the channel for incoming messages.
func (p *pump) Recv() <-chan *InboundMessage {
	return p.recv
}

// Send queues a message for delivery.
func (p *pump) Send(msg *OutboundMessage) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case p.send <- msg:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

// shut marks the pump closed. It reports false if it already was.
func (p *pump) shut() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.closed = true
	close(p.done)
	return true
}

// deliver hands msg to Recv unless the pump stops first.
func (p *pump) deliver(ctx context.Context, msg *InboundMessage) bool {
	select {
	case p.recv <- msg:
		return true
	case <-ctx.Done():
		return false
	case <-p.done:
		return false
	}
}

// writeLoop writes queued messages until ctx or the pump is done, then
// flushes what is left.
func (p *pump) writeLoop(ctx context.Context, write func(*OutboundMessage), tick <-chan struct{}, onTick func()) {
	for {
		select {
		case <-ctx.Done():
			p.drain(write)
			return
		case <-p.done:
			p.drain(write)
			return
		case <-tick:
			onTick()
		case msg := <-p.send:
			write(msg)
		}
	}
}

func (p *pump) drain(write func(*OutboundMessage)) {
	for {
		select {
		case msg := <-p.send:
			write(msg)
		default:
			return
		}
	}
}

// parseErrorResponse builds the reply to an unparseable message, keeping
// its id when one can be recovered.
func parseErrorResponse(raw []byte, parseErr error) *OutboundMessage {
	var partial struct {
		ID any `json:"id"`
	}
	_ = json.Unmarshal(raw, &partial)

	var rpcErr *Error
	if !errors.As(parseErr, &rpcErr) {
		rpcErr = &Error{Code: ParseError, Message: "Parse error", Data: parseErr.Error()}
	}
	return &OutboundMessage{Response: &Response{JSONRPC: Version, ID: partial.ID, Error: rpcErr}}
}
