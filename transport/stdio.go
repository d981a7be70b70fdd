package transport

import (
	"bufio"
	"context"
	"io"
	"sync"
)

// maxLineSize bounds a single stdio message.
const maxLineSize = 1024 * 1024

// StdioTransport implements Transport over newline-delimited streams.
type StdioTransport struct {
	*pump
	reader io.Reader
	writer io.Writer
	wmu    sync.Mutex
}

// NewStdioTransport creates a new stdio transport.
func NewStdioTransport(r io.Reader, w io.Writer, cfg Config) *StdioTransport {
	return &StdioTransport{
		pump:   newPump(cfg),
		reader: r,
		writer: w,
	}
}

// Run starts the transport, blocking until ctx is canceled. The reader
// stops on its own when the input ends.
func (t *StdioTransport) Run(ctx context.Context) error {
	writerDone := make(chan struct{})
	go t.readLoop(ctx)
	go func() {
		defer close(writerDone)
		t.writeLoop(ctx, t.write, nil, nil)
	}()

	<-ctx.Done()
	t.Close()
	<-writerDone
	return ctx.Err()
}

// Close initiates shutdown.
func (t *StdioTransport) Close() error {
	t.shut()
	return nil
}

func (t *StdioTransport) readLoop(ctx context.Context) {
	defer close(t.recv)

	scanner := bufio.NewScanner(t.reader)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer.
		data := append([]byte(nil), line...)

		msg, err := ParseInbound(data)
		if err != nil {
			t.Send(parseErrorResponse(data, err))
			continue
		}
		if !t.deliver(ctx, msg) {
			return
		}
	}
}

func (t *StdioTransport) write(msg *OutboundMessage) {
	data, err := MarshalOutbound(msg)
	if err != nil {
		return
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	t.writer.Write(append(data, '\n'))
}
