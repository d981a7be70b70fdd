// Package transport carries JSON-RPC 2.0 messages between the memoryd tool
// server and its clients.
//
// Two transports share one channel-based API:
//
//   - StdioTransport: newline-delimited messages on stdin/stdout, used by
//     `memoryd tools` when a chat host spawns the tool server.
//   - WebSocketTransport: one message per text frame, used by the /mcp
//     endpoint of the HTTP server.
//
// Usage:
//
//	t := transport.NewStdioTransport(os.Stdin, os.Stdout, transport.DefaultConfig())
//	go t.Run(ctx)
//
//	for msg := range t.Recv() {
//	    if msg.Request != nil {
//	        t.Send(transport.NewResult(msg.Request.ID, result))
//	    }
//	}
//
// Recv is closed when the input ends. Run returns once ctx is canceled,
// after writing any queued messages.
package transport
