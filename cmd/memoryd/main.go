// Command memoryd serves the long-term memory store.
//
//	memoryd serve          HTTP API, /mcp websocket and the background consolidator
//	memoryd consolidate    consolidation loop on its own (--once for a single tick)
//	memoryd tools          MCP tool server on stdin/stdout
//	memoryd version        build information
package main

import (
	"context"
	"os"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
