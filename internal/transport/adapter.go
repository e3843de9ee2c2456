// Package transport abstracts the framed, multi-stream, bidirectional
// connection used to carry the chat protocol. The contract mirrors
// spec.md §4.1: connect, send-a-request-get-a-response, register an inbound
// handler, register a disconnect callback, disconnect.
package transport

import (
	"context"

	"github.com/qzbxw/chatline/internal/wire"
)

// Adapter is the transport-level contract the connection controller drives.
// The core assumes an Adapter delivers inbound requests in the order the
// server sent them and preserves stream order within a request.
type Adapter interface {
	// Connect resolves once the framed handshake succeeds and fails on any
	// network-level error.
	Connect(ctx context.Context) error

	// Send transmits a request and blocks for the correlated response.
	Send(ctx context.Context, req *wire.Request) (*wire.Response, error)

	// RegisterInboundHandler installs the function invoked for each
	// server-initiated request. It replaces any previously registered
	// handler.
	RegisterInboundHandler(h wire.InboundHandler)

	// RegisterDisconnectHandler installs the callback invoked asynchronously
	// once the connection has been torn down, by either side.
	RegisterDisconnectHandler(h wire.DisconnectHandler)

	// Disconnect tears the connection down. It is idempotent and triggers
	// the registered disconnect handler asynchronously.
	Disconnect() error
}
