package wire

import (
	"encoding/json"
	"fmt"
)

// Stream is one ordered content stream within a Request or Response,
// readable as raw bytes, text, or JSON. Implementations are produced by a
// transport.Adapter and consumed by internal/inbound and internal/outbound.
type Stream interface {
	ContentType() string
	Bytes() ([]byte, error)
	Text() (string, error)
	JSON(v any) error
}

// BufferStream is the simplest Stream implementation: an in-memory byte
// buffer already fully read off the wire. Both the WebSocket adapter and
// the in-memory test adapter in internal/transporttest produce these.
type BufferStream struct {
	Type string
	Data []byte
}

func (b *BufferStream) ContentType() string { return b.Type }

func (b *BufferStream) Bytes() ([]byte, error) { return b.Data, nil }

func (b *BufferStream) Text() (string, error) { return string(b.Data), nil }

func (b *BufferStream) JSON(v any) error {
	if err := json.Unmarshal(b.Data, v); err != nil {
		return fmt.Errorf("wire: decode stream as JSON: %w", err)
	}
	return nil
}

// OutboundStream is a stream supplied by the caller of Adapter.Send.
type OutboundStream struct {
	ContentType   string
	ContentLength int64
	Data          []byte
}

// Request is sent by the owning side of a transport.Adapter via Send.
type Request struct {
	Method  string
	Path    string
	Streams []OutboundStream
}

// Response is what Send returns: a status code plus the ordered streams the
// peer attached to its reply.
type Response struct {
	StatusCode int
	Streams    []Stream
}

// InboundRequest is a server-initiated request delivered to the handler
// registered with an Adapter.
type InboundRequest struct {
	Streams []Stream
}

// InboundResponse is what an inbound handler returns; it is framed back to
// the peer as a Response with zero streams.
type InboundResponse struct {
	StatusCode int
}

// InboundHandler processes one server-initiated request and returns the
// status to report back to the transport.
type InboundHandler func(req *InboundRequest) *InboundResponse

// DisconnectHandler is invoked asynchronously once the transport tears its
// connection down, whether the peer closed it or a local error caused it.
type DisconnectHandler func()
