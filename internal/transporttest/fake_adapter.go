// Package transporttest provides an in-memory transport.Adapter pair so
// tests can drive both the client and server side of the wire protocol
// without a real socket, the same shape modelcontextprotocol-go-sdk uses
// for its in-process transport tests.
package transporttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/qzbxw/chatline/internal/wire"
)

// Pair returns two linked adapters: Client (what the controller drives) and
// Server (what the test uses to script server behavior: push activities,
// answer handshake/post requests, force a close).
func Pair() (*Client, *Server) {
	c2s := make(chan turn, 16) // client writes, server reads
	s2c := make(chan turn, 16) // server writes, client reads
	srv := &Server{in: s2c, out: c2s, responders: make(map[string]func(*wire.Request) *wire.Response)}
	cli := &Client{in: s2c, out: c2s, pending: make(map[string]chan *wire.Response)}
	return cli, srv
}

type turn struct {
	id       string
	isReq    bool
	req      *wire.Request
	respCode int
	streams  []wire.Stream
}

// Client is the adapter the controller under test uses; it satisfies
// transport.Adapter.
type Client struct {
	in  <-chan turn
	out chan<- turn

	mu         sync.Mutex
	nextID     int
	pending    map[string]chan *wire.Response
	inbound    wire.InboundHandler
	onDisc     wire.DisconnectHandler
	closed     bool
	connectErr error
}

func (c *Client) Connect(ctx context.Context) error {
	if err := c.connectErr; err != nil {
		c.connectErr = nil
		return err
	}
	go c.pump()
	return nil
}

// FailNextConnect makes the next Connect call return err.
func (c *Client) FailNextConnect(err error) { c.connectErr = err }

func (c *Client) pump() {
	for t := range c.in {
		if t.isReq {
			go c.serveInbound(t)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[t.id]
		c.mu.Unlock()
		if ok {
			ch <- &wire.Response{StatusCode: t.respCode, Streams: t.streams}
		}
	}
	c.mu.Lock()
	h := c.onDisc
	c.mu.Unlock()
	if h != nil {
		h()
	}
}

func (c *Client) serveInbound(t turn) {
	c.mu.Lock()
	h := c.inbound
	c.mu.Unlock()

	resp := &wire.InboundResponse{StatusCode: 501}
	if h != nil {
		resp = h(&wire.InboundRequest{Streams: t.streams})
	}
	select {
	case c.out <- turn{id: t.id, isReq: false, respCode: resp.StatusCode}:
	default:
	}
}

func (c *Client) Send(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("transporttest: client closed")
	}
	c.nextID++
	id := fmt.Sprintf("%d", c.nextID)
	ch := make(chan *wire.Response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	select {
	case c.out <- turn{id: id, isReq: true, req: req}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) RegisterInboundHandler(h wire.InboundHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbound = h
}

func (c *Client) RegisterDisconnectHandler(h wire.DisconnectHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisc = h
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	h := c.onDisc
	c.mu.Unlock()
	close(c.out)
	if h != nil {
		go h()
	}
	return nil
}

// Server is the test-side handle used to script the remote end of the
// connection: answer requests the client sends, or push server-initiated
// requests to the client. A single goroutine (Serve) owns the shared
// channel; PushActivitySet hands its correlation id to that goroutine
// rather than reading the channel itself, so there is only ever one reader.
type Server struct {
	in  chan turn
	out <-chan turn

	mu         sync.Mutex
	responders map[string]func(*wire.Request) *wire.Response
	pushWaits  map[string]chan turn
	pushSeq    int
}

// OnRequest registers a canned responder for requests matching method+path.
// The most recently registered responder for a key wins.
func (s *Server) OnRequest(method, path string, fn func(*wire.Request) *wire.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responders[method+" "+path] = fn
}

// Serve drains client turns, answering requests via the registered
// responders and delivering push acks to PushActivitySet, until the
// underlying channel closes. Run it in a goroutine.
func (s *Server) Serve() {
	for t := range s.out {
		if t.isReq {
			s.mu.Lock()
			fn := s.responders[t.req.Method+" "+t.req.Path]
			s.mu.Unlock()

			resp := &wire.Response{StatusCode: 404}
			if fn != nil {
				resp = fn(t.req)
			}
			s.in <- turn{id: t.id, isReq: false, respCode: resp.StatusCode, streams: resp.Streams}
			continue
		}

		s.mu.Lock()
		waitCh, ok := s.pushWaits[t.id]
		if ok {
			delete(s.pushWaits, t.id)
		}
		s.mu.Unlock()
		if ok {
			waitCh <- t
		}
	}
}

// PushActivitySet sends a server-initiated request and returns the status
// code the client's inbound handler replied with.
func (s *Server) PushActivitySet(streams []wire.Stream) int {
	s.mu.Lock()
	s.pushSeq++
	id := fmt.Sprintf("push-%d", s.pushSeq)
	waitCh := make(chan turn, 1)
	if s.pushWaits == nil {
		s.pushWaits = make(map[string]chan turn)
	}
	s.pushWaits[id] = waitCh
	s.mu.Unlock()

	s.in <- turn{id: id, isReq: true, streams: streams}
	t := <-waitCh
	return t.respCode
}

// Close simulates the server closing the connection.
func (s *Server) Close() { close(s.in) }
