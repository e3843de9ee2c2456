package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/qzbxw/chatline/internal/wire"
)

// Wire framing: each logical request/response "turn" is one JSON text frame
// (frameHeader) immediately followed by Streams-many binary frames, one per
// content stream, written back-to-back under a single write lock so a turn
// is never interleaved with another turn from the same side. See
// SPEC_FULL.md §2.1.
type frameHeader struct {
	ID         string       `json:"id"`
	Kind       string       `json:"kind"` // "request" or "response"
	Method     string       `json:"method,omitempty"`
	Path       string       `json:"path,omitempty"`
	StatusCode int          `json:"statusCode,omitempty"`
	Streams    []streamMeta `json:"streams"`
}

type streamMeta struct {
	ContentType string `json:"contentType"`
	Length      int64  `json:"length"`
}

const (
	kindRequest  = "request"
	kindResponse = "response"

	writeWait  = 10 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WSAdapter is the Adapter implementation over a gorilla/websocket
// connection. It owns exactly one websocket.Conn for its lifetime; a fresh
// WSAdapter is constructed per reconnection attempt.
type WSAdapter struct {
	url        string
	header     http.Header
	log        *log.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	pendingMu sync.Mutex
	pending   map[string]chan *wire.Response

	inboundMu sync.RWMutex
	inbound   wire.InboundHandler

	disconnectMu sync.RWMutex
	onDisconnect wire.DisconnectHandler

	closeOnce sync.Once
	done      chan struct{}
}

// NewWSAdapter constructs an adapter for the given connect URL and request
// headers. Connect must be called before Send.
func NewWSAdapter(url string, header http.Header) *WSAdapter {
	return &WSAdapter{
		url:     url,
		header:  header,
		log:     log.New(log.Writer(), "[transport] ", log.LstdFlags),
		pending: make(map[string]chan *wire.Response),
		done:    make(chan struct{}),
	}
}

func (a *WSAdapter) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 20 * time.Second}
	conn, _, err := dialer.DialContext(ctx, a.url, a.header)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", a.url, err)
	}
	conn.SetReadLimit(64 * 1024 * 1024)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	a.conn = conn
	go a.readPump()
	go a.pingLoop()
	return nil
}

func (a *WSAdapter) RegisterInboundHandler(h wire.InboundHandler) {
	a.inboundMu.Lock()
	defer a.inboundMu.Unlock()
	a.inbound = h
}

func (a *WSAdapter) RegisterDisconnectHandler(h wire.DisconnectHandler) {
	a.disconnectMu.Lock()
	defer a.disconnectMu.Unlock()
	a.onDisconnect = h
}

// Send writes a request turn and blocks until the correlated response turn
// arrives, the context is canceled, or the connection closes.
func (a *WSAdapter) Send(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	id := uuid.NewString()
	respCh := make(chan *wire.Response, 1)

	a.pendingMu.Lock()
	a.pending[id] = respCh
	a.pendingMu.Unlock()
	defer func() {
		a.pendingMu.Lock()
		delete(a.pending, id)
		a.pendingMu.Unlock()
	}()

	hdr := frameHeader{ID: id, Kind: kindRequest, Method: req.Method, Path: req.Path}
	for _, s := range req.Streams {
		hdr.Streams = append(hdr.Streams, streamMeta{ContentType: s.ContentType, Length: s.ContentLength})
	}

	if err := a.writeTurn(hdr, req.Streams); err != nil {
		return nil, fmt.Errorf("transport: send request: %w", err)
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
		return nil, fmt.Errorf("transport: connection closed while awaiting response")
	}
}

func (a *WSAdapter) writeTurn(hdr frameHeader, streams []wire.OutboundStream) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	a.conn.SetWriteDeadline(time.Now().Add(writeWait))
	payload, err := json.Marshal(hdr)
	if err != nil {
		return fmt.Errorf("encode frame header: %w", err)
	}
	if err := a.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return err
	}
	for _, s := range streams {
		a.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := a.conn.WriteMessage(websocket.BinaryMessage, s.Data); err != nil {
			return err
		}
	}
	return nil
}

func (a *WSAdapter) readPump() {
	defer a.signalDisconnect()

	for {
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				a.log.Printf("read error: %v", err)
			}
			return
		}

		var hdr frameHeader
		if err := json.Unmarshal(data, &hdr); err != nil {
			a.log.Printf("malformed frame header: %v", err)
			continue
		}

		streams := make([]wire.Stream, 0, len(hdr.Streams))
		for _, meta := range hdr.Streams {
			_, frame, err := a.conn.ReadMessage()
			if err != nil {
				a.log.Printf("read stream frame: %v", err)
				return
			}
			streams = append(streams, &wire.BufferStream{Type: meta.ContentType, Data: frame})
		}

		switch hdr.Kind {
		case kindResponse:
			a.pendingMu.Lock()
			ch, ok := a.pending[hdr.ID]
			a.pendingMu.Unlock()
			if ok {
				ch <- &wire.Response{StatusCode: hdr.StatusCode, Streams: streams}
			}
		case kindRequest:
			go a.handleInbound(hdr.ID, streams)
		default:
			a.log.Printf("unknown frame kind %q", hdr.Kind)
		}
	}
}

func (a *WSAdapter) handleInbound(id string, streams []wire.Stream) {
	a.inboundMu.RLock()
	h := a.inbound
	a.inboundMu.RUnlock()

	resp := &wire.InboundResponse{StatusCode: http.StatusNotImplemented}
	if h != nil {
		resp = h(&wire.InboundRequest{Streams: streams})
	}

	respHdr := frameHeader{ID: id, Kind: kindResponse, StatusCode: resp.StatusCode}
	if err := a.writeTurn(respHdr, nil); err != nil {
		a.log.Printf("failed to ack inbound request %s: %v", id, err)
	}
}

func (a *WSAdapter) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.writeMu.Lock()
			a.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := a.conn.WriteMessage(websocket.PingMessage, nil)
			a.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-a.done:
			return
		}
	}
}

func (a *WSAdapter) signalDisconnect() {
	a.closeOnce.Do(func() {
		close(a.done)
		if a.conn != nil {
			a.conn.Close()
		}
		a.disconnectMu.RLock()
		h := a.onDisconnect
		a.disconnectMu.RUnlock()
		if h != nil {
			go h()
		}
	})
}

// Disconnect tears the connection down. Idempotent: if no connection was
// ever established, it still fires the disconnect callback exactly once;
// otherwise closing the socket makes readPump observe the error and run
// signalDisconnect itself.
func (a *WSAdapter) Disconnect() error {
	if a.conn == nil {
		a.signalDisconnect()
		return nil
	}
	a.conn.Close()
	return nil
}
