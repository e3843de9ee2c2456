package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/qzbxw/chatline/internal/wire"
)

// echoServer answers every incoming request turn with a 200 and the same
// streams it received, proving the header+N-binary-frame wire encoding from
// SPEC_FULL.md §2.1 round-trips over a real gorilla/websocket connection.
func echoServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var hdr frameHeader
			require.NoError(t, json.Unmarshal(data, &hdr))
			if hdr.Kind != kindRequest {
				continue
			}

			frames := make([][]byte, len(hdr.Streams))
			for i := range hdr.Streams {
				_, frame, err := conn.ReadMessage()
				if err != nil {
					return
				}
				frames[i] = frame
			}

			respHdr := frameHeader{ID: hdr.ID, Kind: kindResponse, StatusCode: http.StatusOK, Streams: hdr.Streams}
			payload, _ := json.Marshal(respHdr)
			conn.WriteMessage(websocket.TextMessage, payload)
			for _, f := range frames {
				conn.WriteMessage(websocket.BinaryMessage, f)
			}
		}
	}))
}

func TestWSAdapter_SendRoundTrip(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	adapter := NewWSAdapter(wsURL, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, adapter.Connect(ctx))
	defer adapter.Disconnect()

	req := &wire.Request{
		Method: http.MethodPost,
		Path:   "/v3/directline/conversations",
		Streams: []wire.OutboundStream{
			{ContentType: "application/json", Data: []byte(`{"hello":"world"}`)},
		},
	}
	resp, err := adapter.Send(ctx, req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, resp.Streams, 1)

	body, err := resp.Streams[0].Bytes()
	require.NoError(t, err)
	require.JSONEq(t, `{"hello":"world"}`, string(body))
}

func TestWSAdapter_DisconnectFiresCallbackExactlyOnce(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	adapter := NewWSAdapter(wsURL, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, adapter.Connect(ctx))

	calls := make(chan struct{}, 8)
	adapter.RegisterDisconnectHandler(func() { calls <- struct{}{} })

	require.NoError(t, adapter.Disconnect())
	require.NoError(t, adapter.Disconnect()) // idempotent

	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("disconnect handler never fired")
	}
	select {
	case <-calls:
		t.Fatal("disconnect handler fired more than once")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWSAdapter_ServerInitiatedRequestInvokesInboundHandler(t *testing.T) {
	upgrader := websocket.Upgrader{}
	receivedStatus := make(chan int, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		hdr := frameHeader{ID: "push-1", Kind: kindRequest, Streams: []streamMeta{{ContentType: "application/json", Length: 2}}}
		payload, _ := json.Marshal(hdr)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte(`{}`)))

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var respHdr frameHeader
		require.NoError(t, json.Unmarshal(data, &respHdr))
		receivedStatus <- respHdr.StatusCode
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	adapter := NewWSAdapter(wsURL, nil)
	adapter.RegisterInboundHandler(func(req *wire.InboundRequest) *wire.InboundResponse {
		return &wire.InboundResponse{StatusCode: http.StatusOK}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, adapter.Connect(ctx))
	defer adapter.Disconnect()

	select {
	case status := <-receivedStatus:
		require.Equal(t, http.StatusOK, status)
	case <-time.After(time.Second):
		t.Fatal("server never received the inbound ack")
	}
}
