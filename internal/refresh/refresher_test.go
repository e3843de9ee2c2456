package refresh

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qzbxw/chatline/internal/wire"
)

type alwaysOnline struct{}

func (alwaysOnline) AwaitOnline(ctx context.Context) error { return nil }

type countingDisconnector struct{ calls int32 }

func (d *countingDisconnector) Disconnect() { atomic.AddInt32(&d.calls, 1) }

func (d *countingDisconnector) count() int { return int(atomic.LoadInt32(&d.calls)) }

func TestRefresher_FatalOn403Disconnects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	tokens := NewTokenStore("initial")
	disc := &countingDisconnector{}
	r := New(srv.URL, "", tokens, alwaysOnline{}, disc, 20*time.Millisecond, 3)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Run(ctx)

	require.Equal(t, 1, disc.count())
	_, valid := tokens.Current()
	require.True(t, valid, "403 is fatal, not an auth-exhaustion event: token store is untouched")
}

func TestRefresher_SuccessRotatesToken(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The first refresh presents the initial token; every later tick
		// presents the token the previous refresh rotated in.
		want := "Bearer rotated"
		if atomic.AddInt32(&calls, 1) == 1 {
			want = "Bearer initial"
		}
		require.Equal(t, want, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"token":"rotated"}`))
	}))
	defer srv.Close()

	tokens := NewTokenStore("initial")
	disc := &countingDisconnector{}
	r := New(srv.URL, "", tokens, alwaysOnline{}, disc, 20*time.Millisecond, 3)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(40 * time.Millisecond)
		cancel()
	}()
	r.Run(ctx)

	token, valid := tokens.Current()
	require.True(t, valid)
	require.Equal(t, "rotated", token)
	require.Equal(t, 0, disc.count())
}

func TestRefresher_ExhaustsRetryBudgetOnRepeatedErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tokens := NewTokenStore("initial")
	disc := &countingDisconnector{}
	r := New(srv.URL, "", tokens, alwaysOnline{}, disc, 20*time.Millisecond, 2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Run(ctx)

	require.Equal(t, 1, disc.count())
	_, valid := tokens.Current()
	require.False(t, valid, "exhausted retries must clear the token")
}

func TestBotAgentHeader(t *testing.T) {
	require.Equal(t, "DirectLine/3.0 (directlineStreaming)", wire.BotAgentHeader(""))
	require.Equal(t, "DirectLine/3.0 (directlineStreaming; myBot)", wire.BotAgentHeader("myBot"))
}
