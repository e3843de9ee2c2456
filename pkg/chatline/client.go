// Package chatline is the public surface of the streaming chat-channel
// client: a single Client type wrapping connection handshake, reconnection,
// token refresh, and activity send/receive behind a small set of channels.
package chatline

import (
	"context"
	"net/http"
	"sync"

	"github.com/qzbxw/chatline/internal/config"
	"github.com/qzbxw/chatline/internal/controller"
	"github.com/qzbxw/chatline/internal/inbound"
	"github.com/qzbxw/chatline/internal/outbound"
	"github.com/qzbxw/chatline/internal/refresh"
	"github.com/qzbxw/chatline/internal/stats"
	"github.com/qzbxw/chatline/internal/transport"
	"github.com/qzbxw/chatline/internal/wire"
)

// Config is re-exported so callers never need to import internal/config
// directly.
type Config = config.Config

// ActivityEvent is one item off Activities(): either a successfully
// delivered Activity, or a terminal error (ErrMalformedActivitySet,
// ErrAuthExhausted, or ErrRetriesExhausted) after which no further
// activities will arrive.
type ActivityEvent struct {
	Activity *wire.Activity
	Err      error
}

// PostResult is the outcome of a PostActivity call: the server-assigned
// activity ID on success, or an error.
type PostResult = outbound.Result

// Client is a streaming chat-channel connection. The zero value is not
// usable; construct one with New.
type Client struct {
	cfg config.Config

	mu         sync.Mutex
	started    bool
	ctrl       *controller.Controller
	status     *controller.StatusBroadcaster
	sink       chan inbound.Event
	activities chan ActivityEvent
	counters   *stats.Counters

	// testAdapterFactory, set only by tests in this package, replaces the
	// real WSAdapter with an in-memory transporttest pair.
	testAdapterFactory controller.AdapterFactory
}

// New constructs a Client from cfg. No network activity happens until the
// first Activities(), PostActivity or Reconnect call, per the facade's
// lazy-start contract.
func New(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		status:     controller.NewStatusBroadcaster(),
		sink:       make(chan inbound.Event, 64),
		activities: make(chan ActivityEvent, 64),
		counters:   stats.New(),
	}
}

// ensureStarted lazily builds the controller and kicks off the handshake
// and refresh loop, exactly once, the first time any caller needs it.
func (c *Client) ensureStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true

	newAdapter := c.testAdapterFactory
	if newAdapter == nil {
		newAdapter = func(url string, header http.Header) transport.Adapter { return transport.NewWSAdapter(url, header) }
	}

	ctrlCfg := controller.Config{
		Domain:               c.cfg.Domain,
		BotAgent:             c.cfg.BotAgent,
		ConversationID:       c.cfg.ConversationID,
		Token:                refresh.NewTokenStore(c.cfg.Token),
		NewAdapter:           newAdapter,
		RequestTimeout:       c.cfg.RequestTimeout,
		RefreshTokenLifetime: c.cfg.RefreshTokenLifetime,
		MaxRetryCount:        c.cfg.MaxRetryCount,
		ReconnectDelayMin:    c.cfg.ReconnectDelayMin,
		ReconnectDelaySpread: c.cfg.ReconnectDelaySpread,
		Counters:             c.counters,
	}
	c.ctrl = controller.New(ctrlCfg, c.status, c.sink)

	go c.pump()
	c.ctrl.Start()
}

// pump relays internal inbound events onto the public ActivityEvent
// channel, translating between the two wrapper types. After the first
// terminal error it keeps draining the sink but relays nothing more.
func (c *Client) pump() {
	terminated := false
	for ev := range c.sink {
		if terminated {
			continue
		}
		c.activities <- ActivityEvent{Activity: ev.Activity, Err: ev.Err}
		terminated = ev.Err != nil
	}
}

// Activities returns the stream of inbound activities and terminal errors.
// Subscribing triggers the first connection attempt.
func (c *Client) Activities() <-chan ActivityEvent {
	c.ensureStarted()
	return c.activities
}

// ConnectionStatus returns a channel of connection status transitions; the
// current status is replayed to a new subscriber before any live updates.
// Subscribing does not itself trigger a connection attempt — call
// Activities() (or rely on an earlier call to it) for that.
func (c *Client) ConnectionStatus() <-chan wire.ConnectionStatus {
	return c.status.Subscribe()
}

// PostActivity sends an activity on the current connection. The returned
// channel receives exactly one PostResult.
func (c *Client) PostActivity(ctx context.Context, a wire.Activity) <-chan PostResult {
	c.ensureStarted()
	return c.ctrl.PostActivity(ctx, a)
}

// Reconnect forces a fresh handshake with new credentials, bypassing the
// reconnect retry budget. Use this when an external credential rotation
// (e.g. internal/credwatch) invalidates the current token.
func (c *Client) Reconnect(ctx context.Context, conversationID, token string) error {
	c.ensureStarted()
	return c.ctrl.Reconnect(ctx, conversationID, token)
}

// Counters returns a snapshot of the activities-received, activities-sent,
// and reconnect counts (SPEC_FULL.md §2.2). Readable even before the first
// Activities() subscription starts the connection.
func (c *Client) Counters() stats.Snapshot {
	return c.counters.Snapshot()
}

// End shuts the client down permanently. Idempotent.
func (c *Client) End() {
	c.mu.Lock()
	ctrl := c.ctrl
	c.mu.Unlock()
	if ctrl != nil {
		ctrl.End()
	}
}
