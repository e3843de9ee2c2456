// Package controller owns the connection state machine described in
// spec.md §4.4: URL construction, handshake, status publication, startup
// queue flush, reconnection with randomized backoff, and terminal shutdown.
package controller

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qzbxw/chatline/internal/inbound"
	"github.com/qzbxw/chatline/internal/outbound"
	"github.com/qzbxw/chatline/internal/refresh"
	"github.com/qzbxw/chatline/internal/stats"
	"github.com/qzbxw/chatline/internal/transport"
	"github.com/qzbxw/chatline/internal/wire"
)

// AdapterFactory builds a fresh transport.Adapter for one connection
// attempt. A new one is built per attempt, mirroring transport.WSAdapter's
// own "one adapter per connection" lifetime.
type AdapterFactory func(url string, header http.Header) transport.Adapter

// Config carries everything the controller needs that isn't learned at
// runtime.
type Config struct {
	Domain               string
	BotAgent             string
	ConversationID       string
	Token                *refresh.TokenStore
	NewAdapter           AdapterFactory
	RequestTimeout       time.Duration
	RefreshTokenLifetime time.Duration
	MaxRetryCount        int
	ReconnectDelayMin    time.Duration
	ReconnectDelaySpread time.Duration

	// Counters backs the ambient status surface's activity/reconnect
	// counts (SPEC_FULL.md §2.2). Owned by the facade so it survives
	// across every reconnect and is readable before the controller is
	// ever started.
	Counters *stats.Counters
}

// Controller is the single state machine driving one logical conversation
// across any number of reconnects.
type Controller struct {
	cfg    Config
	status *StatusBroadcaster
	sink   inbound.Sink
	queue  *startupQueue
	log    *log.Logger

	mu             sync.Mutex
	conversationID string
	adapter        transport.Adapter
	sender         *outbound.Sender
	retryBudget    int
	ended          bool
	suppressNext   bool // true while an explicit Reconnect owns the next handshake

	group    *errgroup.Group
	groupCtx context.Context
	cancel   context.CancelFunc
}

// New constructs a Controller. sink is the stable channel activities and
// terminal errors are published to; it outlives any single connection.
func New(cfg Config, status *StatusBroadcaster, sink inbound.Sink) *Controller {
	if cfg.Counters == nil {
		cfg.Counters = stats.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)
	c := &Controller{
		cfg:            cfg,
		status:         status,
		sink:           sink,
		conversationID: cfg.ConversationID,
		retryBudget:    cfg.MaxRetryCount,
		cancel:         cancel,
		group:          group,
		groupCtx:       groupCtx,
		log:            log.New(log.Writer(), "[controller] ", log.LstdFlags),
	}
	c.queue = newStartupQueue(sink)
	return c
}

// Start kicks off the first handshake and the token-refresh loop. It is
// called once, lazily, by the facade on first Activities() subscription.
func (c *Controller) Start() {
	c.group.Go(func() error {
		c.handshake()
		return nil
	})
	c.group.Go(func() error {
		refresher := refresh.New(c.cfg.Domain, c.cfg.BotAgent, c.cfg.Token, c.status, disconnectorFunc(c.disconnectActive), c.cfg.RefreshTokenLifetime, c.cfg.MaxRetryCount)
		refresher.Run(c.groupCtx)
		return nil
	})
}

// disconnectorFunc adapts a plain function to refresh.Disconnector and
// outbound.Disconnector.
type disconnectorFunc func()

func (f disconnectorFunc) Disconnect() { f() }

// connectURL rewrites the configured domain's scheme to ws/wss and appends
// the streaming handshake path and query parameters, per spec.md §4.4's URL
// construction rule.
func connectURL(domain, token, conversationID string) (string, error) {
	u, err := url.Parse(domain)
	if err != nil {
		return "", fmt.Errorf("controller: parse domain: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("controller: domain %q does not match ^https?://", domain)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/conversations/connect"

	q := url.Values{}
	q.Set("token", token)
	if conversationID != "" {
		q.Set("conversationId", conversationID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// handshake implements spec.md §4.4's eight handshake steps. Any failure
// along the way disconnects whatever adapter was reached, which re-enters
// through onDisconnect and takes the reconnect path.
func (c *Controller) handshake() {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	token, valid := c.cfg.Token.Current()
	if !valid {
		c.sink <- inbound.Event{Err: fmt.Errorf("%w", wire.ErrAuthExhausted)}
		return
	}

	c.queue.startQueueing() // step 1

	c.mu.Lock()
	conversationID := c.conversationID
	c.mu.Unlock()

	connURL, err := connectURL(c.cfg.Domain, token, conversationID)
	if err != nil {
		c.log.Printf("handshake: %v", err)
		c.onDisconnect()
		return
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("x-ms-bot-agent", wire.BotAgentHeader(c.cfg.BotAgent))

	adapter := c.cfg.NewAdapter(connURL, header)
	handler := inbound.New(c.sink, c.queue, c.cfg.Counters)
	adapter.RegisterInboundHandler(handler.Handle)
	adapter.RegisterDisconnectHandler(c.onDisconnect)

	ctx, cancel := context.WithTimeout(c.groupCtx, c.cfg.RequestTimeout)
	defer cancel()

	if err := adapter.Connect(ctx); err != nil { // step 2
		c.log.Printf("handshake: connect: %v", err)
		adapter.Disconnect()
		return
	}

	c.mu.Lock()
	c.adapter = adapter
	c.sender = outbound.New(adapter, disconnectorFunc(c.disconnectActive), c.getConversationID, c.cfg.Counters)
	c.mu.Unlock()

	req := &wire.Request{Method: http.MethodPost, Path: "/v3/directline/conversations"} // step 3
	resp, err := adapter.Send(ctx, req)
	if err != nil {
		c.log.Printf("handshake: start conversation: %v", err)
		adapter.Disconnect()
		return
	}
	if resp.StatusCode != http.StatusOK || len(resp.Streams) != 1 { // step 4
		c.log.Printf("handshake: unexpected conversation-start response: status=%d streams=%d", resp.StatusCode, len(resp.Streams))
		adapter.Disconnect()
		return
	}
	var started struct {
		ConversationID string `json:"conversationId"`
	}
	if err := resp.Streams[0].JSON(&started); err != nil {
		c.log.Printf("handshake: decode conversation-start response: %v", err)
		adapter.Disconnect()
		return
	}

	c.mu.Lock()
	c.conversationID = started.ConversationID
	c.mu.Unlock()

	c.status.Publish(wire.Online) // step 5; Publish offers synchronously, satisfying step 6's barrier
	c.queue.flush()                // step 7

	c.mu.Lock()
	c.retryBudget = c.cfg.MaxRetryCount // step 8
	c.mu.Unlock()
}

func (c *Controller) getConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// onDisconnect is spec.md §4.4's disconnection callback.
func (c *Controller) onDisconnect() {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	if c.suppressNext {
		// This disconnect was forced by an explicit Reconnect call, which
		// already owns the next handshake; the automatic retry path must
		// not also schedule one.
		c.suppressNext = false
		c.mu.Unlock()
		return
	}

	if _, valid := c.cfg.Token.Current(); !valid {
		c.mu.Unlock()
		c.sink <- inbound.Event{Err: fmt.Errorf("%w", wire.ErrAuthExhausted)}
		return
	}

	c.retryBudget--
	budget := c.retryBudget
	c.mu.Unlock()

	if budget <= 0 {
		c.sink <- inbound.Event{Err: fmt.Errorf("%w", wire.ErrRetriesExhausted)}
		return
	}

	c.status.Publish(wire.Connecting)
	c.cfg.Counters.IncReconnects()

	delay := c.cfg.ReconnectDelayMin + time.Duration(rand.Int63n(int64(c.cfg.ReconnectDelaySpread)))
	timer := time.NewTimer(delay)
	c.group.Go(func() error {
		select {
		case <-timer.C:
			c.handshake()
		case <-c.groupCtx.Done():
			timer.Stop()
		}
		return nil
	})
}

// disconnectActive tears down whatever adapter is currently live, without
// touching ended/retry state — used by the refresher and sender to force a
// reconnect; onDisconnect (invoked by the adapter itself) owns the decision
// of whether that reconnect happens.
func (c *Controller) disconnectActive() {
	c.mu.Lock()
	a := c.adapter
	c.mu.Unlock()
	if a != nil {
		a.Disconnect()
	}
}

// PostActivity posts an activity on the currently active transport.
func (c *Controller) PostActivity(ctx context.Context, activity wire.Activity) <-chan outbound.Result {
	c.mu.Lock()
	sender := c.sender
	c.mu.Unlock()

	if sender == nil {
		out := make(chan outbound.Result, 1)
		out <- outbound.Result{Err: fmt.Errorf("controller: no active connection")}
		return out
	}
	return sender.Post(ctx, activity)
}

// Reconnect swaps credentials and performs an explicit handshake, per
// spec.md §4.4: it does not pass through the retry counter.
func (c *Controller) Reconnect(ctx context.Context, conversationID, token string) error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return wire.ErrEnded
	}
	c.conversationID = conversationID
	a := c.adapter
	// Only an adapter that actually exists will fire onDisconnect; arm the
	// suppression flag exclusively for that case so it can never linger and
	// swallow an unrelated future disconnect.
	c.suppressNext = a != nil
	c.mu.Unlock()

	c.cfg.Token.Set(token)
	if a != nil {
		a.Disconnect()
	}

	done := make(chan struct{})
	c.group.Go(func() error {
		c.handshake()
		close(done)
		return nil
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// End is terminal: publishes Ended, disconnects the transport, cancels every
// background goroutine, and blocks until the handshake loop and the
// refresher have both exited, so the caller never observes a live adapter
// or status broadcaster touch after End returns. Idempotent.
func (c *Controller) End() {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	a := c.adapter
	c.mu.Unlock()

	c.status.Publish(wire.Ended)
	if a != nil {
		a.Disconnect()
	}
	c.cancel()
	if err := c.group.Wait(); err != nil {
		c.log.Printf("background goroutine exited with error: %v", err)
	}
}

// Status returns the broadcaster backing ConnectionStatus().
func (c *Controller) Status() *StatusBroadcaster { return c.status }

// Counters returns a snapshot of the activity/reconnect counts backing the
// ambient status surface (SPEC_FULL.md §2.2).
func (c *Controller) Counters() stats.Snapshot { return c.cfg.Counters.Snapshot() }
