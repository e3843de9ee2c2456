package controller

import (
	"context"
	"sync"

	"github.com/qzbxw/chatline/internal/wire"
)

// StatusBroadcaster is connectionStatus$: a current-value-replaying,
// multicast channel of wire.ConnectionStatus. Grounded on
// qzbxw-EGO/internal/handlers/stream_manager.go's Job.Subscribe/Broadcast
// (history replay to new subscribers), collapsed to a single most-recent
// value instead of a full event history since only the latest status
// matters here.
type StatusBroadcaster struct {
	mu          sync.Mutex
	current     wire.ConnectionStatus
	initialized bool
	subscribers map[chan wire.ConnectionStatus]struct{}
}

// NewStatusBroadcaster starts in wire.Uninitialized.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		current:     wire.Uninitialized,
		subscribers: make(map[chan wire.ConnectionStatus]struct{}),
	}
}

// Subscribe returns a channel that immediately (synchronously, before
// Subscribe returns) receives the current status, then every subsequent
// transition. The channel is buffered so a slow subscriber cannot stall
// Publish.
func (b *StatusBroadcaster) Subscribe() chan wire.ConnectionStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan wire.ConnectionStatus, 8)
	ch <- b.current
	b.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe stops delivery and closes ch.
func (b *StatusBroadcaster) Unsubscribe(ch chan wire.ConnectionStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// Publish sets the current status and offers it to every subscriber. It
// returns only once every subscriber's channel has been offered the new
// value. The controller's "await Online" barrier relies on this: it flushes
// the startup queue right after Publish(wire.Online) returns, with no
// separate AwaitOnline call.
func (b *StatusBroadcaster) Publish(status wire.ConnectionStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = status
	for ch := range b.subscribers {
		select {
		case ch <- status:
		default:
			// A full buffer means the subscriber already has every status up
			// to and including a prior identical or stale value queued;
			// dropping here would violate at-least-once delivery of
			// Online, so drain one stale slot and retry once.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- status:
			default:
			}
		}
	}
}

// Current returns the most recently published status.
func (b *StatusBroadcaster) Current() wire.ConnectionStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// AwaitOnline blocks until the status reaches wire.Online or ctx is
// canceled. It implements refresh.StatusWaiter.
func (b *StatusBroadcaster) AwaitOnline(ctx context.Context) error {
	if b.Current() == wire.Online {
		return nil
	}
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)
	for {
		select {
		case s := <-ch:
			if s == wire.Online {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
