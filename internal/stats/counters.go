// Package stats holds the shared counters the status surface reports,
// per SPEC_FULL.md §2.2: activities received, activities sent, and
// reconnect count.
package stats

import "sync/atomic"

// Counters is safe for concurrent use: inbound, outbound, and controller
// goroutines each increment their own counter independently, the same
// atomic-int idiom the facade's own tests use for call counting
// (internal/outbound's countingDisconnector, internal/credwatch's
// recordingReconnector).
type Counters struct {
	activitiesReceived int64
	activitiesSent     int64
	reconnects         int64
}

// New returns a zeroed Counters.
func New() *Counters {
	return &Counters{}
}

// IncActivitiesReceived records one inbound activity successfully decoded
// and routed.
func (c *Counters) IncActivitiesReceived() {
	atomic.AddInt64(&c.activitiesReceived, 1)
}

// IncActivitiesSent records one outbound post or upload that completed
// without error.
func (c *Counters) IncActivitiesSent() {
	atomic.AddInt64(&c.activitiesSent, 1)
}

// IncReconnects records one reconnect attempt scheduled after a transport
// disconnect (not the initial handshake).
func (c *Counters) IncReconnects() {
	atomic.AddInt64(&c.reconnects, 1)
}

// Snapshot is the JSON-serializable view of the counters at one instant.
type Snapshot struct {
	ActivitiesReceived int64 `json:"activitiesReceived"`
	ActivitiesSent     int64 `json:"activitiesSent"`
	Reconnects         int64 `json:"reconnects"`
}

// Snapshot reads all three counters as close to atomically as three
// independent int64 loads allow — acceptable here since the counters are
// reported for observability, not used for any control-flow decision.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		ActivitiesReceived: atomic.LoadInt64(&c.activitiesReceived),
		ActivitiesSent:     atomic.LoadInt64(&c.activitiesSent),
		Reconnects:         atomic.LoadInt64(&c.reconnects),
	}
}
