package stats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCounters_ConcurrentIncrementsAreAccountedFor(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); c.IncActivitiesReceived() }()
		go func() { defer wg.Done(); c.IncActivitiesSent() }()
		go func() { defer wg.Done(); c.IncReconnects() }()
	}
	wg.Wait()

	snap := c.Snapshot()
	require.EqualValues(t, 100, snap.ActivitiesReceived)
	require.EqualValues(t, 100, snap.ActivitiesSent)
	require.EqualValues(t, 100, snap.Reconnects)
}
