package registry

import "sync/atomic"

// versionClock stamps published snapshots with strictly increasing versions.
//
// Only the registry writer calls Next, but Current may be read from any
// goroutine.
type versionClock struct {
	seq atomic.Int64
}

// Next returns the next version and advances the clock.
func (c *versionClock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last version handed out, or 0 if none.
func (c *versionClock) Current() int64 {
	return c.seq.Load()
}
