// Package clock provides an NTP-corrected clock. VoIP RTT-from-LSR/DLSR
// math and the JSON emitter's sent_at timestamps both need a clock that
// tracks real-world time more closely than an unsynchronized system
// clock on mesh hardware often does.
package clock

import (
	"sync"
	"time"

	"github.com/beevik/ntp"
)

// Clock returns the current, NTP-offset-corrected time.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	Unix() int64
}

// NTPClock periodically queries an NTP server and applies the measured
// offset on top of the local system clock, backing off on query
// failure instead of hammering the server.
type NTPClock struct {
	server       string
	syncInterval time.Duration
	backoffInit  time.Duration
	backoffMax   time.Duration

	mu        sync.RWMutex
	offset    time.Duration
	lastSync  time.Time
	lastError error
	backoff   time.Duration
}

// New creates an NTPClock against server (e.g. "pool.ntp.org"),
// resyncing every syncInterval absent failures. A failed initial sync
// is not fatal: the clock starts at zero offset and retries on the
// next call to Now.
func New(server string, syncInterval time.Duration) *NTPClock {
	c := &NTPClock{
		server:       server,
		syncInterval: syncInterval,
		backoffInit:  5 * time.Second,
		backoffMax:   5 * time.Minute,
	}
	if err := c.sync(); err != nil {
		c.mu.Lock()
		c.lastError = err
		c.mu.Unlock()
	}
	return c
}

// Now returns the current time with the last measured NTP offset
// applied, triggering a resync first if one is due.
func (c *NTPClock) Now() time.Time {
	c.maybeSync()
	c.mu.RLock()
	offset := c.offset
	c.mu.RUnlock()
	return time.Now().Add(offset)
}

func (c *NTPClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }
func (c *NTPClock) Unix() int64                     { return c.Now().Unix() }
func (c *NTPClock) UnixNano() int64                 { return c.Now().UnixNano() }

// Health reports whether the clock's last sync succeeded and, when
// threshold is positive, whether the measured offset stays within it.
func (c *NTPClock) Health(threshold time.Duration) (healthy bool, offset time.Duration, lastSync time.Time, lastErr error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	offset, lastSync, lastErr = c.offset, c.lastSync, c.lastError
	if lastErr != nil {
		return false, offset, lastSync, lastErr
	}
	if threshold > 0 && (offset < -threshold || offset > threshold) {
		return false, offset, lastSync, nil
	}
	return true, offset, lastSync, nil
}

func (c *NTPClock) maybeSync() {
	c.mu.RLock()
	effective := c.syncInterval
	if c.backoff > 0 {
		effective = c.backoff
		if effective > c.backoffMax {
			effective = c.backoffMax
		}
	}
	due := time.Since(c.lastSync) >= effective
	c.mu.RUnlock()
	if !due {
		return
	}

	if err := c.sync(); err != nil {
		c.mu.Lock()
		c.lastError = err
		if c.backoff == 0 {
			c.backoff = c.backoffInit
		} else {
			c.backoff *= 2
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.backoff = 0
	c.mu.Unlock()
}

func (c *NTPClock) sync() error {
	resp, err := ntp.Query(c.server)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.offset = resp.ClockOffset
	c.lastSync = time.Now()
	c.lastError = nil
	c.mu.Unlock()
	return nil
}

// System is a Clock that never corrects for NTP offset; used when no
// NTP server is configured.
type System struct{}

func (System) Now() time.Time                  { return time.Now() }
func (System) Since(t time.Time) time.Duration { return time.Since(t) }
func (System) Unix() int64                     { return time.Now().Unix() }
