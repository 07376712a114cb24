package relay

import (
	"time"
)

// Reconnect tracks exponential backoff between connection attempts:
// delays double from the minimum up to the cap, and Reset returns to
// the minimum after a successful connection.
type Reconnect struct {
	minTimeout time.Duration
	maxTimeout time.Duration

	timeout time.Duration
}

func NewReconnect(minTimeout time.Duration, maxTimeout time.Duration) *Reconnect {
	return &Reconnect{
		minTimeout: minTimeout,
		maxTimeout: maxTimeout,
		timeout:    minTimeout,
	}
}

// the current delay, then doubles for next time
func (self *Reconnect) NextTimeout() time.Duration {
	timeout := self.timeout
	self.timeout = min(2*self.timeout, self.maxTimeout)
	return timeout
}

func (self *Reconnect) After() <-chan time.Time {
	return time.After(self.NextTimeout())
}

func (self *Reconnect) Reset() {
	self.timeout = self.minTimeout
}
