package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Keepalive keeps one outbound direction from going silent. Every outbound write calls
// Touch; when nothing was sent for a full interval, Run calls probe once and starts a
// new interval.
type Keepalive struct {
	interval time.Duration
	probe    func() error
	now      func() time.Time
	after    func(time.Duration) <-chan time.Time

	mu   sync.Mutex
	last time.Time

	probes atomic.Int64
}

// NewKeepalive returns a Keepalive that calls probe after interval of outbound silence.
func NewKeepalive(interval time.Duration, probe func() error) *Keepalive {
	k := &Keepalive{
		interval: interval,
		probe:    probe,
		now:      time.Now,
		after:    time.After,
	}
	k.last = k.now()
	return k
}

// Touch records outbound activity.
func (k *Keepalive) Touch() {
	k.mu.Lock()
	k.last = k.now()
	k.mu.Unlock()
}

// LastActivity returns the time of the last recorded outbound activity.
func (k *Keepalive) LastActivity() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.last
}

// Probes returns the number of probes sent.
func (k *Keepalive) Probes() int64 {
	return k.probes.Load()
}

// remaining returns how long until a probe is due. It is <= 0 when a probe is due now.
func (k *Keepalive) remaining() time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.interval - k.now().Sub(k.last)
}

// Run probes until ctx is done or a probe fails. A zero interval disables probing.
func (k *Keepalive) Run(ctx context.Context) error {
	if k.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	for {
		if wait := k.remaining(); wait > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-k.after(wait):
			}
			continue
		}

		if err := k.probe(); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		k.probes.Add(1)
		k.Touch()
	}
}
