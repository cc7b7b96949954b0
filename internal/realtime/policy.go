package realtime

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy tunes reconnection after a failed dial or a dropped connection.
type Policy struct {
	// MaxAttempts caps reconnect attempts per outage.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the randomization factor applied to each delay, in [0, 1).
	Jitter float64
}

// DefaultPolicy is 5 attempts starting at 2s, doubling, capped at 10s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    10 * time.Second,
		Jitter:      0.5,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = d.Jitter
	}
	return p
}

// backOff builds the retry schedule. It returns backoff.Stop once
// MaxAttempts delays have been handed out or ctx is done.
func (p Policy) backOff(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = p.Jitter
	eb.MaxInterval = p.MaxDelay
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts)), ctx)
}
