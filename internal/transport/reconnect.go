package transport

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// Reconnect modes accepted by NewPolicy.
const (
	ModeImmediate   = "immediate"
	ModeExponential = "exponential"
)

// ReconnectPolicy decides how long to wait before redialing.
type ReconnectPolicy interface {
	// Next returns the delay before the next attempt, or false to give up.
	Next() (time.Duration, bool)
	// Reset is called once a connection opens.
	Reset()
}

// Immediate redials without delay and never gives up. Under a sustained
// peer outage this dials in a tight loop.
type Immediate struct{}

func (Immediate) Next() (time.Duration, bool) { return 0, true }
func (Immediate) Reset()                      {}

// Exponential backs off between attempts up to maxInterval and retries forever.
type Exponential struct {
	b *backoff.ExponentialBackOff
}

func NewExponential(maxInterval time.Duration) *Exponential {
	b := backoff.NewExponentialBackOff()
	if maxInterval > 0 {
		b.MaxInterval = maxInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return &Exponential{b: b}
}

func (e *Exponential) Next() (time.Duration, bool) {
	d := e.b.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	return d, true
}

func (e *Exponential) Reset() { e.b.Reset() }

// NewPolicy builds the policy for a configured mode. An empty mode is immediate.
func NewPolicy(mode string, maxInterval time.Duration) (ReconnectPolicy, error) {
	switch mode {
	case "", ModeImmediate:
		return Immediate{}, nil
	case ModeExponential:
		return NewExponential(maxInterval), nil
	}
	return nil, fmt.Errorf("unknown reconnect mode %q", mode)
}
