package queue

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// Policy bounds redelivery of a task.
type Policy struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // delay before the second attempt, doubled afterwards
	MaxDelay    time.Duration // cap on a single delay, zero for none
}

// DefaultPolicy is three attempts with exponential backoff from 500ms.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy().BaseDelay
	}
	return p
}

func (p Policy) backoff() retry.Backoff {
	b := retry.NewExponential(p.BaseDelay)
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}

	return retry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
}
