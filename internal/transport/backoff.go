package transport

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newConnectBackOff builds the connect back-off sequence 0, 1, 2, 4, 8, 16,
// 32, 60, 60, … : starts at 0, doubles on every failure, clamps to 60s, and
// resets to 0 on success.
func newConnectBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     1 * time.Second,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         60 * time.Second,
		MaxElapsedTime:      0, // never give up; the pool decides when to stop retrying
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return &firstAttemptIsImmediate{BackOff: b, first: true}
}

// firstAttemptIsImmediate makes the very first NextBackOff() return 0 (the
// connection is attempted right away), with every subsequent failure driving
// the normal exponential sequence starting at 1s.
type firstAttemptIsImmediate struct {
	backoff.BackOff
	first bool
}

func (f *firstAttemptIsImmediate) NextBackOff() time.Duration {
	if f.first {
		f.first = false
		return 0
	}
	return f.BackOff.NextBackOff()
}

func (f *firstAttemptIsImmediate) Reset() {
	f.first = true
	f.BackOff.Reset()
}
