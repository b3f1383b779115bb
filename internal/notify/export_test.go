package notify

import "github.com/cenkalti/backoff/v5"

// WithoutDelay makes d retry immediately.
func WithoutDelay(d *Dispatcher) *Dispatcher {
	d.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return d
}
