package transport

import "time"

// BackoffDelay returns the reconnect delay for the zero-based attempt: base doubled per
// attempt, capped at ceiling.
func BackoffDelay(attempt int, base, ceiling time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if ceiling < base {
		ceiling = base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= ceiling || d <= 0 {
			return ceiling
		}
	}
	return d
}
