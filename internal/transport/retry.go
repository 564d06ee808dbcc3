package transport

import "time"

// RetryConfig controls the backoff schedule for one request chain.
type RetryConfig struct {
	MaxRetries           int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	BackoffMultiplier    float64
	RetryableStatusCodes map[int]bool
}

// DefaultRetryConfig returns the engine's standard policy: three retries,
// 1s base doubling to a 10s cap, with 404 treated as retryable because the
// itinerary service returns it while generation is still in progress.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
		RetryableStatusCodes: map[int]bool{
			404: true,
			408: true,
			429: true,
			500: true,
			502: true,
			503: true,
			504: true,
		},
	}
}

// Delay returns the wait before retry n (0-based): min(base*mult^n, max).
// No jitter; the schedule is deterministic.
func (rc *RetryConfig) Delay(retry int) time.Duration {
	d := float64(rc.BaseDelay)
	for i := 0; i < retry; i++ {
		d *= rc.BackoffMultiplier
	}
	if max := float64(rc.MaxDelay); d > max {
		d = max
	}
	return time.Duration(d)
}

// Retryable reports whether the status code is in the retryable set.
func (rc *RetryConfig) Retryable(status int) bool {
	return rc.RetryableStatusCodes[status]
}

func (rc *RetryConfig) withDefaults() *RetryConfig {
	if rc == nil {
		return DefaultRetryConfig()
	}
	out := *rc
	if out.BaseDelay == 0 {
		out.BaseDelay = time.Second
	}
	if out.MaxDelay == 0 {
		out.MaxDelay = 10 * time.Second
	}
	if out.BackoffMultiplier == 0 {
		out.BackoffMultiplier = 2
	}
	if out.RetryableStatusCodes == nil {
		out.RetryableStatusCodes = DefaultRetryConfig().RetryableStatusCodes
	}
	return &out
}
