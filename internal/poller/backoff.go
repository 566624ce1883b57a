package poller

import "time"

// maxBackoffShift caps the retry multiplier at 2^5 = 32x.
const maxBackoffShift = 5

// NextDelay returns the wait before the next poll. With no failures it is the
// regular interval; otherwise retryDelay doubles per consecutive failure up
// to the cap. The failure count itself is never capped.
func NextDelay(failures int, interval, retryDelay time.Duration) time.Duration {
	if failures <= 0 {
		return interval
	}
	shift := failures - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return retryDelay * time.Duration(1<<uint(shift))
}
