package retry

import (
	"time"
)

// Backoff returns the delay before a message with the given retry count
// becomes retryable again: 2^retryCount minutes (0 -> 1m, 1 -> 2m, 2 -> 4m).
func Backoff(retryCount int) time.Duration {
	return time.Duration(1<<uint(retryCount)) * time.Minute
}

// NextAttemptAt is the earliest instant the read queries will hand the
// message out again, evaluated against the last failure.
func NextAttemptAt(lastRetryAt time.Time, retryCount int) time.Time {
	return lastRetryAt.Add(Backoff(retryCount))
}
