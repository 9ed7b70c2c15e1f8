package transport

import (
	"math/rand"
	"time"
)

// backoffCap is the maximum base delay between reconnect attempts.
const backoffCap = 30 * time.Second

// backoffDelay returns the reconnect delay for the given attempt count
// (1-based): min(30s, 1s·2^(attempts-1)) plus up to 1s of full jitter.
func backoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	base := time.Second
	for i := 1; i < attempts; i++ {
		base *= 2
		if base >= backoffCap {
			base = backoffCap
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	return base + jitter
}
