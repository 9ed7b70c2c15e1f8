package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayBounds(t *testing.T) {
	// Base doubles per attempt and is capped at 30s; jitter adds up to 1s.
	cases := []struct {
		attempts int
		base     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second}, // 32s capped
		{10, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, tc := range cases {
		for i := 0; i < 50; i++ {
			d := backoffDelay(tc.attempts)
			assert.GreaterOrEqual(t, d, tc.base, "attempts=%d", tc.attempts)
			assert.Less(t, d, tc.base+time.Second, "attempts=%d", tc.attempts)
		}
	}
}

func TestBackoffDelayJitters(t *testing.T) {
	seen := make(map[time.Duration]struct{})
	for i := 0; i < 100; i++ {
		seen[backoffDelay(3)] = struct{}{}
	}
	// Full jitter over a 1s range should not collapse to one value.
	assert.Greater(t, len(seen), 1)
}

func TestAddRelaysValidation(t *testing.T) {
	p := New("0000000000000000000000000000000000000000000000000000000000000001", nil, 2, time.Second)

	added := p.AddRelays([]string{"wss://a.example", "https://bad.example", "", "wss://a.example"})
	assert.Equal(t, []string{"wss://a.example"}, added)

	// Cap is enforced.
	added = p.AddRelays([]string{"wss://b.example", "wss://c.example"})
	assert.Equal(t, []string{"wss://b.example"}, added)
	assert.Len(t, p.Relays(), 2)

	assert.True(t, p.RemoveRelay("wss://a.example"))
	assert.False(t, p.RemoveRelay("wss://a.example"))
	assert.Len(t, p.Relays(), 1)
}
