package api

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterWindow(t *testing.T) {
	rl := newRateLimiter(2, slog.Default())
	now := time.Now()
	rl.now = func() time.Time { return now }

	// Up to the burst allowance (2x the limit) passes.
	for i := 0; i < 4; i++ {
		assert.True(t, rl.allow("10.0.0.2"), "request %d", i+1)
	}
	assert.False(t, rl.allow("10.0.0.2"))

	// Other sources have their own window.
	assert.True(t, rl.allow("10.0.0.3"))

	// A fresh window resets the count.
	now = now.Add(61 * time.Second)
	assert.True(t, rl.allow("10.0.0.2"))
}
