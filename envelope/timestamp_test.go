package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRandomPastTimestampStaysInWindow(t *testing.T) {
	window := int64(TimestampWindow / time.Second)

	for i := 0; i < 100; i++ {
		now := time.Now().Unix()
		ts := randomPastTimestamp()
		assert.LessOrEqual(t, ts, now+1)
		assert.GreaterOrEqual(t, ts, now-window)
	}
}

func TestRandomPastTimestampVaries(t *testing.T) {
	seen := make(map[int64]struct{})
	for i := 0; i < 50; i++ {
		seen[randomPastTimestamp()] = struct{}{}
	}
	// 50 draws over a two-day window collide only pathologically.
	assert.Greater(t, len(seen), 10)
}
