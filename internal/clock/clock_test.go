package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNowUnixNanoMonotonic(t *testing.T) {
	a := NowUnixNano()
	b := NowUnixNano()
	assert.GreaterOrEqual(t, b, a)
}

func TestNowUnixNanoTracksWallClock(t *testing.T) {
	wall := uint64(time.Now().UnixNano())
	got := NowUnixNano()
	diff := int64(got) - int64(wall)
	if diff < 0 {
		diff = -diff
	}
	// Within one second of the real wall clock.
	assert.Less(t, diff, int64(time.Second))
}
