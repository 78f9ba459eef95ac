// Package clock provides a cheap wall-anchored nanosecond clock. The wall
// base is captured once at init and advanced by the monotonic reading, so
// producer and consumer on the same host see the same epoch and NowUnixNano
// costs one time.Since call on the hot path. Cross-host runs get best-effort
// wall accuracy only.
package clock

import "time"

var (
	baseWallNS = uint64(time.Now().UnixNano())
	baseMono   = time.Now()
)

// NowUnixNano returns the current UNIX time in nanoseconds, monotonic within
// the process.
func NowUnixNano() uint64 {
	return baseWallNS + uint64(time.Since(baseMono))
}
