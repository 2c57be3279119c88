package platform

import "time"

var epoch = time.Now()

// Now returns monotonic microseconds since process start. All backends
// stamp events with it so tap/hold timing never depends on wall-clock
// adjustments.
func Now() uint64 {
	return uint64(time.Since(epoch).Microseconds())
}
