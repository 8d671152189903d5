//go:build !linux

package clock

import "time"

// epoch anchors the fallback clock. time.Since reads the runtime's monotonic
// reading, which is the closest portable equivalent of MONOTONIC_RAW.
var epoch = time.Now()

func now() uint64 {
	return uint64(time.Since(epoch))
}
