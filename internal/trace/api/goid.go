// Goroutine identity. Every hook needs to know which thread slot is
// running; goroutines are the tool's threads, and the runtime does not
// hand out their ids.
//
// On amd64 and arm64 the id is read straight out of the runtime's g
// struct through a two-instruction assembly stub (goid_fast.go), so the
// access-filter hot path stays at a couple of nanoseconds. Everywhere
// else the id is parsed from the first stack-trace line, which costs
// on the order of a microsecond per call; the fast path exists precisely
// because that cost is unacceptable between entering and leaving an
// access callback.

package api

import "runtime"

// goid returns the id of the calling goroutine.
func goid() int64 {
	return goidFast()
}

// goidSlow extracts the goroutine id by parsing the stack header,
// "goroutine 123 [running]:\n...". It works on every platform and Go
// version, and anchors the fast path's startup calibration. Only the
// header is needed, so a 64-byte buffer suffices and nothing escapes to
// the heap.
func goidSlow() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)

	const prefix = "goroutine "
	if n <= len(prefix) {
		return 0
	}
	id := int64(0)
	for _, c := range buf[len(prefix):n] {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + int64(c-'0')
	}
	return id
}
