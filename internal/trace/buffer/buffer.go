// Package buffer implements the preallocated per-thread event logs.
//
// One ThreadTrace exists per possible thread slot. All storage is carved out
// once, at tracer initialization, and never grows: going down to the system
// allocator in the middle of a measurement would perturb exactly the timing
// the tool is built to observe. When a log fills up, further events from
// that thread are counted and dropped.
//
// Concurrency contract: a ThreadTrace is appended to by exactly one thread
// and read only during the single-threaded epilogue, so appends need no
// locks. Each ThreadTrace is padded to whole cache lines so two recording
// threads never contend a line.
package buffer

import (
	"unsafe"

	"github.com/cparra/memtracer/internal/trace/event"
)

const (
	// MaxThreads is the number of thread slots. A patient that creates
	// more threads than this gets a warning and the excess threads'
	// events are dropped.
	MaxThreads = 32

	// MaxThreadEvents is the capacity of each per-thread log.
	MaxThreadEvents = 64000

	// cacheLineSize is the assumed coherence granule.
	cacheLineSize = 64
)

// ThreadTrace is the event log of one thread slot.
//
// The trailing padding rounds the struct up to a multiple of the cache line
// so that adjacent slots in a Set never share one.
type ThreadTrace struct {
	events   []event.Event
	n        uint32
	_        uint32
	overflow uint64
	_        [3]uint64
}

// ThreadTrace must occupy whole cache lines. A size change that breaks the
// invariant fails to compile here.
const _ = -(unsafe.Sizeof(ThreadTrace{}) % cacheLineSize)

// Append records ev if the log has room, and otherwise bumps the overflow
// counter. It never allocates.
//
//go:nosplit
func (t *ThreadTrace) Append(ev event.Event) bool {
	idx := t.n
	if idx < uint32(len(t.events)) {
		t.events[idx] = ev
		t.n = idx + 1
		return true
	}
	t.overflow++
	return false
}

// Len returns the number of recorded events.
func (t *ThreadTrace) Len() int {
	return int(t.n)
}

// Overflow returns how many events were dropped because the log was full.
func (t *ThreadTrace) Overflow() uint64 {
	return t.overflow
}

// At returns a reference to the i-th recorded event. The reference stays
// valid for the lifetime of the Set; the merge pipeline relies on that to
// order events without copying them.
func (t *ThreadTrace) At(i int) *event.Event {
	return &t.events[i]
}

// Set is the full collection of thread slots.
type Set struct {
	traces [MaxThreads]ThreadTrace
}

// NewSet allocates every per-thread log up front.
func NewSet() *Set {
	s := &Set{}
	for i := range s.traces {
		s.traces[i].events = make([]event.Event, MaxThreadEvents)
	}
	return s
}

// Trace returns the log for a thread slot. The caller must have checked
// tid < MaxThreads.
//
//go:nosplit
func (s *Set) Trace(tid uint16) *ThreadTrace {
	return &s.traces[tid]
}

// Threads returns the number of slots.
func (s *Set) Threads() int {
	return len(s.traces)
}
