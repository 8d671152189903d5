// Package tracker implements the marker state machine and the tracked block.
//
// The patient pairs one select-next-block marker with one call to the
// observed allocator; the tracker enforces that the select, the allocator
// entry, and the allocator exit happen in exactly that order, and that at
// most one allocator call is ever paired with one selection even when other
// threads allocate concurrently.
//
// All transitions are serialized by a single mutex. The access filter, in
// contrast, reads the block bounds lock-free on every memory access; that is
// safe because the bounds are published with atomic stores and because the
// unsigned offset bound check rejects any half-published state on its own.
package tracker

import (
	"errors"
	"sync"
	"sync/atomic"
)

// State is the position in the select → allocator-entry → allocator-exit
// cycle.
type State uint32

const (
	// NoSelection means the next allocator call is ignored.
	NoSelection State = iota
	// PreAlloc means a block was selected and the allocator entry has not
	// fired yet.
	PreAlloc
	// PostAlloc means the allocator entry fired and its exit is awaited.
	PostAlloc
)

var (
	// ErrNoBlock is returned when start-tracing fires without a
	// successfully observed allocation.
	ErrNoBlock = errors.New("no tracked block: was select-next-block called before the allocation to trace?")

	// ErrAllocatorFailure is returned when the observed allocator
	// returns a nil block.
	ErrAllocatorFailure = errors.New("allocator failed and returned a nil block")

	// ErrZeroSize is returned when the observed allocator was called
	// with size zero.
	ErrZeroSize = errors.New("allocator called with size zero: nothing to trace")
)

// Block is the tracked heap region.
//
// Fields are atomics because the filter path reads them without taking the
// tracker lock. Publication order does not matter for correctness: until
// traced flips to true the filter bails out, and a torn read of start/size
// can only make the bound check fail, never pass.
type Block struct {
	start  atomic.Uintptr
	end    atomic.Uintptr
	size   atomic.Uint64
	traced atomic.Bool
}

// Locate maps an effective address to an offset inside the block.
//
// It reports false when tracing is off, the block is empty, or the address
// is outside the block. The offset is computed with wrapping unsigned
// subtraction, so an address below the block produces a huge offset that
// fails the single bound check; no separate lower-bound comparison exists.
//
//go:nosplit
func (b *Block) Locate(addr uintptr) (uintptr, bool) {
	if !b.traced.Load() {
		return 0, false
	}
	size := uintptr(b.size.Load())
	if size == 0 {
		return 0, false
	}
	off := addr - b.start.Load()
	if off >= size {
		return 0, false
	}
	return off, true
}

// Traced reports whether the block is currently being traced.
func (b *Block) Traced() bool {
	return b.traced.Load()
}

// clear resets the block to its neutral state. Traced is cleared first so
// the filter stops matching before the bounds disappear.
func (b *Block) clear() {
	b.traced.Store(false)
	b.start.Store(0)
	b.end.Store(0)
	b.size.Store(0)
}

// Snapshot is the published block description used for the METADATA section.
type Snapshot struct {
	Start uintptr
	End   uintptr
	Size  uintptr
}

// Tracker owns the marker state machine and the single tracked block.
type Tracker struct {
	mu    sync.Mutex
	state State
	block Block
}

// New returns a tracker in the neutral state.
func New() *Tracker {
	return &Tracker{}
}

// Block exposes the tracked block for the lock-free filter path.
func (t *Tracker) Block() *Block {
	return &t.block
}

// Select arms the tracker: the next allocator call will be observed.
// A second select before the allocator call simply re-arms.
func (t *Tracker) Select() {
	t.mu.Lock()
	t.state = PreAlloc
	t.mu.Unlock()
}

// AllocEnter observes the allocator entry. It only acts when a selection is
// armed; allocator calls in any other state are ignored.
func (t *Tracker) AllocEnter(size uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != PreAlloc {
		return
	}
	t.state = PostAlloc
	t.block.size.Store(uint64(size))
}

// AllocExit observes the allocator return. When it completes a pairing it
// publishes the block bounds and returns published=true with a snapshot for
// the metadata section.
//
// A nil return value yields ErrAllocatorFailure; a zero requested size
// yields ErrZeroSize. Both are fatal for the run, and in both cases the
// snapshot holds whatever was captured, for the error report.
func (t *Tracker) AllocExit(ret uintptr) (Snapshot, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != PostAlloc {
		return Snapshot{}, false, nil
	}
	t.state = NoSelection

	size := uintptr(t.block.size.Load())
	if ret == 0 {
		return Snapshot{Size: size}, false, ErrAllocatorFailure
	}

	t.block.start.Store(ret)
	t.block.end.Store(ret + size - 1)
	if size == 0 {
		return Snapshot{Start: ret, Size: 0}, false, ErrZeroSize
	}

	return Snapshot{Start: ret, End: ret + size - 1, Size: size}, true, nil
}

// Start flips the block into the being-traced state.
//
// Starting while already tracing is a no-op. Starting without an observed
// allocation returns ErrNoBlock, which the caller treats as fatal.
func (t *Tracker) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.block.traced.Load() {
		return nil
	}
	if t.block.start.Load() == 0 || t.block.size.Load() == 0 {
		return ErrNoBlock
	}
	t.block.traced.Store(true)
	return nil
}

// Stop clears the tracked block so the filter stops matching. Stopping when
// not tracing is a no-op, so repeated stops are harmless.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.block.traced.Load() {
		return
	}
	t.block.clear()
}

// FreeEnter observes a free. Freeing the tracked start address while
// tracing stops the trace and reports true; the caller decides what ending
// the run means. A free of any other address is ignored.
func (t *Tracker) FreeEnter(addr uintptr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.block.traced.Load() || addr != t.block.start.Load() {
		return false
	}
	t.block.clear()
	return true
}

// Snapshot returns the current block bounds, for error reporting.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Start: t.block.start.Load(),
		End:   t.block.end.Load(),
		Size:  uintptr(t.block.size.Load()),
	}
}
