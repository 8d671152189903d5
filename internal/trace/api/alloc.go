// Patient-side allocators. Malloc is the primary allocator the observer is
// wired to; Calloc and the aligned allocator exist for patient convenience
// and are deliberately never observed.

package api

import (
	"errors"
	"unsafe"

	"github.com/cparra/memtracer/internal/trace/tracker"
)

// Malloc returns an uninitialized block of size bytes. It is the one
// allocator the tracker observes: entry captures the requested size, exit
// captures the returned address, and when the pair completes an armed
// selection the block is published and its metadata recorded.
//
// A zero-size request still returns a distinct non-nil pointer, so the
// observer can tell "allocator failed" (exit 2) from "asked for nothing"
// (exit 3).
func (t *Tracer) Malloc(size uintptr) unsafe.Pointer {
	t.track.AllocEnter(size)
	p := t.rawAlloc(size)
	t.mallocExit(uintptr(p))
	return p
}

// mallocExit is the allocator-return observer.
func (t *Tracer) mallocExit(ret uintptr) {
	snap, published, err := t.track.AllocExit(ret)
	if err != nil {
		t.rep.Errorf("%v", err)
		switch {
		case errors.Is(err, tracker.ErrAllocatorFailure):
			t.fatal(ExitAllocatorFailure)
		case errors.Is(err, tracker.ErrZeroSize):
			t.fatal(ExitZeroSize)
		}
		return
	}
	if !published {
		return
	}

	tid, _ := t.tid()
	t.rep.Metaf("start-addr", "0x%x", snap.Start)
	t.rep.Metaf("end-addr", "0x%x", snap.End)
	t.rep.Metaf("block-size", "%d", snap.Size)
	t.rep.Metaf("owner-thread", "%d", tid)
}

// Free releases a block obtained from Malloc or Calloc. Freeing the tracked
// block while tracing stops the trace, notes it in the report, and ends the
// patient with status 0 after the normal finalization: past the free there
// is nothing left to measure.
func (t *Tracer) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	if t.track.FreeEnter(uintptr(p)) {
		tid, _ := t.tid()
		t.rep.Errorf("trace stopped: free(0x%x) called by thread %d", uintptr(p), tid)
		t.Fini(0)
		t.opts.Exit(ExitOK)
		return
	}
	t.rawFree(uintptr(p))
}

// Calloc returns a zeroed block of n*size bytes. It is not observed;
// tracing a zero-initializing allocator is unsupported.
func (t *Tracer) Calloc(n, size uintptr) unsafe.Pointer {
	return t.rawAlloc(n * size)
}

// AlignedMalloc returns a block whose first byte is aligned to align bytes.
// align must be a power of two. Not observed.
func (t *Tracer) AlignedMalloc(size, align uintptr) unsafe.Pointer {
	if align == 0 || align&(align-1) != 0 {
		return nil
	}
	buf := make([]byte, size+align)
	base := uintptr(unsafe.Pointer(&buf[0]))
	off := (align - base%align) % align
	p := unsafe.Pointer(&buf[off])

	t.allocMu.Lock()
	t.allocs[uintptr(p)] = buf
	t.allocMu.Unlock()
	return p
}

// AlignedFree releases a block obtained from AlignedMalloc.
func (t *Tracer) AlignedFree(p unsafe.Pointer) {
	if p != nil {
		t.rawFree(uintptr(p))
	}
}

// rawAlloc carves a block out of the Go heap and pins its backing array in
// the allocation table so the address stays valid until freed.
func (t *Tracer) rawAlloc(size uintptr) unsafe.Pointer {
	n := size
	if n == 0 {
		n = 1
	}
	buf := make([]byte, n)
	p := unsafe.Pointer(&buf[0])

	t.allocMu.Lock()
	t.allocs[uintptr(p)] = buf
	t.allocMu.Unlock()
	return p
}

func (t *Tracer) rawFree(addr uintptr) {
	t.allocMu.Lock()
	delete(t.allocs, addr)
	t.allocMu.Unlock()
}
