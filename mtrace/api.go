// Package mtrace public API.
//
// See doc.go for detailed documentation and examples.
package mtrace

import (
	"os"
	"unsafe"

	internal "github.com/cparra/memtracer/internal/trace/api"
)

// The tracer allocates all of its event storage before patient code runs;
// no hook below ever allocates trace memory.
func init() {
	internal.Init()
}

// Init initializes the tracer runtime. It runs automatically when this
// package is linked in; calling it again is a no-op. It exists so that the
// memtracer tool can anchor initialization explicitly.
func Init() {
	internal.Init()
}

// Fini finalizes the trace and writes the map file. code is the patient's
// exit status: zero produces the full report, any other value an
// error-only report noting the abnormal termination. Only the first call
// has any effect.
//
// Instrumented patients do not call Fini directly: the memtracer tool
// defers Finalize at the top of main and rewrites os.Exit calls to Exit,
// both of which feed the real status through here. Manually instrumented
// patients should do the same.
func Fini(code int) {
	internal.Std().Fini(code)
}

// Finalize is the finalization anchor the memtracer tool defers at the
// top of the patient's main. A normal return finalizes with status 0. An
// unrecovered panic produces an error-only report recording status 2 (the
// status a panicking Go process exits with) and then resumes crashing, so
// the stack trace and the process exit status are unchanged.
func Finalize() {
	if r := recover(); r != nil {
		internal.Std().Fini(2)
		panic(r)
	}
	internal.Std().Fini(0)
}

// Exit finalizes the trace and terminates the patient with code. The
// memtracer tool rewrites the patient's os.Exit calls to this function:
// os.Exit skips deferred calls, so without the rewrite an explicit exit
// would leave no map file at all.
func Exit(code int) {
	internal.Std().Fini(code)
	os.Exit(code)
}

// SelectNextBlock marks the very next Malloc call as the allocation whose
// block is to be traced. Selecting again before that Malloc re-arms the
// selection without error.
//
//go:noinline
func SelectNextBlock() {
	internal.Std().SelectNextBlock()
}

// StartTracing begins recording accesses to the selected block.
//
// Calling it without a successfully selected allocation is fatal: the run
// ends with an error report and exit status 1.
//
//go:noinline
func StartTracing() {
	internal.Std().StartTracing()
}

// StopTracing stops recording. Calling it more than once has the same
// effect as calling it once.
//
//go:noinline
func StopTracing() {
	internal.Std().StopTracing()
}

// Malloc returns an uninitialized block of size bytes. This is the primary
// allocator, the only one the tracer observes.
func Malloc(size uintptr) unsafe.Pointer {
	return internal.Std().Malloc(size)
}

// Free releases a block obtained from Malloc or Calloc. Freeing the block
// being traced stops the trace and ends the run with status 0.
func Free(p unsafe.Pointer) {
	internal.Std().Free(p)
}

// Calloc returns a zeroed block of n*size bytes. It is never observed;
// select the block with Malloc instead.
func Calloc(n, size uintptr) unsafe.Pointer {
	return internal.Std().Calloc(n, size)
}

// AlignedMalloc returns a block of size bytes whose first byte is aligned
// to align, a power of two. It is never observed.
func AlignedMalloc(size, align uintptr) unsafe.Pointer {
	return internal.Std().AlignedMalloc(size, align)
}

// AlignedFree releases a block obtained from AlignedMalloc.
func AlignedFree(p unsafe.Pointer) {
	internal.Std().AlignedFree(p)
}

// Read records a memory read of size bytes at addr, if it falls inside the
// block being traced. The memtracer tool inserts this call before every
// read in instrumented code:
//
//	mtrace.Read(uintptr(unsafe.Pointer(&x)), unsafe.Sizeof(x))
//	y := x
func Read(addr, size uintptr) {
	internal.Std().Read(addr, size)
}

// Write records a memory write of size bytes at addr, if it falls inside
// the block being traced. The memtracer tool inserts this call before
// every write in instrumented code:
//
//	mtrace.Write(uintptr(unsafe.Pointer(&x)), unsafe.Sizeof(x))
//	x = 42
func Write(addr, size uintptr) {
	internal.Std().Write(addr, size)
}

// ThreadStart registers the calling goroutine as a thread of the trace and
// records its creation. The memtracer tool wraps every go statement so the
// new goroutine calls this first.
func ThreadStart() {
	internal.Std().ThreadStart()
}

// ThreadEnd records the destruction of the calling goroutine. The
// memtracer tool defers this inside every wrapped go statement.
func ThreadEnd() {
	internal.Std().ThreadEnd()
}
