// Package mtrace is the patient-side API of the memtracer tool: the markers
// that select and bracket the traced block, the observed allocator, and the
// hook entry points that instrumented code calls on every memory access.
//
// # Quick Start
//
// The hooks are normally injected by the memtracer tool:
//
//	$ memtracer run -o sort.map -- bubblesort.go
//
// The patient only places the markers and uses the observed allocator:
//
//	package main
//
//	import "github.com/cparra/memtracer/mtrace"
//
//	func main() {
//		mtrace.SelectNextBlock()
//		p := mtrace.Malloc(6 * 8)
//		mtrace.StartTracing()
//		// ... work on the block ...
//		mtrace.StopTracing()
//		mtrace.Free(p)
//	}
//
// Between StartTracing and StopTracing, every instrumented read and write
// whose effective address falls inside the selected block is recorded. At
// process exit the per-thread logs are merged into one time-ordered stream
// and written as a map file.
//
// # The marker cycle
//
// SelectNextBlock arms the tracer: the very next Malloc call becomes the
// tracked block. StartTracing begins recording and StopTracing ends it;
// extra stops are harmless. Freeing the tracked block while tracing stops
// the trace and ends the run, since nothing measurable remains.
//
// Only Malloc is observed. Calloc, AlignedMalloc and AlignedFree are
// conveniences for patients ported from C and are never tracked.
//
// # Manual instrumentation
//
// Code that is not run through the memtracer tool can report its own
// accesses:
//
//	mtrace.Write(uintptr(unsafe.Pointer(&arr[i])), unsafe.Sizeof(arr[i]))
//	arr[i] = v
//
// Read and Write are safe to call from any goroutine at any time; they are
// allocation-free and do nothing unless a block is being traced.
package mtrace
