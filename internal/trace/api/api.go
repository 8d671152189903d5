// Package api wires the tracing core together and exposes the hook entry
// points called by instrumented patient code.
//
// The hooks fall into two classes with very different budgets:
//
//   - Read and Write fire on every instrumented memory access. They are the
//     hot path: no allocation, no locks, no I/O, no error returns. They read
//     the tracked block bounds lock-free and bail out in O(1) when the
//     access is not interesting.
//   - The markers, the allocator observer, and the lifecycle hooks fire a
//     handful of times per run. They serialize through the tracker's mutex
//     and may record diagnostics.
//
// The state is process-wide by nature: instrumented code has no user-data
// channel through which a handle could be threaded. It lives in a single
// Tracer instance created at package initialization, before patient code
// runs, so no callback path ever allocates trace storage. Tests build their
// own instances.
package api

import (
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cparra/memtracer/internal/trace/buffer"
	"github.com/cparra/memtracer/internal/trace/clock"
	"github.com/cparra/memtracer/internal/trace/event"
	"github.com/cparra/memtracer/internal/trace/merge"
	"github.com/cparra/memtracer/internal/trace/report"
	"github.com/cparra/memtracer/internal/trace/tracker"
)

// Exit codes of the tool.
const (
	// ExitOK is normal termination.
	ExitOK = 0
	// ExitNoBlock is start-tracing without a selected block, and also the
	// no-events failure of the merge phase.
	ExitNoBlock = 1
	// ExitAllocatorFailure is the observed allocator returning nil.
	ExitAllocatorFailure = 2
	// ExitZeroSize is the observed allocator called with size zero.
	ExitZeroSize = 3
)

// Environment variables through which the runner configures the tracer
// runtime inside the patient process.
const (
	// EnvOutput overrides the map file path.
	EnvOutput = "MEMTRACER_OUTPUT"
	// EnvCollapse is "yes" or "no": whether to collapse idle spans.
	EnvCollapse = "MEMTRACER_COLLAPSE"
)

// Options configures a Tracer.
type Options struct {
	// Output is the map file path.
	Output string

	// Collapse enables idle-span compaction during quantization.
	Collapse bool

	// Exit terminates the patient. Defaults to os.Exit; tests substitute
	// a recorder.
	Exit func(code int)

	// Sink, when non-nil, receives the report instead of Output. Tests
	// use it to capture the map file in memory.
	Sink io.Writer
}

// OptionsFromEnv builds the options the runner passed down.
func OptionsFromEnv() Options {
	opts := Options{
		Output:   os.Getenv(EnvOutput),
		Collapse: os.Getenv(EnvCollapse) != "no",
	}
	if opts.Output == "" {
		opts.Output = report.DefaultOutputPath
	}
	return opts
}

// Tracer owns all process-wide tracing state.
type Tracer struct {
	opts  Options
	rep   *report.Report
	track *tracker.Tracker
	bufs  *buffer.Set

	// basetime is subtracted from every raw timestamp so they fit in the
	// 32-bit event field.
	basetime uint64

	// tids maps goroutine ids to thread slots; writes go through tidMu.
	// tidCache is a direct-mapped front for it: one atomic word per slot,
	// packing (goid << 16 | tid), so the steady-state lookup is a single
	// load with no interface boxing. Collisions just evict.
	tids        sync.Map
	tidCache    [256]atomic.Uint64
	tidMu       sync.Mutex
	nextTID     uint32
	overThreads atomic.Bool

	finished atomic.Bool

	allocMu sync.Mutex
	allocs  map[uintptr][]byte
}

// New creates a tracer, allocating all event storage up front. The calling
// goroutine becomes thread 0 and its creation event is the first record.
func New(opts Options) *Tracer {
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	t := &Tracer{
		opts:     opts,
		rep:      report.New(),
		track:    tracker.New(),
		bufs:     buffer.NewSet(),
		basetime: clock.Now(),
		allocs:   make(map[uintptr][]byte),
	}
	t.tid()
	return t
}

var (
	std     *Tracer
	stdOnce sync.Once
)

// Init creates the process-wide tracer from the environment. It runs from
// the mtrace package initializer, before patient main, and is safe to call
// again.
func Init() {
	stdOnce.Do(func() {
		std = New(OptionsFromEnv())
	})
}

// Std returns the process-wide tracer.
func Std() *Tracer {
	Init()
	return std
}

// tid returns the thread slot of the calling goroutine, registering it on
// first sight. ok is false when the patient outgrew the configured slots;
// such threads keep running but their events are dropped.
func (t *Tracer) tid() (uint16, bool) {
	id := goid()
	slot := &t.tidCache[uint64(id)%uint64(len(t.tidCache))]
	if e := slot.Load(); e>>16 == uint64(id) {
		tid := uint16(e)
		return tid, tid < buffer.MaxThreads
	}

	tid, ok := t.lookup(id)
	slot.Store(uint64(id)<<16 | uint64(tid))
	return tid, ok
}

// lookup is the slow path behind the tid cache.
func (t *Tracer) lookup(id int64) (uint16, bool) {
	if v, ok := t.tids.Load(id); ok {
		tid := v.(uint16)
		return tid, tid < buffer.MaxThreads
	}
	return t.register(id)
}

// register allocates a slot for a new goroutine and logs its creation.
func (t *Tracer) register(id int64) (uint16, bool) {
	t.tidMu.Lock()
	defer t.tidMu.Unlock()
	if v, ok := t.tids.Load(id); ok {
		tid := v.(uint16)
		return tid, tid < buffer.MaxThreads
	}

	tid := uint16(t.nextTID)
	if t.nextTID < math.MaxUint16 {
		t.nextTID++
	}
	t.tids.Store(id, tid)

	if tid >= buffer.MaxThreads {
		t.overThreads.Store(true)
		return tid, false
	}
	t.append(tid, event.ThreadCreate, 0, 0)
	return tid, true
}

// append stamps and records one event into the calling thread's log.
func (t *Tracer) append(tid uint16, k event.Kind, size uint32, off uint64) {
	ts := uint32(clock.Now() - t.basetime)
	t.bufs.Trace(tid).Append(event.Event{
		Time:   ts,
		Thread: tid,
		Kind:   k,
		Size:   size,
		Offset: off,
	})
}

// Read is the hot-path hook for a memory read of size bytes at addr.
func (t *Tracer) Read(addr, size uintptr) {
	if size == 0 {
		return
	}
	off, ok := t.track.Block().Locate(addr)
	if !ok {
		return
	}
	tid, ok := t.tid()
	if !ok {
		return
	}
	t.append(tid, event.Read, uint32(size), uint64(off))
}

// Write is the hot-path hook for a memory write of size bytes at addr.
func (t *Tracer) Write(addr, size uintptr) {
	if size == 0 {
		return
	}
	off, ok := t.track.Block().Locate(addr)
	if !ok {
		return
	}
	tid, ok := t.tid()
	if !ok {
		return
	}
	t.append(tid, event.Write, uint32(size), uint64(off))
}

// SelectNextBlock is the marker arming the tracker: the next call to the
// observed allocator becomes the tracked block.
func (t *Tracer) SelectNextBlock() {
	t.track.Select()
}

// StartTracing is the marker that begins recording accesses to the
// selected block. Without a successfully observed allocation it is fatal.
func (t *Tracer) StartTracing() {
	err := t.track.Start()
	if err == nil {
		return
	}
	snap := t.track.Snapshot()
	t.rep.Errorf("block start: 0x%x", snap.Start)
	t.rep.Errorf("block size : %d", snap.Size)
	t.rep.Errorf("cannot start tracing: %v", err)
	t.fatal(ExitNoBlock)
}

// StopTracing is the marker that ends recording. Extra stops are no-ops.
func (t *Tracer) StopTracing() {
	t.track.Stop()
}

// ThreadStart registers the calling goroutine and logs its creation.
func (t *Tracer) ThreadStart() {
	t.tid()
}

// ThreadEnd logs the destruction of the calling goroutine.
func (t *Tracer) ThreadEnd() {
	if tid, ok := t.tid(); ok {
		t.append(tid, event.ThreadDestroy, 0, 0)
	}
}

// Fini finalizes the trace: merges the per-thread logs, completes the
// metadata, and writes the map file. code is the patient's own exit status;
// a non-zero status produces an error-only report. Fini runs at most once;
// later calls are no-ops.
func (t *Tracer) Fini(code int) {
	if !t.finished.CompareAndSwap(false, true) {
		return
	}

	if code != 0 {
		t.rep.Errorf("patient terminated with status %d", code)
		t.writeReport(nil, true)
		return
	}

	if tid, ok := t.tid(); ok {
		t.append(tid, event.ThreadDestroy, 0, 0)
	}

	if t.overThreads.Load() {
		t.rep.Warningf("patient created more than %d threads; events from the excess threads were dropped", buffer.MaxThreads)
	}
	for tid := uint16(0); tid < buffer.MaxThreads; tid++ {
		if n := t.bufs.Trace(tid).Overflow(); n > 0 {
			t.rep.Warningf("thread %d could not log %d events", tid, n)
		}
	}

	merged, err := merge.Merge(t.bufs, t.rep, t.opts.Collapse)
	if err != nil {
		t.rep.Errorf("%v", err)
		t.writeReport(nil, true)
		t.opts.Exit(ExitNoBlock)
		return
	}

	t.rep.Metaf("slice-size", "%d", merged.SliceSize)
	t.rep.Metaf("thread-count", "%d", merged.ThreadCount)
	t.rep.Metaf("event-count", "%d", len(merged.Events))
	t.rep.Metaf("max-time", "%d", merged.MaxCoarse())

	t.writeReport(merged, false)
}

// fatal writes an error-only report and terminates the patient.
func (t *Tracer) fatal(code int) {
	if t.finished.CompareAndSwap(false, true) {
		t.writeReport(nil, true)
	}
	t.opts.Exit(code)
}

func (t *Tracer) writeReport(data report.DataWriter, errorOnly bool) {
	if t.opts.Sink != nil {
		if err := t.rep.Write(t.opts.Sink, data, errorOnly); err != nil {
			fmt.Fprintf(os.Stderr, "memtracer: writing report: %v\n", err)
		}
		return
	}
	if err := t.rep.WriteFile(t.opts.Output, data, errorOnly); err != nil {
		fmt.Fprintf(os.Stderr, "memtracer: %v\n", err)
	}
}

// Report exposes the report sink; the allocator observer and tests use it.
func (t *Tracer) Report() *report.Report {
	return t.rep
}
