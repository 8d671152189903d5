// Package merge turns the parallel per-thread event logs into one globally
// time-ordered, coarsely timestamped stream.
//
// It runs exactly once, in the single-threaded epilogue after the patient
// has terminated, and works in three passes: a scan that sizes the output
// and finds the quantization unit, a k-way merge by raw timestamp, and a
// quantization pass that rebases timestamps and optionally collapses idle
// spans. The merged stream holds references into the per-thread logs; events
// are never copied, so the merged trace must not outlive the buffer set.
package merge

import (
	"bufio"
	"errors"
	"io"
	"math"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/cparra/memtracer/internal/trace/buffer"
	"github.com/cparra/memtracer/internal/trace/event"
)

// ErrNoEvents is returned when no thread recorded anything; there is no
// trace to report.
var ErrNoEvents = errors.New("no thread registered any event")

// Logger receives the soft diagnostics of the pipeline. The report's
// WARNING section implements it.
type Logger interface {
	Warningf(format string, args ...any)
}

// Merged is the ordered view over all per-thread logs.
type Merged struct {
	// Events references the per-thread buffers in coarse time order.
	Events []*event.Event

	// SliceSize is the quantization unit in nanoseconds: the minimum
	// gap between two consecutive events of any single thread.
	SliceSize uint32

	// ThreadCount is the number of threads that recorded at least one
	// event.
	ThreadCount int
}

// scanResult is what pass 1 learns about one thread slot.
type scanResult struct {
	count  int
	minGap uint32
	hasGap bool
}

// Merge builds the merged trace.
//
// collapse controls the idle-span compaction of pass 3. Soft findings
// (threads with a single event, a zero minimum gap) go to log; an empty
// trace is ErrNoEvents.
func Merge(bufs *buffer.Set, log Logger, collapse bool) (*Merged, error) {
	results, total := scan(bufs)

	m := &Merged{SliceSize: math.MaxUint32}
	for tid, r := range results {
		if r.count == 0 {
			continue
		}
		m.ThreadCount++
		if r.count == 1 {
			log.Warningf("thread %d registered only one event; not useful to determine the slice size", tid)
			continue
		}
		if r.hasGap && r.minGap < m.SliceSize {
			m.SliceSize = r.minGap
		}
	}
	if total == 0 {
		return nil, ErrNoEvents
	}
	if m.SliceSize == 0 {
		// Two events of one thread share a raw timestamp; the clock
		// resolution is coarser than the event rate.
		log.Warningf("minimum intra-thread gap is zero; slice size clamped to 1ns")
		m.SliceSize = 1
	}

	m.Events = mergeByTime(bufs, total)
	quantize(m.Events, m.SliceSize)
	if collapse {
		collapseIdleSpans(m.Events)
	}
	return m, nil
}

// scan is pass 1: per-thread totals and minimum inter-event gaps. The gap
// scan touches every recorded event once, so it fans out across the slots.
func scan(bufs *buffer.Set) ([buffer.MaxThreads]scanResult, int) {
	var results [buffer.MaxThreads]scanResult

	var g errgroup.Group
	for tid := 0; tid < buffer.MaxThreads; tid++ {
		tid := tid
		g.Go(func() error {
			tr := bufs.Trace(uint16(tid))
			r := scanResult{count: tr.Len(), minGap: math.MaxUint32}
			for i := 1; i < tr.Len(); i++ {
				gap := tr.At(i).Time - tr.At(i-1).Time
				if !r.hasGap || gap < r.minGap {
					r.minGap = gap
					r.hasGap = true
				}
			}
			results[tid] = r
			return nil
		})
	}
	_ = g.Wait() // scan workers do not fail

	total := 0
	for _, r := range results {
		total += r.count
	}
	return results, total
}

// mergeByTime is pass 2: a k-way merge of the per-thread logs by raw
// timestamp. Equal timestamps go to the lowest thread id, which keeps the
// merge stable.
func mergeByTime(bufs *buffer.Set, total int) []*event.Event {
	out := make([]*event.Event, total)
	var front [buffer.MaxThreads]int

	for e := 0; e < total; e++ {
		star := -1
		earliest := uint32(math.MaxUint32)
		for tid := 0; tid < buffer.MaxThreads; tid++ {
			tr := bufs.Trace(uint16(tid))
			if front[tid] >= tr.Len() {
				continue
			}
			if ts := tr.At(front[tid]).Time; star < 0 || ts < earliest {
				star = tid
				earliest = ts
			}
		}
		out[e] = bufs.Trace(uint16(star)).At(front[star])
		front[star]++
	}
	return out
}

// quantize is the first half of pass 3: rebase every timestamp to the first
// merged event and divide by the slice size.
func quantize(events []*event.Event, slice uint32) {
	if len(events) == 0 {
		return
	}
	base := events[0].Time
	for _, ev := range events {
		ev.Coarse = (ev.Time - base) / slice
	}
}

// collapseIdleSpans shifts coarse times so that no two consecutive events
// are more than one slice apart. Spans where every thread is idle carry no
// before/after information, so they are cut out of the time axis.
func collapseIdleSpans(events []*event.Event) {
	var shift, last uint32
	for _, ev := range events {
		if ev.Coarse-shift > last+1 {
			shift = ev.Coarse - last - 1
		}
		ev.Coarse -= shift
		last = ev.Coarse
	}
}

// MaxCoarse returns the coarse time of the last event.
func (m *Merged) MaxCoarse() uint32 {
	if len(m.Events) == 0 {
		return 0
	}
	return m.Events[len(m.Events)-1].Coarse
}

// DataHeader is the first line of the DATA section.
const DataHeader = "time,thread,event,size,offset"

// WriteData emits the DATA section body: the CSV header followed by one
// record per merged event, in order.
func (m *Merged) WriteData(w io.Writer) error {
	bw := bufio.NewWriter(w)
	bw.WriteString(DataHeader)
	bw.WriteByte('\n')

	var buf []byte
	for _, ev := range m.Events {
		buf = buf[:0]
		buf = strconv.AppendUint(buf, uint64(ev.Coarse), 10)
		buf = append(buf, ',')
		buf = strconv.AppendUint(buf, uint64(ev.Thread), 10)
		buf = append(buf, ',')
		buf = append(buf, ev.Kind.Tag()...)
		buf = append(buf, ',')
		buf = strconv.AppendUint(buf, uint64(ev.Size), 10)
		buf = append(buf, ',')
		buf = strconv.AppendUint(buf, ev.Offset, 10)
		buf = append(buf, '\n')
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return bw.Flush()
}
