// Package analysis derives thread activity spans from a parsed map file and
// indexes them for time-window queries.
//
// A span is a run of consecutive events from one thread whose coarse-time
// gaps never exceed a configurable threshold; a larger gap starts a new
// span. Spans are indexed in an interval tree, so the viewer can ask "which
// threads were touching the block between times A and B" without walking
// the whole trace.
package analysis

import (
	"math"

	"github.com/Workiva/go-datastructures/augmentedtree"

	"github.com/cparra/memtracer/internal/mapfile"
	"github.com/cparra/memtracer/internal/trace/event"
)

// A Span is a duration of coarse time over which a single thread was
// actively accessing the tracked block.
type Span struct {
	// Thread is the recording thread.
	Thread uint16

	// Start and End are the coarse times of the span's first and last
	// events, inclusive.
	Start uint32
	End   uint32

	// Events is the number of events in the span.
	Events int

	// Reads and Writes count the accesses by kind.
	Reads  int
	Writes int

	// id uniquely identifies the span for augmentedtree.Tree.
	id uint64
}

// LowAtDimension returns the start time of the span. Required to support
// augmentedtree.Interval.
func (s *Span) LowAtDimension(_ uint64) int64 {
	return int64(s.Start)
}

// HighAtDimension returns the end time of the span. Required to support
// augmentedtree.Interval.
func (s *Span) HighAtDimension(_ uint64) int64 {
	return int64(s.End)
}

// OverlapsAtDimension returns true if an interval overlaps this span at the
// specified dimension. Required to support augmentedtree.Interval.
func (s *Span) OverlapsAtDimension(j augmentedtree.Interval, d uint64) bool {
	return s.HighAtDimension(d) >= j.LowAtDimension(d) &&
		j.HighAtDimension(d) >= s.LowAtDimension(d)
}

// ID returns the unique identifier of this span. Required to support
// augmentedtree.Interval.
func (s *Span) ID() uint64 {
	return s.id
}

// queryInterval is the probe used for tree lookups. Its ID is a reserved
// value so it can never collide with a stored span.
type queryInterval struct {
	lo, hi int64
}

func (q queryInterval) LowAtDimension(_ uint64) int64  { return q.lo }
func (q queryInterval) HighAtDimension(_ uint64) int64 { return q.hi }
func (q queryInterval) OverlapsAtDimension(j augmentedtree.Interval, d uint64) bool {
	return q.hi >= j.LowAtDimension(d) && j.HighAtDimension(d) >= q.lo
}
func (q queryInterval) ID() uint64 { return math.MaxUint64 }

// SpanSet holds the spans of one map file and their interval index.
type SpanSet struct {
	spans []*Span
	tree  augmentedtree.Tree
}

// BuildSpans splits each thread's event sequence into activity spans.
// maxGap is the largest coarse-time gap tolerated inside one span; with
// idle-span collapse enabled during recording, 1 is the natural choice.
func BuildSpans(f *mapfile.File, maxGap uint32) *SpanSet {
	open := map[uint16]*Span{}
	set := &SpanSet{tree: augmentedtree.New(1)}
	nextID := uint64(1)

	for _, rec := range f.Events {
		cur := open[rec.Thread]
		if cur != nil && rec.Time-cur.End > maxGap {
			set.add(cur)
			cur = nil
		}
		if cur == nil {
			cur = &Span{Thread: rec.Thread, Start: rec.Time, End: rec.Time, id: nextID}
			nextID++
			open[rec.Thread] = cur
		}
		cur.End = rec.Time
		cur.Events++
		switch rec.Kind {
		case event.Read:
			cur.Reads++
		case event.Write:
			cur.Writes++
		}
	}
	for _, cur := range open {
		set.add(cur)
	}
	return set
}

func (s *SpanSet) add(span *Span) {
	s.spans = append(s.spans, span)
	s.tree.Add(span)
}

// Spans returns all spans. The order is unspecified.
func (s *SpanSet) Spans() []*Span {
	return s.spans
}

// Query returns the spans overlapping the inclusive coarse-time window
// [lo, hi].
func (s *SpanSet) Query(lo, hi uint32) []*Span {
	hits := s.tree.Query(queryInterval{lo: int64(lo), hi: int64(hi)})
	out := make([]*Span, 0, len(hits))
	for _, iv := range hits {
		if span, ok := iv.(*Span); ok {
			out = append(out, span)
		}
	}
	return out
}
