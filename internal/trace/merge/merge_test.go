package merge

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/cparra/memtracer/internal/trace/buffer"
	"github.com/cparra/memtracer/internal/trace/event"
)

// warnings collects Warningf calls for assertions.
type warnings struct {
	lines []string
}

func (w *warnings) Warningf(format string, args ...any) {
	w.lines = append(w.lines, fmt.Sprintf(format, args...))
}

func (w *warnings) contains(substr string) bool {
	for _, l := range w.lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

// fill appends events with the given raw timestamps to one thread slot.
func fill(bufs *buffer.Set, tid uint16, times ...uint32) {
	tr := bufs.Trace(tid)
	for _, ts := range times {
		tr.Append(event.Event{Time: ts, Thread: tid, Kind: event.Write, Size: 8})
	}
}

func TestMergeEmptyIsError(t *testing.T) {
	bufs := buffer.NewSet()
	_, err := Merge(bufs, &warnings{}, true)
	if !errors.Is(err, ErrNoEvents) {
		t.Fatalf("Merge(empty) = %v, want ErrNoEvents", err)
	}
}

func TestSliceSizeIsMinimumIntraThreadGap(t *testing.T) {
	bufs := buffer.NewSet()
	fill(bufs, 0, 100, 400, 1000) // gaps 300, 600
	fill(bufs, 1, 150, 250)       // gap 100 -> the minimum

	var w warnings
	m, err := Merge(bufs, &w, false)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if m.SliceSize != 100 {
		t.Errorf("SliceSize = %d, want 100", m.SliceSize)
	}
	if m.ThreadCount != 2 {
		t.Errorf("ThreadCount = %d, want 2", m.ThreadCount)
	}

	// Quantization law: the slice is a lower bound on every gap.
	for tid := uint16(0); tid < buffer.MaxThreads; tid++ {
		tr := bufs.Trace(tid)
		for i := 1; i < tr.Len(); i++ {
			if gap := tr.At(i).Time - tr.At(i-1).Time; gap < m.SliceSize {
				t.Errorf("thread %d gap %d below slice %d", tid, gap, m.SliceSize)
			}
		}
	}
}

func TestScanCoversEveryConsecutivePair(t *testing.T) {
	// The smallest gap sits between the LAST two events; a scan that
	// stops early would miss it.
	bufs := buffer.NewSet()
	fill(bufs, 0, 0, 1000, 2000, 2010)

	m, err := Merge(bufs, &warnings{}, false)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if m.SliceSize != 10 {
		t.Errorf("SliceSize = %d, want 10 (gap between last two events)", m.SliceSize)
	}
}

func TestSingleEventThreadWarns(t *testing.T) {
	bufs := buffer.NewSet()
	fill(bufs, 0, 100, 200)
	fill(bufs, 5, 150)

	var w warnings
	m, err := Merge(bufs, &w, false)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !w.contains("thread 5") {
		t.Errorf("no single-event warning for thread 5; warnings: %v", w.lines)
	}
	if m.ThreadCount != 2 {
		t.Errorf("ThreadCount = %d, want 2", m.ThreadCount)
	}
}

func TestZeroGapClampsSlice(t *testing.T) {
	bufs := buffer.NewSet()
	fill(bufs, 0, 100, 100, 200)

	var w warnings
	m, err := Merge(bufs, &w, false)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if m.SliceSize != 1 {
		t.Errorf("SliceSize = %d, want 1", m.SliceSize)
	}
	if !w.contains("clamped") {
		t.Errorf("no clamp warning; warnings: %v", w.lines)
	}
}

func TestGlobalOrderAndTieBreak(t *testing.T) {
	bufs := buffer.NewSet()
	fill(bufs, 0, 100, 300, 500)
	fill(bufs, 1, 200, 300, 400)

	m, err := Merge(bufs, &warnings{}, false)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	type te struct {
		Time   uint32
		Thread uint16
	}
	var got []te
	for _, ev := range m.Events {
		got = append(got, te{ev.Time, ev.Thread})
	}
	want := []te{
		{100, 0}, {200, 1}, {300, 0}, {300, 1}, {400, 1}, {500, 0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("merged order mismatch (-want +got):\n%s", diff)
	}
}

func TestEventsAreReferencesNotCopies(t *testing.T) {
	bufs := buffer.NewSet()
	fill(bufs, 0, 100, 200)

	m, err := Merge(bufs, &warnings{}, false)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if m.Events[0] != bufs.Trace(0).At(0) {
		t.Fatal("merged event 0 is not a reference into the thread buffer")
	}
	// Quantization must be visible through the buffer too.
	if bufs.Trace(0).At(1).Coarse == 0 {
		t.Fatal("coarse time not written through the reference")
	}
}

func TestRebaseFirstEventIsCoarseZero(t *testing.T) {
	bufs := buffer.NewSet()
	fill(bufs, 2, 5000, 5100, 5250)

	m, err := Merge(bufs, &warnings{}, false)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if m.Events[0].Coarse != 0 {
		t.Errorf("first coarse time = %d, want 0", m.Events[0].Coarse)
	}
}

func TestQuantizeWithoutCollapseKeepsProportions(t *testing.T) {
	bufs := buffer.NewSet()
	// Gaps 100 and 1000 with slice 100: coarse 0, 1, 11.
	fill(bufs, 0, 0, 100, 1100)

	m, err := Merge(bufs, &warnings{}, false)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	var got []uint32
	for _, ev := range m.Events {
		got = append(got, ev.Coarse)
	}
	if diff := cmp.Diff([]uint32{0, 1, 11}, got); diff != "" {
		t.Errorf("coarse times (-want +got):\n%s", diff)
	}
}

func TestCollapseRemovesIdleSpans(t *testing.T) {
	bufs := buffer.NewSet()
	fill(bufs, 0, 0, 100, 1100, 1200, 9000)

	m, err := Merge(bufs, &warnings{}, true)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	// Compaction law: consecutive coarse times differ by at most 1.
	for i := 1; i < len(m.Events); i++ {
		prev, cur := m.Events[i-1].Coarse, m.Events[i].Coarse
		if cur < prev {
			t.Fatalf("coarse time decreased: %d after %d", cur, prev)
		}
		if cur-prev > 1 {
			t.Fatalf("gap %d between events %d and %d survived collapse", cur-prev, i-1, i)
		}
	}
	var got []uint32
	for _, ev := range m.Events {
		got = append(got, ev.Coarse)
	}
	if diff := cmp.Diff([]uint32{0, 1, 2, 3, 4}, got); diff != "" {
		t.Errorf("collapsed coarse times (-want +got):\n%s", diff)
	}
	if m.MaxCoarse() != 4 {
		t.Errorf("MaxCoarse() = %d, want 4", m.MaxCoarse())
	}
}

func TestIntraThreadOrderSurvivesMerge(t *testing.T) {
	bufs := buffer.NewSet()
	fill(bufs, 0, 10, 30, 50, 70)
	fill(bufs, 1, 20, 40, 60, 80)
	fill(bufs, 7, 15, 35, 55)

	m, err := Merge(bufs, &warnings{}, true)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	lastTime := map[uint16]uint32{}
	lastCoarse := map[uint16]uint32{}
	for _, ev := range m.Events {
		if prev, ok := lastTime[ev.Thread]; ok && ev.Time < prev {
			t.Fatalf("thread %d raw order violated", ev.Thread)
		}
		if prev, ok := lastCoarse[ev.Thread]; ok && ev.Coarse < prev {
			t.Fatalf("thread %d coarse order violated", ev.Thread)
		}
		lastTime[ev.Thread] = ev.Time
		lastCoarse[ev.Thread] = ev.Coarse
	}
}

func TestWriteData(t *testing.T) {
	bufs := buffer.NewSet()
	tr := bufs.Trace(0)
	tr.Append(event.Event{Time: 0, Thread: 0, Kind: event.ThreadCreate})
	tr.Append(event.Event{Time: 100, Thread: 0, Kind: event.Write, Size: 4, Offset: 0})
	tr.Append(event.Event{Time: 200, Thread: 0, Kind: event.Read, Size: 4, Offset: 20})

	m, err := Merge(bufs, &warnings{}, true)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	var buf bytes.Buffer
	if err := m.WriteData(&buf); err != nil {
		t.Fatalf("WriteData: %v", err)
	}

	want := "time,thread,event,size,offset\n" +
		"0,0,Tc,0,0\n" +
		"1,0,W,4,0\n" +
		"2,0,R,4,20\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("data section (-want +got):\n%s", diff)
	}
}
