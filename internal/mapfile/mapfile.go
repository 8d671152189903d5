// Package mapfile reads the map files written by the tracer, for the
// viewer and for checks over recorded runs.
//
// A map file is UTF-8 text with up to four sections, each introduced by a
// "# NAME" line: ERROR and WARNING hold free-form lines, METADATA holds
// "key : value" pairs, and DATA holds a CSV header followed by one record
// per merged event.
package mapfile

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/exp/mmap"

	"github.com/cparra/memtracer/internal/trace/event"
)

// Record is one parsed DATA row.
type Record struct {
	// Time is the coarse timestamp of the event.
	Time uint32

	// Thread is the recording thread id.
	Thread uint16

	// Kind is the event kind decoded from its short tag.
	Kind event.Kind

	// Size is the access width in bytes.
	Size uint32

	// Offset is the byte offset inside the tracked block.
	Offset uint64
}

// File is a parsed map file.
type File struct {
	// Errors holds the ERROR section lines.
	Errors []string

	// Warnings holds the WARNING section lines.
	Warnings []string

	// Metadata maps metadata keys to their raw string values.
	Metadata map[string]string

	// Events holds the DATA rows in file order.
	Events []Record
}

// dataHeader is the mandatory first line of the DATA section.
const dataHeader = "time,thread,event,size,offset"

// Open reads and parses the map file at path. The file is mapped rather
// than slurped; recorded traces can run to tens of megabytes.
func Open(path string) (*File, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open map file %s: %w", path, err)
	}
	defer r.Close()
	return Parse(io.NewSectionReader(r, 0, int64(r.Len())))
}

// Parse parses a map file from r.
func Parse(r io.Reader) (*File, error) {
	f := &File{Metadata: map[string]string{}}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	section := ""
	sawDataHeader := false
	lineno := 0
	for sc.Scan() {
		lineno++
		line := sc.Text()
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "# ") {
			section = strings.TrimPrefix(line, "# ")
			continue
		}

		switch section {
		case "ERROR":
			f.Errors = append(f.Errors, line)
		case "WARNING":
			f.Warnings = append(f.Warnings, line)
		case "METADATA":
			key, val, ok := strings.Cut(line, ":")
			if !ok {
				return nil, fmt.Errorf("line %d: metadata without separator: %q", lineno, line)
			}
			f.Metadata[strings.TrimSpace(key)] = strings.TrimSpace(val)
		case "DATA":
			if !sawDataHeader {
				if line != dataHeader {
					return nil, fmt.Errorf("line %d: DATA section must open with %q, got %q", lineno, dataHeader, line)
				}
				sawDataHeader = true
				continue
			}
			rec, err := parseRecord(line)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineno, err)
			}
			f.Events = append(f.Events, rec)
		case "":
			return nil, fmt.Errorf("line %d: content before any section header: %q", lineno, line)
		default:
			return nil, fmt.Errorf("line %d: unknown section %q", lineno, section)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading map file: %w", err)
	}
	return f, nil
}

func parseRecord(line string) (Record, error) {
	fields := strings.Split(line, ",")
	if len(fields) != 5 {
		return Record{}, fmt.Errorf("record has %d fields, want 5: %q", len(fields), line)
	}

	t, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return Record{}, fmt.Errorf("time %q: %w", fields[0], err)
	}
	thr, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return Record{}, fmt.Errorf("thread %q: %w", fields[1], err)
	}
	size, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return Record{}, fmt.Errorf("size %q: %w", fields[3], err)
	}
	off, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("offset %q: %w", fields[4], err)
	}

	return Record{
		Time:   uint32(t),
		Thread: uint16(thr),
		Kind:   event.KindFromTag(fields[2]),
		Size:   uint32(size),
		Offset: off,
	}, nil
}

// MetaUint returns a metadata value as an unsigned integer. Hex values are
// accepted with their 0x prefix.
func (f *File) MetaUint(key string) (uint64, error) {
	v, ok := f.Metadata[key]
	if !ok {
		return 0, fmt.Errorf("metadata key %q not present", key)
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(v, "0x"), base(v), 64)
	if err != nil {
		return 0, fmt.Errorf("metadata %s = %q: %w", key, v, err)
	}
	return n, nil
}

func base(v string) int {
	if strings.HasPrefix(v, "0x") {
		return 16
	}
	return 10
}

// Threads returns the distinct thread ids of the DATA section, in order of
// first appearance.
func (f *File) Threads() []uint16 {
	seen := map[uint16]bool{}
	var out []uint16
	for _, rec := range f.Events {
		if !seen[rec.Thread] {
			seen[rec.Thread] = true
			out = append(out, rec.Thread)
		}
	}
	return out
}

// MaxTime returns the coarse time of the last DATA row.
func (f *File) MaxTime() uint32 {
	if len(f.Events) == 0 {
		return 0
	}
	return f.Events[len(f.Events)-1].Time
}
