// Package event defines the record written for every observed memory access
// and thread lifecycle change.
//
// An Event is a small fixed-width POD value. Recording threads construct
// events in place inside preallocated per-thread buffers, so the type must
// stay allocation-free and must not grow pointers. The field widths are part
// of the output contract: the record is emitted verbatim into the DATA
// section of the map file.
package event

// Kind classifies an event.
//
// The zero value is Other so that a partially constructed record can never
// masquerade as a read or write.
type Kind uint16

const (
	// Other is an event of unknown kind, rendered as "?".
	Other Kind = iota
	// ThreadCreate marks the first activity of a thread ("Tc").
	ThreadCreate
	// ThreadDestroy marks the end of a thread ("Td").
	ThreadDestroy
	// Read is a memory read that landed inside the tracked block ("R").
	Read
	// Write is a memory write that landed inside the tracked block ("W").
	Write
)

// tags maps kinds to the short tags used in the DATA section.
var tags = [...]string{"?", "Tc", "Td", "R", "W"}

// Tag returns the short tag for the kind: "R", "W", "Tc", "Td", or "?".
func (k Kind) Tag() string {
	if int(k) < len(tags) {
		return tags[k]
	}
	return tags[Other]
}

// KindFromTag is the inverse of Tag. Unknown tags map to Other.
func KindFromTag(tag string) Kind {
	switch tag {
	case "R":
		return Read
	case "W":
		return Write
	case "Tc":
		return ThreadCreate
	case "Td":
		return ThreadDestroy
	}
	return Other
}

// Event is one recorded observation.
//
// Time is nanoseconds since the tracer's basetime; rebasing at capture keeps
// it inside 32 bits for any realistic run. Coarse starts at zero and is
// assigned by the merge pipeline during quantization. Size and Offset are
// zero for thread events.
type Event struct {
	// Time is the raw timestamp, nanoseconds since basetime.
	Time uint32

	// Coarse is the quantized timestamp, in slice units.
	Coarse uint32

	// Thread is the small integer id of the recording thread.
	Thread uint16

	// Kind says what was observed.
	Kind Kind

	// Size is the access width in bytes (0 for thread events).
	Size uint32

	// Offset is the byte offset from the start of the tracked block
	// (0 for thread events).
	Offset uint64
}
