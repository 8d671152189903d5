package event

import "testing"

func TestKindTag(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		want string
	}{
		{name: "other", kind: Other, want: "?"},
		{name: "thread create", kind: ThreadCreate, want: "Tc"},
		{name: "thread destroy", kind: ThreadDestroy, want: "Td"},
		{name: "read", kind: Read, want: "R"},
		{name: "write", kind: Write, want: "W"},
		{name: "out of range", kind: Kind(99), want: "?"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.kind.Tag(); got != tt.want {
				t.Errorf("Tag() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKindFromTag(t *testing.T) {
	// Every tag must round-trip back to its kind.
	for _, k := range []Kind{Other, ThreadCreate, ThreadDestroy, Read, Write} {
		if got := KindFromTag(k.Tag()); got != k {
			t.Errorf("KindFromTag(%q) = %v, want %v", k.Tag(), got, k)
		}
	}

	if got := KindFromTag("bogus"); got != Other {
		t.Errorf("KindFromTag(bogus) = %v, want Other", got)
	}
}

func TestZeroValueIsOther(t *testing.T) {
	var ev Event
	if ev.Kind != Other {
		t.Fatalf("zero Event kind = %v, want Other", ev.Kind)
	}
}
