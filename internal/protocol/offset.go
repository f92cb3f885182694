// Package protocol holds the wire-level vocabulary shared by every other
// component: the Offset value type, canonical header/query names, and the
// error taxonomy that the request pipeline maps to HTTP status codes.
package protocol

import (
	"fmt"
	"strconv"
)

// Offset is an opaque, lexicographically sortable position within a stream.
// It is carried on the wire as a fixed-width zero-padded decimal string so
// that string comparison agrees with numeric comparison (spec §3).
type Offset struct {
	bytes uint64
}

// offsetWidth is wide enough that no realistic stream overflows it; 20
// digits covers the full range of a uint64.
const offsetWidth = 20

// ZeroOffset is the starting offset of an empty stream.
var ZeroOffset = Offset{}

// BeginningSentinel is the offset string clients send to mean "from the
// beginning of the stream".
const BeginningSentinel = "-1"

// NewOffset constructs an Offset from a byte/message count.
func NewOffset(n uint64) Offset { return Offset{bytes: n} }

// Bytes returns the raw byte/message count this offset represents.
func (o Offset) Bytes() uint64 { return o.bytes }

// String renders the offset in its canonical wire form.
func (o Offset) String() string {
	return fmt.Sprintf("%0*d", offsetWidth, o.bytes)
}

// Add returns the offset advanced by n bytes/messages.
func (o Offset) Add(n uint64) Offset {
	return Offset{bytes: o.bytes + n}
}

// Equal reports whether two offsets denote the same position.
func (o Offset) Equal(other Offset) bool { return o.bytes == other.bytes }

// LessThan reports whether o denotes an earlier position than other.
func (o Offset) LessThan(other Offset) bool { return o.bytes < other.bytes }

// Compare returns -1, 0, or 1 as o is less than, equal to, or greater than
// other — mirroring the lexicographic comparison the wire form guarantees.
func Compare(a, b Offset) int {
	switch {
	case a.bytes < b.bytes:
		return -1
	case a.bytes > b.bytes:
		return 1
	default:
		return 0
	}
}

// ParseOffset parses the `offset` query value. The sentinel "-1" and the
// empty string both mean "from the beginning".
func ParseOffset(s string) (Offset, error) {
	if s == "" || s == BeginningSentinel {
		return ZeroOffset, nil
	}
	if !isDigits(s) {
		return Offset{}, fmt.Errorf("invalid offset: must be digits or %q", BeginningSentinel)
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("invalid offset: %w", err)
	}
	return Offset{bytes: n}, nil
}

func isDigits(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
