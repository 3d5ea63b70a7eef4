package records

import "github.com/joshuafuller/mdnscore/internal/message"

// CompareRData orders two rdata values for the simultaneous probe tiebreak
// (RFC 6762 §8.2). The uncompressed encodings are compared byte by byte:
// the first differing byte decides, and when one encoding is a strict
// prefix of the other the longer one is greater.
//
// The result is positive when a wins, negative when b wins and zero when
// the encodings are identical.
func CompareRData(a, b message.RData) int {
	x := message.CanonicalRData(a)
	y := message.CanonicalRData(b)
	n := len(x)
	if len(y) < n {
		n = len(y)
	}
	for i := 0; i < n; i++ {
		if x[i] != y[i] {
			return int(x[i]) - int(y[i])
		}
	}
	return len(x) - len(y)
}

// Tiebreak compares a local record against a competing one with the same
// name: class first, then type, then rdata. Positive means ours wins.
func Tiebreak(ours, theirs *Record) int {
	if ours.Class != theirs.Class {
		return int(ours.Class) - int(theirs.Class)
	}
	if ours.Type != theirs.Type {
		return int(ours.Type) - int(theirs.Type)
	}
	return CompareRData(ours.RData, theirs.RData)
}
