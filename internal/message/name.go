// Package message implements the DNS wire codec used by the mDNS engine:
// domain names with compression, the header, questions, resource records and
// their type-specific rdata.
//
// RFC 1035 §3.1, §4.1: message format and name encoding.
// RFC 1035 §4.1.4: message compression.
// RFC 6762 §18: mDNS specific header and class bits.
package message

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/protocol"
)

// Name is a validated domain name held in uncompressed wire form.
//
// The zero value is "no name" and is distinct from Root. Names are immutable;
// the join helpers return new values.
type Name struct {
	wire string // length-prefixed labels ending in the root label
}

// Root is the name consisting of the root label only.
var Root = Name{wire: "\x00"}

// IsZero reports whether n is the unset name.
func (n Name) IsZero() bool { return n.wire == "" }

// IsRoot reports whether n is the root name.
func (n Name) IsRoot() bool { return n.wire == "\x00" }

// Wire returns a copy of the uncompressed encoding.
func (n Name) Wire() []byte { return []byte(n.wire) }

// EncodedLen is the uncompressed encoded length including the root label.
func (n Name) EncodedLen() int { return len(n.wire) }

// Labels returns the labels without the root label.
func (n Name) Labels() []string {
	var labels []string
	for i := 0; i < len(n.wire) && n.wire[i] != 0; i += 1 + int(n.wire[i]) {
		l := int(n.wire[i])
		labels = append(labels, n.wire[i+1:i+1+l])
	}
	return labels
}

// LabelCount returns the number of non-root labels.
func (n Name) LabelCount() int {
	c := 0
	for i := 0; i < len(n.wire) && n.wire[i] != 0; i += 1 + int(n.wire[i]) {
		c++
	}
	return c
}

// FirstLabel returns the leftmost label, or "" for the root.
func (n Name) FirstLabel() string {
	if len(n.wire) < 2 || n.wire[0] == 0 {
		return ""
	}
	return n.wire[1 : 1+int(n.wire[0])]
}

// Parent drops the leftmost label. The parent of the root is the root.
func (n Name) Parent() Name {
	if len(n.wire) < 2 || n.wire[0] == 0 {
		return Root
	}
	return Name{wire: n.wire[1+int(n.wire[0]):]}
}

// Equal compares two names using ASCII case-insensitive label comparison.
func (n Name) Equal(o Name) bool {
	if len(n.wire) != len(o.wire) {
		return false
	}
	for i := 0; i < len(n.wire); i++ {
		if lowerASCII(n.wire[i]) != lowerASCII(o.wire[i]) {
			return false
		}
	}
	return true
}

// HasSuffix reports whether n ends with the labels of suffix.
func (n Name) HasSuffix(suffix Name) bool {
	for i := 0; i < len(n.wire); i += 1 + int(n.wire[i]) {
		if len(n.wire)-i == len(suffix.wire) && (Name{wire: n.wire[i:]}).Equal(suffix) {
			return true
		}
		if n.wire[i] == 0 {
			break
		}
	}
	return false
}

// Lower returns n with ASCII letters folded to lower case.
func (n Name) Lower() Name {
	b := []byte(n.wire)
	for i := range b {
		b[i] = lowerASCII(b[i])
	}
	return Name{wire: string(b)}
}

// Join appends suffix to n: "foo." + "local." = "foo.local.".
func (n Name) Join(suffix Name) (Name, error) {
	if n.IsZero() || suffix.IsZero() {
		return Name{}, &errors.ValidationError{Field: "name", Value: "", Message: "cannot join unset name"}
	}
	w := n.wire[:len(n.wire)-1] + suffix.wire
	if len(w) > protocol.MaxDomainNameLength {
		return Name{}, &errors.ValidationError{
			Field:   "name",
			Value:   n.String() + suffix.String(),
			Message: fmt.Sprintf("name exceeds maximum %d bytes per RFC 1035 §3.1", protocol.MaxDomainNameLength),
		}
	}
	return Name{wire: w}, nil
}

// PrependLabel returns label.n. The label is used verbatim (spaces, dots and
// UTF-8 are allowed, as in DNS-SD instance names).
func PrependLabel(label string, n Name) (Name, error) {
	if err := checkLabel(label); err != nil {
		return Name{}, err
	}
	if n.IsZero() {
		n = Root
	}
	w := string([]byte{byte(len(label))}) + label + n.wire
	if len(w) > protocol.MaxDomainNameLength {
		return Name{}, &errors.ValidationError{
			Field:   "name",
			Value:   label,
			Message: fmt.Sprintf("name exceeds maximum %d bytes per RFC 1035 §3.1", protocol.MaxDomainNameLength),
		}
	}
	return Name{wire: w}, nil
}

// NewName builds a name from literal labels.
func NewName(labels ...string) (Name, error) {
	n := Root
	for i := len(labels) - 1; i >= 0; i-- {
		var err error
		if n, err = PrependLabel(labels[i], n); err != nil {
			return Name{}, err
		}
	}
	return n, nil
}

// ParseDomainName parses presentation format ("My\.Printer._ipp._tcp.local.").
//
// A trailing dot is optional; "" and "." are the root. Backslash escapes
// "\." "\\" and "\DDD" are understood. Labels may contain any byte; use
// ValidateHostName for strict host-name validation.
func ParseDomainName(s string) (Name, error) {
	if s == "" || s == "." {
		return Root, nil
	}
	var labels []string
	var cur []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\':
			if i+1 >= len(s) {
				return Name{}, &errors.ValidationError{Field: "name", Value: s, Message: "trailing backslash"}
			}
			if isDigit(s[i+1]) {
				if i+3 >= len(s) || !isDigit(s[i+2]) || !isDigit(s[i+3]) {
					return Name{}, &errors.ValidationError{Field: "name", Value: s, Message: "short decimal escape"}
				}
				v, _ := strconv.Atoi(s[i+1 : i+4])
				if v > 255 {
					return Name{}, &errors.ValidationError{Field: "name", Value: s, Message: "decimal escape out of range"}
				}
				cur = append(cur, byte(v))
				i += 3
				continue
			}
			cur = append(cur, s[i+1])
			i++
		case c == '.':
			if len(cur) == 0 {
				return Name{}, &errors.ValidationError{Field: "name", Value: s, Message: "empty label"}
			}
			labels = append(labels, string(cur))
			cur = cur[:0]
		default:
			cur = append(cur, c)
		}
	}
	if len(cur) > 0 {
		labels = append(labels, string(cur))
	}
	return NewName(labels...)
}

// MustParseName is ParseDomainName for literals; it panics on error.
func MustParseName(s string) Name {
	n, err := ParseDomainName(s)
	if err != nil {
		panic(err)
	}
	return n
}

// String renders the name in presentation format with a trailing dot.
func (n Name) String() string {
	if n.IsZero() {
		return ""
	}
	if n.IsRoot() {
		return "."
	}
	var sb strings.Builder
	for _, l := range n.Labels() {
		for i := 0; i < len(l); i++ {
			c := l[i]
			switch {
			case c == '.' || c == '\\':
				sb.WriteByte('\\')
				sb.WriteByte(c)
			case c < 0x20 || c == 0x7f:
				fmt.Fprintf(&sb, "\\%03d", c)
			default:
				sb.WriteByte(c)
			}
		}
		sb.WriteByte('.')
	}
	return sb.String()
}

// ReadName decodes the name at off and returns it with the offset just past
// the name in its original position.
//
// RFC 1035 §4.1.4: a length byte with the two high bits set is a 14-bit
// pointer. Pointers must refer to an earlier offset than their own position,
// and the expanded name may not exceed 255 bytes, which together bound the
// work done on hostile input.
func ReadName(msg []byte, off int) (Name, int, error) {
	if off < 0 || off >= len(msg) {
		return Name{}, 0, &errors.WireFormatError{Operation: "read name", Offset: off, Message: "offset out of bounds"}
	}
	buf := make([]byte, 0, 32)
	p := off
	end := -1
	budget := protocol.MaxDomainNameLength
	for {
		if p >= len(msg) {
			return Name{}, 0, &errors.WireFormatError{Operation: "read name", Offset: p, Message: "truncated name"}
		}
		c := msg[p]
		switch c & 0xC0 {
		case 0x00:
			if c == 0 {
				buf = append(buf, 0)
				if end < 0 {
					end = p + 1
				}
				return Name{wire: string(buf)}, end, nil
			}
			l := int(c)
			if p+1+l > len(msg) {
				return Name{}, 0, &errors.WireFormatError{Operation: "read name", Offset: p, Message: "truncated label"}
			}
			if len(buf)+1+l+1 > protocol.MaxDomainNameLength {
				return Name{}, 0, &errors.WireFormatError{
					Operation: "read name",
					Offset:    p,
					Message:   fmt.Sprintf("name exceeds maximum %d bytes per RFC 1035 §3.1", protocol.MaxDomainNameLength),
				}
			}
			buf = append(buf, msg[p:p+1+l]...)
			p += 1 + l
		case 0xC0:
			if p+1 >= len(msg) {
				return Name{}, 0, &errors.WireFormatError{Operation: "read name", Offset: p, Message: "truncated compression pointer"}
			}
			ptr := int(binary.BigEndian.Uint16(msg[p:]) & protocol.MaxCompressionOffset)
			if ptr >= p {
				return Name{}, 0, &errors.WireFormatError{
					Operation: "read name",
					Offset:    p,
					Message:   fmt.Sprintf("invalid compression pointer %d (must point backward)", ptr),
				}
			}
			budget--
			if budget <= 0 {
				return Name{}, 0, &errors.WireFormatError{Operation: "read name", Offset: p, Message: "invalid compression pointer chain"}
			}
			if end < 0 {
				end = p + 2
			}
			p = ptr
		default:
			return Name{}, 0, &errors.WireFormatError{
				Operation: "read name",
				Offset:    p,
				Message: fmt.Sprintf("label length %d exceeds maximum %d bytes per RFC 1035 §3.1 (extended label types unsupported)",
					c, protocol.MaxLabelLength),
			}
		}
	}
}

// ValidateHostName checks a host-style name against RFC 1035 §3.1 and
// RFC 952: letters, digits, '-' and '_' only, no leading or trailing
// hyphen, labels ≤ 63 bytes, name ≤ 255 bytes. A trailing dot is optional.
func ValidateHostName(name string) error {
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return nil
	}
	size := 1
	for _, l := range strings.Split(name, ".") {
		if err := validateHostLabel(l); err != nil {
			return err
		}
		size += 1 + len(l)
	}
	if size > protocol.MaxDomainNameLength {
		return &errors.ValidationError{
			Field:   "name",
			Value:   name,
			Message: fmt.Sprintf("name exceeds maximum %d bytes per RFC 1035 §3.1", protocol.MaxDomainNameLength),
		}
	}
	return nil
}

func checkLabel(label string) error {
	if label == "" {
		return &errors.ValidationError{Field: "label", Value: label, Message: "empty label"}
	}
	if len(label) > protocol.MaxLabelLength {
		return &errors.ValidationError{
			Field:   "label",
			Value:   label,
			Message: fmt.Sprintf("exceeds maximum length %d bytes per RFC 1035 §3.1", protocol.MaxLabelLength),
		}
	}
	return nil
}

func validateHostLabel(l string) error {
	if err := checkLabel(l); err != nil {
		return err
	}
	for i := 0; i < len(l); i++ {
		c := l[i]
		if !isDigit(c) && !isLetter(c) && c != '-' && c != '_' {
			return &errors.ValidationError{Field: "label", Value: l, Message: fmt.Sprintf("invalid character %q", c)}
		}
	}
	if l[0] == '-' || l[len(l)-1] == '-' {
		return &errors.ValidationError{Field: "label", Value: l, Message: "hyphen cannot be first or last character"}
	}
	return nil
}

func lowerASCII(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

func isDigit(c byte) bool  { return c >= '0' && c <= '9' }
func isLetter(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
