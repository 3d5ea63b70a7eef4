package message

import (
	"encoding/binary"
	stderrors "errors"

	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/protocol"
)

// ErrNoSpace is returned when an entry does not fit in the remaining space.
// The builder is left exactly as it was before the call.
var ErrNoSpace = stderrors.New("message full")

// ErrSectionOrder is returned when entries are added out of section order.
var ErrSectionOrder = stderrors.New("section order violated")

// Builder assembles one outgoing message into a bounded buffer.
//
// Names are compressed against everything already written. Sections must be
// filled in order: questions, answers, authorities, additionals.
type Builder struct {
	buf     []byte
	limit   int
	header  Header
	stage   int // 0 questions, 1+Section records
	entries int

	// final bounds the bytes compression may point into; the header fields
	// of the record being written are still subject to back-patching.
	final int
}

// NewBuilder starts a message with the given ID and flags. limit caps the
// total size including the header; values ≤ 0 select MaxMessageSize.
func NewBuilder(id, flags uint16, limit int) *Builder {
	if limit <= 0 || limit > protocol.MaxMessageSize {
		limit = protocol.MaxMessageSize
	}
	b := &Builder{
		buf:    make([]byte, protocol.HeaderSize, limit),
		limit:  limit,
		header: Header{ID: id, Flags: flags},
	}
	return b
}

// Len is the number of bytes written so far.
func (b *Builder) Len() int { return len(b.buf) }

// Remaining is the space left before the limit.
func (b *Builder) Remaining() int { return b.limit - len(b.buf) }

// Empty reports whether nothing but the header was written.
func (b *Builder) Empty() bool { return b.entries == 0 }

// Header returns the header with the current counts.
func (b *Builder) Header() Header { return b.header }

// SetFlags replaces the header flags.
func (b *Builder) SetFlags(flags uint16) { b.header.Flags = flags }

// Bytes finalises the header counts and returns the message.
func (b *Builder) Bytes() []byte {
	b.header.put(b.buf)
	return b.buf
}

// AddQuestion appends q. It fails with ErrNoSpace if q does not fit.
func (b *Builder) AddQuestion(q Question) error {
	if b.stage != 0 {
		return ErrSectionOrder
	}
	if q.Name.IsZero() {
		return &errors.ValidationError{Field: "question", Value: q.Type.String(), Message: "question without name"}
	}
	mark := len(b.buf)
	b.final = mark
	b.appendName(q.Name)
	class := uint16(q.Class)
	if q.UnicastResponse {
		class |= protocol.ClassTopBit
	}
	b.buf = binary.BigEndian.AppendUint16(b.buf, uint16(q.Type))
	b.buf = binary.BigEndian.AppendUint16(b.buf, class)
	if len(b.buf) > b.limit {
		b.buf = b.buf[:mark]
		b.final = mark
		return ErrNoSpace
	}
	b.header.QDCount++
	b.entries++
	return nil
}

// AddRecord appends rr to section s. It fails with ErrNoSpace if rr does not
// fit; the rdlength field is patched after the (possibly compressed) rdata
// is written.
func (b *Builder) AddRecord(s Section, rr ResourceRecord) error {
	stage := int(s) + 1
	if stage < b.stage {
		return ErrSectionOrder
	}
	if err := ValidateRData(rr.Type, rr.RData); err != nil {
		return err
	}
	mark := len(b.buf)
	b.final = mark
	b.appendName(rr.Name)
	b.final = len(b.buf)
	class := uint16(rr.Class)
	if rr.CacheFlush {
		class |= protocol.ClassTopBit
	}
	b.buf = binary.BigEndian.AppendUint16(b.buf, uint16(rr.Type))
	b.buf = binary.BigEndian.AppendUint16(b.buf, class)
	b.buf = binary.BigEndian.AppendUint32(b.buf, rr.TTL)
	lenAt := len(b.buf)
	b.buf = append(b.buf, 0, 0)
	b.appendRData(rr.RData)
	rdlen := len(b.buf) - lenAt - 2
	if len(b.buf) > b.limit || rdlen > 0xFFFF {
		b.buf = b.buf[:mark]
		b.final = mark
		return ErrNoSpace
	}
	b.final = len(b.buf)
	binary.BigEndian.PutUint16(b.buf[lenAt:], uint16(rdlen))
	b.stage = stage
	switch s {
	case SectionAnswer:
		b.header.ANCount++
	case SectionAuthority:
		b.header.NSCount++
	case SectionAdditional:
		b.header.ARCount++
	}
	b.entries++
	return nil
}

func (b *Builder) appendRData(rd RData) {
	switch v := rd.(type) {
	case AddressRData:
		b.buf = append(b.buf, v.Addr[:]...)
	case NameRData:
		b.appendName(v.Name)
	case TextRData:
		b.buf = append(b.buf, v.Data...)
	case ServiceRData:
		b.buf = binary.BigEndian.AppendUint16(b.buf, v.Priority)
		b.buf = binary.BigEndian.AppendUint16(b.buf, v.Weight)
		b.buf = binary.BigEndian.AppendUint16(b.buf, v.Port)
		b.appendName(v.Target)
	case OpaqueRData:
		b.buf = append(b.buf, v.Data...)
	}
}

// appendName writes n, replacing the longest suffix already present in the
// message with a compression pointer.
func (b *Builder) appendName(n Name) {
	w := n.wire
	if w == "" {
		w = Root.wire
	}
	searchEnd := b.final
	if searchEnd > len(b.buf) {
		searchEnd = len(b.buf)
	}
	for pos := 0; w[pos] != 0; pos += 1 + int(w[pos]) {
		if off, ok := findSuffix(b.buf[:searchEnd], w[pos:]); ok {
			b.buf = append(b.buf, w[:pos]...)
			b.buf = binary.BigEndian.AppendUint16(b.buf, 0xC000|uint16(off))
			return
		}
	}
	b.buf = append(b.buf, w...)
}

// findSuffix scans the written message for an offset whose name equals
// suffix label for label, following existing pointers.
func findSuffix(msg []byte, suffix string) (int, bool) {
	for off := protocol.HeaderSize; off < len(msg) && off <= protocol.MaxCompressionOffset; off++ {
		c := msg[off]
		if c == 0 || c&0xC0 != 0 || c != suffix[0] {
			continue
		}
		if nameMatches(msg, off, suffix) {
			return off, true
		}
	}
	return 0, false
}

func nameMatches(msg []byte, p int, s string) bool {
	i := 0
	hops := 0
	for {
		if p >= len(msg) || i >= len(s) {
			return false
		}
		c := msg[p]
		if c&0xC0 == 0xC0 {
			if p+1 >= len(msg) {
				return false
			}
			ptr := int(binary.BigEndian.Uint16(msg[p:]) & protocol.MaxCompressionOffset)
			hops++
			if ptr >= p || hops > protocol.MaxDomainNameLength {
				return false
			}
			p = ptr
			continue
		}
		if c&0xC0 != 0 || c != s[i] {
			return false
		}
		if c == 0 {
			return true
		}
		l := int(c)
		if p+1+l > len(msg) || i+1+l > len(s) {
			return false
		}
		if string(msg[p+1:p+1+l]) != s[i+1:i+1+l] {
			return false
		}
		p += 1 + l
		i += 1 + l
	}
}
