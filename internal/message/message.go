package message

import (
	"encoding/binary"
	"fmt"

	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/protocol"
)

// Question is one entry of the question section.
type Question struct {
	Name  Name
	Type  protocol.RecordType
	Class protocol.Class

	// UnicastResponse is the QU bit (RFC 6762 §5.4), carried in the top bit
	// of the class field.
	UnicastResponse bool
}

// ResourceRecord is a record as it appears on the wire.
type ResourceRecord struct {
	Name  Name
	Type  protocol.RecordType
	Class protocol.Class

	// CacheFlush is the top class bit on records (RFC 6762 §10.2).
	CacheFlush bool

	TTL   uint32
	RData RData
}

// String renders the record in zone-file style for logs.
func (rr ResourceRecord) String() string {
	return fmt.Sprintf("%s %d %s %s %s", rr.Name, rr.TTL, rr.Class, rr.Type, RDataString(rr.RData))
}

// Message is a fully decoded packet.
type Message struct {
	Header      Header
	Questions   []Question
	Answers     []ResourceRecord
	Authorities []ResourceRecord
	Additionals []ResourceRecord
}

// Section selects a record section when building.
type Section int

const (
	SectionAnswer Section = iota
	SectionAuthority
	SectionAdditional
)

// EstimateQuestionSize is the uncompressed size of q.
func EstimateQuestionSize(q Question) int {
	return q.Name.EncodedLen() + 4
}

// EstimateRecordSize is the uncompressed size of rr, a safe upper bound on
// what Builder.AddRecord writes.
func EstimateRecordSize(rr ResourceRecord) int {
	return rr.Name.EncodedLen() + 10 + EstimateRDataSize(rr.RData)
}

// Parse decodes a complete packet. Nothing is returned unless every section
// decoded, so callers never see a partial message.
func Parse(b []byte) (*Message, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}
	m := &Message{Header: h}
	off := protocol.HeaderSize

	if h.QDCount > 0 {
		// The count is untrusted; a question takes at least five bytes.
		m.Questions = make([]Question, 0, min(int(h.QDCount), len(b)/minQuestionSize))
	}
	for i := 0; i < int(h.QDCount); i++ {
		var q Question
		if q, off, err = readQuestion(b, off); err != nil {
			return nil, err
		}
		m.Questions = append(m.Questions, q)
	}

	sections := []struct {
		count int
		dst   *[]ResourceRecord
	}{
		{int(h.ANCount), &m.Answers},
		{int(h.NSCount), &m.Authorities},
		{int(h.ARCount), &m.Additionals},
	}
	for _, s := range sections {
		for i := 0; i < s.count; i++ {
			var rr ResourceRecord
			if rr, off, err = readRecord(b, off); err != nil {
				return nil, err
			}
			*s.dst = append(*s.dst, rr)
		}
	}
	return m, nil
}

// minQuestionSize is a root name plus type and class.
const minQuestionSize = 5

func readQuestion(b []byte, off int) (Question, int, error) {
	n, off, err := ReadName(b, off)
	if err != nil {
		return Question{}, 0, err
	}
	if off+4 > len(b) {
		return Question{}, 0, &errors.WireFormatError{Operation: "read question", Offset: off, Message: "truncated question"}
	}
	class := binary.BigEndian.Uint16(b[off+2:])
	return Question{
		Name:            n,
		Type:            protocol.RecordType(binary.BigEndian.Uint16(b[off:])),
		Class:           protocol.Class(class &^ protocol.ClassTopBit),
		UnicastResponse: class&protocol.ClassTopBit != 0,
	}, off + 4, nil
}

func readRecord(b []byte, off int) (ResourceRecord, int, error) {
	n, off, err := ReadName(b, off)
	if err != nil {
		return ResourceRecord{}, 0, err
	}
	if off+10 > len(b) {
		return ResourceRecord{}, 0, &errors.WireFormatError{Operation: "read record", Offset: off, Message: "truncated record header"}
	}
	t := protocol.RecordType(binary.BigEndian.Uint16(b[off:]))
	class := binary.BigEndian.Uint16(b[off+2:])
	ttl := binary.BigEndian.Uint32(b[off+4:])
	rdlen := int(binary.BigEndian.Uint16(b[off+8:]))
	off += 10
	rd, err := readRData(b, t, off, rdlen)
	if err != nil {
		return ResourceRecord{}, 0, err
	}
	return ResourceRecord{
		Name:       n,
		Type:       t,
		Class:      protocol.Class(class &^ protocol.ClassTopBit),
		CacheFlush: class&protocol.ClassTopBit != 0,
		TTL:        ttl,
		RData:      rd,
	}, off + rdlen, nil
}
