package message

import (
	"encoding/binary"

	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/protocol"
)

// Header is the fixed 12-byte DNS header with counts in host order.
type Header struct {
	ID      uint16
	Flags   uint16
	QDCount uint16
	ANCount uint16
	NSCount uint16
	ARCount uint16
}

// IsResponse reports the QR bit.
func (h Header) IsResponse() bool { return h.Flags&protocol.FlagQR != 0 }

// Opcode returns the 4-bit OPCODE field.
func (h Header) Opcode() uint16 { return (h.Flags & protocol.OpcodeMask) >> protocol.OpcodeShift }

// Rcode returns the 4-bit RCODE field.
func (h Header) Rcode() uint16 { return h.Flags & protocol.RcodeMask }

// Truncated reports the TC bit. In mDNS queries it means more known answers
// follow in subsequent packets (RFC 6762 §7.2).
func (h Header) Truncated() bool { return h.Flags&protocol.FlagTC != 0 }

// Authoritative reports the AA bit.
func (h Header) Authoritative() bool { return h.Flags&protocol.FlagAA != 0 }

// ParseHeader decodes the header and converts the counts to host order.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < protocol.HeaderSize {
		return Header{}, &errors.WireFormatError{
			Operation: "parse header",
			Offset:    0,
			Message:   "message shorter than 12-byte header",
		}
	}
	return Header{
		ID:      binary.BigEndian.Uint16(b[0:]),
		Flags:   binary.BigEndian.Uint16(b[2:]),
		QDCount: binary.BigEndian.Uint16(b[4:]),
		ANCount: binary.BigEndian.Uint16(b[6:]),
		NSCount: binary.BigEndian.Uint16(b[8:]),
		ARCount: binary.BigEndian.Uint16(b[10:]),
	}, nil
}

func (h Header) put(b []byte) {
	binary.BigEndian.PutUint16(b[0:], h.ID)
	binary.BigEndian.PutUint16(b[2:], h.Flags)
	binary.BigEndian.PutUint16(b[4:], h.QDCount)
	binary.BigEndian.PutUint16(b[6:], h.ANCount)
	binary.BigEndian.PutUint16(b[8:], h.NSCount)
	binary.BigEndian.PutUint16(b[10:], h.ARCount)
}
