package message

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"

	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/protocol"
)

// RData is the type-specific part of a resource record. The concrete types
// below are the only implementations; every codec function switches over all
// of them.
type RData interface {
	isRData()
}

// AddressRData is the payload of an A record.
type AddressRData struct {
	Addr [4]byte
}

// NameRData is the payload of PTR, CNAME and NS records.
type NameRData struct {
	Name Name
}

// TextRData is the payload of a TXT record: a sequence of length-prefixed
// character strings kept in wire form.
type TextRData struct {
	Data []byte
}

// ServiceRData is the payload of an SRV record (RFC 2782).
type ServiceRData struct {
	Priority uint16
	Weight   uint16
	Port     uint16
	Target   Name
}

// OpaqueRData carries rdata of types the engine does not interpret.
type OpaqueRData struct {
	Data []byte
}

func (AddressRData) isRData() {}
func (NameRData) isRData()    {}
func (TextRData) isRData()    {}
func (ServiceRData) isRData() {}
func (OpaqueRData) isRData()  {}

// NewAddressRData converts an IPv4 address.
func NewAddressRData(addr netip.Addr) (AddressRData, error) {
	if !addr.Is4() && !addr.Is4In6() {
		return AddressRData{}, &errors.ValidationError{Field: "address", Value: addr.String(), Message: "not an IPv4 address"}
	}
	return AddressRData{Addr: addr.Unmap().As4()}, nil
}

// IP returns the address as a netip.Addr.
func (a AddressRData) IP() netip.Addr { return netip.AddrFrom4(a.Addr) }

// NewTextRData encodes character strings. No strings yields the single empty
// string RFC 6763 §6 requires.
func NewTextRData(strs ...string) (TextRData, error) {
	if len(strs) == 0 {
		return TextRData{Data: []byte{0}}, nil
	}
	var b []byte
	for _, s := range strs {
		if len(s) > 255 {
			return TextRData{}, &errors.ValidationError{Field: "txt", Value: s, Message: "string exceeds 255 bytes"}
		}
		b = append(b, byte(len(s)))
		b = append(b, s...)
	}
	return TextRData{Data: b}, nil
}

// Strings splits the wire form into character strings. Malformed trailing
// bytes are ignored.
func (t TextRData) Strings() []string {
	var out []string
	for i := 0; i < len(t.Data); {
		l := int(t.Data[i])
		if i+1+l > len(t.Data) {
			break
		}
		out = append(out, string(t.Data[i+1:i+1+l]))
		i += 1 + l
	}
	return out
}

// ValidateRData checks that rd is the variant wire type t carries.
func ValidateRData(t protocol.RecordType, rd RData) error {
	ok := false
	switch rd.(type) {
	case AddressRData:
		ok = t == protocol.RecordTypeA
	case NameRData:
		ok = isNameType(t)
	case TextRData:
		ok = t == protocol.RecordTypeTXT
	case ServiceRData:
		ok = t == protocol.RecordTypeSRV
	case OpaqueRData:
		ok = t != protocol.RecordTypeA && !isNameType(t) && t != protocol.RecordTypeSRV
	case nil:
		ok = false
	}
	if !ok {
		return &errors.ValidationError{Field: "rdata", Value: fmt.Sprintf("%T", rd), Message: "rdata does not match type " + t.String()}
	}
	return nil
}

func isNameType(t protocol.RecordType) bool {
	return t == protocol.RecordTypePTR || t == protocol.RecordTypeCNAME || t == protocol.RecordTypeNS
}

// CanonicalRData returns the uncompressed wire form of rd. It is the byte
// string used for conflict tiebreaking (RFC 6762 §8.2).
func CanonicalRData(rd RData) []byte {
	switch v := rd.(type) {
	case AddressRData:
		return v.Addr[:]
	case NameRData:
		return v.Name.Wire()
	case TextRData:
		return append([]byte(nil), v.Data...)
	case ServiceRData:
		b := make([]byte, 6, 6+v.Target.EncodedLen())
		binary.BigEndian.PutUint16(b[0:], v.Priority)
		binary.BigEndian.PutUint16(b[2:], v.Weight)
		binary.BigEndian.PutUint16(b[4:], v.Port)
		return append(b, v.Target.Wire()...)
	case OpaqueRData:
		return append([]byte(nil), v.Data...)
	}
	return nil
}

// EstimateRDataSize is the uncompressed rdata size, an upper bound on what
// the builder will write.
func EstimateRDataSize(rd RData) int {
	switch v := rd.(type) {
	case AddressRData:
		return 4
	case NameRData:
		return v.Name.EncodedLen()
	case TextRData:
		return len(v.Data)
	case ServiceRData:
		return 6 + v.Target.EncodedLen()
	case OpaqueRData:
		return len(v.Data)
	}
	return 0
}

// RDataEqual compares rdata for record identity. Embedded names compare
// case-insensitively.
func RDataEqual(a, b RData) bool {
	switch x := a.(type) {
	case AddressRData:
		y, ok := b.(AddressRData)
		return ok && x.Addr == y.Addr
	case NameRData:
		y, ok := b.(NameRData)
		return ok && x.Name.Equal(y.Name)
	case TextRData:
		y, ok := b.(TextRData)
		return ok && bytes.Equal(x.Data, y.Data)
	case ServiceRData:
		y, ok := b.(ServiceRData)
		return ok && x.Priority == y.Priority && x.Weight == y.Weight && x.Port == y.Port && x.Target.Equal(y.Target)
	case OpaqueRData:
		y, ok := b.(OpaqueRData)
		return ok && bytes.Equal(x.Data, y.Data)
	}
	return false
}

// RDataString renders rd for logs.
func RDataString(rd RData) string {
	switch v := rd.(type) {
	case AddressRData:
		return v.IP().String()
	case NameRData:
		return v.Name.String()
	case TextRData:
		return fmt.Sprintf("%q", strings.Join(v.Strings(), " "))
	case ServiceRData:
		return fmt.Sprintf("%d %d %d %s", v.Priority, v.Weight, v.Port, v.Target)
	case OpaqueRData:
		return fmt.Sprintf("\\# %d %x", len(v.Data), v.Data)
	}
	return "<nil>"
}

// readRData decodes the rdata window msg[off:off+length].
func readRData(msg []byte, t protocol.RecordType, off, length int) (RData, error) {
	end := off + length
	if end > len(msg) {
		return nil, &errors.WireFormatError{Operation: "read rdata", Offset: off, Message: "rdata overruns message"}
	}
	switch {
	case t == protocol.RecordTypeA:
		if length != 4 {
			return nil, &errors.WireFormatError{Operation: "read rdata", Offset: off, Message: fmt.Sprintf("A rdata length %d, want 4", length)}
		}
		var a AddressRData
		copy(a.Addr[:], msg[off:end])
		return a, nil
	case isNameType(t):
		n, next, err := ReadName(msg[:end], off)
		if err != nil {
			return nil, err
		}
		if next != end {
			return nil, &errors.WireFormatError{Operation: "read rdata", Offset: off, Message: "name does not fill rdata"}
		}
		return NameRData{Name: n}, nil
	case t == protocol.RecordTypeTXT:
		return TextRData{Data: append([]byte(nil), msg[off:end]...)}, nil
	case t == protocol.RecordTypeSRV:
		if length < 7 {
			return nil, &errors.WireFormatError{Operation: "read rdata", Offset: off, Message: "SRV rdata too short"}
		}
		s := ServiceRData{
			Priority: binary.BigEndian.Uint16(msg[off:]),
			Weight:   binary.BigEndian.Uint16(msg[off+2:]),
			Port:     binary.BigEndian.Uint16(msg[off+4:]),
		}
		n, next, err := ReadName(msg[:end], off+6)
		if err != nil {
			return nil, err
		}
		if next != end {
			return nil, &errors.WireFormatError{Operation: "read rdata", Offset: off, Message: "SRV target does not fill rdata"}
		}
		s.Target = n
		return s, nil
	default:
		return OpaqueRData{Data: append([]byte(nil), msg[off:end]...)}, nil
	}
}
