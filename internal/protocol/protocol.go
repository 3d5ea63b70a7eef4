// Package protocol holds the wire-level constants shared by the codec, the
// engine and the transports.
//
// RFC 6762 §5: mDNS uses UDP port 5353 and multicast address 224.0.0.251.
// RFC 1035 §3.2: TYPE and CLASS values.
package protocol

import "fmt"

const (
	// MulticastAddrIPv4 is the mDNS IPv4 link-local multicast group.
	MulticastAddrIPv4 = "224.0.0.251"

	// Port is the mDNS UDP port.
	Port = 5353

	// MaxMessageSize caps every multicast packet we build, header included.
	MaxMessageSize = 1460

	// HeaderSize is the fixed DNS header length.
	HeaderSize = 12

	// MaxLabelLength is the longest label allowed by RFC 1035 §3.1.
	MaxLabelLength = 63

	// MaxDomainNameLength bounds the encoded form of a name (length bytes,
	// label data and the terminating root label).
	MaxDomainNameLength = 255

	// MaxCompressionOffset is the largest offset a 14-bit pointer can hold.
	MaxCompressionOffset = 0x3FFF
)

// RecordType is a DNS TYPE value.
type RecordType uint16

const (
	RecordTypeA     RecordType = 1
	RecordTypeNS    RecordType = 2
	RecordTypeCNAME RecordType = 5
	RecordTypePTR   RecordType = 12
	RecordTypeHINFO RecordType = 13
	RecordTypeTXT   RecordType = 16
	RecordTypeAAAA  RecordType = 28
	RecordTypeSRV   RecordType = 33
	RecordTypeOPT   RecordType = 41
	RecordTypeNSEC  RecordType = 47
	RecordTypeANY   RecordType = 255
)

// String returns the mnemonic for known types and TYPEnn otherwise (RFC 3597).
func (t RecordType) String() string {
	switch t {
	case RecordTypeA:
		return "A"
	case RecordTypeNS:
		return "NS"
	case RecordTypeCNAME:
		return "CNAME"
	case RecordTypePTR:
		return "PTR"
	case RecordTypeHINFO:
		return "HINFO"
	case RecordTypeTXT:
		return "TXT"
	case RecordTypeAAAA:
		return "AAAA"
	case RecordTypeSRV:
		return "SRV"
	case RecordTypeOPT:
		return "OPT"
	case RecordTypeNSEC:
		return "NSEC"
	case RecordTypeANY:
		return "ANY"
	default:
		return fmt.Sprintf("TYPE%d", uint16(t))
	}
}

// Class is a DNS CLASS value.
type Class uint16

const (
	ClassIN  Class = 1
	ClassANY Class = 255

	// ClassTopBit is the cache-flush bit on records and the unicast-response
	// (QU) bit on questions (RFC 6762 §10.2, §5.4).
	ClassTopBit uint16 = 0x8000
)

// String returns "IN", "ANY" or CLASSnn.
func (c Class) String() string {
	switch c {
	case ClassIN:
		return "IN"
	case ClassANY:
		return "ANY"
	default:
		return fmt.Sprintf("CLASS%d", uint16(c))
	}
}

// Header flag bits (RFC 1035 §4.1.1).
const (
	FlagQR uint16 = 1 << 15
	FlagAA uint16 = 1 << 10
	FlagTC uint16 = 1 << 9
	FlagRD uint16 = 1 << 8
	FlagRA uint16 = 1 << 7
	FlagAD uint16 = 1 << 5
	FlagCD uint16 = 1 << 4

	OpcodeShift        = 11
	OpcodeMask  uint16 = 0xF << OpcodeShift
	RcodeMask   uint16 = 0xF

	OpcodeQuery uint16 = 0
)

// TTL defaults (RFC 6762 §10).
const (
	// TTLHostname is used for address records and anything naming a host.
	TTLHostname uint32 = 4500

	// TTLService is used for SRV, TXT and PTR records of a service.
	TTLService uint32 = 120

	// TTLGoodbye is the TTL carried by a goodbye announcement.
	TTLGoodbye uint32 = 0
)

// DNS-SD names (RFC 6763).
const (
	DefaultDomain      = "local."
	ServiceEnumeration = "_services._dns-sd._udp.local."
	ReverseIPv4Suffix  = "in-addr.arpa."
)
