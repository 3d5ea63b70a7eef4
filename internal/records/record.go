// Package records holds the resource record model shared by the registered
// record set and the cache: the record state machine, TTL arithmetic, the
// conflict tiebreak and builders for DNS-SD record sets.
//
// Times are engine ticks; callers pass the tick rate where seconds matter.
package records

import (
	"fmt"

	"github.com/joshuafuller/mdnscore/internal/arena"
	"github.com/joshuafuller/mdnscore/internal/message"
	"github.com/joshuafuller/mdnscore/internal/protocol"
)

// State is the lifecycle state of a record.
//
//	Unregistered → Shared | Unique
//	Unique → Verified               probing finished uncontested
//	Verified → Unique               conflicting response after verification
//	Shared | Unique | Verified → Deregistering → Unregistered
//
// PacketAnswer and PacketAdditional tag cache entries by the section they
// arrived in and never appear on local records.
type State uint8

const (
	StateUnregistered State = iota
	StateShared
	StateUnique
	StateVerified
	StateDeregistering
	StatePacketAnswer
	StatePacketAdditional
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateShared:
		return "shared"
	case StateUnique:
		return "unique"
	case StateVerified:
		return "verified"
	case StateDeregistering:
		return "deregistering"
	case StatePacketAnswer:
		return "packet-answer"
	case StatePacketAdditional:
		return "packet-additional"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Record is one resource record, either registered locally or cached.
type Record struct {
	Name  message.Name
	Type  protocol.RecordType
	Class protocol.Class
	RData message.RData

	// OriginalTTL is the TTL in seconds as registered or received.
	OriginalTTL uint32

	// CacheFlush marks a unique RRSet (RFC 6762 §10.2). Set on local unique
	// records when sent and recorded from the wire for cache entries.
	CacheFlush bool

	State State

	// InterfaceID restricts a local record to one interface, or records the
	// interface a cache entry arrived on. Zero means any.
	InterfaceID int

	// Local record lifecycle.
	ProbeCount    int
	AnnounceCount int
	LastSend      int64
	Interval      int64
	Additional1   arena.Ref
	Additional2   arena.Ref
	DependentOn   arena.Ref
	RRSet         arena.Ref

	// HostTarget makes an SRV record's target follow the engine's host name.
	HostTarget bool

	// Cache entry bookkeeping.
	TimeRcvd          int64
	LastUsed          int64
	UseCount          int
	UnansweredQueries int
}

// NextSend is when the record is next due for a probe or announcement.
func (r *Record) NextSend() int64 { return r.LastSend + r.Interval }

// Resource converts r to its wire form with the given TTL.
func (r *Record) Resource(ttl uint32) message.ResourceRecord {
	return message.ResourceRecord{
		Name:       r.Name,
		Type:       r.Type,
		Class:      r.Class,
		CacheFlush: r.CacheFlush,
		TTL:        ttl,
		RData:      r.RData,
	}
}

// FromResource builds a cache entry from a received record.
func FromResource(rr message.ResourceRecord, state State, interfaceID int, now int64) Record {
	return Record{
		Name:        rr.Name,
		Type:        rr.Type,
		Class:       rr.Class,
		RData:       rr.RData,
		OriginalTTL: rr.TTL,
		CacheFlush:  rr.CacheFlush,
		State:       state,
		InterfaceID: interfaceID,
		TimeRcvd:    now,
		LastUsed:    now,
	}
}

// SameRRSet reports whether a and b share name, type and class.
func SameRRSet(a, b *Record) bool {
	return a.Type == b.Type && a.Class == b.Class && a.Name.Equal(b.Name)
}

// SameIdentity reports whether a and b are the same record: same RRSet and
// same rdata.
func SameIdentity(a, b *Record) bool {
	return SameRRSet(a, b) && message.RDataEqual(a.RData, b.RData)
}

// MatchesResource is SameIdentity against a decoded record.
func MatchesResource(r *Record, rr message.ResourceRecord) bool {
	return r.Type == rr.Type && r.Class == rr.Class && r.Name.Equal(rr.Name) && message.RDataEqual(r.RData, rr.RData)
}

// AnswersQuestion reports whether r is an answer to a question of the given
// name, type and class, honouring the ANY wildcards.
func AnswersQuestion(r *Record, name message.Name, qtype protocol.RecordType, qclass protocol.Class) bool {
	if qtype != protocol.RecordTypeANY && qtype != r.Type {
		return false
	}
	if qclass != protocol.ClassANY && qclass != r.Class {
		return false
	}
	return r.Name.Equal(name)
}

func (r *Record) String() string {
	return fmt.Sprintf("%s %d %s %s %s (%s)", r.Name, r.OriginalTTL, r.Class, r.Type, message.RDataString(r.RData), r.State)
}
