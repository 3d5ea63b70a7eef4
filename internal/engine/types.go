package engine

import (
	"fmt"
	"net/netip"

	"github.com/joshuafuller/mdnscore/internal/arena"
	"github.com/joshuafuller/mdnscore/internal/message"
	"github.com/joshuafuller/mdnscore/internal/protocol"
)

// Platform is everything the engine needs from its host environment.
//
// The engine never blocks and never starts goroutines; it calls SendUDP when
// a packet is ready and ScheduleTask to say when Task should next run.
type Platform interface {
	// SendUDP transmits msg. src carries the address of the interface to
	// send from and the mDNS port; dst is the multicast group or a unicast
	// peer.
	SendUDP(msg []byte, src, dst netip.AddrPort) error

	// ScheduleTask asks for Task to be called at or after wake (in ticks).
	// Each call supersedes the previous one.
	ScheduleTask(wake int64)

	// TimeNow returns a monotonic tick count.
	TimeNow() int64

	// Lock and Unlock bracket every outermost engine entry point. They may be
	// no-ops on platforms that already serialise calls.
	Lock()
	Unlock()
}

// Interface is a network interface the engine sends on.
type Interface struct {
	ID   int
	Addr netip.Addr
}

// Status is the asynchronous outcome reported to record, service and host
// owners.
type Status int

const (
	// StatusRegistered: a unique record finished probing, or a shared record
	// was announced for the first time.
	StatusRegistered Status = iota
	// StatusNameConflict: the record lost a conflict and was withdrawn.
	StatusNameConflict
	// StatusDeregistered: the record is gone and its ID is no longer valid.
	StatusDeregistered
	// StatusRenamed: a conflict was resolved by picking a new name.
	StatusRenamed
)

func (s Status) String() string {
	switch s {
	case StatusRegistered:
		return "registered"
	case StatusNameConflict:
		return "name conflict"
	case StatusDeregistered:
		return "deregistered"
	case StatusRenamed:
		return "renamed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// RecordID identifies a registered record.
type RecordID struct{ ref arena.Ref }

// QuestionID identifies an active question.
type QuestionID struct{ ref arena.Ref }

// ServiceID identifies a registered service.
type ServiceID struct{ ref arena.Ref }

// HostID identifies a registered host.
type HostID struct{ ref arena.Ref }

func (id RecordID) IsZero() bool   { return id.ref.IsZero() }
func (id QuestionID) IsZero() bool { return id.ref.IsZero() }
func (id ServiceID) IsZero() bool  { return id.ref.IsZero() }
func (id HostID) IsZero() bool     { return id.ref.IsZero() }

func (id RecordID) String() string   { return "record" + id.ref.String() }
func (id QuestionID) String() string { return "question" + id.ref.String() }
func (id ServiceID) String() string  { return "service" + id.ref.String() }
func (id HostID) String() string     { return "host" + id.ref.String() }

// RecordCallback receives status changes for a registered record. It runs
// on the engine's call stack and may call back into the engine.
type RecordCallback func(e *Engine, id RecordID, status Status)

// ServiceCallback receives status changes for a registered service.
type ServiceCallback func(e *Engine, id ServiceID, status Status)

// HostCallback receives status changes for a registered host.
type HostCallback func(e *Engine, id HostID, status Status)

// Answer is a record delivered to a question. TTL 0 means the record was
// removed from the cache.
type Answer struct {
	Name        message.Name
	Type        protocol.RecordType
	Class       protocol.Class
	RData       message.RData
	TTL         uint32
	InterfaceID int
}

// Removed reports whether a signals removal.
func (a Answer) Removed() bool { return a.TTL == 0 }

func (a Answer) String() string {
	return fmt.Sprintf("%s %d %s %s %s", a.Name, a.TTL, a.Class, a.Type, message.RDataString(a.RData))
}

// QuestionCallback receives answers for a question.
type QuestionCallback func(e *Engine, id QuestionID, a Answer)

// Question describes what to ask.
type Question struct {
	Name  message.Name
	Type  protocol.RecordType
	Class protocol.Class

	// InterfaceID restricts the question to one interface; zero asks on all.
	InterfaceID int
}

// Direction of a packet as seen by the Observer.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

// PacketKind classifies packets for the Observer.
type PacketKind string

const (
	KindQuery    PacketKind = "query"
	KindProbe    PacketKind = "probe"
	KindResponse PacketKind = "response"
	KindGoodbye  PacketKind = "goodbye"
	KindUnicast  PacketKind = "unicast"
)

// Observer receives engine events for metrics. Methods run synchronously on
// the engine's call stack and must not call back into the engine.
type Observer interface {
	Packet(dir Direction, kind PacketKind, size int)
	Dropped(reason string)
	SendFailed()
	CacheEvicted()
	CacheSize(n int)
	Conflict()
}

type nopObserver struct{}

func (nopObserver) Packet(Direction, PacketKind, int) {}
func (nopObserver) Dropped(string)                    {}
func (nopObserver) SendFailed()                       {}
func (nopObserver) CacheEvicted()                     {}
func (nopObserver) CacheSize(int)                     {}
func (nopObserver) Conflict()                         {}
