// Package transport moves mDNS packets between the platform runner and the
// network.
//
// Two implementations exist: UDPv4Transport, which joins 224.0.0.251:5353 on
// a set of real interfaces, and the in-memory Network used by tests and by
// anything that wants several responders in one process without sockets.
package transport

import (
	"context"
	"net/netip"
)

// Interface is a local interface a transport sends and receives on. Index is
// the OS interface index for UDP transports and a small counter for the
// in-memory network; it doubles as the engine's interface ID.
type Interface struct {
	Index int
	Name  string
	Addr  netip.Addr
}

// Packet is one received datagram.
type Packet struct {
	Data []byte
	Src  netip.AddrPort

	// Dst is the address the datagram was sent to: the multicast group or
	// our own unicast address. Zero when the platform does not report it.
	Dst netip.AddrPort

	// InterfaceIndex is the interface the datagram arrived on, or 0 when
	// unknown.
	InterfaceIndex int
}

// Transport abstracts the sockets the runner drives.
type Transport interface {
	// Interfaces lists the interfaces the transport joined.
	Interfaces() []Interface

	// Send transmits packet from the interface owning src.Addr() to dst.
	Send(ctx context.Context, packet []byte, src, dst netip.AddrPort) error

	// Receive blocks until a packet arrives, ctx is done or the transport is
	// closed. After Close it returns an error wrapping errors.ErrClosed.
	Receive(ctx context.Context) (Packet, error)

	// Close releases the sockets and unblocks Receive.
	Close() error
}
