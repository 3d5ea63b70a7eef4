package transport

import (
	"context"
	"net/netip"
	"sync"

	"go.uber.org/multierr"

	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/protocol"
)

// memoryQueueLen is how many packets a member may have waiting before
// further deliveries to it are dropped, as a congested socket would.
const memoryQueueLen = 256

// Network is an in-process link. Multicast packets reach every attached
// transport except the sender; unicast packets reach the transport with the
// destination address.
type Network struct {
	mu      sync.Mutex
	members []*MemoryTransport
}

// NewNetwork returns an empty link.
func NewNetwork() *Network {
	return &Network{}
}

// Attach adds a host with address addr to the link.
func (n *Network) Attach(name string, addr netip.Addr) *MemoryTransport {
	m := &MemoryTransport{
		net:   n,
		iface: Interface{Index: 1, Name: name, Addr: addr},
		inbox: make(chan Packet, memoryQueueLen),
		done:  make(chan struct{}),
	}
	n.mu.Lock()
	n.members = append(n.members, m)
	n.mu.Unlock()
	return m
}

// Inject delivers packet as though a host outside the link had sent it.
func (n *Network) Inject(packet []byte, src, dst netip.AddrPort) {
	n.deliver(nil, packet, src, dst)
}

// Close closes every attached transport.
func (n *Network) Close() error {
	n.mu.Lock()
	members := append([]*MemoryTransport(nil), n.members...)
	n.mu.Unlock()

	var err error
	for _, m := range members {
		err = multierr.Append(err, m.Close())
	}
	return err
}

func (n *Network) deliver(from *MemoryTransport, packet []byte, src, dst netip.AddrPort) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.members {
		if m == from {
			continue
		}
		if !dst.Addr().IsMulticast() && m.iface.Addr != dst.Addr() {
			continue
		}
		p := Packet{
			Data:           append([]byte(nil), packet...),
			Src:            src,
			Dst:            dst,
			InterfaceIndex: m.iface.Index,
		}
		select {
		case m.inbox <- p:
		default:
		}
	}
}

func (n *Network) detach(m *MemoryTransport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, x := range n.members {
		if x == m {
			n.members = append(n.members[:i], n.members[i+1:]...)
			return
		}
	}
}

// MemoryTransport is one host on a Network.
type MemoryTransport struct {
	net   *Network
	iface Interface
	inbox chan Packet

	closeOnce sync.Once
	done      chan struct{}
}

func (m *MemoryTransport) Interfaces() []Interface {
	return []Interface{m.iface}
}

func (m *MemoryTransport) Send(ctx context.Context, packet []byte, src, dst netip.AddrPort) error {
	if err := ctx.Err(); err != nil {
		return &errors.NetworkError{Operation: "send packet", Err: err, Details: "context canceled before send"}
	}
	select {
	case <-m.done:
		return &errors.NetworkError{Operation: "send packet", Err: errors.ErrClosed}
	default:
	}
	if src.Addr() != m.iface.Addr {
		return &errors.NetworkError{
			Operation: "send packet",
			Details:   "no interface with address " + src.Addr().String(),
		}
	}
	if len(packet) > protocol.MaxMessageSize {
		return &errors.NetworkError{
			Operation: "send packet",
			Details:   "packet exceeds link MTU",
		}
	}
	m.net.deliver(m, packet, src, dst)
	return nil
}

func (m *MemoryTransport) Receive(ctx context.Context) (Packet, error) {
	select {
	case p := <-m.inbox:
		return p, nil
	case <-m.done:
		return Packet{}, &errors.NetworkError{Operation: "receive packet", Err: errors.ErrClosed}
	case <-ctx.Done():
		return Packet{}, &errors.NetworkError{Operation: "receive packet", Err: ctx.Err()}
	}
}

// Close detaches the transport from its network. Calling it again is a no-op.
func (m *MemoryTransport) Close() error {
	m.closeOnce.Do(func() {
		m.net.detach(m)
		close(m.done)
	})
	return nil
}
