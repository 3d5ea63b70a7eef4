package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/multierr"
	"golang.org/x/net/ipv4"

	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/logger"
	"github.com/joshuafuller/mdnscore/internal/protocol"
)

var log = logger.Logger("transport")

var mdnsGroup = net.IPv4(224, 0, 0, 251)

// UDPv4Transport sends and receives on 0.0.0.0:5353 with the socket joined to
// the mDNS group on each configured interface.
type UDPv4Transport struct {
	conn     net.PacketConn
	ipv4Conn *ipv4.PacketConn

	ifaces  []Interface
	netIfs  map[int]*net.Interface
	byAddr  map[netip.Addr]int
	writeMu sync.Mutex
	closed  atomic.Bool
}

// DiscoverInterfaces returns the interfaces that are up, multicast capable,
// not loopback and carry an IPv4 address. When names is non-empty only
// interfaces with those names are considered.
func DiscoverInterfaces(names ...string) ([]Interface, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, &errors.NetworkError{
			Operation: "list interfaces",
			Err:       err,
		}
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	var out []Interface
	for _, ni := range all {
		if len(want) > 0 && !want[ni.Name] {
			continue
		}
		if ni.Flags&net.FlagUp == 0 || ni.Flags&net.FlagMulticast == 0 || ni.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ni.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipnet.IP.To4())
			if !ok {
				continue
			}
			out = append(out, Interface{Index: ni.Index, Name: ni.Name, Addr: ip})
			break
		}
	}
	if len(out) == 0 {
		return nil, &errors.NetworkError{
			Operation: "list interfaces",
			Details:   "no usable IPv4 multicast interface",
		}
	}
	return out, nil
}

// NewUDPv4Transport binds the mDNS port and joins the group on ifaces.
func NewUDPv4Transport(ctx context.Context, ifaces []Interface) (*UDPv4Transport, error) {
	if len(ifaces) == 0 {
		return nil, &errors.ValidationError{
			Field:   "interfaces",
			Value:   0,
			Message: "at least one interface is required",
		}
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = setSocketOptions(fd)
			})
			return multierr.Append(err, sockErr)
		},
	}
	addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(protocol.Port))
	conn, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, &errors.NetworkError{
			Operation: "create socket",
			Err:       err,
			Details:   "failed to bind " + addr,
		}
	}

	if uc, ok := conn.(*net.UDPConn); ok {
		if err := uc.SetReadBuffer(65536); err != nil {
			_ = conn.Close()
			return nil, &errors.NetworkError{
				Operation: "configure socket",
				Err:       err,
				Details:   "failed to set read buffer size",
			}
		}
	}

	t := &UDPv4Transport{
		conn:     conn,
		ipv4Conn: ipv4.NewPacketConn(conn),
		netIfs:   make(map[int]*net.Interface),
		byAddr:   make(map[netip.Addr]int),
	}

	var joinErr error
	for _, ifc := range ifaces {
		ni, err := net.InterfaceByIndex(ifc.Index)
		if err == nil {
			err = t.ipv4Conn.JoinGroup(ni, &net.UDPAddr{IP: mdnsGroup})
		}
		if err != nil {
			joinErr = multierr.Append(joinErr, fmt.Errorf("join %s on %s: %w", protocol.MulticastAddrIPv4, ifc.Name, err))
			continue
		}
		t.ifaces = append(t.ifaces, ifc)
		t.netIfs[ifc.Index] = ni
		t.byAddr[ifc.Addr] = ifc.Index
	}
	if len(t.ifaces) == 0 {
		_ = conn.Close()
		return nil, &errors.NetworkError{
			Operation: "join multicast group",
			Err:       joinErr,
		}
	}
	if joinErr != nil {
		log.Warn("some interfaces could not join the mDNS group", "error", joinErr)
	}

	if err := t.ipv4Conn.SetMulticastTTL(255); err != nil {
		log.Debug("set multicast TTL failed", "error", err)
	}
	// The engine recognises and ignores its own packets; loopback lets two
	// processes on one host see each other.
	if err := t.ipv4Conn.SetMulticastLoopback(true); err != nil {
		log.Debug("enable multicast loopback failed", "error", err)
	}
	// Not supported everywhere (Windows). Without it Receive reports
	// interface 0 and the runner maps that to the only interface.
	if err := t.ipv4Conn.SetControlMessage(ipv4.FlagInterface|ipv4.FlagDst, true); err != nil {
		log.Debug("control messages unavailable", "error", err)
	}
	return t, nil
}

func (t *UDPv4Transport) Interfaces() []Interface {
	return append([]Interface(nil), t.ifaces...)
}

// Send writes packet out of the interface that owns src.
func (t *UDPv4Transport) Send(ctx context.Context, packet []byte, src, dst netip.AddrPort) error {
	select {
	case <-ctx.Done():
		return &errors.NetworkError{
			Operation: "send packet",
			Err:       ctx.Err(),
			Details:   "context canceled before send",
		}
	default:
	}
	if t.closed.Load() {
		return &errors.NetworkError{Operation: "send packet", Err: errors.ErrClosed}
	}

	idx, ok := t.byAddr[src.Addr()]
	if !ok {
		return &errors.NetworkError{
			Operation: "send packet",
			Details:   fmt.Sprintf("no interface with address %s", src.Addr()),
		}
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if dst.Addr().IsMulticast() {
		if err := t.ipv4Conn.SetMulticastInterface(t.netIfs[idx]); err != nil {
			return &errors.NetworkError{
				Operation: "send packet",
				Err:       err,
				Details:   "failed to select multicast interface",
			}
		}
	}

	n, err := t.ipv4Conn.WriteTo(packet, nil, net.UDPAddrFromAddrPort(dst))
	if err != nil {
		return &errors.NetworkError{
			Operation: "send packet",
			Err:       err,
			Details:   fmt.Sprintf("failed to send %d bytes to %s", len(packet), dst),
		}
	}
	if n != len(packet) {
		return &errors.NetworkError{
			Operation: "send packet",
			Err:       fmt.Errorf("partial write: %d/%d bytes", n, len(packet)),
			Details:   "incomplete transmission",
		}
	}
	return nil
}

// Receive waits for the next datagram. Closing the transport unblocks it.
func (t *UDPv4Transport) Receive(ctx context.Context) (Packet, error) {
	select {
	case <-ctx.Done():
		return Packet{}, &errors.NetworkError{
			Operation: "receive packet",
			Err:       ctx.Err(),
			Details:   "context canceled before receive",
		}
	default:
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetReadDeadline(deadline); err != nil {
			return Packet{}, &errors.NetworkError{
				Operation: "set read timeout",
				Err:       err,
				Details:   fmt.Sprintf("failed to set deadline %v", deadline),
			}
		}
	}

	bufPtr := GetBuffer()
	defer PutBuffer(bufPtr)
	buffer := *bufPtr

	n, cm, srcAddr, err := t.ipv4Conn.ReadFrom(buffer)
	if err != nil {
		if t.closed.Load() || stderrors.Is(err, net.ErrClosed) {
			return Packet{}, &errors.NetworkError{Operation: "receive packet", Err: errors.ErrClosed}
		}
		var netErr net.Error
		if stderrors.As(err, &netErr) && netErr.Timeout() {
			return Packet{}, &errors.NetworkError{
				Operation: "receive packet",
				Err:       err,
				Details:   "timeout",
			}
		}
		return Packet{}, &errors.NetworkError{
			Operation: "receive packet",
			Err:       err,
			Details:   "failed to read from socket",
		}
	}

	pkt := Packet{Data: make([]byte, n)}
	copy(pkt.Data, buffer[:n])
	if ua, ok := srcAddr.(*net.UDPAddr); ok {
		ap := ua.AddrPort()
		pkt.Src = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	if cm != nil {
		pkt.InterfaceIndex = cm.IfIndex
		if dst, ok := netip.AddrFromSlice(cm.Dst.To4()); ok {
			pkt.Dst = netip.AddrPortFrom(dst, protocol.Port)
		}
	}
	return pkt, nil
}

// Close leaves the group and closes the socket. Errors from both steps are
// returned together.
func (t *UDPv4Transport) Close() error {
	if t.conn == nil || t.closed.Swap(true) {
		return nil
	}
	var err error
	for _, ifc := range t.ifaces {
		err = multierr.Append(err, t.ipv4Conn.LeaveGroup(t.netIfs[ifc.Index], &net.UDPAddr{IP: mdnsGroup}))
	}
	if cerr := t.conn.Close(); cerr != nil {
		err = multierr.Append(err, &errors.NetworkError{
			Operation: "close socket",
			Err:       cerr,
			Details:   "failed to close UDP connection",
		})
	}
	return err
}
