package engine

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuafuller/mdnscore/internal/logger"
	"github.com/joshuafuller/mdnscore/internal/message"
	"github.com/joshuafuller/mdnscore/internal/protocol"
)

const (
	testTPS   = 1000
	testIface = 1
)

// simNet is a single virtual link shared by several engines. Time only
// moves when the test advances it; packets are delivered with zero latency
// once the sending call has returned.
type simNet struct {
	t     *testing.T
	now   int64
	nodes []*simNode
	queue []sentPacket

	// unicast holds packets addressed to hosts that are not engines, such
	// as a legacy resolver.
	unicast []sentPacket
}

type sentPacket struct {
	at   int64
	from *simNode
	src  netip.AddrPort
	dst  netip.AddrPort
	raw  []byte
	msg  *message.Message
}

type simNode struct {
	net    *simNet
	e      *Engine
	addr   netip.Addr
	wake   int64
	queued bool
	locked bool
	sent   []sentPacket
}

func newSimNet(t *testing.T) *simNet {
	return &simNet{t: t}
}

func (s *simNet) addNode(addr string, cfg Config) *simNode {
	s.t.Helper()
	n := &simNode{net: s, addr: netip.MustParseAddr(addr)}
	if cfg.TicksPerSecond == 0 {
		cfg.TicksPerSecond = testTPS
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	n.e = New(n, cfg)
	require.NoError(s.t, n.e.AddInterface(testIface, n.addr))
	s.nodes = append(s.nodes, n)
	return n
}

func (n *simNode) SendUDP(msg []byte, src, dst netip.AddrPort) error {
	raw := append([]byte(nil), msg...)
	parsed, err := message.Parse(raw)
	require.NoError(n.net.t, err, "engine sent an undecodable packet")
	require.LessOrEqual(n.net.t, len(raw), protocol.MaxMessageSize)
	p := sentPacket{at: n.net.now, from: n, src: src, dst: dst, raw: raw, msg: parsed}
	n.sent = append(n.sent, p)
	n.net.queue = append(n.net.queue, p)
	return nil
}

func (n *simNode) ScheduleTask(wake int64) {
	n.wake = wake
	n.queued = true
}

func (n *simNode) TimeNow() int64 { return n.net.now }

func (n *simNode) Lock() {
	require.False(n.net.t, n.locked, "platform lock taken twice")
	n.locked = true
}

func (n *simNode) Unlock() {
	require.True(n.net.t, n.locked, "platform unlock without lock")
	n.locked = false
}

// deliver hands queued packets to their receivers.
func (s *simNet) deliver() {
	for len(s.queue) > 0 {
		p := s.queue[0]
		s.queue = s.queue[1:]
		if p.dst.Addr().IsMulticast() {
			for _, n := range s.nodes {
				if n != p.from {
					n.e.Receive(p.raw, p.src, p.dst, testIface)
				}
			}
			continue
		}
		delivered := false
		for _, n := range s.nodes {
			if n.addr == p.dst.Addr() {
				n.e.Receive(p.raw, p.src, p.dst, testIface)
				delivered = true
			}
		}
		if !delivered {
			s.unicast = append(s.unicast, p)
		}
	}
}

// runUntil advances virtual time to t, running every Task that falls due.
func (s *simNet) runUntil(t int64) {
	s.t.Helper()
	spins := 0
	last := s.now
	for {
		s.deliver()
		var next *simNode
		for _, n := range s.nodes {
			if n.queued && n.wake <= t && (next == nil || n.wake < next.wake) {
				next = n
			}
		}
		if next == nil {
			s.now = t
			return
		}
		if next.wake > s.now {
			s.now = next.wake
		}
		if s.now == last {
			spins++
			require.Less(s.t, spins, 1000, "engine keeps asking to run at %d", s.now)
		} else {
			spins, last = 0, s.now
		}
		next.queued = false
		next.e.Task()
	}
}

// inject delivers a packet from a host outside the simulation.
func (s *simNet) inject(to *simNode, pkt []byte, src netip.AddrPort) {
	to.e.Receive(pkt, src, multicastGroup, testIface)
	s.deliver()
}

func (n *simNode) packets(match func(*message.Message) bool) []sentPacket {
	var out []sentPacket
	for _, p := range n.sent {
		if match(p.msg) {
			out = append(out, p)
		}
	}
	return out
}

func isProbePacket(m *message.Message) bool {
	return !m.Header.IsResponse() && len(m.Authorities) > 0
}

func isQueryPacket(m *message.Message) bool {
	return !m.Header.IsResponse() && len(m.Authorities) == 0
}

func isResponsePacket(m *message.Message) bool { return m.Header.IsResponse() }

func times(ps []sentPacket) []int64 {
	out := make([]int64, len(ps))
	for i, p := range ps {
		out[i] = p.at
	}
	return out
}

func between(ps []sentPacket, from, to int64) []sentPacket {
	var out []sentPacket
	for _, p := range ps {
		if p.at >= from && p.at < to {
			out = append(out, p)
		}
	}
	return out
}

// answersFor filters packets whose answer section has a record named name.
func answersFor(ps []sentPacket, name string) []sentPacket {
	n := message.MustParseName(name)
	var out []sentPacket
	for _, p := range ps {
		for _, rr := range p.msg.Answers {
			if rr.Name.Equal(n) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

var peer = netip.MustParseAddrPort("169.254.9.9:5353")

func aRR(name, ip string, ttl uint32, flush bool) message.ResourceRecord {
	rd, err := message.NewAddressRData(netip.MustParseAddr(ip))
	if err != nil {
		panic(err)
	}
	return message.ResourceRecord{
		Name:       message.MustParseName(name),
		Type:       protocol.RecordTypeA,
		Class:      protocol.ClassIN,
		CacheFlush: flush,
		TTL:        ttl,
		RData:      rd,
	}
}

func ptrRR(name, target string, ttl uint32) message.ResourceRecord {
	return message.ResourceRecord{
		Name:  message.MustParseName(name),
		Type:  protocol.RecordTypePTR,
		Class: protocol.ClassIN,
		TTL:   ttl,
		RData: message.NameRData{Name: message.MustParseName(target)},
	}
}

func responsePacket(t *testing.T, rrs ...message.ResourceRecord) []byte {
	t.Helper()
	b := message.NewBuilder(0, protocol.FlagQR|protocol.FlagAA, 0)
	for _, rr := range rrs {
		require.NoError(t, b.AddRecord(message.SectionAnswer, rr))
	}
	return b.Bytes()
}

func queryPacket(t *testing.T, id uint16, q message.Question, known ...message.ResourceRecord) []byte {
	t.Helper()
	b := message.NewBuilder(id, 0, 0)
	require.NoError(t, b.AddQuestion(q))
	for _, rr := range known {
		require.NoError(t, b.AddRecord(message.SectionAnswer, rr))
	}
	return b.Bytes()
}

// statusLog records callback statuses with the time they arrived.
type statusLog struct {
	net     *simNet
	entries []statusAt
}

type statusAt struct {
	at     int64
	status Status
}

func (l *statusLog) record(st Status) {
	l.entries = append(l.entries, statusAt{at: l.net.now, status: st})
}

func (l *statusLog) statuses() []Status {
	out := make([]Status, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.status
	}
	return out
}

func (l *statusLog) forRecord() RecordCallback {
	return func(_ *Engine, _ RecordID, st Status) { l.record(st) }
}

func (l *statusLog) forHost() HostCallback {
	return func(_ *Engine, _ HostID, st Status) { l.record(st) }
}

func (l *statusLog) forService() ServiceCallback {
	return func(_ *Engine, _ ServiceID, st Status) { l.record(st) }
}

// answerLog records answers delivered to a question.
type answerLog struct {
	net     *simNet
	answers []answerAt
}

type answerAt struct {
	at int64
	a  Answer
}

func (l *answerLog) callback() QuestionCallback {
	return func(_ *Engine, _ QuestionID, a Answer) {
		l.answers = append(l.answers, answerAt{at: l.net.now, a: a})
	}
}

func (l *answerLog) removals() []answerAt {
	var out []answerAt
	for _, a := range l.answers {
		if a.a.Removed() {
			out = append(out, a)
		}
	}
	return out
}

func (l *answerLog) adds() []answerAt {
	var out []answerAt
	for _, a := range l.answers {
		if !a.a.Removed() {
			out = append(out, a)
		}
	}
	return out
}
