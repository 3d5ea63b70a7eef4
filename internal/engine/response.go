package engine

import (
	stderrors "errors"
	"net/netip"

	"github.com/joshuafuller/mdnscore/internal/arena"
	"github.com/joshuafuller/mdnscore/internal/message"
	"github.com/joshuafuller/mdnscore/internal/protocol"
	"github.com/joshuafuller/mdnscore/internal/records"
)

// outgoing is one record's share of a response round.
type outgoing struct {
	ref      arena.Ref
	goodbye  bool
	announce bool
	answerOn int
	defense  bool
}

// sendResponses sends every due goodbye, announcement and owed answer.
//
// The due set is fixed up front and packed separately for each interface,
// spilling into as many packets as needed. Record state is advanced only
// after every interface has been served, so each interface sees the same
// set.
func (e *Engine) sendResponses(now int64) {
	var (
		due      []outgoing
		mustSend bool
	)
	e.records.Each(func(ref arena.Ref, r *localRecord) bool {
		if e.awaitingDependency(r) && r.State != records.StateDeregistering {
			return true
		}
		o := outgoing{ref: ref}
		switch r.State {
		case records.StateDeregistering:
			o.goodbye = true
			mustSend = true
		case records.StateShared, records.StateVerified:
			if r.AnnounceCount > 0 && r.NextSend() <= now+r.Interval/2 {
				o.announce = true
				if r.NextSend() <= now {
					mustSend = true
				}
			}
			if r.pendingAnswer != noInterface {
				o.answerOn = r.pendingAnswer
				o.defense = r.probeDefense
				mustSend = true
			}
		}
		if o.goodbye || o.announce || o.answerOn != noInterface {
			due = append(due, o)
		}
		return true
	})
	if !mustSend {
		return
	}

	for _, ifc := range e.interfaces {
		e.sendResponseSet(ifc, due, now)
	}

	var (
		gone       []arena.Ref
		registered []arena.Ref
	)
	for _, o := range due {
		r, ok := e.records.Get(o.ref)
		if !ok {
			continue
		}
		if o.goodbye {
			gone = append(gone, o.ref)
			continue
		}
		if o.answerOn != noInterface {
			r.pendingAnswer = noInterface
			r.probeDefense = false
		}
		if o.announce {
			e.advanceAnnouncement(r, now)
		}
		if r.announced && !r.notified && r.State == records.StateShared {
			r.notified = true
			registered = append(registered, o.ref)
		}
	}

	for _, ref := range gone {
		e.finalize(ref)
	}
	for _, ref := range registered {
		if r, ok := e.records.Get(ref); ok && r.callback != nil {
			r.callback(e, RecordID{ref}, StatusRegistered)
		}
	}
}

func (e *Engine) advanceAnnouncement(r *localRecord, now int64) {
	if !r.announceStarting {
		limit := e.ticks(MaxSharedAnnounceInterval)
		if r.State == records.StateVerified {
			limit = e.ticks(MaxUniqueAnnounceInterval)
		}
		r.Interval *= 2
		if r.Interval > limit {
			r.Interval = limit
		}
	}
	r.announceStarting = false
	r.AnnounceCount--
	r.LastSend = now
}

// sendResponseSet packs the part of due that belongs on ifc.
func (e *Engine) sendResponseSet(ifc Interface, due []outgoing, now int64) {
	var queue []outgoing
	for _, o := range due {
		r, ok := e.records.Get(o.ref)
		if !ok || !r.sendsOn(ifc.ID) {
			continue
		}
		switch {
		case o.goodbye, o.announce:
		case o.answerOn == allInterfaces || o.answerOn == ifc.ID:
			allowed := e.limiter.CanMulticast(&r.Record, ifc.ID, now)
			if o.defense {
				allowed = e.limiter.CanMulticastProbeDefense(&r.Record, ifc.ID, now)
			}
			if !allowed {
				e.log.Debug("answer suppressed, multicast too recently", "record", &r.Record, "iface", ifc.ID)
				continue
			}
		default:
			continue
		}
		queue = append(queue, o)
	}
	if len(queue) == 0 {
		return
	}

	p := newResponsePacker(e, ifc, now)
	for i := 0; i < len(queue); {
		o := queue[i]
		r, ok := e.records.Get(o.ref)
		if !ok {
			i++
			continue
		}
		ttl := r.OriginalTTL
		if o.goodbye {
			ttl = protocol.TTLGoodbye
		}
		err := p.b.AddRecord(message.SectionAnswer, r.Resource(ttl))
		switch {
		case stderrors.Is(err, message.ErrNoSpace) && p.b.Empty():
			e.log.Warn("record too large for any packet", "record", &r.Record)
			i++
		case stderrors.Is(err, message.ErrNoSpace):
			p.flush()
		case err != nil:
			e.log.Warn("cannot encode record", "record", &r.Record, "err", err)
			i++
		default:
			p.added(o.ref, o.goodbye)
			if !o.goodbye {
				r.announced = true
				e.limiter.RecordMulticast(&r.Record, ifc.ID, now)
			}
			i++
		}
	}
	p.flush()
}

// responsePacker accumulates answers for one interface and appends the
// additionals they call for when a packet is closed.
type responsePacker struct {
	e       *Engine
	ifc     Interface
	now     int64
	b       *message.Builder
	answers []arena.Ref
	in      map[arena.Ref]bool
	goodbye bool
}

func newResponsePacker(e *Engine, ifc Interface, now int64) *responsePacker {
	p := &responsePacker{e: e, ifc: ifc, now: now}
	p.reset()
	return p
}

func (p *responsePacker) reset() {
	p.b = message.NewBuilder(0, protocol.FlagQR|protocol.FlagAA, protocol.MaxMessageSize)
	p.answers = p.answers[:0]
	p.in = make(map[arena.Ref]bool)
	p.goodbye = true
}

func (p *responsePacker) added(ref arena.Ref, goodbye bool) {
	p.answers = append(p.answers, ref)
	p.in[ref] = true
	p.goodbye = p.goodbye && goodbye
}

func (p *responsePacker) flush() {
	if p.b.Empty() {
		return
	}
	kind := KindResponse
	if p.goodbye {
		kind = KindGoodbye
	} else {
		p.e.addAdditionals(p.b, p.answers, p.in, p.ifc.ID)
	}
	p.e.transmit(p.b, p.ifc, multicastGroup, kind)
	p.reset()
}

// addAdditionals appends the records linked from answers, two levels deep
// (a PTR pulls in its SRV, the SRV its address record). Records that do not
// fit are left out.
func (e *Engine) addAdditionals(b *message.Builder, answers []arena.Ref, in map[arena.Ref]bool, ifaceID int) {
	work := append([]arena.Ref(nil), answers...)
	for depth := 0; depth < 2 && len(work) > 0; depth++ {
		var next []arena.Ref
		for _, ref := range work {
			r, ok := e.records.Get(ref)
			if !ok {
				continue
			}
			for _, add := range [2]arena.Ref{r.Additional1, r.Additional2} {
				if add.IsZero() || in[add] {
					continue
				}
				a, ok := e.records.Get(add)
				if !ok || !a.sendsOn(ifaceID) || e.awaitingDependency(a) {
					continue
				}
				if a.State != records.StateShared && a.State != records.StateVerified {
					continue
				}
				if err := b.AddRecord(message.SectionAdditional, a.Resource(a.OriginalTTL)); err != nil {
					continue
				}
				in[add] = true
				next = append(next, add)
			}
		}
		work = next
	}
}

// sendGoodbyeBurst immediately multicasts a TTL 0 copy of every announced
// record on every interface. Records are left in place.
func (e *Engine) sendGoodbyeBurst(now int64) {
	for _, ifc := range e.interfaces {
		p := newResponsePacker(e, ifc, now)
		e.records.Each(func(ref arena.Ref, r *localRecord) bool {
			if !r.announced || !r.sendsOn(ifc.ID) {
				return true
			}
			rr := r.Resource(protocol.TTLGoodbye)
			if err := p.b.AddRecord(message.SectionAnswer, rr); stderrors.Is(err, message.ErrNoSpace) && !p.b.Empty() {
				p.flush()
				err = p.b.AddRecord(message.SectionAnswer, rr)
				if err == nil {
					p.added(ref, true)
				}
			} else if err == nil {
				p.added(ref, true)
			}
			return true
		})
		p.flush()
	}
	e.records.Each(func(_ arena.Ref, r *localRecord) bool {
		r.announced = false
		return true
	})
}

// sendLegacyReply answers a query from a resolver not listening on the mDNS
// port (RFC 6762 §6.7): unicast back to the source, echoing the query ID
// and questions, without cache-flush bits and with short TTLs.
func (e *Engine) sendLegacyReply(msg *message.Message, answers []arena.Ref, src netip.AddrPort, ifaceID int) {
	ifc, ok := e.iface(ifaceID)
	if !ok || len(answers) == 0 {
		return
	}
	b := message.NewBuilder(msg.Header.ID, protocol.FlagQR|protocol.FlagAA, protocol.MaxMessageSize)
	for _, q := range msg.Questions {
		q.UnicastResponse = false
		if err := b.AddQuestion(q); err != nil {
			break
		}
	}
	for _, ref := range answers {
		r, ok := e.records.Get(ref)
		if !ok {
			continue
		}
		ttl := r.OriginalTTL
		if ttl > legacyUnicastTTL {
			ttl = legacyUnicastTTL
		}
		rr := r.Resource(ttl)
		rr.CacheFlush = false
		if err := b.AddRecord(message.SectionAnswer, rr); err != nil {
			b.SetFlags(b.Header().Flags | protocol.FlagTC)
			break
		}
	}
	e.transmit(b, ifc, src, KindUnicast)
}

// transmit hands a finished packet to the platform. Send failures are
// logged and otherwise ignored; the record keeps its normal schedule.
func (e *Engine) transmit(b *message.Builder, ifc Interface, dst netip.AddrPort, kind PacketKind) {
	msg := b.Bytes()
	src := netip.AddrPortFrom(ifc.Addr, protocol.Port)
	if err := e.platform.SendUDP(msg, src, dst); err != nil {
		e.log.Warn("send failed", "iface", ifc.ID, "dst", dst, "kind", kind, "err", err)
		e.obs.SendFailed()
		return
	}
	e.obs.Packet(Outbound, kind, len(msg))
	e.log.Debug("packet sent", "iface", ifc.ID, "dst", dst, "kind", kind, "bytes", len(msg))
}
