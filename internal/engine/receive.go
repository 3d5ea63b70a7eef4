package engine

import (
	"net/netip"

	"github.com/joshuafuller/mdnscore/internal/arena"
	"github.com/joshuafuller/mdnscore/internal/message"
	"github.com/joshuafuller/mdnscore/internal/protocol"
	"github.com/joshuafuller/mdnscore/internal/records"
)

// Receive processes one packet that arrived on interfaceID. Malformed
// packets are dropped without any other effect.
func (e *Engine) Receive(pkt []byte, src, dst netip.AddrPort, interfaceID int) {
	e.lock()
	defer e.unlock()
	if e.closed || e.sleeping {
		return
	}
	now := e.now

	msg, err := message.Parse(pkt)
	if err != nil {
		e.log.Debug("dropping malformed packet", "src", src, "iface", interfaceID, "err", err)
		e.obs.Dropped("malformed")
		return
	}
	if msg.Header.Opcode() != protocol.OpcodeQuery || msg.Header.Rcode() != 0 {
		e.obs.Dropped("opcode")
		return
	}
	if src.Port() == protocol.Port && e.isOwnAddress(src.Addr()) {
		return
	}

	if msg.Header.IsResponse() {
		e.obs.Packet(Inbound, KindResponse, len(pkt))
		e.handleResponse(msg, interfaceID, now)
		return
	}
	kind := KindQuery
	if len(msg.Authorities) > 0 {
		kind = KindProbe
	}
	e.obs.Packet(Inbound, kind, len(pkt))
	e.handleQuery(msg, src, interfaceID, now)
}

// handleQuery answers a query, defends verified records against probes and
// runs the probe tiebreak for records still probing.
func (e *Engine) handleQuery(msg *message.Message, src netip.AddrPort, ifaceID int, now int64) {
	legacy := src.Port() != protocol.Port
	isProbe := len(msg.Authorities) > 0

	var (
		answers []arena.Ref
		seen    = make(map[arena.Ref]bool)
		losers  []arena.Ref
	)
	for _, mq := range msg.Questions {
		e.records.Each(func(ref arena.Ref, r *localRecord) bool {
			if !r.sendsOn(ifaceID) || seen[ref] {
				return true
			}
			if r.State != records.StateShared && r.State != records.StateVerified {
				return true
			}
			if e.awaitingDependency(r) || !records.AnswersQuestion(&r.Record, mq.Name, mq.Type, mq.Class) {
				return true
			}
			seen[ref] = true
			answers = append(answers, ref)
			return true
		})
		if !legacy && !isProbe {
			e.suppressDuplicate(mq, msg, ifaceID, now)
		}
	}

	if isProbe {
		e.records.Each(func(ref arena.Ref, r *localRecord) bool {
			if !e.probing(r) || !r.sendsOn(ifaceID) {
				return true
			}
			var theirs []message.ResourceRecord
			for _, rr := range msg.Authorities {
				if rr.Name.Equal(r.Name) {
					theirs = append(theirs, rr)
				}
			}
			if len(theirs) > 0 && probeTiebreak(&r.Record, theirs) < 0 {
				losers = append(losers, ref)
			}
			return true
		})
	}

	// Known-answer suppression (RFC 6762 §7.1).
	kept := answers[:0]
	for _, ref := range answers {
		r, _ := e.records.Get(ref)
		if knownToQuerier(r, msg.Answers) {
			if r.pendingAnswer == ifaceID {
				r.pendingAnswer = noInterface
			}
			continue
		}
		kept = append(kept, ref)
	}
	answers = kept

	if legacy {
		e.sendLegacyReply(msg, answers, src, ifaceID)
	} else {
		for _, ref := range answers {
			r, _ := e.records.Get(ref)
			r.oweAnswer(ifaceID)
			if isProbe {
				r.probeDefense = true
			}
		}
	}

	for _, ref := range losers {
		e.lostProbe(ref, now)
	}
}

// knownToQuerier reports whether the querier listed r with at least half
// its TTL remaining.
func knownToQuerier(r *localRecord, known []message.ResourceRecord) bool {
	for _, rr := range known {
		if records.MatchesResource(&r.Record, rr) && rr.TTL >= r.OriginalTTL/2 {
			return true
		}
	}
	return false
}

// probeTiebreak compares our record with the records another host is
// probing for the same name. Records of our own type decide; otherwise the
// lowest of theirs does. Zero means they probe for exactly our data.
func probeTiebreak(ours *records.Record, theirs []message.ResourceRecord) int {
	var (
		sameType, anyType int
		haveSame, haveAny bool
	)
	for _, rr := range theirs {
		t := records.FromResource(rr, records.StatePacketAnswer, 0, 0)
		c := records.Tiebreak(ours, &t)
		if c == 0 {
			return 0
		}
		if t.Type == ours.Type && t.Class == ours.Class {
			if !haveSame || c < sameType {
				sameType, haveSame = c, true
			}
		}
		if !haveAny || c < anyType {
			anyType, haveAny = c, true
		}
	}
	if haveSame {
		return sameType
	}
	return anyType
}

type received struct {
	rr     message.ResourceRecord
	answer bool
}

// handleResponse checks a response against our records for conflicts and
// folds its records into the cache.
func (e *Engine) handleResponse(msg *message.Message, ifaceID int, now int64) {
	all := make([]received, 0, len(msg.Answers)+len(msg.Additionals))
	for _, rr := range msg.Answers {
		all = append(all, received{rr: rr, answer: true})
	}
	for _, rr := range msg.Additionals {
		all = append(all, received{rr: rr})
	}

	var (
		losers   []arena.Ref
		reprobe  []arena.Ref
		added    []arena.Ref
		evicted  []records.Record
		flushing []message.ResourceRecord
	)
	for _, in := range all {
		e.checkConflict(in.rr, ifaceID, &losers, &reprobe)

		if !e.cache.Enabled() {
			continue
		}
		rr := in.rr
		ref, r, found := e.cache.Lookup(rr, ifaceID)
		if rr.TTL == protocol.TTLGoodbye {
			// RFC 6762 §10.1: keep a goodbye'd record for one more second.
			if found {
				e.cache.ExpireSoon(ref, now)
			}
			continue
		}
		if found {
			r.TimeRcvd = now
			r.OriginalTTL = rr.TTL
			r.UnansweredQueries = 0
			r.CacheFlush = rr.CacheFlush
			if in.answer {
				r.State = records.StatePacketAnswer
			}
		} else {
			state := records.StatePacketAdditional
			if in.answer {
				state = records.StatePacketAnswer
			}
			ref, old, err := e.cache.Alloc(records.FromResource(rr, state, ifaceID, now), now)
			if old != nil {
				e.obs.CacheEvicted()
				evicted = append(evicted, *old)
			}
			if err != nil {
				e.log.Debug("record not cached", "record", rr, "err", err)
				e.obs.Dropped("cache full")
			} else {
				added = append(added, ref)
			}
		}
		if rr.CacheFlush {
			flushing = append(flushing, rr)
		}
	}

	e.flushRRSets(flushing, ifaceID, now)
	e.obs.CacheSize(e.cache.Len())

	for _, r := range evicted {
		e.notifyQuestions(r, 0)
	}
	for _, ref := range added {
		r, ok := e.cache.Get(ref)
		if !ok {
			continue
		}
		snapshot := *r
		e.notifyQuestions(snapshot, snapshot.OriginalTTL)
	}

	for _, ref := range losers {
		e.lostProbe(ref, now)
	}
	for _, ref := range reprobe {
		e.restartProbing(ref, now)
	}
}

// flushRRSets applies the cache-flush bit (RFC 6762 §10.2): other data for
// the same name, type and class received more than a second ago expires in
// one second.
func (e *Engine) flushRRSets(flushing []message.ResourceRecord, ifaceID int, now int64) {
	if len(flushing) == 0 {
		return
	}
	var stale []arena.Ref
	e.cache.Each(func(ref arena.Ref, r *records.Record) bool {
		if r.InterfaceID != ifaceID || now-r.TimeRcvd <= e.tps {
			return true
		}
		for _, rr := range flushing {
			if r.Type == rr.Type && r.Class == rr.Class && r.Name.Equal(rr.Name) && !message.RDataEqual(r.RData, rr.RData) {
				stale = append(stale, ref)
				break
			}
		}
		return true
	})
	for _, ref := range stale {
		e.cache.ExpireSoon(ref, now)
	}
}

// checkConflict compares a received record with ours of the same name,
// type and class.
func (e *Engine) checkConflict(rr message.ResourceRecord, ifaceID int, losers, reprobe *[]arena.Ref) {
	e.records.Each(func(ref arena.Ref, r *localRecord) bool {
		if !r.sendsOn(ifaceID) || r.Type != rr.Type || r.Class != rr.Class || !r.Name.Equal(rr.Name) {
			return true
		}
		if message.RDataEqual(r.RData, rr.RData) {
			// Someone is announcing our record with a short TTL, most likely
			// a stale goodbye; put the right one back (RFC 6762 §10.1).
			if (r.State == records.StateShared || r.State == records.StateVerified) &&
				!e.awaitingDependency(r) && rr.TTL < r.OriginalTTL/2 {
				r.oweAnswer(ifaceID)
				e.log.Debug("defending record with short TTL", "record", &r.Record, "ttl", rr.TTL)
			}
			return true
		}
		if rr.TTL == protocol.TTLGoodbye {
			// Withdrawing other data is not a claim on the name.
			return true
		}
		switch {
		case r.State == records.StateShared, e.awaitingDependency(r):
		case r.State == records.StateUnique:
			*losers = append(*losers, ref)
		case r.State == records.StateVerified:
			*reprobe = append(*reprobe, ref)
		}
		return true
	})
}

// lostProbe withdraws a record that lost its claim while probing. Every
// other probe is held back for a second.
func (e *Engine) lostProbe(ref arena.Ref, now int64) {
	r, ok := e.records.Get(ref)
	if !ok || r.State != records.StateUnique {
		return
	}
	e.obs.Conflict()
	e.probeHold = true
	e.probeHoldUntil = now + e.ticks(ProbeSuppression)
	e.log.Info("name conflict while probing", "record", &r.Record)

	old, _ := e.records.Remove(ref)
	if old.callback != nil {
		old.callback(e, RecordID{ref}, StatusNameConflict)
	}
}

// restartProbing sends a verified record back to probing after another
// host claimed the same unique name with different data (RFC 6762 §9).
func (e *Engine) restartProbing(ref arena.Ref, now int64) {
	r, ok := e.records.Get(ref)
	if !ok || r.State != records.StateVerified {
		return
	}
	e.obs.Conflict()
	e.log.Info("conflict with verified record, probing again", "record", &r.Record)
	r.State = records.StateUnique
	r.ProbeCount = DefaultProbeCount + 1
	r.AnnounceCount = 0
	r.Interval = e.ticks(ProbeInterval)
	r.LastSend = now - r.Interval
	r.pendingAnswer = noInterface
	r.probeDefense = false
	r.notified = false

	// The rest of its group waits with it and is announced again once it
	// verifies.
	e.records.Each(func(_ arena.Ref, m *localRecord) bool {
		if m.RRSet == ref && m.DependentOn == ref && m.State == records.StateVerified {
			m.State = records.StateUnique
			m.AnnounceCount = 0
			m.pendingAnswer = noInterface
		}
		return true
	})
}

// tidyCache expires cache entries in two phases: detach everything that
// has expired, tell the questions, then free the slots.
func (e *Engine) tidyCache(now int64) {
	detached := e.cache.DetachExpired(now)
	if len(detached) == 0 {
		return
	}
	gone := make([]records.Record, 0, len(detached))
	for _, ref := range detached {
		if r, ok := e.cache.Get(ref); ok {
			gone = append(gone, *r)
		}
	}
	for _, r := range gone {
		e.log.Debug("cache record expired", "record", &r)
		e.notifyQuestions(r, 0)
	}
	e.cache.Release(detached)
	e.obs.CacheSize(e.cache.Len())
}

// purgeInterface drops every cache entry that arrived on ifaceID.
func (e *Engine) purgeInterface(ifaceID int) {
	var refs []arena.Ref
	e.cache.Each(func(ref arena.Ref, r *records.Record) bool {
		if r.InterfaceID == ifaceID {
			refs = append(refs, ref)
		}
		return true
	})
	var gone []records.Record
	for _, ref := range refs {
		if r, ok := e.cache.Remove(ref); ok {
			gone = append(gone, r)
		}
	}
	e.obs.CacheSize(e.cache.Len())
	for _, r := range gone {
		e.notifyQuestions(r, 0)
	}
}
