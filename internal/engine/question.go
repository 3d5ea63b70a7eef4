package engine

import (
	"github.com/joshuafuller/mdnscore/internal/arena"
	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/message"
	"github.com/joshuafuller/mdnscore/internal/protocol"
	"github.com/joshuafuller/mdnscore/internal/records"
)

type question struct {
	Question

	callback QuestionCallback

	lastSend int64
	interval int64

	// asked is set once the question has gone out at least once.
	asked bool

	// fresh questions have not been answered from the cache yet and are
	// skipped by live answer delivery until they are.
	fresh bool

	// duplicateOf points at the primary question with the same name, type,
	// class and interface. Only primaries are sent.
	duplicateOf arena.Ref
}

func (q *question) answeredBy(r *records.Record) bool {
	if q.InterfaceID != 0 && q.InterfaceID != r.InterfaceID {
		return false
	}
	return records.AnswersQuestion(r, q.Name, q.Type, q.Class)
}

func (q *question) sameAs(o *Question) bool {
	return q.Type == o.Type && q.Class == o.Class && q.InterfaceID == o.InterfaceID && q.Name.Equal(o.Name)
}

// StartQuery begins a continuous query. Matching records already cached are
// delivered on the next Task; later answers are delivered as they arrive,
// and removals are delivered as answers with TTL 0.
func (e *Engine) StartQuery(q Question, cb QuestionCallback) (QuestionID, error) {
	e.lock()
	defer e.unlock()
	if e.closed {
		return QuestionID{}, errors.ErrClosed
	}
	if !e.cache.Enabled() {
		return QuestionID{}, errors.ErrNoCache
	}
	if q.Name.IsZero() {
		return QuestionID{}, &errors.ValidationError{Field: "question", Value: "", Message: "question name is required"}
	}
	if q.Type == 0 {
		return QuestionID{}, &errors.ValidationError{Field: "question type", Value: q.Type, Message: "question type is required"}
	}
	if q.Class == 0 {
		q.Class = protocol.ClassIN
	}

	entry := question{
		Question: q,
		callback: cb,
		interval: e.ticks(InitialQuestionInterval),
		fresh:    true,
	}
	entry.lastSend = e.now - entry.interval

	e.questions.Each(func(ref arena.Ref, p *question) bool {
		if p.duplicateOf.IsZero() && p.sameAs(&q) {
			entry.duplicateOf = ref
			entry.lastSend, entry.interval, entry.asked = p.lastSend, p.interval, p.asked
			return false
		}
		return true
	})

	ref, err := e.questions.Insert(entry)
	if err != nil {
		return QuestionID{}, err
	}
	if e.newQuestions.IsZero() {
		e.newQuestions = ref
	}
	e.log.Debug("question started", "name", q.Name, "type", q.Type, "id", ref, "duplicate", !entry.duplicateOf.IsZero())
	return QuestionID{ref}, nil
}

// StopQuery ends a query. If it was the primary of duplicates, the first
// duplicate takes over its schedule.
func (e *Engine) StopQuery(id QuestionID) error {
	e.lock()
	defer e.unlock()
	if e.closed {
		return errors.ErrClosed
	}
	ref := id.ref
	q, ok := e.questions.Get(ref)
	if !ok || !e.questions.Linked(ref) {
		return errors.ErrUnknownQuestion
	}
	if ref == e.newQuestions {
		e.newQuestions = e.questions.Next(ref)
	}

	if q.duplicateOf.IsZero() {
		var promoted arena.Ref
		e.questions.Each(func(dref arena.Ref, d *question) bool {
			if d.duplicateOf != ref {
				return true
			}
			if promoted.IsZero() {
				promoted = dref
				d.duplicateOf = arena.Ref{}
				d.lastSend, d.interval, d.asked = q.lastSend, q.interval, q.asked
			} else {
				d.duplicateOf = promoted
			}
			return true
		})
	}

	e.questions.Remove(ref)
	e.log.Debug("question stopped", "id", ref)
	return nil
}

// answerNewQuestions delivers cached answers to questions started since
// the last Task.
func (e *Engine) answerNewQuestions() {
	for !e.newQuestions.IsZero() {
		ref := e.newQuestions
		q, ok := e.questions.Get(ref)
		if !ok {
			e.newQuestions = arena.Ref{}
			return
		}
		q.fresh = false
		e.newQuestions = e.questions.Next(ref)
		e.answerFromCache(ref)
	}
}

func (e *Engine) answerFromCache(qref arena.Ref) {
	q, ok := e.questions.Get(qref)
	if !ok {
		return
	}
	var hits []arena.Ref
	e.cache.Each(func(ref arena.Ref, r *records.Record) bool {
		if q.answeredBy(r) && !r.IsExpired(e.now, e.tps) {
			hits = append(hits, ref)
		}
		return true
	})
	for _, ref := range hits {
		r, ok := e.cache.Get(ref)
		if !ok {
			continue
		}
		r.UseCount++
		r.LastUsed = e.now
		a := answerOf(r, r.RemainingTTL(e.now, e.tps))
		if a.TTL == 0 {
			continue
		}
		if !e.deliver(qref, a) {
			return
		}
	}
}

func answerOf(r *records.Record, ttl uint32) Answer {
	return Answer{
		Name:        r.Name,
		Type:        r.Type,
		Class:       r.Class,
		RData:       r.RData,
		TTL:         ttl,
		InterfaceID: r.InterfaceID,
	}
}

// deliver calls qref's callback. It reports false if the question is gone.
func (e *Engine) deliver(qref arena.Ref, a Answer) bool {
	q, ok := e.questions.Get(qref)
	if !ok {
		return false
	}
	if cb := q.callback; cb != nil {
		cb(e, QuestionID{qref}, a)
	}
	return true
}

// notifyQuestions delivers r (by value, so the cache may change under the
// callbacks) to every matching question. ttl 0 reports a removal.
func (e *Engine) notifyQuestions(r records.Record, ttl uint32) {
	a := answerOf(&r, ttl)
	visit(e.questions, func(ref arena.Ref, q *question) {
		if q.fresh || !q.answeredBy(&r) {
			return
		}
		e.deliver(ref, a)
	})
}

// questionDue is when q is next sent. A question that has been asked and
// holds live answers is only re-sent to refresh them (RFC 6762 §5.2);
// otherwise it follows its exponential backoff.
func (e *Engine) questionDue(q *question) int64 {
	due := q.lastSend + q.interval
	if !q.asked {
		return due
	}
	var (
		refresh int64
		live    bool
	)
	e.cache.Each(func(_ arena.Ref, r *records.Record) bool {
		if !q.answeredBy(r) || r.IsExpired(e.now, e.tps) {
			return true
		}
		if t := r.RefreshTime(e.tps, e.cfg.Refresh); !live || t < refresh {
			refresh, live = t, true
		}
		return true
	})
	if live {
		return refresh
	}
	return due
}

// knownAnswers lists the cached answers to q on ifaceID worth including in
// a query: more than half their TTL left, and not expiring before the
// question's next two sends (RFC 6762 §7.1).
func (e *Engine) knownAnswers(q *question, ifaceID int, now int64) []message.ResourceRecord {
	next := q.interval * 2
	if limit := e.ticks(MaxQuestionInterval); next > limit {
		next = limit
	}
	var kas []message.ResourceRecord
	e.cache.Each(func(_ arena.Ref, r *records.Record) bool {
		if r.InterfaceID != ifaceID || !q.answeredBy(r) {
			return true
		}
		expiry := r.ExpiryTime(e.tps)
		if (expiry-now)*2 <= r.TTLTicks(e.tps) || expiry <= now+2*next {
			return true
		}
		rr := r.Resource(r.RemainingTTL(now, e.tps))
		rr.CacheFlush = false
		kas = append(kas, rr)
		return true
	})
	return kas
}

// suppressDuplicate treats another host's identical query as our own send
// when it carries no known answers and we hold none either (RFC 6762 §7.3).
func (e *Engine) suppressDuplicate(mq message.Question, msg *message.Message, ifaceID int, now int64) {
	if len(msg.Answers) > 0 || mq.UnicastResponse {
		return
	}
	e.questions.Each(func(_ arena.Ref, q *question) bool {
		if !q.duplicateOf.IsZero() || !q.asked {
			return true
		}
		if q.Type != mq.Type || q.Class != mq.Class || !q.Name.Equal(mq.Name) {
			return true
		}
		if q.InterfaceID != 0 && q.InterfaceID != ifaceID {
			return true
		}
		if len(e.knownAnswers(q, ifaceID, now)) > 0 {
			return true
		}
		q.lastSend = now
		e.log.Debug("duplicate question suppressed", "name", q.Name, "type", q.Type)
		return true
	})
}

// sendQueries sends due probes and questions on every interface.
func (e *Engine) sendQueries(now int64) {
	var probes []arena.Ref
	e.records.Each(func(ref arena.Ref, r *localRecord) bool {
		if !e.probing(r) || r.ProbeCount == 0 {
			return true
		}
		t := r.NextSend()
		if e.probeHold && t < e.probeHoldUntil {
			t = e.probeHoldUntil
		}
		if t <= now {
			probes = append(probes, ref)
		}
		return true
	})

	var (
		asks     []arena.Ref
		mustSend = len(probes) > 0
	)
	e.questions.Each(func(ref arena.Ref, q *question) bool {
		if !q.duplicateOf.IsZero() {
			return true
		}
		due := e.questionDue(q)
		if due <= now {
			mustSend = true
		}
		if due <= now+q.interval/2 {
			asks = append(asks, ref)
		}
		return true
	})
	if !mustSend {
		return
	}

	for _, ifc := range e.interfaces {
		e.sendProbes(ifc, probes)
		e.sendQuestions(ifc, asks, now)
	}

	for _, ref := range probes {
		if r, ok := e.records.Get(ref); ok && r.ProbeCount > 0 {
			r.ProbeCount--
			r.LastSend = now
			r.Interval = e.ticks(ProbeInterval)
			e.log.Debug("probe sent", "record", &r.Record, "remaining", r.ProbeCount)
		}
	}
	for _, ref := range asks {
		q, ok := e.questions.Get(ref)
		if !ok {
			continue
		}
		e.markAsked(ref, q, now)
	}
}

// markAsked advances q's backoff and counts the refresh queries spent on
// its cached answers; duplicates mirror the primary's schedule.
func (e *Engine) markAsked(ref arena.Ref, q *question, now int64) {
	if q.asked {
		q.interval *= 2
		if limit := e.ticks(MaxQuestionInterval); q.interval > limit {
			q.interval = limit
		}
	}
	q.asked = true
	q.lastSend = now

	e.cache.Each(func(_ arena.Ref, r *records.Record) bool {
		if q.answeredBy(r) && !r.IsExpired(now, e.tps) && r.RefreshTime(e.tps, e.cfg.Refresh) <= now {
			r.UnansweredQueries++
		}
		return true
	})
	e.questions.Each(func(_ arena.Ref, d *question) bool {
		if d.duplicateOf == ref {
			d.lastSend, d.interval, d.asked = q.lastSend, q.interval, q.asked
		}
		return true
	})
}

// sendProbes multicasts probe queries: one ANY question per name, with
// every record being probed under that name in the authority section
// (RFC 6762 §8.1, §8.2).
func (e *Engine) sendProbes(ifc Interface, probes []arena.Ref) {
	type group struct {
		name  message.Name
		first bool
		auth  []message.ResourceRecord
		size  int
	}
	var groups []*group
	for _, ref := range probes {
		r, ok := e.records.Get(ref)
		if !ok || !r.sendsOn(ifc.ID) {
			continue
		}
		var g *group
		for _, x := range groups {
			if x.name.Equal(r.Name) {
				g = x
				break
			}
		}
		if g == nil {
			g = &group{name: r.Name, size: message.EstimateQuestionSize(message.Question{Name: r.Name})}
			groups = append(groups, g)
		}
		if r.ProbeCount == DefaultProbeCount {
			g.first = true
		}
		rr := r.Resource(r.OriginalTTL)
		g.auth = append(g.auth, rr)
		g.size += message.EstimateRecordSize(rr)
	}
	if len(groups) == 0 {
		return
	}

	b := message.NewBuilder(0, 0, protocol.MaxMessageSize)
	var (
		pending  []*group
		reserved int
	)
	flush := func() {
		for _, g := range pending {
			for _, rr := range g.auth {
				if err := b.AddRecord(message.SectionAuthority, rr); err != nil {
					e.log.Warn("probe record dropped", "record", rr, "err", err)
				}
			}
		}
		if !b.Empty() {
			e.transmit(b, ifc, multicastGroup, KindProbe)
		}
		b = message.NewBuilder(0, 0, protocol.MaxMessageSize)
		pending, reserved = nil, 0
	}
	for _, g := range groups {
		if g.size > b.Remaining()-reserved && len(pending) > 0 {
			flush()
		}
		q := message.Question{Name: g.name, Type: protocol.RecordTypeANY, Class: protocol.ClassIN, UnicastResponse: g.first}
		if err := b.AddQuestion(q); err != nil {
			e.log.Warn("probe question dropped", "name", g.name, "err", err)
			continue
		}
		pending = append(pending, g)
		reserved += g.size - message.EstimateQuestionSize(q)
	}
	flush()
}

// sendQuestions multicasts questions with their known answers. A question
// is only started in a packet when it and its known answers are forecast
// to fit; known answers that still overflow continue in follow-up packets
// with the TC bit set on all but the last (RFC 6762 §7.2).
func (e *Engine) sendQuestions(ifc Interface, asks []arena.Ref, now int64) {
	b := message.NewBuilder(0, 0, protocol.MaxMessageSize)
	var (
		kas      []message.ResourceRecord
		reserved int
	)
	flush := func() {
		for i := 0; i < len(kas); {
			err := b.AddRecord(message.SectionAnswer, kas[i])
			if err == nil {
				i++
				continue
			}
			if b.Empty() {
				// Cannot fit even alone.
				i++
				continue
			}
			b.SetFlags(b.Header().Flags | protocol.FlagTC)
			e.transmit(b, ifc, multicastGroup, KindQuery)
			b = message.NewBuilder(0, 0, protocol.MaxMessageSize)
		}
		if !b.Empty() {
			e.transmit(b, ifc, multicastGroup, KindQuery)
		}
		b = message.NewBuilder(0, 0, protocol.MaxMessageSize)
		kas, reserved = nil, 0
	}

	for _, ref := range asks {
		q, ok := e.questions.Get(ref)
		if !ok || (q.InterfaceID != 0 && q.InterfaceID != ifc.ID) {
			continue
		}
		mq := message.Question{Name: q.Name, Type: q.Type, Class: q.Class}
		qkas := e.knownAnswers(q, ifc.ID, now)
		need := message.EstimateQuestionSize(mq)
		kaSize := 0
		for _, rr := range qkas {
			kaSize += message.EstimateRecordSize(rr)
		}
		if need+kaSize > b.Remaining()-reserved && !b.Empty() {
			flush()
		}
		if err := b.AddQuestion(mq); err != nil {
			e.log.Warn("question dropped", "name", q.Name, "err", err)
			continue
		}
		kas = append(kas, qkas...)
		reserved += kaSize
		e.log.Debug("query sent", "name", q.Name, "type", q.Type, "known", len(qkas), "iface", ifc.ID)
	}
	flush()
}
