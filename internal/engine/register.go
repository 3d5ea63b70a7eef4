package engine

import (
	"github.com/joshuafuller/mdnscore/internal/arena"
	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/message"
	"github.com/joshuafuller/mdnscore/internal/protocol"
	"github.com/joshuafuller/mdnscore/internal/records"
)

// Pending answer targets.
const (
	noInterface   = 0
	allInterfaces = -1
)

// localRecord is a record we are authoritative for.
type localRecord struct {
	records.Record

	callback RecordCallback

	// announced is set once the record has been multicast, after which
	// removing it requires a goodbye.
	announced bool

	// announceStarting marks the first send of an announcement run, which
	// keeps the initial interval instead of doubling it.
	announceStarting bool

	// notified is set once StatusRegistered was delivered.
	notified bool

	// pendingAnswer is where a multicast answer is owed: noInterface,
	// allInterfaces or an interface ID.
	pendingAnswer int
	probeDefense  bool
}

func (r *localRecord) owesAnswerOn(id int) bool {
	return r.pendingAnswer == allInterfaces || (r.pendingAnswer != noInterface && r.pendingAnswer == id)
}

func (r *localRecord) oweAnswer(id int) {
	switch {
	case r.pendingAnswer == noInterface:
		r.pendingAnswer = id
	case r.pendingAnswer != id:
		r.pendingAnswer = allInterfaces
	}
}

func (r *localRecord) sendsOn(id int) bool {
	return r.InterfaceID == 0 || r.InterfaceID == id
}

// Register adds rec to the set of records we answer for. rec.State must be
// StateShared or StateUnique. Unique records are probed before they are
// announced; records with DependentOn set skip probing and are announced
// once the record they depend on is verified.
//
// The callback receives StatusRegistered when a unique record is verified
// or a shared record is first announced, StatusNameConflict if probing
// loses, and StatusDeregistered when the record is finally gone.
func (e *Engine) Register(rec records.Record, cb RecordCallback) (RecordID, error) {
	e.lock()
	defer e.unlock()
	if e.closed {
		return RecordID{}, errors.ErrClosed
	}
	ref, err := e.register(rec, cb)
	return RecordID{ref}, err
}

func (e *Engine) register(rec records.Record, cb RecordCallback) (arena.Ref, error) {
	if err := e.validateRecord(&rec); err != nil {
		return arena.Ref{}, err
	}

	var dup bool
	e.records.Each(func(_ arena.Ref, r *localRecord) bool {
		if r.State != records.StateDeregistering && r.InterfaceID == rec.InterfaceID && records.SameIdentity(&r.Record, &rec) {
			dup = true
			return false
		}
		return true
	})
	if dup {
		return arena.Ref{}, errors.ErrAlreadyRegistered
	}

	lr := localRecord{Record: rec, callback: cb}
	e.initRecord(&lr, e.now)

	ref, err := e.records.Insert(lr)
	if err != nil {
		return arena.Ref{}, err
	}
	e.log.Debug("record registered", "record", &lr.Record, "id", ref)
	return ref, nil
}

func (e *Engine) validateRecord(rec *records.Record) error {
	if rec.Name.IsZero() {
		return &errors.ValidationError{Field: "name", Value: "", Message: "record name is required"}
	}
	if rec.State != records.StateShared && rec.State != records.StateUnique {
		return &errors.ValidationError{Field: "state", Value: rec.State, Message: "must be shared or unique"}
	}
	if rec.Type == 0 || rec.Type == protocol.RecordTypeANY {
		return &errors.ValidationError{Field: "type", Value: rec.Type, Message: "not a concrete record type"}
	}
	if rec.Class == 0 {
		rec.Class = protocol.ClassIN
	}
	if err := message.ValidateRData(rec.Type, rec.RData); err != nil {
		return err
	}
	if rec.OriginalTTL == 0 {
		rec.OriginalTTL = records.GetTTLForRecordType(rec.Type)
	}
	rec.CacheFlush = rec.State == records.StateUnique
	return nil
}

// initRecord sets up the probe and announce schedule for a new record.
// Everything is due immediately; probing honours the conflict hold.
func (e *Engine) initRecord(r *localRecord, now int64) {
	r.pendingAnswer = noInterface
	r.probeDefense = false
	r.announced = false
	r.notified = false
	switch {
	case r.State == records.StateUnique && r.DependentOn.IsZero():
		r.ProbeCount = DefaultProbeCount
		r.AnnounceCount = 0
		r.Interval = e.ticks(ProbeInterval)
		r.LastSend = now - r.Interval
	case r.State == records.StateUnique:
		r.ProbeCount = 0
		r.AnnounceCount = 0
		r.Interval = 0
		r.LastSend = now
	default:
		r.ProbeCount = 0
		r.AnnounceCount = DefaultAnnounceCountShared
		r.Interval = e.ticks(InitialAnnounceInterval)
		r.LastSend = now - r.Interval
		r.announceStarting = true
	}
}

// resetRecord restarts a record's lifecycle after a wake from sleep.
func (e *Engine) resetRecord(r *localRecord, now int64) {
	switch r.State {
	case records.StateVerified:
		r.State = records.StateUnique
	case records.StateUnique, records.StateShared:
	default:
		return
	}
	e.initRecord(r, now)
}

// restartAnnouncing schedules a fresh announcement run for r.
func (e *Engine) restartAnnouncing(r *localRecord) {
	if r.State == records.StateVerified {
		r.AnnounceCount = DefaultAnnounceCountUnique
	} else {
		r.AnnounceCount = DefaultAnnounceCountShared
	}
	r.Interval = e.ticks(InitialAnnounceInterval)
	r.LastSend = e.now - r.Interval
	r.announceStarting = true
}

// awaitingDependency reports whether r is held back until the record it
// depends on is verified. A dependency that has gone away keeps r silent.
func (e *Engine) awaitingDependency(r *localRecord) bool {
	if r.DependentOn.IsZero() {
		return false
	}
	dep, ok := e.records.Get(r.DependentOn)
	return !ok || dep.State == records.StateUnique
}

// probing reports whether r is a unique record still establishing its claim.
func (e *Engine) probing(r *localRecord) bool {
	return r.State == records.StateUnique && !e.awaitingDependency(r)
}

// recordWake is when r next needs attention, if ever.
func (e *Engine) recordWake(r *localRecord) (int64, bool) {
	switch {
	case r.State == records.StateDeregistering:
		return e.now, true
	case e.awaitingDependency(r):
		return 0, false
	case r.pendingAnswer != noInterface:
		return e.now, true
	case r.State == records.StateUnique:
		t := r.NextSend()
		if r.ProbeCount > 0 && e.probeHold && t < e.probeHoldUntil {
			t = e.probeHoldUntil
		}
		return t, true
	case r.AnnounceCount > 0 && (r.State == records.StateShared || r.State == records.StateVerified):
		return r.NextSend(), true
	}
	return 0, false
}

// advanceProbing verifies every unique record whose probes have all gone
// out unchallenged for one probe interval.
func (e *Engine) advanceProbing(now int64) {
	var done []arena.Ref
	e.records.Each(func(ref arena.Ref, r *localRecord) bool {
		if e.probing(r) && r.ProbeCount == 0 && r.NextSend() <= now {
			done = append(done, ref)
		}
		return true
	})
	for _, ref := range done {
		e.verify(ref, now)
	}
	if e.probeHold && now >= e.probeHoldUntil {
		e.probeHold = false
	}
}

func (e *Engine) verify(ref arena.Ref, now int64) {
	r, ok := e.records.Get(ref)
	if !ok || r.State != records.StateUnique {
		return
	}
	r.State = records.StateVerified
	r.AnnounceCount = DefaultAnnounceCountUnique
	r.Interval = e.ticks(InitialAnnounceInterval)
	r.LastSend = now - r.Interval
	r.announceStarting = true
	e.log.Debug("record verified", "record", &r.Record)

	// Dependents waiting on this record become verified with it.
	var deps []arena.Ref
	e.records.Each(func(dref arena.Ref, d *localRecord) bool {
		if d.DependentOn == ref && d.State == records.StateUnique {
			deps = append(deps, dref)
		}
		return true
	})

	if !r.notified {
		r.notified = true
		if cb := r.callback; cb != nil {
			cb(e, RecordID{ref}, StatusRegistered)
		}
	}
	for _, dref := range deps {
		e.verify(dref, now)
	}
}

// Deregister withdraws a record. A record that was ever announced is sent
// once more with TTL 0 before it is removed; otherwise it is removed at
// once. Either way the callback eventually receives StatusDeregistered.
func (e *Engine) Deregister(id RecordID) error {
	e.lock()
	defer e.unlock()
	if e.closed {
		return errors.ErrClosed
	}
	return e.deregister(id.ref)
}

func (e *Engine) deregister(ref arena.Ref) error {
	r, ok := e.records.Get(ref)
	if !ok {
		return errors.ErrUnknownRecord
	}
	if r.State == records.StateDeregistering {
		return nil
	}
	if r.announced && len(e.interfaces) > 0 && !e.sleeping {
		r.State = records.StateDeregistering
		r.pendingAnswer = noInterface
		e.log.Debug("record deregistering", "record", &r.Record)
		return nil
	}
	e.finalize(ref)
	return nil
}

// finalize removes ref and reports StatusDeregistered.
func (e *Engine) finalize(ref arena.Ref) {
	old, ok := e.records.Remove(ref)
	if !ok {
		return
	}
	e.log.Debug("record removed", "record", &old.Record)
	if old.callback != nil {
		old.callback(e, RecordID{ref}, StatusDeregistered)
	}
}

// retire withdraws ref without reporting back. Records a conflict left
// behind after they were announced still send their goodbye.
func (e *Engine) retire(ref arena.Ref) {
	r, ok := e.records.Get(ref)
	if !ok {
		return
	}
	r.callback = nil
	_ = e.deregister(ref)
}

// drop removes ref without any callback.
func (e *Engine) drop(ref arena.Ref) {
	e.records.Remove(ref)
}

// discardDeregistrations finishes deregistrations that cannot send a
// goodbye because no interface is up.
func (e *Engine) discardDeregistrations() {
	e.finishDeregistrations()
}

func (e *Engine) finishDeregistrations() {
	var refs []arena.Ref
	e.records.Each(func(ref arena.Ref, r *localRecord) bool {
		if r.State == records.StateDeregistering {
			refs = append(refs, ref)
		}
		return true
	})
	for _, ref := range refs {
		e.finalize(ref)
	}
}

// UpdateRecord replaces a record's rdata and announces the new value.
func (e *Engine) UpdateRecord(id RecordID, rdata message.RData) error {
	e.lock()
	defer e.unlock()
	if e.closed {
		return errors.ErrClosed
	}
	return e.updateRecord(id.ref, rdata)
}

func (e *Engine) updateRecord(ref arena.Ref, rdata message.RData) error {
	r, ok := e.records.Get(ref)
	if !ok || r.State == records.StateDeregistering {
		return errors.ErrUnknownRecord
	}
	if err := message.ValidateRData(r.Type, rdata); err != nil {
		return err
	}
	if message.RDataEqual(r.RData, rdata) {
		return nil
	}
	r.RData = rdata
	if r.State == records.StateShared || r.State == records.StateVerified {
		e.restartAnnouncing(r)
	}
	e.log.Debug("record updated", "record", &r.Record)
	return nil
}
