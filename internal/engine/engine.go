// Package engine is the mDNS/DNS-SD protocol core.
//
// The engine is a passive state machine. The host platform feeds it received
// packets through Receive and calls Task when the time last passed to
// Platform.ScheduleTask arrives; the engine answers by calling
// Platform.SendUDP. It owns no sockets, timers or goroutines, which is what
// lets the tests drive several engines over a virtual network with a fake
// clock.
//
// Every public method brackets its work with Platform.Lock/Unlock. Calls may
// nest (a callback may call back into the engine); only the outermost call
// takes the platform lock, samples the clock and, on the way out, tells the
// platform when the next Task is due.
package engine

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/joshuafuller/mdnscore/internal/arena"
	"github.com/joshuafuller/mdnscore/internal/cache"
	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/logger"
	"github.com/joshuafuller/mdnscore/internal/message"
	"github.com/joshuafuller/mdnscore/internal/protocol"
	"github.com/joshuafuller/mdnscore/internal/records"
)

// Protocol timing (RFC 6762 §8.1, §8.3, §5.2).
const (
	DefaultProbeCount          = 3
	DefaultAnnounceCountUnique = 2
	DefaultAnnounceCountShared = 10

	ProbeInterval             = 250 * time.Millisecond
	InitialAnnounceInterval   = time.Second
	MaxSharedAnnounceInterval = 30 * time.Minute
	MaxUniqueAnnounceInterval = time.Hour
	InitialQuestionInterval   = time.Second
	MaxQuestionInterval       = time.Hour

	// ProbeSuppression is how long every probe is held back after a lost
	// probe tiebreak (RFC 6762 §8.2).
	ProbeSuppression = time.Second

	// idleWake is the wake-up time requested when nothing is pending.
	idleWake = 24 * time.Hour

	// legacyUnicastTTL caps TTLs in replies to legacy resolvers (RFC 6762 §6.7).
	legacyUnicastTTL = 10
)

// DefaultCacheSize is the record pool size used by DefaultConfig.
const DefaultCacheSize = 512

// DefaultMaxRenameAttempts bounds automatic conflict renaming.
const DefaultMaxRenameAttempts = 10

var multicastGroup = netip.AddrPortFrom(netip.MustParseAddr(protocol.MulticastAddrIPv4), protocol.Port)

// Config holds engine parameters. The zero value is usable; unset fields
// take the DefaultConfig values except CacheSize, where zero disables the
// cache and with it every question.
type Config struct {
	// TicksPerSecond is the resolution of Platform.TimeNow.
	TicksPerSecond int64

	// CacheSize is the number of records the cache holds.
	CacheSize int

	// Refresh controls when questions re-ask for answers they hold.
	Refresh records.RefreshPolicy

	// UseCountCap bounds the use count's weight in cache eviction.
	UseCountCap int

	// DisableAutoRename turns off picking a new name for services and hosts
	// that lose a conflict.
	DisableAutoRename bool

	// MaxRenameAttempts bounds automatic renaming per service or host.
	MaxRenameAttempts int

	Logger   *slog.Logger
	Observer Observer
}

// DefaultConfig returns the configuration used by the responder.
func DefaultConfig() Config {
	return Config{
		TicksPerSecond:    1000,
		CacheSize:         DefaultCacheSize,
		Refresh:           records.DefaultRefreshPolicy,
		UseCountCap:       cache.DefaultUseCountCap,
		MaxRenameAttempts: DefaultMaxRenameAttempts,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TicksPerSecond <= 0 {
		c.TicksPerSecond = d.TicksPerSecond
	}
	if c.Refresh.MaxQueries <= 0 || c.Refresh.FirstPercent <= 0 {
		c.Refresh = d.Refresh
	}
	if c.UseCountCap <= 0 {
		c.UseCountCap = d.UseCountCap
	}
	if c.MaxRenameAttempts <= 0 {
		c.MaxRenameAttempts = d.MaxRenameAttempts
	}
	if c.Logger == nil {
		c.Logger = logger.Logger("engine")
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
	return c
}

// Engine is one mDNS responder and querier. All state lives here; there are
// no package-level variables, so any number of engines can coexist.
type Engine struct {
	cfg      Config
	platform Platform
	log      *slog.Logger
	obs      Observer
	tps      int64

	// busy counts nested entries; now is sampled on the outermost one.
	busy int
	now  int64

	interfaces []Interface

	records   *arena.List[localRecord]
	questions *arena.List[question]
	services  *arena.List[serviceSet]
	hosts     *arena.List[hostSet]
	cache     *cache.Cache
	limiter   *records.MulticastLimiter

	// newQuestions is the first question not yet answered from the cache.
	newQuestions arena.Ref

	// Probing is held back until probeHoldUntil after a lost tiebreak.
	probeHold      bool
	probeHoldUntil int64

	// hostName is the target of SRV records flagged HostTarget; hostA is its
	// address record, added as an additional to those SRVs.
	hostName    message.Name
	hostA       arena.Ref
	primaryHost arena.Ref

	sleeping bool
	closed   bool
}

// New returns an engine bound to p.
func New(p Platform, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:       cfg,
		platform:  p,
		log:       cfg.Logger,
		obs:       cfg.Observer,
		tps:       cfg.TicksPerSecond,
		records:   arena.New[localRecord](0),
		questions: arena.New[question](0),
		services:  arena.New[serviceSet](0),
		hosts:     arena.New[hostSet](0),
		cache:     cache.New(cfg.CacheSize, cfg.TicksPerSecond),
		limiter:   records.NewMulticastLimiter(cfg.TicksPerSecond),
	}
	e.cache.SetUseCountCap(cfg.UseCountCap)
	return e
}

func (e *Engine) lock() {
	if e.busy == 0 {
		e.platform.Lock()
		e.now = e.platform.TimeNow()
	}
	e.busy++
}

func (e *Engine) unlock() {
	e.busy--
	if e.busy == 0 {
		e.platform.ScheduleTask(e.nextEvent())
		e.platform.Unlock()
	}
}

// ticks converts d to platform ticks.
func (e *Engine) ticks(d time.Duration) int64 {
	return int64(d) * e.tps / int64(time.Second)
}

// AddInterface starts sending on an interface. Re-adding an ID replaces its
// address. Records already announced are announced again on the new link.
func (e *Engine) AddInterface(id int, addr netip.Addr) error {
	e.lock()
	defer e.unlock()
	if e.closed {
		return errors.ErrClosed
	}
	if !addr.Is4() {
		return &errors.ValidationError{Field: "interface address", Value: addr, Message: "IPv4 address required"}
	}
	for i := range e.interfaces {
		if e.interfaces[i].ID == id {
			e.interfaces[i].Addr = addr
			return nil
		}
	}
	e.interfaces = append(e.interfaces, Interface{ID: id, Addr: addr})
	e.log.Info("interface added", "id", id, "addr", addr)

	e.records.Each(func(_ arena.Ref, r *localRecord) bool {
		if r.State == records.StateShared || r.State == records.StateVerified {
			e.restartAnnouncing(r)
		}
		return true
	})
	return nil
}

// RemoveInterface stops using an interface and drops what was cached from
// it, notifying questions of each removal.
func (e *Engine) RemoveInterface(id int) error {
	e.lock()
	defer e.unlock()
	if e.closed {
		return errors.ErrClosed
	}
	for i := range e.interfaces {
		if e.interfaces[i].ID != id {
			continue
		}
		e.interfaces = append(e.interfaces[:i], e.interfaces[i+1:]...)
		e.log.Info("interface removed", "id", id)
		e.purgeInterface(id)
		return nil
	}
	return &errors.ValidationError{Field: "interface", Value: id, Message: "not registered"}
}

func (e *Engine) iface(id int) (Interface, bool) {
	for _, ifc := range e.interfaces {
		if ifc.ID == id {
			return ifc, true
		}
	}
	return Interface{}, false
}

func (e *Engine) isOwnAddress(a netip.Addr) bool {
	for _, ifc := range e.interfaces {
		if ifc.Addr == a {
			return true
		}
	}
	return false
}

// Task does all time-driven work that is due: answering new questions from
// the cache, finishing probes, sending announcements, answers, goodbyes,
// queries and probes, and expiring cache entries.
func (e *Engine) Task() {
	e.lock()
	defer e.unlock()
	if e.closed {
		return
	}
	now := e.now

	e.answerNewQuestions()

	switch {
	case e.sleeping:
	case len(e.interfaces) == 0:
		e.discardDeregistrations()
	default:
		e.advanceProbing(now)
		e.sendResponses(now)
		e.sendQueries(now)
	}

	e.tidyCache(now)
	e.limiter.Prune(now)
}

// nextEvent is the earliest time anything is due.
func (e *Engine) nextEvent() int64 {
	now := e.now
	next := now + e.ticks(idleWake)
	earlier := func(t int64) {
		if t < next {
			next = t
		}
	}

	if exp, ok := e.cache.NextExpiry(); ok {
		earlier(exp)
	}
	if e.closed {
		return next
	}
	if !e.newQuestions.IsZero() {
		earlier(now)
	}

	if !e.sleeping && len(e.interfaces) > 0 {
		e.records.Each(func(_ arena.Ref, r *localRecord) bool {
			if t, ok := e.recordWake(r); ok {
				earlier(t)
			}
			return true
		})
		e.questions.Each(func(_ arena.Ref, q *question) bool {
			if q.duplicateOf.IsZero() {
				earlier(e.questionDue(q))
			}
			return true
		})
	} else if len(e.interfaces) == 0 && !e.sleeping {
		e.records.Each(func(_ arena.Ref, r *localRecord) bool {
			if r.State == records.StateDeregistering {
				earlier(now)
				return false
			}
			return true
		})
	}

	if next < now {
		next = now
	}
	return next
}

// Sleep prepares for (true) or recovers from (false) a host sleep.
//
// Going to sleep sends goodbyes for everything announced and stops all
// traffic. Waking restarts probing and announcing from scratch and sends
// every question again, since the network may have changed meanwhile.
func (e *Engine) Sleep(sleep bool) {
	e.lock()
	defer e.unlock()
	if e.closed || sleep == e.sleeping {
		return
	}
	now := e.now
	if sleep {
		e.log.Info("going to sleep")
		e.sendGoodbyeBurst(now)
		e.finishDeregistrations()
		e.sleeping = true
		return
	}

	e.log.Info("waking up")
	e.sleeping = false
	e.records.Each(func(_ arena.Ref, r *localRecord) bool {
		e.resetRecord(r, now)
		return true
	})
	e.questions.Each(func(_ arena.Ref, q *question) bool {
		q.interval = e.ticks(InitialQuestionInterval)
		q.lastSend = now - q.interval
		q.asked = false
		return true
	})
}

// Shutdown sends goodbyes for every announced record and discards all
// records, questions and cached data. No callbacks are delivered. The
// engine rejects further calls with ErrClosed.
func (e *Engine) Shutdown() {
	e.lock()
	defer e.unlock()
	if e.closed {
		return
	}
	if !e.sleeping {
		e.sendGoodbyeBurst(e.now)
	}
	e.records = arena.New[localRecord](0)
	e.questions = arena.New[question](0)
	e.services = arena.New[serviceSet](0)
	e.hosts = arena.New[hostSet](0)
	e.cache = cache.New(0, e.tps)
	e.newQuestions = arena.Ref{}
	e.hostName, e.hostA, e.primaryHost = message.Name{}, arena.Ref{}, arena.Ref{}
	e.closed = true
	e.obs.CacheSize(0)
	e.log.Info("engine shut down")
}

// Record returns a copy of a registered record.
func (e *Engine) Record(id RecordID) (records.Record, bool) {
	e.lock()
	defer e.unlock()
	r, ok := e.records.Get(id.ref)
	if !ok {
		return records.Record{}, false
	}
	return r.Record, true
}

// CachedRecords returns a snapshot of the cache.
func (e *Engine) CachedRecords() []records.Record {
	e.lock()
	defer e.unlock()
	out := make([]records.Record, 0, e.cache.Len())
	e.cache.Each(func(_ arena.Ref, r *records.Record) bool {
		out = append(out, *r)
		return true
	})
	return out
}

// Interfaces returns the registered interfaces.
func (e *Engine) Interfaces() []Interface {
	e.lock()
	defer e.unlock()
	return append([]Interface(nil), e.interfaces...)
}

// HostName is the name SRV records currently point at.
func (e *Engine) HostName() message.Name {
	e.lock()
	defer e.unlock()
	return e.hostName
}

// visit walks l so that fn may remove anything, including the entry being
// visited, and may call back into the engine. It uses the list's safe
// cursor; when an outer walk already holds it, it falls back to a snapshot
// of references that are re-validated one by one.
func visit[T any](l *arena.List[T], fn func(arena.Ref, *T)) {
	if cur, err := l.Iterate(); err == nil {
		defer cur.Close()
		for ref, v, ok := cur.Next(); ok; ref, v, ok = cur.Next() {
			fn(ref, v)
		}
		return
	}
	var refs []arena.Ref
	l.Each(func(ref arena.Ref, _ *T) bool {
		refs = append(refs, ref)
		return true
	})
	for _, ref := range refs {
		if v, ok := l.Get(ref); ok && l.Linked(ref) {
			fn(ref, v)
		}
	}
}
