// Package cache implements the fixed-capacity pool of records learned from
// the network.
//
// The pool size is set once. When it is full, Alloc reuses a slot: an
// expired record if there is one, otherwise the record with the largest
// weighted age
//
//	(now − lastUsed) / min(useCount+1, UseCountCap)
//
// halved for direct answers, so records that questions keep using are
// evicted last. Records received in the current tick are never evicted.
//
// Expiry is two-phase. DetachExpired unlinks expired records under the
// cache's busy flag and hands them back; the caller notifies whoever held
// them and then calls Release. Notification callbacks therefore never run
// while the record list is being scanned.
package cache

import (
	"github.com/joshuafuller/mdnscore/internal/arena"
	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/message"
	"github.com/joshuafuller/mdnscore/internal/records"
)

// DefaultUseCountCap bounds the use count's weight in eviction.
const DefaultUseCountCap = 100

// Cache is the record pool. It is not safe for concurrent use; the engine
// serialises all access.
type Cache struct {
	list           *arena.List[records.Record]
	ticksPerSecond int64
	useCountCap    int
	busy           bool
}

// New returns a cache holding at most size records. A size of zero disables
// caching.
func New(size int, ticksPerSecond int64) *Cache {
	return &Cache{
		list:           arena.New[records.Record](size),
		ticksPerSecond: ticksPerSecond,
		useCountCap:    DefaultUseCountCap,
	}
}

// SetUseCountCap overrides the eviction use-count cap.
func (c *Cache) SetUseCountCap(n int) {
	if n > 0 {
		c.useCountCap = n
	}
}

// Enabled reports whether the cache has any capacity.
func (c *Cache) Enabled() bool { return c.list.Cap() > 0 }

// Len is the number of records currently cached.
func (c *Cache) Len() int { return c.list.Len() }

// Cap is the pool size.
func (c *Cache) Cap() int { return c.list.Cap() }

// Get resolves a cache reference.
func (c *Cache) Get(ref arena.Ref) (*records.Record, bool) { return c.list.Get(ref) }

// Each calls fn for every cached record until fn returns false. fn must not
// add or remove records.
func (c *Cache) Each(fn func(arena.Ref, *records.Record) bool) { c.list.Each(fn) }

// Lookup finds the entry identical to rr received on interfaceID.
func (c *Cache) Lookup(rr message.ResourceRecord, interfaceID int) (arena.Ref, *records.Record, bool) {
	var (
		found  arena.Ref
		record *records.Record
	)
	c.list.Each(func(ref arena.Ref, r *records.Record) bool {
		if r.InterfaceID == interfaceID && records.MatchesResource(r, rr) {
			found, record = ref, r
			return false
		}
		return true
	})
	return found, record, record != nil
}

// Alloc stores rec, evicting another record if the pool is full. The
// evicted record, if any, is returned by value so the caller can report its
// removal.
func (c *Cache) Alloc(rec records.Record, now int64) (arena.Ref, *records.Record, error) {
	if !c.Enabled() {
		return arena.Ref{}, nil, errors.ErrNoCache
	}
	if c.busy {
		return arena.Ref{}, nil, errors.ErrCursorBusy
	}
	var evicted *records.Record
	if c.list.Full() {
		victim, ok := c.victim(now)
		if !ok {
			return arena.Ref{}, nil, errors.ErrCacheFull
		}
		old, _ := c.list.Remove(victim)
		evicted = &old
	}
	ref, err := c.list.Insert(rec)
	if err != nil {
		return arena.Ref{}, evicted, errors.ErrCacheFull
	}
	return ref, evicted, nil
}

// victim picks the record to evict: the first expired record, otherwise the
// one with the largest weighted age.
func (c *Cache) victim(now int64) (arena.Ref, bool) {
	var (
		best      arena.Ref
		bestScore float64
		found     bool
	)
	c.list.Each(func(ref arena.Ref, r *records.Record) bool {
		if r.IsExpired(now, c.ticksPerSecond) {
			best, found = ref, true
			bestScore = -1
			return false
		}
		if s, ok := c.weightedAge(r, now); ok && (!found || s > bestScore) {
			best, bestScore, found = ref, s, true
		}
		return true
	})
	return best, found
}

func (c *Cache) weightedAge(r *records.Record, now int64) (float64, bool) {
	age := now - r.LastUsed
	if age <= 0 || r.TimeRcvd == now {
		return 0, false
	}
	uses := r.UseCount + 1
	if uses > c.useCountCap {
		uses = c.useCountCap
	}
	score := float64(age) / float64(uses)
	if r.State == records.StatePacketAnswer {
		score /= 2
	}
	return score, true
}

// Remove deletes ref immediately and returns the record it held.
func (c *Cache) Remove(ref arena.Ref) (records.Record, bool) {
	if c.busy {
		return records.Record{}, false
	}
	return c.list.Remove(ref)
}

// ExpireSoon shortens ref's life to one second from now. It is used for
// goodbye packets and cache-flush (RFC 6762 §10.1, §10.2).
func (c *Cache) ExpireSoon(ref arena.Ref, now int64) {
	r, ok := c.list.Get(ref)
	if !ok {
		return
	}
	if r.IsExpired(now+c.ticksPerSecond, c.ticksPerSecond) {
		return
	}
	r.TimeRcvd = now
	r.OriginalTTL = 1
}

// DetachExpired unlinks every record whose TTL has elapsed at now and
// returns their references. The records stay readable through the returned
// refs until Release.
func (c *Cache) DetachExpired(now int64) []arena.Ref {
	if c.busy {
		return nil
	}
	c.busy = true
	defer func() { c.busy = false }()

	var detached []arena.Ref
	cur, err := c.list.Iterate()
	if err != nil {
		return nil
	}
	defer cur.Close()
	for ref, r, ok := cur.Next(); ok; ref, r, ok = cur.Next() {
		if r.IsExpired(now, c.ticksPerSecond) {
			c.list.Unlink(ref)
			detached = append(detached, ref)
		}
	}
	return detached
}

// Release returns detached records to the free pool.
func (c *Cache) Release(refs []arena.Ref) {
	for _, ref := range refs {
		c.list.Release(ref)
	}
}

// NextExpiry is the earliest expiry time among cached records.
func (c *Cache) NextExpiry() (int64, bool) {
	var (
		next  int64
		found bool
	)
	c.list.Each(func(_ arena.Ref, r *records.Record) bool {
		if e := r.ExpiryTime(c.ticksPerSecond); !found || e-next < 0 {
			next, found = e, true
		}
		return true
	})
	return next, found
}
