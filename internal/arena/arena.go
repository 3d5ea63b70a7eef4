// Package arena provides an ordered slab of values addressed by stable,
// generation-checked references.
//
// Entities that refer to each other (a record and its additional records, a
// question and the question it duplicates) store Refs instead of pointers.
// Removing an entity bumps its slot generation, so every outstanding Ref to
// it resolves to "absent" rather than to whatever reuses the slot.
//
// A List keeps insertion order and supports one safe cursor at a time: if the
// entity the cursor will visit next is removed, the cursor is advanced before
// the removal completes. Callbacks invoked during an iteration may therefore
// remove any entity, including the one being visited.
package arena

import (
	stderrors "errors"
	"fmt"

	"github.com/joshuafuller/mdnscore/internal/errors"
)

// ErrFull is returned by Insert when a bounded list has no free slot.
var ErrFull = stderrors.New("arena full")

const none int32 = -1

// Ref identifies one value in a List. The zero Ref never resolves.
type Ref struct {
	index int32
	gen   uint32
}

// IsZero reports whether r is the absent reference.
func (r Ref) IsZero() bool { return r.gen == 0 }

// String formats r for logs.
func (r Ref) String() string {
	if r.IsZero() {
		return "#none"
	}
	return fmt.Sprintf("#%d.%d", r.index, r.gen)
}

type slot[T any] struct {
	val    T
	gen    uint32 // odd while live
	live   bool
	linked bool
	prev   int32
	next   int32
}

// List is an insertion-ordered slab.
type List[T any] struct {
	slots []*slot[T] // individually allocated so value pointers stay put
	free  []int32
	head  int32
	tail  int32
	n     int // linked values
	used  int // live slots, linked or detached
	limit int

	cursor       int32
	cursorActive bool
}

// New returns an empty list. A positive limit bounds the number of live
// values and preallocates that many slots.
func New[T any](limit int) *List[T] {
	l := &List[T]{head: none, tail: none, cursor: none, limit: limit}
	if limit > 0 {
		l.slots = make([]*slot[T], 0, limit)
	}
	return l
}

// Len is the number of values in the ordered list.
func (l *List[T]) Len() int { return l.n }

// Cap is the configured limit, 0 when unbounded.
func (l *List[T]) Cap() int { return l.limit }

// Full reports whether Insert would fail.
func (l *List[T]) Full() bool { return l.limit > 0 && l.used >= l.limit }

// Insert appends v at the tail.
func (l *List[T]) Insert(v T) (Ref, error) {
	if l.Full() {
		return Ref{}, ErrFull
	}
	var i int32
	if n := len(l.free); n > 0 {
		i = l.free[n-1]
		l.free = l.free[:n-1]
	} else {
		l.slots = append(l.slots, &slot[T]{})
		i = int32(len(l.slots) - 1)
	}
	s := l.slots[i]
	s.val = v
	s.gen++
	s.live = true
	s.linked = true
	s.next = none
	s.prev = l.tail
	if l.tail != none {
		l.slots[l.tail].next = i
	} else {
		l.head = i
	}
	l.tail = i
	l.n++
	l.used++
	return Ref{index: i, gen: s.gen}, nil
}

func (l *List[T]) lookup(r Ref) (*slot[T], bool) {
	if r.gen == 0 || r.index < 0 || int(r.index) >= len(l.slots) {
		return nil, false
	}
	s := l.slots[r.index]
	if !s.live || s.gen != r.gen {
		return nil, false
	}
	return s, true
}

// Get resolves r. The pointer is valid until the value is removed.
func (l *List[T]) Get(r Ref) (*T, bool) {
	s, ok := l.lookup(r)
	if !ok {
		return nil, false
	}
	return &s.val, true
}

// Valid reports whether r still resolves.
func (l *List[T]) Valid(r Ref) bool {
	_, ok := l.lookup(r)
	return ok
}

// Linked reports whether r resolves and is part of the ordered list.
func (l *List[T]) Linked(r Ref) bool {
	s, ok := l.lookup(r)
	return ok && s.linked
}

// Next returns the reference after r in list order. It returns the zero Ref
// at the end or when r is not linked.
func (l *List[T]) Next(r Ref) Ref {
	s, ok := l.lookup(r)
	if !ok || !s.linked {
		return Ref{}
	}
	return l.ref(s.next)
}

func (l *List[T]) ref(i int32) Ref {
	if i == none {
		return Ref{}
	}
	return Ref{index: i, gen: l.slots[i].gen}
}

// Unlink detaches r from the ordered list without freeing its slot; the
// value stays reachable through r until Release.
func (l *List[T]) Unlink(r Ref) bool {
	s, ok := l.lookup(r)
	if !ok || !s.linked {
		return false
	}
	if l.cursorActive && l.cursor == r.index {
		l.cursor = s.next
	}
	if s.prev != none {
		l.slots[s.prev].next = s.next
	} else {
		l.head = s.next
	}
	if s.next != none {
		l.slots[s.next].prev = s.prev
	} else {
		l.tail = s.prev
	}
	s.prev, s.next = none, none
	s.linked = false
	l.n--
	return true
}

// Release frees a slot previously detached with Unlink. Refs to it stop
// resolving.
func (l *List[T]) Release(r Ref) bool {
	s, ok := l.lookup(r)
	if !ok || s.linked {
		return false
	}
	l.freeSlot(r.index, s)
	return true
}

// Remove unlinks and frees r, returning the value it held.
func (l *List[T]) Remove(r Ref) (T, bool) {
	var zero T
	s, ok := l.lookup(r)
	if !ok {
		return zero, false
	}
	if s.linked {
		l.Unlink(r)
	}
	v := s.val
	l.freeSlot(r.index, s)
	return v, true
}

func (l *List[T]) freeSlot(i int32, s *slot[T]) {
	var zero T
	s.val = zero
	s.live = false
	s.gen++
	l.used--
	l.free = append(l.free, i)
}

// Cursor walks a List in order while tolerating removal of any value.
type Cursor[T any] struct {
	l      *List[T]
	closed bool
}

// Iterate starts the list's single safe cursor. It fails with
// errors.ErrCursorBusy while another cursor on the same list is open.
func (l *List[T]) Iterate() (*Cursor[T], error) {
	if l.cursorActive {
		return nil, errors.ErrCursorBusy
	}
	l.cursorActive = true
	l.cursor = l.head
	return &Cursor[T]{l: l}, nil
}

// Next returns the next value. The returned pointer stays valid until that
// value is removed; the cursor itself survives the removal.
func (c *Cursor[T]) Next() (Ref, *T, bool) {
	if c.closed || c.l.cursor == none {
		return Ref{}, nil, false
	}
	i := c.l.cursor
	s := c.l.slots[i]
	c.l.cursor = s.next
	return Ref{index: i, gen: s.gen}, &s.val, true
}

// Close releases the cursor. It is safe to call more than once.
func (c *Cursor[T]) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.l.cursorActive = false
	c.l.cursor = none
}

// Each calls fn for every value in order until fn returns false. fn must not
// remove values; use Iterate for that.
func (l *List[T]) Each(fn func(Ref, *T) bool) {
	for i := l.head; i != none; i = l.slots[i].next {
		s := l.slots[i]
		if !fn(Ref{index: i, gen: s.gen}, &s.val) {
			return
		}
	}
}
