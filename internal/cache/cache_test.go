package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuafuller/mdnscore/internal/arena"
	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/message"
	"github.com/joshuafuller/mdnscore/internal/protocol"
	"github.com/joshuafuller/mdnscore/internal/records"
)

const tps = 1000

func entry(i int, ttl uint32, now int64) records.Record {
	rr := message.ResourceRecord{
		Name:  message.MustParseName(fmt.Sprintf("host%d.local.", i)),
		Type:  protocol.RecordTypeA,
		Class: protocol.ClassIN,
		TTL:   ttl,
		RData: message.AddressRData{Addr: [4]byte{10, 0, 0, byte(i)}},
	}
	return records.FromResource(rr, records.StatePacketAdditional, 1, now)
}

func fill(t *testing.T, c *Cache, n int, ttl uint32, now int64) []arena.Ref {
	t.Helper()
	refs := make([]arena.Ref, n)
	for i := 0; i < n; i++ {
		ref, evicted, err := c.Alloc(entry(i, ttl, now), now)
		require.NoError(t, err)
		require.Nil(t, evicted)
		refs[i] = ref
	}
	return refs
}

func TestCache_Disabled(t *testing.T) {
	c := New(0, tps)
	assert.False(t, c.Enabled())
	_, _, err := c.Alloc(entry(1, 120, 0), 0)
	assert.ErrorIs(t, err, errors.ErrNoCache)
}

func TestCache_LookupByIdentity(t *testing.T) {
	c := New(4, tps)
	fill(t, c, 2, 120, 0)

	e := entry(1, 120, 0)
	ref, r, ok := c.Lookup(e.Resource(120), 1)
	require.True(t, ok)
	assert.True(t, c.list.Valid(ref))
	assert.Equal(t, "host1.local.", r.Name.String())

	_, _, ok = c.Lookup(e.Resource(120), 2)
	assert.False(t, ok, "same record on another interface is a different entry")

	other := e.Resource(120)
	other.RData = message.AddressRData{Addr: [4]byte{10, 9, 9, 9}}
	_, _, ok = c.Lookup(other, 1)
	assert.False(t, ok, "different rdata is a different entry")
}

func TestCache_EvictsExpiredFirst(t *testing.T) {
	c := New(3, tps)
	refs := fill(t, c, 3, 120, 0)

	// Make the middle entry expired and the others heavily weighted.
	mid, _ := c.Get(refs[1])
	mid.OriginalTTL = 1

	now := int64(5 * tps)
	_, evicted, err := c.Alloc(entry(9, 120, now), now)
	require.NoError(t, err)
	require.NotNil(t, evicted)
	assert.Equal(t, "host1.local.", evicted.Name.String())
	assert.False(t, c.list.Valid(refs[1]))
}

func TestCache_EvictsLargestWeightedAge(t *testing.T) {
	c := New(3, tps)
	refs := fill(t, c, 3, 4500, 0)

	// host0: idle 10s, used 9 times  → 10000/10 = 1000
	// host1: idle 4s, never used     → 4000/1   = 4000
	// host2: idle 6s, direct answer  → 6000/1/2 = 3000
	now := int64(10 * tps)
	r0, _ := c.Get(refs[0])
	r0.UseCount = 9
	r1, _ := c.Get(refs[1])
	r1.LastUsed = 6 * tps
	r2, _ := c.Get(refs[2])
	r2.LastUsed = 4 * tps
	r2.State = records.StatePacketAnswer

	_, evicted, err := c.Alloc(entry(9, 120, now), now)
	require.NoError(t, err)
	require.NotNil(t, evicted)
	assert.Equal(t, "host1.local.", evicted.Name.String())
}

func TestCache_UseCountCap(t *testing.T) {
	c := New(2, tps)
	c.SetUseCountCap(2)
	refs := fill(t, c, 2, 4500, 0)

	// Without the cap host0 (idle 10s, 1000 uses) would win easily; capped at
	// 2 its score is 5000 against host1's 4000.
	now := int64(10 * tps)
	r0, _ := c.Get(refs[0])
	r0.UseCount = 1000
	r1, _ := c.Get(refs[1])
	r1.LastUsed = 6 * tps

	_, evicted, err := c.Alloc(entry(9, 120, now), now)
	require.NoError(t, err)
	assert.Equal(t, "host0.local.", evicted.Name.String())
}

// TestCache_NeverEvictsFreshRecords covers the eviction property: inserting
// into a full cache never evicts a record received in the same tick.
func TestCache_NeverEvictsFreshRecords(t *testing.T) {
	c := New(2, tps)
	now := int64(1234)
	fill(t, c, 2, 120, now)

	_, _, err := c.Alloc(entry(9, 120, now), now)
	assert.ErrorIs(t, err, errors.ErrCacheFull)
	assert.Equal(t, 2, c.Len())
}

func TestCache_AllocAlwaysSucceedsWhenACandidateExists(t *testing.T) {
	c := New(8, tps)
	fill(t, c, 8, 120, 0)

	for i := 0; i < 50; i++ {
		now := int64(i+1) * 100
		ref, evicted, err := c.Alloc(entry(100+i, 120, now), now)
		require.NoError(t, err, "insert %d", i)
		require.NotNil(t, evicted)
		assert.NotEqual(t, now, evicted.TimeRcvd, "evicted a record from the current tick")
		assert.True(t, c.list.Valid(ref))
		assert.Equal(t, 8, c.Len())
	}
}

func TestCache_DetachExpiredTwoPhase(t *testing.T) {
	c := New(4, tps)
	refs := fill(t, c, 3, 120, 0)
	short, _ := c.Get(refs[0])
	short.OriginalTTL = 10

	assert.Empty(t, c.DetachExpired(9999))

	detached := c.DetachExpired(10 * tps)
	require.Equal(t, []arena.Ref{refs[0]}, detached)
	assert.Equal(t, 2, c.Len())

	// Detached records stay readable until released and keep their slot.
	r, ok := c.Get(detached[0])
	require.True(t, ok)
	assert.Equal(t, "host0.local.", r.Name.String())
	_, _, found := c.Lookup(r.Resource(120), 1)
	assert.False(t, found, "detached records are not matched")

	c.Release(detached)
	_, ok = c.Get(detached[0])
	assert.False(t, ok)
}

func TestCache_ExpireSoon(t *testing.T) {
	c := New(2, tps)
	refs := fill(t, c, 1, 120, 0)

	now := int64(50 * tps)
	c.ExpireSoon(refs[0], now)
	r, _ := c.Get(refs[0])
	assert.Equal(t, now+tps, r.ExpiryTime(tps))

	// Never lengthens a record that is about to expire anyway.
	c.ExpireSoon(refs[0], now+500)
	assert.Equal(t, now+tps, r.ExpiryTime(tps))
}

func TestCache_NextExpiry(t *testing.T) {
	c := New(4, tps)
	_, ok := c.NextExpiry()
	assert.False(t, ok)

	refs := fill(t, c, 2, 120, 0)
	r, _ := c.Get(refs[1])
	r.OriginalTTL = 7

	next, ok := c.NextExpiry()
	require.True(t, ok)
	assert.Equal(t, int64(7*tps), next)
}
