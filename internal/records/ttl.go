package records

import "github.com/joshuafuller/mdnscore/internal/protocol"

// GetTTLForRecordType returns the TTL a locally registered record of type t
// is given when the caller does not supply one (RFC 6762 §10).
func GetTTLForRecordType(t protocol.RecordType) uint32 {
	switch t {
	case protocol.RecordTypeA:
		return protocol.TTLHostname
	default:
		return protocol.TTLService
	}
}

// TTLTicks converts the original TTL to ticks.
func (r *Record) TTLTicks(ticksPerSecond int64) int64 {
	return int64(r.OriginalTTL) * ticksPerSecond
}

// ExpiryTime is the tick at which a cache entry stops being valid.
func (r *Record) ExpiryTime(ticksPerSecond int64) int64 {
	return r.TimeRcvd + r.TTLTicks(ticksPerSecond)
}

// IsExpired reports whether the entry's TTL has fully elapsed at now.
func (r *Record) IsExpired(now, ticksPerSecond int64) bool {
	return now-r.ExpiryTime(ticksPerSecond) >= 0
}

// RemainingTTL is the TTL in whole seconds left at now, rounded down and
// never negative.
func (r *Record) RemainingTTL(now, ticksPerSecond int64) uint32 {
	left := r.ExpiryTime(ticksPerSecond) - now
	if left <= 0 {
		return 0
	}
	return uint32(left / ticksPerSecond)
}

// RefreshPolicy describes when a question re-asks for an answer it already
// holds (RFC 6762 §5.2): at FirstPercent of the TTL, then every StepPercent
// after that, at most MaxQueries times before the entry is left to expire.
type RefreshPolicy struct {
	FirstPercent int
	StepPercent  int
	MaxQueries   int
}

// DefaultRefreshPolicy re-asks at 90% and 95% of the TTL.
var DefaultRefreshPolicy = RefreshPolicy{FirstPercent: 90, StepPercent: 5, MaxQueries: 2}

// RefreshTime is when a question holding r should next query for it. Once
// the policy's queries are spent it is the expiry time.
func (r *Record) RefreshTime(ticksPerSecond int64, p RefreshPolicy) int64 {
	if r.UnansweredQueries >= p.MaxQueries {
		return r.ExpiryTime(ticksPerSecond)
	}
	pct := int64(p.FirstPercent + p.StepPercent*r.UnansweredQueries)
	if pct > 100 {
		pct = 100
	}
	return r.TimeRcvd + r.TTLTicks(ticksPerSecond)*pct/100
}
