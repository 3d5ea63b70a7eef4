package querier

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/joshuafuller/mdnscore/internal/engine"
	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/transport"
)

// Option configures a Querier.
type Option func(*Querier) error

// WithTimeout sets how long Query and Browse collect answers when the
// caller's context has no deadline. The default is one second.
func WithTimeout(timeout time.Duration) Option {
	return func(q *Querier) error {
		if timeout <= 0 {
			return &errors.ValidationError{Field: "timeout", Value: timeout, Message: "timeout must be greater than 0"}
		}
		q.defaultTimeout = timeout
		return nil
	}
}

// WithInterfaces restricts the UDP transport to the named interfaces.
func WithInterfaces(names ...string) Option {
	return func(q *Querier) error {
		if len(names) == 0 {
			return &errors.ValidationError{Field: "interfaces", Value: names, Message: "interface list cannot be empty"}
		}
		q.interfaces = append(q.interfaces, names...)
		return nil
	}
}

// WithTransport replaces the UDP transport. The querier takes ownership and
// closes it.
func WithTransport(t transport.Transport) Option {
	return func(q *Querier) error {
		if t == nil {
			return &errors.ValidationError{Field: "transport", Value: nil, Message: "transport cannot be nil"}
		}
		q.transport = t
		return nil
	}
}

// WithCacheSize sets how many records the answer cache holds.
func WithCacheSize(n int) Option {
	return func(q *Querier) error {
		if n <= 0 {
			return &errors.ValidationError{Field: "cache size", Value: n, Message: "a querier needs a cache"}
		}
		q.cfg.CacheSize = n
		return nil
	}
}

// WithLogger sets the logger for the querier and its engine.
func WithLogger(l *slog.Logger) Option {
	return func(q *Querier) error {
		q.log = l
		q.cfg.Logger = l
		return nil
	}
}

// WithClock replaces the wall clock driving protocol timers.
func WithClock(c clock.Clock) Option {
	return func(q *Querier) error {
		q.clock = c
		return nil
	}
}

// WithObserver receives engine events, typically a metrics.Collector.
func WithObserver(o engine.Observer) Option {
	return func(q *Querier) error {
		q.cfg.Observer = o
		return nil
	}
}
