package responder

import (
	"log/slog"
	"net/netip"

	"github.com/benbjohnson/clock"

	"github.com/joshuafuller/mdnscore/internal/engine"
	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/transport"
)

// Option is a functional option for configuring a Responder.
//
// Example:
//
//	resp, err := responder.New(ctx,
//	    responder.WithHostname("mydevice.local"),
//	    responder.WithCacheSize(256),
//	)
type Option func(*Responder) error

// WithHostname sets the host name advertised in the A record and used as the
// SRV target ("mydevice" or "mydevice.local"). Without it the system host
// name is used.
func WithHostname(hostname string) Option {
	return func(r *Responder) error {
		if hostname == "" {
			return &errors.ValidationError{Field: "hostname", Value: hostname, Message: "hostname cannot be empty"}
		}
		r.hostname = hostname
		return nil
	}
}

// WithAddress sets the address published for the host. It defaults to the
// address of the first interface the transport joined.
func WithAddress(addr netip.Addr) Option {
	return func(r *Responder) error {
		if !addr.Is4() {
			return &errors.ValidationError{Field: "address", Value: addr, Message: "an IPv4 address is required"}
		}
		r.addr = addr
		return nil
	}
}

// WithInterfaces restricts the UDP transport to the named interfaces.
// Ignored when WithTransport is given.
func WithInterfaces(names ...string) Option {
	return func(r *Responder) error {
		r.interfaces = append(r.interfaces, names...)
		return nil
	}
}

// WithTransport replaces the UDP transport, for example with an in-memory
// network in tests. The responder takes ownership and closes it.
func WithTransport(t transport.Transport) Option {
	return func(r *Responder) error {
		r.transport = t
		return nil
	}
}

// WithCacheSize sets how many records the answer cache holds. Zero disables
// the cache, which a responder does not need.
func WithCacheSize(n int) Option {
	return func(r *Responder) error {
		r.cfg.CacheSize = n
		return nil
	}
}

// WithAutoRename controls whether a conflicting service or host is renamed
// ("name (2)") or given up.
func WithAutoRename(enabled bool) Option {
	return func(r *Responder) error {
		r.cfg.DisableAutoRename = !enabled
		return nil
	}
}

// WithLogger sets the logger for the responder and its engine.
func WithLogger(l *slog.Logger) Option {
	return func(r *Responder) error {
		r.log = l
		r.cfg.Logger = l
		return nil
	}
}

// WithObserver receives engine events, typically a metrics.Collector.
func WithObserver(o engine.Observer) Option {
	return func(r *Responder) error {
		r.cfg.Observer = o
		return nil
	}
}

// WithClock replaces the wall clock driving protocol timers.
func WithClock(c clock.Clock) Option {
	return func(r *Responder) error {
		r.clock = c
		return nil
	}
}
