// Package platform runs an engine.Engine on a real transport and clock.
//
// A Runner owns two goroutines: one blocks in Transport.Receive and hands
// packets over, the other is the event loop. Every engine entry point
// (received packets, timer wake-ups and calls made through Do) runs on the
// event loop, so the engine is never entered concurrently.
package platform

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/joshuafuller/mdnscore/internal/engine"
	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/logger"
	"github.com/joshuafuller/mdnscore/internal/protocol"
	"github.com/joshuafuller/mdnscore/internal/transport"
)

// TicksPerSecond is the engine resolution the runner provides.
const TicksPerSecond = 1000

var multicastGroup = netip.AddrPortFrom(netip.MustParseAddr(protocol.MulticastAddrIPv4), protocol.Port)

// Option configures a Runner.
type Option func(*Runner)

// WithClock replaces the wall clock, typically with clock.NewMock().
func WithClock(c clock.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithLogger sets the runner's logger. The engine logs through
// engine.Config.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.log = l }
}

type call struct {
	fn   func(*engine.Engine) error
	done chan error
}

// Runner implements engine.Platform.
type Runner struct {
	tr    transport.Transport
	clock clock.Clock
	log   *slog.Logger
	cfg   engine.Config

	engine *engine.Engine
	start  time.Time
	mu     sync.Mutex

	timer   *clock.Timer
	packets chan transport.Packet
	calls   chan call

	cancel    context.CancelFunc
	group     *errgroup.Group
	stopped   chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

var _ engine.Platform = (*Runner)(nil)

// New returns a runner for tr. cfg.TicksPerSecond is overridden.
func New(tr transport.Transport, cfg engine.Config, opts ...Option) *Runner {
	r := &Runner{
		tr:      tr,
		clock:   clock.New(),
		log:     logger.Logger("platform"),
		packets: make(chan transport.Packet, 64),
		calls:   make(chan call),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.start = r.clock.Now()
	r.timer = r.clock.Timer(time.Hour)
	cfg.TicksPerSecond = TicksPerSecond
	r.cfg = cfg
	r.engine = engine.New(r, cfg)
	return r
}

// Start registers the transport's interfaces with the engine and launches
// the receive and event loops. The runner stops when ctx is done or Close
// is called.
func (r *Runner) Start(ctx context.Context) error {
	err := errors.ErrClosed
	r.startOnce.Do(func() {
		err = nil
		for _, ifc := range r.tr.Interfaces() {
			if aerr := r.engine.AddInterface(ifc.Index, ifc.Addr); aerr != nil {
				err = multierr.Append(err, aerr)
				continue
			}
			r.log.Debug("interface added", "index", ifc.Index, "name", ifc.Name, "addr", ifc.Addr)
		}
		if err != nil {
			return
		}

		ctx, r.cancel = context.WithCancel(ctx)
		g, gctx := errgroup.WithContext(ctx)
		r.group = g
		g.Go(func() error { return r.receiveLoop(gctx) })
		g.Go(func() error { return r.eventLoop(gctx) })
	})
	return err
}

func (r *Runner) receiveLoop(ctx context.Context) error {
	for {
		pkt, err := r.tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, errors.ErrClosed) {
				return nil
			}
			r.log.Debug("receive failed", "error", err)
			continue
		}
		select {
		case r.packets <- pkt:
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Runner) eventLoop(ctx context.Context) error {
	defer close(r.stopped)
	// Run once so the engine states its first wake-up.
	r.engine.Task()
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt := <-r.packets:
			r.engine.Receive(pkt.Data, pkt.Src, r.destination(pkt), r.interfaceFor(pkt))
		case <-r.timer.C:
			r.engine.Task()
		case c := <-r.calls:
			c.done <- c.fn(r.engine)
		}
	}
}

func (r *Runner) destination(pkt transport.Packet) netip.AddrPort {
	if pkt.Dst.IsValid() {
		return pkt.Dst
	}
	return multicastGroup
}

// interfaceFor maps an unknown receiving interface to the only one, if
// there is only one.
func (r *Runner) interfaceFor(pkt transport.Packet) int {
	if pkt.InterfaceIndex != 0 {
		return pkt.InterfaceIndex
	}
	ifaces := r.tr.Interfaces()
	if len(ifaces) == 1 {
		return ifaces[0].Index
	}
	return 0
}

// Do runs fn on the event loop and returns its error. fn may call any engine
// method. Callbacks registered with the engine also run on the event loop
// and must use the *engine.Engine they are handed rather than calling Do.
func (r *Runner) Do(ctx context.Context, fn func(*engine.Engine) error) error {
	c := call{fn: fn, done: make(chan error, 1)}
	select {
	case r.calls <- c:
	case <-r.stopped:
		return errors.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-c.done
}

// Close sends goodbyes for everything registered, stops both loops and
// closes the transport.
func (r *Runner) Close() error {
	r.closeOnce.Do(func() {
		if r.group == nil {
			r.closeErr = r.tr.Close()
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := r.Do(ctx, func(e *engine.Engine) error {
			e.Shutdown()
			return nil
		})
		cancel()
		if stderrors.Is(err, errors.ErrClosed) {
			err = nil
		}

		r.cancel()
		err = multierr.Append(err, r.tr.Close())
		err = multierr.Append(err, r.group.Wait())
		r.timer.Stop()
		r.closeErr = err
	})
	return r.closeErr
}

// SendUDP implements engine.Platform.
func (r *Runner) SendUDP(msg []byte, src, dst netip.AddrPort) error {
	return r.tr.Send(context.Background(), msg, src, dst)
}

// ScheduleTask implements engine.Platform.
func (r *Runner) ScheduleTask(wake int64) {
	d := time.Duration(wake-r.TimeNow()) * time.Second / TicksPerSecond
	if d < 0 {
		d = 0
	}
	r.timer.Reset(d)
}

// TimeNow implements engine.Platform.
func (r *Runner) TimeNow() int64 {
	return r.clock.Since(r.start).Milliseconds()
}

// Lock implements engine.Platform.
func (r *Runner) Lock() { r.mu.Lock() }

// Unlock implements engine.Platform.
func (r *Runner) Unlock() { r.mu.Unlock() }
