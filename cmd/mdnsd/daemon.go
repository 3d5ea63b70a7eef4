package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/joshuafuller/mdnscore/internal/config"
	"github.com/joshuafuller/mdnscore/internal/logger"
	"github.com/joshuafuller/mdnscore/internal/metrics"
	"github.com/joshuafuller/mdnscore/internal/transport"
	"github.com/joshuafuller/mdnscore/querier"
	"github.com/joshuafuller/mdnscore/responder"
)

// deps are the pieces tests replace. Zero values mean the real network and
// the wall clock.
type deps struct {
	// transport returns the transport for role ("responder" or "querier").
	transport func(role string) (transport.Transport, error)
	clock     clock.Clock
}

type daemon struct {
	cfg   config.Config
	log   *slog.Logger
	clock clock.Clock

	registry  *prometheus.Registry
	instances *prometheus.GaugeVec
	responder *responder.Responder
	querier   *querier.Querier

	listener net.Listener
	server   *http.Server

	mu   sync.Mutex
	seen map[string]map[string]querier.ServiceInstance
}

// newDaemon starts the responder, registers the configured services and
// prepares the querier and the metrics listener. The responder lives until
// close so that shutdown can still send goodbyes.
func newDaemon(cfg config.Config, d deps) (_ *daemon, err error) {
	if d.clock == nil {
		d.clock = clock.New()
	}
	dm := &daemon{
		cfg:      cfg,
		log:      logger.Logger("mdnsd"),
		clock:    d.clock,
		registry: prometheus.NewRegistry(),
		instances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mdnscore",
			Subsystem: "browse",
			Name:      "instances",
			Help:      "Service instances found by the last browse, by service type.",
		}, []string{"type"}),
		seen: make(map[string]map[string]querier.ServiceInstance),
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, dm.close())
		}
	}()

	respMetrics := metrics.New(prometheus.Labels{"engine": "responder"})
	dm.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		respMetrics,
		dm.instances,
	)

	opts := []responder.Option{
		responder.WithCacheSize(cfg.CacheSize),
		responder.WithAutoRename(cfg.AutoRename),
		responder.WithObserver(respMetrics),
		responder.WithClock(d.clock),
	}
	if cfg.Hostname != "" {
		opts = append(opts, responder.WithHostname(cfg.Hostname))
	}
	if len(cfg.Interfaces) > 0 {
		opts = append(opts, responder.WithInterfaces(cfg.Interfaces...))
	}
	if d.transport != nil {
		t, err := d.transport("responder")
		if err != nil {
			return nil, err
		}
		opts = append(opts, responder.WithTransport(t))
	}
	dm.responder, err = responder.New(context.Background(), opts...)
	if err != nil {
		return nil, err
	}
	dm.log.Info("responder started", "host", dm.responder.Hostname())

	for _, s := range cfg.Services {
		svc := &responder.Service{InstanceName: s.Name, ServiceType: s.Type, Port: s.Port, TXTRecords: s.TXT}
		if err := dm.responder.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s.%s: %w", s.Name, s.Type, err)
		}
		if svc.InstanceName != s.Name {
			dm.log.Warn("service renamed after conflict", "configured", s.Name, "name", svc.InstanceName)
		}
	}

	if len(cfg.Browse) > 0 {
		queryMetrics := metrics.New(prometheus.Labels{"engine": "querier"})
		dm.registry.MustRegister(queryMetrics)
		qopts := []querier.Option{
			querier.WithCacheSize(cfg.CacheSize),
			querier.WithObserver(queryMetrics),
			querier.WithClock(d.clock),
			querier.WithTimeout(cfg.Window),
		}
		if len(cfg.Interfaces) > 0 {
			qopts = append(qopts, querier.WithInterfaces(cfg.Interfaces...))
		}
		if d.transport != nil {
			t, err := d.transport("querier")
			if err != nil {
				return nil, err
			}
			qopts = append(qopts, querier.WithTransport(t))
		}
		dm.querier, err = querier.New(qopts...)
		if err != nil {
			return nil, err
		}
	}

	if cfg.MetricsAddr != "" {
		dm.listener, err = net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			return nil, fmt.Errorf("metrics listener: %w", err)
		}
		dm.server = &http.Server{Handler: dm.handler(), ReadHeaderTimeout: 5 * time.Second}
	}
	return dm, nil
}

func (d *daemon) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	return mux
}

// run serves until ctx ends, then shuts down and sends goodbyes.
func (d *daemon) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if d.server != nil {
		d.log.Info("serving metrics", "addr", d.listener.Addr())
		g.Go(func() error {
			if err := d.server.Serve(d.listener); !stderrors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return d.server.Shutdown(sctx)
		})
	}
	if d.querier != nil {
		g.Go(func() error {
			d.browseLoop(gctx)
			return nil
		})
	}
	err := g.Wait()
	return multierr.Append(err, d.close())
}

func (d *daemon) browseLoop(ctx context.Context) {
	ticker := d.clock.Ticker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		for _, typ := range d.cfg.Browse {
			d.browse(ctx, typ)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *daemon) browse(ctx context.Context, typ string) {
	wctx, cancel := context.WithTimeout(ctx, d.cfg.Window)
	defer cancel()
	found, err := d.querier.Browse(wctx, typ)
	if err != nil {
		if ctx.Err() == nil {
			d.log.Warn("browse failed", "type", typ, "error", err)
		}
		return
	}

	now := make(map[string]querier.ServiceInstance, len(found))
	for _, inst := range found {
		now[inst.Name] = inst
	}

	d.mu.Lock()
	prev := d.seen[typ]
	d.seen[typ] = now
	d.mu.Unlock()

	for name, inst := range now {
		if _, ok := prev[name]; !ok {
			d.log.Info("service found", "type", typ, "name", name, "host", inst.Host, "port", inst.Port, "addrs", inst.Addrs)
		}
	}
	for name := range prev {
		if _, ok := now[name]; !ok {
			d.log.Info("service gone", "type", typ, "name", name)
		}
	}
	d.instances.WithLabelValues(typ).Set(float64(len(now)))
}

// discovered lists the instance names the last browse of typ found.
func (d *daemon) discovered(typ string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.seen[typ]))
	for name := range d.seen[typ] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *daemon) close() error {
	var err error
	if d.querier != nil {
		err = multierr.Append(err, d.querier.Close())
	}
	if d.responder != nil {
		err = multierr.Append(err, d.responder.Close())
	}
	if d.listener != nil {
		// Shutdown closes it when the server ran.
		if cerr := d.listener.Close(); !stderrors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	return err
}
