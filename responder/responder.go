// Package responder advertises DNS-SD services over multicast DNS.
//
// A Responder owns one protocol engine running on a UDP transport (or an
// injected one). It claims a host name for the machine's address and then
// registers services against it. Register blocks until the service name has
// been probed and is ours; conflicts are resolved by renaming the service to
// "Name (2)", "Name (3)" and so on.
//
//	resp, err := responder.New(ctx, responder.WithHostname("mydevice"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer resp.Close()
//
//	svc := &responder.Service{
//	    InstanceName: "My Web Server",
//	    ServiceType:  "_http._tcp.local",
//	    Port:         8080,
//	    TXTRecords:   map[string]string{"path": "/"},
//	}
//	if err := resp.Register(svc); err != nil {
//	    log.Fatal(err)
//	}
//
// UpdateService changes TXT attributes without re-probing; Unregister and
// Close send goodbye packets so peers flush the records at once.
package responder

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/joshuafuller/mdnscore/internal/engine"
	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/logger"
	"github.com/joshuafuller/mdnscore/internal/platform"
	"github.com/joshuafuller/mdnscore/internal/responder"
	"github.com/joshuafuller/mdnscore/internal/transport"
)

// defaultHostLabel is used when the system host name has no usable
// characters.
const defaultHostLabel = "mdnscore"

// Responder registers services and answers queries for them.
type Responder struct {
	ctx        context.Context
	transport  transport.Transport
	interfaces []string
	runner     *platform.Runner
	registry   *responder.Registry
	cfg        engine.Config
	clock      clock.Clock
	log        *slog.Logger

	hostname string
	addr     netip.Addr
	host     engine.HostID

	mu       sync.RWMutex
	hostFull string

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New starts a responder. ctx bounds its lifetime; cancelling it stops the
// responder without sending goodbyes, so prefer Close.
func New(ctx context.Context, opts ...Option) (*Responder, error) {
	r := &Responder{
		ctx:      ctx,
		registry: responder.NewRegistry(),
		cfg:      engine.DefaultConfig(),
		clock:    clock.New(),
		log:      logger.Logger("responder"),
		hostname: systemHostLabel(),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if r.transport == nil {
		ifaces, err := transport.DiscoverInterfaces(r.interfaces...)
		if err != nil {
			return nil, fmt.Errorf("failed to find interfaces: %w", err)
		}
		t, err := transport.NewUDPv4Transport(ctx, ifaces)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		r.transport = t
	}
	if !r.addr.IsValid() {
		ifaces := r.transport.Interfaces()
		if len(ifaces) == 0 {
			_ = r.transport.Close()
			return nil, &errors.NetworkError{Operation: "start responder", Details: "transport has no interfaces"}
		}
		r.addr = ifaces[0].Addr
	}

	r.runner = platform.New(r.transport, r.cfg, platform.WithClock(r.clock), platform.WithLogger(r.log))
	if err := r.runner.Start(ctx); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to start: %w", err), r.runner.Close())
	}

	err := r.runner.Do(ctx, func(e *engine.Engine) error {
		id, err := e.RegisterHost(r.hostname, r.addr, r.hostStatus)
		if err != nil {
			return err
		}
		r.host = id
		name, _ := e.HostFullName(id)
		r.setHostFull(name.String())
		return nil
	})
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to register host %q: %w", r.hostname, err), r.runner.Close())
	}
	return r, nil
}

// systemHostLabel derives a host label from os.Hostname: the first label,
// with characters not allowed in host names replaced by hyphens.
func systemHostLabel() string {
	h, err := os.Hostname()
	if err != nil {
		return defaultHostLabel
	}
	h, _, _ = strings.Cut(h, ".")
	label := strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			return c
		default:
			return '-'
		}
	}, h)
	label = strings.Trim(label, "-")
	if label == "" || len(label) > 63 {
		return defaultHostLabel
	}
	return label
}

func (r *Responder) hostStatus(e *engine.Engine, id engine.HostID, st engine.Status) {
	switch st {
	case engine.StatusRenamed:
		name, _ := e.HostFullName(id)
		r.log.Warn("host name conflict, renamed", "name", name)
		r.setHostFull(name.String())
	case engine.StatusDeregistered:
		r.log.Error("host name given up after conflicts", "name", r.Hostname())
	case engine.StatusRegistered:
		r.log.Info("host registered", "name", r.Hostname(), "addr", r.addr)
	}
}

func (r *Responder) setHostFull(name string) {
	r.mu.Lock()
	r.hostFull = name
	r.mu.Unlock()
}

// Hostname is the host name currently claimed, e.g. "mydevice.local.".
func (r *Responder) Hostname() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hostFull
}

// Register advertises service and blocks until its name is ours. If the
// name was taken and the service renamed, service.InstanceName is updated.
// When renaming is disabled or exhausted the error wraps
// errors.ErrNameConflict.
func (r *Responder) Register(service *Service) error {
	if service == nil {
		return &errors.ValidationError{Field: "service", Value: nil, Message: "service cannot be nil"}
	}
	if err := service.Validate(); err != nil {
		return err
	}

	entry := &responder.Service{
		InstanceName: service.InstanceName,
		ServiceType:  service.ServiceType,
		Port:         service.Port,
		TXT:          service.TXTRecords,
	}
	if err := r.registry.Register(entry); err != nil {
		return err
	}

	done := make(chan error, 1)
	settled := false
	callback := func(e *engine.Engine, id engine.ServiceID, st engine.Status) {
		r.serviceStatus(e, id, st)
		if settled {
			return
		}
		switch st {
		case engine.StatusRegistered:
			settled = true
			done <- nil
		case engine.StatusDeregistered:
			settled = true
			done <- fmt.Errorf("service %q: %w", service.InstanceName, errors.ErrNameConflict)
		}
	}

	var sid engine.ServiceID
	err := r.runner.Do(r.ctx, func(e *engine.Engine) error {
		id, err := e.RegisterService(service.info(), callback)
		if err != nil {
			return err
		}
		sid = id
		return r.registry.SetID(entry.InstanceName, id)
	})
	if err != nil {
		_ = r.registry.Remove(entry.InstanceName)
		return fmt.Errorf("failed to register service %q: %w", service.InstanceName, err)
	}

	select {
	case err = <-done:
	case <-r.ctx.Done():
		err = r.ctx.Err()
	case <-r.closed:
		err = errors.ErrClosed
	}
	// The entry may have been renamed while probing.
	current, ok := r.registry.ByID(sid)
	if err != nil {
		if ok {
			_ = r.registry.Remove(current.InstanceName)
		}
		return err
	}
	if ok {
		service.InstanceName = current.InstanceName
	}
	return nil
}

// serviceStatus keeps the registry in step with the engine. It runs on the
// event loop.
func (r *Responder) serviceStatus(e *engine.Engine, id engine.ServiceID, st engine.Status) {
	svc, ok := r.registry.ByID(id)
	if !ok {
		return
	}
	switch st {
	case engine.StatusRenamed:
		name, _ := e.ServiceName(id)
		label := name.FirstLabel()
		if err := r.registry.Rename(svc.InstanceName, label); err != nil {
			r.log.Warn("registry rename failed", "from", svc.InstanceName, "to", label, "error", err)
			return
		}
		r.log.Info("service renamed after conflict", "from", svc.InstanceName, "to", label)
	case engine.StatusRegistered:
		r.log.Info("service registered", "instance", svc.InstanceName, "type", svc.ServiceType, "port", svc.Port)
	}
}

// GetService looks a service up by instance name ("My Printer") or full
// ID ("My Printer._http._tcp.local").
func (r *Responder) GetService(serviceID string) (*Service, bool) {
	svc, ok := r.lookup(serviceID)
	if !ok {
		return nil, false
	}
	return &Service{
		InstanceName: svc.InstanceName,
		ServiceType:  svc.ServiceType,
		Port:         svc.Port,
		TXTRecords:   svc.TXT,
	}, true
}

func (r *Responder) lookup(serviceID string) (*responder.Service, bool) {
	if svc, ok := r.registry.Get(serviceID); ok {
		return svc, true
	}
	for _, name := range r.registry.List() {
		svc, ok := r.registry.Get(name)
		if !ok {
			continue
		}
		full := (&Service{InstanceName: svc.InstanceName, ServiceType: svc.ServiceType}).fullName()
		if strings.EqualFold(full, serviceID) || strings.EqualFold(full+".", serviceID) {
			return svc, true
		}
	}
	return nil, false
}

// Unregister withdraws a service. Goodbye packets go out on the engine's
// next run.
func (r *Responder) Unregister(serviceID string) error {
	svc, ok := r.lookup(serviceID)
	if !ok {
		return fmt.Errorf("service %q: %w", serviceID, errors.ErrUnknownRecord)
	}
	var err error
	if !svc.ID.IsZero() {
		err = r.runner.Do(r.ctx, func(e *engine.Engine) error {
			return e.DeregisterService(svc.ID)
		})
	}
	return multierr.Append(err, r.registry.Remove(svc.InstanceName))
}

// UpdateService replaces a service's TXT attributes and re-announces them.
// The name is not probed again.
func (r *Responder) UpdateService(serviceID string, txtRecords map[string]string) error {
	svc, ok := r.lookup(serviceID)
	if !ok {
		return fmt.Errorf("service %q: %w", serviceID, errors.ErrUnknownRecord)
	}
	err := r.runner.Do(r.ctx, func(e *engine.Engine) error {
		return e.UpdateService(svc.ID, txtRecords)
	})
	if err != nil {
		return fmt.Errorf("failed to update service %q: %w", svc.InstanceName, err)
	}
	return r.registry.SetTXT(svc.InstanceName, txtRecords)
}

// Close sends goodbyes for every service and the host, then releases the
// transport.
func (r *Responder) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.closeErr = r.runner.Close()
		for _, name := range r.registry.List() {
			_ = r.registry.Remove(name)
		}
		if stderrors.Is(r.closeErr, errors.ErrClosed) {
			r.closeErr = nil
		}
	})
	return r.closeErr
}
