package engine

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/joshuafuller/mdnscore/internal/arena"
	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/message"
	"github.com/joshuafuller/mdnscore/internal/protocol"
	"github.com/joshuafuller/mdnscore/internal/records"
)

// serviceSet ties the PTR, SRV and TXT records of one DNS-SD instance
// together. The SRV is probed; the TXT and PTR follow it.
type serviceSet struct {
	info     records.ServiceInfo
	instance message.Name
	ptr      arena.Ref
	srv      arena.Ref
	txt      arena.Ref
	callback ServiceCallback

	renames       int
	registered    bool
	deregistering bool
}

func (s *serviceSet) refs() [3]arena.Ref { return [3]arena.Ref{s.srv, s.txt, s.ptr} }

// hostSet is a host's address record and its reverse mapping.
type hostSet struct {
	label    string
	domain   message.Name
	addr     netip.Addr
	name     message.Name
	a        arena.Ref
	reverse  arena.Ref
	callback HostCallback

	renames       int
	registered    bool
	deregistering bool
}

// RegisterService advertises a service instance on the current host name.
// A host must be registered first.
//
// The callback receives StatusRegistered once the instance name is ours.
// On a conflict it receives StatusNameConflict; unless renaming is disabled
// or exhausted the service is then re-registered under "name (2)",
// "name (3)" and so on, followed by StatusRenamed. A service that gives up
// reports StatusDeregistered.
func (e *Engine) RegisterService(info records.ServiceInfo, cb ServiceCallback) (ServiceID, error) {
	e.lock()
	defer e.unlock()
	if e.closed {
		return ServiceID{}, errors.ErrClosed
	}
	if e.hostName.IsZero() {
		return ServiceID{}, &errors.ValidationError{Field: "host", Value: "", Message: "register a host before services"}
	}
	if info.InstanceName == "" {
		return ServiceID{}, &errors.ValidationError{Field: "instance name", Value: "", Message: "instance name is required"}
	}
	info.TXTRecords = copyTXT(info.TXTRecords)

	ref, err := e.services.Insert(serviceSet{info: info, callback: cb})
	if err != nil {
		return ServiceID{}, err
	}
	if err := e.attachService(ref); err != nil {
		e.services.Remove(ref)
		return ServiceID{}, err
	}
	return ServiceID{ref}, nil
}

func copyTXT(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// attachService builds and registers the records for the service's
// current info.
func (e *Engine) attachService(ref arena.Ref) error {
	svc, _ := e.services.Get(ref)
	set, err := records.BuildServiceRecords(&svc.info, e.hostName)
	if err != nil {
		return err
	}
	route := func(e *Engine, id RecordID, st Status) { e.serviceRecordStatus(ref, id.ref, st) }

	set.SRV.Additional1 = e.hostA
	srv, err := e.register(set.SRV, route)
	if err != nil {
		return err
	}
	set.TXT.DependentOn = srv
	set.TXT.RRSet = srv
	txt, err := e.register(set.TXT, route)
	if err != nil {
		e.drop(srv)
		return err
	}
	set.PTR.DependentOn = srv
	set.PTR.RRSet = srv
	set.PTR.Additional1 = srv
	set.PTR.Additional2 = txt
	ptr, err := e.register(set.PTR, route)
	if err != nil {
		e.drop(srv)
		e.drop(txt)
		return err
	}

	svc, _ = e.services.Get(ref)
	svc.instance = set.SRV.Name
	svc.srv, svc.txt, svc.ptr = srv, txt, ptr
	svc.registered = false
	e.log.Info("service registering", "instance", svc.instance, "port", svc.info.Port)
	return nil
}

func (e *Engine) serviceRecordStatus(ref, rec arena.Ref, st Status) {
	svc, ok := e.services.Get(ref)
	if !ok {
		return
	}
	switch st {
	case StatusRegistered:
		if rec != svc.srv || svc.registered || svc.deregistering {
			return
		}
		svc.registered = true
		e.log.Info("service registered", "instance", svc.instance)
		if cb := svc.callback; cb != nil {
			cb(e, ServiceID{ref}, StatusRegistered)
		}
	case StatusNameConflict:
		if svc.deregistering {
			return
		}
		e.serviceConflict(ref)
	case StatusDeregistered:
		if !svc.deregistering {
			return
		}
		for _, r := range svc.refs() {
			if e.records.Valid(r) {
				return
			}
		}
		cb := svc.callback
		e.services.Remove(ref)
		e.log.Info("service deregistered", "instance", svc.instance)
		if cb != nil {
			cb(e, ServiceID{ref}, StatusDeregistered)
		}
	}
}

// serviceConflict handles a lost SRV or TXT: the remaining records are
// retired and the service is renamed or given up.
func (e *Engine) serviceConflict(ref arena.Ref) {
	svc, _ := e.services.Get(ref)
	for _, r := range svc.refs() {
		e.retire(r)
	}
	e.log.Info("service name conflict", "instance", svc.instance, "renames", svc.renames)
	if cb := svc.callback; cb != nil {
		cb(e, ServiceID{ref}, StatusNameConflict)
	}

	svc, ok := e.services.Get(ref)
	if !ok || svc.deregistering {
		return
	}
	if e.cfg.DisableAutoRename || svc.renames >= e.cfg.MaxRenameAttempts {
		e.giveUpService(ref)
		return
	}
	svc.renames++
	svc.info.InstanceName = nextName(svc.info.InstanceName)
	if err := e.attachService(ref); err != nil {
		e.log.Warn("service rename failed", "name", svc.info.InstanceName, "err", err)
		e.giveUpService(ref)
		return
	}
	if cb := svc.callback; cb != nil {
		cb(e, ServiceID{ref}, StatusRenamed)
	}
}

func (e *Engine) giveUpService(ref arena.Ref) {
	svc, ok := e.services.Remove(ref)
	if ok && svc.callback != nil {
		svc.callback(e, ServiceID{ref}, StatusDeregistered)
	}
}

// DeregisterService withdraws a service, sending goodbyes for whatever was
// announced. The callback receives StatusDeregistered when all records are
// gone.
func (e *Engine) DeregisterService(id ServiceID) error {
	e.lock()
	defer e.unlock()
	if e.closed {
		return errors.ErrClosed
	}
	svc, ok := e.services.Get(id.ref)
	if !ok {
		return errors.ErrUnknownRecord
	}
	if svc.deregistering {
		return nil
	}
	svc.deregistering = true
	refs := svc.refs()
	live := false
	for _, r := range refs {
		if e.records.Valid(r) {
			live = true
		}
	}
	if !live {
		e.giveUpService(id.ref)
		return nil
	}
	for _, r := range refs {
		_ = e.deregister(r)
	}
	return nil
}

// UpdateService replaces the TXT attributes of a service.
func (e *Engine) UpdateService(id ServiceID, txt map[string]string) error {
	e.lock()
	defer e.unlock()
	if e.closed {
		return errors.ErrClosed
	}
	svc, ok := e.services.Get(id.ref)
	if !ok || svc.deregistering {
		return errors.ErrUnknownRecord
	}
	rd, err := records.BuildTXT(txt)
	if err != nil {
		return err
	}
	svc.info.TXTRecords = copyTXT(txt)
	return e.updateRecord(svc.txt, rd)
}

// ServiceName returns the instance name a service is currently using.
func (e *Engine) ServiceName(id ServiceID) (message.Name, bool) {
	e.lock()
	defer e.unlock()
	svc, ok := e.services.Get(id.ref)
	if !ok {
		return message.Name{}, false
	}
	return svc.instance, true
}

// RegisterHost claims a host name ("foo" or "foo.local.") for addr and
// registers the reverse mapping. The first host registered becomes the
// target of every service's SRV record.
func (e *Engine) RegisterHost(name string, addr netip.Addr, cb HostCallback) (HostID, error) {
	e.lock()
	defer e.unlock()
	if e.closed {
		return HostID{}, errors.ErrClosed
	}
	label, domain, err := splitHostName(name)
	if err != nil {
		return HostID{}, err
	}
	if err := message.ValidateHostName(label); err != nil {
		return HostID{}, err
	}
	ref, err := e.hosts.Insert(hostSet{label: label, domain: domain, addr: addr, callback: cb})
	if err != nil {
		return HostID{}, err
	}
	if err := e.attachHost(ref); err != nil {
		e.hosts.Remove(ref)
		return HostID{}, err
	}
	return HostID{ref}, nil
}

func splitHostName(name string) (string, message.Name, error) {
	name = strings.TrimSuffix(name, ".")
	label, rest, _ := strings.Cut(name, ".")
	if rest == "" {
		rest = protocol.DefaultDomain
	}
	domain, err := message.ParseDomainName(rest)
	if err != nil {
		return "", message.Name{}, err
	}
	if label == "" {
		return "", message.Name{}, &errors.ValidationError{Field: "hostname", Value: name, Message: "empty host label"}
	}
	return label, domain, nil
}

func (e *Engine) attachHost(ref arena.Ref) error {
	h, _ := e.hosts.Get(ref)
	name, err := message.PrependLabel(h.label, h.domain)
	if err != nil {
		return err
	}
	set, err := records.BuildHostRecords(name, h.addr)
	if err != nil {
		return err
	}
	route := func(e *Engine, id RecordID, st Status) { e.hostRecordStatus(ref, id.ref, st) }

	a, err := e.register(set.A, route)
	if err != nil {
		return err
	}
	set.Reverse.DependentOn = a
	set.Reverse.RRSet = a
	rev, err := e.register(set.Reverse, route)
	if err != nil {
		e.drop(a)
		return err
	}

	h, _ = e.hosts.Get(ref)
	h.name, h.a, h.reverse = name, a, rev
	h.registered = false
	if e.primaryHost.IsZero() || e.primaryHost == ref {
		e.primaryHost = ref
		e.setHostName(name, a)
	}
	e.log.Info("host registering", "name", name, "addr", h.addr)
	return nil
}

// setHostName points every SRV record that follows the host at name.
func (e *Engine) setHostName(name message.Name, a arena.Ref) {
	e.hostName, e.hostA = name, a
	e.records.Each(func(_ arena.Ref, r *localRecord) bool {
		if !r.HostTarget || r.State == records.StateDeregistering {
			return true
		}
		r.Additional1 = a
		if srv, ok := r.RData.(message.ServiceRData); ok && !srv.Target.Equal(name) {
			srv.Target = name
			r.RData = srv
			if r.State == records.StateShared || r.State == records.StateVerified {
				e.restartAnnouncing(r)
			}
		}
		return true
	})
}

func (e *Engine) hostRecordStatus(ref, rec arena.Ref, st Status) {
	h, ok := e.hosts.Get(ref)
	if !ok {
		return
	}
	switch st {
	case StatusRegistered:
		if rec != h.a || h.registered || h.deregistering {
			return
		}
		h.registered = true
		e.log.Info("host registered", "name", h.name)
		if cb := h.callback; cb != nil {
			cb(e, HostID{ref}, StatusRegistered)
		}
	case StatusNameConflict:
		if h.deregistering {
			return
		}
		e.hostConflict(ref)
	case StatusDeregistered:
		if !h.deregistering || e.records.Valid(h.a) || e.records.Valid(h.reverse) {
			return
		}
		cb := h.callback
		e.removeHost(ref)
		if cb != nil {
			cb(e, HostID{ref}, StatusDeregistered)
		}
	}
}

func (e *Engine) hostConflict(ref arena.Ref) {
	h, _ := e.hosts.Get(ref)
	e.retire(h.a)
	e.retire(h.reverse)
	e.log.Info("host name conflict", "name", h.name, "renames", h.renames)
	if cb := h.callback; cb != nil {
		cb(e, HostID{ref}, StatusNameConflict)
	}

	h, ok := e.hosts.Get(ref)
	if !ok || h.deregistering {
		return
	}
	if e.cfg.DisableAutoRename || h.renames >= e.cfg.MaxRenameAttempts {
		e.giveUpHost(ref)
		return
	}
	h.renames++
	h.label = nextName(h.label)
	if err := e.attachHost(ref); err != nil {
		e.log.Warn("host rename failed", "label", h.label, "err", err)
		e.giveUpHost(ref)
		return
	}
	if cb := h.callback; cb != nil {
		cb(e, HostID{ref}, StatusRenamed)
	}
}

func (e *Engine) giveUpHost(ref arena.Ref) {
	h, ok := e.hosts.Get(ref)
	if !ok {
		return
	}
	cb := h.callback
	e.removeHost(ref)
	if cb != nil {
		cb(e, HostID{ref}, StatusDeregistered)
	}
}

func (e *Engine) removeHost(ref arena.Ref) {
	h, ok := e.hosts.Remove(ref)
	if !ok {
		return
	}
	e.log.Info("host removed", "name", h.name)
	if e.primaryHost == ref {
		e.primaryHost = arena.Ref{}
		e.hostA = arena.Ref{}
	}
}

// DeregisterHost withdraws a host's records.
func (e *Engine) DeregisterHost(id HostID) error {
	e.lock()
	defer e.unlock()
	if e.closed {
		return errors.ErrClosed
	}
	h, ok := e.hosts.Get(id.ref)
	if !ok {
		return errors.ErrUnknownRecord
	}
	if h.deregistering {
		return nil
	}
	h.deregistering = true
	a, rev := h.a, h.reverse
	if !e.records.Valid(a) && !e.records.Valid(rev) {
		e.giveUpHost(id.ref)
		return nil
	}
	_ = e.deregister(a)
	_ = e.deregister(rev)
	return nil
}

// HostFullName returns the name a host is currently using.
func (e *Engine) HostFullName(id HostID) (message.Name, bool) {
	e.lock()
	defer e.unlock()
	h, ok := e.hosts.Get(id.ref)
	if !ok {
		return message.Name{}, false
	}
	return h.name, true
}

// nextName derives the name to try after a conflict: "foo" becomes
// "foo (2)" and "foo (2)" becomes "foo (3)".
func nextName(label string) string {
	if strings.HasSuffix(label, ")") {
		if i := strings.LastIndex(label, " ("); i >= 0 {
			if n, err := strconv.Atoi(label[i+2 : len(label)-1]); err == nil && n >= 2 {
				return fmt.Sprintf("%s (%d)", label[:i], n+1)
			}
		}
	}
	return label + " (2)"
}
