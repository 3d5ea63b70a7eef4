package records

import (
	"fmt"
	"net/netip"
	"sort"

	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/message"
	"github.com/joshuafuller/mdnscore/internal/protocol"
)

// ServiceInfo describes one DNS-SD service instance (RFC 6763 §4.1).
type ServiceInfo struct {
	InstanceName string            // "My Printer"
	ServiceType  string            // "_http._tcp" or "_http._tcp.local."
	Domain       string            // defaults to "local."
	Port         uint16            // advertised in the SRV record
	TXTRecords   map[string]string // key=value pairs, may be empty
}

// ServiceRecords is the record set advertising one service instance.
type ServiceRecords struct {
	PTR Record // <type>.<domain> → <instance>.<type>.<domain>, shared
	SRV Record // <instance> → host:port, unique
	TXT Record // <instance> → attributes, unique
}

// HostRecords is the address record of a host plus its reverse mapping.
type HostRecords struct {
	A       Record // <host>.local → address, unique
	Reverse Record // d.c.b.a.in-addr.arpa → <host>.local, unique
}

// ServiceTypeName resolves a service type string against domain.
func ServiceTypeName(serviceType, domain string) (message.Name, error) {
	typ, err := message.ParseDomainName(serviceType)
	if err != nil {
		return message.Name{}, err
	}
	labels := typ.Labels()
	if len(labels) < 2 || labels[0] == "" || labels[0][0] != '_' || labels[1] == "" || labels[1][0] != '_' {
		return message.Name{}, &errors.ValidationError{
			Field:   "service type",
			Value:   serviceType,
			Message: "expected _service._proto per RFC 6763 §7",
		}
	}
	if len(labels) > 2 {
		return typ, nil
	}
	if domain == "" {
		domain = protocol.DefaultDomain
	}
	d, err := message.ParseDomainName(domain)
	if err != nil {
		return message.Name{}, err
	}
	return typ.Join(d)
}

// BuildServiceRecords builds the PTR, SRV and TXT records for s. The SRV
// target is host. Cross-record links are left to the registering engine.
func BuildServiceRecords(s *ServiceInfo, host message.Name) (*ServiceRecords, error) {
	typ, err := ServiceTypeName(s.ServiceType, s.Domain)
	if err != nil {
		return nil, err
	}
	instance, err := message.PrependLabel(s.InstanceName, typ)
	if err != nil {
		return nil, err
	}
	txt, err := BuildTXT(s.TXTRecords)
	if err != nil {
		return nil, err
	}

	set := &ServiceRecords{
		PTR: Record{
			Name:        typ,
			Type:        protocol.RecordTypePTR,
			Class:       protocol.ClassIN,
			RData:       message.NameRData{Name: instance},
			OriginalTTL: GetTTLForRecordType(protocol.RecordTypePTR),
			State:       StateShared,
		},
		SRV: Record{
			Name:        instance,
			Type:        protocol.RecordTypeSRV,
			Class:       protocol.ClassIN,
			RData:       message.ServiceRData{Port: s.Port, Target: host},
			OriginalTTL: GetTTLForRecordType(protocol.RecordTypeSRV),
			CacheFlush:  true,
			State:       StateUnique,
			HostTarget:  true,
		},
		TXT: Record{
			Name:        instance,
			Type:        protocol.RecordTypeTXT,
			Class:       protocol.ClassIN,
			RData:       txt,
			OriginalTTL: GetTTLForRecordType(protocol.RecordTypeTXT),
			CacheFlush:  true,
			State:       StateUnique,
		},
	}
	return set, nil
}

// BuildHostRecords builds the address and reverse-mapping records for a
// host name. Only IPv4 addresses are supported.
func BuildHostRecords(host message.Name, addr netip.Addr) (*HostRecords, error) {
	a, err := buildARecord(host, addr)
	if err != nil {
		return nil, err
	}
	ip := addr.Unmap().As4()
	reverse, err := message.ParseDomainName(fmt.Sprintf("%d.%d.%d.%d.%s", ip[3], ip[2], ip[1], ip[0], protocol.ReverseIPv4Suffix))
	if err != nil {
		return nil, err
	}
	return &HostRecords{
		A: *a,
		Reverse: Record{
			Name:        reverse,
			Type:        protocol.RecordTypePTR,
			Class:       protocol.ClassIN,
			RData:       message.NameRData{Name: host},
			OriginalTTL: protocol.TTLHostname,
			CacheFlush:  true,
			State:       StateUnique,
		},
	}, nil
}

func buildARecord(host message.Name, addr netip.Addr) (*Record, error) {
	rd, err := message.NewAddressRData(addr)
	if err != nil {
		return nil, err
	}
	return &Record{
		Name:        host,
		Type:        protocol.RecordTypeA,
		Class:       protocol.ClassIN,
		RData:       rd,
		OriginalTTL: GetTTLForRecordType(protocol.RecordTypeA),
		CacheFlush:  true,
		State:       StateUnique,
	}, nil
}

// BuildTXT encodes key/value pairs as TXT rdata, keys sorted so the
// encoding is stable. An empty map yields the single zero byte RFC 6763 §6
// requires.
func BuildTXT(kv map[string]string) (message.TextRData, error) {
	data, err := buildTXTRecord(kv)
	if err != nil {
		return message.TextRData{}, err
	}
	return message.TextRData{Data: data}, nil
}

func buildTXTRecord(kv map[string]string) ([]byte, error) {
	if len(kv) == 0 {
		return []byte{0x00}, nil
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var data []byte
	for _, k := range keys {
		if k == "" {
			return nil, &errors.ValidationError{Field: "txt", Value: k, Message: "empty key"}
		}
		entry := k + "=" + kv[k]
		if len(entry) > 255 {
			return nil, &errors.ValidationError{Field: "txt", Value: k, Message: "key=value exceeds 255 bytes per RFC 6763 §6.1"}
		}
		data = append(data, byte(len(entry)))
		data = append(data, entry...)
	}
	return data, nil
}

// ParseTXT decodes TXT rdata into key/value pairs. Strings without '=' are
// boolean attributes and map to "".
func ParseTXT(rd message.TextRData) map[string]string {
	out := make(map[string]string)
	for _, s := range rd.Strings() {
		if s == "" {
			continue
		}
		k, v := s, ""
		for i := 0; i < len(s); i++ {
			if s[i] == '=' {
				k, v = s[:i], s[i+1:]
				break
			}
		}
		if _, dup := out[k]; !dup {
			out[k] = v
		}
	}
	return out
}

// MulticastLimiter enforces the per-record, per-interface multicast rate
// limit of RFC 6762 §6.2: at most once per second, or once per 250 ms when
// defending a name against a probe.
type MulticastLimiter struct {
	ticksPerSecond int64
	last           map[limiterKey]int64
}

type limiterKey struct {
	id    string
	iface int
}

// NewMulticastLimiter returns an empty limiter for the given tick rate.
func NewMulticastLimiter(ticksPerSecond int64) *MulticastLimiter {
	return &MulticastLimiter{ticksPerSecond: ticksPerSecond, last: make(map[limiterKey]int64)}
}

func keyFor(r *Record, iface int) limiterKey {
	id := string(r.Name.Lower().Wire()) + fmt.Sprintf("/%d/%d/", r.Type, r.Class) + string(message.CanonicalRData(r.RData))
	return limiterKey{id: id, iface: iface}
}

// CanMulticast reports whether r may be multicast on iface at now.
func (l *MulticastLimiter) CanMulticast(r *Record, iface int, now int64) bool {
	return l.allowed(r, iface, now, l.ticksPerSecond)
}

// CanMulticastProbeDefense applies the shorter 250 ms limit.
func (l *MulticastLimiter) CanMulticastProbeDefense(r *Record, iface int, now int64) bool {
	return l.allowed(r, iface, now, l.ticksPerSecond/4)
}

func (l *MulticastLimiter) allowed(r *Record, iface int, now, gap int64) bool {
	last, ok := l.last[keyFor(r, iface)]
	return !ok || now-last >= gap
}

// RecordMulticast notes that r was multicast on iface at now.
func (l *MulticastLimiter) RecordMulticast(r *Record, iface int, now int64) {
	l.last[keyFor(r, iface)] = now
}

// Prune forgets entries older than the one-second window.
func (l *MulticastLimiter) Prune(now int64) {
	for k, t := range l.last {
		if now-t >= l.ticksPerSecond {
			delete(l.last, k)
		}
	}
}
