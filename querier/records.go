package querier

import (
	"net"
	"sort"

	"github.com/joshuafuller/mdnscore/internal/engine"
	"github.com/joshuafuller/mdnscore/internal/message"
	"github.com/joshuafuller/mdnscore/internal/protocol"
)

// RecordType is the DNS TYPE asked for in a query.
//
//	response, _ := q.Query(ctx, "printer.local", querier.RecordTypeA)
//	response, _ = q.Query(ctx, "_http._tcp.local", querier.RecordTypePTR)
type RecordType uint16

const (
	// RecordTypeA asks for IPv4 addresses of a host.
	RecordTypeA RecordType = RecordType(protocol.RecordTypeA)

	// RecordTypePTR enumerates the instances of a service type.
	RecordTypePTR RecordType = RecordType(protocol.RecordTypePTR)

	// RecordTypeTXT asks for a service instance's key=value attributes.
	RecordTypeTXT RecordType = RecordType(protocol.RecordTypeTXT)

	// RecordTypeSRV asks for a service instance's target host and port.
	RecordTypeSRV RecordType = RecordType(protocol.RecordTypeSRV)
)

// String returns the mnemonic, e.g. "PTR".
func (r RecordType) String() string {
	return protocol.RecordType(r).String()
}

func (r RecordType) supported() bool {
	switch r {
	case RecordTypeA, RecordTypePTR, RecordTypeTXT, RecordTypeSRV:
		return true
	}
	return false
}

// Response holds the distinct records seen while a query ran. An empty
// Records slice means nobody answered; that is not an error.
//
//	for _, record := range response.Records {
//	    if ip := record.AsA(); ip != nil {
//	        fmt.Printf("Found device at %s\n", ip)
//	    }
//	}
type Response struct {
	Records []ResourceRecord
}

// ResourceRecord is one answer. Data holds the parsed RDATA:
//   - A: net.IP
//   - PTR: string
//   - SRV: SRVData
//   - TXT: []string
//
// Use AsA, AsPTR, AsSRV or AsTXT rather than asserting on Data.
type ResourceRecord struct {
	Data interface{}

	// Name is the owner name, e.g. "printer.local.".
	Name string

	// TTL is the remaining lifetime in seconds when the answer arrived.
	TTL uint32

	Type  RecordType
	Class uint16

	// InterfaceIndex is the interface the answer was received on.
	InterfaceIndex int
}

// SRVData is the RDATA of an SRV record.
type SRVData struct {
	// Target is the host name providing the service. Resolve it with an A
	// query.
	Target string

	Priority uint16
	Weight   uint16
	Port     uint16
}

// AsA returns the IPv4 address of an A record, or nil.
func (r *ResourceRecord) AsA() net.IP {
	if r.Type != RecordTypeA {
		return nil
	}
	ip, ok := r.Data.(net.IP)
	if !ok {
		return nil
	}
	return ip
}

// AsPTR returns the target of a PTR record, or "".
func (r *ResourceRecord) AsPTR() string {
	if r.Type != RecordTypePTR {
		return ""
	}
	target, ok := r.Data.(string)
	if !ok {
		return ""
	}
	return target
}

// AsSRV returns the data of an SRV record, or nil.
func (r *ResourceRecord) AsSRV() *SRVData {
	if r.Type != RecordTypeSRV {
		return nil
	}
	srv, ok := r.Data.(SRVData)
	if !ok {
		return nil
	}
	return &srv
}

// AsTXT returns the strings of a TXT record, or nil.
func (r *ResourceRecord) AsTXT() []string {
	if r.Type != RecordTypeTXT {
		return nil
	}
	txt, ok := r.Data.([]string)
	if !ok {
		return nil
	}
	return txt
}

// fromAnswer converts an engine answer. Record types the package does not
// expose come back with ok false.
func fromAnswer(a engine.Answer) (ResourceRecord, bool) {
	rr := ResourceRecord{
		Name:           a.Name.String(),
		TTL:            a.TTL,
		Type:           RecordType(a.Type),
		Class:          uint16(a.Class),
		InterfaceIndex: a.InterfaceID,
	}
	switch rd := a.RData.(type) {
	case message.AddressRData:
		rr.Data = net.IP(rd.IP().AsSlice())
	case message.NameRData:
		rr.Data = rd.Name.String()
	case message.ServiceRData:
		rr.Data = SRVData{Target: rd.Target.String(), Priority: rd.Priority, Weight: rd.Weight, Port: rd.Port}
	case message.TextRData:
		rr.Data = rd.Strings()
	default:
		return ResourceRecord{}, false
	}
	return rr, rr.Type.supported()
}

// answerSet collects answers, keeping one entry per record and dropping
// records that said goodbye.
type answerSet struct {
	keys    []string
	records map[string]ResourceRecord
}

func newAnswerSet() *answerSet {
	return &answerSet{records: make(map[string]ResourceRecord)}
}

func (s *answerSet) add(a engine.Answer) {
	key := a.Name.Lower().String() + " " + a.Type.String() + " " + message.RDataString(a.RData)
	if a.Removed() {
		delete(s.records, key)
		return
	}
	rr, ok := fromAnswer(a)
	if !ok {
		return
	}
	if _, seen := s.records[key]; !seen {
		s.keys = append(s.keys, key)
	}
	s.records[key] = rr
}

// list returns the records in arrival order.
func (s *answerSet) list() []ResourceRecord {
	out := make([]ResourceRecord, 0, len(s.records))
	for _, k := range s.keys {
		if rr, ok := s.records[k]; ok {
			out = append(out, rr)
		}
	}
	return out
}

// ServiceInstance is a browsed service, resolved as far as answers allowed.
type ServiceInstance struct {
	// Name is the full instance name, e.g. "My Printer._ipp._tcp.local.".
	Name string

	// InstanceName is the first label of Name, e.g. "My Printer".
	InstanceName string

	// Host and Port come from the SRV record; both are empty if it never
	// arrived.
	Host string
	Port uint16

	Addrs []net.IP
	TXT   map[string]string
}

func sortInstances(s []ServiceInstance) {
	sort.Slice(s, func(i, j int) bool { return s[i].Name < s[j].Name })
}
