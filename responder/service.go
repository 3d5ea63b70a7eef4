package responder

import (
	"strings"

	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/records"
)

// Service describes a DNS-SD service instance to advertise.
type Service struct {
	// InstanceName is the user-visible name, e.g. "My Printer". After a
	// conflict Register updates it to the name actually in use.
	InstanceName string

	// ServiceType is "_service._proto", optionally followed by a domain
	// ("_http._tcp.local").
	ServiceType string

	Port       int
	TXTRecords map[string]string
}

// Validate checks the fields Register needs.
func (s *Service) Validate() error {
	if strings.TrimSpace(s.InstanceName) == "" {
		return &errors.ValidationError{Field: "InstanceName", Value: s.InstanceName, Message: "instance name cannot be empty"}
	}
	if len(s.InstanceName) > 63 {
		return &errors.ValidationError{Field: "InstanceName", Value: s.InstanceName, Message: "instance name exceeds 63 bytes"}
	}
	if _, err := records.ServiceTypeName(s.ServiceType, ""); err != nil {
		return &errors.ValidationError{Field: "ServiceType", Value: s.ServiceType, Message: "invalid service type format"}
	}
	if s.Port < 1 || s.Port > 65535 {
		return &errors.ValidationError{Field: "Port", Value: s.Port, Message: "port must be in range 1-65535"}
	}
	if _, err := records.BuildTXT(s.TXTRecords); err != nil {
		return err
	}
	return nil
}

// fullName is the service ID accepted by GetService, Unregister and
// UpdateService besides the bare instance name.
func (s *Service) fullName() string {
	return s.InstanceName + "." + s.ServiceType
}

func (s *Service) info() records.ServiceInfo {
	return records.ServiceInfo{
		InstanceName: s.InstanceName,
		ServiceType:  s.ServiceType,
		Port:         uint16(s.Port),
		TXTRecords:   s.TXTRecords,
	}
}
