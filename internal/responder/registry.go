// Package responder keeps the bookkeeping behind the public responder
// package: which services the caller registered, under which names they are
// currently advertised, and their engine handles.
package responder

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/joshuafuller/mdnscore/internal/engine"
	"github.com/joshuafuller/mdnscore/internal/errors"
)

// Service is a registry entry.
type Service struct {
	InstanceName string
	ServiceType  string
	Port         int
	TXT          map[string]string

	// ID is the engine's handle, zero until the service is handed to the
	// engine.
	ID engine.ServiceID
}

func (s *Service) clone() *Service {
	c := *s
	c.TXT = copyTXT(s.TXT)
	return &c
}

func copyTXT(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Registry is a set of services keyed by instance name. Names compare
// case-insensitively, as DNS names do.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Service
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*Service)}
}

func key(name string) string { return strings.ToLower(name) }

// Register adds s. A service with the same instance name is an error.
func (r *Registry) Register(s *Service) error {
	if s == nil || s.InstanceName == "" {
		return &errors.ValidationError{Field: "instance name", Value: "", Message: "instance name is required"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(s.InstanceName)
	if _, ok := r.services[k]; ok {
		return fmt.Errorf("service %q: %w", s.InstanceName, errors.ErrAlreadyRegistered)
	}
	r.services[k] = s.clone()
	return nil
}

// Get returns a copy of the service named name.
func (r *Registry) Get(name string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[key(name)]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// ByID returns a copy of the service with engine handle id.
func (r *Registry) ByID(id engine.ServiceID) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.services {
		if s.ID == id {
			return s.clone(), true
		}
	}
	return nil, false
}

// SetID records the engine handle for name.
func (r *Registry) SetID(name string, id engine.ServiceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.services[key(name)]
	if !ok {
		return fmt.Errorf("service %q: %w", name, errors.ErrUnknownRecord)
	}
	s.ID = id
	return nil
}

// SetTXT replaces the TXT attributes of name.
func (r *Registry) SetTXT(name string, txt map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.services[key(name)]
	if !ok {
		return fmt.Errorf("service %q: %w", name, errors.ErrUnknownRecord)
	}
	s.TXT = copyTXT(txt)
	return nil
}

// Rename moves a service to a new instance name after the engine resolved
// a conflict.
func (r *Registry) Rename(oldName, newName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.services[key(oldName)]
	if !ok {
		return fmt.Errorf("service %q: %w", oldName, errors.ErrUnknownRecord)
	}
	if key(oldName) == key(newName) {
		s.InstanceName = newName
		return nil
	}
	if _, taken := r.services[key(newName)]; taken {
		return fmt.Errorf("service %q: %w", newName, errors.ErrAlreadyRegistered)
	}
	delete(r.services, key(oldName))
	s.InstanceName = newName
	r.services[key(newName)] = s
	return nil
}

// Remove deletes the service named name.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(name)
	if _, ok := r.services[k]; !ok {
		return fmt.Errorf("service %q: %w", name, errors.ErrUnknownRecord)
	}
	delete(r.services, k)
	return nil
}

// List returns the instance names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for _, s := range r.services {
		names = append(names, s.InstanceName)
	}
	sort.Strings(names)
	return names
}

// ListServiceTypes returns each registered service type once, sorted.
func (r *Registry) ListServiceTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	types := []string{}
	for _, s := range r.services {
		k := key(s.ServiceType)
		if seen[k] {
			continue
		}
		seen[k] = true
		types = append(types, s.ServiceType)
	}
	sort.Strings(types)
	return types
}
