package responder

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuafuller/mdnscore/internal/engine"
	"github.com/joshuafuller/mdnscore/internal/errors"
)

func TestRegistry_Register(t *testing.T) {
	registry := NewRegistry()

	service := &Service{
		InstanceName: "My Printer",
		ServiceType:  "_http._tcp.local",
		Port:         8080,
		TXT:          map[string]string{"path": "/"},
	}
	require.NoError(t, registry.Register(service))

	got, exists := registry.Get("my printer")
	require.True(t, exists, "lookup is case-insensitive")
	assert.Equal(t, service.InstanceName, got.InstanceName)
	assert.Equal(t, "/", got.TXT["path"])

	// The registry keeps its own copy.
	service.TXT["path"] = "/changed"
	got, _ = registry.Get("My Printer")
	assert.Equal(t, "/", got.TXT["path"])
}

func TestRegistry_Register_Invalid(t *testing.T) {
	registry := NewRegistry()
	var verr *errors.ValidationError
	assert.ErrorAs(t, registry.Register(&Service{ServiceType: "_http._tcp"}), &verr)
	assert.ErrorAs(t, registry.Register(nil), &verr)
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	registry := NewRegistry()

	service := &Service{
		InstanceName: "My Printer",
		ServiceType:  "_http._tcp.local",
		Port:         8080,
	}
	require.NoError(t, registry.Register(service))
	assert.ErrorIs(t, registry.Register(service), errors.ErrAlreadyRegistered)
}

func TestRegistry_Get_NotFound(t *testing.T) {
	registry := NewRegistry()
	_, exists := registry.Get("non-existent")
	assert.False(t, exists)
}

func TestRegistry_Remove(t *testing.T) {
	registry := NewRegistry()
	service := &Service{InstanceName: "My Printer", ServiceType: "_http._tcp.local", Port: 8080}
	require.NoError(t, registry.Register(service))

	require.NoError(t, registry.Remove(service.InstanceName))
	_, exists := registry.Get(service.InstanceName)
	assert.False(t, exists)
}

func TestRegistry_Remove_NotFound(t *testing.T) {
	registry := NewRegistry()
	assert.ErrorIs(t, registry.Remove("non-existent"), errors.ErrUnknownRecord)
}

func TestRegistry_Rename(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(&Service{InstanceName: "Printer", ServiceType: "_ipp._tcp", Port: 631}))
	require.NoError(t, registry.Register(&Service{InstanceName: "Scanner", ServiceType: "_scan._tcp", Port: 1}))

	require.NoError(t, registry.Rename("Printer", "Printer (2)"))
	_, exists := registry.Get("Printer")
	assert.False(t, exists)
	got, exists := registry.Get("Printer (2)")
	require.True(t, exists)
	assert.Equal(t, "Printer (2)", got.InstanceName)
	assert.Equal(t, 631, got.Port)

	assert.ErrorIs(t, registry.Rename("Printer (2)", "scanner"), errors.ErrAlreadyRegistered)
	assert.ErrorIs(t, registry.Rename("missing", "other"), errors.ErrUnknownRecord)

	// A change of case only keeps the entry.
	require.NoError(t, registry.Rename("Printer (2)", "PRINTER (2)"))
	got, _ = registry.Get("printer (2)")
	assert.Equal(t, "PRINTER (2)", got.InstanceName)
}

func TestRegistry_IDAndTXT(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(&Service{InstanceName: "Web", ServiceType: "_http._tcp", Port: 80}))

	_, found := registry.ByID(engine.ServiceID{})
	assert.True(t, found, "unassigned services carry the zero ID")

	require.NoError(t, registry.SetTXT("Web", map[string]string{"v": "2"}))
	got, _ := registry.Get("Web")
	assert.Equal(t, map[string]string{"v": "2"}, got.TXT)

	assert.ErrorIs(t, registry.SetTXT("nope", nil), errors.ErrUnknownRecord)
	assert.ErrorIs(t, registry.SetID("nope", engine.ServiceID{}), errors.ErrUnknownRecord)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	registry := NewRegistry()

	var wg sync.WaitGroup
	numGoroutines := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			service := &Service{
				InstanceName: formatInstanceName("Service", id),
				ServiceType:  "_http._tcp.local",
				Port:         8080 + id,
			}
			assert.NoError(t, registry.Register(service))
		}(i)
	}
	wg.Wait()

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			instanceName := formatInstanceName("Service", id)
			_, exists := registry.Get(instanceName)
			assert.True(t, exists, instanceName)
		}(i)
	}
	wg.Wait()
}

func TestRegistry_ConcurrentReadWrite(_ *testing.T) {
	registry := NewRegistry()

	for i := 0; i < 10; i++ {
		_ = registry.Register(&Service{
			InstanceName: formatInstanceName("Service", i),
			ServiceType:  "_http._tcp.local",
			Port:         8080 + i,
		})
	}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				registry.Get(formatInstanceName("Service", j%10))
			}
		}()
	}
	for i := 10; i < 20; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_ = registry.Register(&Service{
				InstanceName: formatInstanceName("Service", id),
				ServiceType:  "_http._tcp.local",
				Port:         8080 + id,
			})
		}(i)
	}
	wg.Wait()
}

func TestRegistry_ListServiceTypes(t *testing.T) {
	tests := []struct {
		name     string
		services []*Service
		want     []string
	}{
		{
			name: "distinct types",
			services: []*Service{
				{InstanceName: "Web1", ServiceType: "_http._tcp.local", Port: 8080},
				{InstanceName: "SSH1", ServiceType: "_ssh._tcp.local", Port: 22},
				{InstanceName: "FTP1", ServiceType: "_ftp._tcp.local", Port: 21},
			},
			want: []string{"_ftp._tcp.local", "_http._tcp.local", "_ssh._tcp.local"},
		},
		{
			name: "duplicates collapse",
			services: []*Service{
				{InstanceName: "Web1", ServiceType: "_http._tcp.local", Port: 8080},
				{InstanceName: "Web2", ServiceType: "_http._tcp.local", Port: 8081},
				{InstanceName: "Web3", ServiceType: "_http._tcp.local", Port: 8082},
			},
			want: []string{"_http._tcp.local"},
		},
		{
			name: "empty",
			want: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			for _, svc := range tt.services {
				require.NoError(t, registry.Register(svc))
			}
			types := registry.ListServiceTypes()
			require.NotNil(t, types)
			assert.Equal(t, tt.want, types)
		})
	}
}

func formatInstanceName(prefix string, id int) string {
	return fmt.Sprintf("%s-%d", prefix, id)
}

func TestRegistry_List(t *testing.T) {
	registry := NewRegistry()
	assert.Empty(t, registry.List())

	for _, svc := range []*Service{
		{InstanceName: "Service 2", ServiceType: "_ssh._tcp.local", Port: 22},
		{InstanceName: "Service 1", ServiceType: "_http._tcp.local", Port: 8080},
		{InstanceName: "Service 3", ServiceType: "_ftp._tcp.local", Port: 21},
	} {
		require.NoError(t, registry.Register(svc))
	}
	assert.Equal(t, []string{"Service 1", "Service 2", "Service 3"}, registry.List())

	require.NoError(t, registry.Remove("Service 2"))
	assert.Equal(t, []string{"Service 1", "Service 3"}, registry.List())
}

func TestRegistry_List_Concurrent(t *testing.T) {
	registry := NewRegistry()
	for i := 0; i < 10; i++ {
		_ = registry.Register(&Service{
			InstanceName: formatInstanceName("Service", i),
			ServiceType:  "_http._tcp.local",
			Port:         8080 + i,
		})
	}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.GreaterOrEqual(t, len(registry.List()), 10)
		}()
	}
	for i := 10; i < 20; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_ = registry.Register(&Service{
				InstanceName: formatInstanceName("Service", id),
				ServiceType:  "_http._tcp.local",
				Port:         8080 + id,
			})
		}(i)
	}
	wg.Wait()
}
