package responder

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/logger"
	"github.com/joshuafuller/mdnscore/internal/message"
	"github.com/joshuafuller/mdnscore/internal/transport"
)

func newTestResponder(t *testing.T, n *transport.Network, host, addr string, opts ...Option) *Responder {
	t.Helper()
	opts = append([]Option{
		WithTransport(n.Attach(host, netip.MustParseAddr(addr))),
		WithHostname(host),
		WithLogger(logger.Discard()),
	}, opts...)
	r, err := New(context.Background(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestResponder_New(t *testing.T) {
	n := transport.NewNetwork()
	r := newTestResponder(t, n, "myhost", "10.0.0.1")

	assert.NotNil(t, r.registry)
	assert.NotNil(t, r.runner)
	assert.Equal(t, "myhost.local.", r.Hostname())
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), r.addr)
}

func TestResponder_New_WithOptions(t *testing.T) {
	tests := []struct {
		name         string
		options      []Option
		wantHostname string
		wantErr      bool
	}{
		{
			name:         "full hostname",
			options:      []Option{WithHostname("server.local")},
			wantHostname: "server.local.",
		},
		{
			name:         "explicit address",
			options:      []Option{WithAddress(netip.MustParseAddr("10.0.0.77"))},
			wantHostname: "box.local.",
		},
		{
			name:    "empty hostname",
			options: []Option{WithHostname("")},
			wantErr: true,
		},
		{
			name:    "IPv6 address",
			options: []Option{WithAddress(netip.MustParseAddr("fe80::1"))},
			wantErr: true,
		},
		{
			name:    "invalid host label",
			options: []Option{WithHostname("bad_host!")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := transport.NewNetwork()
			opts := append([]Option{
				WithTransport(n.Attach("box", netip.MustParseAddr("10.0.0.1"))),
				WithHostname("box"),
				WithLogger(logger.Discard()),
			}, tt.options...)
			r, err := New(context.Background(), opts...)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer r.Close()
			assert.Equal(t, tt.wantHostname, r.Hostname())
		})
	}
}

func TestResponder_Register_Validation(t *testing.T) {
	n := transport.NewNetwork()
	r := newTestResponder(t, n, "myhost", "10.0.0.1")

	tests := []struct {
		name        string
		service     *Service
		errContains string
	}{
		{
			name:        "empty InstanceName",
			service:     &Service{InstanceName: "", ServiceType: "_http._tcp.local", Port: 8080},
			errContains: "instance name cannot be empty",
		},
		{
			name:        "bad ServiceType",
			service:     &Service{InstanceName: "My Printer", ServiceType: "http._tcp.local", Port: 8080},
			errContains: "invalid service type format",
		},
		{
			name:        "port 0",
			service:     &Service{InstanceName: "My Printer", ServiceType: "_http._tcp.local", Port: 0},
			errContains: "port must be in range 1-65535",
		},
		{
			name:        "port too large",
			service:     &Service{InstanceName: "My Printer", ServiceType: "_http._tcp.local", Port: 70000},
			errContains: "port must be in range 1-65535",
		},
		{
			name:        "nil service",
			service:     nil,
			errContains: "service cannot be nil",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(tt.service)
			var verr *errors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
	assert.Empty(t, r.registry.List())
}

func TestResponder_Register_WaitsForProbing(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping timing test in short mode")
	}
	n := transport.NewNetwork()
	r := newTestResponder(t, n, "myhost", "10.0.0.1")

	service := &Service{InstanceName: "My Printer", ServiceType: "_http._tcp.local", Port: 8080}

	start := time.Now()
	require.NoError(t, r.Register(service))
	elapsed := time.Since(start)

	// Three probes 250ms apart, then one more interval before the name is
	// ours.
	assert.GreaterOrEqual(t, elapsed, 600*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)

	got, exists := r.registry.Get(service.InstanceName)
	require.True(t, exists)
	assert.False(t, got.ID.IsZero())
}

func TestResponder_Register_Duplicate(t *testing.T) {
	n := transport.NewNetwork()
	r := newTestResponder(t, n, "myhost", "10.0.0.1")

	service := &Service{InstanceName: "Web", ServiceType: "_http._tcp", Port: 80}
	require.NoError(t, r.Register(service))
	assert.ErrorIs(t, r.Register(&Service{InstanceName: "Web", ServiceType: "_http._tcp", Port: 80}), errors.ErrAlreadyRegistered)
}

func TestResponder_Register_RenameOnConflict(t *testing.T) {
	n := transport.NewNetwork()
	first := newTestResponder(t, n, "alpha", "10.0.0.1")
	second := newTestResponder(t, n, "beta", "10.0.0.2")

	require.NoError(t, first.Register(&Service{InstanceName: "My Service", ServiceType: "_http._tcp.local", Port: 8080}))

	svc := &Service{InstanceName: "My Service", ServiceType: "_http._tcp.local", Port: 8080}
	require.NoError(t, second.Register(svc))
	assert.Equal(t, "My Service (2)", svc.InstanceName)

	_, found := second.GetService("My Service (2)._http._tcp.local")
	assert.True(t, found)
	_, found = second.GetService("My Service")
	assert.False(t, found)
}

func TestResponder_Register_ConflictWithoutRename(t *testing.T) {
	n := transport.NewNetwork()
	first := newTestResponder(t, n, "alpha", "10.0.0.1")
	second := newTestResponder(t, n, "beta", "10.0.0.2", WithAutoRename(false))

	require.NoError(t, first.Register(&Service{InstanceName: "My Service", ServiceType: "_http._tcp.local", Port: 8080}))

	err := second.Register(&Service{InstanceName: "My Service", ServiceType: "_http._tcp.local", Port: 8080})
	assert.ErrorIs(t, err, errors.ErrNameConflict)
	assert.Empty(t, second.registry.List(), "a failed registration leaves nothing behind")
}

func TestResponder_Unregister(t *testing.T) {
	n := transport.NewNetwork()
	r := newTestResponder(t, n, "myhost", "10.0.0.1")
	observer := n.Attach("observer", netip.MustParseAddr("10.0.0.9"))

	service := &Service{InstanceName: "My Printer", ServiceType: "_http._tcp.local", Port: 8080}
	require.NoError(t, r.Register(service))
	require.NoError(t, r.Unregister(service.InstanceName))

	_, exists := r.registry.Get(service.InstanceName)
	assert.False(t, exists)
	assert.ErrorIs(t, r.Unregister(service.InstanceName), errors.ErrUnknownRecord)

	// A goodbye for the instance follows.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	instance := message.MustParseName("My Printer._http._tcp.local.")
	for {
		pkt, err := observer.Receive(ctx)
		require.NoError(t, err, "no goodbye seen")
		msg, err := message.Parse(pkt.Data)
		require.NoError(t, err)
		if !msg.Header.IsResponse() {
			continue
		}
		for _, rr := range msg.Answers {
			if rr.TTL == 0 && rr.Name.Equal(instance) {
				return
			}
		}
	}
}

func TestResponder_Close(t *testing.T) {
	n := transport.NewNetwork()
	r, err := New(context.Background(),
		WithTransport(n.Attach("myhost", netip.MustParseAddr("10.0.0.1"))),
		WithHostname("myhost"),
		WithLogger(logger.Discard()),
	)
	require.NoError(t, err)

	services := []*Service{
		{InstanceName: "Service 1", ServiceType: "_http._tcp.local", Port: 8080},
		{InstanceName: "Service 2", ServiceType: "_printer._tcp.local", Port: 9100},
	}
	for _, svc := range services {
		require.NoError(t, r.Register(svc))
	}

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	for _, svc := range services {
		_, exists := r.registry.Get(svc.InstanceName)
		assert.False(t, exists, svc.InstanceName)
	}
	assert.Error(t, r.Register(&Service{InstanceName: "Late", ServiceType: "_http._tcp", Port: 1}))
}

func TestResponder_RegisterMultipleServices(t *testing.T) {
	n := transport.NewNetwork()
	r := newTestResponder(t, n, "myhost", "10.0.0.1")

	services := []*Service{
		{InstanceName: "Web Server", ServiceType: "_http._tcp.local", Port: 8080},
		{InstanceName: "SSH Server", ServiceType: "_ssh._tcp.local", Port: 22},
		{InstanceName: "FTP Server", ServiceType: "_ftp._tcp.local", Port: 21},
	}
	for _, svc := range services {
		require.NoError(t, r.Register(svc))
	}

	for _, svc := range services {
		serviceID := svc.InstanceName + "." + svc.ServiceType
		retrieved, found := r.GetService(serviceID)
		require.True(t, found, serviceID)
		assert.Equal(t, svc.InstanceName, retrieved.InstanceName)
		assert.Equal(t, svc.ServiceType, retrieved.ServiceType)
		assert.Equal(t, svc.Port, retrieved.Port)
	}
}

func TestResponder_UnregisterOneService(t *testing.T) {
	n := transport.NewNetwork()
	r := newTestResponder(t, n, "myhost", "10.0.0.1")

	svc1 := &Service{InstanceName: "Service 1", ServiceType: "_http._tcp.local", Port: 8080}
	svc2 := &Service{InstanceName: "Service 2", ServiceType: "_ssh._tcp.local", Port: 22}
	svc3 := &Service{InstanceName: "Service 3", ServiceType: "_ftp._tcp.local", Port: 21}
	for _, svc := range []*Service{svc1, svc2, svc3} {
		require.NoError(t, r.Register(svc))
	}

	svc2ID := svc2.InstanceName + "." + svc2.ServiceType
	require.NoError(t, r.Unregister(svc2ID))

	_, found := r.GetService(svc2ID)
	assert.False(t, found)
	_, found = r.GetService(svc1.InstanceName + "." + svc1.ServiceType)
	assert.True(t, found)
	_, found = r.GetService(svc3.InstanceName + "." + svc3.ServiceType)
	assert.True(t, found)
}

func TestResponder_UpdateOneService(t *testing.T) {
	n := transport.NewNetwork()
	r := newTestResponder(t, n, "myhost", "10.0.0.1")

	svc1 := &Service{
		InstanceName: "Service 1",
		ServiceType:  "_http._tcp.local",
		Port:         8080,
		TXTRecords:   map[string]string{"version": "1.0"},
	}
	svc2 := &Service{
		InstanceName: "Service 2",
		ServiceType:  "_ssh._tcp.local",
		Port:         22,
		TXTRecords:   map[string]string{"version": "2.0"},
	}
	for _, svc := range []*Service{svc1, svc2} {
		require.NoError(t, r.Register(svc))
	}

	svc1ID := svc1.InstanceName + "." + svc1.ServiceType
	require.NoError(t, r.UpdateService(svc1ID, map[string]string{"version": "1.1", "status": "updated"}))

	retrieved1, found := r.GetService(svc1ID)
	require.True(t, found)
	assert.Equal(t, "1.1", retrieved1.TXTRecords["version"])
	assert.Equal(t, "updated", retrieved1.TXTRecords["status"])

	retrieved2, found := r.GetService(svc2.InstanceName)
	require.True(t, found)
	assert.Equal(t, "2.0", retrieved2.TXTRecords["version"])

	assert.ErrorIs(t, r.UpdateService("missing", nil), errors.ErrUnknownRecord)
}

func TestSystemHostLabel(t *testing.T) {
	label := systemHostLabel()
	require.NotEmpty(t, label)
	assert.NoError(t, message.ValidateHostName(label))
}
