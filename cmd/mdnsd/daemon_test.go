package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuafuller/mdnscore/internal/config"
	"github.com/joshuafuller/mdnscore/internal/transport"
	"github.com/joshuafuller/mdnscore/querier"
)

// memoryDeps attaches the daemon's responder and querier to n.
func memoryDeps(n *transport.Network) deps {
	addrs := map[string]netip.Addr{
		"responder": netip.MustParseAddr("10.0.0.1"),
		"querier":   netip.MustParseAddr("10.0.0.2"),
	}
	return deps{
		transport: func(role string) (transport.Transport, error) {
			return n.Attach("mdnsd-"+role, addrs[role]), nil
		},
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Hostname = "nas"
	cfg.MetricsAddr = ""
	cfg.Services = []config.Service{
		{Name: "NAS Web", Type: "_http._tcp", Port: 80, TXT: map[string]string{"path": "/"}},
	}
	return cfg
}

func TestDaemon_AdvertisesServices(t *testing.T) {
	n := transport.NewNetwork()
	d, err := newDaemon(testConfig(), memoryDeps(n))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.close() })
	assert.Equal(t, "nas.local.", d.responder.Hostname())

	q, err := querier.New(querier.WithTransport(n.Attach("client", netip.MustParseAddr("10.0.0.50"))))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	resp, err := q.Query(ctx, "NAS Web._http._tcp.local", querier.RecordTypeSRV)
	require.NoError(t, err)
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "nas.local.", resp.Records[0].AsSRV().Target)
}

func TestDaemon_Browse(t *testing.T) {
	n := transport.NewNetwork()
	cfg := testConfig()
	cfg.Browse = []string{"_http._tcp"}
	cfg.Interval = 2 * time.Second
	cfg.Window = time.Second

	d, err := newDaemon(cfg, memoryDeps(n))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()

	assert.Eventually(t, func() bool {
		names := d.discovered("_http._tcp")
		return len(names) == 1 && names[0] == "NAS Web._http._tcp.local."
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemon_Metrics(t *testing.T) {
	n := transport.NewNetwork()
	cfg := testConfig()
	cfg.MetricsAddr = "127.0.0.1:0"

	d, err := newDaemon(cfg, memoryDeps(n))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + d.listener.Addr().String() + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil || resp.StatusCode != http.StatusOK {
			return false
		}
		body = string(b)
		return true
	}, 5*time.Second, 50*time.Millisecond)

	assert.Contains(t, body, `mdnscore_packets_total{direction="out",engine="responder"`)
	assert.Contains(t, body, "go_goroutines")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemon_RegisterFailureCloses(t *testing.T) {
	n := transport.NewNetwork()
	cfg := testConfig()
	cfg.Services = append(cfg.Services, cfg.Services[0])

	_, err := newDaemon(cfg, memoryDeps(n))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "register NAS Web._http._tcp")
}

func TestRun_Check(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mdnsd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
hostname = "nas"

[[service]]
name = "NAS Web"
type = "_http._tcp"
port = 80
`), 0o600))

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-config", path, "-check"}, &out))
	assert.Contains(t, out.String(), "ok, 1 services, 0 browse types")
}

func TestRun_BadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mdnsd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`cache_size = -3`), 0o600))

	err := run(context.Background(), []string{"-config", path, "-check"}, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache size cannot be negative")
}

func TestRun_BadFlag(t *testing.T) {
	err := run(context.Background(), []string{"-nope"}, io.Discard)
	assert.Error(t, err)
}
