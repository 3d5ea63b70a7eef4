package querier

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuafuller/mdnscore/internal/transport"
)

// TestInterop_HashicorpServer browses for a service published by an
// independent mDNS server over the real network. It needs multicast, so it
// only runs when MDNSCORE_INTEROP is set.
func TestInterop_HashicorpServer(t *testing.T) {
	if os.Getenv("MDNSCORE_INTEROP") == "" {
		t.Skip("set MDNSCORE_INTEROP=1 to run against the real network")
	}

	ifaces, err := transport.DiscoverInterfaces()
	require.NoError(t, err)
	require.NotEmpty(t, ifaces)
	ip := net.IP(ifaces[0].Addr.AsSlice())

	service, err := mdns.NewMDNSService("Hashicorp Peer", "_mdnscoreinterop._tcp", "local.", "hashicorp-peer.local.", 5151, []net.IP{ip}, []string{"impl=hashicorp"})
	require.NoError(t, err)
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	require.NoError(t, err)
	defer func() { _ = server.Shutdown() }()

	q, err := New()
	require.NoError(t, err)
	defer func() { _ = q.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	found, err := q.Browse(ctx, "_mdnscoreinterop._tcp")
	require.NoError(t, err)
	require.Len(t, found, 1)

	peer := found[0]
	assert.Equal(t, "Hashicorp Peer", peer.InstanceName)
	assert.Equal(t, "hashicorp-peer.local.", peer.Host)
	assert.Equal(t, uint16(5151), peer.Port)
	assert.Equal(t, "hashicorp", peer.TXT["impl"])
	require.NotEmpty(t, peer.Addrs)
	assert.True(t, peer.Addrs[0].Equal(ip))
}
