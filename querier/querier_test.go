package querier

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuafuller/mdnscore/internal/engine"
	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/logger"
	"github.com/joshuafuller/mdnscore/internal/message"
	"github.com/joshuafuller/mdnscore/internal/protocol"
	"github.com/joshuafuller/mdnscore/internal/transport"
	"github.com/joshuafuller/mdnscore/responder"
)

func newTestQuerier(t testing.TB, n *transport.Network, opts ...Option) *Querier {
	t.Helper()
	opts = append([]Option{
		WithTransport(n.Attach("querier", netip.MustParseAddr("10.0.0.100"))),
		WithLogger(logger.Discard()),
	}, opts...)
	q, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// newPrinter starts a responder for host "printer" at 10.0.0.5 and
// registers services on it. Register returns once each name is ours.
func newPrinter(t testing.TB, n *transport.Network, services ...*responder.Service) {
	t.Helper()
	r, err := responder.New(context.Background(),
		responder.WithTransport(n.Attach("printer", netip.MustParseAddr("10.0.0.5"))),
		responder.WithHostname("printer"),
		responder.WithLogger(logger.Discard()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	for _, svc := range services {
		require.NoError(t, r.Register(svc))
	}
}

func TestNew_Options(t *testing.T) {
	tests := []struct {
		name     string
		option   Option
		errorMsg string
	}{
		{"zero timeout", WithTimeout(0), "timeout must be greater than 0"},
		{"negative timeout", WithTimeout(-time.Second), "timeout must be greater than 0"},
		{"empty interface list", WithInterfaces(), "interface list cannot be empty"},
		{"nil transport", WithTransport(nil), "transport cannot be nil"},
		{"no cache", WithCacheSize(0), "a querier needs a cache"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.option)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
			var verr *errors.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestWithTimeout(t *testing.T) {
	q := newTestQuerier(t, transport.NewNetwork(), WithTimeout(2*time.Second))
	assert.Equal(t, 2*time.Second, q.defaultTimeout)
}

func TestQuery_Validation(t *testing.T) {
	q := newTestQuerier(t, transport.NewNetwork())
	ctx := context.Background()

	_, err := q.Query(ctx, "", RecordTypeA)
	var verr *errors.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = q.Query(ctx, "host.local", RecordType(protocol.RecordTypeAAAA))
	assert.ErrorAs(t, err, &verr)

	_, err = q.Query(ctx, "bad..name.local", RecordTypeA)
	assert.ErrorAs(t, err, &verr)
}

func TestQuery_NoAnswerIsNotAnError(t *testing.T) {
	q := newTestQuerier(t, transport.NewNetwork())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	resp, err := q.Query(ctx, "nobody.local", RecordTypeA)
	require.NoError(t, err)
	assert.Empty(t, resp.Records)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond, "query runs for the whole window")
}

func TestQuery_DefaultTimeout(t *testing.T) {
	q := newTestQuerier(t, transport.NewNetwork(), WithTimeout(100*time.Millisecond))

	start := time.Now()
	resp, err := q.Query(context.Background(), "nobody.local", RecordTypeA)
	require.NoError(t, err)
	assert.Empty(t, resp.Records)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestQuery_Cancelled(t *testing.T) {
	q := newTestQuerier(t, transport.NewNetwork())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	resp, err := q.Query(ctx, "nobody.local", RecordTypeA)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, resp)
}

func TestQuery_ResolvesHost(t *testing.T) {
	n := transport.NewNetwork()
	newPrinter(t, n, &responder.Service{InstanceName: "Office", ServiceType: "_ipp._tcp", Port: 631})
	q := newTestQuerier(t, n)

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	resp, err := q.Query(ctx, "printer.local", RecordTypeA)
	require.NoError(t, err)
	require.Len(t, resp.Records, 1)

	rec := resp.Records[0]
	assert.Equal(t, "printer.local.", rec.Name)
	assert.Equal(t, RecordTypeA, rec.Type)
	assert.True(t, rec.AsA().Equal(net.ParseIP("10.0.0.5")), "got %v", rec.AsA())
	assert.NotZero(t, rec.TTL)
}

func TestQuery_ServiceInstances(t *testing.T) {
	n := transport.NewNetwork()
	newPrinter(t, n,
		&responder.Service{InstanceName: "Office", ServiceType: "_ipp._tcp", Port: 631},
		&responder.Service{InstanceName: "Lobby", ServiceType: "_ipp._tcp", Port: 632},
		&responder.Service{InstanceName: "Admin", ServiceType: "_http._tcp", Port: 80},
	)
	q := newTestQuerier(t, n)

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	resp, err := q.Query(ctx, "_ipp._tcp.local", RecordTypePTR)
	require.NoError(t, err)

	var targets []string
	for _, rec := range resp.Records {
		targets = append(targets, rec.AsPTR())
	}
	assert.ElementsMatch(t, []string{"Office._ipp._tcp.local.", "Lobby._ipp._tcp.local."}, targets)
}

func TestQuery_SRVAndTXT(t *testing.T) {
	n := transport.NewNetwork()
	newPrinter(t, n, &responder.Service{
		InstanceName: "Office",
		ServiceType:  "_ipp._tcp",
		Port:         631,
		TXTRecords:   map[string]string{"rp": "ipp/print"},
	})
	q := newTestQuerier(t, n)

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	resp, err := q.Query(ctx, "Office._ipp._tcp.local", RecordTypeSRV)
	require.NoError(t, err)
	require.Len(t, resp.Records, 1)
	srv := resp.Records[0].AsSRV()
	require.NotNil(t, srv)
	assert.Equal(t, uint16(631), srv.Port)
	assert.Equal(t, "printer.local.", srv.Target)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel2()
	resp, err = q.Query(ctx2, "Office._ipp._tcp.local", RecordTypeTXT)
	require.NoError(t, err)
	require.Len(t, resp.Records, 1)
	assert.Equal(t, []string{"rp=ipp/print"}, resp.Records[0].AsTXT())
}

func TestBrowse(t *testing.T) {
	n := transport.NewNetwork()
	newPrinter(t, n,
		&responder.Service{InstanceName: "Office", ServiceType: "_ipp._tcp", Port: 631, TXTRecords: map[string]string{"color": "T"}},
		&responder.Service{InstanceName: "Lobby", ServiceType: "_ipp._tcp", Port: 632},
	)
	q := newTestQuerier(t, n)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	services, err := q.Browse(ctx, "_ipp._tcp")
	require.NoError(t, err)
	require.Len(t, services, 2)

	lobby, office := services[0], services[1]
	assert.Equal(t, "Lobby", lobby.InstanceName)
	assert.Equal(t, uint16(632), lobby.Port)

	assert.Equal(t, "Office._ipp._tcp.local.", office.Name)
	assert.Equal(t, "printer.local.", office.Host)
	assert.Equal(t, uint16(631), office.Port)
	assert.Equal(t, map[string]string{"color": "T"}, office.TXT)
	require.Len(t, office.Addrs, 1)
	assert.True(t, office.Addrs[0].Equal(net.ParseIP("10.0.0.5")))
}

func TestBrowse_InvalidType(t *testing.T) {
	q := newTestQuerier(t, transport.NewNetwork())
	_, err := q.Browse(context.Background(), "http")
	var verr *errors.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestClose(t *testing.T) {
	q := newTestQuerier(t, transport.NewNetwork())
	require.NoError(t, q.Close())
	assert.NoError(t, q.Close(), "Close is idempotent")

	_, err := q.Query(context.Background(), "host.local", RecordTypeA)
	assert.ErrorIs(t, err, errors.ErrClosed)
}

func TestConcurrentQueries(t *testing.T) {
	q := newTestQuerier(t, transport.NewNetwork())

	const numQueries = 100
	results := make(chan error, numQueries)
	for i := 0; i < numQueries; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()
			_, err := q.Query(ctx, "concurrent.local", RecordTypeA)
			results <- err
		}()
	}
	for i := 0; i < numQueries; i++ {
		select {
		case err := <-results:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("queries did not finish")
		}
	}
}

func TestAnswerSet(t *testing.T) {
	name := message.MustParseName("printer.local.")
	a := engine.Answer{
		Name:  name,
		Type:  protocol.RecordTypeA,
		Class: protocol.ClassIN,
		RData: message.AddressRData{Addr: [4]byte{10, 0, 0, 5}},
		TTL:   120,
	}
	b := a
	b.RData = message.AddressRData{Addr: [4]byte{10, 0, 0, 6}}

	set := newAnswerSet()
	set.add(a)
	set.add(b)
	set.add(a)
	require.Len(t, set.list(), 2, "repeated answers collapse")

	gone := a
	gone.TTL = 0
	set.add(gone)
	recs := set.list()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].AsA().Equal(net.ParseIP("10.0.0.6")))

	set.add(engine.Answer{Name: name, Type: protocol.RecordTypeAAAA, RData: message.OpaqueRData{}, TTL: 120})
	assert.Len(t, set.list(), 1, "unsupported types are dropped")
}

func TestResourceRecordAccessors(t *testing.T) {
	tests := []struct {
		name      string
		record    ResourceRecord
		expectA   bool
		expectPTR bool
		expectSRV bool
		expectTXT bool
	}{
		{
			name:    "A record",
			record:  ResourceRecord{Name: "test.local", Type: RecordTypeA, Data: net.IPv4(192, 168, 1, 1)},
			expectA: true,
		},
		{
			name:      "PTR record",
			record:    ResourceRecord{Name: "_http._tcp.local", Type: RecordTypePTR, Data: "web._http._tcp.local"},
			expectPTR: true,
		},
		{
			name:      "SRV record",
			record:    ResourceRecord{Name: "web._http._tcp.local", Type: RecordTypeSRV, Data: SRVData{Target: "web.local", Port: 80}},
			expectSRV: true,
		},
		{
			name:      "TXT record",
			record:    ResourceRecord{Name: "web._http._tcp.local", Type: RecordTypeTXT, Data: []string{"path=/"}},
			expectTXT: true,
		},
		{
			name:   "A type with wrong data",
			record: ResourceRecord{Name: "test.local", Type: RecordTypeA, Data: "not an IP"},
		},
		{
			name:   "SRV type with wrong data",
			record: ResourceRecord{Name: "web.local", Type: RecordTypeSRV, Data: 42},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tt.record
			assert.Equal(t, tt.expectA, rec.AsA() != nil)
			assert.Equal(t, tt.expectPTR, rec.AsPTR() != "")
			assert.Equal(t, tt.expectSRV, rec.AsSRV() != nil)
			assert.Equal(t, tt.expectTXT, rec.AsTXT() != nil)
		})
	}
}

func TestRecordType_String(t *testing.T) {
	assert.Equal(t, "A", RecordTypeA.String())
	assert.Equal(t, "PTR", RecordTypePTR.String())
	assert.Equal(t, "SRV", RecordTypeSRV.String())
	assert.Equal(t, "TXT", RecordTypeTXT.String())
}

func BenchmarkQuery(b *testing.B) {
	q := newTestQuerier(b, transport.NewNetwork())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = q.Query(ctx, "benchmark.local", RecordTypeA)
	}
}

func BenchmarkNew(b *testing.B) {
	n := transport.NewNetwork()
	for i := 0; i < b.N; i++ {
		q, err := New(
			WithTransport(n.Attach("bench", netip.MustParseAddr("10.0.0.200"))),
			WithLogger(logger.Discard()),
		)
		if err != nil {
			b.Fatalf("New() failed: %v", err)
		}
		_ = q.Close()
	}
}
