// Package querier discovers hosts and services on the local link with
// multicast DNS.
//
// A Querier runs its own protocol engine with an answer cache. Query asks
// one question for as long as the context allows and returns the distinct
// records that arrived; Browse enumerates the instances of a service type and
// resolves each one's SRV, TXT and address records in the same window.
//
//	q, err := querier.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer q.Close()
//
//	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
//	defer cancel()
//	services, err := q.Browse(ctx, "_http._tcp")
package querier

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/joshuafuller/mdnscore/internal/engine"
	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/logger"
	"github.com/joshuafuller/mdnscore/internal/message"
	"github.com/joshuafuller/mdnscore/internal/platform"
	"github.com/joshuafuller/mdnscore/internal/protocol"
	"github.com/joshuafuller/mdnscore/internal/records"
	"github.com/joshuafuller/mdnscore/internal/transport"
)

const (
	defaultTimeout = time.Second

	// stopTimeout bounds the StopQuery call made after the caller's context
	// has already ended.
	stopTimeout = time.Second
)

// Querier sends mDNS questions and collects the answers.
type Querier struct {
	transport  transport.Transport
	interfaces []string
	runner     *platform.Runner
	cfg        engine.Config
	clock      clock.Clock
	log        *slog.Logger

	defaultTimeout time.Duration

	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New starts a querier on all multicast-capable interfaces, or on the
// transport given with WithTransport.
func New(opts ...Option) (*Querier, error) {
	q := &Querier{
		cfg:            engine.DefaultConfig(),
		clock:          clock.New(),
		log:            logger.Logger("querier"),
		defaultTimeout: defaultTimeout,
		closed:         make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(q); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	if q.transport == nil {
		ifaces, err := transport.DiscoverInterfaces(q.interfaces...)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to find interfaces: %w", err)
		}
		t, err := transport.NewUDPv4Transport(ctx, ifaces)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		q.transport = t
	}

	q.runner = platform.New(q.transport, q.cfg, platform.WithClock(q.clock), platform.WithLogger(q.log))
	if err := q.runner.Start(ctx); err != nil {
		cancel()
		return nil, multierr.Append(fmt.Errorf("failed to start: %w", err), q.runner.Close())
	}
	return q, nil
}

// window bounds a collection period: the caller's deadline if there is one,
// otherwise the default timeout.
func (q *Querier) window(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, q.defaultTimeout)
}

// wait blocks until the window ends or the querier closes. Running out of
// time is the normal end of a query and is not reported.
func (q *Querier) wait(parent, window context.Context) error {
	select {
	case <-window.Done():
	case <-q.closed:
		return errors.ErrClosed
	}
	if stderrors.Is(parent.Err(), context.Canceled) {
		return parent.Err()
	}
	return nil
}

func (q *Querier) stop(ids []engine.QuestionID) {
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	err := q.runner.Do(ctx, func(e *engine.Engine) error {
		var err error
		for _, id := range ids {
			err = multierr.Append(err, e.StopQuery(id))
		}
		return err
	})
	if err != nil && !stderrors.Is(err, errors.ErrClosed) {
		q.log.Debug("stop query failed", "error", err)
	}
}

// Query asks for records of recordType at name and returns what arrived
// before ctx ended (or the default timeout, if ctx has no deadline).
// Records withdrawn with a goodbye during the window are left out.
func (q *Querier) Query(ctx context.Context, name string, recordType RecordType) (*Response, error) {
	if !recordType.supported() {
		return nil, &errors.ValidationError{Field: "record type", Value: recordType, Message: "unsupported record type"}
	}
	if strings.TrimSpace(name) == "" {
		return nil, &errors.ValidationError{Field: "name", Value: name, Message: "name cannot be empty"}
	}
	qname, err := message.ParseDomainName(name)
	if err != nil {
		return nil, &errors.ValidationError{Field: "name", Value: name, Message: err.Error()}
	}

	wctx, cancel := q.window(ctx)
	defer cancel()

	var mu sync.Mutex
	set := newAnswerSet()
	var id engine.QuestionID
	err = q.runner.Do(wctx, func(e *engine.Engine) error {
		var err error
		id, err = e.StartQuery(engine.Question{Name: qname, Type: protocol.RecordType(recordType)},
			func(_ *engine.Engine, _ engine.QuestionID, a engine.Answer) {
				mu.Lock()
				set.add(a)
				mu.Unlock()
			})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query %s %s: %w", name, recordType, err)
	}

	err = q.wait(ctx, wctx)
	q.stop([]engine.QuestionID{id})

	mu.Lock()
	defer mu.Unlock()
	return &Response{Records: set.list()}, err
}

// Browse enumerates instances of serviceType ("_http._tcp" or
// "_http._tcp.local") and resolves them until ctx ends (or the default
// timeout, if ctx has no deadline).
func (q *Querier) Browse(ctx context.Context, serviceType string) ([]ServiceInstance, error) {
	typ, err := records.ServiceTypeName(serviceType, "")
	if err != nil {
		return nil, err
	}

	wctx, cancel := q.window(ctx)
	defer cancel()

	b := newBrowse()
	b.want(typ, protocol.RecordTypePTR)

	var ids []engine.QuestionID
	defer func() { q.stop(ids) }()
	for {
		next := b.take()
		if len(next) > 0 {
			err := q.runner.Do(wctx, func(e *engine.Engine) error {
				for _, f := range next {
					id, err := e.StartQuery(engine.Question{Name: f.name, Type: f.qtype}, b.callback(f.qtype))
					if err != nil {
						return err
					}
					ids = append(ids, id)
				}
				return nil
			})
			if err != nil && wctx.Err() == nil {
				return nil, fmt.Errorf("failed to browse %s: %w", serviceType, err)
			}
		}
		select {
		case <-b.notify:
			continue
		case <-wctx.Done():
		case <-q.closed:
		}
		break
	}
	return b.instances(), q.wait(ctx, wctx)
}

// Close stops the querier and releases the transport.
func (q *Querier) Close() error {
	q.closeOnce.Do(func() {
		close(q.closed)
		q.closeErr = q.runner.Close()
		q.cancel()
	})
	return q.closeErr
}

type followUp struct {
	name  message.Name
	qtype protocol.RecordType
}

// browse is the state of one Browse call. Callbacks fill it in on the event
// loop; the browsing goroutine starts the follow-up questions they ask for.
type browse struct {
	mu       sync.Mutex
	asked    map[string]bool
	pending  []followUp
	services map[string]*ServiceInstance
	hosts    map[string][]net.IP
	notify   chan struct{}
}

func newBrowse() *browse {
	return &browse{
		asked:    make(map[string]bool),
		services: make(map[string]*ServiceInstance),
		hosts:    make(map[string][]net.IP),
		notify:   make(chan struct{}, 1),
	}
}

func nameKey(n message.Name) string { return n.Lower().String() }

// want queues a question unless it was already asked. Callers hold mu or
// own b exclusively.
func (b *browse) want(name message.Name, qtype protocol.RecordType) {
	key := nameKey(name) + " " + qtype.String()
	if b.asked[key] {
		return
	}
	b.asked[key] = true
	b.pending = append(b.pending, followUp{name: name, qtype: qtype})
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *browse) take() []followUp {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := b.pending
	b.pending = nil
	return next
}

func (b *browse) callback(qtype protocol.RecordType) engine.QuestionCallback {
	return func(_ *engine.Engine, _ engine.QuestionID, a engine.Answer) {
		b.mu.Lock()
		defer b.mu.Unlock()
		switch rd := a.RData.(type) {
		case message.NameRData:
			if qtype == protocol.RecordTypePTR {
				b.instance(rd.Name, a.Removed())
			}
		case message.ServiceRData:
			svc, ok := b.services[nameKey(a.Name)]
			if !ok {
				return
			}
			if a.Removed() {
				svc.Host, svc.Port = "", 0
				return
			}
			svc.Host, svc.Port = rd.Target.String(), rd.Port
			b.want(rd.Target, protocol.RecordTypeA)
		case message.TextRData:
			if svc, ok := b.services[nameKey(a.Name)]; ok && !a.Removed() {
				svc.TXT = records.ParseTXT(rd)
			}
		case message.AddressRData:
			b.address(a.Name, net.IP(rd.IP().AsSlice()), a.Removed())
		}
	}
}

func (b *browse) instance(name message.Name, removed bool) {
	key := nameKey(name)
	if removed {
		delete(b.services, key)
		return
	}
	if _, ok := b.services[key]; ok {
		return
	}
	b.services[key] = &ServiceInstance{Name: name.String(), InstanceName: name.FirstLabel()}
	b.want(name, protocol.RecordTypeSRV)
	b.want(name, protocol.RecordTypeTXT)
}

func (b *browse) address(host message.Name, ip net.IP, removed bool) {
	key := nameKey(host)
	addrs := b.hosts[key]
	for i, a := range addrs {
		if a.Equal(ip) {
			if removed {
				b.hosts[key] = append(addrs[:i:i], addrs[i+1:]...)
			}
			return
		}
	}
	if !removed {
		b.hosts[key] = append(addrs, ip)
	}
}

func (b *browse) instances() []ServiceInstance {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ServiceInstance, 0, len(b.services))
	for _, svc := range b.services {
		s := *svc
		if s.Host != "" {
			s.Addrs = append([]net.IP(nil), b.hosts[strings.ToLower(s.Host)]...)
		}
		out = append(out, s)
	}
	sortInstances(out)
	return out
}
