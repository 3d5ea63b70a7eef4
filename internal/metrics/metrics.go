// Package metrics exports engine activity as Prometheus metrics.
//
// A Collector implements engine.Observer, so it is handed to the engine
// through engine.Config.Observer. Each Collector owns its metric vectors;
// registering them is left to the caller so that several engines (and the
// tests) can use separate registries.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/joshuafuller/mdnscore/internal/engine"
)

const namespace = "mdnscore"

// Collector counts packets, drops, conflicts and cache activity.
type Collector struct {
	packets      *prometheus.CounterVec
	bytes        *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	sendFailures prometheus.Counter
	evictions    prometheus.Counter
	conflicts    prometheus.Counter
	cacheSize    prometheus.Gauge
}

var _ engine.Observer = (*Collector)(nil)

// New builds a Collector. constLabels are attached to every metric, which
// is how a process running one engine per network namespace tells them
// apart.
func New(constLabels prometheus.Labels) *Collector {
	return &Collector{
		packets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "packets",
				Name:        "total",
				Help:        "mDNS packets sent and received, by direction and kind.",
				ConstLabels: constLabels,
			},
			[]string{"direction", "kind"},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "packets",
				Name:        "bytes_total",
				Help:        "mDNS payload bytes sent and received, by direction.",
				ConstLabels: constLabels,
			},
			[]string{"direction"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "packets",
				Name:        "dropped_total",
				Help:        "Received packets or records discarded, by reason.",
				ConstLabels: constLabels,
			},
			[]string{"reason"},
		),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "packets",
			Name:        "send_failures_total",
			Help:        "Packets the platform failed to send.",
			ConstLabels: constLabels,
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "evictions_total",
			Help:        "Cache records evicted to make room for new ones.",
			ConstLabels: constLabels,
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "records",
			Name:        "conflicts_total",
			Help:        "Name conflicts detected for local records.",
			ConstLabels: constLabels,
		}),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "records",
			Help:        "Records currently held in the cache.",
			ConstLabels: constLabels,
		}),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.packets.Describe(ch)
	c.bytes.Describe(ch)
	c.dropped.Describe(ch)
	c.sendFailures.Describe(ch)
	c.evictions.Describe(ch)
	c.conflicts.Describe(ch)
	c.cacheSize.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.packets.Collect(ch)
	c.bytes.Collect(ch)
	c.dropped.Collect(ch)
	c.sendFailures.Collect(ch)
	c.evictions.Collect(ch)
	c.conflicts.Collect(ch)
	c.cacheSize.Collect(ch)
}

func direction(d engine.Direction) string {
	if d == engine.Outbound {
		return "out"
	}
	return "in"
}

func (c *Collector) Packet(dir engine.Direction, kind engine.PacketKind, size int) {
	c.packets.WithLabelValues(direction(dir), string(kind)).Inc()
	c.bytes.WithLabelValues(direction(dir)).Add(float64(size))
}

func (c *Collector) Dropped(reason string) {
	c.dropped.WithLabelValues(strings.ReplaceAll(reason, " ", "_")).Inc()
}

func (c *Collector) SendFailed()   { c.sendFailures.Inc() }
func (c *Collector) CacheEvicted() { c.evictions.Inc() }
func (c *Collector) CacheSize(n int) {
	c.cacheSize.Set(float64(n))
}
func (c *Collector) Conflict() { c.conflicts.Inc() }
