// Package metrics exposes the agent's counters and gauges, both as
// Prometheus collectors (for a scrape endpoint) and as a lock-free
// in-memory snapshot that an external exporter could serialize on its own
// cadence without touching the Prometheus registry.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConfigUpdatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nnoe_config_updates_total",
		Help: "Watch events processed by the orchestrator.",
	})
	ServiceReloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nnoe_service_reloads_total",
		Help: "Daemon reloads issued, by plugin.",
	}, []string{"plugin"})
	DNSQueriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nnoe_dns_queries_total",
		Help: "DNS queries observed, fed by an external source.",
	})
	BlockedQueriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nnoe_blocked_queries_total",
		Help: "DNS queries sinkholed by the filter daemon.",
	})
	DHCPLeasesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nnoe_dhcp_leases_total",
		Help: "DHCP lease events observed over the lifetime of the process.",
	})

	DHCPLeasesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nnoe_dhcp_leases_active",
		Help: "Current count of entries under the leases prefix.",
	})
	HAState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nnoe_ha_state",
		Help: "Current HA state (0=Unknown, 1=Primary, 2=Standby).",
	})
	EtcdConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nnoe_etcd_connected",
		Help: "Whether the KVDB client currently holds a usable connection.",
	})
	CacheSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nnoe_cache_size_bytes",
		Help: "Total bytes stored in the local cache.",
	})
	CacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nnoe_cache_entries",
		Help: "Current number of entries in the local cache.",
	})
	UptimeSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nnoe_uptime_seconds",
		Help: "Seconds since process start.",
	})
)

func init() {
	prometheus.MustRegister(
		ConfigUpdatesTotal,
		ServiceReloadsTotal,
		DNSQueriesTotal,
		BlockedQueriesTotal,
		DHCPLeasesTotal,
		DHCPLeasesActive,
		HAState,
		EtcdConnected,
		CacheSizeBytes,
		CacheEntries,
		UptimeSeconds,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Snapshot is the plain-struct view of current metric values, for a
// would-be external exporter that doesn't want to scrape the Prometheus
// wire format.
type Snapshot struct {
	ConfigUpdatesTotal  uint64
	DNSQueriesTotal     uint64
	BlockedQueriesTotal uint64
	DHCPLeasesTotal     uint64
	DHCPLeasesActive    int64
	HAState             int32
	EtcdConnected       bool
	CacheSizeBytes      int64
	CacheEntries        int64
	UptimeSeconds       int64
}

// Block holds the atomic counters that back Snapshot. It is a single owned
// value; tests construct a fresh Block per case rather than sharing one.
type Block struct {
	configUpdates  uint64
	dnsQueries     uint64
	blockedQueries uint64
	dhcpLeases     uint64
	leasesActive   int64
	haState        int32
	etcdConnected  int32
	cacheBytes     int64
	cacheEntries   int64
	startedAt      time.Time
}

// NewBlock returns a fresh atomic metrics block with its start time set to now.
func NewBlock() *Block {
	return &Block{startedAt: time.Now()}
}

func (b *Block) IncConfigUpdate() {
	atomic.AddUint64(&b.configUpdates, 1)
	ConfigUpdatesTotal.Inc()
}

func (b *Block) IncDNSQueries(n uint64) {
	atomic.AddUint64(&b.dnsQueries, n)
	DNSQueriesTotal.Add(float64(n))
}

func (b *Block) IncBlockedQueries(n uint64) {
	atomic.AddUint64(&b.blockedQueries, n)
	BlockedQueriesTotal.Add(float64(n))
}

func (b *Block) IncDHCPLeases(n uint64) {
	atomic.AddUint64(&b.dhcpLeases, n)
	DHCPLeasesTotal.Add(float64(n))
}

func (b *Block) SetLeasesActive(n int64) {
	atomic.StoreInt64(&b.leasesActive, n)
	DHCPLeasesActive.Set(float64(n))
}

func (b *Block) SetHAState(state int32) {
	atomic.StoreInt32(&b.haState, state)
	HAState.Set(float64(state))
}

func (b *Block) SetEtcdConnected(connected bool) {
	v := int32(0)
	if connected {
		v = 1
	}
	atomic.StoreInt32(&b.etcdConnected, v)
	if connected {
		EtcdConnected.Set(1)
	} else {
		EtcdConnected.Set(0)
	}
}

func (b *Block) SetCacheStats(bytes, entries int64) {
	atomic.StoreInt64(&b.cacheBytes, bytes)
	atomic.StoreInt64(&b.cacheEntries, entries)
	CacheSizeBytes.Set(float64(bytes))
	CacheEntries.Set(float64(entries))
}

// Snapshot returns a consistent-enough point-in-time read of every counter
// and gauge without taking a lock; each field is read with its own atomic
// load.
func (b *Block) Snapshot() Snapshot {
	uptime := int64(time.Since(b.startedAt).Seconds())
	UptimeSeconds.Set(float64(uptime))
	return Snapshot{
		ConfigUpdatesTotal:  atomic.LoadUint64(&b.configUpdates),
		DNSQueriesTotal:     atomic.LoadUint64(&b.dnsQueries),
		BlockedQueriesTotal: atomic.LoadUint64(&b.blockedQueries),
		DHCPLeasesTotal:     atomic.LoadUint64(&b.dhcpLeases),
		DHCPLeasesActive:    atomic.LoadInt64(&b.leasesActive),
		HAState:             atomic.LoadInt32(&b.haState),
		EtcdConnected:        atomic.LoadInt32(&b.etcdConnected) == 1,
		CacheSizeBytes:      atomic.LoadInt64(&b.cacheBytes),
		CacheEntries:        atomic.LoadInt64(&b.cacheEntries),
		UptimeSeconds:       uptime,
	}
}
