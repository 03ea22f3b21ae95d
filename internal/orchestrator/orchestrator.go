// Package orchestrator wires the configured components together and owns
// the agent's top-level lifecycle: start the shared cache, KVDB client,
// and metrics block; on a full agent (not a database-only node), start the
// VPN supervisor and register the enabled service plugins; seed each
// watched prefix from the KVDB and open a watch on it; and dispatch every
// watch event to the plugin registry until told to shut down.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nnoe/agent/internal/cache"
	"github.com/nnoe/agent/internal/config"
	"github.com/nnoe/agent/internal/ha"
	"github.com/nnoe/agent/internal/kvdb"
	"github.com/nnoe/agent/internal/log"
	"github.com/nnoe/agent/internal/metrics"
	"github.com/nnoe/agent/internal/plugin"
	"github.com/nnoe/agent/internal/services/audit"
	"github.com/nnoe/agent/internal/services/dhcp"
	"github.com/nnoe/agent/internal/services/dns"
	"github.com/nnoe/agent/internal/services/filter"
	"github.com/nnoe/agent/internal/services/pdp"
	"github.com/nnoe/agent/internal/vpn"
)

// watchedPrefixes are prefix-scanned to seed plugins and then watched for
// the lifetime of the process. Order here is scan order, not dispatch
// priority: Dispatch fans every event out to every plugin.
var watchedPrefixes = []string{
	"/dns/zones",
	"/dhcp/scopes",
	"/policies",
	"/threats",
	"/role-mappings",
}

// Orchestrator owns every shared component and the plugin registry built
// from the enabled services.
type Orchestrator struct {
	cfg      config.Config
	cache    *cache.Cache
	kv       kvdb.Interface
	metrics  *metrics.Block
	registry *plugin.Registry
	vpnSup   *vpn.Supervisor
	ha       *ha.Coordinator

	dbOnly bool

	wg       sync.WaitGroup
	watchCtx context.Context
	cancel   context.CancelFunc
}

// New constructs the Orchestrator's shared components (cache, metrics,
// plugin registry) and, unless the node is database-only, the VPN
// supervisor and every enabled service plugin. It does not start any
// background task yet; call Run for that.
func New(cfg config.Config, kv kvdb.Interface) (*Orchestrator, error) {
	c, err := cache.Open(cache.Config{
		Path:          cfg.Cache.Path,
		MaxSizeBytes:  cfg.Cache.MaxSizeMB * 1024 * 1024,
		DefaultTTL:    time.Duration(cfg.Cache.DefaultTTLSecs) * time.Second,
		SweepInterval: time.Duration(cfg.Cache.SweepIntervalSecs) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: opening cache: %w", err)
	}

	o := &Orchestrator{
		cfg:      cfg,
		cache:    c,
		kv:       kv,
		metrics:  metrics.NewBlock(),
		registry: plugin.NewRegistry(),
		dbOnly:   cfg.Node.Role == config.RoleDBOnly,
	}

	if o.dbOnly {
		l := log.WithComponent("orchestrator")
		l.Info().Msg("node.role is db-only: no plugins registered, no managed daemons started")
		return o, nil
	}

	if cfg.VPN.Enabled {
		o.vpnSup = vpn.New(vpn.Config{
			BinaryPath: cfg.VPN.BinaryPath,
			ConfigPath: cfg.VPN.ConfigPath,
		})
	}

	if err := o.buildPlugins(); err != nil {
		c.Close()
		return nil, err
	}

	return o, nil
}

func (o *Orchestrator) buildPlugins() error {
	cfg := o.cfg

	if cfg.Services.DHCP.Enabled {
		dhcpDriver := dhcp.New(dhcp.Config{
			BinaryPath:      cfg.Services.DHCP.BinaryPath,
			ConfigPath:      cfg.Services.DHCP.ConfigPath,
			Interface:       cfg.Services.DHCP.Interface,
			HookLibraryPath: cfg.Services.DHCP.HookLibraryPath,
			ReloadCmd:       cfg.Services.DHCP.ReloadCmd,
			StopTimeout:     time.Duration(cfg.Services.DHCP.StopTimeoutSecs) * time.Second,
		}, o.kv, o.metrics)
		if err := o.registry.Register(dhcpDriver); err != nil {
			return fmt.Errorf("orchestrator: registering dhcp: %w", err)
		}

		if cfg.Services.DHCP.HAPairID != "" {
			coord, err := ha.New(ha.Config{
				PairID:   cfg.Services.DHCP.HAPairID,
				SelfNode: cfg.Node.Name,
				PeerNode: cfg.Services.DHCP.PeerNode,
			}, cfg.Services.DHCP.SharedIP, o.kv, dhcpDriver, o.metrics)
			if err != nil {
				return fmt.Errorf("orchestrator: constructing ha coordinator: %w", err)
			}
			o.ha = coord
		}
	}

	if cfg.Services.DNS.Enabled {
		dnsDriver := dns.New(dns.Config{
			ConfigPath:    cfg.Services.DNS.ConfigPath,
			ZoneDir:       cfg.Services.DNS.ZoneDir,
			KeyDir:        cfg.Services.DNS.KeyDir,
			ReloadCmd:     cfg.Services.DNS.ReloadCmd,
			RestartCmd:    cfg.Services.DNS.RestartCmd,
			KeyToolPath:   cfg.Services.DNS.KeyToolPath,
			RolloverGrace: time.Duration(cfg.Services.DNS.RolloverGraceSecs) * time.Second,
		}, o.kv, o.metrics)
		if err := o.registry.Register(dnsDriver); err != nil {
			return fmt.Errorf("orchestrator: registering dns: %w", err)
		}
	}

	if cfg.Services.Filter.Enabled {
		filterDriver := filter.New(filter.Config{
			ConfigPath:       cfg.Services.Filter.ConfigPath,
			RPZDir:           cfg.Services.Filter.RPZDir,
			ReloadCmd:        cfg.Services.Filter.ReloadCmd,
			SinkholeResponse: cfg.Services.Filter.SinkholeResponse,
			DNSResourceKinds: cfg.Services.Filter.DNSResourceKinds,
		}, o.kv, o.metrics)
		if err := o.registry.Register(filterDriver); err != nil {
			return fmt.Errorf("orchestrator: registering filter: %w", err)
		}
	}

	if cfg.Services.PDP.Enabled {
		pdpClient := pdp.New(pdp.Config{
			Endpoint: cfg.Services.PDP.Endpoint,
			Timeout:  time.Duration(cfg.Services.PDP.TimeoutMS) * time.Millisecond,
		})
		if err := o.registry.Register(pdpClient); err != nil {
			return fmt.Errorf("orchestrator: registering pdp: %w", err)
		}
	}

	if cfg.Services.Audit.Enabled {
		auditDriver := audit.New(audit.Config{
			Command:    cfg.Services.Audit.Command,
			ReportPath: cfg.Services.Audit.ReportPath,
			Interval:   time.Duration(cfg.Services.Audit.IntervalSecs) * time.Second,
			SelfNode:   cfg.Node.Name,
		}, o.kv)
		if err := o.registry.Register(auditDriver); err != nil {
			return fmt.Errorf("orchestrator: registering audit: %w", err)
		}
	}

	return nil
}

// Run starts every background task (VPN supervisor, HA coordinator,
// plugin Init, watch loops) and blocks until ctx is canceled, at which
// point it shuts everything down in reverse order and returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	logger := log.WithComponent("orchestrator")

	watchCtx, cancel := context.WithCancel(ctx)
	o.watchCtx = watchCtx
	o.cancel = cancel

	if o.dbOnly {
		logger.Info().Msg("running as db-only: no plugins or managed daemons, still serving watches and the cache")
	}

	if o.vpnSup != nil {
		if err := o.vpnSup.Start(watchCtx); err != nil {
			cancel()
			_ = o.shutdown(context.Background())
			return fmt.Errorf("orchestrator: starting vpn supervisor: %w", err)
		}
	}

	if err := o.registry.InitAll(watchCtx); err != nil {
		cancel()
		_ = o.shutdown(context.Background())
		return fmt.Errorf("orchestrator: initializing plugins: %w", err)
	}

	if o.ha != nil {
		o.ha.Start(watchCtx)
	}

	q := newEventCoalescer()
	for _, prefix := range watchedPrefixes {
		if err := o.seedPrefix(watchCtx, prefix); err != nil {
			logger.Error().Err(err).Str("prefix", prefix).Msg("seeding prefix failed")
		}
		o.watchPrefix(watchCtx, prefix, q)
	}

	o.refreshGauges(watchCtx)
	o.runGaugeSweep(watchCtx)

	for {
		select {
		case <-ctx.Done():
			return o.shutdown(context.Background())
		case <-q.signal:
			for _, ev := range q.drain() {
				o.handleEvent(watchCtx, ev)
			}
		}
	}
}

// eventCoalescer holds at most one pending event per key between dispatch
// passes: a burst of watch events for the same key collapses to its latest
// value instead of queueing every intermediate one, per the backpressure
// rule that duplicate events for a key should be coalesced rather than
// queued without bound.
type eventCoalescer struct {
	mu      sync.Mutex
	pending map[string]kvdb.Event
	order   []string
	signal  chan struct{}
}

func newEventCoalescer() *eventCoalescer {
	return &eventCoalescer{
		pending: make(map[string]kvdb.Event),
		signal:  make(chan struct{}, 1),
	}
}

func (q *eventCoalescer) push(ev kvdb.Event) {
	q.mu.Lock()
	if _, exists := q.pending[ev.Key]; !exists {
		q.order = append(q.order, ev.Key)
	}
	q.pending[ev.Key] = ev
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// drain returns every coalesced event in first-seen-key order and clears
// the queue.
func (q *eventCoalescer) drain() []kvdb.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	evs := make([]kvdb.Event, 0, len(q.order))
	for _, k := range q.order {
		evs = append(evs, q.pending[k])
		delete(q.pending, k)
	}
	q.order = q.order[:0]
	return evs
}

// seedPrefix performs a one-shot prefix scan and delivers every existing
// key to the plugins as a synthetic Put, so a plugin's first Reload has a
// complete picture before the live watch starts delivering deltas.
func (o *Orchestrator) seedPrefix(ctx context.Context, prefix string) error {
	kvs, err := o.kv.PrefixScan(ctx, prefix)
	if err != nil {
		return fmt.Errorf("prefix scan %s: %w", prefix, err)
	}
	for _, kv := range kvs {
		o.handleEvent(ctx, kvdb.Event{Key: kv.Key, Value: kv.Value, Kind: kvdb.EventPut})
	}
	return nil
}

// watchPrefix opens a watch on prefix and pushes every event into q. A
// watch's channel closes on either context cancellation or a disconnect
// (e.g. a compaction error or a dropped KVDB connection); since a closed
// channel can't tell which happened, watchPrefix re-seeds the prefix and
// reopens the watch whenever ctx is still live, so a transient disconnect
// never permanently stops reconciliation for that prefix.
func (o *Orchestrator) watchPrefix(ctx context.Context, prefix string, q *eventCoalescer) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		backoff := time.Second
		for {
			ch := o.kv.Watch(ctx, prefix)
			for ev := range ch {
				q.push(ev)
			}

			if ctx.Err() != nil {
				return
			}

			l := log.WithComponent("orchestrator")
			l.Warn().Str("prefix", prefix).
				Dur("backoff", backoff).Msg("watch disconnected, re-seeding and resubscribing")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if err := o.seedPrefix(ctx, prefix); err != nil {
				l.Error().Err(err).Str("prefix", prefix).Msg("re-seeding prefix failed")
			}
		}
	}()
}

// gaugeSweepInterval governs how often cache and KVDB connectivity gauges
// are refreshed in the absence of watch events.
const gaugeSweepInterval = 30 * time.Second

// refreshGauges pushes a fresh reading of the cache's size/entry count and
// the KVDB client's reachability into the metrics block.
func (o *Orchestrator) refreshGauges(ctx context.Context) {
	if stats, err := o.cache.Stats(); err != nil {
		l := log.WithComponent("orchestrator")
		l.Error().Err(err).Msg("reading cache stats failed")
	} else {
		o.metrics.SetCacheStats(stats.Bytes, stats.Entries)
	}
	o.metrics.SetEtcdConnected(o.kv.Healthy(ctx))
}

// runGaugeSweep starts a background ticker that periodically calls
// refreshGauges, so the gauges stay current between watch events too.
func (o *Orchestrator) runGaugeSweep(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(gaugeSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.refreshGauges(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (o *Orchestrator) handleEvent(ctx context.Context, ev kvdb.Event) {
	change := plugin.Change{Key: ev.Key, Value: ev.Value, Kind: plugin.ChangePut}
	l := log.WithKey(ev.Key)
	if ev.Kind == kvdb.EventDelete {
		change.Kind = plugin.ChangeDelete
		if err := o.cache.Delete(ev.Key); err != nil {
			l.Error().Err(err).Msg("deleting cache entry for watch event failed")
		}
	} else {
		if err := o.cache.Put(ev.Key, ev.Value); err != nil {
			l.Error().Err(err).Msg("writing watch event into cache failed")
		}
	}

	for _, err := range o.registry.Dispatch(ctx, change) {
		l.Error().Err(err).Msg("plugin dispatch failed")
	}
	o.metrics.IncConfigUpdate()
	o.refreshGauges(ctx)
}

// shutdown stops accepting new events, shuts plugins down in reverse
// registration order, stops the HA coordinator and VPN supervisor, and
// flushes the cache.
func (o *Orchestrator) shutdown(ctx context.Context) error {
	logger := log.WithComponent("orchestrator")
	logger.Info().Msg("shutting down")

	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()

	for _, err := range o.registry.ShutdownAll(ctx) {
		logger.Error().Err(err).Msg("plugin shutdown failed")
	}

	if o.ha != nil {
		o.ha.Stop()
	}
	if o.vpnSup != nil {
		o.vpnSup.Stop()
	}

	if o.cache != nil {
		if err := o.cache.Flush(); err != nil {
			logger.Error().Err(err).Msg("flushing cache failed")
		}
		if err := o.cache.Close(); err != nil {
			return fmt.Errorf("orchestrator: closing cache: %w", err)
		}
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

// Metrics returns the shared metrics block, for a /metrics HTTP handler
// registered by the caller.
func (o *Orchestrator) Metrics() *metrics.Block { return o.metrics }
