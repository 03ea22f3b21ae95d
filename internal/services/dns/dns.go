// Package dns is the authoritative DNS driver. It renders zone files and a
// server-config fragment, manages DNSSEC signing keys via a keymgr
// shell-out, and reloads (or restarts) the daemon when state changes. Key
// rollover completes the full add/reload/retire sequence rather than only
// generating new key files.
package dns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nnoe/agent/internal/fsutil"
	"github.com/nnoe/agent/internal/kvdb"
	"github.com/nnoe/agent/internal/log"
	"github.com/nnoe/agent/internal/metrics"
	"github.com/nnoe/agent/internal/plugin"
)

// Record is one DNS resource record within a zone.
type Record struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
	TTL   int    `json:"ttl,omitempty"`
}

// Zone is the decoded form of P/dns/zones/<zone>.
type Zone struct {
	Domain  string   `json:"domain"`
	TTL     int      `json:"ttl"`
	Records []Record `json:"records"`
	Sign    bool     `json:"sign,omitempty"`
}

// Config configures the DNS driver.
type Config struct {
	ConfigPath        string
	ZoneDir           string
	KeyDir            string
	ReloadCmd         string
	RestartCmd        string
	KeyToolPath       string // defaults to "keymgr"
	RolloverGrace     time.Duration
}

// signingKey tracks one generated DNSSEC key for a zone.
type signingKey struct {
	Zone      string    `json:"zone"`
	Tag       string    `json:"tag"`
	Kind      string    `json:"kind"` // "KSK" or "ZSK"
	CreatedAt time.Time `json:"created_at"`
	Active    bool      `json:"active"`
	RetireAt  time.Time `json:"retire_at,omitempty"`
}

// Driver is the DNS service plugin.
type Driver struct {
	cfg     Config
	kv      kvdb.Interface
	metrics *metrics.Block

	mu    sync.Mutex
	zones map[string]Zone         // zone name -> decoded zone
	keys  map[string][]signingKey // zone name -> keys

	reloadMu      sync.Mutex // serializes daemon reload/restart, one per managed daemon
	lastReloadErr error
}

var _ plugin.Driver = (*Driver)(nil)

// New constructs a DNS driver.
func New(cfg Config, kv kvdb.Interface, m *metrics.Block) *Driver {
	if cfg.KeyToolPath == "" {
		cfg.KeyToolPath = "keymgr"
	}
	if cfg.RolloverGrace <= 0 {
		cfg.RolloverGrace = 24 * time.Hour
	}
	return &Driver{
		cfg:   cfg,
		kv:    kv,
		metrics: m,
		zones: make(map[string]Zone),
		keys:  make(map[string][]signingKey),
	}
}

func (d *Driver) Name() string { return "dns" }

const zonePrefix = "/dns/zones/"

// Init does nothing. The zone set is seeded after Init: the orchestrator
// prefix-scans before opening its watch and delivers each existing zone to
// OnChange as a synthetic Put change.
func (d *Driver) Init(ctx context.Context) error {
	return nil
}

func relevant(key string) (zone string, ok bool) {
	if !strings.HasPrefix(key, zonePrefix) {
		return "", false
	}
	return strings.TrimPrefix(key, zonePrefix), true
}

func (d *Driver) OnChange(ctx context.Context, change plugin.Change) error {
	zoneName, ok := relevant(change.Key)
	if !ok {
		return nil
	}

	d.mu.Lock()
	switch change.Kind {
	case plugin.ChangeDelete:
		delete(d.zones, zoneName)
	case plugin.ChangePut:
		var z Zone
		if err := json.Unmarshal(change.Value, &z); err != nil {
			d.mu.Unlock()
			l := log.WithPlugin("dns")
			l.Warn().Err(err).Str("zone", zoneName).Msg("skipping malformed zone record")
			return nil
		}
		d.zones[zoneName] = z
	}
	d.mu.Unlock()

	return d.Reload(ctx)
}

// Reload re-renders every zone and the server config fragment, manages
// DNSSEC keys, then asks the daemon to reload (restarting on failure).
func (d *Driver) Reload(ctx context.Context) error {
	d.mu.Lock()
	zones := make(map[string]Zone, len(d.zones))
	for k, v := range d.zones {
		zones[k] = v
	}
	d.mu.Unlock()

	for name, z := range zones {
		if err := d.writeZoneFile(name, z); err != nil {
			return fmt.Errorf("dns: writing zone file %s: %w", name, err)
		}
		if z.Sign {
			if err := d.ensureSigningKeys(ctx, name); err != nil {
				l := log.WithPlugin("dns")
				l.Error().Err(err).Str("zone", name).Msg("dnssec key management failed")
			}
		}
	}

	if err := d.writeServerConfig(zones); err != nil {
		return fmt.Errorf("dns: writing server config: %w", err)
	}

	return d.reloadDaemon(ctx)
}

// writeZoneFile renders BIND-style zone text, sorted by record name then
// type so a full rebuild is byte-identical across runs with no intervening
// changes.
func (d *Driver) writeZoneFile(name string, z Zone) error {
	records := append([]Record(nil), z.Records...)
	sort.Slice(records, func(i, j int) bool {
		if records[i].Name != records[j].Name {
			return records[i].Name < records[j].Name
		}
		return records[i].Type < records[j].Type
	})

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "$ORIGIN %s.\n$TTL %d\n", z.Domain, z.TTL)
	fmt.Fprintf(&buf, "@ IN SOA ns1.%s. hostmaster.%s. ( 1 3600 900 604800 %d )\n", z.Domain, z.Domain, z.TTL)
	for _, r := range records {
		ttl := r.TTL
		if ttl == 0 {
			ttl = z.TTL
		}
		fmt.Fprintf(&buf, "%s %d IN %s %s\n", r.Name, ttl, r.Type, r.Value)
	}

	path := filepath.Join(d.cfg.ZoneDir, name+".zone")
	return fsutil.WriteFileAtomic(path, buf.Bytes(), 0o644)
}

func (d *Driver) writeServerConfig(zones map[string]Zone) error {
	names := make([]string, 0, len(zones))
	for n := range zones {
		names = append(names, n)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	buf.WriteString("# managed by nnoe-agent; do not edit by hand\n")
	for _, n := range names {
		fmt.Fprintf(&buf, "zone:\n  - domain: %s\n    file: %s.zone\n", n, n)
	}
	return fsutil.WriteFileAtomic(d.cfg.ConfigPath, buf.Bytes(), 0o644)
}

// ensureSigningKeys generates a KSK/ZSK pair on first use for a signed zone.
// On later calls it only removes retired keys whose grace period has
// elapsed; it never generates new keys for a zone that already has some.
// Rollover itself is RotateKeys.
func (d *Driver) ensureSigningKeys(ctx context.Context, zone string) error {
	d.mu.Lock()
	existing := d.keys[zone]
	d.mu.Unlock()

	if len(existing) == 0 {
		ksk, err := d.generateKey(ctx, zone, "KSK")
		if err != nil {
			return err
		}
		zsk, err := d.generateKey(ctx, zone, "ZSK")
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.keys[zone] = []signingKey{ksk, zsk}
		d.mu.Unlock()
		return nil
	}

	return d.retireExpiredKeys(zone)
}

func (d *Driver) generateKey(ctx context.Context, zone, kind string) (signingKey, error) {
	cmd := exec.CommandContext(ctx, d.cfg.KeyToolPath, zone, "generate",
		"algorithm=ECDSAP256SHA256", "ksk="+strconv.FormatBool(kind == "KSK"))
	cmd.Dir = d.cfg.KeyDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return signingKey{}, fmt.Errorf("%s: %w: %s", d.cfg.KeyToolPath, err, strings.TrimSpace(string(out)))
	}
	tag := strings.TrimSpace(string(out))
	return signingKey{Zone: zone, Tag: tag, Kind: kind, CreatedAt: time.Now(), Active: true}, nil
}

// RotateKeys generates a fresh KSK/ZSK pair, marks the previous keys
// retiring after RolloverGrace, and leaves their actual removal to the next
// call to retireExpiredKeys once the grace period elapses and a reload has
// happened — new keys added, daemon reloaded, retiring key removed only
// after the grace period, never overwritten in place.
func (d *Driver) RotateKeys(ctx context.Context, zone string) error {
	ksk, err := d.generateKey(ctx, zone, "KSK")
	if err != nil {
		return err
	}
	zsk, err := d.generateKey(ctx, zone, "ZSK")
	if err != nil {
		return err
	}

	d.mu.Lock()
	for i := range d.keys[zone] {
		d.keys[zone][i].Active = false
		d.keys[zone][i].RetireAt = time.Now().Add(d.cfg.RolloverGrace)
	}
	d.keys[zone] = append(d.keys[zone], ksk, zsk)
	d.mu.Unlock()

	return d.reloadDaemon(ctx)
}

func (d *Driver) retireExpiredKeys(zone string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	kept := d.keys[zone][:0]
	for _, k := range d.keys[zone] {
		if !k.Active && !k.RetireAt.IsZero() && now.After(k.RetireAt) {
			path := filepath.Join(d.cfg.KeyDir, zone+"."+k.Tag+".key")
			_ = removeIfExists(path)
			continue
		}
		kept = append(kept, k)
	}
	d.keys[zone] = kept
	return nil
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// reloadDaemon issues a graceful reload signal; on failure it attempts a
// restart. The outcome of that attempt (success, or reload-and-restart both
// failing) is recorded and surfaced via Health, while the last-known-good
// on-disk state is retained untouched either way.
func (d *Driver) reloadDaemon(ctx context.Context) error {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()

	if d.cfg.ReloadCmd == "" {
		d.setReloadErr(nil)
		return nil
	}
	if err := runShell(ctx, d.cfg.ReloadCmd); err == nil {
		metricsIncReload("dns")
		d.setReloadErr(nil)
		return nil
	}

	if d.cfg.RestartCmd == "" {
		err := fmt.Errorf("dns: reload failed and no restart command configured")
		d.setReloadErr(err)
		return err
	}
	if err := runShell(ctx, d.cfg.RestartCmd); err != nil {
		err = fmt.Errorf("dns: reload and restart both failed: %w", err)
		d.setReloadErr(err)
		return err
	}
	metricsIncReload("dns")
	d.setReloadErr(nil)
	return nil
}

func (d *Driver) setReloadErr(err error) {
	d.mu.Lock()
	d.lastReloadErr = err
	d.mu.Unlock()
}

func runShell(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func metricsIncReload(plugin string) {
	metrics.ServiceReloadsTotal.WithLabelValues(plugin).Inc()
}

// Health reports whether the last daemon-control reload attempt succeeded.
func (d *Driver) Health(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastReloadErr == nil
}

func (d *Driver) Shutdown(ctx context.Context) error {
	return nil
}
