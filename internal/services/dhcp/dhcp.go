// Package dhcp is the DHCP driver. It renders JSON config for the DHCP
// daemon from /dhcp/scopes/*, manages the daemon as a child process, and
// exposes lease counts via metrics by counting entries under /dhcp/leases.
// It does not touch lease records itself — that is the external hook's
// job — and it does not run HA logic itself; the standalone coordinator in
// internal/ha calls EnsureRunning/EnsureStopped on this driver when the
// host's state transitions. hooks_libraries is populated with the
// configured hook path rather than left commented out.
package dhcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nnoe/agent/internal/fsutil"
	"github.com/nnoe/agent/internal/kvdb"
	"github.com/nnoe/agent/internal/log"
	"github.com/nnoe/agent/internal/metrics"
	"github.com/nnoe/agent/internal/plugin"
)

// Pool is one DHCP address pool within a subnet.
type Pool struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Scope is the decoded form of P/dhcp/scopes/<id>.
type Scope struct {
	ID      string            `json:"id"`
	Subnet  string            `json:"subnet"`
	Pool    Pool              `json:"pool"`
	Options map[string]string `json:"options,omitempty"`
	IPv6    bool              `json:"ipv6,omitempty"`
}

// keaSubnet mirrors Kea's own JSON config vocabulary.
type keaSubnet struct {
	Subnet       string            `json:"subnet"`
	Pools        []map[string]string `json:"pools"`
	OptionData   []keaOption       `json:"option-data,omitempty"`
}

type keaOption struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

type keaDhcpConfig struct {
	InterfacesConfig struct {
		Interfaces []string `json:"interfaces"`
	} `json:"interfaces-config"`
	Subnet4        []keaSubnet `json:"subnet4,omitempty"`
	Subnet6        []keaSubnet `json:"subnet6,omitempty"`
	HooksLibraries []keaHook   `json:"hooks-libraries"`
}

type keaHook struct {
	Library string `json:"library"`
}

type keaRoot struct {
	Dhcp4 *keaDhcpConfig `json:"Dhcp4,omitempty"`
}

// Config configures the DHCP driver.
type Config struct {
	BinaryPath      string
	ConfigPath      string
	Interface       string
	HookLibraryPath string
	ReloadCmd       string
	StopTimeout     time.Duration
}

// Driver is the DHCP service plugin and also satisfies ha.DaemonActions.
type Driver struct {
	cfg     Config
	kv      kvdb.Interface
	metrics *metrics.Block

	mu     sync.Mutex
	scopes map[string]Scope

	procMu sync.Mutex
	cmd    *exec.Cmd
	done   chan struct{}
}

var _ plugin.Driver = (*Driver)(nil)

// New constructs a DHCP driver.
func New(cfg Config, kv kvdb.Interface, m *metrics.Block) *Driver {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	return &Driver{cfg: cfg, kv: kv, metrics: m, scopes: make(map[string]Scope)}
}

func (d *Driver) Name() string { return "dhcp" }

const scopePrefix = "/dhcp/scopes/"
const leasesPrefix = "/dhcp/leases/"

func (d *Driver) Init(ctx context.Context) error { return nil }

func (d *Driver) OnChange(ctx context.Context, change plugin.Change) error {
	if strings.HasPrefix(change.Key, leasesPrefix) {
		d.updateLeaseMetrics(ctx)
		return nil
	}

	if !strings.HasPrefix(change.Key, scopePrefix) {
		return nil
	}
	id := strings.TrimPrefix(change.Key, scopePrefix)

	d.mu.Lock()
	prevHash := d.contentHash()
	switch change.Kind {
	case plugin.ChangeDelete:
		delete(d.scopes, id)
	case plugin.ChangePut:
		var s Scope
		if err := json.Unmarshal(change.Value, &s); err != nil {
			d.mu.Unlock()
			l := log.WithPlugin("dhcp")
			l.Warn().Err(err).Str("scope", id).Msg("skipping malformed scope record")
			return nil
		}
		s.ID = id
		d.scopes[id] = s
	}
	newHash := d.contentHash()
	d.mu.Unlock()

	// A repeated put with identical bytes is coalesced by content hash so
	// it triggers exactly one reload rather than a redundant second one.
	if prevHash == newHash {
		return nil
	}
	return d.Reload(ctx)
}

// contentHash returns a deterministic summary of the current scope set,
// used to detect no-op updates. Caller holds d.mu.
func (d *Driver) contentHash() string {
	data, _ := d.renderConfigLocked()
	return string(data)
}

func (d *Driver) renderConfigLocked() ([]byte, error) {
	ids := make([]string, 0, len(d.scopes))
	for id := range d.scopes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	root := keaRoot{Dhcp4: &keaDhcpConfig{}}
	root.Dhcp4.InterfacesConfig.Interfaces = []string{d.cfg.Interface}
	if d.cfg.HookLibraryPath != "" {
		root.Dhcp4.HooksLibraries = []keaHook{{Library: d.cfg.HookLibraryPath}}
	}

	for _, id := range ids {
		s := d.scopes[id]
		sub := keaSubnet{
			Subnet: s.Subnet,
			Pools:  []map[string]string{{"pool": fmt.Sprintf("%s - %s", s.Pool.Start, s.Pool.End)}},
		}
		optNames := make([]string, 0, len(s.Options))
		for k := range s.Options {
			optNames = append(optNames, k)
		}
		sort.Strings(optNames)
		for _, name := range optNames {
			sub.OptionData = append(sub.OptionData, keaOption{Name: name, Data: s.Options[name]})
		}
		if s.IPv6 {
			root.Dhcp4.Subnet6 = append(root.Dhcp4.Subnet6, sub)
		} else {
			root.Dhcp4.Subnet4 = append(root.Dhcp4.Subnet4, sub)
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(root); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Reload rewrites the config atomically and asks the daemon to reload.
func (d *Driver) Reload(ctx context.Context) error {
	d.mu.Lock()
	data, err := d.renderConfigLocked()
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("dhcp: rendering config: %w", err)
	}

	if err := fsutil.WriteFileAtomic(d.cfg.ConfigPath, data, 0o644); err != nil {
		return fmt.Errorf("dhcp: writing config: %w", err)
	}

	if d.cfg.ReloadCmd == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", d.cfg.ReloadCmd)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("dhcp: reload failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	metrics.ServiceReloadsTotal.WithLabelValues("dhcp").Inc()
	return nil
}

func (d *Driver) updateLeaseMetrics(ctx context.Context) {
	if d.metrics == nil || d.kv == nil {
		return
	}
	entries, err := d.kv.PrefixScan(ctx, leasesPrefix)
	if err != nil {
		return
	}
	d.metrics.SetLeasesActive(int64(len(entries)))
	d.metrics.IncDHCPLeases(1)
}

// EnsureRunning implements ha.DaemonActions: start the daemon if it is not
// already tracked as running.
func (d *Driver) EnsureRunning(ctx context.Context) error {
	d.procMu.Lock()
	defer d.procMu.Unlock()
	if d.cmd != nil && d.cmd.ProcessState == nil {
		return nil
	}
	cmd := exec.CommandContext(ctx, d.cfg.BinaryPath, "-c", d.cfg.ConfigPath)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("dhcp: starting daemon: %w", err)
	}
	d.cmd = cmd
	done := make(chan struct{})
	d.done = done
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	return nil
}

// EnsureStopped implements ha.DaemonActions: send a graceful termination
// signal, wait up to StopTimeout for the daemon to exit, then kill it.
func (d *Driver) EnsureStopped(ctx context.Context) error {
	d.procMu.Lock()
	defer d.procMu.Unlock()
	if d.cmd == nil || d.cmd.Process == nil {
		return nil
	}

	_ = d.cmd.Process.Signal(sigTerm())

	select {
	case <-d.done:
	case <-time.After(d.cfg.StopTimeout):
		if err := d.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("dhcp: killing daemon: %w", err)
		}
		<-d.done
	}
	return nil
}

func (d *Driver) Health(ctx context.Context) bool {
	d.procMu.Lock()
	defer d.procMu.Unlock()
	return d.cmd != nil && d.cmd.ProcessState == nil
}

func (d *Driver) Shutdown(ctx context.Context) error {
	return d.EnsureStopped(ctx)
}
